package api

import (
	"crypto/subtle"
	"net/http"
)

// RequireState rejects callback requests whose state parameter does not
// match the one issued with the authorization url.
func RequireState(state string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.URL.Query().Get("state")
			if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(state)) != 1 {
				httpError(w, http.StatusBadRequest, "state_mismatch", "invalid or missing state parameter")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
