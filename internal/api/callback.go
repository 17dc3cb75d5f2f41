package api

import (
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
)

// CallbackPath is where the OAuth provider redirects the browser.
const CallbackPath = "/callback"

// CallbackResult is what the provider sent back: a code, or an error.
type CallbackResult struct {
	Code             string
	Error            string
	ErrorDescription string
}

// CallbackHandler serves the OAuth loopback redirect and delivers the
// first result on Results.
type CallbackHandler struct {
	http.Handler
	results chan CallbackResult
	once    sync.Once
}

var callbackPage = template.Must(template.New("callback").Parse(`<!doctype html>
<html><head><meta charset="utf-8"><title>IELTS Question Generator</title></head>
<body style="font-family:sans-serif;text-align:center;margin-top:4em">
<h2>{{.Title}}</h2><p>{{.Body}}</p>
</body></html>`))

// NewCallbackHandler returns a router that accepts one callback carrying
// state.
func NewCallbackHandler(state string) *CallbackHandler {
	h := &CallbackHandler{results: make(chan CallbackResult, 1)}

	r := chi.NewRouter()
	r.Get("/health", handleHealth)
	r.With(RequireState(state)).Get(CallbackPath, h.handleCallback)
	h.Handler = r
	return h
}

// Results yields exactly one CallbackResult.
func (h *CallbackHandler) Results() <-chan CallbackResult {
	return h.results
}

func (h *CallbackHandler) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	res := CallbackResult{
		Code:             q.Get("code"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	}
	if res.Code == "" && res.Error == "" {
		httpError(w, http.StatusBadRequest, "invalid_request", "callback carried neither code nor error")
		return
	}

	delivered := false
	h.once.Do(func() {
		h.results <- res
		delivered = true
	})

	page := struct{ Title, Body string }{"Signed in", "You can close this window and return to the terminal."}
	switch {
	case !delivered:
		page = struct{ Title, Body string }{"Already handled", "This sign-in attempt has already completed."}
	case res.Error != "":
		page = struct{ Title, Body string }{"Sign-in cancelled", "No account was linked. You can close this window."}
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = callbackPage.Execute(w, page)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
