package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/jesmine0820/ielts-listening-question-generator/internal/logging"
	"github.com/jesmine0820/ielts-listening-question-generator/internal/storage"
)

func makeToken(t *testing.T, uid, email string, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": uid,
		"sub":     uid,
		"email":   email,
		"exp":     exp.Unix(),
	}).SignedString([]byte("test-key"))
	require.NoError(t, err)
	return tok
}

type fakeProvider struct {
	t        *testing.T
	mu       sync.Mutex
	calls    map[string]int
	bodies   map[string]map[string]any
	handlers map[string]func(body map[string]any) (int, any)
}

func newFakeProvider(t *testing.T) (*fakeProvider, *httptest.Server) {
	f := &fakeProvider{
		t:        t,
		calls:    make(map[string]int),
		bodies:   make(map[string]map[string]any),
		handlers: make(map[string]func(map[string]any) (int, any)),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method := r.URL.Path[1:]
		var body map[string]any
		if r.Header.Get("Content-Type") == "application/json" {
			_ = json.NewDecoder(r.Body).Decode(&body)
		} else {
			_ = r.ParseForm()
			body = map[string]any{}
			for k := range r.PostForm {
				body[k] = r.PostForm.Get(k)
			}
		}
		f.mu.Lock()
		f.calls[method]++
		f.bodies[method] = body
		h := f.handlers[method]
		f.mu.Unlock()

		if h == nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		status, resp := h(body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeProvider) on(method string, h func(body map[string]any) (int, any)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[method] = h
}

func (f *fakeProvider) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func providerError(msg string) (int, any) {
	return 400, map[string]any{"error": map[string]any{"code": 400, "message": msg}}
}

type recordedLogins struct {
	mu     sync.Mutex
	logins []string
	err    error
}

func (r *recordedLogins) RecordLogin(ctx context.Context, uid, email string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logins = append(r.logins, uid+"/"+email)
	return r.err
}

func openStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestClient(t *testing.T, srv *httptest.Server, store SessionStore, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{
		WithBaseURL(srv.URL),
		WithTokenURL(srv.URL + "/token"),
		WithLogger(logging.NewNop()),
	}, opts...)
	return New("api-key", store, opts...)
}

func TestSignUp_PersistsSessionAndRecordsLogin(t *testing.T) {
	f, srv := newFakeProvider(t)
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	idTok := makeToken(t, "uid-1", "a@b.com", exp)
	f.on("accounts:signUp", func(body map[string]any) (int, any) {
		return 200, map[string]any{"idToken": idTok, "refreshToken": "r1", "expiresIn": "3600", "localId": "uid-1", "email": "a@b.com"}
	})
	store := openStore(t)
	rec := &recordedLogins{err: errors.New("backend down")}
	c := newTestClient(t, srv, store, WithLoginRecorder(rec))

	sess, err := c.SignUp(context.Background(), "a@b.com", "secret1")
	require.NoError(t, err, "login recording failure is not fatal")
	assert.Equal(t, "uid-1", sess.UID)
	assert.Equal(t, "password", sess.Provider)
	assert.True(t, sess.ExpiresAt.Equal(exp))

	cur, err := c.Current()
	require.NoError(t, err)
	assert.Equal(t, idTok, cur.IDToken)
	assert.Equal(t, []string{"uid-1/a@b.com"}, rec.logins)
	assert.Equal(t, true, f.bodies["accounts:signUp"]["returnSecureToken"])
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		provider string
		code     string
		message  string
	}{
		{"EMAIL_EXISTS", CodeEmailInUse, "This email is already registered. Please login instead."},
		{"INVALID_EMAIL", CodeInvalidEmail, "Invalid email address"},
		{"WEAK_PASSWORD : Password should be at least 6 characters", CodeWeakPassword, "Password is too weak"},
		{"EMAIL_NOT_FOUND", CodeUserNotFound, "No account found with this email"},
		{"INVALID_PASSWORD", CodeWrongPassword, "Incorrect password"},
		{"INVALID_LOGIN_CREDENTIALS", CodeInvalidCredential, "Invalid email or password"},
		{"FEDERATED_USER_ID_ALREADY_LINKED", CodeDifferentCred, "An account already exists with this email. Please use a different sign-in method."},
		{"SOMETHING_NEW", CodeUnknown, "SOMETHING_NEW"},
	}
	f, srv := newFakeProvider(t)
	c := newTestClient(t, srv, openStore(t))

	for _, tc := range cases {
		t.Run(tc.provider, func(t *testing.T) {
			f.on("accounts:signInWithPassword", func(map[string]any) (int, any) { return providerError(tc.provider) })
			_, err := c.SignIn(context.Background(), "a@b.com", "pw")

			var ie *Error
			require.ErrorAs(t, err, &ie)
			assert.Equal(t, tc.code, ie.Code)
			assert.Equal(t, tc.message, ie.Message)
			kind, reason := ie.BusinessReason()
			assert.Equal(t, tc.code, kind)
			assert.Equal(t, tc.message, reason)
		})
	}

	_, err := c.Current()
	assert.ErrorIs(t, err, ErrNotSignedIn)
}

func TestProbeCheck(t *testing.T) {
	f, srv := newFakeProvider(t)
	store := openStore(t)
	require.NoError(t, store.SaveSession(storage.Session{UID: "keep", Email: "me@b.com", IDToken: "mine"}))
	c := newTestClient(t, srv, store)
	probe := NewProbeCheck(c)

	f.on("accounts:signInWithPassword", func(map[string]any) (int, any) {
		return 200, map[string]any{"idToken": "probe-token", "localId": "other"}
	})
	unchanged, err := probe.Unchanged(context.Background(), "a@b.com", "same")
	require.NoError(t, err)
	assert.True(t, unchanged)

	for _, msg := range []string{"INVALID_PASSWORD", "INVALID_LOGIN_CREDENTIALS", "EMAIL_NOT_FOUND"} {
		f.on("accounts:signInWithPassword", func(map[string]any) (int, any) { return providerError(msg) })
		unchanged, err = probe.Unchanged(context.Background(), "a@b.com", "different")
		require.NoError(t, err, msg)
		assert.False(t, unchanged, msg)
	}

	f.on("accounts:signInWithPassword", func(map[string]any) (int, any) { return providerError("TOO_MANY_ATTEMPTS_TRY_LATER") })
	_, err = probe.Unchanged(context.Background(), "a@b.com", "x")
	assert.True(t, HasCode(err, CodeTooManyRequests))

	sess, err := c.Current()
	require.NoError(t, err)
	assert.Equal(t, "mine", sess.IDToken, "probe never touches the stored session")
}

func TestToken_RefreshesExpiredSession(t *testing.T) {
	f, srv := newFakeProvider(t)
	store := openStore(t)
	now := time.Now()
	require.NoError(t, store.SaveSession(storage.Session{
		UID: "u1", Email: "a@b.com", Provider: "google",
		IDToken: "old", RefreshToken: "r1", ExpiresAt: now.Add(10 * time.Second),
	}))
	fresh := makeToken(t, "u1", "a@b.com", now.Add(time.Hour))
	f.on("token", func(body map[string]any) (int, any) {
		assert.Equal(t, "refresh_token", body["grant_type"])
		assert.Equal(t, "r1", body["refresh_token"])
		return 200, map[string]any{"id_token": fresh, "refresh_token": "r2", "expires_in": "3600", "user_id": "u1"}
	})
	c := newTestClient(t, srv, store)

	tok, err := c.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, fresh, tok)

	sess, err := c.Current()
	require.NoError(t, err)
	assert.Equal(t, "r2", sess.RefreshToken)
	assert.Equal(t, "google", sess.Provider)

	tok, err = c.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, fresh, tok)
	assert.Equal(t, 1, f.count("token"), "valid token is not refreshed again")
}

func TestToken_RefreshRejectedMeansSignedOut(t *testing.T) {
	f, srv := newFakeProvider(t)
	store := openStore(t)
	require.NoError(t, store.SaveSession(storage.Session{UID: "u1", IDToken: "old", RefreshToken: "r1", ExpiresAt: time.Now().Add(-time.Hour)}))
	f.on("token", func(map[string]any) (int, any) { return providerError("TOKEN_EXPIRED") })
	c := newTestClient(t, srv, store)

	_, err := c.Token(context.Background())
	assert.ErrorIs(t, err, ErrNotSignedIn)
}

func TestSignOut(t *testing.T) {
	_, srv := newFakeProvider(t)
	store := openStore(t)
	require.NoError(t, store.SaveSession(storage.Session{UID: "u1", IDToken: "t"}))
	c := newTestClient(t, srv, store)

	require.NoError(t, c.SignOut())
	_, err := c.Current()
	assert.ErrorIs(t, err, ErrNotSignedIn)
}

func TestParseClaims(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	claims, err := ParseClaims(makeToken(t, "u9", "z@b.com", exp))
	require.NoError(t, err)
	assert.Equal(t, "u9", claims.UID)
	assert.Equal(t, "z@b.com", claims.Email)
	assert.True(t, claims.ExpiresAt.Equal(exp))

	_, err = ParseClaims("not-a-jwt")
	assert.Error(t, err)
}

// browserFollowing simulates the user granting (or denying) consent by
// calling the loopback redirect from the consent url.
func browserFollowing(query func(state string) url.Values) func(string) error {
	return func(authURL string) error {
		u, err := url.Parse(authURL)
		if err != nil {
			return err
		}
		redirect := u.Query().Get("redirect_uri")
		q := query(u.Query().Get("state"))
		go func() {
			resp, err := http.Get(redirect + "?" + q.Encode())
			if err == nil {
				resp.Body.Close()
			}
		}()
		return nil
	}
}

func TestSignInWithProvider(t *testing.T) {
	f, srv := newFakeProvider(t)
	idTok := makeToken(t, "g-1", "g@b.com", time.Now().Add(time.Hour))
	f.on("oauth/token", func(body map[string]any) (int, any) {
		return 200, map[string]any{"access_token": "at", "token_type": "bearer", "id_token": "google-id-token"}
	})
	f.on("accounts:signInWithIdp", func(body map[string]any) (int, any) {
		return 200, map[string]any{"idToken": idTok, "refreshToken": "r", "expiresIn": "3600", "localId": "g-1", "email": "g@b.com"}
	})
	store := openStore(t)
	rec := &recordedLogins{}
	c := newTestClient(t, srv, store,
		WithLoginRecorder(rec),
		WithProvider(ProviderGoogle, "client-id", "client-secret"),
		WithProviderEndpoint(ProviderGoogle, oauth2.Endpoint{AuthURL: srv.URL + "/oauth/auth", TokenURL: srv.URL + "/oauth/token"}),
		WithBrowserOpener(browserFollowing(func(state string) url.Values {
			return url.Values{"state": {state}, "code": {"auth-code"}}
		})),
	)
	assert.Equal(t, []string{ProviderGoogle}, c.Providers())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sess, err := c.SignInWithProvider(ctx, ProviderGoogle)
	require.NoError(t, err)
	assert.Equal(t, "g-1", sess.UID)
	assert.Equal(t, "google", sess.Provider)

	postBody, err := url.ParseQuery(fmt.Sprint(f.bodies["accounts:signInWithIdp"]["postBody"]))
	require.NoError(t, err)
	assert.Equal(t, "google-id-token", postBody.Get("id_token"))
	assert.Equal(t, "google.com", postBody.Get("providerId"))
	assert.Equal(t, []string{"g-1/g@b.com"}, rec.logins)
}

func TestSignInWithProvider_Denied(t *testing.T) {
	_, srv := newFakeProvider(t)
	c := newTestClient(t, srv, openStore(t),
		WithProvider(ProviderFacebook, "fb-id", "fb-secret"),
		WithProviderEndpoint(ProviderFacebook, oauth2.Endpoint{AuthURL: srv.URL + "/oauth/auth", TokenURL: srv.URL + "/oauth/token"}),
		WithBrowserOpener(browserFollowing(func(state string) url.Values {
			return url.Values{"state": {state}, "error": {"access_denied"}}
		})),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := c.SignInWithProvider(ctx, ProviderFacebook)
	assert.True(t, HasCode(err, CodePopupClosed))
	assert.Equal(t, "Sign-in cancelled", err.Error())
}

func TestSignInWithProvider_CancelledContext(t *testing.T) {
	_, srv := newFakeProvider(t)
	c := newTestClient(t, srv, openStore(t), WithProvider(ProviderGoogle, "id", "secret"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.SignInWithProvider(ctx, ProviderGoogle)
	assert.True(t, HasCode(err, CodePopupClosed))

	_, err = c.SignInWithProvider(ctx, ProviderFacebook)
	assert.ErrorContains(t, err, "not configured")
}

func TestSignInWithProvider_NeedsConfirmation(t *testing.T) {
	f, srv := newFakeProvider(t)
	f.on("oauth/token", func(map[string]any) (int, any) {
		return 200, map[string]any{"access_token": "fb-at", "token_type": "bearer"}
	})
	f.on("accounts:signInWithIdp", func(map[string]any) (int, any) {
		return 200, map[string]any{"needConfirmation": true, "email": "a@b.com"}
	})
	c := newTestClient(t, srv, openStore(t),
		WithProvider(ProviderFacebook, "fb-id", "fb-secret"),
		WithProviderEndpoint(ProviderFacebook, oauth2.Endpoint{AuthURL: srv.URL + "/oauth/auth", TokenURL: srv.URL + "/oauth/token"}),
		WithBrowserOpener(browserFollowing(func(state string) url.Values {
			return url.Values{"state": {state}, "code": {"c"}}
		})),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := c.SignInWithProvider(ctx, ProviderFacebook)
	assert.True(t, HasCode(err, CodeDifferentCred))

	postBody, _ := url.ParseQuery(fmt.Sprint(f.bodies["accounts:signInWithIdp"]["postBody"]))
	assert.Equal(t, "fb-at", postBody.Get("access_token"))
}

func TestOTPRecordsInvalidate(t *testing.T) {
	var paths []string
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		paths = append(paths, r.URL.Path)
		w.WriteHeader(status)
	}))
	defer srv.Close()

	o := NewOTPRecords(srv.URL, "proj", "k", logging.NewNop())
	require.NoError(t, o.Invalidate(context.Background(), "a@b.com"))
	assert.Equal(t, "/projects/proj/databases/(default)/documents/passwordResetOTPs/a@b.com", paths[0])

	status = http.StatusNotFound
	require.NoError(t, o.Invalidate(context.Background(), "a@b.com"))

	status = http.StatusForbidden
	assert.Error(t, o.Invalidate(context.Background(), "a@b.com"))

	assert.Error(t, NewOTPRecords(srv.URL, "", "", nil).Invalidate(context.Background(), "a@b.com"))
}
