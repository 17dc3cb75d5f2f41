// Package identity signs users in against the Firebase Identity Toolkit REST
// API and keeps the resulting session in local storage.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/jesmine0820/ielts-listening-question-generator/internal/storage"
)

const (
	defaultBaseURL  = "https://identitytoolkit.googleapis.com/v1"
	defaultTokenURL = "https://securetoken.googleapis.com/v1/token"

	// refreshSkew refreshes ID tokens a little before they expire.
	refreshSkew = time.Minute
)

// SessionStore persists the signed-in session. Implemented by storage.Store.
type SessionStore interface {
	SaveSession(sess storage.Session) error
	GetSession() (storage.Session, error)
	ClearSession() error
}

// LoginRecorder is told about every successful sign-in.
type LoginRecorder interface {
	RecordLogin(ctx context.Context, uid, email string) error
}

// Client is the identity-provider adapter.
type Client struct {
	apiKey     string
	baseURL    string
	tokenURL   string
	httpClient *http.Client
	sessions   SessionStore
	recorder   LoginRecorder
	providers  map[string]*oauth2.Config
	opener     func(url string) error
	now        func() time.Time
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the Identity Toolkit endpoint.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithTokenURL overrides the token refresh endpoint.
func WithTokenURL(u string) Option { return func(c *Client) { c.tokenURL = u } }

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.httpClient = hc } }

// WithLoginRecorder records sign-ins on the backend.
func WithLoginRecorder(r LoginRecorder) Option { return func(c *Client) { c.recorder = r } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(c *Client) { c.logger = l } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(c *Client) { c.now = now } }

// WithBrowserOpener sets how the OAuth consent url is shown to the user.
func WithBrowserOpener(fn func(url string) error) Option { return func(c *Client) { c.opener = fn } }

// New creates a Client. apiKey is the Firebase web API key.
func New(apiKey string, sessions SessionStore, opts ...Option) *Client {
	c := &Client{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		tokenURL:   defaultTokenURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		sessions:   sessions,
		providers:  make(map[string]*oauth2.Config),
		opener:     func(string) error { return nil },
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// authResponse is the common shape of accounts:* responses.
type authResponse struct {
	IDToken          string `json:"idToken"`
	RefreshToken     string `json:"refreshToken"`
	ExpiresIn        string `json:"expiresIn"`
	LocalID          string `json:"localId"`
	Email            string `json:"email"`
	ProviderID       string `json:"providerId"`
	NeedConfirmation bool   `json:"needConfirmation"`
	ErrorMessage     string `json:"errorMessage"`
}

type providerErrorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// call posts body to an accounts:* method and decodes the response.
func (c *Client) call(ctx context.Context, method string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshalling request: %w", err)
	}
	endpoint := fmt.Sprintf("%s/%s?key=%s", c.baseURL, method, url.QueryEscape(c.apiKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("identity provider not reachable: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading identity response: %w", err)
	}
	if resp.StatusCode >= 400 {
		var pe providerErrorBody
		if err := json.Unmarshal(raw, &pe); err == nil && pe.Error.Message != "" {
			return mapProviderError(pe.Error.Message)
		}
		return fmt.Errorf("identity provider returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding identity response: %w", err)
	}
	return nil
}

func (c *Client) signInWithPassword(ctx context.Context, email, password string) (authResponse, error) {
	var out authResponse
	err := c.call(ctx, "accounts:signInWithPassword", map[string]any{
		"email":             email,
		"password":          password,
		"returnSecureToken": true,
	}, &out)
	return out, err
}

// SignUp creates an account and signs it in.
func (c *Client) SignUp(ctx context.Context, email, password string) (storage.Session, error) {
	var out authResponse
	if err := c.call(ctx, "accounts:signUp", map[string]any{
		"email":             email,
		"password":          password,
		"returnSecureToken": true,
	}, &out); err != nil {
		return storage.Session{}, err
	}
	return c.establish(ctx, out, "password")
}

// SignIn signs in with email and password.
func (c *Client) SignIn(ctx context.Context, email, password string) (storage.Session, error) {
	out, err := c.signInWithPassword(ctx, email, password)
	if err != nil {
		return storage.Session{}, err
	}
	return c.establish(ctx, out, "password")
}

// SignOut forgets the stored session.
func (c *Client) SignOut() error {
	if err := c.sessions.ClearSession(); err != nil {
		return fmt.Errorf("clearing session: %w", err)
	}
	return nil
}

// Current returns the stored session.
func (c *Client) Current() (storage.Session, error) {
	sess, err := c.sessions.GetSession()
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Session{}, ErrNotSignedIn
	}
	if err != nil {
		return storage.Session{}, fmt.Errorf("loading session: %w", err)
	}
	return sess, nil
}

// establish persists a fresh sign-in and records it on the backend.
func (c *Client) establish(ctx context.Context, out authResponse, provider string) (storage.Session, error) {
	sess := c.sessionFrom(out.IDToken, out.RefreshToken, out.ExpiresIn, out.LocalID, out.Email)
	sess.Provider = provider
	if err := c.sessions.SaveSession(sess); err != nil {
		return storage.Session{}, fmt.Errorf("saving session: %w", err)
	}
	c.logger.Info("signed in", "uid", sess.UID, "provider", provider)

	if c.recorder != nil {
		if err := c.recorder.RecordLogin(ctx, sess.UID, sess.Email); err != nil {
			c.logger.Warn("recording login on backend failed", "error", err)
		}
	}
	return sess, nil
}

func (c *Client) sessionFrom(idToken, refreshToken, expiresIn, uid, email string) storage.Session {
	sess := storage.Session{
		UID:          uid,
		Email:        email,
		IDToken:      idToken,
		RefreshToken: refreshToken,
	}
	if secs, err := strconv.Atoi(expiresIn); err == nil && secs > 0 {
		sess.ExpiresAt = c.now().Add(time.Duration(secs) * time.Second)
	}

	claims, err := ParseClaims(idToken)
	if err != nil {
		c.logger.Debug("id token claims unreadable", "error", err)
		return sess
	}
	if sess.UID == "" {
		sess.UID = claims.UID
	}
	if sess.Email == "" {
		sess.Email = claims.Email
	}
	if !claims.ExpiresAt.IsZero() {
		sess.ExpiresAt = claims.ExpiresAt
	}
	return sess
}

// Claims are the ID token fields the client uses.
type Claims struct {
	UID       string
	Email     string
	ExpiresAt time.Time
}

// ParseClaims reads claims from an ID token without verifying its
// signature. The token came straight from the provider over TLS; the
// backend verifies it before trusting it.
func ParseClaims(idToken string) (Claims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, claims); err != nil {
		return Claims{}, fmt.Errorf("parsing id token: %w", err)
	}
	var out Claims
	if uid, ok := claims["user_id"].(string); ok {
		out.UID = uid
	} else if sub, err := claims.GetSubject(); err == nil {
		out.UID = sub
	}
	if email, ok := claims["email"].(string); ok {
		out.Email = email
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time
	}
	return out, nil
}

// Token returns a valid ID token for the stored session, refreshing it when
// it is about to expire. It implements the backend's TokenSource.
func (c *Client) Token(ctx context.Context) (string, error) {
	sess, err := c.Current()
	if err != nil {
		return "", err
	}
	if sess.ExpiresAt.IsZero() || c.now().Add(refreshSkew).Before(sess.ExpiresAt) {
		return sess.IDToken, nil
	}
	if sess.RefreshToken == "" {
		return "", ErrNotSignedIn
	}

	refreshed, err := c.refresh(ctx, sess)
	if err != nil {
		return "", err
	}
	return refreshed.IDToken, nil
}

func (c *Client) refresh(ctx context.Context, sess storage.Session) (storage.Session, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {sess.RefreshToken},
	}
	endpoint := c.tokenURL + "?key=" + url.QueryEscape(c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return storage.Session{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return storage.Session{}, fmt.Errorf("refreshing token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var pe providerErrorBody
		_ = json.NewDecoder(resp.Body).Decode(&pe)
		c.logger.Warn("token refresh rejected", "status", resp.StatusCode, "reason", pe.Error.Message)
		return storage.Session{}, ErrNotSignedIn
	}

	var out struct {
		IDToken      string `json:"id_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    string `json:"expires_in"`
		UserID       string `json:"user_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return storage.Session{}, fmt.Errorf("decoding refresh response: %w", err)
	}

	next := c.sessionFrom(out.IDToken, out.RefreshToken, out.ExpiresIn, out.UserID, sess.Email)
	next.Provider = sess.Provider
	if next.UID == "" {
		next.UID = sess.UID
	}
	if err := c.sessions.SaveSession(next); err != nil {
		return storage.Session{}, fmt.Errorf("saving session: %w", err)
	}
	return next, nil
}
