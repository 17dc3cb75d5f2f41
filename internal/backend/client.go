// Package backend is the HTTP client for the question generator backend.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/publicsuffix"
)

const maxErrorBody = 64 << 10

// TokenSource supplies the bearer token of the signed-in user. An empty
// token means the request goes out unauthenticated.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Client talks to the backend API. The session cookie the backend uses for
// generation drafts is kept in a cookie jar.
type Client struct {
	baseURL       string
	httpClient    *http.Client
	timeout       time.Duration
	streamTimeout time.Duration
	otpPath       string
	tokens        TokenSource
	logger        *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the per-request timeout for ordinary calls.
func WithTimeout(d time.Duration) Option { return func(c *Client) { c.timeout = d } }

// WithStreamTimeout bounds a whole generation stream.
func WithStreamTimeout(d time.Duration) Option { return func(c *Client) { c.streamTimeout = d } }

// WithOTPPath overrides the OTP dispatch path.
func WithOTPPath(p string) Option { return func(c *Client) { c.otpPath = p } }

// WithTokenSource attaches bearer tokens to requests.
func WithTokenSource(ts TokenSource) Option { return func(c *Client) { c.tokens = ts } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(c *Client) { c.logger = l } }

// WithHTTPClient replaces the transport client. Its cookie jar, if any, is kept.
func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.httpClient = hc } }

// New creates a Client for baseURL.
func New(baseURL string, opts ...Option) *Client {
	jar, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	c := &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		httpClient:    &http.Client{Jar: jar},
		timeout:       30 * time.Second,
		streamTimeout: 30 * time.Minute,
		otpPath:       "/forgot/send-otp",
		logger:        slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// BaseURL returns the configured base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// timeoutError is returned when a request exceeds its deadline.
type timeoutError struct {
	op string
}

func (e *timeoutError) Error() string { return e.op + ": request timed out" }

func (e *timeoutError) Unwrap() error { return context.DeadlineExceeded }

// IsTimeout reports whether err came from a request deadline.
func IsTimeout(err error) bool {
	var te *timeoutError
	return errors.As(err, &te)
}

// cancelOnClose wraps a ReadCloser and cancels a context on Close.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Request, error) {
	url := path
	ownHost := true
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		ownHost = strings.HasPrefix(path, c.baseURL+"/")
	} else {
		url = c.baseURL + path
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("X-Request-ID", uuid.NewString())
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.tokens != nil && ownHost {
		tok, err := c.tokens.Token(ctx)
		if err != nil {
			c.logger.Debug("no bearer token for request", "path", path, "error", err)
		} else if tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}
	return req, nil
}

// send issues req under timeout. The returned body owns the timeout context
// and releases it on Close.
func (c *Client) send(ctx context.Context, timeout time.Duration, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	reqCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, timeout)
	}

	req, err := c.newRequest(reqCtx, method, path, body, contentType)
	if err != nil {
		cancel()
		return nil, err
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, &timeoutError{op: method + " " + path}
		}
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	c.logger.Debug("backend request",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"request_id", req.Header.Get("X-Request-ID"),
		"duration", time.Since(start).Round(time.Millisecond),
	)
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	contentType := ""
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
		contentType = "application/json"
	}
	return c.send(ctx, c.timeout, method, path, bodyReader, contentType)
}

func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

func (c *Client) post(ctx context.Context, path string, body any) (*http.Response, error) {
	return c.do(ctx, http.MethodPost, path, body)
}

// envelope is the discriminator shared by backend JSON responses.
type envelope struct {
	Success *bool  `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// decodeJSON reads a JSON response into v. A decodable error body or a
// success:false envelope becomes an *APIError; anything else unexpected is
// a plain error.
func decodeJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()

	limit := int64(maxErrorBody)
	if resp.StatusCode < 400 {
		limit = 32 << 20
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		if IsTimeout(err) || errors.Is(err, context.DeadlineExceeded) {
			return &timeoutError{op: "reading response"}
		}
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return statusError(resp.StatusCode, data)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err == nil && env.Success != nil && !*env.Success {
		return &APIError{Status: resp.StatusCode, Message: firstNonEmpty(env.Error, env.Message, "Unknown error"), Code: env.Code}
	}
	if v == nil {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// statusError turns a non-2xx response into an error.
func statusError(status int, body []byte) error {
	var env envelope
	if err := json.Unmarshal(body, &env); err == nil && (env.Error != "" || env.Message != "") {
		return &APIError{Status: status, Message: firstNonEmpty(env.Error, env.Message), Code: env.Code}
	}
	return fmt.Errorf("server returned %d: %s", status, strings.TrimSpace(string(body)))
}

// checkStatus closes resp and returns an error on a non-2xx status.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return statusError(resp.StatusCode, body)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
