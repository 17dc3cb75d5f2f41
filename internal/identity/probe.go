package identity

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ProbeCheck decides whether a candidate password equals the current one
// by attempting a sign-in with it. The probe's tokens are discarded and the
// stored session is never touched.
type ProbeCheck struct {
	client *Client
}

// NewProbeCheck returns a ProbeCheck backed by c.
func NewProbeCheck(c *Client) *ProbeCheck {
	return &ProbeCheck{client: c}
}

// Unchanged reports whether password is the account's current password.
func (p *ProbeCheck) Unchanged(ctx context.Context, email, password string) (bool, error) {
	_, err := p.client.signInWithPassword(ctx, email, password)
	switch {
	case err == nil:
		return true, nil
	case HasCode(err, CodeWrongPassword, CodeInvalidCredential, CodeUserNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("probing current password: %w", err)
	}
}

// OTPRecords deletes server-side password reset codes from Firestore.
type OTPRecords struct {
	baseURL    string
	projectID  string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOTPRecords returns an OTPRecords for the Firestore REST endpoint baseURL.
func NewOTPRecords(baseURL, projectID, apiKey string, logger *slog.Logger) *OTPRecords {
	if logger == nil {
		logger = slog.Default()
	}
	return &OTPRecords{
		baseURL:    strings.TrimRight(baseURL, "/"),
		projectID:  projectID,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
	}
}

// Invalidate deletes passwordResetOTPs/{email}. A missing record counts as
// deleted.
func (o *OTPRecords) Invalidate(ctx context.Context, email string) error {
	if o.projectID == "" {
		return fmt.Errorf("firebase project id is not configured")
	}
	endpoint := fmt.Sprintf("%s/projects/%s/databases/(default)/documents/passwordResetOTPs/%s",
		o.baseURL, url.PathEscape(o.projectID), url.PathEscape(email))
	if o.apiKey != "" {
		endpoint += "?key=" + url.QueryEscape(o.apiKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := o.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("deleting otp record: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode < 300 {
		o.logger.Debug("otp record invalidated", "status", resp.StatusCode)
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("firestore returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}
