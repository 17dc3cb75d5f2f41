package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
)

// DefaultBundleName is used when the server does not name the bundle.
const DefaultBundleName = "ielts_materials.zip"

// SendOTP asks the backend to email a one-time code.
func (c *Client) SendOTP(ctx context.Context, email string) error {
	resp, err := c.post(ctx, c.otpPath, map[string]string{"email": email})
	if err != nil {
		return err
	}
	return decodeJSON(resp, nil)
}

// VerifyOTP checks a code against the one sent to email.
func (c *Client) VerifyOTP(ctx context.Context, email, otp string) error {
	resp, err := c.post(ctx, "/forgot/verify-otp", map[string]string{"email": email, "otp": otp})
	if err != nil {
		return err
	}
	return decodeJSON(resp, nil)
}

// ResetPassword sets a new password for email.
func (c *Client) ResetPassword(ctx context.Context, email, otp, newPassword string) error {
	resp, err := c.post(ctx, "/forgot/reset-password", map[string]string{
		"email":       email,
		"otp":         otp,
		"newPassword": newPassword,
	})
	if err != nil {
		return err
	}
	return decodeJSON(resp, nil)
}

// RecordLogin tells the backend which user signed in.
func (c *Client) RecordLogin(ctx context.Context, uid, email string) error {
	resp, err := c.post(ctx, "/login", map[string]string{"uid": uid, "email": email})
	if err != nil {
		return err
	}
	return decodeJSON(resp, nil)
}

// GenerateQuestions starts generation and returns the progress event
// stream. The stream is bounded by the stream timeout rather than the
// per-request timeout. The caller must close it.
func (c *Client) GenerateQuestions(ctx context.Context, questionData json.RawMessage, withAudio bool) (io.ReadCloser, error) {
	payload := map[string]any{}
	if len(questionData) > 0 {
		if err := json.Unmarshal(questionData, &payload); err != nil {
			return nil, fmt.Errorf("question data is not a JSON object: %w", err)
		}
	}
	payload["generateWithAudio"] = withAudio

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshalling request: %w", err)
	}
	resp, err := c.send(ctx, c.streamTimeout, http.MethodPost, "/api/generate-questions", bytes.NewReader(data), "application/json")
	if err != nil {
		return nil, err
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// StartBackgroundAudio queues audio synthesis for the current draft.
func (c *Client) StartBackgroundAudio(ctx context.Context) (string, error) {
	resp, err := c.post(ctx, "/api/generate-audio-background", nil)
	if err != nil {
		return "", err
	}
	var out struct {
		TaskID string `json:"task_id"`
	}
	if err := decodeJSON(resp, &out); err != nil {
		return "", err
	}
	if out.TaskID == "" {
		return "", fmt.Errorf("server returned no task_id")
	}
	return out.TaskID, nil
}

type statusResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

func (s statusResponse) normalized() string {
	if s.Status == "error" && s.Error != "" {
		return "error: " + s.Error
	}
	return s.Status
}

// AudioStatus reports the status of a draft audio task.
func (c *Client) AudioStatus(ctx context.Context, taskID string) (string, error) {
	return c.taskStatus(ctx, "/api/check-audio-status/"+url.PathEscape(taskID))
}

// AudioTaskStatus reports the status of an audio task for a saved set.
func (c *Client) AudioTaskStatus(ctx context.Context, taskID string) (string, error) {
	return c.taskStatus(ctx, "/api/audio-task-status/"+url.PathEscape(taskID))
}

func (c *Client) taskStatus(ctx context.Context, path string) (string, error) {
	resp, err := c.get(ctx, path)
	if err != nil {
		return "", err
	}
	var out statusResponse
	if err := decodeJSON(resp, &out); err != nil {
		return "", err
	}
	if out.Status == "" {
		return "", fmt.Errorf("server returned no status")
	}
	return out.normalized(), nil
}

// RegeneratePart rebuilds one part of the draft from spec.
func (c *Client) RegeneratePart(ctx context.Context, part int, spec string) error {
	resp, err := c.post(ctx, "/api/regenerate-part", map[string]any{"part": part, "spec": spec})
	if err != nil {
		return err
	}
	return decodeJSON(resp, nil)
}

// SaveFiles persists the selected draft files to the user's history.
func (c *Client) SaveFiles(ctx context.Context, files []string) error {
	resp, err := c.post(ctx, "/api/save-to-firebase", map[string]any{"files": files})
	if err != nil {
		return err
	}
	return decodeJSON(resp, nil)
}

// Download is a file body and the name the server suggested for it.
type Download struct {
	Filename string
	Body     io.ReadCloser
}

// DownloadFiles asks the server to bundle files into a zip.
func (c *Client) DownloadFiles(ctx context.Context, files []string) (*Download, error) {
	data, err := json.Marshal(map[string]any{"files": files})
	if err != nil {
		return nil, fmt.Errorf("marshalling request: %w", err)
	}
	resp, err := c.send(ctx, c.streamTimeout, http.MethodPost, "/api/download-files", bytes.NewReader(data), "application/json")
	if err != nil {
		return nil, err
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	return &Download{
		Filename: FilenameFromDisposition(resp.Header.Get("Content-Disposition"), DefaultBundleName),
		Body:     resp.Body,
	}, nil
}

// FilenameFromDisposition extracts the filename parameter of a
// Content-Disposition header, falling back to def.
func FilenameFromDisposition(header, def string) string {
	if header == "" {
		return def
	}
	if _, params, err := mime.ParseMediaType(header); err == nil {
		if name := params["filename"]; name != "" {
			return sanitizeName(name, def)
		}
	}
	// Servers sometimes send unquoted names with spaces.
	if i := strings.LastIndex(header, "filename="); i >= 0 {
		name := strings.Trim(strings.TrimSpace(header[i+len("filename="):]), `"`)
		return sanitizeName(name, def)
	}
	return def
}

func sanitizeName(name, def string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	if name == "" || name == "." || name == ".." {
		return def
	}
	return name
}

// HistoryEntry is one saved question set as the backend reports it.
type HistoryEntry struct {
	FolderName string            `json:"folder_name"`
	Timestamp  string            `json:"timestamp"`
	Files      map[string]string `json:"files"`
}

// History lists the user's saved question sets.
func (c *Client) History(ctx context.Context) ([]HistoryEntry, error) {
	resp, err := c.get(ctx, "/api/get-history")
	if err != nil {
		return nil, err
	}
	var out struct {
		History []HistoryEntry `json:"history"`
	}
	if err := decodeJSON(resp, &out); err != nil {
		return nil, err
	}
	return out.History, nil
}

// AudioCheck is the answer to check-or-generate.
type AudioCheck struct {
	Status string `json:"status"`
	TaskID string `json:"task_id"`
	Error  string `json:"error"`
}

// CheckOrGenerateAudio returns "ready" when a set already has audio, or
// starts synthesis and returns "processing" with a task id.
func (c *Client) CheckOrGenerateAudio(ctx context.Context, setName string) (AudioCheck, error) {
	resp, err := c.get(ctx, "/api/check-or-generate-audio/"+url.PathEscape(setName))
	if err != nil {
		return AudioCheck{}, err
	}
	var out AudioCheck
	if err := decodeJSON(resp, &out); err != nil {
		return AudioCheck{}, err
	}
	if out.Status != "ready" && out.Status != "processing" {
		return out, &APIError{Status: resp.StatusCode, Message: firstNonEmpty(out.Error, "audio generation could not start")}
	}
	return out, nil
}

// MarkFile is one answer sheet to upload.
type MarkFile struct {
	Name string
	Body io.Reader
}

// Mark uploads answer sheets for automated marking and returns the report url.
func (c *Client) Mark(ctx context.Context, setName string, files []MarkFile) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("set_name", setName); err != nil {
		return "", fmt.Errorf("writing form: %w", err)
	}
	for _, f := range files {
		part, err := mw.CreateFormFile("files", f.Name)
		if err != nil {
			return "", fmt.Errorf("writing form: %w", err)
		}
		if _, err := io.Copy(part, f.Body); err != nil {
			return "", fmt.Errorf("reading %s: %w", f.Name, err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("writing form: %w", err)
	}

	resp, err := c.send(ctx, c.streamTimeout, http.MethodPost, "/api/automated-marking", &buf, mw.FormDataContentType())
	if err != nil {
		return "", err
	}
	var out struct {
		PDFURL string `json:"pdf_url"`
	}
	if err := decodeJSON(resp, &out); err != nil {
		return "", err
	}
	if out.PDFURL == "" {
		return "", fmt.Errorf("server returned no pdf_url")
	}
	return out.PDFURL, nil
}

// Catalog returns the raw question catalog (themes, types and topics).
func (c *Client) Catalog(ctx context.Context) (map[string]any, error) {
	resp, err := c.get(ctx, "/api/config")
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := decodeJSON(resp, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// LatestPDF returns the most recently rendered question paper.
func (c *Client) LatestPDF(ctx context.Context) (io.ReadCloser, error) {
	return c.Fetch(ctx, "/get_latest_pdf")
}

// PreviewPDF renders and returns a preview of the current draft.
func (c *Client) PreviewPDF(ctx context.Context) (io.ReadCloser, error) {
	return c.Fetch(ctx, "/generate_pdf_preview")
}

// PartAudio returns the synthesized audio for one part of the draft.
func (c *Client) PartAudio(ctx context.Context, part int) (io.ReadCloser, error) {
	return c.Fetch(ctx, fmt.Sprintf("/get_audio/%d", part))
}

// Fetch downloads a path or absolute url. The caller must close the body.
func (c *Client) Fetch(ctx context.Context, pathOrURL string) (io.ReadCloser, error) {
	resp, err := c.send(ctx, c.streamTimeout, http.MethodGet, pathOrURL, nil, "")
	if err != nil {
		return nil, err
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	return resp.Body, nil
}
