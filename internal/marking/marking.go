// Package marking uploads answer sheets for automated marking and fetches
// the resulting report.
package marking

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/jesmine0820/ielts-listening-question-generator/internal/backend"
	"github.com/jesmine0820/ielts-listening-question-generator/internal/document"
	"github.com/jesmine0820/ielts-listening-question-generator/internal/workflow"
)

// Backend is the part of the backend API used for marking.
type Backend interface {
	Mark(ctx context.Context, setName string, files []backend.MarkFile) (string, error)
	Fetch(ctx context.Context, pathOrURL string) (io.ReadCloser, error)
}

// Report is a downloaded marking report.
type Report struct {
	URL  string
	Path string
	document.Info
}

// Service runs marking requests.
type Service struct {
	backend Backend
	logger  *slog.Logger
}

// New creates a Service.
func New(b Backend, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{backend: b, logger: logger}
}

// Submit uploads the answer sheets at paths for setName and returns the
// report url.
func (s *Service) Submit(ctx context.Context, setName string, paths []string) (string, error) {
	setName = strings.TrimSpace(setName)
	if setName == "" {
		return "", workflow.Invalid("set_name", "Please select a question set.")
	}
	if len(paths) == 0 {
		return "", workflow.Invalid("files", "Please upload at least one answer sheet.")
	}

	files := make([]backend.MarkFile, 0, len(paths))
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			closeAll(files)
			return "", workflow.Invalid("files", fmt.Sprintf("Cannot read %s: %v", p, err))
		}
		files = append(files, backend.MarkFile{Name: filepath.Base(p), Body: f})
	}
	defer closeAll(files)

	s.logger.Info("submitting answer sheets", "set", setName, "files", len(files))
	url, err := s.backend.Mark(ctx, setName, files)
	if err != nil {
		return "", workflow.FromRemote("automated marking", err)
	}
	return url, nil
}

func closeAll(files []backend.MarkFile) {
	for _, f := range files {
		if c, ok := f.Body.(io.Closer); ok {
			c.Close()
		}
	}
}

// FetchReport downloads the report at url into dest (a directory or a file
// path ending in .pdf) and inspects it.
func (s *Service) FetchReport(ctx context.Context, url, dest string) (Report, error) {
	path := dest
	if !strings.EqualFold(filepath.Ext(dest), ".pdf") {
		name := filepath.Base(strings.SplitN(url, "?", 2)[0])
		if !strings.EqualFold(filepath.Ext(name), ".pdf") {
			name = "marking_report.pdf"
		}
		path = filepath.Join(dest, name)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Report{}, fmt.Errorf("creating report directory: %w", err)
	}

	body, err := s.backend.Fetch(ctx, url)
	if err != nil {
		return Report{}, workflow.FromRemote("download report", err)
	}
	defer body.Close()

	out, err := os.Create(path)
	if err != nil {
		return Report{}, fmt.Errorf("creating report file: %w", err)
	}
	if _, err := io.Copy(out, body); err != nil {
		out.Close()
		os.Remove(path)
		return Report{}, workflow.FromRemote("download report", err)
	}
	if err := out.Close(); err != nil {
		return Report{}, fmt.Errorf("writing report: %w", err)
	}

	info, err := document.Inspect(path)
	if err != nil {
		s.logger.Warn("report is not a readable pdf", "path", path, "error", err)
		return Report{URL: url, Path: path}, nil
	}
	return Report{URL: url, Path: path, Info: info}, nil
}
