package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/jesmine0820/ielts-listening-question-generator/internal/audiojobs"
	"github.com/jesmine0820/ielts-listening-question-generator/internal/backend"
	"github.com/jesmine0820/ielts-listening-question-generator/internal/config"
	"github.com/jesmine0820/ielts-listening-question-generator/internal/history"
	"github.com/jesmine0820/ielts-listening-question-generator/internal/identity"
	"github.com/jesmine0820/ielts-listening-question-generator/internal/logging"
	"github.com/jesmine0820/ielts-listening-question-generator/internal/marking"
	"github.com/jesmine0820/ielts-listening-question-generator/internal/poll"
	"github.com/jesmine0820/ielts-listening-question-generator/internal/questionspec"
	"github.com/jesmine0820/ielts-listening-question-generator/internal/storage"
	"github.com/jesmine0820/ielts-listening-question-generator/internal/telemetry"
	"github.com/jesmine0820/ielts-listening-question-generator/internal/ui"
	"github.com/jesmine0820/ielts-listening-question-generator/internal/workflow"
)

// app is everything a command needs, built from the loaded config.
type app struct {
	cfg    config.Config
	logger *slog.Logger

	store    *storage.Store
	backend  *backend.Client
	identity *identity.Client
	history  *history.Service
	marking  *marking.Service
	catalog  *questionspec.CatalogSource
	tracker  *audiojobs.Tracker

	registry *prometheus.Registry
	metrics  *workflow.Metrics
	tracer   trace.Tracer
	shutdown telemetry.Shutdown
	term     *ui.Terminal

	in io.Reader
}

var newApp = func() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return buildApp(cfg, os.Stdin, os.Stderr)
}

// tokenSource defers to the identity client once it exists. The backend and
// identity clients depend on each other: the backend sends the signed-in
// user's token and identity records every login on the backend.
type tokenSource struct {
	id *identity.Client
}

func (t *tokenSource) Token(ctx context.Context) (string, error) {
	if t.id == nil {
		return "", identity.ErrNotSignedIn
	}
	return t.id.Token(ctx)
}

func buildApp(cfg config.Config, in io.Reader, out io.Writer) (*app, error) {
	logger := logging.Setup(out, cfg.Log.Level)

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	tracer, shutdown, err := telemetry.Setup(cfg.Telemetry.TraceFile)
	if err != nil {
		store.Close()
		return nil, err
	}

	tokens := &tokenSource{}
	bc := backend.New(cfg.Backend.BaseURL,
		backend.WithTimeout(cfg.Backend.Timeout),
		backend.WithStreamTimeout(cfg.Backend.StreamTimeout),
		backend.WithOTPPath(cfg.Backend.OTPPath),
		backend.WithTokenSource(tokens),
		backend.WithLogger(logger),
	)
	idc := identity.New(cfg.Identity.APIKey, store,
		identity.WithBaseURL(cfg.Identity.BaseURL),
		identity.WithLoginRecorder(bc),
		identity.WithProvider(identity.ProviderGoogle, cfg.Identity.GoogleClientID, cfg.Identity.GoogleClientSecret),
		identity.WithProvider(identity.ProviderFacebook, cfg.Identity.FacebookClientID, cfg.Identity.FacebookClientSecret),
		identity.WithLogger(logger),
	)
	tokens.id = idc

	registry := telemetry.NewRegistry()
	a := &app{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		backend:  bc,
		identity: idc,
		history:  history.New(bc, history.WithPoller(newPoller(cfg, cfg.Poll.HistoryInterval, logger)), history.WithLogger(logger)),
		marking:  marking.New(bc, logger),
		catalog:  questionspec.NewCatalogSource(bc, questionspec.DefaultCatalogTTL, logger),
		registry: registry,
		metrics:  workflow.NewMetrics(registry),
		tracer:   tracer,
		shutdown: shutdown,
		term:     ui.NewTerminal(out, !noColor),
		in:       in,
	}
	a.tracker = audiojobs.NewTracker(store, bc,
		audiojobs.WithPoller(newPoller(cfg, cfg.Poll.AudioInterval, logger)),
		audiojobs.WithNotify(func(job storage.PollJob, status string) {
			logger.Debug("audio job status", "job", job.ID, "task", job.TaskID, "status", status)
		}),
		audiojobs.WithLogger(logger),
	)
	return a, nil
}

func newPoller(cfg config.Config, interval time.Duration, logger *slog.Logger) *poll.Client {
	return &poll.Client{
		Interval:    interval,
		Jitter:      cfg.Poll.Jitter,
		MaxAttempts: cfg.Poll.MaxAttempts,
		MaxDuration: cfg.Poll.MaxDuration,
		Logger:      logger,
	}
}

// machineOptions wires a workflow to the terminal, metrics and tracing.
func (a *app) machineOptions() []workflow.Option {
	return []workflow.Option{
		workflow.WithSink(a.term),
		workflow.WithLogger(a.logger),
		workflow.WithMetrics(a.metrics),
		workflow.WithTracer(a.tracer),
	}
}

func (a *app) prompter() *prompter {
	return newPrompter(a.in, os.Stderr)
}

// Close flushes telemetry and closes the store.
func (a *app) Close() error {
	metricsErr := telemetry.WriteMetrics(a.cfg.Telemetry.MetricsFile, a.registry)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return errors.Join(metricsErr, a.shutdown(ctx), a.store.Close())
}

// withApp builds the app, runs fn and closes the app.
func withApp(fn func(a *app) error) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			a.logger.Warn("closing", "error", err)
		}
	}()
	return fn(a)
}
