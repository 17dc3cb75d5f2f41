// Package telemetry wires tracing and metrics output for a CLI run.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracerName names the tracer used for workflow spans.
const TracerName = "github.com/jesmine0820/ielts-listening-question-generator"

// Shutdown flushes and releases telemetry resources.
type Shutdown func(context.Context) error

// Setup installs a tracer provider that appends spans as JSON to
// traceFile. An empty traceFile disables tracing.
func Setup(traceFile string) (trace.Tracer, Shutdown, error) {
	if traceFile == "" {
		return noop.NewTracerProvider().Tracer(TracerName), func(context.Context) error { return nil }, nil
	}

	if err := os.MkdirAll(filepath.Dir(traceFile), 0o755); err != nil {
		return nil, nil, fmt.Errorf("creating trace directory: %w", err)
	}
	f, err := os.OpenFile(traceFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening trace file: %w", err)
	}

	exp, err := stdouttrace.New(stdouttrace.WithWriter(f))
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("creating trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
	otel.SetTracerProvider(tp)

	shutdown := func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), f.Close())
	}
	return tp.Tracer(TracerName), shutdown, nil
}

// NewRegistry returns a registry for the run's metrics.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// WriteMetrics writes every metric gathered from g to path in the
// Prometheus text format. An empty path does nothing.
func WriteMetrics(path string, g prometheus.Gatherer) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, g); err != nil {
		return fmt.Errorf("writing metrics: %w", err)
	}
	return nil
}
