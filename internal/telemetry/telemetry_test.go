package telemetry

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestSetupDisabled(t *testing.T) {
	tracer, shutdown, err := Setup("")
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	_, span := tracer.Start(context.Background(), "noop")
	if span.SpanContext().IsValid() {
		t.Error("disabled tracing produced a real span")
	}
	span.End()
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}

func TestSetupWritesSpans(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traces", "run.jsonl")
	tracer, shutdown, err := Setup(path)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	_, span := tracer.Start(context.Background(), "workflow.password-reset.AwaitingEmail")
	span.End()
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading trace file: %v", err)
	}
	if !strings.Contains(string(data), "workflow.password-reset.AwaitingEmail") {
		t.Errorf("trace file does not contain the span: %s", data)
	}
}

func TestWriteMetrics(t *testing.T) {
	reg := NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "ielts_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Add(3)

	path := filepath.Join(t.TempDir(), "metrics", "ielts.prom")
	if err := WriteMetrics(path, reg); err != nil {
		t.Fatalf("WriteMetrics: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "ielts_test_total 3") {
		t.Errorf("metrics file = %s", data)
	}

	if err := WriteMetrics("", reg); err != nil {
		t.Errorf("empty path: %v", err)
	}
}
