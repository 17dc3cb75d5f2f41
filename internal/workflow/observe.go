package workflow

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Metrics counts transitions and errors across all machines that share it.
type Metrics struct {
	transitions *prometheus.CounterVec
	errors      *prometheus.CounterVec
}

// NewMetrics registers the workflow counters on reg. Registering twice on
// the same registry reuses the existing collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ielts_workflow_transitions_total",
			Help: "Step transitions per workflow and target step.",
		}, []string{"workflow", "step"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ielts_workflow_errors_total",
			Help: "Failed step submissions per workflow and error kind.",
		}, []string{"workflow", "kind"}),
	}
	m.transitions = registerCounter(reg, m.transitions)
	m.errors = registerCounter(reg, m.errors)
	return m
}

func registerCounter(reg prometheus.Registerer, c *prometheus.CounterVec) *prometheus.CounterVec {
	if reg == nil {
		return c
	}
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return c
}

func (m *Metrics) transition(workflow, step string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(workflow, step).Inc()
}

func (m *Metrics) failure(workflow, kind string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(workflow, kind).Inc()
}

// startSpan opens a span for one Submit when a tracer is configured.
func (m *Machine) startSpan(ctx context.Context, stepName string) (context.Context, func(error)) {
	if m.tracer == nil {
		return ctx, func(error) {}
	}
	ctx, span := m.tracer.Start(ctx, "workflow."+m.def.Name+"."+stepName,
		trace.WithAttributes(
			attribute.String("workflow.name", m.def.Name),
			attribute.String("workflow.step", stepName),
		))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetAttributes(attribute.String("workflow.error_kind", Kind(err)))
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}
