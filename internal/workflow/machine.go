// Package workflow drives a named, closed sequence of steps one submission
// at a time. Steps only move forward, except through Reset.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"

	"go.opentelemetry.io/otel/trace"
)

// Step is an ordinal position in a Definition.
type Step int

// Input is the user-provided data for one submission.
type Input map[string]string

// Definition names a workflow and its steps in order. The last step is Done.
type Definition struct {
	Name  string
	Steps []string
}

// Done returns the terminal step.
func (d Definition) Done() Step { return Step(len(d.Steps) - 1) }

// StepName returns the name of s, or a placeholder for an unknown step.
func (d Definition) StepName(s Step) string {
	if s < 0 || int(s) >= len(d.Steps) {
		return fmt.Sprintf("step(%d)", int(s))
	}
	return d.Steps[s]
}

// StepFunc handles a submission at one step. It returns the step to move to
// on success. On error the machine stays where it is, except that a
// *PartialFailure still moves to the returned step.
type StepFunc func(ctx context.Context, t *Turn, in Input) (Step, error)

// State is a snapshot of a machine.
type State struct {
	Name     string
	Step     Step
	StepName string
	Context  map[string]string
	Progress int
	Status   string
	Task     string
}

// Option configures a Machine.
type Option func(*Machine)

// WithSink sets the UiSink. The default discards views.
func WithSink(s UiSink) Option { return func(m *Machine) { m.sink = s } }

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option { return func(m *Machine) { m.logger = l } }

// WithMetrics attaches shared transition counters.
func WithMetrics(mt *Metrics) Option { return func(m *Machine) { m.metrics = mt } }

// WithTracer wraps each Submit in a span.
func WithTracer(t trace.Tracer) Option { return func(m *Machine) { m.tracer = t } }

// Machine is one workflow instance.
type Machine struct {
	def      Definition
	handlers map[Step]StepFunc
	onReset  []func()
	sink     UiSink
	logger   *slog.Logger
	metrics  *Metrics
	tracer   trace.Tracer

	mu      sync.Mutex
	started bool
	busy    bool
	gen     uint64
	step    Step
	data    map[string]string
	owned   func()
	view    View
}

// New creates a Machine for def. def must have at least two steps.
func New(def Definition, opts ...Option) *Machine {
	if len(def.Steps) < 2 {
		panic("workflow: definition needs at least two steps")
	}
	m := &Machine{
		def:      def,
		handlers: make(map[Step]StepFunc),
		sink:     nopSink{},
		logger:   slog.Default(),
		data:     make(map[string]string),
	}
	for _, o := range opts {
		o(m)
	}
	m.logger = m.logger.With("workflow", def.Name)
	return m
}

// Handle registers fn for submissions at step s.
func (m *Machine) Handle(s Step, fn StepFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[s] = fn
}

// OnReset registers fn to run on every Reset, after the owned job is cancelled.
func (m *Machine) OnReset(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReset = append(m.onReset, fn)
}

// Definition returns the machine's definition.
func (m *Machine) Definition() Definition { return m.def }

// Start resets the machine and seeds its context with initial.
func (m *Machine) Start(initial map[string]string) {
	m.Reset()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = true
	for k, v := range initial {
		m.data[k] = v
	}
	m.logger.Debug("workflow started", "keys", len(initial))
	m.renderLocked()
}

// Reset returns to the first step, clears the context and cancels the owned
// job. It is safe to call at any step and any number of times.
func (m *Machine) Reset() {
	m.mu.Lock()
	m.gen++
	m.step = 0
	m.data = make(map[string]string)
	owned := m.owned
	m.owned = nil
	hooks := append([]func(){}, m.onReset...)
	m.view = View{}
	m.renderLocked()
	m.mu.Unlock()

	if owned != nil {
		owned()
	}
	for _, h := range hooks {
		h()
	}
}

// IsTerminal reports whether the machine is at Done.
func (m *Machine) IsTerminal() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.step == m.def.Done()
}

// Step returns the current step.
func (m *Machine) Step() Step {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.step
}

// State returns a copy of the machine's state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return State{
		Name:     m.def.Name,
		Step:     m.step,
		StepName: m.def.StepName(m.step),
		Context:  maps.Clone(m.data),
		Progress: m.view.Progress,
		Status:   m.view.Status,
		Task:     m.view.Task,
	}
}

// Submit runs the handler registered for the current step. Errors outside
// the taxonomy are wrapped as *TransportError.
func (m *Machine) Submit(ctx context.Context, in Input) error {
	m.mu.Lock()
	switch {
	case !m.started:
		m.mu.Unlock()
		return ErrNoActiveWorkflow
	case m.busy:
		m.mu.Unlock()
		return ErrBusy
	case m.step == m.def.Done():
		m.mu.Unlock()
		return ErrDone
	}
	from := m.step
	h, ok := m.handlers[from]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("workflow %s: no handler for step %s", m.def.Name, m.def.StepName(from))
	}
	m.busy = true
	t := &Turn{m: m, gen: m.gen, staged: make(map[string]string)}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.busy = false
		m.mu.Unlock()
	}()

	stepName := m.def.StepName(from)
	ctx, end := m.startSpan(ctx, stepName)

	next, err := h(ctx, t, in)
	err = FromRemote(stepName, err)

	var partial *PartialFailure
	if err == nil || errors.As(err, &partial) {
		if cerr := t.commit(next); cerr != nil {
			end(cerr)
			return cerr
		}
	}
	if err != nil {
		m.metrics.failure(m.def.Name, Kind(err))
		m.logger.Info("step failed", "step", stepName, "kind", Kind(err), "error", err)
	}
	end(err)
	return err
}

// moveLocked moves to step to. It refuses backward moves and stale turns.
func (m *Machine) moveLocked(gen uint64, to Step, staged map[string]string) error {
	if gen != m.gen {
		return ErrStale
	}
	if to < m.step || int(to) >= len(m.def.Steps) {
		return fmt.Errorf("workflow %s: cannot move from %s to %s",
			m.def.Name, m.def.StepName(m.step), m.def.StepName(to))
	}
	for k, v := range staged {
		m.data[k] = v
	}
	clear(staged)
	if to == m.step {
		return nil
	}
	m.logger.Debug("transition", "from", m.def.StepName(m.step), "to", m.def.StepName(to))
	m.step = to
	m.metrics.transition(m.def.Name, m.def.StepName(to))
	m.renderLocked()
	return nil
}

func (m *Machine) renderLocked() {
	m.view.Workflow = m.def.Name
	m.view.Step = m.step
	m.view.StepName = m.def.StepName(m.step)
	m.view.Terminal = m.step == m.def.Done()
	m.sink.Render(m.view)
}

// Turn is a handler's access to the machine during one Submit.
type Turn struct {
	m      *Machine
	gen    uint64
	staged map[string]string
}

// Get returns a context value, preferring writes staged in this turn.
func (t *Turn) Get(key string) string {
	if v, ok := t.staged[key]; ok {
		return v
	}
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	return t.m.data[key]
}

// Set stages a context write. It is applied only if the turn succeeds.
func (t *Turn) Set(key, value string) {
	t.staged[key] = value
}

// Step returns the machine's current step.
func (t *Turn) Step() Step { return t.m.Step() }

// Advance moves forward mid-turn and applies staged writes.
func (t *Turn) Advance(to Step) error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	return t.m.moveLocked(t.gen, to, t.staged)
}

// Progress updates the view without changing step. pct is clamped to 0-100.
func (t *Turn) Progress(pct int, status, task string) {
	pct = min(max(pct, 0), 100)
	m := t.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.gen != m.gen {
		return
	}
	m.view.Progress = pct
	m.view.Status = status
	m.view.Task = task
	m.renderLocked()
}

// Own hands a background job to the machine. Reset calls cancel. A job
// already owned is cancelled first. If the machine was reset during this
// turn, cancel runs immediately.
func (t *Turn) Own(cancel func()) {
	m := t.m
	m.mu.Lock()
	if t.gen != m.gen {
		m.mu.Unlock()
		cancel()
		return
	}
	prev := m.owned
	m.owned = cancel
	m.mu.Unlock()
	if prev != nil {
		prev()
	}
}

// Logger returns the machine's logger.
func (t *Turn) Logger() *slog.Logger { return t.m.logger }

func (t *Turn) commit(next Step) error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	return t.m.moveLocked(t.gen, next, t.staged)
}
