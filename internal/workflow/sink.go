package workflow

// View is the UI-observable projection of a workflow.
type View struct {
	Workflow string
	Step     Step
	StepName string
	Progress int
	Status   string
	Task     string
	Terminal bool
}

// UiSink receives a View at every transition and progress update. Render
// is called while the machine holds its lock and must not call back into it.
type UiSink interface {
	Render(View)
}

// SinkFunc adapts a function to UiSink.
type SinkFunc func(View)

func (f SinkFunc) Render(v View) { f(v) }

type nopSink struct{}

func (nopSink) Render(View) {}

// Recorder is a UiSink that keeps every view it receives.
type Recorder struct {
	Views []View
}

func (r *Recorder) Render(v View) { r.Views = append(r.Views, v) }

// Last returns the most recent view, or the zero View.
func (r *Recorder) Last() View {
	if len(r.Views) == 0 {
		return View{}
	}
	return r.Views[len(r.Views)-1]
}
