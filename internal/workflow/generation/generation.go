// Package generation is the question generation and review workflow:
// stream generation progress, review the draft, optionally regenerate
// parts, then export the selected files.
package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/jesmine0820/ielts-listening-question-generator/internal/backend"
	"github.com/jesmine0820/ielts-listening-question-generator/internal/sse"
	"github.com/jesmine0820/ielts-listening-question-generator/internal/storage"
	"github.com/jesmine0820/ielts-listening-question-generator/internal/workflow"
)

// Steps.
const (
	AwaitingGenerationStart workflow.Step = iota
	Generating
	ReadyForReview
	RegeneratingPart
	ExportRequested
	Done
)

// Definition of the generation workflow.
var Definition = workflow.Definition{
	Name: "question-generation",
	Steps: []string{
		"AwaitingGenerationStart",
		"Generating",
		"ReadyForReview",
		"RegeneratingPart",
		"ExportRequested",
		"Done",
	},
}

// Input and context keys.
const (
	KeyQuestionData      = storage.KeyQuestionData
	KeyGenerateWithAudio = storage.KeyGenerateWithAudio
	KeyFiles             = "files"
	KeyEdit              = "edit"
	KeySpecPrefix        = "spec."
	KeyEdited            = "edited"
	KeyBundle            = "bundle"
)

// User-facing messages.
const (
	MsgNoQuestionData  = "No question data found. Please go back to the question generator."
	MsgBadQuestionData = "Question data is not valid JSON"
	MsgNoFiles         = "Please select at least one file to save."
	MsgBadPart         = "Parts to edit must be numbers between 1 and 4"
)

// NumParts is the number of parts in a question set.
const NumParts = 4

// GeneratorPath is where the user goes after a plain export.
const GeneratorPath = "/question-generator"

// Backend is the generation API.
type Backend interface {
	GenerateQuestions(ctx context.Context, questionData json.RawMessage, withAudio bool) (io.ReadCloser, error)
	RegeneratePart(ctx context.Context, part int, spec string) error
	SaveFiles(ctx context.Context, files []string) error
	DownloadFiles(ctx context.Context, files []string) (*backend.Download, error)
}

// AudioStarter kicks off background audio synthesis for the draft and
// returns a function that stops watching it.
type AudioStarter interface {
	StartAudio(ctx context.Context) (cancel func(), err error)
}

// PendingStore hands over the spec written by the spec builder. Consumed
// values are removed. Implemented by storage.Store.
type PendingStore interface {
	GetValue(key string) (string, error)
	ConsumeValues(keys ...string) (map[string]string, error)
}

// Navigator moves the user elsewhere once the workflow is finished.
type Navigator interface {
	Navigate(target string)
}

// FileSink stores the downloaded bundle and returns where it went.
type FileSink interface {
	Save(name string, r io.Reader) (string, error)
}

// Option configures a Flow.
type Option func(*Flow)

// WithAudioStarter enables background audio for runs without audio.
func WithAudioStarter(a AudioStarter) Option { return func(f *Flow) { f.audio = a } }

// WithPendingStore sets where the pending spec is read from.
func WithPendingStore(p PendingStore) Option { return func(f *Flow) { f.pending = p } }

// WithNavigator sets the navigator.
func WithNavigator(n Navigator) Option { return func(f *Flow) { f.nav = n } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(f *Flow) { f.logger = l } }

// WithMachineOptions passes options to the underlying machine.
func WithMachineOptions(opts ...workflow.Option) Option {
	return func(f *Flow) { f.machineOpts = append(f.machineOpts, opts...) }
}

// Flow is one generation workflow instance.
type Flow struct {
	*workflow.Machine

	backend     Backend
	sink        FileSink
	audio       AudioStarter
	pending     PendingStore
	nav         Navigator
	logger      *slog.Logger
	machineOpts []workflow.Option

	audioWG sync.WaitGroup
}

// New creates a generation Flow. Downloaded bundles are written to sink.
func New(b Backend, sink FileSink, opts ...Option) *Flow {
	f := &Flow{
		backend: b,
		sink:    sink,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(f)
	}
	f.Machine = workflow.New(Definition, append([]workflow.Option{workflow.WithLogger(f.logger)}, f.machineOpts...)...)
	f.Handle(AwaitingGenerationStart, f.start)
	f.Handle(Generating, f.generate)
	f.Handle(ReadyForReview, f.review)
	f.Handle(RegeneratingPart, f.resumeRegeneration)
	f.Handle(ExportRequested, f.resumeExport)
	return f
}

// start picks up the pending spec and runs generation. A stored spec is
// consumed only once the server has accepted the generation request.
func (f *Flow) start(ctx context.Context, t *workflow.Turn, in workflow.Input) (workflow.Step, error) {
	data := t.Get(KeyQuestionData)
	withAudio := t.Get(KeyGenerateWithAudio)
	fromStore := false
	if data == "" && f.pending != nil {
		var err error
		if data, withAudio, err = f.peekPending(); err != nil {
			return AwaitingGenerationStart, err
		}
		fromStore = true
	}
	if strings.TrimSpace(data) == "" {
		return AwaitingGenerationStart, workflow.Invalid(KeyQuestionData, MsgNoQuestionData)
	}
	if !json.Valid([]byte(data)) {
		return AwaitingGenerationStart, workflow.Invalid(KeyQuestionData, MsgBadQuestionData)
	}
	if withAudio != "true" {
		withAudio = "false"
	}
	t.Set(KeyQuestionData, data)
	t.Set(KeyGenerateWithAudio, withAudio)

	var accepted func()
	if fromStore {
		accepted = f.consumePending
	}
	return f.run(ctx, t, accepted)
}

func (f *Flow) peekPending() (data, withAudio string, err error) {
	if data, err = f.pending.GetValue(KeyQuestionData); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return "", "", &workflow.LocalError{Op: "reading pending question data", Err: err}
	}
	if withAudio, err = f.pending.GetValue(KeyGenerateWithAudio); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return "", "", &workflow.LocalError{Op: "reading pending audio preference", Err: err}
	}
	return data, withAudio, nil
}

// consumePending clears the stored spec. The run already holds a copy in
// its context, so a failure here only leaves a stale spec behind.
func (f *Flow) consumePending() {
	if _, err := f.pending.ConsumeValues(KeyQuestionData, KeyGenerateWithAudio); err != nil {
		f.logger.Warn("clearing pending question data failed", "error", err)
	}
}

// generate retries a run whose stream broke off.
func (f *Flow) generate(ctx context.Context, t *workflow.Turn, _ workflow.Input) (workflow.Step, error) {
	return f.run(ctx, t, nil)
}

// run starts generation and consumes the progress stream. The step moves to
// Generating once the server accepts the request and to ReadyForReview only
// when the server closes the stream.
func (f *Flow) run(ctx context.Context, t *workflow.Turn, accepted func()) (workflow.Step, error) {
	from := t.Step()
	withAudio := t.Get(KeyGenerateWithAudio) == "true"

	body, err := f.backend.GenerateQuestions(ctx, json.RawMessage(t.Get(KeyQuestionData)), withAudio)
	if err != nil {
		return from, workflow.FromRemote("start generation", err)
	}
	defer body.Close()

	if err := t.Advance(Generating); err != nil {
		return from, err
	}
	if accepted != nil {
		accepted()
	}

	headline := "Generating Questions..."
	if withAudio {
		headline = "Generating Questions and Audio..."
	}
	pct, status, task := 0, headline, ""
	t.Progress(pct, status, task)

	var streamErr string
	err = sse.Stream(ctx, body, f.logger, func(ev sse.ProgressEvent) {
		if ev.Progress != nil {
			pct = *ev.Progress
		}
		if ev.Status != "" {
			status = ev.Status
		}
		if ev.Task != "" {
			task = ev.Task
		}
		if ev.Error != "" {
			streamErr = ev.Error
			task = "Error: " + ev.Error
		}
		t.Progress(pct, status, task)
	})
	if err != nil {
		return Generating, workflow.FromRemote("generation stream", err)
	}
	if streamErr != "" {
		return Generating, workflow.Rejected("generation-failed", streamErr)
	}

	if err := t.Advance(ReadyForReview); err != nil {
		return Generating, err
	}
	if !withAudio && f.audio != nil {
		f.audioWG.Add(1)
		go func() {
			defer f.audioWG.Done()
			f.startAudio(t)
		}()
	}
	return ReadyForReview, nil
}

// startAudio runs detached from the submission so review is not blocked.
func (f *Flow) startAudio(t *workflow.Turn) {
	cancel, err := f.audio.StartAudio(context.Background())
	if err != nil {
		f.logger.Warn("starting background audio failed", "error", err)
		return
	}
	t.Own(cancel)
}

// AudioStarted is closed once every background audio start issued so far
// has returned. Callers that exit after export wait on it so the request
// is not lost.
func (f *Flow) AudioStarted() <-chan struct{} {
	done := make(chan struct{})
	go func() {
		f.audioWG.Wait()
		close(done)
	}()
	return done
}

// PartEdit is one part flagged for regeneration.
type PartEdit struct {
	Part int
	Spec string
}

// ReviewInput builds the ReadyForReview input.
func ReviewInput(files []string, edits []PartEdit) workflow.Input {
	in := workflow.Input{KeyFiles: strings.Join(files, ",")}
	var parts []string
	for _, e := range edits {
		parts = append(parts, strconv.Itoa(e.Part))
		in[KeySpecPrefix+strconv.Itoa(e.Part)] = e.Spec
	}
	if len(parts) > 0 {
		in[KeyEdit] = strings.Join(parts, ",")
	}
	return in
}

func parseReview(in workflow.Input) ([]string, []PartEdit, error) {
	files := splitList(in[KeyFiles])
	if len(files) == 0 {
		return nil, nil, workflow.Invalid(KeyFiles, MsgNoFiles)
	}
	var edits []PartEdit
	seen := make(map[int]bool)
	for _, p := range splitList(in[KeyEdit]) {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > NumParts {
			return nil, nil, workflow.Invalid(KeyEdit, MsgBadPart)
		}
		if seen[n] {
			continue
		}
		seen[n] = true
		edits = append(edits, PartEdit{Part: n, Spec: in[KeySpecPrefix+p]})
	}
	sort.Slice(edits, func(i, j int) bool { return edits[i].Part < edits[j].Part })
	return files, edits, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// review handles the user's decision on the draft.
func (f *Flow) review(ctx context.Context, t *workflow.Turn, in workflow.Input) (workflow.Step, error) {
	files, edits, err := parseReview(in)
	if err != nil {
		return ReadyForReview, err
	}
	t.Set(KeyFiles, strings.Join(files, ","))

	if len(edits) == 0 {
		t.Set(KeyEdited, "false")
		if err := t.Advance(ExportRequested); err != nil {
			return ReadyForReview, err
		}
		return f.export(ctx, t, files, false)
	}

	t.Set(KeyEdited, "true")
	t.Set(KeyEdit, in[KeyEdit])
	for _, e := range edits {
		t.Set(KeySpecPrefix+strconv.Itoa(e.Part), e.Spec)
	}
	return f.regenerateThenExport(ctx, t, files, edits)
}

func (f *Flow) regenerateThenExport(ctx context.Context, t *workflow.Turn, files []string, edits []PartEdit) (workflow.Step, error) {
	if err := t.Advance(RegeneratingPart); err != nil {
		return t.Step(), err
	}
	report := f.Regenerate(ctx, edits, func(i, n, part int) {
		t.Progress(i*100/n, "Regenerating...", fmt.Sprintf("Part %d", part))
	})
	if err := t.Advance(ExportRequested); err != nil {
		return t.Step(), err
	}

	next, err := f.export(ctx, t, files, true)
	if err != nil {
		return next, err
	}
	return next, report.Err()
}

// resumeRegeneration retries a run interrupted between regeneration and export.
func (f *Flow) resumeRegeneration(ctx context.Context, t *workflow.Turn, in workflow.Input) (workflow.Step, error) {
	stored := workflow.Input{KeyFiles: t.Get(KeyFiles), KeyEdit: t.Get(KeyEdit)}
	for p := 1; p <= NumParts; p++ {
		k := KeySpecPrefix + strconv.Itoa(p)
		stored[k] = t.Get(k)
	}
	files, edits, err := parseReview(stored)
	if err != nil {
		return RegeneratingPart, err
	}
	return f.regenerateThenExport(ctx, t, files, edits)
}

// resumeExport retries a failed export. A files input replaces the stored
// selection.
func (f *Flow) resumeExport(ctx context.Context, t *workflow.Turn, in workflow.Input) (workflow.Step, error) {
	files := splitList(in[KeyFiles])
	if len(files) == 0 {
		files = splitList(t.Get(KeyFiles))
	}
	if len(files) == 0 {
		return ExportRequested, workflow.Invalid(KeyFiles, MsgNoFiles)
	}
	t.Set(KeyFiles, strings.Join(files, ","))
	return f.export(ctx, t, files, t.Get(KeyEdited) == "true")
}

// export persists (only without edits), downloads the bundle and, without
// edits, navigates away.
func (f *Flow) export(ctx context.Context, t *workflow.Turn, files []string, edited bool) (workflow.Step, error) {
	if !edited {
		t.Progress(0, "Saving...", "Saving selected files")
		if err := f.backend.SaveFiles(ctx, files); err != nil {
			return ExportRequested, workflow.FromRemote("save files", err)
		}
	}

	t.Progress(50, "Preparing download...", strings.Join(files, ", "))
	dl, err := f.backend.DownloadFiles(ctx, files)
	if err != nil {
		return ExportRequested, workflow.FromRemote("download files", err)
	}
	defer dl.Body.Close()

	path, err := f.sink.Save(dl.Filename, dl.Body)
	if err != nil {
		return ExportRequested, fmt.Errorf("writing %s: %w", dl.Filename, err)
	}
	t.Set(KeyBundle, path)
	t.Progress(100, "Download complete", path)
	f.logger.Info("bundle saved", "path", path, "files", len(files))

	return Done, nil
}

// RegenReport is the outcome of a regeneration batch.
type RegenReport struct {
	Succeeded []int
	Failed    []PartFailure
}

// PartFailure is a part whose regeneration failed.
type PartFailure struct {
	Part int
	Err  error
}

// Err returns a *workflow.PartialFailure when any part failed, else nil.
func (r RegenReport) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	pf := &workflow.PartialFailure{}
	for _, p := range r.Succeeded {
		pf.Succeeded = append(pf.Succeeded, strconv.Itoa(p))
	}
	for _, fl := range r.Failed {
		pf.Failed = append(pf.Failed, workflow.ItemFailure{Item: strconv.Itoa(fl.Part), Err: fl.Err})
	}
	return pf
}

// Regenerate rebuilds each part in order. A request starts only after the
// previous one has answered, and a failed part does not stop the rest.
// progress, if set, is called before each request.
func (f *Flow) Regenerate(ctx context.Context, edits []PartEdit, progress func(i, n, part int)) RegenReport {
	var report RegenReport
	for i, e := range edits {
		if progress != nil {
			progress(i, len(edits), e.Part)
		}
		err := f.backend.RegeneratePart(ctx, e.Part, e.Spec)
		if err != nil {
			err = workflow.FromRemote(fmt.Sprintf("regenerate part %d", e.Part), err)
			f.logger.Warn("part regeneration failed", "part", e.Part, "error", err)
			report.Failed = append(report.Failed, PartFailure{Part: e.Part, Err: err})
			continue
		}
		report.Succeeded = append(report.Succeeded, e.Part)
	}
	return report
}

// Submit runs the current step. Finishing a plain export (no edits)
// navigates back to the generator.
func (f *Flow) Submit(ctx context.Context, in workflow.Input) error {
	err := f.Machine.Submit(ctx, in)
	if err == nil && f.nav != nil && f.IsTerminal() && f.State().Context[KeyEdited] == "false" {
		f.nav.Navigate(GeneratorPath)
	}
	return err
}

// Export submits the review step with files and no edits.
func (f *Flow) Export(ctx context.Context, files []string) error {
	return f.Submit(ctx, ReviewInput(files, nil))
}

// IsPartial reports whether err is a partial regeneration failure.
func IsPartial(err error) bool {
	var pf *workflow.PartialFailure
	return errors.As(err, &pf)
}
