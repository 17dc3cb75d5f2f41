// Package audiojobs persists background audio tasks in the local job queue
// and watches them until the server reports a terminal status, resuming
// across CLI invocations.
package audiojobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/jesmine0820/ielts-listening-question-generator/internal/poll"
	"github.com/jesmine0820/ielts-listening-question-generator/internal/storage"
	"github.com/jesmine0820/ielts-listening-question-generator/internal/workflow"
)

// Job kinds.
const (
	KindGenerationAudio = "generation_audio"
	KindHistoryAudio    = "history_audio"
)

// Kinds lists every kind the worker resumes.
var Kinds = []string{KindGenerationAudio, KindHistoryAudio}

// Store is the job queue. Implemented by storage.Store.
type Store interface {
	EnqueuePollJob(job storage.PollJob) error
	ClaimPollJob(id string) (bool, error)
	ClaimNextPollJob(kinds []string) (*storage.PollJob, error)
	ReleasePollJob(id string) error
	RecordPollStatus(id, status string) error
	CompletePollJob(id, finalStatus string) error
	AbandonPollJob(id, finalStatus string) error
	FailPollJob(id, errMsg string) error
	ListPollJobs(limit int) ([]storage.PollJob, error)
}

// Backend starts audio synthesis and reports task status.
type Backend interface {
	StartBackgroundAudio(ctx context.Context) (string, error)
	AudioStatus(ctx context.Context, taskID string) (string, error)
	AudioTaskStatus(ctx context.Context, taskID string) (string, error)
}

// NotifyFunc is told about every status a watched job reports.
type NotifyFunc func(job storage.PollJob, status string)

// Option configures a Tracker.
type Option func(*Tracker)

// WithPoller sets the polling policy.
func WithPoller(p *poll.Client) Option { return func(t *Tracker) { t.poller = p } }

// WithNotify sets a status listener.
func WithNotify(fn NotifyFunc) Option { return func(t *Tracker) { t.notify = fn } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(t *Tracker) { t.logger = l } }

// Tracker enqueues and watches audio jobs.
type Tracker struct {
	store   Store
	backend Backend
	poller  *poll.Client
	notify  NotifyFunc
	logger  *slog.Logger
}

// NewTracker creates a Tracker.
func NewTracker(store Store, b Backend, opts ...Option) *Tracker {
	t := &Tracker{store: store, backend: b, logger: slog.Default()}
	for _, o := range opts {
		o(t)
	}
	if t.poller == nil {
		t.poller = &poll.Client{Interval: poll.DefaultInterval, Logger: t.logger}
	}
	return t
}

func (t *Tracker) check(kind string) poll.CheckFunc {
	if kind == KindHistoryAudio {
		return t.backend.AudioTaskStatus
	}
	return t.backend.AudioStatus
}

// Enqueue records a task to watch later.
func (t *Tracker) Enqueue(kind, taskID, label string) (storage.PollJob, error) {
	job := storage.PollJob{
		ID:     uuid.NewString(),
		TaskID: taskID,
		Kind:   kind,
		Label:  label,
	}
	if err := t.store.EnqueuePollJob(job); err != nil {
		return storage.PollJob{}, fmt.Errorf("enqueueing %s job: %w", kind, err)
	}
	t.logger.Debug("audio job enqueued", "job_id", job.ID, "task", taskID, "kind", kind)
	return job, nil
}

// StartAudio starts synthesis for the current draft, persists the task and
// watches it. The returned func stops watching; an unfinished job goes back
// to the queue for the worker.
func (t *Tracker) StartAudio(ctx context.Context) (func(), error) {
	taskID, err := t.backend.StartBackgroundAudio(ctx)
	if err != nil {
		return nil, workflow.FromRemote("start background audio", err)
	}
	job, err := t.Enqueue(KindGenerationAudio, taskID, "draft audio")
	if err != nil {
		return nil, err
	}
	ok, err := t.store.ClaimPollJob(job.ID)
	if err != nil {
		return nil, fmt.Errorf("claiming audio job: %w", err)
	}
	if !ok {
		return func() {}, nil
	}
	return t.Watch(job), nil
}

// Watch polls a claimed job in the background. The returned func stops it.
func (t *Tracker) Watch(job storage.PollJob) func() {
	var finished atomic.Bool
	w := t.poller.Watch(context.Background(), job.TaskID, t.check(job.Kind),
		func(status string) { t.record(job, status) },
		func(status string) {
			finished.Store(true)
			t.finish(job, status)
		},
	)
	return func() {
		w.Cancel()
		if finished.Load() {
			return
		}
		if err := t.store.ReleasePollJob(job.ID); err != nil {
			t.logger.Warn("releasing audio job failed", "job_id", job.ID, "error", err)
		}
	}
}

func (t *Tracker) record(job storage.PollJob, status string) {
	if err := t.store.RecordPollStatus(job.ID, status); err != nil {
		t.logger.Warn("recording audio status failed", "job_id", job.ID, "error", err)
	}
	if t.notify != nil {
		t.notify(job, status)
	}
}

// finish stores a terminal status.
func (t *Tracker) finish(job storage.PollJob, status string) {
	var err error
	switch {
	case poll.IsSuccess(status):
		err = t.store.CompletePollJob(job.ID, status)
	case status == poll.StatusCapped:
		err = t.store.FailPollJob(job.ID, status)
	default:
		err = t.store.AbandonPollJob(job.ID, status)
	}
	if err != nil {
		t.logger.Warn("storing audio job outcome failed", "job_id", job.ID, "error", err)
	}
	t.logger.Info("audio job finished", "job_id", job.ID, "task", job.TaskID, "status", status)
	if t.notify != nil {
		t.notify(job, status)
	}
}

// Jobs lists the most recent jobs.
func (t *Tracker) Jobs(limit int) ([]storage.PollJob, error) {
	if limit <= 0 {
		limit = 20
	}
	return t.store.ListPollJobs(limit)
}
