package audiojobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jesmine0820/ielts-listening-question-generator/internal/poll"
)

// Worker resumes queued audio jobs.
type Worker struct {
	tracker *Tracker
	poll    time.Duration
	logger  *slog.Logger
}

// NewWorker creates a Worker. If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(t *Tracker, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		tracker: t,
		poll:    pollInterval,
		logger:  t.logger,
	}
}

// Run claims jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// Drain processes due jobs until none is left and returns how many it
// handled.
func (w *Worker) Drain(ctx context.Context) (int, error) {
	n := 0
	for {
		done, err := w.RunOnce(ctx)
		if err != nil {
			return n, err
		}
		if !done {
			return n, nil
		}
		n++
		if err := ctx.Err(); err != nil {
			return n, err
		}
	}
}

// RunOnce claims one due job and polls it to a terminal status. It returns
// true if a job was claimed.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	t := w.tracker
	job, err := t.store.ClaimNextPollJob(Kinds)
	if err != nil {
		return false, fmt.Errorf("claiming audio job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	w.logger.Info("resuming audio job", "job_id", job.ID, "task", job.TaskID, "kind", job.Kind)
	status, err := t.poller.Await(ctx, job.TaskID, t.check(job.Kind), func(status string) {
		t.record(*job, status)
	})
	switch {
	case err == nil, errors.Is(err, poll.ErrCapped):
		t.finish(*job, status)
	default:
		if relErr := t.store.ReleasePollJob(job.ID); relErr != nil {
			w.logger.Error("failed to release audio job", "job_id", job.ID, "error", relErr)
		}
	}
	return true, nil
}
