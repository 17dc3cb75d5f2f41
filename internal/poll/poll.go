// Package poll watches a long-running server task by querying its status
// endpoint on a fixed cadence until the task reports a terminal status.
package poll

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	jitterbug "github.com/lthibault/jitterbug/v2"
)

// StatusCapped is delivered to onTerminal when a configured attempt or
// duration cap is reached before the server reports a terminal status.
const StatusCapped = "error: polling capped"

// DefaultInterval is used when Client.Interval is not set.
const DefaultInterval = 2 * time.Second

// ErrCapped is returned by Await when polling stopped on a cap.
var ErrCapped = errors.New("polling capped before the task finished")

// IsTerminal reports whether status ends a watch: "completed" or anything
// starting with "error".
func IsTerminal(status string) bool {
	s := strings.ToLower(strings.TrimSpace(status))
	return s == "completed" || strings.HasPrefix(s, "error")
}

// IsSuccess reports whether a terminal status means the task succeeded.
func IsSuccess(status string) bool {
	return strings.EqualFold(strings.TrimSpace(status), "completed")
}

// CheckFunc queries the current status of a task once.
type CheckFunc func(ctx context.Context, taskID string) (string, error)

// Client holds the polling policy. The zero value polls every
// DefaultInterval with no jitter and no cap.
type Client struct {
	Interval    time.Duration
	Jitter      time.Duration // standard deviation added to each interval
	MaxAttempts int           // 0 means uncapped
	MaxDuration time.Duration // 0 means uncapped
	Logger      *slog.Logger
}

// Job is one running watch.
type Job struct {
	taskID string
	cancel context.CancelFunc
	done   chan struct{}

	cancelled  atomic.Bool
	inCallback atomic.Bool
	deliverMu  sync.Mutex

	attempts atomic.Int64
}

// Watch starts polling taskID in a background goroutine. check runs at most
// once at a time; the next check waits for the following tick. onUpdate
// receives every non-terminal status. onTerminal is called exactly once with
// the terminal status, after which no further checks are made. Failed checks
// are logged and skipped.
func (c *Client) Watch(ctx context.Context, taskID string, check CheckFunc, onUpdate, onTerminal func(status string)) *Job {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	j := &Job{taskID: taskID, cancel: cancel, done: make(chan struct{})}

	go c.run(ctx, j, check, onUpdate, onTerminal)
	return j
}

func (c *Client) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c *Client) run(ctx context.Context, j *Job, check CheckFunc, onUpdate, onTerminal func(string)) {
	defer close(j.done)
	defer j.cancel()

	interval := c.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := jitterbug.New(interval, &jitterbug.Norm{Stdev: c.Jitter})
	defer ticker.Stop()

	start := time.Now()
	log := c.logger().With("task_id", j.taskID)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		n := j.attempts.Add(1)
		status, err := check(ctx, j.taskID)
		if ctx.Err() != nil {
			return
		}

		switch {
		case err != nil:
			log.Debug("status check failed, retrying next tick", "attempt", n, "error", err)
		case IsTerminal(status):
			j.deliver(onTerminal, status)
			return
		default:
			if !j.deliver(onUpdate, status) {
				return
			}
		}

		if c.MaxAttempts > 0 && int(n) >= c.MaxAttempts ||
			c.MaxDuration > 0 && time.Since(start) >= c.MaxDuration {
			log.Warn("polling capped", "attempts", n, "elapsed", time.Since(start).Round(time.Millisecond))
			j.deliver(onTerminal, StatusCapped)
			return
		}
	}
}

// deliver runs fn unless the job was cancelled. It reports whether fn ran.
func (j *Job) deliver(fn func(string), status string) bool {
	j.deliverMu.Lock()
	defer j.deliverMu.Unlock()
	if j.cancelled.Load() {
		return false
	}
	if fn != nil {
		j.inCallback.Store(true)
		defer j.inCallback.Store(false)
		fn(status)
	}
	return true
}

// Cancel stops polling without calling onTerminal. Once Cancel returns no
// callback starts. It is safe to call from inside a callback and more than once.
func (j *Job) Cancel() {
	j.cancelled.Store(true)
	j.cancel()
	if !j.inCallback.Load() {
		// Wait out a delivery that passed its cancellation check.
		j.deliverMu.Lock()
		j.deliverMu.Unlock()
	}
}

// Done is closed once the polling goroutine has exited.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// TaskID returns the watched task id.
func (j *Job) TaskID() string {
	return j.taskID
}

// Attempts returns the number of checks issued so far.
func (j *Job) Attempts() int {
	return int(j.attempts.Load())
}

// Await polls taskID until it is terminal and returns the terminal status.
// A cap yields ErrCapped; cancellation of ctx yields ctx.Err().
func (c *Client) Await(ctx context.Context, taskID string, check CheckFunc, onUpdate func(status string)) (string, error) {
	result := make(chan string, 1)
	j := c.Watch(ctx, taskID, check, onUpdate, func(status string) {
		result <- status
	})

	select {
	case status := <-result:
		if status == StatusCapped {
			return status, ErrCapped
		}
		return status, nil
	case <-j.Done():
		select {
		case status := <-result:
			if status == StatusCapped {
				return status, ErrCapped
			}
			return status, nil
		default:
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		return "", context.Canceled
	}
}
