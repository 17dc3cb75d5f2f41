package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrBusy is returned when Submit is called while another step is running.
	ErrBusy = errors.New("a step is already in progress")
	// ErrNoActiveWorkflow is returned when Submit is called before Start.
	ErrNoActiveWorkflow = errors.New("workflow has not been started")
	// ErrDone is returned when Submit is called on a finished workflow.
	ErrDone = errors.New("workflow is already done")
	// ErrStale is returned when the workflow was reset while a step was running.
	ErrStale = errors.New("workflow was reset while the step was running")
)

// ValidationError is a local input error. It is raised before any request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// Invalid builds a ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// BusinessError is a domain rejection from a remote service. Reason is the
// server's message, passed through verbatim.
type BusinessError struct {
	Kind   string
	Reason string
}

func (e *BusinessError) Error() string { return e.Reason }

// Rejected builds a BusinessError.
func Rejected(kind, reason string) error {
	return &BusinessError{Kind: kind, Reason: reason}
}

// TransportError wraps a network, timeout or decoding failure.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Timeout reports whether the underlying failure was a deadline.
func (e *TransportError) Timeout() bool {
	return errors.Is(e.Err, context.DeadlineExceeded)
}

// LocalError is a failure of client-side state, such as the local store.
// Nothing went over the network.
type LocalError struct {
	Op  string
	Err error
}

func (e *LocalError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

func (e *LocalError) Unwrap() error { return e.Err }

// ItemFailure is one failed sub-operation of a batch.
type ItemFailure struct {
	Item string
	Err  error
}

// PartialFailure aggregates a batch where some sub-operations failed and
// the rest were still attempted.
type PartialFailure struct {
	Failed    []ItemFailure
	Succeeded []string
}

func (e *PartialFailure) Error() string {
	parts := make([]string, 0, len(e.Failed))
	for _, f := range e.Failed {
		parts = append(parts, fmt.Sprintf("%s: %v", f.Item, f.Err))
	}
	total := len(e.Failed) + len(e.Succeeded)
	return fmt.Sprintf("%d of %d failed (%s)", len(e.Failed), total, strings.Join(parts, "; "))
}

// FailedItems returns the identifiers of the failed sub-operations.
func (e *PartialFailure) FailedItems() []string {
	items := make([]string, 0, len(e.Failed))
	for _, f := range e.Failed {
		items = append(items, f.Item)
	}
	return items
}

// businessReasoner is implemented by collaborator errors that carry a
// recognized server-side discriminator.
type businessReasoner interface {
	BusinessReason() (kind, reason string)
}

// FromRemote classifies an error returned by a remote collaborator. Errors
// that already belong to the taxonomy are returned unchanged.
func FromRemote(op string, err error) error {
	if err == nil {
		return nil
	}
	if isClassified(err) {
		return err
	}
	var br businessReasoner
	if errors.As(err, &br) {
		kind, reason := br.BusinessReason()
		return &BusinessError{Kind: kind, Reason: reason}
	}
	return &TransportError{Op: op, Err: err}
}

func isClassified(err error) bool {
	var (
		ve *ValidationError
		be *BusinessError
		te *TransportError
		pf *PartialFailure
		le *LocalError
	)
	return errors.As(err, &ve) || errors.As(err, &be) || errors.As(err, &te) || errors.As(err, &pf) || errors.As(err, &le)
}

// Kind returns a short label for err, used for metrics and logs.
func Kind(err error) string {
	var (
		ve *ValidationError
		be *BusinessError
		te *TransportError
		pf *PartialFailure
		le *LocalError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ve):
		return "validation"
	case errors.As(err, &be):
		return "business"
	case errors.As(err, &pf):
		return "partial"
	case errors.As(err, &te):
		return "transport"
	case errors.As(err, &le):
		return "local"
	case errors.Is(err, ErrBusy):
		return "busy"
	default:
		return "other"
	}
}

// Describe renders err for a person. Transport failures get a generic
// message and the rest pass their reason through.
func Describe(err error) string {
	var te *TransportError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &te):
		if te.Timeout() {
			return "The request timed out. Please try again."
		}
		return "Network error. Please check your connection and try again."
	default:
		return err.Error()
	}
}
