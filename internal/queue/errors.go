package queue

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrCanceled rejects the handle of a job canceled while queued or running.
	ErrCanceled = errors.New("job canceled")
	// ErrTimedOut rejects the handle of a job whose timeout fired before it settled.
	ErrTimedOut = errors.New("job timed out")
	// ErrDuplicateKey rejects a submission whose key is already queued or running.
	ErrDuplicateKey = errors.New("job key already queued or running")
	// ErrClosed rejects submissions after Close, and is joined with ErrCanceled
	// for jobs that Close evicted.
	ErrClosed = errors.New("queue closed")
)

// IsCanceled reports whether err signals cancellation, either the queue's own
// ErrCanceled or a payload that returned its context's cancellation error.
func IsCanceled(err error) bool {
	return errors.Is(err, ErrCanceled) || errors.Is(err, context.Canceled)
}

// IsTimedOut reports whether err is the queue's timeout rejection.
func IsTimedOut(err error) bool { return errors.Is(err, ErrTimedOut) }

// canceledErr normalizes a payload's cancellation error so errors.Is(err, ErrCanceled) holds.
func canceledErr(cause error) error {
	switch {
	case cause == nil:
		return ErrCanceled
	case errors.Is(cause, ErrCanceled):
		return cause
	default:
		return fmt.Errorf("%w: %w", ErrCanceled, cause)
	}
}

// PanicError is a WorkFailure produced by a Run that panicked.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("job panicked: %v", e.Value) }
