package queue

import (
	"context"
	"time"
)

// Runner is the contract a payload must satisfy to be schedulable.
//
// Run is invoked exactly once, on its own goroutine. ctx is canceled when the job is
// canceled, times out, or the queue closes; payloads that watch it stop early.
type Runner[R any] interface {
	Run(ctx context.Context) (R, error)
}

// Canceler is the optional capability for payloads with their own abort path.
//
// A running job whose payload implements Canceler is canceled advisorily: Cancel is
// invoked and the job stays running until Run returns. Payloads without it are
// detached on cancel: the handle is rejected immediately and Run's eventual result is
// discarded. Cancel may be called just after Run returned and must tolerate that.
type Canceler interface {
	Cancel()
}

// RunnerFunc adapts a plain function to Runner.
type RunnerFunc[R any] func(ctx context.Context) (R, error)

func (f RunnerFunc[R]) Run(ctx context.Context) (R, error) { return f(ctx) }

type job[K comparable, T Runner[R], R any] struct {
	key     K
	payload T
	handle  *Handle[R]
	seq     uint64

	// timeout is the per-job override; nil falls back to the queue default at dispatch.
	timeout *time.Duration

	enqueuedAt time.Time
	startedAt  time.Time

	// Set at dispatch, released on every exit path.
	timer           *time.Timer
	cancelRun       context.CancelFunc
	cancelRequested bool
}

func (j *job[K, T, R]) effectiveTimeout(def time.Duration) time.Duration {
	d := def
	if j.timeout != nil {
		d = *j.timeout
	}
	if d < 0 {
		d = 0
	}
	return d
}

// release stops the timer and cancels the run context.
func (j *job[K, T, R]) release() {
	if j.timer != nil {
		j.timer.Stop()
		j.timer = nil
	}
	if j.cancelRun != nil {
		j.cancelRun()
	}
}

func (j *job[K, T, R]) canceler() (Canceler, bool) {
	c, ok := any(j.payload).(Canceler)
	return c, ok
}
