package queue

import (
	"context"
	"sync"
)

// Handle is the single-resolution completion handle returned by Submit.
// The first settlement wins; later ones are ignored.
type Handle[R any] struct {
	once sync.Once
	done chan struct{}

	val R
	err error
}

func newHandle[R any]() *Handle[R] {
	return &Handle[R]{done: make(chan struct{})}
}

// settle records the outcome. It reports false when the handle was already settled.
func (h *Handle[R]) settle(v R, err error) bool {
	settled := false
	h.once.Do(func() {
		h.val, h.err = v, err
		close(h.done)
		settled = true
	})
	return settled
}

// Done is closed once the handle settles.
func (h *Handle[R]) Done() <-chan struct{} { return h.done }

// Settled reports whether the outcome is available without blocking.
func (h *Handle[R]) Settled() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the handle settles or ctx is done.
func (h *Handle[R]) Wait(ctx context.Context) (R, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-h.done:
		return h.val, h.err
	case <-ctx.Done():
		var zero R
		return zero, ctx.Err()
	}
}

// Result returns the outcome of a settled handle. On an unsettled handle it
// returns the zero value and a nil error; check Settled first.
func (h *Handle[R]) Result() (R, error) {
	if !h.Settled() {
		var zero R
		return zero, nil
	}
	return h.val, h.err
}
