package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"taskq/internal/queue"
	logx "taskq/pkg/logx"
)

// Recorder appends the terminal events of a queue to a Store.
type Recorder[K comparable, T any, R any] struct {
	store Store
	log   logx.Logger
	fails *logx.Throttle

	// Timeout bounds a single Append.
	Timeout time.Duration
}

func NewRecorder[K comparable, T any, R any](store Store, log logx.Logger) *Recorder[K, T, R] {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder[K, T, R]{
		store:   store,
		log:     log,
		fails:   logx.NewThrottle(10*time.Second, 1),
		Timeout: 2 * time.Second,
	}
}

// Run consumes events until the channel closes or ctx is done. Only terminal events
// are recorded; append failures are logged and skipped.
func (r *Recorder[K, T, R]) Run(ctx context.Context, events <-chan queue.Event[K, T, R]) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if !ev.Status.Terminal() {
				continue
			}
			if err := r.Record(ctx, ev); err != nil && r.fails.Allow("append") {
				r.log.Warn("journal append failed", logx.Any("key", ev.Key), logx.Err(err))
			}
		}
	}
}

// Record converts ev into a Record and appends it.
func (r *Recorder[K, T, R]) Record(ctx context.Context, ev queue.Event[K, T, R]) error {
	rec := NewRecord(ev)
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	return r.store.Append(ctx, rec)
}

// NewRecord builds the journal entry for ev with a fresh ID. The result is kept only
// for successful FINISHED events and only when it encodes as JSON.
func NewRecord[K comparable, T any, R any](ev queue.Event[K, T, R]) Record {
	rec := Record{
		ID:      uuid.NewString(),
		Key:     fmt.Sprint(ev.Key),
		Status:  ev.Status.String(),
		At:      ev.Time,
		Elapsed: ev.Elapsed,
	}
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	if ev.Err != nil {
		rec.Error = ev.Err.Error()
	} else if ev.Status == queue.StatusFinished {
		if b, err := json.Marshal(ev.Result); err == nil && string(b) != "null" {
			rec.Result = b
		}
	}
	return rec
}
