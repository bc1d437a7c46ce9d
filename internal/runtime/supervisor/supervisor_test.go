package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestGoReportsPanicAsPanicError(t *testing.T) {
	t.Parallel()
	s := New(context.Background())

	got := make(chan error, 1)
	s.Go("boom", func(ctx context.Context) error {
		panic("kaboom")
	}, OnExit(func(err error) { got <- err }))

	select {
	case err := <-got:
		var pe *PanicError
		if !errors.As(err, &pe) {
			t.Fatalf("err = %v, want *PanicError", err)
		}
		if pe.Value != "kaboom" || pe.Name != "boom" || pe.Stack == "" {
			t.Fatalf("unexpected panic error: %+v", pe)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("exit callback not called")
	}

	if err := s.Wait(context.Background()); err == nil {
		t.Fatal("expected supervisor to record the panic as first error")
	}
	if c := s.Counters(); c.Panics != 1 || c.Started != 1 || c.Active != 0 {
		t.Fatalf("unexpected counters: %+v", c)
	}
}

func TestCancelOnErrorCancelsContext(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), WithCancelOnError(true))

	s.Go("fails", func(ctx context.Context) error { return errors.New("nope") })
	s.Go("waits", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err == nil || errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait err = %v, want the first goroutine error", err)
	}
}

func TestStopWaitsForGoroutines(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	var exited atomic.Bool
	s.Go("loop", func(ctx context.Context) error {
		<-ctx.Done()
		exited.Store(true)
		return ctx.Err()
	}, Quiet())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !exited.Load() {
		t.Fatal("goroutine did not exit before Stop returned")
	}
	groups := s.Groups()
	if len(groups) != 1 || groups[0].Name != "loop" || groups[0].Active != 0 {
		t.Fatalf("unexpected groups: %+v", groups)
	}
}

func TestGoRestartRetriesUntilSuccess(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("flaky", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs = %d, want 3", got)
	}
}

func TestIsolatedPanicDoesNotEscalate(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), WithCancelOnError(true))

	got := make(chan error, 1)
	s.Go("job", func(ctx context.Context) error {
		panic("job blew up")
	}, Isolated(), OnExit(func(err error) { got <- err }))

	select {
	case err := <-got:
		var pe *PanicError
		if !errors.As(err, &pe) {
			t.Fatalf("err = %v, want *PanicError", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("exit callback not called")
	}
	if err := s.Context().Err(); err != nil {
		t.Fatalf("supervisor context canceled by isolated panic: %v", err)
	}
	if err := s.Err(); err != nil {
		t.Fatalf("Err = %v, want nil", err)
	}
	if c := s.Counters(); c.Panics != 1 {
		t.Fatalf("counters = %+v", c)
	}
	s.Cancel()
}
