package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestStatusText(t *testing.T) {
	t.Parallel()
	tests := []struct {
		status   Status
		text     string
		terminal bool
	}{
		{StatusQueued, "queued", false},
		{StatusInProgress, "in_progress", false},
		{StatusFinished, "finished", true},
		{StatusCanceled, "canceled", true},
		{StatusTimedOut, "timed_out", true},
	}
	for _, tt := range tests {
		b, err := tt.status.MarshalText()
		if err != nil || string(b) != tt.text {
			t.Fatalf("MarshalText(%d) = %q, %v", tt.status, b, err)
		}
		var back Status
		if err := back.UnmarshalText([]byte(" " + tt.text + " ")); err != nil || back != tt.status {
			t.Fatalf("UnmarshalText(%q) = %v, %v", tt.text, back, err)
		}
		if tt.status.Terminal() != tt.terminal {
			t.Fatalf("%s.Terminal() = %v", tt.status, !tt.terminal)
		}
	}

	if _, err := Status(99).MarshalText(); err == nil {
		t.Fatal("expected error for out-of-range status")
	}
	var s Status
	if err := s.UnmarshalText([]byte("paused")); err == nil {
		t.Fatal("expected error for unknown status")
	}
}

func TestStatusInJSON(t *testing.T) {
	t.Parallel()
	b, err := json.Marshal(map[string]Status{"status": StatusTimedOut})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `{"status":"timed_out"}` {
		t.Fatalf("got %s", b)
	}
}

func TestCanceledErr(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		cause error
		also  error
	}{
		{"nil", nil, nil},
		{"already canceled", ErrCanceled, nil},
		{"context", context.Canceled, context.Canceled},
		{"closed", ErrClosed, ErrClosed},
	}
	for _, tt := range tests {
		err := canceledErr(tt.cause)
		if !errors.Is(err, ErrCanceled) || !IsCanceled(err) {
			t.Fatalf("%s: %v does not wrap ErrCanceled", tt.name, err)
		}
		if tt.also != nil && !errors.Is(err, tt.also) {
			t.Fatalf("%s: %v lost its cause", tt.name, err)
		}
	}
	if IsCanceled(ErrTimedOut) || !IsTimedOut(ErrTimedOut) {
		t.Fatal("timeout misclassified")
	}
}

func TestHandleFirstSettlementWins(t *testing.T) {
	t.Parallel()
	h := newHandle[string]()
	if h.Settled() {
		t.Fatal("new handle is settled")
	}
	if v, err := h.Result(); v != "" || err != nil {
		t.Fatalf("unsettled Result = %q, %v", v, err)
	}
	if !h.settle("first", nil) {
		t.Fatal("first settle should win")
	}
	if h.settle("second", errors.New("late")) {
		t.Fatal("second settle should be ignored")
	}
	v, err := h.Wait(context.Background())
	if v != "first" || err != nil {
		t.Fatalf("Wait = %q, %v", v, err)
	}
	select {
	case <-h.Done():
	default:
		t.Fatal("Done not closed")
	}
}

func TestHandleWaitHonorsContext(t *testing.T) {
	t.Parallel()
	h := newHandle[int]()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := h.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Wait = %v, want context.Canceled", err)
	}
}
