package logx

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestWriterLoggerRendersFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "queue"))

	log.Debug("job.started", String("key", "a"), Int("running", 2), Err(errors.New("boom")))

	out := buf.String()
	for _, want := range []string{"job.started", "comp=queue", "key=a", "running=2", "err=boom"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output %q missing %q", out, want)
		}
	}
}

func TestWriterLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")

	log.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected info to be filtered, got %q", buf.String())
	}
	if log.Enabled(LevelDebug) {
		t.Fatal("debug should not be enabled at warn level")
	}
	if !log.Enabled(LevelError) {
		t.Fatal("error should be enabled at warn level")
	}
}

func TestZeroLoggerIsNop(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	// Must not panic.
	l.Info("nothing", String("k", "v"))
	if Nop().IsZero() {
		t.Fatal("Nop logger should not be zero")
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want Level
	}{
		{"debug", LevelDebug},
		{" WARNING ", LevelWarn},
		{"error", LevelError},
		{"bogus", LevelInfo},
		{"", LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.raw, LevelInfo); got != tt.want {
			t.Fatalf("parseLevel(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestThrottleLimitsPerKey(t *testing.T) {
	t.Parallel()
	th := NewThrottle(time.Hour, 2)

	if !th.Allow("a") || !th.Allow("a") {
		t.Fatal("expected burst of 2 to be allowed")
	}
	if th.Allow("a") {
		t.Fatal("third call within interval should be throttled")
	}
	if !th.Allow("b") {
		t.Fatal("keys must be throttled independently")
	}

	var nilThrottle *Throttle
	if !nilThrottle.Allow("x") {
		t.Fatal("nil throttle should allow")
	}
}
