package trigger

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestParseSchedule(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw    string
		kind   Kind
		cron   string
		every  time.Duration
		source string
	}{
		{"*/5 * * * *", KindCron, "*/5 * * * *", 0, "cron"},
		{"@hourly", KindCron, "@hourly", 0, "cron"},
		{"cron:0 3 * * *", KindCron, "0 3 * * *", 0, "cron"},
		{"CRON: @daily", KindCron, "@daily", 0, "cron"},
		{"55m", KindInterval, "", 55 * time.Minute, "duration"},
		{"interval:45s", KindInterval, "", 45 * time.Second, "duration"},
		{"every: 2h30m", KindInterval, "", 150 * time.Minute, "duration"},
		{"00:50", KindInterval, "", 50 * time.Minute, "hhmm"},
		{"interval:02:30", KindInterval, "", 150 * time.Minute, "hhmm"},
		{"daily:07:30", KindCron, "30 7 * * *", 0, "daily"},
	}
	for _, tt := range tests {
		got, err := ParseSchedule(tt.raw)
		if err != nil {
			t.Fatalf("ParseSchedule(%q): %v", tt.raw, err)
		}
		if got.Kind != tt.kind || got.Cron != tt.cron || got.Every != tt.every || got.Source != tt.source {
			t.Fatalf("ParseSchedule(%q) = %+v", tt.raw, got)
		}
	}
}

func TestParseScheduleRejects(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "  ", "cron:", "interval:", "soon", "-5m", "0s", "00:00", "01:75", "daily:25:00", "daily:noon"} {
		if got, err := ParseSchedule(raw); err == nil {
			t.Fatalf("ParseSchedule(%q) = %+v, want error", raw, got)
		}
	}
}

func TestScheduleSpec(t *testing.T) {
	t.Parallel()
	iv, _ := ParseSchedule("90s")
	if iv.Spec() != "@every 1m30s" {
		t.Fatalf("interval spec = %q", iv.Spec())
	}
	cr, _ := ParseSchedule("daily:06:05")
	if cr.Spec() != "5 6 * * *" {
		t.Fatalf("daily spec = %q", cr.Spec())
	}
}

func TestAddValidates(t *testing.T) {
	t.Parallel()
	s := New()
	noop := func(context.Context, Fire) {}
	if err := s.Add("", "1m", noop); err == nil {
		t.Fatal("empty name accepted")
	}
	if err := s.Add("x", "1m", nil); err == nil {
		t.Fatal("nil func accepted")
	}
	if err := s.Add("x", "61 * * * *", noop); err == nil {
		t.Fatal("invalid cron accepted")
	}
	if err := s.Validate("cron:*/2 * * * *"); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := s.Add("x", "5m", noop); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Add("x", "10m", noop); err != nil {
		t.Fatalf("Add replace: %v", err)
	}
	entries := s.Entries()
	if len(entries) != 1 || entries[0].Schedule != "10m" || entries[0].Kind != "interval" {
		t.Fatalf("entries = %+v", entries)
	}
	if !s.Remove("x") || s.Remove("x") {
		t.Fatal("Remove should succeed once")
	}
}

func TestEntriesReportNextWhileStarted(t *testing.T) {
	t.Parallel()
	s := New(WithLocation(time.UTC))
	noop := func(context.Context, Fire) {}
	if err := s.Add("nightly", "daily:03:00", noop); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if e := s.Entries(); !e[0].Next.IsZero() {
		t.Fatal("Next set before Start")
	}

	s.Start(context.Background())
	defer s.Stop(context.Background())
	// cron computes Next asynchronously after Start.
	deadline := time.Now().Add(2 * time.Second)
	var next time.Time
	for time.Now().Before(deadline) {
		if next = s.Entries()[0].Next; !next.IsZero() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if next.IsZero() || next.Hour() != 3 || next.Minute() != 0 {
		t.Fatalf("next = %v, want 03:00 UTC", next)
	}
}

func TestNextRuns(t *testing.T) {
	t.Parallel()
	s := New(WithLocation(time.UTC))
	runs, err := s.NextRuns("cron:0 */6 * * *", 3)
	if err != nil {
		t.Fatalf("NextRuns: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("len = %d", len(runs))
	}
	for i, r := range runs {
		if r.Hour()%6 != 0 || r.Minute() != 0 {
			t.Fatalf("run %d = %v", i, r)
		}
		if i > 0 && r.Sub(runs[i-1]) != 6*time.Hour {
			t.Fatalf("runs not 6h apart: %v", runs)
		}
	}
}

func TestIntervalTriggerFiresWithUniqueKeys(t *testing.T) {
	t.Parallel()
	s := New(WithStartupSpread(false))

	var mu sync.Mutex
	var fires []Fire
	err := s.Add("tick", "1s", func(_ context.Context, f Fire) {
		mu.Lock()
		fires = append(fires, f)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	s.Start(context.Background())

	deadline := time.Now().Add(4 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(fires)
		mu.Unlock()
		if n >= 2 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	s.Stop(context.Background())

	mu.Lock()
	got := append([]Fire(nil), fires...)
	mu.Unlock()
	if len(got) < 2 {
		t.Fatalf("fired %d times, want >= 2", len(got))
	}
	if got[0].Key == got[1].Key || !strings.HasPrefix(got[0].Key, "tick-") {
		t.Fatalf("keys = %q, %q", got[0].Key, got[1].Key)
	}
	if got[0].Seq != 1 || got[1].Seq != 2 {
		t.Fatalf("seq = %d, %d", got[0].Seq, got[1].Seq)
	}
	if e := s.Entries(); e[0].Fired < 2 {
		t.Fatalf("entry fired = %d", e[0].Fired)
	}

	// Stopped: no more fires.
	time.Sleep(1200 * time.Millisecond)
	mu.Lock()
	after := len(fires)
	mu.Unlock()
	if after != len(got) {
		t.Fatalf("fired after Stop: %d -> %d", len(got), after)
	}
}

func TestSpreadDelaysOnlyFirstRun(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	sched, jitter := withSpread(time.Minute, now, "x")
	if jitter < 0 || jitter >= time.Minute {
		t.Fatalf("jitter = %v", jitter)
	}
	first := sched.Next(now)
	if want := now.Add(time.Minute + jitter); !first.Equal(want) {
		t.Fatalf("first = %v, want %v", first, want)
	}
	// cron rounds constant delays down to the second.
	if gap := sched.Next(first).Sub(first); gap <= 59*time.Second || gap > time.Minute {
		t.Fatalf("second run %v after first", gap)
	}
}
