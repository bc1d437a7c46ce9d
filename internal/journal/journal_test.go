package journal

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"taskq/internal/queue"
	logx "taskq/pkg/logx"
)

func openStore(t *testing.T, driver string) Store {
	t.Helper()
	ext := ".jsonl"
	if driver == "sqlite" {
		ext = ".db"
	}
	st, err := Open(Config{Driver: driver, Path: filepath.Join(t.TempDir(), "nested", "journal"+ext)}, logx.Nop())
	if err != nil {
		t.Fatalf("Open(%s): %v", driver, err)
	}
	if st == nil {
		t.Fatalf("Open(%s) returned nil store", driver)
	}
	return st
}

func TestStoresAppendAndRecent(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			st := openStore(t, driver)
			defer st.Close()
			ctx := context.Background()

			base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
			for i, status := range []string{"finished", "canceled", "timed_out", "finished"} {
				rec := Record{
					ID:      string(rune('a' + i)),
					Key:     string(rune('A' + i)),
					Status:  status,
					At:      base.Add(time.Duration(i) * time.Second),
					Elapsed: time.Duration(i+1) * 100 * time.Millisecond,
				}
				if status == "timed_out" {
					rec.Error = "job timed out"
				}
				if i == 0 {
					rec.Result = []byte(`{"n":1}`)
				}
				if err := st.Append(ctx, rec); err != nil {
					t.Fatalf("Append: %v", err)
				}
			}

			got, err := st.Recent(ctx, 3)
			if err != nil {
				t.Fatalf("Recent: %v", err)
			}
			if len(got) != 3 {
				t.Fatalf("len = %d, want 3", len(got))
			}
			if got[0].Key != "D" || got[1].Key != "C" || got[2].Key != "B" {
				t.Fatalf("order = %s %s %s, want D C B", got[0].Key, got[1].Key, got[2].Key)
			}
			if got[1].Error != "job timed out" || got[1].Elapsed != 300*time.Millisecond {
				t.Fatalf("record C = %+v", got[1])
			}
			if !got[0].At.Equal(base.Add(3 * time.Second)) {
				t.Fatalf("at = %v", got[0].At)
			}

			all, err := st.Recent(ctx, 10)
			if err != nil || len(all) != 4 {
				t.Fatalf("Recent(10) = %d, %v", len(all), err)
			}
			if string(all[3].Result) != `{"n":1}` {
				t.Fatalf("result = %s", all[3].Result)
			}
			if none, err := st.Recent(ctx, 0); err != nil || len(none) != 0 {
				t.Fatalf("Recent(0) = %v, %v", none, err)
			}
		})
	}
}

func TestFileStoreSkipsMalformedLinesAndRejectsAfterClose(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	if err := os.WriteFile(path, []byte("not json\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()
	if err := st.Append(ctx, Record{ID: "1", Key: "k", Status: "finished", At: time.Now()}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	got, err := st.Recent(ctx, 5)
	if err != nil || len(got) != 1 || got[0].Key != "k" {
		t.Fatalf("Recent = %+v, %v", got, err)
	}

	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := st.Append(ctx, Record{ID: "2"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Append after Close = %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestOpenDrivers(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: driver}, logx.Logger{})
		if err != nil || st != nil {
			t.Fatalf("Open(%q) = %v, %v; want disabled", driver, st, err)
		}
	}
	if _, err := Open(Config{Driver: "postgres", Path: "x"}, logx.Nop()); err == nil {
		t.Fatal("expected unknown driver error")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("expected missing path error")
	}
}

type memStore struct {
	recs []Record
}

func (m *memStore) Append(_ context.Context, r Record) error {
	m.recs = append(m.recs, r)
	return nil
}

func (m *memStore) Recent(context.Context, int) ([]Record, error) { return m.recs, nil }
func (m *memStore) Close() error                                  { return nil }

func TestRecorderKeepsTerminalEvents(t *testing.T) {
	t.Parallel()
	st := &memStore{}
	rec := NewRecorder[int, string, int](st, logx.Nop())

	events := make(chan queue.Event[int, string, int], 8)
	now := time.Now()
	events <- queue.Event[int, string, int]{Status: queue.StatusQueued, Key: 1, Time: now}
	events <- queue.Event[int, string, int]{Status: queue.StatusInProgress, Key: 1, Time: now}
	events <- queue.Event[int, string, int]{Status: queue.StatusFinished, Key: 1, Result: 42, Time: now, Elapsed: time.Second}
	events <- queue.Event[int, string, int]{Status: queue.StatusTimedOut, Key: 2, Err: queue.ErrTimedOut, Result: 7, Time: now}
	events <- queue.Event[int, string, int]{Status: queue.StatusCanceled, Key: 3, Err: queue.ErrCanceled}
	close(events)

	if err := rec.Run(context.Background(), events); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(st.recs) != 3 {
		t.Fatalf("recorded %d events, want 3", len(st.recs))
	}
	ok, timedOut, canceled := st.recs[0], st.recs[1], st.recs[2]
	if ok.Key != "1" || ok.Status != "finished" || string(ok.Result) != "42" || ok.Elapsed != time.Second {
		t.Fatalf("finished record = %+v", ok)
	}
	if timedOut.Status != "timed_out" || timedOut.Error != queue.ErrTimedOut.Error() || timedOut.Result != nil {
		t.Fatalf("timed out record = %+v", timedOut)
	}
	if canceled.At.IsZero() || canceled.ID == "" || canceled.ID == ok.ID {
		t.Fatalf("canceled record = %+v", canceled)
	}
}
