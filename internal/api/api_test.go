package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"taskq/internal/journal"
	"taskq/internal/queue"
	"taskq/internal/runtime/supervisor"
	"taskq/internal/trigger"
	logx "taskq/pkg/logx"
)

type waitJob struct {
	Name string `json:"name"`
	d    time.Duration
}

func (j *waitJob) Run(ctx context.Context) (string, error) {
	t := time.NewTimer(j.d)
	defer t.Stop()
	select {
	case <-t.C:
		return "done:" + j.Name, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

type testQueue = queue.Queue[string, *waitJob, string]

func newQueue(t *testing.T, opts ...queue.Option) *testQueue {
	t.Helper()
	q := queue.New[string, *waitJob, string](func(j *waitJob) string { return j.Name }, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = q.Close(ctx)
	})
	return q
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[V any](t *testing.T, rec *httptest.ResponseRecorder) V {
	t.Helper()
	var v V
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestActivityAndJobState(t *testing.T) {
	t.Parallel()
	q := newQueue(t, queue.WithConcurrency(1))
	q.Submit(&waitJob{Name: "a", d: time.Minute})
	q.Submit(&waitJob{Name: "b", d: time.Minute})
	h := NewHandler[*waitJob, string](q, Options{})

	rec := do(t, h, http.MethodGet, "/activity", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	act := decode[activityResponse[*waitJob]](t, rec)
	if len(act.Running) != 1 || act.Running[0].Name != "a" || len(act.Queued) != 1 || act.Queued[0].Name != "b" {
		t.Fatalf("activity = %+v", act)
	}
	if act.Stats.Concurrency != 1 || !act.Stats.Active {
		t.Fatalf("stats = %+v", act.Stats)
	}

	tests := []struct {
		key   string
		code  int
		state string
	}{
		{"a", http.StatusOK, "running"},
		{"b", http.StatusOK, "queued"},
		{"zzz", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		rec := do(t, h, http.MethodGet, "/jobs/"+tt.key, "")
		if rec.Code != tt.code {
			t.Fatalf("GET /jobs/%s = %d", tt.key, rec.Code)
		}
		if tt.state != "" {
			if st := decode[jobState](t, rec); st.State != tt.state {
				t.Fatalf("state of %s = %q", tt.key, st.State)
			}
		}
	}
}

func TestCancelEndpoint(t *testing.T) {
	t.Parallel()
	q := newQueue(t, queue.WithConcurrency(1))
	q.Submit(&waitJob{Name: "a", d: time.Minute})
	hb := q.Submit(&waitJob{Name: "b", d: time.Minute})
	h := NewHandler[*waitJob, string](q, Options{})

	rec := do(t, h, http.MethodDelete, "/jobs/b", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("DELETE = %d %s", rec.Code, rec.Body)
	}
	if resp := decode[cancelResponse[*waitJob]](t, rec); !resp.Canceled || resp.Payload.Name != "b" {
		t.Fatalf("cancel response = %+v", resp)
	}
	if _, err := hb.Result(); !errors.Is(err, queue.ErrCanceled) {
		t.Fatalf("handle err = %v", err)
	}
	if rec := do(t, h, http.MethodDelete, "/jobs/b", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("second DELETE = %d", rec.Code)
	}
}

func TestStartStopEndpoints(t *testing.T) {
	t.Parallel()
	q := newQueue(t, queue.WithAutostart(false))
	h := NewHandler[*waitJob, string](q, Options{})
	q.Submit(&waitJob{Name: "a", d: time.Minute})

	if st := decode[queue.Stats](t, do(t, h, http.MethodPost, "/start", "")); !st.Active || st.Running != 1 {
		t.Fatalf("after start = %+v", st)
	}
	if st := decode[queue.Stats](t, do(t, h, http.MethodPost, "/stop", "")); st.Active {
		t.Fatalf("after stop = %+v", st)
	}
}

func TestSubmitEndpoint(t *testing.T) {
	t.Parallel()
	q := newQueue(t)
	submit := func(_ context.Context, body []byte) (string, error) {
		var j waitJob
		if err := json.Unmarshal(body, &j); err != nil {
			return "", err
		}
		if j.Name == "" {
			return "", errors.New("name required")
		}
		j.d = time.Millisecond
		q.Submit(&j)
		return j.Name, nil
	}
	h := NewHandler[*waitJob, string](q, Options{Submit: submit})

	rec := do(t, h, http.MethodPost, "/jobs", `{"name":"x"}`)
	if rec.Code != http.StatusAccepted || decode[jobState](t, rec).Key != "x" {
		t.Fatalf("POST /jobs = %d %s", rec.Code, rec.Body)
	}
	if rec := do(t, h, http.MethodPost, "/jobs", `{}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid submit = %d", rec.Code)
	}

	plain := NewHandler[*waitJob, string](q, Options{})
	if rec := do(t, plain, http.MethodPost, "/jobs", `{"name":"y"}`); rec.Code != http.StatusMethodNotAllowed && rec.Code != http.StatusNotFound {
		t.Fatalf("submit without SubmitFunc = %d", rec.Code)
	}
}

type fakeHistory struct{ recs []journal.Record }

func (f fakeHistory) Recent(_ context.Context, n int) ([]journal.Record, error) {
	if n < len(f.recs) {
		return f.recs[:n], nil
	}
	return f.recs, nil
}

type fakeTriggers struct{}

func (fakeTriggers) Entries() []trigger.Entry {
	return []trigger.Entry{{Name: "nightly", Schedule: "daily:03:00", Kind: "cron"}}
}

func TestHistoryAndTriggers(t *testing.T) {
	t.Parallel()
	q := newQueue(t)
	hist := fakeHistory{recs: []journal.Record{{ID: "1", Key: "a"}, {ID: "2", Key: "b"}}}
	h := NewHandler[*waitJob, string](q, Options{History: hist, Triggers: fakeTriggers{}})

	if recs := decode[[]journal.Record](t, do(t, h, http.MethodGet, "/history?limit=1", "")); len(recs) != 1 || recs[0].Key != "a" {
		t.Fatalf("history = %+v", recs)
	}
	if rec := do(t, h, http.MethodGet, "/history?limit=0", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit = %d", rec.Code)
	}
	if entries := decode[[]trigger.Entry](t, do(t, h, http.MethodGet, "/triggers", "")); len(entries) != 1 || entries[0].Name != "nightly" {
		t.Fatalf("triggers = %+v", entries)
	}

	bare := NewHandler[*waitJob, string](q, Options{})
	if rec := do(t, bare, http.MethodGet, "/history", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("history without source = %d", rec.Code)
	}
}

func TestEventsStream(t *testing.T) {
	t.Parallel()
	q := newQueue(t)
	srv := httptest.NewServer(NewHandler[*waitJob, string](q, Options{Log: logx.Nop()}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", http.NoBody)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	sc := bufio.NewScanner(resp.Body)
	readEvent := func() (string, string) {
		var name, data string
		for sc.Scan() {
			line := sc.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data = strings.TrimPrefix(line, "data: ")
			case line == "" && name != "":
				return name, data
			}
		}
		t.Fatalf("stream ended: %v", sc.Err())
		return "", ""
	}

	if name, _ := readEvent(); name != "connected" {
		t.Fatalf("first event = %q", name)
	}
	q.Submit(&waitJob{Name: "s", d: 5 * time.Millisecond})

	want := []string{"queued", "in_progress", "finished"}
	for _, w := range want {
		name, data := readEvent()
		if name != w {
			t.Fatalf("event = %q, want %q", name, w)
		}
		var v EventView[*waitJob, string]
		if err := json.Unmarshal([]byte(data), &v); err != nil {
			t.Fatalf("decode %q: %v", data, err)
		}
		if v.Key != "s" || v.Status.String() != w {
			t.Fatalf("view = %+v", v)
		}
		if w == "finished" && (v.Result == nil || *v.Result != "done:s") {
			t.Fatalf("result = %v", v.Result)
		}
	}
}

func TestServerLifecycle(t *testing.T) {
	t.Parallel()
	sup := supervisor.New(context.Background())
	defer sup.Cancel()
	q := newQueue(t)
	s := NewServer(sup, logx.Nop())

	if err := s.Start(context.Background(), "127.0.0.1:0", NewHandler[*waitJob, string](q, Options{})); err != nil {
		t.Fatalf("Start: %v", err)
	}
	addr := s.Addr()
	if addr == "" {
		t.Fatal("no address")
	}
	resp, err := http.Get("http://" + addr + "/activity")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	if s.Addr() != "" {
		t.Fatal("address kept after Stop")
	}
	if err := sup.Wait(ctx); err != nil {
		t.Fatalf("serve goroutine: %v", err)
	}
}
