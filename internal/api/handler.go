package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"taskq/internal/journal"
	"taskq/internal/queue"
	"taskq/internal/trigger"
	logx "taskq/pkg/logx"
)

// Queue is the part of *queue.Queue the API drives. Keys are strings on the wire.
type Queue[T any, R any] interface {
	Activity() queue.Activity[T]
	Stats() queue.Stats
	IsRunning(key string) bool
	IsQueued(key string) bool
	Cancel(key string) (T, bool)
	Start()
	Stop()
	Subscribe(buffer int) (<-chan queue.Event[string, T, R], func())
}

// SubmitFunc decodes a request body into a job and submits it, returning its key.
type SubmitFunc func(ctx context.Context, body []byte) (string, error)

type History interface {
	Recent(ctx context.Context, n int) ([]journal.Record, error)
}

type Triggers interface {
	Entries() []trigger.Entry
}

// Options wires optional endpoints. Nil fields leave their routes unmounted.
type Options struct {
	Log      logx.Logger
	Submit   SubmitFunc
	History  History
	Triggers Triggers
	// Heartbeat is the SSE keep-alive interval (default 15s).
	Heartbeat time.Duration
	// Profiler mounts net/http/pprof under /debug.
	Profiler bool
}

type handler[T any, R any] struct {
	q    Queue[T, R]
	opts Options
	log  logx.Logger
}

// NewHandler builds the router.
//
//	GET    /activity        running and queued payloads plus stats
//	GET    /jobs/{key}      "running", "queued" or 404
//	DELETE /jobs/{key}      cancel
//	POST   /jobs            submit (when Options.Submit is set)
//	POST   /start, /stop    resume or halt dispatching
//	GET    /events          SSE stream of lifecycle events
//	GET    /history         recent finished jobs (when Options.History is set)
//	GET    /triggers        registered triggers (when Options.Triggers is set)
func NewHandler[T any, R any](q Queue[T, R], opts Options) http.Handler {
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 15 * time.Second
	}
	h := &handler[T, R]{q: q, opts: opts, log: opts.Log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)

	r.Get("/activity", h.activity)
	r.Route("/jobs", func(r chi.Router) {
		if opts.Submit != nil {
			r.Post("/", h.submit)
		}
		r.Get("/{key}", h.job)
		r.Delete("/{key}", h.cancel)
	})
	r.Post("/start", h.start)
	r.Post("/stop", h.stop)
	r.Get("/events", h.events)
	if opts.History != nil {
		r.Get("/history", h.history)
	}
	if opts.Triggers != nil {
		r.Get("/triggers", h.triggers)
	}
	if opts.Profiler {
		r.Mount("/debug", middleware.Profiler())
	}
	return r
}

func (h *handler[T, R]) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("dur", time.Since(start)),
			logx.String("req_id", middleware.GetReqID(r.Context())),
		)
	})
}

type activityResponse[T any] struct {
	Running []T         `json:"running"`
	Queued  []T         `json:"queued"`
	Stats   queue.Stats `json:"stats"`
}

func (h *handler[T, R]) activity(w http.ResponseWriter, r *http.Request) {
	act := h.q.Activity()
	writeJSON(w, http.StatusOK, activityResponse[T]{Running: act.Running, Queued: act.Queued, Stats: h.q.Stats()})
}

type jobState struct {
	Key   string `json:"key"`
	State string `json:"state"`
}

func (h *handler[T, R]) job(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	switch {
	case h.q.IsRunning(key):
		writeJSON(w, http.StatusOK, jobState{Key: key, State: "running"})
	case h.q.IsQueued(key):
		writeJSON(w, http.StatusOK, jobState{Key: key, State: "queued"})
	default:
		writeError(w, http.StatusNotFound, "job not queued or running")
	}
}

type cancelResponse[T any] struct {
	Key      string `json:"key"`
	Canceled bool   `json:"canceled"`
	Payload  T      `json:"payload"`
}

func (h *handler[T, R]) cancel(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	p, ok := h.q.Cancel(key)
	if !ok {
		writeError(w, http.StatusNotFound, "job not found or already canceling")
		return
	}
	writeJSON(w, http.StatusOK, cancelResponse[T]{Key: key, Canceled: true, Payload: p})
}

const maxSubmitBody = 1 << 20

func (h *handler[T, R]) submit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxSubmitBody+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	if len(body) > maxSubmitBody {
		writeError(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}
	key, err := h.opts.Submit(r.Context(), body)
	switch {
	case errors.Is(err, queue.ErrDuplicateKey):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, queue.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, jobState{Key: key, State: "submitted"})
}

func (h *handler[T, R]) start(w http.ResponseWriter, r *http.Request) {
	h.q.Start()
	writeJSON(w, http.StatusOK, h.q.Stats())
}

func (h *handler[T, R]) stop(w http.ResponseWriter, r *http.Request) {
	h.q.Stop()
	writeJSON(w, http.StatusOK, h.q.Stats())
}

func (h *handler[T, R]) history(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}
	recs, err := h.opts.History.Recent(r.Context(), limit)
	if err != nil {
		if errors.Is(err, journal.ErrClosed) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if recs == nil {
		recs = []journal.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (h *handler[T, R]) triggers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.opts.Triggers.Entries())
}

// EventView is the wire form of a queue event.
type EventView[T any, R any] struct {
	Status    queue.Status `json:"status"`
	Key       string       `json:"key"`
	Payload   T            `json:"payload"`
	Result    *R           `json:"result,omitempty"`
	Error     string       `json:"error,omitempty"`
	Time      time.Time    `json:"time"`
	ElapsedMS int64        `json:"elapsed_ms,omitempty"`
	Queued    int          `json:"queued"`
	Running   int          `json:"running"`
}

func NewEventView[T any, R any](e queue.Event[string, T, R]) EventView[T, R] {
	v := EventView[T, R]{
		Status:    e.Status,
		Key:       e.Key,
		Payload:   e.Payload,
		Time:      e.Time,
		ElapsedMS: e.Elapsed.Milliseconds(),
		Queued:    e.Queued,
		Running:   e.Running,
	}
	if e.Err != nil {
		v.Error = e.Err.Error()
	} else if e.Status == queue.StatusFinished {
		res := e.Result
		v.Result = &res
	}
	return v
}

func (h *handler[T, R]) events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, unsubscribe := h.q.Subscribe(0)
	defer unsubscribe()

	if _, err := fmt.Fprintf(w, "event: connected\ndata: {\"time\":%q}\n\n", time.Now().Format(time.RFC3339)); err != nil {
		return
	}
	flusher.Flush()

	heartbeat := time.NewTicker(h.opts.Heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case e, ok := <-ch:
			if !ok {
				_, _ = io.WriteString(w, "event: closed\ndata: {}\n\n")
				flusher.Flush()
				return
			}
			b, err := json.Marshal(NewEventView(e))
			if err != nil {
				h.log.Warn("sse encode failed", logx.String("key", e.Key), logx.Err(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Status, b); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
