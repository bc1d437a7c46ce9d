package queue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"taskq/internal/eventbus"
	"taskq/internal/runtime/supervisor"
	logx "taskq/pkg/logx"
)

// slowJobThreshold promotes job.finished from debug to info.
const slowJobThreshold = 750 * time.Millisecond

// Queue runs submitted jobs with at most Concurrency of them in flight.
//
// All bookkeeping (queued, running, timers, the active flag) is guarded by one mutex.
// The admission loop, settlement, timeout and cancellation handlers run inside it,
// and events are published from inside it, so subscribers observe transitions in the
// order they happened. Payload code never runs under the lock.
type Queue[K comparable, T Runner[R], R any] struct {
	keyOf       func(T) K
	log         logx.Logger
	bus         *eventbus.Bus[Event[K, T, R]]
	sup         *supervisor.Supervisor
	ownSup      bool
	eventBuffer int
	staleLog    *logx.Throttle

	// runs tracks Run goroutines so Close can wait for them.
	runs sync.WaitGroup

	mu             sync.Mutex
	queued         []*job[K, T, R]
	running        map[K]*job[K, T, R]
	keys           map[K]struct{}
	seq            uint64
	concurrency    int
	defaultTimeout time.Duration
	active         bool
	closed         bool
	idle           chan struct{}
}

// Activity is a copy of what the queue holds, in dispatch order.
type Activity[T any] struct {
	Running []T
	Queued  []T
}

// Stats is a point-in-time summary for diagnostics.
type Stats struct {
	Queued         int           `json:"queued"`
	Running        int           `json:"running"`
	Concurrency    int           `json:"concurrency"`
	DefaultTimeout time.Duration `json:"default_timeout"`
	Active         bool          `json:"active"`
	Closed         bool          `json:"closed"`
	Subscribers    int           `json:"subscribers"`
}

// New creates a queue. keyOf derives the job key from a payload; keys must be
// unique among queued and running jobs.
func New[K comparable, T Runner[R], R any](keyOf func(T) K, opts ...Option) *Queue[K, T, R] {
	if keyOf == nil {
		panic("queue: nil key func")
	}
	cfg := defaultConfig()
	for _, o := range opts {
		if o != nil {
			o(&cfg)
		}
	}
	if cfg.concurrency < 1 {
		cfg.concurrency = 1
	}
	if cfg.defaultTimeout < 0 {
		cfg.defaultTimeout = 0
	}
	if cfg.eventBuffer <= 0 {
		cfg.eventBuffer = 64
	}
	log := cfg.log
	if log.IsZero() {
		log = logx.Nop()
	}

	sup, own := cfg.sup, false
	if sup == nil {
		sup = supervisor.New(context.Background(), supervisor.WithLogger(log.With(logx.String("comp", "queue.sup"))))
		own = true
	}

	idle := make(chan struct{})
	close(idle)

	return &Queue[K, T, R]{
		keyOf:          keyOf,
		log:            log,
		bus:            eventbus.New[Event[K, T, R]](),
		sup:            sup,
		ownSup:         own,
		eventBuffer:    cfg.eventBuffer,
		staleLog:       logx.NewThrottle(5*time.Second, 1),
		running:        make(map[K]*job[K, T, R]),
		keys:           make(map[K]struct{}),
		concurrency:    cfg.concurrency,
		defaultTimeout: cfg.defaultTimeout,
		active:         cfg.autostart,
		idle:           idle,
	}
}

// Subscribe returns a broadcast stream of lifecycle events. buffer <= 0 uses the
// queue's default. Call the returned func to unsubscribe.
func (q *Queue[K, T, R]) Subscribe(buffer int) (<-chan Event[K, T, R], func()) {
	if buffer <= 0 {
		buffer = q.eventBuffer
	}
	return q.bus.Subscribe(buffer)
}

// Submit enqueues payload and returns its completion handle. It never blocks.
//
// A payload whose key is already queued or running is not enqueued; its handle is
// rejected with ErrDuplicateKey and no event is emitted. After Close, handles are
// rejected with ErrClosed.
func (q *Queue[K, T, R]) Submit(payload T, opts ...SubmitOption) *Handle[R] {
	var sc submitConfig
	for _, o := range opts {
		if o != nil {
			o(&sc)
		}
	}
	h := newHandle[R]()
	key := q.keyOf(payload)
	var zero R

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		h.settle(zero, ErrClosed)
		q.log.Debug("job.rejected", logx.Any("key", key), logx.Err(ErrClosed))
		return h
	}
	if _, dup := q.keys[key]; dup {
		h.settle(zero, ErrDuplicateKey)
		q.log.Warn("job.rejected", logx.Any("key", key), logx.Err(ErrDuplicateKey))
		return h
	}

	q.seq++
	j := &job[K, T, R]{
		key:        key,
		payload:    payload,
		handle:     h,
		timeout:    sc.timeout,
		seq:        q.seq,
		enqueuedAt: time.Now(),
	}
	q.queued = append(q.queued, j)
	q.keys[key] = struct{}{}
	q.markBusyLocked()

	// QUEUED goes out before admission so it always precedes this job's IN_PROGRESS.
	q.emitLocked(StatusQueued, j, zero, nil, 0)
	q.log.Debug("job.queued", logx.Any("key", key), logx.Int("queued", len(q.queued)))

	q.admitLocked()
	return h
}

// Cancel cancels the job with key, looking in running first, then queued.
//
// A queued job is removed and reported CANCELED immediately. A running job has its
// context canceled; if its payload implements Canceler the job stays running until Run
// returns (CANCELED if Run reports cancellation), otherwise it is detached and reported
// CANCELED right away. Cancel returns the payload and true when it took effect, and
// false for unknown keys or a repeated cancel of the same running job.
func (q *Queue[K, T, R]) Cancel(key K) (T, bool) {
	var zeroT T
	var zeroR R

	q.mu.Lock()
	if j, ok := q.running[key]; ok {
		if j.cancelRequested {
			q.mu.Unlock()
			return zeroT, false
		}
		j.cancelRequested = true
		if j.cancelRun != nil {
			j.cancelRun()
		}
		c, advisory := j.canceler()
		if !advisory {
			q.finishLocked(j, StatusCanceled, zeroR, ErrCanceled)
		}
		q.mu.Unlock()

		if advisory {
			// May race with Run returning; Canceler implementations tolerate that.
			c.Cancel()
			q.log.Debug("job.cancel_requested", logx.Any("key", key))
		} else {
			q.log.Info("job.canceled", logx.Any("key", key), logx.Bool("detached", true))
		}
		return j.payload, true
	}

	for i, j := range q.queued {
		if j.key != key {
			continue
		}
		q.queued = append(q.queued[:i], q.queued[i+1:]...)
		delete(q.keys, key)
		j.handle.settle(zeroR, ErrCanceled)
		q.emitLocked(StatusCanceled, j, zeroR, ErrCanceled, 0)
		q.checkIdleLocked()
		q.mu.Unlock()

		q.log.Info("job.canceled", logx.Any("key", key), logx.Bool("queued", true))
		return j.payload, true
	}
	q.mu.Unlock()
	return zeroT, false
}

// Start resumes dispatching.
func (q *Queue[K, T, R]) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	if !q.active {
		q.log.Debug("queue.started", logx.Int("queued", len(q.queued)))
	}
	q.active = true
	q.admitLocked()
}

// Stop halts dispatching. Running jobs are left alone and still settle normally.
func (q *Queue[K, T, R]) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.active {
		q.log.Debug("queue.stopped", logx.Int("queued", len(q.queued)), logx.Int("running", len(q.running)))
	}
	q.active = false
}

// SetConcurrency changes the running cap. Lowering it never preempts running jobs.
func (q *Queue[K, T, R]) SetConcurrency(n int) {
	if n < 1 {
		n = 1
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.concurrency = n
	q.admitLocked()
}

// SetDefaultTimeout changes the timeout applied at dispatch to jobs without an override.
func (q *Queue[K, T, R]) SetDefaultTimeout(d time.Duration) {
	if d < 0 {
		d = 0
	}
	q.mu.Lock()
	q.defaultTimeout = d
	q.mu.Unlock()
}

// Activity returns copies of the running and queued payloads.
func (q *Queue[K, T, R]) Activity() Activity[T] {
	q.mu.Lock()
	defer q.mu.Unlock()

	running := make([]*job[K, T, R], 0, len(q.running))
	for _, j := range q.running {
		running = append(running, j)
	}
	sort.Slice(running, func(a, b int) bool { return running[a].seq < running[b].seq })

	act := Activity[T]{
		Running: make([]T, 0, len(running)),
		Queued:  make([]T, 0, len(q.queued)),
	}
	for _, j := range running {
		act.Running = append(act.Running, j.payload)
	}
	for _, j := range q.queued {
		act.Queued = append(act.Queued, j.payload)
	}
	return act
}

func (q *Queue[K, T, R]) IsRunning(key K) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.running[key]
	return ok
}

func (q *Queue[K, T, R]) IsQueued(key K) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, tracked := q.keys[key]
	_, running := q.running[key]
	return tracked && !running
}

func (q *Queue[K, T, R]) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Queued:         len(q.queued),
		Running:        len(q.running),
		Concurrency:    q.concurrency,
		DefaultTimeout: q.defaultTimeout,
		Active:         q.active,
		Closed:         q.closed,
		Subscribers:    q.bus.Len(),
	}
}

// WaitIdle blocks until nothing is queued or running, or ctx is done.
// A stopped queue with queued jobs is not idle.
func (q *Queue[K, T, R]) WaitIdle(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops dispatching, cancels every queued and running job (handles rejected
// with ErrCanceled joined with ErrClosed), waits for Run goroutines until ctx is done,
// and then closes the event stream after flushing it to subscribers.
func (q *Queue[K, T, R]) Close(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var zero R
	closedErr := canceledErr(ErrClosed)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return q.waitRuns(ctx)
	}
	q.closed = true
	q.active = false

	queued := q.queued
	q.queued = nil
	for _, j := range queued {
		delete(q.keys, j.key)
		j.handle.settle(zero, closedErr)
		q.emitLocked(StatusCanceled, j, zero, closedErr, 0)
	}

	running := make([]*job[K, T, R], 0, len(q.running))
	for _, j := range q.running {
		running = append(running, j)
	}
	sort.Slice(running, func(a, b int) bool { return running[a].seq < running[b].seq })

	var cancels []Canceler
	for _, j := range running {
		j.cancelRequested = true
		if c, ok := j.canceler(); ok {
			cancels = append(cancels, c)
		}
		q.finishLocked(j, StatusCanceled, zero, closedErr)
	}
	q.checkIdleLocked()
	q.mu.Unlock()

	for _, c := range cancels {
		c.Cancel()
	}
	q.log.Info("queue.closed", logx.Int("canceled_queued", len(queued)), logx.Int("canceled_running", len(running)))

	err := q.waitRuns(ctx)
	q.bus.Close()
	if q.ownSup {
		q.sup.Cancel()
	}
	return err
}

func (q *Queue[K, T, R]) waitRuns(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		q.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// admitLocked moves jobs from the head of queued into running while capacity allows.
// It fills every free slot in one pass.
func (q *Queue[K, T, R]) admitLocked() {
	for q.active && !q.closed && len(q.running) < q.concurrency && len(q.queued) > 0 {
		j := q.queued[0]
		q.queued[0] = nil
		q.queued = q.queued[1:]
		q.dispatchLocked(j)
	}
}

func (q *Queue[K, T, R]) dispatchLocked(j *job[K, T, R]) {
	var zero R
	timeout := j.effectiveTimeout(q.defaultTimeout)
	ctx, cancel := context.WithCancel(q.sup.Context())
	j.cancelRun = cancel
	j.startedAt = time.Now()
	q.running[j.key] = j

	q.emitLocked(StatusInProgress, j, zero, nil, 0)
	q.log.Debug("job.started",
		logx.Any("key", j.key),
		logx.Duration("queue_delay", j.startedAt.Sub(j.enqueuedAt)),
		logx.Duration("timeout", timeout),
		logx.Int("running", len(q.running)),
	)

	if timeout > 0 {
		j.timer = time.AfterFunc(timeout, func() { q.expire(j, timeout) })
	}

	q.runs.Add(1)
	q.sup.Go("queue.job", func(context.Context) error {
		res, err := j.payload.Run(ctx)
		q.settle(j, res, err)
		return nil
	},
		supervisor.Quiet(),
		supervisor.Isolated(),
		supervisor.OnExit(func(err error) {
			defer q.runs.Done()
			var pe *supervisor.PanicError
			if errors.As(err, &pe) {
				q.settle(j, zero, &PanicError{Value: pe.Value, Stack: pe.Stack})
			}
		}),
	)
}

// settle handles Run returning. Membership in running is the only guard: a job that
// already left (timeout, detached cancel, Close) is a stale settlement and is dropped.
func (q *Queue[K, T, R]) settle(j *job[K, T, R], res R, err error) {
	q.mu.Lock()
	if q.running[j.key] != j {
		q.mu.Unlock()
		if q.staleLog.Allow("stale") {
			q.log.Debug("job.stale_settlement", logx.Any("key", j.key), logx.Err(err))
		}
		return
	}

	status := StatusFinished
	if err != nil && IsCanceled(err) {
		status = StatusCanceled
		err = canceledErr(err)
	}
	elapsed := q.finishLocked(j, status, res, err)
	q.mu.Unlock()

	switch {
	case status == StatusCanceled:
		q.log.Info("job.canceled", logx.Any("key", j.key), logx.Duration("dur", elapsed))
	case err != nil:
		q.log.Warn("job.failed", logx.Any("key", j.key), logx.Err(err), logx.Duration("dur", elapsed))
	case elapsed >= slowJobThreshold:
		q.log.Info("job.finished", logx.Any("key", j.key), logx.Duration("dur", elapsed))
	default:
		q.log.Debug("job.finished", logx.Any("key", j.key), logx.Duration("dur", elapsed))
	}
}

// expire is the timer callback.
func (q *Queue[K, T, R]) expire(j *job[K, T, R], timeout time.Duration) {
	var zero R
	q.mu.Lock()
	if q.running[j.key] != j {
		q.mu.Unlock()
		return
	}
	j.timer = nil
	elapsed := q.finishLocked(j, StatusTimedOut, zero, ErrTimedOut)
	q.mu.Unlock()

	q.log.Warn("job.timed_out", logx.Any("key", j.key), logx.Duration("timeout", timeout), logx.Duration("dur", elapsed))
}

// finishLocked is the single terminal transition for running jobs: it releases the
// timer and context, settles the handle, emits the terminal event and refills slots.
func (q *Queue[K, T, R]) finishLocked(j *job[K, T, R], status Status, res R, err error) time.Duration {
	if err != nil {
		var zero R
		res = zero
	}
	delete(q.running, j.key)
	delete(q.keys, j.key)
	j.release()

	elapsed := time.Since(j.startedAt)
	j.handle.settle(res, err)
	q.emitLocked(status, j, res, err, elapsed)

	q.admitLocked()
	q.checkIdleLocked()
	return elapsed
}

func (q *Queue[K, T, R]) emitLocked(status Status, j *job[K, T, R], res R, err error, elapsed time.Duration) {
	q.bus.Publish(Event[K, T, R]{
		Status:  status,
		Key:     j.key,
		Payload: j.payload,
		Result:  res,
		Err:     err,
		Time:    time.Now(),
		Elapsed: elapsed,
		Queued:  len(q.queued),
		Running: len(q.running),
	})
}

func (q *Queue[K, T, R]) markBusyLocked() {
	select {
	case <-q.idle:
		q.idle = make(chan struct{})
	default:
	}
}

func (q *Queue[K, T, R]) checkIdleLocked() {
	if len(q.queued) > 0 || len(q.running) > 0 {
		return
	}
	select {
	case <-q.idle:
	default:
		close(q.idle)
		q.log.Debug("queue.drained")
	}
}
