package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"taskq/internal/api"
	"taskq/internal/config"
	"taskq/internal/journal"
	"taskq/internal/observability"
	"taskq/internal/queue"
	"taskq/internal/runtime/supervisor"
	"taskq/internal/trigger"
	logx "taskq/pkg/logx"
)

// Options are the command line overrides of the daemon.
type Options struct {
	// ConfigPath is optional; without it the daemon runs on defaults and nothing is watched.
	ConfigPath string
	// Concurrency > 0 overrides queue.concurrency.
	Concurrency int
	// Demo runs the built-in scenario regardless of demo.enabled.
	Demo bool
	// Logger replaces the configured logging service.
	Logger logx.Logger
}

type App struct {
	opts Options

	cfgm *config.Manager
	cfg  *config.Config
	res  config.Resolved

	log  logx.Logger
	logs *logx.Service
	sup  *supervisor.Supervisor

	q        *JobQueue
	store    journal.Store
	triggers *trigger.Service
	obs      *observability.Recorder[string, *SimJob, string]
	http     *api.Server
	handler  http.Handler

	// demoDone is closed when the demo scenario has drained; nil when the demo is off.
	demoDone chan struct{}

	mu        sync.Mutex
	trigNames map[string]struct{}
}

func NewApp(opts Options) (*App, error) {
	var cfgm *config.Manager
	cfg := &config.Config{}
	if path := strings.TrimSpace(opts.ConfigPath); path != "" {
		cfgm = config.NewManager(path)
		loaded, err := cfgm.Load()
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	res, err := config.Resolve(cfg)
	if err != nil {
		return nil, err
	}

	a := &App{
		opts:      opts,
		cfgm:      cfgm,
		cfg:       cfg,
		trigNames: map[string]struct{}{},
	}
	a.res = a.effective(cfg, res)

	if opts.Logger.IsZero() {
		a.logs, a.log = logx.New(logConfig(cfg.Logging))
	} else {
		a.log = opts.Logger
	}
	a.log = a.log.With(logx.String("comp", "app"))

	// Journal (optional)
	if j := cfg.Journal; j != nil {
		store, err := journal.Open(journal.Config{
			Driver:      j.Driver,
			Path:        j.Path,
			BusyTimeout: a.res.BusyTimeout,
		}, a.log)
		if err != nil {
			a.closeLogs()
			return nil, err
		}
		if store != nil {
			a.store = store
			a.log.Info("journal enabled", logx.String("driver", j.Driver))
		}
	}

	a.triggers = trigger.New(trigger.WithLogger(a.log.With(logx.String("comp", "trigger"))))
	if err := a.applyTriggers(a.res.Triggers); err != nil {
		if a.store != nil {
			_ = a.store.Close()
		}
		a.closeLogs()
		return nil, err
	}

	a.obs = observability.New[string, *SimJob, string]()
	if a.demoEnabled() {
		a.demoDone = make(chan struct{})
	}
	return a, nil
}

// effective applies demo defaults and command line overrides to res.
func (a *App) effective(cfg *config.Config, res config.Resolved) config.Resolved {
	if a.opts.Demo || cfg.Demo.Enabled {
		if cfg.Queue.Concurrency == 0 {
			res.Concurrency = demoConcurrency
		}
		if strings.TrimSpace(cfg.Queue.DefaultTimeout) == "" {
			res.DefaultTimeout = scale(demoTimeout, res.DemoSpeed)
		}
	}
	if a.opts.Concurrency > 0 {
		res.Concurrency = a.opts.Concurrency
	}
	return res
}

func (a *App) demoEnabled() bool { return a.opts.Demo || a.cfg.Demo.Enabled }

func logConfig(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File: logx.FileConfig{
			Enabled: c.File.Enabled,
			Path:    c.File.Path,
		},
	}
}

// Queue returns the running queue; nil before Start.
func (a *App) Queue() *JobQueue { return a.q }

// HTTPAddr is the bound address of the control API, or "" when it is off.
func (a *App) HTTPAddr() string {
	if a.http == nil {
		return ""
	}
	return a.http.Addr()
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// DemoDone is closed once the demo scenario has drained. It is nil (blocks forever)
// when the demo is off.
func (a *App) DemoDone() <-chan struct{} {
	if a.demoDone == nil {
		return nil
	}
	return a.demoDone
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.q = queue.New[string, *SimJob, string](jobKey,
		queue.WithConcurrency(a.res.Concurrency),
		queue.WithDefaultTimeout(a.res.DefaultTimeout),
		queue.WithAutostart(a.res.Autostart),
		queue.WithEventBuffer(a.res.EventBuffer),
		queue.WithLogger(a.log.With(logx.String("comp", "queue"))),
		queue.WithSupervisor(a.sup),
	)

	// Every consumer subscribes before the first submission so none misses an event.
	events, unsub := a.q.Subscribe(a.res.EventBuffer)
	a.sup.Go("queue.events", func(c context.Context) error {
		defer unsub()
		return logEvents(c, a.log.With(logx.String("comp", "jobs")), events)
	})

	obsEvents, obsUnsub := a.q.Subscribe(a.res.EventBuffer)
	a.sup.Go("otel.record", func(c context.Context) error {
		defer obsUnsub()
		return a.obs.Run(c, obsEvents)
	})

	if a.store != nil {
		rec := journal.NewRecorder[string, *SimJob, string](a.store, a.log.With(logx.String("comp", "journal")))
		jEvents, jUnsub := a.q.Subscribe(a.res.EventBuffer)
		a.sup.Go("journal.record", func(c context.Context) error {
			defer jUnsub()
			return rec.Run(c, jEvents)
		})
	}

	opts := api.Options{
		Log:      a.log,
		Submit:   a.submitHTTP,
		Triggers: a.triggers,
		Profiler: a.cfg.HTTP.Pprof,
	}
	if a.store != nil {
		opts.History = a.store
	}
	a.handler = api.NewHandler[*SimJob, string](a.q, opts)
	a.http = api.NewServer(a.sup, a.log)
	if a.cfg.HTTP.Enabled {
		if err := a.http.Start(a.sup.Context(), a.res.HTTPAddr, a.handler); err != nil {
			_ = a.q.Close(context.Background())
			a.sup.Cancel()
			return fmt.Errorf("http: %w", err)
		}
	}

	a.triggers.Start(a.sup.Context())

	// transactional config reload: validate before commit/publish
	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
		a.cfgm.SetValidator(a.validate)

		sub := a.cfgm.Subscribe(8)
		a.sup.Go("config.reload", func(c context.Context) error {
			defer a.cfgm.Unsubscribe(sub)
			a.reloadLoop(c, sub)
			return nil
		})
		a.sup.Go("config.watch", func(c context.Context) error {
			return a.cfgm.Watch(c)
		})
	}

	if a.demoDone != nil {
		a.sup.Go("demo", func(c context.Context) error {
			defer close(a.demoDone)
			return a.runDemo(c)
		})
	}

	a.log.Info("app started",
		logx.Int("concurrency", a.res.Concurrency),
		logx.Duration("default_timeout", a.res.DefaultTimeout),
		logx.Bool("autostart", a.res.Autostart),
		logx.Int("triggers", len(a.res.Triggers)),
	)
	return nil
}

// validate rejects configs the daemon could not apply, including trigger schedules.
func (a *App) validate(_ context.Context, cfg *config.Config) error {
	res, err := config.Resolve(cfg)
	if err != nil {
		return err
	}
	var errs []error
	for _, t := range res.Triggers {
		if err := a.triggers.Validate(t.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("trigger %q: %w", t.Name, err))
		}
	}
	return errors.Join(errs...)
}

// submitHTTP is the POST /jobs handler body.
func (a *App) submitHTTP(_ context.Context, body []byte) (string, error) {
	job, opts, err := decodeSubmit(body)
	if err != nil {
		return "", err
	}
	h := a.q.Submit(job, opts...)
	// Rejections settle the handle before Submit returns; a fast job may too.
	if h.Settled() {
		if _, err := h.Result(); errors.Is(err, queue.ErrDuplicateKey) || errors.Is(err, queue.ErrClosed) {
			return "", err
		}
	}
	return job.Name, nil
}

// applyTriggers registers ts and removes triggers that are no longer configured.
func (a *App) applyTriggers(ts []config.ResolvedTrigger) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	next := make(map[string]struct{}, len(ts))
	var errs []error
	for _, t := range ts {
		if err := a.triggers.Add(t.Name, t.Schedule, a.triggerFunc(t)); err != nil {
			errs = append(errs, fmt.Errorf("trigger %q: %w", t.Name, err))
			continue
		}
		next[t.Name] = struct{}{}
	}
	for name := range a.trigNames {
		if _, ok := next[name]; !ok {
			a.triggers.Remove(name)
		}
	}
	a.trigNames = next
	return errors.Join(errs...)
}

// triggerFunc submits one SimJob per fire, keyed by the fire key.
func (a *App) triggerFunc(t config.ResolvedTrigger) trigger.Func {
	return func(_ context.Context, f trigger.Fire) {
		q := a.q
		if q == nil {
			return
		}
		job := &SimJob{Name: f.Key, Work: t.Work, Trigger: t.Name}
		if t.Fail {
			job.FailAfter = t.Work / 2
			if job.FailAfter <= 0 {
				job.FailAfter = time.Millisecond
			}
		}
		var opts []queue.SubmitOption
		if t.Timeout != nil {
			opts = append(opts, queue.WithTimeout(*t.Timeout))
		}
		q.Submit(job, opts...)
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if reason == "" {
		reason = StopUnknown
	}
	if a.sup == nil {
		if a.store != nil {
			_ = a.store.Close()
		}
		a.closeLogs()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// fn must honor stepCtx; a step that doesn't is reported when it finally returns.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Producers first, so nothing is submitted into a closing queue.
	step("triggers", 2*time.Second, func(c context.Context) error { a.triggers.Stop(c); return nil })
	step("http", 2*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })

	// Close cancels what is left and flushes the final events to the recorders.
	step("queue", 3*time.Second, func(c context.Context) error { return a.q.Close(c) })

	// Event consumers exit on the closed stream; config watch/reload and the demo need the cancel.
	step("supervisor", 2*time.Second, a.sup.Stop)

	step("journal", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped", logx.String("reason", string(reason)))
	a.closeLogs()
	return nil
}

func (a *App) closeLogs() {
	if a.logs != nil {
		_ = a.logs.Close()
	}
}
