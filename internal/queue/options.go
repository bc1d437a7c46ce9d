package queue

import (
	"time"

	"taskq/internal/runtime/supervisor"
	logx "taskq/pkg/logx"
)

type config struct {
	concurrency    int
	defaultTimeout time.Duration
	autostart      bool
	eventBuffer    int
	log            logx.Logger
	sup            *supervisor.Supervisor
}

func defaultConfig() config {
	return config{
		concurrency: 1,
		autostart:   true,
		eventBuffer: 64,
	}
}

// Option configures a Queue.
type Option func(*config)

// WithConcurrency caps simultaneously running jobs. Values below 1 mean 1.
func WithConcurrency(n int) Option { return func(c *config) { c.concurrency = n } }

// WithDefaultTimeout applies to jobs submitted without WithTimeout. 0 disables it.
func WithDefaultTimeout(d time.Duration) Option {
	return func(c *config) { c.defaultTimeout = d }
}

// WithAutostart controls whether the queue dispatches right away (default true).
// With autostart off, nothing runs until Start.
func WithAutostart(enabled bool) Option { return func(c *config) { c.autostart = enabled } }

// WithEventBuffer sizes the default channel buffer of Subscribe.
func WithEventBuffer(n int) Option { return func(c *config) { c.eventBuffer = n } }

func WithLogger(log logx.Logger) Option { return func(c *config) { c.log = log } }

// WithSupervisor runs job goroutines under sup instead of a private supervisor.
// Job contexts derive from sup's context.
func WithSupervisor(sup *supervisor.Supervisor) Option { return func(c *config) { c.sup = sup } }

// SubmitOption configures one submission.
type SubmitOption func(*submitConfig)

type submitConfig struct {
	timeout *time.Duration
}

// WithTimeout overrides the queue default for this job. 0 means no timeout.
func WithTimeout(d time.Duration) SubmitOption {
	return func(c *submitConfig) { c.timeout = &d }
}
