package config

import (
	"time"
)

// Config is the on-disk configuration of the taskq daemon.
//
// Every section is optional; Resolve fills in defaults. Durations are Go duration
// strings ("500ms", "3s", "1m").
type Config struct {
	Logging  LoggingConfig   `json:"logging"`
	Queue    QueueConfig     `json:"queue"`
	Journal  *JournalConfig  `json:"journal,omitempty"`
	HTTP     HTTPConfig      `json:"http"`
	Triggers []TriggerConfig `json:"triggers,omitempty"`
	Demo     DemoConfig      `json:"demo"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// QueueConfig controls the job queue.
//
// Autostart is a pointer so an omitted key (default true) differs from an explicit false.
//
// Defaults:
//   - concurrency: 1
//   - default_timeout: "0s" (disabled)
//   - autostart: true
//   - event_buffer: 64
type QueueConfig struct {
	Concurrency    int    `json:"concurrency,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	Autostart      *bool  `json:"autostart,omitempty"`
	EventBuffer    int    `json:"event_buffer,omitempty"`
}

// JournalConfig controls the optional history of finished jobs.
//
// Example:
//
//	"journal": { "driver": "sqlite", "path": "./taskq.db", "busy_timeout": "5s" }
type JournalConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// HTTPConfig controls the control API. Prefer binding to localhost.
type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8089"
	// Pprof mounts the runtime profiler under /debug. Read at startup only.
	Pprof bool `json:"pprof,omitempty"`
}

// TriggerConfig submits a simulated job on a schedule.
//
// Schedule accepts cron ("*/5 * * * *", "cron:@hourly"), intervals ("10m",
// "interval:45s", "02:30" meaning every 2h30m) and daily wall clock times ("daily:07:30").
type TriggerConfig struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule"`
	// Work is how long the simulated job runs.
	Work string `json:"work"`
	// Timeout overrides the queue default for the submitted jobs; omit to inherit it.
	Timeout string `json:"timeout,omitempty"`
	Fail    bool   `json:"fail,omitempty"`
}

// DemoConfig enables the built-in six job scenario.
type DemoConfig struct {
	Enabled bool `json:"enabled"`
	// Speed divides every demo duration; 1 runs it in real time.
	Speed float64 `json:"speed,omitempty"`
}

// Resolved is Config with defaults applied and durations parsed.
type Resolved struct {
	Concurrency    int
	DefaultTimeout time.Duration
	Autostart      bool
	EventBuffer    int
	HTTPAddr       string
	BusyTimeout    time.Duration
	Triggers       []ResolvedTrigger
	DemoSpeed      float64
}

type ResolvedTrigger struct {
	Name     string
	Schedule string
	Work     time.Duration
	// Timeout is nil when the trigger inherits the queue default.
	Timeout *time.Duration
	Fail    bool
}

const (
	DefaultHTTPAddr    = "127.0.0.1:8089"
	DefaultEventBuffer = 64
	DefaultBusyTimeout = 5 * time.Second
)
