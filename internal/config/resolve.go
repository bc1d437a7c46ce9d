package config

import (
	"errors"
	"fmt"
	"strings"
)

// Resolve validates cfg and applies defaults. A nil cfg resolves to the defaults.
// Trigger schedules are checked only for presence; their syntax belongs to the
// trigger package and is checked through the manager's validator.
func Resolve(cfg *Config) (Resolved, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	var errs []error
	out := Resolved{
		Concurrency: cfg.Queue.Concurrency,
		Autostart:   true,
		EventBuffer: cfg.Queue.EventBuffer,
		HTTPAddr:    strings.TrimSpace(cfg.HTTP.Addr),
		DemoSpeed:   cfg.Demo.Speed,
	}

	switch {
	case out.Concurrency < 0:
		errs = append(errs, errors.New("queue.concurrency: must be >= 0"))
	case out.Concurrency == 0:
		out.Concurrency = 1
	}
	switch {
	case out.EventBuffer < 0:
		errs = append(errs, errors.New("queue.event_buffer: must be >= 0"))
	case out.EventBuffer == 0:
		out.EventBuffer = DefaultEventBuffer
	}
	if cfg.Queue.Autostart != nil {
		out.Autostart = *cfg.Queue.Autostart
	}
	d, err := ParseDurationField("queue.default_timeout", cfg.Queue.DefaultTimeout)
	if err != nil {
		errs = append(errs, err)
	}
	out.DefaultTimeout = d

	if out.HTTPAddr == "" {
		out.HTTPAddr = DefaultHTTPAddr
	}

	out.BusyTimeout = DefaultBusyTimeout
	if j := cfg.Journal; j != nil {
		switch strings.ToLower(strings.TrimSpace(j.Driver)) {
		case "", "none":
		case "file", "sqlite":
			if strings.TrimSpace(j.Path) == "" {
				errs = append(errs, fmt.Errorf("journal.path: required for driver %q", j.Driver))
			}
		default:
			errs = append(errs, fmt.Errorf("journal.driver: unknown driver %q", j.Driver))
		}
		bt, err := ParseDurationOrDefault("journal.busy_timeout", j.BusyTimeout, DefaultBusyTimeout)
		if err != nil {
			errs = append(errs, err)
		}
		out.BusyTimeout = bt
	}

	if out.DemoSpeed < 0 {
		errs = append(errs, errors.New("demo.speed: must be >= 0"))
	} else if out.DemoSpeed == 0 {
		out.DemoSpeed = 1
	}

	seen := make(map[string]struct{}, len(cfg.Triggers))
	for i, tc := range cfg.Triggers {
		path := fmt.Sprintf("triggers[%d]", i)
		name := strings.TrimSpace(tc.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("%s.name: required", path))
		} else if _, dup := seen[name]; dup {
			errs = append(errs, fmt.Errorf("%s.name: duplicate trigger %q", path, name))
		}
		seen[name] = struct{}{}
		if strings.TrimSpace(tc.Schedule) == "" {
			errs = append(errs, fmt.Errorf("%s.schedule: required", path))
		}
		rt := ResolvedTrigger{Name: name, Schedule: strings.TrimSpace(tc.Schedule), Fail: tc.Fail}
		if rt.Work, err = ParseDurationField(path+".work", tc.Work); err != nil {
			errs = append(errs, err)
		}
		if strings.TrimSpace(tc.Timeout) != "" {
			to, err := ParseDurationField(path+".timeout", tc.Timeout)
			if err != nil {
				errs = append(errs, err)
			}
			rt.Timeout = &to
		}
		out.Triggers = append(out.Triggers, rt)
	}

	if len(errs) > 0 {
		return Resolved{}, errors.Join(errs...)
	}
	return out, nil
}
