package app

import (
	"context"
	"strings"
	"time"

	"taskq/internal/config"
	logx "taskq/pkg/logx"
)

// hotSections can be applied without a restart.
var hotSections = []string{"logging", "queue", "http", "triggers"}

// reloadLoop applies published configs until ctx is done.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	// Track last applied config to generate a safe diff summary for logx.
	lastApplied := a.cfg
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			if newCfg == nil {
				continue
			}
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// applyConfig moves the running daemon from oldCfg to newCfg.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	res, err := config.Resolve(newCfg)
	if err != nil {
		// The manager validates before publishing, so this only guards direct callers.
		a.log.Warn("invalid config; keeping previous", logx.Err(err))
		return
	}
	res = a.effective(newCfg, res)

	if !config.Only(sections, hotSections...) {
		a.log.Warn("journal or demo config changed; restart required for changes to take effect")
	}

	for _, s := range sections {
		switch s {
		case "logging":
			if a.logs != nil {
				a.logs.Apply(logConfig(newCfg.Logging))
			}
		case "queue":
			if res.Concurrency != a.res.Concurrency {
				a.q.SetConcurrency(res.Concurrency)
			}
			if res.DefaultTimeout != a.res.DefaultTimeout {
				a.q.SetDefaultTimeout(res.DefaultTimeout)
			}
			if res.Autostart != a.res.Autostart {
				a.log.Info("queue.autostart only applies at startup; use POST /start or /stop")
			}
		case "http":
			a.applyHTTP(ctx, newCfg.HTTP.Enabled, res.HTTPAddr)
		case "triggers":
			if err := a.applyTriggers(res.Triggers); err != nil {
				a.log.Warn("trigger update failed", logx.Err(err))
			}
		}
	}

	a.cfg = newCfg
	a.res = res
	a.log.Info("config reloaded", fields...)
}

func (a *App) applyHTTP(ctx context.Context, enabled bool, addr string) {
	// Shutdown waits for SSE clients; bound it.
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if !enabled {
		a.http.Stop(ctx)
		return
	}
	if err := a.http.Start(ctx, addr, a.handler); err != nil {
		a.log.Warn("http restart failed", logx.String("addr", addr), logx.Err(err))
	}
}
