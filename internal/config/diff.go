package config

import (
	"reflect"
	"sort"
	"strings"

	logx "taskq/pkg/logx"
)

// SummarizeChange returns the changed top-level sections and compact log attrs
// describing the new values.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Queue, newCfg.Queue) {
		changed = append(changed, "queue")
		autostart := newCfg.Queue.Autostart == nil || *newCfg.Queue.Autostart
		attrs = append(attrs,
			logx.Int("queue.concurrency", newCfg.Queue.Concurrency),
			logx.String("queue.default_timeout", strings.TrimSpace(newCfg.Queue.DefaultTimeout)),
			logx.Bool("queue.autostart", autostart),
		)
	}

	var oJ, nJ JournalConfig
	if oldCfg.Journal != nil {
		oJ = *oldCfg.Journal
	}
	if newCfg.Journal != nil {
		nJ = *newCfg.Journal
	}
	if oJ != nJ {
		changed = append(changed, "journal")
		attrs = append(attrs,
			logx.String("journal.driver", strings.TrimSpace(nJ.Driver)),
			logx.Bool("journal.path_set", strings.TrimSpace(nJ.Path) != ""),
		)
	}

	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
			logx.Bool("http.pprof", newCfg.HTTP.Pprof),
		)
	}

	if !reflect.DeepEqual(oldCfg.Triggers, newCfg.Triggers) {
		changed = append(changed, "triggers")
		attrs = append(attrs, logx.Int("triggers.count", len(newCfg.Triggers)))
	}

	if oldCfg.Demo != newCfg.Demo {
		changed = append(changed, "demo")
	}

	sort.Strings(changed)
	return changed, attrs
}

// Only reports whether every changed section is in allowed. The daemon uses it to
// tell hot-reloadable edits from ones that need a restart.
func Only(changed []string, allowed ...string) bool {
	for _, c := range changed {
		ok := false
		for _, a := range allowed {
			if c == a {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}
