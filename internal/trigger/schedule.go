package trigger

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Kind is the normalized kind of a schedule string.
type Kind int

const (
	KindCron Kind = iota
	KindInterval
)

func (k Kind) String() string {
	if k == KindInterval {
		return "interval"
	}
	return "cron"
}

// Schedule is a parsed schedule string.
//
// Supported forms:
//   - Cron: "*/5 * * * *", "0 */10 * * * *" (seconds), "@hourly", "@every 55m"
//   - Interval duration: "55m", "2h30m"
//   - Interval HH:MM: "00:50" (every 50 minutes), "02:30" (every 2h30m)
//   - Daily wall clock: "daily:07:30"
//
// Prefixes "cron:", "interval:" and "every:" force the kind.
type Schedule struct {
	Kind  Kind
	Cron  string
	Every time.Duration
	// Source is "cron", "daily", "duration" or "hhmm".
	Source string
}

// Spec returns the expression registered with cron.
func (s Schedule) Spec() string {
	if s.Kind == KindInterval {
		return "@every " + s.Every.String()
	}
	return s.Cron
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseSchedule parses raw into a cron expression or an interval. Cron syntax is
// checked later, when the schedule is registered.
func ParseSchedule(raw string) (Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Schedule{}, fmt.Errorf("schedule required")
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return Schedule{}, fmt.Errorf("cron schedule required after 'cron:'")
		}
		return Schedule{Kind: KindCron, Cron: expr, Source: "cron"}, nil
	case strings.HasPrefix(low, "daily:"):
		return parseDaily(strings.TrimSpace(s[len("daily:"):]))
	case strings.HasPrefix(low, "interval:"):
		return parseInterval(s[len("interval:"):])
	case strings.HasPrefix(low, "every:"):
		return parseInterval(s[len("every:"):])
	}

	// whitespace or a descriptor means cron
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return Schedule{Kind: KindCron, Cron: s, Source: "cron"}, nil
	}
	if sc, err := parseInterval(s); err == nil {
		return sc, nil
	}
	return Schedule{}, fmt.Errorf(
		"invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '02:30', daily:HH:MM, or a duration like '55m')",
		raw,
	)
}

func parseInterval(v string) (Schedule, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return Schedule{}, fmt.Errorf("interval required")
	}
	if reHHMM.MatchString(v) {
		h, m, err := splitHHMM(v)
		if err != nil {
			return Schedule{}, err
		}
		d := time.Duration(h)*time.Hour + time.Duration(m)*time.Minute
		if d <= 0 {
			return Schedule{}, fmt.Errorf("interval must be > 0")
		}
		return Schedule{Kind: KindInterval, Every: d, Source: "hhmm"}, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid interval %q (use HH:MM or a Go duration like '55m')", v)
	}
	if d <= 0 {
		return Schedule{}, fmt.Errorf("interval must be > 0")
	}
	return Schedule{Kind: KindInterval, Every: d, Source: "duration"}, nil
}

func parseDaily(v string) (Schedule, error) {
	h, m, err := splitHHMM(v)
	if err != nil {
		return Schedule{}, err
	}
	if h > 23 {
		return Schedule{}, fmt.Errorf("invalid hour in %q", v)
	}
	return Schedule{Kind: KindCron, Cron: fmt.Sprintf("%d %d * * *", m, h), Source: "daily"}, nil
}

func splitHHMM(v string) (int, int, error) {
	sub := reHHMM.FindStringSubmatch(v)
	if len(sub) != 3 {
		return 0, 0, fmt.Errorf("invalid HH:MM %q", v)
	}
	h, _ := strconv.Atoi(sub[1])
	m, _ := strconv.Atoi(sub[2])
	if m > 59 {
		return 0, 0, fmt.Errorf("invalid minutes in %q", v)
	}
	return h, m, nil
}
