package logx

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttle gates repetitive log lines per key.
//
// Each key gets its own token bucket refilled once per interval with the given burst.
// The zero value is not usable; create one with NewThrottle.
type Throttle struct {
	every time.Duration
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

const maxThrottleKeys = 1024

func NewThrottle(every time.Duration, burst int) *Throttle {
	if every <= 0 {
		every = 5 * time.Second
	}
	if burst <= 0 {
		burst = 1
	}
	return &Throttle{every: every, burst: burst, limiters: map[string]*rate.Limiter{}}
}

// Allow reports whether a line for key may be written now.
// A nil Throttle allows everything.
func (t *Throttle) Allow(key string) bool {
	if t == nil {
		return true
	}
	t.mu.Lock()
	lim := t.limiters[key]
	if lim == nil {
		if len(t.limiters) >= maxThrottleKeys {
			t.limiters = map[string]*rate.Limiter{}
		}
		lim = rate.NewLimiter(rate.Every(t.every), t.burst)
		t.limiters[key] = lim
	}
	t.mu.Unlock()
	return lim.Allow()
}
