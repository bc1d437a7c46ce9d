package queue

import (
	"fmt"
	"strings"
	"time"
)

// Status is a job's lifecycle state.
//
//	Queued -> InProgress -> {Finished | Canceled | TimedOut}
//	Queued -> Canceled
//
// Terminal states are absorbing.
type Status int

const (
	StatusQueued Status = iota
	StatusInProgress
	StatusFinished
	StatusCanceled
	StatusTimedOut
)

var statusNames = [...]string{
	StatusQueued:     "queued",
	StatusInProgress: "in_progress",
	StatusFinished:   "finished",
	StatusCanceled:   "canceled",
	StatusTimedOut:   "timed_out",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("status(%d)", int(s))
	}
	return statusNames[s]
}

// Terminal reports whether s ends a job's lifecycle.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusCanceled || s == StatusTimedOut
}

func (s Status) MarshalText() ([]byte, error) {
	if s < 0 || int(s) >= len(statusNames) {
		return nil, fmt.Errorf("queue: invalid status %d", int(s))
	}
	return []byte(statusNames[s]), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	raw := strings.ToLower(strings.TrimSpace(string(b)))
	for i, name := range statusNames {
		if name == raw {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("queue: unknown status %q", raw)
}

// Event is one lifecycle transition of a job.
//
// Result is set only for a successful FINISHED. Err carries the work failure for a
// failed FINISHED, ErrCanceled for CANCELED and ErrTimedOut for TIMEDOUT.
type Event[K comparable, T any, R any] struct {
	Status  Status
	Key     K
	Payload T
	Result  R
	Err     error
	Time    time.Time

	// Elapsed is the time spent running; zero for QUEUED, IN_PROGRESS and queue-side cancels.
	Elapsed time.Duration

	// Queue occupancy right after the transition.
	Queued  int
	Running int
}
