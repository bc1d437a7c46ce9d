package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"taskq/internal/config"
	"taskq/internal/queue"
)

// ErrSimulated is the work failure of a SimJob configured to fail.
var ErrSimulated = errors.New("something bad has happened")

// SimJob is the payload the daemon schedules. It sleeps for Work and returns a
// greeting, or fails after FailAfter when that comes first. It watches its context
// and has no abort path of its own, so cancelling it while running detaches it.
type SimJob struct {
	Name      string        `json:"name"`
	Work      time.Duration `json:"work"`
	FailAfter time.Duration `json:"fail_after,omitempty"`
	// Trigger names the trigger that submitted the job, if any.
	Trigger string `json:"trigger,omitempty"`
}

func (j *SimJob) Run(ctx context.Context) (string, error) {
	d, fail := j.Work, false
	if j.FailAfter > 0 && (d <= 0 || j.FailAfter < d) {
		d, fail = j.FailAfter, true
	}
	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-t.C:
		}
	}
	if fail {
		return "", fmt.Errorf("job [%s]: %w", j.Name, ErrSimulated)
	}
	return fmt.Sprintf("job [%s] done", j.Name), nil
}

func jobKey(j *SimJob) string { return j.Name }

// JobQueue is the queue the daemon runs.
type JobQueue = queue.Queue[string, *SimJob, string]

// JobEvent is a lifecycle event of JobQueue.
type JobEvent = queue.Event[string, *SimJob, string]

// submitRequest is the body of POST /jobs. Durations are Go duration strings.
//
//	{"name": "backup", "work": "2s", "timeout": "1s"}
type submitRequest struct {
	Name      string `json:"name"`
	Work      string `json:"work"`
	FailAfter string `json:"fail_after,omitempty"`
	Timeout   string `json:"timeout,omitempty"`
}

// decodeSubmit parses a submit body into a job and its submit options.
// A missing name gets a generated "api-<uuid>" key.
func decodeSubmit(body []byte) (*SimJob, []queue.SubmitOption, error) {
	var req submitRequest
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return nil, nil, fmt.Errorf("decode job: %w", err)
	}

	var errs []error
	job := &SimJob{Name: strings.TrimSpace(req.Name)}
	if job.Name == "" {
		job.Name = "api-" + uuid.NewString()
	}
	var err error
	if job.Work, err = config.ParseDurationField("work", req.Work); err != nil {
		errs = append(errs, err)
	}
	if job.FailAfter, err = config.ParseDurationField("fail_after", req.FailAfter); err != nil {
		errs = append(errs, err)
	}
	var opts []queue.SubmitOption
	if strings.TrimSpace(req.Timeout) != "" {
		to, err := config.ParseDurationField("timeout", req.Timeout)
		if err != nil {
			errs = append(errs, err)
		}
		opts = append(opts, queue.WithTimeout(to))
	}
	if len(errs) > 0 {
		return nil, nil, errors.Join(errs...)
	}
	return job, opts, nil
}
