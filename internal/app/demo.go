package app

import (
	"context"
	"time"

	"taskq/internal/queue"
	logx "taskq/pkg/logx"
)

const (
	demoConcurrency = 2
	demoTimeout     = 3 * time.Second
	demoCancelAfter = 1500 * time.Millisecond
)

// demoJobs is the six job scenario: A..F submitted in order, F canceled while still
// queued and B canceled once running.
func demoJobs(speed float64) []*SimJob {
	return []*SimJob{
		{Name: "A", Work: scale(1000*time.Millisecond, speed)},
		{Name: "B", Work: scale(4000*time.Millisecond, speed)},
		{Name: "C", Work: scale(1500*time.Millisecond, speed), FailAfter: scale(100*time.Millisecond, speed)},
		{Name: "D", Work: scale(5000*time.Millisecond, speed)},
		{Name: "E", Work: scale(2500*time.Millisecond, speed)},
		{Name: "F", Work: scale(4000*time.Millisecond, speed)},
	}
}

// scale divides d by speed; speed <= 0 leaves d unchanged.
func scale(d time.Duration, speed float64) time.Duration {
	if speed <= 0 || speed == 1 {
		return d
	}
	return time.Duration(float64(d) / speed)
}

// runDemo submits the scenario, applies its cancellations and waits for the queue to drain.
func (a *App) runDemo(ctx context.Context) error {
	speed := a.res.DemoSpeed
	log := a.log.With(logx.String("comp", "demo"))
	log.Info("demo started", logx.Any("speed", speed), logx.Int("concurrency", a.res.Concurrency))

	handles := make(map[string]*queue.Handle[string], 6)
	for _, j := range demoJobs(speed) {
		handles[j.Name] = a.q.Submit(j)
	}
	if _, ok := a.q.Cancel("F"); !ok {
		log.Warn("demo cancel had no effect", logx.String("key", "F"))
	}

	t := time.NewTimer(scale(demoCancelAfter, speed))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil
	case <-t.C:
	}
	if _, ok := a.q.Cancel("B"); !ok {
		log.Warn("demo cancel had no effect", logx.String("key", "B"))
	}

	if err := a.q.WaitIdle(ctx); err != nil {
		return nil
	}
	for _, name := range []string{"A", "B", "C", "D", "E", "F"} {
		v, err := handles[name].Result()
		if err != nil {
			log.Info("demo outcome", logx.String("key", name), logx.Err(err))
			continue
		}
		log.Info("demo outcome", logx.String("key", name), logx.String("result", v))
	}
	log.Info("demo finished")
	return nil
}
