package app

import (
	"context"
	"fmt"

	"taskq/internal/queue"
	logx "taskq/pkg/logx"
)

// describeEvent renders the human readable line for a lifecycle event.
func describeEvent(ev JobEvent) string {
	switch ev.Status {
	case queue.StatusQueued:
		return fmt.Sprintf("job [%s] was queued.", ev.Key)
	case queue.StatusInProgress:
		return fmt.Sprintf("job [%s] started.", ev.Key)
	case queue.StatusFinished:
		if ev.Err != nil {
			return fmt.Sprintf("job [%s] failed with error [%v].", ev.Key, ev.Err)
		}
		return fmt.Sprintf("job [%s] completed with result [%s].", ev.Key, ev.Result)
	case queue.StatusCanceled:
		return fmt.Sprintf("job [%s] was canceled.", ev.Key)
	case queue.StatusTimedOut:
		return fmt.Sprintf("job [%s] timed out.", ev.Key)
	default:
		return fmt.Sprintf("job [%s] is %s.", ev.Key, ev.Status)
	}
}

// logEvents writes one line per lifecycle event until the stream closes.
func logEvents(ctx context.Context, log logx.Logger, events <-chan JobEvent) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			fields := []logx.Field{
				logx.String("key", ev.Key),
				logx.String("status", ev.Status.String()),
				logx.Int("queued", ev.Queued),
				logx.Int("running", ev.Running),
			}
			if ev.Elapsed > 0 {
				fields = append(fields, logx.Duration("elapsed", ev.Elapsed))
			}
			if ev.Status == queue.StatusFinished && ev.Err != nil {
				log.Warn(describeEvent(ev), fields...)
				continue
			}
			log.Info(describeEvent(ev), fields...)
		}
	}
}
