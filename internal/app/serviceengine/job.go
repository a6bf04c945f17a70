// job.go adapts Engine.RunOnce into a jobrunner.Function for job.NameServiceIterate,
// the self-perpetuating periodic job spec §4.7 describes: each run reschedules
// its own successor rather than relying on an external ticker.
package serviceengine

import (
	"context"
	"time"

	"github.com/qcfractal/fractal-core/internal/domain/job"
)

// Rescheduler enqueues a follow-up job, matching jobrunner.Runner's Add
// signature. Kept as an interface so this package stays independent of
// jobrunner's import graph.
type Rescheduler interface {
	Add(ctx context.Context, j job.Job) (job.Job, error)
}

// IterateJob returns a jobrunner.Function that runs one Engine.RunOnce pass
// and reschedules itself after interval, keeping the service iteration loop
// alive for as long as the process runs.
func IterateJob(engine *Engine, scheduler Rescheduler, interval time.Duration) func(ctx context.Context, j job.Job) (map[string]any, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return func(ctx context.Context, j job.Job) (map[string]any, error) {
		processed, err := engine.RunOnce(ctx)
		if err != nil {
			return nil, err
		}
		_, _ = scheduler.Add(ctx, job.Job{
			Name:          job.NameServiceIterate,
			Function:      job.NameServiceIterate,
			ScheduledDate: time.Now().UTC().Add(interval),
			SerialGroup:   job.NameServiceIterate,
		})
		return map[string]any{"processed": processed}, nil
	}
}
