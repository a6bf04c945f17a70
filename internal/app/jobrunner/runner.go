// Package jobrunner implements the internal durable job queue (spec §4.7):
// add/claim/finish/progress against storage.JobStore, a function dispatch
// table keyed by job.Function, and a background poller that claims and runs
// jobs until none remain, waking early on a pgnotify hint when available.
// The poller skeleton is grounded on
// internal/app/services/automation/scheduler.go's Start/Stop/tick pattern;
// the claim loop itself lives in internal/app/storage/postgres/jobs.go.
package jobrunner

import (
	"context"
	"fmt"
	"sync"
	"time"

	core "github.com/qcfractal/fractal-core/internal/app/core/service"
	"github.com/qcfractal/fractal-core/internal/app/storage"
	"github.com/qcfractal/fractal-core/internal/app/system"
	"github.com/qcfractal/fractal-core/internal/domain/job"
	"github.com/qcfractal/fractal-core/pkg/logger"
	"github.com/qcfractal/fractal-core/pkg/pgnotify"
)

var _ system.Service = (*Runner)(nil)

// Function runs one job's payload to completion, returning its result (or an
// error, which records the job as job.StatusError).
type Function func(ctx context.Context, j job.Job) (map[string]any, error)

// Runner polls storage.JobStore, dispatching claimed jobs to their
// registered Function and writing back progress/results.
type Runner struct {
	store          storage.JobStore
	log            *logger.Logger
	pollInterval   time.Duration
	leaseDuration  time.Duration
	reaperInterval time.Duration
	hostname       string
	instanceUUID   string
	bus            *pgnotify.Bus
	wakeChannel    string

	mu        sync.Mutex
	functions map[string]Function
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   bool
}

// Config bundles the Runner's construction parameters.
type Config struct {
	Hostname       string
	InstanceUUID   string
	PollInterval   time.Duration
	LeaseDuration  time.Duration
	ReaperInterval time.Duration
	// Bus, if non-nil, lets the runner wake immediately when Add publishes
	// to WakeChannel instead of waiting out the next PollInterval tick.
	Bus         *pgnotify.Bus
	WakeChannel string
}

// New creates a Runner. It does not start polling until Start is called.
func New(store storage.JobStore, cfg Config, log *logger.Logger) *Runner {
	if log == nil {
		log = logger.NewDefault("job-runner")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 2 * time.Minute
	}
	if cfg.ReaperInterval <= 0 {
		cfg.ReaperInterval = 30 * time.Second
	}
	if cfg.WakeChannel == "" {
		cfg.WakeChannel = "fractal_jobs"
	}
	return &Runner{
		store:          store,
		log:            log,
		pollInterval:   cfg.PollInterval,
		leaseDuration:  cfg.LeaseDuration,
		reaperInterval: cfg.ReaperInterval,
		hostname:       cfg.Hostname,
		instanceUUID:   cfg.InstanceUUID,
		bus:            cfg.Bus,
		wakeChannel:    cfg.WakeChannel,
		functions:      make(map[string]Function),
	}
}

// Register associates a Function with a job.Function name. Re-registering
// the same name replaces the previous handler.
func (r *Runner) Register(name string, fn Function) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.functions[name] = fn
}

// Add enqueues a job and wakes any polling runners via pgnotify, if wired.
func (r *Runner) Add(ctx context.Context, j job.Job) (job.Job, error) {
	added, err := r.store.AddJob(ctx, j)
	if err != nil {
		return job.Job{}, err
	}
	if r.bus != nil {
		_ = r.bus.Publish(ctx, r.wakeChannel, map[string]any{"job_id": added.ID})
	}
	return added, nil
}

// Name returns the service identifier.
func (r *Runner) Name() string { return "job-runner" }

// Descriptor advertises the runner's architectural placement.
func (r *Runner) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         "job-runner",
		Domain:       "jobrunner",
		Layer:        core.LayerEngine,
		Capabilities: []string{"queue", "lease", "reap"},
	}
}

// Start begins polling for claimable jobs and (if a Bus was configured)
// subscribing to the wake channel for low-latency dispatch.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true
	r.mu.Unlock()

	wake := make(chan struct{}, 1)
	if r.bus != nil {
		if err := r.bus.Subscribe(r.wakeChannel, func(ctx context.Context, ev pgnotify.Event) error {
			select {
			case wake <- struct{}{}:
			default:
			}
			return nil
		}); err != nil {
			r.log.WithError(err).Warn("job runner: failed to subscribe to wake channel, falling back to polling only")
		}
	}

	r.wg.Add(2)
	go r.pollLoop(runCtx, wake)
	go r.reapLoop(runCtx)

	r.log.Info("job runner started")
	return nil
}

// Stop halts both background loops and waits for the in-flight work to
// finish.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if r.bus != nil {
		_ = r.bus.Unsubscribe(r.wakeChannel)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	r.log.Info("job runner stopped")
	return nil
}

func (r *Runner) pollLoop(ctx context.Context, wake <-chan struct{}) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.drain(ctx)
		case <-wake:
			r.drain(ctx)
		}
	}
}

// drain claims and runs jobs until the queue reports none left, so a single
// wake-up (from pgnotify or the ticker) processes a whole backlog instead of
// one job per tick.
func (r *Runner) drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		claimed, ok, err := r.store.ClaimJob(ctx, r.hostname, r.instanceUUID, time.Now().UTC())
		if err != nil {
			r.log.WithError(err).Warn("job runner: claim failed")
			return
		}
		if !ok {
			return
		}
		r.run(ctx, claimed)
	}
}

func (r *Runner) run(ctx context.Context, j job.Job) {
	r.mu.Lock()
	fn, ok := r.functions[j.Function]
	r.mu.Unlock()
	if !ok {
		_ = r.store.Finish(ctx, j.ID, job.StatusError, map[string]any{"error": fmt.Sprintf("no handler registered for function %q", j.Function)})
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, r.leaseDuration)
	defer cancel()

	result, err := fn(runCtx, j)
	if err != nil {
		if ferr := r.store.Finish(ctx, j.ID, job.StatusError, map[string]any{"error": err.Error()}); ferr != nil {
			r.log.WithError(ferr).Warn("job runner: failed to record job error")
		}
		return
	}
	if ferr := r.store.Finish(ctx, j.ID, job.StatusComplete, result); ferr != nil {
		r.log.WithError(ferr).Warn("job runner: failed to record job completion")
	}
}

func (r *Runner) reapLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.reaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.store.ReapStale(ctx, time.Now().UTC(), r.leaseDuration)
			if err != nil {
				r.log.WithError(err).Warn("job runner: reap failed")
				continue
			}
			if n > 0 {
				r.log.WithField("count", n).Info("reaped stale jobs")
			}
		}
	}
}
