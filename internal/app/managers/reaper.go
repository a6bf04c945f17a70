package managers

import (
	"context"
	"sync"
	"time"

	core "github.com/qcfractal/fractal-core/internal/app/core/service"
	"github.com/qcfractal/fractal-core/internal/app/system"
	"github.com/qcfractal/fractal-core/pkg/logger"
)

var _ system.Service = (*Reaper)(nil)

// Reaper periodically evicts managers that have missed too many heartbeats,
// recycling whatever records they were holding (spec §4.5 heartbeat policy).
type Reaper struct {
	registry *Registry
	log      *logger.Logger
	interval time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewReaper creates a lifecycle-managed heartbeat reaper polling at interval.
func NewReaper(registry *Registry, interval time.Duration, log *logger.Logger) *Reaper {
	if log == nil {
		log = logger.NewDefault("manager-reaper")
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reaper{registry: registry, interval: interval, log: log}
}

// Name returns the service identifier.
func (r *Reaper) Name() string { return "manager-heartbeat-reaper" }

// Descriptor advertises the reaper's architectural placement.
func (r *Reaper) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         "manager-heartbeat-reaper",
		Domain:       "managers",
		Layer:        core.LayerEngine,
		Capabilities: []string{"heartbeat", "eviction"},
	}
}

// Start begins the background polling loop.
func (r *Reaper) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				r.tick(runCtx)
			}
		}
	}()

	r.log.Info("manager heartbeat reaper started")
	return nil
}

// Stop halts the polling loop and waits for the in-flight tick to finish.
func (r *Reaper) Stop(ctx context.Context) error {
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

	r.log.Info("manager heartbeat reaper stopped")
	return nil
}

func (r *Reaper) tick(ctx context.Context) {
	tickCtx, cancel := context.WithTimeout(ctx, r.interval)
	defer cancel()

	evicted, err := r.registry.ReapExpired(tickCtx, time.Now().UTC())
	if err != nil {
		r.log.WithError(err).Warn("manager heartbeat reaper tick failed")
		return
	}
	if len(evicted) > 0 {
		r.log.WithField("count", len(evicted)).Info("evicted expired managers")
	}
}
