// Package dispatcher implements the task-claim/return protocol (spec
// §4.3/§4.4): it validates a manager's claim and return requests, clamps
// claim batches to the configured maximum, rate-limits per manager name, and
// delegates to storage.DispatcherStore. The per-key limiter map is grounded
// on infrastructure/middleware/ratelimit.go; the single shared limiter
// fallback is grounded on infrastructure/ratelimit/ratelimit.go.
package dispatcher

import (
	"context"
	"sync"
	"time"

	svcerrors "github.com/qcfractal/fractal-core/infrastructure/errors"
	"github.com/qcfractal/fractal-core/internal/app/storage"
	"github.com/qcfractal/fractal-core/internal/domain/manager"
	"github.com/qcfractal/fractal-core/pkg/logger"
	"golang.org/x/time/rate"
)

// Config controls claim batching and per-manager rate limiting.
type Config struct {
	ClaimBatchMax      int
	RateLimitPerSecond float64
	RateLimitBurst     int
}

// Dispatcher wraps a storage.DispatcherStore with request validation and
// per-manager rate limiting.
type Dispatcher struct {
	store storage.DispatcherStore
	log   *logger.Logger
	cfg   Config

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New creates a Dispatcher. A non-positive ClaimBatchMax/RateLimitPerSecond
// falls back to the same defaults internal/config.New ships.
func New(store storage.DispatcherStore, cfg Config, log *logger.Logger) *Dispatcher {
	if log == nil {
		log = logger.NewDefault("dispatcher")
	}
	if cfg.ClaimBatchMax <= 0 {
		cfg.ClaimBatchMax = 300
	}
	if cfg.RateLimitPerSecond <= 0 {
		cfg.RateLimitPerSecond = 20
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = int(cfg.RateLimitPerSecond * 2)
	}
	return &Dispatcher{
		store:    store,
		log:      log,
		cfg:      cfg,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (d *Dispatcher) limiterFor(managerName string) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.limiters[managerName]
	if !ok {
		l = rate.NewLimiter(rate.Limit(d.cfg.RateLimitPerSecond), d.cfg.RateLimitBurst)
		d.limiters[managerName] = l
	}
	return l
}

func (d *Dispatcher) allow(managerName string) error {
	if !d.limiterFor(managerName).Allow() {
		d.log.WithField("manager", managerName).Warn("dispatcher: rate limit exceeded")
		return svcerrors.RateLimitExceeded(int(d.cfg.RateLimitPerSecond), time.Second.String())
	}
	return nil
}

// Claim validates and rate-limits a manager's claim request before
// delegating to the store. An empty tags list defaults to the wildcard tag
// so an untagged manager can still claim untagged work. limit == 0 is an
// explicit request for nothing: it returns an empty batch without touching
// the manager's counters, distinct from a negative/unset limit which falls
// back to the configured maximum.
func (d *Dispatcher) Claim(ctx context.Context, managerName string, programs map[string]string, tags []string, limit int) ([]storage.TaskSpec, error) {
	if managerName == "" {
		return nil, svcerrors.Validation("manager_name", "manager_name is required")
	}
	if limit == 0 {
		return nil, nil
	}
	if err := d.allow(managerName); err != nil {
		return nil, err
	}
	if limit < 0 || limit > d.cfg.ClaimBatchMax {
		limit = d.cfg.ClaimBatchMax
	}
	if len(tags) == 0 {
		tags = []string{manager.WildcardTag}
	}
	return d.store.Claim(ctx, managerName, programs, tags, limit)
}

// Return validates and rate-limits a manager's return request before
// delegating to the store.
func (d *Dispatcher) Return(ctx context.Context, managerName string, results map[int64]storage.ResultPayload) (storage.ReturnMetadata, error) {
	if managerName == "" {
		return storage.ReturnMetadata{}, svcerrors.Validation("manager_name", "manager_name is required")
	}
	if len(results) == 0 {
		return storage.ReturnMetadata{}, svcerrors.Validation("results", "at least one result is required")
	}
	if err := d.allow(managerName); err != nil {
		return storage.ReturnMetadata{}, err
	}
	return d.store.Return(ctx, managerName, results)
}

// Cleanup drops per-manager limiters once the registry grows large, mirroring
// the teacher's bounded-growth strategy for per-key rate limiter maps.
func (d *Dispatcher) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.limiters) > 10000 {
		d.limiters = make(map[string]*rate.Limiter)
	}
}

// StartCleanup runs Cleanup on interval until the returned stop func is
// called.
func (d *Dispatcher) StartCleanup(interval time.Duration) (stop func()) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	var once sync.Once

	go func() {
		for {
			select {
			case <-ticker.C:
				d.Cleanup()
			case <-done:
				return
			}
		}
	}()

	return func() {
		once.Do(func() {
			ticker.Stop()
			close(done)
		})
	}
}
