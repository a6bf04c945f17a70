// Package managers implements the compute manager registry: activation,
// heartbeat updates, deactivation, and a background reaper that evicts
// managers who have missed too many heartbeats (spec §4.5).
package managers

import (
	"context"
	"fmt"
	"time"

	svcerrors "github.com/qcfractal/fractal-core/infrastructure/errors"
	"github.com/qcfractal/fractal-core/internal/app/storage"
	"github.com/qcfractal/fractal-core/internal/domain/manager"
)

// Registry is the storage-backed service layer over ManagerStore, adding
// heartbeat-policy validation that does not belong in the persistence layer.
type Registry struct {
	store              storage.ManagerStore
	heartbeatFrequency time.Duration
	heartbeatMaxMissed int
}

// New creates a Registry backed by the given store and heartbeat policy.
func New(store storage.ManagerStore, heartbeatFrequency time.Duration, heartbeatMaxMissed int) *Registry {
	return &Registry{
		store:              store,
		heartbeatFrequency: heartbeatFrequency,
		heartbeatMaxMissed: heartbeatMaxMissed,
	}
}

// Activate registers a new manager. A name collision surfaces as a
// StateConflict rather than a raw database error (spec §4.5 invariant 4).
func (r *Registry) Activate(ctx context.Context, m manager.Manager) (manager.Manager, error) {
	m.Tags = manager.NormalizeTags(m.Tags)
	m.Programs = manager.NormalizePrograms(m.Programs)
	if len(m.Tags) == 0 {
		return manager.Manager{}, svcerrors.Validation("tags", "at least one tag is required")
	}
	if len(m.Programs) == 0 {
		return manager.Manager{}, svcerrors.Validation("programs", "at least one program is required")
	}
	return r.store.Activate(ctx, m)
}

// Heartbeat reports a manager's current counters/gauges, optionally updating
// its status. Inactive managers must re-activate rather than heartbeat back
// to life (spec §4.5 invariant 6).
func (r *Registry) Heartbeat(ctx context.Context, name string, status *manager.Status, counters manager.Counters, gauges manager.Gauges) (manager.Manager, error) {
	return r.store.Update(ctx, name, status, counters, gauges)
}

// Deactivate marks the named managers inactive (or all managers past
// modifiedBefore if names is empty) and recycles their in-flight records.
func (r *Registry) Deactivate(ctx context.Context, names []string, modifiedBefore *time.Time, reason string) ([]string, error) {
	if reason == "" {
		reason = "deactivated"
	}
	return r.store.Deactivate(ctx, names, modifiedBefore, reason)
}

// Query lists managers matching a filter.
func (r *Registry) Query(ctx context.Context, q storage.ManagerQuery) ([]manager.Manager, error) {
	return r.store.Query(ctx, q)
}

// Get fetches one manager by name.
func (r *Registry) Get(ctx context.Context, name string) (manager.Manager, error) {
	return r.store.GetManager(ctx, name)
}

// ReapExpired deactivates every manager that has missed more than
// heartbeatMaxMissed heartbeats at heartbeatFrequency intervals, returning
// the names evicted. Reaper (reaper.go) calls it on each of its ticks.
func (r *Registry) ReapExpired(ctx context.Context, now time.Time) ([]string, error) {
	expired, err := r.store.ListExpired(ctx, now, r.heartbeatFrequency, r.heartbeatMaxMissed)
	if err != nil {
		return nil, err
	}
	if len(expired) == 0 {
		return nil, nil
	}
	names := make([]string, len(expired))
	for i, m := range expired {
		names[i] = m.Name
	}
	reason := fmt.Sprintf("missed %d heartbeats at %s interval", r.heartbeatMaxMissed, r.heartbeatFrequency)
	return r.store.Deactivate(ctx, names, nil, reason)
}
