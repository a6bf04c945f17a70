// Package serviceengine drives the service record-type iteration loop (spec
// §4.6): pick runnable services, hand each to its record-type-specific
// Iterator, and persist either completion or the next generation of child
// dependencies. The engine holds no goroutine of its own — it is invoked as
// the body of the internal job named job.NameServiceIterate (spec §4.7),
// grounded on applications/jam/coordinator.go's pull-process-transition
// shape, generalized from one work-package engine to a per-record-type
// dispatch table.
package serviceengine

import (
	"context"
	"fmt"

	svcerrors "github.com/qcfractal/fractal-core/infrastructure/errors"
	"github.com/qcfractal/fractal-core/internal/app/storage"
	"github.com/qcfractal/fractal-core/internal/domain/record"
)

// ChildSpec is one child record an iterate step wants created (or deduped
// onto an existing record), tagged with extras used as additional dedup
// salt alongside the parent's ServiceDependencies bookkeeping.
type ChildSpec struct {
	NewRecord storage.NewRecord
	Extras    map[string]any
}

// IterateResult is what a record-type's iterate step returns for one pass
// over a service (spec §4.6 step 2).
type IterateResult struct {
	Finished    bool
	Properties  map[string]any
	NewChildren []ChildSpec
	NewState    map[string]any
}

// Iterator implements the iterate step for one record_type. It is pure
// relative to the database: all reads/writes happen through the engine.
type Iterator interface {
	RecordType() string
	Iterate(ctx context.Context, svc record.Service, parent record.Record) (IterateResult, error)
}

// Engine ties the storage layer to a registry of record-type Iterators.
type Engine struct {
	records        storage.RecordStore
	services       storage.ServiceStore
	iterators      map[string]Iterator
	iterationFuel  int
	claimBatchSize int
}

// New creates an Engine. iterationFuel bounds how many times a single
// service may be re-invoked within one RunOnce call when every child it
// asked for was already complete (spec §9 open question 3).
func New(records storage.RecordStore, services storage.ServiceStore, iterationFuel, claimBatchSize int) *Engine {
	if iterationFuel <= 0 {
		iterationFuel = 5
	}
	if claimBatchSize <= 0 {
		claimBatchSize = 50
	}
	return &Engine{
		records:        records,
		services:       services,
		iterators:      make(map[string]Iterator),
		iterationFuel:  iterationFuel,
		claimBatchSize: claimBatchSize,
	}
}

// Register adds an Iterator for one record_type. Re-registering the same
// record_type replaces the previous Iterator.
func (e *Engine) Register(it Iterator) {
	e.iterators[it.RecordType()] = it
}

// RunOnce claims the currently runnable services and advances each one
// iteration (spec §4.6 steps 1-2), returning how many it processed.
func (e *Engine) RunOnce(ctx context.Context) (int, error) {
	svcs, err := e.services.ClaimRunnable(ctx, e.claimBatchSize)
	if err != nil {
		return 0, err
	}
	for _, svc := range svcs {
		if err := e.advance(ctx, svc, e.iterationFuel); err != nil {
			return 0, err
		}
	}
	return len(svcs), nil
}

func (e *Engine) advance(ctx context.Context, svc record.Service, fuel int) error {
	if fuel <= 0 {
		return nil
	}

	parents, err := e.records.Get(ctx, []int64{svc.RecordID}, storage.GetIncludes{}, false)
	if err != nil {
		return err
	}
	if len(parents) == 0 {
		return svcerrors.NotFound("record", fmt.Sprintf("%d", svc.RecordID))
	}
	parent := parents[0]

	it, ok := e.iterators[parent.RecordType]
	if !ok {
		return svcerrors.Validation("record_type", fmt.Sprintf("no iterator registered for %q", parent.RecordType))
	}

	result, err := it.Iterate(ctx, svc, parent)
	if err != nil {
		return err
	}

	if result.Finished {
		return e.services.CompleteService(ctx, svc.RecordID, result.Properties)
	}

	if len(result.NewChildren) == 0 {
		return e.services.UpdateState(ctx, svc.RecordID, svc.Iteration+1, result.NewState)
	}

	items := make([]storage.NewRecord, len(result.NewChildren))
	for i, child := range result.NewChildren {
		child.NewRecord.FindExistingSvc = svc.FindExisting
		items[i] = child.NewRecord
	}
	added, err := e.records.Add(ctx, items)
	if err != nil {
		return err
	}

	var newDeps []record.ServiceDependency
	allAlreadyComplete := true
	for i, res := range added {
		if res.Disposition == storage.DispositionError {
			return fmt.Errorf("service %d: child %d failed to add: %s", svc.RecordID, i, res.Error)
		}
		children, err := e.records.Get(ctx, []int64{res.ID}, storage.GetIncludes{}, false)
		if err != nil {
			return err
		}
		if len(children) == 0 || children[0].Status != record.StatusComplete {
			allAlreadyComplete = false
			newDeps = append(newDeps, record.ServiceDependency{
				ServiceID:     svc.RecordID,
				ChildRecordID: res.ID,
				Extras:        result.NewChildren[i].Extras,
			})
		}
	}

	if err := e.services.UpdateState(ctx, svc.RecordID, svc.Iteration+1, result.NewState); err != nil {
		return err
	}

	if len(newDeps) > 0 {
		return e.services.AddDependencies(ctx, svc.RecordID, newDeps)
	}

	if allAlreadyComplete {
		// Every requested child was already complete: nothing to wait on, so
		// the service stays runnable and is re-invoked immediately, bounded
		// by fuel so a misbehaving iterator cannot spin forever.
		svc.Iteration++
		return e.advance(ctx, svc, fuel-1)
	}
	return nil
}
