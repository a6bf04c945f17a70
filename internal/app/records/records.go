// Package records is the service layer in front of storage.RecordStore: it
// enforces the server-wide query/batch-size ceiling (spec.md's
// "Configuration" paragraph) and implements cascade delete of service
// children (spec §4.1's "and child records if requested"), neither of which
// belong in the storage interface itself. Grounded on
// applications/jam/engine.go's "validate, then delegate" wrapper shape.
package records

import (
	"context"

	svcerrors "github.com/qcfractal/fractal-core/infrastructure/errors"
	"github.com/qcfractal/fractal-core/internal/app/storage"
	"github.com/qcfractal/fractal-core/internal/domain/record"
)

// Service wraps storage.RecordStore and storage.ServiceStore with
// request-level validation.
type Service struct {
	records      storage.RecordStore
	services     storage.ServiceStore
	maxBatchSize int
}

// New creates a Service. A non-positive maxBatchSize disables the ceiling.
func New(records storage.RecordStore, services storage.ServiceStore, maxBatchSize int) *Service {
	return &Service{records: records, services: services, maxBatchSize: maxBatchSize}
}

func (s *Service) checkBatchSize(n int) error {
	if s.maxBatchSize > 0 && n > s.maxBatchSize {
		return svcerrors.Validation("ids", "batch exceeds the configured max_batch_size")
	}
	return nil
}

// Add inserts one or more records, deduplicating by canonical hash.
func (s *Service) Add(ctx context.Context, items []storage.NewRecord) ([]storage.AddResult, error) {
	if err := s.checkBatchSize(len(items)); err != nil {
		return nil, err
	}
	return s.records.Add(ctx, items)
}

// Get fetches records by id, honoring the query-limit ceiling on the ids
// slice itself.
func (s *Service) Get(ctx context.Context, ids []int64, include storage.GetIncludes, missingOK bool) ([]record.Record, error) {
	if err := s.checkBatchSize(len(ids)); err != nil {
		return nil, err
	}
	return s.records.Get(ctx, ids, include, missingOK)
}

// Modify applies a patch to a batch of records.
func (s *Service) Modify(ctx context.Context, ids []int64, patch storage.ModifyPatch) error {
	if err := s.checkBatchSize(len(ids)); err != nil {
		return err
	}
	return s.records.Modify(ctx, ids, patch)
}

func (s *Service) Reset(ctx context.Context, ids []int64) error {
	if err := s.checkBatchSize(len(ids)); err != nil {
		return err
	}
	return s.records.Reset(ctx, ids)
}

func (s *Service) Cancel(ctx context.Context, ids []int64) error {
	if err := s.checkBatchSize(len(ids)); err != nil {
		return err
	}
	return s.records.Cancel(ctx, ids)
}

func (s *Service) Invalidate(ctx context.Context, ids []int64) error {
	if err := s.checkBatchSize(len(ids)); err != nil {
		return err
	}
	return s.records.Invalidate(ctx, ids)
}

func (s *Service) SoftDelete(ctx context.Context, ids []int64) error {
	if err := s.checkBatchSize(len(ids)); err != nil {
		return err
	}
	return s.records.SoftDelete(ctx, ids)
}

// HardDelete permanently removes the given records. When deleteChildren is
// set, any ServiceDependencies-linked child record not shared with another
// still-live service is recursively removed first.
func (s *Service) HardDelete(ctx context.Context, ids []int64, deleteChildren bool) error {
	if err := s.checkBatchSize(len(ids)); err != nil {
		return err
	}
	if deleteChildren && s.services != nil {
		for _, id := range ids {
			if err := s.cascadeChildren(ctx, id); err != nil {
				return err
			}
		}
	}
	return s.records.HardDelete(ctx, ids)
}

// cascadeChildren recursively removes id's service children that no other
// still-live service depends on. It is a no-op for atomic records, since
// Dependencies returns an empty slice for ids with no service row.
func (s *Service) cascadeChildren(ctx context.Context, id int64) error {
	deps, err := s.services.Dependencies(ctx, id)
	if err != nil {
		return err
	}
	for _, dep := range deps {
		count, err := s.services.DependentServiceCount(ctx, dep.ChildRecordID)
		if err != nil {
			return err
		}
		if count > 1 {
			continue
		}
		if err := s.cascadeChildren(ctx, dep.ChildRecordID); err != nil {
			return err
		}
		if err := s.records.HardDelete(ctx, []int64{dep.ChildRecordID}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) AppendOutput(ctx context.Context, historyID int64, kind record.OutputKind, data []byte, compression string) error {
	return s.records.AppendOutput(ctx, historyID, kind, data, compression)
}

func (s *Service) ShortDescription(ctx context.Context, id int64) (string, error) {
	return s.records.ShortDescription(ctx, id)
}
