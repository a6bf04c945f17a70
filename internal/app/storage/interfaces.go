// Package storage defines the persistence-facing interfaces for the record
// execution engine: records/tasks, the dispatcher's claim/return protocol,
// the manager registry, the service engine, and the internal job runner.
// Concrete implementations live in postgres (for production) and this
// package's Memory type (for tests).
package storage

import (
	"context"
	"time"

	"github.com/qcfractal/fractal-core/internal/domain/job"
	"github.com/qcfractal/fractal-core/internal/domain/manager"
	"github.com/qcfractal/fractal-core/internal/domain/record"
	"github.com/qcfractal/fractal-core/internal/domain/spec"
)

// AddDisposition classifies the outcome of inserting one record.
type AddDisposition string

const (
	DispositionInserted AddDisposition = "inserted"
	DispositionExisting AddDisposition = "existing"
	DispositionError    AddDisposition = "error"
)

// AddResult reports the per-item disposition of a bulk Add call.
type AddResult struct {
	ID          int64
	Disposition AddDisposition
	Error       string
}

// NewRecord bundles everything needed to insert one atomic or service record:
// the specification it runs under, the molecules it consumes, and (for
// atomic records) the task row to create alongside it.
type NewRecord struct {
	RecordType      string
	OwnerUser       string
	OwnerGroup      string
	Specification   spec.Specification
	Molecules       []spec.Molecule
	MoleculeIDs     []int64
	ExtraKeywords   map[string]any
	Extras          map[string]any
	Tag             string
	Priority        record.Priority
	RequiredPrograms []string
	Function        string
	FunctionKwargs  map[string]any
	IsService       bool
	FindExistingSvc bool
}

// GetIncludes selects which related collections Get should hydrate.
type GetIncludes struct {
	ComputeHistory bool
	Task           bool
	Service        bool
	Outputs        bool
}

// ModifyPatch is a partial update to a record's mutable fields. Status
// transitions are validated against record.CanTransition; tag/priority
// changes are only legal while the record is waiting (spec §4.1).
type ModifyPatch struct {
	Status    *record.Status
	Priority  *record.Priority
	Tag       *string
	DeleteTag bool
}

// RecordStore implements spec §4.1: bulk insert with dedup, projection-aware
// fetch, status/tag/priority modification, and the terminal lifecycle ops.
type RecordStore interface {
	Add(ctx context.Context, items []NewRecord) ([]AddResult, error)
	Get(ctx context.Context, ids []int64, include GetIncludes, missingOK bool) ([]record.Record, error)
	Modify(ctx context.Context, ids []int64, patch ModifyPatch) error
	Reset(ctx context.Context, ids []int64) error
	Cancel(ctx context.Context, ids []int64) error
	Invalidate(ctx context.Context, ids []int64) error
	SoftDelete(ctx context.Context, ids []int64) error
	HardDelete(ctx context.Context, ids []int64) error
	AppendOutput(ctx context.Context, historyID int64, kind record.OutputKind, data []byte, compression string) error
	ShortDescription(ctx context.Context, id int64) (string, error)
}

// TaskSpec is the projection of a claimed task returned to a manager.
type TaskSpec struct {
	ID               int64
	RecordID         int64
	Function         string
	FunctionKwargs   map[string]any
	RequiredPrograms []string
}

// ResultPayload is what a manager reports back for one task (spec §4.4).
type ResultPayload struct {
	Success      bool
	Properties   map[string]any
	Provenance   map[string]any
	Stdout       []byte
	Stderr       []byte
	ErrorMessage string
}

// Rejection explains why one task id in a Return batch was not accepted.
type Rejection struct {
	Index  int
	TaskID int64
	Reason string
}

// ReturnMetadata is the outcome of a Return call: accepted ids plus any
// per-task rejections, preserving the caller's input indices.
type ReturnMetadata struct {
	Accepted []int64
	Rejected []Rejection
}

// DispatcherStore implements spec §4.3/§4.4: the claim and return protocols
// that move tasks between managers.
type DispatcherStore interface {
	Claim(ctx context.Context, managerName string, programs map[string]string, tags []string, limit int) ([]TaskSpec, error)
	Return(ctx context.Context, managerName string, results map[int64]ResultPayload) (ReturnMetadata, error)
}

// ManagerQuery filters the manager registry's query operation.
type ManagerQuery struct {
	Status  *manager.Status
	Cluster string
	BeforeID int64
	Limit   int
}

// ManagerStore implements spec §4.5: activation, heartbeat updates,
// deactivation (with record recycling), and filtered queries.
type ManagerStore interface {
	Activate(ctx context.Context, m manager.Manager) (manager.Manager, error)
	Update(ctx context.Context, name string, status *manager.Status, counters manager.Counters, gauges manager.Gauges) (manager.Manager, error)
	Deactivate(ctx context.Context, names []string, modifiedBefore *time.Time, reason string) ([]string, error)
	Query(ctx context.Context, q ManagerQuery) ([]manager.Manager, error)
	GetManager(ctx context.Context, name string) (manager.Manager, error)
	ListExpired(ctx context.Context, now time.Time, frequency time.Duration, maxMissed int) ([]manager.Manager, error)
}

// ServiceStore implements spec §4.6: the service engine's dependency
// tracking and iteration-eligibility queries.
type ServiceStore interface {
	ClaimRunnable(ctx context.Context, limit int) ([]record.Service, error)
	Dependencies(ctx context.Context, serviceID int64) ([]record.ServiceDependency, error)
	AddDependencies(ctx context.Context, serviceID int64, deps []record.ServiceDependency) error
	RemoveDependency(ctx context.Context, serviceID, childRecordID int64) error
	UpdateState(ctx context.Context, serviceID int64, iteration int, state map[string]any) error
	CompleteService(ctx context.Context, recordID int64, properties map[string]any) error
	// DependentServiceCount reports how many still-undeleted services depend
	// on childRecordID, used by cascade delete to avoid orphaning a sibling
	// service's child.
	DependentServiceCount(ctx context.Context, childRecordID int64) (int, error)
}

// JobStore implements spec §4.7: the durable internal job table.
type JobStore interface {
	AddJob(ctx context.Context, j job.Job) (job.Job, error)
	ClaimJob(ctx context.Context, runnerHostname, runnerUUID string, now time.Time) (job.Job, bool, error)
	Finish(ctx context.Context, id int64, status job.Status, result map[string]any) error
	UpdateProgress(ctx context.Context, id int64, progress int) error
	ReapStale(ctx context.Context, now time.Time, staleAfter time.Duration) (int, error)
	GetJob(ctx context.Context, id int64) (job.Job, error)
}

// DedupStore implements spec §4.8: canonical-hash upserts for the
// content-addressed inputs.
type DedupStore interface {
	UpsertMolecule(ctx context.Context, m spec.Molecule) (int64, error)
	UpsertSpecification(ctx context.Context, s spec.Specification) (int64, error)
}
