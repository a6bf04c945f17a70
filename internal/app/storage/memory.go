package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	svcerrors "github.com/qcfractal/fractal-core/infrastructure/errors"
	"github.com/qcfractal/fractal-core/internal/domain/job"
	"github.com/qcfractal/fractal-core/internal/domain/manager"
	"github.com/qcfractal/fractal-core/internal/domain/record"
	"github.com/qcfractal/fractal-core/internal/domain/spec"
)

// Memory is a thread-safe in-memory implementation of every interface in
// this package, intended for tests and local prototyping in place of a real
// Postgres database. It deliberately keeps claim ordering and dedup
// semantics equivalent to postgres/*.go's SQL, just expressed over maps
// under one mutex instead of row locks.
type Memory struct {
	mu sync.Mutex

	nextRecordID  int64
	nextTaskID    int64
	nextHistoryID int64
	nextManagerID int64
	nextJobID     int64
	nextMolID     int64
	nextSpecID    int64

	records map[int64]record.Record
	tasks   map[int64]record.Task // keyed by record id, 1:1 with atomic records
	history map[int64][]record.ComputeHistoryEntry
	outputs map[int64][]record.Output

	services    map[int64]record.Service
	serviceDeps map[int64][]record.ServiceDependency

	managers map[string]manager.Manager

	jobs map[int64]job.Job

	moleculesByHash map[string]spec.Molecule
	specsByKey      map[string]spec.Specification
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		records:         make(map[int64]record.Record),
		tasks:           make(map[int64]record.Task),
		history:         make(map[int64][]record.ComputeHistoryEntry),
		outputs:         make(map[int64][]record.Output),
		services:        make(map[int64]record.Service),
		serviceDeps:     make(map[int64][]record.ServiceDependency),
		managers:        make(map[string]manager.Manager),
		jobs:            make(map[int64]job.Job),
		moleculesByHash: make(map[string]spec.Molecule),
		specsByKey:      make(map[string]spec.Specification),
	}
}

var (
	_ RecordStore     = (*Memory)(nil)
	_ DispatcherStore = (*Memory)(nil)
	_ ManagerStore    = (*Memory)(nil)
	_ ServiceStore    = (*Memory)(nil)
	_ JobStore        = (*Memory)(nil)
	_ DedupStore      = (*Memory)(nil)
)

// Dedup store -----------------------------------------------------------------

func (m *Memory) UpsertMolecule(_ context.Context, mol spec.Molecule) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	hash, err := mol.Hash()
	if err != nil {
		return 0, err
	}
	if existing, ok := m.moleculesByHash[hash]; ok {
		return existing.ID, nil
	}
	m.nextMolID++
	mol.ID = m.nextMolID
	mol.MoleculeHash = hash
	m.moleculesByHash[hash] = mol
	return mol.ID, nil
}

func (m *Memory) UpsertSpecification(_ context.Context, s spec.Specification) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	hash, err := s.Hash()
	if err != nil {
		return 0, err
	}
	key := s.RecordType + "/" + hash
	if existing, ok := m.specsByKey[key]; ok {
		return existing.ID, nil
	}
	m.nextSpecID++
	s.ID = m.nextSpecID
	s.SpecificationHash = hash
	m.specsByKey[key] = s
	return s.ID, nil
}

// Record store ----------------------------------------------------------------

func (m *Memory) Add(_ context.Context, items []NewRecord) ([]AddResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	results := make([]AddResult, len(items))
	for i, item := range items {
		id, disposition, err := m.addOneLocked(item)
		if err != nil {
			results[i] = AddResult{Disposition: DispositionError, Error: err.Error()}
			continue
		}
		results[i] = AddResult{ID: id, Disposition: disposition}
	}
	return results, nil
}

func (m *Memory) addOneLocked(item NewRecord) (int64, AddDisposition, error) {
	specHash, err := item.Specification.Hash()
	if err != nil {
		return 0, "", err
	}
	specKey := item.Specification.RecordType + "/" + specHash
	spc, ok := m.specsByKey[specKey]
	if !ok {
		m.nextSpecID++
		spc = item.Specification
		spc.ID = m.nextSpecID
		spc.SpecificationHash = specHash
		m.specsByKey[specKey] = spc
	}

	moleculeIDs := append([]int64(nil), item.MoleculeIDs...)
	for _, mol := range item.Molecules {
		hash, err := mol.Hash()
		if err != nil {
			return 0, "", err
		}
		existing, ok := m.moleculesByHash[hash]
		if !ok {
			m.nextMolID++
			existing = mol
			existing.ID = m.nextMolID
			existing.MoleculeHash = hash
			m.moleculesByHash[hash] = existing
		}
		moleculeIDs = append(moleculeIDs, existing.ID)
	}

	inputIdentity, err := spec.InputIdentity(moleculeIDs, item.ExtraKeywords)
	if err != nil {
		return 0, "", err
	}

	if item.FindExistingSvc || !item.IsService {
		if existingID, ok := m.findExistingLocked(item.RecordType, spc.ID, inputIdentity); ok {
			return existingID, DispositionExisting, nil
		}
	}

	m.nextRecordID++
	recordID := m.nextRecordID
	now := time.Now().UTC()

	status := record.StatusWaiting
	if item.IsService {
		status = record.StatusRunning
	}
	m.records[recordID] = record.Record{
		ID:              recordID,
		RecordType:      item.RecordType,
		Status:          status,
		OwnerUser:       item.OwnerUser,
		OwnerGroup:      item.OwnerGroup,
		SpecificationID: spc.ID,
		MoleculeIDs:     moleculeIDs,
		InputIdentity:   inputIdentity,
		Extras:          copyAnyMap(item.Extras),
		CreatedOn:       now,
		ModifiedOn:      now,
	}

	if !item.IsService {
		tag := item.Tag
		if tag == "" {
			tag = manager.WildcardTag
		}
		priority := item.Priority
		if priority == "" {
			priority = record.PriorityNormal
		}
		m.tasks[recordID] = record.Task{
			ID:               recordID,
			RecordID:         recordID,
			RequiredPrograms: normalizeProgramList(item.RequiredPrograms),
			Tag:              strings.ToLower(tag),
			Priority:         priority,
			Function:         item.Function,
			FunctionKwargs:   copyAnyMap(item.FunctionKwargs),
			CreatedOn:        now,
			SortDate:         now,
		}
	} else {
		m.services[recordID] = record.Service{
			RecordID:     recordID,
			Tag:          strings.ToLower(item.Tag),
			Priority:     item.Priority,
			FindExisting: item.FindExistingSvc,
			Iteration:    0,
			State:        map[string]any{},
		}
	}

	return recordID, DispositionInserted, nil
}

func (m *Memory) findExistingLocked(recordType string, specID int64, inputIdentity string) (int64, bool) {
	for id, rec := range m.records {
		if rec.RecordType == recordType && rec.SpecificationID == specID && rec.InputIdentity == inputIdentity &&
			rec.Status != record.StatusDeleted && rec.Status != record.StatusInvalid {
			return id, true
		}
	}
	return 0, false
}

func (m *Memory) Get(_ context.Context, ids []int64, include GetIncludes, missingOK bool) ([]record.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]record.Record, 0, len(ids))
	for _, id := range ids {
		rec, ok := m.records[id]
		if !ok {
			if missingOK {
				continue
			}
			return nil, svcerrors.NotFound("record", fmt.Sprintf("%d", id))
		}
		rec = cloneRecord(rec)
		if include.Task {
			if t, ok := m.tasks[id]; ok {
				task := cloneTask(t)
				rec.Task = &task
			}
		}
		if include.ComputeHistory {
			for _, h := range m.history[id] {
				entry := cloneHistory(h)
				if include.Outputs {
					entry.Outputs = append([]record.Output(nil), m.outputs[h.ID]...)
				}
				rec.ComputeHistory = append(rec.ComputeHistory, entry)
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

func (m *Memory) Modify(_ context.Context, ids []int64, patch ModifyPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range ids {
		rec, ok := m.records[id]
		if !ok {
			return svcerrors.NotFound("record", fmt.Sprintf("%d", id))
		}
		if patch.Status != nil && *patch.Status != rec.Status {
			if !record.CanTransition(rec.Status, *patch.Status) {
				return svcerrors.StateConflict(fmt.Sprintf("record %d cannot transition %s -> %s", id, rec.Status, *patch.Status))
			}
			rec.Status = *patch.Status
			rec.ModifiedOn = time.Now().UTC()
			m.records[id] = rec
		}
		if patch.Tag != nil || patch.Priority != nil || patch.DeleteTag {
			if rec.Status != record.StatusWaiting {
				return svcerrors.StateConflict(fmt.Sprintf("record %d: tag/priority only mutable while waiting", id))
			}
			t, ok := m.tasks[id]
			if !ok {
				continue
			}
			if patch.DeleteTag {
				t.Tag = manager.WildcardTag
			} else if patch.Tag != nil {
				t.Tag = strings.ToLower(*patch.Tag)
			}
			if patch.Priority != nil {
				t.Priority = *patch.Priority
			}
			m.tasks[id] = t
		}
	}
	return nil
}

func (m *Memory) Reset(_ context.Context, ids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range ids {
		rec, ok := m.records[id]
		if !ok {
			return svcerrors.NotFound("record", fmt.Sprintf("%d", id))
		}
		if rec.Status != record.StatusError {
			return svcerrors.StateConflict(fmt.Sprintf("record %d: reset only valid from error, got %s", id, rec.Status))
		}
		now := time.Now().UTC()
		rec.Status = record.StatusWaiting
		rec.ManagerName = nil
		rec.ModifiedOn = now
		m.records[id] = rec
		if t, ok := m.tasks[id]; ok {
			t.SortDate = now
			m.tasks[id] = t
		}
	}
	return nil
}

func (m *Memory) Cancel(_ context.Context, ids []int64) error {
	return m.transitionAndDropTaskLocked(ids, record.StatusCancelled, func(cur record.Status) bool {
		return cur == record.StatusWaiting || cur == record.StatusRunning || cur == record.StatusError
	})
}

func (m *Memory) Invalidate(_ context.Context, ids []int64) error {
	return m.transitionAndDropTaskLocked(ids, record.StatusInvalid, func(cur record.Status) bool {
		return cur != record.StatusComplete && cur != record.StatusDeleted && cur != record.StatusInvalid
	})
}

func (m *Memory) transitionAndDropTaskLocked(ids []int64, target record.Status, allowed func(record.Status) bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range ids {
		rec, ok := m.records[id]
		if !ok {
			return svcerrors.NotFound("record", fmt.Sprintf("%d", id))
		}
		if !allowed(rec.Status) {
			return svcerrors.StateConflict(fmt.Sprintf("record %d: cannot move %s -> %s", id, rec.Status, target))
		}
		rec.Status = target
		rec.ModifiedOn = time.Now().UTC()
		m.records[id] = rec
		delete(m.tasks, id)
	}
	return nil
}

func (m *Memory) SoftDelete(_ context.Context, ids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range ids {
		rec, ok := m.records[id]
		if !ok {
			continue
		}
		rec.Status = record.StatusDeleted
		rec.ModifiedOn = time.Now().UTC()
		m.records[id] = rec
	}
	return nil
}

func (m *Memory) HardDelete(_ context.Context, ids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range ids {
		delete(m.records, id)
		delete(m.tasks, id)
		for _, h := range m.history[id] {
			delete(m.outputs, h.ID)
		}
		delete(m.history, id)
		delete(m.services, id)
		delete(m.serviceDeps, id)
	}
	return nil
}

func (m *Memory) AppendOutput(_ context.Context, historyID int64, kind record.OutputKind, data []byte, compression string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.outputs[historyID]
	for i, o := range entries {
		if o.Kind == kind {
			entries[i].Compression = compression
			entries[i].Data = data
			return nil
		}
	}
	m.outputs[historyID] = append(entries, record.Output{HistoryID: historyID, Kind: kind, Compression: compression, Data: data})
	return nil
}

func (m *Memory) ShortDescription(_ context.Context, id int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return "", svcerrors.NotFound("record", fmt.Sprintf("%d", id))
	}
	for _, spc := range m.specsByKey {
		if spc.ID == rec.SpecificationID {
			return record.ShortDescription(rec.RecordType, spc.Program, spc.Method, spc.Basis), nil
		}
	}
	return "", svcerrors.NotFound("specification", fmt.Sprintf("%d", rec.SpecificationID))
}

// Dispatcher store --------------------------------------------------------------

func (m *Memory) Claim(_ context.Context, managerName string, programs map[string]string, tags []string, limit int) ([]TaskSpec, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mgr, ok := m.managers[managerName]
	if !ok {
		return nil, svcerrors.NotFound("manager", managerName)
	}
	if mgr.Status != manager.StatusActive {
		return nil, svcerrors.StateConflict("manager is inactive; re-activate before claiming")
	}
	mgr.ModifiedOn = time.Now().UTC()
	m.managers[managerName] = mgr

	available := make(map[string]bool, len(programs))
	for name := range programs {
		available[strings.ToLower(name)] = true
	}

	var claimed []TaskSpec
	remaining := limit
	for _, tag := range manager.NormalizeTags(tags) {
		if remaining <= 0 {
			break
		}
		batch := m.claimTagBatchLocked(managerName, tag, available, remaining)
		claimed = append(claimed, batch...)
		remaining -= len(batch)
	}

	if len(claimed) > 0 {
		mgr = m.managers[managerName]
		mgr.Counters.Claimed += int64(len(claimed))
		m.managers[managerName] = mgr
	}
	return claimed, nil
}

func (m *Memory) claimTagBatchLocked(managerName, tag string, available map[string]bool, limit int) []TaskSpec {
	type candidate struct {
		recordID int64
		task     record.Task
	}
	var candidates []candidate
	for recordID, t := range m.tasks {
		rec, ok := m.records[recordID]
		if !ok || rec.Status != record.StatusWaiting {
			continue
		}
		if !manager.TagMatches(tag, t.Tag) {
			continue
		}
		candidates = append(candidates, candidate{recordID, t})
	}
	sort.Slice(candidates, func(i, j int) bool {
		pi, pj := priorityRank(candidates[i].task.Priority), priorityRank(candidates[j].task.Priority)
		if pi != pj {
			return pi > pj
		}
		if !candidates[i].task.SortDate.Equal(candidates[j].task.SortDate) {
			return candidates[i].task.SortDate.Before(candidates[j].task.SortDate)
		}
		return candidates[i].recordID < candidates[j].recordID
	})

	now := time.Now().UTC()
	var claimed []TaskSpec
	for _, c := range candidates {
		if len(claimed) >= limit {
			break
		}
		if !manager.ProgramsSatisfy(c.task.RequiredPrograms, available) {
			continue
		}
		rec := m.records[c.recordID]
		rec.Status = record.StatusRunning
		name := managerName
		rec.ManagerName = &name
		rec.ModifiedOn = now
		m.records[c.recordID] = rec

		m.nextHistoryID++
		m.history[c.recordID] = append(m.history[c.recordID], record.ComputeHistoryEntry{
			ID: m.nextHistoryID, RecordID: c.recordID, Status: record.StatusRunning,
			ManagerName: &name, CreatedOn: now, ModifiedOn: now,
		})

		claimed = append(claimed, TaskSpec{
			ID: c.task.ID, RecordID: c.recordID, Function: c.task.Function,
			FunctionKwargs: c.task.FunctionKwargs, RequiredPrograms: c.task.RequiredPrograms,
		})
	}
	return claimed
}

func priorityRank(p record.Priority) int {
	switch p {
	case record.PriorityHigh:
		return 2
	case record.PriorityLow:
		return 0
	default:
		return 1
	}
}

func (m *Memory) Return(_ context.Context, managerName string, results map[int64]ResultPayload) (ReturnMetadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	meta := ReturnMetadata{}
	index := 0
	for taskID, payload := range results {
		reason := m.returnOneLocked(managerName, taskID, payload)
		if reason == "" {
			meta.Accepted = append(meta.Accepted, taskID)
		} else {
			meta.Rejected = append(meta.Rejected, Rejection{Index: index, TaskID: taskID, Reason: reason})
		}
		index++
	}
	return meta, nil
}

func (m *Memory) returnOneLocked(managerName string, taskID int64, payload ResultPayload) string {
	// Tasks are keyed by record id, which doubles as the task id (1:1).
	t, ok := m.tasks[taskID]
	if !ok {
		return "not_found"
	}
	recordID := t.RecordID
	rec := m.records[recordID]
	if rec.ManagerName == nil || *rec.ManagerName != managerName {
		return "wrong_manager"
	}
	if rec.Status != record.StatusRunning {
		return "not_running"
	}

	now := time.Now().UTC()
	name := managerName
	m.nextHistoryID++
	historyID := m.nextHistoryID

	if payload.Success {
		rec.Status = record.StatusComplete
		rec.Properties = copyAnyMap(payload.Properties)
		rec.ModifiedOn = now
		m.records[recordID] = rec
		m.history[recordID] = append(m.history[recordID], record.ComputeHistoryEntry{
			ID: historyID, RecordID: recordID, Status: record.StatusComplete,
			ManagerName: &name, Provenance: copyAnyMap(payload.Provenance), CreatedOn: now, ModifiedOn: now,
		})
		if len(payload.Stdout) > 0 {
			m.outputs[historyID] = append(m.outputs[historyID], record.Output{HistoryID: historyID, Kind: record.OutputStdout, Compression: "none", Data: payload.Stdout})
		}
		if len(payload.Stderr) > 0 {
			m.outputs[historyID] = append(m.outputs[historyID], record.Output{HistoryID: historyID, Kind: record.OutputStderr, Compression: "none", Data: payload.Stderr})
		}
		mgr := m.managers[managerName]
		mgr.Counters.Successes++
		m.managers[managerName] = mgr
	} else {
		rec.Status = record.StatusError
		rec.ModifiedOn = now
		m.records[recordID] = rec
		m.history[recordID] = append(m.history[recordID], record.ComputeHistoryEntry{
			ID: historyID, RecordID: recordID, Status: record.StatusError,
			ManagerName: &name, CreatedOn: now, ModifiedOn: now,
		})
		m.outputs[historyID] = append(m.outputs[historyID], record.Output{HistoryID: historyID, Kind: record.OutputError, Compression: "none", Data: []byte(payload.ErrorMessage)})
		mgr := m.managers[managerName]
		mgr.Counters.Failures++
		m.managers[managerName] = mgr
	}

	delete(m.tasks, taskID)
	for sid, deps := range m.serviceDeps {
		m.serviceDeps[sid] = removeDep(deps, recordID)
	}
	return ""
}

func removeDep(deps []record.ServiceDependency, childRecordID int64) []record.ServiceDependency {
	out := deps[:0]
	for _, d := range deps {
		if d.ChildRecordID != childRecordID {
			out = append(out, d)
		}
	}
	return out
}

// Manager store -----------------------------------------------------------------

func (m *Memory) Activate(_ context.Context, mgr manager.Manager) (manager.Manager, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tags := manager.NormalizeTags(mgr.Tags)
	programs := manager.NormalizePrograms(mgr.Programs)
	if len(tags) == 0 || len(programs) == 0 {
		return manager.Manager{}, svcerrors.Validation("tags/programs", "tags and programs must be non-empty after normalization")
	}
	if _, exists := m.managers[mgr.Name]; exists {
		return manager.Manager{}, svcerrors.StateConflict(fmt.Sprintf("manager name %q already registered", mgr.Name))
	}

	now := time.Now().UTC()
	m.nextManagerID++
	mgr.ID = m.nextManagerID
	mgr.Tags = tags
	mgr.Programs = programs
	mgr.Status = manager.StatusActive
	mgr.CreatedOn = now
	mgr.ModifiedOn = now
	m.managers[mgr.Name] = mgr
	return mgr, nil
}

func (m *Memory) Update(_ context.Context, name string, status *manager.Status, counters manager.Counters, gauges manager.Gauges) (manager.Manager, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mgr, ok := m.managers[name]
	if !ok {
		return manager.Manager{}, svcerrors.NotFound("manager", name)
	}
	if mgr.Status != manager.StatusActive {
		return manager.Manager{}, svcerrors.StateConflict(fmt.Sprintf("manager %q is inactive; re-activate before updating", name))
	}
	if status != nil {
		mgr.Status = *status
	}
	mgr.Counters = counters
	mgr.Gauges = gauges
	mgr.ModifiedOn = time.Now().UTC()
	m.managers[name] = mgr
	return mgr, nil
}

func (m *Memory) Deactivate(_ context.Context, names []string, modifiedBefore *time.Time, reason string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var affected []string
	if len(names) > 0 {
		for _, name := range names {
			if mgr, ok := m.managers[name]; ok && mgr.Status == manager.StatusActive {
				mgr.Status = manager.StatusInactive
				mgr.ModifiedOn = time.Now().UTC()
				m.managers[name] = mgr
				affected = append(affected, name)
			}
		}
	} else {
		before := time.Now().UTC()
		if modifiedBefore != nil {
			before = *modifiedBefore
		}
		for name, mgr := range m.managers {
			if mgr.Status == manager.StatusActive && mgr.ModifiedOn.Before(before) {
				mgr.Status = manager.StatusInactive
				mgr.ModifiedOn = time.Now().UTC()
				m.managers[name] = mgr
				affected = append(affected, name)
			}
		}
	}

	for _, name := range affected {
		m.recycleManagerRecordsLocked(name, reason)
	}
	return affected, nil
}

func (m *Memory) recycleManagerRecordsLocked(managerName, reason string) {
	now := time.Now().UTC()
	for id, rec := range m.records {
		if rec.ManagerName == nil || *rec.ManagerName != managerName || rec.Status != record.StatusRunning {
			continue
		}
		rec.Status = record.StatusWaiting
		rec.ManagerName = nil
		rec.ModifiedOn = now
		m.records[id] = rec

		if t, ok := m.tasks[id]; ok {
			t.SortDate = now
			m.tasks[id] = t
		} else if _, isService := m.services[id]; !isService {
			m.tasks[id] = record.Task{
				ID: id, RecordID: id, Tag: manager.WildcardTag, Priority: record.PriorityNormal,
				CreatedOn: now, SortDate: now,
			}
		}

		name := managerName
		m.nextHistoryID++
		m.history[id] = append(m.history[id], record.ComputeHistoryEntry{
			ID: m.nextHistoryID, RecordID: id, Status: record.StatusError, ManagerName: &name,
			Provenance: map[string]any{"error": reason}, CreatedOn: now, ModifiedOn: now,
		})
	}
}

func (m *Memory) Query(_ context.Context, q ManagerQuery) ([]manager.Manager, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	var out []manager.Manager
	for _, mgr := range m.managers {
		if q.Status != nil && mgr.Status != *q.Status {
			continue
		}
		if q.Cluster != "" && mgr.Cluster != q.Cluster {
			continue
		}
		if q.BeforeID > 0 && mgr.ID >= q.BeforeID {
			continue
		}
		out = append(out, mgr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) GetManager(_ context.Context, name string) (manager.Manager, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mgr, ok := m.managers[name]
	if !ok {
		return manager.Manager{}, svcerrors.NotFound("manager", name)
	}
	return mgr, nil
}

func (m *Memory) ListExpired(_ context.Context, now time.Time, frequency time.Duration, maxMissed int) ([]manager.Manager, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	threshold := now.Add(-time.Duration(maxMissed) * frequency)
	var out []manager.Manager
	for _, mgr := range m.managers {
		if mgr.Status == manager.StatusActive && mgr.ModifiedOn.Before(threshold) {
			out = append(out, mgr)
		}
	}
	return out, nil
}

// Service store -----------------------------------------------------------------

func (m *Memory) ClaimRunnable(_ context.Context, limit int) ([]record.Service, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	var out []record.Service
	var ids []int64
	for id := range m.services {
		if len(m.serviceDeps[id]) > 0 {
			continue
		}
		rec, ok := m.records[id]
		if !ok || (rec.Status != record.StatusRunning && rec.Status != record.StatusWaiting) {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if len(out) >= limit {
			break
		}
		out = append(out, cloneService(m.services[id]))
	}
	return out, nil
}

func (m *Memory) Dependencies(_ context.Context, serviceID int64) ([]record.ServiceDependency, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]record.ServiceDependency(nil), m.serviceDeps[serviceID]...), nil
}

func (m *Memory) DependentServiceCount(_ context.Context, childRecordID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, deps := range m.serviceDeps {
		for _, d := range deps {
			if d.ChildRecordID == childRecordID {
				count++
				break
			}
		}
	}
	return count, nil
}

func (m *Memory) AddDependencies(_ context.Context, serviceID int64, deps []record.ServiceDependency) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, dep := range deps {
		child, ok := m.records[dep.ChildRecordID]
		if !ok {
			return svcerrors.NotFound("record", fmt.Sprintf("%d", dep.ChildRecordID))
		}
		if child.Status == record.StatusComplete {
			continue
		}
		exists := false
		for _, existing := range m.serviceDeps[serviceID] {
			if existing.ChildRecordID == dep.ChildRecordID {
				exists = true
				break
			}
		}
		if !exists {
			m.serviceDeps[serviceID] = append(m.serviceDeps[serviceID], dep)
		}
	}
	return nil
}

func (m *Memory) RemoveDependency(_ context.Context, serviceID, childRecordID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.serviceDeps[serviceID] = removeDep(m.serviceDeps[serviceID], childRecordID)
	return nil
}

func (m *Memory) UpdateState(_ context.Context, serviceID int64, iteration int, state map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	svc, ok := m.services[serviceID]
	if !ok {
		return svcerrors.NotFound("service", fmt.Sprintf("%d", serviceID))
	}
	svc.Iteration = iteration
	svc.State = copyAnyMap(state)
	m.services[serviceID] = svc
	return nil
}

func (m *Memory) CompleteService(_ context.Context, recordID int64, properties map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[recordID]
	if !ok {
		return svcerrors.NotFound("record", "service")
	}
	now := time.Now().UTC()
	rec.Status = record.StatusComplete
	rec.Properties = copyAnyMap(properties)
	rec.ModifiedOn = now
	m.records[recordID] = rec

	m.nextHistoryID++
	m.history[recordID] = append(m.history[recordID], record.ComputeHistoryEntry{
		ID: m.nextHistoryID, RecordID: recordID, Status: record.StatusComplete, CreatedOn: now, ModifiedOn: now,
	})

	delete(m.services, recordID)
	delete(m.serviceDeps, recordID)
	return nil
}

// Job store -----------------------------------------------------------------

func (m *Memory) AddJob(_ context.Context, j job.Job) (job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if j.ScheduledDate.IsZero() {
		j.ScheduledDate = time.Now().UTC()
	}
	if j.Status == "" {
		j.Status = job.StatusWaiting
	}

	if j.UniqueName != "" {
		for _, existing := range m.jobs {
			if existing.UniqueName == j.UniqueName && !existing.IsTerminal() {
				return existing, nil
			}
		}
	}

	m.nextJobID++
	j.ID = m.nextJobID
	j.LastUpdated = time.Now().UTC()
	m.jobs[j.ID] = j
	return j, nil
}

func (m *Memory) ClaimJob(_ context.Context, runnerHostname, runnerUUID string, now time.Time) (job.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []int64
	for id, j := range m.jobs {
		if j.Status == job.StatusWaiting && !j.ScheduledDate.After(now) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := m.jobs[ids[i]], m.jobs[ids[j]]
		if !a.ScheduledDate.Equal(b.ScheduledDate) {
			return a.ScheduledDate.Before(b.ScheduledDate)
		}
		return ids[i] < ids[j]
	})

	for _, id := range ids {
		j := m.jobs[id]
		if j.SerialGroup != "" && m.serialGroupBusyLocked(j.SerialGroup, id) {
			continue
		}
		j.Status = job.StatusRunning
		started := now
		j.StartedDate = &started
		j.LastUpdated = now
		j.RunnerHostname = runnerHostname
		j.RunnerUUID = runnerUUID
		m.jobs[id] = j
		return j, true, nil
	}
	return job.Job{}, false, nil
}

func (m *Memory) serialGroupBusyLocked(group string, excludeID int64) bool {
	for id, j := range m.jobs {
		if id != excludeID && j.SerialGroup == group && j.Status == job.StatusRunning {
			return true
		}
	}
	return false
}

func (m *Memory) Finish(_ context.Context, id int64, status job.Status, result map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return svcerrors.NotFound("job", fmt.Sprintf("%d", id))
	}
	now := time.Now().UTC()
	j.Status = status
	j.Result = copyAnyMap(result)
	j.EndedDate = &now
	j.LastUpdated = now
	m.jobs[id] = j

	if j.AfterFunction != "" {
		m.nextJobID++
		m.jobs[m.nextJobID] = job.Job{
			ID: m.nextJobID, Name: j.AfterFunction, Function: j.AfterFunction,
			Kwargs: copyAnyMap(j.AfterFunctionKwargs), Status: job.StatusWaiting,
			ScheduledDate: now, LastUpdated: now,
		}
	}
	return nil
}

func (m *Memory) UpdateProgress(_ context.Context, id int64, progress int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok || j.Status != job.StatusRunning {
		return nil
	}
	j.Progress = progress
	j.LastUpdated = time.Now().UTC()
	m.jobs[id] = j
	return nil
}

func (m *Memory) ReapStale(_ context.Context, now time.Time, staleAfter time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, j := range m.jobs {
		if j.IsStale(now, staleAfter) {
			j.Status = job.StatusWaiting
			j.RunnerHostname = ""
			j.RunnerUUID = ""
			j.StartedDate = nil
			j.LastUpdated = now
			m.jobs[id] = j
			n++
		}
	}
	return n, nil
}

func (m *Memory) GetJob(_ context.Context, id int64) (job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return job.Job{}, errors.New("no such job")
	}
	return j, nil
}

// Clone helpers ------------------------------------------------------------------

func copyAnyMap(src map[string]any) map[string]any {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func cloneRecord(rec record.Record) record.Record {
	rec.MoleculeIDs = append([]int64(nil), rec.MoleculeIDs...)
	rec.Extras = copyAnyMap(rec.Extras)
	rec.Properties = copyAnyMap(rec.Properties)
	rec.ComputeHistory = nil
	rec.Task = nil
	return rec
}

func cloneTask(t record.Task) record.Task {
	t.RequiredPrograms = append([]string(nil), t.RequiredPrograms...)
	t.FunctionKwargs = copyAnyMap(t.FunctionKwargs)
	return t
}

func cloneHistory(h record.ComputeHistoryEntry) record.ComputeHistoryEntry {
	h.Provenance = copyAnyMap(h.Provenance)
	h.Outputs = nil
	return h
}

func cloneService(svc record.Service) record.Service {
	svc.State = copyAnyMap(svc.State)
	return svc
}

func normalizeProgramList(programs []string) []string {
	seen := make(map[string]bool, len(programs))
	out := make([]string, 0, len(programs))
	for _, p := range programs {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}
