package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/payrollhub/payroll-backend/internal/ingestion/normalizer"
	"github.com/payrollhub/payroll-backend/internal/workspace/domain"
	"github.com/payrollhub/payroll-backend/pkg/errors"
)

// Memory is the default Store: everything lives in maps under one RWMutex.
// Values are deep-copied on the way in and out, map and slice fields
// included, so callers can never mutate stored state behind the lock.
type Memory struct {
	mu         sync.RWMutex
	workspaces map[string]domain.Workspace
	jobs       map[string]map[string]domain.UploadJob       // ws -> job id -> job
	facts      map[string][]domain.FactRecord               // ws -> append-only fact log
	policies   map[string]map[string]domain.PolicySnapshot  // ws -> key|period -> effective snapshot
	ranks      map[string]map[string]int                    // ws -> key|period -> rank of last merged source
	results    map[string]map[string][]domain.PayrollResult // ws -> period -> results
	sequences  map[string]int64                             // ws -> last ingest seq
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		workspaces: make(map[string]domain.Workspace),
		jobs:       make(map[string]map[string]domain.UploadJob),
		facts:      make(map[string][]domain.FactRecord),
		policies:   make(map[string]map[string]domain.PolicySnapshot),
		ranks:      make(map[string]map[string]int),
		results:    make(map[string]map[string][]domain.PayrollResult),
		sequences:  make(map[string]int64),
	}
}

func (m *Memory) EnsureWorkspace(_ context.Context, id string) (*domain.Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ws, ok := m.workspaces[id]; ok {
		return &ws, nil
	}
	ws := domain.Workspace{
		ID:        id,
		Month:     id,
		CreatedAt: time.Now().UTC(),
	}
	m.workspaces[id] = ws
	return &ws, nil
}

func (m *Memory) GetWorkspace(_ context.Context, id string) (*domain.Workspace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ws, ok := m.workspaces[id]
	if !ok {
		return nil, errors.NotFound("workspace " + id)
	}
	return &ws, nil
}

func (m *Memory) ListWorkspaces(_ context.Context) ([]domain.Workspace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.Workspace, 0, len(m.workspaces))
	for _, ws := range m.workspaces {
		out = append(out, ws)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) CreateJob(_ context.Context, job *domain.UploadJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.jobs[job.WorkspaceID] == nil {
		m.jobs[job.WorkspaceID] = make(map[string]domain.UploadJob)
	}
	if _, exists := m.jobs[job.WorkspaceID][job.ID]; exists {
		return errors.Conflict("job " + job.ID + " already exists")
	}
	m.jobs[job.WorkspaceID][job.ID] = job.Clone()
	return nil
}

func (m *Memory) UpdateJob(_ context.Context, job *domain.UploadJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.jobs[job.WorkspaceID][job.ID]
	if !ok {
		return errors.NotFound("job " + job.ID)
	}
	if stored.Status.Terminal() {
		return errors.Conflict("job " + job.ID + " is already " + string(stored.Status))
	}
	job.UpdatedAt = time.Now().UTC()
	m.jobs[job.WorkspaceID][job.ID] = job.Clone()
	return nil
}

func (m *Memory) GetJob(_ context.Context, workspaceID, jobID string) (*domain.UploadJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stored, ok := m.jobs[workspaceID][jobID]
	if !ok {
		return nil, errors.NotFound("job " + jobID)
	}
	job := stored.Clone()
	return &job, nil
}

func (m *Memory) ListJobs(_ context.Context, workspaceID string) ([]domain.UploadJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.UploadJob, 0, len(m.jobs[workspaceID]))
	for _, job := range m.jobs[workspaceID] {
		out = append(out, job.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) NextIngestSeq(_ context.Context, workspaceID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sequences[workspaceID]++
	return m.sequences[workspaceID], nil
}

func (m *Memory) UpsertFacts(_ context.Context, workspaceID string, facts []domain.FactRecord) (*UpsertStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := &UpsertStats{}
	log := m.facts[workspaceID]

	for _, fact := range facts {
		if fact.Placeholder() {
			log = append(log, fact.Clone())
			stats.Inserted++
			continue
		}

		duplicate := false
		for i := range log {
			if log[i].Placeholder() || log[i].Superseded {
				continue
			}
			if log[i].LogicalKey() != fact.LogicalKey() {
				continue
			}
			if log[i].SourceHash == fact.SourceHash {
				duplicate = true
				break
			}
			log[i].Superseded = true
			log[i].SupersededBy = fact.SourceHash
			stats.Superseded++
		}
		if duplicate {
			stats.Skipped++
			continue
		}
		log = append(log, fact.Clone())
		stats.Inserted++
	}

	m.facts[workspaceID] = log
	return stats, nil
}

func (m *Memory) ListFacts(_ context.Context, workspaceID, period string, includeSuperseded bool) ([]domain.FactRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.FactRecord
	for _, fact := range m.facts[workspaceID] {
		if period != "" && fact.PeriodMonth != period {
			continue
		}
		if fact.Superseded && !includeSuperseded {
			continue
		}
		out = append(out, fact.Clone())
	}
	return out, nil
}

func (m *Memory) MergePolicy(_ context.Context, workspaceID string, snapshot *domain.PolicySnapshot, rank int) (*domain.PolicySnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.policies[workspaceID] == nil {
		m.policies[workspaceID] = make(map[string]domain.PolicySnapshot)
		m.ranks[workspaceID] = make(map[string]int)
	}

	key := snapshot.Key()
	var merged *domain.PolicySnapshot
	now := time.Now().UTC()

	if existing, ok := m.policies[workspaceID][key]; ok {
		existingRank := m.ranks[workspaceID][key]
		if normalizer.Precedes(&existing, snapshot, existingRank, rank) {
			merged = normalizer.MergePolicies(&existing, snapshot, now)
			m.ranks[workspaceID][key] = rank
		} else {
			// Out-of-order arrival: the stored snapshot keeps precedence
			merged = normalizer.MergePolicies(snapshot, &existing, now)
		}
	} else {
		merged = normalizer.MergePolicies(nil, snapshot, now)
		m.ranks[workspaceID][key] = rank
	}

	m.policies[workspaceID][key] = merged.Clone()
	result := merged.Clone()
	return &result, nil
}

func (m *Memory) GetPolicy(_ context.Context, workspaceID, employeeKey, period string) (*domain.PolicySnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stored, ok := m.policies[workspaceID][employeeKey+"|"+period]
	if !ok {
		return nil, errors.NotFound("no effective policy for " + employeeKey + " in " + period)
	}
	snapshot := stored.Clone()
	return &snapshot, nil
}

func (m *Memory) ListPolicies(_ context.Context, workspaceID, period string) ([]domain.PolicySnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.PolicySnapshot
	for _, snapshot := range m.policies[workspaceID] {
		if period != "" && snapshot.PeriodMonth != period {
			continue
		}
		out = append(out, snapshot.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EmployeeKey < out[j].EmployeeKey })
	return out, nil
}

func (m *Memory) SaveResults(_ context.Context, workspaceID, period string, results []domain.PayrollResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.results[workspaceID] == nil {
		m.results[workspaceID] = make(map[string][]domain.PayrollResult)
	}
	m.results[workspaceID][period] = append([]domain.PayrollResult(nil), results...)
	return nil
}

func (m *Memory) GetResults(_ context.Context, workspaceID, period string) ([]domain.PayrollResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	results, ok := m.results[workspaceID][period]
	if !ok {
		return nil, errors.NotFound("no results for " + period)
	}
	return append([]domain.PayrollResult(nil), results...), nil
}

// compile-time interface check
var _ Store = (*Memory)(nil)
