package store

import (
	"context"

	"github.com/payrollhub/payroll-backend/internal/workspace/domain"
)

// UpsertStats summarizes one fact batch write
type UpsertStats struct {
	Inserted   int `json:"inserted"`
	Superseded int `json:"superseded"`
	Skipped    int `json:"skipped"`
}

// Store is the persistence boundary for workspaces, facts, policy snapshots
// and results. The in-memory implementation is the default; the Postgres
// repository implements the same interface. All writes are read-your-writes:
// a List following an Upsert on the same store observes the upsert.
type Store interface {
	// EnsureWorkspace creates the workspace for a month if it does not
	// exist yet and returns it either way.
	EnsureWorkspace(ctx context.Context, id string) (*domain.Workspace, error)
	GetWorkspace(ctx context.Context, id string) (*domain.Workspace, error)
	ListWorkspaces(ctx context.Context) ([]domain.Workspace, error)

	CreateJob(ctx context.Context, job *domain.UploadJob) error
	// UpdateJob replaces the stored job. Updating a job already in a
	// terminal status is an error.
	UpdateJob(ctx context.Context, job *domain.UploadJob) error
	GetJob(ctx context.Context, workspaceID, jobID string) (*domain.UploadJob, error)
	ListJobs(ctx context.Context, workspaceID string) ([]domain.UploadJob, error)

	// NextIngestSeq allocates the next value of the workspace's monotonic
	// ingest sequence. Every batch written under one upload shares one
	// sequence value.
	NextIngestSeq(ctx context.Context, workspaceID string) (int64, error)

	// UpsertFacts writes a normalized fact batch. A fact whose logical key
	// already exists with the same source hash is skipped; with a different
	// source hash, the stored fact is marked superseded and the new one
	// inserted. Placeholder facts are always appended as-is.
	UpsertFacts(ctx context.Context, workspaceID string, facts []domain.FactRecord) (*UpsertStats, error)
	// ListFacts returns facts for a period; superseded records only when
	// includeSuperseded is set.
	ListFacts(ctx context.Context, workspaceID, period string, includeSuperseded bool) ([]domain.FactRecord, error)

	// MergePolicy folds the snapshot into the employee's effective policy
	// for its period and returns the merged snapshot. rank orders
	// same-sequence merges between extractor sources.
	MergePolicy(ctx context.Context, workspaceID string, snapshot *domain.PolicySnapshot, rank int) (*domain.PolicySnapshot, error)
	GetPolicy(ctx context.Context, workspaceID, employeeKey, period string) (*domain.PolicySnapshot, error)
	ListPolicies(ctx context.Context, workspaceID, period string) ([]domain.PolicySnapshot, error)

	// SaveResults atomically replaces the result set for a period
	SaveResults(ctx context.Context, workspaceID, period string, results []domain.PayrollResult) error
	GetResults(ctx context.Context, workspaceID, period string) ([]domain.PayrollResult, error)
}
