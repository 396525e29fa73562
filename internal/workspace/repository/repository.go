// Package repository is the Postgres-backed implementation of store.Store.
// The in-memory store is the default; this one is wired when a database is
// configured.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/payrollhub/payroll-backend/internal/ingestion/normalizer"
	"github.com/payrollhub/payroll-backend/internal/workspace/domain"
	"github.com/payrollhub/payroll-backend/internal/workspace/store"
	"github.com/payrollhub/payroll-backend/pkg/database"
	"github.com/payrollhub/payroll-backend/pkg/errors"
)

// WorkspaceRepository persists workspaces, facts, policies and results
type WorkspaceRepository struct {
	db *database.DB
}

// New creates a new workspace repository
func New(db *database.DB) *WorkspaceRepository {
	return &WorkspaceRepository{db: db}
}

var _ store.Store = (*WorkspaceRepository)(nil)

func (r *WorkspaceRepository) EnsureWorkspace(ctx context.Context, id string) (*domain.Workspace, error) {
	query := `
		INSERT INTO workspaces (id, month, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING
	`
	if _, err := r.db.ExecContext(ctx, query, id, id, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("ensure workspace: %w", err)
	}
	return r.GetWorkspace(ctx, id)
}

func (r *WorkspaceRepository) GetWorkspace(ctx context.Context, id string) (*domain.Workspace, error) {
	var ws domain.Workspace
	query := `SELECT id, month, created_at FROM workspaces WHERE id = $1`
	err := r.db.GetContext(ctx, &ws, query, id)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("workspace " + id)
	}
	if err != nil {
		return nil, err
	}
	return &ws, nil
}

func (r *WorkspaceRepository) ListWorkspaces(ctx context.Context) ([]domain.Workspace, error) {
	var workspaces []domain.Workspace
	query := `SELECT id, month, created_at FROM workspaces ORDER BY id`
	if err := r.db.SelectContext(ctx, &workspaces, query); err != nil {
		return nil, err
	}
	return workspaces, nil
}

// jobRow is the storage shape of an upload job; rejection notes travel as JSON
type jobRow struct {
	domain.UploadJob
	RejectionsJSON []byte `db:"rejections"`
}

func marshalRejections(job *domain.UploadJob) ([]byte, error) {
	if len(job.Rejections) == 0 {
		return nil, nil
	}
	return json.Marshal(job.Rejections)
}

func (r *WorkspaceRepository) CreateJob(ctx context.Context, job *domain.UploadJob) error {
	rejections, err := marshalRejections(job)
	if err != nil {
		return fmt.Errorf("marshal rejections: %w", err)
	}
	query := `
		INSERT INTO upload_jobs (
			id, workspace_id, filename, status, schema, error,
			rows_ingested, placeholders, rows_rejected, rejections,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err = r.db.ExecContext(ctx, query,
		job.ID, job.WorkspaceID, job.Filename, job.Status, job.Schema, job.Error,
		job.RowsIngested, job.Placeholders, job.RowsRejected, rejections,
		job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (r *WorkspaceRepository) UpdateJob(ctx context.Context, job *domain.UploadJob) error {
	rejections, err := marshalRejections(job)
	if err != nil {
		return fmt.Errorf("marshal rejections: %w", err)
	}
	job.UpdatedAt = time.Now().UTC()
	query := `
		UPDATE upload_jobs
		SET status = $1, schema = $2, error = $3, rows_ingested = $4,
		    placeholders = $5, rows_rejected = $6, rejections = $7, updated_at = $8
		WHERE id = $9 AND workspace_id = $10 AND status NOT IN ('completed', 'failed')
	`
	result, err := r.db.ExecContext(ctx, query,
		job.Status, job.Schema, job.Error, job.RowsIngested,
		job.Placeholders, job.RowsRejected, rejections, job.UpdatedAt,
		job.ID, job.WorkspaceID,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		if _, gerr := r.GetJob(ctx, job.WorkspaceID, job.ID); gerr != nil {
			return gerr
		}
		return errors.Conflict("job " + job.ID + " is already terminal")
	}
	return nil
}

func unmarshalJob(row *jobRow) (*domain.UploadJob, error) {
	job := row.UploadJob
	if len(row.RejectionsJSON) > 0 {
		if err := json.Unmarshal(row.RejectionsJSON, &job.Rejections); err != nil {
			return nil, fmt.Errorf("unmarshal rejections: %w", err)
		}
	}
	return &job, nil
}

func (r *WorkspaceRepository) GetJob(ctx context.Context, workspaceID, jobID string) (*domain.UploadJob, error) {
	var row jobRow
	query := `
		SELECT id, workspace_id, filename, status, schema, error,
		       rows_ingested, placeholders, rows_rejected, rejections,
		       created_at, updated_at
		FROM upload_jobs
		WHERE workspace_id = $1 AND id = $2
	`
	err := r.db.GetContext(ctx, &row, query, workspaceID, jobID)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("job " + jobID)
	}
	if err != nil {
		return nil, err
	}
	return unmarshalJob(&row)
}

func (r *WorkspaceRepository) ListJobs(ctx context.Context, workspaceID string) ([]domain.UploadJob, error) {
	query := `
		SELECT id, workspace_id, filename, status, schema, error,
		       rows_ingested, placeholders, rows_rejected, rejections,
		       created_at, updated_at
		FROM upload_jobs
		WHERE workspace_id = $1
		ORDER BY created_at
	`
	rows, err := r.db.QueryxContext(ctx, query, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.UploadJob
	for rows.Next() {
		var row jobRow
		if err := rows.StructScan(&row); err != nil {
			return nil, err
		}
		job, err := unmarshalJob(&row)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func (r *WorkspaceRepository) NextIngestSeq(ctx context.Context, workspaceID string) (int64, error) {
	var seq int64
	query := `
		INSERT INTO ingest_sequences (workspace_id, seq)
		VALUES ($1, 1)
		ON CONFLICT (workspace_id) DO UPDATE SET seq = ingest_sequences.seq + 1
		RETURNING seq
	`
	if err := r.db.QueryRowxContext(ctx, query, workspaceID).Scan(&seq); err != nil {
		return 0, fmt.Errorf("next ingest seq: %w", err)
	}
	return seq, nil
}

// factRow is the storage shape of a fact; the Tags map travels as JSON
type factRow struct {
	ID string `db:"id"`
	domain.FactRecord
	TagsJSON []byte `db:"tags"`
}

func (r *WorkspaceRepository) UpsertFacts(ctx context.Context, workspaceID string, facts []domain.FactRecord) (*store.UpsertStats, error) {
	stats := &store.UpsertStats{}
	err := r.db.Transaction(ctx, func(tx *sqlx.Tx) error {
		for i := range facts {
			fact := &facts[i]
			if !fact.Placeholder() {
				skip, superseded, err := supersedePrior(ctx, tx, workspaceID, fact)
				if err != nil {
					return err
				}
				stats.Superseded += superseded
				if skip {
					stats.Skipped++
					continue
				}
			}
			if err := insertFact(ctx, tx, workspaceID, fact); err != nil {
				return err
			}
			stats.Inserted++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// supersedePrior marks live facts with the same logical key superseded.
// skip is true when the same content already exists (idempotent re-upload).
func supersedePrior(ctx context.Context, tx *sqlx.Tx, workspaceID string, fact *domain.FactRecord) (bool, int, error) {
	var existing []string
	query := `
		SELECT source_hash FROM fact_records
		WHERE workspace_id = $1 AND employee_key = $2 AND period_month = $3
		  AND metric_code = $4 AND NOT superseded AND confidence > 0
		FOR UPDATE
	`
	if err := tx.SelectContext(ctx, &existing, query,
		workspaceID, fact.EmployeeKey, fact.PeriodMonth, fact.MetricCode); err != nil {
		return false, 0, fmt.Errorf("lock prior facts: %w", err)
	}

	for _, hash := range existing {
		if hash == fact.SourceHash {
			return true, 0, nil
		}
	}
	if len(existing) == 0 {
		return false, 0, nil
	}

	update := `
		UPDATE fact_records
		SET superseded = TRUE, superseded_by = $1
		WHERE workspace_id = $2 AND employee_key = $3 AND period_month = $4
		  AND metric_code = $5 AND NOT superseded AND confidence > 0
	`
	result, err := tx.ExecContext(ctx, update,
		fact.SourceHash, workspaceID, fact.EmployeeKey, fact.PeriodMonth, fact.MetricCode)
	if err != nil {
		return false, 0, fmt.Errorf("supersede prior facts: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, 0, err
	}
	return false, int(affected), nil
}

func insertFact(ctx context.Context, tx *sqlx.Tx, workspaceID string, fact *domain.FactRecord) error {
	tags, err := json.Marshal(fact.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	query := `
		INSERT INTO fact_records (
			id, workspace_id, employee_name, employee_key, period_month,
			metric_code, metric_value, unit, metric_label, source_file,
			source_sheet, source_row, source_hash, confidence, note, tags,
			ingest_seq, superseded, superseded_by
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`
	_, err = tx.ExecContext(ctx, query,
		uuid.New().String(), workspaceID, fact.EmployeeName, fact.EmployeeKey, fact.PeriodMonth,
		fact.MetricCode, fact.MetricValue, fact.Unit, fact.MetricLabel, fact.SourceFile,
		fact.SourceSheet, fact.SourceRow, fact.SourceHash, fact.Confidence, fact.Note, tags,
		fact.IngestSeq, fact.Superseded, fact.SupersededBy,
	)
	if err != nil {
		return fmt.Errorf("insert fact: %w", err)
	}
	return nil
}

func (r *WorkspaceRepository) ListFacts(ctx context.Context, workspaceID, period string, includeSuperseded bool) ([]domain.FactRecord, error) {
	query := `
		SELECT workspace_id, employee_name, employee_key, period_month,
		       metric_code, metric_value, unit, metric_label, source_file,
		       source_sheet, source_row, source_hash, confidence, note, tags,
		       ingest_seq, superseded, superseded_by
		FROM fact_records
		WHERE workspace_id = $1 AND period_month = $2
	`
	if !includeSuperseded {
		query += ` AND NOT superseded`
	}
	query += ` ORDER BY ingest_seq, employee_key, metric_code`

	rows, err := r.db.QueryxContext(ctx, query, workspaceID, period)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var facts []domain.FactRecord
	for rows.Next() {
		var row factRow
		if err := rows.StructScan(&row); err != nil {
			return nil, err
		}
		fact := row.FactRecord
		if len(row.TagsJSON) > 0 {
			if err := json.Unmarshal(row.TagsJSON, &fact.Tags); err != nil {
				return nil, fmt.Errorf("unmarshal tags: %w", err)
			}
		}
		facts = append(facts, fact)
	}
	return facts, rows.Err()
}

// policyRow is the storage shape of an effective snapshot. Everything
// beyond the identity and scalar pay fields travels as one JSON document to
// keep the merge read-modify-write simple.
type policyRow struct {
	WorkspaceID string `db:"workspace_id"`
	EmployeeKey string `db:"employee_key"`
	PeriodMonth string `db:"period_month"`
	SourceRank  int    `db:"source_rank"`
	Snapshot    []byte `db:"snapshot"`
}

func (r *WorkspaceRepository) MergePolicy(ctx context.Context, workspaceID string, snapshot *domain.PolicySnapshot, rank int) (*domain.PolicySnapshot, error) {
	var merged *domain.PolicySnapshot
	err := r.db.Transaction(ctx, func(tx *sqlx.Tx) error {
		var row policyRow
		query := `
			SELECT workspace_id, employee_key, period_month, source_rank, snapshot
			FROM policy_snapshots
			WHERE workspace_id = $1 AND employee_key = $2 AND period_month = $3
			FOR UPDATE
		`
		err := tx.GetContext(ctx, &row, query, workspaceID, snapshot.EmployeeKey, snapshot.PeriodMonth)
		now := time.Now().UTC()
		newRank := rank

		switch {
		case err == sql.ErrNoRows:
			merged = normalizer.MergePolicies(nil, snapshot, now)
		case err != nil:
			return fmt.Errorf("lock policy snapshot: %w", err)
		default:
			var existing domain.PolicySnapshot
			if uerr := json.Unmarshal(row.Snapshot, &existing); uerr != nil {
				return fmt.Errorf("unmarshal policy snapshot: %w", uerr)
			}
			if normalizer.Precedes(&existing, snapshot, row.SourceRank, rank) {
				merged = normalizer.MergePolicies(&existing, snapshot, now)
			} else {
				merged = normalizer.MergePolicies(snapshot, &existing, now)
				newRank = row.SourceRank
			}
		}

		body, merr := json.Marshal(merged)
		if merr != nil {
			return fmt.Errorf("marshal policy snapshot: %w", merr)
		}
		upsert := `
			INSERT INTO policy_snapshots (workspace_id, employee_key, period_month, source_rank, snapshot)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (workspace_id, employee_key, period_month)
			DO UPDATE SET source_rank = EXCLUDED.source_rank, snapshot = EXCLUDED.snapshot
		`
		if _, uerr := tx.ExecContext(ctx, upsert,
			workspaceID, merged.EmployeeKey, merged.PeriodMonth, newRank, body); uerr != nil {
			return fmt.Errorf("upsert policy snapshot: %w", uerr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return merged, nil
}

func (r *WorkspaceRepository) GetPolicy(ctx context.Context, workspaceID, employeeKey, period string) (*domain.PolicySnapshot, error) {
	var body []byte
	query := `
		SELECT snapshot FROM policy_snapshots
		WHERE workspace_id = $1 AND employee_key = $2 AND period_month = $3
	`
	err := r.db.GetContext(ctx, &body, query, workspaceID, employeeKey, period)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("no effective policy for " + employeeKey + " in " + period)
	}
	if err != nil {
		return nil, err
	}
	var snapshot domain.PolicySnapshot
	if err := json.Unmarshal(body, &snapshot); err != nil {
		return nil, fmt.Errorf("unmarshal policy snapshot: %w", err)
	}
	return &snapshot, nil
}

func (r *WorkspaceRepository) ListPolicies(ctx context.Context, workspaceID, period string) ([]domain.PolicySnapshot, error) {
	var bodies [][]byte
	query := `
		SELECT snapshot FROM policy_snapshots
		WHERE workspace_id = $1 AND period_month = $2
		ORDER BY employee_key
	`
	if err := r.db.SelectContext(ctx, &bodies, query, workspaceID, period); err != nil {
		return nil, err
	}

	policies := make([]domain.PolicySnapshot, 0, len(bodies))
	for _, body := range bodies {
		var snapshot domain.PolicySnapshot
		if err := json.Unmarshal(body, &snapshot); err != nil {
			return nil, fmt.Errorf("unmarshal policy snapshot: %w", err)
		}
		policies = append(policies, snapshot)
	}
	return policies, nil
}

func (r *WorkspaceRepository) SaveResults(ctx context.Context, workspaceID, period string, results []domain.PayrollResult) error {
	return r.db.Transaction(ctx, func(tx *sqlx.Tx) error {
		del := `DELETE FROM payroll_results WHERE workspace_id = $1 AND period_month = $2`
		if _, err := tx.ExecContext(ctx, del, workspaceID, period); err != nil {
			return fmt.Errorf("clear results: %w", err)
		}

		insert := `
			INSERT INTO payroll_results (workspace_id, period_month, employee_key, result)
			VALUES ($1, $2, $3, $4)
		`
		for i := range results {
			body, err := json.Marshal(&results[i])
			if err != nil {
				return fmt.Errorf("marshal result: %w", err)
			}
			if _, err := tx.ExecContext(ctx, insert,
				workspaceID, period, results[i].EmployeeKey, body); err != nil {
				return fmt.Errorf("insert result for %s: %w", results[i].EmployeeKey, err)
			}
		}
		return nil
	})
}

func (r *WorkspaceRepository) GetResults(ctx context.Context, workspaceID, period string) ([]domain.PayrollResult, error) {
	var bodies [][]byte
	query := `
		SELECT result FROM payroll_results
		WHERE workspace_id = $1 AND period_month = $2
		ORDER BY employee_key
	`
	if err := r.db.SelectContext(ctx, &bodies, query, workspaceID, period); err != nil {
		return nil, err
	}
	if len(bodies) == 0 {
		return nil, errors.NotFound("no results for " + period)
	}

	results := make([]domain.PayrollResult, 0, len(bodies))
	for _, body := range bodies {
		var result domain.PayrollResult
		if err := json.Unmarshal(body, &result); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
		results = append(results, result)
	}
	return results, nil
}
