package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/payrollhub/payroll-backend/internal/events"
	"github.com/payrollhub/payroll-backend/internal/ingestion/detector"
	"github.com/payrollhub/payroll-backend/internal/ingestion/extractor"
	"github.com/payrollhub/payroll-backend/internal/ingestion/normalizer"
	"github.com/payrollhub/payroll-backend/internal/ingestion/tabular"
	"github.com/payrollhub/payroll-backend/internal/workspace/domain"
	"github.com/payrollhub/payroll-backend/internal/workspace/store"
	"github.com/payrollhub/payroll-backend/pkg/errors"
	"github.com/payrollhub/payroll-backend/pkg/logger"
)

const queueDepth = 64

type task struct {
	jobID       string
	workspaceID string
	filename    string
	contentType string
	payload     []byte
	hint        string
}

// Orchestrator drives uploads through the pipeline: detect → extract →
// normalize → store. Each workspace gets one queue drained by one
// goroutine, so files for a workspace are processed strictly in upload
// order and never interleave writes; workspaces proceed independently.
type Orchestrator struct {
	store      store.Store
	detector   *detector.Detector
	registry   *extractor.Registry
	normalizer *normalizer.Normalizer
	events     *events.PayrollEvents
	log        *logger.Logger

	uploadDir       string
	unclassifiedDir string

	mu     sync.Mutex
	queues map[string]chan task
	closed bool
	wg     sync.WaitGroup
}

// New creates the ingestion orchestrator
func New(
	st store.Store,
	det *detector.Detector,
	registry *extractor.Registry,
	norm *normalizer.Normalizer,
	ev *events.PayrollEvents,
	uploadDir, unclassifiedDir string,
	log *logger.Logger,
) *Orchestrator {
	return &Orchestrator{
		store:           st,
		detector:        det,
		registry:        registry,
		normalizer:      norm,
		events:          ev,
		log:             log.WithComponent("orchestrator"),
		uploadDir:       uploadDir,
		unclassifiedDir: unclassifiedDir,
		queues:          make(map[string]chan task),
	}
}

// Submit accepts an upload, retains the raw payload, and queues it for the
// workspace's sequential worker. It returns the job handle immediately;
// callers poll the job for the outcome.
func (o *Orchestrator) Submit(ctx context.Context, workspaceID, filename, contentType string, payload []byte, hint string) (*domain.UploadJob, error) {
	if len(payload) == 0 {
		return nil, errors.BadRequest("empty payload")
	}
	if _, err := o.store.EnsureWorkspace(ctx, workspaceID); err != nil {
		return nil, err
	}

	job := &domain.UploadJob{
		ID:          uuid.New().String(),
		WorkspaceID: workspaceID,
		Filename:    filepath.Base(filename),
		Status:      domain.JobQueued,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	if err := o.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	if err := o.retainRaw(workspaceID, job.ID, job.Filename, payload); err != nil {
		// retention failure is not fatal to ingestion, but it is loud
		o.log.Error().Err(err).Str("job_id", job.ID).Msg("Failed to retain raw upload")
	}

	t := task{
		jobID:       job.ID,
		workspaceID: workspaceID,
		filename:    job.Filename,
		contentType: contentType,
		payload:     payload,
		hint:        hint,
	}
	if err := o.enqueue(t); err != nil {
		job.Status = domain.JobFailed
		job.Error = err.Error()
		_ = o.store.UpdateJob(ctx, job)
		return nil, err
	}
	return job, nil
}

// SubmitCorrection re-enters the pipeline at the normalizer with
// reviewer-supplied records. Corrections carry full confidence and
// supersede the flagged records they fix through the ordinary upsert path.
func (o *Orchestrator) SubmitCorrection(ctx context.Context, workspaceID string, facts []domain.FactRecord, policies []domain.PolicySnapshot) (*store.UpsertStats, *normalizer.Result, error) {
	if _, err := o.store.EnsureWorkspace(ctx, workspaceID); err != nil {
		return nil, nil, err
	}

	var normalized normalizer.Result
	o.normalizer.NormalizeFacts(workspaceID, facts, &normalized)
	o.normalizer.NormalizePolicies(workspaceID, policies, &normalized)

	seq, err := o.store.NextIngestSeq(ctx, workspaceID)
	if err != nil {
		return nil, nil, err
	}
	for i := range normalized.Facts {
		normalized.Facts[i].IngestSeq = seq
	}
	stats, err := o.store.UpsertFacts(ctx, workspaceID, normalized.Facts)
	if err != nil {
		return nil, nil, err
	}
	rank := normalizer.SourceRank("correction")
	for i := range normalized.Policies {
		normalized.Policies[i].IngestSeq = seq
		if _, err := o.store.MergePolicy(ctx, workspaceID, &normalized.Policies[i], rank); err != nil {
			return nil, nil, err
		}
	}
	return stats, &normalized, nil
}

// Shutdown stops accepting work and waits for in-flight jobs to drain,
// bounded by the context.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if !o.closed {
		o.closed = true
		for _, queue := range o.queues {
			close(queue)
		}
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enqueue hands the task to the workspace's worker. The send happens under
// the same lock Shutdown closes queues under, so a racing Submit gets a
// Conflict instead of sending on a closed channel.
func (o *Orchestrator) enqueue(t task) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return errors.Conflict("orchestrator is shutting down")
	}
	queue, ok := o.queues[t.workspaceID]
	if !ok {
		queue = make(chan task, queueDepth)
		o.queues[t.workspaceID] = queue
		o.wg.Add(1)
		go o.consume(t.workspaceID, queue)
	}
	select {
	case queue <- t:
		return nil
	default:
		return errors.Busy("ingestion queue for workspace " + t.workspaceID + " is full")
	}
}

func (o *Orchestrator) consume(workspaceID string, queue chan task) {
	defer o.wg.Done()
	log := o.log.WithWorkspace(workspaceID)
	for t := range queue {
		o.process(context.Background(), log, t)
	}
}

func (o *Orchestrator) process(ctx context.Context, log *logger.Logger, t task) {
	log = log.WithJobID(t.jobID)

	job, err := o.store.GetJob(ctx, t.workspaceID, t.jobID)
	if err != nil {
		log.Error().Err(err).Msg("Job vanished before processing")
		return
	}
	job.Status = domain.JobProcessing
	if err := o.store.UpdateJob(ctx, job); err != nil {
		log.Error().Err(err).Msg("Failed to mark job processing")
		return
	}

	if err := o.ingest(ctx, log, job, t); err != nil {
		job.Status = domain.JobFailed
		job.Error = err.Error()
		if uerr := o.store.UpdateJob(ctx, job); uerr != nil {
			log.Error().Err(uerr).Msg("Failed to mark job failed")
		}
		o.events.JobFailed(ctx, job)
		log.Error().Err(err).Str("filename", t.filename).Msg("Upload job failed")
		return
	}

	job.Status = domain.JobCompleted
	if err := o.store.UpdateJob(ctx, job); err != nil {
		log.Error().Err(err).Msg("Failed to mark job completed")
		return
	}
	o.events.JobCompleted(ctx, job)
	log.Info().
		Str("schema", string(job.Schema)).
		Int("rows_ingested", job.RowsIngested).
		Int("placeholders", job.Placeholders).
		Int("rows_rejected", job.RowsRejected).
		Msg("Upload job completed")
}

// ingest runs one file through decode → detect → extract → normalize →
// store. Only an undecodable payload is an error; row-level problems
// surface as placeholders and rejections on the job, not failures.
func (o *Orchestrator) ingest(ctx context.Context, log *logger.Logger, job *domain.UploadJob, t task) error {
	table, err := tabular.Decode(t.payload, t.filename, t.contentType)
	if err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}

	detection := o.detector.Detect(table, t.hint)
	job.Schema = detection.Schema
	log.Info().
		Str("schema", string(detection.Schema)).
		Float64("coverage", detection.Coverage).
		Bool("hinted", detection.Hinted).
		Msg("Schema detected")

	if detection.Schema == domain.SchemaUnrecognized {
		if err := o.retainUnclassified(t.workspaceID, job.ID, t.filename, t.payload); err != nil {
			log.Warn().Err(err).Msg("Failed to persist unclassified payload")
		}
	}

	src := extractor.Source{
		WorkspaceID: t.workspaceID,
		Period:      t.workspaceID,
		Filename:    t.filename,
		Sheet:       table.Sheet,
	}

	extractors := o.registry.Find(detection.Schema)
	if len(extractors) == 0 {
		return fmt.Errorf("no extractor registered for schema %s", detection.Schema)
	}

	var extraction *extractor.Extraction
	var sourceName string
	var lastErr error
	for _, ex := range extractors {
		extraction, lastErr = ex.Extract(ctx, table, src)
		if lastErr == nil {
			sourceName = ex.Name()
			break
		}
		log.Warn().Err(lastErr).Str("extractor", ex.Name()).Msg("Extractor failed, trying next")
	}
	if lastErr != nil {
		return fmt.Errorf("all extractors failed: %w", lastErr)
	}

	var normalized normalizer.Result
	o.normalizer.NormalizeFacts(t.workspaceID, extraction.Facts, &normalized)
	o.normalizer.NormalizePolicies(t.workspaceID, extraction.Policies, &normalized)

	seq, err := o.store.NextIngestSeq(ctx, t.workspaceID)
	if err != nil {
		return fmt.Errorf("allocate ingest sequence: %w", err)
	}
	for i := range normalized.Facts {
		normalized.Facts[i].IngestSeq = seq
	}

	stats, err := o.store.UpsertFacts(ctx, t.workspaceID, normalized.Facts)
	if err != nil {
		return fmt.Errorf("upsert facts: %w", err)
	}

	rank := normalizer.SourceRank(sourceName)
	for i := range normalized.Policies {
		normalized.Policies[i].IngestSeq = seq
		if _, err := o.store.MergePolicy(ctx, t.workspaceID, &normalized.Policies[i], rank); err != nil {
			return fmt.Errorf("merge policy for %s: %w", normalized.Policies[i].EmployeeKey, err)
		}
	}

	job.RowsIngested = stats.Inserted + len(normalized.Policies)
	placeholders := 0
	for i := range normalized.Facts {
		if normalized.Facts[i].Placeholder() {
			placeholders++
		}
	}
	job.Placeholders = placeholders
	job.RowsRejected = len(normalized.Rejected)
	job.Rejections = normalized.Rejected

	if len(normalized.Rejected) > 0 {
		log.Warn().Int("rejected", len(normalized.Rejected)).Msg("Some rows failed normalization")
	}
	return nil
}

func (o *Orchestrator) retainRaw(workspaceID, jobID, filename string, payload []byte) error {
	return writeRetained(filepath.Join(o.uploadDir, workspaceID), jobID+"_"+filename, payload)
}

func (o *Orchestrator) retainUnclassified(workspaceID, jobID, filename string, payload []byte) error {
	return writeRetained(filepath.Join(o.unclassifiedDir, workspaceID), jobID+"_"+filepath.Base(filename), payload)
}

func writeRetained(dir, name string, payload []byte) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, name), payload, 0o644)
}
