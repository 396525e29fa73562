package events

import (
	"context"

	"github.com/payrollhub/payroll-backend/internal/workspace/domain"
	"github.com/payrollhub/payroll-backend/pkg/logger"
	"github.com/payrollhub/payroll-backend/pkg/messaging"
)

// Publisher is the messaging dependency. *messaging.Publisher satisfies it;
// tests substitute a mock.
type Publisher interface {
	Publish(ctx context.Context, eventType string, data interface{}) error
}

// PayrollEvents publishes ingestion and calculation lifecycle events.
// A nil *PayrollEvents is a valid no-op publisher, so the pipeline runs
// unchanged without a broker. Publish failures are logged, never propagated:
// the event stream is best-effort, the computation is not.
type PayrollEvents struct {
	publisher Publisher
	log       *logger.Logger
}

// NewPayrollEvents creates the event publisher
func NewPayrollEvents(publisher Publisher, log *logger.Logger) *PayrollEvents {
	return &PayrollEvents{
		publisher: publisher,
		log:       log.WithComponent("events"),
	}
}

// JobCompleted publishes an upload job completion event
func (p *PayrollEvents) JobCompleted(ctx context.Context, job *domain.UploadJob) {
	if p == nil || p.publisher == nil {
		return
	}
	event := messaging.UploadJobCompletedEvent{
		WorkspaceID:  job.WorkspaceID,
		JobID:        job.ID,
		Filename:     job.Filename,
		Schema:       string(job.Schema),
		RowsIngested: job.RowsIngested,
	}
	if err := p.publisher.Publish(ctx, messaging.EventUploadJobCompleted, event); err != nil {
		p.log.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to publish job completed event")
	}
}

// JobFailed publishes an upload job failure event
func (p *PayrollEvents) JobFailed(ctx context.Context, job *domain.UploadJob) {
	if p == nil || p.publisher == nil {
		return
	}
	event := messaging.UploadJobFailedEvent{
		WorkspaceID: job.WorkspaceID,
		JobID:       job.ID,
		Filename:    job.Filename,
		Error:       job.Error,
	}
	if err := p.publisher.Publish(ctx, messaging.EventUploadJobFailed, event); err != nil {
		p.log.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to publish job failed event")
	}
}

// CalculationCompleted publishes a calculation completion event
func (p *PayrollEvents) CalculationCompleted(ctx context.Context, workspaceID, period string, results, rejected int) {
	if p == nil || p.publisher == nil {
		return
	}
	event := messaging.CalculationCompletedEvent{
		WorkspaceID: workspaceID,
		Period:      period,
		Results:     results,
		Rejected:    rejected,
	}
	if err := p.publisher.Publish(ctx, messaging.EventCalculationCompleted, event); err != nil {
		p.log.Warn().Err(err).Str("workspace_id", workspaceID).Msg("Failed to publish calculation completed event")
	}
}
