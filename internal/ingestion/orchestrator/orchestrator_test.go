package orchestrator

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/payrollhub/payroll-backend/internal/ingestion/detector"
	"github.com/payrollhub/payroll-backend/internal/ingestion/extractor"
	"github.com/payrollhub/payroll-backend/internal/ingestion/normalizer"
	"github.com/payrollhub/payroll-backend/internal/workspace/domain"
	"github.com/payrollhub/payroll-backend/internal/workspace/store"
	"github.com/payrollhub/payroll-backend/pkg/errors"
	"github.com/payrollhub/payroll-backend/pkg/logger"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *store.Memory) {
	t.Helper()
	log := logger.New("test", "test")
	mem := store.NewMemory()
	o := New(
		mem,
		detector.New(0.5),
		extractor.NewDefaultRegistry("", 0),
		normalizer.New(log),
		nil, // no broker in tests
		t.TempDir(),
		t.TempDir(),
		log,
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = o.Shutdown(ctx)
	})
	return o, mem
}

func waitTerminal(t *testing.T, mem *store.Memory, ws, jobID string) *domain.UploadJob {
	t.Helper()
	var job *domain.UploadJob
	require.Eventually(t, func() bool {
		var err error
		job, err = mem.GetJob(context.Background(), ws, jobID)
		return err == nil && job.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	return job
}

const aggregateCSV = "姓名,工作日标准工时,工作日加班工时,周末节假日打卡工时,确认工时\n" +
	"张三,160,10,0,170\n" +
	"李四,152,0,8,160\n" +
	"合计,312,10,8,330\n"

func TestOrchestrator_IngestAggregateTimesheet(t *testing.T) {
	o, mem := newTestOrchestrator(t)
	ctx := context.Background()

	job, err := o.Submit(ctx, "2024-01", "timesheet.csv", "text/csv", []byte(aggregateCSV), "")
	require.NoError(t, err)
	assert.Equal(t, domain.JobQueued, job.Status)

	done := waitTerminal(t, mem, "2024-01", job.ID)
	assert.Equal(t, domain.JobCompleted, done.Status)
	assert.Equal(t, domain.SchemaTimesheetAggregate, done.Schema)
	assert.Zero(t, done.Placeholders)

	facts, err := mem.ListFacts(ctx, "2024-01", "2024-01", false)
	require.NoError(t, err)
	// 2 employees x 4 populated metric columns each (zero weekend row still counts)
	assert.Len(t, facts, 8)
	for _, fact := range facts {
		assert.NotEqual(t, "合计", fact.EmployeeName, "summary row must not become a record")
	}
}

func TestOrchestrator_UnreadablePayloadFailsJob(t *testing.T) {
	o, mem := newTestOrchestrator(t)

	job, err := o.Submit(context.Background(), "2024-01", "garbage.json", "application/json", []byte("{not json"), "")
	require.NoError(t, err, "submit returns a job handle even for bad payloads")

	done := waitTerminal(t, mem, "2024-01", job.ID)
	assert.Equal(t, domain.JobFailed, done.Status)
	assert.NotEmpty(t, done.Error)
}

func TestOrchestrator_SequentialSupersede(t *testing.T) {
	o, mem := newTestOrchestrator(t)
	ctx := context.Background()

	first := "姓名,工作日标准工时\n张三,200\n"
	second := "姓名,工作日标准工时\n张三,160\n"

	j1, err := o.Submit(ctx, "2024-01", "v1.csv", "text/csv", []byte(first), "timesheet_aggregate")
	require.NoError(t, err)
	j2, err := o.Submit(ctx, "2024-01", "v2.csv", "text/csv", []byte(second), "timesheet_aggregate")
	require.NoError(t, err)

	waitTerminal(t, mem, "2024-01", j1.ID)
	waitTerminal(t, mem, "2024-01", j2.ID)

	effective, err := mem.ListFacts(ctx, "2024-01", "2024-01", false)
	require.NoError(t, err)
	require.Len(t, effective, 1)
	assert.True(t, effective[0].MetricValue.Equal(decimal.RequireFromString("160")),
		"upload order decides which value survives")
	assert.Equal(t, "v2.csv", effective[0].SourceFile)
}

func TestOrchestrator_EmptyPayloadRejected(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	_, err := o.Submit(context.Background(), "2024-01", "empty.csv", "text/csv", nil, "")
	assert.Error(t, err)
}

func TestOrchestrator_RejectedRowsRecordedOnJob(t *testing.T) {
	o, mem := newTestOrchestrator(t)
	ctx := context.Background()

	// 800 hours fails the normalizer's bounds check; the other row survives
	csv := "姓名,工作日标准工时\n张三,800\n李四,160\n"
	job, err := o.Submit(ctx, "2024-01", "sheet.csv", "text/csv", []byte(csv), "timesheet_aggregate")
	require.NoError(t, err)

	done := waitTerminal(t, mem, "2024-01", job.ID)
	assert.Equal(t, domain.JobCompleted, done.Status)
	assert.Equal(t, 1, done.RowsIngested)
	assert.Equal(t, 1, done.RowsRejected)
	require.Len(t, done.Rejections, 1)
	assert.Equal(t, "张三", done.Rejections[0].Key)
	assert.Contains(t, done.Rejections[0].Reason, "out of bounds")
}

func TestOrchestrator_ForeignPeriodFactRejected(t *testing.T) {
	o, mem := newTestOrchestrator(t)
	ctx := context.Background()

	stray := domain.FactRecord{
		EmployeeName: "张三",
		PeriodMonth:  "2023-12", // workspace covers 2024-01
		MetricCode:   domain.MetricHourStd,
		MetricValue:  decimal.RequireFromString("160"),
		Unit:         domain.UnitHour,
		SourceFile:   "manual-review",
		Confidence:   decimal.NewFromInt(1),
	}
	stats, normalized, err := o.SubmitCorrection(ctx, "2024-01", []domain.FactRecord{stray}, nil)
	require.NoError(t, err)
	assert.Zero(t, stats.Inserted)
	require.Len(t, normalized.Rejected, 1)
	assert.Contains(t, normalized.Rejected[0].Reason, "does not belong to workspace")

	facts, err := mem.ListFacts(ctx, "2024-01", "", true)
	require.NoError(t, err)
	assert.Empty(t, facts)
}

func TestOrchestrator_SubmitAfterShutdownConflicts(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	ctx := context.Background()

	require.NoError(t, o.Shutdown(ctx))

	_, err := o.Submit(ctx, "2024-01", "late.csv", "text/csv", []byte(aggregateCSV), "")
	require.Error(t, err)

	var appErr *errors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, http.StatusConflict, appErr.StatusCode)
}

func TestOrchestrator_SubmitRacingShutdown(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// either accepted before the close or refused with Conflict;
			// never a panic out of the queue send
			_, _ = o.Submit(ctx, "2024-01", "race.csv", "text/csv", []byte(aggregateCSV), "timesheet_aggregate")
		}()
	}
	_ = o.Shutdown(ctx)
	wg.Wait()
}

func TestOrchestrator_CorrectionSupersedesPlaceholder(t *testing.T) {
	o, mem := newTestOrchestrator(t)
	ctx := context.Background()

	// messy upload: unparseable hours produce a placeholder
	messy := "姓名,工作日标准工时\n王五,八小时\n"
	job, err := o.Submit(ctx, "2024-01", "messy.csv", "text/csv", []byte(messy), "timesheet_aggregate")
	require.NoError(t, err)
	done := waitTerminal(t, mem, "2024-01", job.ID)
	assert.Equal(t, 1, done.Placeholders)

	// reviewer submits the corrected figure
	correction := domain.FactRecord{
		EmployeeName: "王五",
		PeriodMonth:  "2024-01",
		MetricCode:   domain.MetricHourStd,
		MetricValue:  decimal.RequireFromString("168"),
		Unit:         domain.UnitHour,
		SourceFile:   "manual-review",
		Confidence:   decimal.NewFromInt(1),
	}
	stats, normalized, err := o.SubmitCorrection(ctx, "2024-01", []domain.FactRecord{correction}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Inserted)
	assert.Empty(t, normalized.Rejected)

	effective, err := mem.ListFacts(ctx, "2024-01", "2024-01", false)
	require.NoError(t, err)

	var values []string
	for _, fact := range effective {
		if !fact.Placeholder() {
			values = append(values, fact.MetricValue.String())
		}
	}
	assert.Equal(t, []string{"168"}, values)
}
