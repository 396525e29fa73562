package store

import (
	"context"
	"testing"
	"time"

	"github.com/payrollhub/payroll-backend/internal/ingestion/normalizer"
	"github.com/payrollhub/payroll-backend/internal/workspace/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFact(key, metric, value, file string) domain.FactRecord {
	fact := domain.FactRecord{
		WorkspaceID: "2024-01",
		EmployeeKey: key,
		PeriodMonth: "2024-01",
		MetricCode:  domain.MetricCode(metric),
		MetricValue: decimal.RequireFromString(value),
		Unit:        domain.UnitHour,
		SourceFile:  file,
		Confidence:  decimal.NewFromInt(1),
	}
	fact.SourceHash = normalizer.FactHash(&fact)
	return fact
}

func TestMemory_FactSupersede(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	first := newFact("张三", "HOUR_STD", "160", "v1.csv")
	stats, err := m.UpsertFacts(ctx, "2024-01", []domain.FactRecord{first})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Inserted)

	// corrected value from a second upload supersedes the first
	second := newFact("张三", "HOUR_STD", "152", "v2.csv")
	stats, err = m.UpsertFacts(ctx, "2024-01", []domain.FactRecord{second})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Inserted)
	assert.Equal(t, 1, stats.Superseded)

	effective, err := m.ListFacts(ctx, "2024-01", "2024-01", false)
	require.NoError(t, err)
	require.Len(t, effective, 1)
	assert.True(t, effective[0].MetricValue.Equal(decimal.RequireFromString("152")))

	// audit trail keeps the superseded record
	all, err := m.ListFacts(ctx, "2024-01", "2024-01", true)
	require.NoError(t, err)
	require.Len(t, all, 2)
	for _, fact := range all {
		if fact.Superseded {
			assert.Equal(t, second.SourceHash, fact.SupersededBy)
		}
	}
}

func TestMemory_FactReuploadIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	fact := newFact("张三", "HOUR_STD", "160", "v1.csv")
	_, err := m.UpsertFacts(ctx, "2024-01", []domain.FactRecord{fact})
	require.NoError(t, err)

	stats, err := m.UpsertFacts(ctx, "2024-01", []domain.FactRecord{fact})
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Inserted)
	assert.Equal(t, 1, stats.Skipped)

	all, err := m.ListFacts(ctx, "2024-01", "2024-01", true)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestMemory_PlaceholdersAccumulate(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	placeholder := domain.FactRecord{
		WorkspaceID: "2024-01",
		EmployeeKey: "王五",
		PeriodMonth: "2024-01",
		MetricCode:  domain.MetricHourStd,
		Unit:        domain.UnitHour,
		SourceFile:  "messy.csv",
		Confidence:  decimal.Zero,
		Note:        "unparseable hours cell",
	}

	for i := 0; i < 2; i++ {
		stats, err := m.UpsertFacts(ctx, "2024-01", []domain.FactRecord{placeholder})
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Inserted)
	}

	corrected := newFact("王五", "HOUR_STD", "160", "clean.csv")
	_, err := m.UpsertFacts(ctx, "2024-01", []domain.FactRecord{corrected})
	require.NoError(t, err)

	effective, err := m.ListFacts(ctx, "2024-01", "2024-01", false)
	require.NoError(t, err)
	assert.Len(t, effective, 3) // placeholders are never superseded by real facts
}

func TestMemory_ReturnedValuesDoNotAliasStoredState(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	tagged := newFact("张三", "HOUR_STD", "160", "v1.csv")
	tagged.Tags = map[string]string{"shift": "day"}
	_, err := m.UpsertFacts(ctx, "2024-01", []domain.FactRecord{tagged})
	require.NoError(t, err)

	// mutating the caller's copy after the write changes nothing stored
	tagged.Tags["shift"] = "night"

	facts, err := m.ListFacts(ctx, "2024-01", "2024-01", false)
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, "day", facts[0].Tags["shift"])

	// mutating a listed copy changes nothing stored either
	facts[0].Tags["shift"] = "night"
	again, err := m.ListFacts(ctx, "2024-01", "2024-01", false)
	require.NoError(t, err)
	assert.Equal(t, "day", again[0].Tags["shift"])

	snapshot := domain.PolicySnapshot{
		EmployeeKey: "张三",
		PeriodMonth: "2024-01",
		Mode:        domain.ModeSalaried,
		Allowances:  map[string]decimal.Decimal{"餐补": decimal.RequireFromString("300")},
		SourceFiles: []string{"policy.xlsx"},
	}
	_, err = m.MergePolicy(ctx, "2024-01", &snapshot, 1)
	require.NoError(t, err)

	got, err := m.GetPolicy(ctx, "2024-01", "张三", "2024-01")
	require.NoError(t, err)
	got.Allowances["餐补"] = decimal.RequireFromString("999")

	fresh, err := m.GetPolicy(ctx, "2024-01", "张三", "2024-01")
	require.NoError(t, err)
	assert.True(t, fresh.Allowances["餐补"].Equal(decimal.RequireFromString("300")))
}

func TestMemory_JobLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	job := &domain.UploadJob{
		ID:          "job-1",
		WorkspaceID: "2024-01",
		Filename:    "upload.csv",
		Status:      domain.JobQueued,
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, m.CreateJob(ctx, job))
	assert.Error(t, m.CreateJob(ctx, job))

	job.Status = domain.JobCompleted
	require.NoError(t, m.UpdateJob(ctx, job))

	// terminal jobs are immutable
	job.Status = domain.JobFailed
	assert.Error(t, m.UpdateJob(ctx, job))

	stored, err := m.GetJob(ctx, "2024-01", "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, stored.Status)
}

func TestMemory_IngestSeqMonotonic(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	first, err := m.NextIngestSeq(ctx, "2024-01")
	require.NoError(t, err)
	second, err := m.NextIngestSeq(ctx, "2024-01")
	require.NoError(t, err)
	assert.Greater(t, second, first)

	// sequences are per workspace
	other, err := m.NextIngestSeq(ctx, "2024-02")
	require.NoError(t, err)
	assert.Equal(t, int64(1), other)
}

func dec(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func TestMemory_MergePolicyOrderIndependence(t *testing.T) {
	ctx := context.Background()

	policy := domain.PolicySnapshot{
		WorkspaceID: "2024-01",
		EmployeeKey: "张三",
		PeriodMonth: "2024-01",
		Mode:        domain.ModeSalaried,
		BaseAmount:  dec("4800"),
		SourceFiles: []string{"policy.xlsx"},
		IngestSeq:   1,
	}
	roster := domain.PolicySnapshot{
		WorkspaceID: "2024-01",
		EmployeeKey: "张三",
		PeriodMonth: "2024-01",
		SocialSecurity: domain.SocialSecurity{
			EmployeeRatio: dec("0.08"),
		},
		SourceFiles: []string{"roster.xlsx"},
		IngestSeq:   2,
	}

	forward := NewMemory()
	_, err := forward.MergePolicy(ctx, "2024-01", &policy, normalizer.SourceRank("policy_sheet"))
	require.NoError(t, err)
	_, err = forward.MergePolicy(ctx, "2024-01", &roster, normalizer.SourceRank("roster_sheet"))
	require.NoError(t, err)

	backward := NewMemory()
	_, err = backward.MergePolicy(ctx, "2024-01", &roster, normalizer.SourceRank("roster_sheet"))
	require.NoError(t, err)
	_, err = backward.MergePolicy(ctx, "2024-01", &policy, normalizer.SourceRank("policy_sheet"))
	require.NoError(t, err)

	a, err := forward.GetPolicy(ctx, "2024-01", "张三", "2024-01")
	require.NoError(t, err)
	b, err := backward.GetPolicy(ctx, "2024-01", "张三", "2024-01")
	require.NoError(t, err)

	// the effective policy is the same regardless of arrival order
	assert.Equal(t, a.SnapshotHash, b.SnapshotHash)
	assert.True(t, a.BaseAmount.Equal(decimal.RequireFromString("4800")))
	assert.True(t, a.SocialSecurity.EmployeeRatio.Equal(decimal.RequireFromString("0.08")))
}

func TestMemory_Results(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.GetResults(ctx, "2024-01", "2024-01")
	assert.Error(t, err)

	results := []domain.PayrollResult{{
		EmployeeKey: "张三",
		PeriodMonth: "2024-01",
		Status:      domain.ResultOK,
		NetPay:      decimal.RequireFromString("4416.00"),
	}}
	require.NoError(t, m.SaveResults(ctx, "2024-01", "2024-01", results))

	stored, err := m.GetResults(ctx, "2024-01", "2024-01")
	require.NoError(t, err)
	require.Len(t, stored, 1)

	// stored copy is isolated from caller mutation
	results[0].NetPay = decimal.Zero
	stored2, err := m.GetResults(ctx, "2024-01", "2024-01")
	require.NoError(t, err)
	assert.True(t, stored2[0].NetPay.Equal(decimal.RequireFromString("4416.00")))
}
