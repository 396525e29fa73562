package normalizer

import (
	"testing"
	"time"

	"github.com/payrollhub/payroll-backend/internal/workspace/domain"
	"github.com/payrollhub/payroll-backend/pkg/logger"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeKey(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain chinese", "张三", "张三"},
		{"inner space collapses", "张 三", "张三"},
		{"latin lowercased", "John Smith", "johnsmith"},
		{"fullwidth latin folds", "ＪＯＨＮ", "john"},
		{"surrounding whitespace", "  李四\t", "李四"},
		{"empty", "   ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeKey(tt.input))
		})
	}
}

func TestNormalizePeriod(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{"2024-01", "2024-01", false},
		{"2024-1", "2024-01", false},
		{"2024/3", "2024-03", false},
		{"2024.12", "2024-12", false},
		{"2024年1月", "2024-01", false},
		{"2024年11", "2024-11", false},
		{"202407", "2024-07", false},
		{"2024-13", "", true},
		{"january 2024", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := NormalizePeriod(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func testFact(name string, value string) domain.FactRecord {
	return domain.FactRecord{
		WorkspaceID:  "2024-01",
		EmployeeName: name,
		PeriodMonth:  "2024-01",
		MetricCode:   domain.MetricHourStd,
		MetricValue:  decimal.RequireFromString(value),
		Unit:         domain.UnitHour,
		SourceFile:   "upload.csv",
		Confidence:   decimal.NewFromInt(1),
	}
}

func TestNormalizeFacts(t *testing.T) {
	n := New(logger.New("test", "test"))

	t.Run("folds key and hashes", func(t *testing.T) {
		var out Result
		n.NormalizeFacts("2024-01", []domain.FactRecord{testFact("张 三", "160")}, &out)

		require.Len(t, out.Facts, 1)
		assert.Empty(t, out.Rejected)
		assert.Equal(t, "张三", out.Facts[0].EmployeeKey)
		assert.NotEmpty(t, out.Facts[0].SourceHash)
	})

	t.Run("hour bounds", func(t *testing.T) {
		var out Result
		n.NormalizeFacts("2024-01", []domain.FactRecord{testFact("张三", "800")}, &out)

		assert.Empty(t, out.Facts)
		require.Len(t, out.Rejected, 1)
		assert.Contains(t, out.Rejected[0].Reason, "out of bounds")
	})

	t.Run("negative currency", func(t *testing.T) {
		fact := testFact("张三", "-50")
		fact.MetricCode = domain.MetricAmountDeduct
		fact.Unit = domain.UnitCurrency

		var out Result
		n.NormalizeFacts("2024-01", []domain.FactRecord{fact}, &out)

		require.Len(t, out.Rejected, 1)
		assert.Contains(t, out.Rejected[0].Reason, "negative")
	})

	t.Run("bad row does not sink the batch", func(t *testing.T) {
		var out Result
		n.NormalizeFacts("2024-01", []domain.FactRecord{
			testFact("张三", "160"),
			testFact("", "8"),
			testFact("李四", "152"),
		}, &out)

		assert.Len(t, out.Facts, 2)
		assert.Len(t, out.Rejected, 1)
	})

	t.Run("foreign period is rejected", func(t *testing.T) {
		stray := testFact("张三", "160")
		stray.PeriodMonth = "2023-12"

		var out Result
		n.NormalizeFacts("2024-01", []domain.FactRecord{stray}, &out)

		assert.Empty(t, out.Facts)
		require.Len(t, out.Rejected, 1)
		assert.Contains(t, out.Rejected[0].Reason, "does not belong to workspace")
	})

	t.Run("placeholder passes without bounds check", func(t *testing.T) {
		placeholder := testFact("王五", "0")
		placeholder.Confidence = decimal.Zero
		placeholder.Note = "unparseable cell"

		var out Result
		n.NormalizeFacts("2024-01", []domain.FactRecord{placeholder}, &out)

		require.Len(t, out.Facts, 1)
		assert.True(t, out.Facts[0].Placeholder())
	})
}

func TestNormalizePolicies_ForeignPeriodRejected(t *testing.T) {
	n := New(logger.New("test", "test"))

	stray := testPolicy("policy.xlsx")
	stray.PeriodMonth = "2024-02"

	var out Result
	n.NormalizePolicies("2024-01", []domain.PolicySnapshot{stray, testPolicy("policy.xlsx")}, &out)

	assert.Len(t, out.Policies, 1)
	require.Len(t, out.Rejected, 1)
	assert.Contains(t, out.Rejected[0].Reason, "does not belong to workspace")
}

func TestFactHash_ColumnOrderIndependent(t *testing.T) {
	a := testFact("张三", "160")
	b := testFact("张三", "160")
	assert.Equal(t, FactHash(&a), FactHash(&b))

	b.MetricValue = decimal.RequireFromString("161")
	assert.NotEqual(t, FactHash(&a), FactHash(&b))
}

func dec(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func testPolicy(file string) domain.PolicySnapshot {
	return domain.PolicySnapshot{
		WorkspaceID: "2024-01",
		EmployeeKey: "张三",
		PeriodMonth: "2024-01",
		Mode:        domain.ModeSalaried,
		BaseAmount:  dec("4800"),
		SourceFiles: []string{file},
	}
}

func TestMergePolicies(t *testing.T) {
	now := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	t.Run("nil existing returns incoming with hash", func(t *testing.T) {
		incoming := testPolicy("policy.xlsx")
		merged := MergePolicies(nil, &incoming, now)

		require.NotNil(t, merged)
		assert.Equal(t, dec("4800"), merged.BaseAmount)
		assert.NotEmpty(t, merged.SnapshotHash)
	})

	t.Run("incoming fills missing statutory fields", func(t *testing.T) {
		existing := testPolicy("policy.xlsx")
		incoming := domain.PolicySnapshot{
			EmployeeKey: "张三",
			PeriodMonth: "2024-01",
			SocialSecurity: domain.SocialSecurity{
				EmployeeRatio: dec("0.08"),
				BaseFloor:     dec("4000"),
			},
			SourceFiles: []string{"roster.xlsx"},
		}

		merged := MergePolicies(&existing, &incoming, now)

		assert.Equal(t, dec("4800"), merged.BaseAmount)
		assert.Equal(t, dec("0.08"), merged.SocialSecurity.EmployeeRatio)
		assert.Empty(t, merged.Conflicts)
		assert.ElementsMatch(t, []string{"policy.xlsx", "roster.xlsx"}, merged.SourceFiles)
	})

	t.Run("override records conflict and keeps incoming", func(t *testing.T) {
		existing := testPolicy("old.xlsx")
		incoming := testPolicy("new.xlsx")
		incoming.BaseAmount = dec("5200")

		merged := MergePolicies(&existing, &incoming, now)

		assert.True(t, merged.BaseAmount.Equal(decimal.RequireFromString("5200")))
		require.Len(t, merged.Conflicts, 1)
		assert.Equal(t, "base_amount", merged.Conflicts[0].Field)
		assert.Equal(t, "5200", merged.Conflicts[0].KeptValue)
		assert.Equal(t, "4800", merged.Conflicts[0].LostValue)
	})

	t.Run("backed mode resists switch", func(t *testing.T) {
		existing := testPolicy("policy.xlsx") // SALARIED with base_amount
		incoming := domain.PolicySnapshot{
			EmployeeKey: "张三",
			PeriodMonth: "2024-01",
			Mode:        domain.ModeHourly,
			SourceFiles: []string{"roster.xlsx"},
		}

		merged := MergePolicies(&existing, &incoming, now)
		assert.Equal(t, domain.ModeSalaried, merged.Mode)
	})

	t.Run("unbacked mode switches", func(t *testing.T) {
		existing := testPolicy("policy.xlsx")
		existing.BaseAmount = nil
		incoming := domain.PolicySnapshot{
			EmployeeKey: "张三",
			PeriodMonth: "2024-01",
			Mode:        domain.ModeHourly,
			BaseRate:    dec("30"),
			SourceFiles: []string{"rates.xlsx"},
		}

		merged := MergePolicies(&existing, &incoming, now)
		assert.Equal(t, domain.ModeHourly, merged.Mode)
		assert.Equal(t, dec("30"), merged.BaseRate)
	})

	t.Run("merge is idempotent on identical input", func(t *testing.T) {
		existing := testPolicy("policy.xlsx")
		incoming := testPolicy("policy.xlsx")

		once := MergePolicies(&existing, &incoming, now)
		twice := MergePolicies(once, &incoming, now)

		assert.Equal(t, once.SnapshotHash, twice.SnapshotHash)
		assert.Empty(t, twice.Conflicts)
	})

	t.Run("allowance maps merge keywise", func(t *testing.T) {
		existing := testPolicy("policy.xlsx")
		existing.Allowances = map[string]decimal.Decimal{"餐补": decimal.RequireFromString("300")}
		incoming := testPolicy("policy2.xlsx")
		incoming.BaseAmount = dec("4800")
		incoming.Allowances = map[string]decimal.Decimal{"交通补贴": decimal.RequireFromString("200")}

		merged := MergePolicies(&existing, &incoming, now)
		assert.Len(t, merged.Allowances, 2)
	})
}

func TestPrecedes(t *testing.T) {
	a := domain.PolicySnapshot{IngestSeq: 1}
	b := domain.PolicySnapshot{IngestSeq: 2}
	assert.True(t, Precedes(&a, &b, 0, 0))
	assert.False(t, Precedes(&b, &a, 0, 0))

	// equal sequence falls back to template rank
	c := domain.PolicySnapshot{IngestSeq: 2}
	assert.True(t, Precedes(&c, &b, SourceRank("roster_sheet"), SourceRank("policy_sheet")))
}
