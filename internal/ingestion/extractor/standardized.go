package extractor

import (
	"context"
	"fmt"
	"strings"

	"github.com/payrollhub/payroll-backend/internal/ingestion/tabular"
	"github.com/payrollhub/payroll-backend/internal/workspace/domain"
	"github.com/shopspring/decimal"
)

var knownMetrics = map[domain.MetricCode]bool{
	domain.MetricHourStd:       true,
	domain.MetricHourOTWeekday: true,
	domain.MetricHourOTWeekend: true,
	domain.MetricHourTotal:     true,
	domain.MetricHourConfirmed: true,
	domain.MetricAmountBase:    true,
	domain.MetricAmountAllow:   true,
	domain.MetricAmountDeduct:  true,
	domain.MetricDaysPresent:   true,
	domain.MetricDaysAbsence:   true,
	domain.MetricDaysLeave:     true,
}

// FactTableExtractor handles uploads that are already in the normalized
// long format: one row per (employee, period, metric). These bypass header
// guessing entirely and carry full confidence unless a cell needs coercion.
type FactTableExtractor struct{}

// NewFactTableExtractor creates the standardized fact table extractor
func NewFactTableExtractor() *FactTableExtractor {
	return &FactTableExtractor{}
}

func (e *FactTableExtractor) Name() string { return "fact_table" }

func (e *FactTableExtractor) CanExtract(schema domain.Schema) bool {
	return schema == domain.SchemaFactTable
}

func (e *FactTableExtractor) Extract(_ context.Context, table *tabular.Table, src Source) (*Extraction, error) {
	for _, required := range []string{"employee_name", "period_month", "metric_code", "metric_value"} {
		if !table.HasColumn(required) {
			return nil, fmt.Errorf("fact_table: missing column %q in %q", required, src.Filename)
		}
	}

	out := &Extraction{}
	for row := range table.Rows {
		employee := table.Get(row, "employee_name")
		if employee == "" {
			continue
		}

		code := domain.MetricCode(strings.ToUpper(table.Get(row, "metric_code")))
		if !knownMetrics[code] {
			out.Facts = append(out.Facts, placeholderFact(src, row+2, employee,
				fmt.Sprintf("unknown metric code %q", table.Get(row, "metric_code"))))
			continue
		}

		value, parsed, coerced := parseAmount(table.Get(row, "metric_value"))
		if !parsed {
			out.Facts = append(out.Facts, placeholderFact(src, row+2, employee,
				fmt.Sprintf("unparseable metric_value %q for %s", table.Get(row, "metric_value"), code)))
			continue
		}

		penalties := 0
		if coerced {
			penalties++
		}

		period := src.Period
		if cell := table.Get(row, "period_month"); cell != "" {
			period = cell
		}

		fact := domain.FactRecord{
			WorkspaceID:  src.WorkspaceID,
			EmployeeName: employee,
			PeriodMonth:  period,
			MetricCode:   code,
			MetricValue:  value,
			Unit:         domain.UnitFor(code),
			MetricLabel:  table.Get(row, "metric_label"),
			SourceFile:   src.Filename,
			SourceSheet:  src.Sheet,
			SourceRow:    row + 2,
			Confidence:   rowConfidence(penalties),
		}
		if cell := table.Get(row, "unit"); cell != "" {
			fact.Unit = domain.Unit(strings.ToLower(cell))
		}
		out.Facts = append(out.Facts, fact)
	}
	return out, nil
}

// PolicyTableExtractor handles uploads already shaped as the policy schema:
// one row per (employee, period) with canonical column names.
type PolicyTableExtractor struct{}

// NewPolicyTableExtractor creates the standardized policy table extractor
func NewPolicyTableExtractor() *PolicyTableExtractor {
	return &PolicyTableExtractor{}
}

func (e *PolicyTableExtractor) Name() string { return "policy_table" }

func (e *PolicyTableExtractor) CanExtract(schema domain.Schema) bool {
	return schema == domain.SchemaPolicyTable
}

func (e *PolicyTableExtractor) Extract(_ context.Context, table *tabular.Table, src Source) (*Extraction, error) {
	for _, required := range []string{"employee_key", "period_month", "mode"} {
		if !table.HasColumn(required) {
			return nil, fmt.Errorf("policy_table: missing column %q in %q", required, src.Filename)
		}
	}

	out := &Extraction{}
	for row := range table.Rows {
		employee := table.Get(row, "employee_key")
		if employee == "" {
			continue
		}

		period := src.Period
		if cell := table.Get(row, "period_month"); cell != "" {
			period = cell
		}

		snapshot := domain.PolicySnapshot{
			WorkspaceID: src.WorkspaceID,
			EmployeeKey: employee,
			PeriodMonth: period,
			Mode:        domain.PayMode(strings.ToUpper(table.Get(row, "mode"))),
			BaseAmount:  decimalCell(table, row, "base_amount"),
			BaseRate:    decimalCell(table, row, "base_rate"),

			OTWeekdayRate:       decimalCell(table, row, "ot_weekday_rate"),
			OTWeekendRate:       decimalCell(table, row, "ot_weekend_rate"),
			OTWeekdayMultiplier: decimalCell(table, row, "ot_weekday_multiplier"),
			OTWeekendMultiplier: decimalCell(table, row, "ot_weekend_multiplier"),

			SocialSecurity: domain.SocialSecurity{
				EmployeeRatio: decimalCell(table, row, "ss_employee_ratio"),
				EmployerRatio: decimalCell(table, row, "ss_employer_ratio"),
				BaseFloor:     decimalCell(table, row, "ss_base_floor"),
				BaseCeiling:   decimalCell(table, row, "ss_base_ceiling"),
			},

			ValidFrom:   table.Get(row, "valid_from"),
			ValidTo:     table.Get(row, "valid_to"),
			SourceFiles: []string{src.Filename},
			SourceSheet: src.Sheet,
			Raw:         rawRow(table, row),
		}

		if snapshot.Mode != domain.ModeSalaried && snapshot.Mode != domain.ModeHourly {
			out.Facts = append(out.Facts, placeholderFact(src, row+2, employee,
				fmt.Sprintf("unknown pay mode %q", table.Get(row, "mode"))))
			continue
		}

		if amounts := prefixAmounts(table, row, "allowance_"); len(amounts) > 0 {
			snapshot.Allowances = amounts
		}
		if amounts := prefixAmounts(table, row, "deduction_"); len(amounts) > 0 {
			snapshot.Deductions = amounts
		}

		out.Policies = append(out.Policies, snapshot)
	}
	return out, nil
}

// prefixAmounts collects parseable columns whose header starts with the
// prefix, keyed by the remainder (allowance_meal -> meal).
func prefixAmounts(table *tabular.Table, row int, prefix string) map[string]decimal.Decimal {
	amounts := map[string]decimal.Decimal{}
	for _, header := range table.Headers {
		lower := strings.ToLower(header)
		if !strings.HasPrefix(lower, prefix) {
			continue
		}
		value, parsed, _ := parseAmount(table.Get(row, header))
		if parsed {
			amounts[strings.TrimPrefix(lower, prefix)] = value
		}
	}
	if len(amounts) == 0 {
		return nil
	}
	return amounts
}
