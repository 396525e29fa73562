package extractor

import (
	"context"
	"fmt"
	"strings"

	"github.com/payrollhub/payroll-backend/internal/ingestion/tabular"
	"github.com/payrollhub/payroll-backend/internal/workspace/domain"
	"github.com/shopspring/decimal"
)

// Column keyword sets for the pay-policy sheet
var (
	policyModeColumns     = []string{"模式", "计薪方式", "mode"}
	policyBaseColumns     = []string{"基本工资", "底薪", "岗位工资", "固定工资"}
	policyRateColumns     = []string{"时薪", "hourly", "基准时薪"}
	policyPeriodColumns   = []string{"月份", "期间", "period"}
	policyOTRateWDColumns = []string{"工作日加班费率", "平日加班费率", "工作日加班时薪"}
	policyOTRateWEColumns = []string{"周末加班费率", "节假日加班费率", "周末加班时薪"}
	policyOTMultWDColumns = []string{"工作日加班倍率", "平日加班倍率"}
	policyOTMultWEColumns = []string{"周末加班倍率", "节假日加班倍率"}
	policyAllowanceWords  = []string{"津贴", "补贴", "allowance"}
	policyDeductionWords  = []string{"扣款", "罚款", "deduction"}
	policySSEmpColumns    = []string{"社保个人比例", "公积金个人比例", "个人缴费比例"}
	policySSCompColumns   = []string{"社保公司比例", "公积金公司比例", "公司缴费比例"}
	policyValidFromCols   = []string{"生效日期", "生效", "valid_from"}
	policyValidToCols     = []string{"失效日期", "失效", "valid_to"}
)

// PolicySheetExtractor parses the pay-policy sheet: one row per employee
// holding base pay, overtime terms, allowance/deduction columns and
// optionally social security ratios.
type PolicySheetExtractor struct{}

// NewPolicySheetExtractor creates the policy sheet extractor
func NewPolicySheetExtractor() *PolicySheetExtractor {
	return &PolicySheetExtractor{}
}

func (e *PolicySheetExtractor) Name() string { return "policy_sheet" }

func (e *PolicySheetExtractor) CanExtract(schema domain.Schema) bool {
	return schema == domain.SchemaPolicySheet
}

func (e *PolicySheetExtractor) Extract(_ context.Context, table *tabular.Table, src Source) (*Extraction, error) {
	nameColumn := table.FindColumn(nameKeywords)
	if nameColumn == "" {
		return nil, fmt.Errorf("policy_sheet: no employee name column in %q", src.Filename)
	}

	modeColumn := table.FindColumn(policyModeColumns)
	baseColumn := table.FindColumn(policyBaseColumns)
	rateColumn := table.FindColumn(policyRateColumns)
	periodColumn := table.FindColumn(policyPeriodColumns)

	out := &Extraction{}
	for row := range table.Rows {
		employee := table.Get(row, nameColumn)
		if employee == "" || isSummaryRow(employee) {
			continue
		}

		period := src.Period
		if periodColumn != "" {
			if cell := table.Get(row, periodColumn); cell != "" {
				period = cell
			}
		}

		snapshot := domain.PolicySnapshot{
			WorkspaceID: src.WorkspaceID,
			EmployeeKey: employee, // normalized downstream
			PeriodMonth: period,
			Mode:        domain.ModeSalaried,
			SourceFiles: []string{src.Filename},
			SourceSheet: src.Sheet,
			Raw:         rawRow(table, row),
		}

		if modeColumn != "" {
			mode := domain.PayMode(strings.ToUpper(table.Get(row, modeColumn)))
			if mode == domain.ModeSalaried || mode == domain.ModeHourly {
				snapshot.Mode = mode
			}
		}

		base := decimalCell(table, row, baseColumn)
		rate := decimalCell(table, row, rateColumn)
		switch {
		case snapshot.Mode == domain.ModeHourly && rate != nil:
			snapshot.BaseRate = rate
		case snapshot.Mode == domain.ModeSalaried && base != nil:
			snapshot.BaseAmount = base
		case snapshot.Mode == domain.ModeSalaried && base == nil && rate != nil:
			// sheet gives only an hourly rate: treat as HOURLY
			snapshot.Mode = domain.ModeHourly
			snapshot.BaseRate = rate
		}

		if snapshot.BaseAmount == nil && snapshot.BaseRate == nil {
			// required pay basis missing: keep the row as a flagged artifact
			out.Facts = append(out.Facts, placeholderFact(src, row+2, employee,
				"policy row has neither base amount nor hourly rate"))
			continue
		}

		snapshot.OTWeekdayRate = decimalCell(table, row, table.FindColumn(policyOTRateWDColumns))
		snapshot.OTWeekendRate = decimalCell(table, row, table.FindColumn(policyOTRateWEColumns))
		snapshot.OTWeekdayMultiplier = decimalCell(table, row, table.FindColumn(policyOTMultWDColumns))
		snapshot.OTWeekendMultiplier = decimalCell(table, row, table.FindColumn(policyOTMultWEColumns))
		snapshot.ValidFrom = table.Get(row, table.FindColumn(policyValidFromCols))
		snapshot.ValidTo = table.Get(row, table.FindColumn(policyValidToCols))

		snapshot.Allowances = keywordAmounts(table, row, policyAllowanceWords)
		snapshot.Deductions = keywordAmounts(table, row, policyDeductionWords)

		ss := domain.SocialSecurity{
			EmployeeRatio: decimalCell(table, row, table.FindColumn(policySSEmpColumns)),
			EmployerRatio: decimalCell(table, row, table.FindColumn(policySSCompColumns)),
		}
		snapshot.SocialSecurity = ss

		out.Policies = append(out.Policies, snapshot)
	}
	return out, nil
}

// decimalCell parses the named column of a row, nil when absent or unparseable
func decimalCell(table *tabular.Table, row int, column string) *decimal.Decimal {
	if column == "" {
		return nil
	}
	cell := table.Get(row, column)
	if cell == "" {
		return nil
	}
	value, parsed, _ := parseAmount(cell)
	if !parsed {
		return nil
	}
	return &value
}

// keywordAmounts collects every parseable column whose header contains one
// of the keywords, keyed by the original header for audit.
func keywordAmounts(table *tabular.Table, row int, keywords []string) map[string]decimal.Decimal {
	amounts := map[string]decimal.Decimal{}
	for _, header := range table.Headers {
		lower := strings.ToLower(header)
		matched := false
		for _, keyword := range keywords {
			if strings.Contains(lower, strings.ToLower(keyword)) {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		value, parsed, _ := parseAmount(table.Get(row, header))
		if parsed {
			amounts[header] = value
		}
	}
	if len(amounts) == 0 {
		return nil
	}
	return amounts
}

// rawRow captures the original cells for traceability
func rawRow(table *tabular.Table, row int) map[string]string {
	raw := make(map[string]string, len(table.Headers))
	for _, header := range table.Headers {
		if cell := table.Get(row, header); cell != "" {
			raw[header] = cell
		}
	}
	return raw
}
