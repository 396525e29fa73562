package extractor

import (
	"context"
	"strings"

	"github.com/payrollhub/payroll-backend/internal/ingestion/tabular"
	"github.com/payrollhub/payroll-backend/internal/workspace/domain"
	"github.com/shopspring/decimal"
)

// factKeywords maps metric codes to header fragments that identify a
// column carrying that metric.
var factKeywords = []struct {
	code     domain.MetricCode
	keywords []string
}{
	{domain.MetricHourStd, []string{"标准工时", "正常工时", "平日工时"}},
	{domain.MetricHourOTWeekday, []string{"工作日加班", "平日加班", "平时加班", "普通加班"}},
	{domain.MetricHourOTWeekend, []string{"周末加班", "节假日加班", "休息日加班"}},
	{domain.MetricHourTotal, []string{"总工时", "当月工时", "工时合计"}},
	{domain.MetricHourConfirmed, []string{"确认工时", "核定工时", "确认合计"}},
	{domain.MetricAmountBase, []string{"基本工资", "底薪", "月薪", "岗位工资"}},
	{domain.MetricAmountAllow, []string{"津贴", "补贴", "补助"}},
	{domain.MetricAmountDeduct, []string{"扣款", "罚款", "缺勤扣减"}},
}

// blockedTokens keep rate/ratio columns from being misread as fact values
var blockedTokens = []string{"费率", "倍率", "比例", "%"}

// heuristicConfidence is the cap for records the fallback emits. Scores
// above it are reserved for template extractors.
var heuristicConfidence = decimal.NewFromFloat(0.5)

// HeuristicExtractor is the fallback for tables no template matched. It
// scans headers for name-like and metric-like columns and emits whatever it
// can coerce, at reduced confidence, so low-quality uploads still yield
// reviewable data instead of nothing.
type HeuristicExtractor struct{}

// NewHeuristicExtractor creates the fallback extractor
func NewHeuristicExtractor() *HeuristicExtractor {
	return &HeuristicExtractor{}
}

func (e *HeuristicExtractor) Name() string { return "heuristic" }

func (e *HeuristicExtractor) CanExtract(schema domain.Schema) bool {
	return schema == domain.SchemaUnrecognized
}

// matchMetric maps a header to a metric code, or "" when none applies.
// Headers carrying rate/ratio tokens never match: a 加班费率 column is a
// policy parameter, not an hour count.
func matchMetric(header string) domain.MetricCode {
	lower := strings.ToLower(header)
	for _, token := range blockedTokens {
		if strings.Contains(lower, token) {
			return ""
		}
	}
	for _, entry := range factKeywords {
		for _, keyword := range entry.keywords {
			if strings.Contains(lower, strings.ToLower(keyword)) {
				return entry.code
			}
		}
	}
	return ""
}

func (e *HeuristicExtractor) Extract(_ context.Context, table *tabular.Table, src Source) (*Extraction, error) {
	out := &Extraction{}

	nameColumn := table.FindColumn(nameKeywords)
	if nameColumn == "" {
		return out, nil
	}

	metricColumns := map[string]domain.MetricCode{}
	for _, header := range table.Headers {
		if header == nameColumn {
			continue
		}
		if code := matchMetric(header); code != "" {
			metricColumns[header] = code
		}
	}

	modeColumn := table.FindColumn(policyModeColumns)
	baseColumn := table.FindColumn(policyBaseColumns)
	rateColumn := table.FindColumn(policyRateColumns)
	hasPolicySignals := modeColumn != "" || baseColumn != "" || rateColumn != ""

	for row := range table.Rows {
		employee := table.Get(row, nameColumn)
		if employee == "" || isSummaryRow(employee) {
			continue
		}

		for _, header := range table.Headers {
			code, ok := metricColumns[header]
			if !ok {
				continue
			}
			value, parsed, _ := parseAmount(table.Get(row, header))
			if !parsed {
				continue
			}
			out.Facts = append(out.Facts, domain.FactRecord{
				WorkspaceID:  src.WorkspaceID,
				EmployeeName: employee,
				PeriodMonth:  src.Period,
				MetricCode:   code,
				MetricValue:  value,
				Unit:         domain.UnitFor(code),
				MetricLabel:  header,
				SourceFile:   src.Filename,
				SourceSheet:  src.Sheet,
				SourceRow:    row + 2,
				Confidence:   heuristicConfidence,
			})
		}

		if !hasPolicySignals {
			continue
		}

		snapshot := domain.PolicySnapshot{
			WorkspaceID: src.WorkspaceID,
			EmployeeKey: employee,
			PeriodMonth: src.Period,
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
		if snapshot.Mode == domain.ModeHourly {
			snapshot.BaseRate = decimalCell(table, row, rateColumn)
		} else {
			snapshot.BaseAmount = decimalCell(table, row, baseColumn)
			if snapshot.BaseAmount == nil {
				snapshot.BaseAmount = decimalCell(table, row, rateColumn)
			}
		}

		snapshot.OTWeekdayRate = decimalCell(table, row, table.FindColumn(policyOTRateWDColumns))
		snapshot.OTWeekendRate = decimalCell(table, row, table.FindColumn(policyOTRateWEColumns))
		snapshot.OTWeekdayMultiplier = decimalCell(table, row, table.FindColumn(policyOTMultWDColumns))
		snapshot.OTWeekendMultiplier = decimalCell(table, row, table.FindColumn(policyOTMultWEColumns))
		snapshot.Allowances = keywordAmounts(table, row, policyAllowanceWords)
		snapshot.Deductions = keywordAmounts(table, row, policyDeductionWords)
		snapshot.SocialSecurity = domain.SocialSecurity{
			EmployeeRatio: decimalCell(table, row, table.FindColumn(rosterSSEmpColumns)),
			EmployerRatio: decimalCell(table, row, table.FindColumn(rosterSSCompColumns)),
		}

		if snapshot.BaseAmount != nil || snapshot.BaseRate != nil {
			out.Policies = append(out.Policies, snapshot)
		}
	}
	return out, nil
}
