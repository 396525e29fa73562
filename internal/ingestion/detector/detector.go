package detector

import (
	"strings"

	"github.com/payrollhub/payroll-backend/internal/ingestion/tabular"
	"github.com/payrollhub/payroll-backend/internal/workspace/domain"
)

// Detection is the classification outcome for one payload
type Detection struct {
	Schema   domain.Schema
	Coverage float64 // fraction of the template's required headers present
	Hinted   bool
}

// Standardized column sets. An exact match on these wins over fuzzy
// template matching.
var (
	factTableColumns   = []string{"employee_name", "period_month", "metric_code", "metric_value"}
	policyTableColumns = []string{"employee_key", "period_month", "mode"}
)

// requiredHeaders maps each known template to the headers that identify it.
// Matching is case-insensitive substring containment, so a header like
// "工作日加班工时(h)" still matches "工作日加班工时".
var requiredHeaders = map[domain.Schema][]string{
	domain.SchemaTimesheetAggregate: {"姓名", "工作日标准工时", "工作日加班工时", "周末节假日打卡工时", "确认工时"},
	domain.SchemaTimesheetPersonal:  {"日期", "标准工时", "加班工时", "总工时"},
	domain.SchemaPolicySheet:        {"姓名", "模式", "基本工资", "时薪", "加班", "津贴", "扣款"},
	domain.SchemaRosterSheet:        {"姓名", "身份证", "社保基数", "个人比例", "公司比例", "入职"},
}

// hintable are the schema hints a caller may declare on upload
var hintable = map[domain.Schema]bool{
	domain.SchemaTimesheetAggregate: true,
	domain.SchemaTimesheetPersonal:  true,
	domain.SchemaPolicySheet:        true,
	domain.SchemaRosterSheet:        true,
	domain.SchemaFactTable:          true,
	domain.SchemaPolicyTable:        true,
}

// Detector classifies uploaded tables against the known templates
type Detector struct {
	minCoverage float64
}

// New creates a detector. minCoverage is the fuzzy-match floor; a template
// only wins when at least that fraction of its required headers is present.
func New(minCoverage float64) *Detector {
	if minCoverage <= 0 {
		minCoverage = 0.5
	}
	return &Detector{minCoverage: minCoverage}
}

// Detect classifies a table. It never fails: malformed or unmatchable input
// yields SchemaUnrecognized.
func (d *Detector) Detect(table *tabular.Table, hint string) Detection {
	if hinted := domain.Schema(strings.TrimSpace(strings.ToLower(hint))); hintable[hinted] {
		return Detection{Schema: hinted, Coverage: 1, Hinted: true}
	}

	if table == nil || len(table.Headers) == 0 {
		return Detection{Schema: domain.SchemaUnrecognized}
	}

	if hasAllColumns(table, factTableColumns) {
		return Detection{Schema: domain.SchemaFactTable, Coverage: 1}
	}
	if hasAllColumns(table, policyTableColumns) {
		return Detection{Schema: domain.SchemaPolicyTable, Coverage: 1}
	}

	best := Detection{Schema: domain.SchemaUnrecognized}
	// Fixed evaluation order keeps ties deterministic.
	for _, schema := range []domain.Schema{
		domain.SchemaTimesheetAggregate,
		domain.SchemaTimesheetPersonal,
		domain.SchemaPolicySheet,
		domain.SchemaRosterSheet,
	} {
		coverage := headerCoverage(table, requiredHeaders[schema])
		if coverage >= d.minCoverage && coverage > best.Coverage {
			best = Detection{Schema: schema, Coverage: coverage}
		}
	}
	return best
}

func hasAllColumns(table *tabular.Table, columns []string) bool {
	for _, col := range columns {
		if !table.HasColumn(col) {
			return false
		}
	}
	return true
}

func headerCoverage(table *tabular.Table, required []string) float64 {
	if len(required) == 0 {
		return 0
	}
	matched := 0
	for _, keyword := range required {
		kw := strings.ToLower(keyword)
		for _, header := range table.Headers {
			if strings.Contains(strings.ToLower(header), kw) {
				matched++
				break
			}
		}
	}
	return float64(matched) / float64(len(required))
}
