package extractor

import (
	"context"
	"fmt"

	"github.com/payrollhub/payroll-backend/internal/ingestion/tabular"
	"github.com/payrollhub/payroll-backend/internal/workspace/domain"
)

// nameKeywords locate the employee column across all templates
var nameKeywords = []string{"姓名", "员工", "name"}

// aggregateMetricColumns maps fact metrics to the column keywords the
// monthly confirmation sheet uses for them.
var aggregateMetricColumns = map[domain.MetricCode][]string{
	domain.MetricHourStd:       {"工作日标准工时", "标准工时"},
	domain.MetricHourOTWeekday: {"工作日加班工时", "平日加班"},
	domain.MetricHourOTWeekend: {"周末节假日打卡工时", "周末加班", "节假日加班"},
	domain.MetricHourTotal:     {"当月工时", "总工时"},
	domain.MetricHourConfirmed: {"确认工时"},
}

// metricColumnOrder fixes the emit order so re-runs are deterministic
var metricColumnOrder = []domain.MetricCode{
	domain.MetricHourStd,
	domain.MetricHourOTWeekday,
	domain.MetricHourOTWeekend,
	domain.MetricHourTotal,
	domain.MetricHourConfirmed,
}

// TimesheetAggregateExtractor parses the monthly team timesheet
// confirmation sheet: one row per employee, one column per hour metric.
type TimesheetAggregateExtractor struct{}

// NewTimesheetAggregateExtractor creates the aggregate timesheet extractor
func NewTimesheetAggregateExtractor() *TimesheetAggregateExtractor {
	return &TimesheetAggregateExtractor{}
}

func (e *TimesheetAggregateExtractor) Name() string { return "timesheet_aggregate" }

func (e *TimesheetAggregateExtractor) CanExtract(schema domain.Schema) bool {
	return schema == domain.SchemaTimesheetAggregate
}

func (e *TimesheetAggregateExtractor) Extract(_ context.Context, table *tabular.Table, src Source) (*Extraction, error) {
	nameColumn := table.FindColumn(nameKeywords)
	if nameColumn == "" {
		return nil, fmt.Errorf("timesheet_aggregate: no employee name column in %q", src.Filename)
	}

	metricColumns := map[domain.MetricCode]string{}
	for metric, keywords := range aggregateMetricColumns {
		if column := table.FindColumn(keywords); column != "" {
			metricColumns[metric] = column
		}
	}

	out := &Extraction{}
	for row := range table.Rows {
		employee := table.Get(row, nameColumn)
		if employee == "" || isSummaryRow(employee) {
			continue
		}

		emitted := 0
		penalties := 0
		for _, metric := range metricColumnOrder {
			column, ok := metricColumns[metric]
			if !ok {
				continue
			}
			cell := table.Get(row, column)
			if cell == "" {
				penalties++
				continue
			}
			value, parsed, coerced := parseAmount(cell)
			if !parsed {
				out.Facts = append(out.Facts, placeholderFact(src, row+2, employee,
					fmt.Sprintf("unparseable %s value %q in column %q", metric, cell, column)))
				emitted++
				continue
			}
			if coerced {
				penalties++
			}
			out.Facts = append(out.Facts, domain.FactRecord{
				WorkspaceID:  src.WorkspaceID,
				EmployeeName: employee,
				PeriodMonth:  src.Period,
				MetricCode:   metric,
				MetricValue:  value,
				Unit:         domain.UnitHour,
				MetricLabel:  column,
				SourceFile:   src.Filename,
				SourceSheet:  src.Sheet,
				SourceRow:    row + 2, // header row is row 1
			})
			emitted++
		}

		if emitted == 0 {
			out.Facts = append(out.Facts, placeholderFact(src, row+2, employee,
				"row has no parseable hour metrics"))
			continue
		}

		conf := rowConfidence(penalties)
		for i := len(out.Facts) - emitted; i < len(out.Facts); i++ {
			if !out.Facts[i].Placeholder() {
				out.Facts[i].Confidence = conf
			}
		}
	}
	return out, nil
}

// TimesheetPersonalExtractor parses the per-employee daily timesheet:
// one row per day, summed into per-metric monthly totals. The employee
// column groups rows when several people share one sheet.
type TimesheetPersonalExtractor struct{}

// NewTimesheetPersonalExtractor creates the personal timesheet extractor
func NewTimesheetPersonalExtractor() *TimesheetPersonalExtractor {
	return &TimesheetPersonalExtractor{}
}

func (e *TimesheetPersonalExtractor) Name() string { return "timesheet_personal" }

func (e *TimesheetPersonalExtractor) CanExtract(schema domain.Schema) bool {
	return schema == domain.SchemaTimesheetPersonal
}

// personalMetricColumns are the daily hour columns of the personal sheet
var personalMetricColumns = map[domain.MetricCode][]string{
	domain.MetricHourStd:       {"标准工时"},
	domain.MetricHourOTWeekday: {"加班工时"},
	domain.MetricHourOTWeekend: {"周末节假日打卡工时"},
	domain.MetricHourTotal:     {"总工时"},
}

func (e *TimesheetPersonalExtractor) Extract(_ context.Context, table *tabular.Table, src Source) (*Extraction, error) {
	nameColumn := table.FindColumn(nameKeywords)
	if nameColumn == "" {
		return nil, fmt.Errorf("timesheet_personal: no employee name column in %q", src.Filename)
	}

	metricColumns := map[domain.MetricCode]string{}
	for metric, keywords := range personalMetricColumns {
		if column := table.FindColumn(keywords); column != "" {
			metricColumns[metric] = column
		}
	}

	type totals struct {
		values    map[domain.MetricCode]domain.FactRecord
		penalties int
	}
	perEmployee := map[string]*totals{}
	var order []string

	out := &Extraction{}
	for row := range table.Rows {
		employee := table.Get(row, nameColumn)
		if employee == "" || isSummaryRow(employee) {
			continue
		}
		agg, ok := perEmployee[employee]
		if !ok {
			agg = &totals{values: map[domain.MetricCode]domain.FactRecord{}}
			perEmployee[employee] = agg
			order = append(order, employee)
		}

		for _, metric := range metricColumnOrder {
			column, ok := metricColumns[metric]
			if !ok {
				continue
			}
			cell := table.Get(row, column)
			if cell == "" {
				continue
			}
			value, parsed, coerced := parseAmount(cell)
			if !parsed {
				out.Facts = append(out.Facts, placeholderFact(src, row+2, employee,
					fmt.Sprintf("unparseable daily %s value %q", metric, cell)))
				continue
			}
			if coerced {
				agg.penalties++
			}
			record, exists := agg.values[metric]
			if !exists {
				record = domain.FactRecord{
					WorkspaceID:  src.WorkspaceID,
					EmployeeName: employee,
					PeriodMonth:  src.Period,
					MetricCode:   metric,
					Unit:         domain.UnitHour,
					MetricLabel:  "daily timesheet total",
					SourceFile:   src.Filename,
					SourceSheet:  src.Sheet,
					SourceRow:    row + 2,
				}
			}
			record.MetricValue = record.MetricValue.Add(value)
			agg.values[metric] = record
		}
	}

	for _, employee := range order {
		agg := perEmployee[employee]
		conf := rowConfidence(agg.penalties + 1) // summation loses row-level context
		emittedAny := false
		for _, metric := range metricColumnOrder {
			record, ok := agg.values[metric]
			if !ok || record.MetricValue.IsZero() {
				continue
			}
			record.Confidence = conf
			out.Facts = append(out.Facts, record)
			emittedAny = true
		}
		if !emittedAny {
			out.Facts = append(out.Facts, placeholderFact(src, 0, employee,
				"no parseable daily hours for employee"))
		}
	}
	return out, nil
}
