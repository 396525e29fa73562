package extractor

import (
	"context"
	"fmt"

	"github.com/payrollhub/payroll-backend/internal/ingestion/tabular"
	"github.com/payrollhub/payroll-backend/internal/workspace/domain"
	"github.com/shopspring/decimal"
)

var (
	rosterSSEmpColumns  = []string{"社保个人", "个人比例", "个人缴费"}
	rosterSSCompColumns = []string{"社保公司", "公司比例", "单位缴费", "公司缴费"}
	rosterBaseFloorCols = []string{"缴费基数下限", "基数下限", "最低基数"}
	rosterBaseCeilCols  = []string{"缴费基数上限", "基数上限", "最高基数"}
	rosterTaxThreshold  = []string{"起征点", "免征额"}
)

// RosterSheetExtractor parses the HR roster: per-employee statutory
// parameters (social security ratios, contribution base bounds) and
// identity columns. It emits partial policy snapshots that the merger
// layers under pay-policy data.
type RosterSheetExtractor struct{}

// NewRosterSheetExtractor creates the roster extractor
func NewRosterSheetExtractor() *RosterSheetExtractor {
	return &RosterSheetExtractor{}
}

func (e *RosterSheetExtractor) Name() string { return "roster_sheet" }

func (e *RosterSheetExtractor) CanExtract(schema domain.Schema) bool {
	return schema == domain.SchemaRosterSheet
}

func (e *RosterSheetExtractor) Extract(_ context.Context, table *tabular.Table, src Source) (*Extraction, error) {
	nameColumn := table.FindColumn(nameKeywords)
	if nameColumn == "" {
		return nil, fmt.Errorf("roster_sheet: no employee name column in %q", src.Filename)
	}

	out := &Extraction{}
	for row := range table.Rows {
		employee := table.Get(row, nameColumn)
		if employee == "" || isSummaryRow(employee) {
			continue
		}

		snapshot := domain.PolicySnapshot{
			WorkspaceID: src.WorkspaceID,
			EmployeeKey: employee,
			PeriodMonth: src.Period,
			SourceFiles: []string{src.Filename},
			SourceSheet: src.Sheet,
			Raw:         rawRow(table, row),
			SocialSecurity: domain.SocialSecurity{
				EmployeeRatio: decimalCell(table, row, table.FindColumn(rosterSSEmpColumns)),
				EmployerRatio: decimalCell(table, row, table.FindColumn(rosterSSCompColumns)),
				BaseFloor:     decimalCell(table, row, table.FindColumn(rosterBaseFloorCols)),
				BaseCeiling:   decimalCell(table, row, table.FindColumn(rosterBaseCeilCols)),
			},
		}

		if threshold := decimalCell(table, row, table.FindColumn(rosterTaxThreshold)); threshold != nil {
			snapshot.TaxParams = map[string]decimal.Decimal{"tax_threshold": *threshold}
		}

		out.Policies = append(out.Policies, snapshot)
	}
	return out, nil
}
