package extractor

import (
	"context"
	"strings"
	"time"

	"github.com/payrollhub/payroll-backend/internal/ingestion/tabular"
	"github.com/payrollhub/payroll-backend/internal/workspace/domain"
	"github.com/shopspring/decimal"
)

// Source describes where a table came from. Extractors stamp it onto every
// record they emit so each artifact stays traceable to its origin.
type Source struct {
	WorkspaceID string
	Period      string
	Filename    string
	Sheet       string
}

// Extraction is the output of one extractor run. Every input row contributes
// at least one fact, policy or placeholder record; rows are never dropped.
type Extraction struct {
	Facts    []domain.FactRecord
	Policies []domain.PolicySnapshot
}

// Records returns the total number of emitted records
func (e *Extraction) Records() int {
	return len(e.Facts) + len(e.Policies)
}

// Placeholders counts zero-confidence fact artifacts
func (e *Extraction) Placeholders() int {
	n := 0
	for i := range e.Facts {
		if e.Facts[i].Placeholder() {
			n++
		}
	}
	return n
}

// Extractor converts a classified table into candidate records.
// Implementations can be swapped in (including model-assisted ones)
// without changing the orchestrator.
type Extractor interface {
	// CanExtract returns true if this extractor handles the given schema
	CanExtract(schema domain.Schema) bool

	// Extract converts the table into candidate records. Per-row parse
	// failures become placeholder records, not errors; an error means the
	// extractor could not process the table at all.
	Extract(ctx context.Context, table *tabular.Table, src Source) (*Extraction, error)

	// Name returns the extractor name for logging/audit
	Name() string
}

// Registry holds all registered extractors and dispatches to the right one
type Registry struct {
	extractors []Extractor
}

// NewRegistry creates a new extractor registry
func NewRegistry(extractors ...Extractor) *Registry {
	return &Registry{extractors: extractors}
}

// NewDefaultRegistry assembles the standard fallback chain: exact template
// extractors first, then the optional model service, the heuristic last.
// The model must sit ahead of the heuristic because the heuristic never
// fails, so nothing registered behind it is ever tried.
func NewDefaultRegistry(modelURL string, modelTimeout time.Duration) *Registry {
	extractors := []Extractor{
		NewFactTableExtractor(),
		NewPolicyTableExtractor(),
		NewTimesheetAggregateExtractor(),
		NewTimesheetPersonalExtractor(),
		NewPolicySheetExtractor(),
		NewRosterSheetExtractor(),
	}
	if modelURL != "" {
		extractors = append(extractors, NewModelExtractor(modelURL, modelTimeout))
	}
	extractors = append(extractors, NewHeuristicExtractor())
	return NewRegistry(extractors...)
}

// Find returns all extractors that can handle the given schema, in
// registration order. This supports fallback: if the first extractor fails
// (e.g. the model service is unreachable), the next one can try.
func (r *Registry) Find(schema domain.Schema) []Extractor {
	var result []Extractor
	for _, e := range r.extractors {
		if e.CanExtract(schema) {
			result = append(result, e)
		}
	}
	return result
}

// summaryLabels mark aggregate rows that must not become employee records
var summaryLabels = map[string]bool{
	"合计": true,
	"汇总": true,
	"总计": true,
}

func isSummaryRow(name string) bool {
	return summaryLabels[strings.TrimSpace(name)]
}

// parseAmount coerces a cell into a decimal. It tolerates thousands
// separators, surrounding whitespace and a trailing percent sign (returned
// as a ratio). The bool reports whether coercion beyond a clean parse was
// needed, which feeds the confidence penalty.
func parseAmount(cell string) (decimal.Decimal, bool, bool) {
	text := strings.TrimSpace(cell)
	if text == "" {
		return decimal.Zero, false, false
	}

	coerced := false
	percent := false
	if strings.HasSuffix(text, "%") {
		text = strings.TrimSpace(strings.TrimSuffix(text, "%"))
		percent = true
		coerced = true
	}
	if strings.ContainsAny(text, ", ") {
		text = strings.ReplaceAll(strings.ReplaceAll(text, ",", ""), " ", "")
		coerced = true
	}
	if strings.HasPrefix(text, "¥") || strings.HasPrefix(text, "￥") {
		text = strings.TrimLeft(text, "¥￥")
		coerced = true
	}

	value, err := decimal.NewFromString(text)
	if err != nil {
		return decimal.Zero, false, false
	}
	if percent {
		value = value.Div(decimal.NewFromInt(100))
	}
	return value, true, coerced
}

// rowConfidence turns a coercion/empty-optional penalty count into a
// confidence score. Template extractors never go below 0.6 for rows whose
// required fields parsed; the heuristic fallback caps lower.
func rowConfidence(penalties int) decimal.Decimal {
	conf := decimal.NewFromInt(1).Sub(decimal.NewFromFloat(0.1).Mul(decimal.NewFromInt(int64(penalties))))
	floor := decimal.NewFromFloat(0.6)
	if conf.LessThan(floor) {
		return floor
	}
	return conf
}

// placeholderFact builds the zero-confidence artifact for a row that failed
// required-field parsing. The diagnostic note carries enough context to act on.
func placeholderFact(src Source, row int, employee, note string) domain.FactRecord {
	return domain.FactRecord{
		WorkspaceID:  src.WorkspaceID,
		EmployeeName: employee,
		PeriodMonth:  src.Period,
		MetricCode:   domain.MetricHourStd,
		MetricValue:  decimal.Zero,
		Unit:         domain.UnitHour,
		SourceFile:   src.Filename,
		SourceSheet:  src.Sheet,
		SourceRow:    row,
		Confidence:   decimal.Zero,
		Note:         note,
	}
}
