package normalizer

import (
	"time"

	"github.com/payrollhub/payroll-backend/internal/workspace/domain"
	"github.com/shopspring/decimal"
)

// templatePriority orders extractor sources for the merge tie-break. A
// dedicated policy sheet outranks the roster, which outranks standardized
// uploads; heuristic and model output rank last. Applied only when two
// snapshots arrive under the same ingest sequence.
var templatePriority = map[string]int{
	"correction":   6,
	"policy_sheet": 5,
	"roster_sheet": 4,
	"policy_table": 3,
	"fact_table":   3,
	"heuristic":    2,
	"model":        1,
}

// SourceRank returns the merge priority of an extractor name
func SourceRank(extractor string) int {
	return templatePriority[extractor]
}

// Precedes reports whether snapshot a was ingested before snapshot b, i.e.
// b's explicit fields override a's in a merge. Ordering is by ingest
// sequence, then by template priority so same-batch merges stay
// deterministic.
func Precedes(a, b *domain.PolicySnapshot, rankA, rankB int) bool {
	if a.IngestSeq != b.IngestSeq {
		return a.IngestSeq < b.IngestSeq
	}
	return rankA <= rankB
}

// MergePolicies folds the incoming snapshot over the existing one:
// fields the incoming snapshot sets explicitly win, fields it leaves empty
// keep the existing value, and every override of a populated field is
// recorded as a conflict for audit. The caller orders the two via Precedes
// and recomputes the snapshot hash afterwards.
func MergePolicies(existing, incoming *domain.PolicySnapshot, now time.Time) *domain.PolicySnapshot {
	if existing == nil {
		merged := *incoming
		merged.SnapshotHash = SnapshotHash(&merged)
		return &merged
	}

	merged := *existing
	conflicts := append([]domain.FieldConflict(nil), existing.Conflicts...)

	conflict := func(field, kept, lost string) {
		conflicts = append(conflicts, domain.FieldConflict{
			Field:      field,
			KeptSource: sourceOf(incoming),
			KeptValue:  kept,
			LostSource: sourceOf(existing),
			LostValue:  lost,
			ResolvedAt: now,
		})
	}

	mergeDecimal := func(field string, into **decimal.Decimal, from *decimal.Decimal) {
		if from == nil {
			return
		}
		if *into != nil && !(*into).Equal(*from) {
			conflict(field, from.String(), (*into).String())
		}
		*into = from
	}

	mergeDecimal("base_amount", &merged.BaseAmount, incoming.BaseAmount)
	mergeDecimal("base_rate", &merged.BaseRate, incoming.BaseRate)
	mergeDecimal("ot_weekday_rate", &merged.OTWeekdayRate, incoming.OTWeekdayRate)
	mergeDecimal("ot_weekend_rate", &merged.OTWeekendRate, incoming.OTWeekendRate)
	mergeDecimal("ot_weekday_multiplier", &merged.OTWeekdayMultiplier, incoming.OTWeekdayMultiplier)
	mergeDecimal("ot_weekend_multiplier", &merged.OTWeekendMultiplier, incoming.OTWeekendMultiplier)
	mergeDecimal("ss_employee_ratio", &merged.SocialSecurity.EmployeeRatio, incoming.SocialSecurity.EmployeeRatio)
	mergeDecimal("ss_employer_ratio", &merged.SocialSecurity.EmployerRatio, incoming.SocialSecurity.EmployerRatio)
	mergeDecimal("ss_base_floor", &merged.SocialSecurity.BaseFloor, incoming.SocialSecurity.BaseFloor)
	mergeDecimal("ss_base_ceiling", &merged.SocialSecurity.BaseCeiling, incoming.SocialSecurity.BaseCeiling)

	merged.Allowances = mergeAmounts("allowances", merged.Allowances, incoming.Allowances, conflict)
	merged.Deductions = mergeAmounts("deductions", merged.Deductions, incoming.Deductions, conflict)
	merged.TaxParams = mergeAmounts("tax_params", merged.TaxParams, incoming.TaxParams, conflict)

	if incoming.ValidFrom != "" {
		merged.ValidFrom = incoming.ValidFrom
	}
	if incoming.ValidTo != "" {
		merged.ValidTo = incoming.ValidTo
	}

	// A mode switch only sticks when the current mode has no pay basis to
	// back it up: a SALARIED snapshot with a base amount keeps its mode.
	if incoming.Mode != "" && incoming.Mode != merged.Mode {
		switch {
		case merged.Mode == "":
			merged.Mode = incoming.Mode
		case merged.Mode == domain.ModeSalaried && merged.BaseAmount == nil:
			conflict("mode", string(incoming.Mode), string(domain.ModeSalaried))
			merged.Mode = incoming.Mode
		case merged.Mode == domain.ModeHourly && merged.BaseRate == nil && merged.BaseAmount != nil:
			conflict("mode", string(incoming.Mode), string(domain.ModeHourly))
			merged.Mode = incoming.Mode
		}
	}

	merged.SourceFiles = unionStrings(merged.SourceFiles, incoming.SourceFiles)
	if merged.SourceSheet == "" {
		merged.SourceSheet = incoming.SourceSheet
	}
	if len(merged.Raw) == 0 {
		merged.Raw = incoming.Raw
	}
	if incoming.IngestSeq > merged.IngestSeq {
		merged.IngestSeq = incoming.IngestSeq
	}

	merged.Conflicts = conflicts
	merged.SnapshotHash = SnapshotHash(&merged)
	return &merged
}

func mergeAmounts(field string, existing, incoming map[string]decimal.Decimal, conflict func(field, kept, lost string)) map[string]decimal.Decimal {
	if len(incoming) == 0 {
		return existing
	}
	merged := make(map[string]decimal.Decimal, len(existing)+len(incoming))
	for name, value := range existing {
		merged[name] = value
	}
	for name, value := range incoming {
		if prior, ok := merged[name]; ok && !prior.Equal(value) {
			conflict(field+"."+name, value.String(), prior.String())
		}
		merged[name] = value
	}
	return merged
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, list := range [][]string{a, b} {
		for _, item := range list {
			if item == "" || seen[item] {
				continue
			}
			seen[item] = true
			out = append(out, item)
		}
	}
	return out
}
