package rules

import (
	"sort"
	"time"

	"github.com/payrollhub/payroll-backend/internal/workspace/domain"
	"github.com/shopspring/decimal"
)

// RuleVersion is stamped on every result so recomputations under a newer
// rule set are distinguishable in the audit trail.
const RuleVersion = "v1"

// Engine is the deterministic payroll computation. It holds only
// configuration; Compute is a pure function of its inputs, which is what
// makes results reproducible from recorded hashes.
type Engine struct {
	taxTable             *TaxTable
	standardMonthlyHours decimal.Decimal
	lowConfidence        decimal.Decimal
}

// NewEngine creates a rules engine.
// standardMonthlyHours converts a salaried base amount into its hourly
// equivalent for overtime; lowConfidence is the flagging threshold for
// contributing facts.
func NewEngine(taxTable *TaxTable, standardMonthlyHours int, lowConfidence float64) *Engine {
	return &Engine{
		taxTable:             taxTable,
		standardMonthlyHours: decimal.NewFromInt(int64(standardMonthlyHours)),
		lowConfidence:        decimal.NewFromFloat(lowConfidence),
	}
}

// aggregate is the per-employee sum of effective fact values
type aggregate struct {
	hourStd       decimal.Decimal
	hourOTWeekday decimal.Decimal
	hourOTWeekend decimal.Decimal
	hourTotal     decimal.Decimal
	hourConfirmed decimal.Decimal
	amountBase    decimal.Decimal
	allowances    decimal.Decimal
	deductions    decimal.Decimal

	lowConfidence bool
	sourceHashes  []string
	sourceFiles   []string
}

// Compute runs the full calculation for one period. Facts must be the
// effective (non-superseded) set; policies the merged effective snapshots.
// Employees with facts but no policy come back REJECTED rather than
// silently dropped. Output order is deterministic (by employee key).
func (e *Engine) Compute(period string, facts []domain.FactRecord, policies []domain.PolicySnapshot) []domain.PayrollResult {
	byEmployee := map[string]*aggregate{}
	for i := range facts {
		fact := &facts[i]
		if fact.PeriodMonth != period || fact.Superseded {
			continue
		}
		agg := byEmployee[fact.EmployeeKey]
		if agg == nil {
			agg = &aggregate{}
			byEmployee[fact.EmployeeKey] = agg
		}
		agg.add(fact, e.lowConfidence)
	}

	policyByEmployee := map[string]*domain.PolicySnapshot{}
	for i := range policies {
		if policies[i].PeriodMonth == period {
			policyByEmployee[policies[i].EmployeeKey] = &policies[i]
		}
	}

	keys := make([]string, 0, len(byEmployee))
	for key := range byEmployee {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	results := make([]domain.PayrollResult, 0, len(keys))
	for _, key := range keys {
		results = append(results, e.computeEmployee(key, period, byEmployee[key], policyByEmployee[key]))
	}
	return results
}

func (a *aggregate) add(fact *domain.FactRecord, lowConfidence decimal.Decimal) {
	if fact.Confidence.LessThan(lowConfidence) {
		a.lowConfidence = true
	}
	a.sourceHashes = append(a.sourceHashes, fact.SourceHash)
	a.sourceFiles = appendUnique(a.sourceFiles, fact.SourceFile)
	if fact.Placeholder() {
		return
	}

	switch fact.MetricCode {
	case domain.MetricHourStd:
		a.hourStd = a.hourStd.Add(fact.MetricValue)
	case domain.MetricHourOTWeekday:
		a.hourOTWeekday = a.hourOTWeekday.Add(fact.MetricValue)
	case domain.MetricHourOTWeekend:
		a.hourOTWeekend = a.hourOTWeekend.Add(fact.MetricValue)
	case domain.MetricHourTotal:
		a.hourTotal = a.hourTotal.Add(fact.MetricValue)
	case domain.MetricHourConfirmed:
		a.hourConfirmed = a.hourConfirmed.Add(fact.MetricValue)
	case domain.MetricAmountBase:
		a.amountBase = a.amountBase.Add(fact.MetricValue)
	case domain.MetricAmountAllow:
		a.allowances = a.allowances.Add(fact.MetricValue)
	case domain.MetricAmountDeduct:
		a.deductions = a.deductions.Add(fact.MetricValue)
	}
}

// regularHours picks the hours figure for hourly base pay: the standard
// hours metric when present, else the confirmed or total fallback.
func (a *aggregate) regularHours() decimal.Decimal {
	if !a.hourStd.IsZero() {
		return a.hourStd
	}
	if !a.hourConfirmed.IsZero() {
		return a.hourConfirmed
	}
	return a.hourTotal
}

func (e *Engine) computeEmployee(key, period string, agg *aggregate, policy *domain.PolicySnapshot) domain.PayrollResult {
	result := domain.PayrollResult{
		EmployeeKey:  key,
		PeriodMonth:  period,
		RuleVersion:  RuleVersion,
		SourceHashes: sortedCopy(agg.sourceHashes),
		SourceFiles:  sortedCopy(agg.sourceFiles),
	}

	// COLLECT_INPUTS
	if policy == nil {
		result.Status = domain.ResultRejected
		result.RejectReason = "no effective policy snapshot for employee/period"
		return result
	}
	result.SnapshotHash = policy.SnapshotHash
	if agg.lowConfidence {
		result.Flags = append(result.Flags, domain.FlagLowConfidenceInput)
	}

	// COMPUTE_BASE
	var basePay, hourlyEquivalent decimal.Decimal
	switch policy.Mode {
	case domain.ModeHourly:
		rate := decimal.Zero
		if policy.BaseRate != nil {
			rate = *policy.BaseRate
		}
		basePay = agg.regularHours().Mul(rate)
		hourlyEquivalent = rate
	default: // SALARIED
		contracted := agg.amountBase
		if policy.BaseAmount != nil {
			contracted = *policy.BaseAmount
		}
		// The hourly equivalent comes from the full contractual amount: a
		// validity window pro-rates base pay, not the overtime rate.
		if e.standardMonthlyHours.IsPositive() {
			hourlyEquivalent = contracted.Div(e.standardMonthlyHours)
		}
		basePay = contracted.Mul(e.prorationFactor(policy, period))
	}

	// COMPUTE_OVERTIME: an absolute rate wins over the multiplier form
	otPay := tierPay(agg.hourOTWeekday, policy.OTWeekdayRate, policy.OTWeekdayMultiplier, hourlyEquivalent)
	otPay = otPay.Add(tierPay(agg.hourOTWeekend, policy.OTWeekendRate, policy.OTWeekendMultiplier, hourlyEquivalent))

	// APPLY_ALLOWANCES_DEDUCTIONS
	allowances := agg.allowances
	deductions := agg.deductions
	breakdown := map[string]decimal.Decimal{}
	for name, value := range policy.Allowances {
		allowances = allowances.Add(value)
		breakdown["allowance:"+name] = value
	}
	for name, value := range policy.Deductions {
		deductions = deductions.Add(value)
		breakdown["deduction:"+name] = value
	}

	// APPLY_STATUTORY
	gross := basePay.Add(otPay).Add(allowances)
	contributionBase := clamp(basePay, policy.SocialSecurity.BaseFloor, policy.SocialSecurity.BaseCeiling)
	ssEmployee := decimal.Zero
	if policy.SocialSecurity.EmployeeRatio != nil {
		ssEmployee = round2(contributionBase.Mul(*policy.SocialSecurity.EmployeeRatio))
	}

	var threshold *decimal.Decimal
	if policy.TaxParams != nil {
		if override, ok := policy.TaxParams["tax_threshold"]; ok {
			threshold = &override
		}
	}
	tax := round2(e.taxTable.Apply(gross.Sub(ssEmployee), threshold))

	// FINALIZE
	net := gross.Sub(deductions).Sub(ssEmployee).Sub(tax)
	if net.IsNegative() {
		result.Flags = append(result.Flags, domain.FlagNegativeNet)
	}

	result.Status = domain.ResultOK
	result.GrossPay = round2(gross)
	result.NetPay = round2(net)
	result.BasePay = round2(basePay)
	result.OTPay = round2(otPay)
	result.AllowancesSum = round2(allowances)
	result.DeductionsSum = round2(deductions)
	result.SocialSecurityEmployee = ssEmployee
	result.Tax = tax
	if len(breakdown) > 0 {
		result.Breakdown = breakdown
	}
	return result
}

// tierPay prices one overtime tier
func tierPay(hours decimal.Decimal, rate, multiplier *decimal.Decimal, hourlyEquivalent decimal.Decimal) decimal.Decimal {
	if hours.IsZero() {
		return decimal.Zero
	}
	if rate != nil {
		return hours.Mul(*rate)
	}
	if multiplier != nil {
		return hours.Mul(hourlyEquivalent).Mul(*multiplier)
	}
	return decimal.Zero
}

// prorationFactor scales a salaried base for a policy whose validity window
// covers only part of the period's month. Dates outside the month clamp to
// its bounds; unparseable dates disable pro-ration for safety.
func (e *Engine) prorationFactor(policy *domain.PolicySnapshot, period string) decimal.Decimal {
	one := decimal.NewFromInt(1)
	if policy.ValidFrom == "" && policy.ValidTo == "" {
		return one
	}

	monthStart, err := time.Parse("2006-01", period)
	if err != nil {
		return one
	}
	monthEnd := monthStart.AddDate(0, 1, -1)

	start, end := monthStart, monthEnd
	if policy.ValidFrom != "" {
		parsed, err := time.Parse("2006-01-02", policy.ValidFrom)
		if err != nil {
			return one
		}
		if parsed.After(start) {
			start = parsed
		}
	}
	if policy.ValidTo != "" {
		parsed, err := time.Parse("2006-01-02", policy.ValidTo)
		if err != nil {
			return one
		}
		if parsed.Before(end) {
			end = parsed
		}
	}
	if end.Before(start) {
		return decimal.Zero
	}

	covered := end.Sub(start).Hours()/24 + 1
	total := monthEnd.Sub(monthStart).Hours()/24 + 1
	return decimal.NewFromFloat(covered).Div(decimal.NewFromFloat(total))
}

func clamp(value decimal.Decimal, floor, ceiling *decimal.Decimal) decimal.Decimal {
	if floor != nil && value.LessThan(*floor) {
		return *floor
	}
	if ceiling != nil && value.GreaterThan(*ceiling) {
		return *ceiling
	}
	return value
}

// round2 rounds half-up to two decimal places
func round2(value decimal.Decimal) decimal.Decimal {
	return value.Round(2)
}

func appendUnique(list []string, item string) []string {
	for _, existing := range list {
		if existing == item {
			return list
		}
	}
	return append(list, item)
}

func sortedCopy(list []string) []string {
	out := append([]string(nil), list...)
	sort.Strings(out)
	return out
}
