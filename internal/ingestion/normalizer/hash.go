package normalizer

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/payrollhub/payroll-backend/internal/workspace/domain"
)

// canonicalHash digests a field map as sorted key=value lines, so the hash
// is independent of the column order the source file happened to use.
func canonicalHash(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for key, value := range fields {
		if value == "" {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var builder strings.Builder
	for _, key := range keys {
		builder.WriteString(key)
		builder.WriteByte('=')
		builder.WriteString(fields[key])
		builder.WriteByte('\n')
	}
	sum := sha256.Sum256([]byte(builder.String()))
	return hex.EncodeToString(sum[:])
}

// FactHash is the content address of a fact: identity plus value plus
// origin. Re-ingesting the same file reproduces it exactly, which is what
// makes re-ingestion idempotent.
func FactHash(f *domain.FactRecord) string {
	return canonicalHash(map[string]string{
		"ws":     f.WorkspaceID,
		"key":    f.EmployeeKey,
		"period": f.PeriodMonth,
		"metric": string(f.MetricCode),
		"value":  f.MetricValue.String(),
		"unit":   string(f.Unit),
		"file":   f.SourceFile,
		"sheet":  f.SourceSheet,
	})
}

// SnapshotHash digests the effective policy fields. Audit-only fields
// (sources, conflicts, ingest sequence) stay out so two merges that land on
// the same effective policy hash the same.
func SnapshotHash(p *domain.PolicySnapshot) string {
	fields := map[string]string{
		"ws":         p.WorkspaceID,
		"key":        p.EmployeeKey,
		"period":     p.PeriodMonth,
		"mode":       string(p.Mode),
		"valid_from": p.ValidFrom,
		"valid_to":   p.ValidTo,
	}
	if p.BaseAmount != nil {
		fields["base_amount"] = p.BaseAmount.String()
	}
	if p.BaseRate != nil {
		fields["base_rate"] = p.BaseRate.String()
	}
	if p.OTWeekdayRate != nil {
		fields["ot_weekday_rate"] = p.OTWeekdayRate.String()
	}
	if p.OTWeekendRate != nil {
		fields["ot_weekend_rate"] = p.OTWeekendRate.String()
	}
	if p.OTWeekdayMultiplier != nil {
		fields["ot_weekday_multiplier"] = p.OTWeekdayMultiplier.String()
	}
	if p.OTWeekendMultiplier != nil {
		fields["ot_weekend_multiplier"] = p.OTWeekendMultiplier.String()
	}
	if p.SocialSecurity.EmployeeRatio != nil {
		fields["ss_employee_ratio"] = p.SocialSecurity.EmployeeRatio.String()
	}
	if p.SocialSecurity.EmployerRatio != nil {
		fields["ss_employer_ratio"] = p.SocialSecurity.EmployerRatio.String()
	}
	if p.SocialSecurity.BaseFloor != nil {
		fields["ss_base_floor"] = p.SocialSecurity.BaseFloor.String()
	}
	if p.SocialSecurity.BaseCeiling != nil {
		fields["ss_base_ceiling"] = p.SocialSecurity.BaseCeiling.String()
	}
	for name, value := range p.Allowances {
		fields["allowance_"+name] = value.String()
	}
	for name, value := range p.Deductions {
		fields["deduction_"+name] = value.String()
	}
	for name, value := range p.TaxParams {
		fields["tax_"+name] = value.String()
	}
	return canonicalHash(fields)
}
