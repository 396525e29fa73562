package normalizer

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/payrollhub/payroll-backend/internal/workspace/domain"
	"github.com/payrollhub/payroll-backend/pkg/logger"
	"github.com/shopspring/decimal"
	"golang.org/x/text/unicode/norm"
)

// maxMonthlyHours bounds any hour-unit metric. 31 days * 24 hours.
var maxMonthlyHours = decimal.NewFromInt(744)

var periodPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^(\d{4})-(\d{1,2})$`),
	regexp.MustCompile(`^(\d{4})/(\d{1,2})$`),
	regexp.MustCompile(`^(\d{4})\.(\d{1,2})$`),
	regexp.MustCompile(`^(\d{4})年(\d{1,2})月?$`),
	regexp.MustCompile(`^(\d{4})(\d{2})$`),
}

// NormalizeKey folds an employee name into its canonical matching key:
// NFKC, lowercase, all whitespace removed. "张 三" and "张三" collapse to
// the same key; ＡＢＣ full-width latin folds to abc.
func NormalizeKey(name string) string {
	folded := strings.ToLower(norm.NFKC.String(name))
	return strings.Join(strings.Fields(folded), "")
}

// NormalizePeriod canonicalizes a period spelling into YYYY-MM
func NormalizePeriod(period string) (string, error) {
	text := strings.TrimSpace(norm.NFKC.String(period))
	for _, pattern := range periodPatterns {
		if match := pattern.FindStringSubmatch(text); match != nil {
			month := match[2]
			if len(month) == 1 {
				month = "0" + month
			}
			if month < "01" || month > "12" {
				return "", fmt.Errorf("month %q out of range in period %q", month, period)
			}
			return match[1] + "-" + month, nil
		}
	}
	return "", fmt.Errorf("unrecognized period format %q", period)
}

// Normalizer canonicalizes extracted records and prepares them for the
// store: keys folded, periods canonicalized, hashes computed, bounds
// checked. Invalid records are returned separately, never silently dropped.
type Normalizer struct {
	validate *validator.Validate
	log      *logger.Logger
}

// Result separates records that passed normalization from those that
// failed it, with one reason per rejected record.
type Result struct {
	Facts    []domain.FactRecord
	Policies []domain.PolicySnapshot
	Rejected []Rejection
}

// Rejection records why one extracted record could not be normalized. It is
// the domain rejection note so the orchestrator can attach it to jobs as-is.
type Rejection = domain.RejectionNote

// New creates a normalizer
func New(log *logger.Logger) *Normalizer {
	return &Normalizer{
		validate: validator.New(),
		log:      log.WithComponent("normalizer"),
	}
}

func (n *Normalizer) reject(out *Result, r Rejection) {
	n.log.Warn().
		Str("kind", r.Kind).
		Str("key", r.Key).
		Str("source", r.Source).
		Str("reason", r.Reason).
		Msg("Record rejected during normalization")
	out.Rejected = append(out.Rejected, r)
}

// NormalizeFacts canonicalizes a batch of extracted facts for the workspace
// covering workspaceMonth. Placeholder records pass through with only
// key/period folding; they carry no value to bound-check.
func (n *Normalizer) NormalizeFacts(workspaceMonth string, facts []domain.FactRecord, out *Result) {
	wsMonth := foldMonth(workspaceMonth)
	for _, fact := range facts {
		fact.EmployeeKey = NormalizeKey(fact.EmployeeName)
		if fact.EmployeeKey == "" {
			n.reject(out, Rejection{
				Kind: "fact", Reason: "empty employee name", Source: fact.SourceFile,
			})
			continue
		}

		period, err := NormalizePeriod(fact.PeriodMonth)
		if err != nil {
			n.reject(out, Rejection{
				Kind: "fact", Key: fact.EmployeeKey, Reason: err.Error(), Source: fact.SourceFile,
			})
			continue
		}
		if wsMonth != "" && period != wsMonth {
			n.reject(out, Rejection{
				Kind: "fact", Key: fact.EmployeeKey,
				Reason: fmt.Sprintf("period %s does not belong to workspace %s", period, wsMonth),
				Source: fact.SourceFile,
			})
			continue
		}
		fact.PeriodMonth = period

		if !fact.Placeholder() {
			if reason := boundsCheck(&fact); reason != "" {
				n.reject(out, Rejection{
					Kind: "fact", Key: fact.EmployeeKey, Reason: reason, Source: fact.SourceFile,
				})
				continue
			}
			if err := n.validate.Struct(&fact); err != nil {
				n.reject(out, Rejection{
					Kind: "fact", Key: fact.EmployeeKey, Reason: err.Error(), Source: fact.SourceFile,
				})
				continue
			}
		}

		fact.SourceHash = FactHash(&fact)
		out.Facts = append(out.Facts, fact)
	}
}

// NormalizePolicies canonicalizes a batch of extracted policy snapshots for
// the workspace covering workspaceMonth
func (n *Normalizer) NormalizePolicies(workspaceMonth string, policies []domain.PolicySnapshot, out *Result) {
	wsMonth := foldMonth(workspaceMonth)
	for _, policy := range policies {
		policy.EmployeeKey = NormalizeKey(policy.EmployeeKey)
		if policy.EmployeeKey == "" {
			n.reject(out, Rejection{
				Kind: "policy", Reason: "empty employee key", Source: sourceOf(&policy),
			})
			continue
		}

		period, err := NormalizePeriod(policy.PeriodMonth)
		if err != nil {
			n.reject(out, Rejection{
				Kind: "policy", Key: policy.EmployeeKey, Reason: err.Error(), Source: sourceOf(&policy),
			})
			continue
		}
		if wsMonth != "" && period != wsMonth {
			n.reject(out, Rejection{
				Kind: "policy", Key: policy.EmployeeKey,
				Reason: fmt.Sprintf("period %s does not belong to workspace %s", period, wsMonth),
				Source: sourceOf(&policy),
			})
			continue
		}
		policy.PeriodMonth = period

		// Partial snapshots (roster rows carrying only statutory params)
		// are legitimate merge input; the mode/base pairing is enforced at
		// read time by the rules engine, not here.
		if policy.Mode != "" && policy.Mode != domain.ModeSalaried && policy.Mode != domain.ModeHourly {
			n.reject(out, Rejection{
				Kind: "policy", Key: policy.EmployeeKey,
				Reason: fmt.Sprintf("invalid pay mode %q", policy.Mode), Source: sourceOf(&policy),
			})
			continue
		}

		policy.SnapshotHash = SnapshotHash(&policy)
		out.Policies = append(out.Policies, policy)
	}
}

// foldMonth canonicalizes the workspace month for the referential check.
// Workspaces are keyed by their period; an unparseable id disables the check
// rather than rejecting every record.
func foldMonth(month string) string {
	folded, err := NormalizePeriod(month)
	if err != nil {
		return ""
	}
	return folded
}

func boundsCheck(fact *domain.FactRecord) string {
	switch fact.Unit {
	case domain.UnitHour:
		if fact.MetricValue.IsNegative() || fact.MetricValue.GreaterThan(maxMonthlyHours) {
			return fmt.Sprintf("hour value %s out of bounds", fact.MetricValue)
		}
	case domain.UnitCurrency:
		if fact.MetricValue.IsNegative() {
			return "currency value cannot be negative"
		}
	case domain.UnitDay:
		if fact.MetricValue.IsNegative() || fact.MetricValue.GreaterThan(decimal.NewFromInt(31)) {
			return fmt.Sprintf("day value %s out of bounds", fact.MetricValue)
		}
	}
	return ""
}

func sourceOf(policy *domain.PolicySnapshot) string {
	if len(policy.SourceFiles) > 0 {
		return policy.SourceFiles[0]
	}
	return ""
}
