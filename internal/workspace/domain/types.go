package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Schema identifies the detected layout of an uploaded payload
type Schema string

const (
	SchemaTimesheetPersonal  Schema = "timesheet_personal"
	SchemaTimesheetAggregate Schema = "timesheet_aggregate"
	SchemaPolicySheet        Schema = "policy_sheet"
	SchemaRosterSheet        Schema = "roster_sheet"
	SchemaFactTable          Schema = "fact_table"
	SchemaPolicyTable        Schema = "policy_table"
	SchemaUnrecognized       Schema = "unrecognized"
)

// JobStatus represents the lifecycle state of an upload job
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Terminal reports whether the status is final. Terminal jobs are immutable.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// UploadJob tracks one uploaded file through the ingestion pipeline
type UploadJob struct {
	ID           string    `json:"id" db:"id"`
	WorkspaceID  string    `json:"workspace_id" db:"workspace_id"`
	Filename     string    `json:"filename" db:"filename"`
	Status       JobStatus `json:"status" db:"status"`
	Schema       Schema    `json:"schema,omitempty" db:"schema"`
	Error        string    `json:"error,omitempty" db:"error"`
	RowsIngested int       `json:"rows_ingested" db:"rows_ingested"`
	Placeholders int       `json:"placeholders" db:"placeholders"`
	RowsRejected int       `json:"rows_rejected" db:"rows_rejected"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`

	// Rejections carry the reason for every row that failed normalization,
	// so a completed job is actionable without reading logs
	Rejections []RejectionNote `json:"rejections,omitempty" db:"-"`
}

// RejectionNote explains one record that failed normalization
type RejectionNote struct {
	Kind   string `json:"kind"` // "fact" or "policy"
	Key    string `json:"key"`
	Reason string `json:"reason"`
	Source string `json:"source"`
}

// Clone reallocates the rejection notes so the job can cross the store
// boundary safely
func (j *UploadJob) Clone() UploadJob {
	out := *j
	if j.Rejections != nil {
		out.Rejections = append([]RejectionNote(nil), j.Rejections...)
	}
	return out
}

// Workspace is the per-calendar-month container for facts, policy and results
type Workspace struct {
	ID        string    `json:"ws_id" db:"id"`
	Month     string    `json:"month" db:"month"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// MetricCode identifies a measured payroll quantity
type MetricCode string

const (
	MetricHourStd       MetricCode = "HOUR_STD"
	MetricHourOTWeekday MetricCode = "HOUR_OT_WD"
	MetricHourOTWeekend MetricCode = "HOUR_OT_WE"
	MetricHourTotal     MetricCode = "HOUR_TOTAL"
	MetricHourConfirmed MetricCode = "HOUR_CONFIRMED"
	MetricAmountBase    MetricCode = "AMOUNT_BASE"
	MetricAmountAllow   MetricCode = "AMOUNT_ALLOW"
	MetricAmountDeduct  MetricCode = "AMOUNT_DEDUCT"
	MetricDaysPresent   MetricCode = "DAYS_PRESENT"
	MetricDaysAbsence   MetricCode = "DAYS_ABSENCE"
	MetricDaysLeave     MetricCode = "DAYS_LEAVE"
)

// Unit is the unit of measure for a fact value
type Unit string

const (
	UnitHour     Unit = "hour"
	UnitCurrency Unit = "currency"
	UnitDay      Unit = "day"
)

// UnitFor returns the unit implied by a metric code
func UnitFor(code MetricCode) Unit {
	switch {
	case code == MetricDaysPresent || code == MetricDaysAbsence || code == MetricDaysLeave:
		return UnitDay
	case code == MetricAmountBase || code == MetricAmountAllow || code == MetricAmountDeduct:
		return UnitCurrency
	default:
		return UnitHour
	}
}

// FactRecord is a single measured quantity tied to an employee and period.
// Mutated only by the normalizer; the rules engine reads it.
type FactRecord struct {
	WorkspaceID  string            `json:"ws_id" db:"workspace_id"`
	EmployeeName string            `json:"employee_name" db:"employee_name"`
	EmployeeKey  string            `json:"employee_key" db:"employee_key" validate:"required"`
	PeriodMonth  string            `json:"period_month" db:"period_month" validate:"required,len=7"`
	MetricCode   MetricCode        `json:"metric_code" db:"metric_code" validate:"required"`
	MetricValue  decimal.Decimal   `json:"metric_value" db:"metric_value"`
	Unit         Unit              `json:"unit" db:"unit" validate:"oneof=hour currency day"`
	MetricLabel  string            `json:"metric_label,omitempty" db:"metric_label"`
	SourceFile   string            `json:"source_file" db:"source_file" validate:"required"`
	SourceSheet  string            `json:"source_sheet,omitempty" db:"source_sheet"`
	SourceRow    int               `json:"source_row,omitempty" db:"source_row"`
	SourceHash   string            `json:"source_hash" db:"source_hash"`
	Confidence   decimal.Decimal   `json:"confidence" db:"confidence"`
	Note         string            `json:"note,omitempty" db:"note"`
	Tags         map[string]string `json:"tags,omitempty" db:"-"`

	// Audit trail fields, managed by the store
	IngestSeq    int64  `json:"ingest_seq" db:"ingest_seq"`
	Superseded   bool   `json:"superseded,omitempty" db:"superseded"`
	SupersededBy string `json:"superseded_by,omitempty" db:"superseded_by"`
}

// Placeholder reports whether this record is a zero-confidence artifact kept
// only for traceability.
func (f *FactRecord) Placeholder() bool {
	return f.Confidence.IsZero()
}

// LogicalKey identifies the fact independent of its source content
func (f *FactRecord) LogicalKey() string {
	return fmt.Sprintf("%s|%s|%s", f.EmployeeKey, f.PeriodMonth, f.MetricCode)
}

// Clone returns a copy safe to hand across the store boundary: the Tags map
// is reallocated so neither side can mutate the other's record. Decimal
// values are immutable and stay shared.
func (f *FactRecord) Clone() FactRecord {
	out := *f
	out.Tags = cloneStringMap(f.Tags)
	return out
}

func cloneStringMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneDecimalMap(in map[string]decimal.Decimal) map[string]decimal.Decimal {
	if in == nil {
		return nil
	}
	out := make(map[string]decimal.Decimal, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// PayMode is the compensation model of an employee
type PayMode string

const (
	ModeSalaried PayMode = "SALARIED"
	ModeHourly   PayMode = "HOURLY"
)

// SocialSecurity holds statutory contribution parameters
type SocialSecurity struct {
	EmployeeRatio *decimal.Decimal `json:"employee_ratio,omitempty"`
	EmployerRatio *decimal.Decimal `json:"employer_ratio,omitempty"`
	BaseFloor     *decimal.Decimal `json:"base_floor,omitempty"`
	BaseCeiling   *decimal.Decimal `json:"base_ceiling,omitempty"`
}

// FieldConflict records that two sources explicitly set the same policy field.
// Resolution is precedence-based; the conflict itself stays on the snapshot
// for audit.
type FieldConflict struct {
	Field      string    `json:"field"`
	KeptSource string    `json:"kept_source"`
	KeptValue  string    `json:"kept_value"`
	LostSource string    `json:"lost_source"`
	LostValue  string    `json:"lost_value"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// PolicySnapshot is the effective pay-rate and statutory-deduction
// configuration for one employee and period. Partial snapshots from different
// sources are merged by the normalizer into at most one effective snapshot
// per (employee key, period).
type PolicySnapshot struct {
	WorkspaceID string  `json:"ws_id" db:"workspace_id"`
	EmployeeKey string  `json:"employee_key" db:"employee_key" validate:"required"`
	PeriodMonth string  `json:"period_month" db:"period_month" validate:"required,len=7"`
	Mode        PayMode `json:"mode" db:"mode" validate:"oneof=SALARIED HOURLY"`

	BaseAmount *decimal.Decimal `json:"base_amount,omitempty" db:"base_amount"`
	BaseRate   *decimal.Decimal `json:"base_rate,omitempty" db:"base_rate"`

	// Rate and multiplier are mutually exclusive representations per tier;
	// when both survive a merge, rate wins at read time.
	OTWeekdayRate       *decimal.Decimal `json:"ot_weekday_rate,omitempty" db:"ot_weekday_rate"`
	OTWeekendRate       *decimal.Decimal `json:"ot_weekend_rate,omitempty" db:"ot_weekend_rate"`
	OTWeekdayMultiplier *decimal.Decimal `json:"ot_weekday_multiplier,omitempty" db:"ot_weekday_multiplier"`
	OTWeekendMultiplier *decimal.Decimal `json:"ot_weekend_multiplier,omitempty" db:"ot_weekend_multiplier"`

	Allowances     map[string]decimal.Decimal `json:"allowances,omitempty" db:"-"`
	Deductions     map[string]decimal.Decimal `json:"deductions,omitempty" db:"-"`
	SocialSecurity SocialSecurity             `json:"social_security" db:"-"`
	TaxParams      map[string]decimal.Decimal `json:"tax_params,omitempty" db:"-"`

	ValidFrom string `json:"valid_from,omitempty" db:"valid_from"`
	ValidTo   string `json:"valid_to,omitempty" db:"valid_to"`

	SourceFiles  []string          `json:"source_files" db:"-"`
	SourceSheet  string            `json:"source_sheet,omitempty" db:"source_sheet"`
	SnapshotHash string            `json:"snapshot_hash" db:"snapshot_hash"`
	Raw          map[string]string `json:"raw,omitempty" db:"-"`
	Conflicts    []FieldConflict   `json:"conflicts,omitempty" db:"-"`
	IngestSeq    int64             `json:"ingest_seq" db:"ingest_seq"`
}

// Key identifies the snapshot's merge slot
func (p *PolicySnapshot) Key() string {
	return p.EmployeeKey + "|" + p.PeriodMonth
}

// Clone returns a copy whose map and slice fields are reallocated, so a
// stored snapshot and the caller's copy cannot alias each other
func (p *PolicySnapshot) Clone() PolicySnapshot {
	out := *p
	out.Allowances = cloneDecimalMap(p.Allowances)
	out.Deductions = cloneDecimalMap(p.Deductions)
	out.TaxParams = cloneDecimalMap(p.TaxParams)
	out.Raw = cloneStringMap(p.Raw)
	if p.SourceFiles != nil {
		out.SourceFiles = append([]string(nil), p.SourceFiles...)
	}
	if p.Conflicts != nil {
		out.Conflicts = append([]FieldConflict(nil), p.Conflicts...)
	}
	return out
}

// ResultStatus is the terminal state of a per-employee computation
type ResultStatus string

const (
	ResultOK       ResultStatus = "RESULT"
	ResultRejected ResultStatus = "REJECTED"
)

// Result flags
const (
	FlagLowConfidenceInput = "LOW_CONFIDENCE_INPUT"
	FlagNegativeNet        = "NEGATIVE_NET"
)

// PayrollResult is the output of one engine run for one employee.
// Recomputation from identical inputs (identified by the recorded hashes)
// reproduces it byte for byte.
type PayrollResult struct {
	EmployeeKey  string       `json:"employee_key" db:"employee_key"`
	PeriodMonth  string       `json:"period_month" db:"period_month"`
	Status       ResultStatus `json:"status" db:"status"`
	RejectReason string       `json:"reject_reason,omitempty" db:"reject_reason"`

	GrossPay               decimal.Decimal `json:"gross_pay" db:"gross_pay"`
	NetPay                 decimal.Decimal `json:"net_pay" db:"net_pay"`
	BasePay                decimal.Decimal `json:"base_pay" db:"base_pay"`
	OTPay                  decimal.Decimal `json:"ot_pay" db:"ot_pay"`
	AllowancesSum          decimal.Decimal `json:"allowances_sum" db:"allowances_sum"`
	DeductionsSum          decimal.Decimal `json:"deductions_sum" db:"deductions_sum"`
	SocialSecurityEmployee decimal.Decimal `json:"social_security_employee" db:"social_security_employee"`
	Tax                    decimal.Decimal `json:"tax" db:"tax"`

	// Breakdown keeps allowance/deduction components individually for audit
	Breakdown map[string]decimal.Decimal `json:"breakdown,omitempty" db:"-"`
	Flags     []string                   `json:"flags,omitempty" db:"-"`

	RuleVersion  string   `json:"rule_version" db:"rule_version"`
	SnapshotHash string   `json:"snapshot_hash,omitempty" db:"snapshot_hash"`
	SourceHashes []string `json:"source_hashes,omitempty" db:"-"`
	SourceFiles  []string `json:"source_files,omitempty" db:"-"`
}
