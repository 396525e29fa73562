// Package export renders stored payroll results into the flat files the
// surrounding systems ingest: the bank transfer list and the tax bureau
// import sheet.
package export

import (
	"encoding/csv"
	"fmt"
	"io"

	"github.com/payrollhub/payroll-backend/internal/workspace/domain"
)

// BankPayroll writes the bank transfer file: one row per paid employee with
// the net amount. Rejected results are excluded; a bank file must never
// carry a row the engine refused to compute.
func BankPayroll(w io.Writer, results []domain.PayrollResult) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"employee", "amount", "period"}); err != nil {
		return fmt.Errorf("write bank header: %w", err)
	}
	for i := range results {
		r := &results[i]
		if r.Status != domain.ResultOK {
			continue
		}
		record := []string{r.EmployeeKey, r.NetPay.StringFixed(2), r.PeriodMonth}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write bank row for %s: %w", r.EmployeeKey, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// TaxBureau writes the tax filing import: gross, taxable basis components
// and withheld tax per employee.
func TaxBureau(w io.Writer, results []domain.PayrollResult) error {
	cw := csv.NewWriter(w)
	header := []string{
		"employee", "period", "gross_pay", "social_security_employee", "tax", "net_pay",
	}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write tax header: %w", err)
	}
	for i := range results {
		r := &results[i]
		if r.Status != domain.ResultOK {
			continue
		}
		record := []string{
			r.EmployeeKey,
			r.PeriodMonth,
			r.GrossPay.StringFixed(2),
			r.SocialSecurityEmployee.StringFixed(2),
			r.Tax.StringFixed(2),
			r.NetPay.StringFixed(2),
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write tax row for %s: %w", r.EmployeeKey, err)
		}
	}
	cw.Flush()
	return cw.Error()
}
