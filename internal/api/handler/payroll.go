package handler

import (
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/payrollhub/payroll-backend/internal/export"
	"github.com/payrollhub/payroll-backend/internal/payroll/service"
	"github.com/payrollhub/payroll-backend/internal/workspace/domain"
	"github.com/payrollhub/payroll-backend/pkg/httputil"
	"github.com/payrollhub/payroll-backend/pkg/logger"
)

// PayrollHandler handles calculation, result and export endpoints
type PayrollHandler struct {
	service *service.Service
	logger  *logger.Logger
}

// NewPayrollHandler creates a new payroll handler
func NewPayrollHandler(svc *service.Service, log *logger.Logger) *PayrollHandler {
	return &PayrollHandler{
		service: svc,
		logger:  log,
	}
}

type calculateRequest struct {
	Period string `json:"period"`
	// Employees restricts the run to the named employees; the stored
	// period results are left untouched for such subset runs.
	Employees []string `json:"employees,omitempty"`
}

// Calculate runs the rules engine over a workspace period
func (h *PayrollHandler) Calculate(w http.ResponseWriter, r *http.Request) {
	wsID := chi.URLParam(r, "ws")

	var req calculateRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}
	if req.Period == "" {
		req.Period = wsID
	}

	results, err := h.service.Calculate(r.Context(), wsID, req.Period, req.Employees)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, results)
}

// Results returns the stored results of the last full calculation run
func (h *PayrollHandler) Results(w http.ResponseWriter, r *http.Request) {
	wsID := chi.URLParam(r, "ws")
	period, err := periodParam(r, wsID)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	results, err := h.service.Results(r.Context(), wsID, period)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, results)
}

// ExportBank streams the bank payroll CSV for a period
func (h *PayrollHandler) ExportBank(w http.ResponseWriter, r *http.Request) {
	h.exportCSV(w, r, "bank_payroll", export.BankPayroll)
}

// ExportTax streams the tax bureau CSV for a period
func (h *PayrollHandler) ExportTax(w http.ResponseWriter, r *http.Request) {
	h.exportCSV(w, r, "tax_bureau", export.TaxBureau)
}

func (h *PayrollHandler) exportCSV(w http.ResponseWriter, r *http.Request, name string, write func(w io.Writer, results []domain.PayrollResult) error) {
	wsID := chi.URLParam(r, "ws")
	period, err := periodParam(r, wsID)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	results, err := h.service.Results(r.Context(), wsID, period)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="%s_%s.csv"`, name, period))
	if err := write(w, results); err != nil {
		// headers are already out; all we can do is log
		h.logger.Error().Err(err).Str("export", name).Msg("Failed to stream export")
	}
}
