package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/payrollhub/payroll-backend/internal/ingestion/normalizer"
	"github.com/payrollhub/payroll-backend/internal/workspace/store"
	"github.com/payrollhub/payroll-backend/pkg/errors"
	"github.com/payrollhub/payroll-backend/pkg/httputil"
	"github.com/payrollhub/payroll-backend/pkg/logger"
)

// WorkspaceHandler handles workspace lifecycle and read endpoints
type WorkspaceHandler struct {
	store  store.Store
	logger *logger.Logger
}

// NewWorkspaceHandler creates a new workspace handler
func NewWorkspaceHandler(st store.Store, log *logger.Logger) *WorkspaceHandler {
	return &WorkspaceHandler{
		store:  st,
		logger: log,
	}
}

type createWorkspaceRequest struct {
	Month string `json:"month"`
}

// Create opens a workspace for a calendar month. Creating an existing month
// returns the existing workspace unchanged.
func (h *WorkspaceHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createWorkspaceRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}

	month, err := normalizer.NormalizePeriod(req.Month)
	if err != nil {
		httputil.Error(w, errors.BadRequest(err.Error()))
		return
	}

	ws, err := h.store.EnsureWorkspace(r.Context(), month)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.Created(w, ws)
}

// List returns all workspaces
func (h *WorkspaceHandler) List(w http.ResponseWriter, r *http.Request) {
	workspaces, err := h.store.ListWorkspaces(r.Context())
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, workspaces)
}

// ListFacts returns the fact records of a workspace period. Superseded
// records are included only when include_superseded=true, for audit views.
func (h *WorkspaceHandler) ListFacts(w http.ResponseWriter, r *http.Request) {
	wsID := chi.URLParam(r, "ws")
	period, err := periodParam(r, wsID)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	includeSuperseded, _ := strconv.ParseBool(r.URL.Query().Get("include_superseded"))

	facts, err := h.store.ListFacts(r.Context(), wsID, period, includeSuperseded)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, facts)
}

// ListPolicies returns the effective policy snapshots of a workspace period.
// With an employee query parameter it returns that employee's snapshot alone.
func (h *WorkspaceHandler) ListPolicies(w http.ResponseWriter, r *http.Request) {
	wsID := chi.URLParam(r, "ws")
	period, err := periodParam(r, wsID)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	if employee := r.URL.Query().Get("employee"); employee != "" {
		policy, err := h.store.GetPolicy(r.Context(), wsID, normalizer.NormalizeKey(employee), period)
		if err != nil {
			httputil.Error(w, err)
			return
		}
		httputil.JSON(w, http.StatusOK, policy)
		return
	}

	policies, err := h.store.ListPolicies(r.Context(), wsID, period)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, policies)
}

// periodParam resolves the period query parameter, defaulting to the
// workspace's own month.
func periodParam(r *http.Request, fallback string) (string, error) {
	raw := r.URL.Query().Get("period")
	if raw == "" {
		raw = fallback
	}
	period, err := normalizer.NormalizePeriod(raw)
	if err != nil {
		return "", errors.BadRequest(err.Error())
	}
	return period, nil
}
