package handler

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/payrollhub/payroll-backend/internal/ingestion/normalizer"
	"github.com/payrollhub/payroll-backend/internal/ingestion/orchestrator"
	"github.com/payrollhub/payroll-backend/internal/workspace/domain"
	"github.com/payrollhub/payroll-backend/internal/workspace/store"
	"github.com/payrollhub/payroll-backend/pkg/errors"
	"github.com/payrollhub/payroll-backend/pkg/httputil"
	"github.com/payrollhub/payroll-backend/pkg/logger"
)

// maxUploadBytes caps a single uploaded file
const maxUploadBytes = 32 << 20

// IngestHandler handles upload and correction intake
type IngestHandler struct {
	orchestrator *orchestrator.Orchestrator
	store        store.Store
	logger       *logger.Logger
}

// NewIngestHandler creates a new ingest handler
func NewIngestHandler(orch *orchestrator.Orchestrator, st store.Store, log *logger.Logger) *IngestHandler {
	return &IngestHandler{
		orchestrator: orch,
		store:        st,
		logger:       log,
	}
}

// Upload accepts a tabular file for asynchronous ingestion. The optional
// schema form value short-circuits detection when it names a known schema;
// header matching only runs without one.
func (h *IngestHandler) Upload(w http.ResponseWriter, r *http.Request) {
	wsID := chi.URLParam(r, "ws")

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		httputil.Error(w, errors.BadRequest("invalid multipart form"))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		httputil.Error(w, errors.BadRequest("file field is required"))
		return
	}
	defer file.Close()

	payload, err := io.ReadAll(io.LimitReader(file, maxUploadBytes+1))
	if err != nil {
		httputil.Error(w, errors.BadRequest("failed to read uploaded file"))
		return
	}
	if len(payload) > maxUploadBytes {
		httputil.Error(w, errors.BadRequest("uploaded file too large"))
		return
	}

	job, err := h.orchestrator.Submit(
		r.Context(),
		wsID,
		header.Filename,
		header.Header.Get("Content-Type"),
		payload,
		r.FormValue("schema"),
	)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.Accepted(w, job)
}

// GetJob returns one upload job's status
func (h *IngestHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	wsID := chi.URLParam(r, "ws")
	jobID := chi.URLParam(r, "id")

	job, err := h.store.GetJob(r.Context(), wsID, jobID)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, job)
}

// ListJobs returns all upload jobs of a workspace in submission order
func (h *IngestHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	wsID := chi.URLParam(r, "ws")

	jobs, err := h.store.ListJobs(r.Context(), wsID)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, jobs)
}

type correctionRequest struct {
	Facts    []domain.FactRecord     `json:"facts"`
	Policies []domain.PolicySnapshot `json:"policies"`
}

type correctionResponse struct {
	Inserted   int                    `json:"inserted"`
	Superseded int                    `json:"superseded"`
	Skipped    int                    `json:"skipped"`
	Policies   int                    `json:"policies"`
	Rejected   []normalizer.Rejection `json:"rejected,omitempty"`
}

// Correct accepts reviewer-entered records. Corrections are authoritative:
// they carry full confidence and the highest source precedence, so they
// supersede whatever record they fix regardless of what arrives later from
// file uploads.
func (h *IngestHandler) Correct(w http.ResponseWriter, r *http.Request) {
	wsID := chi.URLParam(r, "ws")

	var req correctionRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}
	if len(req.Facts) == 0 && len(req.Policies) == 0 {
		httputil.Error(w, errors.BadRequest("correction must contain facts or policies"))
		return
	}

	one := decimal.NewFromInt(1)
	for i := range req.Facts {
		req.Facts[i].Confidence = one
		if req.Facts[i].SourceFile == "" {
			req.Facts[i].SourceFile = "manual_correction"
		}
	}
	for i := range req.Policies {
		if len(req.Policies[i].SourceFiles) == 0 {
			req.Policies[i].SourceFiles = []string{"manual_correction"}
		}
	}

	stats, result, err := h.orchestrator.SubmitCorrection(r.Context(), wsID, req.Facts, req.Policies)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, correctionResponse{
		Inserted:   stats.Inserted,
		Superseded: stats.Superseded,
		Skipped:    stats.Skipped,
		Policies:   len(result.Policies),
		Rejected:   result.Rejected,
	})
}
