package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/payrollhub/payroll-backend/internal/api/handler"
	"github.com/payrollhub/payroll-backend/internal/ingestion/detector"
	"github.com/payrollhub/payroll-backend/internal/ingestion/extractor"
	"github.com/payrollhub/payroll-backend/internal/ingestion/normalizer"
	"github.com/payrollhub/payroll-backend/internal/ingestion/orchestrator"
	"github.com/payrollhub/payroll-backend/internal/payroll/rules"
	"github.com/payrollhub/payroll-backend/internal/payroll/service"
	"github.com/payrollhub/payroll-backend/internal/workspace/domain"
	"github.com/payrollhub/payroll-backend/internal/workspace/store"
	"github.com/payrollhub/payroll-backend/pkg/httputil"
	"github.com/payrollhub/payroll-backend/pkg/logger"
)

type testEnv struct {
	router *chi.Mux
	store  *store.Memory
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := logger.New("test", "test")
	mem := store.NewMemory()

	orch := orchestrator.New(
		mem,
		detector.New(0.5),
		extractor.NewDefaultRegistry("", 0),
		normalizer.New(log),
		nil,
		t.TempDir(),
		t.TempDir(),
		log,
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})

	table, err := rules.LoadTaxTable("nonexistent.yaml")
	require.NoError(t, err)
	engine := rules.NewEngine(table, 174, 0.7)
	payrollSvc := service.New(mem, engine, nil, log)

	workspaceHandler := handler.NewWorkspaceHandler(mem, log)
	ingestHandler := handler.NewIngestHandler(orch, mem, log)
	payrollHandler := handler.NewPayrollHandler(payrollSvc, log)

	r := chi.NewRouter()
	r.Route("/api/v1/workspaces", func(r chi.Router) {
		r.Get("/", workspaceHandler.List)
		r.Post("/", workspaceHandler.Create)
		r.Route("/{ws}", func(r chi.Router) {
			r.Post("/upload", ingestHandler.Upload)
			r.Get("/jobs", ingestHandler.ListJobs)
			r.Get("/jobs/{id}", ingestHandler.GetJob)
			r.Post("/corrections", ingestHandler.Correct)
			r.Post("/calc", payrollHandler.Calculate)
			r.Get("/facts", workspaceHandler.ListFacts)
			r.Get("/policy", workspaceHandler.ListPolicies)
			r.Get("/results", payrollHandler.Results)
			r.Get("/export/bank", payrollHandler.ExportBank)
			r.Get("/export/tax", payrollHandler.ExportTax)
		})
	})

	return &testEnv{router: r, store: mem}
}

func (e *testEnv) do(t *testing.T, method, target string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	if body == nil {
		body = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, target, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) postJSON(t *testing.T, target string, payload interface{}) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return e.do(t, "POST", target, bytes.NewBuffer(body), "application/json")
}

func (e *testEnv) uploadFile(t *testing.T, ws, filename, content, hint string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	if hint != "" {
		require.NoError(t, mw.WriteField("schema", hint))
	}
	require.NoError(t, mw.Close())

	return e.do(t, "POST", "/api/v1/workspaces/"+ws+"/upload", &buf, mw.FormDataContentType())
}

func (e *testEnv) waitJob(t *testing.T, ws, jobID string) *domain.UploadJob {
	t.Helper()
	var job *domain.UploadJob
	require.Eventually(t, func() bool {
		var err error
		job, err = e.store.GetJob(context.Background(), ws, jobID)
		return err == nil && job.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	return job
}

func decodeData(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	var resp httputil.Response
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.True(t, resp.Success, "expected success response. Body: %s", rr.Body.String())
	raw, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, v))
}

func TestCreateWorkspace(t *testing.T) {
	env := newTestEnv(t)

	rr := env.postJSON(t, "/api/v1/workspaces", map[string]string{"month": "2025年7月"})
	assert.Equal(t, http.StatusCreated, rr.Code, "Body: %s", rr.Body.String())

	var ws domain.Workspace
	decodeData(t, rr, &ws)
	assert.Equal(t, "2025-07", ws.ID, "month spellings normalize to one workspace")

	// creating the same month again returns it unchanged
	rr = env.postJSON(t, "/api/v1/workspaces", map[string]string{"month": "2025-07"})
	assert.Equal(t, http.StatusCreated, rr.Code)

	list := env.do(t, "GET", "/api/v1/workspaces", nil, "")
	var workspaces []domain.Workspace
	decodeData(t, list, &workspaces)
	assert.Len(t, workspaces, 1)
}

func TestCreateWorkspace_InvalidMonth(t *testing.T) {
	env := newTestEnv(t)

	rr := env.postJSON(t, "/api/v1/workspaces", map[string]string{"month": "July 2025"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	var resp httputil.Response
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Equal(t, "BAD_REQUEST", resp.Error.Code)
}

func TestUploadFlow(t *testing.T) {
	env := newTestEnv(t)

	csv := "姓名,工作日标准工时,工作日加班工时\n张三,160,10\n"
	rr := env.uploadFile(t, "2025-07", "july.csv", csv, "")
	require.Equal(t, http.StatusAccepted, rr.Code, "Body: %s", rr.Body.String())

	var job domain.UploadJob
	decodeData(t, rr, &job)
	require.NotEmpty(t, job.ID)

	done := env.waitJob(t, "2025-07", job.ID)
	assert.Equal(t, domain.JobCompleted, done.Status)

	// job readable over the API
	jr := env.do(t, "GET", "/api/v1/workspaces/2025-07/jobs/"+job.ID, nil, "")
	assert.Equal(t, http.StatusOK, jr.Code)

	// facts visible
	fr := env.do(t, "GET", "/api/v1/workspaces/2025-07/facts", nil, "")
	var facts []domain.FactRecord
	decodeData(t, fr, &facts)
	assert.Len(t, facts, 2)
}

func TestUpload_MissingFile(t *testing.T) {
	env := newTestEnv(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("schema", "fact_table"))
	require.NoError(t, mw.Close())

	rr := env.do(t, "POST", "/api/v1/workspaces/2025-07/upload", &buf, mw.FormDataContentType())
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestCorrectionStampsFullConfidence(t *testing.T) {
	env := newTestEnv(t)

	rr := env.postJSON(t, "/api/v1/workspaces/2025-07/corrections", map[string]interface{}{
		"facts": []map[string]interface{}{
			{
				"employee_name": "王五",
				"period_month":  "2025-07",
				"metric_code":   "HOUR_STD",
				"metric_value":  "168",
				"unit":          "hour",
			},
		},
	})
	require.Equal(t, http.StatusOK, rr.Code, "Body: %s", rr.Body.String())

	facts, err := env.store.ListFacts(context.Background(), "2025-07", "2025-07", false)
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, "1", facts[0].Confidence.String())
	assert.Equal(t, "manual_correction", facts[0].SourceFile)
}

func TestCorrection_EmptyBodyRejected(t *testing.T) {
	env := newTestEnv(t)

	rr := env.postJSON(t, "/api/v1/workspaces/2025-07/corrections", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestCalculateAndExport(t *testing.T) {
	env := newTestEnv(t)

	// hours via upload, policy via correction
	csv := "姓名,工作日标准工时,工作日加班工时\n张三,160,10\n"
	up := env.uploadFile(t, "2025-07", "july.csv", csv, "timesheet_aggregate")
	require.Equal(t, http.StatusAccepted, up.Code)
	var job domain.UploadJob
	decodeData(t, up, &job)
	env.waitJob(t, "2025-07", job.ID)

	pr := env.postJSON(t, "/api/v1/workspaces/2025-07/corrections", map[string]interface{}{
		"policies": []map[string]interface{}{
			{
				"employee_key":    "张三",
				"period_month":    "2025-07",
				"mode":            "HOURLY",
				"base_rate":       "30",
				"ot_weekday_rate": "45",
				"social_security": map[string]interface{}{"employee_ratio": "0.08"},
			},
		},
	})
	require.Equal(t, http.StatusOK, pr.Code, "Body: %s", pr.Body.String())

	cr := env.postJSON(t, "/api/v1/workspaces/2025-07/calc", map[string]interface{}{})
	require.Equal(t, http.StatusOK, cr.Code, "Body: %s", cr.Body.String())

	var results []domain.PayrollResult
	decodeData(t, cr, &results)
	require.Len(t, results, 1)
	assert.Equal(t, domain.ResultOK, results[0].Status)
	assert.True(t, results[0].GrossPay.Equal(decimal.RequireFromString("5250")),
		"gross = 160h x 30 + 10h x 45, got %s", results[0].GrossPay)

	// stored results served back
	rres := env.do(t, "GET", "/api/v1/workspaces/2025-07/results?period=2025-07", nil, "")
	assert.Equal(t, http.StatusOK, rres.Code)

	// bank export is plain CSV, not the JSON envelope
	er := env.do(t, "GET", "/api/v1/workspaces/2025-07/export/bank", nil, "")
	require.Equal(t, http.StatusOK, er.Code)
	assert.Contains(t, er.Header().Get("Content-Type"), "text/csv")
	assert.Contains(t, er.Header().Get("Content-Disposition"), "bank_payroll_2025-07.csv")
	lines := strings.Split(strings.TrimSpace(er.Body.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "employee,amount,period", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "张三,"))
}

func TestResults_NotFoundBeforeCalculation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.store.EnsureWorkspace(context.Background(), "2025-07")
	require.NoError(t, err)

	rr := env.do(t, "GET", "/api/v1/workspaces/2025-07/results", nil, "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
