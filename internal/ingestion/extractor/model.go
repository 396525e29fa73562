package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/payrollhub/payroll-backend/internal/ingestion/tabular"
	"github.com/payrollhub/payroll-backend/internal/workspace/domain"
	"github.com/shopspring/decimal"
)

// ModelExtractor sends an unrecognized table to an external inference
// service that maps arbitrary headers to metric codes. It is registered
// ahead of the heuristic fallback for the same schema; when the service is
// down or slow, the registry falls through to the heuristic.
type ModelExtractor struct {
	serviceURL string
	httpClient *http.Client
}

// NewModelExtractor creates a model-assisted extractor calling the given
// inference service URL. A strict timeout keeps a slow model from stalling
// the whole ingestion queue.
func NewModelExtractor(serviceURL string, timeout time.Duration) *ModelExtractor {
	return &ModelExtractor{
		serviceURL: serviceURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (e *ModelExtractor) Name() string { return "model" }

func (e *ModelExtractor) CanExtract(schema domain.Schema) bool {
	return schema == domain.SchemaUnrecognized
}

type modelExtractRequest struct {
	Headers []string   `json:"headers"`
	Rows    [][]string `json:"rows"`
	Period  string     `json:"period"`
}

type modelExtractResponse struct {
	// ColumnMap maps a header to a metric code, or "" for columns the
	// model could not classify.
	ColumnMap  map[string]string `json:"column_map"`
	NameColumn string            `json:"name_column"`
	Confidence float64           `json:"confidence"`
	Warnings   []string          `json:"warnings"`
}

func (e *ModelExtractor) Extract(ctx context.Context, table *tabular.Table, src Source) (*Extraction, error) {
	payload, err := json.Marshal(modelExtractRequest{
		Headers: table.Headers,
		Rows:    table.Rows,
		Period:  src.Period,
	})
	if err != nil {
		return nil, fmt.Errorf("model: marshal request: %w", err)
	}

	url := e.serviceURL + "/api/v1/classify-columns"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("model: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("model: inference request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("model: read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("model: inference service returned %d: %s", resp.StatusCode, string(body))
	}

	var mapping modelExtractResponse
	if err := json.Unmarshal(body, &mapping); err != nil {
		return nil, fmt.Errorf("model: parse response: %w", err)
	}
	if mapping.NameColumn == "" || !table.HasColumn(mapping.NameColumn) {
		return nil, fmt.Errorf("model: response names no usable employee column")
	}

	// Model output never outranks the heuristic cap
	confidence := decimal.NewFromFloat(mapping.Confidence)
	if confidence.GreaterThan(heuristicConfidence) {
		confidence = heuristicConfidence
	}

	out := &Extraction{}
	for row := range table.Rows {
		employee := table.Get(row, mapping.NameColumn)
		if employee == "" || isSummaryRow(employee) {
			continue
		}
		for _, header := range table.Headers {
			raw, ok := mapping.ColumnMap[header]
			if !ok || raw == "" {
				continue
			}
			code := domain.MetricCode(strings.ToUpper(raw))
			if !knownMetrics[code] {
				continue
			}
			value, parsed, _ := parseAmount(table.Get(row, header))
			if !parsed {
				continue
			}
			out.Facts = append(out.Facts, domain.FactRecord{
				WorkspaceID:  src.WorkspaceID,
				EmployeeName: employee,
				PeriodMonth:  src.Period,
				MetricCode:   code,
				MetricValue:  value,
				Unit:         domain.UnitFor(code),
				MetricLabel:  header,
				SourceFile:   src.Filename,
				SourceSheet:  src.Sheet,
				SourceRow:    row + 2,
				Confidence:   confidence,
			})
		}
	}
	return out, nil
}
