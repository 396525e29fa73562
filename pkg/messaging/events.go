package messaging

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types
const (
	// Ingestion events
	EventUploadJobCompleted = "payroll.job.completed"
	EventUploadJobFailed    = "payroll.job.failed"

	// Calculation events
	EventCalculationCompleted = "payroll.calc.completed"
)

// Exchange names
const (
	ExchangePayrollEvents = "payroll.events"
)

// Event is the base event structure
type Event struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Source        string          `json:"source"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event with the given type and data
func NewEvent(eventType, source, correlationID string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            uuid.New().String(),
		Type:          eventType,
		Source:        source,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
		Data:          dataBytes,
	}, nil
}

// UnmarshalData unmarshals the event data into the provided struct
func (e *Event) UnmarshalData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// UploadJobCompletedEvent is published when an upload job finishes processing
type UploadJobCompletedEvent struct {
	WorkspaceID  string `json:"workspace_id"`
	JobID        string `json:"job_id"`
	Filename     string `json:"filename"`
	Schema       string `json:"schema"`
	RowsIngested int    `json:"rows_ingested"`
}

// UploadJobFailedEvent is published when an upload job fails
type UploadJobFailedEvent struct {
	WorkspaceID string `json:"workspace_id"`
	JobID       string `json:"job_id"`
	Filename    string `json:"filename"`
	Error       string `json:"error"`
}

// CalculationCompletedEvent is published when a payroll calculation finishes
type CalculationCompletedEvent struct {
	WorkspaceID string `json:"workspace_id"`
	Period      string `json:"period"`
	Results     int    `json:"results"`
	Rejected    int    `json:"rejected"`
}
