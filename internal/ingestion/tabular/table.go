package tabular

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
)

// Table is the normalized shape of an uploaded tabular payload: one decoded
// sheet with a header row and string cells. Spreadsheet decoding happens
// upstream; the pipeline only ever sees CSV, JSON or a pre-decoded sheet.
type Table struct {
	Sheet   string
	Headers []string
	Rows    [][]string
}

// Empty reports whether the table has no data rows
func (t *Table) Empty() bool {
	return len(t.Rows) == 0
}

// Get returns the cell at the given row for the given header, trimmed.
// Returns "" when the header does not exist or the row is short.
func (t *Table) Get(row int, header string) string {
	for i, h := range t.Headers {
		if h == header {
			if row < 0 || row >= len(t.Rows) || i >= len(t.Rows[row]) {
				return ""
			}
			return strings.TrimSpace(t.Rows[row][i])
		}
	}
	return ""
}

// FindColumn returns the first header containing any of the keywords
// (case-insensitive substring match), or "" when none matches.
func (t *Table) FindColumn(keywords []string) string {
	for _, keyword := range keywords {
		kw := strings.ToLower(keyword)
		for _, header := range t.Headers {
			if strings.Contains(strings.ToLower(header), kw) {
				return header
			}
		}
	}
	return ""
}

// HasColumn reports whether the exact header is present (case-insensitive)
func (t *Table) HasColumn(header string) bool {
	for _, h := range t.Headers {
		if strings.EqualFold(strings.TrimSpace(h), header) {
			return true
		}
	}
	return false
}

// jsonTable is the explicit JSON payload shape
type jsonTable struct {
	Sheet   string     `json:"sheet,omitempty"`
	Headers []string   `json:"headers"`
	Rows    [][]string `json:"rows"`
}

// DecodeCSV parses a CSV payload into a Table. Ragged rows are tolerated;
// fully empty rows are dropped.
func DecodeCSV(payload []byte) (*Table, error) {
	reader := csv.NewReader(bytes.NewReader(payload))
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	headers, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	for i := range headers {
		headers[i] = strings.TrimSpace(headers[i])
	}

	table := &Table{Headers: headers}
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv row %d: %w", len(table.Rows)+2, err)
		}
		if allEmpty(record) {
			continue
		}
		table.Rows = append(table.Rows, record)
	}
	return table, nil
}

// DecodeJSON parses a JSON payload into a Table. Two shapes are accepted:
// an explicit {"headers": [...], "rows": [[...]]} object, or an array of
// flat objects whose keys become headers (sorted, for a stable column order).
func DecodeJSON(payload []byte) (*Table, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty json payload")
	}

	if trimmed[0] == '{' {
		var jt jsonTable
		if err := json.Unmarshal(trimmed, &jt); err != nil {
			return nil, fmt.Errorf("decode json table: %w", err)
		}
		if len(jt.Headers) == 0 {
			return nil, fmt.Errorf("json table has no headers")
		}
		return &Table{Sheet: jt.Sheet, Headers: jt.Headers, Rows: jt.Rows}, nil
	}

	var objects []map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &objects); err != nil {
		return nil, fmt.Errorf("decode json rows: %w", err)
	}
	if len(objects) == 0 {
		return nil, fmt.Errorf("json payload has no rows")
	}

	headerSet := map[string]struct{}{}
	for _, obj := range objects {
		for key := range obj {
			headerSet[key] = struct{}{}
		}
	}
	headers := make([]string, 0, len(headerSet))
	for key := range headerSet {
		headers = append(headers, key)
	}
	sort.Strings(headers)

	table := &Table{Headers: headers}
	for _, obj := range objects {
		row := make([]string, len(headers))
		for i, header := range headers {
			raw, ok := obj[header]
			if !ok {
				continue
			}
			row[i] = scalarString(raw)
		}
		table.Rows = append(table.Rows, row)
	}
	return table, nil
}

// Decode picks a decoder from the declared content type or the filename
// extension, defaulting to CSV.
func Decode(payload []byte, filename, contentType string) (*Table, error) {
	lower := strings.ToLower(filename)
	switch {
	case strings.Contains(contentType, "json") || strings.HasSuffix(lower, ".json"):
		return DecodeJSON(payload)
	default:
		return DecodeCSV(payload)
	}
}

func scalarString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	// numbers, booleans, null
	text := strings.TrimSpace(string(raw))
	if text == "null" {
		return ""
	}
	return text
}

func allEmpty(record []string) bool {
	for _, cell := range record {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}
