package csvutil

import (
	"encoding/csv"
	"fmt"
	"strings"
)

// ErrorType tags a ProcessingError with the pipeline stage that produced it.
type ErrorType string

const (
	ErrorTypeParsing  ErrorType = "parsing"
	ErrorTypeUser     ErrorType = "user"
	ErrorTypeEvent    ErrorType = "event"
	ErrorTypeDatabase ErrorType = "database"
)

// ProcessingError is the shared error currency of the ingestion pipeline.
// Row is 1-based counting the header line (the first data row is row 2);
// zero means the error is not tied to a specific row.
type ProcessingError struct {
	Type    ErrorType `json:"type"`
	Row     int       `json:"row,omitempty"`
	Field   string    `json:"field,omitempty"`
	Message string    `json:"message"`
}

// Row is one parsed CSV record. Num is the row's position in the uploaded
// file (1-based counting the header), preserved so later validation stages
// can cite it even after other rows were filtered out.
type Row struct {
	Num    int
	Fields map[string]string
}

// Get returns the named field's value, or "" when the column is absent.
func (r Row) Get(field string) string {
	return r.Fields[field]
}

// NormalizeHeader trims a header cell, lowercases it and collapses internal
// whitespace runs into a single underscore. This is the only column-matching
// mechanism: " User ID " and "user_id" address the same column.
func NormalizeHeader(h string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(h))), "_")
}

// Parse converts raw CSV bytes into rows keyed by normalized header, plus the
// errors encountered along the way.
//
// Rows missing a required column, or carrying a whitespace-only value for
// one, are excluded from the result and reported with their row number,
// tagged with rowKind (the record kind of the file being parsed). Blank
// lines are kept as empty rows before that filter runs, so they surface as
// missing-required-fields errors instead of silently vanishing. Stream-level
// malformation (bad quoting etc.) is always tagged "parsing".
func Parse(data []byte, required []string, rowKind ErrorType) ([]Row, []ProcessingError) {
	var errs []ProcessingError

	lines := splitLines(string(data))
	if len(lines) == 0 {
		errs = append(errs, ProcessingError{
			Type:    ErrorTypeParsing,
			Message: "empty file: no header row found",
		})
		return nil, errs
	}

	header, err := parseLine(lines[0])
	if err != nil {
		errs = append(errs, ProcessingError{
			Type:    ErrorTypeParsing,
			Row:     1,
			Message: fmt.Sprintf("CSV parsing error in header: %v", err),
		})
		return nil, errs
	}
	for i, h := range header {
		header[i] = NormalizeHeader(h)
	}

	var rows []Row
	for i, line := range lines[1:] {
		rowNum := i + 2 // 1-based plus header

		var fields []string
		if strings.TrimSpace(line) != "" {
			fields, err = parseLine(line)
			if err != nil {
				errs = append(errs, ProcessingError{
					Type:    ErrorTypeParsing,
					Row:     rowNum,
					Message: fmt.Sprintf("CSV parsing error: %v", err),
				})
				continue
			}
		}

		row := Row{Num: rowNum, Fields: make(map[string]string, len(header))}
		for j, h := range header {
			if j < len(fields) {
				row.Fields[h] = fields[j]
			} else {
				row.Fields[h] = ""
			}
		}

		if missing := missingRequired(row, required); len(missing) > 0 {
			errs = append(errs, ProcessingError{
				Type:    rowKind,
				Row:     rowNum,
				Message: fmt.Sprintf("Skipping row %d due to missing/empty required fields: %s", rowNum, strings.Join(missing, ", ")),
			})
			continue
		}

		rows = append(rows, row)
	}

	return rows, errs
}

// missingRequired returns the required columns that are absent or
// whitespace-only in the row.
func missingRequired(row Row, required []string) []string {
	var missing []string
	for _, field := range required {
		v, ok := row.Fields[field]
		if !ok || strings.TrimSpace(v) == "" {
			missing = append(missing, field)
		}
	}
	return missing
}

// parseLine parses a single physical CSV line. Per-line parsing keeps stream
// errors attributable to a row number; quoted embedded newlines are not
// supported in uploads.
func parseLine(line string) ([]string, error) {
	r := csv.NewReader(strings.NewReader(line))
	r.FieldsPerRecord = -1
	return r.Read()
}

// splitLines splits on \n, tolerating \r\n endings, and drops a single
// trailing newline so a terminating line break is not read as a blank row.
func splitLines(s string) []string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.TrimSuffix(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
