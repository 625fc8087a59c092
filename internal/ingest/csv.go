// Package ingest turns uploaded CSV files into question rows and optionally
// archives the raw bytes to object storage.
package ingest

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"annolab/api/internal/store"
)

// ErrNotUTF8 reports that the uploaded bytes are not valid UTF-8.
var ErrNotUTF8 = errors.New("file is not valid UTF-8")

// MissingFieldError reports a row without one of the required columns.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return "missing required field: " + e.Field
}

// IsCSVFilename reports whether the upload's filename has a .csv extension,
// case-insensitively.
func IsCSVFilename(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), ".csv")
}

// ParseQuestions parses an uploaded CSV into questions. The header row names
// the columns; question_id and question_text are required per row, the rest
// default (question_type to "MC", metadata to "{}"). A file without a header
// row yields zero questions.
func ParseQuestions(data []byte) ([]store.Question, error) {
	if !utf8.Valid(data) {
		return nil, ErrNotUTF8
	}

	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1
	// metadata cells carry raw JSON, so bare quotes in unquoted fields must parse
	reader.LazyQuotes = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return []store.Question{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}

	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[strings.TrimSpace(name)] = i
	}

	questions := make([]store.Question, 0)
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv row: %w", err)
		}

		q := store.Question{
			QuestionID:   fieldValue(record, columns, "question_id"),
			QuestionText: fieldValue(record, columns, "question_text"),
			GTAnswer:     fieldValue(record, columns, "gt_answer"),
			Options:      fieldValue(record, columns, "options"),
			QuestionType: fieldValue(record, columns, "question_type"),
			ExtraData:    fieldValue(record, columns, "metadata"),
		}
		if q.QuestionID == "" {
			return nil, &MissingFieldError{Field: "question_id"}
		}
		if q.QuestionText == "" {
			return nil, &MissingFieldError{Field: "question_text"}
		}
		if q.QuestionType == "" {
			q.QuestionType = "MC"
		}
		if q.ExtraData == "" {
			q.ExtraData = "{}"
		}
		questions = append(questions, q)
	}
	return questions, nil
}

func fieldValue(record []string, columns map[string]int, name string) string {
	idx, ok := columns[name]
	if !ok || idx >= len(record) {
		return ""
	}
	return record[idx]
}
