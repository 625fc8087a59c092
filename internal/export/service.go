// Package export streams experiment ratings as CSV.
package export

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"strconv"
	"time"

	"annolab/api/internal/store"
)

// Columns is the fixed header row of the ratings export. question_id is the
// uploader-assigned external id; response_time_seconds is submitted minus
// started, rounded to two decimals.
var Columns = []string{
	"rating_id",
	"question_id",
	"question_text",
	"gt_answer",
	"rater_prolific_id",
	"rater_study_id",
	"rater_session_id",
	"answer",
	"confidence",
	"time_started",
	"time_submitted",
	"response_time_seconds",
}

// RatingSource pages joined rating rows in rating-id order.
type RatingSource interface {
	ListRatingDetails(ctx context.Context, experimentID, afterID int64, limit int) ([]store.RatingDetail, error)
}

// Service writes rating exports in bounded batches so memory stays flat no
// matter how many ratings an experiment has collected.
type Service struct {
	data      RatingSource
	batchSize int
}

func NewService(data RatingSource, batchSize int) *Service {
	if batchSize < 1 {
		batchSize = 1
	}
	return &Service{data: data, batchSize: batchSize}
}

// Filename names the download attachment for an experiment's export.
func Filename(experimentID int64) string {
	return fmt.Sprintf("experiment_%d_ratings.csv", experimentID)
}

// StreamCSV writes the header and every rating row for the experiment to w,
// fetching batchSize rows at a time by keyset (rating id ascending) and
// calling flush after each batch so the client starts receiving data while
// later batches are still being read. Returns the number of data rows
// written.
func (s *Service) StreamCSV(ctx context.Context, w io.Writer, flush func(), experimentID int64) (int, error) {
	writer := csv.NewWriter(w)
	if err := writer.Write(Columns); err != nil {
		return 0, fmt.Errorf("write export header: %w", err)
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return 0, fmt.Errorf("flush export header: %w", err)
	}
	if flush != nil {
		flush()
	}

	total := 0
	afterID := int64(0)
	for {
		batch, err := s.data.ListRatingDetails(ctx, experimentID, afterID, s.batchSize)
		if err != nil {
			return total, fmt.Errorf("load export batch: %w", err)
		}
		if len(batch) == 0 {
			return total, nil
		}

		for _, row := range batch {
			if err := writer.Write(record(row)); err != nil {
				return total, fmt.Errorf("write export row: %w", err)
			}
			total++
			afterID = row.RatingID
		}
		writer.Flush()
		if err := writer.Error(); err != nil {
			return total, fmt.Errorf("flush export batch: %w", err)
		}
		if flush != nil {
			flush()
		}

		if len(batch) < s.batchSize {
			return total, nil
		}
	}
}

func record(row store.RatingDetail) []string {
	return []string{
		strconv.FormatInt(row.RatingID, 10),
		row.QuestionKey,
		row.QuestionText,
		row.GTAnswer,
		row.ProlificID,
		orEmpty(row.StudyID),
		orEmpty(row.SessionID),
		row.Answer,
		strconv.Itoa(row.Confidence),
		row.TimeStarted.UTC().Format(time.RFC3339Nano),
		row.TimeSubmitted.UTC().Format(time.RFC3339Nano),
		formatSeconds(row.TimeSubmitted.Sub(row.TimeStarted).Seconds()),
	}
}

func formatSeconds(v float64) string {
	return strconv.FormatFloat(math.Round(v*100)/100, 'f', -1, 64)
}

func orEmpty(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
