package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"sort"
	"strings"
	"time"

	"annolab/api/internal/export"
	"annolab/api/internal/ingest"
	"annolab/api/internal/store"
)

func experimentPayload(exp store.Experiment, questionCount, ratingCount int) map[string]any {
	return map[string]any{
		"id":                       exp.ID,
		"name":                     exp.Name,
		"created_at":               exp.CreatedAt.UTC(),
		"num_ratings_per_question": exp.NumRatingsPerQuestion,
		"prolific_completion_url":  exp.ProlificCompletionURL,
		"question_count":           questionCount,
		"rating_count":             ratingCount,
	}
}

func (s *Service) CreateExperiment(ctx context.Context, name string, numRatingsPerQuestion int, completionURL string) (map[string]any, error) {
	if numRatingsPerQuestion <= 0 {
		numRatingsPerQuestion = 3
	}
	exp := store.Experiment{
		Name:                  strings.TrimSpace(name),
		NumRatingsPerQuestion: numRatingsPerQuestion,
	}
	if trimmed := strings.TrimSpace(completionURL); trimmed != "" {
		exp.ProlificCompletionURL = &trimmed
	}

	created, err := s.store.CreateExperiment(ctx, exp)
	if err != nil {
		return nil, err
	}
	return experimentPayload(created, 0, 0), nil
}

func (s *Service) ListExperiments(ctx context.Context, skip, limit int) ([]map[string]any, error) {
	summaries, err := s.store.ListExperiments(ctx, skip, limit)
	if err != nil {
		return nil, err
	}

	items := make([]map[string]any, 0, len(summaries))
	for _, summary := range summaries {
		items = append(items, experimentPayload(summary.Experiment, summary.QuestionCount, summary.RatingCount))
	}
	return items, nil
}

func (s *Service) getExperiment(ctx context.Context, experimentID int64) (store.Experiment, error) {
	exp, err := s.store.GetExperiment(ctx, experimentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Experiment{}, errNotFound("Experiment not found")
		}
		return store.Experiment{}, err
	}
	return exp, nil
}

func (s *Service) GetExperimentDetail(ctx context.Context, experimentID int64) (map[string]any, error) {
	exp, err := s.getExperiment(ctx, experimentID)
	if err != nil {
		return nil, err
	}

	questionCount, err := s.store.CountQuestions(ctx, exp.ID)
	if err != nil {
		return nil, err
	}
	ratingCount, err := s.store.CountExperimentRatings(ctx, exp.ID)
	if err != nil {
		return nil, err
	}
	return experimentPayload(exp, questionCount, ratingCount), nil
}

func (s *Service) DeleteExperiment(ctx context.Context, experimentID int64) (map[string]any, error) {
	deleted, err := s.store.DeleteExperiment(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	if !deleted {
		return nil, errNotFound("Experiment not found")
	}
	return map[string]any{"message": "Experiment deleted successfully"}, nil
}

// UploadQuestions validates and ingests one CSV file of questions. The
// uploads row and every question commit in a single transaction; archiving
// the raw bytes is best-effort and never fails the upload.
func (s *Service) UploadQuestions(ctx context.Context, experimentID int64, filename string, data []byte) (map[string]any, error) {
	exp, err := s.getExperiment(ctx, experimentID)
	if err != nil {
		return nil, err
	}

	if !ingest.IsCSVFilename(filename) {
		return nil, errValidation("File must be a CSV file")
	}
	if int64(len(data)) > s.cfg.MaxUploadBytes {
		return nil, errValidation(fmt.Sprintf("File size exceeds %dMB limit", s.cfg.MaxUploadBytes>>20))
	}

	questions, err := ingest.ParseQuestions(data)
	if err != nil {
		if errors.Is(err, ingest.ErrNotUTF8) {
			return nil, errValidation("File must be UTF-8 encoded")
		}
		var missing *ingest.MissingFieldError
		if errors.As(err, &missing) {
			return nil, errValidation("Missing required field: " + missing.Field)
		}
		return nil, errValidation("Could not parse CSV: " + err.Error())
	}

	for i := range questions {
		questions[i].ExperimentID = exp.ID
	}

	upload := store.Upload{
		ExperimentID:  exp.ID,
		Filename:      filename,
		QuestionCount: len(questions),
	}
	if s.archive != nil {
		key, err := s.archive.Store(ctx, exp.ID, filename, data)
		if err != nil {
			log.Printf("WARNING: archiving upload %q for experiment %d failed: %v", filename, exp.ID, err)
		} else {
			upload.StorageKey = key
		}
	}

	if _, err := s.store.CreateUpload(ctx, upload, questions); err != nil {
		return nil, err
	}
	return map[string]any{"message": fmt.Sprintf("Uploaded %d questions", len(questions))}, nil
}

func (s *Service) ListUploads(ctx context.Context, experimentID int64, skip, limit int) ([]map[string]any, error) {
	if _, err := s.getExperiment(ctx, experimentID); err != nil {
		return nil, err
	}

	uploads, err := s.store.ListUploads(ctx, experimentID, skip, limit)
	if err != nil {
		return nil, err
	}

	items := make([]map[string]any, 0, len(uploads))
	for _, upload := range uploads {
		items = append(items, map[string]any{
			"id":             upload.ID,
			"filename":       upload.Filename,
			"uploaded_at":    upload.UploadedAt.UTC(),
			"question_count": upload.QuestionCount,
		})
	}
	return items, nil
}

func (s *Service) ExperimentStats(ctx context.Context, experimentID int64) (map[string]any, error) {
	exp, err := s.getExperiment(ctx, experimentID)
	if err != nil {
		return nil, err
	}

	totalQuestions, err := s.store.CountQuestions(ctx, exp.ID)
	if err != nil {
		return nil, err
	}
	questionsComplete, err := s.store.CountQuestionsAtQuota(ctx, exp.ID, exp.NumRatingsPerQuestion)
	if err != nil {
		return nil, err
	}
	totalRatings, err := s.store.CountExperimentRatings(ctx, exp.ID)
	if err != nil {
		return nil, err
	}
	totalRaters, err := s.store.CountExperimentRaters(ctx, exp.ID)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"experiment_name":             exp.Name,
		"total_questions":             totalQuestions,
		"questions_complete":          questionsComplete,
		"total_ratings":               totalRatings,
		"total_raters":                totalRaters,
		"target_ratings_per_question": exp.NumRatingsPerQuestion,
	}, nil
}

// ExportFilename validates the experiment and returns the attachment name.
// Callers check this before touching response headers so a missing
// experiment still gets a clean 404.
func (s *Service) ExportFilename(ctx context.Context, experimentID int64) (string, error) {
	if _, err := s.getExperiment(ctx, experimentID); err != nil {
		return "", err
	}
	return export.Filename(experimentID), nil
}

func (s *Service) StreamRatings(ctx context.Context, w io.Writer, flush func(), experimentID int64) (int, error) {
	return s.exporter.StreamCSV(ctx, w, flush, experimentID)
}

type questionAggregate struct {
	key     string
	text    string
	count   int
	sumResp float64
	minResp float64
	maxResp float64
	sumConf float64
	answers map[string]int
}

type raterAggregate struct {
	prolificID   string
	studyID      *string
	sessionStart time.Time
	sessionEnd   *time.Time
	isActive     bool
	count        int
	sumResp      float64
	sumConf      float64
}

// ExperimentAnalytics aggregates every rating of the experiment into the
// overview / per-question / per-rater breakdown. Ratings are walked in the
// same bounded batches the export uses, so memory stays proportional to the
// number of distinct questions and raters, not the number of ratings.
func (s *Service) ExperimentAnalytics(ctx context.Context, experimentID int64) (map[string]any, error) {
	exp, err := s.getExperiment(ctx, experimentID)
	if err != nil {
		return nil, err
	}

	totalQuestions, err := s.store.CountQuestions(ctx, exp.ID)
	if err != nil {
		return nil, err
	}

	batchSize := s.cfg.ExportBatchSize
	if batchSize < 1 {
		batchSize = 1
	}

	questionOrder := make([]string, 0)
	questionAggs := make(map[string]*questionAggregate)
	raterAggs := make(map[string]*raterAggregate)

	totalRatings := 0
	var sumResp, sumConf, minResp, maxResp float64

	var afterID int64
	for {
		batch, err := s.store.ListRatingDetails(ctx, exp.ID, afterID, batchSize)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			break
		}

		for _, row := range batch {
			seconds := row.TimeSubmitted.Sub(row.TimeStarted).Seconds()
			confidence := float64(row.Confidence)

			if totalRatings == 0 {
				minResp, maxResp = seconds, seconds
			} else {
				minResp = math.Min(minResp, seconds)
				maxResp = math.Max(maxResp, seconds)
			}
			totalRatings++
			sumResp += seconds
			sumConf += confidence

			q, seen := questionAggs[row.QuestionKey]
			if !seen {
				q = &questionAggregate{
					key:     row.QuestionKey,
					text:    row.QuestionText,
					minResp: seconds,
					maxResp: seconds,
					answers: make(map[string]int),
				}
				questionAggs[row.QuestionKey] = q
				questionOrder = append(questionOrder, row.QuestionKey)
			}
			q.count++
			q.sumResp += seconds
			q.minResp = math.Min(q.minResp, seconds)
			q.maxResp = math.Max(q.maxResp, seconds)
			q.sumConf += confidence
			q.answers[row.Answer]++

			rater, seen := raterAggs[row.ProlificID]
			if !seen {
				rater = &raterAggregate{
					prolificID:   row.ProlificID,
					studyID:      row.StudyID,
					sessionStart: row.RaterSessionStart,
					sessionEnd:   row.RaterSessionEnd,
					isActive:     row.RaterIsActive,
				}
				raterAggs[row.ProlificID] = rater
			}
			rater.count++
			rater.sumResp += seconds
			rater.sumConf += confidence
		}

		afterID = batch[len(batch)-1].RatingID
		if len(batch) < batchSize {
			break
		}
	}

	if totalRatings == 0 {
		return map[string]any{
			"experiment_name": exp.Name,
			"overview": map[string]any{
				"total_ratings":             0,
				"total_questions":           totalQuestions,
				"total_raters":              0,
				"avg_response_time_seconds": 0.0,
				"avg_confidence":            0.0,
			},
			"questions": []map[string]any{},
			"raters":    []map[string]any{},
		}, nil
	}

	questions := make([]map[string]any, 0, len(questionOrder))
	for _, key := range questionOrder {
		q := questionAggs[key]
		questions = append(questions, map[string]any{
			"question_id":               q.key,
			"question_text":             capText(q.text, 100),
			"num_ratings":               q.count,
			"avg_response_time_seconds": round2(q.sumResp / float64(q.count)),
			"min_response_time_seconds": round2(q.minResp),
			"max_response_time_seconds": round2(q.maxResp),
			"avg_confidence":            round2(q.sumConf / float64(q.count)),
			"answer_distribution":       q.answers,
		})
	}

	raterList := make([]*raterAggregate, 0, len(raterAggs))
	for _, rater := range raterAggs {
		raterList = append(raterList, rater)
	}
	sort.SliceStable(raterList, func(i, j int) bool {
		return raterList[i].count > raterList[j].count
	})

	raters := make([]map[string]any, 0, len(raterList))
	for _, rater := range raterList {
		var sessionEnd any
		if rater.sessionEnd != nil {
			sessionEnd = rater.sessionEnd.UTC()
		}
		ratings := rater.count
		if ratings < 1 {
			ratings = 1
		}
		raters = append(raters, map[string]any{
			"prolific_id":                 rater.prolificID,
			"study_id":                    rater.studyID,
			"session_start":               rater.sessionStart.UTC(),
			"session_end":                 sessionEnd,
			"is_active":                   rater.isActive,
			"num_ratings":                 rater.count,
			"total_response_time_seconds": round2(rater.sumResp),
			"avg_response_time_seconds":   round2(rater.sumResp / float64(ratings)),
			"avg_confidence":              round2(rater.sumConf / float64(ratings)),
		})
	}

	return map[string]any{
		"experiment_name": exp.Name,
		"overview": map[string]any{
			"total_ratings":             totalRatings,
			"total_questions":           totalQuestions,
			"total_raters":              len(raterAggs),
			"avg_response_time_seconds": round2(sumResp / float64(totalRatings)),
			"avg_confidence":            round2(sumConf / float64(totalRatings)),
			"min_response_time_seconds": round2(minResp),
			"max_response_time_seconds": round2(maxResp),
		},
		"questions": questions,
		"raters":    raters,
	}, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func capText(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + "..."
}
