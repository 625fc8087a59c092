package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"annolab/api/internal/store"
)

func sessionPayload(rater store.Rater, exp store.Experiment) map[string]any {
	start := rater.SessionStart.UTC()
	return map[string]any{
		"rater_id":         rater.ID,
		"session_start":    start,
		"session_end_time": start.Add(sessionDuration),
		"experiment_name":  exp.Name,
		"completion_url":   exp.ProlificCompletionURL,
	}
}

func sessionExpired(rater store.Rater, now time.Time) bool {
	return now.After(rater.SessionStart.Add(sessionDuration))
}

// StartRaterSession creates the rater row on first contact and resumes the
// original session on repeat visits while it is still active and unexpired.
// An expired or ended session is terminal for the identity: the experiment
// can never be taken twice.
func (s *Service) StartRaterSession(ctx context.Context, experimentID int64, prolificID, studyID, sessionID string) (map[string]any, error) {
	exp, err := s.getExperiment(ctx, experimentID)
	if err != nil {
		return nil, err
	}

	existing, err := s.store.FindRater(ctx, prolificID, experimentID)
	if err != nil {
		return nil, err
	}

	if existing == nil {
		rater := store.Rater{
			ProlificID:   prolificID,
			ExperimentID: experimentID,
			SessionStart: time.Now().UTC(),
			IsActive:     true,
		}
		if studyID != "" {
			rater.StudyID = &studyID
		}
		if sessionID != "" {
			rater.SessionID = &sessionID
		}

		created, err := s.store.CreateRater(ctx, rater)
		if err == nil {
			return sessionPayload(created, exp), nil
		}
		if !errors.Is(err, store.ErrRaterExists) {
			return nil, err
		}
		// lost the race against a concurrent start; fall through to resume
		existing, err = s.store.FindRater(ctx, prolificID, experimentID)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, fmt.Errorf("rater %q missing after unique violation", prolificID)
		}
	}

	if !existing.IsActive || sessionExpired(*existing, time.Now()) {
		return nil, errSessionCompleted()
	}
	return sessionPayload(*existing, exp), nil
}

func (s *Service) getRater(ctx context.Context, raterID int64) (store.Rater, error) {
	rater, err := s.store.GetRater(ctx, raterID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Rater{}, errNotFound("Rater not found")
		}
		return store.Rater{}, err
	}
	return rater, nil
}

// expireIfNeeded flips the session inactive once the clock passes its end.
// The flip happens on first observation, so session_end records when the
// expiry was noticed rather than a value written by a background job.
func (s *Service) expireIfNeeded(ctx context.Context, rater *store.Rater, now time.Time) error {
	if !sessionExpired(*rater, now) {
		return nil
	}
	if rater.IsActive {
		endedAt := now.UTC()
		if err := s.store.DeactivateRater(ctx, rater.ID, endedAt); err != nil {
			return err
		}
		rater.SessionEnd = &endedAt
	}
	rater.IsActive = false
	return nil
}

// NextQuestion picks one question the rater has not yet rated. Selection
// balances coverage: questions still under the experiment's quota are served
// first, tied at the lowest rating count, with uniform random tie-breaking;
// once every remaining question has reached quota the pick is uniform among
// them. A nil payload with nil error means the rater is done.
func (s *Service) NextQuestion(ctx context.Context, raterID int64) (map[string]any, error) {
	rater, err := s.getRater(ctx, raterID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if err := s.expireIfNeeded(ctx, &rater, now); err != nil {
		return nil, err
	}
	if !rater.IsActive {
		return nil, errSessionExpired()
	}

	exp, err := s.store.GetExperiment(ctx, rater.ExperimentID)
	if err != nil {
		return nil, err
	}
	eligible, err := s.store.ListEligibleQuestions(ctx, rater.ExperimentID, rater.ID)
	if err != nil {
		return nil, err
	}

	question, ok := pickQuestion(eligible, exp.NumRatingsPerQuestion)
	if !ok {
		return nil, nil
	}
	return map[string]any{
		"id":            question.ID,
		"question_id":   question.QuestionID,
		"question_text": question.QuestionText,
		"options":       question.Options,
		"question_type": question.QuestionType,
	}, nil
}

func pickQuestion(questions []store.QuestionRatingCount, quota int) (store.Question, bool) {
	if len(questions) == 0 {
		return store.Question{}, false
	}

	minUnder := -1
	for _, q := range questions {
		if q.RatingCount >= quota {
			continue
		}
		if minUnder == -1 || q.RatingCount < minUnder {
			minUnder = q.RatingCount
		}
	}

	pool := questions
	if minUnder >= 0 {
		pool = make([]store.QuestionRatingCount, 0, len(questions))
		for _, q := range questions {
			if q.RatingCount == minUnder {
				pool = append(pool, q)
			}
		}
	}

	return pool[rand.IntN(len(pool))].Question, true
}

// SubmitRating records one answer. The unique constraint on
// (question, rater) is the authoritative duplicate guard; the RatingExists
// pre-check only makes the common case fail before the insert.
func (s *Service) SubmitRating(ctx context.Context, raterID, questionID int64, answer string, confidence int, timeStarted time.Time) (map[string]any, error) {
	rater, err := s.getRater(ctx, raterID)
	if err != nil {
		return nil, err
	}
	if !rater.IsActive {
		return nil, errSessionExpired()
	}

	question, err := s.store.GetQuestion(ctx, questionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound("Question not found")
		}
		return nil, err
	}
	if question.ExperimentID != rater.ExperimentID {
		return nil, errValidation("Question does not belong to this experiment")
	}

	rated, err := s.store.RatingExists(ctx, questionID, rater.ID)
	if err != nil {
		return nil, err
	}
	if rated {
		return nil, errAlreadyRated()
	}

	if confidence < 1 || confidence > 5 {
		return nil, errValidation("Confidence must be between 1 and 5")
	}

	created, err := s.store.CreateRating(ctx, store.Rating{
		QuestionID:    questionID,
		RaterID:       rater.ID,
		Answer:        answer,
		Confidence:    confidence,
		TimeStarted:   timeStarted.UTC(),
		TimeSubmitted: time.Now().UTC(),
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicateRating) {
			return nil, errAlreadyRated()
		}
		return nil, err
	}
	return map[string]any{"id": created.ID, "success": true}, nil
}

func (s *Service) RaterSessionStatus(ctx context.Context, raterID int64) (map[string]any, error) {
	rater, err := s.getRater(ctx, raterID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if err := s.expireIfNeeded(ctx, &rater, now); err != nil {
		return nil, err
	}

	remaining := 0
	if rater.IsActive {
		remaining = int(rater.SessionStart.Add(sessionDuration).Sub(now).Seconds())
		if remaining < 0 {
			remaining = 0
		}
	}

	completed, err := s.store.CountRaterRatings(ctx, rater.ID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"is_active":              rater.IsActive,
		"time_remaining_seconds": remaining,
		"questions_completed":    completed,
	}, nil
}

func (s *Service) EndRaterSession(ctx context.Context, raterID int64) (map[string]any, error) {
	rater, err := s.getRater(ctx, raterID)
	if err != nil {
		return nil, err
	}

	if rater.IsActive {
		if err := s.store.DeactivateRater(ctx, rater.ID, time.Now().UTC()); err != nil {
			return nil, err
		}
	}
	return map[string]any{"message": "Session ended successfully"}, nil
}
