package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// These tests exercise the live unique constraints and cascades against a
// real Postgres and are skipped unless ANNOLAB_TEST_DATABASE_URL is set.

func openTestStore(t *testing.T) *PostgresStore {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	dsn := strings.TrimSpace(os.Getenv("ANNOLAB_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("ANNOLAB_TEST_DATABASE_URL is not set")
	}

	ctx := context.Background()
	db, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations")); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return NewPostgresStore(db)
}

func TestRaterUniquePerExperiment(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	exp, err := s.CreateExperiment(ctx, Experiment{
		Name:                  fmt.Sprintf("constraint-test-%d", time.Now().UnixNano()),
		NumRatingsPerQuestion: 2,
	})
	if err != nil {
		t.Fatalf("create experiment: %v", err)
	}
	defer s.DeleteExperiment(ctx, exp.ID)

	first, err := s.CreateRater(ctx, Rater{ProlificID: "p-dup", ExperimentID: exp.ID, SessionStart: time.Now().UTC()})
	if err != nil {
		t.Fatalf("create rater: %v", err)
	}
	if first.ID == 0 {
		t.Fatal("expected rater id to be assigned")
	}

	_, err = s.CreateRater(ctx, Rater{ProlificID: "p-dup", ExperimentID: exp.ID, SessionStart: time.Now().UTC()})
	if !errors.Is(err, ErrRaterExists) {
		t.Fatalf("expected ErrRaterExists, got %v", err)
	}
}

func TestRatingUniquePerQuestionAndRater(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	exp, err := s.CreateExperiment(ctx, Experiment{
		Name:                  fmt.Sprintf("constraint-test-%d", time.Now().UnixNano()),
		NumRatingsPerQuestion: 2,
	})
	if err != nil {
		t.Fatalf("create experiment: %v", err)
	}
	defer s.DeleteExperiment(ctx, exp.ID)

	if err := s.InsertQuestions(ctx, []Question{{
		ExperimentID: exp.ID,
		QuestionID:   "q-dup",
		QuestionText: "Is the sky blue?",
		QuestionType: "MC",
		ExtraData:    "{}",
	}}); err != nil {
		t.Fatalf("insert question: %v", err)
	}

	var questionID int64
	if err := s.DB().QueryRowContext(ctx, `SELECT id FROM questions WHERE experiment_id=$1`, exp.ID).Scan(&questionID); err != nil {
		t.Fatalf("lookup question id: %v", err)
	}

	rater, err := s.CreateRater(ctx, Rater{ProlificID: "p-rate", ExperimentID: exp.ID, SessionStart: time.Now().UTC()})
	if err != nil {
		t.Fatalf("create rater: %v", err)
	}

	now := time.Now().UTC()
	if _, err := s.CreateRating(ctx, Rating{
		QuestionID:    questionID,
		RaterID:       rater.ID,
		Answer:        "Yes",
		Confidence:    4,
		TimeStarted:   now.Add(-5 * time.Second),
		TimeSubmitted: now,
	}); err != nil {
		t.Fatalf("create rating: %v", err)
	}

	_, err = s.CreateRating(ctx, Rating{
		QuestionID:    questionID,
		RaterID:       rater.ID,
		Answer:        "No",
		Confidence:    3,
		TimeStarted:   now,
		TimeSubmitted: now.Add(2 * time.Second),
	})
	if !errors.Is(err, ErrDuplicateRating) {
		t.Fatalf("expected ErrDuplicateRating, got %v", err)
	}
}

func TestDeleteExperimentCascades(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	exp, err := s.CreateExperiment(ctx, Experiment{
		Name:                  fmt.Sprintf("constraint-test-%d", time.Now().UnixNano()),
		NumRatingsPerQuestion: 2,
	})
	if err != nil {
		t.Fatalf("create experiment: %v", err)
	}

	if err := s.InsertQuestions(ctx, []Question{{
		ExperimentID: exp.ID,
		QuestionID:   "q-cascade",
		QuestionText: "Cascade?",
		QuestionType: "MC",
		ExtraData:    "{}",
	}}); err != nil {
		t.Fatalf("insert question: %v", err)
	}
	rater, err := s.CreateRater(ctx, Rater{ProlificID: "p-cascade", ExperimentID: exp.ID, SessionStart: time.Now().UTC()})
	if err != nil {
		t.Fatalf("create rater: %v", err)
	}
	var questionID int64
	if err := s.DB().QueryRowContext(ctx, `SELECT id FROM questions WHERE experiment_id=$1`, exp.ID).Scan(&questionID); err != nil {
		t.Fatalf("lookup question id: %v", err)
	}
	now := time.Now().UTC()
	if _, err := s.CreateRating(ctx, Rating{
		QuestionID:    questionID,
		RaterID:       rater.ID,
		Answer:        "Yes",
		Confidence:    5,
		TimeStarted:   now,
		TimeSubmitted: now,
	}); err != nil {
		t.Fatalf("create rating: %v", err)
	}

	found, err := s.DeleteExperiment(ctx, exp.ID)
	if err != nil {
		t.Fatalf("delete experiment: %v", err)
	}
	if !found {
		t.Fatal("expected delete to match the experiment")
	}

	for _, q := range []struct {
		name  string
		query string
	}{
		{"questions", `SELECT COUNT(*) FROM questions WHERE experiment_id=$1`},
		{"raters", `SELECT COUNT(*) FROM raters WHERE experiment_id=$1`},
		{"ratings", `SELECT COUNT(*) FROM ratings WHERE rater_id=$1`},
	} {
		arg := exp.ID
		if q.name == "ratings" {
			arg = rater.ID
		}
		var count int
		if err := s.DB().QueryRowContext(ctx, q.query, arg).Scan(&count); err != nil {
			t.Fatalf("count %s: %v", q.name, err)
		}
		if count != 0 {
			t.Fatalf("expected cascade to remove %s, found %d", q.name, count)
		}
	}
}
