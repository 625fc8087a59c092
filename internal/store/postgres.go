package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrRaterExists reports that a rater row for the same
	// (prolific_id, experiment_id) pair already exists.
	ErrRaterExists = errors.New("rater already exists")
	// ErrDuplicateRating reports that the rater has already rated the
	// question. The unique constraint raises this under concurrent submits.
	ErrDuplicateRating = errors.New("duplicate rating")
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *PostgresStore) CreateExperiment(ctx context.Context, exp Experiment) (Experiment, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO experiments (name, num_ratings_per_question, prolific_completion_url)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`, exp.Name, exp.NumRatingsPerQuestion, exp.ProlificCompletionURL).Scan(&exp.ID, &exp.CreatedAt)
	if err != nil {
		return Experiment{}, fmt.Errorf("insert experiment: %w", err)
	}
	return exp, nil
}

func (s *PostgresStore) GetExperiment(ctx context.Context, experimentID int64) (Experiment, error) {
	var exp Experiment
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, num_ratings_per_question, prolific_completion_url, created_at
		FROM experiments
		WHERE id=$1
	`, experimentID).Scan(&exp.ID, &exp.Name, &exp.NumRatingsPerQuestion, &exp.ProlificCompletionURL, &exp.CreatedAt)
	if err != nil {
		return Experiment{}, err
	}
	return exp, nil
}

// GetExperimentByName returns the oldest experiment with the given name, or
// nil when none exists. Seeding keys on the name.
func (s *PostgresStore) GetExperimentByName(ctx context.Context, name string) (*Experiment, error) {
	var exp Experiment
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, num_ratings_per_question, prolific_completion_url, created_at
		FROM experiments
		WHERE name=$1
		ORDER BY id
		LIMIT 1
	`, name).Scan(&exp.ID, &exp.Name, &exp.NumRatingsPerQuestion, &exp.ProlificCompletionURL, &exp.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup experiment by name: %w", err)
	}
	return &exp, nil
}

func (s *PostgresStore) ListExperiments(ctx context.Context, skip, limit int) ([]ExperimentSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.name, e.num_ratings_per_question, e.prolific_completion_url, e.created_at,
			COALESCE(qc.question_count, 0), COALESCE(rc.rating_count, 0)
		FROM experiments e
		LEFT JOIN (
			SELECT experiment_id, COUNT(*) AS question_count
			FROM questions
			GROUP BY experiment_id
		) qc ON qc.experiment_id = e.id
		LEFT JOIN (
			SELECT q.experiment_id, COUNT(*) AS rating_count
			FROM ratings r
			JOIN questions q ON q.id = r.question_id
			GROUP BY q.experiment_id
		) rc ON rc.experiment_id = e.id
		ORDER BY e.created_at DESC
		OFFSET $1 LIMIT $2
	`, skip, limit)
	if err != nil {
		return nil, fmt.Errorf("list experiments: %w", err)
	}
	defer rows.Close()

	items := make([]ExperimentSummary, 0)
	for rows.Next() {
		var item ExperimentSummary
		if err := rows.Scan(&item.ID, &item.Name, &item.NumRatingsPerQuestion, &item.ProlificCompletionURL, &item.CreatedAt, &item.QuestionCount, &item.RatingCount); err != nil {
			return nil, fmt.Errorf("scan experiment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate experiments: %w", err)
	}
	return items, nil
}

// DeleteExperiment removes the experiment; questions, raters, ratings and
// uploads go with it via FK cascade. Returns false when no row matched.
func (s *PostgresStore) DeleteExperiment(ctx context.Context, experimentID int64) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM experiments WHERE id=$1`, experimentID)
	if err != nil {
		return false, fmt.Errorf("delete experiment: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete experiment rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) GetQuestion(ctx context.Context, questionID int64) (Question, error) {
	var q Question
	err := s.db.QueryRowContext(ctx, `
		SELECT id, experiment_id, question_id, question_text, gt_answer, options, question_type, extra_data
		FROM questions
		WHERE id=$1
	`, questionID).Scan(&q.ID, &q.ExperimentID, &q.QuestionID, &q.QuestionText, &q.GTAnswer, &q.Options, &q.QuestionType, &q.ExtraData)
	if err != nil {
		return Question{}, err
	}
	return q, nil
}

func (s *PostgresStore) CountQuestions(ctx context.Context, experimentID int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM questions WHERE experiment_id=$1`, experimentID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count questions: %w", err)
	}
	return count, nil
}

// InsertQuestions bulk-inserts questions in a single transaction. Each
// question's ExperimentID must be set by the caller.
func (s *PostgresStore) InsertQuestions(ctx context.Context, questions []Question) error {
	if len(questions) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert questions: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO questions (experiment_id, question_id, question_text, gt_answer, options, question_type, extra_data)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert question: %w", err)
	}
	defer stmt.Close()

	for _, q := range questions {
		if _, err := stmt.ExecContext(ctx, q.ExperimentID, q.QuestionID, q.QuestionText, q.GTAnswer, q.Options, q.QuestionType, q.ExtraData); err != nil {
			return fmt.Errorf("insert question %s: %w", q.QuestionID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert questions: %w", err)
	}
	return nil
}

// CreateUpload records an upload and its parsed questions atomically: either
// the upload row and every question land, or none do.
func (s *PostgresStore) CreateUpload(ctx context.Context, upload Upload, questions []Question) (Upload, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Upload{}, fmt.Errorf("begin upload: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO uploads (experiment_id, filename, question_count, storage_key)
		VALUES ($1, $2, $3, $4)
		RETURNING id, uploaded_at
	`, upload.ExperimentID, upload.Filename, len(questions), upload.StorageKey).Scan(&upload.ID, &upload.UploadedAt)
	if err != nil {
		return Upload{}, fmt.Errorf("insert upload: %w", err)
	}
	upload.QuestionCount = len(questions)

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO questions (experiment_id, question_id, question_text, gt_answer, options, question_type, extra_data)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`)
	if err != nil {
		return Upload{}, fmt.Errorf("prepare upload question: %w", err)
	}
	defer stmt.Close()

	for _, q := range questions {
		if _, err := stmt.ExecContext(ctx, upload.ExperimentID, q.QuestionID, q.QuestionText, q.GTAnswer, q.Options, q.QuestionType, q.ExtraData); err != nil {
			return Upload{}, fmt.Errorf("insert upload question %s: %w", q.QuestionID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return Upload{}, fmt.Errorf("commit upload: %w", err)
	}
	return upload, nil
}

func (s *PostgresStore) ListUploads(ctx context.Context, experimentID int64, skip, limit int) ([]Upload, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, experiment_id, filename, question_count, storage_key, uploaded_at
		FROM uploads
		WHERE experiment_id=$1
		ORDER BY uploaded_at DESC
		OFFSET $2 LIMIT $3
	`, experimentID, skip, limit)
	if err != nil {
		return nil, fmt.Errorf("list uploads: %w", err)
	}
	defer rows.Close()

	items := make([]Upload, 0)
	for rows.Next() {
		var item Upload
		if err := rows.Scan(&item.ID, &item.ExperimentID, &item.Filename, &item.QuestionCount, &item.StorageKey, &item.UploadedAt); err != nil {
			return nil, fmt.Errorf("scan upload: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate uploads: %w", err)
	}
	return items, nil
}

// CreateRater inserts a new rater session row. A concurrent start for the
// same (prolific_id, experiment_id) loses the race and gets ErrRaterExists;
// the caller then resumes the existing session.
func (s *PostgresStore) CreateRater(ctx context.Context, r Rater) (Rater, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO raters (prolific_id, study_id, session_id, experiment_id, session_start, is_active)
		VALUES ($1, $2, $3, $4, $5, TRUE)
		RETURNING id, session_start, is_active
	`, r.ProlificID, r.StudyID, r.SessionID, r.ExperimentID, r.SessionStart).Scan(&r.ID, &r.SessionStart, &r.IsActive)
	if err != nil {
		if isUniqueViolation(err) {
			return Rater{}, ErrRaterExists
		}
		return Rater{}, fmt.Errorf("insert rater: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) GetRater(ctx context.Context, raterID int64) (Rater, error) {
	var r Rater
	err := s.db.QueryRowContext(ctx, `
		SELECT id, prolific_id, study_id, session_id, experiment_id, session_start, session_end, is_active
		FROM raters
		WHERE id=$1
	`, raterID).Scan(&r.ID, &r.ProlificID, &r.StudyID, &r.SessionID, &r.ExperimentID, &r.SessionStart, &r.SessionEnd, &r.IsActive)
	if err != nil {
		return Rater{}, err
	}
	return r, nil
}

// FindRater returns the rater row for the identity within the experiment, or
// nil when the identity has never started a session there.
func (s *PostgresStore) FindRater(ctx context.Context, prolificID string, experimentID int64) (*Rater, error) {
	var r Rater
	err := s.db.QueryRowContext(ctx, `
		SELECT id, prolific_id, study_id, session_id, experiment_id, session_start, session_end, is_active
		FROM raters
		WHERE prolific_id=$1 AND experiment_id=$2
	`, prolificID, experimentID).Scan(&r.ID, &r.ProlificID, &r.StudyID, &r.SessionID, &r.ExperimentID, &r.SessionStart, &r.SessionEnd, &r.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find rater: %w", err)
	}
	return &r, nil
}

func (s *PostgresStore) DeactivateRater(ctx context.Context, raterID int64, endedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE raters
		SET is_active=FALSE, session_end=$2
		WHERE id=$1 AND is_active
	`, raterID, endedAt)
	if err != nil {
		return fmt.Errorf("deactivate rater: %w", err)
	}
	return nil
}

func (s *PostgresStore) CountRaterRatings(ctx context.Context, raterID int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ratings WHERE rater_id=$1`, raterID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count rater ratings: %w", err)
	}
	return count, nil
}

// ListEligibleQuestions returns the experiment's questions the rater has not
// yet rated, each with its total rating count across all raters.
func (s *PostgresStore) ListEligibleQuestions(ctx context.Context, experimentID, raterID int64) ([]QuestionRatingCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT q.id, q.experiment_id, q.question_id, q.question_text, q.gt_answer, q.options, q.question_type, q.extra_data,
			COALESCE(rc.rating_count, 0)
		FROM questions q
		LEFT JOIN (
			SELECT question_id, COUNT(*) AS rating_count
			FROM ratings
			GROUP BY question_id
		) rc ON rc.question_id = q.id
		WHERE q.experiment_id = $1
			AND NOT EXISTS (
				SELECT 1 FROM ratings r WHERE r.question_id = q.id AND r.rater_id = $2
			)
		ORDER BY q.id
	`, experimentID, raterID)
	if err != nil {
		return nil, fmt.Errorf("list eligible questions: %w", err)
	}
	defer rows.Close()

	items := make([]QuestionRatingCount, 0)
	for rows.Next() {
		var item QuestionRatingCount
		if err := rows.Scan(&item.ID, &item.ExperimentID, &item.QuestionID, &item.QuestionText, &item.GTAnswer, &item.Options, &item.QuestionType, &item.ExtraData, &item.RatingCount); err != nil {
			return nil, fmt.Errorf("scan eligible question: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate eligible questions: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) RatingExists(ctx context.Context, questionID, raterID int64) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM ratings WHERE question_id=$1 AND rater_id=$2)
	`, questionID, raterID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check rating exists: %w", err)
	}
	return exists, nil
}

// CreateRating inserts a rating. The unique constraint on
// (question_id, rater_id) turns a concurrent duplicate into
// ErrDuplicateRating regardless of any earlier existence check.
func (s *PostgresStore) CreateRating(ctx context.Context, r Rating) (Rating, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO ratings (question_id, rater_id, answer, confidence, time_started, time_submitted)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, r.QuestionID, r.RaterID, r.Answer, r.Confidence, r.TimeStarted, r.TimeSubmitted).Scan(&r.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return Rating{}, ErrDuplicateRating
		}
		return Rating{}, fmt.Errorf("insert rating: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) CountExperimentRatings(ctx context.Context, experimentID int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM ratings r
		JOIN questions q ON q.id = r.question_id
		WHERE q.experiment_id=$1
	`, experimentID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count experiment ratings: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) CountExperimentRaters(ctx context.Context, experimentID int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM raters WHERE experiment_id=$1`, experimentID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count experiment raters: %w", err)
	}
	return count, nil
}

// CountQuestionsAtQuota counts the experiment's questions whose rating count
// has reached the target.
func (s *PostgresStore) CountQuestionsAtQuota(ctx context.Context, experimentID int64, quota int) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM (
			SELECT r.question_id
			FROM ratings r
			JOIN questions q ON q.id = r.question_id
			WHERE q.experiment_id=$1
			GROUP BY r.question_id
			HAVING COUNT(*) >= $2
		) complete
	`, experimentID, quota).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count questions at quota: %w", err)
	}
	return count, nil
}

// ListRatingDetails returns up to limit joined rating rows for the
// experiment with rating id greater than afterID, in rating id order. Export
// and analytics page through ratings with it without holding the full result
// set.
func (s *PostgresStore) ListRatingDetails(ctx context.Context, experimentID, afterID int64, limit int) ([]RatingDetail, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT rt.id, q.question_id, q.question_text, q.gt_answer,
			r.prolific_id, r.study_id, r.session_id,
			rt.answer, rt.confidence, rt.time_started, rt.time_submitted,
			r.session_start, r.session_end, r.is_active
		FROM ratings rt
		JOIN questions q ON q.id = rt.question_id
		JOIN raters r ON r.id = rt.rater_id
		WHERE q.experiment_id = $1 AND rt.id > $2
		ORDER BY rt.id
		LIMIT $3
	`, experimentID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list rating details: %w", err)
	}
	defer rows.Close()

	items := make([]RatingDetail, 0)
	for rows.Next() {
		var item RatingDetail
		if err := rows.Scan(&item.RatingID, &item.QuestionKey, &item.QuestionText, &item.GTAnswer, &item.ProlificID, &item.StudyID, &item.SessionID, &item.Answer, &item.Confidence, &item.TimeStarted, &item.TimeSubmitted, &item.RaterSessionStart, &item.RaterSessionEnd, &item.RaterIsActive); err != nil {
			return nil, fmt.Errorf("scan rating detail: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rating details: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) RevokeAdminToken(ctx context.Context, jti string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_admin_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, expiresAt)
	if err != nil {
		return fmt.Errorf("revoke admin token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAdminTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_admin_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked admin token: %w", err)
	}
	return revoked, nil
}
