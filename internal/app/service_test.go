package app

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"annolab/api/internal/config"
	"annolab/api/internal/export"
	"annolab/api/internal/store"
)

type fakeStore struct {
	pingFn                   func(context.Context) error
	createExperimentFn       func(context.Context, store.Experiment) (store.Experiment, error)
	getExperimentFn          func(context.Context, int64) (store.Experiment, error)
	getExperimentByNameFn    func(context.Context, string) (*store.Experiment, error)
	listExperimentsFn        func(context.Context, int, int) ([]store.ExperimentSummary, error)
	deleteExperimentFn       func(context.Context, int64) (bool, error)
	getQuestionFn            func(context.Context, int64) (store.Question, error)
	countQuestionsFn         func(context.Context, int64) (int, error)
	insertQuestionsFn        func(context.Context, []store.Question) error
	createUploadFn           func(context.Context, store.Upload, []store.Question) (store.Upload, error)
	listUploadsFn            func(context.Context, int64, int, int) ([]store.Upload, error)
	createRaterFn            func(context.Context, store.Rater) (store.Rater, error)
	getRaterFn               func(context.Context, int64) (store.Rater, error)
	findRaterFn              func(context.Context, string, int64) (*store.Rater, error)
	deactivateRaterFn        func(context.Context, int64, time.Time) error
	countRaterRatingsFn      func(context.Context, int64) (int, error)
	listEligibleQuestionsFn  func(context.Context, int64, int64) ([]store.QuestionRatingCount, error)
	ratingExistsFn           func(context.Context, int64, int64) (bool, error)
	createRatingFn           func(context.Context, store.Rating) (store.Rating, error)
	countExperimentRatingsFn func(context.Context, int64) (int, error)
	countExperimentRatersFn  func(context.Context, int64) (int, error)
	countQuestionsAtQuotaFn  func(context.Context, int64, int) (int, error)
	listRatingDetailsFn      func(context.Context, int64, int64, int) ([]store.RatingDetail, error)
	revokeAdminTokenFn       func(context.Context, string, time.Time) error
	isAdminTokenRevokedFn    func(context.Context, string) (bool, error)
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}
func (f *fakeStore) CreateExperiment(ctx context.Context, exp store.Experiment) (store.Experiment, error) {
	if f.createExperimentFn != nil {
		return f.createExperimentFn(ctx, exp)
	}
	exp.ID = 1
	exp.CreatedAt = time.Now()
	return exp, nil
}
func (f *fakeStore) GetExperiment(ctx context.Context, experimentID int64) (store.Experiment, error) {
	if f.getExperimentFn != nil {
		return f.getExperimentFn(ctx, experimentID)
	}
	return store.Experiment{}, sql.ErrNoRows
}
func (f *fakeStore) GetExperimentByName(ctx context.Context, name string) (*store.Experiment, error) {
	if f.getExperimentByNameFn != nil {
		return f.getExperimentByNameFn(ctx, name)
	}
	return nil, nil
}
func (f *fakeStore) ListExperiments(ctx context.Context, skip, limit int) ([]store.ExperimentSummary, error) {
	if f.listExperimentsFn != nil {
		return f.listExperimentsFn(ctx, skip, limit)
	}
	return nil, nil
}
func (f *fakeStore) DeleteExperiment(ctx context.Context, experimentID int64) (bool, error) {
	if f.deleteExperimentFn != nil {
		return f.deleteExperimentFn(ctx, experimentID)
	}
	return false, nil
}
func (f *fakeStore) GetQuestion(ctx context.Context, questionID int64) (store.Question, error) {
	if f.getQuestionFn != nil {
		return f.getQuestionFn(ctx, questionID)
	}
	return store.Question{}, sql.ErrNoRows
}
func (f *fakeStore) CountQuestions(ctx context.Context, experimentID int64) (int, error) {
	if f.countQuestionsFn != nil {
		return f.countQuestionsFn(ctx, experimentID)
	}
	return 0, nil
}
func (f *fakeStore) InsertQuestions(ctx context.Context, questions []store.Question) error {
	if f.insertQuestionsFn != nil {
		return f.insertQuestionsFn(ctx, questions)
	}
	return nil
}
func (f *fakeStore) CreateUpload(ctx context.Context, upload store.Upload, questions []store.Question) (store.Upload, error) {
	if f.createUploadFn != nil {
		return f.createUploadFn(ctx, upload, questions)
	}
	upload.ID = 1
	upload.UploadedAt = time.Now()
	return upload, nil
}
func (f *fakeStore) ListUploads(ctx context.Context, experimentID int64, skip, limit int) ([]store.Upload, error) {
	if f.listUploadsFn != nil {
		return f.listUploadsFn(ctx, experimentID, skip, limit)
	}
	return nil, nil
}
func (f *fakeStore) CreateRater(ctx context.Context, rater store.Rater) (store.Rater, error) {
	if f.createRaterFn != nil {
		return f.createRaterFn(ctx, rater)
	}
	rater.ID = 1
	return rater, nil
}
func (f *fakeStore) GetRater(ctx context.Context, raterID int64) (store.Rater, error) {
	if f.getRaterFn != nil {
		return f.getRaterFn(ctx, raterID)
	}
	return store.Rater{}, sql.ErrNoRows
}
func (f *fakeStore) FindRater(ctx context.Context, prolificID string, experimentID int64) (*store.Rater, error) {
	if f.findRaterFn != nil {
		return f.findRaterFn(ctx, prolificID, experimentID)
	}
	return nil, nil
}
func (f *fakeStore) DeactivateRater(ctx context.Context, raterID int64, endedAt time.Time) error {
	if f.deactivateRaterFn != nil {
		return f.deactivateRaterFn(ctx, raterID, endedAt)
	}
	return nil
}
func (f *fakeStore) CountRaterRatings(ctx context.Context, raterID int64) (int, error) {
	if f.countRaterRatingsFn != nil {
		return f.countRaterRatingsFn(ctx, raterID)
	}
	return 0, nil
}
func (f *fakeStore) ListEligibleQuestions(ctx context.Context, experimentID, raterID int64) ([]store.QuestionRatingCount, error) {
	if f.listEligibleQuestionsFn != nil {
		return f.listEligibleQuestionsFn(ctx, experimentID, raterID)
	}
	return nil, nil
}
func (f *fakeStore) RatingExists(ctx context.Context, questionID, raterID int64) (bool, error) {
	if f.ratingExistsFn != nil {
		return f.ratingExistsFn(ctx, questionID, raterID)
	}
	return false, nil
}
func (f *fakeStore) CreateRating(ctx context.Context, rating store.Rating) (store.Rating, error) {
	if f.createRatingFn != nil {
		return f.createRatingFn(ctx, rating)
	}
	rating.ID = 1
	return rating, nil
}
func (f *fakeStore) CountExperimentRatings(ctx context.Context, experimentID int64) (int, error) {
	if f.countExperimentRatingsFn != nil {
		return f.countExperimentRatingsFn(ctx, experimentID)
	}
	return 0, nil
}
func (f *fakeStore) CountExperimentRaters(ctx context.Context, experimentID int64) (int, error) {
	if f.countExperimentRatersFn != nil {
		return f.countExperimentRatersFn(ctx, experimentID)
	}
	return 0, nil
}
func (f *fakeStore) CountQuestionsAtQuota(ctx context.Context, experimentID int64, quota int) (int, error) {
	if f.countQuestionsAtQuotaFn != nil {
		return f.countQuestionsAtQuotaFn(ctx, experimentID, quota)
	}
	return 0, nil
}
func (f *fakeStore) ListRatingDetails(ctx context.Context, experimentID, afterID int64, limit int) ([]store.RatingDetail, error) {
	if f.listRatingDetailsFn != nil {
		return f.listRatingDetailsFn(ctx, experimentID, afterID, limit)
	}
	return nil, nil
}
func (f *fakeStore) RevokeAdminToken(ctx context.Context, jti string, expiresAt time.Time) error {
	if f.revokeAdminTokenFn != nil {
		return f.revokeAdminTokenFn(ctx, jti, expiresAt)
	}
	return nil
}
func (f *fakeStore) IsAdminTokenRevoked(ctx context.Context, jti string) (bool, error) {
	if f.isAdminTokenRevokedFn != nil {
		return f.isAdminTokenRevokedFn(ctx, jti)
	}
	return false, nil
}

func testConfig() config.Config {
	return config.Config{
		CORSOrigin:             "*",
		Commit:                 "0123456789abcdef",
		SecretKey:              "test-secret",
		SessionCookie:          "annolab_admin",
		SessionTTL:             time.Hour,
		AdminAllowlist:         []string{"admin@example.com"},
		DevAdminEmail:          "dev@localhost",
		ExportBatchSize:        2,
		MaxUploadBytes:         1 << 20,
		SeedEnabled:            true,
		SeedExperimentName:     "Seed - Local Baseline",
		SeedQuestionCount:      5,
		SeedRatingsPerQuestion: 3,
	}
}

func newTestService(fs *fakeStore) *Service {
	cfg := testConfig()
	return &Service{
		cfg:      cfg,
		store:    fs,
		sessions: fs,
		exporter: export.NewService(fs, cfg.ExportBatchSize),
	}
}

func TestBootstrapCreatesSeedExperiment(t *testing.T) {
	var created *store.Experiment
	var inserted []store.Question
	fs := &fakeStore{
		getExperimentByNameFn: func(_ context.Context, name string) (*store.Experiment, error) {
			if name != "Seed - Local Baseline" {
				t.Fatalf("unexpected seed lookup name %q", name)
			}
			return nil, nil
		},
		createExperimentFn: func(_ context.Context, exp store.Experiment) (store.Experiment, error) {
			exp.ID = 7
			exp.CreatedAt = time.Now()
			created = &exp
			return exp, nil
		},
		insertQuestionsFn: func(_ context.Context, questions []store.Question) error {
			inserted = questions
			return nil
		},
	}
	svc := newTestService(fs)

	if err := svc.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	if created == nil {
		t.Fatal("expected seed experiment to be created")
	}
	if created.NumRatingsPerQuestion != 3 {
		t.Errorf("expected seed quota 3, got %d", created.NumRatingsPerQuestion)
	}
	if len(inserted) != 5 {
		t.Fatalf("expected 5 seed questions, got %d", len(inserted))
	}
	first := inserted[0]
	if first.ExperimentID != 7 || first.QuestionID != "seed-1" || first.QuestionText != "Seed question 1" {
		t.Errorf("unexpected first seed question: %+v", first)
	}
	if first.Options != "Yes|No" || first.QuestionType != "MC" || first.ExtraData != "{}" {
		t.Errorf("unexpected seed question defaults: %+v", first)
	}
	if last := inserted[len(inserted)-1]; last.QuestionID != "seed-5" {
		t.Errorf("expected last seed question seed-5, got %s", last.QuestionID)
	}
}

func TestBootstrapTopsUpExistingExperiment(t *testing.T) {
	var inserted []store.Question
	fs := &fakeStore{
		getExperimentByNameFn: func(_ context.Context, _ string) (*store.Experiment, error) {
			return &store.Experiment{ID: 3, Name: "Seed - Local Baseline"}, nil
		},
		createExperimentFn: func(_ context.Context, _ store.Experiment) (store.Experiment, error) {
			t.Fatal("existing seed experiment must not be recreated")
			return store.Experiment{}, nil
		},
		countQuestionsFn: func(_ context.Context, _ int64) (int, error) {
			return 3, nil
		},
		insertQuestionsFn: func(_ context.Context, questions []store.Question) error {
			inserted = questions
			return nil
		},
	}
	svc := newTestService(fs)

	if err := svc.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	if len(inserted) != 2 {
		t.Fatalf("expected top-up of 2 questions, got %d", len(inserted))
	}
	if inserted[0].QuestionID != "seed-4" || inserted[1].QuestionID != "seed-5" {
		t.Errorf("expected seed-4 and seed-5, got %s and %s", inserted[0].QuestionID, inserted[1].QuestionID)
	}
}

func TestBootstrapNoopWhenToppedUp(t *testing.T) {
	fs := &fakeStore{
		getExperimentByNameFn: func(_ context.Context, _ string) (*store.Experiment, error) {
			return &store.Experiment{ID: 3}, nil
		},
		countQuestionsFn: func(_ context.Context, _ int64) (int, error) {
			return 5, nil
		},
		insertQuestionsFn: func(_ context.Context, _ []store.Question) error {
			t.Fatal("no questions should be inserted when the seed is full")
			return nil
		},
	}
	svc := newTestService(fs)

	if err := svc.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
}

func TestBootstrapDisabled(t *testing.T) {
	fs := &fakeStore{
		getExperimentByNameFn: func(_ context.Context, _ string) (*store.Experiment, error) {
			t.Fatal("disabled seeding must not touch the store")
			return nil, nil
		},
	}
	svc := newTestService(fs)
	svc.cfg.SeedEnabled = false

	if err := svc.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
}

func eligible(id int64, count int) store.QuestionRatingCount {
	return store.QuestionRatingCount{
		Question:    store.Question{ID: id, QuestionID: fmt.Sprintf("q%d", id)},
		RatingCount: count,
	}
}

func TestPickQuestionPrefersLowestUnderQuota(t *testing.T) {
	questions := []store.QuestionRatingCount{
		eligible(1, 2),
		eligible(2, 0),
		eligible(3, 1),
		eligible(4, 0),
	}

	seen := map[int64]bool{}
	for i := 0; i < 200; i++ {
		question, ok := pickQuestion(questions, 3)
		if !ok {
			t.Fatal("expected a question")
		}
		if question.ID != 2 && question.ID != 4 {
			t.Fatalf("pick %d is not tied at the minimum rating count", question.ID)
		}
		seen[question.ID] = true
	}
	if !seen[2] || !seen[4] {
		t.Errorf("expected both minimum-count questions over 200 picks, saw %v", seen)
	}
}

func TestPickQuestionFallsBackToAtQuota(t *testing.T) {
	questions := []store.QuestionRatingCount{
		eligible(1, 3),
		eligible(2, 5),
	}

	seen := map[int64]bool{}
	for i := 0; i < 200; i++ {
		question, ok := pickQuestion(questions, 3)
		if !ok {
			t.Fatal("expected a question")
		}
		seen[question.ID] = true
	}
	if !seen[1] || !seen[2] {
		t.Errorf("expected uniform picks among at-quota questions, saw %v", seen)
	}
}

func TestPickQuestionEmpty(t *testing.T) {
	if _, ok := pickQuestion(nil, 3); ok {
		t.Error("expected no pick from an empty set")
	}
}

func TestRound2(t *testing.T) {
	cases := []struct {
		in   float64
		want float64
	}{
		{2.555, 2.56},
		{2.554, 2.55},
		{0, 0},
		{10.004, 10},
	}
	for _, tc := range cases {
		if got := round2(tc.in); got != tc.want {
			t.Errorf("round2(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestCapText(t *testing.T) {
	long := ""
	for i := 0; i < 150; i++ {
		long += "x"
	}
	capped := capText(long, 100)
	if len(capped) != 103 {
		t.Errorf("expected 100 chars plus ellipsis, got len %d", len(capped))
	}
	if capText("short", 100) != "short" {
		t.Error("short text must pass through unchanged")
	}
}
