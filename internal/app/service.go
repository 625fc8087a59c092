package app

import (
	"context"
	"fmt"
	"io"
	"time"

	"annolab/api/internal/authn"
	"annolab/api/internal/authpw"
	"annolab/api/internal/config"
	"annolab/api/internal/export"
	"annolab/api/internal/ingest"
	"annolab/api/internal/session"
	"annolab/api/internal/store"
)

// sessionDuration is how long a rater may answer questions, measured from
// the moment the rater row is created. Resuming never extends it.
const sessionDuration = 60 * time.Minute

type dataStore interface {
	Ping(context.Context) error
	CreateExperiment(context.Context, store.Experiment) (store.Experiment, error)
	GetExperiment(context.Context, int64) (store.Experiment, error)
	GetExperimentByName(context.Context, string) (*store.Experiment, error)
	ListExperiments(context.Context, int, int) ([]store.ExperimentSummary, error)
	DeleteExperiment(context.Context, int64) (bool, error)
	GetQuestion(context.Context, int64) (store.Question, error)
	CountQuestions(context.Context, int64) (int, error)
	InsertQuestions(context.Context, []store.Question) error
	CreateUpload(context.Context, store.Upload, []store.Question) (store.Upload, error)
	ListUploads(context.Context, int64, int, int) ([]store.Upload, error)
	CreateRater(context.Context, store.Rater) (store.Rater, error)
	GetRater(context.Context, int64) (store.Rater, error)
	FindRater(context.Context, string, int64) (*store.Rater, error)
	DeactivateRater(context.Context, int64, time.Time) error
	CountRaterRatings(context.Context, int64) (int, error)
	ListEligibleQuestions(context.Context, int64, int64) ([]store.QuestionRatingCount, error)
	RatingExists(context.Context, int64, int64) (bool, error)
	CreateRating(context.Context, store.Rating) (store.Rating, error)
	CountExperimentRatings(context.Context, int64) (int, error)
	CountExperimentRaters(context.Context, int64) (int, error)
	CountQuestionsAtQuota(context.Context, int64, int) (int, error)
	ListRatingDetails(context.Context, int64, int64, int) ([]store.RatingDetail, error)
	RevokeAdminToken(context.Context, string, time.Time) error
	IsAdminTokenRevoked(context.Context, string) (bool, error)
}

// revocationStore is the logout revocation backend. Both *session.RedisStore
// and *store.PostgresStore satisfy it; main picks one based on config.
type revocationStore interface {
	RevokeAdminToken(context.Context, string, time.Time) error
	IsAdminTokenRevoked(context.Context, string) (bool, error)
}

// identityVerifier validates a delegated login token and returns the email
// claim it carries.
type identityVerifier interface {
	VerifyEmail(context.Context, string) (string, error)
}

// uploadArchive keeps the raw bytes of question uploads and returns the
// object key they were stored under.
type uploadArchive interface {
	Store(context.Context, int64, string, []byte) (string, error)
}

type ratingExporter interface {
	StreamCSV(context.Context, io.Writer, func(), int64) (int, error)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions revocationStore
	idp      identityVerifier
	pw       *authpw.Verifier
	archive  uploadArchive
	exporter ratingExporter
}

// New wires the service against Postgres for both data and revocation.
// idp and archive may be nil; the features they back stay disabled then.
func New(cfg config.Config, dataStore *store.PostgresStore, idp *authn.Verifier, archive *ingest.Archive, exporter *export.Service) *Service {
	svc := &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: dataStore,
		pw:       authpw.NewVerifier(cfg.DevAdminPasswordHash),
		exporter: exporter,
	}
	// keep nil concrete pointers out of the interface fields so the
	// configured checks stay a plain == nil
	if idp != nil {
		svc.idp = idp
	}
	if archive != nil {
		svc.archive = archive
	}
	return svc
}

// NewWithRevocationStore is New with logout revocation moved to Redis.
func NewWithRevocationStore(cfg config.Config, dataStore *store.PostgresStore, sessions *session.RedisStore, idp *authn.Verifier, archive *ingest.Archive, exporter *export.Service) *Service {
	svc := New(cfg, dataStore, idp, archive, exporter)
	svc.sessions = sessions
	return svc
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Commit() string {
	return s.cfg.Commit
}

func (s *Service) SessionCookieName() string {
	return s.cfg.SessionCookie
}

func (s *Service) CookieSecure() bool {
	return s.cfg.CookieSecure
}

func (s *Service) SessionMaxAge() int {
	return int(s.cfg.SessionTTL / time.Second)
}

func (s *Service) MaxUploadBytes() int64 {
	return s.cfg.MaxUploadBytes
}

// Bootstrap ensures the seed experiment exists and carries the configured
// number of questions. It is idempotent: reruns create nothing once the
// experiment is topped up, and partial earlier runs are completed.
func (s *Service) Bootstrap(ctx context.Context) error {
	if !s.cfg.SeedEnabled {
		return nil
	}

	existing, err := s.store.GetExperimentByName(ctx, s.cfg.SeedExperimentName)
	if err != nil {
		return err
	}

	var exp store.Experiment
	if existing != nil {
		exp = *existing
	} else {
		seed := store.Experiment{
			Name:                  s.cfg.SeedExperimentName,
			NumRatingsPerQuestion: s.cfg.SeedRatingsPerQuestion,
		}
		if url := s.cfg.SeedCompletionURL; url != "" {
			seed.ProlificCompletionURL = &url
		}
		exp, err = s.store.CreateExperiment(ctx, seed)
		if err != nil {
			return err
		}
	}

	have, err := s.store.CountQuestions(ctx, exp.ID)
	if err != nil {
		return err
	}
	if have >= s.cfg.SeedQuestionCount {
		return nil
	}

	questions := make([]store.Question, 0, s.cfg.SeedQuestionCount-have)
	for i := have + 1; i <= s.cfg.SeedQuestionCount; i++ {
		questions = append(questions, store.Question{
			ExperimentID: exp.ID,
			QuestionID:   fmt.Sprintf("seed-%d", i),
			QuestionText: fmt.Sprintf("Seed question %d", i),
			Options:      "Yes|No",
			QuestionType: "MC",
			ExtraData:    "{}",
		})
	}
	return s.store.InsertQuestions(ctx, questions)
}
