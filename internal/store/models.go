package store

import "time"

type Experiment struct {
	ID                    int64
	Name                  string
	NumRatingsPerQuestion int
	ProlificCompletionURL *string
	CreatedAt             time.Time
}

// ExperimentSummary is an experiment with the aggregate counts shown in the
// admin listing.
type ExperimentSummary struct {
	Experiment
	QuestionCount int
	RatingCount   int
}

type Question struct {
	ID           int64
	ExperimentID int64
	QuestionID   string
	QuestionText string
	GTAnswer     string
	Options      string
	QuestionType string
	ExtraData    string
}

// QuestionRatingCount carries a question together with how many ratings it
// has received across all raters. Selection balances on this count.
type QuestionRatingCount struct {
	Question
	RatingCount int
}

type Rater struct {
	ID           int64
	ProlificID   string
	StudyID      *string
	SessionID    *string
	ExperimentID int64
	SessionStart time.Time
	SessionEnd   *time.Time
	IsActive     bool
}

type Rating struct {
	ID            int64
	QuestionID    int64
	RaterID       int64
	Answer        string
	Confidence    int
	TimeStarted   time.Time
	TimeSubmitted time.Time
}

type Upload struct {
	ID            int64
	ExperimentID  int64
	Filename      string
	QuestionCount int
	StorageKey    string
	UploadedAt    time.Time
}

// RatingDetail is one fully joined rating row (rating + question + rater) as
// consumed by the CSV export and the analytics aggregation. QuestionKey is
// the uploader-assigned external question id, not the storage id.
type RatingDetail struct {
	RatingID          int64
	QuestionKey       string
	QuestionText      string
	GTAnswer          string
	ProlificID        string
	StudyID           *string
	SessionID         *string
	Answer            string
	Confidence        int
	TimeStarted       time.Time
	TimeSubmitted     time.Time
	RaterSessionStart time.Time
	RaterSessionEnd   *time.Time
	RaterIsActive     bool
}
