package app

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

func queryInt64(r *http.Request, name string) (int64, bool) {
	value, err := strconv.ParseInt(strings.TrimSpace(r.URL.Query().Get(name)), 10, 64)
	if err != nil {
		return 0, false
	}
	return value, true
}

func (s *HTTPServer) handleRaterStart(w http.ResponseWriter, r *http.Request) {
	experimentID, ok := queryInt64(r, "experiment_id")
	if !ok {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "experiment_id must be an integer", nil)
		return
	}
	prolificID := strings.TrimSpace(r.URL.Query().Get("PROLIFIC_PID"))
	if prolificID == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "PROLIFIC_PID is required", nil)
		return
	}
	studyID := strings.TrimSpace(r.URL.Query().Get("STUDY_ID"))
	sessionID := strings.TrimSpace(r.URL.Query().Get("SESSION_ID"))

	payload, err := s.service.StartRaterSession(r.Context(), experimentID, prolificID, studyID, sessionID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleRaterNextQuestion(w http.ResponseWriter, r *http.Request) {
	raterID, ok := queryInt64(r, "rater_id")
	if !ok {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "rater_id must be an integer", nil)
		return
	}

	payload, err := s.service.NextQuestion(r.Context(), raterID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	// payload is nil once the rater has exhausted eligible questions; the
	// nil map encodes as JSON null, which the client reads as "done"
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleRaterSubmit(w http.ResponseWriter, r *http.Request) {
	raterID, ok := queryInt64(r, "rater_id")
	if !ok {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "rater_id must be an integer", nil)
		return
	}

	var body struct {
		QuestionID  int64  `json:"question_id"`
		Answer      string `json:"answer"`
		Confidence  int    `json:"confidence"`
		TimeStarted string `json:"time_started"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if strings.TrimSpace(body.TimeStarted) == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "time_started is required", nil)
		return
	}
	timeStarted, err := time.Parse(time.RFC3339, strings.TrimSpace(body.TimeStarted))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "time_started must be an RFC 3339 timestamp", nil)
		return
	}

	payload, err := s.service.SubmitRating(r.Context(), raterID, body.QuestionID, body.Answer, body.Confidence, timeStarted)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleRaterSessionStatus(w http.ResponseWriter, r *http.Request) {
	raterID, ok := queryInt64(r, "rater_id")
	if !ok {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "rater_id must be an integer", nil)
		return
	}

	payload, err := s.service.RaterSessionStatus(r.Context(), raterID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleRaterEndSession(w http.ResponseWriter, r *http.Request) {
	raterID, ok := queryInt64(r, "rater_id")
	if !ok {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "rater_id must be an integer", nil)
		return
	}

	payload, err := s.service.EndRaterSession(r.Context(), raterID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}
