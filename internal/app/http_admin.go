package app

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
)

// uploadFormOverhead is the slack granted on top of the file size limit for
// multipart boundaries and part headers.
const uploadFormOverhead = 1 << 20

func (s *HTTPServer) handleAdminExperiments(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireAdmin(w, r); !ok {
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/admin/experiments" {
		var body struct {
			Name                  string `json:"name"`
			NumRatingsPerQuestion int    `json:"num_ratings_per_question"`
			ProlificCompletionURL string `json:"prolific_completion_url"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if strings.TrimSpace(body.Name) == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
			return
		}
		payload, err := s.service.CreateExperiment(r.Context(), body.Name, body.NumRatingsPerQuestion, body.ProlificCompletionURL)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/admin/experiments" {
		skip, limit, ok := paginationParams(w, r)
		if !ok {
			return
		}
		payload, err := s.service.ListExperiments(r.Context(), skip, limit)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	// /api/admin/experiments/{id}[/{action}]
	parts := splitPath(r.URL.Path)
	if len(parts) < 4 || len(parts) > 5 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	experimentID, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "experiment id must be an integer", nil)
		return
	}

	if len(parts) == 4 && r.Method == http.MethodGet {
		payload, err := s.service.GetExperimentDetail(r.Context(), experimentID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if len(parts) == 4 && r.Method == http.MethodDelete {
		payload, err := s.service.DeleteExperiment(r.Context(), experimentID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if len(parts) == 5 {
		action := parts[4]

		if action == "upload" && r.Method == http.MethodPost {
			s.handleUpload(w, r, experimentID)
			return
		}

		if action == "uploads" && r.Method == http.MethodGet {
			skip, limit, ok := paginationParams(w, r)
			if !ok {
				return
			}
			payload, err := s.service.ListUploads(r.Context(), experimentID, skip, limit)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, payload)
			return
		}

		if action == "export" && r.Method == http.MethodGet {
			s.handleExport(w, r, experimentID)
			return
		}

		if action == "stats" && r.Method == http.MethodGet {
			payload, err := s.service.ExperimentStats(r.Context(), experimentID)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, payload)
			return
		}

		if action == "analytics" && r.Method == http.MethodGet {
			payload, err := s.service.ExperimentAnalytics(r.Context(), experimentID)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, payload)
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleUpload(w http.ResponseWriter, r *http.Request, experimentID int64) {
	maxBytes := s.service.MaxUploadBytes()
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes+uploadFormOverhead)

	file, header, err := r.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", fmt.Sprintf("File size exceeds %dMB limit", maxBytes>>20), nil)
			return
		}
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Multipart field 'file' is required", nil)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", fmt.Sprintf("File size exceeds %dMB limit", maxBytes>>20), nil)
			return
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Could not read upload", nil)
		return
	}

	payload, err := s.service.UploadQuestions(r.Context(), experimentID, header.Filename, data)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request, experimentID int64) {
	filename, err := s.service.ExportFilename(r.Context(), experimentID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filename))

	flush := func() {}
	if flusher, ok := w.(http.Flusher); ok {
		flush = flusher.Flush
	}

	if _, err := s.service.StreamRatings(r.Context(), w, flush, experimentID); err != nil {
		// headers are already on the wire; the truncated CSV is the signal
		log.Printf("export for experiment %d aborted: %v", experimentID, err)
	}
}

func paginationParams(w http.ResponseWriter, r *http.Request) (int, int, bool) {
	skip := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("skip")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "skip must be an integer", nil)
			return 0, 0, false
		}
		skip = parsed
	}
	limit := 100
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
			return 0, 0, false
		}
		limit = parsed
	}

	if skip < 0 {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "skip must be non-negative", nil)
		return 0, 0, false
	}
	if limit < 1 || limit > 1000 {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be between 1 and 1000", nil)
		return 0, 0, false
	}
	return skip, limit, true
}
