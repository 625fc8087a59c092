package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"annolab/api/internal/auth"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		commit := s.service.Commit()
		version := commit
		if len(version) > 8 {
			version = version[:8]
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "version": version, "commit": commit})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		// Check database connectivity
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	// Admin auth routes (no session required except me/logout)
	if r.Method == http.MethodPost && r.URL.Path == "/api/admin/auth/login" {
		s.handleAdminLogin(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/admin/auth/dev-login" {
		s.handleAdminDevLogin(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/admin/auth/me" {
		session, ok := s.requireAdmin(w, r)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"email": session.Email})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/admin/auth/logout" {
		s.handleAdminLogout(w, r)
		return
	}

	// Rater routes — external crowdsourcing participants, no admin session
	if r.Method == http.MethodPost && r.URL.Path == "/api/raters/start" {
		s.handleRaterStart(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/raters/next-question" {
		s.handleRaterNextQuestion(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/raters/submit" {
		s.handleRaterSubmit(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/raters/session-status" {
		s.handleRaterSessionStatus(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/raters/end-session" {
		s.handleRaterEndSession(w, r)
		return
	}

	if strings.HasPrefix(r.URL.Path, "/api/admin/experiments") {
		s.handleAdminExperiments(w, r)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token string `json:"token"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if strings.TrimSpace(body.Token) == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "token is required", nil)
		return
	}

	session, token, err := s.service.LoginWithIdentityToken(r.Context(), body.Token)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}

	s.setSessionCookie(w, token)
	writeJSON(w, http.StatusOK, map[string]any{"email": session.Email})
}

func (s *HTTPServer) handleAdminDevLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	session, token, err := s.service.LoginWithPassword(r.Context(), body.Password)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}

	s.setSessionCookie(w, token)
	writeJSON(w, http.StatusOK, map[string]any{"email": session.Email})
}

func (s *HTTPServer) handleAdminLogout(w http.ResponseWriter, r *http.Request) {
	session := Session{}
	if cookie, err := r.Cookie(s.service.SessionCookieName()); err == nil && cookie.Value != "" {
		if parsed, err := s.service.AdminFromToken(r.Context(), cookie.Value); err == nil {
			session = parsed
		}
	}
	_ = s.service.Logout(r.Context(), session)
	s.clearSessionCookie(w)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// requireAdmin authenticates the signed session cookie. Forged, expired and
// revoked tokens all collapse to the same 403 so probing the admin surface
// reveals nothing; only the allowlist rejection is distinguishable.
func (s *HTTPServer) requireAdmin(w http.ResponseWriter, r *http.Request) (Session, bool) {
	cookie, err := r.Cookie(s.service.SessionCookieName())
	if err != nil || cookie.Value == "" {
		adminErr := errAdminRequired()
		writeError(w, adminErr.Status, adminErr.Code, adminErr.Message, nil)
		return Session{}, false
	}

	session, err := s.service.AdminFromToken(r.Context(), cookie.Value)
	if err != nil {
		var domainErr *DomainError
		if errors.As(err, &domainErr) {
			writeError(w, domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details)
			return Session{}, false
		}
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			adminErr := errAdminRequired()
			writeError(w, adminErr.Status, adminErr.Code, adminErr.Message, nil)
			return Session{}, false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) setSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.service.SessionCookieName(),
		Value:    token,
		Path:     "/",
		MaxAge:   s.service.SessionMaxAge(),
		HttpOnly: true,
		Secure:   s.service.CookieSecure(),
		SameSite: http.SameSiteNoneMode,
	})
}

func (s *HTTPServer) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.service.SessionCookieName(),
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.service.CookieSecure(),
		SameSite: http.SameSiteNoneMode,
	})
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush forwards to the wrapped writer so the CSV export can push each
// batch to the client as it is written.
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Access-Control-Allow-Credentials", "true")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
