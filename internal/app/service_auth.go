package app

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"annolab/api/internal/auth"
	"annolab/api/internal/authn"
	"annolab/api/internal/util"
)

// Session is an authenticated admin context derived from the signed cookie.
type Session struct {
	Email     string
	JTI       string
	ExpiresAt time.Time
}

// isAllowlisted reports whether the email may hold an admin session. The
// dev admin email counts as allowlisted only while password login is
// configured, so a forgotten ANNOLAB_DEV_ADMIN_EMAIL grants nothing on its
// own in production.
func (s *Service) isAllowlisted(email string) bool {
	if s.pw != nil && email == s.cfg.DevAdminEmail {
		return true
	}
	for _, allowed := range s.cfg.AdminAllowlist {
		if email == allowed {
			return true
		}
	}
	return false
}

func (s *Service) issueAdminSession(email string) (Session, string, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.SessionTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.SecretKey), auth.Claims{
		Email: email,
		JTI:   jti,
		IAT:   now.Unix(),
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, "", err
	}
	return Session{Email: email, JTI: jti, ExpiresAt: expiresAt}, token, nil
}

// LoginWithIdentityToken verifies a delegated identity token, checks the
// allowlist and issues the signed cookie token for the session.
func (s *Service) LoginWithIdentityToken(ctx context.Context, rawToken string) (Session, string, error) {
	if s.idp == nil {
		return Session{}, "", domainError(http.StatusServiceUnavailable, "AUTH_UNAVAILABLE", "Identity provider not configured", nil)
	}

	email, err := s.idp.VerifyEmail(ctx, rawToken)
	if err != nil {
		switch {
		case errors.Is(err, authn.ErrMissingEmail):
			return Session{}, "", errUnauthorized("Email claim missing in token")
		case errors.Is(err, authn.ErrInvalidToken):
			return Session{}, "", errUnauthorized("Invalid token signature or claims")
		default:
			// key fetch or parse infrastructure failure
			return Session{}, "", errUnauthorized("Failed to verify token")
		}
	}

	email = strings.ToLower(strings.TrimSpace(email))
	if !s.isAllowlisted(email) {
		return Session{}, "", errNotAllowlisted()
	}
	return s.issueAdminSession(email)
}

// LoginWithPassword is the local development fallback. It stays invisible
// (404) unless a bcrypt hash is configured.
func (s *Service) LoginWithPassword(ctx context.Context, password string) (Session, string, error) {
	if s.pw == nil {
		return Session{}, "", errNotFound("Not found")
	}
	if err := s.pw.Verify(password); err != nil {
		return Session{}, "", errUnauthorized("Invalid credentials")
	}
	return s.issueAdminSession(s.cfg.DevAdminEmail)
}

// AdminFromToken parses the cookie token and enforces revocation and the
// allowlist. Revoked tokens surface as auth.ErrInvalidToken so callers
// treat them exactly like forged ones.
func (s *Service) AdminFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.SecretKey), token)
	if err != nil {
		return Session{}, err
	}

	revoked, err := s.sessions.IsAdminTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	email := strings.ToLower(strings.TrimSpace(claims.Email))
	if !s.isAllowlisted(email) {
		return Session{}, errNotAllowlisted()
	}

	return Session{Email: email, JTI: claims.JTI, ExpiresAt: time.Unix(claims.Exp, 0)}, nil
}

// Logout revokes the session's jti until its natural expiry, so a copied
// cookie dies with the logout.
func (s *Service) Logout(ctx context.Context, session Session) error {
	if session.JTI == "" {
		return nil
	}
	return s.sessions.RevokeAdminToken(ctx, session.JTI, session.ExpiresAt)
}
