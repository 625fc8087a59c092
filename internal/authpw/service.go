// Package authpw verifies the local development admin password.
package authpw

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

var ErrInvalidPassword = errors.New("invalid password")

// Verifier checks submitted passwords against a configured bcrypt hash.
// Password login is a development convenience for running without the
// identity provider; production deployments leave the hash unset.
type Verifier struct {
	hash []byte
}

// NewVerifier returns nil when no hash is configured, which disables
// password login entirely.
func NewVerifier(hash string) *Verifier {
	if hash == "" {
		return nil
	}
	return &Verifier{hash: []byte(hash)}
}

func (v *Verifier) Verify(password string) error {
	if password == "" {
		return ErrInvalidPassword
	}
	if err := bcrypt.CompareHashAndPassword(v.hash, []byte(password)); err != nil {
		return ErrInvalidPassword
	}
	return nil
}

// HashPassword produces a bcrypt hash suitable for the dev admin password
// config value.
func HashPassword(password string) (string, error) {
	if len(password) < 8 {
		return "", errors.New("password must be at least 8 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
