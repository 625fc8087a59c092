// Package authn verifies login tokens issued by the external identity
// provider. Admins authenticate against the provider in the browser; the
// backend only checks the resulting RS256 JWT against the provider's JWKS
// and extracts the email claim.
package authn

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrNotConfigured means issuer, JWKS URL or audience is missing.
	ErrNotConfigured = errors.New("identity provider not configured")
	// ErrInvalidToken covers bad signatures and failed claim validation.
	ErrInvalidToken = errors.New("invalid token signature or claims")
	// ErrMissingEmail means the token verified but carries no email claim.
	ErrMissingEmail = errors.New("email claim missing in token")
)

const jwksRefreshInterval = time.Hour

// Verifier validates provider-issued JWTs. Signing keys come from the
// provider's JWKS endpoint and are cached; an unknown kid triggers a
// refetch so key rotation works without restarts.
type Verifier struct {
	issuer   string
	jwksURL  string
	audience string
	client   *http.Client

	mu      sync.Mutex
	keys    map[string]*rsa.PublicKey
	fetched time.Time
}

func NewVerifier(issuer, jwksURL, audience string) (*Verifier, error) {
	if issuer == "" || jwksURL == "" || audience == "" {
		return nil, ErrNotConfigured
	}
	return &Verifier{
		issuer:   issuer,
		jwksURL:  jwksURL,
		audience: audience,
		client:   &http.Client{Timeout: 10 * time.Second},
		keys:     map[string]*rsa.PublicKey{},
	}, nil
}

// VerifyEmail checks the token's signature, issuer, audience and expiry, and
// returns the trimmed email claim.
func (v *Verifier) VerifyEmail(ctx context.Context, rawToken string) (string, error) {
	token, err := jwt.Parse(rawToken, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("token has no kid header")
		}
		return v.signingKey(ctx, kid)
	},
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenUnverifiable) {
			return "", fmt.Errorf("resolve signing key: %w", err)
		}
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}
	email, _ := claims["email"].(string)
	email = strings.TrimSpace(email)
	if email == "" {
		return "", ErrMissingEmail
	}
	return email, nil
}

func (v *Verifier) signingKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if key, ok := v.keys[kid]; ok && time.Since(v.fetched) < jwksRefreshInterval {
		return key, nil
	}
	if err := v.fetchKeysLocked(ctx); err != nil {
		return nil, err
	}
	key, ok := v.keys[kid]
	if !ok {
		return nil, fmt.Errorf("unknown signing key %q", kid)
	}
	return key, nil
}

type jwksDocument struct {
	Keys []jwksKey `json:"keys"`
}

type jwksKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func (v *Verifier) fetchKeysLocked(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return fmt.Errorf("build jwks request: %w", err)
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch jwks: unexpected status %d", resp.StatusCode)
	}

	var doc jwksDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("decode jwks: %w", err)
	}

	keys := map[string]*rsa.PublicKey{}
	for _, k := range doc.Keys {
		if k.Kty != "RSA" || k.Kid == "" {
			continue
		}
		key, err := parseRSAKey(k)
		if err != nil {
			return fmt.Errorf("parse jwks key %s: %w", k.Kid, err)
		}
		keys[k.Kid] = key
	}
	if len(keys) == 0 {
		return errors.New("jwks document has no RSA keys")
	}

	v.keys = keys
	v.fetched = time.Now()
	return nil
}

func parseRSAKey(k jwksKey) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}
	e := new(big.Int).SetBytes(eBytes)
	if !e.IsInt64() || e.Int64() <= 0 {
		return nil, errors.New("invalid exponent")
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(e.Int64()),
	}, nil
}
