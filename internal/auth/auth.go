// Package auth issues and verifies the stateless bearer tokens that carry a
// purchaser's identity. A token's subject is the normalized login email and
// takes precedence over any client id the request supplies.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrMissingEmail is returned by Login for a blank email.
var ErrMissingEmail = errors.New("missing_email")

// Verifier resolves a bearer token to a subject. It never fails loudly: any
// invalid, expired or foreign token simply yields ok=false.
type Verifier interface {
	Verify(token string) (subject string, ok bool)
}

// Service signs HS256 tokens with a shared secret.
type Service struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewService creates a token service. An empty secret is replaced with a
// random one, which makes every issued token die with the process.
func NewService(secret string, ttl time.Duration) *Service {
	if secret == "" {
		secret = uuid.NewString()
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Service{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

// NormalizeEmail trims and lower-cases a login email
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Login issues a token whose subject is the normalized email.
func (s *Service) Login(email string) (string, error) {
	subject := NormalizeEmail(email)
	if subject == "" {
		return "", ErrMissingEmail
	}
	return s.Issue(subject)
}

// Issue signs a token for subject
func (s *Service) Issue(subject string) (string, error) {
	now := s.now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		ID:        uuid.NewString(),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

func (s *Service) Verify(token string) (string, bool) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", false
	}

	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(token, &claims,
		func(*jwt.Token) (any, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !parsed.Valid {
		return "", false
	}

	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return "", false
	}
	return subject, true
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}

var _ Verifier = (*Service)(nil)
