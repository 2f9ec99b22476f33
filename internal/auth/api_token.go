package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultAPITokenTTL = 12 * time.Hour

// APITokenManagerConfig configures the REST token manager.
type APITokenManagerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// APITokenManager validates the bearer tokens that gate the REST surface.
// The identity provider that authenticates users signs with the same secret,
// so this service only needs the validation half; issuing is kept for tests
// and local tooling.
type APITokenManager struct {
	config APITokenManagerConfig
	clock  func() time.Time
}

// NewAPITokenManager constructs an APITokenManager.
func NewAPITokenManager(cfg APITokenManagerConfig) *APITokenManager {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultAPITokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	cfg.TokenTTL = ttl
	cfg.Clock = clock
	return &APITokenManager{config: cfg, clock: clock}
}

// IssueAPIToken produces a signed bearer token for the user.
func (m *APITokenManager) IssueAPIToken(_ context.Context, userID string) (string, int64, error) {
	if len(m.config.SigningSecret) == 0 {
		return "", 0, errMissingSigningSecret
	}
	if userID == "" {
		return "", 0, errMissingSubjectClaim
	}

	now := m.clock().UTC()
	expiresAt := now.Add(m.config.TokenTTL).UTC()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    m.config.Issuer,
		Audience:  []string{m.config.Audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.config.SigningSecret)
	if err != nil {
		return "", 0, err
	}
	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}

// ValidateAPIToken returns the subject user id of a valid bearer token.
func (m *APITokenManager) ValidateAPIToken(tokenString string) (string, error) {
	if len(m.config.SigningSecret) == 0 {
		return "", errMissingSigningSecret
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return m.config.SigningSecret, nil
		},
		jwt.WithAudience(m.config.Audience),
		jwt.WithIssuer(m.config.Issuer),
		jwt.WithTimeFunc(m.clock),
	)
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errMissingSubjectClaim
	}
	return claims.Subject, nil
}
