package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"
)

const sessionIssuer = "applybox"

var (
	ErrTokenExpired     = errors.New("session token expired")
	ErrTokenInvalid     = errors.New("session token invalid")
	ErrCampaignMismatch = errors.New("session token bound to another campaign")
)

// SessionClaims binds a verified identity to one campaign
type SessionClaims struct {
	CampaignID string `json:"cid"`
	jwt.RegisteredClaims
}

// SessionTokens issues and verifies stateless, HMAC-signed session tokens.
// Nothing is stored server side; a token is revoked only by expiring.
type SessionTokens struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// NewSessionTokens creates a token service signing with secret
func NewSessionTokens(secret string, ttl time.Duration) *SessionTokens {
	return &SessionTokens{
		key: []byte(secret),
		ttl: ttl,
		now: time.Now,
	}
}

// WithClock returns a copy reading time from now
func (s *SessionTokens) WithClock(now func() time.Time) *SessionTokens {
	return &SessionTokens{key: s.key, ttl: s.ttl, now: now}
}

// TTL returns the lifetime of issued tokens
func (s *SessionTokens) TTL() time.Duration {
	return s.ttl
}

// Issue mints a token for identity bound to campaignID
func (s *SessionTokens) Issue(identity, campaignID string) (string, time.Time, error) {
	if identity == "" || campaignID == "" {
		return "", time.Time{}, errors.New("identity and campaign id are required")
	}

	issuedAt := s.now()
	expiresAt := issuedAt.Add(s.ttl)
	claims := SessionClaims{
		CampaignID: campaignID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    sessionIssuer,
			Subject:   identity,
			ID:        ulid.Make().String(),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign session token: %w", err)
	}
	// Report the expiry the token actually carries (second precision).
	return token, claims.ExpiresAt.Time, nil
}

// Verify checks signature, expiry and campaign binding and returns the identity
func (s *SessionTokens) Verify(token, expectedCampaignID string) (string, error) {
	claims := &SessionClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return s.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(sessionIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
		// expiry is inclusive: a token is still good at its exp instant
		jwt.WithLeeway(time.Nanosecond),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrTokenExpired
		}
		return "", fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	if claims.Subject == "" || claims.CampaignID == "" {
		return "", ErrTokenInvalid
	}
	if claims.CampaignID != expectedCampaignID {
		return "", ErrCampaignMismatch
	}
	return claims.Subject, nil
}
