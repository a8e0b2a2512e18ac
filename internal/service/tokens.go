package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"

	"github.com/and161185/bridge-keeper/internal/errs"
)

// Tokens issues and verifies the HS256 access tokens API callers present.
type Tokens struct {
	signKey   []byte
	accessTTL time.Duration
	leeway    time.Duration
	now       func() time.Time
}

// NewTokens constructs a token issuer. The sign key must be at least 32 bytes.
func NewTokens(signKey []byte, accessTTL time.Duration) (*Tokens, error) {
	if len(signKey) < 32 {
		return nil, errors.New("validation: sign key shorter than 32 bytes")
	}
	if accessTTL <= 0 {
		accessTTL = 15 * time.Minute
	}
	return &Tokens{signKey: signKey, accessTTL: accessTTL, leeway: 30 * time.Second, now: time.Now}, nil
}

// Issue creates a signed token for the given subject.
func (t *Tokens) Issue(userID uuid.UUID) (string, time.Time, error) {
	if userID == uuid.Nil {
		return "", time.Time{}, errors.New("validation: empty userID")
	}
	now := t.now()
	exp := now.Add(t.accessTTL)
	claims := jwt.RegisteredClaims{
		Subject:   userID.String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.signKey)
	return signed, exp, err
}

// Verify checks signature and expiry and returns the subject. Every failure wraps
// errs.ErrUnauthorized.
func (t *Tokens) Verify(raw string) (uuid.UUID, error) {
	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(raw, &claims, func(tok *jwt.Token) (any, error) {
		if tok.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return t.signKey, nil
	}, jwt.WithLeeway(t.leeway), jwt.WithTimeFunc(t.now))
	if err != nil || !parsed.Valid {
		return uuid.Nil, fmt.Errorf("invalid token: %w", errs.ErrUnauthorized)
	}
	id, err := uuid.FromString(claims.Subject)
	if err != nil || id == uuid.Nil {
		return uuid.Nil, fmt.Errorf("bad subject: %w", errs.ErrUnauthorized)
	}
	return id, nil
}
