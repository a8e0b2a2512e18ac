// Package model defines domain entities used by services and repositories.
package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// Contact is a remote conversation partner as reported by the bridge.
type Contact struct {
	UserID      uuid.UUID // owner of the bridged account
	RemoteID    string    // canonical id supplied by the bridge, unique per user
	Platform    string
	RoomID      string // transport room carrying the conversation
	DisplayName string
	UpdatedAt   time.Time
}

// Message is a single synchronized message.
type Message struct {
	UserID    uuid.UUID
	ContactID string // Contact.RemoteID
	RemoteID  string // stable remote message id, unique per user
	Sender    string
	Body      string
	SentAt    time.Time
}

// Credentials hold what a protocol client needs to log in. Tokens are sealed at rest.
type Credentials struct {
	UserID        uuid.UUID
	Platform      string
	HomeserverURL string
	RemoteUserID  string
	DeviceID      string
	AccessToken   string
	RefreshToken  string
	ExpiresAt     time.Time // zero means no known expiry
	UpdatedAt     time.Time
}

// Expired reports whether the access token is past its expiry (with skew).
func (c Credentials) Expired(now time.Time, skew time.Duration) bool {
	return !c.ExpiresAt.IsZero() && !now.Add(skew).Before(c.ExpiresAt)
}

// ErrorKind classifies failures for retry decisions.
type ErrorKind string

const (
	ErrorNetwork   ErrorKind = "network"
	ErrorAuth      ErrorKind = "auth"
	ErrorRateLimit ErrorKind = "rate_limit"
	ErrorSync      ErrorKind = "sync"
	ErrorUnknown   ErrorKind = "unknown"
)

// ErrorKinds lists every kind in a stable order.
var ErrorKinds = []ErrorKind{ErrorNetwork, ErrorAuth, ErrorRateLimit, ErrorSync, ErrorUnknown}

// ErrorRecord counts errors of one kind for one user inside a reset window.
type ErrorRecord struct {
	UserID          uuid.UUID
	Kind            ErrorKind
	Count           int
	WindowStartedAt time.Time
}

// SealedCredentials is the at-rest form of Credentials: token fields are ciphertext.
type SealedCredentials struct {
	UserID          uuid.UUID
	Platform        string
	HomeserverURL   string
	RemoteUserID    string
	DeviceID        string
	AccessTokenEnc  []byte
	RefreshTokenEnc []byte
	ExpiresAt       time.Time
	UpdatedAt       time.Time
}
