// Package events delivers status events to clients. Delivery is fire-and-forget: a failing
// destination never fails the caller's operation.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
)

// Event names.
const (
	SessionState  = "session.state"
	SessionError  = "session.error"
	SyncProgress  = "sync.progress"
	SyncCompleted = "sync.completed"
	SyncFailed    = "sync.failed"
	MessageNew    = "message.new"
	ContactNew    = "contact.new"
	// RetryEscalated is sent once when a user's errors of one kind pass their threshold.
	RetryEscalated = "retry.escalated"
)

// Sink is the destination of status events.
type Sink interface {
	// Emit sends one event. Errors are informational.
	Emit(ctx context.Context, userID uuid.UUID, name string, payload any) error
	// Online reports whether the user has a live destination right now.
	Online(userID uuid.UUID) bool
}

// Envelope is the wire form of an event.
type Envelope struct {
	User    uuid.UUID `json:"user"`
	Name    string    `json:"event"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload,omitempty"`
}

// Multi fans out to several sinks. It is online when any of them is.
type Multi []Sink

func (m Multi) Emit(ctx context.Context, userID uuid.UUID, name string, payload any) error {
	var errList []error
	for _, s := range m {
		if err := s.Emit(ctx, userID, name, payload); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

func (m Multi) Online(userID uuid.UUID) bool {
	for _, s := range m {
		if s.Online(userID) {
			return true
		}
	}
	return false
}

// Nop drops everything and is never online.
type Nop struct{}

func (Nop) Emit(context.Context, uuid.UUID, string, any) error { return nil }
func (Nop) Online(uuid.UUID) bool                               { return false }
