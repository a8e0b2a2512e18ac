package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// SessionState is the lifecycle state of a user's remote connection.
type SessionState string

const (
	SessionDisconnected SessionState = "DISCONNECTED"
	SessionInitializing SessionState = "INITIALIZING"
	SessionConnecting   SessionState = "CONNECTING"
	SessionConnected    SessionState = "CONNECTED"
	SessionReconnecting SessionState = "RECONNECTING"
	SessionError        SessionState = "ERROR"
)

var sessionTransitions = map[SessionState][]SessionState{
	SessionDisconnected: {SessionInitializing},
	SessionInitializing: {SessionConnecting, SessionError, SessionDisconnected},
	SessionConnecting:   {SessionConnected, SessionError, SessionDisconnected},
	SessionConnected:    {SessionReconnecting, SessionError, SessionDisconnected},
	SessionReconnecting: {SessionConnected, SessionError, SessionDisconnected},
	// ERROR only leaves through an explicit reset.
	SessionError: {SessionDisconnected},
}

// CanTransition reports whether s -> to is a legal state change.
func (s SessionState) CanTransition(to SessionState) bool {
	for _, next := range sessionTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Health is the result of the latest health check.
type Health string

const (
	HealthHealthy   Health = "healthy"
	HealthDegraded  Health = "degraded"
	HealthUnhealthy Health = "unhealthy"
)

// SessionInfo is a read-only snapshot of a session; it never carries the client handle.
type SessionInfo struct {
	UserID            uuid.UUID
	Platform          string
	State             SessionState
	Health            Health
	Idle              bool
	ConnectedAt       time.Time
	LastActivityAt    time.Time
	ReconnectAttempts int
	LastError         string
}
