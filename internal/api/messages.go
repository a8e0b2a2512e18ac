// Package api defines the bridge-keeper gRPC service: message types, the service
// descriptor and a typed client. Messages travel as google.protobuf.Struct so any gRPC
// tool can call the service without generated stubs.
package api

import "time"

// Empty is a message without fields.
type Empty struct{}

type ConnectRequest struct {
	Platform      string     `json:"platform"`
	HomeserverURL string     `json:"homeserver_url,omitempty"`
	RemoteUserID  string     `json:"remote_user_id,omitempty"`
	DeviceID      string     `json:"device_id,omitempty"`
	AccessToken   string     `json:"access_token"`
	RefreshToken  string     `json:"refresh_token,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

// SessionRequest selects the caller's session on a platform; an empty platform matches any.
type SessionRequest struct {
	Platform string `json:"platform,omitempty"`
}

type Session struct {
	UserID            string     `json:"user_id"`
	Platform          string     `json:"platform,omitempty"`
	State             string     `json:"state"`
	Health            string     `json:"health,omitempty"`
	Idle              bool       `json:"idle,omitempty"`
	ConnectedAt       *time.Time `json:"connected_at,omitempty"`
	LastActivityAt    *time.Time `json:"last_activity_at,omitempty"`
	ReconnectAttempts int        `json:"reconnect_attempts,omitempty"`
	LastError         string     `json:"last_error,omitempty"`
}

type SyncRequest struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id,omitempty"`
}

type SyncError struct {
	At      time.Time `json:"at"`
	Kind    string    `json:"kind"`
	Batch   int       `json:"batch"`
	Message string    `json:"message"`
}

type SyncStatus struct {
	JobID          string      `json:"job_id,omitempty"`
	EntityType     string      `json:"entity_type"`
	EntityID       string      `json:"entity_id,omitempty"`
	State          string      `json:"state"`
	Status         string      `json:"status"`
	Progress       int         `json:"progress"`
	Processed      int         `json:"processed,omitempty"`
	EstimatedTotal int         `json:"estimated_total,omitempty"`
	LastError      string      `json:"last_error,omitempty"`
	Errors         []SyncError `json:"errors,omitempty"`
	StartedAt      *time.Time  `json:"started_at,omitempty"`
	CompletedAt    *time.Time  `json:"completed_at,omitempty"`
	LastSyncedAt   *time.Time  `json:"last_synced_at,omitempty"`
}

type CancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

type Contact struct {
	RemoteID    string     `json:"remote_id"`
	Platform    string     `json:"platform,omitempty"`
	DisplayName string     `json:"display_name,omitempty"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
}

type ContactList struct {
	Contacts []Contact `json:"contacts"`
}

type ListMessagesRequest struct {
	ContactID string `json:"contact_id"`
	Limit     int    `json:"limit,omitempty"`
}

type Message struct {
	RemoteID string    `json:"remote_id"`
	Sender   string    `json:"sender,omitempty"`
	Body     string    `json:"body"`
	SentAt   time.Time `json:"sent_at"`
}

type MessageList struct {
	Messages []Message `json:"messages"`
}
