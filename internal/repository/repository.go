// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/bridge-keeper/internal/model"
)

// CredentialRepository stores one sealed credential set per user.
type CredentialRepository interface {
	// Upsert inserts or replaces the user's credentials.
	Upsert(ctx context.Context, c *model.SealedCredentials) error
	// Get loads the user's credentials; errs.ErrNotFound if absent.
	Get(ctx context.Context, userID uuid.UUID) (*model.SealedCredentials, error)
	// Delete removes the user's credentials.
	Delete(ctx context.Context, userID uuid.UUID) error
}

// ContactRepository stores contacts keyed by (user, remote id).
type ContactRepository interface {
	// UpsertBatch writes contacts idempotently and returns how many rows were written.
	UpsertBatch(ctx context.Context, userID uuid.UUID, contacts []model.Contact) (int, error)
	// List returns all contacts of a user ordered by display name.
	List(ctx context.Context, userID uuid.UUID) ([]model.Contact, error)
	// Get returns one contact; errs.ErrNotFound if absent.
	Get(ctx context.Context, userID uuid.UUID, remoteID string) (*model.Contact, error)
}

// MessageRepository stores messages keyed by (user, remote id).
type MessageRepository interface {
	// UpsertBatch writes messages idempotently and returns how many rows were written.
	UpsertBatch(ctx context.Context, userID uuid.UUID, msgs []model.Message) (int, error)
	// ListByContact returns the newest messages of a conversation, newest first.
	ListByContact(ctx context.Context, userID uuid.UUID, contactID string, limit int) ([]model.Message, error)
}

// SyncStatusRepository persists sync state so any process can answer status queries.
type SyncStatusRepository interface {
	// Get loads the record for key; errs.ErrNotFound if the entity was never synced.
	Get(ctx context.Context, key model.SyncKey) (*model.SyncRecord, error)
	// Upsert writes the full record.
	Upsert(ctx context.Context, rec *model.SyncRecord) error
}
