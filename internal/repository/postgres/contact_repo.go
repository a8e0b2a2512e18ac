package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/bridge-keeper/internal/errs"
	"github.com/and161185/bridge-keeper/internal/model"
)

// ContactRepo implements ContactRepository using PostgreSQL.
type ContactRepo struct{ db *DB }

// NewContactRepo constructs a contact repository.
func NewContactRepo(db *DB) *ContactRepo { return &ContactRepo{db: db} }

// UpsertBatch writes contacts in one transaction keyed by (user_id, remote_id).
func (r *ContactRepo) UpsertBatch(ctx context.Context, userID uuid.UUID, contacts []model.Contact) (int, error) {
	if len(contacts) == 0 {
		return 0, nil
	}
	const q = `
INSERT INTO contacts (user_id, remote_id, platform, room_id, display_name, updated_at)
VALUES ($1,$2,$3,$4,$5,now())
ON CONFLICT (user_id, remote_id) DO UPDATE
SET platform=EXCLUDED.platform, room_id=EXCLUDED.room_id, display_name=EXCLUDED.display_name, updated_at=now()`
	written := 0
	err := r.db.inTx(ctx, func(tx pgx.Tx) error {
		for i, c := range contacts {
			if c.RemoteID == "" {
				return fmt.Errorf("contact[%d]: empty remote id", i)
			}
			if _, err := tx.Exec(ctx, q, userID, c.RemoteID, c.Platform, c.RoomID, c.DisplayName); err != nil {
				return fmt.Errorf("contact[%d]: %w", i, err)
			}
			written++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return written, nil
}

// List returns all contacts of a user.
func (r *ContactRepo) List(ctx context.Context, userID uuid.UUID) ([]model.Contact, error) {
	const q = `
SELECT remote_id, platform, room_id, display_name, updated_at
FROM contacts WHERE user_id=$1 ORDER BY display_name, remote_id`
	rows, err := r.db.Pool.Query(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Contact
	for rows.Next() {
		c := model.Contact{UserID: userID}
		if err := rows.Scan(&c.RemoteID, &c.Platform, &c.RoomID, &c.DisplayName, &c.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Get returns a contact by remote id.
func (r *ContactRepo) Get(ctx context.Context, userID uuid.UUID, remoteID string) (*model.Contact, error) {
	const q = `
SELECT platform, room_id, display_name, updated_at
FROM contacts WHERE user_id=$1 AND remote_id=$2`
	c := model.Contact{UserID: userID, RemoteID: remoteID}
	err := r.db.Pool.QueryRow(ctx, q, userID, remoteID).Scan(&c.Platform, &c.RoomID, &c.DisplayName, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}
