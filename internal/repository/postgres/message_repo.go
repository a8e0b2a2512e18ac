package postgres

import (
	"context"
	"fmt"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/bridge-keeper/internal/model"
)

// MessageRepo implements MessageRepository using PostgreSQL.
type MessageRepo struct{ db *DB }

// NewMessageRepo constructs a message repository.
func NewMessageRepo(db *DB) *MessageRepo { return &MessageRepo{db: db} }

// UpsertBatch writes messages in one transaction keyed by (user_id, remote_id).
func (r *MessageRepo) UpsertBatch(ctx context.Context, userID uuid.UUID, msgs []model.Message) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}
	const q = `
INSERT INTO messages (user_id, remote_id, contact_id, sender, body, sent_at)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (user_id, remote_id) DO UPDATE
SET contact_id=EXCLUDED.contact_id, sender=EXCLUDED.sender, body=EXCLUDED.body, sent_at=EXCLUDED.sent_at`
	written := 0
	err := r.db.inTx(ctx, func(tx pgx.Tx) error {
		for i, m := range msgs {
			if m.RemoteID == "" {
				return fmt.Errorf("message[%d]: empty remote id", i)
			}
			if _, err := tx.Exec(ctx, q, userID, m.RemoteID, m.ContactID, m.Sender, m.Body, m.SentAt); err != nil {
				return fmt.Errorf("message[%d]: %w", i, err)
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

// ListByContact returns up to limit messages of a conversation, newest first.
func (r *MessageRepo) ListByContact(ctx context.Context, userID uuid.UUID, contactID string, limit int) ([]model.Message, error) {
	const q = `
SELECT remote_id, sender, body, sent_at
FROM messages WHERE user_id=$1 AND contact_id=$2
ORDER BY sent_at DESC LIMIT $3`
	rows, err := r.db.Pool.Query(ctx, q, userID, contactID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		m := model.Message{UserID: userID, ContactID: contactID}
		if err := rows.Scan(&m.RemoteID, &m.Sender, &m.Body, &m.SentAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
