package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/bridge-keeper/internal/errs"
	"github.com/and161185/bridge-keeper/internal/model"
)

// CredentialRepo implements CredentialRepository using PostgreSQL.
type CredentialRepo struct{ db *DB }

// NewCredentialRepo constructs a credential repository.
func NewCredentialRepo(db *DB) *CredentialRepo { return &CredentialRepo{db: db} }

// Upsert inserts or replaces the sealed credentials of a user.
func (r *CredentialRepo) Upsert(ctx context.Context, c *model.SealedCredentials) error {
	const q = `
INSERT INTO credentials (user_id, platform, homeserver_url, remote_user_id, device_id, access_token_enc, refresh_token_enc, expires_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,now())
ON CONFLICT (user_id) DO UPDATE
SET platform=EXCLUDED.platform, homeserver_url=EXCLUDED.homeserver_url, remote_user_id=EXCLUDED.remote_user_id,
    device_id=EXCLUDED.device_id, access_token_enc=EXCLUDED.access_token_enc,
    refresh_token_enc=EXCLUDED.refresh_token_enc, expires_at=EXCLUDED.expires_at, updated_at=now()`
	_, err := r.db.Pool.Exec(ctx, q, c.UserID, c.Platform, c.HomeserverURL, c.RemoteUserID, c.DeviceID,
		c.AccessTokenEnc, c.RefreshTokenEnc, nullTime(c.ExpiresAt))
	return err
}

// Get selects the credentials of a user.
func (r *CredentialRepo) Get(ctx context.Context, userID uuid.UUID) (*model.SealedCredentials, error) {
	const q = `
SELECT platform, homeserver_url, remote_user_id, device_id, access_token_enc, refresh_token_enc, expires_at, updated_at
FROM credentials WHERE user_id=$1`
	c := model.SealedCredentials{UserID: userID}
	var expires *time.Time
	err := r.db.Pool.QueryRow(ctx, q, userID).Scan(&c.Platform, &c.HomeserverURL, &c.RemoteUserID, &c.DeviceID,
		&c.AccessTokenEnc, &c.RefreshTokenEnc, &expires, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.ExpiresAt = fromNull(expires)
	return &c, nil
}

// Delete removes the credentials of a user.
func (r *CredentialRepo) Delete(ctx context.Context, userID uuid.UUID) error {
	_, err := r.db.Pool.Exec(ctx, `DELETE FROM credentials WHERE user_id=$1`, userID)
	return err
}
