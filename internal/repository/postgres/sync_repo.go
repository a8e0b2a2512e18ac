package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/bridge-keeper/internal/errs"
	"github.com/and161185/bridge-keeper/internal/model"
)

// SyncStatusRepo implements SyncStatusRepository using PostgreSQL.
type SyncStatusRepo struct{ db *DB }

// NewSyncStatusRepo constructs a sync status repository.
func NewSyncStatusRepo(db *DB) *SyncStatusRepo { return &SyncStatusRepo{db: db} }

// Get loads the persisted sync record of key.
func (r *SyncStatusRepo) Get(ctx context.Context, key model.SyncKey) (*model.SyncRecord, error) {
	const q = `
SELECT status, job_state, progress, cursor, last_error, last_synced_at, updated_at
FROM sync_status WHERE user_id=$1 AND entity_type=$2 AND entity_id=$3`
	var (
		status, state string
		lastSynced    *time.Time
	)
	rec := model.SyncRecord{Key: key}
	err := r.db.Pool.QueryRow(ctx, q, key.UserID, string(key.EntityType), key.EntityID).
		Scan(&status, &state, &rec.Progress, &rec.Cursor, &rec.LastError, &lastSynced, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.Status = model.SyncStatus(status)
	rec.JobState = model.JobState(state)
	rec.LastSyncedAt = fromNull(lastSynced)
	return &rec, nil
}

// Upsert writes the record.
func (r *SyncStatusRepo) Upsert(ctx context.Context, rec *model.SyncRecord) error {
	const q = `
INSERT INTO sync_status (user_id, entity_type, entity_id, status, job_state, progress, cursor, last_error, last_synced_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,now())
ON CONFLICT (user_id, entity_type, entity_id) DO UPDATE
SET status=EXCLUDED.status, job_state=EXCLUDED.job_state, progress=EXCLUDED.progress, cursor=EXCLUDED.cursor,
    last_error=EXCLUDED.last_error, last_synced_at=EXCLUDED.last_synced_at, updated_at=now()`
	_, err := r.db.Pool.Exec(ctx, q, rec.Key.UserID, string(rec.Key.EntityType), rec.Key.EntityID,
		string(rec.Status), string(rec.JobState), rec.Progress, rec.Cursor, rec.LastError, nullTime(rec.LastSyncedAt))
	return err
}
