package errtrack

import (
	"context"
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/and161185/bridge-keeper/internal/model"
)

// PG is a PostgreSQL-backed tracker shared by every process of the deployment.
type PG struct {
	pool   pgxQuerier
	window time.Duration
}

type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPG constructs a PostgreSQL-backed tracker over a pool (or anything with Exec/QueryRow).
func NewPG(pool pgxQuerier, window time.Duration) *PG {
	return &PG{pool: pool, window: window}
}

// Record increments the counter, restarting the window when it is older than the reset interval.
func (t *PG) Record(ctx context.Context, userID uuid.UUID, kind model.ErrorKind) (int, error) {
	const q = `
INSERT INTO error_records (user_id, kind, count, window_started_at, updated_at)
VALUES ($1,$2,1,now(),now())
ON CONFLICT (user_id, kind) DO UPDATE
SET
  count = CASE WHEN now() - error_records.window_started_at > $3::interval THEN 1 ELSE error_records.count + 1 END,
  window_started_at = CASE WHEN now() - error_records.window_started_at > $3::interval THEN now() ELSE error_records.window_started_at END,
  updated_at = now()
RETURNING count`
	var n int
	if err := t.pool.QueryRow(ctx, q, userID, string(kind), t.window).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// Reset drops the counter for (user, kind).
func (t *PG) Reset(ctx context.Context, userID uuid.UUID, kind model.ErrorKind) error {
	const q = `DELETE FROM error_records WHERE user_id=$1 AND kind=$2`
	_, err := t.pool.Exec(ctx, q, userID, string(kind))
	return err
}

// Count returns the counter inside the live window.
func (t *PG) Count(ctx context.Context, userID uuid.UUID, kind model.ErrorKind) (int, error) {
	const q = `
SELECT CASE WHEN now() - window_started_at > $3::interval THEN 0 ELSE count END
FROM error_records WHERE user_id=$1 AND kind=$2`
	var n int
	err := t.pool.QueryRow(ctx, q, userID, string(kind), t.window).Scan(&n)
	switch {
	case err == nil:
		return n, nil
	case errors.Is(err, pgx.ErrNoRows):
		return 0, nil
	default:
		return 0, err
	}
}
