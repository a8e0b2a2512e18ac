package lock

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

type pgxExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresBackend keeps locks in the distributed_locks table. Expiry is judged by the
// database clock so all processes agree on it.
type PostgresBackend struct {
	pool pgxExecer
}

// NewPostgresBackend constructs a backend over a pgx pool (or anything with Exec).
func NewPostgresBackend(pool pgxExecer) *PostgresBackend {
	return &PostgresBackend{pool: pool}
}

// SetNX inserts the row or takes over an expired one.
func (b *PostgresBackend) SetNX(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	const q = `
INSERT INTO distributed_locks (lock_key, owner_token, acquired_at, expires_at)
VALUES ($1, $2, now(), now() + $3::bigint * interval '1 millisecond')
ON CONFLICT (lock_key) DO UPDATE
SET owner_token = EXCLUDED.owner_token, acquired_at = EXCLUDED.acquired_at, expires_at = EXCLUDED.expires_at
WHERE distributed_locks.expires_at <= now()`
	tag, err := b.pool.Exec(ctx, q, key, token, ttl.Milliseconds())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// CompareAndDelete removes the row if token owns an unexpired lock.
func (b *PostgresBackend) CompareAndDelete(ctx context.Context, key, token string) (bool, error) {
	const q = `DELETE FROM distributed_locks WHERE lock_key=$1 AND owner_token=$2 AND expires_at > now()`
	tag, err := b.pool.Exec(ctx, q, key, token)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// CompareAndExpire moves expires_at forward if token owns an unexpired lock.
func (b *PostgresBackend) CompareAndExpire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	const q = `
UPDATE distributed_locks SET expires_at = now() + $3::bigint * interval '1 millisecond'
WHERE lock_key=$1 AND owner_token=$2 AND expires_at > now()`
	tag, err := b.pool.Exec(ctx, q, key, token, ttl.Milliseconds())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
