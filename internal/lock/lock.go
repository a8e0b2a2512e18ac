// Package lock implements token-fenced distributed mutual exclusion with pluggable backends.
package lock

import (
	"context"
	"time"
)

// Locker is the contract every component uses to serialize work on a remote resource.
type Locker interface {
	// Acquire takes key for ttl. ok=false with a nil error means the lock stayed busy
	// after all retries; callers treat it as "try later".
	Acquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	// Release deletes key only if token still owns it.
	Release(ctx context.Context, key, token string) (bool, error)
	// Extend pushes the expiry of key to now+ttl only if token still owns it.
	Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
}

// Backend is the atomic storage primitive behind a Manager.
type Backend interface {
	// SetNX stores token under key with ttl if key is absent or expired.
	SetNX(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	// CompareAndDelete removes key if its current value equals token.
	CompareAndDelete(ctx context.Context, key, token string) (bool, error)
	// CompareAndExpire resets the expiry of key if its current value equals token.
	CompareAndExpire(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
}

// SessionKey is the lock key guarding a user's connection.
func SessionKey(userID string) string { return "session:" + userID }
