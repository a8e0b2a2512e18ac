// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across repo/service layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized indicates a failed authentication of the API caller.
	ErrUnauthorized = errors.New("unauthorized")
)

// Session and sync taxonomy.
var (
	// ErrConnectTimeout indicates the remote handshake or initial sync did not finish in time.
	ErrConnectTimeout = errors.New("connect timeout")

	// ErrPoolExhausted indicates the connection pool is at capacity.
	ErrPoolExhausted = errors.New("connection pool exhausted")

	// ErrAuthInvalid indicates the remote platform rejected the stored credentials. Retried once after a refresh.
	ErrAuthInvalid = errors.New("remote authentication invalid")

	// ErrRateLimited indicates the remote platform asked us to slow down.
	ErrRateLimited = errors.New("rate limited")

	// ErrNetworkTransient indicates a transient transport failure.
	ErrNetworkTransient = errors.New("transient network error")

	// ErrSyncBatchFailed indicates a sync batch could not be fetched or stored.
	ErrSyncBatchFailed = errors.New("sync batch failed")

	// ErrLockBusy indicates another holder owns the lock; back off and re-request.
	ErrLockBusy = errors.New("lock busy")

	// ErrLockLost indicates a held lock expired or was taken over mid-operation.
	ErrLockLost = errors.New("lock lost")

	// ErrPlatformMismatch indicates the user already has a session on another platform.
	ErrPlatformMismatch = errors.New("platform mismatch")

	// ErrSessionFailed indicates the session is in the terminal ERROR state and needs a reset.
	ErrSessionFailed = errors.New("session failed")
)
