package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/and161185/bridge-keeper/internal/errs"
	"github.com/and161185/bridge-keeper/internal/metrics"
)

const releaseTimeout = 5 * time.Second

// WithLock acquires key, runs fn, and always releases, also when fn panics.
// A busy lock yields errs.ErrLockBusy. fn's error is returned unchanged.
func WithLock(ctx context.Context, l Locker, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	token, ok, err := l.Acquire(ctx, key, ttl)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s: %w", key, errs.ErrLockBusy)
	}
	defer release(ctx, l, key, token)
	return fn(ctx)
}

// WithLease is WithLock for long operations: the lock is extended every ttl/3 while fn
// runs. If an extension fails, fn's context is cancelled with cause errs.ErrLockLost and
// the returned error wraps it.
func WithLease(ctx context.Context, l Locker, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	token, ok, err := l.Acquire(ctx, key, ttl)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s: %w", key, errs.ErrLockBusy)
	}
	defer release(ctx, l, key, token)

	leaseCtx, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		keepAlive(leaseCtx, l, key, token, ttl, cancel)
	}()

	err = fn(leaseCtx)
	lost := errors.Is(context.Cause(leaseCtx), errs.ErrLockLost)
	cancel(nil)
	<-done

	if lost {
		metrics.LockLost.Inc()
		if err == nil {
			err = errs.ErrLockLost
		} else if !errors.Is(err, errs.ErrLockLost) {
			err = fmt.Errorf("%w: %w", errs.ErrLockLost, err)
		}
	}
	return err
}

func keepAlive(ctx context.Context, l Locker, key, token string, ttl time.Duration, cancel context.CancelCauseFunc) {
	interval := ttl / 3
	if interval <= 0 {
		interval = ttl
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	lastOK := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		extCtx, stop := context.WithTimeout(ctx, interval)
		ok, err := l.Extend(extCtx, key, token, ttl)
		stop()
		switch {
		case err == nil && ok:
			lastOK = time.Now()
		case err == nil && !ok:
			cancel(errs.ErrLockLost)
			return
		case ctx.Err() != nil:
			return
		case time.Since(lastOK) >= ttl:
			// backend unreachable for a whole ttl: the lock has expired by now
			cancel(errs.ErrLockLost)
			return
		}
	}
}

func release(ctx context.Context, l Locker, key, token string) {
	relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	_, _ = l.Release(relCtx, key, token)
}
