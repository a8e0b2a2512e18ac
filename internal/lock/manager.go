package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/and161185/bridge-keeper/internal/metrics"
)

var errContended = errors.New("lock contended")

// Options tune the acquisition retry loop.
type Options struct {
	Retries       uint64        // extra attempts after the first one
	BaseDelay     time.Duration // first backoff step
	MaxDelay      time.Duration // backoff cap
	JitterPercent uint64
}

// DefaultOptions returns the acquisition defaults.
func DefaultOptions() Options {
	return Options{Retries: 5, BaseDelay: 50 * time.Millisecond, MaxDelay: time.Second, JitterPercent: 25}
}

// Manager implements Locker on top of a Backend.
type Manager struct {
	backend  Backend
	opts     Options
	log      *zap.Logger
	newToken func() (string, error)
}

// NewManager constructs a lock manager. Zero option fields fall back to defaults.
func NewManager(backend Backend, opts Options, log *zap.Logger) *Manager {
	def := DefaultOptions()
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = def.BaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = def.MaxDelay
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{backend: backend, opts: opts, log: log, newToken: randomToken}
}

func randomToken() (string, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func (m *Manager) backoff() retry.Backoff {
	b := retry.NewExponential(m.opts.BaseDelay)
	if m.opts.JitterPercent > 0 {
		b = retry.WithJitterPercent(m.opts.JitterPercent, b)
	}
	b = retry.WithCappedDuration(m.opts.MaxDelay, b)
	return retry.WithMaxRetries(m.opts.Retries, b)
}

// Acquire tries SetNX with exponential backoff and jitter. A backend error aborts
// immediately: the lock fails closed.
func (m *Manager) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if ttl <= 0 {
		return "", false, fmt.Errorf("lock %s: non-positive ttl", key)
	}
	token, err := m.newToken()
	if err != nil {
		return "", false, fmt.Errorf("lock %s: token: %w", key, err)
	}

	attempts := 0
	err = retry.Do(ctx, m.backoff(), func(ctx context.Context) error {
		attempts++
		ok, err := m.backend.SetNX(ctx, key, token, ttl)
		if err != nil {
			return err
		}
		if !ok {
			return retry.RetryableError(errContended)
		}
		return nil
	})
	switch {
	case err == nil:
		metrics.LockAcquisitions.WithLabelValues("acquired").Inc()
		return token, true, nil
	case errors.Is(err, errContended):
		metrics.LockAcquisitions.WithLabelValues("busy").Inc()
		m.log.Debug("lock busy", zap.String("key", key), zap.Int("attempts", attempts))
		return "", false, nil
	default:
		metrics.LockAcquisitions.WithLabelValues("error").Inc()
		m.log.Warn("lock backend failure", zap.String("key", key), zap.Error(err))
		return "", false, fmt.Errorf("lock %s: %w", key, err)
	}
}

// Release deletes key if token still owns it. false means someone else owns it now.
func (m *Manager) Release(ctx context.Context, key, token string) (bool, error) {
	ok, err := m.backend.CompareAndDelete(ctx, key, token)
	if err != nil {
		return false, fmt.Errorf("unlock %s: %w", key, err)
	}
	if !ok {
		m.log.Debug("lock already gone on release", zap.String("key", key))
	}
	return ok, nil
}

// Extend renews the ttl of an owned lock.
func (m *Manager) Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	ok, err := m.backend.CompareAndExpire(ctx, key, token, ttl)
	if err != nil {
		return false, fmt.Errorf("extend %s: %w", key, err)
	}
	return ok, nil
}
