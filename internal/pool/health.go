package pool

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/bridge-keeper/internal/errs"
	"github.com/and161185/bridge-keeper/internal/lock"
	"github.com/and161185/bridge-keeper/internal/metrics"
	"github.com/and161185/bridge-keeper/internal/model"
	"github.com/and161185/bridge-keeper/internal/retry"
)

// HealthCheck pings the user's client and returns what the ping showed. A failed ping counts
// as one error of its kind and starts recovery; once the kind has escalated the session
// fails instead. Sessions in ERROR are not pinged.
func (p *Pool) HealthCheck(ctx context.Context, userID uuid.UUID) model.Health {
	p.mu.Lock()
	s, ok := p.sessions[userID]
	if !ok || s.state == model.SessionError {
		p.mu.Unlock()
		return model.HealthUnhealthy
	}
	if s.h == nil || s.recovering {
		h := s.health
		p.mu.Unlock()
		return h
	}
	client := s.h.client
	p.mu.Unlock()

	start := p.now()
	err := p.ping(ctx, client)
	if err == nil {
		health := model.HealthHealthy
		if p.now().Sub(start) > p.cfg.PingTimeout/2 {
			health = model.HealthDegraded
		}
		p.mu.Lock()
		s.health = health
		wasFailing := s.pingFailed
		s.pingFailed = false
		p.mu.Unlock()
		if wasFailing {
			for _, k := range []model.ErrorKind{model.ErrorNetwork, model.ErrorAuth} {
				if rerr := p.policy.Reset(ctx, userID, k); rerr != nil {
					p.log.Warn("reset error counter", zap.Stringer("user", userID), zap.Error(rerr))
				}
			}
		}
		return health
	}

	p.mu.Lock()
	s.health = model.HealthUnhealthy
	s.pingFailed = true
	s.lastError = err.Error()
	p.mu.Unlock()
	p.log.Warn("health check failed", zap.Stringer("user", userID), zap.Error(err))

	d := p.policy.Observe(ctx, userID, err)
	var esc *retry.EscalationError
	switch {
	case errors.As(d.Err, &esc):
		p.fail(ctx, s, d.Err)
	case d.Kind == model.ErrorAuth:
		p.refreshAndRecover(ctx, userID, err)
	default:
		if rerr := p.AttemptRecovery(ctx, userID); rerr != nil {
			p.log.Debug("recovery", zap.Stringer("user", userID), zap.Error(rerr))
		}
	}
	return model.HealthUnhealthy
}

// authFailed handles a token rejection reported by the client itself.
func (p *Pool) authFailed(ctx context.Context, userID uuid.UUID, cause error) {
	if cause == nil {
		cause = errs.ErrAuthInvalid
	}
	d := p.policy.Observe(ctx, userID, cause)
	var esc *retry.EscalationError
	if errors.As(d.Err, &esc) {
		p.failUser(ctx, userID, d.Err)
		return
	}
	p.refreshAndRecover(ctx, userID, cause)
}

// refreshAndRecover is the auth strategy: one credential refresh, then a reconnect with the
// new token. A failed refresh invalidates the session.
func (p *Pool) refreshAndRecover(ctx context.Context, userID uuid.UUID, cause error) {
	if _, err := p.creds.RefreshToken(ctx, userID); err != nil {
		p.failUser(ctx, userID, fmt.Errorf("%w: refresh: %w", cause, err))
		return
	}
	if err := p.AttemptRecovery(ctx, userID); err != nil {
		p.log.Debug("recovery after refresh", zap.Stringer("user", userID), zap.Error(err))
	}
}

func (p *Pool) failUser(ctx context.Context, userID uuid.UUID, cause error) {
	p.mu.Lock()
	s, ok := p.sessions[userID]
	p.mu.Unlock()
	if ok {
		p.fail(ctx, s, cause)
	}
}

func (p *Pool) recoverAfter(userID uuid.UUID, cause error) {
	if retry.Classify(cause) == model.ErrorAuth {
		p.authFailed(p.bg, userID, cause)
		return
	}
	if err := p.AttemptRecovery(p.bg, userID); err != nil {
		p.log.Debug("recovery", zap.Stringer("user", userID), zap.Error(err))
	}
}

// AttemptRecovery replaces the user's client: stop, wait, rebuild, with exponential backoff
// between attempts. After MaxReconnectAttempts failures the session goes to ERROR and stays
// there. Auth failures end recovery at once.
func (p *Pool) AttemptRecovery(ctx context.Context, userID uuid.UUID) error {
	p.mu.Lock()
	s, ok := p.sessions[userID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("session %s: %w", userID, errs.ErrNotFound)
	}
	if s.state == model.SessionError {
		p.mu.Unlock()
		return sessionFailed(s)
	}
	if s.recovering {
		p.mu.Unlock()
		return nil
	}
	s.recovering = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		s.recovering = false
		p.mu.Unlock()
	}()

	return lock.WithLease(ctx, p.locker, lock.SessionKey(userID.String()), p.cfg.LockTTL, func(ctx context.Context) error {
		return p.recover(ctx, s)
	})
}

func (p *Pool) recover(ctx context.Context, s *session) error {
	p.mu.Lock()
	if p.sessions[s.userID] != s {
		p.mu.Unlock()
		return nil
	}
	old := s.h
	s.h = nil
	s.idle = false
	p.setState(s, model.SessionReconnecting)
	p.mu.Unlock()
	p.stopHandle(ctx, old)

	var lastErr error
	kind := model.ErrorNetwork
	for attempt := 1; attempt <= p.cfg.MaxReconnectAttempts; attempt++ {
		p.mu.Lock()
		s.reconnects = attempt
		p.mu.Unlock()

		if err := sleepCtx(ctx, p.policy.Delay(kind, attempt, lastErr)); err != nil {
			p.fail(ctx, s, err)
			return err
		}
		h, err := p.dial(ctx, s, false)
		if err == nil {
			p.mu.Lock()
			if p.sessions[s.userID] != s {
				p.mu.Unlock()
				p.stopHandle(ctx, h)
				return nil
			}
			now := p.now()
			s.h = h
			s.reconnects = 0
			s.health = model.HealthHealthy
			s.lastError = ""
			s.pingFailed = false
			s.connectedAt = now
			s.lastActivityAt = now
			p.setState(s, model.SessionConnected)
			p.mu.Unlock()

			metrics.PoolRecoveries.WithLabelValues("recovered").Inc()
			p.log.Info("session recovered", zap.Stringer("user", s.userID), zap.Int("attempt", attempt))
			if rerr := p.policy.Reset(ctx, s.userID, model.ErrorNetwork); rerr != nil {
				p.log.Warn("reset error counter", zap.Stringer("user", s.userID), zap.Error(rerr))
			}
			return nil
		}

		lastErr = err
		kind = retry.Classify(err)
		if kind == model.ErrorAuth {
			metrics.PoolRecoveries.WithLabelValues("failed").Inc()
			p.fail(ctx, s, err)
			return err
		}
		if ctx.Err() != nil {
			p.fail(ctx, s, err)
			return err
		}
		p.mu.Lock()
		s.lastError = err.Error()
		p.mu.Unlock()
		p.log.Warn("reconnect attempt failed",
			zap.Stringer("user", s.userID), zap.Int("attempt", attempt), zap.String("kind", string(kind)), zap.Error(err))
	}

	err := fmt.Errorf("gave up after %d reconnect attempts: %w", p.cfg.MaxReconnectAttempts, lastErr)
	metrics.PoolRecoveries.WithLabelValues("failed").Inc()
	p.fail(ctx, s, err)
	return err
}
