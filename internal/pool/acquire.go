package pool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/bridge-keeper/internal/errs"
	"github.com/and161185/bridge-keeper/internal/events"
	"github.com/and161185/bridge-keeper/internal/lock"
	"github.com/and161185/bridge-keeper/internal/metrics"
	"github.com/and161185/bridge-keeper/internal/model"
	"github.com/and161185/bridge-keeper/internal/protocol"
	"github.com/and161185/bridge-keeper/internal/retry"
)

// Acquire returns the user's live client, connecting it if needed. Concurrent calls for one
// user share a single connect and get the same client. The pool keeps ownership of the
// client: callers outside this package should prefer Use.
//
// The shared connect is detached from any one caller; a caller that gives up returns at once
// while the others keep waiting. The connect itself is bounded by ConnectTimeout.
func (p *Pool) Acquire(ctx context.Context, userID uuid.UUID) (protocol.Client, error) {
	if c, err, ok := p.fast(userID); ok {
		return c, err
	}
	ch := p.sf.DoChan(userID.String(), func() (any, error) {
		var c protocol.Client
		err := lock.WithLock(context.WithoutCancel(ctx), p.locker, lock.SessionKey(userID.String()), p.cfg.LockTTL, func(ctx context.Context) error {
			var err error
			c, err = p.acquireLocked(ctx, userID)
			return err
		})
		return c, err
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(protocol.Client), nil
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}

// Use runs fn with the user's client.
func (p *Pool) Use(ctx context.Context, userID uuid.UUID, fn func(protocol.Client) error) error {
	c, err := p.Acquire(ctx, userID)
	if err != nil {
		return err
	}
	err = fn(c)
	p.mu.Lock()
	if s, ok := p.sessions[userID]; ok {
		s.lastActivityAt = p.now()
	}
	p.mu.Unlock()
	return err
}

func (p *Pool) fast(userID uuid.UUID) (protocol.Client, error, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[userID]
	if !ok {
		return nil, nil, false
	}
	if s.state == model.SessionError {
		return nil, sessionFailed(s), true
	}
	if s.state == model.SessionConnected && !s.idle && s.h != nil {
		s.lastActivityAt = p.now()
		return s.h.client, nil, true
	}
	return nil, nil, false
}

func sessionFailed(s *session) error {
	return fmt.Errorf("%s: %w", s.lastError, errs.ErrSessionFailed)
}

func (p *Pool) acquireLocked(ctx context.Context, userID uuid.UUID) (protocol.Client, error) {
	p.mu.Lock()
	if s, ok := p.sessions[userID]; ok {
		switch {
		case s.state == model.SessionError:
			p.mu.Unlock()
			return nil, sessionFailed(s)
		case s.state == model.SessionConnected && !s.idle:
			s.lastActivityAt = p.now()
			c := s.h.client
			p.mu.Unlock()
			return c, nil
		case s.state == model.SessionConnected && s.idle:
			if p.activeCount() >= p.cfg.MaxActive {
				p.mu.Unlock()
				metrics.PoolConnects.WithLabelValues("exhausted").Inc()
				return nil, errs.ErrPoolExhausted
			}
			h := s.h
			p.mu.Unlock()
			if p.ping(ctx, h.client) == nil {
				p.mu.Lock()
				s.idle = false
				s.lastActivityAt = p.now()
				p.updateGauges()
				p.mu.Unlock()
				return h.client, nil
			}
			p.log.Info("idle session unhealthy, reconnecting", zap.Stringer("user", userID))
			p.teardown(ctx, s, "idle session unhealthy")
			p.mu.Lock()
		default:
			p.mu.Unlock()
			return nil, fmt.Errorf("session is %s: %w", s.state, errs.ErrNetworkTransient)
		}
	}
	if p.activeCount() >= p.cfg.MaxActive {
		p.mu.Unlock()
		metrics.PoolConnects.WithLabelValues("exhausted").Inc()
		return nil, errs.ErrPoolExhausted
	}
	s := &session{userID: userID, state: model.SessionDisconnected}
	p.sessions[userID] = s
	p.setState(s, model.SessionInitializing)
	p.mu.Unlock()

	h, err := p.dial(ctx, s, true)
	if err != nil {
		return nil, p.connectFailed(ctx, s, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	s.h = h
	s.health = model.HealthHealthy
	s.connectedAt = now
	s.lastActivityAt = now
	s.reconnects = 0
	s.lastError = ""
	p.setState(s, model.SessionConnected)
	metrics.PoolConnects.WithLabelValues("ok").Inc()
	p.log.Info("session connected", zap.Stringer("user", userID), zap.String("platform", s.platform))
	return h.client, nil
}

func (p *Pool) connectFailed(ctx context.Context, s *session, err error) error {
	switch {
	case retry.Classify(err) == model.ErrorAuth:
		metrics.PoolConnects.WithLabelValues("auth").Inc()
		p.fail(ctx, s, err)
		if !errors.Is(err, errs.ErrAuthInvalid) {
			err = fmt.Errorf("%w: %w", errs.ErrAuthInvalid, err)
		}
		return err
	case errors.Is(err, errs.ErrConnectTimeout):
		metrics.PoolConnects.WithLabelValues("timeout").Inc()
	default:
		metrics.PoolConnects.WithLabelValues("error").Inc()
	}
	p.mu.Lock()
	s.lastError = err.Error()
	p.mu.Unlock()
	p.teardown(ctx, s, "connect failed")
	p.log.Warn("connect failed", zap.Stringer("user", s.userID), zap.Error(err))
	return err
}

// dial builds, starts and waits for the initial sync of a new client for s. Loading and
// refreshing credentials count toward ConnectTimeout, which stays below LockTTL.
func (p *Pool) dial(ctx context.Context, s *session, initial bool) (*handle, error) {
	cctx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	defer cancel()
	timedOut := func(step string, err error) error {
		if ctx.Err() == nil && cctx.Err() != nil {
			return fmt.Errorf("%s after %s: %w", step, p.cfg.ConnectTimeout, errs.ErrConnectTimeout)
		}
		return fmt.Errorf("%s: %w", step, err)
	}

	c, err := p.creds.Load(cctx, s.userID)
	if err != nil {
		return nil, timedOut("load credentials", err)
	}
	token, err := p.creds.GetValidToken(cctx, s.userID)
	if err != nil {
		return nil, timedOut("access token", err)
	}
	f, err := p.registry.Factory(c.Platform)
	if err != nil {
		return nil, err
	}
	client, err := f.NewClient(protocol.Config{
		UserID:        s.userID,
		Platform:      c.Platform,
		HomeserverURL: c.HomeserverURL,
		RemoteUserID:  c.RemoteUserID,
		DeviceID:      c.DeviceID,
		AccessToken:   token,
		Logger:        p.log.With(zap.Stringer("user", s.userID), zap.String("platform", c.Platform)),
	})
	if err != nil {
		return nil, fmt.Errorf("new %s client: %w", c.Platform, err)
	}

	p.mu.Lock()
	s.platform = c.Platform
	if initial {
		p.setState(s, model.SessionConnecting)
	}
	p.mu.Unlock()

	if err := client.Start(cctx); err != nil {
		_ = client.Stop(context.WithoutCancel(ctx))
		return nil, timedOut("start "+c.Platform+" client", err)
	}
	h := &handle{client: client, synced: make(chan struct{}), done: make(chan struct{})}
	go p.dispatch(s, h)

	select {
	case <-h.synced:
		return h, nil
	case <-h.done:
		_ = client.Stop(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("%s: event stream closed before initial sync: %w", c.Platform, errs.ErrNetworkTransient)
	case <-cctx.Done():
		p.stopHandle(ctx, h)
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		return nil, fmt.Errorf("%s initial sync after %s: %w", c.Platform, p.cfg.ConnectTimeout, errs.ErrConnectTimeout)
	}
}

// dispatch is the only consumer of a client's event stream.
func (p *Pool) dispatch(s *session, h *handle) {
	defer close(h.done)
	synced := false
	for ev := range h.client.Events() {
		p.mu.Lock()
		if p.sessions[s.userID] == s {
			s.lastActivityAt = p.now()
		}
		p.mu.Unlock()

		switch ev.Type {
		case protocol.EventSynced:
			if !synced {
				synced = true
				close(h.synced)
			}
		case protocol.EventMessage:
			if ev.Message != nil {
				p.emit(s.userID, events.MessageNew, ev.Message)
			}
		case protocol.EventContact:
			if ev.Contact != nil {
				p.emit(s.userID, events.ContactNew, ev.Contact)
			}
		case protocol.EventDisconnected:
			if p.owns(s, h) {
				p.log.Warn("client disconnected", zap.Stringer("user", s.userID), zap.Error(ev.Err))
				go p.recoverAfter(s.userID, ev.Err)
			}
		case protocol.EventTokenExpired:
			if p.owns(s, h) {
				go p.authFailed(p.bg, s.userID, ev.Err)
			}
		}
	}
}

func (p *Pool) owns(s *session, h *handle) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessions[s.userID] == s && s.h == h
}

func (p *Pool) ping(ctx context.Context, c protocol.Client) error {
	pctx, cancel := context.WithTimeout(ctx, p.cfg.PingTimeout)
	defer cancel()
	return c.Ping(pctx)
}

func (p *Pool) stopHandle(ctx context.Context, h *handle) {
	if h == nil {
		return
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.PingTimeout)
	defer cancel()
	if err := h.client.Stop(sctx); err != nil {
		p.log.Debug("client stop", zap.Error(err))
	}
	select {
	case <-h.done:
	case <-sctx.Done():
		p.log.Warn("client did not close its event stream")
	}
}

// teardown removes s from the pool and stops its client.
func (p *Pool) teardown(ctx context.Context, s *session, reason string) {
	p.mu.Lock()
	if p.sessions[s.userID] != s {
		p.mu.Unlock()
		return
	}
	p.setState(s, model.SessionDisconnected)
	delete(p.sessions, s.userID)
	h := s.h
	s.h = nil
	p.updateGauges()
	p.mu.Unlock()

	p.stopHandle(ctx, h)
	p.log.Info("session closed", zap.Stringer("user", s.userID), zap.String("reason", reason))
}

// fail moves s to ERROR and notifies the sink. ERROR is left only through Reset.
func (p *Pool) fail(ctx context.Context, s *session, cause error) {
	p.mu.Lock()
	if p.sessions[s.userID] != s || s.state == model.SessionError {
		p.mu.Unlock()
		return
	}
	s.lastError = cause.Error()
	s.health = model.HealthUnhealthy
	h := s.h
	s.h = nil
	ok := p.setState(s, model.SessionError)
	p.mu.Unlock()

	p.stopHandle(ctx, h)
	if ok {
		p.emit(s.userID, events.SessionError, stateEvent{State: model.SessionError, Platform: s.platform, Error: cause.Error()})
		p.log.Error("session failed", zap.Stringer("user", s.userID), zap.Error(cause))
	}
}

// Connect stores credentials for platform and brings the session up.
func (p *Pool) Connect(ctx context.Context, userID uuid.UUID, platform string, c model.Credentials) (model.SessionInfo, error) {
	if _, err := p.registry.Factory(platform); err != nil {
		return model.SessionInfo{}, err
	}
	p.mu.Lock()
	s, exists := p.sessions[userID]
	var state model.SessionState
	if exists {
		state = s.state
		if s.platform != "" && s.platform != platform {
			info := s.info()
			p.mu.Unlock()
			return info, fmt.Errorf("connected to %s: %w", info.Platform, errs.ErrPlatformMismatch)
		}
	}
	p.mu.Unlock()

	// new credentials are the way out of ERROR
	if state == model.SessionError {
		if err := p.Reset(ctx, userID); err != nil {
			return p.Status(userID), err
		}
	}
	c.UserID = userID
	c.Platform = platform
	if err := p.creds.Save(ctx, c); err != nil {
		return model.SessionInfo{}, fmt.Errorf("save credentials: %w", err)
	}
	_, err := p.Acquire(ctx, userID)
	return p.Status(userID), err
}

// Disconnect stops and forgets the user's session. Stored credentials are kept.
func (p *Pool) Disconnect(ctx context.Context, userID uuid.UUID) error {
	return lock.WithLock(ctx, p.locker, lock.SessionKey(userID.String()), p.cfg.LockTTL, func(ctx context.Context) error {
		p.mu.Lock()
		s, ok := p.sessions[userID]
		p.mu.Unlock()
		if ok {
			p.teardown(ctx, s, "disconnect")
		}
		return nil
	})
}

// Reset clears a failed session back to DISCONNECTED together with its error counters.
func (p *Pool) Reset(ctx context.Context, userID uuid.UUID) error {
	return lock.WithLock(ctx, p.locker, lock.SessionKey(userID.String()), p.cfg.LockTTL, func(ctx context.Context) error {
		p.mu.Lock()
		s, ok := p.sessions[userID]
		failed := ok && s.state == model.SessionError
		p.mu.Unlock()
		if failed {
			p.teardown(ctx, s, "reset")
		}
		return p.policy.ResetAll(ctx, userID)
	})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-t.C:
		return nil
	}
}
