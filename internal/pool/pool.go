// Package pool owns one live protocol client per user: active and idle tiers, a bounded
// active size, health checks and automatic reconnection.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/and161185/bridge-keeper/internal/credentials"
	"github.com/and161185/bridge-keeper/internal/events"
	"github.com/and161185/bridge-keeper/internal/lock"
	"github.com/and161185/bridge-keeper/internal/metrics"
	"github.com/and161185/bridge-keeper/internal/model"
	"github.com/and161185/bridge-keeper/internal/protocol"
	"github.com/and161185/bridge-keeper/internal/retry"
)

// Config bounds the pool.
type Config struct {
	MaxActive            int
	ConnectTimeout       time.Duration // handshake plus initial sync
	PingTimeout          time.Duration
	IdleTimeout          time.Duration
	SweepInterval        time.Duration
	HealthInterval       time.Duration
	MaxReconnectAttempts int
	LockTTL              time.Duration // must exceed ConnectTimeout
	HealthConcurrency    int
}

// DefaultConfig returns production bounds.
func DefaultConfig() Config {
	return Config{
		MaxActive:            500,
		ConnectTimeout:       30 * time.Second,
		PingTimeout:          5 * time.Second,
		IdleTimeout:          15 * time.Minute,
		SweepInterval:        time.Minute,
		HealthInterval:       30 * time.Second,
		MaxReconnectAttempts: 5,
		LockTTL:              45 * time.Second,
		HealthConcurrency:    8,
	}
}

// Credentials is what the pool needs from the credential store.
type Credentials interface {
	credentials.Provider
	Load(ctx context.Context, userID uuid.UUID) (model.Credentials, error)
	Save(ctx context.Context, c model.Credentials) error
}

type handle struct {
	client protocol.Client
	synced chan struct{}
	done   chan struct{} // closed when the dispatcher exits
}

type session struct {
	userID         uuid.UUID
	platform       string
	state          model.SessionState
	health         model.Health
	h              *handle
	idle           bool
	idleSince      time.Time
	connectedAt    time.Time
	lastActivityAt time.Time
	reconnects     int
	lastError      string
	recovering     bool
	pingFailed     bool
}

func (s *session) info() model.SessionInfo {
	return model.SessionInfo{
		UserID:            s.userID,
		Platform:          s.platform,
		State:             s.state,
		Health:            s.health,
		Idle:              s.idle,
		ConnectedAt:       s.connectedAt,
		LastActivityAt:    s.lastActivityAt,
		ReconnectAttempts: s.reconnects,
		LastError:         s.lastError,
	}
}

// counts toward MaxActive
func (s *session) active() bool {
	if s.idle {
		return false
	}
	switch s.state {
	case model.SessionInitializing, model.SessionConnecting, model.SessionConnected, model.SessionReconnecting:
		return true
	}
	return false
}

// Pool is safe for concurrent use.
type Pool struct {
	cfg      Config
	locker   lock.Locker
	registry *protocol.Registry
	creds    Credentials
	policy   *retry.Policy
	sink     events.Sink
	log      *zap.Logger
	now      func() time.Time

	bg     context.Context
	stopBG context.CancelFunc
	outbox chan outEvent

	sf       singleflight.Group
	mu       sync.Mutex
	sessions map[uuid.UUID]*session
}

// New constructs a pool. sink may be nil.
func New(cfg Config, locker lock.Locker, registry *protocol.Registry, creds Credentials, policy *retry.Policy, sink events.Sink, log *zap.Logger) (*Pool, error) {
	def := DefaultConfig()
	if cfg.MaxActive <= 0 {
		cfg.MaxActive = def.MaxActive
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = def.PingTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = def.HealthInterval
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	if cfg.HealthConcurrency <= 0 {
		cfg.HealthConcurrency = def.HealthConcurrency
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = cfg.ConnectTimeout + 15*time.Second
	}
	if cfg.LockTTL <= cfg.ConnectTimeout {
		return nil, fmt.Errorf("pool: lock ttl %s must exceed connect timeout %s", cfg.LockTTL, cfg.ConnectTimeout)
	}
	if sink == nil {
		sink = events.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	bg, stop := context.WithCancel(context.Background())
	p := &Pool{
		cfg:      cfg,
		locker:   locker,
		registry: registry,
		creds:    creds,
		policy:   policy,
		sink:     sink,
		log:      log,
		now:      time.Now,
		bg:       bg,
		stopBG:   stop,
		outbox:   make(chan outEvent, 1024),
		sessions: make(map[uuid.UUID]*session),
	}
	go p.deliver()
	return p, nil
}

// Status returns a snapshot of the user's session. Unknown users are DISCONNECTED.
func (p *Pool) Status(userID uuid.UUID) model.SessionInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.sessions[userID]; ok {
		return s.info()
	}
	return model.SessionInfo{UserID: userID, State: model.SessionDisconnected}
}

// Sessions returns snapshots of every session.
func (p *Pool) Sessions() []model.SessionInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.SessionInfo, 0, len(p.sessions))
	for _, s := range p.sessions {
		out = append(out, s.info())
	}
	return out
}

// Release moves the session to the idle tier.
func (p *Pool) Release(userID uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[userID]
	if !ok || s.idle || s.state != model.SessionConnected {
		return
	}
	s.idle = true
	s.idleSince = p.now()
	p.updateGauges()
}

// Run sweeps idle sessions and health-checks active ones until ctx ends.
func (p *Pool) Run(ctx context.Context) error {
	sweep := time.NewTicker(p.cfg.SweepInterval)
	defer sweep.Stop()
	health := time.NewTicker(p.cfg.HealthInterval)
	defer health.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sweep.C:
			p.sweepIdle(ctx)
		case <-health.C:
			p.checkAll(ctx)
		}
	}
}

// Serve is Run under the name the supervisor expects.
func (p *Pool) Serve(ctx context.Context) error { return p.Run(ctx) }

func (p *Pool) checkAll(ctx context.Context) {
	p.mu.Lock()
	var ids []uuid.UUID
	for id, s := range p.sessions {
		if s.state == model.SessionConnected && !s.recovering {
			ids = append(ids, id)
		}
	}
	p.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.HealthConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			p.HealthCheck(gctx, id)
			return nil
		})
	}
	_ = g.Wait()
}

func (p *Pool) sweepIdle(ctx context.Context) {
	cutoff := p.now().Add(-p.cfg.IdleTimeout)
	p.mu.Lock()
	var expired []uuid.UUID
	for id, s := range p.sessions {
		if s.idle && s.idleSince.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	p.mu.Unlock()

	for _, id := range expired {
		err := lock.WithLock(ctx, p.locker, lock.SessionKey(id.String()), p.cfg.LockTTL, func(ctx context.Context) error {
			p.mu.Lock()
			s, ok := p.sessions[id]
			// promoted again while we waited for the lock
			if !ok || !s.idle || !s.idleSince.Before(cutoff) {
				p.mu.Unlock()
				return nil
			}
			p.mu.Unlock()
			p.teardown(ctx, s, "idle timeout")
			return nil
		})
		if err != nil {
			p.log.Debug("idle eviction skipped", zap.Stringer("user", id), zap.Error(err))
		}
	}
}

// Close stops every session. The pool is unusable afterwards.
func (p *Pool) Close(ctx context.Context) {
	p.stopBG()
	p.mu.Lock()
	all := make([]*session, 0, len(p.sessions))
	for _, s := range p.sessions {
		all = append(all, s)
	}
	p.mu.Unlock()
	for _, s := range all {
		p.teardown(ctx, s, "shutdown")
	}
}

// setState applies a validated transition and publishes it. Caller holds p.mu.
func (p *Pool) setState(s *session, to model.SessionState) bool {
	if s.state == to {
		return true
	}
	if !s.state.CanTransition(to) {
		p.log.Error("illegal session transition",
			zap.Stringer("user", s.userID), zap.String("from", string(s.state)), zap.String("to", string(to)))
		return false
	}
	s.state = to
	p.updateGauges()
	p.emit(s.userID, events.SessionState, stateEvent{State: to, Platform: s.platform, Error: s.lastError})
	return true
}

type stateEvent struct {
	State    model.SessionState `json:"state"`
	Platform string             `json:"platform,omitempty"`
	Error    string             `json:"error,omitempty"`
}

type outEvent struct {
	userID  uuid.UUID
	name    string
	payload any
}

// emit queues an event for in-order delivery; it never blocks on the sink.
func (p *Pool) emit(userID uuid.UUID, name string, payload any) {
	select {
	case p.outbox <- outEvent{userID, name, payload}:
	default:
		p.log.Warn("event outbox full, dropped", zap.Stringer("user", userID), zap.String("event", name))
	}
}

func (p *Pool) deliver() {
	for {
		select {
		case <-p.bg.Done():
			return
		case ev := <-p.outbox:
			ctx, cancel := context.WithTimeout(p.bg, 5*time.Second)
			if err := p.sink.Emit(ctx, ev.userID, ev.name, ev.payload); err != nil {
				p.log.Debug("event not delivered", zap.Stringer("user", ev.userID), zap.String("event", ev.name), zap.Error(err))
			}
			cancel()
		}
	}
}

// caller holds p.mu
func (p *Pool) updateGauges() {
	var active, idle int
	for _, s := range p.sessions {
		switch {
		case s.idle:
			idle++
		case s.active():
			active++
		}
	}
	metrics.PoolSessions.WithLabelValues("active").Set(float64(active))
	metrics.PoolSessions.WithLabelValues("idle").Set(float64(idle))
}

func (p *Pool) activeCount() int {
	n := 0
	for _, s := range p.sessions {
		if s.active() {
			n++
		}
	}
	return n
}
