package retry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	goretry "github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/and161185/bridge-keeper/internal/errtrack"
	"github.com/and161185/bridge-keeper/internal/metrics"
	"github.com/and161185/bridge-keeper/internal/model"
)

// Thresholds is the number of errors of a kind tolerated before escalation.
type Thresholds map[model.ErrorKind]int

// DefaultThresholds returns network:10, auth:3, rate_limit:5, sync:5, unknown:3.
func DefaultThresholds() Thresholds {
	return Thresholds{
		model.ErrorNetwork:   10,
		model.ErrorAuth:      3,
		model.ErrorRateLimit: 5,
		model.ErrorSync:      5,
		model.ErrorUnknown:   3,
	}
}

// Config tunes backoff and waits.
type Config struct {
	Thresholds       Thresholds
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	JitterPercent    uint64
	RateLimitWait    time.Duration // used when the server gave no retry-after
	MaxRateLimitWait time.Duration
}

// DefaultConfig returns the production policy.
func DefaultConfig() Config {
	return Config{
		Thresholds:       DefaultThresholds(),
		BaseDelay:        500 * time.Millisecond,
		MaxDelay:         30 * time.Second,
		JitterPercent:    20,
		RateLimitWait:    time.Second,
		MaxRateLimitWait: time.Minute,
	}
}

// Refresher renews a user's remote credentials.
type Refresher interface {
	RefreshToken(ctx context.Context, userID uuid.UUID) (string, error)
}

// EscalationError is returned once a kind has exceeded its threshold. Automatic retry
// stops until the kind is reset.
type EscalationError struct {
	UserID uuid.UUID
	Kind   model.ErrorKind
	Count  int
	Err    error
}

func (e *EscalationError) Error() string {
	return fmt.Sprintf("%s errors for %s reached %d: %v", e.Kind, e.UserID, e.Count, e.Err)
}

func (e *EscalationError) Unwrap() error { return e.Err }

// EscalateFunc is notified the first time a (user, kind) escalates.
type EscalateFunc func(ctx context.Context, userID uuid.UUID, kind model.ErrorKind, err error)

// Decision is the outcome of observing one failure.
type Decision struct {
	Kind  model.ErrorKind
	Count int
	Retry bool
	Err   error // the original error, or an *EscalationError
}

type escKey struct {
	user uuid.UUID
	kind model.ErrorKind
}

// Policy is the single place retry decisions are made.
type Policy struct {
	cfg       Config
	tracker   errtrack.Tracker
	refresher Refresher
	log       *zap.Logger

	mu         sync.Mutex
	escalated  map[escKey]bool
	onEscalate EscalateFunc
}

// NewPolicy constructs a policy. refresher may be nil, in which case auth errors are fatal.
func NewPolicy(cfg Config, tracker errtrack.Tracker, refresher Refresher, log *zap.Logger) *Policy {
	def := DefaultConfig()
	if cfg.Thresholds == nil {
		cfg.Thresholds = def.Thresholds
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.RateLimitWait <= 0 {
		cfg.RateLimitWait = def.RateLimitWait
	}
	if cfg.MaxRateLimitWait <= 0 {
		cfg.MaxRateLimitWait = def.MaxRateLimitWait
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Policy{
		cfg:       cfg,
		tracker:   tracker,
		refresher: refresher,
		log:       log,
		escalated: make(map[escKey]bool),
	}
}

// OnEscalate installs the escalation hook.
func (p *Policy) OnEscalate(fn EscalateFunc) {
	p.mu.Lock()
	p.onEscalate = fn
	p.mu.Unlock()
}

// ShouldRetry reports whether another attempt is allowed after count errors of kind.
func (p *Policy) ShouldRetry(userID uuid.UUID, kind model.ErrorKind, count int) bool {
	limit, ok := p.cfg.Thresholds[kind]
	if !ok {
		limit = p.cfg.Thresholds[model.ErrorUnknown]
	}
	if count >= limit {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.escalated[escKey{userID, kind}]
}

// Observe classifies and records one failure and decides whether it may be retried.
// Crossing the threshold escalates: the hook runs once and Err becomes an *EscalationError.
func (p *Policy) Observe(ctx context.Context, userID uuid.UUID, err error) Decision {
	kind := Classify(err)
	count, terr := p.tracker.Record(ctx, userID, kind)
	if terr != nil {
		// no counter, no retries
		p.log.Warn("error tracker unavailable", zap.Stringer("user", userID), zap.Error(terr))
		return Decision{Kind: kind, Err: err}
	}
	if p.ShouldRetry(userID, kind, count) {
		return Decision{Kind: kind, Count: count, Retry: kind != model.ErrorUnknown, Err: err}
	}
	return Decision{Kind: kind, Count: count, Err: p.escalate(ctx, userID, kind, count, err)}
}

func (p *Policy) escalate(ctx context.Context, userID uuid.UUID, kind model.ErrorKind, count int, err error) error {
	var esc *EscalationError
	if errors.As(err, &esc) {
		return err
	}
	k := escKey{userID, kind}
	p.mu.Lock()
	first := !p.escalated[k]
	p.escalated[k] = true
	hook := p.onEscalate
	p.mu.Unlock()

	if first {
		metrics.RetryEscalations.WithLabelValues(string(kind)).Inc()
		p.log.Warn("retry threshold exceeded",
			zap.Stringer("user", userID), zap.String("kind", string(kind)), zap.Int("count", count), zap.Error(err))
		if hook != nil {
			hook(ctx, userID, kind, err)
		}
	}
	return &EscalationError{UserID: userID, Kind: kind, Count: count, Err: err}
}

// Reset clears the counter and the escalation mark of (user, kind). It is the manual reset
// an escalated kind requires, and also runs after any success of that kind.
func (p *Policy) Reset(ctx context.Context, userID uuid.UUID, kind model.ErrorKind) error {
	p.mu.Lock()
	delete(p.escalated, escKey{userID, kind})
	p.mu.Unlock()
	return p.tracker.Reset(ctx, userID, kind)
}

// ResetAll clears every kind for the user.
func (p *Policy) ResetAll(ctx context.Context, userID uuid.UUID) error {
	var errList []error
	for _, k := range model.ErrorKinds {
		if err := p.Reset(ctx, userID, k); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

// Delay is the wait before retry number attempt (1-based) after err.
func (p *Policy) Delay(kind model.ErrorKind, attempt int, err error) time.Duration {
	if kind == model.ErrorRateLimit {
		return p.rateLimitWait(err)
	}
	b := p.backoff()
	var d time.Duration
	for i := 0; i < attempt; i++ {
		d, _ = b.Next()
	}
	return d
}

func (p *Policy) rateLimitWait(err error) time.Duration {
	d := RetryAfter(err)
	if d <= 0 {
		d = p.cfg.RateLimitWait
	}
	if d > p.cfg.MaxRateLimitWait {
		d = p.cfg.MaxRateLimitWait
	}
	return d
}

func (p *Policy) backoff() goretry.Backoff {
	b := goretry.NewExponential(p.cfg.BaseDelay)
	if p.cfg.JitterPercent > 0 {
		b = goretry.WithJitterPercent(p.cfg.JitterPercent, b)
	}
	return goretry.WithCappedDuration(p.cfg.MaxDelay, b)
}

// Option customizes a single Do call.
type Option func(*doOptions)

type doOptions struct {
	maxAttempts int
	onRetry     func(attempt int, d Decision)
}

// WithMaxAttempts bounds Do to n attempts regardless of thresholds.
func WithMaxAttempts(n int) Option { return func(o *doOptions) { o.maxAttempts = n } }

// WithOnRetry runs before every retry wait.
func WithOnRetry(fn func(attempt int, d Decision)) Option {
	return func(o *doOptions) { o.onRetry = fn }
}

// Do runs op until it succeeds, the policy refuses another attempt, or ctx ends.
// rate_limit waits the server's retry-after, auth refreshes credentials exactly once,
// network and sync back off exponentially with jitter, unknown errors are returned as is.
// A success resets the counters of every kind seen during the call.
func (p *Policy) Do(ctx context.Context, userID uuid.UUID, op func(ctx context.Context) error, opts ...Option) error {
	var o doOptions
	for _, opt := range opts {
		opt(&o)
	}

	var (
		lastErr   error
		attempt   int
		refreshed bool
		seen      = map[model.ErrorKind]bool{}
	)
	expo := p.backoff()
	b := goretry.BackoffFunc(func() (time.Duration, bool) {
		d, stop := expo.Next()
		if Classify(lastErr) == model.ErrorRateLimit {
			d = p.rateLimitWait(lastErr)
		}
		return d, stop
	})

	err := goretry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			// cancellation is not a failure of the remote
			return err
		}
		d := p.Observe(ctx, userID, err)
		seen[d.Kind] = true
		if !d.Retry {
			return d.Err
		}
		if d.Kind == model.ErrorAuth {
			if refreshed || p.refresher == nil {
				return err
			}
			refreshed = true
			if _, rerr := p.refresher.RefreshToken(ctx, userID); rerr != nil {
				return fmt.Errorf("refresh credentials: %w", errors.Join(err, rerr))
			}
		}
		if o.maxAttempts > 0 && attempt >= o.maxAttempts {
			return err
		}
		if o.onRetry != nil {
			o.onRetry(attempt, d)
		}
		return goretry.RetryableError(err)
	})
	if err != nil {
		return err
	}
	for k := range seen {
		if rerr := p.Reset(ctx, userID, k); rerr != nil {
			p.log.Warn("reset error counter", zap.Stringer("user", userID), zap.Error(rerr))
		}
	}
	return nil
}
