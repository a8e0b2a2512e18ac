// Package syncer runs resumable, batched contact and message synchronization jobs. One job
// per (user, entity type, entity id) runs system-wide, guarded by the entity lock.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/and161185/bridge-keeper/internal/cache"
	"github.com/and161185/bridge-keeper/internal/errs"
	"github.com/and161185/bridge-keeper/internal/events"
	"github.com/and161185/bridge-keeper/internal/lock"
	"github.com/and161185/bridge-keeper/internal/model"
	"github.com/and161185/bridge-keeper/internal/protocol"
	"github.com/and161185/bridge-keeper/internal/repository"
	"github.com/and161185/bridge-keeper/internal/retry"
)

// Config tunes batching, retries and pacing.
type Config struct {
	BatchSize       int
	MaxBatchRetries int
	BatchTimeout    time.Duration
	LockTTL         time.Duration
	OfflinePoll     time.Duration
	OfflineTimeout  time.Duration
	HistorySize     int
	RatePerSecond   float64 // batch fetches per user
	Burst           int
	BreakerFailures uint32 // consecutive failures that open a platform's breaker
	BreakerTimeout  time.Duration
}

// DefaultConfig returns production settings.
func DefaultConfig() Config {
	return Config{
		BatchSize:       50,
		MaxBatchRetries: 3,
		BatchTimeout:    30 * time.Second,
		LockTTL:         2 * time.Minute,
		OfflinePoll:     2 * time.Second,
		OfflineTimeout:  5 * time.Minute,
		HistorySize:     16,
		RatePerSecond:   5,
		Burst:           10,
		BreakerFailures: 5,
		BreakerTimeout:  30 * time.Second,
	}
}

// Clients gives access to users' live protocol clients.
type Clients interface {
	Use(ctx context.Context, userID uuid.UUID, fn func(protocol.Client) error) error
	Status(userID uuid.UUID) model.SessionInfo
}

// Deps groups the collaborators of an Engine.
type Deps struct {
	Clients  Clients
	Locker   lock.Locker
	Contacts repository.ContactRepository
	Messages repository.MessageRepository
	Statuses repository.SyncStatusRepository
	Cache    *cache.Cache
	Policy   *retry.Policy
	Sink     events.Sink // nil means every user counts as online
	Log      *zap.Logger
}

var (
	errCancelled = errors.New("sync cancelled")
	errParked    = errors.New("parked while offline")
)

// Engine owns the jobs running in this process.
type Engine struct {
	cfg Config
	d   Deps
	log *zap.Logger
	now func() time.Time

	bg   context.Context
	stop context.CancelFunc

	mu       sync.Mutex
	jobs     map[model.SyncKey]*job
	limiters map[uuid.UUID]*rate.Limiter
	breakers map[string]*gobreaker.CircuitBreaker[any]
	wg       sync.WaitGroup
}

// New constructs an engine.
func New(cfg Config, d Deps) *Engine {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxBatchRetries <= 0 {
		cfg.MaxBatchRetries = def.MaxBatchRetries
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = def.BatchTimeout
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	if cfg.OfflinePoll <= 0 {
		cfg.OfflinePoll = def.OfflinePoll
	}
	if cfg.OfflineTimeout <= 0 {
		cfg.OfflineTimeout = def.OfflineTimeout
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = def.RatePerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = def.BreakerFailures
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = def.BreakerTimeout
	}
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	bg, stop := context.WithCancel(context.Background())
	return &Engine{
		cfg:      cfg,
		d:        d,
		log:      log,
		now:      time.Now,
		bg:       bg,
		stop:     stop,
		jobs:     make(map[model.SyncKey]*job),
		limiters: make(map[uuid.UUID]*rate.Limiter),
		breakers: make(map[string]*gobreaker.CircuitBreaker[any]),
	}
}

// Key validates and builds a sync key. Messages need a contact id, contacts must not have one.
func Key(userID uuid.UUID, entityType model.EntityType, entityID string) (model.SyncKey, error) {
	if userID == uuid.Nil {
		return model.SyncKey{}, errors.New("validation: empty userID")
	}
	if !entityType.Valid() {
		return model.SyncKey{}, fmt.Errorf("validation: unknown entity type %q", entityType)
	}
	if entityType == model.EntityMessages && entityID == "" {
		return model.SyncKey{}, errors.New("validation: messages sync needs a contact id")
	}
	if entityType == model.EntityContacts && entityID != "" {
		return model.SyncKey{}, errors.New("validation: contacts sync takes no entity id")
	}
	return model.SyncKey{UserID: userID, EntityType: entityType, EntityID: entityID}, nil
}

// RequestSync starts a job for the key, or returns the status of the one already running.
// When another process holds the entity lock its persisted status is returned.
func (e *Engine) RequestSync(ctx context.Context, userID uuid.UUID, entityType model.EntityType, entityID string) (model.SyncView, error) {
	key, err := Key(userID, entityType, entityID)
	if err != nil {
		return model.SyncView{}, err
	}

	e.mu.Lock()
	if j, ok := e.jobs[key]; ok {
		e.mu.Unlock()
		return j.view(), nil
	}
	j := newJob(key, e.cfg.HistorySize, e.now())
	e.jobs[key] = j
	e.wg.Add(1)
	e.mu.Unlock()

	started := make(chan error, 1)
	go e.run(j, started)

	select {
	case err := <-started:
		if err == nil {
			return j.view(), nil
		}
		if errors.Is(err, errs.ErrLockBusy) {
			return e.persistedView(ctx, key)
		}
		return model.SyncView{}, err
	case <-ctx.Done():
		return j.view(), nil
	}
}

// GetSyncStatus reports the live job of this process, or the persisted status.
func (e *Engine) GetSyncStatus(ctx context.Context, userID uuid.UUID, entityType model.EntityType, entityID string) (model.SyncView, error) {
	key, err := Key(userID, entityType, entityID)
	if err != nil {
		return model.SyncView{}, err
	}
	e.mu.Lock()
	j, ok := e.jobs[key]
	e.mu.Unlock()
	if ok {
		return j.view(), nil
	}
	if e.d.Cache == nil {
		return e.loadView(ctx, key)
	}
	return cache.Fetch(ctx, e.d.Cache, cache.TypeSyncState, key.String(), func(ctx context.Context) (model.SyncView, error) {
		return e.loadView(ctx, key)
	})
}

// Cancel asks the running job to stop before its next batch.
func (e *Engine) Cancel(userID uuid.UUID, entityType model.EntityType, entityID string) bool {
	key, err := Key(userID, entityType, entityID)
	if err != nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	j, ok := e.jobs[key]
	if ok {
		j.cancelled.Store(true)
	}
	return ok
}

// Wait blocks until the key's job in this process ends and returns its final view.
func (e *Engine) Wait(ctx context.Context, userID uuid.UUID, entityType model.EntityType, entityID string) (model.SyncView, error) {
	key, err := Key(userID, entityType, entityID)
	if err != nil {
		return model.SyncView{}, err
	}
	e.mu.Lock()
	j, ok := e.jobs[key]
	e.mu.Unlock()
	if !ok {
		return e.GetSyncStatus(ctx, userID, entityType, entityID)
	}
	select {
	case <-j.done:
		return j.view(), nil
	case <-ctx.Done():
		return j.view(), ctx.Err()
	}
}

// Active lists the views of every running job.
func (e *Engine) Active() []model.SyncView {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]model.SyncView, 0, len(e.jobs))
	for _, j := range e.jobs {
		out = append(out, j.view())
	}
	return out
}

// Close interrupts running jobs between batches and waits for them.
func (e *Engine) Close() {
	e.stop()
	e.wg.Wait()
}

func (e *Engine) loadView(ctx context.Context, key model.SyncKey) (model.SyncView, error) {
	rec, err := e.d.Statuses.Get(ctx, key)
	if err != nil {
		return model.SyncView{}, err
	}
	return rec.View(), nil
}

// persistedView is what a caller sees while another process runs the job.
func (e *Engine) persistedView(ctx context.Context, key model.SyncKey) (model.SyncView, error) {
	v, err := e.loadView(ctx, key)
	if errors.Is(err, errs.ErrNotFound) {
		return model.SyncView{Key: key, State: model.JobPreparing, Status: model.SyncPending}, nil
	}
	return v, err
}

func (e *Engine) limiter(userID uuid.UUID) *rate.Limiter {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.limiters[userID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(e.cfg.RatePerSecond), e.cfg.Burst)
		e.limiters[userID] = l
	}
	return l
}

func (e *Engine) breaker(platform string) *gobreaker.CircuitBreaker[any] {
	if platform == "" {
		platform = "default"
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	cb, ok := e.breakers[platform]
	if !ok {
		failures := e.cfg.BreakerFailures
		cb = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
			Name:        "sync-" + platform,
			MaxRequests: 1,
			Timeout:     e.cfg.BreakerTimeout,
			ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= failures },
			OnStateChange: func(name string, from, to gobreaker.State) {
				e.log.Warn("sync breaker state", zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
			},
		})
		e.breakers[platform] = cb
	}
	return cb
}
