package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/bridge-keeper/internal/errs"
	"github.com/and161185/bridge-keeper/internal/errtrack"
	"github.com/and161185/bridge-keeper/internal/events"
	"github.com/and161185/bridge-keeper/internal/lock"
	"github.com/and161185/bridge-keeper/internal/model"
	"github.com/and161185/bridge-keeper/internal/protocol"
	"github.com/and161185/bridge-keeper/internal/protocol/protocoltest"
	"github.com/and161185/bridge-keeper/internal/retry"
)

/************ fakes ************/

type fakeCreds struct {
	mu         sync.Mutex
	store      map[uuid.UUID]model.Credentials
	refreshErr error
	refreshes  int
	loadGate   chan struct{} // when set, Load waits for it
}

func newFakeCreds() *fakeCreds { return &fakeCreds{store: map[uuid.UUID]model.Credentials{}} }

func (f *fakeCreds) Load(ctx context.Context, userID uuid.UUID) (model.Credentials, error) {
	f.mu.Lock()
	gate := f.loadGate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return model.Credentials{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.store[userID]
	if !ok {
		return model.Credentials{}, errs.ErrNotFound
	}
	return c, nil
}

func (f *fakeCreds) Save(_ context.Context, c model.Credentials) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.store[c.UserID] = c
	return nil
}

func (f *fakeCreds) GetValidToken(ctx context.Context, userID uuid.UUID) (string, error) {
	c, err := f.Load(ctx, userID)
	return c.AccessToken, err
}

func (f *fakeCreds) RefreshToken(_ context.Context, userID uuid.UUID) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	if f.refreshErr != nil {
		return "", f.refreshErr
	}
	c := f.store[userID]
	c.AccessToken += "+"
	f.store[userID] = c
	return c.AccessToken, nil
}

func (f *fakeCreds) Refreshes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshes
}

type recordingSink struct {
	mu     sync.Mutex
	counts map[string]int
}

func (r *recordingSink) Emit(_ context.Context, _ uuid.UUID, name string, _ any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counts == nil {
		r.counts = map[string]int{}
	}
	r.counts[name]++
	return nil
}

func (r *recordingSink) Online(uuid.UUID) bool { return true }

func (r *recordingSink) Count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[name]
}

type env struct {
	pool    *Pool
	factory *protocoltest.Factory
	creds   *fakeCreds
	sink    *recordingSink
}

func testConfig() Config {
	return Config{
		MaxActive:            10,
		ConnectTimeout:       time.Second,
		PingTimeout:          200 * time.Millisecond,
		IdleTimeout:          time.Minute,
		MaxReconnectAttempts: 3,
		LockTTL:              2 * time.Second,
	}
}

func newEnv(t *testing.T, cfg Config, factory *protocoltest.Factory) *env {
	t.Helper()
	log := zaptest.NewLogger(t)
	creds := newFakeCreds()
	sink := &recordingSink{}
	locker := lock.NewManager(lock.NewMemoryBackend(), lock.Options{Retries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}, log)
	policy := retry.NewPolicy(retry.Config{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}, errtrack.NewMemory(time.Hour), creds, log)
	reg := protocol.NewRegistry()
	reg.Register("matrix", factory)
	reg.Register("bot", factory)

	p, err := New(cfg, locker, reg, creds, policy, sink, log)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close(context.Background()) })
	return &env{pool: p, factory: factory, creds: creds, sink: sink}
}

func (e *env) user(t *testing.T) uuid.UUID {
	t.Helper()
	id := uuid.Must(uuid.NewV4())
	require.NoError(t, e.creds.Save(context.Background(), model.Credentials{UserID: id, Platform: "matrix", AccessToken: "tok"}))
	return id
}

var authErr = &protocol.RemoteError{Code: protocol.CodeUnknownToken, Message: "token revoked", StatusCode: 401}

/************ tests ************/

func TestNew_RejectsLockTTLBelowConnectTimeout(t *testing.T) {
	_, err := New(Config{ConnectTimeout: time.Minute, LockTTL: time.Second}, nil, nil, nil, nil, nil, nil)
	require.Error(t, err)
}

func TestAcquire_ConcurrentCallersShareOneClient(t *testing.T) {
	f := &protocoltest.Factory{New: func(protocol.Config) *protocoltest.Client {
		c := protocoltest.NewClient()
		c.SyncDelay = 30 * time.Millisecond
		return c
	}}
	e := newEnv(t, testConfig(), f)
	user := e.user(t)

	const n = 20
	got := make([]protocol.Client, n)
	errList := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got[i], errList[i] = e.pool.Acquire(context.Background(), user)
		}()
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errList[i])
		require.Same(t, got[0], got[i])
	}
	require.Len(t, f.Builds(), 1)
	info := e.pool.Status(user)
	require.Equal(t, model.SessionConnected, info.State)
	require.Equal(t, "matrix", info.Platform)
}

func TestAcquire_PoolExhausted(t *testing.T) {
	cfg := testConfig()
	cfg.MaxActive = 1
	e := newEnv(t, cfg, &protocoltest.Factory{})
	a, b := e.user(t), e.user(t)
	ctx := context.Background()

	_, err := e.pool.Acquire(ctx, a)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := e.pool.Acquire(ctx, b)
		done <- err
	}()
	select {
	case err := <-done:
		require.ErrorIs(t, err, errs.ErrPoolExhausted)
	case <-time.After(2 * time.Second):
		t.Fatal("acquire blocked on a full pool")
	}

	// idle sessions do not count
	e.pool.Release(a)
	require.True(t, e.pool.Status(a).Idle)
	_, err = e.pool.Acquire(ctx, b)
	require.NoError(t, err)

	// promoting a back would exceed the bound
	_, err = e.pool.Acquire(ctx, a)
	require.ErrorIs(t, err, errs.ErrPoolExhausted)
}

func TestAcquire_PromotesIdleSession(t *testing.T) {
	e := newEnv(t, testConfig(), &protocoltest.Factory{})
	user := e.user(t)
	ctx := context.Background()

	first, err := e.pool.Acquire(ctx, user)
	require.NoError(t, err)
	e.pool.Release(user)

	again, err := e.pool.Acquire(ctx, user)
	require.NoError(t, err)
	require.Same(t, first, again)
	require.False(t, e.pool.Status(user).Idle)
	require.Len(t, e.factory.Builds(), 1)
}

func TestAcquire_ConnectTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.ConnectTimeout = 50 * time.Millisecond
	cfg.LockTTL = time.Second
	f := &protocoltest.Factory{New: func(protocol.Config) *protocoltest.Client {
		c := protocoltest.NewClient()
		c.SyncDelay = -1
		return c
	}}
	e := newEnv(t, cfg, f)
	user := e.user(t)

	_, err := e.pool.Acquire(context.Background(), user)
	require.ErrorIs(t, err, errs.ErrConnectTimeout)
	require.True(t, f.Last().Stopped())
	require.Equal(t, model.SessionDisconnected, e.pool.Status(user).State)
}

func TestAcquire_SlowCredentialsCountTowardConnectTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.ConnectTimeout = 50 * time.Millisecond
	cfg.LockTTL = time.Second
	e := newEnv(t, cfg, &protocoltest.Factory{})
	user := e.user(t)
	gate := make(chan struct{})
	e.creds.mu.Lock()
	e.creds.loadGate = gate
	e.creds.mu.Unlock()

	start := time.Now()
	_, err := e.pool.Acquire(context.Background(), user)
	require.ErrorIs(t, err, errs.ErrConnectTimeout)
	require.Less(t, time.Since(start), cfg.LockTTL, "connect bounded below the lock ttl")
	require.Empty(t, e.factory.Builds())

	// the session lock was released with the failed connect
	close(gate)
	_, err = e.pool.Acquire(context.Background(), user)
	require.NoError(t, err)
}

func TestAcquire_CallerLeavingDoesNotAbortSharedConnect(t *testing.T) {
	f := &protocoltest.Factory{New: func(protocol.Config) *protocoltest.Client {
		c := protocoltest.NewClient()
		c.SyncDelay = 80 * time.Millisecond
		return c
	}}
	e := newEnv(t, testConfig(), f)
	user := e.user(t)

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := e.pool.Acquire(ctx, user)
		first <- err
	}()
	time.Sleep(20 * time.Millisecond)

	second := make(chan error, 1)
	go func() {
		_, err := e.pool.Acquire(context.Background(), user)
		second <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	require.ErrorIs(t, <-first, context.Canceled)
	require.NoError(t, <-second)
	require.Len(t, f.Builds(), 1)
	require.Equal(t, model.SessionConnected, e.pool.Status(user).State)
}

func TestAcquire_AuthFailureFailsSession(t *testing.T) {
	f := &protocoltest.Factory{New: func(protocol.Config) *protocoltest.Client {
		c := protocoltest.NewClient()
		c.StartErr = authErr
		return c
	}}
	e := newEnv(t, testConfig(), f)
	user := e.user(t)

	_, err := e.pool.Acquire(context.Background(), user)
	require.ErrorIs(t, err, errs.ErrAuthInvalid)
	require.Equal(t, model.SessionError, e.pool.Status(user).State)

	_, err = e.pool.Acquire(context.Background(), user)
	require.ErrorIs(t, err, errs.ErrSessionFailed)
	require.Len(t, f.Builds(), 1, "ERROR is not retried automatically")
	require.Eventually(t, func() bool { return e.sink.Count(events.SessionError) == 1 }, time.Second, 10*time.Millisecond)
}

func TestAcquire_MissingCredentials(t *testing.T) {
	e := newEnv(t, testConfig(), &protocoltest.Factory{})
	_, err := e.pool.Acquire(context.Background(), uuid.Must(uuid.NewV4()))
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestHealthCheck_Healthy(t *testing.T) {
	e := newEnv(t, testConfig(), &protocoltest.Factory{})
	user := e.user(t)
	_, err := e.pool.Acquire(context.Background(), user)
	require.NoError(t, err)

	require.Equal(t, model.HealthHealthy, e.pool.HealthCheck(context.Background(), user))
	require.Equal(t, 1, e.factory.Last().Pings())
	require.Equal(t, model.HealthUnhealthy, e.pool.HealthCheck(context.Background(), uuid.Must(uuid.NewV4())))
}

func TestHealthCheck_RecoversOnFirstRetry(t *testing.T) {
	e := newEnv(t, testConfig(), &protocoltest.Factory{})
	user := e.user(t)
	ctx := context.Background()
	_, err := e.pool.Acquire(ctx, user)
	require.NoError(t, err)

	e.factory.Last().FailPings(&protocol.RemoteError{StatusCode: 502, Message: "bad gateway"})
	require.Equal(t, model.HealthUnhealthy, e.pool.HealthCheck(ctx, user))

	info := e.pool.Status(user)
	require.Equal(t, model.SessionConnected, info.State)
	require.Equal(t, 0, info.ReconnectAttempts)
	require.Equal(t, model.HealthHealthy, info.Health)
	builds := e.factory.Builds()
	require.Len(t, builds, 2)
	require.True(t, builds[0].Stopped())

	c, err := e.pool.Acquire(ctx, user)
	require.NoError(t, err)
	require.Same(t, builds[1], c)
}

func TestHealthCheck_AuthEscalatesOnce(t *testing.T) {
	f := &protocoltest.Factory{New: func(protocol.Config) *protocoltest.Client {
		c := protocoltest.NewClient()
		c.FailPings(authErr, authErr, authErr, authErr)
		return c
	}}
	e := newEnv(t, testConfig(), f)
	user := e.user(t)
	ctx := context.Background()
	_, err := e.pool.Acquire(ctx, user)
	require.NoError(t, err)

	// the first two rejections are answered by one refresh each and a reconnect
	for i := 0; i < 2; i++ {
		e.pool.HealthCheck(ctx, user)
		require.Equal(t, model.SessionConnected, e.pool.Status(user).State)
	}
	require.Equal(t, 2, e.creds.Refreshes())

	e.pool.HealthCheck(ctx, user)
	require.Equal(t, model.SessionError, e.pool.Status(user).State)
	require.Eventually(t, func() bool { return e.sink.Count(events.SessionError) == 1 }, time.Second, 10*time.Millisecond)

	last := f.Last()
	pings := last.Pings()
	require.Equal(t, model.HealthUnhealthy, e.pool.HealthCheck(ctx, user))
	require.Equal(t, pings, last.Pings(), "no automatic retry after escalation")
	require.Len(t, f.Builds(), 3)
	require.Equal(t, 2, e.creds.Refreshes())

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, e.sink.Count(events.SessionError))
}

func TestHealthCheck_AuthRefreshFailureInvalidatesImmediately(t *testing.T) {
	e := newEnv(t, testConfig(), &protocoltest.Factory{})
	e.creds.refreshErr = errs.ErrAuthInvalid
	user := e.user(t)
	ctx := context.Background()
	_, err := e.pool.Acquire(ctx, user)
	require.NoError(t, err)

	e.factory.Last().FailPings(authErr)
	e.pool.HealthCheck(ctx, user)

	info := e.pool.Status(user)
	require.Equal(t, model.SessionError, info.State)
	require.Contains(t, info.LastError, "refresh")
	require.Len(t, e.factory.Builds(), 1)
}

func TestAttemptRecovery_GivesUpAfterMaxAttempts(t *testing.T) {
	var mu sync.Mutex
	built := 0
	f := &protocoltest.Factory{New: func(protocol.Config) *protocoltest.Client {
		mu.Lock()
		defer mu.Unlock()
		built++
		c := protocoltest.NewClient()
		if built > 1 {
			c.StartErr = &protocol.RemoteError{StatusCode: 503, Message: "unavailable"}
		}
		return c
	}}
	e := newEnv(t, testConfig(), f)
	user := e.user(t)
	ctx := context.Background()
	_, err := e.pool.Acquire(ctx, user)
	require.NoError(t, err)

	err = e.pool.AttemptRecovery(ctx, user)
	require.ErrorIs(t, err, errs.ErrNetworkTransient)
	info := e.pool.Status(user)
	require.Equal(t, model.SessionError, info.State)
	require.Equal(t, 3, info.ReconnectAttempts)
	require.Len(t, f.Builds(), 4)
	require.Eventually(t, func() bool { return e.sink.Count(events.SessionError) == 1 }, time.Second, 10*time.Millisecond)

	err = e.pool.AttemptRecovery(ctx, user)
	require.ErrorIs(t, err, errs.ErrSessionFailed)
	require.Len(t, f.Builds(), 4)
}

func TestReset_LeavesError(t *testing.T) {
	f := &protocoltest.Factory{New: func(protocol.Config) *protocoltest.Client {
		c := protocoltest.NewClient()
		c.StartErr = authErr
		return c
	}}
	e := newEnv(t, testConfig(), f)
	user := e.user(t)
	ctx := context.Background()
	_, err := e.pool.Acquire(ctx, user)
	require.Error(t, err)
	require.Equal(t, model.SessionError, e.pool.Status(user).State)

	require.NoError(t, e.pool.Reset(ctx, user))
	require.Equal(t, model.SessionDisconnected, e.pool.Status(user).State)

	f.New = nil
	_, err = e.pool.Acquire(ctx, user)
	require.NoError(t, err)
	require.Equal(t, model.SessionConnected, e.pool.Status(user).State)
}

func TestConnect_PlatformMismatchAndDisconnect(t *testing.T) {
	e := newEnv(t, testConfig(), &protocoltest.Factory{})
	user := uuid.Must(uuid.NewV4())
	ctx := context.Background()

	info, err := e.pool.Connect(ctx, user, "matrix", model.Credentials{AccessToken: "tok"})
	require.NoError(t, err)
	require.Equal(t, model.SessionConnected, info.State)
	require.Equal(t, "tok", e.factory.Last().Cfg.AccessToken)

	_, err = e.pool.Connect(ctx, user, "bot", model.Credentials{AccessToken: "tok"})
	require.ErrorIs(t, err, errs.ErrPlatformMismatch)

	_, err = e.pool.Connect(ctx, user, "irc", model.Credentials{})
	require.Error(t, err)

	require.NoError(t, e.pool.Disconnect(ctx, user))
	require.True(t, e.factory.Last().Stopped())
	require.Equal(t, model.SessionDisconnected, e.pool.Status(user).State)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestSweep_EvictsIdleSessions(t *testing.T) {
	e := newEnv(t, testConfig(), &protocoltest.Factory{})
	clk := &clock{t: time.Unix(10_000, 0)}
	e.pool.now = clk.Now
	busy, idle := e.user(t), e.user(t)
	ctx := context.Background()

	_, err := e.pool.Acquire(ctx, busy)
	require.NoError(t, err)
	_, err = e.pool.Acquire(ctx, idle)
	require.NoError(t, err)
	idleClient := e.factory.Last()
	e.pool.Release(idle)

	clk.Advance(2 * time.Minute)
	e.pool.sweepIdle(ctx)

	require.Equal(t, model.SessionDisconnected, e.pool.Status(idle).State)
	require.True(t, idleClient.Stopped())
	require.Equal(t, model.SessionConnected, e.pool.Status(busy).State)
	require.Len(t, e.pool.Sessions(), 1)
}

func TestDispatcher_ForwardsEventsAndRecoversOnDisconnect(t *testing.T) {
	e := newEnv(t, testConfig(), &protocoltest.Factory{})
	user := e.user(t)
	_, err := e.pool.Acquire(context.Background(), user)
	require.NoError(t, err)
	c := e.factory.Last()

	c.Emit(protocol.Event{Type: protocol.EventMessage, Message: &model.Message{RemoteID: "$1", Body: "hi"}})
	c.Emit(protocol.Event{Type: protocol.EventContact, Contact: &model.Contact{RemoteID: "c1"}})
	require.Eventually(t, func() bool {
		return e.sink.Count(events.MessageNew) == 1 && e.sink.Count(events.ContactNew) == 1
	}, time.Second, 10*time.Millisecond)

	c.Emit(protocol.Event{Type: protocol.EventDisconnected, Err: errors.New("connection reset")})
	require.Eventually(t, func() bool {
		return len(e.factory.Builds()) == 2 && e.pool.Status(user).State == model.SessionConnected
	}, 2*time.Second, 10*time.Millisecond)
	require.True(t, c.Stopped())
}

func TestUse_TouchesActivity(t *testing.T) {
	e := newEnv(t, testConfig(), &protocoltest.Factory{})
	clk := &clock{t: time.Unix(10_000, 0)}
	e.pool.now = clk.Now
	user := e.user(t)

	require.NoError(t, e.pool.Use(context.Background(), user, func(protocol.Client) error { return nil }))
	clk.Advance(time.Minute)
	boom := errors.New("boom")
	err := e.pool.Use(context.Background(), user, func(c protocol.Client) error {
		require.True(t, c.IsSynced())
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, clk.Now(), e.pool.Status(user).LastActivityAt)
}
