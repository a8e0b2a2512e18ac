package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/reflection"

	"github.com/and161185/bridge-keeper/internal/cache"
	"github.com/and161185/bridge-keeper/internal/config"
	creds "github.com/and161185/bridge-keeper/internal/credentials"
	"github.com/and161185/bridge-keeper/internal/crypto"
	"github.com/and161185/bridge-keeper/internal/errtrack"
	"github.com/and161185/bridge-keeper/internal/events"
	"github.com/and161185/bridge-keeper/internal/lock"
	"github.com/and161185/bridge-keeper/internal/migrate"
	"github.com/and161185/bridge-keeper/internal/model"
	"github.com/and161185/bridge-keeper/internal/pool"
	"github.com/and161185/bridge-keeper/internal/protocol"
	"github.com/and161185/bridge-keeper/internal/protocol/botapi"
	"github.com/and161185/bridge-keeper/internal/protocol/matrix"
	"github.com/and161185/bridge-keeper/internal/repository/postgres"
	"github.com/and161185/bridge-keeper/internal/retry"
	grpcserver "github.com/and161185/bridge-keeper/internal/server/grpc"
	"github.com/and161185/bridge-keeper/internal/service"
	"github.com/and161185/bridge-keeper/internal/supervisor"
	"github.com/and161185/bridge-keeper/internal/syncer"
)

// app holds everything main starts and must stop.
type app struct {
	cfg  *config.Config
	log  *zap.Logger
	tree *supervisor.Tree

	db     *postgres.DB
	rdb    *redis.Client
	nc     *nats.Conn
	pool   *pool.Pool
	engine *syncer.Engine
	health *health.Server
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

// build wires the object graph. On error everything opened so far is closed.
func build(ctx context.Context, cfg *config.Config, log *zap.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	if cfg.Database.Migrate {
		if err := migrate.Up(ctx, cfg.Database.DSN, log); err != nil {
			return nil, err
		}
	}
	if a.db, err = postgres.New(ctx, cfg.Database.DSN); err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	contacts := postgres.NewContactRepo(a.db)
	messages := postgres.NewMessageRepo(a.db)
	statuses := postgres.NewSyncStatusRepo(a.db)

	sealer, err := crypto.NewSealer([]byte(cfg.Crypto.SealSecret), []byte(cfg.Crypto.SealSalt))
	if err != nil {
		return nil, err
	}
	store := creds.NewStore(postgres.NewCredentialRepo(a.db), sealer, cfg.Crypto.TokenSkew, log.Named("credentials"))
	store.RegisterRefresher(matrix.Platform, &matrix.Refresher{})

	locker, err := a.lockManager(ctx)
	if err != nil {
		return nil, err
	}

	var tracker errtrack.Tracker
	switch cfg.Retry.Tracker {
	case "postgres":
		tracker = errtrack.NewPG(a.db.Pool, cfg.Retry.ErrorWindow)
	default:
		tracker = errtrack.NewMemory(cfg.Retry.ErrorWindow)
	}
	policy := retry.NewPolicy(retryConfig(cfg.Retry), tracker, store, log.Named("retry"))

	tokens, err := service.NewTokens([]byte(cfg.Auth.JWTKey), cfg.Auth.AccessTTL)
	if err != nil {
		return nil, err
	}

	hub := events.NewHub(events.HubConfig{
		OfflineQueue:  cfg.Events.OfflineQueue,
		ClientBuffer:  cfg.Events.ClientBuffer,
		WriteTimeout:  cfg.Events.WriteTimeout,
		AllowedOrigin: cfg.Events.AllowedOrigins,
	}, wsAuthenticator(tokens), log.Named("hub"))
	sink := events.Multi{hub}
	if cfg.Events.NATSURL != "" {
		if a.nc, err = events.Connect(cfg.Events.NATSURL); err != nil {
			return nil, fmt.Errorf("nats: %w", err)
		}
		sink = append(sink, events.NewNATSSink(a.nc, cfg.Events.NATSPrefix))
	}
	policy.OnEscalate(escalationNotifier(sink, log.Named("retry")))

	c := cache.New(cacheConfig(cfg.Cache), log.Named("cache"))

	a.pool, err = pool.New(poolConfig(cfg.Pool), locker, a.registry(), store, policy, sink, log.Named("pool"))
	if err != nil {
		return nil, err
	}
	a.engine = syncer.New(syncConfig(cfg.Sync), syncer.Deps{
		Clients:  a.pool,
		Locker:   locker,
		Contacts: contacts,
		Messages: messages,
		Statuses: statuses,
		Cache:    c,
		Policy:   policy,
		Sink:     sink,
		Log:      log.Named("syncer"),
	})
	bridge := service.NewBridge(a.pool, a.engine, contacts, messages, c, log.Named("service"))

	var opts []grpc.ServerOption
	if cfg.Server.TLSCert != "" {
		tc, err := credentials.NewServerTLSFromFile(cfg.Server.TLSCert, cfg.Server.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("load TLS cert/key: %w", err)
		}
		opts = append(opts, grpc.Creds(tc))
	}
	gs, hs := grpcserver.NewGRPC(grpcserver.New(bridge, log.Named("grpc")), tokens, log.Named("grpc"), opts...)
	if cfg.Server.Reflection {
		reflection.Register(gs)
	}
	a.health = hs

	ops := &http.Server{
		Addr:              cfg.Server.OpsAddr,
		Handler:           opsRouter(hub, a.db.Pool, a.pool, log.Named("ops")),
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.tree = supervisor.New(log.Named("supervisor"), supervisor.TreeConfig{ShutdownTimeout: cfg.Server.ShutdownTimeout})
	a.tree.AddCore(supervisor.Named("cache", c))
	a.tree.AddCore(supervisor.Named("pool", a.pool))
	a.tree.AddAPI(supervisor.NewGRPCService(gs, cfg.Server.GRPCAddr, cfg.Server.ShutdownTimeout))
	a.tree.AddAPI(supervisor.NewHTTPService("ops-http", ops, cfg.Server.ShutdownTimeout))
	return a, nil
}

func (a *app) lockManager(ctx context.Context) (*lock.Manager, error) {
	lc := a.cfg.Lock
	var backend lock.Backend
	switch lc.Backend {
	case "redis":
		a.rdb = redis.NewClient(&redis.Options{Addr: lc.RedisAddr, Password: lc.RedisPassword, DB: lc.RedisDB})
		if err := a.rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		backend = lock.NewRedisBackend(a.rdb, lc.Prefix)
	case "postgres":
		backend = lock.NewPostgresBackend(a.db.Pool)
	default:
		a.log.Warn("memory lock backend: locks are not shared between processes")
		backend = lock.NewMemoryBackend()
	}
	return lock.NewManager(backend, lock.Options{
		Retries:       lc.Retries,
		BaseDelay:     lc.BaseDelay,
		MaxDelay:      lc.MaxDelay,
		JitterPercent: lock.DefaultOptions().JitterPercent,
	}, a.log.Named("lock")), nil
}

func (a *app) registry() *protocol.Registry {
	r := protocol.NewRegistry()
	if a.cfg.Matrix.Enabled {
		r.Register(matrix.Platform, matrix.NewFactory(matrix.WithPollTimeout(a.cfg.Matrix.PollTimeout)))
	}
	if a.cfg.Bot.Enabled {
		bot := botapi.NewFactory(botapi.WithPollTimeout(a.cfg.Bot.PollTimeout), botapi.WithHistory(a.cfg.Bot.History))
		base := a.cfg.Bot.BaseURL
		r.Register(botapi.Platform, protocol.FactoryFunc(func(c protocol.Config) (protocol.Client, error) {
			if c.HomeserverURL == "" {
				c.HomeserverURL = base
			}
			if c.Logger == nil {
				c.Logger = a.log.Named("botapi")
			}
			return bot.NewClient(c)
		}))
	}
	return r
}

// run serves until ctx is cancelled, then stops everything in dependency order.
func (a *app) run(ctx context.Context) error {
	a.log.Info("serving",
		zap.String("grpc", a.cfg.Server.GRPCAddr),
		zap.String("ops", a.cfg.Server.OpsAddr),
		zap.String("lock_backend", a.cfg.Lock.Backend),
	)
	err := a.tree.Serve(ctx)

	stopCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	a.close(stopCtx)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (a *app) close(ctx context.Context) {
	if a.health != nil {
		a.health.Shutdown()
	}
	if a.engine != nil {
		a.engine.Close()
	}
	if a.pool != nil {
		a.pool.Close(ctx)
	}
	if a.nc != nil {
		_ = a.nc.Drain()
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}

type escalationEvent struct {
	Kind  model.ErrorKind `json:"kind"`
	Error string          `json:"error"`
}

// escalationNotifier tells the user's clients that automatic retries stopped for a kind.
func escalationNotifier(sink events.Sink, log *zap.Logger) retry.EscalateFunc {
	return func(ctx context.Context, userID uuid.UUID, kind model.ErrorKind, err error) {
		ev := escalationEvent{Kind: kind, Error: err.Error()}
		if eerr := sink.Emit(context.WithoutCancel(ctx), userID, events.RetryEscalated, ev); eerr != nil {
			log.Debug("emit escalation", zap.Stringer("user", userID), zap.Error(eerr))
		}
	}
}

func retryConfig(c config.RetryConfig) retry.Config {
	return retry.Config{
		Thresholds: retry.Thresholds{
			model.ErrorNetwork:   c.Network,
			model.ErrorAuth:      c.Auth,
			model.ErrorRateLimit: c.RateLimit,
			model.ErrorSync:      c.Sync,
			model.ErrorUnknown:   c.Unknown,
		},
		BaseDelay:        c.BaseDelay,
		MaxDelay:         c.MaxDelay,
		JitterPercent:    retry.DefaultConfig().JitterPercent,
		RateLimitWait:    c.RateLimitWait,
		MaxRateLimitWait: c.MaxRateLimitWait,
	}
}

func cacheConfig(c config.CacheConfig) cache.Config {
	cc := cache.DefaultConfig()
	cc.Policies = map[string]cache.Policy{
		cache.TypeContacts:  {TTL: c.ContactsTTL, StaleWindow: c.ContactsStale},
		cache.TypeMessages:  {TTL: c.MessagesTTL, StaleWindow: c.MessagesStale},
		cache.TypeSyncState: {TTL: c.SyncStateTTL, StaleWindow: c.SyncStateStale},
	}
	cc.Workers = c.Workers
	cc.QueueSize = c.QueueSize
	cc.RevalidateTimeout = c.RevalidateTimeout
	return cc
}

func poolConfig(c config.PoolConfig) pool.Config {
	return pool.Config{
		MaxActive:            c.MaxActive,
		ConnectTimeout:       c.ConnectTimeout,
		PingTimeout:          c.PingTimeout,
		IdleTimeout:          c.IdleTimeout,
		SweepInterval:        c.SweepInterval,
		HealthInterval:       c.HealthInterval,
		MaxReconnectAttempts: c.MaxReconnectAttempts,
		LockTTL:              c.LockTTL,
		HealthConcurrency:    c.HealthConcurrency,
	}
}

func syncConfig(c config.SyncConfig) syncer.Config {
	sc := syncer.DefaultConfig()
	sc.BatchSize = c.BatchSize
	sc.MaxBatchRetries = c.MaxBatchRetries
	sc.BatchTimeout = c.BatchTimeout
	sc.LockTTL = c.LockTTL
	sc.OfflinePoll = c.OfflinePoll
	sc.OfflineTimeout = c.OfflineTimeout
	sc.RatePerSecond = c.RatePerSecond
	sc.Burst = c.Burst
	sc.BreakerFailures = c.BreakerFailures
	sc.BreakerTimeout = c.BreakerTimeout
	return sc
}
