// Package supervisor runs the long-lived parts of the server under a suture tree so a
// crashed loop is restarted with backoff instead of taking the process down.
package supervisor

import (
	"context"
	"time"

	"github.com/thejerf/suture/v4"
	"go.uber.org/zap"
)

// TreeConfig tunes restart behavior. Zero fields take defaults.
type TreeConfig struct {
	FailureThreshold float64       // failures before backing off; default 5
	FailureDecay     float64       // seconds for failures to decay; default 30
	FailureBackoff   time.Duration // default 15s
	ShutdownTimeout  time.Duration // per service; default 10s
}

// DefaultTreeConfig returns the production settings.
func DefaultTreeConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// Tree has two layers: core (pool, cache) and api (gRPC, ops HTTP). Core starts first.
type Tree struct {
	root *suture.Supervisor
	core *suture.Supervisor
	api  *suture.Supervisor
	cfg  TreeConfig
}

// New builds the tree. Supervisor events are logged through log.
func New(log *zap.Logger, cfg TreeConfig) *Tree {
	def := DefaultTreeConfig()
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.FailureDecay == 0 {
		cfg.FailureDecay = def.FailureDecay
	}
	if cfg.FailureBackoff == 0 {
		cfg.FailureBackoff = def.FailureBackoff
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}

	spec := suture.Spec{
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	}
	rootSpec := spec
	rootSpec.EventHook = EventHook(log)

	t := &Tree{
		root: suture.New("bridge-keeper", rootSpec),
		core: suture.New("core", spec),
		api:  suture.New("api", spec),
		cfg:  cfg,
	}
	t.root.Add(t.core)
	t.root.Add(t.api)
	return t
}

// AddCore adds a service to the core layer.
func (t *Tree) AddCore(svc suture.Service) suture.ServiceToken { return t.core.Add(svc) }

// AddAPI adds a service to the api layer.
func (t *Tree) AddAPI(svc suture.Service) suture.ServiceToken { return t.api.Add(svc) }

// Serve blocks until ctx is done and every service has stopped.
func (t *Tree) Serve(ctx context.Context) error { return t.root.Serve(ctx) }

// ServeBackground starts the tree and returns its exit channel.
func (t *Tree) ServeBackground(ctx context.Context) <-chan error { return t.root.ServeBackground(ctx) }

// EventHook logs supervisor events with zap.
func EventHook(log *zap.Logger) suture.EventHook {
	return func(e suture.Event) {
		m := e.Map()
		fields := make([]zap.Field, 0, len(m))
		for k, v := range m {
			fields = append(fields, zap.Any(k, v))
		}
		switch e.(type) {
		case suture.EventServicePanic, suture.EventStopTimeout:
			log.Error("supervisor: "+e.String(), fields...)
		case suture.EventServiceTerminate, suture.EventBackoff:
			log.Warn("supervisor: "+e.String(), fields...)
		default:
			log.Info("supervisor: "+e.String(), fields...)
		}
	}
}
