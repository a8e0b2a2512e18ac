// Package cache is a read-through cache with stale-while-revalidate semantics. Each type
// has a TTL and a stale window:
//
//	[fetchedAt, expiresAt)   served as is
//	[expiresAt, staleUntil)  served, one background revalidation is queued
//	[staleUntil, ...)        refetched synchronously
package cache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/and161185/bridge-keeper/internal/metrics"
)

// Entry types used by the sync engine.
const (
	TypeContacts  = "contacts"
	TypeMessages  = "messages"
	TypeSyncState = "sync_state"
)

// Policy is the freshness policy of one entry type.
type Policy struct {
	TTL         time.Duration
	StaleWindow time.Duration
}

// Config configures a Cache.
type Config struct {
	Policies          map[string]Policy
	Default           Policy
	QueueSize         int
	Workers           int
	RevalidateTimeout time.Duration
	SweepInterval     time.Duration
}

// DefaultConfig returns the production policies.
func DefaultConfig() Config {
	return Config{
		Policies: map[string]Policy{
			TypeContacts:  {TTL: 5 * time.Minute, StaleWindow: 10 * time.Minute},
			TypeMessages:  {TTL: time.Minute, StaleWindow: 5 * time.Minute},
			TypeSyncState: {TTL: 5 * time.Second, StaleWindow: 30 * time.Second},
		},
		Default:           Policy{TTL: time.Minute, StaleWindow: time.Minute},
		QueueSize:         256,
		Workers:           4,
		RevalidateTimeout: 10 * time.Second,
		SweepInterval:     time.Minute,
	}
}

// FetchFunc loads the authoritative value of an entry.
type FetchFunc func(ctx context.Context) (any, error)

type entry struct {
	payload      any
	fetchedAt    time.Time
	expiresAt    time.Time
	staleUntil   time.Time
	revalidating bool
}

// mark records one invalidation for fetches that started before it.
type mark struct {
	key    string
	prefix bool
	gen    uint64
}

func (m mark) covers(key string) bool {
	if m.prefix {
		return strings.HasPrefix(key, m.key)
	}
	return key == m.key
}

type job struct {
	typ, key string
	fetch    FetchFunc
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Hits               int64
	Misses             int64
	Stale              int64
	Revalidations      int64
	RevalidateFailures int64
	Dropped            int64
	Entries            int
}

// Cache is safe for concurrent use. Serve must run for stale entries to be revalidated.
type Cache struct {
	cfg Config
	log *zap.Logger
	now func() time.Time

	mu      sync.Mutex
	entries map[string]map[string]*entry
	// gen counts invalidations. marks keeps those newer than the oldest in-flight fetch.
	gen      uint64
	inflight map[uint64]int
	marks    map[string][]mark

	sf    singleflight.Group
	queue chan job

	hits, misses, stale, revalidations, revalFailures, dropped atomic.Int64
}

// New constructs a cache. Zero config fields take defaults.
func New(cfg Config, log *zap.Logger) *Cache {
	def := DefaultConfig()
	if cfg.Policies == nil {
		cfg.Policies = def.Policies
	}
	if cfg.Default.TTL <= 0 {
		cfg.Default = def.Default
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.RevalidateTimeout <= 0 {
		cfg.RevalidateTimeout = def.RevalidateTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{
		cfg:     cfg,
		log:     log,
		now:     time.Now,
		entries:  make(map[string]map[string]*entry),
		inflight: make(map[uint64]int),
		marks:    make(map[string][]mark),
		queue:    make(chan job, cfg.QueueSize),
	}
}

func (c *Cache) policy(typ string) Policy {
	if p, ok := c.cfg.Policies[typ]; ok {
		return p
	}
	return c.cfg.Default
}

// GetOrFetch returns the entry for (typ, key), calling fetch when it is missing or past
// its stale window. Concurrent synchronous fetches of one key share a single call.
func (c *Cache) GetOrFetch(ctx context.Context, typ, key string, fetch FetchFunc) (any, error) {
	now := c.now()
	c.mu.Lock()
	if e := c.entries[typ][key]; e != nil {
		switch {
		case now.Before(e.expiresAt):
			p := e.payload
			c.mu.Unlock()
			c.count(typ, "hit", &c.hits)
			return p, nil
		case now.Before(e.staleUntil):
			p := e.payload
			schedule := !e.revalidating
			e.revalidating = true
			c.mu.Unlock()
			c.count(typ, "stale", &c.stale)
			if schedule {
				c.enqueue(job{typ: typ, key: key, fetch: fetch})
			}
			return p, nil
		}
	}
	c.mu.Unlock()
	c.count(typ, "miss", &c.misses)
	return c.load(ctx, typ, key, fetch)
}

// Fetch is the typed form of GetOrFetch.
func Fetch[T any](ctx context.Context, c *Cache, typ, key string, fetch func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	v, err := c.GetOrFetch(ctx, typ, key, func(ctx context.Context) (any, error) { return fetch(ctx) })
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("cache %s/%s: holds %T, want %T", typ, key, v, zero)
	}
	return t, nil
}

func (c *Cache) load(ctx context.Context, typ, key string, fetch FetchFunc) (any, error) {
	v, err, _ := c.sf.Do(typ+"\x00"+key, func() (any, error) {
		c.mu.Lock()
		start := c.gen
		c.inflight[start]++
		c.mu.Unlock()

		p, err := fetch(ctx)
		c.finish(typ, key, p, err == nil, start)
		if err != nil {
			return nil, err
		}
		return p, nil
	})
	return v, err
}

// finish ends a fetch started at generation start. A fresh entry is written unless the key
// was invalidated while fetching.
func (c *Cache) finish(typ, key string, p any, ok bool, start uint64) {
	now := c.now()
	pol := c.policy(typ)
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.release(start)
	if !ok || c.invalidatedSince(typ, key, start) {
		return
	}
	m := c.entries[typ]
	if m == nil {
		m = make(map[string]*entry)
		c.entries[typ] = m
	}
	exp := now.Add(pol.TTL)
	m[key] = &entry{payload: p, fetchedAt: now, expiresAt: exp, staleUntil: exp.Add(pol.StaleWindow)}
}

func (c *Cache) invalidatedSince(typ, key string, start uint64) bool {
	for _, m := range c.marks[typ] {
		if m.gen > start && m.covers(key) {
			return true
		}
	}
	return false
}

// release drops the fetch from the in-flight set and forgets marks no fetch can see.
func (c *Cache) release(start uint64) {
	if c.inflight[start]--; c.inflight[start] <= 0 {
		delete(c.inflight, start)
	}
	oldest := c.gen
	for g := range c.inflight {
		oldest = min(oldest, g)
	}
	for typ, ms := range c.marks {
		kept := ms[:0]
		for _, m := range ms {
			if m.gen > oldest {
				kept = append(kept, m)
			}
		}
		if len(kept) == 0 {
			delete(c.marks, typ)
		} else {
			c.marks[typ] = kept
		}
	}
}

func (c *Cache) enqueue(j job) {
	select {
	case c.queue <- j:
	default:
		c.mu.Lock()
		if e := c.entries[j.typ][j.key]; e != nil {
			e.revalidating = false
		}
		c.mu.Unlock()
		c.count(j.typ, "dropped", &c.dropped)
		c.log.Warn("revalidation queue full, dropping", zap.String("type", j.typ), zap.String("key", j.key))
	}
}

func (c *Cache) revalidate(ctx context.Context, j job) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RevalidateTimeout)
	defer cancel()

	_, err := c.load(ctx, j.typ, j.key, j.fetch)
	if err == nil {
		c.count(j.typ, "revalidated", &c.revalidations)
		return
	}
	c.count(j.typ, "revalidate_failed", &c.revalFailures)
	pol := c.policy(j.typ)
	c.mu.Lock()
	if e := c.entries[j.typ][j.key]; e != nil {
		e.revalidating = false
		e.staleUntil = e.staleUntil.Add(pol.StaleWindow)
	}
	c.mu.Unlock()
	c.log.Warn("revalidation failed, serving stale",
		zap.String("type", j.typ), zap.String("key", j.key), zap.Error(err))
}

// Invalidate removes the exact key, or every key with the given prefix when keyOrPrefix
// ends in "*". It returns the number of entries removed.
func (c *Cache) Invalidate(typ, keyOrPrefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	prefix, isPrefix := strings.CutSuffix(keyOrPrefix, "*")
	c.gen++
	if len(c.inflight) > 0 {
		c.marks[typ] = append(c.marks[typ], mark{key: prefix, prefix: isPrefix, gen: c.gen})
	}
	m := c.entries[typ]
	if isPrefix {
		n := 0
		for k := range m {
			if strings.HasPrefix(k, prefix) {
				delete(m, k)
				n++
			}
		}
		return n
	}
	if _, ok := m[keyOrPrefix]; ok {
		delete(m, keyOrPrefix)
		return 1
	}
	return 0
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	n := 0
	for _, m := range c.entries {
		n += len(m)
	}
	c.mu.Unlock()
	return Stats{
		Hits:               c.hits.Load(),
		Misses:             c.misses.Load(),
		Stale:              c.stale.Load(),
		Revalidations:      c.revalidations.Load(),
		RevalidateFailures: c.revalFailures.Load(),
		Dropped:            c.dropped.Load(),
		Entries:            n,
	}
}

func (c *Cache) count(typ, event string, n *atomic.Int64) {
	n.Add(1)
	metrics.CacheEvents.WithLabelValues(typ, event).Inc()
}

// Serve runs the revalidation workers and the expiry sweep until ctx ends.
func (c *Cache) Serve(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < c.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case j := <-c.queue:
					c.revalidate(ctx, j)
				}
			}
		}()
	}

	t := time.NewTicker(c.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case <-t.C:
			c.sweep()
		}
	}
}

// sweep drops entries past their stale window.
func (c *Cache) sweep() {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.entries {
		for k, e := range m {
			if !now.Before(e.staleUntil) && !e.revalidating {
				delete(m, k)
			}
		}
	}
}
