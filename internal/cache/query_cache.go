package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/recheckstack/recheck/internal/metrics"
	"github.com/recheckstack/recheck/internal/models"
)

// Key identifies a cached result. Windows must already be normalised by the
// caller; lookups match Start and End exactly.
type Key struct {
	Query string
	Start time.Time
	End   time.Time
}

func (k Key) String() string {
	return k.Query + "|" + k.Start.UTC().Format(time.RFC3339Nano) + "|" + k.End.UTC().Format(time.RFC3339Nano)
}

// ComputeFunc produces the result for a key on a miss.
type ComputeFunc func(ctx context.Context) (models.QueryResult, error)

// Config tunes a QueryCache.
type Config struct {
	// TTL is measured from insertion. Default: 10 minutes.
	TTL time.Duration
	// MaxEntries bounds the LRU. Default: 4096.
	MaxEntries int
	// Shared is an optional second tier, consulted on local misses.
	Shared Provider
	// SharedPrefix namespaces keys in the shared tier. Default: "recheck:q:".
	SharedPrefix string
	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// Stats is a point-in-time view of cache counters.
type Stats struct {
	Entries int
	Pending int
	Hits    uint64
	Misses  uint64
	Joins   uint64
	Expired uint64
}

type entry struct {
	result    models.QueryResult
	expiresAt time.Time
}

// flight is one in-progress computation and the callers waiting on it.
type flight struct {
	done    chan struct{}
	result  models.QueryResult
	err     error
	waiters int
	cancel  context.CancelFunc
	// abandoned is set once the last waiter left. The flight stays pending
	// until compute returns so no second computation starts for the key.
	abandoned bool
}

// QueryCache memoises query results with a TTL and guarantees at most one
// computation in flight per key.
type QueryCache struct {
	mu      sync.Mutex
	entries *lru.Cache[string, *entry]
	pending map[string]*flight

	ttl    time.Duration
	now    func() time.Time
	shared Provider
	prefix string
	logger *slog.Logger

	hits    atomic.Uint64
	misses  atomic.Uint64
	joins   atomic.Uint64
	expired atomic.Uint64
}

// New builds a QueryCache.
func New(cfg Config, logger *slog.Logger) (*QueryCache, error) {
	if cfg.TTL < 0 {
		return nil, fmt.Errorf("cache TTL must not be negative, got %v", cfg.TTL)
	}
	if cfg.TTL == 0 {
		cfg.TTL = 10 * time.Minute
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 4096
	}
	if cfg.SharedPrefix == "" {
		cfg.SharedPrefix = "recheck:q:"
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}

	entries, err := lru.New[string, *entry](cfg.MaxEntries)
	if err != nil {
		return nil, fmt.Errorf("create LRU cache: %w", err)
	}
	return &QueryCache{
		entries: entries,
		pending: make(map[string]*flight),
		ttl:     cfg.TTL,
		now:     cfg.Clock,
		shared:  cfg.Shared,
		prefix:  cfg.SharedPrefix,
		logger:  logger,
	}, nil
}

// GetOrCompute returns the cached result for key or joins/starts the single
// computation for it. Failures are never cached and reach every waiter. When
// ctx ends the caller stops waiting; the computation is cancelled once no
// waiters remain, and later callers wait for it to return before starting
// another.
func (c *QueryCache) GetOrCompute(ctx context.Context, key Key, compute ComputeFunc) (models.QueryResult, error) {
	k := key.String()

	var (
		f      *flight
		joined bool
	)
	for {
		c.mu.Lock()
		if e, ok := c.entries.Get(k); ok {
			if c.now().Before(e.expiresAt) {
				c.mu.Unlock()
				c.hits.Add(1)
				metrics.ObserveCacheLookup(metrics.CacheHit)
				return e.result.Clone(), nil
			}
			c.entries.Remove(k)
			c.expired.Add(1)
			metrics.ObserveCacheLookup(metrics.CacheExpire)
		}

		f, joined = c.pending[k]
		if joined && f.abandoned {
			c.mu.Unlock()
			select {
			case <-f.done:
				continue
			case <-ctx.Done():
				return models.QueryResult{}, ctx.Err()
			}
		}
		if joined {
			f.waiters++
		} else {
			// The flight outlives any single caller; its lifetime is tied to the
			// waiter count instead.
			flightCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
			f = &flight{done: make(chan struct{}), waiters: 1, cancel: cancel}
			c.pending[k] = f
			go c.run(flightCtx, k, f, compute)
		}
		c.mu.Unlock()
		break
	}

	if joined {
		c.joins.Add(1)
		metrics.ObserveCacheLookup(metrics.CacheJoined)
	} else {
		c.misses.Add(1)
		metrics.ObserveCacheLookup(metrics.CacheMiss)
	}

	select {
	case <-f.done:
		if f.err != nil {
			return models.QueryResult{}, f.err
		}
		return f.result.Clone(), nil
	case <-ctx.Done():
		c.leave(f)
		return models.QueryResult{}, ctx.Err()
	}
}

func (c *QueryCache) leave(f *flight) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f.waiters--
	if f.waiters > 0 {
		return
	}
	f.abandoned = true
	f.cancel()
}

func (c *QueryCache) run(ctx context.Context, k string, f *flight, compute ComputeFunc) {
	defer f.cancel()
	result, err := c.load(ctx, k, compute)

	c.mu.Lock()
	f.result, f.err = result, err
	if err == nil {
		c.entries.Add(k, &entry{result: result.Clone(), expiresAt: c.now().Add(c.ttl)})
	}
	if c.pending[k] == f {
		delete(c.pending, k)
	}
	c.mu.Unlock()
	close(f.done)
}

func (c *QueryCache) load(ctx context.Context, k string, compute ComputeFunc) (result models.QueryResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("compute %s panicked: %v", k, r)
		}
	}()

	if c.shared != nil {
		if cached, ok := c.loadShared(ctx, k); ok {
			return cached, nil
		}
	}

	result, err = compute(ctx)
	if err != nil {
		return models.QueryResult{}, err
	}

	if c.shared != nil {
		c.storeShared(ctx, k, result)
	}
	return result, nil
}

func (c *QueryCache) loadShared(ctx context.Context, k string) (models.QueryResult, bool) {
	raw, err := c.shared.Get(ctx, c.prefix+k)
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			c.logger.Debug("shared cache read failed", slog.String("key", k), slog.Any("error", err))
		}
		return models.QueryResult{}, false
	}
	var result models.QueryResult
	if err := json.Unmarshal(raw, &result); err != nil {
		c.logger.Debug("shared cache entry undecodable", slog.String("key", k), slog.Any("error", err))
		return models.QueryResult{}, false
	}
	metrics.ObserveCacheLookup(metrics.CacheShared)
	return result, true
}

func (c *QueryCache) storeShared(ctx context.Context, k string, result models.QueryResult) {
	raw, err := json.Marshal(result)
	if err != nil {
		c.logger.Debug("shared cache encode failed", slog.String("key", k), slog.Any("error", err))
		return
	}
	if err := c.shared.Set(ctx, c.prefix+k, raw, c.ttl); err != nil {
		c.logger.Debug("shared cache write failed", slog.String("key", k), slog.Any("error", err))
	}
}

// Sweep drops every expired entry and returns how many were removed.
func (c *QueryCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for _, k := range c.entries.Keys() {
		if e, ok := c.entries.Peek(k); ok && !now.Before(e.expiresAt) {
			c.entries.Remove(k)
			removed++
		}
	}
	c.expired.Add(uint64(removed))
	return removed
}

// Run sweeps expired entries every interval until ctx is cancelled.
func (c *QueryCache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				c.logger.Debug("query cache sweep", slog.Int("expired", n))
			}
		}
	}
}

// Stats returns current counters.
func (c *QueryCache) Stats() Stats {
	c.mu.Lock()
	entries, pending := c.entries.Len(), len(c.pending)
	c.mu.Unlock()
	return Stats{
		Entries: entries,
		Pending: pending,
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Joins:   c.joins.Load(),
		Expired: c.expired.Load(),
	}
}
