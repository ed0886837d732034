// ============================================================================
// Toolshelf Cache - Fetch-or-Compute Memoization
// ============================================================================
//
// Package: internal/cache
// File: cache.go
// Function: Keyed memoization with TTL, stale-while-revalidate, request
//           coalescing and optional durable backing
//
// Entry lifecycle:
//   written ──▶ fresh ──(StaleTime)──▶ stale ──(TTL)──▶ expired
//
//   - fresh:   returned as-is
//   - stale:   returned as-is; with StaleWhileRevalidate a background refresh
//              is started that overwrites the entry when it resolves
//   - expired: never returned; the next fetch recomputes
//
// In-flight registry:
//   Misses and background refreshes for the same key share one
//   singleflight.Group slot, so at most one computation per key is outstanding.
//   singleflight releases the slot whether the computation succeeds or fails.
//
// Invalidation:
//   Invalidating a key bumps the generation of its in-flight record. A
//   computation that started under an older generation still returns its
//   value to its callers but does not store it. Other keys are unaffected.
//
// Cancellation:
//   The shared computation is detached from every caller's cancellation and
//   stops only on Close. A caller whose context ends stops waiting and gets
//   ctx.Err(); the others still receive the resolved value.
//
// ============================================================================

package cache

import (
	"container/list"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ChuLiYu/toolshelf/internal/cachestore"
)

// ErrClosed is returned by FetchWithCache after Close.
var ErrClosed = errors.New("cache: closed")

// Defaults used when Config leaves a field unset.
const (
	DefaultTTL             = 5 * time.Minute
	DefaultCleanupInterval = time.Minute
)

// ComputeFunc produces the value for a key on a miss or refresh.
type ComputeFunc[T any] func(ctx context.Context) (T, error)

// Options control how a single value is stored.
type Options struct {
	TTL                  time.Duration // hard expiry; <= 0 uses Config.DefaultTTL
	StaleTime            time.Duration // age after which the value is stale; ignored unless 0 < StaleTime < TTL
	StaleWhileRevalidate bool          // refresh stale values in the background
	Persistent           bool          // mirror the entry into the durable store
}

// Config configures a Manager.
type Config struct {
	Name            string        // metrics label
	DefaultTTL      time.Duration // TTL when Options.TTL is unset
	MaxEntries      int           // <= 0 means unbounded
	CleanupInterval time.Duration // < 0 disables the sweeper; 0 uses DefaultCleanupInterval
}

// Recorder receives cache metrics. metrics.Collector implements it.
type Recorder interface {
	RecordCacheHit(cache string)
	RecordCacheStaleHit(cache string)
	RecordCacheMiss(cache string)
	RecordCacheComputeError(cache string)
	RecordCacheEviction(cache string, n int)
	SetCacheEntries(cache string, n int)
}

type nopRecorder struct{}

func (nopRecorder) RecordCacheHit(string) {}
func (nopRecorder) RecordCacheStaleHit(string) {}
func (nopRecorder) RecordCacheMiss(string) {}
func (nopRecorder) RecordCacheComputeError(string) {}
func (nopRecorder) RecordCacheEviction(string, int) {}
func (nopRecorder) SetCacheEntries(string, int) {}

// Stats is a read-only view of the cache.
type Stats struct {
	Total      int   `json:"total"`
	Expired    int   `json:"expired"`
	Stale      int   `json:"stale"`
	Persistent int   `json:"persistent"`
	Hits       int64 `json:"hits"`
	Misses     int64 `json:"misses"`
	StaleHits  int64 `json:"staleHits"`
	Refreshing int   `json:"refreshing"`
}

type entry[T any] struct {
	key        string
	value      T
	writtenAt  time.Time
	expiresAt  time.Time
	staleAt    time.Time // zero means never stale
	persistent bool
}

// flight tracks the computations running for one key. gen is bumped when the
// key is invalidated.
type flight struct {
	n   int
	gen uint64
}

func (e *entry[T]) expired(now time.Time) bool {
	return !now.Before(e.expiresAt)
}

func (e *entry[T]) stale(now time.Time) bool {
	return !e.staleAt.IsZero() && !now.Before(e.staleAt)
}

// Manager is a concurrency-safe fetch-or-compute cache for values of type T.
//
// Manager owns its sweeper and refresh goroutines. Call Close to stop them.
type Manager[T any] struct {
	name   string
	config Config

	mu         sync.Mutex
	items      map[string]*list.Element
	order      *list.List // Front = oldest write, Back = newest write
	inflight   map[string]*flight // keys with a computation in the group
	refreshing map[string]struct{}
	closed     bool

	group singleflight.Group

	hits      atomic.Int64
	misses    atomic.Int64
	staleHits atomic.Int64

	store    cachestore.Store
	logger   *zap.Logger
	recorder Recorder
	now      func() time.Time

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Option adjusts a Manager.
type Option func(*managerOptions)

type managerOptions struct {
	store    cachestore.Store
	logger   *zap.Logger
	recorder Recorder
	now      func() time.Time
}

// WithStore sets the durable backing for persistent entries.
func WithStore(store cachestore.Store) Option {
	return func(o *managerOptions) { o.store = store }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *managerOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithRecorder sets the metrics sink.
func WithRecorder(recorder Recorder) Option {
	return func(o *managerOptions) {
		if recorder != nil {
			o.recorder = recorder
		}
	}
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(o *managerOptions) {
		if now != nil {
			o.now = now
		}
	}
}

// New constructs a Manager and starts the sweeper unless disabled.
func New[T any](cfg Config, opts ...Option) *Manager[T] {
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultTTL
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}

	o := managerOptions{
		logger:   zap.NewNop(),
		recorder: nopRecorder{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager[T]{
		name:       cfg.Name,
		config:     cfg,
		items:      make(map[string]*list.Element),
		order:      list.New(),
		inflight:   make(map[string]*flight),
		refreshing: make(map[string]struct{}),
		store:      o.store,
		logger:     o.logger.Named("cache").With(zap.String("cache", cfg.Name)),
		recorder:   o.recorder,
		now:        o.now,
		ctx:        ctx,
		cancel:     cancel,
	}

	if cfg.CleanupInterval > 0 {
		m.wg.Add(1)
		go m.sweepLoop()
	}
	return m
}

// Name returns the metrics label of the cache.
func (m *Manager[T]) Name() string {
	return m.name
}

// ============================================================================
// Reads
// ============================================================================

// Get returns the in-memory value for key if it has not hit its hard expiry.
// Stale values are returned; Get never triggers a refresh.
func (m *Manager[T]) Get(key string) (T, bool) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.lookupLocked(key, now); ok {
		m.hits.Add(1)
		m.recorder.RecordCacheHit(m.name)
		return e.value, true
	}
	var zero T
	return zero, false
}

// FetchWithCache returns the cached value for key or computes it.
//
// Errors from compute are returned untouched and never cached. Concurrent
// misses for the same key share one computation.
func (m *Manager[T]) FetchWithCache(ctx context.Context, key string, compute ComputeFunc[T], opts Options) (T, error) {
	opts = m.normalize(opts)
	now := m.now()

	if value, ok := m.serve(key, now, compute, opts); ok {
		return value, nil
	}
	if opts.Persistent && m.hydrate(ctx, key, now) {
		if value, ok := m.serve(key, now, compute, opts); ok {
			return value, nil
		}
	}

	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		var zero T
		return zero, ErrClosed
	}

	m.misses.Add(1)
	m.recorder.RecordCacheMiss(m.name)
	return m.compute(ctx, key, compute, opts)
}

// serve answers from memory and starts a background refresh for stale values.
func (m *Manager[T]) serve(key string, now time.Time, compute ComputeFunc[T], opts Options) (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.lookupLocked(key, now)
	if !ok {
		var zero T
		return zero, false
	}

	if opts.StaleWhileRevalidate && e.stale(now) {
		m.staleHits.Add(1)
		m.recorder.RecordCacheStaleHit(m.name)
		m.refreshLocked(key, compute, opts)
	} else {
		m.hits.Add(1)
		m.recorder.RecordCacheHit(m.name)
	}
	return e.value, true
}

// lookupLocked returns the entry for key unless it is missing or expired.
// Expired entries are left for the sweeper.
func (m *Manager[T]) lookupLocked(key string, now time.Time) (*entry[T], bool) {
	elem, ok := m.items[key]
	if !ok {
		return nil, false
	}
	e := elem.Value.(*entry[T])
	if e.expired(now) {
		return nil, false
	}
	return e, true
}

// ============================================================================
// Computation
// ============================================================================

// compute joins or starts the in-flight computation for key and waits for it
// or for ctx, whichever ends first.
func (m *Manager[T]) compute(ctx context.Context, key string, fn ComputeFunc[T], opts Options) (T, error) {
	ch := m.group.DoChan(key, func() (interface{}, error) {
		return m.run(ctx, key, fn, opts)
	})

	var zero T
	select {
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		value, _ := res.Val.(T)
		return value, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// run executes fn on behalf of every caller of the group slot and stores a
// successful result unless key was invalidated meanwhile.
func (m *Manager[T]) run(ctx context.Context, key string, fn ComputeFunc[T], opts Options) (interface{}, error) {
	m.mu.Lock()
	f, ok := m.inflight[key]
	if !ok {
		f = &flight{}
		m.inflight[key] = f
	}
	f.n++
	gen := f.gen
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		if f.n--; f.n <= 0 {
			delete(m.inflight, key)
		}
		m.mu.Unlock()
	}()

	// Keep request values but not the first caller's deadline
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	stop := context.AfterFunc(m.ctx, cancel)
	defer stop()

	value, err := fn(runCtx)
	if err != nil {
		m.recorder.RecordCacheComputeError(m.name)
		return nil, err
	}
	m.put(runCtx, key, value, opts, f, gen)
	return value, nil
}

// refreshLocked starts one background recompute per key.
func (m *Manager[T]) refreshLocked(key string, fn ComputeFunc[T], opts Options) {
	if m.closed {
		return
	}
	if _, busy := m.refreshing[key]; busy {
		return
	}
	m.refreshing[key] = struct{}{}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.refreshing, key)
			m.mu.Unlock()
		}()

		if _, err := m.compute(m.ctx, key, fn, opts); err != nil {
			m.logger.Warn("background refresh failed", zap.String("key", key), zap.Error(err))
		}
	}()
}

// Prefetch warms key in the background. Failures are logged, never returned.
// A key that already holds a usable value is left alone.
func (m *Manager[T]) Prefetch(key string, fn ComputeFunc[T], opts Options) {
	opts = m.normalize(opts)
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	if _, ok := m.lookupLocked(key, now); ok {
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if _, err := m.compute(m.ctx, key, fn, opts); err != nil {
			m.logger.Warn("prefetch failed", zap.String("key", key), zap.Error(err))
		}
	}()
}

// ============================================================================
// Writes
// ============================================================================

// Set stores value under key, overwriting any existing entry.
func (m *Manager[T]) Set(ctx context.Context, key string, value T, opts Options) {
	m.put(ctx, key, value, m.normalize(opts), nil, 0)
}

// put stores value. A computed value (f set) is dropped when key was
// invalidated after generation gen or the cache was closed.
func (m *Manager[T]) put(ctx context.Context, key string, value T, opts Options, f *flight, gen uint64) {
	now := m.now()

	m.mu.Lock()
	if f != nil && (f.gen != gen || m.closed) {
		m.mu.Unlock()
		m.logger.Debug("dropping result computed before invalidation", zap.String("key", key))
		return
	}
	e := m.newEntry(key, value, opts, now)
	m.insertLocked(e, now)
	entries := len(m.items)
	m.mu.Unlock()

	m.recorder.SetCacheEntries(m.name, entries)
	if opts.Persistent {
		m.persist(ctx, e)
	}
}

func (m *Manager[T]) newEntry(key string, value T, opts Options, now time.Time) *entry[T] {
	e := &entry[T]{
		key:        key,
		value:      value,
		writtenAt:  now,
		expiresAt:  now.Add(opts.TTL),
		persistent: opts.Persistent,
	}
	if opts.StaleTime > 0 {
		e.staleAt = now.Add(opts.StaleTime)
	}
	return e
}

// insertLocked places e at the newest end of the write order and enforces
// MaxEntries.
func (m *Manager[T]) insertLocked(e *entry[T], now time.Time) {
	if elem, ok := m.items[e.key]; ok {
		elem.Value = e
		m.order.MoveToBack(elem)
		return
	}
	m.items[e.key] = m.order.PushBack(e)

	if evicted := m.evictLocked(now); evicted > 0 {
		m.recorder.RecordCacheEviction(m.name, evicted)
	}
}

// ============================================================================
// Invalidation
// ============================================================================

// Invalidate removes exactly key.
func (m *Manager[T]) Invalidate(ctx context.Context, key string) {
	m.invalidate(ctx, func(k string) bool { return k == key })
	if m.store != nil {
		if err := m.store.Delete(ctx, key); err != nil {
			m.logger.Warn("store delete failed", zap.String("key", key), zap.Error(err))
		}
	}
}

// InvalidatePrefix removes every key starting with prefix.
func (m *Manager[T]) InvalidatePrefix(ctx context.Context, prefix string) {
	m.invalidate(ctx, func(k string) bool { return strings.HasPrefix(k, prefix) })
	if m.store != nil {
		if err := m.store.DeletePrefix(ctx, prefix); err != nil {
			m.logger.Warn("store prefix delete failed", zap.String("prefix", prefix), zap.Error(err))
		}
	}
}

// InvalidatePattern removes keys by pattern. A trailing "*" makes the rest of
// the pattern a prefix; any other pattern is an exact key. "*" alone clears
// the cache.
func (m *Manager[T]) InvalidatePattern(ctx context.Context, pattern string) {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		m.InvalidatePrefix(ctx, prefix)
		return
	}
	m.Invalidate(ctx, pattern)
}

// Clear removes every entry, including persisted ones.
func (m *Manager[T]) Clear(ctx context.Context) {
	m.InvalidatePrefix(ctx, "")
}

func (m *Manager[T]) invalidate(_ context.Context, match func(string) bool) {
	var forget []string

	m.mu.Lock()
	removed := 0
	for key, elem := range m.items {
		if match(key) {
			m.order.Remove(elem)
			delete(m.items, key)
			removed++
		}
	}
	for key, f := range m.inflight {
		if match(key) {
			f.gen++
			forget = append(forget, key)
		}
	}
	entries := len(m.items)
	m.mu.Unlock()

	// New callers start a fresh computation instead of joining a stale one
	for _, key := range forget {
		m.group.Forget(key)
	}

	m.recorder.SetCacheEntries(m.name, entries)
	if removed > 0 {
		m.logger.Debug("entries invalidated", zap.Int("removed", removed))
	}
}

// ============================================================================
// Introspection & lifecycle
// ============================================================================

// Stats returns counts over the in-memory entries and the running counters.
func (m *Manager[T]) Stats() Stats {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Stats{
		Total:      len(m.items),
		Hits:       m.hits.Load(),
		Misses:     m.misses.Load(),
		StaleHits:  m.staleHits.Load(),
		Refreshing: len(m.refreshing),
	}
	for _, elem := range m.items {
		e := elem.Value.(*entry[T])
		switch {
		case e.expired(now):
			stats.Expired++
		case e.stale(now):
			stats.Stale++
		}
		if e.persistent {
			stats.Persistent++
		}
	}
	return stats
}

// Close stops the sweeper and waits for background refreshes. It is safe to
// call more than once.
func (m *Manager[T]) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()

		m.cancel()
		m.wg.Wait()
	})
	return nil
}

// normalize fills defaults and drops a StaleTime that would never apply.
func (m *Manager[T]) normalize(opts Options) Options {
	if opts.TTL <= 0 {
		opts.TTL = m.config.DefaultTTL
	}
	if opts.StaleTime >= opts.TTL {
		opts.StaleTime = 0
	}
	if opts.StaleTime < 0 {
		opts.StaleTime = 0
	}
	return opts
}
