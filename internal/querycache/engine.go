package querycache

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"regwatch/internal/platform/metrics"
)

const (
	defaultTTL        = 5 * time.Minute
	defaultGCWindow   = 5 * time.Minute
	defaultMaxRetries = 3
	defaultRetryDelay = 500 * time.Millisecond
)

// Fetcher loads the current value for a key from the remote source.
type Fetcher func(ctx context.Context) (any, error)

// Options are per-read settings.
type Options struct {
	// TTL is how long a successful result stays fresh. Zero uses the engine default.
	TTL time.Duration
	// OnStored, if set, receives every fetch result or confirmed mutation
	// value the engine stores for the key. Results the engine discards are
	// never passed. It runs with the engine locked and must not call back
	// into the engine.
	OnStored func(data any)
}

// AuthFailureHandler is invoked after a fetch or mutation fails with an
// authentication error. It runs outside the engine lock.
type AuthFailureHandler func(ctx context.Context)

// Engine is the process-wide query cache. All entry state changes go
// through its methods; it is safe for concurrent use.
type Engine struct {
	mu        sync.Mutex
	entries   map[Key]*record
	flights   map[Key]*flight
	refs      map[Key]int
	mutations map[Key]*keyLock
	closed    bool

	onAuthFailure []AuthFailureHandler

	now        func() time.Time
	defaultTTL time.Duration
	gcWindow   time.Duration
	maxRetries int
	retryDelay time.Duration
	classify   Classifier
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

func WithDefaultTTL(ttl time.Duration) Option {
	return func(e *Engine) {
		if ttl > 0 {
			e.defaultTTL = ttl
		}
	}
}

// WithGCWindow sets how long an unreferenced entry survives before Collect drops it.
func WithGCWindow(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.gcWindow = d
		}
	}
}

// WithRetry bounds fetch retries. maxRetries counts attempts after the first.
func WithRetry(maxRetries int, delay time.Duration) Option {
	return func(e *Engine) {
		if maxRetries >= 0 {
			e.maxRetries = maxRetries
		}
		if delay > 0 {
			e.retryDelay = delay
		}
	}
}

func WithClassifier(c Classifier) Option {
	return func(e *Engine) {
		if c != nil {
			e.classify = c
		}
	}
}

func New(opts ...Option) *Engine {
	e := &Engine{
		entries:    make(map[Key]*record),
		flights:    make(map[Key]*flight),
		refs:       make(map[Key]int),
		mutations:  make(map[Key]*keyLock),
		now:        time.Now,
		defaultTTL: defaultTTL,
		gcWindow:   defaultGCWindow,
		maxRetries: defaultMaxRetries,
		retryDelay: defaultRetryDelay,
		classify:   DefaultClassifier,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// OnAuthFailure registers a handler for authentication failures.
func (e *Engine) OnAuthFailure(h AuthFailureHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onAuthFailure = append(e.onAuthFailure, h)
}

// Read returns the entry for key. A fresh entry is returned without calling
// fetch. A stale entry is returned immediately and revalidated in the
// background. A missing entry blocks until the shared fetch for key settles
// or ctx is done. The returned error is non-nil only when no data could be
// returned; failures with data present are reported through Entry.Err.
func (e *Engine) Read(ctx context.Context, key Key, fetch Fetcher, opts Options) (Entry, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return Entry{}, ErrClosed
	}
	now := e.now()
	rec := e.entries[key]
	if rec != nil {
		rec.lastAccess = now
	}

	if rec != nil && rec.val.hasData {
		_, inflight := e.flights[key]
		switch rec.status(now, inflight) {
		case StatusFresh:
			e.metrics.IncrementHit()
			entry := e.snapshotLocked(key, rec, now)
			e.mu.Unlock()
			return entry, nil
		default:
			if !inflight && rec.mutating == 0 {
				e.startFlightLocked(ctx, key, fetch, opts, true)
			}
			e.metrics.IncrementStaleServe()
			entry := e.snapshotLocked(key, rec, now)
			e.mu.Unlock()
			return entry, nil
		}
	}

	e.metrics.IncrementMiss()
	if rec == nil {
		rec = &record{lastAccess: now}
		e.entries[key] = rec
		e.metrics.SetEntries(len(e.entries))
	}
	f := e.flights[key]
	if f == nil {
		f = e.startFlightLocked(ctx, key, fetch, opts, false)
	}
	f.waiters++
	e.mu.Unlock()

	select {
	case <-f.done:
		e.mu.Lock()
		f.waiters--
		e.mu.Unlock()
		if f.entry.HasData {
			return f.entry, nil
		}
		return f.entry, f.err
	case <-ctx.Done():
		e.detach(key, f)
		return Entry{Key: key}, ctx.Err()
	}
}

// Write sets key to data, fresh as of now.
func (e *Engine) Write(key Key, data any, ttl time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec := e.recordLocked(key)
	now := e.now()
	rec.val = value{data: data, hasData: true, fetchedAt: now, ttl: e.ttl(Options{TTL: ttl})}
	rec.lastAccess = now
}

// Seed installs data fetched at fetchedAt unless key already holds data.
// Old copies come out stale and are revalidated on first read.
func (e *Engine) Seed(key Key, data any, fetchedAt time.Time, ttl time.Duration) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rec, ok := e.entries[key]; ok && rec.val.hasData {
		return false
	}
	rec := e.recordLocked(key)
	rec.val = value{data: data, hasData: true, fetchedAt: fetchedAt, ttl: e.ttl(Options{TTL: ttl})}
	rec.lastAccess = e.now()
	return true
}

// Invalidate marks every matching entry stale and keeps its data. It
// returns the number of entries marked.
func (e *Engine) Invalidate(pred Predicate) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	n := 0
	for key, rec := range e.entries {
		if !pred(key) {
			continue
		}
		rec.val.invalidated = true
		rec.val.invalidatedAt = now
		n++
	}
	if n > 0 && e.logger != nil {
		e.logger.Debug("cache entries invalidated", "count", n)
	}
	return n
}

// Evict removes every matching entry and abandons its in-flight fetch.
func (e *Engine) Evict(pred Predicate) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.evictLocked(pred, "evict")
}

// Reset drops every entry.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.evictLocked(All(), "reset")
}

func (e *Engine) evictLocked(pred Predicate, reason string) int {
	n := 0
	for key := range e.entries {
		if pred(key) {
			delete(e.entries, key)
			n++
		}
	}
	for key, f := range e.flights {
		if pred(key) {
			delete(e.flights, key)
			f.cancel()
		}
	}
	e.metrics.AddEvictions(reason, n)
	e.metrics.SetEntries(len(e.entries))
	return n
}

// Peek returns the current entry for key without touching freshness or
// access time.
func (e *Engine) Peek(key Key) (Entry, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.entries[key]
	if !ok {
		return Entry{}, false
	}
	return e.snapshotLocked(key, rec, e.now()), true
}

// Snapshot returns every entry ordered by key.
func (e *Engine) Snapshot() []Entry {
	e.mu.Lock()
	now := e.now()
	out := make([]Entry, 0, len(e.entries))
	for key, rec := range e.entries {
		out = append(out, e.snapshotLocked(key, rec, now))
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

// Len returns the number of entries.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.entries)
}

// Close abandons every in-flight fetch. Subsequent reads fail with ErrClosed.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	for key, f := range e.flights {
		delete(e.flights, key)
		f.cancel()
	}
}

func (e *Engine) recordLocked(key Key) *record {
	rec, ok := e.entries[key]
	if !ok {
		rec = &record{}
		e.entries[key] = rec
		e.metrics.SetEntries(len(e.entries))
	}
	return rec
}

func (e *Engine) snapshotLocked(key Key, rec *record, now time.Time) Entry {
	_, inflight := e.flights[key]
	v := rec.val
	return Entry{
		Key:        key,
		Data:       v.data,
		HasData:    v.hasData,
		Status:     rec.status(now, inflight),
		FetchedAt:  v.fetchedAt,
		Err:        v.err,
		Optimistic: v.optimistic,
		Refreshing: inflight && v.hasData,
	}
}

func (e *Engine) ttl(opts Options) time.Duration {
	if opts.TTL > 0 {
		return opts.TTL
	}
	return e.defaultTTL
}

func (e *Engine) notifyAuthFailure(ctx context.Context) {
	e.mu.Lock()
	handlers := append([]AuthFailureHandler(nil), e.onAuthFailure...)
	e.mu.Unlock()
	for _, h := range handlers {
		h(ctx)
	}
}
