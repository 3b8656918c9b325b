package persist

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"regwatch/internal/platform/metrics"
	"regwatch/pkg/platform/circuit"
	"regwatch/pkg/platform/sentinel"
)

// Store is the degrading facade every consumer talks to. Writes always land
// in an in-memory mirror; the backend is attempted while its breaker allows
// it. Backend errors are logged and never returned, so quota or privacy
// failures cannot break callers.
type Store struct {
	backend Backend
	mirror  *MemoryBackend
	breaker *circuit.Breaker
	logger  *slog.Logger
	metrics *metrics.Metrics

	// writeMu orders backend writes with the mirror they were taken from.
	writeMu sync.Mutex

	mu    sync.Mutex
	dirty map[string]bool // namespaces written or removed while degraded
}

// errBypassed marks a write that skipped the backend because the breaker is open.
var errBypassed = errors.New("backend bypassed")

type Option func(*Store)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) {
		s.metrics = m
	}
}

func WithBreaker(b *circuit.Breaker) Option {
	return func(s *Store) {
		if b != nil {
			s.breaker = b
		}
	}
}

// NewStore wraps backend. A nil backend yields a memory-only store.
func NewStore(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		mirror:  NewMemoryBackend(),
		breaker: circuit.New("persist", circuit.WithFailureThreshold(3), circuit.WithSuccessThreshold(1)),
		dirty:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the stored JSON for ns, or false when absent.
func (s *Store) Get(ctx context.Context, ns string) (json.RawMessage, bool) {
	if s.useBackend() {
		asked, err := s.readThrough(ctx, ns)
		switch {
		case err != nil:
			s.recordFailure(ctx, "get", ns, err)
		case asked:
			s.recordSuccess(ctx)
		}
	}
	value, err := s.mirror.Get(ctx, ns)
	if err != nil {
		return nil, false
	}
	return value, true
}

// readThrough refreshes the mirror from the backend unless ns holds writes
// the backend has not seen yet. asked is false when the backend was skipped.
func (s *Store) readThrough(ctx context.Context, ns string) (asked bool, err error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.isDirty(ns) {
		return false, nil
	}
	value, err := s.backend.Get(ctx, ns)
	switch {
	case err == nil:
		_ = s.mirror.Set(ctx, ns, value)
	case errors.Is(err, sentinel.ErrNotFound):
		_ = s.mirror.Remove(ctx, ns)
	default:
		return true, err
	}
	return true, nil
}

// Set stores value under ns, replacing whatever was there.
func (s *Store) Set(ctx context.Context, ns string, value json.RawMessage) {
	s.write(ctx, "set", ns, func() error {
		_ = s.mirror.Set(ctx, ns, value)
		if !s.useBackend() {
			return errBypassed
		}
		return s.backend.Set(ctx, ns, value)
	})
}

// Remove deletes ns.
func (s *Store) Remove(ctx context.Context, ns string) {
	s.write(ctx, "remove", ns, func() error {
		_ = s.mirror.Remove(ctx, ns)
		if !s.useBackend() {
			return errBypassed
		}
		return s.backend.Remove(ctx, ns)
	})
}

// write applies one change to the mirror and the backend as a unit. A
// change the backend did not take leaves ns dirty for the next flush.
func (s *Store) write(ctx context.Context, op, ns string, apply func() error) {
	s.writeMu.Lock()
	err := apply()
	if err != nil {
		s.markDirty(ns)
	} else {
		s.clearDirty(ns)
	}
	s.writeMu.Unlock()

	switch {
	case err == nil:
		s.recordSuccess(ctx)
	case errors.Is(err, errBypassed):
	default:
		s.recordFailure(ctx, op, ns, err)
	}
}

// Degraded reports whether the store is currently running memory-only.
func (s *Store) Degraded() bool {
	return s.backend == nil || s.breaker.IsOpen()
}

// Close releases the backend.
func (s *Store) Close() error {
	if s.backend == nil {
		return nil
	}
	return s.backend.Close()
}

func (s *Store) useBackend() bool {
	return s.backend != nil && s.breaker.Allow()
}

func (s *Store) recordFailure(ctx context.Context, op, ns string, err error) {
	s.metrics.IncrementPersistFallback()
	_, change := s.breaker.RecordFailure()
	if s.logger == nil {
		return
	}
	s.logger.WarnContext(ctx, "persistent store backend failed, serving from memory",
		"op", op,
		"namespace", ns,
		"error", err,
	)
	if change.Opened {
		s.logger.ErrorContext(ctx, "persistent store degraded to memory-only")
	}
}

func (s *Store) recordSuccess(ctx context.Context) {
	_, change := s.breaker.RecordSuccess()
	if change.Closed && s.logger != nil {
		s.logger.InfoContext(ctx, "persistent store backend recovered")
	}
	s.flushDirty(ctx)
}

// flushDirty replays namespaces touched while degraded onto the backend.
func (s *Store) flushDirty(ctx context.Context) {
	s.mu.Lock()
	pending := make([]string, 0, len(s.dirty))
	for ns := range s.dirty {
		pending = append(pending, ns)
	}
	s.mu.Unlock()

	for _, ns := range pending {
		if err := s.flush(ctx, ns); err != nil {
			return
		}
	}
}

// flush copies the mirror's value of ns to the backend. A namespace written
// since flushDirty listed it is already clean and is skipped.
func (s *Store) flush(ctx context.Context, ns string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if !s.isDirty(ns) {
		return nil
	}
	var err error
	if value, getErr := s.mirror.Get(ctx, ns); getErr == nil {
		err = s.backend.Set(ctx, ns, value)
	} else {
		err = s.backend.Remove(ctx, ns)
	}
	if err != nil {
		return err
	}
	s.clearDirty(ns)
	return nil
}

func (s *Store) markDirty(ns string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirty[ns] = true
}

func (s *Store) clearDirty(ns string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.dirty, ns)
}

func (s *Store) isDirty(ns string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty[ns]
}

// Load decodes the value stored under ns into T.
func Load[T any](ctx context.Context, s *Store, ns string) (T, bool) {
	var out T
	raw, ok := s.Get(ctx, ns)
	if !ok {
		return out, false
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		if s.logger != nil {
			s.logger.WarnContext(ctx, "discarding undecodable persisted value", "namespace", ns, "error", err)
		}
		var zero T
		return zero, false
	}
	return out, true
}

// Save encodes value as JSON and stores it under ns.
func Save[T any](ctx context.Context, s *Store, ns string, value T) {
	raw, err := json.Marshal(value)
	if err != nil {
		if s.logger != nil {
			s.logger.ErrorContext(ctx, "cannot encode value for persistent store", "namespace", ns, "error", err)
		}
		return
	}
	s.Set(ctx, ns, raw)
}
