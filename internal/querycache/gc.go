package querycache

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Retain marks key as referenced by an active reader until the returned
// release func is called. Referenced entries are never collected, stale or not.
func (e *Engine) Retain(key Key) (release func()) {
	e.mu.Lock()
	e.refs[key]++
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.refs[key]--
			if e.refs[key] <= 0 {
				delete(e.refs, key)
			}
			if rec, ok := e.entries[key]; ok {
				rec.lastAccess = e.now()
			}
		})
	}
}

// Collect removes entries that no reader references and that have been
// idle for longer than the GC window. Freshness plays no part. It returns
// the number of entries removed.
func (e *Engine) Collect() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	n := 0
	for key, rec := range e.entries {
		if e.refs[key] > 0 || rec.mutating > 0 {
			continue
		}
		if _, inflight := e.flights[key]; inflight {
			continue
		}
		if now.Sub(rec.lastAccess) < e.gcWindow {
			continue
		}
		delete(e.entries, key)
		n++
	}
	e.metrics.AddEvictions("gc", n)
	e.metrics.SetEntries(len(e.entries))
	return n
}

// Janitor runs Collect on a fixed interval.
type Janitor struct {
	engine   *Engine
	interval time.Duration
	logger   *slog.Logger
}

func NewJanitor(engine *Engine, interval time.Duration, logger *slog.Logger) *Janitor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Janitor{engine: engine, interval: interval, logger: logger}
}

// Start blocks until ctx is done.
func (j *Janitor) Start(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	if j.logger != nil {
		j.logger.InfoContext(ctx, "cache janitor started", "interval", j.interval)
	}
	for {
		select {
		case <-ctx.Done():
			if j.logger != nil {
				j.logger.InfoContext(ctx, "cache janitor stopping")
			}
			return
		case <-ticker.C:
			if n := j.engine.Collect(); n > 0 && j.logger != nil {
				j.logger.DebugContext(ctx, "cache entries collected", "count", n)
			}
		}
	}
}
