package querycache

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrClosed is returned by reads on a closed engine.
var ErrClosed = errors.New("query cache closed")

// flight is the single in-flight fetch for a key. Readers that arrive while
// it runs wait on done instead of starting their own fetch.
type flight struct {
	done      chan struct{}
	cancel    context.CancelFunc
	startedAt time.Time
	// background flights revalidate stale data and are not cancelled when
	// readers lose interest.
	background bool
	waiters    int

	// Set before done is closed.
	entry Entry
	err   error
}

// startFlightLocked registers and launches a fetch for key. The fetch keeps
// the caller's context values but not its cancellation; cancellation is
// reference counted across waiters instead.
func (e *Engine) startFlightLocked(ctx context.Context, key Key, fetch Fetcher, opts Options, background bool) *flight {
	fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	f := &flight{
		done:       make(chan struct{}),
		cancel:     cancel,
		startedAt:  e.now(),
		background: background,
	}
	e.flights[key] = f
	e.metrics.AddInFlight(1)
	go e.run(fctx, key, f, fetch, opts)
	return f
}

func (e *Engine) run(ctx context.Context, key Key, f *flight, fetch Fetcher, opts Options) {
	start := time.Now()
	data, err := e.fetchWithRetry(ctx, fetch)

	class := ClassTransient
	if err != nil {
		class = e.classify(err)
		// A fetch aborted through its own context is a cancellation no
		// matter how the transport reported it.
		if ctx.Err() != nil {
			class = ClassCancelled
		}
	}
	f.cancel()
	e.settle(key, f, data, err, class, opts)
	e.metrics.ObserveFetch(fetchOutcome(err, class), time.Since(start))

	if class == ClassAuth && err != nil {
		if e.logger != nil {
			e.logger.WarnContext(ctx, "fetch rejected as unauthenticated, resetting session", "key", key.String())
		}
		e.notifyAuthFailure(context.WithoutCancel(ctx))
	}
}

func (e *Engine) fetchWithRetry(ctx context.Context, fetch Fetcher) (any, error) {
	var out any
	op := func() error {
		v, err := fetch(ctx)
		if err != nil {
			if e.classify(err) != ClassTransient {
				return backoff.Permanent(err)
			}
			return err
		}
		out = v
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = e.retryDelay
	policy.MaxInterval = 10 * e.retryDelay
	policy.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(e.maxRetries)), ctx)

	if err := backoff.Retry(op, b); err != nil {
		return nil, err
	}
	return out, nil
}

// settle applies a finished fetch to the entry, if the flight still owns it,
// and releases every waiter.
func (e *Engine) settle(key Key, f *flight, data any, err error, class ErrorClass, opts Options) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer close(f.done)

	e.metrics.AddInFlight(-1)
	now := e.now()
	f.err = err

	owner := e.flights[key] == f
	if owner {
		delete(e.flights, key)
	}
	rec := e.entries[key]

	if !owner || rec == nil {
		// Evicted or abandoned while running; nothing to update.
		f.entry = Entry{Key: key, Data: data, HasData: err == nil, Status: StatusFresh, FetchedAt: now, Err: err}
		if err != nil {
			f.entry.Status = StatusError
		}
		return
	}

	switch {
	case err == nil:
		if rec.val.optimistic || rec.mutating > 0 {
			// A mutation owns the entry; keep its rollback snapshot exact.
			if e.logger != nil {
				e.logger.Debug("discarding fetch result for key under mutation", "key", key.String())
			}
			break
		}
		if rec.val.hasData && rec.val.err == nil && rec.val.fetchedAt.After(f.startedAt) {
			// Written directly after this fetch started; that value is newer.
			break
		}
		invalidatedSince := rec.val.invalidated && rec.val.invalidatedAt.After(f.startedAt)
		rec.val = value{
			data:          data,
			hasData:       true,
			fetchedAt:     now,
			ttl:           e.ttl(opts),
			invalidated:   invalidatedSince,
			invalidatedAt: rec.val.invalidatedAt,
		}
		if opts.OnStored != nil {
			opts.OnStored(data)
		}
	case class == ClassCancelled, class == ClassValidation:
		if !rec.val.hasData && rec.val.err == nil {
			delete(e.entries, key)
			e.metrics.SetEntries(len(e.entries))
			f.entry = Entry{Key: key, Err: err}
			return
		}
	case class == ClassAuth:
		// Not stored per entry; the auth failure handler resets the cache.
		if !rec.val.hasData && rec.val.err == nil {
			delete(e.entries, key)
			e.metrics.SetEntries(len(e.entries))
			f.entry = Entry{Key: key, Err: err}
			return
		}
	default:
		rec.val.err = err
		if e.logger != nil {
			e.logger.Warn("fetch failed", "key", key.String(), "error", err)
		}
	}
	f.entry = e.snapshotLocked(key, rec, now)
}

// detach drops one waiter's interest in f. The last waiter of a cold fetch
// cancels it; the entry reverts to what it was before the fetch began.
func (e *Engine) detach(key Key, f *flight) {
	e.mu.Lock()
	defer e.mu.Unlock()
	f.waiters--
	if f.waiters > 0 || f.background {
		return
	}
	select {
	case <-f.done:
		return
	default:
	}
	if e.flights[key] == f {
		delete(e.flights, key)
		if rec, ok := e.entries[key]; ok && !rec.val.hasData && rec.val.err == nil {
			delete(e.entries, key)
			e.metrics.SetEntries(len(e.entries))
		}
	}
	f.cancel()
}

func fetchOutcome(err error, class ErrorClass) string {
	if err == nil {
		return "success"
	}
	switch class {
	case ClassCancelled:
		return "cancelled"
	case ClassAuth:
		return "auth_error"
	case ClassValidation:
		return "rejected"
	default:
		return "error"
	}
}
