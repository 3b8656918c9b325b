package querycache

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// OptimisticFunc derives the optimistic value of a key from the data it
// holds when the mutation reaches the head of the key's queue. ok is false
// when the key holds no data.
type OptimisticFunc func(prior any, ok bool) any

// MutationFunc performs the remote side of a mutation and returns the
// server-confirmed value for the key. It receives the value optimistic
// produced.
type MutationFunc func(ctx context.Context, optimistic any) (any, error)

// keyLock serializes mutations on one key. semaphore.Weighted serves
// waiters in FIFO order.
type keyLock struct {
	sem   *semaphore.Weighted
	users int
}

// Mutate applies the optimistic value to key, runs fn, and then either
// stores the confirmed value or restores the entry exactly as it was before
// the call, absence included. Mutations on the same key queue behind each
// other in arrival order; optimistic is evaluated only once the earlier
// ones have confirmed or rolled back. Failures are returned to the caller
// and never retried.
func (e *Engine) Mutate(ctx context.Context, key Key, optimistic OptimisticFunc, fn MutationFunc, opts Options) (any, error) {
	lock := e.acquireKeyLock(key)
	defer e.releaseKeyLock(key, lock)
	if err := lock.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer lock.sem.Release(1)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	prior, existed := e.entries[key]
	var snapshot value
	if existed {
		snapshot = prior.val
	}
	next := optimistic(snapshot.data, snapshot.hasData)
	rec := e.recordLocked(key)
	now := e.now()
	rec.mutating++
	rec.lastAccess = now
	rec.val = value{data: next, hasData: true, fetchedAt: now, ttl: e.ttl(opts), optimistic: true}
	e.mu.Unlock()

	confirmed, err := fn(ctx, next)

	e.mu.Lock()
	rec.mutating--
	owned := e.entries[key] == rec
	switch {
	case !owned:
		// Evicted while the mutation ran (logout, reset); nothing to restore.
	case err != nil:
		if existed {
			rec.val = snapshot
		} else if _, inflight := e.flights[key]; !inflight && rec.mutating == 0 {
			delete(e.entries, key)
			e.metrics.SetEntries(len(e.entries))
		} else {
			rec.val = value{}
		}
	default:
		rec.val = value{data: confirmed, hasData: true, fetchedAt: e.now(), ttl: e.ttl(opts)}
		if opts.OnStored != nil {
			opts.OnStored(confirmed)
		}
	}
	e.mu.Unlock()

	if err != nil {
		class := e.classify(err)
		e.metrics.IncrementMutation("rolled_back")
		if e.logger != nil {
			e.logger.InfoContext(ctx, "mutation failed, optimistic state rolled back",
				"key", key.String(),
				"error", err,
			)
		}
		if class == ClassAuth {
			e.notifyAuthFailure(context.WithoutCancel(ctx))
		}
		return nil, err
	}
	e.metrics.IncrementMutation("confirmed")
	return confirmed, nil
}

func (e *Engine) acquireKeyLock(key Key) *keyLock {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.mutations[key]
	if !ok {
		l = &keyLock{sem: semaphore.NewWeighted(1)}
		e.mutations[key] = l
	}
	l.users++
	return l
}

func (e *Engine) releaseKeyLock(key Key, l *keyLock) {
	e.mu.Lock()
	defer e.mu.Unlock()
	l.users--
	if l.users == 0 {
		delete(e.mutations, key)
	}
}

// Exec runs a remote side effect that owns no cache entry, such as marking
// notifications read. Like Mutate it is never retried, and an auth failure
// invokes the auth failure handlers.
func (e *Engine) Exec(ctx context.Context, fn func(ctx context.Context) error) error {
	err := fn(ctx)
	if err != nil && e.classify(err) == ClassAuth {
		e.notifyAuthFailure(context.WithoutCancel(ctx))
	}
	return err
}
