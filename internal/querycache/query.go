package querycache

import (
	"context"
	"time"
)

// Query is the typed form of Engine.Read.
func Query[T any](ctx context.Context, e *Engine, key Key, fetch func(context.Context) (T, error), opts Options) (State[T], error) {
	entry, err := e.Read(ctx, key, func(ctx context.Context) (any, error) {
		v, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		return v, nil
	}, opts)
	return StateOf[T](entry), err
}

// MutateAs is the typed form of Engine.Mutate. Prior data of another type
// is passed to optimistic as absent.
func MutateAs[T any](ctx context.Context, e *Engine, key Key, optimistic func(prior T, ok bool) T, fn func(ctx context.Context, optimistic T) (T, error), opts Options) (T, error) {
	var zero T
	out, err := e.Mutate(ctx, key, func(prior any, ok bool) any {
		v, typed := prior.(T)
		return optimistic(v, ok && typed)
	}, func(ctx context.Context, next any) (any, error) {
		typed, _ := next.(T)
		v, err := fn(ctx, typed)
		if err != nil {
			return nil, err
		}
		return v, nil
	}, opts)
	if err != nil {
		return zero, err
	}
	v, _ := out.(T)
	return v, nil
}

// Current returns the typed data held for key, if any, without fetching.
func Current[T any](e *Engine, key Key) (T, bool) {
	var zero T
	entry, ok := e.Peek(key)
	if !ok || !entry.HasData {
		return zero, false
	}
	v, ok := entry.Data.(T)
	if !ok {
		return zero, false
	}
	return v, true
}

// Stored adapts a typed callback to Options.OnStored.
func Stored[T any](fn func(T)) func(any) {
	return func(data any) {
		if v, ok := data.(T); ok {
			fn(v)
		}
	}
}

// SeedAs is the typed form of Engine.Seed.
func SeedAs[T any](e *Engine, key Key, data T, fetchedAt time.Time, ttl time.Duration) bool {
	return e.Seed(key, data, fetchedAt, ttl)
}
