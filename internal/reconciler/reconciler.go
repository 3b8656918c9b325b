// Package reconciler merges notification events into the query cache. An
// event for an entity with an active subscription marks the entity's
// company card and the subscriber's dashboard stale; anything else is
// dropped without touching the cache.
package reconciler

import (
	"context"
	"log/slog"
	"sync"

	"regwatch/internal/platform/metrics"
	"regwatch/internal/querycache"
	"regwatch/internal/registry"
	"regwatch/internal/registry/models"
)

// State is the per-entity reconciliation state.
type State string

const (
	StateIdle          State = "idle"
	StateEventReceived State = "event-received"
	StateReconciling   State = "reconciling"
)

// Outcome reports what Handle did with an event.
type Outcome string

const (
	OutcomeReconciled Outcome = "reconciled"
	// OutcomeIgnored: no active subscription matched. Not an error.
	OutcomeIgnored Outcome = "ignored"
	OutcomeInvalid Outcome = "invalid"
)

// Cache is the part of the query cache the reconciler drives.
type Cache interface {
	Invalidate(pred querycache.Predicate) int
}

// Sink receives reconciled events for display. Events are not retained by
// the reconciler itself.
type Sink interface {
	Record(ctx context.Context, event models.NotificationEvent)
}

type Reconciler struct {
	mu     sync.Mutex
	states map[models.EntityRef]State

	cache   Cache
	watch   *Watchlist
	sink    Sink
	logger  *slog.Logger
	metrics *metrics.Metrics
}

type Option func(*Reconciler)

func WithSink(sink Sink) Option {
	return func(r *Reconciler) {
		r.sink = sink
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Reconciler) {
		r.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Reconciler) {
		r.metrics = m
	}
}

func New(cache Cache, watch *Watchlist, opts ...Option) *Reconciler {
	r := &Reconciler{
		states: make(map[models.EntityRef]State),
		cache:  cache,
		watch:  watch,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handle reconciles one event and discards it.
func (r *Reconciler) Handle(ctx context.Context, event models.NotificationEvent) Outcome {
	ref := event.Ref()
	if ref.ID == "" || !ref.Type.Valid() {
		r.metrics.IncrementNotification(string(OutcomeInvalid))
		if r.logger != nil {
			r.logger.WarnContext(ctx, "dropping notification without a valid entity", "notification_id", event.ID)
		}
		return OutcomeInvalid
	}

	r.transition(ref, StateEventReceived)
	defer r.transition(ref, StateIdle)

	watches := r.watch.Active(ref)
	if len(watches) == 0 {
		r.metrics.IncrementNotification(string(OutcomeIgnored))
		if r.logger != nil {
			r.logger.DebugContext(ctx, "no active subscription for notification", "entity", ref.String())
		}
		return OutcomeIgnored
	}

	r.transition(ref, StateReconciling)
	preds := []querycache.Predicate{registry.CompanyEntity(ref.ID)}
	seen := make(map[string]bool, len(watches))
	for _, w := range watches {
		if !seen[w.Scope] {
			seen[w.Scope] = true
			preds = append(preds, querycache.Exact(registry.DashboardKey(w.Scope)))
		}
	}
	n := r.cache.Invalidate(querycache.Or(preds...))

	r.metrics.IncrementNotification(string(OutcomeReconciled))
	if r.logger != nil {
		r.logger.InfoContext(ctx, "notification reconciled",
			"entity", ref.String(),
			"subscriptions", len(watches),
			"invalidated", n,
		)
	}
	if r.sink != nil {
		r.sink.Record(ctx, event)
	}
	return OutcomeReconciled
}

// StateOf returns the reconciliation state of ref.
func (r *Reconciler) StateOf(ref models.EntityRef) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.states[ref]; ok {
		return s
	}
	return StateIdle
}

func (r *Reconciler) transition(ref models.EntityRef, to State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if to == StateIdle {
		delete(r.states, ref)
		return
	}
	r.states[ref] = to
}
