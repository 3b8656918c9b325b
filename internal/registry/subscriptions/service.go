// Package subscriptions manages change subscriptions on registry entities.
// Every confirmed change is mirrored into the notification reconciler's
// watchlist so that only active subscriptions cause invalidation.
package subscriptions

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"regwatch/internal/querycache"
	"regwatch/internal/registry"
	"regwatch/internal/registry/models"
	"regwatch/internal/remote"
	"regwatch/pkg/platform/sentinel"
)

const TTL = 5 * time.Minute

// pendingPrefix marks optimistic records that have no server ID yet.
const pendingPrefix = "pending-"

var (
	listQuery = remote.Query("Subscriptions", `query Subscriptions {
  subscriptions { id entityType entityId active createdAt }
}`)
	createMutation = remote.Mutation("CreateSubscription", `mutation CreateSubscription($entityType: EntityType!, $entityId: ID!) {
  createSubscription(entityType: $entityType, entityId: $entityId) { id entityType entityId active createdAt }
}`)
	deleteMutation = remote.Mutation("DeleteSubscription", `mutation DeleteSubscription($id: ID!) {
  deleteSubscription(id: $id)
}`)
	setActiveMutation = remote.Mutation("SetSubscriptionActive", `mutation SetSubscriptionActive($id: ID!, $active: Boolean!) {
  setSubscriptionActive(id: $id, active: $active) { id entityType entityId active createdAt }
}`)
)

// Watcher receives the confirmed subscription state of a user.
type Watcher interface {
	Replace(scope string, records []models.SubscriptionRecord)
	Upsert(scope string, record models.SubscriptionRecord)
	Remove(scope, id string)
}

type Service struct {
	engine  *querycache.Engine
	remote  remote.Executor
	scope   registry.Scoper
	watcher Watcher
	now     func() time.Time
	logger  *slog.Logger
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func NewService(engine *querycache.Engine, ex remote.Executor, scope registry.Scoper, watcher Watcher, opts ...Option) *Service {
	s := &Service{
		engine:  engine,
		remote:  ex,
		scope:   scope,
		watcher: watcher,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) List(ctx context.Context) (querycache.State[[]models.SubscriptionRecord], error) {
	scope, err := s.scope.Scope()
	if err != nil {
		return querycache.State[[]models.SubscriptionRecord]{}, err
	}
	return querycache.Query(ctx, s.engine, registry.SubscriptionsKey(scope), func(ctx context.Context) ([]models.SubscriptionRecord, error) {
		out, err := remote.Do[struct {
			Subscriptions []models.SubscriptionRecord `json:"subscriptions"`
		}](ctx, s.remote, listQuery, nil)
		if err != nil {
			return nil, err
		}
		return out.Subscriptions, nil
	}, querycache.Options{
		TTL: TTL,
		OnStored: querycache.Stored(func(records []models.SubscriptionRecord) {
			s.watcher.Replace(scope, records)
		}),
	})
}

func (s *Service) Refetch(ctx context.Context) (querycache.State[[]models.SubscriptionRecord], error) {
	scope, err := s.scope.Scope()
	if err != nil {
		return querycache.State[[]models.SubscriptionRecord]{}, err
	}
	s.engine.Invalidate(querycache.Exact(registry.SubscriptionsKey(scope)))
	return s.List(ctx)
}

// Create subscribes to ref. Once the server confirms, the reconciler starts
// watching the entity.
func (s *Service) Create(ctx context.Context, ref models.EntityRef) (models.SubscriptionRecord, error) {
	if ref.ID == "" || !ref.Type.Valid() {
		return models.SubscriptionRecord{}, fmt.Errorf("subscription target %q: %w", ref.String(), sentinel.ErrInvalidState)
	}
	scope, err := s.scope.Scope()
	if err != nil {
		return models.SubscriptionRecord{}, err
	}
	pending := models.SubscriptionRecord{
		ID:         pendingPrefix + uuid.NewString(),
		EntityType: ref.Type,
		EntityID:   ref.ID,
		Active:     true,
		CreatedAt:  s.now(),
	}
	apply := func(prior []models.SubscriptionRecord, _ bool) []models.SubscriptionRecord {
		return append(slices.Clone(prior), pending)
	}

	var created models.SubscriptionRecord
	_, err = querycache.MutateAs(ctx, s.engine, registry.SubscriptionsKey(scope), apply, func(ctx context.Context, optimistic []models.SubscriptionRecord) ([]models.SubscriptionRecord, error) {
		out, err := remote.Do[struct {
			Subscription models.SubscriptionRecord `json:"createSubscription"`
		}](ctx, s.remote, createMutation, remote.Variables{"entityType": ref.Type, "entityId": ref.ID})
		if err != nil {
			return nil, err
		}
		created = out.Subscription
		list := slices.Clone(optimistic)
		list[len(list)-1] = created
		return list, nil
	}, querycache.Options{TTL: TTL})
	if err != nil {
		return models.SubscriptionRecord{}, fmt.Errorf("create subscription for %s: %w", ref, err)
	}

	s.watcher.Upsert(scope, created)
	s.invalidate(scope)
	if s.logger != nil {
		s.logger.InfoContext(ctx, "subscription created", "subscription_id", created.ID, "entity", ref.String())
	}
	return created, nil
}

// Delete removes a subscription. The reconciler stops watching the entity
// as soon as the server confirms.
func (s *Service) Delete(ctx context.Context, id string) error {
	scope, err := s.scope.Scope()
	if err != nil {
		return err
	}
	apply := func(prior []models.SubscriptionRecord, _ bool) []models.SubscriptionRecord {
		return slices.DeleteFunc(slices.Clone(prior), func(r models.SubscriptionRecord) bool { return r.ID == id })
	}

	_, err = querycache.MutateAs(ctx, s.engine, registry.SubscriptionsKey(scope), apply, func(ctx context.Context, optimistic []models.SubscriptionRecord) ([]models.SubscriptionRecord, error) {
		if _, err := s.remote.Execute(ctx, deleteMutation, remote.Variables{"id": id}); err != nil {
			return nil, err
		}
		return optimistic, nil
	}, querycache.Options{TTL: TTL})
	if err != nil {
		return fmt.Errorf("delete subscription %s: %w", id, err)
	}

	s.watcher.Remove(scope, id)
	s.invalidate(scope)
	return nil
}

// SetActive pauses or resumes a subscription.
func (s *Service) SetActive(ctx context.Context, id string, active bool) (models.SubscriptionRecord, error) {
	scope, err := s.scope.Scope()
	if err != nil {
		return models.SubscriptionRecord{}, err
	}
	i := -1
	apply := func(prior []models.SubscriptionRecord, _ bool) []models.SubscriptionRecord {
		next := slices.Clone(prior)
		i = slices.IndexFunc(next, func(r models.SubscriptionRecord) bool { return r.ID == id })
		if i >= 0 {
			next[i].Active = active
		}
		return next
	}

	var updated models.SubscriptionRecord
	_, err = querycache.MutateAs(ctx, s.engine, registry.SubscriptionsKey(scope), apply, func(ctx context.Context, optimistic []models.SubscriptionRecord) ([]models.SubscriptionRecord, error) {
		out, err := remote.Do[struct {
			Subscription models.SubscriptionRecord `json:"setSubscriptionActive"`
		}](ctx, s.remote, setActiveMutation, remote.Variables{"id": id, "active": active})
		if err != nil {
			return nil, err
		}
		updated = out.Subscription
		list := slices.Clone(optimistic)
		if i >= 0 {
			list[i] = updated
		} else {
			list = append(list, updated)
		}
		return list, nil
	}, querycache.Options{TTL: TTL})
	if err != nil {
		return models.SubscriptionRecord{}, fmt.Errorf("set subscription %s active=%t: %w", id, active, err)
	}

	s.watcher.Upsert(scope, updated)
	s.invalidate(scope)
	return updated, nil
}

// Watch keeps the user's subscription list referenced while a view shows it.
func (s *Service) Watch() (release func(), err error) {
	scope, err := s.scope.Scope()
	if err != nil {
		return nil, err
	}
	return s.engine.Retain(registry.SubscriptionsKey(scope)), nil
}

func (s *Service) invalidate(scope string) {
	s.engine.Invalidate(querycache.Or(
		querycache.Exact(registry.SubscriptionsKey(scope)),
		querycache.Exact(registry.DashboardKey(scope)),
	))
}
