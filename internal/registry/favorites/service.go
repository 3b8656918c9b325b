// Package favorites manages the signed-in user's favorite entities.
//
// Add and Remove update the list optimistically. A confirmed change
// invalidates the user's favorites list and dashboard summary and nothing
// else; company cards are untouched. The last confirmed list is kept in the
// persistent store so it can be shown before the first fetch completes.
package favorites

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"regwatch/internal/persist"
	"regwatch/internal/querycache"
	"regwatch/internal/registry"
	"regwatch/internal/registry/models"
	"regwatch/internal/remote"
	"regwatch/pkg/platform/sentinel"
)

const TTL = 5 * time.Minute

var (
	listQuery = remote.Query("Favorites", `query Favorites {
  favorites { entityType entityId addedAt }
}`)
	addMutation = remote.Mutation("AddFavorite", `mutation AddFavorite($entityType: EntityType!, $entityId: ID!) {
  addFavorite(entityType: $entityType, entityId: $entityId) { entityType entityId addedAt }
}`)
	removeMutation = remote.Mutation("RemoveFavorite", `mutation RemoveFavorite($entityType: EntityType!, $entityId: ID!) {
  removeFavorite(entityType: $entityType, entityId: $entityId)
}`)
)

// offline is the persisted copy of the last confirmed list.
type offline struct {
	Scope     string                  `json:"scope"`
	Items     []models.FavoriteRecord `json:"items"`
	FetchedAt time.Time               `json:"fetchedAt"`
}

type Service struct {
	engine *querycache.Engine
	remote remote.Executor
	scope  registry.Scoper
	store  *persist.Store
	now    func() time.Time
	logger *slog.Logger
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

// NewService builds the service. store may be nil to disable the offline copy.
func NewService(engine *querycache.Engine, ex remote.Executor, scope registry.Scoper, store *persist.Store, opts ...Option) *Service {
	s := &Service{
		engine: engine,
		remote: ex,
		scope:  scope,
		store:  store,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Hydrate seeds the cache with the persisted list of the current user. The
// copy carries its original fetch time, so an old one is revalidated on first read.
func (s *Service) Hydrate(ctx context.Context) {
	if s.store == nil {
		return
	}
	scope, err := s.scope.Scope()
	if err != nil {
		return
	}
	saved, ok := persist.Load[offline](ctx, s.store, persist.NamespaceFavorites)
	if !ok || saved.Scope != scope {
		return
	}
	if s.engine.Seed(registry.FavoritesKey(scope), saved.Items, saved.FetchedAt, TTL) && s.logger != nil {
		s.logger.DebugContext(ctx, "favorites seeded from offline copy", "count", len(saved.Items))
	}
}

func (s *Service) List(ctx context.Context) (querycache.State[[]models.FavoriteRecord], error) {
	scope, err := s.scope.Scope()
	if err != nil {
		return querycache.State[[]models.FavoriteRecord]{}, err
	}
	return querycache.Query(ctx, s.engine, registry.FavoritesKey(scope), func(ctx context.Context) ([]models.FavoriteRecord, error) {
		out, err := remote.Do[struct {
			Favorites []models.FavoriteRecord `json:"favorites"`
		}](ctx, s.remote, listQuery, nil)
		if err != nil {
			return nil, err
		}
		return out.Favorites, nil
	}, s.options(ctx, scope, nil))
}

func (s *Service) Refetch(ctx context.Context) (querycache.State[[]models.FavoriteRecord], error) {
	scope, err := s.scope.Scope()
	if err != nil {
		return querycache.State[[]models.FavoriteRecord]{}, err
	}
	s.engine.Invalidate(querycache.Exact(registry.FavoritesKey(scope)))
	return s.List(ctx)
}

// IsFavorite reports whether ref is in the user's list.
func (s *Service) IsFavorite(ctx context.Context, ref models.EntityRef) (bool, error) {
	state, err := s.List(ctx)
	if err != nil {
		return false, err
	}
	return indexOf(state.Data, ref) >= 0, nil
}

// Watch keeps the user's list referenced while a view shows it.
func (s *Service) Watch() (release func(), err error) {
	scope, err := s.scope.Scope()
	if err != nil {
		return nil, err
	}
	return s.engine.Retain(registry.FavoritesKey(scope)), nil
}

// Add favorites ref. Adding an entity that is already a favorite is a no-op.
// The list is read first when it is not cached, so the change always
// applies to a list the server returned.
func (s *Service) Add(ctx context.Context, ref models.EntityRef) ([]models.FavoriteRecord, error) {
	if ref.ID == "" || !ref.Type.Valid() {
		return nil, fmt.Errorf("favorite %q: %w", ref.String(), sentinel.ErrInvalidState)
	}
	scope, err := s.scope.Scope()
	if err != nil {
		return nil, err
	}
	state, err := s.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("add favorite %s: %w", ref, err)
	}
	if indexOf(state.Data, ref) >= 0 {
		return state.Data, nil
	}

	pending := models.FavoriteRecord{EntityType: ref.Type, EntityID: ref.ID, AddedAt: s.now()}
	var fromServer, added bool
	apply := func(prior []models.FavoriteRecord, ok bool) []models.FavoriteRecord {
		fromServer = ok
		if indexOf(prior, ref) >= 0 {
			return prior
		}
		added = true
		return append(slices.Clone(prior), pending)
	}

	confirmed, err := querycache.MutateAs(ctx, s.engine, registry.FavoritesKey(scope), apply, func(ctx context.Context, optimistic []models.FavoriteRecord) ([]models.FavoriteRecord, error) {
		if !added {
			return optimistic, nil
		}
		out, err := remote.Do[struct {
			Favorite models.FavoriteRecord `json:"addFavorite"`
		}](ctx, s.remote, addMutation, refVars(ref))
		if err != nil {
			return nil, err
		}
		list := slices.Clone(optimistic)
		list[len(list)-1] = out.Favorite
		return list, nil
	}, s.options(ctx, scope, &fromServer))
	if err != nil {
		return nil, fmt.Errorf("add favorite %s: %w", ref, err)
	}
	s.confirmed(scope)
	return confirmed, nil
}

// Remove drops ref from the favorites. Removing a non-favorite is a no-op.
func (s *Service) Remove(ctx context.Context, ref models.EntityRef) ([]models.FavoriteRecord, error) {
	scope, err := s.scope.Scope()
	if err != nil {
		return nil, err
	}
	state, err := s.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("remove favorite %s: %w", ref, err)
	}
	if indexOf(state.Data, ref) < 0 {
		return state.Data, nil
	}

	var fromServer, removed bool
	apply := func(prior []models.FavoriteRecord, ok bool) []models.FavoriteRecord {
		fromServer = ok
		i := indexOf(prior, ref)
		if i < 0 {
			return prior
		}
		removed = true
		return slices.Delete(slices.Clone(prior), i, i+1)
	}

	confirmed, err := querycache.MutateAs(ctx, s.engine, registry.FavoritesKey(scope), apply, func(ctx context.Context, optimistic []models.FavoriteRecord) ([]models.FavoriteRecord, error) {
		if !removed {
			return optimistic, nil
		}
		if _, err := s.remote.Execute(ctx, removeMutation, refVars(ref)); err != nil {
			return nil, err
		}
		return optimistic, nil
	}, s.options(ctx, scope, &fromServer))
	if err != nil {
		return nil, fmt.Errorf("remove favorite %s: %w", ref, err)
	}
	s.confirmed(scope)
	return confirmed, nil
}

// confirmed applies the invalidation rules of a successful change.
func (s *Service) confirmed(scope string) {
	s.engine.Invalidate(querycache.Or(
		querycache.Exact(registry.FavoritesKey(scope)),
		querycache.Exact(registry.DashboardKey(scope)),
	))
}

// options persists every list the cache keeps. A mutation result is kept
// offline only when it was built on a list the server returned, which
// fromServer reports.
func (s *Service) options(ctx context.Context, scope string, fromServer *bool) querycache.Options {
	ctx = context.WithoutCancel(ctx)
	return querycache.Options{
		TTL: TTL,
		OnStored: querycache.Stored(func(items []models.FavoriteRecord) {
			if fromServer != nil && !*fromServer {
				return
			}
			s.saveOffline(ctx, scope, items)
		}),
	}
}

func (s *Service) saveOffline(ctx context.Context, scope string, items []models.FavoriteRecord) {
	if s.store == nil {
		return
	}
	persist.Save(ctx, s.store, persist.NamespaceFavorites, offline{Scope: scope, Items: items, FetchedAt: s.now()})
}

func indexOf(list []models.FavoriteRecord, ref models.EntityRef) int {
	return slices.IndexFunc(list, func(f models.FavoriteRecord) bool { return f.Ref() == ref })
}

func refVars(ref models.EntityRef) remote.Variables {
	return remote.Variables{"entityType": ref.Type, "entityId": ref.ID}
}
