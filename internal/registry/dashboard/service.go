// Package dashboard reads the per-user summary. It owns no writes; favorites,
// subscriptions, notifications and the reconciler invalidate it.
package dashboard

import (
	"context"
	"time"

	"regwatch/internal/querycache"
	"regwatch/internal/registry"
	"regwatch/internal/registry/models"
	"regwatch/internal/remote"
)

const TTL = time.Minute

var summaryQuery = remote.Query("DashboardSummary", `query DashboardSummary {
  dashboard {
    favoritesCount activeSubscriptions unreadNotifications
    recentChanges { id subscriptionId entityType entityId changeSummary receivedAt }
  }
}`)

type Service struct {
	engine *querycache.Engine
	remote remote.Executor
	scope  registry.Scoper
}

func NewService(engine *querycache.Engine, ex remote.Executor, scope registry.Scoper) *Service {
	return &Service{engine: engine, remote: ex, scope: scope}
}

func (s *Service) Summary(ctx context.Context) (querycache.State[models.DashboardSummary], error) {
	scope, err := s.scope.Scope()
	if err != nil {
		return querycache.State[models.DashboardSummary]{}, err
	}
	return querycache.Query(ctx, s.engine, registry.DashboardKey(scope), func(ctx context.Context) (models.DashboardSummary, error) {
		out, err := remote.Do[struct {
			Dashboard models.DashboardSummary `json:"dashboard"`
		}](ctx, s.remote, summaryQuery, nil)
		return out.Dashboard, err
	}, querycache.Options{TTL: TTL})
}

// Watch keeps the summary referenced while a view shows it.
func (s *Service) Watch() (release func(), err error) {
	scope, err := s.scope.Scope()
	if err != nil {
		return nil, err
	}
	return s.engine.Retain(registry.DashboardKey(scope)), nil
}

func (s *Service) Refetch(ctx context.Context) (querycache.State[models.DashboardSummary], error) {
	scope, err := s.scope.Scope()
	if err != nil {
		return querycache.State[models.DashboardSummary]{}, err
	}
	s.engine.Invalidate(querycache.Exact(registry.DashboardKey(scope)))
	return s.Summary(ctx)
}
