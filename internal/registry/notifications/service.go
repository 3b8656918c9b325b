// Package notifications reads the notification feed and marks entries read.
package notifications

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"regwatch/internal/querycache"
	"regwatch/internal/registry"
	"regwatch/internal/registry/models"
	"regwatch/internal/remote"
	"regwatch/pkg/platform/sentinel"
)

const TTL = 30 * time.Second

var (
	listQuery = remote.Query("Notifications", `query Notifications($page: Int!) {
  notifications(page: $page) {
    page unread
    items { id subscriptionId entityType entityId changeSummary receivedAt read }
  }
}`)
	sinceQuery = remote.Query("NotificationsSince", `query NotificationsSince($since: DateTime!) {
  notificationsSince(since: $since) { id subscriptionId entityType entityId changeSummary receivedAt }
}`)
	markReadMutation = remote.Mutation("MarkNotificationRead", `mutation MarkNotificationRead($id: ID!) {
  markNotificationRead(id: $id)
}`)
	markAllReadMutation = remote.Mutation("MarkAllNotificationsRead", `mutation MarkAllNotificationsRead {
  markAllNotificationsRead
}`)
)

type Service struct {
	engine *querycache.Engine
	remote remote.Executor
	scope  registry.Scoper
	logger *slog.Logger
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func NewService(engine *querycache.Engine, ex remote.Executor, scope registry.Scoper, opts ...Option) *Service {
	s := &Service{engine: engine, remote: ex, scope: scope}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// List returns one page of the feed. Pages start at 1.
func (s *Service) List(ctx context.Context, page int) (querycache.State[models.NotificationPage], error) {
	scope, err := s.scope.Scope()
	if err != nil {
		return querycache.State[models.NotificationPage]{}, err
	}
	if page < 1 {
		page = 1
	}
	return querycache.Query(ctx, s.engine, registry.NotificationsKey(scope, page), func(ctx context.Context) (models.NotificationPage, error) {
		out, err := remote.Do[struct {
			Page models.NotificationPage `json:"notifications"`
		}](ctx, s.remote, listQuery, remote.Variables{"page": page})
		return out.Page, err
	}, querycache.Options{TTL: TTL})
}

// Watch keeps one page referenced while a view shows it.
func (s *Service) Watch(page int) (release func(), err error) {
	scope, err := s.scope.Scope()
	if err != nil {
		return nil, err
	}
	if page < 1 {
		page = 1
	}
	return s.engine.Retain(registry.NotificationsKey(scope, page)), nil
}

func (s *Service) Refetch(ctx context.Context, page int) (querycache.State[models.NotificationPage], error) {
	scope, err := s.scope.Scope()
	if err != nil {
		return querycache.State[models.NotificationPage]{}, err
	}
	s.engine.Invalidate(registry.NotificationPages(scope))
	return s.List(ctx, page)
}

// Poll returns events received at or after since, oldest first. It bypasses the
// cache; the events are meant for the reconciler.
func (s *Service) Poll(ctx context.Context, since time.Time) ([]models.NotificationEvent, error) {
	if _, err := s.scope.Scope(); err != nil {
		return nil, err
	}
	var events []models.NotificationEvent
	err := s.engine.Exec(ctx, func(ctx context.Context) error {
		out, err := remote.Do[struct {
			Events []models.NotificationEvent `json:"notificationsSince"`
		}](ctx, s.remote, sinceQuery, remote.Variables{"since": since.UTC().Format(time.RFC3339Nano)})
		events = out.Events
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("poll notifications: %w", err)
	}
	return events, nil
}

func (s *Service) MarkRead(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("notification id: %w", sentinel.ErrInvalidState)
	}
	return s.mark(ctx, markReadMutation, remote.Variables{"id": id})
}

func (s *Service) MarkAllRead(ctx context.Context) error {
	return s.mark(ctx, markAllReadMutation, nil)
}

// mark runs a read-state mutation. Success invalidates every cached page
// and the dashboard summary; failure leaves the cache untouched.
func (s *Service) mark(ctx context.Context, op remote.Operation, vars remote.Variables) error {
	scope, err := s.scope.Scope()
	if err != nil {
		return err
	}
	err = s.engine.Exec(ctx, func(ctx context.Context) error {
		_, err := s.remote.Execute(ctx, op, vars)
		return err
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op.Name, err)
	}
	n := s.engine.Invalidate(querycache.Or(
		registry.NotificationPages(scope),
		querycache.Exact(registry.DashboardKey(scope)),
	))
	if s.logger != nil {
		s.logger.DebugContext(ctx, "notifications marked read", "operation", op.Name, "invalidated", n)
	}
	return nil
}
