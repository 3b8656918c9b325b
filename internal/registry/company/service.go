// Package company reads public registry cards. Cards are never invalidated by
// user actions, only by notification events for the entity.
package company

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"regwatch/internal/querycache"
	"regwatch/internal/registry"
	"regwatch/internal/registry/models"
	"regwatch/internal/remote"
	"regwatch/pkg/platform/sentinel"
)

const (
	TTL       = 10 * time.Minute
	SearchTTL = 2 * time.Minute
)

var (
	profileQuery = remote.Query("CompanyProfile", `query CompanyProfile($id: ID!, $type: EntityType!) {
  company(id: $id, type: $type) { id type name ogrn inn status address updatedAt }
}`)
	searchQuery = remote.Query("SearchCompanies", `query SearchCompanies($q: String!, $page: Int!) {
  searchCompanies(query: $q, page: $page) {
    total page
    items { id type name ogrn inn status address updatedAt }
  }
}`)
)

type Service struct {
	engine *querycache.Engine
	remote remote.Executor
	logger *slog.Logger
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func NewService(engine *querycache.Engine, ex remote.Executor, opts ...Option) *Service {
	s := &Service{engine: engine, remote: ex}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Profile returns the registry card for ref.
func (s *Service) Profile(ctx context.Context, ref models.EntityRef) (querycache.State[models.Company], error) {
	if err := validateRef(ref); err != nil {
		return querycache.State[models.Company]{}, err
	}
	return querycache.Query(ctx, s.engine, registry.CompanyKey(ref), func(ctx context.Context) (models.Company, error) {
		out, err := remote.Do[struct {
			Company models.Company `json:"company"`
		}](ctx, s.remote, profileQuery, remote.Variables{"id": ref.ID, "type": ref.Type})
		return out.Company, err
	}, querycache.Options{TTL: TTL})
}

// Refetch marks the card stale and reads it again.
func (s *Service) Refetch(ctx context.Context, ref models.EntityRef) (querycache.State[models.Company], error) {
	if err := validateRef(ref); err != nil {
		return querycache.State[models.Company]{}, err
	}
	if n := s.engine.Invalidate(querycache.Exact(registry.CompanyKey(ref))); n == 0 && s.logger != nil {
		s.logger.DebugContext(ctx, "refetch of uncached company card", "entity", ref.String())
	}
	return s.Profile(ctx, ref)
}

// Watch keeps the card referenced while a view shows it.
func (s *Service) Watch(ref models.EntityRef) (release func()) {
	return s.engine.Retain(registry.CompanyKey(ref))
}

// Search returns one page of results. Pages start at 1.
func (s *Service) Search(ctx context.Context, query string, page int) (querycache.State[models.SearchResult], error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return querycache.State[models.SearchResult]{}, fmt.Errorf("empty search query: %w", sentinel.ErrInvalidState)
	}
	if page < 1 {
		page = 1
	}
	return querycache.Query(ctx, s.engine, registry.CompanySearchKey(query, page), func(ctx context.Context) (models.SearchResult, error) {
		out, err := remote.Do[struct {
			Result models.SearchResult `json:"searchCompanies"`
		}](ctx, s.remote, searchQuery, remote.Variables{"q": query, "page": page})
		return out.Result, err
	}, querycache.Options{TTL: SearchTTL})
}

func validateRef(ref models.EntityRef) error {
	if ref.ID == "" || !ref.Type.Valid() {
		return fmt.Errorf("entity %q: %w", ref.String(), sentinel.ErrInvalidState)
	}
	return nil
}
