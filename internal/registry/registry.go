// Package registry holds what the registry domain services share: cache key
// shapes, the scope resolver and the mapping from remote failures to cache
// error classes. Each domain package declares its own TTL and invalidation rules.
package registry

import (
	"context"
	"errors"
	"strconv"

	"regwatch/internal/querycache"
	"regwatch/internal/registry/models"
	"regwatch/internal/remote"
)

// Cache key kinds.
const (
	KindCompany       = "company"
	KindFavorites     = "favorites"
	KindSubscriptions = "subscriptions"
	KindDashboard     = "dashboard"
	KindNotifications = "notifications"
)

// Scoper resolves the cache scope of the signed-in user. It fails with
// sentinel.ErrUnauthenticated when nobody is signed in.
type Scoper interface {
	Scope() (string, error)
}

// CompanyKey addresses the public registry card of one entity.
func CompanyKey(ref models.EntityRef) querycache.Key {
	return querycache.NewKey(KindCompany, ref.ID, "detail", map[string]string{"type": string(ref.Type)})
}

// CompanySearchKey addresses one page of search results.
func CompanySearchKey(query string, page int) querycache.Key {
	return querycache.NewKey(KindCompany, "", "search", map[string]string{
		"q":    query,
		"page": strconv.Itoa(page),
	})
}

// CompanyEntity matches every cached variant of one entity's card.
func CompanyEntity(id string) querycache.Predicate {
	return func(k querycache.Key) bool {
		return k.Kind == KindCompany && k.ID == id && k.Variant == "detail"
	}
}

func FavoritesKey(scope string) querycache.Key {
	return querycache.NewKey(KindFavorites, scope, "list", nil).WithScope(scope)
}

func SubscriptionsKey(scope string) querycache.Key {
	return querycache.NewKey(KindSubscriptions, scope, "list", nil).WithScope(scope)
}

func DashboardKey(scope string) querycache.Key {
	return querycache.NewKey(KindDashboard, scope, "summary", nil).WithScope(scope)
}

func NotificationsKey(scope string, page int) querycache.Key {
	return querycache.NewKey(KindNotifications, scope, "list", map[string]string{"page": strconv.Itoa(page)}).WithScope(scope)
}

// NotificationPages matches every cached notification page of one user.
func NotificationPages(scope string) querycache.Predicate {
	return querycache.And(querycache.KindIs(KindNotifications), querycache.ScopedTo(scope))
}

// ClassifyRemote maps remote client failures onto cache error classes.
// Retryable kinds are transient and auth failures reset the session.
// Rejected input goes back to the caller without touching the cache.
func ClassifyRemote(err error) querycache.ErrorClass {
	if errors.Is(err, context.Canceled) {
		return querycache.ClassCancelled
	}
	var re *remote.Error
	if !errors.As(err, &re) {
		return querycache.DefaultClassifier(err)
	}
	switch re.Kind {
	case remote.KindCancelled:
		return querycache.ClassCancelled
	case remote.KindAuth:
		return querycache.ClassAuth
	case remote.KindValidation:
		return querycache.ClassValidation
	}
	if re.Retryable {
		return querycache.ClassTransient
	}
	return querycache.ClassPermanent
}
