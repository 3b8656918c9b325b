// Package models holds the registry client's domain types. They are shared by
// the session manager, the domain services and the notification reconciler.
package models

import "time"

// EntityType distinguishes the two kinds of registry entries.
type EntityType string

const (
	EntityCompany      EntityType = "company"
	EntityEntrepreneur EntityType = "entrepreneur"
)

func (t EntityType) Valid() bool {
	return t == EntityCompany || t == EntityEntrepreneur
}

// EntityRef identifies a registry entity.
type EntityRef struct {
	Type EntityType `json:"entityType"`
	ID   string     `json:"entityId"`
}

func (r EntityRef) String() string {
	return string(r.Type) + ":" + r.ID
}

// User is the signed-in account as returned by the API. It is informational;
// authentication state is derived from the token alone.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// Company is a registry card for a legal entity or an individual entrepreneur.
type Company struct {
	ID        string     `json:"id"`
	Type      EntityType `json:"type"`
	Name      string     `json:"name"`
	OGRN      string     `json:"ogrn"`
	INN       string     `json:"inn"`
	Status    string     `json:"status"`
	Address   string     `json:"address,omitempty"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

func (c Company) Ref() EntityRef {
	return EntityRef{Type: c.Type, ID: c.ID}
}

// SearchResult is one page of a registry search.
type SearchResult struct {
	Items []Company `json:"items"`
	Total int       `json:"total"`
	Page  int       `json:"page"`
}

type FavoriteRecord struct {
	EntityType EntityType `json:"entityType"`
	EntityID   string     `json:"entityId"`
	AddedAt    time.Time  `json:"addedAt"`
}

func (f FavoriteRecord) Ref() EntityRef {
	return EntityRef{Type: f.EntityType, ID: f.EntityID}
}

// SubscriptionRecord drives which entities the reconciler watches. Inactive
// subscriptions are kept but never cause invalidation.
type SubscriptionRecord struct {
	ID         string     `json:"id"`
	EntityType EntityType `json:"entityType"`
	EntityID   string     `json:"entityId"`
	Active     bool       `json:"active"`
	CreatedAt  time.Time  `json:"createdAt"`
}

func (s SubscriptionRecord) Ref() EntityRef {
	return EntityRef{Type: s.EntityType, ID: s.EntityID}
}

// NotificationEvent reports a change on a subscribed entity. It is consumed
// once by the reconciler.
type NotificationEvent struct {
	ID             string     `json:"id"`
	SubscriptionID string     `json:"subscriptionId"`
	EntityType     EntityType `json:"entityType"`
	EntityID       string     `json:"entityId"`
	ChangeSummary  string     `json:"changeSummary"`
	ReceivedAt     time.Time  `json:"receivedAt"`
	Read           bool       `json:"read,omitempty"`
}

func (n NotificationEvent) Ref() EntityRef {
	return EntityRef{Type: n.EntityType, ID: n.EntityID}
}

// NotificationPage is one page of the notification feed.
type NotificationPage struct {
	Items  []NotificationEvent `json:"items"`
	Unread int                 `json:"unread"`
	Page   int                 `json:"page"`
}

// DashboardSummary aggregates per-user counters shown on the dashboard.
type DashboardSummary struct {
	FavoritesCount      int                 `json:"favoritesCount"`
	ActiveSubscriptions int                 `json:"activeSubscriptions"`
	UnreadNotifications int                 `json:"unreadNotifications"`
	RecentChanges       []NotificationEvent `json:"recentChanges"`
}
