// Package session holds the signed-in user, the access token and the derived
// authentication flag for the whole process. State is persisted under the
// auth-storage namespace and restored by Hydrate.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"regwatch/internal/persist"
	"regwatch/internal/querycache"
	"regwatch/internal/registry/models"
	"regwatch/pkg/platform/sentinel"
)

// anonymousScope is used for per-user cache keys when a token is present but
// neither the profile nor the token identifies the user yet.
const anonymousScope = "current"

// Session is a point-in-time copy of the session state.
type Session struct {
	User            *models.User `json:"user,omitempty"`
	Token           string       `json:"-"`
	IsAuthenticated bool         `json:"isAuthenticated"`
	IsLoading       bool         `json:"isLoading"`
}

// Cache is the part of the query cache the session drives on logout.
type Cache interface {
	Evict(pred querycache.Predicate) int
	Reset()
}

type persisted struct {
	User  *models.User `json:"user,omitempty"`
	Token string       `json:"token,omitempty"`
}

// Manager is the single owner of session state.
type Manager struct {
	mu      sync.RWMutex
	user    *models.User
	token   string
	loading bool

	listeners []func(Session)

	store  *persist.Store
	cache  Cache
	now    func() time.Time
	logger *slog.Logger
}

type Option func(*Manager)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager returns a manager backed by store. cache may be nil in tools
// that run without a query cache.
func NewManager(store *persist.Store, cache Cache, opts ...Option) *Manager {
	m := &Manager{
		store: store,
		cache: cache,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnChange registers fn to be called with the new state after every change.
func (m *Manager) OnChange(fn func(Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Hydrate restores the persisted session. An expired token is dropped.
func (m *Manager) Hydrate(ctx context.Context) {
	m.SetLoading(true)

	saved, ok := persist.Load[persisted](ctx, m.store, persist.NamespaceAuth)

	m.mu.Lock()
	m.loading = false
	if ok {
		m.user = saved.User
		m.token = saved.Token
		if m.token != "" && tokenExpired(m.token, m.now()) {
			if m.logger != nil {
				m.logger.InfoContext(ctx, "persisted token expired, dropping it")
			}
			m.token = ""
			m.user = nil
		}
	}
	state, listeners := m.snapshotLocked(), m.listeners
	m.mu.Unlock()

	if ok && state.Token != saved.Token {
		m.persist(ctx, state)
	}
	notify(listeners, state)
}

// Snapshot returns the current state.
func (m *Manager) Snapshot() Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked()
}

// SetUser records the profile of the signed-in user. Switching to a
// different user evicts the previous user's cached data.
func (m *Manager) SetUser(ctx context.Context, user *models.User) {
	m.mu.Lock()
	prior := m.user
	if user != nil {
		u := *user
		user = &u
	}
	m.user = user
	state, listeners := m.snapshotLocked(), m.listeners
	m.mu.Unlock()

	if prior != nil && (user == nil || user.ID != prior.ID) && m.cache != nil {
		m.cache.Evict(querycache.ScopedTo(prior.ID))
	}
	m.persist(ctx, state)
	notify(listeners, state)
}

// SetToken stores the access token. An empty token signs the session out of
// the API without clearing the profile.
func (m *Manager) SetToken(ctx context.Context, token string) {
	m.mu.Lock()
	m.token = token
	state, listeners := m.snapshotLocked(), m.listeners
	m.mu.Unlock()

	m.persist(ctx, state)
	notify(listeners, state)
}

func (m *Manager) SetLoading(loading bool) {
	m.mu.Lock()
	m.loading = loading
	state, listeners := m.snapshotLocked(), m.listeners
	m.mu.Unlock()
	notify(listeners, state)
}

// Logout clears user and token in one step and evicts every user-scoped
// cache entry so the next session cannot see them.
func (m *Manager) Logout(ctx context.Context) {
	m.mu.Lock()
	m.user = nil
	m.token = ""
	m.loading = false
	state, listeners := m.snapshotLocked(), m.listeners
	m.mu.Unlock()

	m.store.Remove(ctx, persist.NamespaceAuth)
	m.store.Remove(ctx, persist.NamespaceFavorites)
	evicted := 0
	if m.cache != nil {
		evicted = m.cache.Evict(querycache.UserScoped())
	}
	if m.logger != nil {
		m.logger.InfoContext(ctx, "session logged out", "evicted_entries", evicted)
	}
	notify(listeners, state)
}

// HandleAuthFailure is called when the API rejects the token. It logs out
// and resets the whole cache.
func (m *Manager) HandleAuthFailure(ctx context.Context) {
	if m.logger != nil {
		m.logger.WarnContext(ctx, "api rejected credentials, forcing logout")
	}
	m.Logout(ctx)
	if m.cache != nil {
		m.cache.Reset()
	}
}

// Token returns the current access token, or "" when there is none or it has expired.
func (m *Manager) Token() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.token == "" || tokenExpired(m.token, m.now()) {
		return ""
	}
	return m.token
}

// IsAuthenticated reports whether a usable token is held.
func (m *Manager) IsAuthenticated() bool {
	return m.Token() != ""
}

// Scope returns the cache scope for per-user data: the user ID, else the
// token subject. It fails with sentinel.ErrUnauthenticated without a usable token.
func (m *Manager) Scope() (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.authenticatedLocked() {
		return "", sentinel.ErrUnauthenticated
	}
	if m.user != nil && m.user.ID != "" {
		return m.user.ID, nil
	}
	if sub, _, ok := inspectToken(m.token); ok && sub != "" {
		return sub, nil
	}
	return anonymousScope, nil
}

func (m *Manager) authenticatedLocked() bool {
	return m.token != "" && !tokenExpired(m.token, m.now())
}

func (m *Manager) snapshotLocked() Session {
	var user *models.User
	if m.user != nil {
		u := *m.user
		user = &u
	}
	return Session{
		User:            user,
		Token:           m.token,
		IsAuthenticated: m.authenticatedLocked(),
		IsLoading:       m.loading,
	}
}

func (m *Manager) persist(ctx context.Context, s Session) {
	if s.User == nil && s.Token == "" {
		m.store.Remove(ctx, persist.NamespaceAuth)
		return
	}
	persist.Save(ctx, m.store, persist.NamespaceAuth, persisted{User: s.User, Token: s.Token})
}

func notify(listeners []func(Session), s Session) {
	for _, fn := range listeners {
		fn(s)
	}
}
