// Package prefs stores UI preferences. They have no relation to remote data
// and are persisted under the ui-storage namespace.
package prefs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"regwatch/internal/persist"
	"regwatch/pkg/platform/sentinel"
)

type Theme string

const (
	ThemeLight  Theme = "light"
	ThemeDark   Theme = "dark"
	ThemeSystem Theme = "system"
)

func (t Theme) Valid() bool {
	switch t {
	case ThemeLight, ThemeDark, ThemeSystem:
		return true
	}
	return false
}

type Preference struct {
	Theme       Theme `json:"theme"`
	SidebarOpen bool  `json:"sidebarOpen"`
}

// Default is the preference used before anything was saved.
func Default() Preference {
	return Preference{Theme: ThemeSystem, SidebarOpen: true}
}

type Store struct {
	mu     sync.RWMutex
	pref   Preference
	store  *persist.Store
	logger *slog.Logger
}

func New(store *persist.Store, logger *slog.Logger) *Store {
	return &Store{pref: Default(), store: store, logger: logger}
}

// Hydrate loads saved preferences. Invalid saved themes fall back to the default.
func (s *Store) Hydrate(ctx context.Context) {
	saved, ok := persist.Load[Preference](ctx, s.store, persist.NamespaceUI)
	if !ok {
		return
	}
	if !saved.Theme.Valid() {
		if s.logger != nil {
			s.logger.WarnContext(ctx, "ignoring saved theme", "theme", saved.Theme)
		}
		saved.Theme = Default().Theme
	}
	s.mu.Lock()
	s.pref = saved
	s.mu.Unlock()
}

func (s *Store) Get() Preference {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pref
}

func (s *Store) SetTheme(ctx context.Context, theme Theme) error {
	if !theme.Valid() {
		return fmt.Errorf("theme %q: %w", theme, sentinel.ErrInvalidState)
	}
	s.update(ctx, func(p *Preference) { p.Theme = theme })
	return nil
}

func (s *Store) SetSidebarOpen(ctx context.Context, open bool) {
	s.update(ctx, func(p *Preference) { p.SidebarOpen = open })
}

// ToggleSidebar flips the sidebar and returns the new state.
func (s *Store) ToggleSidebar(ctx context.Context) bool {
	var open bool
	s.update(ctx, func(p *Preference) {
		p.SidebarOpen = !p.SidebarOpen
		open = p.SidebarOpen
	})
	return open
}

func (s *Store) update(ctx context.Context, fn func(*Preference)) {
	s.mu.Lock()
	fn(&s.pref)
	pref := s.pref
	s.mu.Unlock()
	persist.Save(ctx, s.store, persist.NamespaceUI, pref)
}
