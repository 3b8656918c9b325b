// Package persist keeps small pieces of client state (session, UI
// preferences, the offline favorites index) across process restarts.
//
// Backends may fail; Store wraps one and never surfaces those failures to
// callers, falling back to an in-memory copy instead.
package persist

import (
	"context"
	"encoding/json"
)

// Namespaces used by the client.
const (
	NamespaceAuth      = "auth-storage"
	NamespaceUI        = "ui-storage"
	NamespaceFavorites = "favorites-storage"
)

// Backend is a namespaced durable key/value medium. Get returns
// sentinel.ErrNotFound when nothing is stored under ns. Set is last-write-wins.
type Backend interface {
	Get(ctx context.Context, ns string) (json.RawMessage, error)
	Set(ctx context.Context, ns string, value json.RawMessage) error
	Remove(ctx context.Context, ns string) error
	Close() error
}
