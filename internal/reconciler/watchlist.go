package reconciler

import (
	"sync"

	"regwatch/internal/registry/models"
)

// Watch is a subscription together with the user that owns it.
type Watch struct {
	Scope  string
	Record models.SubscriptionRecord
}

// Watchlist indexes the confirmed subscriptions the reconciler acts on.
// It implements subscriptions.Watcher.
type Watchlist struct {
	mu    sync.RWMutex
	byID  map[string]Watch
	byRef map[models.EntityRef]map[string]struct{}
}

func NewWatchlist() *Watchlist {
	return &Watchlist{
		byID:  make(map[string]Watch),
		byRef: make(map[models.EntityRef]map[string]struct{}),
	}
}

// Replace swaps every record owned by scope for records.
func (w *Watchlist) Replace(scope string, records []models.SubscriptionRecord) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, watch := range w.byID {
		if watch.Scope == scope {
			w.removeLocked(id)
		}
	}
	for _, r := range records {
		w.putLocked(Watch{Scope: scope, Record: r})
	}
}

func (w *Watchlist) Upsert(scope string, record models.SubscriptionRecord) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.removeLocked(record.ID)
	w.putLocked(Watch{Scope: scope, Record: record})
}

func (w *Watchlist) Remove(scope, id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if watch, ok := w.byID[id]; ok && watch.Scope == scope {
		w.removeLocked(id)
	}
}

// Active returns the active subscriptions on ref.
func (w *Watchlist) Active(ref models.EntityRef) []Watch {
	w.mu.RLock()
	defer w.mu.RUnlock()
	var out []Watch
	for id := range w.byRef[ref] {
		if watch := w.byID[id]; watch.Record.Active {
			out = append(out, watch)
		}
	}
	return out
}

// Clear forgets every subscription, e.g. on logout.
func (w *Watchlist) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.byID = make(map[string]Watch)
	w.byRef = make(map[models.EntityRef]map[string]struct{})
}

func (w *Watchlist) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.byID)
}

func (w *Watchlist) putLocked(watch Watch) {
	id := watch.Record.ID
	ref := watch.Record.Ref()
	w.byID[id] = watch
	ids, ok := w.byRef[ref]
	if !ok {
		ids = make(map[string]struct{})
		w.byRef[ref] = ids
	}
	ids[id] = struct{}{}
}

func (w *Watchlist) removeLocked(id string) {
	watch, ok := w.byID[id]
	if !ok {
		return
	}
	delete(w.byID, id)
	ref := watch.Record.Ref()
	delete(w.byRef[ref], id)
	if len(w.byRef[ref]) == 0 {
		delete(w.byRef, ref)
	}
}
