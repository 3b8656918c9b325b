package reconciler

import (
	"context"
	"sync"

	"regwatch/internal/registry/models"
)

const defaultHistorySize = 100

// History is a bounded in-memory Sink keeping the most recent events.
type History struct {
	mu     sync.Mutex
	events []models.NotificationEvent
	next   int
	full   bool
}

func NewHistory(size int) *History {
	if size <= 0 {
		size = defaultHistorySize
	}
	return &History{events: make([]models.NotificationEvent, size)}
}

func (h *History) Record(_ context.Context, event models.NotificationEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events[h.next] = event
	h.next = (h.next + 1) % len(h.events)
	if h.next == 0 {
		h.full = true
	}
}

// Recent returns the recorded events, newest first.
func (h *History) Recent() []models.NotificationEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := h.next
	if h.full {
		n = len(h.events)
	}
	out := make([]models.NotificationEvent, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, h.events[(h.next-i+len(h.events))%len(h.events)])
	}
	return out
}
