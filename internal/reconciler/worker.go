package reconciler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"regwatch/internal/registry/models"
)

// Worker feeds events from its inbox to the reconciler one at a time.
type Worker struct {
	reconciler *Reconciler
	inbox      <-chan models.NotificationEvent
	logger     *slog.Logger
}

func NewWorker(r *Reconciler, inbox <-chan models.NotificationEvent, logger *slog.Logger) *Worker {
	return &Worker{reconciler: r, inbox: inbox, logger: logger}
}

// Run blocks until ctx is done or the inbox is closed.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.inbox:
			if !ok {
				if w.logger != nil {
					w.logger.InfoContext(ctx, "notification inbox closed")
				}
				return nil
			}
			w.reconciler.Handle(ctx, event)
		}
	}
}

// deliver hands event to out unless ctx ends first.
func deliver(ctx context.Context, out chan<- models.NotificationEvent, event models.NotificationEvent) error {
	select {
	case out <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// decodeEvent parses a pushed event. Events without an entity are rejected.
func decodeEvent(raw []byte) (models.NotificationEvent, error) {
	var event models.NotificationEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return models.NotificationEvent{}, fmt.Errorf("decode notification: %w", err)
	}
	if event.EntityID == "" {
		return models.NotificationEvent{}, fmt.Errorf("notification %q has no entity id", event.ID)
	}
	return event, nil
}
