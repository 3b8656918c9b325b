package reconciler

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"time"

	"regwatch/internal/registry/models"
	"regwatch/pkg/platform/sentinel"
)

// Feed returns events received at or after since, oldest first.
type Feed interface {
	Poll(ctx context.Context, since time.Time) ([]models.NotificationEvent, error)
}

// Poller asks the notification feed for new events on a fixed interval.
// It is the fallback when no push source is configured. The cursor is the
// newest receive time seen plus the IDs already delivered at that time, so
// events sharing a timestamp across batches are delivered exactly once.
type Poller struct {
	feed     Feed
	interval time.Duration
	since    time.Time
	seen     map[string]struct{}
	logger   *slog.Logger
}

func NewPoller(feed Feed, interval time.Duration, since time.Time, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Poller{feed: feed, interval: interval, since: since, seen: make(map[string]struct{}), logger: logger}
}

func (p *Poller) Run(ctx context.Context, out chan<- models.NotificationEvent) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.PollOnce(ctx, out); err != nil {
				return err
			}
		}
	}
}

// PollOnce fetches and delivers one batch. Feed failures are logged and
// skipped; only ctx ending is returned.
func (p *Poller) PollOnce(ctx context.Context, out chan<- models.NotificationEvent) error {
	events, err := p.feed.Poll(ctx, p.since)
	switch {
	case err == nil:
	case errors.Is(err, sentinel.ErrUnauthenticated):
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		if p.logger != nil {
			p.logger.WarnContext(ctx, "notification poll failed", "error", err)
		}
		return nil
	}

	since, seen := p.since, maps.Clone(p.seen)
	for _, event := range events {
		if !fresh(event, since, seen) {
			continue
		}
		if err := deliver(ctx, out, event); err != nil {
			return err
		}
		p.advance(event)
	}
	return nil
}

// fresh reports whether event is past the cursor a batch was requested with.
func fresh(event models.NotificationEvent, since time.Time, seen map[string]struct{}) bool {
	if event.ReceivedAt.Before(since) {
		return false
	}
	if event.ReceivedAt.Equal(since) {
		_, dup := seen[event.ID]
		return !dup
	}
	return true
}

func (p *Poller) advance(event models.NotificationEvent) {
	switch {
	case event.ReceivedAt.After(p.since):
		p.since = event.ReceivedAt
		p.seen = map[string]struct{}{event.ID: {}}
	case event.ReceivedAt.Equal(p.since):
		p.seen[event.ID] = struct{}{}
	}
}
