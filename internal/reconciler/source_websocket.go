package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"regwatch/internal/registry/models"
	"regwatch/internal/remote"
)

const (
	wsHandshakeTimeout = 10 * time.Second
	wsMaxReconnectWait = 30 * time.Second
)

// WebSocketSource receives server-pushed events over a websocket and
// reconnects with exponential backoff when the connection drops.
type WebSocketSource struct {
	url    string
	tokens remote.TokenSource
	dialer *websocket.Dialer
	logger *slog.Logger
}

func NewWebSocketSource(url string, tokens remote.TokenSource, logger *slog.Logger) *WebSocketSource {
	return &WebSocketSource{
		url:    url,
		tokens: tokens,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: wsHandshakeTimeout,
		},
		logger: logger,
	}
}

// Run keeps a connection open until ctx is done.
func (s *WebSocketSource) Run(ctx context.Context, out chan<- models.NotificationEvent) error {
	policy := backoff.NewExponentialBackOff()
	policy.MaxInterval = wsMaxReconnectWait
	policy.MaxElapsedTime = 0

	for {
		connected, err := s.session(ctx, out)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			policy.Reset()
		}
		wait := policy.NextBackOff()
		if s.logger != nil {
			s.logger.WarnContext(ctx, "notification websocket disconnected", "error", err, "retry_in", wait)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// session runs one connection. connected reports whether the handshake succeeded.
func (s *WebSocketSource) session(ctx context.Context, out chan<- models.NotificationEvent) (connected bool, err error) {
	header := http.Header{}
	if s.tokens != nil {
		if token := s.tokens.Token(); token != "" {
			header.Set("Authorization", "Bearer "+token)
		}
	}
	conn, resp, err := s.dialer.DialContext(ctx, s.url, header)
	if err != nil {
		if resp != nil {
			return false, fmt.Errorf("websocket handshake: status %d: %w", resp.StatusCode, err)
		}
		return false, fmt.Errorf("websocket dial: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if s.logger != nil {
		s.logger.InfoContext(ctx, "notification websocket connected", "url", s.url)
	}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		event, err := decodeEvent(data)
		if err != nil {
			if s.logger != nil {
				s.logger.WarnContext(ctx, "skipping undecodable websocket message", "error", err)
			}
			continue
		}
		if event.ReceivedAt.IsZero() {
			event.ReceivedAt = time.Now()
		}
		if err := deliver(ctx, out, event); err != nil {
			return true, err
		}
	}
}
