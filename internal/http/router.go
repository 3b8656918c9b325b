// Package httpapi serves the local debug surface: health, Prometheus
// metrics and read-only views of the cache, the session and recent
// notifications.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"regwatch/internal/platform/middleware"
	"regwatch/internal/querycache"
	"regwatch/internal/registry/models"
	"regwatch/internal/session"
)

type CacheInspector interface {
	Snapshot() []querycache.Entry
}

type SessionInspector interface {
	Snapshot() session.Session
}

type EventLog interface {
	Recent() []models.NotificationEvent
}

type StoreHealth interface {
	Degraded() bool
}

// Handler exposes the inspection endpoints. Every dependency is read-only.
type Handler struct {
	cache   CacheInspector
	session SessionInspector
	events  EventLog
	store   StoreHealth
	gather  prometheus.Gatherer
	token   string
	logger  *slog.Logger
}

func NewHandler(cache CacheInspector, sess SessionInspector, events EventLog, store StoreHealth, gather prometheus.Gatherer, token string, logger *slog.Logger) *Handler {
	return &Handler{
		cache:   cache,
		session: sess,
		events:  events,
		store:   store,
		gather:  gather,
		token:   token,
		logger:  logger,
	}
}

func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recovery(h.logger))
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(h.logger))

	r.Get("/healthz", h.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(h.gather, promhttp.HandlerOpts{}))
	r.Route("/debug", func(r chi.Router) {
		r.Use(middleware.RequireToken(h.token, h.logger))
		r.Get("/cache", h.handleCache)
		r.Get("/session", h.handleSession)
		r.Get("/notifications", h.handleNotifications)
	})
	return r
}

type healthResponse struct {
	Status        string `json:"status"`
	StoreDegraded bool   `json:"storeDegraded"`
	Authenticated bool   `json:"authenticated"`
	CachedEntries int    `json:"cachedEntries"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status:        "ok",
		StoreDegraded: h.store.Degraded(),
		Authenticated: h.session.Snapshot().IsAuthenticated,
		CachedEntries: len(h.cache.Snapshot()),
	}
	if resp.StoreDegraded {
		resp.Status = "degraded"
	}
	writeJSON(w, http.StatusOK, resp)
}

type entryView struct {
	Key        string            `json:"key"`
	Status     querycache.Status `json:"status"`
	HasData    bool              `json:"hasData"`
	FetchedAt  *time.Time        `json:"fetchedAt,omitempty"`
	Optimistic bool              `json:"optimistic,omitempty"`
	Refreshing bool              `json:"refreshing,omitempty"`
	Error      string            `json:"error,omitempty"`
}

func (h *Handler) handleCache(w http.ResponseWriter, _ *http.Request) {
	entries := h.cache.Snapshot()
	out := make([]entryView, 0, len(entries))
	for _, e := range entries {
		v := entryView{
			Key:        e.Key.String(),
			Status:     e.Status,
			HasData:    e.HasData,
			Optimistic: e.Optimistic,
			Refreshing: e.Refreshing,
		}
		if !e.FetchedAt.IsZero() {
			fetchedAt := e.FetchedAt
			v.FetchedAt = &fetchedAt
		}
		if e.Err != nil {
			v.Error = e.Err.Error()
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleSession(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.session.Snapshot())
}

func (h *Handler) handleNotifications(w http.ResponseWriter, _ *http.Request) {
	events := h.events.Recent()
	if events == nil {
		events = []models.NotificationEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
