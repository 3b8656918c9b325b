package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"

	"regwatch/internal/platform/metrics"
	"regwatch/internal/querycache"
	"regwatch/internal/registry/models"
	"regwatch/internal/session"
)

type stubCache []querycache.Entry

func (s stubCache) Snapshot() []querycache.Entry { return s }

type stubSession session.Session

func (s stubSession) Snapshot() session.Session { return session.Session(s) }

type stubEvents []models.NotificationEvent

func (s stubEvents) Recent() []models.NotificationEvent { return s }

type stubStore bool

func (s stubStore) Degraded() bool { return bool(s) }

type RouterSuite struct {
	suite.Suite
	reg     *prometheus.Registry
	cache   stubCache
	events  stubEvents
	store   stubStore
	token   string
	handler http.Handler
}

func TestRouterSuite(t *testing.T) {
	suite.Run(t, new(RouterSuite))
}

func (s *RouterSuite) SetupTest() {
	s.reg = prometheus.NewRegistry()
	metrics.New(s.reg).IncrementHit()
	key := querycache.NewKey("company", "E123", "detail", map[string]string{"type": "company"})
	s.cache = stubCache{
		{Key: key, Status: querycache.StatusStale, HasData: true, FetchedAt: time.Unix(1700000000, 0).UTC()},
		{Key: querycache.NewKey("dashboard", "", "summary", nil).WithScope("u1"), Status: querycache.StatusError, Err: errors.New("upstream down")},
	}
	s.events = stubEvents{{ID: "n1", EntityType: models.EntityCompany, EntityID: "E123"}}
	s.store = false
	s.token = ""
	s.build()
}

func (s *RouterSuite) build() {
	sess := stubSession{User: &models.User{ID: "u1"}, Token: "secret", IsAuthenticated: true}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s.handler = NewRouter(NewHandler(s.cache, sess, s.events, s.store, s.reg, s.token, logger))
}

func (s *RouterSuite) get(path string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *RouterSuite) TestHealth() {
	rec := s.get("/healthz")
	s.Equal(http.StatusOK, rec.Code)
	s.NotEmpty(rec.Header().Get("X-Request-ID"))

	var body healthResponse
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &body))
	s.Equal("ok", body.Status)
	s.True(body.Authenticated)
	s.Equal(2, body.CachedEntries)
}

func (s *RouterSuite) TestHealthReportsDegradedStore() {
	s.store = true
	s.build()

	var body healthResponse
	s.Require().NoError(json.Unmarshal(s.get("/healthz").Body.Bytes(), &body))
	s.Equal("degraded", body.Status)
}

func (s *RouterSuite) TestMetrics() {
	rec := s.get("/metrics")
	s.Equal(http.StatusOK, rec.Code)
	s.Contains(rec.Body.String(), "regwatch_cache_hits_total 1")
}

func (s *RouterSuite) TestCacheView() {
	rec := s.get("/debug/cache")
	s.Equal(http.StatusOK, rec.Code)

	var views []entryView
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &views))
	s.Require().Len(views, 2)
	s.Equal("company/E123/detail?type=company", views[0].Key)
	s.Equal(querycache.StatusStale, views[0].Status)
	s.NotNil(views[0].FetchedAt)
	s.Equal("upstream down", views[1].Error)
	s.Nil(views[1].FetchedAt)
}

func (s *RouterSuite) TestSessionViewHidesToken() {
	rec := s.get("/debug/session")
	s.Equal(http.StatusOK, rec.Code)
	s.NotContains(rec.Body.String(), "secret")
	s.Contains(rec.Body.String(), `"isAuthenticated":true`)
}

func (s *RouterSuite) TestNotificationsViewIsNeverNull() {
	s.events = nil
	s.build()
	rec := s.get("/debug/notifications")
	s.Equal("[]", strings.TrimSpace(rec.Body.String()))
}

func (s *RouterSuite) TestDebugToken() {
	s.token = "letmein"
	s.build()

	s.Equal(http.StatusUnauthorized, s.get("/debug/cache").Code)
	s.Equal(http.StatusOK, s.get("/debug/cache", "Authorization", "Bearer letmein").Code)
	s.Equal(http.StatusOK, s.get("/healthz").Code, "health stays open")
}
