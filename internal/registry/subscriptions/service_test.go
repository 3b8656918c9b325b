package subscriptions

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"regwatch/internal/querycache"
	"regwatch/internal/registry"
	"regwatch/internal/registry/models"
	"regwatch/internal/remote"
	"regwatch/internal/remote/mocks"
	"regwatch/pkg/platform/sentinel"
)

type fixedScope string

func (f fixedScope) Scope() (string, error) {
	if f == "" {
		return "", sentinel.ErrUnauthenticated
	}
	return string(f), nil
}

// recordingWatcher keeps the last state it was told about.
type recordingWatcher struct {
	mu      sync.Mutex
	records map[string]models.SubscriptionRecord
}

func newRecordingWatcher() *recordingWatcher {
	return &recordingWatcher{records: make(map[string]models.SubscriptionRecord)}
}

func (w *recordingWatcher) Replace(_ string, records []models.SubscriptionRecord) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.records = make(map[string]models.SubscriptionRecord, len(records))
	for _, r := range records {
		w.records[r.ID] = r
	}
}

func (w *recordingWatcher) Upsert(_ string, r models.SubscriptionRecord) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.records[r.ID] = r
}

func (w *recordingWatcher) Remove(_, id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.records, id)
}

func (w *recordingWatcher) get(id string) (models.SubscriptionRecord, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.records[id]
	return r, ok
}

type ServiceSuite struct {
	suite.Suite
	ctx      context.Context
	executor *mocks.MockExecutor
	engine   *querycache.Engine
	watcher  *recordingWatcher
	service  *Service
	ref      models.EntityRef
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.ctx = context.Background()
	s.executor = mocks.NewMockExecutor(gomock.NewController(s.T()))
	s.engine = querycache.New(querycache.WithClassifier(registry.ClassifyRemote), querycache.WithRetry(0, time.Millisecond))
	s.watcher = newRecordingWatcher()
	s.service = NewService(s.engine, s.executor, fixedScope("u1"), s.watcher)
	s.ref = models.EntityRef{Type: models.EntityCompany, ID: "E123"}
}

func (s *ServiceSuite) TearDownTest() {
	s.engine.Close()
}

func (s *ServiceSuite) TestListFeedsWatcher() {
	s.executor.EXPECT().Execute(gomock.Any(), listQuery, gomock.Any()).
		Return(json.RawMessage(`{"subscriptions":[{"id":"s1","entityType":"company","entityId":"E123","active":true,"createdAt":"2026-03-01T00:00:00Z"}]}`), nil)

	state, err := s.service.List(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(state.Data, 1)

	rec, ok := s.watcher.get("s1")
	s.True(ok)
	s.True(rec.Active)
}

func (s *ServiceSuite) TestCreateWatchesAfterConfirmation() {
	s.engine.Write(registry.SubscriptionsKey("u1"), []models.SubscriptionRecord{}, TTL)
	s.engine.Write(registry.DashboardKey("u1"), models.DashboardSummary{}, time.Minute)

	s.executor.EXPECT().Execute(gomock.Any(), createMutation, remote.Variables{"entityType": models.EntityCompany, "entityId": "E123"}).
		DoAndReturn(func(context.Context, remote.Operation, remote.Variables) (json.RawMessage, error) {
			during, _ := querycache.Current[[]models.SubscriptionRecord](s.engine, registry.SubscriptionsKey("u1"))
			s.Require().Len(during, 1)
			s.True(strings.HasPrefix(during[0].ID, pendingPrefix))
			s.watcher.mu.Lock()
			s.Empty(s.watcher.records, "not watched before the server confirms")
			s.watcher.mu.Unlock()
			return json.RawMessage(`{"createSubscription":{"id":"s9","entityType":"company","entityId":"E123","active":true,"createdAt":"2026-04-01T00:00:00Z"}}`), nil
		})

	rec, err := s.service.Create(s.ctx, s.ref)
	s.Require().NoError(err)
	s.Equal("s9", rec.ID)

	watched, ok := s.watcher.get("s9")
	s.True(ok)
	s.True(watched.Active)

	list, _ := s.engine.Peek(registry.SubscriptionsKey("u1"))
	s.Equal(querycache.StatusStale, list.Status)
	s.Equal([]models.SubscriptionRecord{rec}, list.Data)
	dashboard, _ := s.engine.Peek(registry.DashboardKey("u1"))
	s.Equal(querycache.StatusStale, dashboard.Status)
}

func (s *ServiceSuite) TestCreateFailureLeavesNothingBehind() {
	s.executor.EXPECT().Execute(gomock.Any(), createMutation, gomock.Any()).
		Return(nil, &remote.Error{Kind: remote.KindNetwork, Retryable: true, Op: createMutation.Name})

	_, err := s.service.Create(s.ctx, s.ref)
	s.Require().Error(err)

	_, ok := s.engine.Peek(registry.SubscriptionsKey("u1"))
	s.False(ok)
	s.Empty(s.watcher.records)
}

func (s *ServiceSuite) TestSetActiveAndDelete() {
	existing := models.SubscriptionRecord{ID: "s1", EntityType: models.EntityCompany, EntityID: "E123", Active: true}
	s.engine.Write(registry.SubscriptionsKey("u1"), []models.SubscriptionRecord{existing}, TTL)
	s.watcher.Upsert("u1", existing)

	s.executor.EXPECT().Execute(gomock.Any(), setActiveMutation, remote.Variables{"id": "s1", "active": false}).
		Return(json.RawMessage(`{"setSubscriptionActive":{"id":"s1","entityType":"company","entityId":"E123","active":false}}`), nil)

	rec, err := s.service.SetActive(s.ctx, "s1", false)
	s.Require().NoError(err)
	s.False(rec.Active)
	watched, _ := s.watcher.get("s1")
	s.False(watched.Active)

	s.executor.EXPECT().Execute(gomock.Any(), deleteMutation, remote.Variables{"id": "s1"}).
		Return(json.RawMessage(`{"deleteSubscription":true}`), nil)

	s.Require().NoError(s.service.Delete(s.ctx, "s1"))
	_, ok := s.watcher.get("s1")
	s.False(ok)
	list, _ := querycache.Current[[]models.SubscriptionRecord](s.engine, registry.SubscriptionsKey("u1"))
	s.Empty(list)
}

func (s *ServiceSuite) TestDeleteFailureKeepsWatching() {
	existing := models.SubscriptionRecord{ID: "s1", EntityType: models.EntityCompany, EntityID: "E123", Active: true}
	s.engine.Write(registry.SubscriptionsKey("u1"), []models.SubscriptionRecord{existing}, TTL)
	s.watcher.Upsert("u1", existing)
	before, _ := s.engine.Peek(registry.SubscriptionsKey("u1"))

	s.executor.EXPECT().Execute(gomock.Any(), deleteMutation, gomock.Any()).
		Return(nil, &remote.Error{Kind: remote.KindValidation, Op: deleteMutation.Name})

	s.Require().Error(s.service.Delete(s.ctx, "s1"))
	after, _ := s.engine.Peek(registry.SubscriptionsKey("u1"))
	s.Equal(before, after)
	_, ok := s.watcher.get("s1")
	s.True(ok)
}

func (s *ServiceSuite) TestListFetchStartedBeforeCreateKeepsEntityWatched() {
	listRunning := make(chan struct{})
	releaseList := make(chan struct{})
	s.executor.EXPECT().Execute(gomock.Any(), listQuery, gomock.Any()).
		DoAndReturn(func(context.Context, remote.Operation, remote.Variables) (json.RawMessage, error) {
			close(listRunning)
			<-releaseList
			return json.RawMessage(`{"subscriptions":[]}`), nil
		})
	s.executor.EXPECT().Execute(gomock.Any(), createMutation, gomock.Any()).
		Return(json.RawMessage(`{"createSubscription":{"id":"s9","entityType":"company","entityId":"E123","active":true,"createdAt":"2026-04-01T00:00:00Z"}}`), nil)

	listed := make(chan querycache.State[[]models.SubscriptionRecord], 1)
	go func() {
		state, err := s.service.List(s.ctx)
		s.NoError(err)
		listed <- state
	}()
	<-listRunning

	rec, err := s.service.Create(s.ctx, s.ref)
	s.Require().NoError(err)
	close(releaseList)
	state := <-listed

	s.Equal([]models.SubscriptionRecord{rec}, state.Data)
	watched, ok := s.watcher.get("s9")
	s.Require().True(ok)
	s.True(watched.Active)
}

func (s *ServiceSuite) TestQueuedCreateDropsRejectedRecord() {
	key := registry.SubscriptionsKey("u1")
	s.engine.Write(key, []models.SubscriptionRecord{}, TTL)
	other := models.EntityRef{Type: models.EntityEntrepreneur, ID: "IP7"}

	firstRunning := make(chan struct{})
	rejectFirst := make(chan struct{})
	s.executor.EXPECT().Execute(gomock.Any(), createMutation, remote.Variables{"entityType": models.EntityCompany, "entityId": "E123"}).
		DoAndReturn(func(context.Context, remote.Operation, remote.Variables) (json.RawMessage, error) {
			close(firstRunning)
			<-rejectFirst
			return nil, &remote.Error{Kind: remote.KindValidation, Op: createMutation.Name}
		})
	s.executor.EXPECT().Execute(gomock.Any(), createMutation, remote.Variables{"entityType": models.EntityEntrepreneur, "entityId": "IP7"}).
		Return(json.RawMessage(`{"createSubscription":{"id":"s2","entityType":"entrepreneur","entityId":"IP7","active":true,"createdAt":"2026-04-01T00:00:00Z"}}`), nil)

	firstErr := make(chan error, 1)
	go func() {
		_, err := s.service.Create(s.ctx, s.ref)
		firstErr <- err
	}()
	<-firstRunning

	secondDone := make(chan models.SubscriptionRecord, 1)
	go func() {
		rec, err := s.service.Create(s.ctx, other)
		s.NoError(err)
		secondDone <- rec
	}()
	time.Sleep(20 * time.Millisecond)
	close(rejectFirst)

	s.Require().Error(<-firstErr)
	rec := <-secondDone
	list, _ := querycache.Current[[]models.SubscriptionRecord](s.engine, key)
	s.Equal([]models.SubscriptionRecord{rec}, list)
}

func (s *ServiceSuite) TestWatchKeepsListFromCollection() {
	engine := querycache.New(querycache.WithGCWindow(time.Nanosecond))
	defer engine.Close()
	service := NewService(engine, s.executor, fixedScope("u1"), s.watcher)
	engine.Write(registry.SubscriptionsKey("u1"), []models.SubscriptionRecord{}, TTL)

	release, err := service.Watch()
	s.Require().NoError(err)
	defer release()
	time.Sleep(time.Millisecond)

	s.Zero(engine.Collect())
	s.Equal(1, engine.Len())
}

func (s *ServiceSuite) TestUnauthenticated() {
	service := NewService(s.engine, s.executor, fixedScope(""), s.watcher)
	_, err := service.Create(s.ctx, s.ref)
	s.ErrorIs(err, sentinel.ErrUnauthenticated)
}
