package favorites

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"regwatch/internal/persist"
	"regwatch/internal/querycache"
	"regwatch/internal/registry"
	"regwatch/internal/registry/models"
	"regwatch/internal/remote"
	"regwatch/internal/remote/mocks"
	"regwatch/pkg/platform/sentinel"
)

type fixedScope struct {
	user string
}

func (f fixedScope) Scope() (string, error) {
	if f.user == "" {
		return "", sentinel.ErrUnauthenticated
	}
	return f.user, nil
}

type ServiceSuite struct {
	suite.Suite
	ctx      context.Context
	ctrl     *gomock.Controller
	executor *mocks.MockExecutor
	engine   *querycache.Engine
	store    *persist.Store
	now      time.Time
	service  *Service

	acme models.EntityRef
	ip   models.EntityRef
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.ctx = context.Background()
	s.ctrl = gomock.NewController(s.T())
	s.executor = mocks.NewMockExecutor(s.ctrl)
	s.now = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return s.now }
	s.engine = querycache.New(
		querycache.WithClock(clock),
		querycache.WithClassifier(registry.ClassifyRemote),
		querycache.WithRetry(0, time.Millisecond),
	)
	s.store = persist.NewStore(persist.NewMemoryBackend())
	s.service = NewService(s.engine, s.executor, fixedScope{user: "u1"}, s.store, WithClock(clock))

	s.acme = models.EntityRef{Type: models.EntityCompany, ID: "E123"}
	s.ip = models.EntityRef{Type: models.EntityEntrepreneur, ID: "IP7"}
}

func (s *ServiceSuite) TearDownTest() {
	s.engine.Close()
}

func (s *ServiceSuite) TestListIsCached() {
	s.executor.EXPECT().Execute(gomock.Any(), listQuery, gomock.Nil()).
		Return(json.RawMessage(`{"favorites":[{"entityType":"company","entityId":"E123","addedAt":"2026-03-01T00:00:00Z"}]}`), nil).
		Times(1)

	for i := 0; i < 2; i++ {
		state, err := s.service.List(s.ctx)
		s.Require().NoError(err)
		s.Require().Len(state.Data, 1)
		s.Equal("E123", state.Data[0].EntityID)
		s.Equal(querycache.StatusFresh, state.Status)
	}

	saved, ok := persist.Load[offline](s.ctx, s.store, persist.NamespaceFavorites)
	s.Require().True(ok)
	s.Equal("u1", saved.Scope)
	s.Len(saved.Items, 1)
}

func (s *ServiceSuite) TestAddInvalidatesFavoritesAndDashboardOnly() {
	existing := models.FavoriteRecord{EntityType: models.EntityCompany, EntityID: "E123", AddedAt: s.now.Add(-time.Hour)}
	companyKey := registry.CompanyKey(s.acme)
	s.engine.Write(registry.FavoritesKey("u1"), []models.FavoriteRecord{existing}, TTL)
	s.engine.Write(registry.DashboardKey("u1"), models.DashboardSummary{FavoritesCount: 1}, time.Minute)
	s.engine.Write(companyKey, models.Company{ID: "E123"}, time.Hour)

	s.executor.EXPECT().Execute(gomock.Any(), addMutation, remote.Variables{"entityType": models.EntityEntrepreneur, "entityId": "IP7"}).
		DoAndReturn(func(context.Context, remote.Operation, remote.Variables) (json.RawMessage, error) {
			during, _ := s.engine.Peek(registry.FavoritesKey("u1"))
			s.True(during.Optimistic)
			s.Len(during.Data, 2)
			return json.RawMessage(`{"addFavorite":{"entityType":"entrepreneur","entityId":"IP7","addedAt":"2026-04-01T09:00:01Z"}}`), nil
		})

	list, err := s.service.Add(s.ctx, s.ip)
	s.Require().NoError(err)
	s.Require().Len(list, 2)
	s.Equal(time.Date(2026, 4, 1, 9, 0, 1, 0, time.UTC), list[1].AddedAt)

	favorites, _ := s.engine.Peek(registry.FavoritesKey("u1"))
	s.Equal(querycache.StatusStale, favorites.Status)
	s.False(favorites.Optimistic)
	s.Equal(list, favorites.Data)
	dashboard, _ := s.engine.Peek(registry.DashboardKey("u1"))
	s.Equal(querycache.StatusStale, dashboard.Status)
	company, _ := s.engine.Peek(companyKey)
	s.Equal(querycache.StatusFresh, company.Status)
}

func (s *ServiceSuite) TestAddFailureRollsBack() {
	existing := []models.FavoriteRecord{{EntityType: models.EntityCompany, EntityID: "E123", AddedAt: s.now}}
	s.engine.Write(registry.FavoritesKey("u1"), existing, TTL)
	s.engine.Write(registry.DashboardKey("u1"), models.DashboardSummary{FavoritesCount: 1}, time.Minute)
	before, _ := s.engine.Peek(registry.FavoritesKey("u1"))

	s.executor.EXPECT().Execute(gomock.Any(), addMutation, gomock.Any()).
		Return(nil, &remote.Error{Kind: remote.KindValidation, Op: addMutation.Name, Message: "limit reached"})

	_, err := s.service.Add(s.ctx, s.ip)
	s.Require().Error(err)
	s.Equal(remote.KindValidation, remote.KindOf(err))

	after, _ := s.engine.Peek(registry.FavoritesKey("u1"))
	s.Equal(before, after)
	dashboard, _ := s.engine.Peek(registry.DashboardKey("u1"))
	s.Equal(querycache.StatusFresh, dashboard.Status)
}

func (s *ServiceSuite) TestAddExistingFavoriteIsNoop() {
	existing := []models.FavoriteRecord{{EntityType: models.EntityCompany, EntityID: "E123", AddedAt: s.now}}
	s.engine.Write(registry.FavoritesKey("u1"), existing, TTL)

	list, err := s.service.Add(s.ctx, s.acme)
	s.Require().NoError(err)
	s.Equal(existing, list)
}

func (s *ServiceSuite) TestRemove() {
	existing := []models.FavoriteRecord{
		{EntityType: models.EntityCompany, EntityID: "E123", AddedAt: s.now},
		{EntityType: models.EntityEntrepreneur, EntityID: "IP7", AddedAt: s.now},
	}
	s.engine.Write(registry.FavoritesKey("u1"), existing, TTL)
	s.executor.EXPECT().Execute(gomock.Any(), removeMutation, remote.Variables{"entityType": models.EntityCompany, "entityId": "E123"}).
		Return(json.RawMessage(`{"removeFavorite":true}`), nil)
	// IsFavorite reads the now stale list and revalidates it in the background.
	s.executor.EXPECT().Execute(gomock.Any(), listQuery, gomock.Any()).
		Return(json.RawMessage(`{"favorites":[{"entityType":"entrepreneur","entityId":"IP7","addedAt":"2026-04-01T09:00:00Z"}]}`), nil).
		AnyTimes()

	list, err := s.service.Remove(s.ctx, s.acme)
	s.Require().NoError(err)
	s.Require().Len(list, 1)
	s.Equal("IP7", list[0].EntityID)

	ok, err := s.service.IsFavorite(s.ctx, s.acme)
	s.Require().NoError(err)
	s.False(ok)
}

func (s *ServiceSuite) TestAddOnUncachedListStartsFromServerList() {
	s.executor.EXPECT().Execute(gomock.Any(), listQuery, gomock.Nil()).
		Return(json.RawMessage(`{"favorites":[{"entityType":"entrepreneur","entityId":"IP7","addedAt":"2026-03-01T00:00:00Z"}]}`), nil).
		Times(1)
	s.executor.EXPECT().Execute(gomock.Any(), addMutation, remote.Variables{"entityType": models.EntityCompany, "entityId": "E123"}).
		Return(json.RawMessage(`{"addFavorite":{"entityType":"company","entityId":"E123","addedAt":"2026-04-01T09:00:00Z"}}`), nil)

	list, err := s.service.Add(s.ctx, s.acme)
	s.Require().NoError(err)
	s.Require().Len(list, 2)

	restarted := querycache.New(querycache.WithClock(func() time.Time { return s.now }))
	defer restarted.Close()
	service := NewService(restarted, s.executor, fixedScope{user: "u1"}, s.store, WithClock(func() time.Time { return s.now }))
	service.Hydrate(s.ctx)

	state, err := service.List(s.ctx)
	s.Require().NoError(err)
	s.Equal(querycache.StatusFresh, state.Status)
	s.Require().Len(state.Data, 2)
	s.Equal("IP7", state.Data[0].EntityID)
	s.Equal("E123", state.Data[1].EntityID)
}

func (s *ServiceSuite) TestQueuedAddBuildsOnRolledBackList() {
	key := registry.FavoritesKey("u1")
	s.engine.Write(key, []models.FavoriteRecord{}, TTL)

	firstRunning := make(chan struct{})
	rejectFirst := make(chan struct{})
	s.executor.EXPECT().Execute(gomock.Any(), addMutation, remote.Variables{"entityType": models.EntityCompany, "entityId": "E123"}).
		DoAndReturn(func(context.Context, remote.Operation, remote.Variables) (json.RawMessage, error) {
			close(firstRunning)
			<-rejectFirst
			return nil, &remote.Error{Kind: remote.KindValidation, Op: addMutation.Name, Message: "limit reached"}
		})
	s.executor.EXPECT().Execute(gomock.Any(), addMutation, remote.Variables{"entityType": models.EntityEntrepreneur, "entityId": "IP7"}).
		Return(json.RawMessage(`{"addFavorite":{"entityType":"entrepreneur","entityId":"IP7","addedAt":"2026-04-01T09:00:01Z"}}`), nil)

	firstErr := make(chan error, 1)
	go func() {
		_, err := s.service.Add(s.ctx, s.acme)
		firstErr <- err
	}()
	<-firstRunning

	secondDone := make(chan []models.FavoriteRecord, 1)
	go func() {
		list, err := s.service.Add(s.ctx, s.ip)
		s.NoError(err)
		secondDone <- list
	}()
	time.Sleep(20 * time.Millisecond)
	close(rejectFirst)

	s.Equal(remote.KindValidation, remote.KindOf(<-firstErr))
	list := <-secondDone
	s.Require().Len(list, 1)
	s.Equal("IP7", list[0].EntityID)

	cached, _ := querycache.Current[[]models.FavoriteRecord](s.engine, key)
	s.Equal(list, cached)
	saved, ok := persist.Load[offline](s.ctx, s.store, persist.NamespaceFavorites)
	s.Require().True(ok)
	s.Require().Len(saved.Items, 1)
	s.Equal("IP7", saved.Items[0].EntityID)
}

func (s *ServiceSuite) TestListFetchStartedBeforeAddDoesNotOverwriteOfflineCopy() {
	key := registry.FavoritesKey("u1")
	s.engine.Write(key, []models.FavoriteRecord{{EntityType: models.EntityCompany, EntityID: "E123", AddedAt: s.now}}, TTL)
	s.engine.Invalidate(querycache.Exact(key))

	releaseList := make(chan struct{})
	s.executor.EXPECT().Execute(gomock.Any(), listQuery, gomock.Nil()).
		DoAndReturn(func(context.Context, remote.Operation, remote.Variables) (json.RawMessage, error) {
			<-releaseList
			return json.RawMessage(`{"favorites":[{"entityType":"company","entityId":"E123","addedAt":"2026-04-01T09:00:00Z"}]}`), nil
		})
	s.executor.EXPECT().Execute(gomock.Any(), addMutation, gomock.Any()).
		Return(json.RawMessage(`{"addFavorite":{"entityType":"entrepreneur","entityId":"IP7","addedAt":"2026-04-01T09:00:01Z"}}`), nil)

	state, err := s.service.List(s.ctx)
	s.Require().NoError(err)
	s.Require().True(state.Refreshing)
	s.now = s.now.Add(time.Second)

	list, err := s.service.Add(s.ctx, s.ip)
	s.Require().NoError(err)
	s.Require().Len(list, 2)

	close(releaseList)
	s.Eventually(func() bool {
		entry, _ := s.engine.Peek(key)
		return !entry.Refreshing
	}, time.Second, time.Millisecond)

	cached, _ := querycache.Current[[]models.FavoriteRecord](s.engine, key)
	s.Equal(list, cached)
	saved, ok := persist.Load[offline](s.ctx, s.store, persist.NamespaceFavorites)
	s.Require().True(ok)
	s.Equal(list, saved.Items)
}

func (s *ServiceSuite) TestWatchKeepsListFromCollection() {
	engine := querycache.New(querycache.WithGCWindow(time.Nanosecond))
	defer engine.Close()
	service := NewService(engine, s.executor, fixedScope{user: "u1"}, nil)
	engine.Write(registry.FavoritesKey("u1"), []models.FavoriteRecord{}, TTL)
	engine.Write(registry.FavoritesKey("u2"), []models.FavoriteRecord{}, TTL)

	release, err := service.Watch()
	s.Require().NoError(err)
	time.Sleep(time.Millisecond)
	s.Equal(1, engine.Collect())
	_, ok := engine.Peek(registry.FavoritesKey("u1"))
	s.True(ok)

	release()
	time.Sleep(time.Millisecond)
	s.Equal(1, engine.Collect())

	_, err = NewService(engine, s.executor, fixedScope{}, nil).Watch()
	s.ErrorIs(err, sentinel.ErrUnauthenticated)
}

func (s *ServiceSuite) TestUnauthenticatedCallsNeverReachTheAPI() {
	service := NewService(s.engine, s.executor, fixedScope{}, s.store)

	_, err := service.List(s.ctx)
	s.ErrorIs(err, sentinel.ErrUnauthenticated)
	_, err = service.Add(s.ctx, s.acme)
	s.ErrorIs(err, sentinel.ErrUnauthenticated)
	s.Zero(s.engine.Len())
}

func (s *ServiceSuite) TestAddRejectsInvalidRef() {
	_, err := s.service.Add(s.ctx, models.EntityRef{Type: "bank", ID: "1"})
	s.ErrorIs(err, sentinel.ErrInvalidState)
}

func (s *ServiceSuite) TestHydrateSeedsOfflineCopyForSameUser() {
	items := []models.FavoriteRecord{{EntityType: models.EntityCompany, EntityID: "E123", AddedAt: s.now}}
	persist.Save(s.ctx, s.store, persist.NamespaceFavorites, offline{Scope: "u1", Items: items, FetchedAt: s.now.Add(-time.Hour)})

	s.service.Hydrate(s.ctx)

	entry, ok := s.engine.Peek(registry.FavoritesKey("u1"))
	s.Require().True(ok)
	s.Equal(querycache.StatusStale, entry.Status)
	s.Equal(items, entry.Data)
}

func (s *ServiceSuite) TestHydrateIgnoresOtherUsersCopy() {
	persist.Save(s.ctx, s.store, persist.NamespaceFavorites, offline{Scope: "someone-else", FetchedAt: s.now})

	s.service.Hydrate(s.ctx)

	s.Zero(s.engine.Len())
}
