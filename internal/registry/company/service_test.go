package company

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"regwatch/internal/querycache"
	"regwatch/internal/registry"
	"regwatch/internal/registry/models"
	"regwatch/internal/remote"
	"regwatch/internal/remote/mocks"
	"regwatch/pkg/platform/sentinel"
)

func newService(t *testing.T) (*Service, *mocks.MockExecutor, *querycache.Engine) {
	t.Helper()
	executor := mocks.NewMockExecutor(gomock.NewController(t))
	engine := querycache.New(querycache.WithClassifier(registry.ClassifyRemote), querycache.WithRetry(2, time.Millisecond))
	t.Cleanup(engine.Close)
	return NewService(engine, executor), executor, engine
}

func TestConcurrentProfileReadsShareOneCall(t *testing.T) {
	service, executor, _ := newService(t)
	ref := models.EntityRef{Type: models.EntityCompany, ID: "E123"}

	release := make(chan struct{})
	executor.EXPECT().Execute(gomock.Any(), profileQuery, remote.Variables{"id": "E123", "type": models.EntityCompany}).
		DoAndReturn(func(context.Context, remote.Operation, remote.Variables) (json.RawMessage, error) {
			<-release
			return json.RawMessage(`{"company":{"id":"E123","type":"company","name":"Acme LLC","ogrn":"1027700132195","inn":"7707083893","status":"active"}}`), nil
		}).
		Times(1)

	var wg sync.WaitGroup
	results := make([]querycache.State[models.Company], 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = service.Profile(context.Background(), ref)
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, "Acme LLC", r.Data.Name)
	}
}

func TestTransientFailureIsRetried(t *testing.T) {
	service, executor, _ := newService(t)
	ref := models.EntityRef{Type: models.EntityEntrepreneur, ID: "IP7"}

	gomock.InOrder(
		executor.EXPECT().Execute(gomock.Any(), profileQuery, gomock.Any()).
			Return(nil, &remote.Error{Kind: remote.KindNetwork, Retryable: true}),
		executor.EXPECT().Execute(gomock.Any(), profileQuery, gomock.Any()).
			Return(json.RawMessage(`{"company":{"id":"IP7","type":"entrepreneur","name":"Ivanov I.I."}}`), nil),
	)

	state, err := service.Profile(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, "Ivanov I.I.", state.Data.Name)
}

func TestValidationFailureIsNotRetried(t *testing.T) {
	service, executor, engine := newService(t)
	ref := models.EntityRef{Type: models.EntityCompany, ID: "nope"}

	executor.EXPECT().Execute(gomock.Any(), profileQuery, gomock.Any()).
		Return(nil, &remote.Error{Kind: remote.KindValidation, Code: "NOT_FOUND"}).
		Times(1)

	state, err := service.Profile(context.Background(), ref)
	require.Error(t, err)
	assert.Equal(t, remote.KindValidation, remote.KindOf(err))
	assert.False(t, state.HasData)

	_, ok := engine.Peek(registry.CompanyKey(ref))
	assert.False(t, ok, "rejected lookups leave no entry behind")
}

func TestValidationFailureKeepsCachedCard(t *testing.T) {
	service, executor, engine := newService(t)
	ref := models.EntityRef{Type: models.EntityCompany, ID: "E123"}
	key := registry.CompanyKey(ref)
	engine.Write(key, models.Company{ID: "E123", Name: "Acme LLC"}, 0)
	engine.Invalidate(querycache.Exact(key))
	before, _ := engine.Peek(key)

	executor.EXPECT().Execute(gomock.Any(), profileQuery, gomock.Any()).
		Return(nil, &remote.Error{Kind: remote.KindValidation, Code: "BAD_USER_INPUT"}).
		Times(1)

	_, err := service.Refetch(context.Background(), ref)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		entry, _ := engine.Peek(key)
		return !entry.Refreshing
	}, time.Second, time.Millisecond)
	after, _ := engine.Peek(key)
	assert.Equal(t, before, after)
}

func TestSearch(t *testing.T) {
	service, executor, _ := newService(t)
	executor.EXPECT().Execute(gomock.Any(), searchQuery, remote.Variables{"q": "acme", "page": 1}).
		Return(json.RawMessage(`{"searchCompanies":{"total":1,"page":1,"items":[{"id":"E123","type":"company","name":"Acme LLC"}]}}`), nil)

	state, err := service.Search(context.Background(), "  acme ", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, state.Data.Total)

	_, err = service.Search(context.Background(), " ", 1)
	assert.ErrorIs(t, err, sentinel.ErrInvalidState)
}

func TestProfileRejectsInvalidRef(t *testing.T) {
	service, _, _ := newService(t)
	_, err := service.Profile(context.Background(), models.EntityRef{Type: models.EntityCompany})
	assert.ErrorIs(t, err, sentinel.ErrInvalidState)
}

func TestWatchKeepsCardFromCollection(t *testing.T) {
	engine := querycache.New(querycache.WithGCWindow(time.Nanosecond))
	defer engine.Close()
	service := NewService(engine, nil)
	watched := models.EntityRef{Type: models.EntityCompany, ID: "E123"}
	idle := models.EntityRef{Type: models.EntityCompany, ID: "E456"}
	engine.Write(registry.CompanyKey(watched), models.Company{ID: "E123"}, TTL)
	engine.Write(registry.CompanyKey(idle), models.Company{ID: "E456"}, TTL)

	release := service.Watch(watched)
	defer release()
	time.Sleep(time.Millisecond)

	assert.Equal(t, 1, engine.Collect())
	_, ok := engine.Peek(registry.CompanyKey(watched))
	assert.True(t, ok)
}
