package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"regwatch/internal/persist"
	"regwatch/internal/platform/config"
	"regwatch/internal/platform/metrics"
	platformredis "regwatch/internal/platform/redis"
	"regwatch/internal/prefs"
	"regwatch/internal/querycache"
	"regwatch/internal/reconciler"
	"regwatch/internal/registry"
	"regwatch/internal/registry/company"
	"regwatch/internal/registry/dashboard"
	"regwatch/internal/registry/favorites"
	"regwatch/internal/registry/models"
	"regwatch/internal/registry/notifications"
	"regwatch/internal/registry/subscriptions"
	"regwatch/internal/remote"
	"regwatch/internal/session"
)

// app holds every long-lived component of the client.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	store   *persist.Store
	engine  *querycache.Engine
	session *session.Manager
	prefs   *prefs.Store
	remote  *remote.Client

	companies     *company.Service
	favorites     *favorites.Service
	subscriptions *subscriptions.Service
	dashboard     *dashboard.Service
	notifications *notifications.Service

	watchlist  *reconciler.Watchlist
	history    *reconciler.History
	reconciler *reconciler.Reconciler

	closers []func() error
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.registry)

	backend, err := a.openBackend(ctx)
	if err != nil {
		return nil, err
	}
	a.store = persist.NewStore(backend, persist.WithLogger(logger), persist.WithMetrics(a.metrics))
	a.closers = append(a.closers, a.store.Close)

	a.engine = querycache.New(
		querycache.WithLogger(logger),
		querycache.WithMetrics(a.metrics),
		querycache.WithClassifier(registry.ClassifyRemote),
		querycache.WithDefaultTTL(cfg.Cache.DefaultTTL),
		querycache.WithGCWindow(cfg.Cache.GCWindow),
		querycache.WithRetry(cfg.Cache.MaxRetries, cfg.Cache.RetryDelay),
	)
	a.session = session.NewManager(a.store, a.engine, session.WithLogger(logger))
	a.engine.OnAuthFailure(a.session.HandleAuthFailure)
	a.prefs = prefs.New(a.store, logger)

	a.remote = remote.NewClient(cfg.API.URL,
		remote.WithTokenSource(a.session),
		remote.WithTimeout(cfg.API.RequestTimeout),
		remote.WithLogger(logger),
		remote.WithMetrics(a.metrics),
	)

	a.watchlist = reconciler.NewWatchlist()
	a.history = reconciler.NewHistory(0)
	a.reconciler = reconciler.New(a.engine, a.watchlist,
		reconciler.WithSink(a.history),
		reconciler.WithLogger(logger),
		reconciler.WithMetrics(a.metrics),
	)

	a.companies = company.NewService(a.engine, a.remote, company.WithLogger(logger))
	a.favorites = favorites.NewService(a.engine, a.remote, a.session, a.store, favorites.WithLogger(logger))
	a.subscriptions = subscriptions.NewService(a.engine, a.remote, a.session, a.watchlist, subscriptions.WithLogger(logger))
	a.dashboard = dashboard.NewService(a.engine, a.remote, a.session)
	a.notifications = notifications.NewService(a.engine, a.remote, a.session, notifications.WithLogger(logger))

	a.session.OnChange(func(s session.Session) {
		if !s.IsAuthenticated {
			a.watchlist.Clear()
		}
	})
	return a, nil
}

func (a *app) openBackend(ctx context.Context) (persist.Backend, error) {
	switch a.cfg.Persist.Backend {
	case config.PersistSQLite:
		b, err := persist.OpenSQLite(ctx, a.cfg.Persist.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return b, nil
	case config.PersistRedis:
		rc, err := platformredis.Open(ctx, a.cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("connect redis store: %w", err)
		}
		a.closers = append(a.closers, rc.Close)
		return persist.NewRedisBackend(rc), nil
	default:
		return persist.NewMemoryBackend(), nil
	}
}

// restore brings back the persisted session, preferences and offline
// favorites, then applies a token handed in through the environment.
func (a *app) restore(ctx context.Context) {
	a.session.Hydrate(ctx)
	a.prefs.Hydrate(ctx)
	if a.cfg.API.Token != "" {
		a.session.SetToken(ctx, a.cfg.API.Token)
	}
	a.favorites.Hydrate(ctx)
}

var viewerQuery = remote.Query("Viewer", `query Viewer { viewer { id email name } }`)

// signIn loads the profile behind the current token and primes the lists
// the reconciler depends on.
func (a *app) signIn(ctx context.Context) error {
	if !a.session.IsAuthenticated() {
		a.logger.InfoContext(ctx, "no valid token, running signed out")
		return nil
	}
	a.session.SetLoading(true)
	var viewer models.User
	err := a.engine.Exec(ctx, func(ctx context.Context) error {
		out, err := remote.Do[struct {
			Viewer models.User `json:"viewer"`
		}](ctx, a.remote, viewerQuery, nil)
		viewer = out.Viewer
		return err
	})
	a.session.SetLoading(false)
	if err != nil {
		if remote.IsAuth(err) {
			// The auth failure handler has already signed the session out.
			return nil
		}
		return fmt.Errorf("load viewer: %w", err)
	}
	a.session.SetUser(ctx, &viewer)

	if _, err := a.subscriptions.List(ctx); err != nil {
		a.logger.WarnContext(ctx, "initial subscription load failed", "error", err)
	}
	if _, err := a.favorites.List(ctx); err != nil {
		a.logger.WarnContext(ctx, "initial favorites load failed", "error", err)
	}
	if _, err := a.dashboard.Summary(ctx); err != nil {
		a.logger.WarnContext(ctx, "initial dashboard load failed", "error", err)
	}
	return nil
}

func (a *app) close() {
	a.engine.Close()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
}
