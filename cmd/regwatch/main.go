package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	httpapi "regwatch/internal/http"
	"regwatch/internal/platform/config"
	"regwatch/internal/platform/httpserver"
	"regwatch/internal/platform/logger"
	"regwatch/internal/platform/tracing"
	"regwatch/internal/querycache"
	"regwatch/internal/reconciler"
	"regwatch/internal/registry/models"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "regwatch:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logger.New(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.close()

	a.restore(ctx)
	if err := a.signIn(ctx); err != nil {
		log.WarnContext(ctx, "sign-in incomplete, continuing with cached state", "error", err)
	}

	inbox := make(chan models.NotificationEvent, cfg.Notifications.BufferSize)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		querycache.NewJanitor(a.engine, cfg.Cache.JanitorInterval, log).Start(gctx)
		return nil
	})
	g.Go(func() error {
		return ignoreCanceled(reconciler.NewWorker(a.reconciler, inbox, log).Run(gctx))
	})
	if err := a.startSources(gctx, g, inbox); err != nil {
		return err
	}
	g.Go(func() error {
		h := httpapi.NewHandler(a.engine, a.session, a.history, a.store, a.registry, cfg.DebugToken, log)
		return httpserver.Run(gctx, httpserver.New(cfg.DebugAddr, httpapi.NewRouter(h)), log)
	})

	log.InfoContext(ctx, "regwatch started",
		"api", cfg.API.URL,
		"persist", cfg.Persist.Backend,
		"authenticated", a.session.IsAuthenticated(),
	)
	err = g.Wait()
	log.Info("regwatch stopped")
	return ignoreCanceled(err)
}

// startSources launches every configured notification source. The poller
// runs only when no push source is configured.
func (a *app) startSources(ctx context.Context, g *errgroup.Group, inbox chan<- models.NotificationEvent) error {
	cfg := a.cfg.Notifications
	push := false

	if len(cfg.KafkaBrokers) > 0 {
		src, err := reconciler.NewKafkaSource(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroup, a.logger)
		if err != nil {
			return err
		}
		push = true
		g.Go(func() error {
			defer src.Close(context.WithoutCancel(ctx))
			return ignoreCanceled(src.Run(ctx, inbox))
		})
	}
	if cfg.WebSocketURL != "" {
		src := reconciler.NewWebSocketSource(cfg.WebSocketURL, a.session, a.logger)
		push = true
		g.Go(func() error {
			return ignoreCanceled(src.Run(ctx, inbox))
		})
	}
	if !push {
		poller := reconciler.NewPoller(a.notifications, cfg.PollInterval, time.Now(), a.logger)
		g.Go(func() error {
			return ignoreCanceled(poller.Run(ctx, inbox))
		})
	}
	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
