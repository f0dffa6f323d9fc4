package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/Donniedarko45/RenderLite/internal/app/migrate"
	"github.com/Donniedarko45/RenderLite/internal/bus"
	"github.com/Donniedarko45/RenderLite/internal/docker"
	"github.com/Donniedarko45/RenderLite/internal/httpapi"
	"github.com/Donniedarko45/RenderLite/internal/queue"
	"github.com/Donniedarko45/RenderLite/internal/repository/postgres"
	"github.com/Donniedarko45/RenderLite/internal/service/deploy"
	"github.com/Donniedarko45/RenderLite/internal/service/reconcile"
	"github.com/Donniedarko45/RenderLite/internal/service/registry"
	"github.com/Donniedarko45/RenderLite/internal/service/sampler"
	"github.com/Donniedarko45/RenderLite/internal/ws"
	"github.com/Donniedarko45/RenderLite/pkg/config"
	"github.com/Donniedarko45/RenderLite/pkg/crypto"
	"github.com/Donniedarko45/RenderLite/pkg/logger"
)

func main() {
	cfg := config.LoadAPIConfig()
	log := logger.New("api", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	keyring, err := crypto.NewKeyring(cfg.EncryptionKey)
	if err != nil {
		log.Error("invalid encryption key", "error", err)
		os.Exit(1)
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		runner.Close()
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}
	runner.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Warn("redis unreachable at startup", "error", err)
	}

	engine, err := docker.New(cfg.DockerHost, docker.Config{
		Network:    cfg.ManagedNetwork,
		BaseDomain: cfg.BaseDomain,
	})
	if err != nil {
		log.Error("failed to create docker client", "error", err)
		os.Exit(1)
	}
	defer engine.Close()
	if err := engine.Ping(ctx); err != nil {
		log.Warn("docker unreachable at startup", "error", err)
	}

	repo := postgres.New(pool)
	hub := ws.NewHub()
	defer hub.CloseAll()
	events := bus.NewPublisher(rdb, log)

	subscriber := bus.NewSubscriber(rdb, hub, log)
	go func() {
		if err := subscriber.Run(ctx); err != nil {
			log.Error("event subscriber stopped", "error", err)
		}
	}()

	registrySvc := registry.New(repo, repo, keyring, log)
	builds := queue.New(rdb, queue.BuildQueue)
	rollbacks := queue.New(rdb, queue.RollbackQueue)
	deploySvc := deploy.New(repo, repo, builds, rollbacks, events, keyring, log)

	metricsSampler := sampler.New(hub, repo, engine, events, cfg.MetricsSampleEvery, log)
	go metricsSampler.Run(ctx)

	reconciler := reconcile.New(repo, repo, engine, events, reconcile.Config{
		Interval:     cfg.ReconcileInterval,
		StartupDelay: cfg.ReconcileStartupWait,
		HistoryKeep:  cfg.DeployHistoryLimit,
		FailedTTL:    cfg.FailedContainerTTL,
	}, log)
	go reconciler.Run(ctx)

	router := httpapi.NewRouter(log, registrySvc, deploySvc, hub, pool.Ping,
		func(ctx context.Context) error { return rdb.Ping(ctx).Err() })

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
