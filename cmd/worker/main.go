package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/Donniedarko45/RenderLite/internal/buildpack"
	"github.com/Donniedarko45/RenderLite/internal/bus"
	"github.com/Donniedarko45/RenderLite/internal/docker"
	"github.com/Donniedarko45/RenderLite/internal/queue"
	"github.com/Donniedarko45/RenderLite/internal/repository/postgres"
	"github.com/Donniedarko45/RenderLite/internal/service/pipeline"
	"github.com/Donniedarko45/RenderLite/internal/workerapi"
	"github.com/Donniedarko45/RenderLite/internal/workspace"
	"github.com/Donniedarko45/RenderLite/pkg/config"
	"github.com/Donniedarko45/RenderLite/pkg/crypto"
	"github.com/Donniedarko45/RenderLite/pkg/logger"
)

func main() {
	cfg := config.LoadWorkerConfig()
	log := logger.New("worker", logger.ParseLevel(cfg.LogLevel))

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

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Error("redis ping failed", "error", err)
		os.Exit(1)
	}

	engine, err := docker.New(cfg.DockerHost, docker.Config{
		Network:    cfg.ManagedNetwork,
		BaseDomain: cfg.BaseDomain,
		EnableTLS:  cfg.EnableTLS,
	})
	if err != nil {
		log.Error("failed to create docker client", "error", err)
		os.Exit(1)
	}
	defer engine.Close()
	if err := engine.Ping(ctx); err != nil {
		log.Error("docker ping failed", "error", err)
		os.Exit(1)
	}

	workspaces, err := workspace.New(cfg.Workdir)
	if err != nil {
		log.Error("workspace init failed", "error", err, "workdir", cfg.Workdir)
		os.Exit(1)
	}
	if removed, err := workspaces.Sweep(); err != nil {
		log.Warn("workspace sweep failed", "error", err)
	} else if removed > 0 {
		log.Info("cleared stale workspaces", "count", removed)
	}

	repo := postgres.New(pool)
	events := bus.NewPublisher(rdb, log)
	pack := buildpack.New(cfg.BuildpackBuilder)
	pipelineSvc := pipeline.New(repo, repo, repo, engine, workspaces, pack, events, keyring, cfg, log)

	metrics := queue.NewMetrics()
	opts := queue.Options{
		Concurrency: cfg.QueueConcurrency,
		RateLimit:   cfg.QueueRateLimit,
		RateWindow:  cfg.QueueRateWindow,
		MaxAttempts: cfg.QueueMaxAttempts,
		BackoffBase: cfg.QueueBackoffBase,
		OnFailure:   pipelineSvc.HandleFailure,
	}
	workers := []*queue.Worker{
		queue.NewWorker(queue.New(rdb, queue.BuildQueue), pipelineSvc.Handle, opts, metrics, log),
		queue.NewWorker(queue.New(rdb, queue.RollbackQueue), pipelineSvc.Handle, opts, metrics, log),
	}

	var wg sync.WaitGroup
	for _, worker := range workers {
		wg.Add(1)
		go func(w *queue.Worker) {
			defer wg.Done()
			if err := w.Run(ctx); err != nil {
				log.Error("queue worker stopped", "error", err)
			}
		}(worker)
	}

	router := workerapi.New(log,
		workerapi.Probe{Name: "docker", Check: engine.Ping},
		workerapi.Probe{Name: "database", Check: pool.Ping},
		workerapi.Probe{Name: "redis", Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }},
	)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("worker server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		// In-flight jobs stay leased in the active list; the next start
		// requeues them.
		wg.Wait()
		log.Info("worker stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
