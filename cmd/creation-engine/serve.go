package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cortexhub/creation-engine/internal/cache"
	"github.com/cortexhub/creation-engine/internal/config"
	"github.com/cortexhub/creation-engine/internal/healthring"
	"github.com/cortexhub/creation-engine/internal/logging"
	"github.com/cortexhub/creation-engine/internal/pipeline"
	"github.com/cortexhub/creation-engine/internal/queue"
	"github.com/cortexhub/creation-engine/internal/scheduler"
	"github.com/cortexhub/creation-engine/internal/server"
	"github.com/cortexhub/creation-engine/internal/storage"
	"github.com/cortexhub/creation-engine/internal/store"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine with the ops server, scheduler and queue worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			defer logging.Close()
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

// openRedis connects when the cache or the queue needs Redis.
func openRedis(cfg *config.Config) (*queue.RedisClient, error) {
	if cfg.Cache.Backend != "redis" && !cfg.Queue.Enabled {
		return nil, nil
	}
	return queue.NewRedisClient(queue.RedisConfig{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		ClaimMinIdle: cfg.Queue.ClaimIdle,
	}, logging.WithComponent("redis"))
}

func cacheStore(cfg *config.Config, rc *queue.RedisClient) cache.Store {
	if cfg.Cache.Backend == "redis" {
		return cache.NewRedis(rc.RawClient())
	}
	return cache.NewMemory()
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := logging.WithComponent("main")
	logger.Info().Str("version", version).Msg("starting creation engine")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	rc, err := openRedis(cfg)
	if err != nil {
		return err
	}
	if rc != nil {
		defer rc.Close()
	}

	orch, err := pipeline.NewFromConfig(cfg, cacheStore(cfg, rc))
	if err != nil {
		return err
	}
	if err := orch.Initialize(ctx); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := orch.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("orchestrator shutdown error")
		}
	}()

	var records *store.SQLiteStore
	if cfg.Store.Path != "" {
		records, err = store.NewSQLiteStore(cfg.Store.Path)
		if err != nil {
			return err
		}
		defer records.Close()
	}

	sched := scheduler.NewScheduler(cfg.Scheduler, logging.WithComponent("scheduler"))
	if err := sched.ScheduleCacheSweep(orch.Cache()); err != nil {
		return err
	}
	if records != nil {
		if err := sched.ScheduleStaleCleanup(records, cfg.Store.StaleAfter); err != nil {
			return err
		}
	}
	sched.Start()
	defer sched.Stop()

	healthRing := healthring.NewHealthRing(cfg.HealthRing, orch.Pools(), logging.WithComponent("healthring"))
	if healthRing != nil {
		healthRing.Start(ctx)
		defer healthRing.Shutdown()
	}

	srv := server.New(cfg, orch, healthRing, logging.WithComponent("server"))
	srvErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
		close(srvErr)
	}()

	workerDone := make(chan error, 1)
	if cfg.Queue.Enabled {
		worker, err := newWorker(ctx, cfg, rc, orch, records)
		if err != nil {
			return err
		}
		go func() { workerDone <- worker.Run(ctx) }()
	} else {
		close(workerDone)
	}

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	case err := <-srvErr:
		logger.Error().Err(err).Msg("server error")
	}
	cancel()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown error")
	}
	if err := <-workerDone; err != nil {
		logger.Error().Err(err).Msg("worker stopped with error")
	}
	logger.Info().Msg("shutdown complete")
	return nil
}

func newWorker(ctx context.Context, cfg *config.Config, rc *queue.RedisClient, orch *pipeline.Orchestrator, records *store.SQLiteStore) (*queue.Worker, error) {
	opts := []queue.WorkerOption{queue.WithWorkerLogger(logging.WithComponent("worker"))}
	if records != nil {
		opts = append(opts, queue.WithRecordStore(records))
	}
	if cfg.Queue.DLQStream != "" {
		opts = append(opts, queue.WithDeadLetters(queue.NewDeadLetterQueue(rc, cfg.Queue.DLQStream)))
	}
	if cfg.Storage.Enabled {
		uploader, err := storage.NewS3Uploader(ctx, cfg.Storage.Bucket, cfg.Storage.Region)
		if err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
		baseURL := cfg.Storage.PublicBaseURL
		if baseURL == "" {
			baseURL = storage.BucketURL(cfg.Storage.Bucket, cfg.Storage.Region)
		}
		opts = append(opts, queue.WithPublisher(
			storage.NewPublisher(uploader, cfg.Storage.Prefix, baseURL, logging.WithComponent("storage"))))
	}

	return queue.NewWorker(queue.WorkerConfig{
		Stream:       cfg.Queue.Stream,
		ResultStream: cfg.Queue.ResultStream,
		Group:        cfg.Queue.Group,
		Consumer:     cfg.Queue.Consumer,
		Concurrency:  cfg.Queue.Concurrency,
		JobTimeout:   cfg.Queue.JobTimeout,
		DrainTimeout: cfg.Queue.DrainTimeout,
	}, rc, orch, opts...)
}
