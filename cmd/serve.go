package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Ruscigno/feedpulse/pkg/config"
	"github.com/Ruscigno/feedpulse/pkg/endpoint"
	"github.com/Ruscigno/feedpulse/pkg/importer"
	"github.com/Ruscigno/feedpulse/pkg/metrics"
	"github.com/Ruscigno/feedpulse/pkg/orchestrator"
	"github.com/Ruscigno/feedpulse/pkg/queue"
	"github.com/Ruscigno/feedpulse/pkg/scheduler"
	"github.com/Ruscigno/feedpulse/pkg/service"
	httptransport "github.com/Ruscigno/feedpulse/pkg/transport/http"
)

const shutdownTimeout = 30 * time.Second

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler, workers and HTTP API",
	Long:  `Starts the HTTP API, the run workers and the cron scheduler that enqueues outdated feeds`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context) error {
	logger.Info("Starting FeedPulse",
		zap.String("version", version),
		zap.String("environment", cfg.Environment),
		zap.String("storage", cfg.Database.Storage))

	m := metrics.NewApplicationMetrics(logger)

	repo, closeRepo, err := openRepository(cfg, logger)
	if err != nil {
		return err
	}
	defer closeRepo()

	registry, err := newRegistry(repo, m)
	if err != nil {
		return err
	}
	logger.Info("Chains registered", zap.Strings("chains", registry.Names()))

	opts := importer.DefaultOptions()
	opts.BatchSize = cfg.Import.BatchSize
	opts.ErrorThreshold = cfg.Import.ErrorThreshold
	opts.MaxErrorDetails = cfg.Import.MaxErrorDetails

	orch := orchestrator.New(orchestrator.Deps{
		Store:         repo,
		Strategies:    registry,
		Logger:        logger,
		Metrics:       m,
		DownloadRoot:  cfg.Worker.DownloadRoot,
		ImportOptions: opts,
	})
	workers := queue.NewWorkQueue(cfg.Worker.Workers, cfg.Worker.QueueSize, orch, logger)

	var (
		enqueuer    queue.Enqueuer = workers
		locker      scheduler.Locker
		healthOpts  []service.HealthOption
		redisClient *redis.Client
	)
	if cfg.Redis.URL != "" {
		redisClient, err = queue.NewRedisClient(ctx, cfg.Redis.URL)
		if err != nil {
			return err
		}
		defer func() { _ = redisClient.Close() }()

		rq := queue.NewRedisQueue(redisClient, cfg.Redis.QueueKey, logger)
		enqueuer = rq
		locker = scheduler.NewRedisLocker(redisClient, "feedpulse:lock:")
		healthOpts = append(healthOpts, service.WithOptionalComponent("redis", service.PingerFunc(func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		})))

		go func() {
			if err := rq.Consume(ctx, workers); err != nil {
				logger.Error("Redis consumer stopped", zap.Error(err))
			}
		}()
		logger.Info("Using Redis run queue", zap.String("key", cfg.Redis.QueueKey))
	}

	svc := service.NewService(repo, enqueuer, registry, logger, m)
	health := service.NewHealthService(repo, logger, version, healthOpts...)

	seeds, err := config.LoadFeeds(cfg.FeedsFile)
	if err != nil {
		return err
	}
	if len(seeds) > 0 {
		if _, err := svc.SeedFeeds(ctx, seeds); err != nil {
			return err
		}
	}

	sched := scheduler.New(svc, locker, scheduler.Config{
		Spec:         cfg.Worker.Schedule,
		LockTTL:      cfg.Redis.LockTTL,
		RequeueAfter: cfg.Worker.RequeueAfter,
	}, logger)
	if err := sched.Start(ctx); err != nil {
		return err
	}

	handler := httptransport.NewHTTPHandler(endpoint.MakeEndpoints(svc, health), httptransport.HTTPConfig{
		APIKey:            cfg.APIKey,
		MaxBodySize:       cfg.MaxBodySize,
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
		Logger:            logger,
		Metrics:           m,
	})
	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", zap.Error(err))
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		logger.Error("Scheduler shutdown failed", zap.Error(err))
	}
	if err := workers.Stop(shutdownCtx); err != nil {
		logger.Error("Worker shutdown failed", zap.Error(err))
	}

	logger.Info("FeedPulse stopped")
	return nil
}

