package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"autopost-engine/internal/allocator"
	"autopost-engine/internal/artifact"
	"autopost-engine/internal/backoff"
	"autopost-engine/internal/config"
	"autopost-engine/internal/dispatch"
	"autopost-engine/internal/lifecycle"
	"autopost-engine/internal/models"
	"autopost-engine/internal/proxycheck"
	"autopost-engine/internal/queue"
	"autopost-engine/internal/ratelimit"
	"autopost-engine/internal/store"
	"autopost-engine/internal/telemetry"
	"autopost-engine/internal/upload"
	"autopost-engine/internal/variation"
	"autopost-engine/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := newLogger(cfg.Env)
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Fatal("run migrations", zap.Error(err))
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()

	q := queue.New(queue.Options{
		Client:            redisClient,
		VisibilityTimeout: cfg.JobTimeout,
		DLQName:           cfg.DLQName,
	})
	leases := allocator.New(redisClient, cfg.LeaseTTL)
	metrics := telemetry.New()

	engine := variation.NewEngine(variation.Options{
		FFmpegPath:    cfg.FFmpegPath,
		FFprobePath:   cfg.FFprobePath,
		VideoCodec:    cfg.VideoCodec,
		AudioCodec:    cfg.AudioCodec,
		Preset:        cfg.Preset,
		CRF:           cfg.CRF,
		EncodeTimeout: cfg.EncodeTimeout,
		MaxConcurrent: cfg.MaxConcurrentEncodes,
	}, logger)
	if err := engine.VerifyEncoder(ctx); err != nil {
		logger.Fatal("encoder unavailable", zap.Error(err))
	}

	artifacts, err := artifact.New(ctx, cfg)
	if err != nil {
		logger.Fatal("init artifact store", zap.Error(err))
	}

	bridge := upload.NewBridgeClient(cfg.UploadBridgeURL, cfg.UploadTimeout, logger)
	checker := proxycheck.New(cfg.ProxyCheckURL, cfg.ProxyCheckTimeout, logger)
	machine := lifecycle.NewMachine(st, backoff.New(cfg.BackoffBase, cfg.BackoffMax, nil), logger)

	pool := worker.NewPool(worker.PoolOptions{
		Size:       cfg.WorkerPoolSize,
		JobTimeout: cfg.JobTimeout,
		LeaseTTL:   cfg.LeaseTTL,
		Machine:    machine,
		Queue:      q,
		Leases:     leases,
		Recorder:   st,
		Metrics:    metrics,
		Logger:     logger,
	})
	pool.Register(models.CategoryUpload,
		worker.NewUploadHandler(engine, artifacts, bridge, cfg.VariationOutputDir, cfg.VariationMaxRetries, metrics, logger).Handle)
	pool.Register(models.CategoryAccountTest,
		worker.NewAccountTestHandler(bridge, st, logger).Handle)
	pool.Register(models.CategoryProxyCheck,
		worker.NewProxyCheckHandler(checker, st, logger).Handle)
	pool.Register(models.CategoryBatchVideo,
		worker.NewBatchVideoHandler(engine, cfg.VariationOutputDir, logger).Handle)
	pool.Start(ctx, cfg.WorkerPoolSize)

	limiter := ratelimit.NewCategoryLimiter(redisClient, ratelimit.DefaultBudgets(
		cfg.UploadPerMinute,
		cfg.AccountTestPerMinute,
		cfg.ProxyCheckPerMinute,
		cfg.BatchVideoPerMinute,
	), time.Hour)

	dispatcher := dispatch.New(dispatch.Options{
		Queue:          q,
		Source:         st,
		Leases:         leases,
		Machine:        machine,
		Limiter:        limiter,
		Sink:           pool,
		Metrics:        metrics,
		Logger:         logger,
		TickInterval:   cfg.TickInterval,
		BatchSize:      cfg.ScheduledBatchSize,
		MaxPendingWait: cfg.MaxPendingWait,
	})

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, metrics.Handler()); err != nil {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	logger.Info("worker started",
		zap.Int("pool_size", cfg.WorkerPoolSize),
		zap.Duration("tick", cfg.TickInterval),
		zap.Duration("job_timeout", cfg.JobTimeout))
	if err := dispatcher.Run(ctx); err != nil {
		logger.Info("dispatcher stopped", zap.Error(err))
	}
	pool.Wait()
}

func newLogger(env string) *zap.Logger {
	if env == "dev" {
		logger, _ := zap.NewDevelopment()
		return logger
	}
	logger, _ := zap.NewProduction()
	return logger
}
