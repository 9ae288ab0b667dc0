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
	"autopost-engine/internal/api"
	"autopost-engine/internal/config"
	"autopost-engine/internal/planner"
	"autopost-engine/internal/queue"
	"autopost-engine/internal/store"
	"autopost-engine/internal/telemetry"
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

	server := api.New(api.Options{
		Store:      st,
		Planner:    planner.New(st, leases, cfg.MaxRetries, logger),
		Queue:      q,
		Metrics:    metrics,
		Logger:     logger,
		MaxRetries: cfg.MaxRetries,
	})

	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	logger.Info("api listening", zap.String("port", cfg.HTTPPort))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

func newLogger(env string) *zap.Logger {
	if env == "dev" {
		logger, _ := zap.NewDevelopment()
		return logger
	}
	logger, _ := zap.NewProduction()
	return logger
}
