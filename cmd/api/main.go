package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	api "strategy-pipeline/internal/api"
	"strategy-pipeline/internal/config"
	"strategy-pipeline/internal/dedup"
	"strategy-pipeline/internal/logging"
	"strategy-pipeline/internal/notify"
	"strategy-pipeline/internal/queue"
	"strategy-pipeline/internal/ratelimit"
	"strategy-pipeline/internal/store"
)

func main() {
	cfg := config.Load()
	logger, flush := logging.New(cfg.Env, cfg.LogLevel)
	defer flush()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Fatal("migrations", zap.Error(err))
	}

	redisClient := queue.NewRedisClient(cfg)
	defer redisClient.Close()
	q := queue.NewRedisQueue(redisClient, cfg.VisibilityTimeout)
	limiter := ratelimit.NewTokenBucket(redisClient, cfg.PollRateCapacity, cfg.PollRateRefill, time.Hour)

	notifier, err := notify.FromConfig(cfg.Notifier, redisClient, st.Pool())
	if err != nil {
		logger.Fatal("notifier", zap.Error(err))
	}
	hub := notify.NewHub(notifier)
	go hub.Run(ctx)

	server := api.New(cfg, st, q, hub, dedup.NewUpserter(st), limiter)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("api listening", zap.String("port", cfg.HTTPPort), zap.String("notifier", cfg.Notifier))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	logger.Info("api stopped")
}
