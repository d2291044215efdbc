package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"strategy-pipeline/internal/config"
	"strategy-pipeline/internal/logging"
	"strategy-pipeline/internal/notify"
	"strategy-pipeline/internal/pipeline"
	"strategy-pipeline/internal/queue"
	"strategy-pipeline/internal/store"
	"strategy-pipeline/internal/telemetry"
	workerproc "strategy-pipeline/internal/worker"
)

func main() {
	cfg := config.Load()
	logger, flush := logging.New(cfg.Env, cfg.LogLevel)
	defer flush()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
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

	notifier, err := notify.FromConfig(cfg.Notifier, redisClient, st.Pool())
	if err != nil {
		logger.Fatal("notifier", zap.Error(err))
	}
	orchestrator, err := pipeline.FromConfig(ctx, cfg, st, notifier)
	if err != nil {
		logger.Fatal("init pipeline", zap.Error(err))
	}
	defer func() {
		if err := orchestrator.Close(); err != nil {
			logger.Warn("close stage backends", zap.Error(err))
		}
	}()

	// Generate a unique worker ID from hostname or env var
	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	processor := workerproc.NewProcessorWithID(cfg, q, st, orchestrator, workerID)
	processor.SetPublisher(notifier)

	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           telemetry.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	logger.Info("worker starting",
		zap.String("worker_id", workerID),
		zap.Duration("job_budget", cfg.EffectiveJobBudget()),
		zap.Duration("backoff_initial", cfg.BackoffInitial),
	)
	if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", zap.Error(err))
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = metricsServer.Shutdown(shutdownCtx)
}
