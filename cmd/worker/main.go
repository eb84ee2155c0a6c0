package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"exception-collector/internal/app"
	"exception-collector/internal/config"
	"exception-collector/internal/telemetry"
	"exception-collector/internal/worker"
)

func main() {
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := telemetry.NewLogger(os.Stdout, cfg.Env, cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	processor := worker.NewProcessor(cfg, a.Queue, a.Coordinator, logger, workerID)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	logger.Info("worker started", "worker_id", workerID, "queue", cfg.InboundQueue,
		"visibility", cfg.VisibilityTimeout, "backoff_initial", cfg.BackoffInitial)
	if err := processor.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("worker stopped", "error", err)
	}
}
