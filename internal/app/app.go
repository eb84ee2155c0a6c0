// Package app assembles the collector's components from configuration.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aponysus/recourse/circuit"
	"github.com/redis/go-redis/v9"

	"exception-collector/internal/config"
	"exception-collector/internal/coordinator"
	"exception-collector/internal/events"
	"exception-collector/internal/lifecycle"
	"exception-collector/internal/loader"
	"exception-collector/internal/payload"
	"exception-collector/internal/queue"
	"exception-collector/internal/ratelimit"
	"exception-collector/internal/store"
	"exception-collector/internal/store/memory"
)

// App holds the wired components shared by the api and worker binaries.
type App struct {
	Repo        store.Repository
	Redis       *redis.Client
	Queue       *queue.RedisQueue
	Lifecycle   *events.RedisList
	Coordinator *coordinator.Coordinator
	Loaders     *loader.Factory
	Limiter     *ratelimit.TokenBucket
}

// Build connects the store and Redis and wires the coordinator around them.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	repo, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	rdb := queue.NewRedisClient(cfg)
	lifecycleList := events.NewRedisList(rdb, cfg.LifecycleList, cfg.LifecycleMaxLen)
	pub := events.NewPublisher(events.Multi{events.Log{Logger: logger}, lifecycleList}, logger)

	lookup, dispatcher, err := payloadClients(ctx, cfg)
	if err != nil {
		repo.Close()
		_ = rdb.Close()
		return nil, err
	}

	coord := coordinator.New(repo, lookup, dispatcher, pub, logger, coordinator.Options{
		AckPolicy:         lifecycle.AckPolicy(cfg.AckPolicy),
		DefaultMaxRetries: cfg.DefaultMaxRetries,
		RetryAsync:        cfg.RetryAsync,
		DispatchTimeout:   cfg.RetryDispatchTimeout,
		MaxBulkSize:       cfg.MaxBulkSize,
		BulkConcurrency:   cfg.BulkConcurrency,
		MaxPageSize:       cfg.MaxPageSize,
	})
	loaders := loader.NewFactory(repo, lookup, loader.Options{
		StoreSoftLimit:     cfg.StoreLoaderSoftLimit,
		PayloadSoftLimit:   cfg.PayloadLoaderSoftLimit,
		PayloadConcurrency: cfg.PayloadConcurrency,
		PayloadTimeout:     cfg.PayloadFetchTimeout,
	}, logger)

	return &App{
		Repo:        repo,
		Redis:       rdb,
		Queue:       queue.NewRedisQueue(rdb, cfg),
		Lifecycle:   lifecycleList,
		Coordinator: coord,
		Loaders:     loaders,
		Limiter:     ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour).WithLogger(logger),
	}, nil
}

// Close waits for background retries and releases connections.
func (a *App) Close() {
	a.Coordinator.Wait()
	a.Repo.Close()
	_ = a.Redis.Close()
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.Repository, error) {
	if cfg.StoreBackend == "memory" {
		logger.Warn("using in-memory store; data is lost on restart")
		return memory.New(), nil
	}
	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := st.RunMigrations(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	return st, nil
}

// payloadClients picks where original payloads are read from. Retries are
// always submitted to the source system over HTTP. Each collaborator sits
// behind its own breaker.
func payloadClients(ctx context.Context, cfg config.Config) (payload.Lookup, payload.Dispatcher, error) {
	httpClient := payload.NewHTTPClient(cfg.PayloadBaseURL, cfg.PayloadFetchTimeout)
	dispatcher := payload.NewGuardedDispatcher("retry-service", httpClient, newBreaker(cfg))

	var lookup payload.Lookup = httpClient
	if cfg.PayloadSource == "s3" {
		client, err := payload.NewS3Client(ctx, payload.S3Options{
			Region:    cfg.PayloadS3Region,
			Endpoint:  cfg.PayloadS3Endpoint,
			PathStyle: cfg.PayloadS3PathStyle,
		})
		if err != nil {
			return nil, nil, err
		}
		lookup = payload.NewS3Archive(client, cfg.PayloadS3Bucket, cfg.PayloadS3Prefix)
	}
	return payload.NewGuardedLookup("payload-service", lookup, newBreaker(cfg)), dispatcher, nil
}

func newBreaker(cfg config.Config) *circuit.ConsecutiveFailureBreaker {
	return circuit.NewConsecutiveFailureBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown)
}
