// Package app assembles the pipeline components from configuration.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/timmy/sourcescan/internal/api/handler"
	"github.com/timmy/sourcescan/internal/cache"
	"github.com/timmy/sourcescan/internal/clock"
	"github.com/timmy/sourcescan/internal/config"
	"github.com/timmy/sourcescan/internal/logger"
	"github.com/timmy/sourcescan/internal/provider"
	"github.com/timmy/sourcescan/internal/queue"
	"github.com/timmy/sourcescan/internal/ratelimit"
	"github.com/timmy/sourcescan/internal/repository"
	"github.com/timmy/sourcescan/internal/service"
	"github.com/timmy/sourcescan/internal/source"
	"github.com/timmy/sourcescan/internal/source/csvfile"
	"github.com/timmy/sourcescan/internal/source/xlsx"
	"github.com/timmy/sourcescan/internal/storage"
	"gorm.io/gorm"
)

// Backend names accepted by cache.backend and queue.backend.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendDatabase = "database"
)

// App holds the wired components shared by the server and the CLI.
type App struct {
	DB          *gorm.DB
	Redis       *redis.Client
	Jobs        *service.JobService
	Workers     *service.WorkerPool
	Maintenance *service.Maintenance
	Health      map[string]handler.Pinger
}

// Build connects to every configured backend and wires the services.
// The caller owns the returned App and must Close it.
func Build(ctx context.Context, cfg *config.Config, log *logger.Logger) (*App, error) {
	if log == nil {
		log = logger.GetDefault()
	}
	clk := clock.Real{}
	a := &App{Health: map[string]handler.Pinger{}}

	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	a.DB = db
	if sqlDB, err := db.DB(); err == nil {
		a.Health["database"] = sqlDB
	}

	if cfg.Cache.Backend == BackendRedis || cfg.Queue.Backend == BackendRedis {
		if cfg.Redis.Addr == "" {
			a.Close()
			return nil, errors.New("redis backend selected but redis.addr is empty")
		}
		a.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.Health["redis"] = redisPinger{a.Redis}
	}

	jobRepo := repository.NewJobRepository(db)
	chunkRepo := repository.NewChunkRepository(db)
	resultRepo := repository.NewResultRepository(db)

	store, sweeper, err := a.newCache(cfg, repository.NewCacheRepository(db), clk)
	if err != nil {
		a.Close()
		return nil, err
	}
	q, err := a.newQueue(cfg, chunkRepo, clk)
	if err != nil {
		a.Close()
		return nil, err
	}

	objectStorage, err := newStorage(ctx, &cfg.Storage)
	if err != nil {
		a.Close()
		return nil, err
	}
	if objectStorage == nil {
		log.Info("Object storage disabled, uploads are not archived and export is unavailable")
	}

	limits := ratelimit.NewRegistryFromConfig(&cfg.Providers, clk)
	pricingLimiter := limits.MustGet(cfg.Providers.Pricing.Name)
	demandLimiter := limits.MustGet(cfg.Providers.Demand.Name)
	pricing := provider.NewPricingClient(&cfg.Providers.Pricing)
	demand := provider.NewDemandClient(&cfg.Providers.Demand)

	calc := service.NewCalculatorFromConfig(&cfg.Profitability)
	rows := service.NewRowProcessor(
		service.NewResolver(pricing, pricingLimiter, store),
		service.NewPricingFetcher(pricing, pricingLimiter, store, cfg.Cache.PricingTTL, clk),
		service.NewDemandFetcher(demand, demandLimiter, store, cfg.Cache.DemandTTL, clk),
		calc,
		clk,
	)

	parser := source.NewParser(csvfile.NewAdapter(), xlsx.NewAdapter())
	a.Jobs = service.NewJobService(jobRepo, chunkRepo, resultRepo, q, parser, service.NewColumnMapper(), calc,
		objectStorage, clk, log, &service.JobServiceConfig{ChunkSize: cfg.Pipeline.ChunkSize})
	a.Workers = service.NewWorkerPool(jobRepo, chunkRepo, resultRepo, q, rows, clk, log, &service.WorkerConfig{
		Workers:     cfg.Pipeline.Workers,
		MaxAttempts: cfg.Pipeline.MaxAttempts,
		BackoffBase: cfg.Pipeline.BackoffBase,
		BackoffMax:  cfg.Pipeline.BackoffMax,
	})
	a.Maintenance = service.NewMaintenance(jobRepo, chunkRepo, q, sweeper, clk, log, &service.MaintenanceConfig{
		VisibilityTimeout: cfg.Pipeline.VisibilityTimeout,
		ReaperSchedule:    cfg.Pipeline.ReaperSchedule,
		SweepSchedule:     cfg.Cache.SweepSchedule,
	})

	log.WithFields(logger.Fields{
		"cache":   cfg.Cache.Backend,
		"queue":   cfg.Queue.Backend,
		"workers": cfg.Pipeline.Workers,
	}).Info("Pipeline assembled")
	return a, nil
}

func (a *App) newCache(cfg *config.Config, repo *repository.CacheRepository, clk clock.Clock) (cache.Cache, cache.Sweeper, error) {
	switch cfg.Cache.Backend {
	case BackendMemory:
		c := cache.NewMemoryCache(clk)
		return cache.NewResilient(c), c, nil
	case BackendRedis:
		return cache.NewResilient(cache.NewRedisCache(a.Redis, cfg.Redis.Prefix)), nil, nil
	case BackendDatabase, "":
		c := cache.NewDatabaseCache(repo, clk)
		return cache.NewResilient(c), c, nil
	default:
		return nil, nil, fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
	}
}

func (a *App) newQueue(cfg *config.Config, chunks *repository.ChunkRepository, clk clock.Clock) (queue.Queue, error) {
	switch cfg.Queue.Backend {
	case BackendMemory:
		return queue.NewMemoryQueue(clk), nil
	case BackendRedis:
		key := cfg.Queue.Key
		if cfg.Redis.Prefix != "" {
			key = cfg.Redis.Prefix + ":" + key
		}
		return queue.NewRedisQueue(a.Redis, key, cfg.Queue.PollInterval, clk), nil
	case BackendDatabase, "":
		return queue.NewDatabaseQueue(chunks, cfg.Queue.PollInterval, cfg.Pipeline.Workers*2, clk), nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend)
	}
}

// newStorage returns nil storage when none is configured.
func newStorage(ctx context.Context, cfg *config.StorageConfig) (storage.ObjectStorage, error) {
	objectStorage, err := storage.NewStorage(cfg)
	if errors.Is(err, storage.ErrNotConfigured) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	if s3, ok := objectStorage.(*storage.S3Storage); ok {
		if err := s3.EnsureBucket(ctx); err != nil {
			return nil, fmt.Errorf("failed to ensure storage bucket: %w", err)
		}
	}
	return objectStorage, nil
}

// Close releases database and redis connections.
func (a *App) Close() {
	if a.Redis != nil {
		a.Redis.Close()
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			sqlDB.Close()
		}
	}
}

type redisPinger struct {
	client *redis.Client
}

func (p redisPinger) PingContext(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}
