package main

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/contextfs/syncd/internal/algorithm"
	"github.com/contextfs/syncd/internal/config"
	apierrors "github.com/contextfs/syncd/internal/errors"
	"github.com/contextfs/syncd/internal/handler"
	"github.com/contextfs/syncd/internal/health"
	"github.com/contextfs/syncd/internal/metrics"
	"github.com/contextfs/syncd/internal/middleware"
	"github.com/contextfs/syncd/internal/server"
	"github.com/contextfs/syncd/internal/service"
	"github.com/contextfs/syncd/internal/store"
	"github.com/contextfs/syncd/internal/validation"
)

// app holds the wired process components.
type app struct {
	cfg              *config.Config
	syncStore        store.SyncStore
	idempotencyStore store.IdempotencyStore
	deviceCache      *store.InMemoryCache
	registry         *prometheus.Registry
	server           *server.Server
	logger           *zap.Logger
}

// openStore connects the configured record store.
func openStore(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (store.SyncStore, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		return store.NewPostgresStore(ctx, store.PostgresOptions{
			Host:     cfg.Host,
			Port:     cfg.Port,
			Database: cfg.Database,
			User:     cfg.User,
			Password: cfg.Password,
			SSLMode:  cfg.SSLMode,
			MaxConns: cfg.MaxConnections,
			MinConns: cfg.MinConnections,
		}, logger)
	case config.DriverSQLite:
		return store.NewSQLiteStore(cfg.SQLitePath, logger)
	case config.DriverMemory:
		return store.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetrics(a.registry)

	syncStore, err := openStore(ctx, cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open sync store: %w", err)
	}
	a.syncStore = syncStore
	logger.Info("Sync store initialized", zap.String("driver", cfg.Database.Driver))

	if cfg.Database.AutoMigrate {
		if err := syncStore.Migrate(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to migrate sync store: %w", err)
		}
	}

	clock := clockwork.NewRealClock()
	a.deviceCache = store.NewInMemoryCache(cfg.Cache.MaxSize, clock, logger)

	if cfg.Redis.Enabled {
		idempotencyStore, err := store.NewRedisIdempotencyStore(store.RedisOptions{
			Host:     cfg.Redis.Host,
			Port:     cfg.Redis.Port,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to connect idempotency store: %w", err)
		}
		a.idempotencyStore = idempotencyStore
		logger.Info("Idempotency store initialized", zap.String("backend", "redis"))
	} else {
		a.idempotencyStore = store.NewCacheIdempotencyStore(store.NewInMemoryCache(cfg.Cache.MaxSize, clock, logger))
		logger.Info("Idempotency store initialized", zap.String("backend", "memory"))
	}

	validator := validation.NewValidatorWithLimits(cfg.Sync.MaxPayloadBytes)
	tx := service.NewTxRunner(syncStore, service.RetryPolicy{
		MaxRetries: cfg.Sync.MaxRetries,
		BaseDelay:  cfg.Sync.RetryBaseDelay,
		MaxDelay:   cfg.Sync.RetryMaxDelay,
	}, clock, m, logger)
	registry := service.NewDeviceRegistry(syncStore, tx, a.deviceCache, cfg.Cache.DeviceTTL, validator, clock, m, logger)
	resolver := service.NewConflictResolver(algorithm.NewVectorClockOps(), logger)
	engine := service.NewSyncEngine(syncStore, registry, tx, resolver, validator, service.EngineOptions{
		MaxBatchSize:     cfg.Sync.MaxBatchSize,
		PushConcurrency:  cfg.Sync.PushConcurrency,
		PullDefaultLimit: cfg.Sync.PullDefaultLimit,
		PullMaxLimit:     cfg.Sync.PullMaxLimit,
	}, clock, m, logger)
	idempotency := service.NewIdempotencyService(a.idempotencyStore, cfg.Redis.IdempotencyTTL, m, logger)
	logger.Info("All services initialized")

	errorHandler := apierrors.NewHandler(logger)
	syncHandler := handler.NewSyncHandler(engine, idempotency, errorHandler, logger)
	healthChecker := health.NewHealthChecker(syncStore, a.idempotencyStore, a.deviceCache, clock, logger)
	authenticator := middleware.NewAuthenticator(cfg.Auth, middleware.NewStaticKeyResolver(cfg.Auth.APIKeys), errorHandler, logger)

	a.server = server.NewServer(cfg, syncHandler, healthChecker, authenticator, errorHandler, m, logger)
	return a, nil
}

// Close releases stores and caches.
func (a *app) Close() {
	if a.deviceCache != nil {
		a.deviceCache.Stop()
	}
	if a.idempotencyStore != nil {
		if err := a.idempotencyStore.Close(); err != nil {
			a.logger.Warn("failed to close idempotency store", zap.Error(err))
		}
	}
	if a.syncStore != nil {
		if err := a.syncStore.Close(); err != nil {
			a.logger.Warn("failed to close sync store", zap.Error(err))
		}
	}
}
