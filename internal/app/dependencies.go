package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/keyshop/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/keyshop/internal/health"
	"github.com/vladislavdragonenkov/keyshop/internal/storage/memory"
	"github.com/vladislavdragonenkov/keyshop/internal/storage/postgres"
	"github.com/vladislavdragonenkov/keyshop/internal/storage/redislock"
)

// runtimeDependencies: хранилища и блокировка, выбранные по конфигурации.
type runtimeDependencies struct {
	orders      domain.OrderRepository
	catalog     domain.CatalogRepository
	keys        domain.KeyRepository
	outbox      domain.OutboxRepository
	timeline    domain.TimelineRepository
	idempotency domain.IdempotencyRepository
	locker      domain.OrderLocker
	lockerKind  string

	// storageChecker и redisChecker регистрируются в /healthz; nil означает "нечего проверять".
	storageChecker healthcheck.Checker
	redisChecker   healthcheck.Checker

	closeFn func() error
}

// initRuntimeDependencies открывает хранилище и выбирает блокировку заказов:
// Redis, если задан адрес, иначе advisory lock Postgres, иначе локальный мьютекс.
func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	deps := &runtimeDependencies{}
	var closers []func() error

	switch cfg.StorageDriver {
	case StorageDriverMemory, "":
		deps.orders = memory.NewOrderRepository()
		deps.catalog = memory.NewCatalogRepository()
		deps.keys = memory.NewKeyRepository()
		deps.outbox = memory.NewOutboxRepository()
		deps.timeline = memory.NewTimelineRepository()
		deps.idempotency = memory.NewIdempotencyRepository()
		deps.locker = memory.NewOrderLocker()
		deps.lockerKind = "memory"
		logger.Warn("using in-memory storage, data is lost on restart")

	case StorageDriverPostgres:
		if cfg.PostgresDSN == "" {
			return nil, errors.New("postgres storage driver requires a DSN")
		}
		store, err := postgres.Open(ctx, cfg.PostgresDSN, postgres.WithMaxOpenConns(cfg.PostgresMaxConns))
		if err != nil {
			return nil, err
		}
		closers = append(closers, store.Close)

		if cfg.PostgresAutoMigrate {
			if err := store.MigrateUp(ctx, 0); err != nil {
				_ = store.Close()
				return nil, fmt.Errorf("apply migrations: %w", err)
			}
			logger.Info("postgres migrations applied")
		}

		deps.orders = postgres.NewOrderRepository(store)
		deps.catalog = postgres.NewCatalogRepository(store)
		deps.keys = postgres.NewKeyRepository(store)
		deps.outbox = postgres.NewOutboxRepository(store)
		deps.timeline = postgres.NewTimelineRepository(store)
		deps.idempotency = postgres.NewIdempotencyRepository(store)
		deps.locker = postgres.NewOrderLocker(store, logger.WithField("component", "order-locker-postgres"))
		deps.lockerKind = "postgres-advisory"
		deps.storageChecker = healthcheck.PingChecker(store.Ping)

	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}

	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		closers = append(closers, client.Close)

		locker := redislock.New(client,
			redislock.WithTTL(cfg.LockTTL),
			redislock.WithLogger(logger.WithField("component", "order-locker-redis")),
		)
		deps.locker = locker
		deps.lockerKind = "redis"
		deps.redisChecker = healthcheck.PingChecker(locker.Ping)
	} else if cfg.StorageDriver == StorageDriverMemory {
		logger.Warn("order lock is process-local, run a single instance")
	}

	deps.closeFn = func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}

	logger.WithFields(log.Fields{
		"storage": cfg.StorageDriver,
		"locker":  deps.lockerKind,
	}).Info("storage initialized")
	return deps, nil
}
