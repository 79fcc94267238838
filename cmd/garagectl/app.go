package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	finmem "garagecore/internal/adapters/finance/memory"
	finpg "garagecore/internal/adapters/finance/postgres"
	invmem "garagecore/internal/adapters/inventory/memory"
	invmysql "garagecore/internal/adapters/inventory/mysql"
	invredis "garagecore/internal/adapters/inventory/redis"
	"garagecore/internal/blob"
	"garagecore/internal/config"
	"garagecore/internal/core"
	"garagecore/pkg/domain"
)

// app holds every wired component of one process.
type app struct {
	cfg        config.Config
	logger     *zap.Logger
	registry   *prometheus.Registry
	store      core.ClosableStore
	service    *core.Service
	dispatcher *core.Dispatcher
	archive    *core.ArchiveDeadLetterSink
	closers    []func() error
}

func retryPolicy(cfg config.DispatchConfig) (core.RetryPolicy, error) {
	policy := core.RetryPolicy{
		MaxAttempts:    cfg.MaxAttempts,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
		Factor:         cfg.Factor,
		Jitter:         cfg.Jitter,
	}
	if err := policy.Validate(); err != nil {
		return core.RetryPolicy{}, fmt.Errorf("dispatch retry settings: %w", err)
	}
	return policy, nil
}

func buildApp(ctx context.Context, cfg config.Config) (_ *app, err error) {
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := core.NewPrometheusMetrics(a.registry)

	policy, err := retryPolicy(cfg.Dispatch)
	if err != nil {
		return nil, err
	}

	a.store, err = core.OpenPersistentStore(ctx, cfg.Storage, core.NewDefaultRulesEngine())
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	a.closers = append(a.closers, a.store.Close)

	var redisClient *goredis.Client
	if cfg.Inventory.Driver == "redis" || cfg.Dispatch.LedgerDriver == "redis" {
		redisClient = goredis.NewClient(&goredis.Options{Addr: cfg.Inventory.RedisAddr, DB: cfg.Inventory.RedisDB})
		a.closers = append(a.closers, redisClient.Close)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
	}

	inventory, err := a.openInventory(ctx, cfg.Inventory, redisClient)
	if err != nil {
		return nil, err
	}
	finance, err := a.openFinance(ctx, cfg.Finance)
	if err != nil {
		return nil, err
	}
	var ledger core.AppliedLedger = core.NewMemoryLedger()
	if cfg.Dispatch.LedgerDriver == "redis" {
		ledger = invredis.NewLedger(redisClient)
	}

	sinks := []core.DeadLetterSink{core.NewLogDeadLetterSink(logger)}
	archive, err := blob.Open(ctx, cfg.Archive)
	if err != nil {
		return nil, fmt.Errorf("open dead-letter archive: %w", err)
	}
	if archive != nil {
		a.archive = core.NewArchiveDeadLetterSink(archive, cfg.Archive.Prefix)
		sinks = append(sinks, a.archive)
	}

	a.dispatcher = core.NewDispatcher(a.store, []core.Handler{
		core.NewInventoryAllocationHandler(inventory, ledger, logger.Named("inventory")),
		core.NewServiceConsumptionHandler(inventory, finance, ledger, logger.Named("consumption")),
	},
		core.WithDispatcherLogger(logger.Named("dispatcher")),
		core.WithRetryPolicy(policy),
		core.WithDeadLetterSinks(sinks...),
		core.WithDispatchRecorder(metrics),
		core.WithPollInterval(cfg.Dispatch.PollInterval),
		core.WithBatchSize(cfg.Dispatch.BatchSize),
	)

	a.service = core.NewService(a.store,
		core.WithLogger(logger.Named("service")),
		core.WithMetrics(metrics),
		core.WithInventory(inventory),
		core.WithDispatcher(a.dispatcher, cfg.Dispatch.Inline),
		core.WithStorageLocations(cfg.Locations.Known...),
		core.WithDefaultStorageLocation(cfg.Locations.Default),
	)
	return a, nil
}

func (a *app) openInventory(ctx context.Context, cfg config.InventoryConfig, client *goredis.Client) (domain.Inventory, error) {
	type seeder interface {
		SetStock(ctx context.Context, itemID string, qty int64) error
	}
	var (
		inventory domain.Inventory
		seed      seeder
	)
	switch cfg.Driver {
	case "", "memory":
		return invmem.New(cfg.Seed), nil
	case "redis":
		r := invredis.NewInventory(client)
		inventory, seed = r, r
	case "mysql":
		m, err := invmysql.Open(ctx, cfg.MySQLDSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, m.Close)
		inventory, seed = m, m
	default:
		return nil, fmt.Errorf("unknown inventory driver %q", cfg.Driver)
	}
	for item, qty := range cfg.Seed {
		if err := seed.SetStock(ctx, item, qty); err != nil {
			return nil, fmt.Errorf("seed %s: %w", item, err)
		}
	}
	return inventory, nil
}

func (a *app) openFinance(ctx context.Context, cfg config.FinanceConfig) (domain.Finance, error) {
	switch cfg.Driver {
	case "", "memory":
		return finmem.New(), nil
	case "postgres":
		l, err := finpg.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { l.Close(); return nil })
		return l, nil
	default:
		return nil, fmt.Errorf("unknown finance driver %q", cfg.Driver)
	}
}

// Close releases connections in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	_ = a.logger.Sync()
	return errors.Join(errs...)
}
