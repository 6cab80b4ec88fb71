// Package platform assembles the governance engine from configuration. Both the HTTP daemon and
// the operator CLI build on it.
package platform

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"orangecat/governance/internal/app"
	"orangecat/governance/internal/config"
	"orangecat/governance/internal/dispatch"
	"orangecat/governance/internal/events"
	"orangecat/governance/internal/lease"
	"orangecat/governance/internal/scheduler"
	"orangecat/governance/internal/store"
)

type Runtime struct {
	Config     config.Config
	Logger     *zap.Logger
	Store      store.Store
	Publisher  events.Publisher
	Dispatcher *dispatch.Dispatcher
	Evaluator  *scheduler.Evaluator
	Sweeper    *scheduler.Sweeper
	Service    *app.Service

	closers []func() error
}

// Build opens the configured store, applying pending migrations for Postgres, and wires the
// engine around it. Redis, when configured, carries lifecycle events and the sweep lease.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Runtime, error) {
	rt := &Runtime{Config: cfg, Logger: logger, Publisher: events.Noop{}}

	switch cfg.Store {
	case config.StoreMemory:
		logger.Warn("using the in-memory store; data is lost on exit")
		rt.Store = store.NewMemoryStore()
	default:
		db, err := store.Open(ctx, cfg.DatabaseURL, store.DefaultPoolOptions())
		if err != nil {
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		rt.closers = append(rt.closers, db.Close)
		applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir, logger)
		if err != nil {
			_ = rt.Close()
			return nil, fmt.Errorf("migrations failed: %w", err)
		}
		logger.Info("database ready", zap.Int("migrations_applied", applied))
		rt.Store = store.NewPostgresStore(db)
	}

	var locker scheduler.Locker
	if cfg.RedisURL != "" {
		publisher, err := events.NewRedisPublisher(ctx, cfg.RedisURL, logger)
		if err != nil {
			_ = rt.Close()
			return nil, fmt.Errorf("redis connection failed: %w", err)
		}
		rt.closers = append(rt.closers, publisher.Close)
		rt.Publisher = publisher

		redisLocker, err := lease.NewRedisLocker(ctx, cfg.RedisURL)
		if err != nil {
			_ = rt.Close()
			return nil, fmt.Errorf("redis connection failed: %w", err)
		}
		rt.closers = append(rt.closers, redisLocker.Close)
		locker = redisLocker
		logger.Info("publishing events to redis")
	}

	rt.Dispatcher = dispatch.New(rt.Store, rt.Publisher, logger)
	if err := dispatch.RegisterBuiltins(rt.Dispatcher, rt.Store); err != nil {
		_ = rt.Close()
		return nil, err
	}
	rt.Evaluator = scheduler.NewEvaluator(rt.Store, rt.Dispatcher, rt.Publisher, logger)
	rt.Sweeper = scheduler.NewSweeper(rt.Store, rt.Evaluator, logger, scheduler.SweepOptions{
		Spec:      cfg.SweepSpec,
		Workers:   cfg.SweepWorkers,
		BatchSize: cfg.SweepBatch,
		Locker:    locker,
	})
	rt.Service = app.New(rt.Store, rt.Evaluator, rt.Dispatcher, rt.Publisher, logger, app.Options{
		EarlyResolution:     cfg.EarlyResolution,
		DefaultVotingWindow: cfg.DefaultVotingWindow,
	})
	return rt, nil
}

// Close stops the sweeper and releases connections in reverse order of opening.
func (rt *Runtime) Close() error {
	if rt.Sweeper != nil {
		rt.Sweeper.Stop()
		rt.Sweeper = nil
	}
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
