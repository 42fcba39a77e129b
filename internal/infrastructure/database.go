// Package infrastructure provides database and job queue setup.
//
// One pgxpool is shared by the chain store and River so a single
// PostgreSQL connection budget covers both.
//
// Import Path: seclog.io/chain/internal/infrastructure
package infrastructure

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"go.uber.org/zap"

	"seclog.io/chain/internal/config"
	"seclog.io/chain/internal/pkg/logger"
)

// DatabaseClients contains all database-related clients.
// All clients share a single pgxpool connection pool.
type DatabaseClients struct {
	// Pool is the shared connection pool (chain store + River).
	Pool *pgxpool.Pool

	// RiverClient is the River job queue client backed by the shared pool.
	RiverClient *river.Client[pgx.Tx]
}

// NewDatabaseClients creates the shared pool, retrying the initial ping
// with exponential backoff until cfg.ConnectRetryMaxElapsed.
func NewDatabaseClients(ctx context.Context, cfg config.DatabaseConfig) (*DatabaseClients, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	poolConfig.MinConns = cfg.MinConns
	if cfg.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	poolConfig.HealthCheckPeriod = time.Minute

	// Timestamps in the hash input are UTC; keep session time zone aligned.
	poolConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, "SET timezone = 'UTC'")
		return err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pingWithRetry(ctx, pool, cfg.ConnectRetryMaxElapsed); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	logger.Info("Database connection pool created",
		zap.Int32("max_conns", poolConfig.MaxConns),
		zap.Int32("min_conns", poolConfig.MinConns),
	)

	return &DatabaseClients{Pool: pool}, nil
}

// defaultConnectRetryMaxElapsed applies when the configured bound is unset;
// a zero MaxElapsedTime would make backoff retry forever.
const defaultConnectRetryMaxElapsed = time.Minute

func pingWithRetry(ctx context.Context, pool *pgxpool.Pool, maxElapsed time.Duration) error {
	if maxElapsed <= 0 {
		maxElapsed = defaultConnectRetryMaxElapsed
	}
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 500 * time.Millisecond
	expBackoff.MaxInterval = 10 * time.Second
	expBackoff.MaxElapsedTime = maxElapsed

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := pool.Ping(ctx)
		if err != nil {
			logger.Warn("Database not reachable, retrying",
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		}
		return err
	}, backoff.WithContext(expBackoff, ctx))
}

// AutoMigrate applies the security log schema and River's queue tables.
func (c *DatabaseClients) AutoMigrate(ctx context.Context) error {
	logger.Info("Applying security log schema...")
	if err := MigrateSchema(ctx, c.Pool); err != nil {
		return err
	}

	logger.Info("Running River migration...")
	migrator, err := rivermigrate.New(riverpgxv5.New(c.Pool), nil)
	if err != nil {
		return fmt.Errorf("create river migrator: %w", err)
	}
	res, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil)
	if err != nil {
		return fmt.Errorf("river migrate up: %w", err)
	}
	if len(res.Versions) > 0 {
		logger.Info("River migration completed",
			zap.Int("versions_applied", len(res.Versions)),
		)
	} else {
		logger.Info("River migration: already up-to-date")
	}
	return nil
}

// RiverOptions carries what the composition root decides about queues.
type RiverOptions struct {
	Queues       map[string]river.QueueConfig
	Workers      *river.Workers
	PeriodicJobs []*river.PeriodicJob
}

// InitRiverClient creates a River client with registered workers.
// With no queues and no workers the client is insert-only.
func (c *DatabaseClients) InitRiverClient(opts RiverOptions, cfg config.RiverConfig) error {
	riverCfg := &river.Config{
		Queues:                      opts.Queues,
		Workers:                     opts.Workers,
		PeriodicJobs:                opts.PeriodicJobs,
		CompletedJobRetentionPeriod: cfg.CompletedJobRetentionPeriod,
		JobTimeout:                  cfg.JobTimeout,
		MaxAttempts:                 cfg.MaxAttempts,
	}

	riverClient, err := river.NewClient(riverpgxv5.New(c.Pool), riverCfg)
	if err != nil {
		return fmt.Errorf("create river client: %w", err)
	}
	c.RiverClient = riverClient

	queueNames := make([]string, 0, len(opts.Queues))
	for name := range opts.Queues {
		queueNames = append(queueNames, name)
	}
	logger.Info("River client initialized",
		zap.Strings("queues", queueNames),
		zap.Int("periodic_jobs", len(opts.PeriodicJobs)),
	)
	return nil
}

// Close closes all connection pools gracefully.
func (c *DatabaseClients) Close() {
	if c.Pool != nil {
		c.Pool.Close()
	}
}
