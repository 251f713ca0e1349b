// Package store owns all PostgreSQL access: schema migrations, log
// persistence, the threat cache, the JSONB config table, the UniFi
// client/device caches, and the query surface behind the HTTP API.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"grimm.is/loginsight/internal/clock"
	"grimm.is/loginsight/internal/config"
	"grimm.is/loginsight/internal/logging"
)

// ErrNotFound is returned by lookups that matched no row.
var ErrNotFound = errors.New("not found")

// Store wraps a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
	db   config.Database
	loc  *time.Location
	clk  clock.Clock
	log  *logging.Logger
}

// Open connects, runs the idempotent schema migrations, and performs the
// one-shot maintenance tasks (function re-owning, timezone backfill).
func Open(ctx context.Context, db config.Database, tzName string, clk clock.Clock, log *logging.Logger) (*Store, error) {
	if clk == nil {
		clk = &clock.RealClock{}
	}
	if log == nil {
		log = logging.Default()
	}
	log = log.WithComponent("store")

	pcfg, err := pgxpool.ParseConfig(db.DSN())
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}
	pcfg.MinConns = 2
	pcfg.MaxConns = 10

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	log.Info("postgres connection pool ready", "min", pcfg.MinConns, "max", pcfg.MaxConns)

	loc, err := time.LoadLocation(tzName)
	if err != nil {
		loc = time.UTC
	}

	s := &Store{pool: pool, db: db, loc: loc, clk: clk, log: log}

	// Re-own the cleanup function before migrations so CREATE OR REPLACE
	// succeeds on the first boot after an upgrade, not the second.
	s.fixFunctionOwnership(ctx)

	if err := s.migrate(ctx); err != nil {
		log.Error("schema migration failed", "error", err)
	}
	s.backfillTimezones(ctx, tzName)

	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
	s.log.Info("postgres connection pool closed")
}

// Pool exposes the underlying pool for health checks.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
