// Package postgres implements the persistence interfaces on PostgreSQL
// via sqlx.
package postgres

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/atacama-labs/pricewatch/internal/config"
	"github.com/atacama-labs/pricewatch/internal/persistence"
)

//go:embed schema.sql
var schemaSQL string

// Manager owns the connection pool and the repository instances bound to it.
type Manager struct {
	db     *sqlx.DB
	config config.DBConfig
	repos  *persistence.Repository
	health *healthChecker
}

// NewManager opens the pool, verifies connectivity and wires the repos.
// A disabled config yields a manager with nil repositories; callers that
// require persistence should check Repository() for nil at startup.
func NewManager(cfg config.DBConfig) (*Manager, error) {
	if !cfg.Enabled {
		return &Manager{config: cfg, health: &healthChecker{enabled: false}}, nil
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is required when enabled")
	}

	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	timeout := cfg.QueryTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	repos := &persistence.Repository{
		Products:      NewProductsRepo(db, timeout),
		Prices:        NewPricesRepo(db, timeout),
		Matches:       NewMatchesRepo(db, timeout),
		Opportunities: NewOpportunitiesRepo(db, timeout),
		Config:        NewConfigRepo(db, timeout),
		Metrics:       NewMetricsRepo(db, timeout),
		Tasks:         NewTasksRepo(db, timeout),
	}

	return &Manager{
		db:     db,
		config: cfg,
		repos:  repos,
		health: &healthChecker{enabled: true, db: db, timeout: timeout},
	}, nil
}

// EnsureSchema applies the embedded DDL. Every statement is idempotent so
// repeated runs are safe.
func (m *Manager) EnsureSchema(ctx context.Context) error {
	if m.db == nil {
		return fmt.Errorf("database is disabled")
	}

	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin schema transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return tx.Commit()
}

// Repository returns the repository collection, nil when disabled.
func (m *Manager) Repository() *persistence.Repository { return m.repos }

// Health returns the backing-store health checker.
func (m *Manager) Health() persistence.RepositoryHealth { return m.health }

// DB exposes the pool for tests and maintenance commands.
func (m *Manager) DB() *sqlx.DB { return m.db }

// Close shuts the pool down.
func (m *Manager) Close() error {
	if m.db == nil {
		return nil
	}
	return m.db.Close()
}

// limitArg renders a non-positive limit as NULL, which postgres reads as
// LIMIT ALL. Keeps the no-cap contract of the listing methods.
func limitArg(limit int) interface{} {
	if limit <= 0 {
		return nil
	}
	return limit
}

type healthChecker struct {
	enabled bool
	db      *sqlx.DB
	timeout time.Duration
}

func (h *healthChecker) Check(ctx context.Context) persistence.HealthStatus {
	status := persistence.HealthStatus{CheckedAt: time.Now()}
	if !h.enabled {
		status.Error = "database disabled"
		return status
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	start := time.Now()
	err := h.db.PingContext(ctx)
	status.Latency = time.Since(start)
	if err != nil {
		status.Error = err.Error()
		return status
	}
	status.Healthy = true
	return status
}
