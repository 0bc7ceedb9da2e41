package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/atacama-labs/pricewatch/internal/domain"
	"github.com/atacama-labs/pricewatch/internal/persistence"
)

// configRepo implements ConfigRepo for PostgreSQL.
type configRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewConfigRepo creates a new PostgreSQL config repository.
func NewConfigRepo(db *sqlx.DB, timeout time.Duration) persistence.ConfigRepo {
	return &configRepo{db: db, timeout: timeout}
}

// GetAll returns every config row, active or not; the settings layer
// filters on Active so operators can stage values.
func (r *configRepo) GetAll(ctx context.Context) ([]domain.ConfigEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var entries []domain.ConfigEntry
	err := r.db.SelectContext(ctx, &entries,
		`SELECT key, value, type, active FROM config ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("failed to query config entries: %w", err)
	}
	return entries, nil
}

// Set upserts one config row.
func (r *configRepo) Set(ctx context.Context, entry domain.ConfigEntry) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO config (key, value, type, active)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			type = EXCLUDED.type,
			active = EXCLUDED.active`

	if _, err := r.db.ExecContext(ctx, query, entry.Key, entry.Value, entry.Type, entry.Active); err != nil {
		return fmt.Errorf("failed to set config entry %s: %w", entry.Key, err)
	}
	return nil
}
