package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/atacama-labs/pricewatch/internal/domain"
	"github.com/atacama-labs/pricewatch/internal/persistence"
)

// matchesRepo implements MatchesRepo for PostgreSQL.
type matchesRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewMatchesRepo creates a new PostgreSQL matches repository.
func NewMatchesRepo(db *sqlx.DB, timeout time.Duration) persistence.MatchesRepo {
	return &matchesRepo{db: db, timeout: timeout}
}

// Upsert writes a pairing keyed on the ordered code pair. Re-upserts
// refresh score, type, confidence and features and reactivate the row.
func (r *matchesRepo) Upsert(ctx context.Context, m domain.Match) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	codeA, codeB := domain.OrderedPair(m.CodeA, m.CodeB)

	featuresJSON, err := json.Marshal(m.Features)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal features: %w", err)
	}

	query := `
		INSERT INTO product_matches (code_a, code_b, similarity_score, match_type, confidence, features, ml_version, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE)
		ON CONFLICT (code_a, code_b) DO UPDATE SET
			similarity_score = EXCLUDED.similarity_score,
			match_type = EXCLUDED.match_type,
			confidence = EXCLUDED.confidence,
			features = EXCLUDED.features,
			ml_version = EXCLUDED.ml_version,
			active = TRUE,
			updated_at = now()
		RETURNING id`

	var id int64
	err = r.db.QueryRowxContext(ctx, query,
		codeA, codeB, m.SimilarityScore, m.MatchType, m.Confidence,
		featuresJSON, m.MLVersion).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert match: %w", err)
	}
	return id, nil
}

// GetPair returns the match for an unordered code pair, nil when absent.
func (r *matchesRepo) GetPair(ctx context.Context, codeA, codeB string) (*domain.Match, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	a, b := domain.OrderedPair(codeA, codeB)

	query := `
		SELECT id, code_a, code_b, similarity_score, match_type, confidence,
		       features, ml_version, active, created_at, updated_at
		FROM product_matches
		WHERE code_a = $1 AND code_b = $2`

	row := r.db.QueryRowxContext(ctx, query, a, b)
	m, err := scanMatchRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get match pair: %w", err)
	}
	return m, nil
}

// ActiveAbove lists active matches at or above the score floor, best first.
func (r *matchesRepo) ActiveAbove(ctx context.Context, minScore float64, limit int) ([]domain.Match, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, code_a, code_b, similarity_score, match_type, confidence,
		       features, ml_version, active, created_at, updated_at
		FROM product_matches
		WHERE active AND similarity_score >= $1
		ORDER BY similarity_score DESC
		LIMIT $2`

	rows, err := r.db.QueryxContext(ctx, query, minScore, limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query active matches: %w", err)
	}
	defer rows.Close()

	var matches []domain.Match
	for rows.Next() {
		m, err := scanMatchRows(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating matches: %w", err)
	}
	return matches, nil
}

// DeactivateStale inactivates matches not refreshed since the cutoff and
// returns how many rows were touched.
func (r *matchesRepo) DeactivateStale(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx,
		`UPDATE product_matches SET active = FALSE WHERE active AND updated_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate stale matches: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n, nil
}

func scanMatchRow(row *sqlx.Row) (*domain.Match, error) {
	var m domain.Match
	var featuresJSON []byte

	err := row.Scan(
		&m.ID, &m.CodeA, &m.CodeB, &m.SimilarityScore, &m.MatchType,
		&m.Confidence, &featuresJSON, &m.MLVersion, &m.Active,
		&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := unmarshalFeatures(featuresJSON, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func scanMatchRows(rows *sqlx.Rows) (*domain.Match, error) {
	var m domain.Match
	var featuresJSON []byte

	err := rows.Scan(
		&m.ID, &m.CodeA, &m.CodeB, &m.SimilarityScore, &m.MatchType,
		&m.Confidence, &featuresJSON, &m.MLVersion, &m.Active,
		&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := unmarshalFeatures(featuresJSON, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func unmarshalFeatures(raw []byte, m *domain.Match) error {
	if len(raw) == 0 {
		m.Features = map[string]float64{}
		return nil
	}
	if err := json.Unmarshal(raw, &m.Features); err != nil {
		return fmt.Errorf("failed to unmarshal features: %w", err)
	}
	return nil
}
