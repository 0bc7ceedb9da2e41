package match

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/atacama-labs/pricewatch/internal/config"
	"github.com/atacama-labs/pricewatch/internal/domain"
	"github.com/atacama-labs/pricewatch/internal/infrastructure/cache"
	"github.com/atacama-labs/pricewatch/internal/persistence"
)

// Store front-ends the matches table with an optional KV snapshot so
// repeated pair reads between cycles skip the database. All writes go
// through here so pair ordering stays canonical.
type Store struct {
	cfg   config.MatchingConfig
	repo  persistence.MatchesRepo
	cache cache.MatchCache // nil disables snapshots
}

func NewStore(cfg config.MatchingConfig, repo persistence.MatchesRepo, kv cache.MatchCache) *Store {
	return &Store{cfg: cfg, repo: repo, cache: kv}
}

// Save upserts a scored pair and refreshes its snapshot. The repository
// keys on the ordered pair, so re-scoring updates in place.
func (s *Store) Save(ctx context.Context, m domain.Match) (int64, error) {
	m.CodeA, m.CodeB = domain.OrderedPair(m.CodeA, m.CodeB)
	id, err := s.repo.Upsert(ctx, m)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert match %s/%s: %w", m.CodeA, m.CodeB, err)
	}
	m.ID = id
	if s.cache != nil {
		if err := s.cache.PutMatch(ctx, m, s.cfg.CacheTTL); err != nil {
			log.Debug().Err(err).Str("code_a", m.CodeA).Str("code_b", m.CodeB).
				Msg("match snapshot write failed")
		}
	}
	return id, nil
}

// Get reads one pair, snapshot first. A database hit warms the snapshot.
func (s *Store) Get(ctx context.Context, codeA, codeB string) (*domain.Match, error) {
	if s.cache != nil {
		if m, ok, err := s.cache.GetMatch(ctx, codeA, codeB); err == nil && ok {
			return m, nil
		}
	}
	m, err := s.repo.GetPair(ctx, codeA, codeB)
	if err != nil {
		return nil, fmt.Errorf("failed to read match %s/%s: %w", codeA, codeB, err)
	}
	if m != nil && s.cache != nil {
		if err := s.cache.PutMatch(ctx, *m, s.cfg.CacheTTL); err != nil {
			log.Debug().Err(err).Msg("match snapshot warm failed")
		}
	}
	return m, nil
}

// Active lists matches at or above the configured similarity floor.
func (s *Store) Active(ctx context.Context, limit int) ([]domain.Match, error) {
	matches, err := s.repo.ActiveAbove(ctx, s.cfg.MinSimilarity, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list active matches: %w", err)
	}
	return matches, nil
}

// ExpireStale deactivates matches not re-confirmed within match_ttl.
func (s *Store) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	cutoff := now.Add(-s.cfg.MatchTTL)
	n, err := s.repo.DeactivateStale(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to expire stale matches: %w", err)
	}
	if n > 0 {
		log.Info().Int64("expired", n).Time("cutoff", cutoff).Msg("stale matches deactivated")
	}
	return n, nil
}
