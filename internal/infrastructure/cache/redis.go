package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/atacama-labs/pricewatch/internal/config"
	"github.com/atacama-labs/pricewatch/internal/domain"
)

const keyPrefix = "pricewatch:"

// Redis backs every KV store on one shared client.
type Redis struct {
	client *redis.Client

	mu    sync.Mutex
	stats Stats
}

// NewRedis connects and verifies the backend with a short ping.
func NewRedis(cfg config.RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		MaxRetries:   2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	log.Info().Str("addr", cfg.Addr).Int("db", cfg.DB).Msg("redis connected")
	return &Redis{client: client, stats: Stats{Connected: true}}, nil
}

// NewRedisFromClient wraps an existing client; tests inject mocks here.
func NewRedisFromClient(client *redis.Client) *Redis {
	return &Redis{client: client, stats: Stats{Connected: true}}
}

func changesKey(code string) string        { return keyPrefix + "changes:" + code }
func volatilityKey(code string) string     { return keyPrefix + "volatility:" + code }
func activityKey(r domain.Retailer) string { return keyPrefix + "activity:" + string(r) }
func profileKey(r domain.Retailer) string  { return keyPrefix + "profile:" + string(r) }

func matchKey(codeA, codeB string) string {
	a, b := domain.OrderedPair(codeA, codeB)
	return keyPrefix + "matches:" + a + ":" + b
}

// Append pushes a change event onto the product's history, newest first,
// trimming the list to its retention depth.
func (r *Redis) Append(ctx context.Context, ev domain.PriceChangeEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode change event: %w", err)
	}

	key := changesKey(ev.InternalCode)
	pipe := r.client.Pipeline()
	pipe.LPush(ctx, key, b)
	pipe.LTrim(ctx, key, 0, changeHistoryDepth-1)
	if _, err := pipe.Exec(ctx); err != nil {
		r.countErr()
		return fmt.Errorf("failed to append change for %s: %w", ev.InternalCode, err)
	}
	r.countSet()
	return nil
}

// Recent returns up to limit change events, newest first.
func (r *Redis) Recent(ctx context.Context, code string, limit int) ([]domain.PriceChangeEvent, error) {
	if limit <= 0 || limit > changeHistoryDepth {
		limit = changeHistoryDepth
	}
	rows, err := r.client.LRange(ctx, changesKey(code), 0, int64(limit)-1).Result()
	if err != nil {
		r.countErr()
		return nil, fmt.Errorf("failed to read change history for %s: %w", code, err)
	}
	if len(rows) == 0 {
		r.countMiss()
		return nil, nil
	}

	events := make([]domain.PriceChangeEvent, 0, len(rows))
	for _, row := range rows {
		var ev domain.PriceChangeEvent
		if err := json.Unmarshal([]byte(row), &ev); err != nil {
			log.Warn().Err(err).Str("code", code).Msg("skipping undecodable change entry")
			continue
		}
		events = append(events, ev)
	}
	r.countHit()
	return events, nil
}

// PutProfile writes the volatility hash and refreshes its retention.
func (r *Redis) PutProfile(ctx context.Context, p domain.VolatilityProfile) error {
	hours := make([]string, len(p.PeakHours))
	for i, h := range p.PeakHours {
		hours[i] = strconv.Itoa(h)
	}

	key := volatilityKey(p.InternalCode)
	pipe := r.client.Pipeline()
	pipe.HSet(ctx, key,
		"changes_24h", p.Changes24h,
		"changes_7d", p.Changes7d,
		"avg_change", p.AvgChange,
		"stddev", p.StdDev,
		"peak_hours", strings.Join(hours, ","),
		"next_prob", p.NextChangeProb,
		"rec_freq", p.RecommendedFreq,
		"sample_size", p.SampleSize,
		"updated_at", p.UpdatedAt.Format(time.RFC3339),
	)
	pipe.Expire(ctx, key, volatilityRetention)
	if _, err := pipe.Exec(ctx); err != nil {
		r.countErr()
		return fmt.Errorf("failed to write volatility profile for %s: %w", p.InternalCode, err)
	}
	r.countSet()
	return nil
}

// GetProfile reads a volatility profile; nil when absent or expired.
func (r *Redis) GetProfile(ctx context.Context, code string) (*domain.VolatilityProfile, error) {
	fields, err := r.client.HGetAll(ctx, volatilityKey(code)).Result()
	if err != nil {
		r.countErr()
		return nil, fmt.Errorf("failed to read volatility profile for %s: %w", code, err)
	}
	if len(fields) == 0 {
		r.countMiss()
		return nil, nil
	}
	r.countHit()

	p := &domain.VolatilityProfile{InternalCode: code}
	p.Changes24h, _ = strconv.Atoi(fields["changes_24h"])
	p.Changes7d, _ = strconv.Atoi(fields["changes_7d"])
	p.AvgChange, _ = strconv.ParseFloat(fields["avg_change"], 64)
	p.StdDev, _ = strconv.ParseFloat(fields["stddev"], 64)
	p.NextChangeProb, _ = strconv.ParseFloat(fields["next_prob"], 64)
	p.RecommendedFreq, _ = strconv.Atoi(fields["rec_freq"])
	p.SampleSize, _ = strconv.Atoi(fields["sample_size"])
	if v := fields["peak_hours"]; v != "" {
		for _, part := range strings.Split(v, ",") {
			if h, err := strconv.Atoi(part); err == nil {
				p.PeakHours = append(p.PeakHours, h)
			}
		}
	}
	if t, err := time.Parse(time.RFC3339, fields["updated_at"]); err == nil {
		p.UpdatedAt = t
	}
	return p, nil
}

// AppendActivity records one scraping run for the retailer.
func (r *Redis) AppendActivity(ctx context.Context, e ActivityEntry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode activity entry: %w", err)
	}

	key := activityKey(e.Retailer)
	pipe := r.client.Pipeline()
	pipe.LPush(ctx, key, b)
	pipe.LTrim(ctx, key, 0, activityDepth-1)
	if _, err := pipe.Exec(ctx); err != nil {
		r.countErr()
		return fmt.Errorf("failed to append activity for %s: %w", e.Retailer, err)
	}
	r.countSet()
	return nil
}

// RecentActivity returns up to limit runs for the retailer, newest first.
func (r *Redis) RecentActivity(ctx context.Context, retailer domain.Retailer, limit int) ([]ActivityEntry, error) {
	if limit <= 0 || limit > activityDepth {
		limit = activityDepth
	}
	rows, err := r.client.LRange(ctx, activityKey(retailer), 0, int64(limit)-1).Result()
	if err != nil {
		r.countErr()
		return nil, fmt.Errorf("failed to read activity for %s: %w", retailer, err)
	}

	entries := make([]ActivityEntry, 0, len(rows))
	for _, row := range rows {
		var e ActivityEntry
		if err := json.Unmarshal([]byte(row), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// PutMatch caches one scored pair, compressed, under its canonical key.
func (r *Redis) PutMatch(ctx context.Context, m domain.Match, ttl time.Duration) error {
	m.CodeA, m.CodeB = domain.OrderedPair(m.CodeA, m.CodeB)
	payload, err := packGzip(m)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, matchKey(m.CodeA, m.CodeB), payload, ttl).Err(); err != nil {
		r.countErr()
		return fmt.Errorf("failed to cache match %s:%s: %w", m.CodeA, m.CodeB, err)
	}
	r.countSet()
	return nil
}

// GetMatch reads a cached pair; the second return is false on a miss.
func (r *Redis) GetMatch(ctx context.Context, codeA, codeB string) (*domain.Match, bool, error) {
	payload, err := r.client.Get(ctx, matchKey(codeA, codeB)).Bytes()
	if errors.Is(err, redis.Nil) {
		r.countMiss()
		return nil, false, nil
	}
	if err != nil {
		r.countErr()
		return nil, false, fmt.Errorf("failed to read cached match: %w", err)
	}

	var m domain.Match
	if err := unpackGzip(payload, &m); err != nil {
		r.countErr()
		return nil, false, err
	}
	r.countHit()
	return &m, true, nil
}

// PutRetailerProfile writes the rolling scraping profile hash.
func (r *Redis) PutRetailerProfile(ctx context.Context, p RetailerProfile) error {
	err := r.client.HSet(ctx, profileKey(p.Retailer),
		"cycles", p.Cycles,
		"successes", p.Successes,
		"blocks", p.Blocks,
		"last_products", p.LastProducts,
		"avg_products", p.AvgProducts,
		"last_success", p.LastSuccess.Format(time.RFC3339),
		"updated_at", p.UpdatedAt.Format(time.RFC3339),
	).Err()
	if err != nil {
		r.countErr()
		return fmt.Errorf("failed to write retailer profile for %s: %w", p.Retailer, err)
	}
	r.countSet()
	return nil
}

// GetRetailerProfile reads the profile hash; false on a miss.
func (r *Redis) GetRetailerProfile(ctx context.Context, retailer domain.Retailer) (*RetailerProfile, bool, error) {
	fields, err := r.client.HGetAll(ctx, profileKey(retailer)).Result()
	if err != nil {
		r.countErr()
		return nil, false, fmt.Errorf("failed to read retailer profile for %s: %w", retailer, err)
	}
	if len(fields) == 0 {
		r.countMiss()
		return nil, false, nil
	}
	r.countHit()

	p := &RetailerProfile{Retailer: retailer}
	p.Cycles, _ = strconv.Atoi(fields["cycles"])
	p.Successes, _ = strconv.Atoi(fields["successes"])
	p.Blocks, _ = strconv.Atoi(fields["blocks"])
	p.LastProducts, _ = strconv.Atoi(fields["last_products"])
	p.AvgProducts, _ = strconv.ParseFloat(fields["avg_products"], 64)
	if t, err := time.Parse(time.RFC3339, fields["last_success"]); err == nil {
		p.LastSuccess = t
	}
	if t, err := time.Parse(time.RFC3339, fields["updated_at"]); err == nil {
		p.UpdatedAt = t
	}
	return p, true, nil
}

// Ping verifies the connection and refreshes the connected flag.
func (r *Redis) Ping(ctx context.Context) error {
	err := r.client.Ping(ctx).Err()
	r.mu.Lock()
	r.stats.Connected = err == nil
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// Stats returns a copy of the backend counters.
func (r *Redis) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// Close releases the client.
func (r *Redis) Close() error {
	r.mu.Lock()
	r.stats.Connected = false
	r.mu.Unlock()
	return r.client.Close()
}

func (r *Redis) countHit()  { r.mu.Lock(); r.stats.Hits++; r.mu.Unlock() }
func (r *Redis) countMiss() { r.mu.Lock(); r.stats.Misses++; r.mu.Unlock() }
func (r *Redis) countSet()  { r.mu.Lock(); r.stats.Sets++; r.mu.Unlock() }
func (r *Redis) countErr()  { r.mu.Lock(); r.stats.Errors++; r.mu.Unlock() }
