package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atacama-labs/pricewatch/internal/domain"
)

func newRedisMock(t *testing.T) (*Redis, redismock.ClientMock) {
	t.Helper()
	client, mock := redismock.NewClientMock()
	return NewRedisFromClient(client), mock
}

func TestRedisChangeLogAppendAndRead(t *testing.T) {
	r, mock := newRedisMock(t)
	ctx := context.Background()

	ev := domain.PriceChangeEvent{
		InternalCode: "FAL1234ABC",
		Retailer:     domain.RetailerFalabella,
		Change:       domain.PriceChange{Kind: domain.PriceOffer, OldPrice: 900000, NewPrice: 850000, Pct: -5.56},
		At:           time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC),
	}
	payload, err := json.Marshal(ev)
	require.NoError(t, err)

	mock.ExpectLPush("pricewatch:changes:FAL1234ABC", payload).SetVal(1)
	mock.ExpectLTrim("pricewatch:changes:FAL1234ABC", 0, 999).SetVal("OK")
	require.NoError(t, r.Append(ctx, ev))

	mock.ExpectLRange("pricewatch:changes:FAL1234ABC", 0, 9).SetVal([]string{string(payload)})
	events, err := r.Recent(ctx, "FAL1234ABC", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, -5.56, events[0].Change.Pct)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisVolatilityProfileRoundTrip(t *testing.T) {
	r, mock := newRedisMock(t)
	ctx := context.Background()

	updated := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	profile := domain.VolatilityProfile{
		InternalCode:    "RIP9876DEF",
		Changes24h:      4,
		Changes7d:       11,
		AvgChange:       6.5,
		StdDev:          2.1,
		PeakHours:       []int{10, 15, 21},
		NextChangeProb:  0.71,
		RecommendedFreq: 30,
		SampleSize:      11,
		UpdatedAt:       updated,
	}

	mock.ExpectHSet("pricewatch:volatility:RIP9876DEF",
		"changes_24h", 4,
		"changes_7d", 11,
		"avg_change", 6.5,
		"stddev", 2.1,
		"peak_hours", "10,15,21",
		"next_prob", 0.71,
		"rec_freq", 30,
		"sample_size", 11,
		"updated_at", updated.Format(time.RFC3339),
	).SetVal(9)
	mock.ExpectExpire("pricewatch:volatility:RIP9876DEF", 24*time.Hour).SetVal(true)
	require.NoError(t, r.PutProfile(ctx, profile))

	mock.ExpectHGetAll("pricewatch:volatility:RIP9876DEF").SetVal(map[string]string{
		"changes_24h": "4",
		"changes_7d":  "11",
		"avg_change":  "6.5",
		"stddev":      "2.1",
		"peak_hours":  "10,15,21",
		"next_prob":   "0.71",
		"rec_freq":    "30",
		"sample_size": "11",
		"updated_at":  updated.Format(time.RFC3339),
	})
	got, err := r.GetProfile(ctx, "RIP9876DEF")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 4, got.Changes24h)
	assert.Equal(t, []int{10, 15, 21}, got.PeakHours)
	assert.Equal(t, 30, got.RecommendedFreq)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisVolatilityProfileMiss(t *testing.T) {
	r, mock := newRedisMock(t)

	mock.ExpectHGetAll("pricewatch:volatility:UNKNOWN123").SetVal(map[string]string{})
	got, err := r.GetProfile(context.Background(), "UNKNOWN123")
	require.NoError(t, err)
	assert.Nil(t, got, "absent profile reads back as nil")
	assert.Equal(t, int64(1), r.Stats().Misses)
}

func TestRedisMatchCacheRoundTrip(t *testing.T) {
	r, mock := newRedisMock(t)
	ctx := context.Background()

	match := domain.Match{
		CodeA:           "FAL1234ABC",
		CodeB:           "RIP9876DEF",
		SimilarityScore: 0.94,
		MatchType:       domain.MatchSimilar,
		Confidence:      domain.ConfidenceHigh,
		// Single feature key keeps the encoded payload stable across calls.
		Features:  map[string]float64{"name": 0.91},
		MLVersion: "heuristic-v1",
		Active:    true,
	}
	payload, err := packGzip(match)
	require.NoError(t, err)

	mock.ExpectSet("pricewatch:matches:FAL1234ABC:RIP9876DEF", payload, 30*time.Minute).SetVal("OK")
	require.NoError(t, r.PutMatch(ctx, match, 30*time.Minute))

	mock.ExpectGet("pricewatch:matches:FAL1234ABC:RIP9876DEF").SetVal(string(payload))
	got, ok, err := r.GetMatch(ctx, "RIP9876DEF", "FAL1234ABC")
	require.NoError(t, err)
	require.True(t, ok, "reversed pair order must hit the canonical key")
	assert.Equal(t, 0.94, got.SimilarityScore)
	assert.Equal(t, 0.91, got.Features["name"])

	mock.ExpectGet("pricewatch:matches:AAA0000AAA:BBB0000BBB").RedisNil()
	_, ok, err = r.GetMatch(ctx, "AAA0000AAA", "BBB0000BBB")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisActivityLog(t *testing.T) {
	r, mock := newRedisMock(t)
	ctx := context.Background()

	entry := ActivityEntry{
		Retailer: domain.RetailerParis,
		Category: "smartphones",
		Success:  true,
		Products: 42,
		Requests: 7,
		At:       time.Date(2026, 3, 15, 9, 30, 0, 0, time.UTC),
	}
	payload, err := json.Marshal(entry)
	require.NoError(t, err)

	mock.ExpectLPush("pricewatch:activity:paris", payload).SetVal(1)
	mock.ExpectLTrim("pricewatch:activity:paris", 0, 4319).SetVal("OK")
	require.NoError(t, r.AppendActivity(ctx, entry))

	mock.ExpectLRange("pricewatch:activity:paris", 0, 4).SetVal([]string{string(payload)})
	entries, err := r.RecentActivity(ctx, domain.RetailerParis, 5)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 42, entries[0].Products)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCodecRoundTrip(t *testing.T) {
	in := domain.Match{
		CodeA:           "ABC1111AAA",
		CodeB:           "SOD2222BBB",
		SimilarityScore: 0.88,
		Features:        map[string]float64{"price": 0.7},
	}
	payload, err := packGzip(in)
	require.NoError(t, err)
	assert.NotEmpty(t, payload)

	var out domain.Match
	require.NoError(t, unpackGzip(payload, &out))
	assert.Equal(t, in.CodeA, out.CodeA)
	assert.Equal(t, in.SimilarityScore, out.SimilarityScore)
	assert.Equal(t, in.Features, out.Features)
}
