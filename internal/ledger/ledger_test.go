package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atacama-labs/pricewatch/internal/config"
	"github.com/atacama-labs/pricewatch/internal/domain"
)

type captureSink struct {
	events []domain.PriceChangeEvent
}

func (c *captureSink) PriceChanged(ev domain.PriceChangeEvent) {
	c.events = append(c.events, ev)
}

type captureLog struct {
	events []domain.PriceChangeEvent
}

func (c *captureLog) Append(_ context.Context, ev domain.PriceChangeEvent) error {
	c.events = append(c.events, ev)
	return nil
}

func newTestLedger(t *testing.T, at time.Time) (*Ledger, *captureSink, *captureLog) {
	t.Helper()
	sink := &captureSink{}
	history := &captureLog{}
	l, err := NewWithClock(config.LedgerConfig{
		AlertThreshold: 0.05,
		FreezeAfter:    "23:59",
	}, sink, history, func() time.Time { return at })
	require.NoError(t, err)
	return l, sink, history
}

func TestCanonicalizeSwapsInvertedPrices(t *testing.T) {
	tests := []struct {
		name     string
		raw      RawPrices
		wantList *float64
		wantMin  float64
	}{
		{"normal order", RawPrices{Original: 1000000, Current: 900000}, fptr(1000000), 900000},
		{"inverted order", RawPrices{Original: 900000, Current: 1000000}, fptr(1000000), 900000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			list, offer, card, min, err := Canonicalize(tt.raw)
			require.NoError(t, err)
			require.NotNil(t, list)
			require.NotNil(t, offer)
			assert.Equal(t, *tt.wantList, *list, "list should hold the higher price")
			assert.Equal(t, 900000.0, *offer, "offer should hold the lower price")
			assert.Nil(t, card)
			assert.Equal(t, tt.wantMin, min)
		})
	}
}

func TestCanonicalizeDropsZeroPrices(t *testing.T) {
	list, offer, card, min, err := Canonicalize(RawPrices{Current: 450000, Card: 430000})
	require.NoError(t, err)
	assert.Nil(t, list, "zero original must map to NULL")
	require.NotNil(t, offer)
	require.NotNil(t, card)
	assert.Equal(t, 450000.0, *offer)
	assert.Equal(t, 430000.0, *card)
	assert.Equal(t, 430000.0, min, "min spans all set prices including card")
}

func TestCanonicalizeRejectsEmptyRecord(t *testing.T) {
	_, _, _, _, err := Canonicalize(RawPrices{})
	assert.ErrorIs(t, err, ErrNoPrices)
}

func TestBuildRecordFreezeBoundary(t *testing.T) {
	day := time.Date(2026, 3, 14, 23, 59, 30, 0, time.Local)

	l, _, _ := newTestLedger(t, day)
	_, err := l.BuildRecord("FAL1234ABC", domain.RetailerFalabella, RawPrices{Current: 100000})
	assert.ErrorIs(t, err, ErrFrozen, "23:59 falls inside the freeze window")

	next := time.Date(2026, 3, 15, 0, 0, 0, 0, time.Local)
	l2, _, _ := newTestLedger(t, next)
	rec, err := l2.BuildRecord("FAL1234ABC", domain.RetailerFalabella, RawPrices{Current: 100000})
	require.NoError(t, err)
	assert.Equal(t, "2026-03-15", rec.Date, "midnight opens the next day's row")
	assert.Equal(t, 100000.0, rec.PriceMin)

	stats := l.Stats()
	assert.Equal(t, int64(1), stats.FrozenRejects)
}

func TestWritableGuardsPastDates(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.Local)
	l, _, _ := newTestLedger(t, now)

	assert.ErrorIs(t, l.Writable("2026-03-14"), ErrPastDate)
	assert.NoError(t, l.Writable("2026-03-15"))

	frozen := time.Date(2026, 3, 15, 23, 59, 0, 0, time.Local)
	lf, _, _ := newTestLedger(t, frozen)
	assert.ErrorIs(t, lf.Writable("2026-03-15"), ErrFrozen)
}

func TestSignificantThreshold(t *testing.T) {
	l, _, _ := newTestLedger(t, time.Now())

	tests := []struct {
		name   string
		change domain.PriceChange
		want   bool
	}{
		{"exact threshold", domain.PriceChange{OldPrice: 100, NewPrice: 95, Pct: -5.0}, true},
		{"drop past threshold", domain.PriceChange{OldPrice: 900000, NewPrice: 850000, Pct: -5.5556}, true},
		{"rise past threshold", domain.PriceChange{OldPrice: 100, NewPrice: 106, Pct: 6.0}, true},
		{"below threshold", domain.PriceChange{OldPrice: 100, NewPrice: 96, Pct: -4.0}, false},
		{"no base price", domain.PriceChange{OldPrice: 0, NewPrice: 100, Pct: 0}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, l.Significant(tt.change))
		})
	}
}

func TestPublishRoutesChanges(t *testing.T) {
	l, sink, history := newTestLedger(t, time.Now())

	events := []domain.PriceChangeEvent{
		{
			InternalCode: "FAL1234ABC",
			Retailer:     domain.RetailerFalabella,
			Change:       domain.PriceChange{Kind: domain.PriceOffer, OldPrice: 900000, NewPrice: 850000, Pct: -5.5556},
		},
		{
			InternalCode: "RIP9876DEF",
			Retailer:     domain.RetailerRipley,
			Change:       domain.PriceChange{Kind: domain.PriceList, OldPrice: 100000, NewPrice: 99000, Pct: -1.0},
		},
	}

	got := l.Publish(context.Background(), events)

	assert.Equal(t, 1, got)
	assert.Len(t, history.events, 2, "history keeps every applied change")
	require.Len(t, sink.events, 1, "sink only sees significant changes")
	assert.Equal(t, "FAL1234ABC", sink.events[0].InternalCode)

	stats := l.Stats()
	assert.Equal(t, int64(2), stats.ChangesSeen)
	assert.Equal(t, int64(1), stats.Significant)
}

func fptr(v float64) *float64 { return &v }
