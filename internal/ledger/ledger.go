// Package ledger owns the daily price time series semantics: day
// boundaries, the 23:59 freeze window, price canonicalization at write
// time and significance judgement on observed changes.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/atacama-labs/pricewatch/internal/config"
	"github.com/atacama-labs/pricewatch/internal/domain"
)

var (
	// ErrFrozen rejects current-day writes inside the freeze window.
	ErrFrozen = errors.New("ledger day is frozen")
	// ErrPastDate rejects writes to an already closed ledger day.
	ErrPastDate = errors.New("ledger day is immutable")
	// ErrNoPrices rejects records where no price survived canonicalization.
	ErrNoPrices = errors.New("record carries no prices")
)

// ChangeSink receives changes that cleared the significance threshold.
type ChangeSink interface {
	PriceChanged(ev domain.PriceChangeEvent)
}

// ChangeLog keeps the raw per-product change history, significant or not.
type ChangeLog interface {
	Append(ctx context.Context, ev domain.PriceChangeEvent) error
}

// RawPrices carries the scraped price fields before canonicalization.
// Zero means the retailer did not publish that price.
type RawPrices struct {
	Original float64
	Current  float64
	Card     float64
}

// Stats is a point-in-time snapshot of ledger counters.
type Stats struct {
	RecordsBuilt    int64 `json:"records_built"`
	NoPriceRejects  int64 `json:"no_price_rejects"`
	FrozenRejects   int64 `json:"frozen_rejects"`
	PastDateRejects int64 `json:"past_date_rejects"`
	ChangesSeen     int64 `json:"changes_seen"`
	Significant     int64 `json:"significant_changes"`
}

// Ledger applies the daily-record rules. Safe for concurrent use.
type Ledger struct {
	threshold float64 // significance fraction, 0.05 = 5%
	freezeMin int     // minutes since midnight; current-day writes stop here
	now       func() time.Time
	sink      ChangeSink
	history   ChangeLog

	mu    sync.Mutex
	stats Stats
}

// New returns a ledger on the wall clock. Sink and history may be nil;
// publishing then only counts.
func New(cfg config.LedgerConfig, sink ChangeSink, history ChangeLog) (*Ledger, error) {
	return NewWithClock(cfg, sink, history, time.Now)
}

// NewWithClock pins the clock. Tests drive the freeze-window boundary
// through it.
func NewWithClock(cfg config.LedgerConfig, sink ChangeSink, history ChangeLog, now func() time.Time) (*Ledger, error) {
	freezeMin, err := config.ParseClock(cfg.FreezeAfter)
	if err != nil {
		return nil, fmt.Errorf("failed to parse freeze window: %w", err)
	}
	if cfg.AlertThreshold <= 0 {
		return nil, fmt.Errorf("alert threshold must be positive, got %v", cfg.AlertThreshold)
	}
	return &Ledger{
		threshold: cfg.AlertThreshold,
		freezeMin: freezeMin,
		now:       now,
		sink:      sink,
		history:   history,
	}, nil
}

// Day formats the local calendar day for a moment in time.
func Day(t time.Time) string { return t.Format("2006-01-02") }

// Today returns the current ledger day.
func (l *Ledger) Today() string { return Day(l.now()) }

// Frozen reports whether the given moment falls in the freeze window.
func (l *Ledger) Frozen(t time.Time) bool {
	return t.Hour()*60+t.Minute() >= l.freezeMin
}

// Writable rejects writes to closed days and current-day writes inside
// the freeze window. Reads are never restricted.
func (l *Ledger) Writable(date string) error {
	now := l.now()
	today := Day(now)
	switch {
	case date < today:
		l.count(func(s *Stats) { s.PastDateRejects++ })
		return ErrPastDate
	case date == today && l.Frozen(now):
		l.count(func(s *Stats) { s.FrozenRejects++ })
		return ErrFrozen
	}
	return nil
}

// BuildRecord canonicalizes the raw prices into today's ledger row.
// Returns ErrFrozen inside the freeze window and ErrNoPrices when
// nothing survives canonicalization.
func (l *Ledger) BuildRecord(code string, retailer domain.Retailer, raw RawPrices) (*domain.PriceRecord, error) {
	now := l.now()
	if l.Frozen(now) {
		l.count(func(s *Stats) { s.FrozenRejects++ })
		return nil, ErrFrozen
	}

	list, offer, card, min, err := Canonicalize(raw)
	if err != nil {
		l.count(func(s *Stats) { s.NoPriceRejects++ })
		return nil, err
	}

	l.count(func(s *Stats) { s.RecordsBuilt++ })
	return &domain.PriceRecord{
		InternalCode: code,
		Date:         Day(now),
		Retailer:     retailer,
		PriceList:    list,
		PriceOffer:   offer,
		PriceCard:    card,
		PriceMin:     min,
	}, nil
}

// Canonicalize maps raw original/current prices onto list/offer so that
// list = max and offer = min whenever both are present. Zero prices
// become nil; at least one price must survive.
func Canonicalize(raw RawPrices) (list, offer, card *float64, min float64, err error) {
	original, current := raw.Original, raw.Current

	switch {
	case original > 0 && current > 0:
		hi, lo := original, current
		if current > original {
			hi, lo = current, original
		}
		list, offer = &hi, &lo
	case original > 0:
		list = &original
	case current > 0:
		offer = &current
	}
	if raw.Card > 0 {
		c := raw.Card
		card = &c
	}

	min = 0
	for _, p := range []*float64{list, offer, card} {
		if p == nil {
			continue
		}
		if min == 0 || *p < min {
			min = *p
		}
	}
	if min == 0 {
		return nil, nil, nil, 0, ErrNoPrices
	}
	return list, offer, card, min, nil
}

// Significant reports whether one change clears the alert threshold.
func (l *Ledger) Significant(change domain.PriceChange) bool {
	if change.OldPrice == 0 {
		return false
	}
	pct := change.Pct
	if pct < 0 {
		pct = -pct
	}
	return pct >= l.threshold*100
}

// Publish appends every applied change to the history store and forwards
// the significant ones to the sink. Returns how many were significant.
func (l *Ledger) Publish(ctx context.Context, events []domain.PriceChangeEvent) int {
	significant := 0
	for _, ev := range events {
		l.count(func(s *Stats) { s.ChangesSeen++ })

		if l.history != nil {
			if err := l.history.Append(ctx, ev); err != nil {
				log.Warn().Err(err).Str("code", ev.InternalCode).
					Msg("failed to append price change to history")
			}
		}
		if !l.Significant(ev.Change) {
			continue
		}
		significant++
		l.count(func(s *Stats) { s.Significant++ })
		log.Info().
			Str("code", ev.InternalCode).
			Str("retailer", string(ev.Retailer)).
			Str("kind", string(ev.Change.Kind)).
			Float64("old", ev.Change.OldPrice).
			Float64("new", ev.Change.NewPrice).
			Float64("pct", ev.Change.Pct).
			Msg("significant price change")
		if l.sink != nil {
			l.sink.PriceChanged(ev)
		}
	}
	return significant
}

// Stats returns a copy of the ledger counters.
func (l *Ledger) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

func (l *Ledger) count(fn func(*Stats)) {
	l.mu.Lock()
	fn(&l.stats)
	l.mu.Unlock()
}
