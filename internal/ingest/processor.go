// Package ingest turns raw scraped records into master rows and daily
// price rows: anti-junk validation, internal code assignment, batching
// and the transactional flush through the products repository.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"

	"github.com/atacama-labs/pricewatch/internal/config"
	"github.com/atacama-labs/pricewatch/internal/domain"
	"github.com/atacama-labs/pricewatch/internal/ledger"
	"github.com/atacama-labs/pricewatch/internal/persistence"
	"github.com/atacama-labs/pricewatch/internal/sku"
)

const (
	maxStoredErrors = 100
	// existenceTTL bounds how long a code is trusted to exist without
	// re-asking the database.
	existenceTTL = time.Hour
)

// Stats snapshots processor counters for the status endpoint and tests.
type Stats struct {
	Accepted      int64                  `json:"accepted"`
	Rejected      int64                  `json:"rejected"`
	RejectReasons map[RejectReason]int64 `json:"reject_reasons"`

	Inserted    int64 `json:"inserted"`
	Updated     int64 `json:"updated"`
	PriceRows   int64 `json:"price_rows"`
	Flushes     int64 `json:"flushes"`
	FlushErrors int64 `json:"flush_errors"`
	BatchFill   int   `json:"batch_fill"`

	Errors []string `json:"recent_errors,omitempty"`
}

type pending struct {
	code string
	raw  domain.RawProduct
}

// Processor accumulates validated records and flushes them in fixed-size
// batches. Safe for concurrent enqueuing from retailer workers; a worker
// blocks only when the next batch fills while the previous one is still
// being written.
type Processor struct {
	cfg      config.IngestConfig
	gen      *sku.Generator
	ledger   *ledger.Ledger
	products persistence.ProductsRepo

	// existence caches codes known to be present so steady-state cycles
	// skip the lookup round trip.
	existence *gocache.Cache
	backup    *Backup

	mu       sync.Mutex
	notFull  *sync.Cond
	batch    []pending
	flushing bool

	rejects map[RejectReason]int64
	errs    []string
	stats   Stats
	onFlush func(rows int, took time.Duration)
	now     func() time.Time
}

// NewProcessor wires the ingest pipeline. The backup writer may be nil
// when CSV backups are disabled.
func NewProcessor(cfg config.IngestConfig, gen *sku.Generator, led *ledger.Ledger, products persistence.ProductsRepo, backup *Backup) *Processor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	p := &Processor{
		cfg:       cfg,
		gen:       gen,
		ledger:    led,
		products:  products,
		existence: gocache.New(existenceTTL, 10*time.Minute),
		backup:    backup,
		batch:     make([]pending, 0, cfg.BatchSize),
		rejects:   make(map[RejectReason]int64),
		now:       time.Now,
	}
	p.notFull = sync.NewCond(&p.mu)
	return p
}

// SetFlushObserver registers a callback invoked after every successful
// flush with the price rows written and the elapsed time. Set it before
// the pipeline starts; it is not synchronized against Enqueue.
func (p *Processor) SetFlushObserver(fn func(rows int, took time.Duration)) {
	p.onFlush = fn
}

// Enqueue validates one record, assigns its internal code and adds it to
// the current batch, flushing inline when the batch fills. Returns whether
// the record was accepted; the error reports flush failures only.
func (p *Processor) Enqueue(ctx context.Context, raw domain.RawProduct) (bool, error) {
	if reason, ok := Validate(raw); !ok {
		p.mu.Lock()
		p.rejects[reason]++
		p.stats.Rejected++
		p.mu.Unlock()
		return false, nil
	}

	code := p.gen.Generate(sku.Input{
		Retailer:    raw.Retailer,
		ExternalSKU: raw.ExternalSKU,
		Link:        raw.Link,
		Name:        raw.Name,
		Brand:       raw.Brand,
	})

	if p.backup != nil {
		if err := p.backup.Add(code, raw); err != nil {
			log.Warn().Err(err).Msg("backup write failed")
		}
	}

	p.mu.Lock()
	p.stats.Accepted++
	for len(p.batch) >= p.cfg.BatchSize && p.flushing {
		p.notFull.Wait()
	}
	p.batch = append(p.batch, pending{code: code, raw: raw})
	full := len(p.batch) >= p.cfg.BatchSize
	if full && !p.flushing {
		items := p.takeBatchLocked()
		p.mu.Unlock()
		return true, p.flush(ctx, items)
	}
	p.mu.Unlock()
	return true, nil
}

// Flush writes whatever the current batch holds. Called at cycle end so
// partial batches are never stranded.
func (p *Processor) Flush(ctx context.Context) error {
	p.mu.Lock()
	for p.flushing {
		p.notFull.Wait()
	}
	if len(p.batch) == 0 {
		p.mu.Unlock()
		return nil
	}
	items := p.takeBatchLocked()
	p.mu.Unlock()
	return p.flush(ctx, items)
}

// takeBatchLocked detaches the current batch and marks the flush in
// progress. Caller holds the lock.
func (p *Processor) takeBatchLocked() []pending {
	items := p.batch
	p.batch = make([]pending, 0, p.cfg.BatchSize)
	p.flushing = true
	return items
}

func (p *Processor) flush(ctx context.Context, items []pending) error {
	defer func() {
		p.mu.Lock()
		p.flushing = false
		p.notFull.Broadcast()
		p.mu.Unlock()
	}()

	start := p.now()

	// Later observations of the same code within one batch win; the
	// first one still defines the insert.
	ordered := make([]string, 0, len(items))
	latest := make(map[string]pending, len(items))
	for _, it := range items {
		if _, ok := latest[it.code]; !ok {
			ordered = append(ordered, it.code)
		}
		latest[it.code] = it
	}

	unknown := make([]string, 0, len(ordered))
	for _, code := range ordered {
		if _, ok := p.existence.Get(code); !ok {
			unknown = append(unknown, code)
		}
	}

	existing := map[string]bool{}
	if len(unknown) > 0 {
		var err error
		existing, err = p.products.ExistingCodes(ctx, unknown)
		if err != nil {
			p.recordFlushError(fmt.Errorf("failed to resolve existing codes: %w", err))
			return err
		}
	}

	batch := persistence.BatchApply{}
	now := p.now()
	for _, code := range ordered {
		it := latest[code]
		_, cached := p.existence.Get(code)
		if cached || existing[code] {
			batch.Updates = append(batch.Updates, persistence.ProductSeen{
				InternalCode: code,
				LastSeen:     now,
				Rating:       it.raw.Rating,
				ReviewsCount: it.raw.ReviewsCount,
			})
		} else {
			batch.Inserts = append(batch.Inserts, productFromRaw(code, it.raw, now))
		}

		rec, err := p.ledger.BuildRecord(code, it.raw.Retailer, ledger.RawPrices{
			Original: it.raw.OriginalPrice,
			Current:  it.raw.CurrentPrice,
			Card:     it.raw.CardPrice,
		})
		switch {
		case errors.Is(err, ledger.ErrFrozen):
			// Master row still lands; the day's price row waits for
			// the next cycle.
		case errors.Is(err, ledger.ErrNoPrices):
		case err != nil:
			log.Warn().Err(err).Str("code", code).Msg("price record dropped")
		default:
			batch.Prices = append(batch.Prices, *rec)
		}
	}

	result, err := p.products.ApplyBatch(ctx, batch)
	if err != nil {
		p.recordFlushError(fmt.Errorf("failed to apply batch of %d: %w", len(ordered), err))
		return err
	}

	for _, code := range ordered {
		p.existence.Set(code, struct{}{}, gocache.DefaultExpiration)
	}

	significant := p.ledger.Publish(ctx, result.Changes)

	p.mu.Lock()
	p.stats.Inserted += int64(result.Inserted)
	p.stats.Updated += int64(result.Updated)
	p.stats.PriceRows += int64(result.PricesWritten)
	p.stats.Flushes++
	p.mu.Unlock()

	took := p.now().Sub(start)
	if p.onFlush != nil {
		p.onFlush(result.PricesWritten, took)
	}

	log.Info().
		Int("batch", len(ordered)).
		Int("inserted", result.Inserted).
		Int("updated", result.Updated).
		Int("price_rows", result.PricesWritten).
		Int("significant_changes", significant).
		Dur("took", took).
		Msg("batch flushed")
	return nil
}

func productFromRaw(code string, raw domain.RawProduct, now time.Time) domain.Product {
	return domain.Product{
		InternalCode: code,
		ExternalSKU:  raw.ExternalSKU,
		Link:         raw.Link,
		Name:         raw.Name,
		Brand:        raw.Brand,
		Category:     raw.Category,
		Retailer:     raw.Retailer,
		Storage:      raw.Storage,
		RAM:          raw.RAM,
		Color:        raw.Color,
		Rating:       raw.Rating,
		ReviewsCount: raw.ReviewsCount,
		FirstSeen:    now,
		LastSeen:     now,
		Active:       true,
	}
}

func (p *Processor) recordFlushError(err error) {
	log.Error().Err(err).Msg("flush failed")
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.FlushErrors++
	if len(p.errs) < maxStoredErrors {
		p.errs = append(p.errs, err.Error())
	}
}

// Stats returns a copy of the processor counters.
func (p *Processor) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.stats
	s.BatchFill = len(p.batch)
	s.RejectReasons = make(map[RejectReason]int64, len(p.rejects))
	for k, v := range p.rejects {
		s.RejectReasons[k] = v
	}
	s.Errors = append([]string(nil), p.errs...)
	return s
}
