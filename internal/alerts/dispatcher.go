package alerts

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/atacama-labs/pricewatch/internal/config"
	"github.com/atacama-labs/pricewatch/internal/domain"
	"github.com/atacama-labs/pricewatch/internal/persistence"
)

// Inbound buffer per stream. Producers never block; a full queue drops the
// event with a warning instead of stalling a scrape or detection cycle.
const queueDepth = 256

// EventFeed receives every successfully sent alert, typically the websocket
// hub.
type EventFeed interface {
	Publish(event any)
}

// Stats counts dispatcher outcomes since startup.
type Stats struct {
	Sent       int64 `json:"sent"`
	Retried    int64 `json:"retried"`
	Dropped    int64 `json:"dropped"`
	Filtered   int64 `json:"filtered"`
	QueueDrops int64 `json:"queue_drops"`
}

// Dispatcher fans three event streams into formatted alerts. One goroutine
// owns delivery so transports see sends strictly in order.
type Dispatcher struct {
	cfg       config.AlertsConfig
	formatter *Formatter
	transport Transport
	opps      persistence.OpportunitiesRepo // nil skips alerted marking
	feed      EventFeed                     // nil skips event publication

	priceCh  chan domain.PriceChangeEvent
	oppCh    chan domain.OpportunityEvent
	healthCh chan domain.SystemHealthEvent

	mu    sync.Mutex
	stats Stats
}

func NewDispatcher(cfg config.AlertsConfig, transport Transport, opps persistence.OpportunitiesRepo, feed EventFeed) *Dispatcher {
	return &Dispatcher{
		cfg:       cfg,
		formatter: NewFormatter(cfg.EnableEmoji),
		transport: transport,
		opps:      opps,
		feed:      feed,
		priceCh:   make(chan domain.PriceChangeEvent, queueDepth),
		oppCh:     make(chan domain.OpportunityEvent, queueDepth),
		healthCh:  make(chan domain.SystemHealthEvent, queueDepth),
	}
}

// Run consumes the three streams until the context ends.
func (d *Dispatcher) Run(ctx context.Context) error {
	log.Info().Str("transport", d.transport.Name()).
		Bool("auto", d.cfg.EnableAuto).
		Msg("alert dispatcher started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("alert dispatcher stopped")
			return ctx.Err()
		case ev := <-d.priceCh:
			d.handlePrice(ctx, ev)
		case ev := <-d.oppCh:
			d.handleOpportunity(ctx, ev)
		case ev := <-d.healthCh:
			d.handleHealth(ctx, ev)
		}
	}
}

// PriceChanged queues a significant ledger change. Satisfies the ledger's
// change sink.
func (d *Dispatcher) PriceChanged(ev domain.PriceChangeEvent) {
	select {
	case d.priceCh <- ev:
	default:
		d.countQueueDrop("price_change")
	}
}

// OpportunityDetected queues a detection event.
func (d *Dispatcher) OpportunityDetected(ev domain.OpportunityEvent) {
	select {
	case d.oppCh <- ev:
	default:
		d.countQueueDrop("opportunity")
	}
}

// HealthEvent queues a system health event.
func (d *Dispatcher) HealthEvent(ev domain.SystemHealthEvent) {
	select {
	case d.healthCh <- ev:
	default:
		d.countQueueDrop("system_health")
	}
}

// Publish routes any known event type into its queue, so the dispatcher can
// sit directly behind the detector and health monitor as their event feed.
func (d *Dispatcher) Publish(event any) {
	switch ev := event.(type) {
	case domain.PriceChangeEvent:
		d.PriceChanged(ev)
	case domain.OpportunityEvent:
		d.OpportunityDetected(ev)
	case domain.SystemHealthEvent:
		d.HealthEvent(ev)
	}
}

// handleOpportunity applies the value filter: a margin at or above the
// high-value threshold OR an ROI at or above the high-ROI threshold.
func (d *Dispatcher) handleOpportunity(ctx context.Context, ev domain.OpportunityEvent) {
	if !d.cfg.EnableAuto {
		d.countFiltered()
		return
	}
	opp := ev.Opportunity
	if opp.MarginAbs < d.cfg.HighValueThreshold && opp.ROI < d.cfg.HighROIThreshold {
		d.countFiltered()
		return
	}

	alert := d.formatter.Opportunity(ev)
	if !d.deliver(ctx, alert) {
		return
	}
	if d.opps != nil && opp.ID > 0 {
		if err := d.opps.MarkAlerted(ctx, opp.ID); err != nil {
			log.Warn().Err(err).Int64("id", opp.ID).Msg("failed to mark opportunity alerted")
		}
	}
}

// handlePrice forwards ledger changes; significance filtering already
// happened upstream.
func (d *Dispatcher) handlePrice(ctx context.Context, ev domain.PriceChangeEvent) {
	if !d.cfg.EnableAuto {
		d.countFiltered()
		return
	}
	d.deliver(ctx, d.formatter.PriceChange(ev))
}

// handleHealth drops informational events, alerts on warning and critical.
func (d *Dispatcher) handleHealth(ctx context.Context, ev domain.SystemHealthEvent) {
	if ev.Severity == domain.HealthInfo {
		d.countFiltered()
		return
	}
	d.deliver(ctx, d.formatter.Health(ev))
}

// deliver sends with a single retry. A second failure drops the alert; the
// pipeline never waits on a broken transport.
func (d *Dispatcher) deliver(ctx context.Context, alert Alert) bool {
	err := d.transport.Send(ctx, alert)
	if err != nil {
		d.mu.Lock()
		d.stats.Retried++
		d.mu.Unlock()
		err = d.transport.Send(ctx, alert)
	}
	if err != nil {
		d.mu.Lock()
		d.stats.Dropped++
		d.mu.Unlock()
		log.Warn().Err(err).
			Str("kind", string(alert.Kind)).
			Str("transport", d.transport.Name()).
			Msg("alert dropped after retry")
		return false
	}

	d.mu.Lock()
	d.stats.Sent++
	d.mu.Unlock()
	if d.feed != nil {
		d.feed.Publish(alert)
	}
	log.Debug().Str("kind", string(alert.Kind)).Str("title", alert.Title).Msg("alert sent")
	return true
}

// Stats returns a snapshot of the dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

func (d *Dispatcher) countFiltered() {
	d.mu.Lock()
	d.stats.Filtered++
	d.mu.Unlock()
}

func (d *Dispatcher) countQueueDrop(kind string) {
	d.mu.Lock()
	d.stats.QueueDrops++
	d.mu.Unlock()
	log.Warn().Str("kind", kind).Msg("alert queue full, event dropped")
}

// Drain processes everything currently queued and returns. Used by one-shot
// CLI runs where no dispatcher goroutine is running.
func (d *Dispatcher) Drain(ctx context.Context) {
	for {
		select {
		case ev := <-d.priceCh:
			d.handlePrice(ctx, ev)
		case ev := <-d.oppCh:
			d.handleOpportunity(ctx, ev)
		case ev := <-d.healthCh:
			d.handleHealth(ctx, ev)
		default:
			return
		}
	}
}
