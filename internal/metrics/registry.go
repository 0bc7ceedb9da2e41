// Package metrics exports the pipeline's Prometheus series and folds
// component counters into the /status snapshot and the hourly rollup row.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Egress labels for the requests counter.
const (
	EgressDirect = "direct"
	EgressProxy  = "proxy"
)

// Registry holds every Prometheus series the pipeline exports. It carries
// its own prometheus.Registry so embedded runs and tests never collide on
// the process-global default.
type Registry struct {
	reg *prometheus.Registry

	ProductsProcessed *prometheus.CounterVec
	ProductsRejected  *prometheus.CounterVec
	PriceRows         prometheus.Counter
	Requests          *prometheus.CounterVec
	BytesSaved        prometheus.Counter
	Opportunities     *prometheus.CounterVec
	AlertsSent        prometheus.Counter
	AlertsDropped     prometheus.Counter

	BatchFill      prometheus.Gauge
	BlocklistSize  prometheus.Gauge
	ProxyRatio     prometheus.Gauge
	SchedulerQueue prometheus.Gauge

	CycleDuration    prometheus.Histogram
	FlushDuration    prometheus.Histogram
	DetectorDuration prometheus.Histogram
}

// NewRegistry builds the full metric set and registers it.
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		ProductsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pricewatch_products_processed_total",
				Help: "Products scraped per retailer before validation",
			},
			[]string{"retailer"},
		),
		ProductsRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pricewatch_products_rejected_total",
				Help: "Products dropped by validation per retailer",
			},
			[]string{"retailer"},
		),
		PriceRows: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pricewatch_price_rows_total",
				Help: "Daily price rows written by the ingest pipeline",
			},
		),
		Requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pricewatch_requests_total",
				Help: "Outbound page fetches by egress channel",
			},
			[]string{"egress"},
		),
		BytesSaved: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pricewatch_bytes_saved_total",
				Help: "Bytes not transferred thanks to resource blocking",
			},
		),
		Opportunities: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pricewatch_opportunities_total",
				Help: "Arbitrage opportunities detected by tier",
			},
			[]string{"tier"},
		),
		AlertsSent: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pricewatch_alerts_sent_total",
				Help: "Alerts delivered through the transport",
			},
		),
		AlertsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pricewatch_alerts_dropped_total",
				Help: "Alerts lost to delivery failures or full queues",
			},
		),

		BatchFill: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pricewatch_ingest_batch_fill",
				Help: "Records waiting in the current ingest batch",
			},
		),
		BlocklistSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pricewatch_blocklist_size",
				Help: "Hosts currently held on the traffic blocklist",
			},
		),
		ProxyRatio: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pricewatch_proxy_ratio",
				Help: "Observed share of requests routed through proxies",
			},
		),
		SchedulerQueue: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pricewatch_scheduler_queue",
				Help: "Scheduler tasks running or overdue",
			},
		),

		CycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pricewatch_cycle_duration_seconds",
				Help:    "Full scraping cycle duration",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
			},
		),
		FlushDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pricewatch_flush_duration_seconds",
				Help:    "Ingest batch flush duration",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
		),
		DetectorDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pricewatch_detector_duration_seconds",
				Help:    "Arbitrage detector cycle duration",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
			},
		),
	}

	r.reg.MustRegister(
		r.ProductsProcessed,
		r.ProductsRejected,
		r.PriceRows,
		r.Requests,
		r.BytesSaved,
		r.Opportunities,
		r.AlertsSent,
		r.AlertsDropped,
		r.BatchFill,
		r.BlocklistSize,
		r.ProxyRatio,
		r.SchedulerQueue,
		r.CycleDuration,
		r.FlushDuration,
		r.DetectorDuration,
	)
	return r
}

// Handler serves the registry in Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}
