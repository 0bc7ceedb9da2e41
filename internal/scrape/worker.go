// Package scrape runs retailer workers under the orchestrator: session
// lifecycle, pagination, extraction and the handoff into ingest.
package scrape

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/atacama-labs/pricewatch/internal/browser"
	"github.com/atacama-labs/pricewatch/internal/domain"
	"github.com/atacama-labs/pricewatch/internal/traffic"
)

// Sink receives validated records; the ingest processor implements it.
type Sink interface {
	Enqueue(ctx context.Context, raw domain.RawProduct) (bool, error)
}

// WorkerConfig scopes one run to a retailer/category pair.
type WorkerConfig struct {
	Retailer    domain.Retailer
	Category    string
	Pages       int
	MaxProducts int
	NavTimeout  time.Duration
}

// Result reports one worker run.
type Result struct {
	Retailer      domain.Retailer `json:"retailer"`
	Category      string          `json:"category"`
	Success       bool            `json:"success"`
	Products      int             `json:"products"`
	Accepted      int             `json:"accepted"`
	Requests      int             `json:"requests"`
	ProxyRequests int             `json:"proxy_requests"`
	BytesSaved    int64           `json:"bytes_saved"`
	Blocked       bool            `json:"blocked"`
	Err           error           `json:"-"`
	Duration      time.Duration   `json:"duration"`
}

// Worker drives one session at a time against a single retailer. Safe to
// run concurrently with other workers; they share the router and sink.
type Worker struct {
	driver browser.Driver
	router *traffic.Router
	policy *traffic.ResourcePolicy
	sink   Sink
}

// NewWorker wires a worker. The policy may be nil to disable resource
// blocking.
func NewWorker(driver browser.Driver, router *traffic.Router, policy *traffic.ResourcePolicy, sink Sink) *Worker {
	return &Worker{driver: driver, router: router, policy: policy, sink: sink}
}

// Run scrapes up to cfg.Pages listing pages, feeding every extracted
// record into the sink. A panic inside the run is converted into a failed
// result so one retailer can never take the cycle down.
func (w *Worker) Run(ctx context.Context, cfg WorkerConfig) (res Result) {
	start := time.Now()
	res = Result{Retailer: cfg.Retailer, Category: cfg.Category}
	defer func() {
		if r := recover(); r != nil {
			res.Err = fmt.Errorf("worker panicked: %v", r)
			res.Success = false
			log.Error().
				Str("retailer", string(cfg.Retailer)).
				Str("category", cfg.Category).
				Interface("panic", r).
				Msg("scrape worker recovered")
		}
		res.Duration = time.Since(start)
	}()

	if cfg.Pages <= 0 {
		cfg.Pages = 1
	}
	host := HostFor(cfg.Retailer)

	var (
		sess    browser.Session
		sessKey string
	)
	defer func() {
		if sess != nil {
			sess.Close()
		}
	}()

	// Sessions bind their egress at launch, so a changed routing decision
	// means tearing the session down and opening a new one.
	ensureSession := func(d traffic.Decision) error {
		key := string(d.Egress) + "/" + d.Label
		if sess != nil && key == sessKey {
			return nil
		}
		if sess != nil {
			sess.Close()
			sess = nil
		}
		scfg := browser.SessionConfig{
			Retailer: cfg.Retailer,
			ProxyURL: d.ProxyURL,
			Label:    d.Label,
			Timeout:  cfg.NavTimeout,
		}
		if w.policy != nil {
			scfg.BlockResource = w.policy.ShouldBlock
		}
		opened, err := w.driver.NewSession(ctx, scfg)
		if err != nil {
			return fmt.Errorf("failed to open %s session: %w", d.Egress, err)
		}
		sess = opened
		sessKey = key
		log.Debug().
			Str("retailer", string(cfg.Retailer)).
			Str("egress", string(d.Egress)).
			Str("channel", d.Label).
			Msg("session opened")
		return nil
	}

	collected := 0
	for page := 1; page <= cfg.Pages; page++ {
		pageURL := ListingURL(cfg.Retailer, cfg.Category, page)

		_, err := w.router.Do(ctx, host, func(d traffic.Decision) (int, error) {
			if err := ensureSession(d); err != nil {
				return 0, err
			}
			if d.Egress == traffic.EgressDirect {
				if err := w.router.EnsureDirectAllowed(host); err != nil {
					return 0, err
				}
			}
			res.Requests++
			if d.Egress == traffic.EgressProxy {
				res.ProxyRequests++
			}
			nav, err := sess.Navigate(ctx, pageURL)
			if err != nil {
				return 0, err
			}
			res.BytesSaved += nav.BytesSaved
			return nav.Status, nil
		})
		if err != nil {
			res.Err = fmt.Errorf("page %d: %w", page, err)
			res.Blocked = w.router.Blocked(host)
			break
		}

		remaining := 0
		if cfg.MaxProducts > 0 {
			remaining = cfg.MaxProducts - collected
		}
		products, err := sess.Extract(ctx, cfg.Category, remaining)
		if err != nil {
			res.Err = fmt.Errorf("failed to extract page %d: %w", page, err)
			break
		}
		if len(products) == 0 {
			break
		}

		for _, raw := range products {
			res.Products++
			accepted, err := w.sink.Enqueue(ctx, raw)
			if err != nil {
				log.Warn().Err(err).
					Str("retailer", string(cfg.Retailer)).
					Msg("enqueue failed mid-page")
				continue
			}
			if accepted {
				res.Accepted++
			}
		}
		collected += len(products)
		if cfg.MaxProducts > 0 && collected >= cfg.MaxProducts {
			break
		}
	}

	res.Success = res.Err == nil
	return res
}
