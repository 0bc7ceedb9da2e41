package browser

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/atacama-labs/pricewatch/internal/domain"
)

// Script drives the scripted engine for one retailer.
type Script struct {
	// Statuses are consumed one per Navigate call; when exhausted every
	// navigation returns 200.
	Statuses []int
	// NavErrs are consumed alongside Statuses; nil entries mean no error.
	NavErrs []error
	// FailDirect makes navigations fail with a 403 while the session
	// runs without a proxy. Exercises the egress switch end to end.
	FailDirect bool
	// Products are returned by Extract, capped by the caller's limit.
	Products []domain.RawProduct
}

// ScriptedDriver is the in-process engine used by tests and offline runs.
type ScriptedDriver struct {
	mu       sync.Mutex
	scripts  map[domain.Retailer]*Script
	sessions int
	navs     int
}

// NewScriptedDriver returns an engine with no scripts; sessions for
// unscripted retailers navigate clean and extract nothing.
func NewScriptedDriver() *ScriptedDriver {
	return &ScriptedDriver{scripts: make(map[domain.Retailer]*Script)}
}

// SetScript installs the behavior for one retailer.
func (d *ScriptedDriver) SetScript(r domain.Retailer, s *Script) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scripts[r] = s
}

// Sessions reports how many sessions were opened.
func (d *ScriptedDriver) Sessions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessions
}

// NewSession opens a scripted session bound to cfg's egress.
func (d *ScriptedDriver) NewSession(_ context.Context, cfg SessionConfig) (Session, error) {
	d.mu.Lock()
	d.sessions++
	script := d.scripts[cfg.Retailer]
	d.mu.Unlock()
	return &scriptedSession{driver: d, cfg: cfg, script: script}, nil
}

type scriptedSession struct {
	driver *ScriptedDriver
	cfg    SessionConfig
	script *Script
	closed bool
}

func (s *scriptedSession) Navigate(ctx context.Context, url string) (*NavResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.closed {
		return nil, fmt.Errorf("session already closed")
	}

	s.driver.mu.Lock()
	s.driver.navs++
	var (
		status = 200
		err    error
	)
	if s.script != nil {
		if len(s.script.Statuses) > 0 {
			status = s.script.Statuses[0]
			s.script.Statuses = s.script.Statuses[1:]
		}
		if len(s.script.NavErrs) > 0 {
			err = s.script.NavErrs[0]
			s.script.NavErrs = s.script.NavErrs[1:]
		}
		if s.script.FailDirect && s.cfg.ProxyURL == "" {
			status = 403
		}
	}
	s.driver.mu.Unlock()

	res := &NavResult{Status: status, URL: url, Requests: 1}
	if s.cfg.BlockResource != nil {
		// Simulate the subresources a listing page would fire.
		for _, sub := range []struct{ url, rtype string }{
			{url + "/app.js", "script"},
			{url + "/hero.jpg", "image"},
			{"https://www.google-analytics.com/collect", "script"},
		} {
			res.Requests++
			if s.cfg.BlockResource(sub.url, sub.rtype) {
				res.Blocked++
			}
		}
	}
	return res, err
}

func (s *scriptedSession) Extract(ctx context.Context, category string, limit int) ([]domain.RawProduct, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.script == nil {
		return nil, nil
	}

	s.driver.mu.Lock()
	defer s.driver.mu.Unlock()
	out := make([]domain.RawProduct, 0, len(s.script.Products))
	for _, p := range s.script.Products {
		if p.Category != "" && p.Category != category {
			continue
		}
		out = append(out, p)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *scriptedSession) Close() error {
	s.closed = true
	return nil
}

var demoCatalog = []struct {
	name    string
	brand   string
	storage string
	ram     string
	base    float64
}{
	{"iPhone 15 Pro 256GB", "Apple", "256GB", "8GB", 1099990},
	{"iPhone 15 128GB", "Apple", "128GB", "6GB", 849990},
	{"Galaxy S24 Ultra 512GB", "Samsung", "512GB", "12GB", 1249990},
	{"Galaxy A55 5G 256GB", "Samsung", "256GB", "8GB", 379990},
	{"Xiaomi Redmi Note 13 Pro 256GB", "Xiaomi", "256GB", "8GB", 299990},
	{"Motorola Edge 50 Fusion 256GB", "Motorola", "256GB", "8GB", 329990},
	{"Pixel 9 Pro 128GB", "Google", "128GB", "16GB", 999990},
	{"Honor Magic6 Lite 256GB", "Honor", "256GB", "8GB", 249990},
}

// NewDemoDriver seeds every known retailer with a deterministic product
// set so the pipeline can run end to end without network access. Prices
// differ per retailer, which gives the detector real spreads to find.
func NewDemoDriver(category string, perRetailer int) *ScriptedDriver {
	d := NewScriptedDriver()
	for ri, retailer := range domain.KnownRetailers() {
		rnd := rand.New(rand.NewSource(int64(ri + 1)))
		n := perRetailer
		if n <= 0 || n > len(demoCatalog) {
			n = len(demoCatalog)
		}
		products := make([]domain.RawProduct, 0, n)
		for i := 0; i < n; i++ {
			item := demoCatalog[i]
			// Spread of roughly -10% to +10% around the base price.
			factor := 0.9 + rnd.Float64()*0.2
			current := float64(int(item.base*factor/10) * 10)
			products = append(products, domain.RawProduct{
				Retailer:      retailer,
				Category:      category,
				Name:          item.name,
				Brand:         item.brand,
				ExternalSKU:   fmt.Sprintf("%s-%03d", retailer, i+1),
				Link:          fmt.Sprintf("https://www.%s.cl/producto/%03d", retailer, i+1),
				OriginalPrice: item.base,
				CurrentPrice:  current,
				Storage:       item.storage,
				RAM:           item.ram,
				Rating:        3.5 + rnd.Float64()*1.5,
				ReviewsCount:  rnd.Intn(500),
			})
		}
		d.SetScript(retailer, &Script{Products: products})
	}
	return d
}
