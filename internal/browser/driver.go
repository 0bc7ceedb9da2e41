// Package browser defines the session contract the scraping workers
// drive. The engine behind it is pluggable: production runs an external
// automation process, tests and offline mode run the scripted engine.
package browser

import (
	"context"
	"time"

	"github.com/atacama-labs/pricewatch/internal/domain"
)

// SessionConfig carries everything a session needs at open time. The
// egress decision is made before the session exists because a browser
// binds its proxy at launch.
type SessionConfig struct {
	Retailer domain.Retailer
	// ProxyURL routes the session through a proxy channel; empty means
	// direct egress.
	ProxyURL string
	// Label identifies the proxy channel for logging.
	Label string
	// BlockResource, when set, is consulted for every subresource the
	// page requests. Returning true drops the request.
	BlockResource func(url, resourceType string) bool
	// Timeout bounds each navigation.
	Timeout time.Duration
}

// NavResult reports one page load.
type NavResult struct {
	Status     int
	URL        string
	Requests   int
	Blocked    int
	BytesSaved int64
}

// Session is one live browser context bound to a single egress.
type Session interface {
	// Navigate loads the URL and waits for the listing to settle.
	Navigate(ctx context.Context, url string) (*NavResult, error)
	// Extract pulls the product records currently rendered, at most
	// limit of them.
	Extract(ctx context.Context, category string, limit int) ([]domain.RawProduct, error)
	Close() error
}

// Driver opens sessions.
type Driver interface {
	NewSession(ctx context.Context, cfg SessionConfig) (Session, error)
}
