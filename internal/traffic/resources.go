package traffic

import (
	"net/url"
	"regexp"
	"strings"
	"sync"
)

// ResourceType mirrors the request types a browser session reports.
type ResourceType string

const (
	ResourceDocument   ResourceType = "document"
	ResourceScript     ResourceType = "script"
	ResourceStylesheet ResourceType = "stylesheet"
	ResourceImage      ResourceType = "image"
	ResourceFont       ResourceType = "font"
	ResourceMedia      ResourceType = "media"
	ResourceXHR        ResourceType = "xhr"
	ResourceOther      ResourceType = "other"
)

// SaverProfile selects how aggressively page resources are dropped.
type SaverProfile string

const (
	SaverOff        SaverProfile = "off"
	SaverBalanced   SaverProfile = "balanced"
	SaverAggressive SaverProfile = "aggressive"
)

// estimatedBytes approximates the transfer saved when a resource of the
// given type is dropped. Rough averages; only the order of magnitude
// matters for the savings counters.
var estimatedBytes = map[ResourceType]int64{
	ResourceImage:      45_000,
	ResourceScript:     30_000,
	ResourceStylesheet: 15_000,
	ResourceFont:       20_000,
	ResourceMedia:      500_000,
	ResourceOther:      10_000,
}

// trackerHosts are third-party analytics, ads and telemetry endpoints that
// never carry product data. Matched by host suffix.
var trackerHosts = []string{
	"google-analytics.com",
	"googletagmanager.com",
	"googlesyndication.com",
	"googleadservices.com",
	"doubleclick.net",
	"facebook.net",
	"connect.facebook.net",
	"hotjar.com",
	"criteo.com",
	"criteo.net",
	"taboola.com",
	"outbrain.com",
	"scorecardresearch.com",
	"quantserve.com",
	"adnxs.com",
	"rubiconproject.com",
	"pubmatic.com",
	"casalemedia.com",
	"amazon-adsystem.com",
	"newrelic.com",
	"nr-data.net",
	"segment.io",
	"segment.com",
	"mixpanel.com",
	"amplitude.com",
	"fullstory.com",
	"clarity.ms",
	"optimizely.com",
	"appsflyer.com",
	"chartbeat.com",
	"demdex.net",
	"omtrdc.net",
	"adobedtm.com",
}

// trackerPatterns catch tracking endpoints hosted on first-party domains.
var trackerPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)analytics`),
	regexp.MustCompile(`(?i)tracking`),
	regexp.MustCompile(`(?i)telemetry`),
	regexp.MustCompile(`(?i)tagmanager`),
	regexp.MustCompile(`(?i)/ads?/`),
	regexp.MustCompile(`(?i)pixel`),
	regexp.MustCompile(`(?i)beacon`),
}

// Verdict is one resource decision.
type Verdict struct {
	Block      bool
	Reason     string
	SavedBytes int64
}

// ResourceStats snapshots savings counters.
type ResourceStats struct {
	Seen       int64                  `json:"seen"`
	Blocked    int64                  `json:"blocked"`
	BytesSaved int64                  `json:"bytes_saved"`
	ByType     map[ResourceType]int64 `json:"blocked_by_type"`
}

// ResourcePolicy drops page resources the extractor never reads. Safe for
// concurrent use from all browser sessions.
type ResourcePolicy struct {
	profile      SaverProfile
	blockedTypes map[ResourceType]bool

	mu    sync.Mutex
	stats ResourceStats
}

// NewResourcePolicy builds the policy for a saver profile name; unknown
// names fall back to balanced.
func NewResourcePolicy(profile string) *ResourcePolicy {
	p := SaverProfile(strings.ToLower(strings.TrimSpace(profile)))
	blocked := map[ResourceType]bool{}
	switch p {
	case SaverOff:
	case SaverAggressive:
		blocked[ResourceImage] = true
		blocked[ResourceMedia] = true
		blocked[ResourceFont] = true
		blocked[ResourceStylesheet] = true
		blocked[ResourceOther] = true
	default:
		p = SaverBalanced
		blocked[ResourceImage] = true
		blocked[ResourceMedia] = true
		blocked[ResourceFont] = true
	}
	return &ResourcePolicy{
		profile:      p,
		blockedTypes: blocked,
		stats:        ResourceStats{ByType: make(map[ResourceType]int64)},
	}
}

// Profile returns the active saver profile.
func (p *ResourcePolicy) Profile() SaverProfile { return p.profile }

// Decide returns the verdict for one outgoing page resource. Documents
// and XHR always pass: they carry the product data.
func (p *ResourcePolicy) Decide(rawURL string, rtype ResourceType) Verdict {
	p.mu.Lock()
	p.stats.Seen++
	p.mu.Unlock()

	if rtype == ResourceDocument || rtype == ResourceXHR {
		return Verdict{}
	}
	if p.profile == SaverOff {
		return Verdict{}
	}

	if host := hostOf(rawURL); host != "" {
		for _, tracker := range trackerHosts {
			if host == tracker || strings.HasSuffix(host, "."+tracker) {
				return p.block(rtype, "tracker host")
			}
		}
	}
	for _, pattern := range trackerPatterns {
		if pattern.MatchString(rawURL) {
			return p.block(rtype, "tracker pattern")
		}
	}
	if p.blockedTypes[rtype] {
		return p.block(rtype, "resource type")
	}
	return Verdict{}
}

// ShouldBlock adapts Decide to the string-typed callback browser drivers
// expect.
func (p *ResourcePolicy) ShouldBlock(rawURL, resourceType string) bool {
	return p.Decide(rawURL, ResourceType(strings.ToLower(resourceType))).Block
}

func (p *ResourcePolicy) block(rtype ResourceType, reason string) Verdict {
	saved := estimatedBytes[rtype]
	p.mu.Lock()
	p.stats.Blocked++
	p.stats.BytesSaved += saved
	p.stats.ByType[rtype]++
	p.mu.Unlock()
	return Verdict{Block: true, Reason: reason, SavedBytes: saved}
}

// Stats returns a copy of the savings counters.
func (p *ResourcePolicy) Stats() ResourceStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.ByType = make(map[ResourceType]int64, len(p.stats.ByType))
	for k, v := range p.stats.ByType {
		s.ByType[k] = v
	}
	return s
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
