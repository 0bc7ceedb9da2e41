package scrape

import (
	"fmt"

	"github.com/atacama-labs/pricewatch/internal/domain"
)

// retailerHosts maps each retailer to its storefront host. The router
// keys blocklists, breakers and rate limits on these.
var retailerHosts = map[domain.Retailer]string{
	domain.RetailerFalabella: "www.falabella.com",
	domain.RetailerRipley:    "simple.ripley.cl",
	domain.RetailerParis:     "www.paris.cl",
	domain.RetailerLaPolar:   "www.lapolar.cl",
	domain.RetailerHites:     "www.hites.com",
	domain.RetailerAbcdin:    "www.abcdin.cl",
	domain.RetailerSodimac:   "www.sodimac.cl",
	domain.RetailerEasy:      "www.easy.cl",
}

// listingPaths holds the per-retailer category URL shape. Page numbering
// is 1-based everywhere.
var listingPaths = map[domain.Retailer]string{
	domain.RetailerFalabella: "/falabella-cl/category/%s?page=%d",
	domain.RetailerRipley:    "/%s?page=%d",
	domain.RetailerParis:     "/%s/?page=%d",
	domain.RetailerSodimac:   "/sodimac-cl/category/%s?currentpage=%d",
}

// HostFor returns the storefront host for a retailer; unknown retailers
// get the conventional .cl shape.
func HostFor(r domain.Retailer) string {
	if host, ok := retailerHosts[r]; ok {
		return host
	}
	return fmt.Sprintf("www.%s.cl", r)
}

// ListingURL builds the category listing URL for one page.
func ListingURL(r domain.Retailer, category string, page int) string {
	path, ok := listingPaths[r]
	if !ok {
		path = "/categoria/%s?page=%d"
	}
	return "https://" + HostFor(r) + fmt.Sprintf(path, category, page)
}
