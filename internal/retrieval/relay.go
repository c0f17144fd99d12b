package retrieval

import (
	"fmt"
	"net/url"
	"strings"
)

// Relay providers.
const (
	ProviderScraperAPI  = "scraperapi"
	ProviderScrapestack = "scrapestack"
)

// Relay routes live requests through an anti-block scraping service when
// an API key is configured.
type Relay struct {
	Provider string
	APIKey   string
}

// Enabled reports whether requests should go through the relay.
func (r Relay) Enabled() bool {
	return r.APIKey != ""
}

// Validate checks the provider name.
func (r Relay) Validate() error {
	switch strings.ToLower(r.Provider) {
	case "", ProviderScraperAPI, ProviderScrapestack:
		return nil
	default:
		return fmt.Errorf("unknown relay provider %q", r.Provider)
	}
}

// Wrap returns the URL to request for target. It is target itself when
// the relay is disabled.
func (r Relay) Wrap(target string) string {
	if !r.Enabled() {
		return target
	}
	key := url.QueryEscape(r.APIKey)
	escaped := url.QueryEscape(target)
	if strings.EqualFold(r.Provider, ProviderScrapestack) {
		return "http://api.scrapestack.com/scrape?access_key=" + key + "&url=" + escaped
	}
	return "http://api.scraperapi.com?api_key=" + key + "&url=" + escaped
}
