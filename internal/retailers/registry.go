// Package retailers knows which retailers can be scraped and runs the generic
// sitemap + JSON-LD store scraper for them.
package retailers

import (
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strings"

	"github.com/jonesrussell/north-cloud/store-locator/internal/config"
	"github.com/jonesrussell/north-cloud/store-locator/internal/delay"
	"github.com/jonesrussell/north-cloud/store-locator/internal/manager"
	"github.com/jonesrussell/north-cloud/store-locator/internal/proxy"
	"github.com/jonesrussell/north-cloud/store-locator/internal/stores"
)

// Definition is the fully resolved configuration of one retailer.
type Definition struct {
	Name            string            `json:"name"`
	DisplayName     string            `json:"display_name"`
	Enabled         bool              `json:"enabled"`
	BaseURL         string            `json:"base_url"`
	SitemapURL      string            `json:"sitemap_url"`
	StoreURLPattern string            `json:"store_url_pattern"`
	Schedule        string            `json:"schedule,omitempty"`
	Exports         []string          `json:"exports"`
	Headers         map[string]string `json:"-"`
	Fetcher         string            `json:"fetcher"`
	Proxy           proxy.Config      `json:"-"`
	Delays          delay.Policy      `json:"-"`

	pattern *regexp.Regexp
}

// Pattern returns the compiled StoreURLPattern.
func (d *Definition) Pattern() *regexp.Regexp { return d.pattern }

// StoreKey derives a store's identity from its page URL: the pattern's first
// capture group when it has one, the URL otherwise.
func (d *Definition) StoreKey(pageURL string) string {
	if m := d.pattern.FindStringSubmatch(pageURL); len(m) > 1 && m[1] != "" {
		return m[1]
	}
	return pageURL
}

// builtins are the retailers known without configuration.
var builtins = map[string]Definition{
	"costco": {
		DisplayName:     "Costco",
		BaseURL:         "https://www.costco.com",
		SitemapURL:      "https://www.costco.com/sitemap_l_001.xml",
		StoreURLPattern: `^https://www\.costco\.com/warehouse-locations/[a-z0-9-]+-(\d+)\.html$`,
	},
	"gamestop": {
		DisplayName:     "GameStop",
		BaseURL:         "https://www.gamestop.com",
		SitemapURL:      "https://www.gamestop.com/sitemap_stores.xml",
		StoreURLPattern: `^https://www\.gamestop\.com/store/us/[a-z]{2}/[^/]+/(\d+)/`,
	},
	"staples": {
		DisplayName:     "Staples",
		BaseURL:         "https://stores.staples.com",
		SitemapURL:      "https://stores.staples.com/sitemap.xml",
		StoreURLPattern: `^https://stores\.staples\.com/[a-z]{2}/[^/]+/([^/]+)$`,
	},
	"telus": {
		DisplayName:     "TELUS",
		BaseURL:         "https://stores.telus.com",
		SitemapURL:      "https://stores.telus.com/sitemap.xml",
		StoreURLPattern: `^https://stores\.telus\.com/[a-z]{2}/[^/]+/([^/]+)/?$`,
	},
	"walmart": {
		DisplayName:     "Walmart",
		BaseURL:         "https://www.walmart.com",
		SitemapURL:      "https://www.walmart.com/sitemap_store_main.xml",
		StoreURLPattern: `^https://www\.walmart\.com/store/(\d+)`,
	},
}

// Registry is the set of retailer definitions. It is immutable once built.
type Registry struct {
	defs map[string]*Definition
}

var _ manager.Catalog = (*Registry)(nil)

// NewRegistry merges the built-in retailers with the configured ones.
// Configured fields override built-in ones; a configured retailer that is not
// built in must supply its own sitemap_url and store_url_pattern.
func NewRegistry(cfg *config.Config) (*Registry, error) {
	names := slices.Collect(maps.Keys(builtins))
	for _, name := range cfg.RetailerNames() {
		if _, ok := builtins[name]; !ok {
			names = append(names, name)
		}
	}

	r := &Registry{defs: make(map[string]*Definition, len(names))}
	for _, name := range names {
		def, err := resolve(cfg, name)
		if err != nil {
			return nil, err
		}
		r.defs[name] = def
	}
	return r, nil
}

func resolve(cfg *config.Config, name string) (*Definition, error) {
	def := builtins[name]
	def.Name = name
	def.Enabled = true

	if section, ok := cfg.Retailer(name); ok {
		def.Enabled = section.IsEnabled()
		override(&def.DisplayName, section.Name)
		override(&def.BaseURL, section.BaseURL)
		override(&def.SitemapURL, section.SitemapURL)
		override(&def.StoreURLPattern, section.StoreURLPattern)
		override(&def.Schedule, section.Schedule)
		override(&def.Fetcher, section.Fetcher)
		if len(section.Exports) > 0 {
			def.Exports = slices.Clone(section.Exports)
		}
		def.Headers = maps.Clone(section.Headers)
	}

	if def.DisplayName == "" {
		def.DisplayName = name
	}
	if def.Fetcher == "" {
		def.Fetcher = config.FetcherProxy
	}
	if len(def.Exports) == 0 {
		def.Exports = stores.DefaultFormats()
	}
	if def.SitemapURL == "" || def.StoreURLPattern == "" {
		return nil, fmt.Errorf("retailer %s: sitemap_url and store_url_pattern are required", name)
	}

	pattern, err := regexp.Compile(def.StoreURLPattern)
	if err != nil {
		return nil, fmt.Errorf("retailer %s: store_url_pattern: %w", name, err)
	}
	def.pattern = pattern

	if def.Proxy, err = cfg.ProxyFor(name); err != nil {
		return nil, err
	}
	def.Delays = cfg.DelaysFor(name)
	return &def, nil
}

func override(dst *string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		*dst = v
	}
}

// Names returns every retailer in sorted order.
func (r *Registry) Names() []string {
	return slices.Sorted(maps.Keys(r.defs))
}

// Enabled implements manager.Catalog.
func (r *Registry) Enabled(name string) (enabled, known bool) {
	def, ok := r.defs[name]
	if !ok {
		return false, false
	}
	return def.Enabled, true
}

// Get returns the definition of name.
func (r *Registry) Get(name string) (*Definition, bool) {
	def, ok := r.defs[strings.ToLower(name)]
	return def, ok
}

// Scheduled returns the enabled retailers that have a cron schedule.
func (r *Registry) Scheduled() []*Definition {
	var out []*Definition
	for _, name := range r.Names() {
		if def := r.defs[name]; def.Enabled && def.Schedule != "" {
			out = append(out, def)
		}
	}
	return out
}
