package config

import (
	"net/url"
	"regexp"

	"github.com/robfig/cron/v3"

	"github.com/jonesrussell/north-cloud/store-locator/internal/logger"
	"github.com/jonesrussell/north-cloud/store-locator/internal/proxy"
)

// Retailer fetchers.
const (
	FetcherProxy = "proxy"
	FetcherHTTP  = "http"
)

var knownExports = map[string]bool{"json": true, "csv": true, "xlsx": true, "sqlite": true}

// Validate checks the configuration and returns the first *ValidationError found.
func (c *Config) Validate() error {
	switch c.Logger.Format {
	case logger.FormatJSON, logger.FormatConsole:
	default:
		return &ValidationError{Field: "logger.format", Value: c.Logger.Format, Reason: "must be json or console"}
	}
	if c.Server.Address == "" {
		return &ValidationError{Field: "server.address", Value: c.Server.Address, Reason: "must not be empty"}
	}
	if c.Workers < 1 {
		return &ValidationError{Field: "workers", Value: c.Workers, Reason: "must be at least 1"}
	}
	if c.Delays.Direct.Max < c.Delays.Direct.Min {
		return &ValidationError{Field: "delays.direct", Value: c.Delays.Direct, Reason: "max_delay below min_delay"}
	}
	if c.Delays.Proxied.Max < c.Delays.Proxied.Min {
		return &ValidationError{Field: "delays.proxied", Value: c.Delays.Proxied, Reason: "max_delay below min_delay"}
	}
	if c.Manager.StopTimeout > MaxStopTimeout {
		return &ValidationError{Field: "manager.stop_timeout", Value: c.Manager.StopTimeout, Reason: "exceeds " + MaxStopTimeout.String()}
	}
	if c.Manager.RestartPause > MaxRestartPause {
		return &ValidationError{Field: "manager.restart_pause", Value: c.Manager.RestartPause, Reason: "exceeds " + MaxRestartPause.String()}
	}
	if c.Redis.Enabled && c.Redis.Address == "" {
		return &ValidationError{Field: "redis.address", Value: "", Reason: "required when redis is enabled"}
	}
	if _, err := proxy.ConfigFromMap(c.Proxy); err != nil {
		return &ValidationError{Field: "proxy", Value: c.Proxy["mode"], Reason: err.Error()}
	}

	for _, name := range c.RetailerNames() {
		if err := c.validateRetailer(name, c.Retailers[name]); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateRetailer(name string, r RetailerConfig) error {
	field := func(key string) string { return "retailers." + name + "." + key }

	for _, raw := range []struct{ key, value string }{
		{"base_url", r.BaseURL},
		{"sitemap_url", r.SitemapURL},
	} {
		if raw.value == "" {
			continue
		}
		u, err := url.Parse(raw.value)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return &ValidationError{Field: field(raw.key), Value: raw.value, Reason: "must be an absolute URL"}
		}
	}
	if r.StoreURLPattern != "" {
		if _, err := regexp.Compile(r.StoreURLPattern); err != nil {
			return &ValidationError{Field: field("store_url_pattern"), Value: r.StoreURLPattern, Reason: err.Error()}
		}
	}
	if r.Schedule != "" {
		if _, err := cron.ParseStandard(r.Schedule); err != nil {
			return &ValidationError{Field: field("schedule"), Value: r.Schedule, Reason: err.Error()}
		}
	}
	for _, f := range r.Exports {
		if !knownExports[f] {
			return &ValidationError{Field: field("exports"), Value: f, Reason: "unknown export format"}
		}
	}
	switch r.Fetcher {
	case "", FetcherProxy, FetcherHTTP:
	default:
		return &ValidationError{Field: field("fetcher"), Value: r.Fetcher, Reason: "must be proxy or http"}
	}
	if r.Delays != nil && (r.Delays.Direct.Max < r.Delays.Direct.Min || r.Delays.Proxied.Max < r.Delays.Proxied.Min) {
		return &ValidationError{Field: field("delays"), Value: *r.Delays, Reason: "max_delay below min_delay"}
	}
	if _, err := c.ProxyFor(name); err != nil {
		return &ValidationError{Field: field("proxy"), Value: r.Proxy["mode"], Reason: err.Error()}
	}
	return nil
}
