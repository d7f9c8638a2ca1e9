package manager

import (
	"strconv"

	"github.com/jonesrussell/north-cloud/store-locator/internal/proxy"
)

// Subprocess command-line surface.
const (
	SubcommandScrape = "scrape"

	FlagRetailer     = "--retailer"
	FlagResume       = "--resume"
	FlagIncremental  = "--incremental"
	FlagTest         = "--test"
	FlagLimit        = "--limit"
	FlagProxy        = "--proxy"
	FlagProxyCountry = "--proxy-country"
	FlagRenderJS     = "--render-js"
	FlagVerbose      = "--verbose"
	FlagLogFile      = "--log-file"
	FlagRunID        = "--run-id"
	FlagDataDir      = "--data-dir"
	FlagConfig       = "--config"
)

// Options are the per-start choices forwarded to the scraper subprocess.
type Options struct {
	Resume       bool   `json:"resume"`
	Incremental  bool   `json:"incremental"`
	Test         bool   `json:"test"`
	Limit        int    `json:"limit"`
	Proxy        string `json:"proxy"`
	ProxyCountry string `json:"proxy_country"`
	RenderJS     bool   `json:"render_js"`
	Verbose      bool   `json:"verbose"`
}

func (o Options) validate(retailer string) error {
	if o.Limit < 0 {
		return invalid("start", retailer, "limit must not be negative: %d", o.Limit)
	}
	if o.Proxy != "" {
		if _, err := proxy.ParseMode(o.Proxy); err != nil {
			return invalid("start", retailer, "invalid proxy mode: %s", o.Proxy)
		}
	}
	return nil
}

// Args renders the options as subprocess flags. --limit and --test are
// mutually exclusive on the command line; an explicit limit wins.
func (o Options) Args() []string {
	var args []string
	if o.Resume {
		args = append(args, FlagResume)
	}
	if o.Incremental {
		args = append(args, FlagIncremental)
	}
	switch {
	case o.Limit > 0:
		args = append(args, FlagLimit, strconv.Itoa(o.Limit))
	case o.Test:
		args = append(args, FlagTest)
	}
	if o.Proxy != "" {
		args = append(args, FlagProxy, o.Proxy)
	}
	if o.ProxyCountry != "" {
		args = append(args, FlagProxyCountry, o.ProxyCountry)
	}
	if o.RenderJS {
		args = append(args, FlagRenderJS)
	}
	if o.Verbose {
		args = append(args, FlagVerbose)
	}
	return args
}

// configValues is what the run tracker records as the run's config.
func (o Options) configValues() map[string]any {
	values := map[string]any{
		"resume":      o.Resume,
		"incremental": o.Incremental,
		"test":        o.Test,
		"render_js":   o.RenderJS,
		"verbose":     o.Verbose,
	}
	if o.Limit > 0 {
		values["limit"] = o.Limit
	}
	if o.Proxy != "" {
		values["proxy"] = o.Proxy
	}
	if o.ProxyCountry != "" {
		values["proxy_country"] = o.ProxyCountry
	}
	return values
}
