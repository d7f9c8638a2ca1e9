package httpclient

import (
	"net/http"
	"net/url"
	"time"
)

// Session defaults.
const (
	DefaultTimeout             = 30 * time.Second
	DefaultMaxIdleConns        = 100
	DefaultMaxIdleConnsPerHost = 10
	DefaultIdleConnTimeout     = 90 * time.Second
	DefaultTLSHandshakeTimeout = 10 * time.Second
)

// SessionConfig configures a pooled HTTP session.
type SessionConfig struct {
	Timeout             time.Duration
	MaxIdleConnsPerHost int
	// ProxyURL routes every request through an upstream proxy when set.
	ProxyURL *url.URL
	// NoRedirects returns 3xx responses to the caller instead of following them.
	NoRedirects bool
}

// NewSession builds an *http.Client with a dedicated connection pool.
func NewSession(cfg SessionConfig) *http.Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	perHost := cfg.MaxIdleConnsPerHost
	if perHost <= 0 {
		perHost = DefaultMaxIdleConnsPerHost
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        DefaultMaxIdleConns,
		MaxIdleConnsPerHost: perHost,
		IdleConnTimeout:     DefaultIdleConnTimeout,
		TLSHandshakeTimeout: DefaultTLSHandshakeTimeout,
		ForceAttemptHTTP2:   true,
	}
	if cfg.ProxyURL != nil {
		transport.Proxy = http.ProxyURL(cfg.ProxyURL)
	}

	client := &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
	if cfg.NoRedirects {
		client.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}
	return client
}
