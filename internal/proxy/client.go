package proxy

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jonesrussell/north-cloud/store-locator/internal/delay"
	"github.com/jonesrussell/north-cloud/store-locator/internal/logger"
	"github.com/jonesrussell/north-cloud/store-locator/internal/redact"
	"github.com/jonesrussell/north-cloud/store-locator/internal/retry"
)

// Request outcomes reported to an Observer.
const (
	OutcomeSuccess     = "success"
	OutcomeClientError = "client_error"
	OutcomeRateLimited = "rate_limited"
	OutcomeServerError = "server_error"
	OutcomeTransport   = "transport_error"
	OutcomeExhausted   = "exhausted"
	OutcomeUnexpected  = "unexpected_status"
)

const stickySessionIDLength = 10

// Observer receives one call per attempt. The metrics package implements it.
type Observer interface {
	ObserveRequest(mode Mode, outcome string, elapsed time.Duration)
}

// TransportFactory builds the session for a configuration.
type TransportFactory func(cfg Config) (Transport, error)

// GetOptions are the per-call knobs of Client.Get.
type GetOptions struct {
	Headers http.Header
	Params  url.Values
	// RenderJS asks the scraper API to render the page. It is ORed with the configured default.
	RenderJS bool
	Timeout  time.Duration
}

// Client applies the shared retry policy around whichever transport the configuration selects.
// It is safe for concurrent use, although scrapers normally give each worker its own Client.
type Client struct {
	cfg          Config
	log          logger.Logger
	sleep        retry.SleepFunc
	newTransport TransportFactory
	observer     Observer

	mu        sync.Mutex
	transport Transport
	requests  atomic.Int64
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithSleep replaces the backoff and pacing sleep.
func WithSleep(fn retry.SleepFunc) Option {
	return func(c *Client) { c.sleep = fn }
}

// WithTransportFactory replaces NewTransport.
func WithTransportFactory(fn TransportFactory) Option {
	return func(c *Client) { c.newTransport = fn }
}

// WithObserver reports attempt outcomes to o.
func WithObserver(o Observer) Option {
	return func(c *Client) { c.observer = o }
}

// NewClient validates cfg and keeps its own copy. An invalid configuration is
// logged and downgraded to direct mode so the scraper keeps running.
func NewClient(cfg Config, opts ...Option) *Client {
	c := &Client{
		log:          logger.NewNop(),
		sleep:        retry.Sleep,
		newTransport: NewTransport,
	}
	for _, opt := range opts {
		opt(c)
	}

	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		c.log.Error("Invalid proxy configuration, falling back to direct mode",
			logger.String("requested_mode", cfg.Mode.String()),
			logger.Error(err),
		)
		cfg.Mode = ModeDirect
	}
	if cfg.Mode == ModeResidential && cfg.SessionType == SessionSticky && cfg.SessionID == "" {
		cfg.SessionID = strings.ReplaceAll(uuid.NewString(), "-", "")[:stickySessionIDLength]
	}

	c.cfg = cfg
	c.log = c.log.With(logger.String("proxy_mode", cfg.Mode.String()))
	return c
}

// Config returns the effective configuration, after any downgrade.
func (c *Client) Config() Config {
	return c.cfg
}

// RequestCount returns the number of attempts sent so far.
func (c *Client) RequestCount() int64 {
	return c.requests.Load()
}

// session returns the lazily created transport.
func (c *Client) session() (Transport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.transport == nil {
		t, err := c.newTransport(c.cfg)
		if err != nil {
			return nil, fmt.Errorf("create %s transport: %w", c.cfg.Mode, err)
		}
		c.transport = t
	}
	return c.transport, nil
}

// Close releases the session. The client may be used again afterwards;
// a new session is created on the next Get.
func (c *Client) Close() error {
	c.mu.Lock()
	t := c.transport
	c.transport = nil
	c.mu.Unlock()

	if t == nil {
		return nil
	}
	return t.Close()
}

// Get fetches rawURL, retrying 429, 5xx and transport failures up to MaxRetries attempts.
//
// Any other non-2xx status is returned as a response with a nil error so the
// caller can inspect it. After the final failed attempt Get returns
// ErrRetriesExhausted and a nil response.
func (c *Client) Get(ctx context.Context, rawURL string, opts GetOptions) (*Response, error) {
	transport, err := c.session()
	if err != nil {
		return nil, err
	}

	req := &Request{
		URL:      rawURL,
		Headers:  opts.Headers,
		Params:   opts.Params,
		RenderJS: opts.RenderJS || c.cfg.RenderJS,
		Timeout:  opts.Timeout,
	}
	log := c.log.With(logger.String("url", redact.URL(rawURL)))
	last := c.cfg.MaxRetries - 1

	for attempt := range c.cfg.MaxRetries {
		c.requests.Add(1)
		start := time.Now()

		resp, sendErr := transport.Send(ctx, req)
		if sendErr != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("get %s: %w", redact.URL(rawURL), ctx.Err())
			}
			c.observe(OutcomeTransport, time.Since(start))
			log.Warn("Proxy request failed",
				logger.Int("attempt", attempt+1),
				logger.Int("max_retries", c.cfg.MaxRetries),
				logger.String("error", redact.Error(sendErr)),
			)
			if err = c.wait(ctx, attempt, last, c.cfg.RetryDelay); err != nil {
				return nil, err
			}
			continue
		}

		switch {
		case resp.OK():
			c.observe(OutcomeSuccess, resp.Elapsed)
			if c.cfg.Mode == ModeDirect {
				// Proxied modes are paced upstream.
				_ = c.sleep(ctx, delay.Random(c.cfg.MinDelay, c.cfg.MaxDelay))
			}
			return resp, nil

		case resp.StatusCode == http.StatusTooManyRequests:
			c.observe(OutcomeRateLimited, resp.Elapsed)
			wait := retry.Exponential(c.cfg.RetryDelay, attempt)
			log.Warn("Rate limited, backing off",
				logger.Int("attempt", attempt+1),
				logger.Duration("wait", wait),
			)
			if err = c.wait(ctx, attempt, last, wait); err != nil {
				return nil, err
			}

		case resp.StatusCode >= http.StatusInternalServerError:
			c.observe(OutcomeServerError, resp.Elapsed)
			log.Warn("Server error, retrying",
				logger.Int("status", resp.StatusCode),
				logger.Int("attempt", attempt+1),
			)
			if err = c.wait(ctx, attempt, last, c.cfg.RetryDelay); err != nil {
				return nil, err
			}

		case resp.StatusCode >= http.StatusBadRequest:
			c.observe(OutcomeClientError, resp.Elapsed)
			if c.cfg.Mode != ModeDirect && isAuthStatus(resp.StatusCode) {
				log.Error("Proxy authentication failed, check credentials",
					logger.Int("status", resp.StatusCode),
				)
			} else {
				log.Warn("Request returned client error", logger.Int("status", resp.StatusCode))
			}
			return resp, nil

		default:
			// Unfollowed redirects and informational codes.
			c.observe(OutcomeUnexpected, resp.Elapsed)
			log.Warn("Request returned unexpected status", logger.Int("status", resp.StatusCode))
			return resp, nil
		}
	}

	c.observe(OutcomeExhausted, 0)
	log.Error("Proxy request failed after all retries", logger.Int("attempts", c.cfg.MaxRetries))
	return nil, fmt.Errorf("get %s: %w after %d attempts", redact.URL(rawURL), ErrRetriesExhausted, c.cfg.MaxRetries)
}

func (c *Client) wait(ctx context.Context, attempt, last int, d time.Duration) error {
	if attempt >= last {
		return nil
	}
	return c.sleep(ctx, d)
}

func (c *Client) observe(outcome string, elapsed time.Duration) {
	if c.observer != nil {
		c.observer.ObserveRequest(c.cfg.Mode, outcome, elapsed)
	}
}

func isAuthStatus(code int) bool {
	return code == http.StatusUnauthorized ||
		code == http.StatusForbidden ||
		code == http.StatusProxyAuthRequired
}
