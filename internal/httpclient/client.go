// Package httpclient performs GET requests with bounded retries and a
// per-status backoff policy. It is the request path used when no proxy
// client is configured.
package httpclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jonesrussell/north-cloud/store-locator/internal/delay"
	"github.com/jonesrussell/north-cloud/store-locator/internal/logger"
	"github.com/jonesrussell/north-cloud/store-locator/internal/redact"
	"github.com/jonesrussell/north-cloud/store-locator/internal/retry"
)

// Defaults applied to zero-valued Options.
const (
	DefaultMaxRetries        = 3
	DefaultRateLimitBaseWait = 30 * time.Second
	DefaultServerErrorWait   = 10 * time.Second
	DefaultMinDelay          = 2 * time.Second
	DefaultMaxDelay          = 5 * time.Second
)

const maxResponseBodyBytes = 20 * 1024 * 1024

// ErrRetriesExhausted is returned when every attempt hit a retryable failure.
var ErrRetriesExhausted = errors.New("retries exhausted")

// StatusError reports a response that ends the retry loop without success.
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: http status %d", e.URL, e.StatusCode)
}

// Doer sends a single HTTP request. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Options bound a GetWithRetry call.
type Options struct {
	MaxRetries        int
	Timeout           time.Duration
	RateLimitBaseWait time.Duration
	ServerErrorWait   time.Duration
	// MinDelay and MaxDelay bound the jitter slept before every attempt.
	MinDelay time.Duration
	MaxDelay time.Duration
	// Headers is called once per attempt so rotating values (user agents) change between retries.
	Headers func() http.Header
	Logger  logger.Logger
	// Sleep defaults to retry.Sleep.
	Sleep retry.SleepFunc
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		MaxRetries:        DefaultMaxRetries,
		Timeout:           DefaultTimeout,
		RateLimitBaseWait: DefaultRateLimitBaseWait,
		ServerErrorWait:   DefaultServerErrorWait,
		MinDelay:          DefaultMinDelay,
		MaxDelay:          DefaultMaxDelay,
	}
}

func (o *Options) setDefaults() {
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.RateLimitBaseWait <= 0 {
		o.RateLimitBaseWait = DefaultRateLimitBaseWait
	}
	if o.ServerErrorWait <= 0 {
		o.ServerErrorWait = DefaultServerErrorWait
	}
	if o.Logger == nil {
		o.Logger = logger.NewNop()
	}
	if o.Sleep == nil {
		o.Sleep = retry.Sleep
	}
}

// GetWithRetry issues GET rawURL through doer, retrying transient failures.
//
// The returned response has its body fully buffered, so it stays readable
// after the per-attempt timeout has expired. A non-nil error always comes
// with a nil response: *StatusError for terminal statuses and
// ErrRetriesExhausted once MaxRetries attempts have failed.
func GetWithRetry(ctx context.Context, doer Doer, rawURL string, opts Options) (*http.Response, error) {
	opts.setDefaults()
	log := opts.Logger.With(logger.String("url", redact.URL(rawURL)))

	lastStatus := 0
	for attempt := range opts.MaxRetries {
		if err := opts.jitter(ctx); err != nil {
			return nil, err
		}

		resp, err := fetch(ctx, doer, rawURL, opts)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("get %s: %w", redact.URL(rawURL), ctx.Err())
			}
			lastStatus = 0
			log.Warn("Request failed",
				logger.Int("attempt", attempt+1),
				logger.Int("max_retries", opts.MaxRetries),
				logger.String("error", redact.Error(err)),
			)
			if sleepErr := opts.backoff(ctx, attempt, opts.ServerErrorWait); sleepErr != nil {
				return nil, sleepErr
			}
			continue
		}

		lastStatus = resp.StatusCode
		switch {
		case resp.StatusCode == http.StatusOK:
			return resp, nil

		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusForbidden:
			wait := retry.Exponential(opts.RateLimitBaseWait, attempt)
			log.Warn("Rate limited or blocked, backing off",
				logger.Int("status", resp.StatusCode),
				logger.Int("attempt", attempt+1),
				logger.Duration("wait", wait),
			)
			if sleepErr := opts.backoff(ctx, attempt, wait); sleepErr != nil {
				return nil, sleepErr
			}

		case resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusRequestTimeout:
			log.Warn("Server error, retrying",
				logger.Int("status", resp.StatusCode),
				logger.Int("attempt", attempt+1),
				logger.Duration("wait", opts.ServerErrorWait),
			)
			if sleepErr := opts.backoff(ctx, attempt, opts.ServerErrorWait); sleepErr != nil {
				return nil, sleepErr
			}

		case resp.StatusCode >= http.StatusBadRequest:
			log.Warn("Client error, not retrying", logger.Int("status", resp.StatusCode))
			return nil, &StatusError{StatusCode: resp.StatusCode, URL: redact.URL(rawURL)}

		default:
			log.Warn("Unexpected status", logger.Int("status", resp.StatusCode))
			return nil, &StatusError{StatusCode: resp.StatusCode, URL: redact.URL(rawURL)}
		}
	}

	if lastStatus == 0 {
		log.Error("Giving up after retries", logger.Int("attempts", opts.MaxRetries), logger.String("last_status", "no response"))
	} else {
		log.Error("Giving up after retries", logger.Int("attempts", opts.MaxRetries), logger.Int("last_status", lastStatus))
	}
	return nil, fmt.Errorf("get %s: %w after %d attempts", redact.URL(rawURL), ErrRetriesExhausted, opts.MaxRetries)
}

// fetch performs one attempt and buffers the body under the attempt's deadline.
func fetch(ctx context.Context, doer Doer, rawURL string, opts Options) (*http.Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if opts.Headers != nil {
		for key, values := range opts.Headers() {
			for _, v := range values {
				req.Header.Add(key, v)
			}
		}
	}

	resp, err := doer.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	return resp, nil
}

func (o *Options) jitter(ctx context.Context) error {
	d := delay.Random(o.MinDelay, o.MaxDelay)
	if d <= 0 {
		return ctx.Err()
	}
	return o.Sleep(ctx, d)
}

// backoff sleeps wait unless attempt is the last one.
func (o *Options) backoff(ctx context.Context, attempt int, wait time.Duration) error {
	if attempt >= o.MaxRetries-1 {
		return nil
	}
	return o.Sleep(ctx, wait)
}
