package retailers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/jonesrussell/north-cloud/store-locator/internal/config"
	"github.com/jonesrussell/north-cloud/store-locator/internal/delay"
	"github.com/jonesrussell/north-cloud/store-locator/internal/httpclient"
	"github.com/jonesrussell/north-cloud/store-locator/internal/logger"
	"github.com/jonesrussell/north-cloud/store-locator/internal/proxy"
	"github.com/jonesrussell/north-cloud/store-locator/internal/redact"
	"github.com/jonesrussell/north-cloud/store-locator/internal/retry"
)

// ErrUnexpectedStatus is returned for a non-2xx page.
var ErrUnexpectedStatus = errors.New("unexpected status")

// Fetcher downloads one page. A Fetcher is owned by a single worker.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) ([]byte, error)
	Close() error
}

// FetcherFactory builds a fresh Fetcher for each worker.
type FetcherFactory func() Fetcher

// FetcherOptions carries the collaborators shared by every fetcher of a run.
type FetcherOptions struct {
	Logger   logger.Logger
	Observer proxy.Observer
	// Sleep replaces backoff and pacing sleeps in tests.
	Sleep retry.SleepFunc
	// ProxyOverride adjusts the retailer's proxy configuration for this run.
	ProxyOverride []proxy.ConfigOption
}

// NewFetcherFactory returns the factory matching def.Fetcher.
func NewFetcherFactory(def *Definition, opts FetcherOptions) FetcherFactory {
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	headers := make(http.Header, len(def.Headers))
	for k, v := range def.Headers {
		headers.Set(k, v)
	}

	if def.Fetcher == config.FetcherHTTP {
		profile := def.Delays.Direct
		return func() Fetcher {
			return &httpFetcher{
				doer: httpclient.NewSession(httpclient.SessionConfig{}),
				opts: httpclient.Options{
					MinDelay: profile.Min,
					MaxDelay: profile.Max,
					Headers:  func() http.Header { return headers.Clone() },
					Logger:   opts.Logger,
					Sleep:    opts.Sleep,
				},
			}
		}
	}

	// The client paces direct mode itself; proxied pacing happens in the fetcher.
	cfg := def.Proxy.With(opts.ProxyOverride...)
	cfg.MinDelay, cfg.MaxDelay = def.Delays.Direct.Min, def.Delays.Direct.Max

	clientOpts := []proxy.Option{proxy.WithLogger(opts.Logger)}
	if opts.Observer != nil {
		clientOpts = append(clientOpts, proxy.WithObserver(opts.Observer))
	}
	if opts.Sleep != nil {
		clientOpts = append(clientOpts, proxy.WithSleep(opts.Sleep))
	}
	return func() Fetcher {
		client := proxy.NewClient(cfg, clientOpts...)
		return &proxyFetcher{
			client:  client,
			headers: headers,
			paced:   client.Config().Mode.Proxied(),
			pace:    def.Delays.Proxied,
			sleep:   opts.Sleep,
		}
	}
}

type proxyFetcher struct {
	client  *proxy.Client
	headers http.Header

	// paced is set when the client's effective mode is proxied.
	paced bool
	pace  delay.Profile
	sleep retry.SleepFunc
}

func (f *proxyFetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	resp, err := f.client.Get(ctx, rawURL, proxy.GetOptions{Headers: f.headers})
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, fmt.Errorf("%w %d from %s", ErrUnexpectedStatus, resp.StatusCode, redact.URL(rawURL))
	}
	if f.paced {
		// A canceled wait still hands back the page already fetched.
		_ = f.pace.Wait(ctx, f.sleep)
	}
	return resp.Body, nil
}

func (f *proxyFetcher) Close() error { return f.client.Close() }

type httpFetcher struct {
	doer httpclient.Doer
	opts httpclient.Options
}

func (f *httpFetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	resp, err := httpclient.GetWithRetry(ctx, f.doer, rawURL, f.opts)
	if err != nil {
		var statusErr *httpclient.StatusError
		if errors.As(err, &statusErr) {
			return nil, fmt.Errorf("%w %d from %s", ErrUnexpectedStatus, statusErr.StatusCode, redact.URL(rawURL))
		}
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (f *httpFetcher) Close() error { return nil }
