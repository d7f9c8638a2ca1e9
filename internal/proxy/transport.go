package proxy

//go:generate mockgen -source=transport.go -destination=mocks/mock_transport.go -package=mocks

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Request describes one logical GET.
type Request struct {
	URL     string
	Headers http.Header
	// Params are merged into the URL query.
	Params   url.Values
	RenderJS bool
	// Timeout overrides the configured timeout when positive.
	Timeout time.Duration
}

// FullURL returns URL with Params merged into its query string.
func (r *Request) FullURL() (string, error) {
	if len(r.Params) == 0 {
		return r.URL, nil
	}
	u, err := url.Parse(r.URL)
	if err != nil {
		return "", fmt.Errorf("parse request url: %w", err)
	}
	q := u.Query()
	for key, values := range r.Params {
		for _, v := range values {
			q.Add(key, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Transport sends a single attempt. Implementations do not retry.
type Transport interface {
	// Send performs the request. A non-nil error means no HTTP status was obtained.
	Send(ctx context.Context, req *Request) (*Response, error)
	// Close releases pooled connections.
	Close() error
}

// NewTransport builds the transport for cfg.Mode.
func NewTransport(cfg Config) (Transport, error) {
	switch cfg.Mode {
	case ModeDirect:
		return NewDirectTransport(cfg), nil
	case ModeResidential:
		return NewResidentialTransport(cfg), nil
	case ModeWebScraperAPI:
		return NewManagedAPITransport(cfg), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, cfg.Mode)
	}
}
