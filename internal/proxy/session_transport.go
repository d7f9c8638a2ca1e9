package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jonesrussell/north-cloud/store-locator/internal/httpclient"
)

const maxBodyBytes = 20 * 1024 * 1024

// sessionTransport issues GETs on a pooled *http.Client.
type sessionTransport struct {
	client  *http.Client
	mode    Mode
	timeout time.Duration
}

// NewDirectTransport connects to retailers from the local address.
func NewDirectTransport(cfg Config) Transport {
	return &sessionTransport{
		client:  httpclient.NewSession(httpclient.SessionConfig{Timeout: cfg.Timeout}),
		mode:    ModeDirect,
		timeout: cfg.Timeout,
	}
}

// NewResidentialTransport routes every request through the residential gateway
// built from cfg's credentials and targeting.
func NewResidentialTransport(cfg Config) Transport {
	return &sessionTransport{
		client: httpclient.NewSession(httpclient.SessionConfig{
			Timeout:  cfg.Timeout,
			ProxyURL: cfg.ProxyURL(),
		}),
		mode:    ModeResidential,
		timeout: cfg.Timeout,
	}
}

func (t *sessionTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	target, err := req.FullURL()
	if err != nil {
		return nil, err
	}

	timeout := t.timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for key, values := range req.Headers {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}

	start := time.Now()
	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Body:       body,
		Headers:    resp.Header,
		URL:        resp.Request.URL.String(),
		Elapsed:    time.Since(start),
		Mode:       t.mode,
	}, nil
}

func (t *sessionTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}
