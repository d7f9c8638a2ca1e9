package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

const apiSource = "universal"

type apiPayload struct {
	Source        string            `json:"source"`
	URL           string            `json:"url"`
	GeoLocation   string            `json:"geo_location,omitempty"`
	Render        string            `json:"render,omitempty"`
	CustomHeaders map[string]string `json:"custom_headers,omitempty"`
	Parse         bool              `json:"parse,omitempty"`
}

type apiResult struct {
	Content    json.RawMessage `json:"content"`
	StatusCode int             `json:"status_code"`
	URL        string          `json:"url"`
	JobID      string          `json:"job_id"`
}

type apiEnvelope struct {
	Results     []apiResult `json:"results"`
	JobID       string      `json:"job_id"`
	CreditsUsed float64     `json:"credits_used"`
}

// ManagedAPITransport submits each request to the realtime scraper API.
// It holds no per-target session; every call is an independent POST.
type ManagedAPITransport struct {
	client   *resty.Client
	endpoint string
	geo      string
	parse    bool
}

// NewManagedAPITransport authenticates with the scraper API credential pair of cfg.
func NewManagedAPITransport(cfg Config) *ManagedAPITransport {
	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetBasicAuth(cfg.ScraperAPIUsername, cfg.ScraperAPIPassword).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &ManagedAPITransport{
		client:   client,
		endpoint: cfg.ScraperAPIEndpoint,
		geo:      cfg.CountryCode,
		parse:    cfg.Parse,
	}
}

// Send posts the job and unwraps the first result. The API's own non-200
// statuses (bad credentials, throttling) are returned as the response status
// so the caller's retry policy applies to them.
func (t *ManagedAPITransport) Send(ctx context.Context, req *Request) (*Response, error) {
	target, err := req.FullURL()
	if err != nil {
		return nil, err
	}

	payload := apiPayload{
		Source:      apiSource,
		URL:         target,
		GeoLocation: t.geo,
		Parse:       t.parse,
	}
	if req.RenderJS {
		payload.Render = "html"
	}
	if len(req.Headers) > 0 {
		payload.CustomHeaders = make(map[string]string, len(req.Headers))
		for key := range req.Headers {
			payload.CustomHeaders[key] = req.Headers.Get(key)
		}
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := t.client.R().
		SetContext(ctx).
		SetBody(payload).
		Post(t.endpoint)
	if err != nil {
		return nil, err
	}
	elapsed := time.Since(start)

	if resp.StatusCode() != http.StatusOK {
		return &Response{
			StatusCode: resp.StatusCode(),
			Body:       resp.Body(),
			Headers:    resp.Header(),
			URL:        target,
			Elapsed:    elapsed,
			Mode:       ModeWebScraperAPI,
		}, nil
	}

	var envelope apiEnvelope
	if err = json.Unmarshal(resp.Body(), &envelope); err != nil {
		return nil, fmt.Errorf("decode scraper api response: %w", err)
	}
	if len(envelope.Results) == 0 {
		return nil, ErrEmptyResult
	}

	result := envelope.Results[0]
	jobID := envelope.JobID
	if jobID == "" {
		jobID = result.JobID
	}
	finalURL := result.URL
	if finalURL == "" {
		finalURL = target
	}

	return &Response{
		StatusCode:  result.StatusCode,
		Body:        unwrapContent(result.Content),
		Headers:     resp.Header(),
		URL:         finalURL,
		Elapsed:     elapsed,
		Mode:        ModeWebScraperAPI,
		JobID:       jobID,
		CreditsUsed: envelope.CreditsUsed,
	}, nil
}

// unwrapContent returns HTML content as raw text and parsed content as JSON.
func unwrapContent(raw json.RawMessage) []byte {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return []byte(s)
		}
	}
	return trimmed
}

// Close releases idle connections of the underlying client.
func (t *ManagedAPITransport) Close() error {
	t.client.GetClient().CloseIdleConnections()
	return nil
}
