package proxy

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Response is the transport-agnostic result of one request attempt.
type Response struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
	// URL is the final URL after redirects, or the target URL for the scraper API.
	URL     string
	Elapsed time.Duration
	Mode    Mode

	// Set by the scraper API only.
	JobID       string
	CreditsUsed float64
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.StatusCode >= http.StatusOK && r.StatusCode < http.StatusMultipleChoices
}

// Text returns the body as a string.
func (r *Response) Text() string {
	return string(r.Body)
}

// JSON decodes the body into v.
func (r *Response) JSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode %s response body: %w", r.Mode, err)
	}
	return nil
}
