package proxy_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/store-locator/internal/proxy"
)

func TestRequest_FullURL(t *testing.T) {
	t.Parallel()

	req := &proxy.Request{URL: "https://example.com/stores?page=1", Params: url.Values{"zip": {"10001"}}}
	got, err := req.FullURL()
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/stores?page=1&zip=10001", got)
}

func TestDirectTransport_Send(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "storelocator-test", r.Header.Get("User-Agent"))
		assert.Equal(t, "42", r.URL.Query().Get("store"))
		w.Header().Set("X-Served-By", "origin")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("hello"))
	}))
	defer srv.Close()

	cfg := proxy.DefaultConfig()
	cfg.Timeout = 5 * time.Second
	transport := proxy.NewDirectTransport(cfg)
	defer transport.Close()

	resp, err := transport.Send(context.Background(), &proxy.Request{
		URL:     srv.URL + "/stores",
		Headers: http.Header{"User-Agent": {"storelocator-test"}},
		Params:  url.Values{"store": {"42"}},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.True(t, resp.OK())
	assert.Equal(t, "hello", resp.Text())
	assert.Equal(t, "origin", resp.Headers.Get("X-Served-By"))
	assert.Equal(t, proxy.ModeDirect, resp.Mode)
	assert.True(t, strings.HasPrefix(resp.URL, srv.URL))
}

func TestResidentialTransport_SendsThroughGateway(t *testing.T) {
	t.Parallel()

	seen := make(chan [2]string, 1)
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- [2]string{r.Header.Get("Proxy-Authorization"), r.URL.String()}
		_, _ = w.Write([]byte("via gateway"))
	}))
	defer gateway.Close()

	cfg := proxy.DefaultConfig()
	cfg.Mode = proxy.ModeResidential
	cfg.ResidentialUsername = "bob"
	cfg.ResidentialPassword = "secret"
	cfg.CountryCode = "us"
	cfg.ResidentialEndpoint = strings.TrimPrefix(gateway.URL, "http://")

	transport := proxy.NewResidentialTransport(cfg)
	defer transport.Close()

	resp, err := transport.Send(context.Background(), &proxy.Request{URL: "http://stores.example.test/1"})
	require.NoError(t, err)
	assert.Equal(t, "via gateway", resp.Text())
	assert.Equal(t, proxy.ModeResidential, resp.Mode)
	got := <-seen
	want := "Basic " + base64.StdEncoding.EncodeToString([]byte("customer-bob-cc-US:secret"))
	assert.Equal(t, want, got[0])
	assert.Equal(t, "http://stores.example.test/1", got[1])
}

func TestManagedAPITransport_Send(t *testing.T) {
	t.Parallel()

	payloads := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, apiUser, user)
		assert.Equal(t, apiPass, pass)
		var payload map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		payloads <- payload

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"results": [{"content": "<html>store</html>", "status_code": 200, "url": "https://www.telus.com/stores/9"}],
			"job_id": "job-77",
			"credits_used": 2.5
		}`))
	}))
	defer srv.Close()

	cfg := proxy.DefaultConfig()
	cfg.Mode = proxy.ModeWebScraperAPI
	cfg.ScraperAPIUsername = apiUser
	cfg.ScraperAPIPassword = apiPass
	cfg.ResidentialUsername = resUser
	cfg.CountryCode = "CA"
	cfg.Parse = true
	cfg.ScraperAPIEndpoint = srv.URL

	transport := proxy.NewManagedAPITransport(cfg)
	defer transport.Close()

	resp, err := transport.Send(context.Background(), &proxy.Request{
		URL:      "https://www.telus.com/stores/9",
		Headers:  http.Header{"Accept-Language": {"en-CA"}},
		RenderJS: true,
	})
	require.NoError(t, err)

	payload := <-payloads
	assert.Equal(t, "universal", payload["source"])
	assert.Equal(t, "https://www.telus.com/stores/9", payload["url"])
	assert.Equal(t, "CA", payload["geo_location"])
	assert.Equal(t, "html", payload["render"])
	assert.Equal(t, true, payload["parse"])
	assert.Equal(t, map[string]any{"Accept-Language": "en-CA"}, payload["custom_headers"])

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "<html>store</html>", resp.Text())
	assert.Equal(t, "job-77", resp.JobID)
	assert.InDelta(t, 2.5, resp.CreditsUsed, 0.001)
	assert.Equal(t, proxy.ModeWebScraperAPI, resp.Mode)
}

func TestManagedAPITransport_ParsedContentKeptAsJSON(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"results": [{"content": {"stores": [1, 2]}, "status_code": 200, "job_id": "inner"}]}`))
	}))
	defer srv.Close()

	cfg := proxy.DefaultConfig()
	cfg.ScraperAPIEndpoint = srv.URL
	resp, err := proxy.NewManagedAPITransport(cfg).Send(context.Background(), &proxy.Request{URL: "https://x.test"})
	require.NoError(t, err)

	var body struct {
		Stores []int `json:"stores"`
	}
	require.NoError(t, resp.JSON(&body))
	assert.Equal(t, []int{1, 2}, body.Stores)
	assert.Equal(t, "inner", resp.JobID)
	assert.Equal(t, "https://x.test", resp.URL)
}

func TestManagedAPITransport_APIStatusPassedThrough(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"Unauthorized"}`))
	}))
	defer srv.Close()

	cfg := proxy.DefaultConfig()
	cfg.ScraperAPIEndpoint = srv.URL
	resp, err := proxy.NewManagedAPITransport(cfg).Send(context.Background(), &proxy.Request{URL: "https://x.test"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestManagedAPITransport_EmptyResults(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"results": []}`))
	}))
	defer srv.Close()

	cfg := proxy.DefaultConfig()
	cfg.ScraperAPIEndpoint = srv.URL
	_, err := proxy.NewManagedAPITransport(cfg).Send(context.Background(), &proxy.Request{URL: "https://x.test"})
	require.ErrorIs(t, err, proxy.ErrEmptyResult)
}

func TestNewTransport(t *testing.T) {
	t.Parallel()

	for _, mode := range []proxy.Mode{proxy.ModeDirect, proxy.ModeResidential, proxy.ModeWebScraperAPI} {
		cfg := proxy.DefaultConfig()
		cfg.Mode = mode
		transport, err := proxy.NewTransport(cfg)
		require.NoError(t, err, mode)
		require.NoError(t, transport.Close())
	}

	_, err := proxy.NewTransport(proxy.Config{Mode: "bogus"})
	require.ErrorIs(t, err, proxy.ErrUnknownMode)
}
