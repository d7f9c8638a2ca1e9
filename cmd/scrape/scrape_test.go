package scrape_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/store-locator/cmd"
	"github.com/jonesrussell/north-cloud/store-locator/internal/runs"
	"github.com/jonesrussell/north-cloud/store-locator/internal/stores"
)

const storeHTML = `<html><head><script type="application/ld+json">
{"@type": "Store", "name": "Acme {{id}}", "telephone": "555-0{{id}}",
 "address": {"streetAddress": "{{id}} Main St", "addressLocality": "Springfield", "addressCountry": "US"}}
</script></head></html>`

func newStoreSite(t *testing.T) *httptest.Server {
	t.Helper()

	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/sitemap.xml":
			_, _ = w.Write([]byte(`<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
<url><loc>` + srv.URL + `/stores/1</loc></url>
<url><loc>` + srv.URL + `/stores/2</loc></url>
</urlset>`))
		case strings.HasPrefix(r.URL.Path, "/stores/"):
			id := strings.TrimPrefix(r.URL.Path, "/stores/")
			_, _ = w.Write([]byte(strings.ReplaceAll(storeHTML, "{{id}}", id)))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeConfig(t *testing.T, siteURL string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `workers: 2
delays:
  direct:
    min_delay: 0.001
    max_delay: 0.001
retailers:
  acme:
    sitemap_url: ` + siteURL + `/sitemap.xml
    store_url_pattern: '/stores/(\d+)$'
    exports: [json, sqlite]
  walmart:
    enabled: false
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func execute(t *testing.T, args ...string) error {
	t.Helper()

	root := cmd.NewRootCommand()
	root.SetArgs(args)
	return root.ExecuteContext(context.Background())
}

func TestScrape_CompletesRun(t *testing.T) {
	site := newStoreSite(t)
	cfgFile := writeConfig(t, site.URL)
	dataDir := t.TempDir()
	logFile := filepath.Join(dataDir, "acme", "logs", "run-1.log")

	err := execute(t, "--config", cfgFile, "scrape",
		"--retailer", "acme", "--data-dir", dataDir, "--run-id", "run-1", "--log-file", logFile)
	require.NoError(t, err)

	meta, err := runs.Get(dataDir, "acme", "run-1")
	require.NoError(t, err)
	assert.Equal(t, runs.StatusComplete, meta.Status)
	assert.Equal(t, os.Getpid(), meta.PID())
	assert.InDelta(t, 2, meta.Stats[runs.StatStoresScraped], 0)
	assert.Equal(t, "direct", meta.Config["proxy_mode"])

	outDir := stores.OutputDir(dataDir, "acme")
	assert.Len(t, stores.LoadLatest(outDir), 2)
	assert.FileExists(t, filepath.Join(outDir, "stores.db"))
	assert.FileExists(t, filepath.Join(dataDir, "acme", "metrics", "scrape.prom"))

	logged, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(logged), "Scrape complete")
}

func TestScrape_RejectsUnusableRetailers(t *testing.T) {
	site := newStoreSite(t)
	cfgFile := writeConfig(t, site.URL)

	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"unknown", []string{"--retailer", "sears"}, "unknown retailer: sears"},
		{"disabled", []string{"--retailer", "walmart"}, "retailer walmart is disabled"},
		{"bad proxy mode", []string{"--retailer", "acme", "--proxy", "carrier-pigeon"}, "carrier-pigeon"},
		{"missing retailer", nil, "retailer"},
		{"limit with test", []string{"--retailer", "acme", "--limit", "3", "--test"}, "none of the others can be"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dataDir := t.TempDir()
			args := append([]string{"--config", cfgFile, "scrape", "--data-dir", dataDir, "--log-file", filepath.Join(dataDir, "x.log")}, tt.args...)

			err := execute(t, args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)

			history, histErr := runs.History(dataDir, "acme", 0)
			require.NoError(t, histErr)
			assert.Empty(t, history)
		})
	}
}

func TestScrape_FailedDiscoveryFailsRun(t *testing.T) {
	site := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(site.Close)
	cfgFile := writeConfig(t, site.URL)
	dataDir := t.TempDir()

	err := execute(t, "--config", cfgFile, "scrape",
		"--retailer", "acme", "--data-dir", dataDir, "--run-id", "run-2", "--log-file", filepath.Join(dataDir, "x.log"))
	require.Error(t, err)

	meta, err := runs.Get(dataDir, "acme", "run-2")
	require.NoError(t, err)
	assert.Equal(t, runs.StatusFailed, meta.Status)
	require.NotEmpty(t, meta.Errors)
	assert.Contains(t, meta.Errors[len(meta.Errors)-1].Message, "discover acme stores")
}
