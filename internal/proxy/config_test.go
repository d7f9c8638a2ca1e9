package proxy_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/store-locator/internal/proxy"
)

const (
	resUser = "res-user"
	resPass = "res-pass"
	apiUser = "api-user"
	apiPass = "api-pass"
)

// clearProxyEnv blanks every variable the proxy package falls back to.
func clearProxyEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		proxy.EnvMode, proxy.EnvCountry, proxy.EnvCity, proxy.EnvState,
		proxy.EnvSessionType, proxy.EnvSessionID, proxy.EnvRenderJS,
		proxy.EnvResidentialUsername, proxy.EnvResidentialPassword,
		proxy.EnvScraperAPIUsername, proxy.EnvScraperAPIPassword,
		proxy.EnvLegacyUsername, proxy.EnvLegacyPassword,
	} {
		t.Setenv(key, "")
	}
}

func TestParseMode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    proxy.Mode
		wantErr bool
	}{
		{"", proxy.ModeDirect, false},
		{"direct", proxy.ModeDirect, false},
		{"Residential", proxy.ModeResidential, false},
		{"web_scraper_api", proxy.ModeWebScraperAPI, false},
		{"scraper_api", proxy.ModeWebScraperAPI, false},
		{"socks5", "", true},
	}

	for _, tt := range tests {
		got, err := proxy.ParseMode(tt.in)
		if tt.wantErr {
			require.ErrorIs(t, err, proxy.ErrUnknownMode, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestConfig_CredentialIsolation(t *testing.T) {
	t.Parallel()

	cfg := proxy.Config{
		Mode:                proxy.ModeWebScraperAPI,
		ResidentialUsername: resUser,
		ResidentialPassword: resPass,
		ScraperAPIUsername:  apiUser,
		ScraperAPIPassword:  apiPass,
	}
	assert.Equal(t, apiUser, cfg.Username())
	assert.Equal(t, apiPass, cfg.Password())

	cfg.Mode = proxy.ModeResidential
	assert.Equal(t, resUser, cfg.Username())
	assert.Equal(t, resPass, cfg.Password())

	cfg.Mode = proxy.ModeDirect
	assert.Empty(t, cfg.Username())
	assert.Empty(t, cfg.Password())
}

func TestConfig_ScraperAPIWithoutOwnCredentialsIsInvalid(t *testing.T) {
	t.Parallel()

	cfg := proxy.Config{
		Mode:                proxy.ModeWebScraperAPI,
		ResidentialUsername: resUser,
		ResidentialPassword: resPass,
	}
	assert.Empty(t, cfg.Username())
	require.ErrorIs(t, cfg.Validate(), proxy.ErrMissingCredentials)
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	require.NoError(t, proxy.Config{Mode: proxy.ModeDirect}.Validate())
	require.ErrorIs(t, proxy.Config{Mode: proxy.ModeResidential}.Validate(), proxy.ErrMissingCredentials)
	require.ErrorIs(t, proxy.Config{Mode: proxy.ModeResidential, ResidentialUsername: resUser}.Validate(),
		proxy.ErrMissingCredentials)
	require.NoError(t, proxy.Config{
		Mode: proxy.ModeResidential, ResidentialUsername: resUser, ResidentialPassword: resPass,
	}.Validate())
	require.ErrorIs(t, proxy.Config{Mode: "carrier-pigeon"}.Validate(), proxy.ErrUnknownMode)
}

func TestConfigFromMap_RoundTrip(t *testing.T) {
	clearProxyEnv(t)

	cfg, err := proxy.ConfigFromMap(map[string]any{
		"mode":                 "scraper_api",
		"residential_username": resUser,
		"residential_password": resPass,
		"scraper_api_username": apiUser,
		"scraper_api_password": apiPass,
		"country_code":         "us",
		"render_js":            "true",
		"timeout":              90,
		"retry_delay":          1.5,
		"min_delay":            "250ms",
		"max_retries":          "5",
		"unknown_key":          "ignored",
	})
	require.NoError(t, err)

	assert.Equal(t, proxy.ModeWebScraperAPI, cfg.Mode)
	assert.Equal(t, apiUser, cfg.Username())
	assert.Equal(t, apiPass, cfg.Password())
	assert.True(t, cfg.RenderJS)
	assert.Equal(t, 90*time.Second, cfg.Timeout)
	assert.Equal(t, 1500*time.Millisecond, cfg.RetryDelay)
	assert.Equal(t, 250*time.Millisecond, cfg.MinDelay)
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, proxy.DefaultScraperAPIEndpoint, cfg.ScraperAPIEndpoint)
}

func TestConfigFromMap_UnknownMode(t *testing.T) {
	clearProxyEnv(t)

	_, err := proxy.ConfigFromMap(map[string]any{"mode": "tor"})
	require.ErrorIs(t, err, proxy.ErrUnknownMode)
}

func TestConfigFromMap_EnvFallbacks(t *testing.T) {
	clearProxyEnv(t)
	t.Setenv(proxy.EnvResidentialUsername, "env-res")
	t.Setenv(proxy.EnvResidentialPassword, "env-res-pw")
	t.Setenv(proxy.EnvLegacyUsername, "legacy")
	t.Setenv(proxy.EnvLegacyPassword, "legacy-pw")

	cfg, err := proxy.ConfigFromMap(map[string]any{"mode": "residential"})
	require.NoError(t, err)
	assert.Equal(t, "env-res", cfg.Username())
	assert.Equal(t, "env-res-pw", cfg.Password())

	// The scraper API pair has no specific variables set, so the legacy pair fills it.
	assert.Equal(t, "legacy", cfg.ScraperAPIUsername)
	assert.Equal(t, "legacy-pw", cfg.ScraperAPIPassword)
}

func TestConfigFromMap_ExplicitValuesBeatEnv(t *testing.T) {
	clearProxyEnv(t)
	t.Setenv(proxy.EnvScraperAPIUsername, "env-api")
	t.Setenv(proxy.EnvScraperAPIPassword, "env-api-pw")

	cfg, err := proxy.ConfigFromMap(map[string]any{
		"mode":                 "web_scraper_api",
		"scraper_api_username": apiUser,
		"scraper_api_password": apiPass,
	})
	require.NoError(t, err)
	assert.Equal(t, apiUser, cfg.Username())
	assert.Equal(t, apiPass, cfg.Password())
}

func TestConfigFromEnv(t *testing.T) {
	clearProxyEnv(t)
	t.Setenv(proxy.EnvMode, "residential")
	t.Setenv(proxy.EnvCountry, "ca")
	t.Setenv(proxy.EnvSessionType, "STICKY")
	t.Setenv(proxy.EnvResidentialUsername, resUser)
	t.Setenv(proxy.EnvResidentialPassword, resPass)

	cfg, err := proxy.ConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, proxy.ModeResidential, cfg.Mode)
	assert.Equal(t, "ca", cfg.CountryCode)
	assert.Equal(t, proxy.SessionSticky, cfg.SessionType)
	require.NoError(t, cfg.Validate())
}

func TestConfig_ProxyURL(t *testing.T) {
	t.Parallel()

	cfg := proxy.DefaultConfig()
	cfg.Mode = proxy.ModeResidential
	cfg.ResidentialUsername = "bob"
	cfg.ResidentialPassword = "p@ss"
	cfg.CountryCode = "us"
	cfg.City = "New York"
	cfg.State = "us_new_york"
	cfg.SessionType = proxy.SessionSticky
	cfg.SessionID = "abc123"

	u := cfg.ProxyURL()
	assert.Equal(t, "http", u.Scheme)
	assert.Equal(t, proxy.DefaultResidentialEndpoint, u.Host)
	assert.Equal(t, "customer-bob-cc-US-city-new_york-st-us_new_york-sessid-abc123", u.User.Username())
	pw, ok := u.User.Password()
	require.True(t, ok)
	assert.Equal(t, "p@ss", pw)

	cfg.SessionType = proxy.SessionRotating
	cfg.City, cfg.State, cfg.CountryCode = "", "", ""
	assert.Equal(t, "customer-bob", cfg.ProxyURL().User.Username())
}

func TestNewConfig_ExplicitParameters(t *testing.T) {
	t.Parallel()

	cfg := proxy.NewConfig(proxy.ModeResidential,
		proxy.WithCredentials(proxy.ModeResidential, "res-user", "res-pass"),
		proxy.WithGeo("ca", "Toronto", ""),
		proxy.WithStickySession("s1"),
	)

	require.NoError(t, cfg.Validate())
	assert.Equal(t, "res-user", cfg.Username())
	assert.Equal(t, "ca", cfg.CountryCode)
	assert.Equal(t, proxy.SessionSticky, cfg.SessionType)
	assert.Equal(t, proxy.DefaultMaxRetries, cfg.MaxRetries)
}

func TestConfig_WithOverrides(t *testing.T) {
	t.Parallel()

	base := proxy.DefaultConfig()
	base.CountryCode = "us"

	unchanged := base.With(proxy.WithMode(""), proxy.WithCountry(""), proxy.WithRenderJS(false))
	assert.Equal(t, proxy.ModeDirect, unchanged.Mode)
	assert.Equal(t, "us", unchanged.CountryCode)
	assert.False(t, unchanged.RenderJS)

	changed := base.With(proxy.WithMode(proxy.ModeWebScraperAPI), proxy.WithCountry("ca"), proxy.WithRenderJS(true))
	assert.Equal(t, proxy.ModeWebScraperAPI, changed.Mode)
	assert.Equal(t, "ca", changed.CountryCode)
	assert.True(t, changed.RenderJS)
	assert.Equal(t, "us", base.CountryCode)
}
