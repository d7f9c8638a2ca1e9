package proxy

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/jonesrussell/north-cloud/store-locator/internal/delay"
)

// Endpoints of the Oxylabs services.
const (
	DefaultResidentialEndpoint = "pr.oxylabs.io:7777"
	DefaultScraperAPIEndpoint  = "https://realtime.oxylabs.io/v1/queries"
)

// Tuning defaults.
const (
	DefaultTimeout    = 60 * time.Second
	DefaultMaxRetries = 3
	DefaultRetryDelay = 2 * time.Second
	DefaultMinDelay   = 2 * time.Second
	DefaultMaxDelay   = 5 * time.Second
)

// Environment variables consulted by ConfigFromEnv and as credential fallbacks.
const (
	EnvMode                = "PROXY_MODE"
	EnvCountry             = "PROXY_COUNTRY"
	EnvCity                = "PROXY_CITY"
	EnvState               = "PROXY_STATE"
	EnvSessionType         = "PROXY_SESSION_TYPE"
	EnvSessionID           = "PROXY_SESSION_ID"
	EnvRenderJS            = "PROXY_RENDER_JS"
	EnvResidentialUsername = "OXYLABS_RESIDENTIAL_USERNAME"
	EnvResidentialPassword = "OXYLABS_RESIDENTIAL_PASSWORD"
	EnvScraperAPIUsername  = "OXYLABS_SCRAPER_API_USERNAME"
	EnvScraperAPIPassword  = "OXYLABS_SCRAPER_API_PASSWORD"
	EnvLegacyUsername      = "OXYLABS_USERNAME"
	EnvLegacyPassword      = "OXYLABS_PASSWORD"
)

// Config is the per-run proxy configuration. Treat it as read-only once built.
type Config struct {
	Mode Mode `mapstructure:"mode" yaml:"mode"`

	ResidentialUsername string `mapstructure:"residential_username" yaml:"residential_username"`
	ResidentialPassword string `mapstructure:"residential_password" yaml:"residential_password"`
	ScraperAPIUsername  string `mapstructure:"scraper_api_username" yaml:"scraper_api_username"`
	ScraperAPIPassword  string `mapstructure:"scraper_api_password" yaml:"scraper_api_password"`

	CountryCode string      `mapstructure:"country_code" yaml:"country_code"`
	City        string      `mapstructure:"city"         yaml:"city"`
	State       string      `mapstructure:"state"        yaml:"state"`
	SessionType SessionType `mapstructure:"session_type" yaml:"session_type"`
	SessionID   string      `mapstructure:"session_id"   yaml:"session_id"`

	RenderJS bool `mapstructure:"render_js" yaml:"render_js"`
	Parse    bool `mapstructure:"parse"     yaml:"parse"`

	Timeout    time.Duration `mapstructure:"timeout"     yaml:"timeout"`
	MaxRetries int           `mapstructure:"max_retries" yaml:"max_retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	MinDelay   time.Duration `mapstructure:"min_delay"   yaml:"min_delay"`
	MaxDelay   time.Duration `mapstructure:"max_delay"   yaml:"max_delay"`

	ResidentialEndpoint string `mapstructure:"residential_endpoint" yaml:"residential_endpoint"`
	ScraperAPIEndpoint  string `mapstructure:"scraper_api_endpoint" yaml:"scraper_api_endpoint"`
}

// DefaultConfig returns a direct-mode configuration with default tuning.
func DefaultConfig() Config {
	return Config{
		Mode:                ModeDirect,
		SessionType:         SessionRotating,
		Timeout:             DefaultTimeout,
		MaxRetries:          DefaultMaxRetries,
		RetryDelay:          DefaultRetryDelay,
		MinDelay:            DefaultMinDelay,
		MaxDelay:            DefaultMaxDelay,
		ResidentialEndpoint: DefaultResidentialEndpoint,
		ScraperAPIEndpoint:  DefaultScraperAPIEndpoint,
	}
}

// WithDefaults returns c with zero-valued tuning fields replaced by defaults.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.Mode == "" {
		c.Mode = d.Mode
	}
	if c.SessionType == "" {
		c.SessionType = d.SessionType
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.MinDelay < 0 {
		c.MinDelay = 0
	}
	if c.MaxDelay < c.MinDelay {
		c.MaxDelay = c.MinDelay
	}
	if c.ResidentialEndpoint == "" {
		c.ResidentialEndpoint = d.ResidentialEndpoint
	}
	if c.ScraperAPIEndpoint == "" {
		c.ScraperAPIEndpoint = d.ScraperAPIEndpoint
	}
	return c
}

// Username returns the username of the active mode's credential pair.
// Direct mode has no credentials.
func (c Config) Username() string {
	switch c.Mode {
	case ModeResidential:
		return c.ResidentialUsername
	case ModeWebScraperAPI:
		return c.ScraperAPIUsername
	default:
		return ""
	}
}

// Password returns the password of the active mode's credential pair.
func (c Config) Password() string {
	switch c.Mode {
	case ModeResidential:
		return c.ResidentialPassword
	case ModeWebScraperAPI:
		return c.ScraperAPIPassword
	default:
		return ""
	}
}

// Validate reports whether the configuration can be used as-is.
// Direct mode is always valid; proxied modes need both halves of their own credential pair.
func (c Config) Validate() error {
	if !c.Mode.IsValid() {
		return fmt.Errorf("%w: %q", ErrUnknownMode, c.Mode)
	}
	if c.Mode == ModeDirect {
		return nil
	}
	if c.Username() == "" || c.Password() == "" {
		return fmt.Errorf("%w for mode %s", ErrMissingCredentials, c.Mode)
	}
	return nil
}

// ProxyURL builds the residential gateway URL with targeting encoded in the username:
// customer-{user}[-cc-{CC}][-city-{city}][-st-{state}][-sessid-{id}]:{password}@{endpoint}
func (c Config) ProxyURL() *url.URL {
	var user strings.Builder
	user.WriteString("customer-")
	user.WriteString(c.ResidentialUsername)
	if c.CountryCode != "" {
		user.WriteString("-cc-")
		user.WriteString(strings.ToUpper(c.CountryCode))
	}
	if c.City != "" {
		user.WriteString("-city-")
		user.WriteString(strings.ReplaceAll(strings.ToLower(c.City), " ", "_"))
	}
	if c.State != "" {
		user.WriteString("-st-")
		user.WriteString(strings.ToLower(c.State))
	}
	if c.SessionType == SessionSticky && c.SessionID != "" {
		user.WriteString("-sessid-")
		user.WriteString(c.SessionID)
	}

	return &url.URL{
		Scheme: "http",
		User:   url.UserPassword(user.String(), c.ResidentialPassword),
		Host:   c.ResidentialEndpoint,
	}
}

// ConfigFromEnv builds a configuration from the process environment.
func ConfigFromEnv() (Config, error) {
	return configFromLookup(os.LookupEnv)
}

func configFromLookup(lookup func(string) (string, bool)) (Config, error) {
	get := func(key string) string {
		v, _ := lookup(key)
		return strings.TrimSpace(v)
	}

	cfg := DefaultConfig()
	mode, err := ParseMode(get(EnvMode))
	if err != nil {
		return Config{}, err
	}
	cfg.Mode = mode
	cfg.CountryCode = get(EnvCountry)
	cfg.City = get(EnvCity)
	cfg.State = get(EnvState)
	if st := get(EnvSessionType); st != "" {
		cfg.SessionType = SessionType(strings.ToLower(st))
	}
	cfg.SessionID = get(EnvSessionID)
	if v := get(EnvRenderJS); v != "" {
		cfg.RenderJS, _ = strconv.ParseBool(v)
	}
	cfg.applyCredentialFallbacks(get)
	return cfg, nil
}

// ConfigFromMap decodes a YAML-style map. Numeric durations are seconds;
// strings accept Go duration syntax ("1500ms") or plain seconds ("2.5").
// Credentials left empty fall back to the environment.
func ConfigFromMap(m map[string]any) (Config, error) {
	cfg := DefaultConfig()

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       delay.SecondsHook,
		WeaklyTypedInput: true,
		Result:           &cfg,
		TagName:          "mapstructure",
	})
	if err != nil {
		return Config{}, fmt.Errorf("create proxy config decoder: %w", err)
	}
	if err = decoder.Decode(m); err != nil {
		return Config{}, fmt.Errorf("decode proxy config: %w", err)
	}

	mode, err := ParseMode(string(cfg.Mode))
	if err != nil {
		return Config{}, err
	}
	cfg.Mode = mode
	cfg.SessionType = SessionType(strings.ToLower(string(cfg.SessionType)))

	cfg.applyCredentialFallbacks(func(key string) string {
		return strings.TrimSpace(os.Getenv(key))
	})
	return cfg.WithDefaults(), nil
}

// applyCredentialFallbacks fills empty credentials from mode-specific then legacy variables.
func (c *Config) applyCredentialFallbacks(get func(string) string) {
	legacyUser, legacyPass := get(EnvLegacyUsername), get(EnvLegacyPassword)

	fill := func(dst *string, key string) {
		if *dst == "" {
			*dst = get(key)
		}
	}

	fill(&c.ResidentialUsername, EnvResidentialUsername)
	fill(&c.ResidentialPassword, EnvResidentialPassword)
	fill(&c.ScraperAPIUsername, EnvScraperAPIUsername)
	fill(&c.ScraperAPIPassword, EnvScraperAPIPassword)

	if c.ResidentialUsername == "" && c.ResidentialPassword == "" {
		c.ResidentialUsername, c.ResidentialPassword = legacyUser, legacyPass
	}
	if c.ScraperAPIUsername == "" && c.ScraperAPIPassword == "" {
		c.ScraperAPIUsername, c.ScraperAPIPassword = legacyUser, legacyPass
	}
}

// ConfigOption adjusts a Config built by NewConfig or Config.With.
type ConfigOption func(*Config)

// WithCredentials sets the credential pair of mode.
func WithCredentials(mode Mode, username, password string) ConfigOption {
	return func(c *Config) {
		switch mode {
		case ModeResidential:
			c.ResidentialUsername, c.ResidentialPassword = username, password
		case ModeWebScraperAPI:
			c.ScraperAPIUsername, c.ScraperAPIPassword = username, password
		case ModeDirect:
		}
	}
}

// WithCountry sets the geo country code. Empty leaves the current value.
func WithCountry(code string) ConfigOption {
	return func(c *Config) {
		if code != "" {
			c.CountryCode = code
		}
	}
}

// WithGeo sets country, city and state targeting.
func WithGeo(country, city, state string) ConfigOption {
	return func(c *Config) {
		c.CountryCode, c.City, c.State = country, city, state
	}
}

// WithStickySession pins the exit IP to id for the lifetime of the client.
func WithStickySession(id string) ConfigOption {
	return func(c *Config) {
		c.SessionType = SessionSticky
		c.SessionID = id
	}
}

// WithRenderJS asks the Web Scraper API to render pages. false leaves the current value.
func WithRenderJS(render bool) ConfigOption {
	return func(c *Config) {
		if render {
			c.RenderJS = true
		}
	}
}

// WithMode switches the mode. Empty leaves the current value.
func WithMode(mode Mode) ConfigOption {
	return func(c *Config) {
		if mode != "" {
			c.Mode = mode
		}
	}
}

// NewConfig builds a configuration from explicit parameters. Credentials not
// supplied fall back to the environment.
func NewConfig(mode Mode, opts ...ConfigOption) Config {
	cfg := DefaultConfig()
	cfg.Mode = mode
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.applyCredentialFallbacks(func(key string) string {
		return strings.TrimSpace(os.Getenv(key))
	})
	return cfg.WithDefaults()
}

// With returns a copy of c with opts applied.
func (c Config) With(opts ...ConfigOption) Config {
	for _, opt := range opts {
		opt(&c)
	}
	return c.WithDefaults()
}
