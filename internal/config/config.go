// Package config loads the store-locator configuration from config.yaml,
// .env files, environment variables and command-line flags using viper.
package config

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/jonesrussell/north-cloud/store-locator/internal/delay"
	"github.com/jonesrussell/north-cloud/store-locator/internal/logger"
	"github.com/jonesrussell/north-cloud/store-locator/internal/proxy"
)

// Defaults.
const (
	DefaultAppName            = "storelocator"
	DefaultEnvironment        = "production"
	DefaultServerAddress      = ":8090"
	DefaultReadTimeout        = 30 * time.Second
	DefaultWriteTimeout       = 30 * time.Second
	DefaultIdleTimeout        = 60 * time.Second
	DefaultShutdownTimeout    = 15 * time.Second
	DefaultDataDir            = "data"
	DefaultCheckpointInterval = 100
	DefaultWorkers            = 5
	DefaultStopTimeout        = 10 * time.Second
	DefaultRestartPause       = 2 * time.Second
	DefaultRetention          = 50
	DefaultRedisStream        = "storelocator:runs"
	DefaultRedisMaxLen        = 10000
)

// Upper bounds on how long one dashboard stop or restart may block.
const (
	MaxStopTimeout  = 2 * time.Minute
	MaxRestartPause = 30 * time.Second
)

// AppConfig holds application-wide settings.
type AppConfig struct {
	Name        string `mapstructure:"name"        yaml:"name"`
	Environment string `mapstructure:"environment" yaml:"environment"`
	Debug       bool   `mapstructure:"debug"       yaml:"debug"`
}

// IsDevelopment reports whether the app runs in a development environment.
func (a AppConfig) IsDevelopment() bool {
	return a.Environment == "development" || a.Environment == "dev" || a.Debug
}

// ServerConfig configures the dashboard HTTP server.
type ServerConfig struct {
	Address         string        `mapstructure:"address"          yaml:"address"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"     yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"    yaml:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"     yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// ManagerConfig configures the scraper process manager.
type ManagerConfig struct {
	// Entrypoint is the executable spawned for scrapes. Empty means the running binary.
	Entrypoint     string        `mapstructure:"entrypoint"       yaml:"entrypoint"`
	StopTimeout    time.Duration `mapstructure:"stop_timeout"     yaml:"stop_timeout"`
	RestartPause   time.Duration `mapstructure:"restart_pause"    yaml:"restart_pause"`
	StopOnShutdown bool          `mapstructure:"stop_on_shutdown" yaml:"stop_on_shutdown"`
	// Retention is how many finished runs to keep per retailer. Zero disables cleanup.
	Retention int `mapstructure:"retention" yaml:"retention"`
}

// RedisConfig configures run event publishing.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"  yaml:"enabled"`
	Address  string `mapstructure:"address"  yaml:"address"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db"       yaml:"db"`
	Stream   string `mapstructure:"stream"   yaml:"stream"`
	MaxLen   int64  `mapstructure:"max_len"  yaml:"max_len"`
}

// RetailerConfig is the per-retailer section. Zero values inherit the
// built-in definition of the retailer. Fetcher is "proxy" (the default) or
// "http" for the plain retrying client.
type RetailerConfig struct {
	Enabled         *bool             `mapstructure:"enabled"           yaml:"enabled"`
	Name            string            `mapstructure:"name"              yaml:"name"`
	BaseURL         string            `mapstructure:"base_url"          yaml:"base_url"`
	SitemapURL      string            `mapstructure:"sitemap_url"       yaml:"sitemap_url"`
	StoreURLPattern string            `mapstructure:"store_url_pattern" yaml:"store_url_pattern"`
	Schedule        string            `mapstructure:"schedule"          yaml:"schedule"`
	Proxy           map[string]any    `mapstructure:"proxy"             yaml:"proxy"`
	Delays          *delay.Policy     `mapstructure:"delays"            yaml:"delays"`
	Exports         []string          `mapstructure:"exports"           yaml:"exports"`
	Headers         map[string]string `mapstructure:"headers"           yaml:"headers"`
	Fetcher         string            `mapstructure:"fetcher"           yaml:"fetcher"`
}

// IsEnabled reports the enabled flag, defaulting to true when unset.
func (r RetailerConfig) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// Config is the root configuration.
type Config struct {
	App    AppConfig     `mapstructure:"app"    yaml:"app"`
	Logger logger.Config `mapstructure:"logger" yaml:"logger"`
	Server ServerConfig  `mapstructure:"server" yaml:"server"`

	DataDir            string         `mapstructure:"data_dir"            yaml:"data_dir"`
	Proxy              map[string]any `mapstructure:"proxy"               yaml:"proxy"`
	Delays             delay.Policy   `mapstructure:"delays"              yaml:"delays"`
	CheckpointInterval int            `mapstructure:"checkpoint_interval" yaml:"checkpoint_interval"`
	Workers            int            `mapstructure:"workers"             yaml:"workers"`

	Manager   ManagerConfig             `mapstructure:"manager"   yaml:"manager"`
	Redis     RedisConfig               `mapstructure:"redis"     yaml:"redis"`
	Retailers map[string]RetailerConfig `mapstructure:"retailers" yaml:"retailers"`
}

// Load unmarshals v into a Config, applies defaults and validates it.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(DecodeHook())); err != nil {
		return nil, &LoadError{File: v.ConfigFileUsed(), Err: err}
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DecodeHook decodes durations as seconds and comma-separated strings as slices.
func DecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		delay.SecondsHook,
		mapstructure.StringToSliceHookFunc(","),
	)
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.App.Name == "" {
		c.App.Name = DefaultAppName
	}
	if c.App.Environment == "" {
		c.App.Environment = DefaultEnvironment
	}
	if c.App.IsDevelopment() && c.Logger.Format == "" {
		c.Logger.Format = logger.FormatConsole
		c.Logger.Development = true
	}
	if c.App.Debug && c.Logger.Level == "" {
		c.Logger.Level = "debug"
	}
	c.Logger.SetDefaults()

	setServerDefaults(&c.Server)

	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	if c.Proxy == nil {
		c.Proxy = map[string]any{}
	}
	defaults := delay.DefaultPolicy()
	if c.Delays.Direct == (delay.Profile{}) {
		c.Delays.Direct = defaults.Direct
	}
	if c.Delays.Proxied == (delay.Profile{}) {
		c.Delays.Proxied = defaults.Proxied
	}
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = DefaultCheckpointInterval
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}

	if c.Manager.StopTimeout <= 0 {
		c.Manager.StopTimeout = DefaultStopTimeout
	}
	if c.Manager.RestartPause <= 0 {
		c.Manager.RestartPause = DefaultRestartPause
	}
	if c.Manager.Retention < 0 {
		c.Manager.Retention = 0
	}

	if c.Redis.Stream == "" {
		c.Redis.Stream = DefaultRedisStream
	}
	if c.Redis.MaxLen <= 0 {
		c.Redis.MaxLen = DefaultRedisMaxLen
	}
	if c.Retailers == nil {
		c.Retailers = map[string]RetailerConfig{}
	}
}

func setServerDefaults(s *ServerConfig) {
	if s.Address == "" {
		s.Address = DefaultServerAddress
	}
	if s.ReadTimeout == 0 {
		s.ReadTimeout = DefaultReadTimeout
	}
	if s.WriteTimeout == 0 {
		s.WriteTimeout = DefaultWriteTimeout
	}
	if s.IdleTimeout == 0 {
		s.IdleTimeout = DefaultIdleTimeout
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = DefaultShutdownTimeout
	}
}

// RetailerNames returns the configured retailer keys in sorted order.
func (c *Config) RetailerNames() []string {
	return slices.Sorted(maps.Keys(c.Retailers))
}

// Retailer returns the section for name.
func (c *Config) Retailer(name string) (RetailerConfig, bool) {
	r, ok := c.Retailers[strings.ToLower(name)]
	return r, ok
}

// ProxyFor builds the proxy configuration of a retailer: the global proxy
// section overlaid with the retailer's own proxy section.
func (c *Config) ProxyFor(retailer string) (proxy.Config, error) {
	merged := maps.Clone(c.Proxy)
	if merged == nil {
		merged = map[string]any{}
	}
	if r, ok := c.Retailer(retailer); ok {
		maps.Copy(merged, r.Proxy)
	}
	cfg, err := proxy.ConfigFromMap(merged)
	if err != nil {
		return proxy.Config{}, fmt.Errorf("retailer %s: %w", retailer, err)
	}
	return cfg, nil
}

// DelaysFor returns the retailer's delay policy, or the global one.
func (c *Config) DelaysFor(retailer string) delay.Policy {
	if r, ok := c.Retailer(retailer); ok && r.Delays != nil {
		return *r.Delays
	}
	return c.Delays
}
