package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes automatic environment overrides, e.g. STORELOCATOR_WORKERS.
const EnvPrefix = "STORELOCATOR"

// NewViper prepares a viper instance the way every command reads configuration:
// .env files, then defaults, then the config file (optional), then environment.
// cfgFile overrides the config.yaml search in ./ and ./config.
func NewViper(cfgFile string) (*viper.Viper, error) {
	if err := LoadEnvFiles(); err != nil {
		return nil, err
	}

	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetViperDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		// An explicit --config must exist; the search locations are optional.
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, &LoadError{File: cfgFile, Err: err}
		}
	}

	if err := BindEnv(v); err != nil {
		return nil, err
	}
	return v, nil
}

// LoadEnvFiles loads ENV_FILE when set, otherwise .env.local then .env.
// Missing files are ignored; existing variables are never overwritten.
func LoadEnvFiles() error {
	if envFile := os.Getenv("ENV_FILE"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load env file %s: %w", envFile, err)
		}
		return nil
	}
	for _, name := range []string{".env.local", ".env"} {
		if err := godotenv.Load(name); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load %s: %w", name, err)
		}
	}
	return nil
}

// SetViperDefaults registers defaults so AutomaticEnv can override every key.
func SetViperDefaults(v *viper.Viper) {
	v.SetDefault("app.name", DefaultAppName)
	v.SetDefault("app.environment", DefaultEnvironment)
	v.SetDefault("app.debug", false)

	v.SetDefault("logger.level", "")
	v.SetDefault("logger.format", "")
	v.SetDefault("logger.development", false)

	v.SetDefault("server.address", DefaultServerAddress)
	v.SetDefault("server.read_timeout", DefaultReadTimeout.String())
	v.SetDefault("server.write_timeout", DefaultWriteTimeout.String())
	v.SetDefault("server.idle_timeout", DefaultIdleTimeout.String())
	v.SetDefault("server.shutdown_timeout", DefaultShutdownTimeout.String())

	v.SetDefault("data_dir", DefaultDataDir)
	v.SetDefault("checkpoint_interval", DefaultCheckpointInterval)
	v.SetDefault("workers", DefaultWorkers)

	v.SetDefault("manager.entrypoint", "")
	v.SetDefault("manager.stop_timeout", DefaultStopTimeout.String())
	v.SetDefault("manager.restart_pause", DefaultRestartPause.String())
	v.SetDefault("manager.stop_on_shutdown", false)
	v.SetDefault("manager.retention", DefaultRetention)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.address", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.stream", DefaultRedisStream)
	v.SetDefault("redis.max_len", DefaultRedisMaxLen)
}

// BindEnv maps conventional environment variable names to config keys.
// Proxy credentials are resolved from OXYLABS_* by the proxy package itself.
func BindEnv(v *viper.Viper) error {
	binds := map[string][]string{
		"app.environment":          {"APP_ENV"},
		"app.debug":                {"APP_DEBUG"},
		"logger.level":             {"LOG_LEVEL"},
		"logger.format":            {"LOG_FORMAT"},
		"server.address":           {"SERVER_ADDRESS"},
		"data_dir":                 {"DATA_DIR"},
		"redis.enabled":            {"REDIS_ENABLED"},
		"redis.address":            {"REDIS_ADDR", "REDIS_ADDRESS"},
		"redis.password":           {"REDIS_PASSWORD"},
		"manager.stop_on_shutdown": {"STOP_SCRAPERS_ON_SHUTDOWN"},
	}
	for key, envs := range binds {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return fmt.Errorf("failed to bind %s: %w", strings.Join(envs, ","), err)
		}
	}
	return nil
}
