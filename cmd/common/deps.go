// Package common provides the dependencies shared by every subcommand.
package common

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jonesrussell/north-cloud/store-locator/internal/config"
	"github.com/jonesrussell/north-cloud/store-locator/internal/logger"
)

// Persistent flags defined on the root command.
const (
	FlagConfig  = "config"
	FlagDebug   = "debug"
	FlagDataDir = "data-dir"
)

// ErrConfigRequired is returned when a command runs without loaded configuration.
var ErrConfigRequired = errors.New("config is required")

// CommandDeps holds what every command needs.
type CommandDeps struct {
	Config *config.Config
	// ConfigFile is the file the configuration was read from, if any.
	ConfigFile string
}

// Validate ensures all required dependencies are present.
func (d CommandDeps) Validate() error {
	if d.Config == nil {
		return ErrConfigRequired
	}
	return nil
}

// NewCommandDeps loads configuration honouring the root command's persistent flags.
func NewCommandDeps(cmd *cobra.Command) (CommandDeps, error) {
	cfgFile, _ := cmd.Flags().GetString(FlagConfig)

	v, err := config.NewViper(cfgFile)
	if err != nil {
		return CommandDeps{}, err
	}
	binds := map[string]string{
		"app.debug": FlagDebug,
		"data_dir":  FlagDataDir,
	}
	for key, name := range binds {
		if flag := cmd.Flags().Lookup(name); flag != nil && flag.Changed {
			if err = v.BindPFlag(key, flag); err != nil {
				return CommandDeps{}, fmt.Errorf("failed to bind %s flag: %w", name, err)
			}
		}
	}

	cfg, err := config.Load(v)
	if err != nil {
		return CommandDeps{}, fmt.Errorf("load config: %w", err)
	}
	return CommandDeps{Config: cfg, ConfigFile: v.ConfigFileUsed()}, nil
}

// NewLogger builds the command's logger. An empty logFile keeps the configured outputs.
func NewLogger(cfg logger.Config, verbose bool, logFile string) (logger.Logger, error) {
	if verbose {
		cfg.Level = "debug"
	}
	log, err := logger.New(cfg.WithLogFile(logFile))
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	return log, nil
}
