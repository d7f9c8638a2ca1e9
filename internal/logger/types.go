package logger

// Output formats.
const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// Defaults applied by Config.SetDefaults.
const (
	DefaultLevel  = "info"
	DefaultFormat = FormatJSON
)

// Config configures a Logger.
type Config struct {
	Level       string   `mapstructure:"level"        yaml:"level"`
	Format      string   `mapstructure:"format"       yaml:"format"`
	Development bool     `mapstructure:"development"  yaml:"development"`
	OutputPaths []string `mapstructure:"output_paths" yaml:"output_paths"`
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.Level == "" {
		c.Level = DefaultLevel
	}
	if c.Format == "" {
		c.Format = DefaultFormat
	}
	if len(c.OutputPaths) == 0 {
		c.OutputPaths = []string{"stdout"}
	}
}

// WithLogFile returns a copy of c that writes to path instead of stdout.
// Other outputs are kept. The scraper subprocess uses it for its per-run log
// file, which is also where the manager points the subprocess's stdout.
func (c Config) WithLogFile(path string) Config {
	if path == "" {
		return c
	}
	paths := make([]string, 0, len(c.OutputPaths)+1)
	for _, p := range c.OutputPaths {
		if p != "stdout" {
			paths = append(paths, p)
		}
	}
	c.OutputPaths = append(paths, path)
	return c
}
