// Package config assembles the server's runtime configuration from
// flags and an optional YAML file: a standard-flag surface for the
// ambient settings plus a file-based layer that flags override.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the fully resolved, validated configuration the listener
// and session packages consume.
type Config struct {
	Root string

	ListenAddress string
	AutoDiscover  bool // true when ListenAddress was not supplied and must be discovered

	Debug bool

	BlksizeCeiling int
	TimeoutCeiling time.Duration
	RetryBudget    int

	RateLimit float64
	RateBurst int

	NormalLogFile string
	DebugLogFile  string
	ErrorLogFile  string
}

// FileConfig is the shape of an optional YAML configuration file
// supplied via -config. Flags always take precedence over the file:
// anything the operator bothers to pass explicitly wins.
type FileConfig struct {
	Root           string  `yaml:"root"`
	Listen         string  `yaml:"listen"`
	Debug          bool    `yaml:"debug"`
	BlksizeCeiling int     `yaml:"blksize_ceiling"`
	TimeoutCeiling int     `yaml:"timeout_ceiling_seconds"`
	RetryBudget    int     `yaml:"retry_budget"`
	RateLimit      float64 `yaml:"rate_limit"`
	RateBurst      int     `yaml:"rate_burst"`
	NormalLogFile  string  `yaml:"normal_log"`
	DebugLogFile   string  `yaml:"debug_log"`
	ErrorLogFile   string  `yaml:"error_log"`
}

// LoadFileConfig reads and parses a YAML config file. It does not
// validate the values; Resolve validates the merged configuration.
func LoadFileConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %q: %w", path, err)
	}

	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("config: parsing %q: %w", path, err)
	}

	return &fc, nil
}

// Defaults, matching the session package's negotiated-option limits.
const (
	DefaultBlksizeCeiling = 65464
	DefaultTimeoutCeiling = 255 * time.Second
	DefaultRetryBudget    = 5
	DefaultRateLimit      = 50.0
	DefaultRateBurst      = 20
)

// Flags holds the parsed command-line flag values before they are
// merged with an optional file and validated into a Config.
type Flags struct {
	Root string

	Listen         string
	ConfigFile     string
	BlksizeCeiling int
	TimeoutCeiling int
	RetryBudget    int
	RateLimit      float64
	RateBurst      int
	Debug          bool
	NormalLogFile  string
	DebugLogFile   string
	ErrorLogFile   string
}

// ParseFlags defines and parses the CLI surface: the standard flag
// package plus a single positional argument for the served root.
func ParseFlags(fs *flag.FlagSet, args []string) (*Flags, error) {
	f := &Flags{}

	fs.StringVar(&f.Listen, "l", "", "listen address host:port (default: discover LAN-facing address, port 69)")
	fs.StringVar(&f.ConfigFile, "config", "", "optional YAML configuration file")
	fs.IntVar(&f.BlksizeCeiling, "blksize-ceiling", 0, "server-side ceiling for negotiated blksize (default 65464)")
	fs.IntVar(&f.TimeoutCeiling, "timeout-ceiling", 0, "server-side ceiling for negotiated timeout, seconds (default 255)")
	fs.IntVar(&f.RetryBudget, "retry-budget", 0, "retries before a session gives up (default 5)")
	fs.Float64Var(&f.RateLimit, "rate", 0, "session spawns per second permitted (default 50)")
	fs.IntVar(&f.RateBurst, "burst", 0, "session spawn burst size (default 20)")
	fs.BoolVar(&f.Debug, "debug", false, "enable debug logging")
	fs.StringVar(&f.NormalLogFile, "normal-log", "", "normal log file (default stdout)")
	fs.StringVar(&f.DebugLogFile, "debug-log", "", "debug log file (default stderr)")
	fs.StringVar(&f.ErrorLogFile, "error-log", "", "error log file (default stderr)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	switch rest := fs.Args(); len(rest) {
	case 1:
		f.Root = rest[0]
	default:
		return nil, errors.New("config: exactly one positional ROOT argument is required")
	}

	return f, nil
}

// Resolve merges flags over an optional file layer and validates the
// result, applying defaults for anything neither source set.
func Resolve(f *Flags) (*Config, error) {
	var fc FileConfig
	if f.ConfigFile != "" {
		loaded, err := LoadFileConfig(f.ConfigFile)
		if err != nil {
			return nil, err
		}
		fc = *loaded
	}

	c := &Config{
		Root:           firstNonEmpty(f.Root, fc.Root),
		ListenAddress:  firstNonEmpty(f.Listen, fc.Listen),
		Debug:          f.Debug || fc.Debug,
		BlksizeCeiling: firstPositiveInt(f.BlksizeCeiling, fc.BlksizeCeiling, DefaultBlksizeCeiling),
		RetryBudget:    firstPositiveInt(f.RetryBudget, fc.RetryBudget, DefaultRetryBudget),
		RateLimit:      firstPositiveFloat(f.RateLimit, fc.RateLimit, DefaultRateLimit),
		RateBurst:      firstPositiveInt(f.RateBurst, fc.RateBurst, DefaultRateBurst),
		NormalLogFile:  firstNonEmpty(f.NormalLogFile, fc.NormalLogFile),
		DebugLogFile:   firstNonEmpty(f.DebugLogFile, fc.DebugLogFile),
		ErrorLogFile:   firstNonEmpty(f.ErrorLogFile, fc.ErrorLogFile),
	}

	timeoutCeilingSecs := firstPositiveInt(f.TimeoutCeiling, fc.TimeoutCeiling, int(DefaultTimeoutCeiling/time.Second))
	c.TimeoutCeiling = time.Duration(timeoutCeilingSecs) * time.Second

	c.AutoDiscover = c.ListenAddress == ""

	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) validate() error {
	if c.Root == "" {
		return errors.New("config: ROOT is required")
	}
	info, err := os.Stat(c.Root)
	if err != nil {
		return fmt.Errorf("config: ROOT %q: %w", c.Root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("config: ROOT %q is not a directory", c.Root)
	}
	if c.BlksizeCeiling < 8 || c.BlksizeCeiling > 65464 {
		return fmt.Errorf("config: blksize-ceiling %d out of range [8, 65464]", c.BlksizeCeiling)
	}
	if c.TimeoutCeiling < time.Second || c.TimeoutCeiling > 255*time.Second {
		return fmt.Errorf("config: timeout-ceiling %s out of range [1s, 255s]", c.TimeoutCeiling)
	}
	if c.RetryBudget < 1 {
		return fmt.Errorf("config: retry-budget %d must be >= 1", c.RetryBudget)
	}
	if c.RateLimit <= 0 || c.RateBurst < 1 {
		return errors.New("config: rate and burst must be positive")
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstPositiveInt(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}

func firstPositiveFloat(vals ...float64) float64 {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}
