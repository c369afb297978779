// Package config loads the scriptd daemon configuration: YAML over built-in
// defaults, then SCRIPTD_* environment variables, then command-line flags.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/fentz26/scriptd/internal/connectors/localexec"
	"github.com/fentz26/scriptd/internal/scheduler"
)

// Environment overrides.
const (
	EnvDB          = "SCRIPTD_DB"
	EnvListen      = "SCRIPTD_LISTEN"
	EnvScriptsRoot = "SCRIPTD_SCRIPTS_ROOT"
	EnvCatalog     = "SCRIPTD_CATALOG"
	EnvWorkers     = "SCRIPTD_WORKERS"
	EnvTimeout     = "SCRIPTD_TIMEOUT"
	EnvLogLevel    = "SCRIPTD_LOG_LEVEL"
)

// Config holds the daemon configuration.
type Config struct {
	// Listen is the API server address.
	Listen string `yaml:"listen"`
	// DB is the SQLite database path.
	DB string `yaml:"db"`
	// ScriptsRoot is where bare script names are looked up.
	ScriptsRoot string `yaml:"scripts_root"`
	// Catalog is an optional script catalog imported at startup.
	Catalog string `yaml:"catalog"`

	Runner    RunnerConfig     `yaml:"runner"`
	Scheduler scheduler.Config `yaml:"scheduler"`
	Retry     RetryConfig      `yaml:"retry"`
	Log       LogConfig        `yaml:"log"`
}

// RunnerConfig configures the process runner.
type RunnerConfig struct {
	SoftTimeout  time.Duration       `yaml:"soft_timeout"`
	HardTimeout  time.Duration       `yaml:"hard_timeout"`
	Interpreters map[string][]string `yaml:"interpreters"`
	// DefaultKind picks the extension appended to bare script names.
	DefaultKind string `yaml:"default_kind"`
}

// RetryConfig configures retries of transient failures.
type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	Delay      time.Duration `yaml:"delay"`
	Strategy   string        `yaml:"strategy"`
	MaxDelay   time.Duration `yaml:"max_delay"`
}

// LogConfig configures the daemon logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DataDir returns ~/.scriptd, or .scriptd when there is no home directory.
func DataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".scriptd"
	}
	return filepath.Join(home, ".scriptd")
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Listen:      "127.0.0.1:7466",
		DB:          filepath.Join(DataDir(), "scriptd.db"),
		ScriptsRoot: "scripts",
		Runner: RunnerConfig{
			SoftTimeout:  localexec.DefaultSoftTimeout,
			HardTimeout:  localexec.DefaultHardTimeout,
			Interpreters: maps.Clone(localexec.DefaultInterpreters),
			DefaultKind:  "python",
		},
		Scheduler: *scheduler.DefaultConfig(),
		Retry: RetryConfig{
			MaxRetries: 3,
			Delay:      60 * time.Second,
			Strategy:   scheduler.StrategyConstant,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads the YAML file at path over the defaults and applies
// environment overrides. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("reading config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file: %w", err)
			}
		}
	}

	env, err := FromEnv(os.LookupEnv)
	if err != nil {
		return nil, err
	}
	if err := cfg.Merge(env); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// FromEnv collects overrides from SCRIPTD_* variables. Unset variables
// leave the corresponding fields zero.
func FromEnv(lookup func(string) (string, bool)) (*Config, error) {
	var (
		c    Config
		errs []error
	)
	if v, ok := lookup(EnvDB); ok {
		c.DB = v
	}
	if v, ok := lookup(EnvListen); ok {
		c.Listen = v
	}
	if v, ok := lookup(EnvScriptsRoot); ok {
		c.ScriptsRoot = v
	}
	if v, ok := lookup(EnvCatalog); ok {
		c.Catalog = v
	}
	if v, ok := lookup(EnvLogLevel); ok {
		c.Log.Level = v
	}
	if v, ok := lookup(EnvWorkers); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvWorkers, err))
		}
		c.Scheduler.Workers = n
	}
	if v, ok := lookup(EnvTimeout); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvTimeout, err))
		}
		c.Runner.HardTimeout = d
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}
	return &c, nil
}

// Merge overlays the non-zero fields of override onto c.
func (c *Config) Merge(override *Config) error {
	if override == nil {
		return nil
	}
	if err := mergo.Merge(c, override, mergo.WithOverride); err != nil {
		return fmt.Errorf("merging config: %w", err)
	}
	return nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen must be set"))
	}
	if c.DB == "" {
		errs = append(errs, errors.New("db must be set"))
	}

	r := c.Runner
	if r.HardTimeout <= 0 {
		errs = append(errs, errors.New("runner.hard_timeout must be positive"))
	}
	if r.SoftTimeout < 0 || r.SoftTimeout > r.HardTimeout {
		errs = append(errs, fmt.Errorf("runner.soft_timeout %s must be between 0 and hard_timeout %s", r.SoftTimeout, r.HardTimeout))
	}
	if _, ok := localexec.ExtensionForKind(r.DefaultKind); !ok {
		errs = append(errs, fmt.Errorf("runner.default_kind %q is not a known script kind", r.DefaultKind))
	}
	for ext, argv := range r.Interpreters {
		if !strings.HasPrefix(ext, ".") {
			errs = append(errs, fmt.Errorf("runner.interpreters: extension %q must start with a dot", ext))
		}
		if len(argv) == 0 {
			errs = append(errs, fmt.Errorf("runner.interpreters: %s has an empty command", ext))
		}
	}

	if err := c.Scheduler.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("scheduler: %w", err))
	}
	if c.Retry.MaxRetries < 0 {
		errs = append(errs, errors.New("retry.max_retries must not be negative"))
	}
	if _, err := c.RetryPolicy(); err != nil {
		errs = append(errs, fmt.Errorf("retry: %w", err))
	}

	if _, err := c.Log.level(); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}
	return errors.Join(errs...)
}

// RetryPolicy builds the scheduler retry policy.
func (c *Config) RetryPolicy() (scheduler.RetryPolicy, error) {
	return scheduler.NewRetryPolicy(c.Retry.MaxRetries, c.Retry.Strategy, c.Retry.Delay, c.Retry.MaxDelay)
}

func (l LogConfig) level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return lvl, nil
}

// NewLogger builds the daemon logger writing to w.
func (l LogConfig) NewLogger(w io.Writer) *slog.Logger {
	lvl, err := l.level()
	if err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
