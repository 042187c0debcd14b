// Package config loads and persists kiln's project-level settings from
// .kiln/config.json. A missing file is not an error; callers get the
// defaults so a fresh checkout builds without ceremony.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gobwas/glob"
	"github.com/spf13/viper"
)

// CurrentVersion is the config schema version this build understands.
const CurrentVersion = 1

// Config represents the complete kiln configuration.
type Config struct {
	Version int `json:"version" mapstructure:"version"`

	Incremental IncrementalConfig `json:"incremental" mapstructure:"incremental"`
	Logging     LoggingConfig     `json:"logging" mapstructure:"logging"`
	Watch       WatchConfig       `json:"watch" mapstructure:"watch"`
}

// IncrementalConfig tunes the fixed-point build driver and stamping.
type IncrementalConfig struct {
	// MaxCycles bounds one build; exceeding it is an error.
	MaxCycles int `json:"maxCycles" mapstructure:"maxCycles"`

	// RecompileAllFraction is the invalidated-source fraction above
	// which the driver recompiles everything in one cycle.
	RecompileAllFraction float64 `json:"recompileAllFraction" mapstructure:"recompileAllFraction"`

	// TransitiveStep is the cycle count after which invalidation takes
	// the full downstream closure of every still-changing class instead
	// of stepping one dependency level at a time.
	TransitiveStep int `json:"transitiveStep" mapstructure:"transitiveStep"`

	// UseNameHashing filters same-shape invalidation per used name.
	// Turned off, any changed name invalidates every dependent.
	UseNameHashing bool `json:"useNameHashing" mapstructure:"useNameHashing"`

	// HashProducts switches product stamps from mtime to content
	// hashes, for filesystems with unreliable clocks.
	HashProducts bool `json:"hashProducts" mapstructure:"hashProducts"`

	// SharedUnitGlobs name the source paths a front end may report
	// started more than once per cycle, e.g. synthetic units shared by
	// parallel partitions. Matched against slash-separated paths.
	SharedUnitGlobs []string `json:"sharedUnitGlobs" mapstructure:"sharedUnitGlobs"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Format string `json:"format" mapstructure:"format"`
	Level  string `json:"level" mapstructure:"level"`
}

// WatchConfig contains watch-mode configuration.
type WatchConfig struct {
	DebounceMs   int      `json:"debounceMs" mapstructure:"debounceMs"`
	ExcludeDirs  []string `json:"excludeDirs" mapstructure:"excludeDirs"`
	ExcludeFiles []string `json:"excludeFiles" mapstructure:"excludeFiles"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Version: CurrentVersion,
		Incremental: IncrementalConfig{
			MaxCycles:            50,
			RecompileAllFraction: 0.5,
			TransitiveStep:       3,
			UseNameHashing:       true,
			HashProducts:         false,
			SharedUnitGlobs:      []string{"package.scala", "**/package.scala"},
		},
		Logging: LoggingConfig{
			Format: "human",
			Level:  "info",
		},
		Watch: WatchConfig{
			DebounceMs:   300,
			ExcludeDirs:  []string{".git", ".kiln", "target", "out"},
			ExcludeFiles: []string{"*.swp", "*~", ".#*"},
		},
	}
}

// LoadConfig loads configuration from .kiln/config.json under
// projectRoot, falling back to defaults when no file exists.
func LoadConfig(projectRoot string) (*Config, error) {
	v := viper.New()

	defaults := DefaultConfig()
	v.SetDefault("version", defaults.Version)
	v.SetDefault("incremental.maxCycles", defaults.Incremental.MaxCycles)
	v.SetDefault("incremental.recompileAllFraction", defaults.Incremental.RecompileAllFraction)
	v.SetDefault("incremental.transitiveStep", defaults.Incremental.TransitiveStep)
	v.SetDefault("incremental.useNameHashing", defaults.Incremental.UseNameHashing)
	v.SetDefault("incremental.hashProducts", defaults.Incremental.HashProducts)
	v.SetDefault("incremental.sharedUnitGlobs", defaults.Incremental.SharedUnitGlobs)
	v.SetDefault("logging.format", defaults.Logging.Format)
	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("watch.debounceMs", defaults.Watch.DebounceMs)
	v.SetDefault("watch.excludeDirs", defaults.Watch.ExcludeDirs)
	v.SetDefault("watch.excludeFiles", defaults.Watch.ExcludeFiles)

	v.SetConfigName("config")
	v.SetConfigType("json")
	v.AddConfigPath(filepath.Join(projectRoot, ".kiln"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return defaults, nil
		}
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes the configuration to .kiln/config.json under projectRoot.
func (c *Config) Save(projectRoot string) error {
	kilnDir := filepath.Join(projectRoot, ".kiln")
	if err := os.MkdirAll(kilnDir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(kilnDir, "config.json"), data, 0644)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Version != CurrentVersion {
		return &ConfigError{Field: "version", Message: fmt.Sprintf("unsupported config version %d", c.Version)}
	}
	if c.Incremental.MaxCycles < 0 {
		return &ConfigError{Field: "incremental.maxCycles", Message: "must not be negative"}
	}
	if f := c.Incremental.RecompileAllFraction; f < 0 || f > 1 {
		return &ConfigError{Field: "incremental.recompileAllFraction", Message: "must be between 0 and 1"}
	}
	if c.Incremental.TransitiveStep < 0 {
		return &ConfigError{Field: "incremental.transitiveStep", Message: "must not be negative"}
	}
	if _, err := CompileSharedUnitPredicate(c.Incremental.SharedUnitGlobs); err != nil {
		return &ConfigError{Field: "incremental.sharedUnitGlobs", Message: err.Error()}
	}
	return nil
}

// CompileSharedUnitPredicate compiles the shared-unit globs into the
// predicate the recorder consults on a double StartSource. Patterns
// match against slash-separated source paths; an empty list yields a
// predicate that admits nothing, keeping the strict contract.
func CompileSharedUnitPredicate(patterns []string) (func(string) bool, error) {
	globs := make([]glob.Glob, 0, len(patterns))
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("bad shared unit pattern %q: %w", pattern, err)
		}
		globs = append(globs, g)
	}
	return func(source string) bool {
		for _, g := range globs {
			if g.Match(source) {
				return true
			}
		}
		return false
	}, nil
}

// ConfigError represents a configuration error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "config error in field '" + e.Field + "': " + e.Message
}
