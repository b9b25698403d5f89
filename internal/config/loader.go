// Package config loads jobsender's runtime configuration.
//
// Precedence, highest first: runtime overrides (bound CLI flags), JOBSENDER_*
// environment variables, the user config file, then built-in defaults.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// AppName names the config directory, the env prefix and the data directory.
const AppName = "jobsender"

// EnvPrefix is the environment variable prefix for overrides.
const EnvPrefix = "JOBSENDER"

// Config is the typed runtime configuration.
type Config struct {
	Logging  LoggingConfig  `mapstructure:"logging"`
	Cluster  ClusterConfig  `mapstructure:"cluster"`
	State    StateConfig    `mapstructure:"state"`
	Output   OutputConfig   `mapstructure:"output"`
	Registry RegistryConfig `mapstructure:"registry"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Verbose bool   `mapstructure:"verbose"`
}

// ClusterConfig holds site-wide overrides applied on top of a job manifest.
// Empty values leave the manifest untouched.
type ClusterConfig struct {
	Backend   string  `mapstructure:"backend"`
	Queue     string  `mapstructure:"queue"`
	Simulate  bool    `mapstructure:"simulate"`
	PollRate  float64 `mapstructure:"poll_rate"`
	PollBurst int     `mapstructure:"poll_burst"`
}

// StateConfig selects where a job's snapshot lives.
type StateConfig struct {
	// File overrides the snapshot file name inside the job directory.
	File string `mapstructure:"file"`

	// Format is "shelf" (SQLite) or "json".
	Format string `mapstructure:"format"`
}

type OutputConfig struct {
	// Color is "auto", "always" or "never".
	Color string `mapstructure:"color"`
}

type RegistryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Dir     string `mapstructure:"dir"`
}

// Load builds a Config. Each override map is merged in order on top of the
// environment, so later maps win.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvAliases(v)

	if path := configFile(); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.WeaklyTypedInput = true
		dc.ErrorUnused = false
	}); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.verbose", false)

	v.SetDefault("cluster.backend", "")
	v.SetDefault("cluster.queue", "")
	v.SetDefault("cluster.simulate", false)
	v.SetDefault("cluster.poll_rate", 0.0)
	v.SetDefault("cluster.poll_burst", 0)

	v.SetDefault("state.file", "")
	v.SetDefault("state.format", "shelf")

	v.SetDefault("output.color", "auto")

	v.SetDefault("registry.enabled", true)
	v.SetDefault("registry.dir", "")
}

// bindEnvAliases registers short variable names for the common overrides.
func bindEnvAliases(v *viper.Viper) {
	_ = v.BindEnv("logging.level", EnvPrefix+"_LOG_LEVEL", EnvPrefix+"_LOGGING_LEVEL")
	_ = v.BindEnv("cluster.backend", EnvPrefix+"_CLUSTER", EnvPrefix+"_CLUSTER_BACKEND")
	_ = v.BindEnv("cluster.queue", EnvPrefix+"_QUEUE", EnvPrefix+"_CLUSTER_QUEUE")
	_ = v.BindEnv("cluster.simulate", EnvPrefix+"_SIMULATE", EnvPrefix+"_CLUSTER_SIMULATE")
}

// configFile returns the user config file if one exists. JOBSENDER_CONFIG
// names an explicit file.
func configFile() string {
	if p := strings.TrimSpace(os.Getenv(EnvPrefix + "_CONFIG")); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	for _, name := range []string{"config.yaml", "config.yml", "config.json"} {
		p := filepath.Join(dir, AppName, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := map[string]any{}
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}

// Validate checks enumerated values.
func (c *Config) Validate() error {
	var errs []error
	switch strings.ToLower(c.State.Format) {
	case "shelf", "json":
	default:
		errs = append(errs, fmt.Errorf("state.format must be shelf or json, got %q", c.State.Format))
	}
	switch strings.ToLower(c.Output.Color) {
	case "auto", "always", "never":
	default:
		errs = append(errs, fmt.Errorf("output.color must be auto, always or never, got %q", c.Output.Color))
	}
	switch strings.ToLower(c.Cluster.Backend) {
	case "", "cern", "tau":
	default:
		errs = append(errs, fmt.Errorf("cluster.backend must be cern or tau, got %q", c.Cluster.Backend))
	}
	if c.Cluster.PollRate < 0 {
		errs = append(errs, fmt.Errorf("cluster.poll_rate must be >= 0"))
	}
	if c.Cluster.PollBurst < 0 {
		errs = append(errs, fmt.Errorf("cluster.poll_burst must be >= 0"))
	}
	return errors.Join(errs...)
}

// RegistryDir returns the job registry root.
func (c *Config) RegistryDir() string {
	if c.Registry.Dir != "" {
		return c.Registry.Dir
	}
	return filepath.Join(gfconfig.GetAppDataDir(AppName), "jobs")
}
