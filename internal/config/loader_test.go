package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points the user config lookup at an empty directory.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, ".config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, ".local", "share"))
	t.Setenv("JOBSENDER_CONFIG", "")
	return dir
}

func TestLoad(t *testing.T) {
	ctx := context.Background()

	t.Run("LoadDefaults", func(t *testing.T) {
		isolate(t)

		cfg, err := Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, "info", cfg.Logging.Level)
		assert.False(t, cfg.Logging.Verbose)
		assert.Empty(t, cfg.Cluster.Backend)
		assert.Empty(t, cfg.Cluster.Queue)
		assert.False(t, cfg.Cluster.Simulate)
		assert.Zero(t, cfg.Cluster.PollRate)
		assert.Equal(t, "shelf", cfg.State.Format)
		assert.Empty(t, cfg.State.File)
		assert.Equal(t, "auto", cfg.Output.Color)
		assert.True(t, cfg.Registry.Enabled)
	})

	t.Run("RuntimeOverrides", func(t *testing.T) {
		isolate(t)

		cfg, err := Load(ctx, map[string]any{
			"cluster": map[string]any{
				"backend":  "tau",
				"simulate": true,
			},
			"state": map[string]any{"format": "json"},
		})
		require.NoError(t, err)

		assert.Equal(t, "tau", cfg.Cluster.Backend)
		assert.True(t, cfg.Cluster.Simulate)
		assert.Equal(t, "json", cfg.State.Format)
		assert.Equal(t, "info", cfg.Logging.Level)
	})

	t.Run("EnvOverrides", func(t *testing.T) {
		isolate(t)
		t.Setenv("JOBSENDER_LOG_LEVEL", "warn")
		t.Setenv("JOBSENDER_QUEUE", "1nd")
		t.Setenv("JOBSENDER_CLUSTER_POLL_RATE", "2.5")
		t.Setenv("JOBSENDER_REGISTRY_ENABLED", "false")

		cfg, err := Load(ctx)
		require.NoError(t, err)

		assert.Equal(t, "warn", cfg.Logging.Level)
		assert.Equal(t, "1nd", cfg.Cluster.Queue)
		assert.Equal(t, 2.5, cfg.Cluster.PollRate)
		assert.False(t, cfg.Registry.Enabled)
	})

	t.Run("ConfigPrecedence", func(t *testing.T) {
		isolate(t)
		t.Setenv("JOBSENDER_QUEUE", "env-queue")

		cfg, err := Load(ctx, map[string]any{"cluster": map[string]any{"queue": "flag-queue"}})
		require.NoError(t, err)
		assert.Equal(t, "flag-queue", cfg.Cluster.Queue)
	})

	t.Run("ConfigFile", func(t *testing.T) {
		dir := isolate(t)
		path := filepath.Join(dir, "custom.yaml")
		require.NoError(t, os.WriteFile(path, []byte("cluster:\n  backend: cern\n  queue: 8nh\noutput:\n  color: never\n"), 0o644))
		t.Setenv("JOBSENDER_CONFIG", path)

		cfg, err := Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, "cern", cfg.Cluster.Backend)
		assert.Equal(t, "8nh", cfg.Cluster.Queue)
		assert.Equal(t, "never", cfg.Output.Color)
	})

	t.Run("UserConfigDir", func(t *testing.T) {
		dir := isolate(t)
		cfgDir := filepath.Join(dir, ".config", AppName)
		require.NoError(t, os.MkdirAll(cfgDir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(cfgDir, "config.yaml"), []byte("state:\n  format: json\n"), 0o644))

		cfg, err := Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, "json", cfg.State.Format)
	})

	t.Run("MissingConfigFile", func(t *testing.T) {
		isolate(t)
		t.Setenv("JOBSENDER_CONFIG", "/nonexistent/jobsender.yaml")

		_, err := Load(ctx)
		require.Error(t, err)
	})

	t.Run("CanceledContext", func(t *testing.T) {
		isolate(t)
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		_, err := Load(cctx)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Logging: LoggingConfig{Level: "info"},
			State:   StateConfig{Format: "shelf"},
			Output:  OutputConfig{Color: "auto"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "bad format", mutate: func(c *Config) { c.State.Format = "pickle" }, wantErr: "state.format"},
		{name: "bad color", mutate: func(c *Config) { c.Output.Color = "rainbow" }, wantErr: "output.color"},
		{name: "bad backend", mutate: func(c *Config) { c.Cluster.Backend = "slurm" }, wantErr: "cluster.backend"},
		{name: "negative rate", mutate: func(c *Config) { c.Cluster.PollRate = -1 }, wantErr: "poll_rate"},
		{name: "negative burst", mutate: func(c *Config) { c.Cluster.PollBurst = -1 }, wantErr: "poll_burst"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRegistryDir(t *testing.T) {
	c := Config{Registry: RegistryConfig{Dir: "/tmp/registry"}}
	assert.Equal(t, "/tmp/registry", c.RegistryDir())

	c.Registry.Dir = ""
	assert.Equal(t, "jobs", filepath.Base(c.RegistryDir()))
}
