// Package cmd implements the jobsender command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/jobsender/internal/config"
	"github.com/3leaps/jobsender/internal/observability"
)

type buildInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

var versionInfo = buildInfo{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

// SetVersionInfo records build metadata injected by the linker.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var (
	jobDir       string
	verbose      bool
	logLevel     string
	stateFile    string
	stateFormat  string
	colorMode    string
	noRegistry   bool
	simulateFlag bool

	// appConfig is loaded once per invocation by the root pre-run hook.
	appConfig *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "jobsender",
	Short: "Prepare, submit and track array jobs on batch clusters",
	Long: `jobsender splits a workload into tasks, submits them as one array job to an
LSF (cern) or PBS (tau) scheduler, and tracks every task until it finishes.

A job lives in its own directory. 'prepare' creates the task directories and
saves the job there; every other command reloads it from that directory.

Examples:
  jobsender prepare --job reco.yaml
  jobsender submit
  jobsender status
  jobsender resubmit 3,7-9`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadRuntimeConfig,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&jobDir, "dir", "d", ".", "Job directory")
	pf.BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	pf.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	pf.StringVar(&stateFile, "state-file", "", "Snapshot file inside the job directory (default .presentjobs)")
	pf.StringVar(&stateFormat, "state-format", "", "Snapshot format: shelf or json")
	pf.StringVar(&colorMode, "color", "", "Colorize state output: auto, always, never")
	pf.BoolVar(&noRegistry, "no-registry", false, "Do not record the job in the per-user job registry")
}

// Execute runs the root command with ctx.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// loadRuntimeConfig merges explicitly set flags over env and file config.
func loadRuntimeConfig(cmd *cobra.Command, _ []string) error {
	overrides := map[string]any{}
	set := func(flag, key string, val any) {
		if f := cmd.Flags().Lookup(flag); f != nil && f.Changed {
			overrides[key] = val
		}
	}
	set("log-level", "logging.level", logLevel)
	set("verbose", "logging.verbose", verbose)
	set("state-file", "state.file", stateFile)
	set("state-format", "state.format", stateFormat)
	set("color", "output.color", colorMode)
	set("no-registry", "registry.enabled", !noRegistry)
	set("simulate", "cluster.simulate", simulateFlag)

	cfg, err := config.Load(cmd.Context(), nestKeys(overrides))
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	if err := observability.SetLevel(config.AppName, cfg.Logging.Level, cfg.Logging.Verbose); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	appConfig = cfg
	return nil
}

// nestKeys turns {"a.b": v} into {"a": {"b": v}}.
func nestKeys(flat map[string]any) map[string]any {
	out := map[string]any{}
	for key, val := range flat {
		parts := strings.Split(key, ".")
		m := out
		for _, p := range parts[:len(parts)-1] {
			next, ok := m[p].(map[string]any)
			if !ok {
				next = map[string]any{}
				m[p] = next
			}
			m = next
		}
		m[parts[len(parts)-1]] = val
	}
	return out
}

// runtimeConfig returns the loaded config, falling back to defaults when a
// command runs without the root pre-run hook (tests).
func runtimeConfig(ctx context.Context) (*config.Config, error) {
	if appConfig != nil {
		return appConfig, nil
	}
	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, err
	}
	appConfig = cfg
	return cfg, nil
}

// ExitError carries a process exit code alongside the failure.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s (exit code %d)", e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %v (exit code %d)", e.Message, e.Err, e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

func exitError(code int, message string, err error) error {
	return &ExitError{Code: code, Message: message, Err: err}
}

// ExitCode maps an error returned by Execute to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	if errors.Is(err, context.Canceled) {
		return foundry.ExitSignalInt
	}
	return 1
}
