package cmd

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/jobsender/internal/config"
	"github.com/3leaps/jobsender/internal/observability"
	"github.com/3leaps/jobsender/pkg/cluster"
	"github.com/3leaps/jobsender/pkg/inputs"
	"github.com/3leaps/jobsender/pkg/jobctl"
	"github.com/3leaps/jobsender/pkg/manifest"
	"github.com/3leaps/jobsender/pkg/snapshot"
	"github.com/3leaps/jobsender/pkg/workenv"
)

var (
	prepareJobPath string
	prepareCluster string
	prepareQueue   string
)

var prepareCmd = &cobra.Command{
	Use:   "prepare",
	Short: "Create the task directories and launch scripts for a job",
	Long: `Prepare reads a job manifest, checks the work environment, splits the work
into tasks and writes one directory and launch script per task. The job is
saved in its directory for later commands.

The job directory is --dir when given, otherwise the manifest's 'dir'
(default: the job name).

Examples:
  jobsender prepare --job reco.yaml
  jobsender prepare --job reco.yaml --cluster tau --queue S
  jobsender prepare --job reco.yaml --simulate`,
	RunE: runPrepare,
}

func init() {
	rootCmd.AddCommand(prepareCmd)

	prepareCmd.Flags().StringVarP(&prepareJobPath, "job", "j", "", "Path to job manifest (YAML or JSON)")
	prepareCmd.Flags().StringVar(&prepareCluster, "cluster", "", "Cluster backend: cern or tau (overrides manifest)")
	prepareCmd.Flags().StringVarP(&prepareQueue, "queue", "q", "", "Scheduler queue (overrides manifest)")
	prepareCmd.Flags().BoolVar(&simulateFlag, "simulate", false, "Replace scheduler commands with simulated responses")
	_ = prepareCmd.MarkFlagRequired("job")
}

func runPrepare(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	logger := observability.CLILogger

	cfg, err := runtimeConfig(ctx)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	m, err := manifest.Load(prepareJobPath)
	if err != nil {
		logger.Error("Failed to load manifest", zap.String("path", prepareJobPath), zap.Error(err))
		return exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
	}
	if err := applyClusterOverrides(m, cfg, prepareCluster, prepareQueue); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --cluster value", err)
	}

	logger.Debug("Loaded manifest",
		zap.String("path", prepareJobPath),
		zap.String("name", m.Name),
		zap.String("backend", m.Cluster.Backend),
		zap.String("queue", m.Cluster.Queue),
		zap.String("kind", m.WorkEnv.Kind))

	dir := m.Dir
	if f := cmd.Flags().Lookup("dir"); f != nil && f.Changed {
		dir = jobDir
	}
	dir, err = filepath.Abs(dir)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid job directory", err)
	}

	store, err := snapshotStore(cfg, dir)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --state-format value", err)
	}
	if _, err := store.Load(ctx); err == nil {
		return exitError(foundry.ExitInvalidArgument,
			fmt.Sprintf("Job already prepared in %s", dir), jobctl.ErrAlreadyPrepared)
	} else if !errors.Is(err, snapshot.ErrNoSnapshot) {
		return exitError(foundry.ExitFileReadError, "Failed to inspect job directory", err)
	}

	resolver := inputs.NewResolver(append(m.ResolverOptions(), inputs.WithLogger(logger))...)
	env, err := workenv.New(ctx, m.WorkEnvSettings(), workenv.WithResolver(resolver), workenv.WithLogger(logger))
	if err != nil {
		return envError(err)
	}
	backend, err := cluster.New(m.ClusterSettings(), clusterOptions()...)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid cluster configuration", err)
	}
	ctrl, err := jobctl.New(m.Name, dir, env, backend, jobctl.WithLogger(logger))
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to create job", err)
	}
	if err := ctrl.Prepare(ctx); err != nil {
		var cerr *workenv.ConfigurationError
		if errors.As(err, &cerr) {
			return envError(err)
		}
		return exitError(foundry.ExitFileWriteError, "Failed to prepare job", err)
	}

	manifestPath, _ := filepath.Abs(prepareJobPath)
	snap := snapshot.Capture(ctrl)
	if cfg.Registry.Enabled {
		snap.RegistryID = recordJob(cfg, snap, ctrl.States(), manifestPath)
	}
	if err := store.Save(ctx, snap); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to save job", err)
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Prepared %s: %d tasks in %s (%s on %s, queue %s)\n",
		m.Name, len(ctrl.Tasks()), dir, m.WorkEnv.Kind, m.Cluster.Backend, m.Cluster.Queue)
	if m.Cluster.Simulate {
		_, _ = fmt.Fprintln(out, "Scheduler calls are simulated.")
	}
	return ctrl.ShowStates(out, useColor(cfg, stdoutFile(cmd)))
}

// applyClusterOverrides layers CLI flags and site config over the manifest's
// cluster section. A backend switch drops the old backend's default queue.
func applyClusterOverrides(m *manifest.Manifest, cfg *config.Config, backend, queue string) error {
	if backend == "" {
		backend = cfg.Cluster.Backend
	}
	if queue == "" {
		queue = cfg.Cluster.Queue
	}

	backend = strings.ToLower(strings.TrimSpace(backend))
	if backend != "" && backend != m.Cluster.Backend {
		known := false
		for _, k := range cluster.Kinds() {
			if string(k) == backend {
				known = true
			}
		}
		if !known {
			return fmt.Errorf("unknown cluster backend %q (known: %v)", backend, cluster.Kinds())
		}
		if m.Cluster.Queue == defaultQueue(cluster.Kind(m.Cluster.Backend)) {
			m.Cluster.Queue = ""
		}
		m.Cluster.Backend = backend
	}
	if queue != "" {
		m.Cluster.Queue = queue
	}
	if cfg.Cluster.Simulate {
		m.Cluster.Simulate = true
	}
	if cfg.Cluster.PollRate > 0 {
		m.Cluster.PollRate = cfg.Cluster.PollRate
	}
	if cfg.Cluster.PollBurst > 0 {
		m.Cluster.PollBurst = cfg.Cluster.PollBurst
	}
	m.ApplyDefaults()
	return nil
}

func defaultQueue(kind cluster.Kind) string {
	switch kind {
	case cluster.KindCern:
		return cluster.DefaultCernQueue
	case cluster.KindTau:
		return cluster.DefaultTauQueue
	}
	return ""
}

// envError reports a work environment precondition failure.
func envError(err error) error {
	var cerr *workenv.ConfigurationError
	if errors.As(err, &cerr) {
		observability.CLILogger.Error("Work environment is not usable", zap.Error(err))
		return exitError(foundry.ExitInvalidArgument, "Work environment is not configured", err)
	}
	return exitError(foundry.ExitInvalidArgument, "Failed to configure work environment", err)
}
