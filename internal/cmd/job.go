package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/jobsender/internal/config"
	"github.com/3leaps/jobsender/internal/observability"
	"github.com/3leaps/jobsender/pkg/cluster"
	"github.com/3leaps/jobsender/pkg/jobctl"
	"github.com/3leaps/jobsender/pkg/jobregistry"
	"github.com/3leaps/jobsender/pkg/snapshot"
	"github.com/3leaps/jobsender/pkg/task"
)

// jobSession is a job loaded from its directory for one command.
type jobSession struct {
	cfg   *config.Config
	store snapshot.Store
	snap  *snapshot.Snapshot
	ctrl  *jobctl.Controller
}

// snapshotStore opens the configured snapshot store for dir.
func snapshotStore(cfg *config.Config, dir string) (snapshot.Store, error) {
	path := strings.TrimSpace(cfg.State.File)
	if path != "" && !filepath.IsAbs(path) {
		path = filepath.Join(dir, path)
	}
	return snapshot.Open(snapshot.Format(cfg.State.Format), dir, path)
}

// openJob restores the job saved in the job directory.
func openJob(ctx context.Context) (*jobSession, error) {
	cfg, err := runtimeConfig(ctx)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	dir, err := filepath.Abs(jobDir)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid --dir value", err)
	}
	store, err := snapshotStore(cfg, dir)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid --state-format value", err)
	}

	snap, err := store.Load(ctx)
	if err != nil {
		if errors.Is(err, snapshot.ErrNoSnapshot) {
			return nil, exitError(foundry.ExitFileNotFound,
				fmt.Sprintf("No prepared job in %s (run 'jobsender prepare' first)", dir), err)
		}
		return nil, exitError(foundry.ExitFileReadError, "Failed to load job", err)
	}

	// Poll limits are operational, so site config may tighten them for an
	// existing job.
	if cfg.Cluster.PollRate > 0 {
		snap.Cluster.PollRate = cfg.Cluster.PollRate
	}
	if cfg.Cluster.PollBurst > 0 {
		snap.Cluster.PollBurst = cfg.Cluster.PollBurst
	}

	ctrl, err := snap.Restore(snapshot.RestoreOptions{
		Logger:  observability.CLILogger,
		Cluster: clusterOptions(),
	})
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Failed to restore job", err)
	}

	observability.CLILogger.Debug("Loaded job",
		zap.String("job", ctrl.Name()),
		zap.String("store", store.Path()),
		zap.Int("tasks", len(ctrl.Tasks())))

	return &jobSession{cfg: cfg, store: store, snap: snap, ctrl: ctrl}, nil
}

// clusterOptions returns the runtime options for scheduler backends.
func clusterOptions() []cluster.Option {
	return []cluster.Option{cluster.WithLogger(observability.CLILogger)}
}

// save persists the controller and refreshes the registry record.
func (s *jobSession) save(ctx context.Context) error {
	next := snapshot.Capture(s.ctrl)
	next.RegistryID = s.snap.RegistryID
	if s.cfg.Registry.Enabled {
		next.RegistryID = recordJob(s.cfg, next, s.ctrl.States(), "")
	}
	if err := s.store.Save(ctx, next); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to save job", err)
	}
	s.snap = next
	return nil
}

// recordJob writes the registry record for snap and returns its id. Registry
// failures are logged and never fail the command.
func recordJob(cfg *config.Config, snap *snapshot.Snapshot, sum task.Summary, manifestPath string) string {
	store := jobregistry.NewStore(cfg.RegistryDir())
	now := time.Now().UTC()

	var rec *jobregistry.JobRecord
	if snap.RegistryID != "" {
		if existing, err := store.Get(snap.RegistryID); err == nil {
			rec = existing
		}
	}
	if rec == nil {
		host, _ := os.Hostname()
		rec = &jobregistry.JobRecord{
			JobID:     snap.RegistryID,
			Host:      host,
			CreatedAt: snap.CreatedAt,
		}
		if rec.JobID == "" {
			rec.JobID = jobregistry.NewJobID()
		}
	}
	rec.Name = snap.Name
	rec.BaseDir = snap.BaseDir
	rec.Backend = string(snap.Cluster.Backend)
	rec.Queue = snap.Cluster.Queue
	rec.Simulate = snap.Cluster.Simulate
	rec.Kind = string(snap.WorkEnv.Kind)
	if manifestPath != "" {
		rec.ManifestPath = manifestPath
	}
	rec.Observe(sum, now)

	if err := store.Write(rec); err != nil {
		observability.CLILogger.Warn("Failed to update job registry",
			zap.String("registry", store.RootDir()),
			zap.Error(err))
	}
	return rec.JobID
}

// parseIndices resolves a selection argument or --all.
func parseIndices(ctrl *jobctl.Controller, args []string, all bool) ([]int, error) {
	if all {
		if len(args) > 0 {
			return nil, exitError(foundry.ExitInvalidArgument, "Invalid selection", errors.New("--all cannot be combined with a selection"))
		}
		return ctrl.Indices(), nil
	}
	if len(args) == 0 {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid selection", errors.New("a selection such as 0-3,7 or --all is required"))
	}
	indices, err := task.ParseSelection(strings.Join(args, ","))
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid selection", err)
	}
	return indices, nil
}

// reportSelection prints what an operation did with the requested indices.
func reportSelection(w io.Writer, op string, sel jobctl.Selection) {
	_, _ = fmt.Fprintf(w, "%s: %s\n", op, describeIndices(sel.Applied))
	if len(sel.Dropped) > 0 {
		_, _ = fmt.Fprintf(w, "  skipped (not eligible): %s\n", task.CompactIndices(sel.Dropped))
	}
	if len(sel.Unknown) > 0 {
		_, _ = fmt.Fprintf(w, "  skipped (unknown): %s\n", task.CompactIndices(sel.Unknown))
	}
}

func describeIndices(indices []int) string {
	if len(indices) == 0 {
		return "no tasks"
	}
	return fmt.Sprintf("tasks %s (%d)", task.CompactIndices(indices), len(indices))
}

// useColor decides whether terminal output is colorized.
func useColor(cfg *config.Config, f *os.File) bool {
	switch strings.ToLower(cfg.Output.Color) {
	case "always":
		return true
	case "never":
		return false
	}
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return false
	}
	return isTerminal(f)
}

func isTerminal(f *os.File) bool {
	if f == nil {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// stdoutFile returns the command's output when it is a file.
func stdoutFile(cmd *cobra.Command) *os.File {
	if f, ok := cmd.OutOrStdout().(*os.File); ok {
		return f
	}
	return nil
}
