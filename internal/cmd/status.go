package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/jobsender/internal/observability"
	"github.com/3leaps/jobsender/pkg/jobctl"
	"github.com/3leaps/jobsender/pkg/jobregistry"
	"github.com/3leaps/jobsender/pkg/output"
	"github.com/3leaps/jobsender/pkg/task"
)

var (
	statusNoUpdate bool
	statusJSONL    bool
)

var statusCmd = &cobra.Command{
	Use:     "status",
	Aliases: []string{"update"},
	Short:   "Poll the scheduler and show task states",
	Long: `Status queries the scheduler for every submitted or running task, checks the
output of tasks that just finished, saves the job and prints the tasks grouped
by state.

Examples:
  jobsender status
  jobsender status --no-update
  jobsender status --jsonl > status.jsonl`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusNoUpdate, "no-update", false, "Show the saved states without polling the scheduler")
	statusCmd.Flags().BoolVar(&statusJSONL, "jsonl", false, "Emit JSONL task, warning and summary records")
}

func runStatus(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	start := time.Now()

	s, err := openJob(ctx)
	if err != nil {
		return err
	}

	var report jobctl.UpdateReport
	if !statusNoUpdate {
		var progress jobctl.ProgressFunc
		if !statusJSONL && isTerminal(os.Stderr) {
			progress = stderrProgress(os.Stderr)
		}
		var updErr error
		report, updErr = s.ctrl.Update(ctx, progress)
		if progress != nil {
			_, _ = fmt.Fprint(os.Stderr, "\r\033[K")
		}
		// Whatever was polled before an interrupt is kept.
		if err := s.save(context.WithoutCancel(ctx)); err != nil {
			return err
		}
		if updErr != nil {
			if statusJSONL {
				w := output.NewJSONLWriter(cmd.OutOrStdout(), s.snap.RegistryID, string(s.snap.Cluster.Backend))
				_ = w.WriteWarning(context.WithoutCancel(ctx), &output.WarningRecord{
					Code:    output.WarnUpdateInterrupted,
					Message: "update interrupted; remaining tasks were not polled",
				})
			}
			return exitError(foundry.ExitSignalInt, "Update interrupted", updErr)
		}
	}

	if statusJSONL {
		return writeStatusJSONL(ctx, cmd.OutOrStdout(), s, report, time.Since(start))
	}

	out := cmd.OutOrStdout()
	if !statusNoUpdate {
		_, _ = fmt.Fprintf(out, "Polled %d tasks, %d changed\n", report.Polled, len(report.Changes))
	}
	return s.ctrl.ShowStates(out, useColor(s.cfg, stdoutFile(cmd)))
}

// stderrProgress draws a single-line poll counter.
func stderrProgress(w io.Writer) jobctl.ProgressFunc {
	return func(done, total int) {
		_, _ = fmt.Fprintf(w, "\rPolling scheduler... %d/%d", done, total)
	}
}

func writeStatusJSONL(ctx context.Context, out io.Writer, s *jobSession, report jobctl.UpdateReport, elapsed time.Duration) error {
	w := output.NewJSONLWriter(out, s.snap.RegistryID, string(s.snap.Cluster.Backend))
	defer func() { _ = w.Close() }()

	changed := make(map[int]bool, len(report.Changes))
	for _, c := range report.Changes {
		changed[c.Index] = true
	}

	for _, t := range s.ctrl.Tasks() {
		if err := w.WriteTask(ctx, &output.TaskRecord{
			Index:       t.Index(),
			State:       t.State.String(),
			Status:      t.Status.String(),
			ID:          t.ID,
			ParentJobID: t.ParentJobID,
			Path:        t.Path,
			Changed:     changed[t.Index()],
		}); err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to write output", err)
		}
	}

	if len(report.Ignored) > 0 {
		_ = w.WriteWarning(ctx, &output.WarningRecord{
			Code:    output.WarnBackwardState,
			Message: "scheduler reported earlier states; tasks left unchanged",
			Indices: task.CompactIndices(report.Ignored),
		})
	}

	sum := s.ctrl.States()
	if failed := sum.Failed(); len(failed) > 0 {
		_ = w.WriteWarning(ctx, &output.WarningRecord{
			Code:    output.WarnTaskFailed,
			Message: "tasks failed",
			Indices: task.CompactIndices(failed),
		})
	}

	counts := make(map[string]int)
	for state, n := range sum.Count() {
		counts[state.String()] = n
	}
	err := w.WriteSummary(ctx, &output.SummaryRecord{
		Name:          s.ctrl.Name(),
		State:         string(jobregistry.Aggregate(sum)),
		Tasks:         len(sum),
		Counts:        counts,
		Failed:        len(sum.Failed()),
		Polled:        report.Polled,
		Changed:       len(report.Changes),
		Duration:      elapsed,
		DurationHuman: elapsed.Round(time.Millisecond).String(),
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return exitError(foundry.ExitSignalInt, "Status cancelled", err)
		}
		observability.CLILogger.Debug("Failed to emit summary record", zap.Error(err))
		return exitError(foundry.ExitFileWriteError, "Failed to write output", err)
	}
	return nil
}
