package cmd

import (
	"errors"
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/jobsender/pkg/jobctl"
	"github.com/3leaps/jobsender/pkg/task"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit the prepared tasks to the scheduler",
	Long: `Submit sends every configured task to the scheduler. A freshly prepared job
goes out as one array job covering all tasks.

Tasks whose submission fails stay configured with a failed status and can be
sent again with 'jobsender resubmit'.`,
	Args: cobra.NoArgs,
	RunE: runSubmit,
}

func init() {
	rootCmd.AddCommand(submitCmd)
}

func runSubmit(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	s, err := openJob(ctx)
	if err != nil {
		return err
	}

	sel, err := s.ctrl.Submit(ctx)
	if err != nil {
		if errors.Is(err, jobctl.ErrNotPrepared) {
			return exitError(foundry.ExitInvalidArgument, "Job has no tasks", err)
		}
		return exitError(foundry.ExitExternalServiceUnavailable, "Submission failed", err)
	}
	if err := s.save(ctx); err != nil {
		return err
	}

	reportSelection(cmd.OutOrStdout(), "Submitted", sel)
	return submissionOutcome(s.ctrl, sel.Applied)
}

// submissionOutcome fails the command when none of the applied tasks reached
// the scheduler.
func submissionOutcome(ctrl *jobctl.Controller, applied []int) error {
	if len(applied) == 0 {
		return nil
	}
	var failed []int
	for _, i := range applied {
		t, ok := ctrl.Task(i)
		if ok && t.State == task.StateConfigured && t.Status == task.StatusFail {
			failed = append(failed, i)
		}
	}
	if len(failed) == len(applied) {
		return exitError(foundry.ExitExternalServiceUnavailable, "Scheduler rejected the submission",
			fmt.Errorf("tasks %s are marked failed", task.CompactIndices(failed)))
	}
	return nil
}
