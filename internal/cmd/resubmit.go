package cmd

import (
	"github.com/spf13/cobra"
)

var resubmitAll bool

var resubmitCmd = &cobra.Command{
	Use:   "resubmit <selection>",
	Short: "Send selected tasks to the scheduler again",
	Long: `Resubmit sends the selected tasks again. Aborted tasks, configured tasks and
tasks that finished with a failed status are eligible; others are skipped.

A selection is a comma separated list of indices and ranges.

Examples:
  jobsender resubmit 3
  jobsender resubmit 0-3,7
  jobsender resubmit --all`,
	RunE: runResubmit,
}

func init() {
	rootCmd.AddCommand(resubmitCmd)
	resubmitCmd.Flags().BoolVar(&resubmitAll, "all", false, "Select every task")
}

func runResubmit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := openJob(ctx)
	if err != nil {
		return err
	}
	indices, err := parseIndices(s.ctrl, args, resubmitAll)
	if err != nil {
		return err
	}

	sel := s.ctrl.Resubmit(ctx, indices)
	if err := s.save(ctx); err != nil {
		return err
	}
	reportSelection(cmd.OutOrStdout(), "Resubmitted", sel)
	return submissionOutcome(s.ctrl, sel.Applied)
}
