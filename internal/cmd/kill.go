package cmd

import (
	"github.com/spf13/cobra"
)

var killAll bool

var killCmd = &cobra.Command{
	Use:   "kill <selection>",
	Short: "Remove selected tasks from the scheduler",
	Long: `Kill removes the selected submitted or running tasks from the scheduler. A
killed task returns to the configured state and can be resubmitted.

Examples:
  jobsender kill 5-9
  jobsender kill --all`,
	RunE: runKill,
}

func init() {
	rootCmd.AddCommand(killCmd)
	killCmd.Flags().BoolVar(&killAll, "all", false, "Select every task")
}

func runKill(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := openJob(ctx)
	if err != nil {
		return err
	}
	indices, err := parseIndices(s.ctrl, args, killAll)
	if err != nil {
		return err
	}

	sel := s.ctrl.Kill(ctx, indices)
	if err := s.save(ctx); err != nil {
		return err
	}
	reportSelection(cmd.OutOrStdout(), "Killed", sel)
	return nil
}
