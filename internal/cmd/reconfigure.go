package cmd

import (
	"github.com/spf13/cobra"
)

var reconfigureAll bool

var reconfigureCmd = &cobra.Command{
	Use:   "reconfigure <selection>",
	Short: "Return unconfigured tasks to the configured state",
	Long: `Reconfigure moves the selected tasks that are in the 'none' state back to
'configured' so they can be submitted.

Examples:
  jobsender reconfigure 2
  jobsender reconfigure --all`,
	RunE: runReconfigure,
}

func init() {
	rootCmd.AddCommand(reconfigureCmd)
	reconfigureCmd.Flags().BoolVar(&reconfigureAll, "all", false, "Select every task")
}

func runReconfigure(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := openJob(ctx)
	if err != nil {
		return err
	}
	indices, err := parseIndices(s.ctrl, args, reconfigureAll)
	if err != nil {
		return err
	}

	sel := s.ctrl.Reconfigure(indices)
	if err := s.save(ctx); err != nil {
		return err
	}
	reportSelection(cmd.OutOrStdout(), "Reconfigured", sel)
	return nil
}
