package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/jobsender/pkg/jobregistry"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List jobs recorded in the per-user job registry",
	Long: `Every prepared job is recorded in the per-user job registry with its
directory, backend and last known task counts. The record is refreshed each
time a command saves the job.

Registry ids can be shortened to any unique prefix.`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered jobs",
	Args:  cobra.NoArgs,
	RunE:  runJobsList,
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job_id>",
	Short: "Show one registered job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsShow,
}

var jobsGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Remove registry records of old or orphaned jobs",
	Long: `Remove registry records that were last updated before --max-age, and
records whose job directory no longer exists. Active jobs are kept. Job
directories themselves are never touched.`,
	Args: cobra.NoArgs,
	RunE: runJobsGC,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsShowCmd)
	jobsCmd.AddCommand(jobsGCCmd)

	jobsListCmd.Flags().Bool("json", false, "Output as JSON")
	jobsShowCmd.Flags().Bool("json", false, "Output as JSON")
	jobsGCCmd.Flags().String("max-age", "720h", "Delete records not updated for this long")
	jobsGCCmd.Flags().Bool("dry-run", false, "Show how many records would be deleted")
	jobsGCCmd.Flags().Bool("json", false, "Output as JSON")
}

func registryStore(cmd *cobra.Command) (*jobregistry.Store, error) {
	cfg, err := runtimeConfig(cmd.Context())
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	return jobregistry.NewStore(cfg.RegistryDir()), nil
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	out := cmd.OutOrStdout()

	store, err := registryStore(cmd)
	if err != nil {
		return err
	}
	jobs, err := store.List()
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read job registry", err)
	}

	if jsonOutput {
		if jobs == nil {
			jobs = []jobregistry.JobRecord{}
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(jobs)
	}
	if len(jobs) == 0 {
		_, _ = fmt.Fprintln(out, "No jobs found")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "JOB ID\tNAME\tSTATE\tBACKEND\tKIND\tTASKS\tFAILED\tUPDATED\tDIR")
	for _, j := range jobs {
		backend := j.Backend
		if j.Simulate {
			backend += "*"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			shortJobID(j.JobID),
			valueOrDash(j.Name),
			j.State,
			valueOrDash(backend),
			valueOrDash(j.Kind),
			j.Tasks,
			j.Failed,
			formatTime(j.UpdatedAt),
			valueOrDash(j.BaseDir),
		)
	}
	return nil
}

func runJobsShow(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	out := cmd.OutOrStdout()

	store, err := registryStore(cmd)
	if err != nil {
		return err
	}
	resolvedID, err := resolveJobID(store, args[0])
	if err != nil {
		return exitError(foundry.ExitFileNotFound, "Unknown job", err)
	}
	rec, err := store.Get(resolvedID)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read job record", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	}
	printJobRecord(out, rec)
	return nil
}

func printJobRecord(out io.Writer, rec *jobregistry.JobRecord) {
	_, _ = fmt.Fprintf(out, "job_id=%s\n", rec.JobID)
	_, _ = fmt.Fprintf(out, "name=%s\n", rec.Name)
	_, _ = fmt.Fprintf(out, "state=%s\n", rec.State)
	_, _ = fmt.Fprintf(out, "base_dir=%s\n", rec.BaseDir)
	_, _ = fmt.Fprintf(out, "backend=%s\n", rec.Backend)
	if rec.Queue != "" {
		_, _ = fmt.Fprintf(out, "queue=%s\n", rec.Queue)
	}
	if rec.Simulate {
		_, _ = fmt.Fprintln(out, "simulate=true")
	}
	_, _ = fmt.Fprintf(out, "kind=%s\n", rec.Kind)
	if rec.ManifestPath != "" {
		_, _ = fmt.Fprintf(out, "manifest_path=%s\n", rec.ManifestPath)
	}
	if rec.Host != "" {
		_, _ = fmt.Fprintf(out, "host=%s\n", rec.Host)
	}
	_, _ = fmt.Fprintf(out, "tasks=%d\n", rec.Tasks)
	states := make([]string, 0, len(rec.Counts))
	for state := range rec.Counts {
		states = append(states, state)
	}
	sort.Strings(states)
	for _, state := range states {
		_, _ = fmt.Fprintf(out, "tasks_%s=%d\n", state, rec.Counts[state])
	}
	if rec.Failed > 0 {
		_, _ = fmt.Fprintf(out, "failed=%d\n", rec.Failed)
	}
	_, _ = fmt.Fprintf(out, "created_at=%s\n", formatTime(rec.CreatedAt))
	_, _ = fmt.Fprintf(out, "updated_at=%s\n", formatTime(rec.UpdatedAt))
}

type jobsGCResult struct {
	Deleted      int    `json:"deleted"`
	WouldDelete  int    `json:"would_delete"`
	Orphaned     int    `json:"orphaned"`
	DryRun       bool   `json:"dry_run"`
	MaxAgeString string `json:"max_age"`
}

func runJobsGC(cmd *cobra.Command, _ []string) error {
	maxAgeStr, _ := cmd.Flags().GetString("max-age")
	maxAgeStr = strings.TrimSpace(maxAgeStr)
	if maxAgeStr == "" {
		maxAgeStr = "720h"
	}
	maxAge, err := time.ParseDuration(maxAgeStr)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --max-age value", err)
	}
	if maxAge <= 0 {
		return exitError(foundry.ExitInvalidArgument, "Invalid --max-age value", fmt.Errorf("--max-age must be > 0"))
	}
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	store, err := registryStore(cmd)
	if err != nil {
		return err
	}
	expired, err := store.Expired(time.Now().UTC().Add(-maxAge))
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read job registry", err)
	}
	all, err := store.List()
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read job registry", err)
	}

	victims := map[string]bool{}
	for _, j := range expired {
		victims[j.JobID] = true
	}
	orphaned := 0
	for _, j := range all {
		if j.State == jobregistry.JobStateOrphaned {
			victims[j.JobID] = true
			orphaned++
		}
	}

	if !dryRun {
		for id := range victims {
			if err := store.Delete(id); err != nil {
				return exitError(foundry.ExitFileWriteError, "Failed to remove job record", err)
			}
		}
	}

	res := jobsGCResult{DryRun: dryRun, MaxAgeString: maxAgeStr, Orphaned: orphaned}
	if dryRun {
		res.WouldDelete = len(victims)
	} else {
		res.Deleted = len(victims)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	if dryRun {
		_, _ = fmt.Fprintf(out, "would_delete=%d\n", res.WouldDelete)
		return nil
	}
	_, _ = fmt.Fprintf(out, "deleted=%d\n", res.Deleted)
	return nil
}

func shortJobID(jobID string) string {
	jobID = strings.TrimSpace(jobID)
	if len(jobID) <= 12 {
		return jobID
	}
	return jobID[:12]
}

func valueOrDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func resolveJobID(store *jobregistry.Store, input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("job_id is required")
	}

	if _, err := store.Get(input); err == nil {
		return input, nil
	}

	// Prefix match allows the short ids printed by 'jobs list'.
	jobs, err := store.List()
	if err != nil {
		return "", err
	}
	matches := make([]string, 0, 2)
	for _, j := range jobs {
		if strings.HasPrefix(j.JobID, input) {
			matches = append(matches, j.JobID)
		}
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("job not found: %s", input)
	}
	if len(matches) > 1 {
		return "", fmt.Errorf("job id prefix is ambiguous (%d matches); use the full job_id", len(matches))
	}
	return matches[0], nil
}
