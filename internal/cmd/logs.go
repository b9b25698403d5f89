package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
)

var (
	logsStream string
	logsTail   int
)

var logsCmd = &cobra.Command{
	Use:   "logs <index>",
	Short: "Show the output of one task",
	Long: `Logs prints the stdout and/or stderr file a task wrote in its directory.

Examples:
  jobsender logs 4
  jobsender logs 4 --stream stderr --tail 50`,
	Args: cobra.ExactArgs(1),
	RunE: runLogs,
}

func init() {
	rootCmd.AddCommand(logsCmd)
	logsCmd.Flags().StringVar(&logsStream, "stream", "stdout", "Log stream: stdout, stderr, or both")
	logsCmd.Flags().IntVar(&logsTail, "tail", 200, "Show last N lines (0 = whole file)")
}

func runLogs(cmd *cobra.Command, args []string) error {
	index, err := strconv.Atoi(strings.TrimSpace(args[0]))
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid task index", err)
	}
	stream := strings.TrimSpace(strings.ToLower(logsStream))
	if stream == "" {
		stream = "stdout"
	}
	tailN := logsTail
	if tailN < 0 {
		tailN = 0
	}

	s, err := openJob(cmd.Context())
	if err != nil {
		return err
	}
	t, ok := s.ctrl.Task(index)
	if !ok {
		return exitError(foundry.ExitInvalidArgument, "Unknown task",
			fmt.Errorf("job %s has no task %d", s.ctrl.Name(), index))
	}

	stdoutName, stderrName := s.ctrl.Backend().LogFiles()
	stdoutPath := filepath.Join(t.Path, stdoutName)
	stderrPath := filepath.Join(t.Path, stderrName)

	out := cmd.OutOrStdout()
	switch stream {
	case "stdout":
		return printLogTail(out, stdoutPath, tailN)
	case "stderr":
		return printLogTail(out, stderrPath, tailN)
	case "both":
		_, _ = fmt.Fprintf(out, "==> %s <==\n", stdoutPath)
		if err := printLogTail(out, stdoutPath, tailN); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(out, "\n==> %s <==\n", stderrPath)
		return printLogTail(out, stderrPath, tailN)
	default:
		return exitError(foundry.ExitInvalidArgument, "Invalid --stream value",
			fmt.Errorf("invalid --stream %q (expected stdout, stderr, or both)", stream))
	}
}

func printLogTail(w io.Writer, path string, tailN int) error {
	// #nosec G304 -- path is inside the job's own task directory
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return exitError(foundry.ExitFileNotFound, "Task has not written this log yet", err)
		}
		return exitError(foundry.ExitFileReadError, "Failed to read task log", err)
	}
	defer func() { _ = f.Close() }()

	if tailN <= 0 {
		_, err := io.Copy(w, f)
		return err
	}

	lines, err := tailLines(f, tailN)
	if err != nil {
		return err
	}
	for _, line := range lines {
		_, _ = fmt.Fprintln(w, line)
	}
	return nil
}

// tailLines returns the last n lines of r.
func tailLines(r io.Reader, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	buf := make([]string, 0, n)

	for scanner.Scan() {
		line := scanner.Text()
		if len(buf) < n {
			buf = append(buf, line)
			continue
		}
		copy(buf, buf[1:])
		buf[n-1] = line
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return buf, nil
}
