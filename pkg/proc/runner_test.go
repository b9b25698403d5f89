package proc

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecRunner_UsesWorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "marker.txt"), []byte("x"), 0644))

	out, err := ExecRunner{}.Run(context.Background(), dir, "ls")
	require.NoError(t, err)
	assert.Contains(t, out.Stdout, "marker.txt")
	assert.Empty(t, out.Stderr)
}

func TestExecRunner_NonZeroExitIsNotAnError(t *testing.T) {
	out, err := ExecRunner{}.Run(context.Background(), t.TempDir(), "sh", "-c", "echo gone >&2; exit 3")
	require.NoError(t, err)
	assert.Equal(t, "gone\n", out.Stderr)
}

func TestExecRunner_MissingBinary(t *testing.T) {
	_, err := ExecRunner{}.Run(context.Background(), t.TempDir(), "definitely-not-a-scheduler-client")
	require.Error(t, err)

	var cmdErr *CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.Equal(t, "definitely-not-a-scheduler-client", cmdErr.Name)
}

func TestExecRunner_ContextDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := ExecRunner{}.Run(ctx, t.TempDir(), "sleep", "5")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestExecRunner_ContextDeadlineWithLingeringChild(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	// The background sleep keeps stdout open after sh is killed.
	start := time.Now()
	_, err := ExecRunner{}.Run(ctx, t.TempDir(), "sh", "-c", "sleep 10 & wait")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), WaitDelay+3*time.Second)
}

func TestExecRunner_Env(t *testing.T) {
	r := ExecRunner{Env: []string{"JOBSENDER_TEST_VALUE=42"}}
	out, err := r.Run(context.Background(), t.TempDir(), "sh", "-c", "printf %s \"$JOBSENDER_TEST_VALUE\"")
	require.NoError(t, err)
	assert.Equal(t, "42", out.Stdout)
}

func TestOutput_Combined(t *testing.T) {
	assert.Equal(t, "a", Output{Stdout: "a"}.Combined())
	assert.Equal(t, "b", Output{Stderr: "b"}.Combined())
	assert.Equal(t, "a\nb", Output{Stdout: "a", Stderr: "b"}.Combined())
}

func TestCommandLine(t *testing.T) {
	assert.Equal(t, "bjobs", CommandLine("bjobs"))
	assert.Equal(t, "bkill 12[3]", CommandLine("bkill", "12[3]"))
}
