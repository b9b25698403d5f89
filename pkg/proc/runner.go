// Package proc runs external commands with an explicit working directory.
//
// Scheduler clients (bsub, qstat, ...) and storage listings (eos ls) are
// driven through the Runner interface so that callers never change the
// process-wide working directory and tests can substitute canned output.
package proc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// WaitDelay bounds how long Run waits for the output pipes after the
// context kills the command.
const WaitDelay = 2 * time.Second

// Output holds the captured streams of one command invocation.
type Output struct {
	Stdout string
	Stderr string
}

// Combined returns stdout followed by stderr.
func (o Output) Combined() string {
	if o.Stderr == "" {
		return o.Stdout
	}
	if o.Stdout == "" {
		return o.Stderr
	}
	return o.Stdout + "\n" + o.Stderr
}

// Runner executes a command in dir and returns its captured output.
//
// A non-zero exit status is not an error by itself: scheduler clients report
// "job not found" with a failing exit code and callers parse the text. Err is
// reserved for failures to start or wait on the process, and for a context
// that ended before the command did.
type Runner interface {
	Run(ctx context.Context, dir, name string, args ...string) (Output, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	// Env is appended to the inherited environment when non-empty.
	Env []string
}

// Run implements Runner.
func (r ExecRunner) Run(ctx context.Context, dir, name string, args ...string) (Output, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.WaitDelay = WaitDelay
	if len(r.Env) > 0 {
		cmd.Env = append(cmd.Environ(), r.Env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := Output{Stdout: stdout.String(), Stderr: stderr.String()}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return out, &CommandError{Name: name, Args: args, Dir: dir, Err: ctxErr}
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return out, nil
		}
		return out, &CommandError{Name: name, Args: args, Dir: dir, Err: err}
	}
	return out, nil
}

// CommandError reports a command that could not be run at all.
type CommandError struct {
	Name string
	Args []string
	Dir  string
	Err  error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("run %s: %v", CommandLine(e.Name, e.Args...), e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// CommandLine renders a command for logs.
func CommandLine(name string, args ...string) string {
	if len(args) == 0 {
		return name
	}
	return name + " " + strings.Join(args, " ")
}
