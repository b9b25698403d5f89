package workenv

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/3leaps/jobsender/pkg/task"
)

// TaskDirName is the directory name of task index i: {Alias}Job_{job}_{i}.
func TaskDirName(alias, jobName string, i int) string {
	return fmt.Sprintf("%sJob_%s_%d", alias, jobName, i)
}

// ScriptFile is the launch script file name for a job.
func ScriptFile(jobName string) string {
	return jobName + ".sh"
}

var launcherTemplate = template.Must(template.New("launcher").Parse(`#!/bin/bash
# Array launcher for job '{{.JobName}}' ({{.Alias}}), created by jobsender [{{.Created}}]
# Runs task directory {{.Alias}}Job_{{.JobName}}_<index> for each array element.

ARRAY_INDEX="{{.ArrayRef}}"
if [ -z "$ARRAY_INDEX" ]; then
    echo "{{.ArrayVar}} is not set: this script must run as an array job element" >&2
    exit 2
fi
TASK_INDEX=$((ARRAY_INDEX - {{.Offset}}))
TASK_DIR="{{.BaseDir}}/{{.Alias}}Job_{{.JobName}}_${TASK_INDEX}"
cd "$TASK_DIR" || exit 3
exec ./{{.Script}} > "$TASK_DIR/{{.Stdout}}" 2> "$TASK_DIR/{{.Stderr}}"
`))

type launcherData struct {
	JobName  string
	Alias    string
	Created  string
	ArrayVar string
	ArrayRef string
	Offset   int
	BaseDir  string
	Script   string
	Stdout   string
	Stderr   string
}

// layout creates the per-task directories, calls writeTask for each of them
// and writes the array launcher. It refuses to reuse an existing task
// directory. On failure the task directories it created are removed again.
func layout(ctx context.Context, env WorkEnv, n int, opts PrepareOptions, writeTask func(i int, dir string) error) (_ []*task.Task, err error) {
	if strings.TrimSpace(opts.BaseDir) == "" {
		return nil, errors.New("prepare: base directory is required")
	}
	if opts.Array.Name == "" {
		return nil, errors.New("prepare: array variable is required")
	}
	if opts.StdoutFile == "" || opts.StderrFile == "" {
		return nil, errors.New("prepare: log file names are required")
	}
	base, err := filepath.Abs(opts.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("prepare: %w", err)
	}
	if err := os.MkdirAll(base, 0755); err != nil {
		return nil, fmt.Errorf("prepare: create base dir: %w", err)
	}

	var created []string
	defer func() {
		if err == nil {
			return
		}
		for _, dir := range created {
			_ = os.RemoveAll(dir)
		}
	}()

	tasks := make([]*task.Task, 0, n)
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		dir := filepath.Join(base, TaskDirName(env.Alias(), env.JobName(), i))
		if err := os.Mkdir(dir, 0755); err != nil {
			if errors.Is(err, os.ErrExist) {
				return nil, fmt.Errorf("prepare: task directory %s already exists", dir)
			}
			return nil, fmt.Errorf("prepare: create task dir: %w", err)
		}
		created = append(created, dir)
		if err := writeTask(i, dir); err != nil {
			return nil, fmt.Errorf("prepare: task %d: %w", i, err)
		}

		t := task.New(i, dir, env.JobName())
		if err := t.Transition(task.StateConfigured, task.StatusOK); err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}

	var buf bytes.Buffer
	err = launcherTemplate.Execute(&buf, launcherData{
		JobName:  env.JobName(),
		Alias:    env.Alias(),
		Created:  time.Now().Format("2006-01-02 15:04:05"),
		ArrayVar: opts.Array.Name,
		ArrayRef: "${" + opts.Array.Name + ":-}",
		Offset:   opts.Array.Offset,
		BaseDir:  base,
		Script:   ScriptFile(env.JobName()),
		Stdout:   opts.StdoutFile,
		Stderr:   opts.StderrFile,
	})
	if err != nil {
		return nil, fmt.Errorf("prepare: render launcher: %w", err)
	}
	if err := writeScript(filepath.Join(base, ScriptFile(env.JobName())), buf.Bytes()); err != nil {
		return nil, fmt.Errorf("prepare: %w", err)
	}
	return tasks, nil
}

func writeScript(path string, content []byte) error {
	// #nosec G306 -- launch scripts must be executable by the batch system
	if err := os.WriteFile(path, content, 0755); err != nil {
		return fmt.Errorf("write script %s: %w", path, err)
	}
	return os.Chmod(path, 0755)
}

// logContains reports whether the file at path contains marker on any line.
func logContains(path, marker string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if strings.Contains(scanner.Text(), marker) {
			return true
		}
	}
	return false
}
