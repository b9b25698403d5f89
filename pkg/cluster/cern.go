package cluster

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/3leaps/jobsender/pkg/proc"
	"github.com/3leaps/jobsender/pkg/task"
	"github.com/3leaps/jobsender/pkg/workenv"
)

// DefaultCernQueue is the LSF queue used when none is configured.
const DefaultCernQueue = "8nh"

var cernStates = map[string]task.State{
	"PEND": task.StateSubmitted,
	"RUN":  task.StateRunning,
	"DONE": task.StateFinished,
	"EXIT": task.StateAborted,
}

var cernDialect = dialect{
	kind:         KindCern,
	submitCmd:    "bsub",
	statusCmd:    "bjobs",
	killCmd:      "bkill",
	defaultQueue: DefaultCernQueue,
	array:        workenv.ArrayVariable{Name: "LSB_JOBINDEX", Offset: 1},

	submitArgs: func(cfg Config, spec, script string) []string {
		args := []string{"-o", "STDOUT_%J_%I", "-e", "STDERR_%J_%I", "-q", cfg.Queue}
		args = append(args, cfg.ExtraOptions...)
		return append(args, "-J", "arrayJob["+spec+"]", script)
	},
	parseJobID:     parseCernJobID,
	parseStatus:    parseCernStatus,
	simulateCheck:  simulateCernCheck,
	simulateSubmit: func(id string) proc.Output {
		return proc.Output{Stdout: fmt.Sprintf("Job <%s> is submitted to queue <%s>.\n", id, DefaultCernQueue)}
	},
}

// Cern is the LSF backend used on CERN lxplus (bsub/bjobs/bkill). LSF array
// elements are numbered from 1.
type Cern struct {
	*backend
}

// NewCern returns an LSF backend.
func NewCern(cfg Config, opts ...Option) *Cern {
	return &Cern{backend: newBackend(cernDialect, cfg, opts)}
}

// parseCernJobID reads the job number from bsub output of the form
// "Job <12345> is submitted to queue <8nh>.".
func parseCernJobID(stdout string) (string, error) {
	i := strings.LastIndex(stdout, "Job")
	if i < 0 {
		return "", fmt.Errorf("no job number in bsub output %q", strings.TrimSpace(stdout))
	}
	rest := stdout[i+len("Job"):]
	open := strings.Index(rest, "<")
	if open < 0 {
		return "", fmt.Errorf("no job number in bsub output %q", strings.TrimSpace(stdout))
	}
	rest = rest[open+1:]
	end := strings.Index(rest, ">")
	if end < 0 {
		return "", fmt.Errorf("unterminated job number in bsub output %q", strings.TrimSpace(stdout))
	}
	n, err := strconv.Atoi(strings.TrimSpace(rest[:end]))
	if err != nil {
		return "", fmt.Errorf("job number in bsub output: %w", err)
	}
	return strconv.Itoa(n), nil
}

var errNoStatus = errors.New("no status token")

// parseCernStatus interprets bjobs output. A job LSF no longer knows about is
// finished.
func parseCernStatus(out proc.Output) (task.State, task.Status, bool) {
	if strings.Contains(out.Stdout, "not found") || strings.Contains(out.Stderr, "not found") {
		return task.StateFinished, task.StatusOK, true
	}
	if !strings.HasPrefix(strings.TrimSpace(out.Stdout), "JOBID") {
		return task.StateAborted, task.StatusFail, false
	}
	token, err := field(out.Stdout, 1, 2)
	if err != nil {
		return task.StateAborted, task.StatusFail, false
	}
	state, ok := cernStates[token]
	if !ok {
		return task.StateAborted, task.StatusFail, false
	}
	return state, task.StatusOK, true
}

func simulateCernCheck(state task.State) proc.Output {
	if state == task.StateFinished {
		msg := "Job <123456789> is not found\n"
		return proc.Output{Stdout: msg, Stderr: msg}
	}
	token := "PEND"
	for k, v := range cernStates {
		if v == state {
			token = k
		}
	}
	return proc.Output{Stdout: "JOBID <123456789>:\njob status " + token + "\n"}
}

// field returns whitespace-separated field f of line l (both zero based).
func field(text string, l, f int) (string, error) {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	if l >= len(lines) {
		return "", errNoStatus
	}
	fields := strings.Fields(lines[l])
	if f >= len(fields) {
		return "", errNoStatus
	}
	return fields[f], nil
}
