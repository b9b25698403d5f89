package cluster

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/3leaps/jobsender/pkg/proc"
	"github.com/3leaps/jobsender/pkg/task"
	"github.com/3leaps/jobsender/pkg/workenv"
)

// DefaultTauQueue is the PBS queue used when none is configured.
const DefaultTauQueue = "N"

const tauSimulatedServer = "tau-cream.hep.tau.ac.il"

var tauStates = map[string]task.State{
	"Q": task.StateSubmitted,
	"R": task.StateRunning,
	"C": task.StateFinished,
	"E": task.StateAborted,
}

// Tau is the PBS/Torque backend used on the Tel Aviv cluster
// (qsub/qstat/qdel). PBS array elements are numbered from 0.
type Tau struct {
	*backend
	server string
}

// NewTau returns a PBS backend.
func NewTau(cfg Config, opts ...Option) *Tau {
	t := &Tau{}
	d := tauDialect
	d.parseJobID = func(stdout string) (string, error) {
		id, server, err := parseTauJobID(stdout)
		if err != nil {
			return "", err
		}
		t.server = server
		return id, nil
	}
	t.backend = newBackend(d, cfg, opts)
	return t
}

// ServerName is the PBS server reported by the last successful submission.
func (t *Tau) ServerName() string { return t.server }

var tauDialect = dialect{
	kind:         KindTau,
	submitCmd:    "qsub",
	statusCmd:    "qstat",
	killCmd:      "qdel",
	defaultQueue: DefaultTauQueue,
	array:        workenv.ArrayVariable{Name: "PBS_ARRAYID", Offset: 0},

	submitArgs: func(cfg Config, spec, script string) []string {
		args := []string{"-o", TaskStdout, "-e", TaskStderr, "-q", cfg.Queue, "-V"}
		args = append(args, cfg.ExtraOptions...)
		return append(args, "-t", spec, script)
	},
	parseStatus:   parseTauStatus,
	simulateCheck: simulateTauCheck,
	simulateSubmit: func(id string) proc.Output {
		return proc.Output{Stdout: id + "[]." + tauSimulatedServer + "\n"}
	},
}

// parseTauJobID splits qsub output "1234[].server.domain" into the job number
// and the server name.
func parseTauJobID(stdout string) (id, server string, err error) {
	out := strings.TrimSpace(stdout)
	if out == "" {
		return "", "", fmt.Errorf("empty qsub output")
	}
	id, server, _ = strings.Cut(out, ".")
	id = strings.TrimSuffix(id, "[]")
	n, err := strconv.Atoi(id)
	if err != nil {
		return "", "", fmt.Errorf("job number in qsub output %q: %w", out, err)
	}
	return strconv.Itoa(n), server, nil
}

// parseTauStatus interprets qstat output. A job PBS no longer knows about is
// finished.
func parseTauStatus(out proc.Output) (task.State, task.Status, bool) {
	if strings.Contains(out.Stdout, "Unknown Job Id") || strings.Contains(out.Stderr, "Unknown Job Id") {
		return task.StateFinished, task.StatusOK, true
	}
	head := strings.TrimSpace(out.Stdout)
	if len(head) < len("Job id") || !strings.EqualFold(head[:len("Job id")], "Job id") {
		return task.StateAborted, task.StatusFail, false
	}
	token, err := field(out.Stdout, 2, 4)
	if err != nil {
		return task.StateAborted, task.StatusFail, false
	}
	state, ok := tauStates[token]
	if !ok {
		return task.StateAborted, task.StatusFail, false
	}
	return state, task.StatusOK, true
}

func simulateTauCheck(state task.State) proc.Output {
	token := "Q"
	for k, v := range tauStates {
		if v == state {
			token = k
		}
	}
	return proc.Output{Stdout: "Job id <123456789>:\n----\nsim the job status " + token + "\n"}
}
