// Package cluster drives batch schedulers: it submits array jobs, polls task
// state and kills tasks by invoking the scheduler's command-line clients and
// parsing their text output.
//
// Two backends are provided: Cern (LSF: bsub/bjobs/bkill) and Tau
// (PBS/Torque: qsub/qstat/qdel). Both share one command-driving core and
// differ only in command templates, array syntax and output parsers. In
// simulate mode the external commands are replaced by canned responses in
// the real commands' text format, so the same parsers run.
package cluster

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/3leaps/jobsender/pkg/proc"
	"github.com/3leaps/jobsender/pkg/task"
	"github.com/3leaps/jobsender/pkg/workenv"
)

// Kind identifies a scheduler backend.
type Kind string

const (
	KindCern Kind = "cern"
	KindTau  Kind = "tau"
)

// Config is the serializable configuration of a backend.
type Config struct {
	Backend      Kind     `json:"backend" mapstructure:"backend"`
	Queue        string   `json:"queue,omitempty" mapstructure:"queue"`
	ExtraOptions []string `json:"extra_options,omitempty" mapstructure:"extra_options"`
	Simulate     bool     `json:"simulate,omitempty" mapstructure:"simulate"`

	// PollRate limits status queries per second. Zero means unlimited.
	PollRate  float64 `json:"poll_rate,omitempty" mapstructure:"poll_rate"`
	PollBurst int     `json:"poll_burst,omitempty" mapstructure:"poll_burst"`
}

// Job is what a backend needs to submit an array job.
type Job interface {
	// BaseDir is the directory holding the array launcher script.
	BaseDir() string

	// ScriptName is the launcher's base name, without ".sh".
	ScriptName() string

	// Tasks is the full task list of the job.
	Tasks() []*task.Task
}

// Action names a scheduler interaction for simulated responses.
type Action string

const (
	ActionSubmit Action = "submit"
	ActionCheck  Action = "checking"
	ActionFinish Action = "finishing"
	ActionKill   Action = "killing"
)

// Response is a simulated scheduler answer. Output is set for submit, check
// and kill; Status is set for finish.
type Response struct {
	Output proc.Output
	Status task.Status
}

// Backend is a batch scheduler adapter.
type Backend interface {
	Kind() Kind
	Config() Config

	// LogFiles names the per-task stdout/stderr files inside task
	// directories.
	LogFiles() (stdout, stderr string)

	// ArrayVariable is the environment variable carrying the array element
	// number inside a running element.
	ArrayVariable() workenv.ArrayVariable

	Simulating() bool

	// Submit sends tasks as one array job. A nil task list sends every task
	// of the job as a contiguous range. Failures mark the affected tasks
	// failed and are returned for reporting only.
	Submit(ctx context.Context, job Job, tasks []*task.Task) error

	// Poll queries the scheduler for a Submitted or Running task and returns
	// its new state and status. Other tasks are returned unchanged.
	Poll(ctx context.Context, t *task.Task) (task.State, task.Status)

	// Kill removes a Submitted or Running task from the scheduler and resets
	// it to Configured. Other tasks are left untouched with a warning.
	Kill(ctx context.Context, t *task.Task) error

	SimulatedResponse(action Action) Response
}

var registry = map[Kind]func(Config, ...Option) Backend{
	KindCern: func(cfg Config, opts ...Option) Backend { return NewCern(cfg, opts...) },
	KindTau:  func(cfg Config, opts ...Option) Backend { return NewTau(cfg, opts...) },
}

// Kinds lists the available backends.
func Kinds() []Kind {
	out := make([]Kind, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// New builds the backend named by cfg.Backend.
func New(cfg Config, opts ...Option) (Backend, error) {
	build, ok := registry[Kind(strings.ToLower(string(cfg.Backend)))]
	if !ok {
		return nil, fmt.Errorf("unknown cluster backend %q (known: %v)", cfg.Backend, Kinds())
	}
	return build(cfg, opts...), nil
}

// Commands returns the scheduler programs a backend runs: submit, status
// and kill, in that order.
func Commands(kind Kind) ([]string, error) {
	var d dialect
	switch Kind(strings.ToLower(string(kind))) {
	case KindCern:
		d = cernDialect
	case KindTau:
		d = tauDialect
	default:
		return nil, fmt.Errorf("unknown cluster backend %q (known: %v)", kind, Kinds())
	}
	return []string{d.submitCmd, d.statusCmd, d.killCmd}, nil
}

// Detect suggests a backend from the submitting host's name: lxplus nodes
// use Cern, hosts under tau.ac.il use Tau.
func Detect(hostname string) (Kind, bool) {
	h := strings.ToLower(strings.TrimSpace(hostname))
	switch {
	case strings.HasPrefix(h, "lxplus"):
		return KindCern, true
	case strings.Contains(h, "tau.ac.il"):
		return KindTau, true
	default:
		return "", false
	}
}
