package cluster

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/jobsender/pkg/proc"
	"github.com/3leaps/jobsender/pkg/task"
	"github.com/3leaps/jobsender/pkg/workenv"
)

// Per-task log files written by the array launcher inside each task
// directory.
const (
	TaskStdout = "STDOUT"
	TaskStderr = "STDERR"
)

// dialect captures everything that differs between schedulers.
type dialect struct {
	kind         Kind
	submitCmd    string
	statusCmd    string
	killCmd      string
	defaultQueue string
	array        workenv.ArrayVariable

	// submitArgs builds the submit argv (without the command name).
	submitArgs func(cfg Config, spec, script string) []string

	// parseJobID extracts the parent job ID from submit stdout.
	parseJobID func(stdout string) (string, error)

	// parseStatus maps status command output to a state. ok is false when
	// the output shape or token is not recognized.
	parseStatus func(out proc.Output) (state task.State, status task.Status, ok bool)

	// simulateCheck returns a status command answer in the real format for
	// the simulated state.
	simulateCheck func(state task.State) proc.Output

	// simulateSubmit returns a submit answer carrying the given job number.
	simulateSubmit func(id string) proc.Output
}

// Option configures a backend.
type Option func(*backend)

// WithRunner replaces the process runner. It is ignored in simulate mode.
func WithRunner(r proc.Runner) Option {
	return func(b *backend) { b.runner = r }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *backend) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithRand sets the random source used by simulated responses.
func WithRand(r *rand.Rand) Option {
	return func(b *backend) { b.rng = r }
}

// backend is the command-driving core shared by all schedulers.
type backend struct {
	d       dialect
	cfg     Config
	runner  proc.Runner
	limiter *rate.Limiter
	logger  *zap.Logger
	rng     *rand.Rand

	// scratch state of the most recent submission
	lastArraySpec string
	lastParentID  string
}

func newBackend(d dialect, cfg Config, opts []Option) *backend {
	cfg.Backend = d.kind
	if strings.TrimSpace(cfg.Queue) == "" {
		cfg.Queue = d.defaultQueue
	}
	b := &backend{
		d:      d,
		cfg:    cfg,
		runner: proc.ExecRunner{},
		logger: zap.NewNop(),
		rng:    rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
	for _, opt := range opts {
		opt(b)
	}
	if cfg.Simulate {
		b.runner = simulator{b: b}
	}
	if cfg.PollRate > 0 {
		burst := cfg.PollBurst
		if burst <= 0 {
			burst = 1
		}
		b.limiter = rate.NewLimiter(rate.Limit(cfg.PollRate), burst)
	}
	return b
}

func (b *backend) Kind() Kind                           { return b.d.kind }
func (b *backend) Config() Config                       { return b.cfg }
func (b *backend) Simulating() bool                     { return b.cfg.Simulate }
func (b *backend) ArrayVariable() workenv.ArrayVariable { return b.d.array }

func (b *backend) LogFiles() (string, string) {
	return TaskStdout, TaskStderr
}

// LastSubmission returns the array specification and parent ID of the most
// recent successful submission.
func (b *backend) LastSubmission() (spec, parentID string) {
	return b.lastArraySpec, b.lastParentID
}

// element converts a task index into the scheduler's array element number.
func (b *backend) element(t *task.Task) int {
	return t.Index() + b.d.array.Offset
}

// arraySpec renders the array selection: "first-last" for a whole job, or a
// comma list for an explicit subset.
func (b *backend) arraySpec(tasks []*task.Task, whole bool) string {
	elems := make([]int, len(tasks))
	for i, t := range tasks {
		elems[i] = b.element(t)
	}
	sort.Ints(elems)
	if whole {
		return fmt.Sprintf("%d-%d", elems[0], elems[len(elems)-1])
	}
	parts := make([]string, len(elems))
	for i, e := range elems {
		parts[i] = strconv.Itoa(e)
	}
	return strings.Join(parts, ",")
}

// Submit implements Backend.
func (b *backend) Submit(ctx context.Context, job Job, tasks []*task.Task) error {
	whole := tasks == nil
	if whole {
		tasks = job.Tasks()
	}
	if len(tasks) == 0 {
		return nil
	}

	spec := b.arraySpec(tasks, whole)
	script := workenv.ScriptFile(job.ScriptName())
	args := b.d.submitArgs(b.cfg, spec, script)
	cmdline := proc.CommandLine(b.d.submitCmd, args...)

	b.logger.Debug("Submitting array job",
		zap.String("backend", string(b.d.kind)),
		zap.String("command", cmdline),
		zap.String("dir", job.BaseDir()))

	fail := func(serr *SubmissionError) error {
		for _, t := range tasks {
			t.Fail()
		}
		b.logger.Error("Submission failed",
			zap.String("command", cmdline),
			zap.String("array", spec),
			zap.String("stderr", serr.Stderr),
			zap.Error(serr.Err))
		return serr
	}

	out, err := b.runner.Run(ctx, job.BaseDir(), b.d.submitCmd, args...)
	if err != nil {
		return fail(&SubmissionError{Command: cmdline, Array: spec, Stderr: out.Stderr, Err: err})
	}
	if strings.TrimSpace(out.Stderr) != "" {
		return fail(&SubmissionError{Command: cmdline, Array: spec, Stderr: out.Stderr})
	}
	parentID, err := b.d.parseJobID(out.Stdout)
	if err != nil {
		return fail(&SubmissionError{Command: cmdline, Array: spec, Stdout: out.Stdout, Err: err})
	}

	for _, t := range tasks {
		if err := t.MarkSubmitted(parentID, b.element(t)); err != nil {
			b.logger.Warn("Task cannot move to submitted", zap.Int("index", t.Index()), zap.Error(err))
			t.Fail()
		}
	}
	b.lastArraySpec = spec
	b.lastParentID = parentID

	b.logger.Info("Submitted array job",
		zap.String("job", job.ScriptName()),
		zap.String("array", spec),
		zap.String("parent_id", parentID),
		zap.Int("tasks", len(tasks)))
	return nil
}

// Poll implements Backend.
func (b *backend) Poll(ctx context.Context, t *task.Task) (task.State, task.Status) {
	if !t.State.Active() {
		return t.State, t.Status
	}
	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			return t.State, t.Status
		}
	}

	out, err := b.runner.Run(ctx, t.Path, b.d.statusCmd, t.ID)
	if ctx.Err() != nil {
		// Interrupted queries say nothing about the task.
		return t.State, t.Status
	}
	if err != nil {
		b.logger.Warn("Status query failed",
			zap.Int("index", t.Index()),
			zap.String("id", t.ID),
			zap.Error(err))
		return t.State, task.StatusFail
	}

	state, status, ok := b.d.parseStatus(out)
	if !ok {
		b.logger.Warn("Unrecognized scheduler status output; the parser should be updated. Forcing aborted state",
			zap.String("backend", string(b.d.kind)),
			zap.Int("index", t.Index()),
			zap.String("stdout", out.Stdout),
			zap.String("stderr", out.Stderr))
		return task.StateAborted, task.StatusFail
	}
	return state, status
}

// Kill implements Backend.
func (b *backend) Kill(ctx context.Context, t *task.Task) error {
	if !t.State.Active() {
		b.logger.Warn("Task is not submitted or running; kill has no effect",
			zap.Int("index", t.Index()),
			zap.String("state", t.State.String()))
		return nil
	}

	out, err := b.runner.Run(ctx, t.Path, b.d.killCmd, t.ID)
	if err != nil {
		t.Fail()
		return fmt.Errorf("kill task %d (%s): %w", t.Index(), t.ID, err)
	}
	if msg := strings.TrimSpace(out.Stderr); msg != "" {
		b.logger.Warn("Kill command reported errors",
			zap.Int("index", t.Index()),
			zap.String("id", t.ID),
			zap.String("stderr", msg))
	}
	t.Reset()
	return nil
}

// SimulatedResponse implements Backend.
//
// Check answers are drawn from a table biased toward finished tasks; finish
// answers are OK six times out of seven.
func (b *backend) SimulatedResponse(action Action) Response {
	switch action {
	case ActionSubmit:
		digits := b.rng.Perm(9)
		var id strings.Builder
		for _, d := range digits {
			id.WriteString(strconv.Itoa(d))
		}
		return Response{Output: b.d.simulateSubmit(id.String())}
	case ActionCheck:
		state := simulatedStates[b.rng.IntN(len(simulatedStates))]
		return Response{Output: b.d.simulateCheck(state)}
	case ActionFinish:
		return Response{Status: simulatedFinish[b.rng.IntN(len(simulatedFinish))]}
	case ActionKill:
		return Response{Status: task.StatusOK}
	default:
		return Response{Output: proc.Output{Stderr: fmt.Sprintf("undefined action %q", action)}, Status: task.StatusFail}
	}
}

var simulatedStates = []task.State{
	task.StateSubmitted, task.StateRunning, task.StateFinished, task.StateAborted,
	task.StateSubmitted, task.StateRunning, task.StateFinished, task.StateRunning, task.StateFinished,
	task.StateRunning, task.StateFinished, task.StateFinished, task.StateFinished,
}

var simulatedFinish = []task.Status{
	task.StatusOK, task.StatusOK, task.StatusOK, task.StatusFail, task.StatusOK, task.StatusOK, task.StatusOK,
}

// simulator answers scheduler commands with simulated responses.
type simulator struct {
	b *backend
}

func (s simulator) Run(_ context.Context, _ string, name string, _ ...string) (proc.Output, error) {
	switch name {
	case s.b.d.submitCmd:
		return s.b.SimulatedResponse(ActionSubmit).Output, nil
	case s.b.d.statusCmd:
		return s.b.SimulatedResponse(ActionCheck).Output, nil
	case s.b.d.killCmd:
		return s.b.SimulatedResponse(ActionKill).Output, nil
	default:
		return proc.Output{}, fmt.Errorf("simulator: unexpected command %q", name)
	}
}
