// Package jobctl drives the lifecycle of one array job: it owns a work
// environment, a cluster backend and the ordered task list, and exposes the
// prepare, submit, update, resubmit, reconfigure and kill operations.
//
// Per-task failures never abort an operation. They surface as status Fail on
// the affected tasks and are visible through States and ShowStates.
package jobctl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/jobsender/pkg/cluster"
	"github.com/3leaps/jobsender/pkg/task"
	"github.com/3leaps/jobsender/pkg/workenv"
)

var (
	// ErrAlreadyPrepared is returned by Prepare when the job already has tasks.
	ErrAlreadyPrepared = errors.New("job is already prepared")

	// ErrNotPrepared is returned by operations that need tasks.
	ErrNotPrepared = errors.New("job is not prepared")
)

// Controller manages one array job.
type Controller struct {
	name      string
	baseDir   string
	createdAt time.Time

	env     workenv.WorkEnv
	backend cluster.Backend
	tasks   []*task.Task

	logger *zap.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates an unprepared controller.
func New(name, baseDir string, env workenv.WorkEnv, backend cluster.Backend, opts ...Option) (*Controller, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("job name is required")
	}
	if env == nil || backend == nil {
		return nil, errors.New("work environment and cluster backend are required")
	}
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("job base dir: %w", err)
	}
	c := &Controller{
		name:      name,
		baseDir:   abs,
		createdAt: time.Now().UTC(),
		env:       env,
		backend:   backend,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// State is the persisted part of a controller that is not owned by the work
// environment or the backend.
type State struct {
	Name      string
	BaseDir   string
	CreatedAt time.Time
	Tasks     []task.Record
}

// Restore rebuilds a controller from persisted state.
func Restore(st State, env workenv.WorkEnv, backend cluster.Backend, opts ...Option) (*Controller, error) {
	c, err := New(st.Name, st.BaseDir, env, backend, opts...)
	if err != nil {
		return nil, err
	}
	if !st.CreatedAt.IsZero() {
		c.createdAt = st.CreatedAt
	}
	seen := make(map[int]struct{}, len(st.Tasks))
	c.tasks = make([]*task.Task, 0, len(st.Tasks))
	for _, r := range st.Tasks {
		if _, dup := seen[r.Index]; dup {
			return nil, fmt.Errorf("restore job %s: duplicate task index %d", st.Name, r.Index)
		}
		seen[r.Index] = struct{}{}
		c.tasks = append(c.tasks, task.FromRecord(r))
	}
	sort.Slice(c.tasks, func(i, j int) bool { return c.tasks[i].Index() < c.tasks[j].Index() })
	return c, nil
}

// Snapshot returns the controller's own persisted state.
func (c *Controller) Snapshot() State {
	records := make([]task.Record, len(c.tasks))
	for i, t := range c.tasks {
		records[i] = t.Record()
	}
	return State{Name: c.name, BaseDir: c.baseDir, CreatedAt: c.createdAt, Tasks: records}
}

func (c *Controller) Name() string             { return c.name }
func (c *Controller) BaseDir() string          { return c.baseDir }
func (c *Controller) CreatedAt() time.Time     { return c.createdAt }
func (c *Controller) Env() workenv.WorkEnv     { return c.env }
func (c *Controller) Backend() cluster.Backend { return c.backend }

// ScriptName is the base name of the array launcher.
func (c *Controller) ScriptName() string { return c.env.JobName() }

// Tasks returns the task list ordered by index.
func (c *Controller) Tasks() []*task.Task { return c.tasks }

// Prepared reports whether the job has tasks.
func (c *Controller) Prepared() bool { return len(c.tasks) > 0 }

// Task returns the task with the given index.
func (c *Controller) Task(index int) (*task.Task, bool) {
	i := sort.Search(len(c.tasks), func(i int) bool { return c.tasks[i].Index() >= index })
	if i < len(c.tasks) && c.tasks[i].Index() == index {
		return c.tasks[i], true
	}
	return nil, false
}

// Indices returns every task index.
func (c *Controller) Indices() []int {
	out := make([]int, len(c.tasks))
	for i, t := range c.tasks {
		out[i] = t.Index()
	}
	return out
}

// Prepare lays out the task directories and scripts.
func (c *Controller) Prepare(ctx context.Context) error {
	if c.Prepared() {
		return ErrAlreadyPrepared
	}
	stdout, stderr := c.backend.LogFiles()
	tasks, err := c.env.Prepare(ctx, workenv.PrepareOptions{
		BaseDir:    c.baseDir,
		Array:      c.backend.ArrayVariable(),
		StdoutFile: stdout,
		StderrFile: stderr,
	})
	if err != nil {
		return err
	}
	c.tasks = tasks
	c.logger.Info("Prepared job",
		zap.String("job", c.name),
		zap.String("kind", string(c.env.Kind())),
		zap.String("backend", string(c.backend.Kind())),
		zap.String("dir", c.baseDir),
		zap.Int("tasks", len(tasks)))
	return nil
}

// Selection reports how an operation treated the requested indices.
type Selection struct {
	// Applied indices were handed to the operation.
	Applied []int

	// Dropped indices exist but were not in an eligible state.
	Dropped []int

	// Unknown indices do not exist in this job.
	Unknown []int
}

// Submit sends every Configured task. When all tasks are Configured the job
// goes out as one contiguous array; otherwise only the Configured subset is
// sent and the rest are dropped with a warning. Submission failures are
// logged and recorded on the tasks, never returned.
func (c *Controller) Submit(ctx context.Context) (Selection, error) {
	if !c.Prepared() {
		return Selection{}, ErrNotPrepared
	}
	sel, tasks := c.pick("submit", c.Indices(), func(t *task.Task) bool {
		return t.State == task.StateConfigured
	})
	if len(tasks) == 0 {
		return sel, nil
	}
	if len(tasks) == len(c.tasks) {
		tasks = nil
	}
	if err := c.backend.Submit(ctx, c, tasks); err != nil {
		c.logger.Error("Job submission failed; affected tasks are marked failed",
			zap.String("job", c.name),
			zap.String("indices", task.CompactIndices(sel.Applied)),
			zap.Error(err))
	}
	return sel, nil
}

// Change is one task state change observed by Update.
type Change struct {
	Index int
	From  task.Condition
	To    task.Condition
}

// UpdateReport summarizes one Update pass.
type UpdateReport struct {
	Polled  int
	Changes []Change

	// Ignored lists tasks whose polled state would move backward.
	Ignored []int
}

// ProgressFunc is called after each polled task.
type ProgressFunc func(done, total int)

// Update polls every Submitted or Running task, one at a time. Tasks that
// just finished are checked by the work environment, or by the simulated
// finish response when the backend simulates. Finished and Aborted tasks are
// not re-polled.
//
// Only context cancellation is returned as an error; the tasks polled so far
// keep their new state.
func (c *Controller) Update(ctx context.Context, progress ProgressFunc) (UpdateReport, error) {
	var pending []*task.Task
	for _, t := range c.tasks {
		if t.State.Active() {
			pending = append(pending, t)
		}
	}

	var report UpdateReport
	for i, t := range pending {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		before := t.Condition()
		state, status := c.backend.Poll(ctx, t)
		report.Polled++

		if !task.CanTransition(t.State, state) {
			c.logger.Debug("Ignoring backward state from scheduler",
				zap.Int("index", t.Index()),
				zap.String("from", t.State.String()),
				zap.String("to", state.String()))
			report.Ignored = append(report.Ignored, t.Index())
		} else {
			if state == task.StateFinished && status == task.StatusOK {
				status = c.finishedStatus(t)
			}
			if err := t.Transition(state, status); err != nil {
				c.logger.Warn("Task state not updated", zap.Int("index", t.Index()), zap.Error(err))
			}
		}

		if after := t.Condition(); after != before {
			report.Changes = append(report.Changes, Change{Index: t.Index(), From: before, To: after})
		}
		if progress != nil {
			progress(i+1, len(pending))
		}
	}

	if len(report.Ignored) > 0 {
		c.logger.Warn("Scheduler reported earlier states; tasks left unchanged",
			zap.String("indices", task.CompactIndices(report.Ignored)))
	}
	c.logger.Debug("Updated job",
		zap.String("job", c.name),
		zap.Int("polled", report.Polled),
		zap.Int("changed", len(report.Changes)))
	return report, nil
}

func (c *Controller) finishedStatus(t *task.Task) task.Status {
	if c.backend.Simulating() {
		return c.backend.SimulatedResponse(cluster.ActionFinish).Status
	}
	stdout, _ := c.backend.LogFiles()
	return c.env.CheckFinished(t, stdout)
}

func resubmittable(t *task.Task) bool {
	switch t.State {
	case task.StateAborted, task.StateConfigured:
		return true
	case task.StateFinished:
		return t.Status == task.StatusFail
	default:
		return false
	}
}

// Resubmit sends the requested tasks that are Aborted, Configured, or
// Finished with status Fail as one array job. Other tasks are dropped with a
// warning.
func (c *Controller) Resubmit(ctx context.Context, indices []int) Selection {
	sel, tasks := c.pick("resubmit", indices, resubmittable)
	if len(tasks) == 0 {
		return sel
	}
	if err := c.backend.Submit(ctx, c, tasks); err != nil {
		c.logger.Error("Resubmission failed; affected tasks are marked failed",
			zap.String("job", c.name),
			zap.String("indices", task.CompactIndices(sel.Applied)),
			zap.Error(err))
	}
	return sel
}

// Reconfigure forces requested tasks in state None to Configured/OK without
// involving the scheduler.
func (c *Controller) Reconfigure(indices []int) Selection {
	sel, tasks := c.pick("reconfigure", indices, func(t *task.Task) bool {
		return t.State == task.StateNone
	})
	for _, t := range tasks {
		t.Reset()
	}
	if len(tasks) > 0 {
		c.logger.Info("Reconfigured tasks", zap.String("indices", task.CompactIndices(sel.Applied)))
	}
	return sel
}

// Kill removes the requested Submitted or Running tasks from the scheduler
// and returns them to Configured. A failed kill marks only that task failed.
func (c *Controller) Kill(ctx context.Context, indices []int) Selection {
	sel, tasks := c.pick("kill", indices, func(t *task.Task) bool {
		return t.State.Active()
	})
	for _, t := range tasks {
		if err := ctx.Err(); err != nil {
			c.logger.Warn("Kill interrupted", zap.Error(err))
			break
		}
		if err := c.backend.Kill(ctx, t); err != nil {
			c.logger.Error("Kill failed", zap.Int("index", t.Index()), zap.String("id", t.ID), zap.Error(err))
		}
	}
	return sel
}

// pick splits the requested indices into eligible tasks, ineligible ones and
// unknown ones, logging a warning for each group that is dropped.
func (c *Controller) pick(op string, indices []int, eligible func(*task.Task) bool) (Selection, []*task.Task) {
	var sel Selection
	var tasks []*task.Task
	seen := make(map[int]struct{}, len(indices))
	for _, idx := range indices {
		if _, dup := seen[idx]; dup {
			continue
		}
		seen[idx] = struct{}{}

		t, ok := c.Task(idx)
		switch {
		case !ok:
			sel.Unknown = append(sel.Unknown, idx)
		case eligible(t):
			sel.Applied = append(sel.Applied, idx)
			tasks = append(tasks, t)
		default:
			sel.Dropped = append(sel.Dropped, idx)
		}
	}
	sort.Ints(sel.Applied)
	sort.Ints(sel.Dropped)
	sort.Ints(sel.Unknown)
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Index() < tasks[j].Index() })

	if len(sel.Unknown) > 0 {
		c.logger.Warn("Unknown task indices ignored",
			zap.String("op", op),
			zap.String("indices", task.CompactIndices(sel.Unknown)))
	}
	if len(sel.Dropped) > 0 {
		c.logger.Warn("Tasks not in an eligible state were dropped",
			zap.String("op", op),
			zap.String("indices", task.CompactIndices(sel.Dropped)))
	}
	if len(tasks) == 0 {
		c.logger.Warn("No tasks eligible", zap.String("op", op))
	}
	return sel, tasks
}

// States returns the current (state, status) of every task.
func (c *Controller) States() task.Summary {
	return task.Summarize(c.tasks)
}

// ShowStates writes one line per canonical state that has tasks:
//
//	+ RUNNING: [0-3,7] (5)
//
// With color, runs of OK tasks are green and failed runs red.
func (c *Controller) ShowStates(w io.Writer, color bool) error {
	var paint task.Painter
	if color {
		paint = task.ANSIPainter
	}
	summary := c.States()
	for _, state := range task.States {
		entries := summary.InState(state)
		if len(entries) == 0 {
			continue
		}
		_, err := fmt.Fprintf(w, " + %s: [%s] (%d)\n",
			strings.ToUpper(state.String()), task.CompactRanges(entries, paint), len(entries))
		if err != nil {
			return err
		}
	}
	return nil
}
