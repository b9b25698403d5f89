package cluster

import (
	"context"
	"errors"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/jobsender/pkg/proc"
	"github.com/3leaps/jobsender/pkg/task"
)

type call struct {
	dir  string
	name string
	args []string
}

type fakeRunner struct {
	calls []call
	out   map[string]proc.Output
	err   error
}

func (f *fakeRunner) Run(_ context.Context, dir, name string, args ...string) (proc.Output, error) {
	f.calls = append(f.calls, call{dir: dir, name: name, args: args})
	return f.out[name], f.err
}

type fakeJob struct {
	dir   string
	tasks []*task.Task
}

func (j *fakeJob) BaseDir() string     { return j.dir }
func (j *fakeJob) ScriptName() string  { return "myjob" }
func (j *fakeJob) Tasks() []*task.Task { return j.tasks }

func newJob(n int) *fakeJob {
	j := &fakeJob{dir: "/work/myjob"}
	for i := 0; i < n; i++ {
		t := task.New(i, "/work/myjob/task", "myjob")
		t.State = task.StateConfigured
		j.tasks = append(j.tasks, t)
	}
	return j
}

func TestParseCernJobID(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "Job <42> is submitted to queue <8nh>.", want: "42"},
		{in: "Job SIMULATED-RESPONSE <42>", want: "42"},
		{in: "Job <0042> is submitted", want: "42"},
		{in: "nothing here", wantErr: true},
		{in: "Job <abc>", wantErr: true},
		{in: "Job <12", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseCernJobID(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseTauJobID(t *testing.T) {
	id, server, err := parseTauJobID("7.tau-cream.hep.tau.ac.il\n")
	require.NoError(t, err)
	assert.Equal(t, "7", id)
	assert.Equal(t, "tau-cream.hep.tau.ac.il", server)

	id, _, err = parseTauJobID("1234[].tau-cream.hep.tau.ac.il")
	require.NoError(t, err)
	assert.Equal(t, "1234", id)

	_, _, err = parseTauJobID("qsub: submit error")
	require.Error(t, err)

	_, _, err = parseTauJobID("")
	require.Error(t, err)
}

func TestParseCernStatus(t *testing.T) {
	tests := []struct {
		name       string
		out        proc.Output
		wantState  task.State
		wantStatus task.Status
		wantOK     bool
	}{
		{"pending", proc.Output{Stdout: "JOBID USER STAT\n42 me PEND 8nh"}, task.StateSubmitted, task.StatusOK, true},
		{"running", proc.Output{Stdout: "JOBID USER STAT\n42 me RUN 8nh"}, task.StateRunning, task.StatusOK, true},
		{"done", proc.Output{Stdout: "JOBID USER STAT\n42 me DONE 8nh"}, task.StateFinished, task.StatusOK, true},
		{"exit", proc.Output{Stdout: "JOBID USER STAT\n42 me EXIT 8nh"}, task.StateAborted, task.StatusOK, true},
		{"not found on stderr", proc.Output{Stderr: "Job <42[1]> is not found"}, task.StateFinished, task.StatusOK, true},
		{"unknown token", proc.Output{Stdout: "JOBID USER STAT\n42 me SSUSP 8nh"}, task.StateAborted, task.StatusFail, false},
		{"missing line", proc.Output{Stdout: "JOBID USER STAT"}, task.StateAborted, task.StatusFail, false},
		{"unexpected header", proc.Output{Stdout: "something else"}, task.StateAborted, task.StatusFail, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state, status, ok := parseCernStatus(tt.out)
			assert.Equal(t, tt.wantState, state)
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.wantOK, ok)
		})
	}
}

func TestParseTauStatus(t *testing.T) {
	header := "Job id  Name  User  Time Use S Queue\n------- ----- ----- -------- - -----\n"
	tests := []struct {
		name      string
		out       proc.Output
		wantState task.State
		wantOK    bool
	}{
		{"queued", proc.Output{Stdout: header + "7[1].srv myjob me 0 Q N"}, task.StateSubmitted, true},
		{"running", proc.Output{Stdout: header + "7[1].srv myjob me 0 R N"}, task.StateRunning, true},
		{"completed", proc.Output{Stdout: header + "7[1].srv myjob me 0 C N"}, task.StateFinished, true},
		{"exiting", proc.Output{Stdout: header + "7[1].srv myjob me 0 E N"}, task.StateAborted, true},
		{"lowercase header", proc.Output{Stdout: "job ID x\n--\n7 a b c R"}, task.StateRunning, true},
		{"unknown job", proc.Output{Stderr: "qstat: Unknown Job Id 7[1].srv"}, task.StateFinished, true},
		{"drift", proc.Output{Stdout: header + "7[1].srv myjob me 0 H N"}, task.StateAborted, false},
		{"garbage", proc.Output{Stdout: "bogus"}, task.StateAborted, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state, _, ok := parseTauStatus(tt.out)
			assert.Equal(t, tt.wantState, state)
			assert.Equal(t, tt.wantOK, ok)
		})
	}
}

func TestCern_SubmitWholeJob(t *testing.T) {
	r := &fakeRunner{out: map[string]proc.Output{"bsub": {Stdout: "Job <991> is submitted to queue <8nh>."}}}
	b := NewCern(Config{ExtraOptions: []string{"-R", "pool>30000"}}, WithRunner(r))
	job := newJob(3)

	require.NoError(t, b.Submit(context.Background(), job, nil))

	require.Len(t, r.calls, 1)
	assert.Equal(t, "/work/myjob", r.calls[0].dir)
	assert.Equal(t, "bsub", r.calls[0].name)
	assert.Equal(t, []string{
		"-o", "STDOUT_%J_%I", "-e", "STDERR_%J_%I", "-q", "8nh",
		"-R", "pool>30000",
		"-J", "arrayJob[1-3]", "myjob.sh",
	}, r.calls[0].args)

	for i, tk := range job.tasks {
		assert.Equal(t, task.StateSubmitted, tk.State)
		assert.Equal(t, "991", tk.ParentJobID)
		assert.Equal(t, "991["+string(rune('1'+i))+"]", tk.ID)
	}
	spec, parent := b.LastSubmission()
	assert.Equal(t, "1-3", spec)
	assert.Equal(t, "991", parent)
}

func TestTau_SubmitSubset(t *testing.T) {
	r := &fakeRunner{out: map[string]proc.Output{"qsub": {Stdout: "55[].tau-cream.hep.tau.ac.il\n"}}}
	b := NewTau(Config{Queue: "P"}, WithRunner(r))
	job := newJob(5)

	require.NoError(t, b.Submit(context.Background(), job, []*task.Task{job.tasks[3], job.tasks[1]}))

	require.Len(t, r.calls, 1)
	assert.Equal(t, []string{"-o", "STDOUT", "-e", "STDERR", "-q", "P", "-V", "-t", "1,3", "myjob.sh"}, r.calls[0].args)
	assert.Equal(t, "55[1]", job.tasks[1].ID)
	assert.Equal(t, "55[3]", job.tasks[3].ID)
	assert.Equal(t, task.StateConfigured, job.tasks[0].State)
	assert.Equal(t, "tau-cream.hep.tau.ac.il", b.ServerName())
}

func TestSubmit_StderrFailsTasks(t *testing.T) {
	r := &fakeRunner{out: map[string]proc.Output{"bsub": {Stderr: "Bad queue name"}}}
	b := NewCern(Config{}, WithRunner(r))
	job := newJob(2)

	err := b.Submit(context.Background(), job, nil)
	require.Error(t, err)

	var serr *SubmissionError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, "1-2", serr.Array)
	assert.Contains(t, err.Error(), "Bad queue name")
	for _, tk := range job.tasks {
		assert.Equal(t, task.StateConfigured, tk.State)
		assert.Equal(t, task.StatusFail, tk.Status)
	}
}

func TestSubmit_RunnerErrorFailsTasks(t *testing.T) {
	boom := errors.New("no such file")
	r := &fakeRunner{err: boom}
	b := NewTau(Config{}, WithRunner(r))
	job := newJob(1)

	err := b.Submit(context.Background(), job, nil)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, task.StatusFail, job.tasks[0].Status)
}

func TestSubmit_UnparsableOutputFailsTasks(t *testing.T) {
	r := &fakeRunner{out: map[string]proc.Output{"bsub": {Stdout: "queue closed"}}}
	b := NewCern(Config{}, WithRunner(r))
	job := newJob(1)

	require.Error(t, b.Submit(context.Background(), job, nil))
	assert.Equal(t, task.StatusFail, job.tasks[0].Status)
	assert.Empty(t, job.tasks[0].ID)
}

func TestPoll(t *testing.T) {
	r := &fakeRunner{out: map[string]proc.Output{"bjobs": {Stdout: "JOBID USER STAT\n42 me RUN 8nh"}}}
	b := NewCern(Config{}, WithRunner(r))

	tk := task.New(0, "/work/t0", "myjob")
	tk.State = task.StateSubmitted
	tk.ID = "42[1]"

	state, status := b.Poll(context.Background(), tk)
	assert.Equal(t, task.StateRunning, state)
	assert.Equal(t, task.StatusOK, status)
	require.Len(t, r.calls, 1)
	assert.Equal(t, "/work/t0", r.calls[0].dir)
	assert.Equal(t, []string{"42[1]"}, r.calls[0].args)
}

func TestPoll_InactiveTaskUntouched(t *testing.T) {
	r := &fakeRunner{}
	b := NewTau(Config{}, WithRunner(r))

	tk := task.New(0, "/work/t0", "myjob")
	tk.State = task.StateFinished
	tk.Status = task.StatusFail

	state, status := b.Poll(context.Background(), tk)
	assert.Equal(t, task.StateFinished, state)
	assert.Equal(t, task.StatusFail, status)
	assert.Empty(t, r.calls)
}

func TestPoll_DriftForcesAborted(t *testing.T) {
	r := &fakeRunner{out: map[string]proc.Output{"qstat": {Stdout: "new output format"}}}
	b := NewTau(Config{}, WithRunner(r))

	tk := task.New(0, "/work/t0", "myjob")
	tk.State = task.StateRunning

	state, status := b.Poll(context.Background(), tk)
	assert.Equal(t, task.StateAborted, state)
	assert.Equal(t, task.StatusFail, status)
}

func TestPoll_RunnerErrorKeepsState(t *testing.T) {
	r := &fakeRunner{err: errors.New("timeout")}
	b := NewCern(Config{}, WithRunner(r))

	tk := task.New(0, "/work/t0", "myjob")
	tk.State = task.StateRunning

	state, status := b.Poll(context.Background(), tk)
	assert.Equal(t, task.StateRunning, state)
	assert.Equal(t, task.StatusFail, status)
}

// killedRunner mimics a scheduler client killed by the context: it returns
// empty output without an error once ctx is done.
type killedRunner struct{}

func (killedRunner) Run(ctx context.Context, _, _ string, _ ...string) (proc.Output, error) {
	<-ctx.Done()
	return proc.Output{}, nil
}

func TestPoll_CanceledContextKeepsState(t *testing.T) {
	b := NewCern(Config{}, WithRunner(killedRunner{}))

	tk := task.New(0, "/work/t0", "myjob")
	tk.State = task.StateRunning
	tk.ID = "42[1]"

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	state, status := b.Poll(ctx, tk)
	assert.Equal(t, task.StateRunning, state)
	assert.Equal(t, task.StatusOK, status)
}

func TestPoll_InterruptedSchedulerClient(t *testing.T) {
	bin := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(bin, "bjobs"), []byte("#!/bin/sh\nsleep 5\n"), 0o755))
	t.Setenv("PATH", bin+string(os.PathListSeparator)+os.Getenv("PATH"))

	b := NewCern(Config{})
	tk := task.New(0, t.TempDir(), "myjob")
	tk.State = task.StateRunning
	tk.ID = "42[1]"

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	state, status := b.Poll(ctx, tk)
	assert.Equal(t, task.StateRunning, state)
	assert.Equal(t, task.StatusOK, status)
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestKill(t *testing.T) {
	r := &fakeRunner{}
	b := NewTau(Config{}, WithRunner(r))

	tk := task.New(0, "/work/t0", "myjob")
	tk.State = task.StateRunning
	tk.ID = "7[0]"

	require.NoError(t, b.Kill(context.Background(), tk))
	assert.Equal(t, task.StateConfigured, tk.State)
	assert.Equal(t, task.StatusOK, tk.Status)
	require.Len(t, r.calls, 1)
	assert.Equal(t, "qdel", r.calls[0].name)
	assert.Equal(t, []string{"7[0]"}, r.calls[0].args)
}

func TestKill_FinishedTaskIsNoop(t *testing.T) {
	r := &fakeRunner{}
	b := NewCern(Config{}, WithRunner(r))

	tk := task.New(0, "/work/t0", "myjob")
	tk.State = task.StateFinished

	require.NoError(t, b.Kill(context.Background(), tk))
	assert.Equal(t, task.StateFinished, tk.State)
	assert.Empty(t, r.calls)
}

func TestKill_RunnerErrorFailsTask(t *testing.T) {
	r := &fakeRunner{err: errors.New("bkill missing")}
	b := NewCern(Config{}, WithRunner(r))

	tk := task.New(0, "/work/t0", "myjob")
	tk.State = task.StateSubmitted

	require.Error(t, b.Kill(context.Background(), tk))
	assert.Equal(t, task.StateSubmitted, tk.State)
	assert.Equal(t, task.StatusFail, tk.Status)
}

func TestSimulate_RoundTripsThroughParsers(t *testing.T) {
	for _, kind := range Kinds() {
		t.Run(string(kind), func(t *testing.T) {
			b, err := New(Config{Backend: kind, Simulate: true}, WithRand(rand.New(rand.NewPCG(1, 2))))
			require.NoError(t, err)
			assert.True(t, b.Simulating())

			job := newJob(4)
			require.NoError(t, b.Submit(context.Background(), job, nil))

			for _, tk := range job.tasks {
				require.Equal(t, task.StateSubmitted, tk.State)
				require.NotEmpty(t, tk.ParentJobID)

				for i := 0; i < 20; i++ {
					state, status := b.Poll(context.Background(), tk)
					assert.Equal(t, task.StatusOK, status, "simulated output must always parse")
					assert.NotEqual(t, task.StateNone, state)
				}
			}
		})
	}
}

func TestSimulatedResponse_Finish(t *testing.T) {
	b := NewCern(Config{Simulate: true}, WithRand(rand.New(rand.NewPCG(7, 7))))
	var ok, fail int
	for i := 0; i < 700; i++ {
		switch b.SimulatedResponse(ActionFinish).Status {
		case task.StatusOK:
			ok++
		case task.StatusFail:
			fail++
		}
	}
	assert.Greater(t, ok, fail)
	assert.Positive(t, fail)
}

func TestNew(t *testing.T) {
	b, err := New(Config{Backend: "TAU"})
	require.NoError(t, err)
	assert.Equal(t, KindTau, b.Kind())
	assert.Equal(t, DefaultTauQueue, b.Config().Queue)
	assert.Equal(t, "PBS_ARRAYID", b.ArrayVariable().Name)

	b, err = New(Config{Backend: KindCern, Queue: "1nd"})
	require.NoError(t, err)
	assert.Equal(t, "1nd", b.Config().Queue)
	assert.Equal(t, 1, b.ArrayVariable().Offset)

	_, err = New(Config{Backend: "slurm"})
	require.Error(t, err)
}

func TestDetect(t *testing.T) {
	k, ok := Detect("lxplus0123.cern.ch")
	assert.True(t, ok)
	assert.Equal(t, KindCern, k)

	k, ok = Detect("tau-ui.hep.tau.ac.il")
	assert.True(t, ok)
	assert.Equal(t, KindTau, k)

	_, ok = Detect("laptop.local")
	assert.False(t, ok)
}

func TestCommands(t *testing.T) {
	cmds, err := Commands(KindCern)
	require.NoError(t, err)
	assert.Equal(t, []string{"bsub", "bjobs", "bkill"}, cmds)

	cmds, err = Commands("TAU")
	require.NoError(t, err)
	assert.Equal(t, []string{"qsub", "qstat", "qdel"}, cmds)

	_, err = Commands("slurm")
	assert.Error(t, err)
}
