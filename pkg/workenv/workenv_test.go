package workenv

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/jobsender/pkg/task"
)

type staticResolver struct {
	files []string
	err   error
}

func (r staticResolver) Resolve(context.Context, []string) ([]string, error) {
	return r.files, r.err
}

func envFrom(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok && v != ""
	}
}

func athenaEnv(t *testing.T) (map[string]string, string) {
	t.Helper()
	setup := filepath.Join(t.TempDir(), "alice", "testarea", "20.7.5")
	require.NoError(t, os.MkdirAll(setup, 0755))
	return map[string]string{
		"AtlasSetup":      "/cvmfs/atlas.cern.ch/repo/sw/software/AtlasSetup",
		"CMTCONFIG":       "x86_64-slc6-gcc49-opt",
		"AtlasVersion":    "20.7.5",
		"USER":            "alice",
		"LD_LIBRARY_PATH": "/usr/lib:" + setup + "/InstallArea/x86_64-slc6-gcc49-opt/lib:/opt/other",
	}, setup
}

func writeJobOptions(t *testing.T) string {
	t.Helper()
	jo := filepath.Join(t.TempDir(), "reco_jo.py")
	require.NoError(t, os.WriteFile(jo, []byte("# jobOptions\n"), 0644))
	return jo
}

func prepareOpts(base string) PrepareOptions {
	return PrepareOptions{
		BaseDir:    base,
		Array:      ArrayVariable{Name: "LSB_JOBINDEX", Offset: 1},
		StdoutFile: "STDOUT",
		StderrFile: "STDERR",
	}
}

func TestSplitEvents(t *testing.T) {
	got, err := SplitEvents(1000, 3)
	require.NoError(t, err)
	assert.Equal(t, []Split{{0, 333}, {333, 333}, {666, 334}}, got)

	got, err = SplitEvents(10, 1)
	require.NoError(t, err)
	assert.Equal(t, []Split{{0, 10}}, got)

	_, err = SplitEvents(0, 1)
	require.Error(t, err)
	_, err = SplitEvents(3, 5)
	require.Error(t, err)
}

func TestNew_UnknownKind(t *testing.T) {
	_, err := New(context.Background(), Config{Kind: "root", JobName: "x"})
	var cfgErr *ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
}

func TestNew_AthenaMissingEnvironment(t *testing.T) {
	_, err := New(context.Background(), Config{
		Kind:    KindAthena,
		JobName: "reco",
		Params:  map[string]any{"job_options": "x.py", "inputs": []string{"*.root"}, "evtmax": 10},
	}, WithLookupEnv(envFrom(map[string]string{"CMTCONFIG": "x86_64-slc6-gcc49-opt"})))
	require.Error(t, err)

	var cfgErr *ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "AtlasSetup", cfgErr.Variable)
	assert.Equal(t, "setupATLAS", cfgErr.SetupCommand)
	assert.Contains(t, err.Error(), "setupATLAS")
}

func TestNew_AthenaNoInputs(t *testing.T) {
	env, _ := athenaEnv(t)
	_, err := New(context.Background(), Config{
		Kind:    KindAthena,
		JobName: "reco",
		Params:  map[string]any{"job_options": writeJobOptions(t), "inputs": []string{"*.root"}, "evtmax": 10},
	}, WithLookupEnv(envFrom(env)), WithResolver(staticResolver{}))

	var cfgErr *ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Contains(t, cfgErr.Reason, "input files not found")
}

func TestNew_AthenaValidation(t *testing.T) {
	env, _ := athenaEnv(t)
	jo := writeJobOptions(t)
	res := WithResolver(staticResolver{files: []string{"/data/a.root"}})

	tests := []struct {
		name   string
		params map[string]any
		reason string
	}{
		{"evtmax unset", map[string]any{"job_options": jo, "inputs": []string{"a"}}, "evtmax"},
		{"njobs above evtmax", map[string]any{"job_options": jo, "inputs": []string{"a"}, "evtmax": 2, "njobs": 5}, "cannot exceed"},
		{"missing job options", map[string]any{"job_options": "/nope/jo.py", "inputs": []string{"a"}, "evtmax": 2}, "jobOption file not found"},
		{"unknown param", map[string]any{"job_options": jo, "inputs": []string{"a"}, "evtmax": 2, "colour": "red"}, "colour"},
		{"bad mode", map[string]any{"job_options": jo, "inputs": []string{"a"}, "evtmax": 2, "mode": "fast"}, "unknown mode"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(context.Background(), Config{Kind: KindAthena, JobName: "reco", Params: tt.params},
				WithLookupEnv(envFrom(env)), res)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.reason)
		})
	}
}

func newTestAthena(t *testing.T, params map[string]any) *Athena {
	t.Helper()
	env, _ := athenaEnv(t)
	if _, ok := params["job_options"]; !ok {
		params["job_options"] = writeJobOptions(t)
	}
	w, err := New(context.Background(), Config{Kind: KindAthena, JobName: "reco", Params: params},
		WithLookupEnv(envFrom(env)),
		WithResolver(staticResolver{files: []string{"/data/a.root", "/data/b.root"}}))
	require.NoError(t, err)
	return w.(*Athena)
}

func TestAthena_DefaultsFromEnvironment(t *testing.T) {
	env, setup := athenaEnv(t)
	w, err := New(context.Background(), Config{
		Kind:    KindAthena,
		JobName: "reco",
		Params:  map[string]any{"job_options": writeJobOptions(t), "inputs": []string{"x"}, "evtmax": 1200},
	}, WithLookupEnv(envFrom(env)), WithResolver(staticResolver{files: []string{"/d/a.root"}}))
	require.NoError(t, err)

	a := w.(*Athena)
	assert.Equal(t, setup, a.p.SetupFolder)
	assert.Equal(t, "20.7.5", a.p.Release)
	assert.Equal(t, "gcc49", a.p.Compiler)
	assert.Len(t, a.Splits(), 2, "njobs defaults to evtmax/500")
	assert.Equal(t, DefaultJobOptionsMarker, a.p.SuccessMarker)
}

func TestAthena_Prepare(t *testing.T) {
	a := newTestAthena(t, map[string]any{"inputs": []string{"x"}, "evtmax": "1000", "njobs": 3})
	base := t.TempDir()

	tasks, err := a.Prepare(context.Background(), prepareOpts(base))
	require.NoError(t, err)
	require.Len(t, tasks, 3)

	for i, tk := range tasks {
		assert.Equal(t, i, tk.Index())
		assert.Equal(t, task.StateConfigured, tk.State)
		assert.Equal(t, task.StatusOK, tk.Status)
		assert.Equal(t, filepath.Join(base, TaskDirName("Athena", "reco", i)), tk.Path)
		assert.Equal(t, "reco", tk.ScriptName)
	}

	script, err := os.ReadFile(filepath.Join(tasks[2].Path, "reco.sh"))
	require.NoError(t, err)
	s := string(script)
	assert.Contains(t, s, "source $AtlasSetup/scripts/asetup.sh 20.7.5,gcc49,here")
	assert.Contains(t, s, `athena.py -c "SkipEvents=666; EvtMax=334; FilesInput=['/data/a.root', '/data/b.root'];" reco_jo.py`)
	assert.Contains(t, s, "cp *.root "+base+"/")

	info, err := os.Stat(filepath.Join(tasks[0].Path, "reco.sh"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0755), info.Mode().Perm())

	_, err = os.Stat(filepath.Join(base, "reco_jo.py"))
	require.NoError(t, err, "job options are copied into the base directory")

	launcher, err := os.ReadFile(filepath.Join(base, "reco.sh"))
	require.NoError(t, err)
	l := string(launcher)
	assert.Contains(t, l, `ARRAY_INDEX="${LSB_JOBINDEX:-}"`)
	assert.Contains(t, l, "TASK_INDEX=$((ARRAY_INDEX - 1))")
	assert.Contains(t, l, "AthenaJob_reco_${TASK_INDEX}")
	assert.Contains(t, l, `> "$TASK_DIR/STDOUT" 2> "$TASK_DIR/STDERR"`)
}

func TestAthena_PrepareRefusesExistingTaskDir(t *testing.T) {
	a := newTestAthena(t, map[string]any{"inputs": []string{"x"}, "evtmax": 10, "njobs": 2})
	base := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(base, "AthenaJob_reco_1"), 0755))

	_, err := a.Prepare(context.Background(), prepareOpts(base))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
	assert.NoDirExists(t, filepath.Join(base, "AthenaJob_reco_0"), "directories created before the failure are removed")
	assert.DirExists(t, filepath.Join(base, "AthenaJob_reco_1"), "pre-existing directory is left alone")

	require.NoError(t, os.Remove(filepath.Join(base, "AthenaJob_reco_1")))
	tasks, err := a.Prepare(context.Background(), prepareOpts(base))
	require.NoError(t, err)
	assert.Len(t, tasks, 2)
}

func TestLayout_FailureRemovesCreatedDirs(t *testing.T) {
	a := newTestAthena(t, map[string]any{"inputs": []string{"x"}, "evtmax": 10, "njobs": 1})
	base := t.TempDir()

	_, err := layout(context.Background(), a, 4, prepareOpts(base), func(i int, dir string) error {
		if i == 2 {
			return errors.New("disk full")
		}
		return os.WriteFile(filepath.Join(dir, "reco.sh"), []byte("#!/bin/sh\n"), 0644)
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "task 2: disk full")

	entries, err := os.ReadDir(base)
	require.NoError(t, err)
	assert.Empty(t, entries)

	tasks, err := layout(context.Background(), a, 4, prepareOpts(base), func(int, string) error { return nil })
	require.NoError(t, err)
	assert.Len(t, tasks, 4)
}

func TestLayout_CanceledRemovesCreatedDirs(t *testing.T) {
	a := newTestAthena(t, map[string]any{"inputs": []string{"x"}, "evtmax": 10, "njobs": 1})
	base := t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := layout(ctx, a, 3, prepareOpts(base), func(i int, _ string) error {
		if i == 1 {
			cancel()
		}
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)

	entries, err := os.ReadDir(base)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAthena_TransformMode(t *testing.T) {
	a := newTestAthena(t, map[string]any{
		"mode":           AthenaModeTransform,
		"inputs":         []string{"x"},
		"evtmax":         100,
		"njobs":          2,
		"transform_args": []string{"--outputAODFile", "AOD.pool.root"},
	})
	tasks, err := a.Prepare(context.Background(), prepareOpts(t.TempDir()))
	require.NoError(t, err)

	script, err := os.ReadFile(filepath.Join(tasks[1].Path, "reco.sh"))
	require.NoError(t, err)
	assert.Contains(t, string(script),
		"Reco_tf.py --inputFile /data/a.root,/data/b.root --skipEvents 50 --maxEvents 50 --outputAODFile AOD.pool.root")
	assert.NotContains(t, string(script), "athena.py")
	assert.Equal(t, DefaultTransformMarker, a.p.SuccessMarker)
}

func TestAthena_CheckFinished(t *testing.T) {
	a := newTestAthena(t, map[string]any{"inputs": []string{"x"}, "evtmax": 10, "njobs": 1})
	dir := t.TempDir()
	tk := task.New(0, dir, "reco")

	assert.Equal(t, task.StatusFail, a.CheckFinished(tk, "STDOUT"), "missing log")

	log := filepath.Join(dir, "STDOUT")
	require.NoError(t, os.WriteFile(log, []byte("Py:Athena INFO leaving with code 1\n"), 0644))
	assert.Equal(t, task.StatusFail, a.CheckFinished(tk, "STDOUT"))

	require.NoError(t, os.WriteFile(log, []byte("...\nPy:Athena            INFO leaving with code 0: \"successful run\"\n"), 0644))
	assert.Equal(t, task.StatusOK, a.CheckFinished(tk, "STDOUT"))
}

func TestAthena_ConfigRestoreRoundTrip(t *testing.T) {
	a := newTestAthena(t, map[string]any{"inputs": []string{"x"}, "evtmax": 1000, "njobs": 3})

	restored, err := Restore(a.Config())
	require.NoError(t, err)
	ra := restored.(*Athena)
	assert.Equal(t, a.Splits(), ra.Splits())
	assert.Equal(t, a.Files(), ra.Files())
	assert.Equal(t, "reco", ra.JobName())
}

func TestBlind_Prepare(t *testing.T) {
	src := filepath.Join(t.TempDir(), "run.sh")
	require.NoError(t, os.WriteFile(src, []byte("#!/bin/bash\n./analysis --seed @INDEX@ --out out_@INDEX@.root\n"), 0644))

	w, err := New(context.Background(), Config{
		Kind:    KindBlind,
		JobName: "toy",
		Params:  map[string]any{"script": src, "njobs": 4},
	})
	require.NoError(t, err)
	assert.Empty(t, w.RequiredEnvironment())

	base := t.TempDir()
	opts := prepareOpts(base)
	opts.Array = ArrayVariable{Name: "PBS_ARRAYID"}
	tasks, err := w.Prepare(context.Background(), opts)
	require.NoError(t, err)
	require.Len(t, tasks, 4)

	script, err := os.ReadFile(filepath.Join(tasks[3].Path, "toy.sh"))
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/bash\n./analysis --seed 3 --out out_3.root\n", string(script))
	assert.True(t, strings.HasSuffix(tasks[3].Path, "BlindJob_toy_3"))

	launcher, err := os.ReadFile(filepath.Join(base, "toy.sh"))
	require.NoError(t, err)
	assert.Contains(t, string(launcher), "TASK_INDEX=$((ARRAY_INDEX - 0))")

	assert.Equal(t, task.StatusFail, w.CheckFinished(tasks[0], "STDOUT"))
}

func TestBlind_CustomPlaceholderAndRestore(t *testing.T) {
	src := filepath.Join(t.TempDir(), "run.sh")
	require.NoError(t, os.WriteFile(src, []byte("echo {{N}}\n"), 0644))

	w, err := New(context.Background(), Config{
		Kind:    KindBlind,
		JobName: "toy",
		Params:  map[string]any{"script": src, "njobs": 2, "placeholder": "{{N}}"},
	})
	require.NoError(t, err)

	restored, err := Restore(w.Config())
	require.NoError(t, err)
	assert.Equal(t, w.Config(), restored.Config())
}

func TestBlind_MissingScript(t *testing.T) {
	_, err := New(context.Background(), Config{Kind: KindBlind, JobName: "toy", Params: map[string]any{"script": "/nope.sh"}})
	var cfgErr *ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
}

func TestRequirements(t *testing.T) {
	reqs, err := Requirements(KindAthena)
	require.NoError(t, err)
	assert.Equal(t, []EnvRequirement{{"AtlasSetup", "setupATLAS"}, {"CMTCONFIG", "asetup"}}, reqs)

	missing := MissingEnvironment(reqs, envFrom(map[string]string{"AtlasSetup": "/x"}))
	assert.Equal(t, []EnvRequirement{{"CMTCONFIG", "asetup"}}, missing)

	assert.Equal(t, []Kind{KindAthena, KindBlind}, Kinds())
}
