package workenv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"text/template"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/jobsender/pkg/task"
)

// Athena run modes.
const (
	AthenaModeJobOptions = "joboptions"
	AthenaModeTransform  = "transform"
)

// Athena defaults.
const (
	// EventsPerTask is the event count per task used when njobs is unset.
	EventsPerTask = 500

	DefaultTransform        = "Reco_tf.py"
	DefaultTransformInput   = "--inputFile"
	DefaultJobOptionsMarker = `INFO leaving with code 0: "successful run"`
	DefaultTransformMarker  = "trf exit code 0"
)

func init() {
	register(KindAthena, entry{
		requirements: []EnvRequirement{
			{Variable: "AtlasSetup", SetupCommand: "setupATLAS"},
			{Variable: "CMTCONFIG", SetupCommand: "asetup"},
		},
		build:   newAthena,
		restore: restoreAthena,
	})
}

type athenaParams struct {
	JobOptions    string   `mapstructure:"job_options,omitempty"`
	Inputs        []string `mapstructure:"inputs,omitempty"`
	Files         []string `mapstructure:"files,omitempty"`
	EvtMax        int      `mapstructure:"evtmax"`
	NJobs         int      `mapstructure:"njobs,omitempty"`
	Mode          string   `mapstructure:"mode,omitempty"`
	Transform     string   `mapstructure:"transform,omitempty"`
	TransformArgs []string `mapstructure:"transform_args,omitempty"`
	InputArg      string   `mapstructure:"input_arg,omitempty"`
	SetupFolder   string   `mapstructure:"setup_folder,omitempty"`
	Release       string   `mapstructure:"release,omitempty"`
	Compiler      string   `mapstructure:"compiler,omitempty"`
	SuccessMarker string   `mapstructure:"success_marker,omitempty"`
	OutputDir     string   `mapstructure:"output_dir,omitempty"`
}

// Split is the event range processed by one task.
type Split struct {
	Skip  int
	Count int
}

// SplitEvents partitions evtmax events into njobs contiguous ranges. Every
// task gets evtmax/njobs events and the last one also takes the remainder.
func SplitEvents(evtmax, njobs int) ([]Split, error) {
	if evtmax <= 0 {
		return nil, fmt.Errorf("evtmax must be > 0, got %d", evtmax)
	}
	if njobs <= 0 {
		return nil, fmt.Errorf("njobs must be > 0, got %d", njobs)
	}
	if njobs > evtmax {
		return nil, fmt.Errorf("njobs (%d) cannot exceed evtmax (%d)", njobs, evtmax)
	}
	per := evtmax / njobs
	out := make([]Split, njobs)
	for i := range out {
		out[i] = Split{Skip: i * per, Count: per}
	}
	out[njobs-1].Count = evtmax - (njobs-1)*per
	return out, nil
}

// Athena runs the ATLAS athena.py framework (or a job transform) over a set
// of input files, splitting the events across tasks.
type Athena struct {
	jobName string
	p       athenaParams
	splits  []Split
	logger  *zap.Logger
}

var gccPattern = regexp.MustCompile(`gcc\d+`)

func newAthena(ctx context.Context, cfg Config, o *options) (WorkEnv, error) {
	var p athenaParams
	if err := decodeParams(KindAthena, cfg.Params, &p); err != nil {
		return nil, err
	}
	if len(p.Files) > 0 {
		return nil, configErr(KindAthena, "params.files is computed; use params.inputs")
	}

	switch p.Mode {
	case "":
		p.Mode = AthenaModeJobOptions
	case AthenaModeJobOptions, AthenaModeTransform:
	default:
		return nil, configErr(KindAthena, "unknown mode %q (expected %s or %s)", p.Mode, AthenaModeJobOptions, AthenaModeTransform)
	}

	if p.Mode == AthenaModeJobOptions {
		if strings.TrimSpace(p.JobOptions) == "" {
			return nil, configErr(KindAthena, "job_options is required")
		}
		jo, err := filepath.Abs(p.JobOptions)
		if err != nil {
			return nil, configErr(KindAthena, "job options: %v", err)
		}
		if info, err := os.Stat(jo); err != nil || info.IsDir() {
			return nil, configErr(KindAthena, "jobOption file not found: %s", p.JobOptions)
		}
		p.JobOptions = jo
	} else {
		if p.Transform == "" {
			p.Transform = DefaultTransform
		}
		if p.InputArg == "" {
			p.InputArg = DefaultTransformInput
		}
	}

	if len(p.Inputs) == 0 {
		return nil, configErr(KindAthena, "inputs is required")
	}
	files, err := o.resolver.Resolve(ctx, p.Inputs)
	if len(files) == 0 {
		if err == nil {
			err = errors.New("no files matched")
		}
		return nil, configErr(KindAthena, "input files not found: %v", err)
	}
	if err != nil {
		o.logger.Warn("Some input patterns did not resolve", zap.Error(err))
	}
	p.Files = files

	if p.EvtMax <= 0 {
		return nil, configErr(KindAthena, "evtmax must be > 0 (event counting from input files is not supported)")
	}
	if p.NJobs == 0 {
		p.NJobs = max(p.EvtMax/EventsPerTask, 1)
	}
	splits, err := SplitEvents(p.EvtMax, p.NJobs)
	if err != nil {
		return nil, configErr(KindAthena, "%v", err)
	}

	if p.SetupFolder == "" {
		folder, err := asetupFolder(o.lookupEnv)
		if err != nil {
			return nil, err
		}
		p.SetupFolder = folder
	}
	if p.Release == "" {
		release, ok := o.lookupEnv("AtlasVersion")
		if !ok {
			return nil, &ConfigurationError{Kind: KindAthena, Variable: "AtlasVersion", SetupCommand: "asetup"}
		}
		p.Release = release
	}
	if p.Compiler == "" {
		cmtconfig, _ := o.lookupEnv("CMTCONFIG")
		p.Compiler = gccPattern.FindString(cmtconfig)
		if p.Compiler == "" {
			return nil, configErr(KindAthena, "cannot derive the compiler from CMTCONFIG=%q; set params.compiler", cmtconfig)
		}
	}
	if p.SuccessMarker == "" {
		p.SuccessMarker = DefaultJobOptionsMarker
		if p.Mode == AthenaModeTransform {
			p.SuccessMarker = DefaultTransformMarker
		}
	}

	return &Athena{jobName: cfg.JobName, p: p, splits: splits, logger: o.logger}, nil
}

func restoreAthena(cfg Config, o *options) (WorkEnv, error) {
	var p athenaParams
	if err := decodeParams(KindAthena, cfg.Params, &p); err != nil {
		return nil, err
	}
	splits, err := SplitEvents(p.EvtMax, p.NJobs)
	if err != nil {
		return nil, configErr(KindAthena, "%v", err)
	}
	return &Athena{jobName: cfg.JobName, p: p, splits: splits, logger: o.logger}, nil
}

// asetupFolder finds the user's asetup directory: the LD_LIBRARY_PATH entry
// that contains $USER and InstallArea, truncated before InstallArea.
func asetupFolder(lookup func(string) (string, bool)) (string, error) {
	ldPath, _ := lookup("LD_LIBRARY_PATH")
	user, _ := lookup("USER")
	if user != "" {
		for _, entry := range strings.Split(ldPath, ":") {
			idx := strings.Index(entry, "InstallArea")
			if idx <= 0 || !strings.Contains(entry, user) {
				continue
			}
			folder := strings.TrimSuffix(entry[:idx], "/")
			if info, err := os.Stat(folder); err == nil && info.IsDir() {
				return folder, nil
			}
		}
	}
	return "", &ConfigurationError{
		Kind:   KindAthena,
		Reason: "cannot find the asetup folder in LD_LIBRARY_PATH (run asetup from your work area, or set params.setup_folder)",
	}
}

func (a *Athena) Kind() Kind      { return KindAthena }
func (a *Athena) Alias() string   { return "Athena" }
func (a *Athena) JobName() string { return a.jobName }

func (a *Athena) RequiredEnvironment() []EnvRequirement {
	return registry[KindAthena].requirements
}

// Splits returns the per-task event ranges.
func (a *Athena) Splits() []Split {
	return append([]Split(nil), a.splits...)
}

// Files returns the resolved input files.
func (a *Athena) Files() []string {
	return append([]string(nil), a.p.Files...)
}

func (a *Athena) Config() Config {
	return Config{Kind: KindAthena, JobName: a.jobName, Params: encodeParams(a.p)}
}

var athenaTemplate = template.Must(template.New("athena").Parse(`#!/bin/bash

# File created by jobsender for job '{{.JobName}}' task {{.Index}} [{{.Created}}]

cd {{.SetupFolder}}
source $AtlasSetup/scripts/asetup.sh {{.Release}},{{.Compiler}},here
cd -
{{- if .JobOptions}}
cp {{.JobOptions}} .
athena.py -c "SkipEvents={{.Skip}}; EvtMax={{.Count}}; FilesInput={{.FilesInput}};" {{.JobOptionsBase}}
{{- else}}
{{.Transform}} {{.InputArg}} {{.InputList}} --skipEvents {{.Skip}} --maxEvents {{.Count}}{{range .TransformArgs}} {{.}}{{end}}
{{- end}}

cp *.root {{.OutputDir}}/
`))

type athenaScript struct {
	JobName        string
	Index          int
	Created        string
	SetupFolder    string
	Release        string
	Compiler       string
	JobOptions     string
	JobOptionsBase string
	FilesInput     string
	Transform      string
	InputArg       string
	InputList      string
	TransformArgs  []string
	Skip, Count    int
	OutputDir      string
}

// Prepare implements WorkEnv.
func (a *Athena) Prepare(ctx context.Context, opts PrepareOptions) ([]*task.Task, error) {
	base, err := filepath.Abs(opts.BaseDir)
	if err != nil {
		return nil, err
	}
	outputDir := a.p.OutputDir
	if outputDir == "" {
		outputDir = base
	}

	jobOptions := ""
	if a.p.Mode != AthenaModeTransform {
		if err := os.MkdirAll(base, 0755); err != nil {
			return nil, err
		}
		jobOptions = filepath.Join(base, filepath.Base(a.p.JobOptions))
		if err := copyFile(a.p.JobOptions, jobOptions); err != nil {
			return nil, fmt.Errorf("copy job options: %w", err)
		}
	}

	quoted := make([]string, len(a.p.Files))
	for i, f := range a.p.Files {
		quoted[i] = "'" + f + "'"
	}
	created := time.Now().Format("2006-01-02 15:04:05")

	tasks, err := layout(ctx, a, len(a.splits), opts, func(i int, dir string) error {
		var buf bytes.Buffer
		err := athenaTemplate.Execute(&buf, athenaScript{
			JobName:        a.jobName,
			Index:          i,
			Created:        created,
			SetupFolder:    a.p.SetupFolder,
			Release:        a.p.Release,
			Compiler:       a.p.Compiler,
			JobOptions:     jobOptions,
			JobOptionsBase: filepath.Base(jobOptions),
			FilesInput:     "[" + strings.Join(quoted, ", ") + "]",
			Transform:      a.p.Transform,
			InputArg:       a.p.InputArg,
			InputList:      strings.Join(a.p.Files, ","),
			TransformArgs:  a.p.TransformArgs,
			Skip:           a.splits[i].Skip,
			Count:          a.splits[i].Count,
			OutputDir:      outputDir,
		})
		if err != nil {
			return err
		}
		return writeScript(filepath.Join(dir, ScriptFile(a.jobName)), buf.Bytes())
	})
	if err != nil {
		return nil, err
	}

	a.logger.Info("Prepared Athena job",
		zap.String("job", a.jobName),
		zap.Int("tasks", len(tasks)),
		zap.Int("evtmax", a.p.EvtMax),
		zap.Int("files", len(a.p.Files)))
	return tasks, nil
}

// CheckFinished implements WorkEnv.
func (a *Athena) CheckFinished(t *task.Task, logFile string) task.Status {
	if logContains(filepath.Join(t.Path, logFile), a.p.SuccessMarker) {
		return task.StatusOK
	}
	return task.StatusFail
}

func copyFile(src, dst string) error {
	if src == dst {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
