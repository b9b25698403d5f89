// Package workenv defines work environments: the kind of scientific job that
// is split into tasks, how each task's directory and launch script are built,
// and how a finished task's output is judged.
//
// A work environment is constructed once from a Config (checking the shell
// environment and resolving inputs), then Prepare lays out one directory per
// task plus a single array launcher in the job's base directory. The launcher
// maps the scheduler's array index to a task directory, so a whole job is
// submitted as one array job.
package workenv

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/3leaps/jobsender/pkg/inputs"
	"github.com/3leaps/jobsender/pkg/task"
)

// Kind identifies a work environment implementation.
type Kind string

const (
	KindAthena Kind = "athena"
	KindBlind  Kind = "blind"
)

// EnvRequirement is an environment variable a job needs, together with the
// command that sets it.
type EnvRequirement struct {
	Variable     string
	SetupCommand string
}

// ArrayVariable describes how a scheduler exposes the array element number
// to a running element. Offset is subtracted to obtain the task index.
type ArrayVariable struct {
	Name   string
	Offset int
}

// PrepareOptions carries the cluster-side settings Prepare needs.
type PrepareOptions struct {
	// BaseDir is the job directory. Task directories and the array launcher
	// are created inside it.
	BaseDir string

	// Array is the scheduler's array index variable.
	Array ArrayVariable

	// StdoutFile and StderrFile name the per-task log files the launcher
	// redirects into, relative to the task directory.
	StdoutFile string
	StderrFile string
}

// Config is the serializable construction state of a work environment.
type Config struct {
	Kind    Kind           `json:"kind"`
	JobName string         `json:"job_name"`
	Params  map[string]any `json:"params,omitempty"`
}

// WorkEnv is a kind of job that can be split into tasks.
type WorkEnv interface {
	Kind() Kind

	// Alias is the short name used in task directory names.
	Alias() string

	JobName() string

	RequiredEnvironment() []EnvRequirement

	// Prepare creates the task directories and scripts and returns the
	// tasks in state Configured with indices 0..N-1.
	Prepare(ctx context.Context, opts PrepareOptions) ([]*task.Task, error)

	// CheckFinished inspects a finished task's log and reports whether the
	// job really succeeded.
	CheckFinished(t *task.Task, logFile string) task.Status

	Config() Config
}

// InputResolver expands input patterns into file locations.
type InputResolver interface {
	Resolve(ctx context.Context, patterns []string) ([]string, error)
}

type options struct {
	lookupEnv func(string) (string, bool)
	resolver  InputResolver
	logger    *zap.Logger
}

// Option configures construction.
type Option func(*options)

// WithLookupEnv replaces os.LookupEnv for environment checks.
func WithLookupEnv(fn func(string) (string, bool)) Option {
	return func(o *options) { o.lookupEnv = fn }
}

// WithResolver sets the input resolver.
func WithResolver(r InputResolver) Option {
	return func(o *options) { o.resolver = r }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

type entry struct {
	requirements []EnvRequirement
	build        func(ctx context.Context, cfg Config, o *options) (WorkEnv, error)
	restore      func(cfg Config, o *options) (WorkEnv, error)
}

var registry = map[Kind]entry{}

func register(kind Kind, e entry) {
	registry[kind] = e
}

// Kinds lists the registered work environments.
func Kinds() []Kind {
	out := make([]Kind, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Requirements returns the environment a kind needs, without constructing it.
func Requirements(kind Kind) ([]EnvRequirement, error) {
	e, ok := registry[kind]
	if !ok {
		return nil, unknownKind(kind)
	}
	return e.requirements, nil
}

// New builds a work environment from its configuration.
//
// The shell environment is checked first; a missing variable yields a
// *ConfigurationError naming the variable and its setup command.
func New(ctx context.Context, cfg Config, opts ...Option) (WorkEnv, error) {
	e, ok := registry[cfg.Kind]
	if !ok {
		return nil, unknownKind(cfg.Kind)
	}
	if cfg.JobName == "" {
		return nil, &ConfigurationError{Kind: cfg.Kind, Reason: "job name is required"}
	}

	o := newOptions(opts)
	if err := CheckEnvironment(cfg.Kind, e.requirements, o.lookupEnv); err != nil {
		return nil, err
	}
	return e.build(ctx, cfg, o)
}

// Restore rebuilds a work environment from a snapshot. No environment checks
// are made and no inputs are re-resolved.
func Restore(cfg Config, opts ...Option) (WorkEnv, error) {
	e, ok := registry[cfg.Kind]
	if !ok {
		return nil, unknownKind(cfg.Kind)
	}
	return e.restore(cfg, newOptions(opts))
}

func newOptions(opts []Option) *options {
	o := &options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(o)
	}
	if o.lookupEnv == nil {
		o.lookupEnv = lookupEnv
	}
	if o.resolver == nil {
		o.resolver = inputs.NewResolver(inputs.WithLogger(o.logger))
	}
	return o
}

func unknownKind(kind Kind) error {
	return &ConfigurationError{Kind: kind, Reason: fmt.Sprintf("unknown work environment %q (known: %v)", kind, Kinds())}
}
