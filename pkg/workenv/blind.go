package workenv

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/jobsender/pkg/task"
)

// DefaultPlaceholder is replaced by the task index in blind job scripts.
const DefaultPlaceholder = "@INDEX@"

func init() {
	register(KindBlind, entry{
		build:   newBlind,
		restore: restoreBlind,
	})
}

type blindParams struct {
	Script      string `mapstructure:"script"`
	NJobs       int    `mapstructure:"njobs"`
	Placeholder string `mapstructure:"placeholder,omitempty"`
}

// Blind runs an arbitrary user script once per task. The only per-task
// customization is substituting the task index for a placeholder token.
type Blind struct {
	jobName string
	p       blindParams
	logger  *zap.Logger
}

func newBlind(_ context.Context, cfg Config, o *options) (WorkEnv, error) {
	var p blindParams
	if err := decodeParams(KindBlind, cfg.Params, &p); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.Script) == "" {
		return nil, configErr(KindBlind, "script is required")
	}
	script, err := filepath.Abs(p.Script)
	if err != nil {
		return nil, configErr(KindBlind, "script: %v", err)
	}
	if info, err := os.Stat(script); err != nil || info.IsDir() {
		return nil, configErr(KindBlind, "script not found: %s", p.Script)
	}
	p.Script = script

	if p.NJobs == 0 {
		p.NJobs = 1
	}
	if p.NJobs < 0 {
		return nil, configErr(KindBlind, "njobs must be > 0, got %d", p.NJobs)
	}
	if p.Placeholder == "" {
		p.Placeholder = DefaultPlaceholder
	}
	return &Blind{jobName: cfg.JobName, p: p, logger: o.logger}, nil
}

func restoreBlind(cfg Config, o *options) (WorkEnv, error) {
	var p blindParams
	if err := decodeParams(KindBlind, cfg.Params, &p); err != nil {
		return nil, err
	}
	if p.Placeholder == "" {
		p.Placeholder = DefaultPlaceholder
	}
	return &Blind{jobName: cfg.JobName, p: p, logger: o.logger}, nil
}

func (b *Blind) Kind() Kind                            { return KindBlind }
func (b *Blind) Alias() string                         { return "Blind" }
func (b *Blind) JobName() string                       { return b.jobName }
func (b *Blind) RequiredEnvironment() []EnvRequirement { return nil }

func (b *Blind) Config() Config {
	return Config{Kind: KindBlind, JobName: b.jobName, Params: encodeParams(b.p)}
}

// Prepare implements WorkEnv.
func (b *Blind) Prepare(ctx context.Context, opts PrepareOptions) ([]*task.Task, error) {
	content, err := os.ReadFile(b.p.Script)
	if err != nil {
		return nil, configErr(KindBlind, "read script: %v", err)
	}
	body := string(content)

	tasks, err := layout(ctx, b, b.p.NJobs, opts, func(i int, dir string) error {
		script := strings.ReplaceAll(body, b.p.Placeholder, strconv.Itoa(i))
		return writeScript(filepath.Join(dir, ScriptFile(b.jobName)), []byte(script))
	})
	if err != nil {
		return nil, err
	}
	b.logger.Info("Prepared blind job",
		zap.String("job", b.jobName),
		zap.String("script", b.p.Script),
		zap.Int("tasks", len(tasks)))
	return tasks, nil
}

// CheckFinished implements WorkEnv. A blind script has no generic success
// marker, so a finished task is always reported as failed.
func (b *Blind) CheckFinished(*task.Task, string) task.Status {
	return task.StatusFail
}
