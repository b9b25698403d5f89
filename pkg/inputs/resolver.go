// Package inputs resolves input-file patterns into concrete file locations.
//
// Three pattern families are supported:
//
//	data/*.pool.root                      local glob (doublestar syntax)
//	s3://bucket/run2024/**/*.root          S3 listing filtered by the glob
//	root://eosatlas//eos/atlas/user/x/*.root  EOS directory listing via "eos ls"
//
// Local matches are returned as absolute, symlink-resolved paths; remote
// matches keep their URI form so they can be handed to the job unchanged.
package inputs

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/3leaps/jobsender/pkg/proc"
)

// NoMatchError is reported for a pattern that resolved to nothing.
type NoMatchError struct {
	Pattern string
}

func (e *NoMatchError) Error() string {
	return fmt.Sprintf("no input files match %q", e.Pattern)
}

// Resolver expands input patterns.
type Resolver struct {
	runner   proc.Runner
	eosCmd   string
	s3       S3Config
	s3Client func(ctx context.Context, cfg S3Config) (ObjectLister, error)
	logger   *zap.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithRunner sets the runner used for "eos ls".
func WithRunner(r proc.Runner) Option {
	return func(res *Resolver) { res.runner = r }
}

// WithEOSCommand overrides the EOS client executable.
func WithEOSCommand(name string) Option {
	return func(res *Resolver) {
		if strings.TrimSpace(name) != "" {
			res.eosCmd = name
		}
	}
}

// WithS3Config sets the connection settings for s3:// patterns.
func WithS3Config(cfg S3Config) Option {
	return func(res *Resolver) { res.s3 = cfg }
}

// WithObjectLister injects a fixed S3 lister.
func WithObjectLister(l ObjectLister) Option {
	return func(res *Resolver) {
		res.s3Client = func(context.Context, S3Config) (ObjectLister, error) { return l, nil }
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(res *Resolver) {
		if l != nil {
			res.logger = l
		}
	}
}

// DefaultEOSCommand is the EOS client used when none is configured.
const DefaultEOSCommand = "eos"

// NewResolver creates a resolver.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		runner:   proc.ExecRunner{},
		eosCmd:   DefaultEOSCommand,
		s3Client: newS3Client,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve expands every pattern and returns the sorted, de-duplicated union.
//
// Patterns that match nothing are collected into a single aggregated error
// alongside any listing failures; partial results are still returned.
func (r *Resolver) Resolve(ctx context.Context, patterns []string) ([]string, error) {
	seen := make(map[string]struct{})
	var errs *multierror.Error

	for _, pattern := range splitPatterns(patterns) {
		var (
			matches []string
			err     error
		)
		switch {
		case strings.HasPrefix(pattern, "s3://"):
			matches, err = r.resolveS3(ctx, pattern)
		case strings.HasPrefix(pattern, "root://"):
			matches, err = r.resolveEOS(ctx, pattern)
		default:
			matches, err = resolveLocal(pattern)
		}
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("resolve %q: %w", pattern, err))
			continue
		}
		if len(matches) == 0 {
			errs = multierror.Append(errs, &NoMatchError{Pattern: pattern})
			continue
		}
		r.logger.Debug("Resolved input pattern",
			zap.String("pattern", pattern),
			zap.Int("matches", len(matches)))
		for _, m := range matches {
			seen[m] = struct{}{}
		}
	}

	out := make([]string, 0, len(seen))
	for m := range seen {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, errs.ErrorOrNil()
}

// splitPatterns accepts both list entries and comma-joined strings.
func splitPatterns(patterns []string) []string {
	var out []string
	for _, p := range patterns {
		for _, part := range strings.Split(p, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
