// Package snapshot persists a job controller between CLI invocations.
//
// A Snapshot is an explicit, versioned record of everything needed to rebuild
// a controller: the task records plus the serializable configuration of the
// work environment and the cluster backend. Decoding rejects snapshots with a
// missing or unknown version instead of guessing.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/jobsender/pkg/cluster"
	"github.com/3leaps/jobsender/pkg/jobctl"
	"github.com/3leaps/jobsender/pkg/task"
	"github.com/3leaps/jobsender/pkg/workenv"
)

// Version is the snapshot format written by this package.
const Version = 1

var (
	// ErrNoSnapshot is returned when the store holds no snapshot.
	ErrNoSnapshot = errors.New("no job snapshot found")

	// ErrUnsupportedVersion is returned for snapshots this package cannot read.
	ErrUnsupportedVersion = errors.New("unsupported snapshot version")
)

// Snapshot is the persisted form of a job controller.
type Snapshot struct {
	Version   int       `json:"version"`
	Name      string    `json:"name"`
	BaseDir   string    `json:"base_dir"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// RegistryID links the job to its entry in the per-user job registry.
	RegistryID string `json:"registry_id,omitempty"`

	WorkEnv workenv.Config `json:"workenv"`
	Cluster cluster.Config `json:"cluster"`
	Tasks   []task.Record  `json:"tasks"`
}

// Capture records the current state of a controller.
func Capture(c *jobctl.Controller) *Snapshot {
	st := c.Snapshot()
	return &Snapshot{
		Version:   Version,
		Name:      st.Name,
		BaseDir:   st.BaseDir,
		CreatedAt: st.CreatedAt,
		UpdatedAt: time.Now().UTC(),
		WorkEnv:   c.Env().Config(),
		Cluster:   c.Backend().Config(),
		Tasks:     st.Tasks,
	}
}

// RestoreOptions carries the runtime dependencies of a restored controller.
type RestoreOptions struct {
	Logger  *zap.Logger
	Cluster []cluster.Option
	WorkEnv []workenv.Option
}

// Restore rebuilds the controller. The work environment is restored without
// re-checking the shell environment.
func (s *Snapshot) Restore(o RestoreOptions) (*jobctl.Controller, error) {
	logger := o.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	env, err := workenv.Restore(s.WorkEnv, append([]workenv.Option{workenv.WithLogger(logger)}, o.WorkEnv...)...)
	if err != nil {
		return nil, fmt.Errorf("restore work environment: %w", err)
	}
	backend, err := cluster.New(s.Cluster, append([]cluster.Option{cluster.WithLogger(logger)}, o.Cluster...)...)
	if err != nil {
		return nil, fmt.Errorf("restore cluster backend: %w", err)
	}
	return jobctl.Restore(jobctl.State{
		Name:      s.Name,
		BaseDir:   s.BaseDir,
		CreatedAt: s.CreatedAt,
		Tasks:     s.Tasks,
	}, env, backend, jobctl.WithLogger(logger))
}

// Encode serializes a snapshot, stamping the current format version.
func Encode(s *Snapshot) ([]byte, error) {
	if s == nil {
		return nil, errors.New("encode snapshot: nil snapshot")
	}
	out := *s
	out.Version = Version
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return data, nil
}

// Decode parses a snapshot. A missing or unknown version is an error wrapping
// ErrUnsupportedVersion.
func Decode(data []byte) (*Snapshot, error) {
	var probe struct {
		Version *int `json:"version"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if probe.Version == nil {
		return nil, fmt.Errorf("%w: version is missing", ErrUnsupportedVersion)
	}
	if *probe.Version != Version {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrUnsupportedVersion, *probe.Version, Version)
	}

	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &s, nil
}
