// Package manifest provides loading and validation of jobsender job manifests.
//
// A job manifest is a YAML or JSON file that describes one array job: its
// name, the cluster backend it is sent to, and the work environment that
// splits it into tasks.
//
// Manifests are validated against a JSON Schema to ensure correctness before
// any directory is created. The schema enforces strict typing and disallows
// unknown properties outside the free-form work environment params.
//
// Example manifest (YAML):
//
//	version: "1.0"
//	name: recoZmumu
//	cluster:
//	  backend: cern
//	  queue: 1nh
//	workenv:
//	  kind: athena
//	  params:
//	    job_options: myJobOptions.py
//	    inputs: ["data/*.pool.root"]
//	    evtmax: 1000
//	    njobs: 3
package manifest

import (
	"strings"

	"github.com/3leaps/jobsender/pkg/cluster"
	"github.com/3leaps/jobsender/pkg/inputs"
	"github.com/3leaps/jobsender/pkg/workenv"
)

// Manifest represents a validated job manifest.
type Manifest struct {
	// Schema is an optional JSON Schema reference for editor support.
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	// Version is the manifest schema version. Must be "1.0".
	Version string `json:"version" yaml:"version"`

	// Name is the job name. It names the launch script and task directories.
	Name string `json:"name" yaml:"name"`

	// Dir is the job base directory. Relative paths are resolved against the
	// current directory. Default: the job name.
	Dir string `json:"dir,omitempty" yaml:"dir,omitempty"`

	// Cluster configures the batch scheduler.
	Cluster ClusterConfig `json:"cluster" yaml:"cluster"`

	// WorkEnv selects and configures the work environment.
	WorkEnv WorkEnvConfig `json:"workenv" yaml:"workenv"`

	// Inputs configures remote input resolution (optional).
	Inputs InputsConfig `json:"inputs,omitempty" yaml:"inputs,omitempty"`
}

// ClusterConfig configures the scheduler backend.
type ClusterConfig struct {
	// Backend is "cern" (LSF) or "tau" (PBS).
	Backend string `json:"backend" yaml:"backend"`

	// Queue is the scheduler queue. Default: the backend's default queue.
	Queue string `json:"queue,omitempty" yaml:"queue,omitempty"`

	// ExtraOptions are passed verbatim to the submit command.
	ExtraOptions []string `json:"extra_options,omitempty" yaml:"extra_options,omitempty"`

	// Simulate replaces scheduler commands with canned responses.
	Simulate bool `json:"simulate,omitempty" yaml:"simulate,omitempty"`

	// PollRate limits status queries per second. Default: 10.
	PollRate float64 `json:"poll_rate,omitempty" yaml:"poll_rate,omitempty"`

	// PollBurst is the status query burst size. Default: 1.
	PollBurst int `json:"poll_burst,omitempty" yaml:"poll_burst,omitempty"`
}

// WorkEnvConfig selects a work environment.
type WorkEnvConfig struct {
	// Kind is "athena" or "blind".
	Kind string `json:"kind" yaml:"kind"`

	// Params are decoded by the selected work environment.
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// InputsConfig configures where input patterns are resolved.
type InputsConfig struct {
	// EOSCommand is the EOS client used for root:// patterns. Default: "eos".
	EOSCommand string `json:"eos_command,omitempty" yaml:"eos_command,omitempty"`

	// S3 configures s3:// pattern listing.
	S3 *S3Config `json:"s3,omitempty" yaml:"s3,omitempty"`
}

// S3Config configures the S3 client used for s3:// inputs.
type S3Config struct {
	Region         string `json:"region,omitempty" yaml:"region,omitempty"`
	Endpoint       string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Profile        string `json:"profile,omitempty" yaml:"profile,omitempty"`
	ForcePathStyle bool   `json:"force_path_style,omitempty" yaml:"force_path_style,omitempty"`
}

// Default values for optional configuration fields.
const (
	// DefaultVersion is the current manifest schema version.
	DefaultVersion = "1.0"

	// DefaultPollRate is the default status query rate per second.
	DefaultPollRate = 10.0

	// DefaultPollBurst is the default status query burst.
	DefaultPollBurst = 1
)

// ApplyDefaults fills in default values for optional fields.
//
// This should be called after loading and validating the manifest to ensure
// all optional fields have sensible values.
func (m *Manifest) ApplyDefaults() {
	if m.Dir == "" {
		m.Dir = m.Name
	}
	m.Cluster.Backend = strings.ToLower(m.Cluster.Backend)
	if m.Cluster.Queue == "" {
		switch cluster.Kind(m.Cluster.Backend) {
		case cluster.KindCern:
			m.Cluster.Queue = cluster.DefaultCernQueue
		case cluster.KindTau:
			m.Cluster.Queue = cluster.DefaultTauQueue
		}
	}
	// Zero means unset; the --poll-rate flag can still disable limiting.
	if m.Cluster.PollRate == 0 {
		m.Cluster.PollRate = DefaultPollRate
	}
	if m.Cluster.PollBurst == 0 {
		m.Cluster.PollBurst = DefaultPollBurst
	}
	m.WorkEnv.Kind = strings.ToLower(m.WorkEnv.Kind)
	if m.Inputs.EOSCommand == "" {
		m.Inputs.EOSCommand = inputs.DefaultEOSCommand
	}
}

// ClusterSettings returns the backend configuration.
func (m *Manifest) ClusterSettings() cluster.Config {
	return cluster.Config{
		Backend:      cluster.Kind(m.Cluster.Backend),
		Queue:        m.Cluster.Queue,
		ExtraOptions: m.Cluster.ExtraOptions,
		Simulate:     m.Cluster.Simulate,
		PollRate:     m.Cluster.PollRate,
		PollBurst:    m.Cluster.PollBurst,
	}
}

// WorkEnvSettings returns the work environment configuration.
func (m *Manifest) WorkEnvSettings() workenv.Config {
	return workenv.Config{
		Kind:    workenv.Kind(m.WorkEnv.Kind),
		JobName: m.Name,
		Params:  m.WorkEnv.Params,
	}
}

// ResolverOptions returns the input resolver options for this manifest.
func (m *Manifest) ResolverOptions() []inputs.Option {
	opts := []inputs.Option{inputs.WithEOSCommand(m.Inputs.EOSCommand)}
	if s := m.Inputs.S3; s != nil {
		opts = append(opts, inputs.WithS3Config(inputs.S3Config{
			Region:         s.Region,
			Endpoint:       s.Endpoint,
			Profile:        s.Profile,
			ForcePathStyle: s.ForcePathStyle,
		}))
	}
	return opts
}
