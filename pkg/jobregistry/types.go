package jobregistry

import (
	"time"

	"github.com/google/uuid"

	"github.com/3leaps/jobsender/pkg/task"
)

// JobState is the aggregate lifecycle state of a registered job.
//
// NOTE: These values are persisted in job.json and are part of the stable
// on-disk contract.
type JobState string

const (
	JobStatePrepared JobState = "prepared"
	JobStateActive   JobState = "active"
	JobStateSuccess  JobState = "success"
	JobStatePartial  JobState = "partial"
	JobStateFailed   JobState = "failed"

	// JobStateOrphaned marks a record whose job directory no longer exists.
	JobStateOrphaned JobState = "orphaned"
)

// JobRecord is the persistent record written to job.json.
//
// The schema is designed for backward-compatible extension (additive fields).
type JobRecord struct {
	JobID        string    `json:"job_id"`
	Name         string    `json:"name"`
	State        JobState  `json:"state"`
	BaseDir      string    `json:"base_dir"`
	SnapshotPath string    `json:"snapshot_path,omitempty"`
	ManifestPath string    `json:"manifest_path,omitempty"`
	Backend      string    `json:"backend"`
	Queue        string    `json:"queue,omitempty"`
	Simulate     bool      `json:"simulate,omitempty"`
	Kind         string    `json:"kind"`
	Host         string    `json:"host,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`

	Tasks  int            `json:"tasks"`
	Counts map[string]int `json:"counts,omitempty"`
	Failed int            `json:"failed,omitempty"`
}

// NewJobID returns a fresh registry identifier.
func NewJobID() string {
	return uuid.New().String()
}

// Observe refreshes the task counters and the aggregate state from a task
// summary.
func (r *JobRecord) Observe(s task.Summary, now time.Time) {
	counts := s.Count()
	r.Tasks = len(s)
	r.Counts = make(map[string]int, len(counts))
	for state, n := range counts {
		r.Counts[state.String()] = n
	}
	r.Failed = len(s.Failed())
	r.State = Aggregate(s)
	r.UpdatedAt = now.UTC()
}

// Aggregate derives a job state from its tasks. A job is active while any
// task is with the scheduler; once nothing is pending the share of tasks that
// finished OK decides the outcome.
func Aggregate(s task.Summary) JobState {
	if len(s) == 0 {
		return JobStatePrepared
	}
	counts := s.Count()
	if counts[task.StateSubmitted]+counts[task.StateRunning] > 0 {
		return JobStateActive
	}
	done := counts[task.StateFinished] + counts[task.StateAborted]
	if done == 0 {
		return JobStatePrepared
	}

	var ok int
	for _, c := range s {
		if c.State == task.StateFinished && c.Status == task.StatusOK {
			ok++
		}
	}
	switch {
	case ok == len(s):
		return JobStateSuccess
	case ok == 0:
		return JobStateFailed
	default:
		return JobStatePartial
	}
}
