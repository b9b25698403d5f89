// Package output provides JSONL output for job status.
//
// Output is structured as typed record envelopes containing task states,
// warnings and summaries. Each line is a self-contained JSON object that can
// be parsed independently.
package output

import (
	"encoding/json"
	"errors"
	"time"
)

// Record type constants define the envelope types for JSONL output.
// These follow the pattern: jobsender.<type>.v<version>
const (
	// TypeTask identifies per-task state records.
	TypeTask = "jobsender.task.v1"

	// TypeSummary identifies final summary records.
	TypeSummary = "jobsender.summary.v1"

	// TypeWarning identifies warning records.
	TypeWarning = "jobsender.warning.v1"
)

// Record is the envelope for all JSONL output.
//
// Each line of JSONL output contains a Record with a type-specific
// payload in the Data field. The type field determines how to
// interpret the Data payload.
type Record struct {
	// Type identifies the record type (e.g., "jobsender.task.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// JobID is the registry ID of the job, or its name when unregistered.
	JobID string `json:"job_id"`

	// Backend identifies the cluster backend (e.g., "cern", "tau").
	Backend string `json:"backend"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// TaskRecord is the data payload for one task.
type TaskRecord struct {
	Index       int    `json:"index"`
	State       string `json:"state"`
	Status      string `json:"status"`
	ID          string `json:"id,omitempty"`
	ParentJobID string `json:"parent_job_id,omitempty"`
	Path        string `json:"path"`

	// Changed is set when the last update moved the task.
	Changed bool `json:"changed,omitempty"`
}

// WarningRecord is the data payload for warnings.
//
// Warnings are emitted as records rather than failing the command, matching
// the per-task failure policy of the controller.
type WarningRecord struct {
	// Code is a machine-readable warning code.
	Code string `json:"code"`

	// Message is a human-readable description.
	Message string `json:"message"`

	// Indices is the affected task range in compact notation.
	Indices string `json:"indices,omitempty"`
}

// Warning codes for WarningRecord.
const (
	// WarnBackwardState indicates the scheduler reported an earlier state.
	WarnBackwardState = "BACKWARD_STATE"

	// WarnTaskFailed indicates tasks whose status is fail.
	WarnTaskFailed = "TASK_FAILED"

	// WarnUpdateInterrupted indicates the update pass was canceled.
	WarnUpdateInterrupted = "UPDATE_INTERRUPTED"
)

// SummaryRecord is the data payload for final summaries.
type SummaryRecord struct {
	// Name is the job name.
	Name string `json:"name"`

	// State is the aggregate job state.
	State string `json:"state"`

	// Tasks is the number of tasks in the job.
	Tasks int `json:"tasks"`

	// Counts maps state names to task counts.
	Counts map[string]int `json:"counts"`

	// Failed is the number of tasks with status fail.
	Failed int `json:"failed"`

	// Polled is the number of scheduler status queries made.
	Polled int `json:"polled"`

	// Changed is the number of tasks whose state changed.
	Changed int `json:"changed"`

	// Duration is the update duration.
	Duration time.Duration `json:"duration_ns"`

	// DurationHuman is a human-readable duration string.
	DurationHuman string `json:"duration"`
}

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
