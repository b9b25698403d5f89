// Package task models a single unit of cluster work and its lifecycle.
//
// A Task is one element of an array job: it owns a working directory and a
// launch script, and tracks the scheduler identity and the (state, status)
// pair reported by the most recent lifecycle event.
package task

import (
	"errors"
	"fmt"
)

// ErrIllegalTransition is returned when a lifecycle event would move a task
// to a state it cannot reach from its current state.
var ErrIllegalTransition = errors.New("illegal task state transition")

// Task is one unit of cluster work.
type Task struct {
	// Path is the absolute working directory of the task.
	Path string

	// ScriptName is the base name of the launch script, without ".sh".
	ScriptName string

	// ParentJobID is the scheduler's array-job identifier. Empty until the
	// task has been submitted at least once.
	ParentJobID string

	// ID is the composite scheduler identifier "ParentJobID[element]".
	ID string

	State  State
	Status Status

	index int
}

// New creates a task with state None and status OK.
func New(index int, path, scriptName string) *Task {
	return &Task{
		Path:       path,
		ScriptName: scriptName,
		State:      StateNone,
		Status:     StatusOK,
		index:      index,
	}
}

// Index is the ordinal of the task inside its job. It never changes.
func (t *Task) Index() int {
	return t.index
}

// Transition moves the task to the given state and status.
func (t *Task) Transition(to State, status Status) error {
	if !CanTransition(t.State, to) {
		return fmt.Errorf("%w: task %d %s -> %s", ErrIllegalTransition, t.index, t.State, to)
	}
	t.State = to
	t.Status = status
	return nil
}

// Reset returns the task to Configured/OK. It is the explicit path used by
// kill and reconfigure and bypasses the transition table.
func (t *Task) Reset() {
	t.State = StateConfigured
	t.Status = StatusOK
}

// Fail marks the task as failed without touching its state.
func (t *Task) Fail() {
	t.Status = StatusFail
}

// MarkSubmitted records a successful submission.
func (t *Task) MarkSubmitted(parentID string, element int) error {
	if err := t.Transition(StateSubmitted, StatusOK); err != nil {
		return err
	}
	t.ParentJobID = parentID
	t.ID = fmt.Sprintf("%s[%d]", parentID, element)
	return nil
}

// Condition returns the current (state, status) pair.
func (t *Task) Condition() Condition {
	return Condition{State: t.State, Status: t.Status}
}

func (t *Task) String() string {
	id := t.ID
	if id == "" {
		id = "-"
	}
	return fmt.Sprintf("task[%d] state=%s status=%s id=%s path=%s", t.index, t.State, t.Status, id, t.Path)
}

// Record is the serializable form of a Task.
type Record struct {
	Index       int    `json:"index"`
	Path        string `json:"path"`
	ScriptName  string `json:"script_name"`
	ParentJobID string `json:"parent_job_id,omitempty"`
	ID          string `json:"id,omitempty"`
	State       State  `json:"state"`
	Status      Status `json:"status"`
}

// Record returns the serializable form of the task.
func (t *Task) Record() Record {
	return Record{
		Index:       t.index,
		Path:        t.Path,
		ScriptName:  t.ScriptName,
		ParentJobID: t.ParentJobID,
		ID:          t.ID,
		State:       t.State,
		Status:      t.Status,
	}
}

// FromRecord rebuilds a task from its serializable form.
func FromRecord(r Record) *Task {
	return &Task{
		Path:        r.Path,
		ScriptName:  r.ScriptName,
		ParentJobID: r.ParentJobID,
		ID:          r.ID,
		State:       r.State,
		Status:      r.Status,
		index:       r.Index,
	}
}
