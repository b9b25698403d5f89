package task

import (
	"fmt"
	"strings"
)

// State is the lifecycle state of a task.
//
// NOTE: The text form of these values is persisted in snapshots and is part
// of the stable on-disk contract.
type State int

const (
	StateNone State = iota
	StateConfigured
	StateSubmitted
	StateRunning
	StateFinished
	StateAborted
)

// States lists every state in canonical display order.
var States = []State{
	StateNone,
	StateConfigured,
	StateSubmitted,
	StateRunning,
	StateFinished,
	StateAborted,
}

var stateNames = map[State]string{
	StateNone:       "none",
	StateConfigured: "configured",
	StateSubmitted:  "submitted",
	StateRunning:    "running",
	StateFinished:   "finished",
	StateAborted:    "aborted",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether the scheduler no longer tracks tasks in this state.
func (s State) Terminal() bool {
	return s == StateFinished || s == StateAborted
}

// Active reports whether the task is known to the scheduler.
func (s State) Active() bool {
	return s == StateSubmitted || s == StateRunning
}

func (s State) MarshalText() ([]byte, error) {
	name, ok := stateNames[s]
	if !ok {
		return nil, fmt.Errorf("unknown task state %d", int(s))
	}
	return []byte(name), nil
}

func (s *State) UnmarshalText(b []byte) error {
	parsed, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseState converts the persisted text form back into a State.
func ParseState(text string) (State, error) {
	text = strings.ToLower(strings.TrimSpace(text))
	for s, name := range stateNames {
		if name == text {
			return s, nil
		}
	}
	return StateNone, fmt.Errorf("unknown task state %q", text)
}

// Status is the health flag attached to a state.
type Status int

const (
	StatusOK Status = iota
	StatusFail
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusFail:
		return "fail"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

func (s Status) MarshalText() ([]byte, error) {
	switch s {
	case StatusOK, StatusFail:
		return []byte(s.String()), nil
	default:
		return nil, fmt.Errorf("unknown task status %d", int(s))
	}
}

func (s *Status) UnmarshalText(b []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(b))) {
	case "ok":
		*s = StatusOK
	case "fail":
		*s = StatusFail
	default:
		return fmt.Errorf("unknown task status %q", string(b))
	}
	return nil
}

// transitions holds the legal forward moves. Self transitions are always
// legal so that status can be refreshed without changing state.
var transitions = map[State][]State{
	StateNone:       {StateConfigured},
	StateConfigured: {StateSubmitted},
	StateSubmitted:  {StateRunning, StateFinished, StateAborted},
	StateRunning:    {StateFinished, StateAborted},
	StateFinished:   {StateSubmitted},
	StateAborted:    {StateSubmitted},
}

// CanTransition reports whether a task may move from one state to another
// through normal lifecycle events. Explicit resets are handled by Task.Reset.
func CanTransition(from, to State) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
