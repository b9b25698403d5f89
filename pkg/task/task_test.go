package task

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tk := New(3, "/work/AthenaJob_reco_3", "reco")

	assert.Equal(t, 3, tk.Index())
	assert.Equal(t, StateNone, tk.State)
	assert.Equal(t, StatusOK, tk.Status)
	assert.Empty(t, tk.ID)
	assert.Empty(t, tk.ParentJobID)
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateNone, StateConfigured, true},
		{StateConfigured, StateSubmitted, true},
		{StateSubmitted, StateRunning, true},
		{StateSubmitted, StateFinished, true},
		{StateRunning, StateFinished, true},
		{StateRunning, StateAborted, true},
		{StateFinished, StateSubmitted, true},
		{StateAborted, StateSubmitted, true},
		{StateRunning, StateRunning, true},

		{StateRunning, StateSubmitted, false},
		{StateFinished, StateRunning, false},
		{StateNone, StateSubmitted, false},
		{StateConfigured, StateRunning, false},
		{StateAborted, StateFinished, false},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestTask_Transition(t *testing.T) {
	tk := New(0, "/w", "job")
	require.NoError(t, tk.Transition(StateConfigured, StatusOK))
	require.NoError(t, tk.MarkSubmitted("1234", 1))
	assert.Equal(t, "1234", tk.ParentJobID)
	assert.Equal(t, "1234[1]", tk.ID)
	require.NoError(t, tk.Transition(StateRunning, StatusOK))

	err := tk.Transition(StateSubmitted, StatusOK)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrIllegalTransition))
	assert.Equal(t, StateRunning, tk.State, "rejected transition must not mutate state")

	require.NoError(t, tk.Transition(StateFinished, StatusFail))
	assert.Equal(t, Condition{State: StateFinished, Status: StatusFail}, tk.Condition())
}

func TestTask_ResetAndFail(t *testing.T) {
	tk := New(1, "/w", "job")
	tk.State = StateRunning
	tk.Fail()
	assert.Equal(t, StateRunning, tk.State)
	assert.Equal(t, StatusFail, tk.Status)

	tk.Reset()
	assert.Equal(t, StateConfigured, tk.State)
	assert.Equal(t, StatusOK, tk.Status)
}

func TestRecord_RoundTrip(t *testing.T) {
	tk := New(7, "/w/BlindJob_x_7", "x")
	tk.State = StateAborted
	tk.Status = StatusFail
	tk.ParentJobID = "99"
	tk.ID = "99[7]"

	b, err := json.Marshal(tk.Record())
	require.NoError(t, err)
	assert.Contains(t, string(b), `"state":"aborted"`)
	assert.Contains(t, string(b), `"status":"fail"`)

	var rec Record
	require.NoError(t, json.Unmarshal(b, &rec))
	got := FromRecord(rec)
	assert.Equal(t, 7, got.Index())
	assert.Equal(t, tk.Condition(), got.Condition())
	assert.Equal(t, tk.ID, got.ID)
	assert.Equal(t, tk.Path, got.Path)
}

func TestState_UnmarshalRejectsUnknown(t *testing.T) {
	var s State
	require.Error(t, s.UnmarshalText([]byte("paused")))

	var st Status
	require.Error(t, st.UnmarshalText([]byte("maybe")))
}

func TestSummarize(t *testing.T) {
	tasks := []*Task{New(0, "/a", "j"), New(1, "/b", "j"), New(2, "/c", "j")}
	tasks[1].State = StateRunning
	tasks[2].State = StateFinished
	tasks[2].Status = StatusFail

	sum := Summarize(tasks)
	require.Len(t, sum, 3)
	assert.Equal(t, Condition{StateNone, StatusOK}, sum[0])
	assert.Equal(t, Condition{StateRunning, StatusOK}, sum[1])
	assert.Equal(t, Condition{StateFinished, StatusFail}, sum[2])
	assert.Equal(t, []int{2}, sum.Failed())
	assert.Equal(t, 1, sum.Count()[StateRunning])

	// Mutating a task is reflected by the next projection.
	tasks[1].State = StateFinished
	assert.Equal(t, StateFinished, Summarize(tasks)[1].State)
}
