package task

import "sort"

// Condition is the (state, status) pair of a task at one point in time.
type Condition struct {
	State  State  `json:"state"`
	Status Status `json:"status"`
}

// Summary maps task index to its condition.
type Summary map[int]Condition

// Summarize projects the current condition of every task.
//
// The projection is always derived from the tasks and never cached, so it
// cannot drift from the records it describes.
func Summarize(tasks []*Task) Summary {
	out := make(Summary, len(tasks))
	for _, t := range tasks {
		out[t.Index()] = t.Condition()
	}
	return out
}

// Indices returns the summary's indices in ascending order.
func (s Summary) Indices() []int {
	out := make([]int, 0, len(s))
	for idx := range s {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

// InState returns the entries whose state matches, ordered by index.
func (s Summary) InState(state State) []Entry {
	var out []Entry
	for _, idx := range s.Indices() {
		c := s[idx]
		if c.State == state {
			out = append(out, Entry{Index: idx, Status: c.Status})
		}
	}
	return out
}

// Count returns how many tasks are in each state.
func (s Summary) Count() map[State]int {
	out := make(map[State]int, len(States))
	for _, c := range s {
		out[c.State]++
	}
	return out
}

// Failed returns the indices whose status is Fail, ordered.
func (s Summary) Failed() []int {
	var out []int
	for _, idx := range s.Indices() {
		if s[idx].Status == StatusFail {
			out = append(out, idx)
		}
	}
	return out
}
