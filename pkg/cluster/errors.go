package cluster

import (
	"fmt"
	"strings"
)

// SubmissionError reports a rejected array submission. The affected tasks
// have already been marked failed.
type SubmissionError struct {
	Command string
	Array   string
	Stdout  string
	Stderr  string
	Err     error
}

func (e *SubmissionError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "submit array %s: %s", e.Array, e.Command)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if msg := strings.TrimSpace(e.Stderr); msg != "" {
		fmt.Fprintf(&b, ": stderr: %s", msg)
	}
	return b.String()
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}
