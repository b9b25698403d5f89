package output

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Writer emits status records. Each call writes one complete line.
type Writer interface {
	WriteTask(ctx context.Context, t *TaskRecord) error
	WriteWarning(ctx context.Context, w *WarningRecord) error
	WriteSummary(ctx context.Context, sum *SummaryRecord) error
	Close() error
}

// JSONLWriter writes newline-delimited JSON records to an io.Writer.
// It is safe for concurrent use; lines never interleave.
type JSONLWriter struct {
	mu      sync.Mutex
	w       io.Writer
	jobID   string
	backend string
	now     func() time.Time
	written int
	closed  bool
}

// WriterOption configures a JSONLWriter.
type WriterOption func(*JSONLWriter)

// WithClock sets the timestamp source for records.
func WithClock(now func() time.Time) WriterOption {
	return func(jw *JSONLWriter) {
		if now != nil {
			jw.now = now
		}
	}
}

// NewJSONLWriter returns a writer that stamps every record with the
// registry job id and the cluster backend name.
func NewJSONLWriter(w io.Writer, jobID, backend string, opts ...WriterOption) *JSONLWriter {
	jw := &JSONLWriter{
		w:       w,
		jobID:   jobID,
		backend: backend,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(jw)
	}
	return jw
}

func (jw *JSONLWriter) WriteTask(ctx context.Context, t *TaskRecord) error {
	return jw.emit(ctx, TypeTask, t)
}

func (jw *JSONLWriter) WriteWarning(ctx context.Context, w *WarningRecord) error {
	return jw.emit(ctx, TypeWarning, w)
}

func (jw *JSONLWriter) WriteSummary(ctx context.Context, sum *SummaryRecord) error {
	return jw.emit(ctx, TypeSummary, sum)
}

// Written returns the number of records written so far.
func (jw *JSONLWriter) Written() int {
	jw.mu.Lock()
	defer jw.mu.Unlock()
	return jw.written
}

// Close stops further writes. The underlying writer is left open.
func (jw *JSONLWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()
	jw.closed = true
	return nil
}

func (jw *JSONLWriter) emit(ctx context.Context, recordType string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := encode(data)
	if err != nil {
		return &WriteError{Op: "marshal_data", Err: err}
	}

	jw.mu.Lock()
	defer jw.mu.Unlock()
	if jw.closed {
		return ErrWriterClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	line, err := encode(Record{
		Type:    recordType,
		TS:      jw.now().UTC(),
		JobID:   jw.jobID,
		Backend: jw.backend,
		Data:    payload,
	})
	if err != nil {
		return &WriteError{Op: "marshal_record", Err: err}
	}

	// A short write must not leave half a line behind.
	if err := writeAll(jw.w, append(line, '\n')); err != nil {
		return &WriteError{Op: "write", Err: err}
	}
	jw.written++
	return nil
}

// encode marshals v without HTML escaping.
func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

var _ Writer = (*JSONLWriter)(nil)
