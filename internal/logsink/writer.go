package logsink

import (
	"bytes"
	"context"
	"sync"
)

// Writer buffers command output in memory and hands it to a Sink on Flush.
// Command output never waits on the sink; only Flush does.
type Writer struct {
	sink    Sink
	taskID  string
	attempt int

	mu  sync.Mutex
	buf bytes.Buffer
}

func NewWriter(sink Sink, taskID string, attempt int) *Writer {
	return &Writer{sink: sink, taskID: taskID, attempt: attempt}
}

func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

// Flush appends everything buffered so far as one chunk. On error the chunk
// is put back in front of newer output so nothing is lost or reordered.
func (w *Writer) Flush(ctx context.Context) error {
	w.mu.Lock()
	if w.buf.Len() == 0 {
		w.mu.Unlock()
		return nil
	}
	chunk := w.buf.String()
	w.buf.Reset()
	w.mu.Unlock()

	if err := w.sink.Append(ctx, w.taskID, w.attempt, chunk); err != nil {
		w.mu.Lock()
		rest := w.buf.String()
		w.buf.Reset()
		w.buf.WriteString(chunk)
		w.buf.WriteString(rest)
		w.mu.Unlock()
		return err
	}
	return nil
}
