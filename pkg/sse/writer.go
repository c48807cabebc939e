package sse

import (
	"fmt"
	"io"
	"net/http"

	"github.com/musistudio/claude-code-router/pkg/anthropic"
)

// Writer emits SSE frames to a client response, flushing after each frame.
type Writer struct {
	w       io.Writer
	flusher http.Flusher
	started bool
}

// NewWriter wraps a response writer. SSE headers are written lazily on the
// first frame so an early failure can still produce a unary error.
func NewWriter(w http.ResponseWriter) *Writer {
	flusher, _ := w.(http.Flusher)
	return &Writer{w: w, flusher: flusher}
}

// Started reports whether any frame has been written yet.
func (w *Writer) Started() bool {
	return w.started
}

func (w *Writer) begin() {
	if w.started {
		return
	}
	if rw, ok := w.w.(http.ResponseWriter); ok {
		h := rw.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		rw.WriteHeader(http.StatusOK)
	}
	w.started = true
}

// WriteEvent writes one named frame.
func (w *Writer) WriteEvent(name string, data []byte) error {
	w.begin()
	var err error
	if name != "" {
		_, err = fmt.Fprintf(w.w, "event: %s\ndata: %s\n\n", name, data)
	} else {
		_, err = fmt.Fprintf(w.w, "data: %s\n\n", data)
	}
	if err != nil {
		return err
	}
	if w.flusher != nil {
		w.flusher.Flush()
	}
	return nil
}

// WriteStreamEvent serializes and writes an Anthropic stream event, using
// its payload type as the frame name.
func (w *Writer) WriteStreamEvent(event *anthropic.StreamEvent) error {
	return w.WriteEvent(event.Type, event.Marshal())
}

// Forward re-emits a parsed event preserving its original payload bytes.
func (w *Writer) Forward(event *Event) error {
	return w.WriteEvent(event.Name, event.Data)
}
