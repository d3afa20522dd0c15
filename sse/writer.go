package sse

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
)

// SetHeaders prepares an HTTP response for streaming events.
func SetHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// Write formats one event onto w. An empty event name omits the event
// line. Multi-line data is split across data lines.
func Write(w io.Writer, event string, data []byte) error {
	if event != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
			return err
		}
	}
	for _, line := range bytes.Split(data, []byte("\n")) {
		if _, err := fmt.Fprintf(w, "data: %s\n", line); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "\n")
	return err
}

// WriteFlush writes one event and flushes when w supports it.
func WriteFlush(w io.Writer, event string, data []byte) error {
	if err := Write(w, event, data); err != nil {
		return err
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}
