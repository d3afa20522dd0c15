// Package sse reads and writes server-sent event streams.
package sse

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

// maxEventSize bounds a single data line.
const maxEventSize = 1024 * 1024

// Event is one dispatched server-sent event.
type Event struct {
	ID    string
	Event string
	Data  []byte
}

// Decoder parses an event stream incrementally.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventSize)
	return &Decoder{scanner: scanner}
}

// Next returns the next event. It returns io.EOF when the stream ends
// cleanly; a partially accumulated event at EOF is dispatched first.
// Events without an explicit type default to "message".
func (d *Decoder) Next() (*Event, error) {
	var (
		ev      Event
		data    bytes.Buffer
		hasData bool
		hasAny  bool
	)

	for d.scanner.Scan() {
		line := d.scanner.Text()
		if line == "" {
			if !hasAny {
				continue
			}
			return finish(&ev, &data, hasData), nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		hasAny = true

		switch field {
		case "event":
			ev.Event = value
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		case "id":
			ev.ID = value
		}
	}

	if err := d.scanner.Err(); err != nil {
		return nil, err
	}
	if hasAny {
		return finish(&ev, &data, hasData), nil
	}
	return nil, io.EOF
}

func finish(ev *Event, data *bytes.Buffer, hasData bool) *Event {
	if ev.Event == "" {
		ev.Event = "message"
	}
	if hasData {
		ev.Data = append([]byte(nil), data.Bytes()...)
	}
	return ev
}
