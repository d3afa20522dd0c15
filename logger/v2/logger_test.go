package v2

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		out = append(out, entry)
	}
	return out
}

func TestNewWithWriter_JSONFields(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewWithWriter(Config{Level: "debug", Format: "json"}, &buf)
	require.NoError(t, err)

	l.Info("connected", String("server", "calc"), Int("tools", 4))
	l.Error("call failed", errors.New("boom"), Int64("request_id", 7))

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 2)
	assert.Equal(t, "connected", entries[0]["msg"])
	assert.Equal(t, "calc", entries[0]["server"])
	assert.EqualValues(t, 4, entries[0]["tools"])
	assert.Equal(t, "error", entries[1]["level"])
	assert.Equal(t, "boom", entries[1]["error"])
}

func TestWith_DoesNotShareFieldSlices(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewWithWriter(Config{Level: "info", Format: "json"}, &buf)
	require.NoError(t, err)

	base := l.With(String("component", "session"))
	a := base.With(String("server", "a"))
	b := base.With(String("server", "b"))
	a.Info("first")
	b.Info("second")

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0]["server"])
	assert.Equal(t, "b", entries[1]["server"])
	assert.Equal(t, "session", entries[1]["component"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewWithWriter(Config{Level: "warn", Format: "text"}, &buf)
	require.NoError(t, err)

	l.Debug("hidden")
	l.Info("hidden too")
	l.Warn("shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
}

func TestNewWithWriter_RejectsBadConfig(t *testing.T) {
	_, err := NewWithWriter(Config{Level: "loud"}, &bytes.Buffer{})
	assert.Error(t, err)

	_, err = NewWithWriter(Config{Level: "info", Format: "xml"}, &bytes.Buffer{})
	assert.Error(t, err)
}

func TestToStdLogger(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewWithWriter(Config{Level: "info", Format: "json"}, &buf)
	require.NoError(t, err)

	ToStdLogger(l).Printf("http: TLS handshake error from %s", "127.0.0.1")

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "warning", entries[0]["level"])
	assert.Equal(t, "http: TLS handshake error from 127.0.0.1", entries[0]["msg"])
}

func TestOrNoop(t *testing.T) {
	assert.NotNil(t, OrNoop(nil))
	l := NewNoop()
	assert.Same(t, l, OrNoop(l))
}
