package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected zerolog.Level
	}{
		{"trace", zerolog.TraceLevel},
		{"DEBUG", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"off", zerolog.Disabled},
		{"unknown", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, parseLevel(tt.input))
		})
	}
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestInitJSONFormat(t *testing.T) {
	defer func() { _ = Close() }()

	var buf bytes.Buffer
	require.NoError(t, Init(LogConfig{Level: "warn", Format: "json", Out: &buf}))

	Info().Msg("filtered")
	Warn().Str("key", "value").Msg("kept")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "warn", lines[0]["level"])
	assert.Equal(t, "value", lines[0]["key"])
	assert.Contains(t, lines[0], "time")
}

func TestInitConsoleFormat(t *testing.T) {
	defer func() { _ = Close() }()

	var buf bytes.Buffer
	require.NoError(t, Init(LogConfig{Level: "debug", Format: "console", Out: &buf}))

	Debug().Msg("console message")
	assert.Contains(t, buf.String(), "console message")
	assert.NotContains(t, buf.String(), "\x1b[", "console output to a custom writer is uncolored")
}

func TestInitWithFile(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "logs", "test.log")
	cfg := LogConfig{Level: "debug", Format: "json", File: logPath, Out: &bytes.Buffer{}}

	require.NoError(t, EnsureLogDir(cfg))
	require.NoError(t, Init(cfg))

	Info().Str("test", "value").Msg("test message")
	require.NoError(t, Close())

	content, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(content), "test message")
}

func TestInitWithInvalidFile(t *testing.T) {
	defer func() { _ = Close() }()

	err := Init(LogConfig{
		Level:  "info",
		Format: "json",
		File:   "/nonexistent/directory/test.log",
		Out:    &bytes.Buffer{},
	})
	assert.Error(t, err)
}

func TestComponent(t *testing.T) {
	defer func() { _ = Close() }()

	var buf bytes.Buffer
	require.NoError(t, Init(LogConfig{Level: "debug", Format: "json", Out: &buf}))

	l := Component("storage")
	l.Info().Msg("opened")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "storage", lines[0]["component"])
}

func TestWith(t *testing.T) {
	defer func() { _ = Close() }()

	var buf bytes.Buffer
	require.NoError(t, Init(LogConfig{Level: "debug", Format: "json", Out: &buf}))

	With(map[string]any{"session": "s1"}).Info().Msg("hello")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "s1", lines[0]["session"])
}

func TestGetWithoutInit(t *testing.T) {
	mu.Lock()
	initialized = false
	mu.Unlock()

	assert.NotNil(t, Get())
}
