package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "info", "json")
	log.Info("hello", "robot_id", "robot_A")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "hello", entry["msg"])
	assert.Equal(t, "robot_A", entry["robot_id"])
}

func TestNewConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "info", "console")
	log.Info("hello")

	assert.True(t, strings.Contains(buf.String(), "msg=hello"))
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "warn", "json")

	log.Info("dropped")
	assert.Zero(t, buf.Len())

	log.Warn("kept")
	assert.NotZero(t, buf.Len())
}

func TestParseLevelDefaults(t *testing.T) {
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
	assert.Equal(t, slog.LevelInfo, parseLevel("bogus"))
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warning"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
}
