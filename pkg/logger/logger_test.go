package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("whatever"))
}

func TestNewJSONFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	l, closer, err := New(Options{Level: "warn", Format: "json", Stdout: &buf})
	require.NoError(t, err)
	defer closer.Close()

	l.Info("hidden")
	l.Warn("shown", "course", "C1")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec))
	assert.Equal(t, "shown", rec["msg"])
	assert.Equal(t, "C1", rec["course"])
}

func TestNewWritesToFile(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "bbsync.log")

	l, closer, err := New(Options{Level: "info", File: path, Stdout: &buf})
	require.NoError(t, err)
	l.Info("cycle finished")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "cycle finished")
	assert.Contains(t, buf.String(), "cycle finished")
}
