package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{"", zapcore.InfoLevel},
		{"debug", zapcore.DebugLevel},
		{"WARN", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := ParseLevel("chatty")
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bulkloader.log")
	logger, err := NewLogger(Config{Level: "warn", Format: "json", OutputPaths: []string{path}})
	require.NoError(t, err)

	logger.Info("dropped")
	logger.Warn("kept", zap.Int64("errors", 3))
	require.NoError(t, logger.Sync())

	out, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(out), "dropped")
	assert.Contains(t, string(out), `"msg":"kept"`)
	assert.Contains(t, string(out), `"errors":3`)
	assert.Contains(t, string(out), `"timestamp"`)
}

func TestNewLogger_Console(t *testing.T) {
	logger, err := NewLogger(Config{Level: "debug", Format: "console", OutputPaths: []string{filepath.Join(t.TempDir(), "out.log")}})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))
}

func TestNewLogger_Invalid(t *testing.T) {
	_, err := NewLogger(Config{Format: "xml"})
	assert.Error(t, err)

	_, err = NewLogger(Config{Level: "loud"})
	assert.Error(t, err)
}
