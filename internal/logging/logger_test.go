// Package logging includes tests for the zap logger helpers.
package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

// TestNewDevelopmentLogger confirms the development logger builds and logs.
func TestNewDevelopmentLogger(t *testing.T) {
	t.Parallel()

	logger, closer, err := New(Config{Development: true})
	require.NoError(t, err)
	require.NotNil(t, logger)
	defer logger.Sync() //nolint:errcheck // best-effort flush
	logger.Info("development logger ready")
	require.NoError(t, closer.Close())
}

// TestNewProductionLogger ensures the production logger configuration succeeds.
func TestNewProductionLogger(t *testing.T) {
	t.Parallel()

	logger, _, err := New(Config{Level: "warn"})
	require.NoError(t, err)
	require.False(t, logger.Core().Enabled(zapcore.DebugLevel), "debug disabled")
	require.False(t, logger.Core().Enabled(zapcore.InfoLevel), "info disabled at warn")
	logger.Warn("production logger ready")
}

// TestNewRejectsUnknownLevel surfaces bad level names.
func TestNewRejectsUnknownLevel(t *testing.T) {
	t.Parallel()

	_, _, err := New(Config{Level: "chatty"})
	require.Error(t, err)
}

// TestFileTee writes JSON entries to the rotating file.
func TestFileTee(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "hub.log")
	logger, closer, err := New(Config{File: path, MaxSizeMB: 1})
	require.NoError(t, err)
	logger.Info("stream opened")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(data), `"msg":"stream opened"`), string(data))
}
