package common

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetupLoggerWritesToFile(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "worker.log")

	log := SetupLogger(&LoggingOpts{
		JSON:    true,
		Service: "worker-test",
		Version: "v0.0.1",
		File:    logFile,
	})
	log.Info("Hello from the worker", "shard", "ab")

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	require.Contains(t, string(data), `"service":"worker-test"`)
	require.Contains(t, string(data), `"msg":"Hello from the worker"`)
}

func TestSetupLoggerDebugLevel(t *testing.T) {
	require.True(t, SetupLogger(&LoggingOpts{Debug: true}).Enabled(context.Background(), slog.LevelDebug))
	require.False(t, SetupLogger(&LoggingOpts{}).Enabled(context.Background(), slog.LevelDebug))
}
