package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestNew_FileOutput checks that entries land in the configured file with the service field.
func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pagedb.log")

	log, err := New(Config{Level: "debug", Format: "json", OutputFile: path})
	require.NoError(t, err)

	log.Debug("page fetched")
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	line := string(data)
	require.True(t, strings.Contains(line, `"msg":"page fetched"`), line)
	require.True(t, strings.Contains(line, `"service":"pagedb"`), line)
	require.True(t, strings.Contains(line, `"level":"DEBUG"`), line)
}

// TestNew_LevelFallback checks that an unknown level falls back to info.
func TestNew_LevelFallback(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pagedb.log")

	log, err := New(Config{Level: "chatty", OutputFile: path, Service: "inspect"})
	require.NoError(t, err)

	log.Debug("hidden")
	log.Info("shown")
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotContains(t, string(data), "hidden")
	require.Contains(t, string(data), `"service":"inspect"`)
}

// TestNew_Sampling drops repeats of one message beyond the per-second budget.
func TestNew_Sampling(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pagedb.log")

	log, err := New(Config{Level: "debug", OutputFile: path, SamplePerSecond: 5})
	require.NoError(t, err)

	for i := 0; i < 9; i++ {
		log.Debug("page evicted")
	}
	log.Info("checkpoint done")
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Less(t, strings.Count(string(data), "page evicted"), 9)
	require.Contains(t, string(data), "checkpoint done")
}
