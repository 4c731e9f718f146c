package common

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/require"
)

func TestCopyThrottled(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.db")
	dst := filepath.Join(dir, "dst.db")

	// Larger than one chunk so the loop runs more than once.
	data := bytes.Repeat([]byte("pagedb-"), (chunkSize/7)+4096)
	require.NoError(t, os.WriteFile(src, data, 0o644))

	sum, err := CopyThrottled(context.Background(), src, dst, 0)
	require.NoError(t, err)
	require.Equal(t, xxhash.Sum64(data), sum)

	copied, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, data, copied)
}

func TestCopyThrottled_Cancelled(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.db")
	require.NoError(t, os.WriteFile(src, make([]byte, 4096), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := CopyThrottled(ctx, src, filepath.Join(dir, "dst.db"), 0)
	require.ErrorIs(t, err, context.Canceled)

	_, err = CopyThrottled(context.Background(), filepath.Join(dir, "missing.db"), filepath.Join(dir, "x.db"), 0)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestCopyThrottled_Limited(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.db")
	data := make([]byte, 64*1024)
	require.NoError(t, os.WriteFile(src, data, 0o644))

	// The burst covers a whole chunk, so a small file copies without waiting.
	sum, err := CopyThrottled(context.Background(), src, filepath.Join(dir, "dst.db"), 1024)
	require.NoError(t, err)
	require.Equal(t, xxhash.Sum64(data), sum)
}
