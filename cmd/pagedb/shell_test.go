package main

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/pagedb/config"
	"github.com/sushant-115/pagedb/core/storage_engine/engine"
	flushmanager "github.com/sushant-115/pagedb/core/write_engine/flush_manager"
)

func setupSession(t *testing.T) (*session, *bytes.Buffer) {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.InMemory = true
	cfg.Storage.PoolSize = 32
	cfg.Flusher.Enabled = false
	eng, err := engine.Open(context.Background(), cfg, nil, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, eng.Close(context.Background())) })

	out := &bytes.Buffer{}
	return newSession(eng, out), out
}

func run(t *testing.T, s *session, out *bytes.Buffer, line string) string {
	t.Helper()
	out.Reset()
	require.NoError(t, s.execute(context.Background(), strings.Fields(line)), line)
	return out.String()
}

func TestShell_IndexCommands(t *testing.T) {
	s, out := setupSession(t)

	require.Contains(t, run(t, s, out, "index create users 8 4 4"), "Created index users (id 1, leaf max 4, internal max 4)")
	for _, line := range []string{
		"index insert users 30 5:0",
		"index insert users 10 5:1",
		"index insert users 20 5:2",
		"index insert users -7 6:0",
		"index insert users 40 6:1",
	} {
		require.Equal(t, "OK\n", run(t, s, out, line))
	}
	require.Contains(t, run(t, s, out, "index insert users 10 9:9"), "already present")

	require.Equal(t, "5:1\n", run(t, s, out, "index get users 10"))
	require.Equal(t, "NOT_FOUND\n", run(t, s, out, "index get users 11"))

	require.Equal(t, "-7\t6:0\n10\t5:1\n20\t5:2\n30\t5:0\n40\t6:1\n(5 entries)\n", run(t, s, out, "index scan users"))
	require.Equal(t, "20\t5:2\n30\t5:0\n(2 entries)\n", run(t, s, out, "index scan users 15 2"))

	require.Equal(t, "OK\n", run(t, s, out, "index remove users 20"))
	require.Equal(t, "NOT_FOUND\n", run(t, s, out, "index get users 20"))
	require.Contains(t, run(t, s, out, "index check"), "users: OK (height 2)")
	require.Contains(t, run(t, s, out, "index dump users"), "leaf")

	listing := run(t, s, out, "index list")
	require.Contains(t, listing, "NAME")
	require.Contains(t, listing, "users")

	require.Contains(t, run(t, s, out, "index drop users"), "Dropped index users")
	err := s.execute(context.Background(), strings.Fields("index get users 10"))
	require.True(t, errors.Is(err, flushmanager.ErrIndexNotFound))
}

func TestShell_StringKeys(t *testing.T) {
	s, out := setupSession(t)
	run(t, s, out, "index create names 16")
	run(t, s, out, "index insert names bob 1:0")
	run(t, s, out, "index insert names alice 1:1")
	require.Equal(t, "alice\t1:1\nbob\t1:0\n(2 entries)\n", run(t, s, out, "index scan names"))

	err := s.execute(context.Background(), strings.Fields("index insert names a-name-longer-than-16 1:2"))
	require.Error(t, err)
}

func TestShell_TableCommands(t *testing.T) {
	s, out := setupSession(t)

	created := run(t, s, out, "table create")
	require.True(t, strings.HasPrefix(created, "Created table "))
	table := strings.TrimSpace(strings.TrimPrefix(created, "Created table "))

	first := strings.TrimSpace(run(t, s, out, "table insert "+table+" hello world"))
	second := strings.TrimSpace(run(t, s, out, "table insert "+table+" second row"))
	require.Equal(t, table+":0", first)
	require.Equal(t, table+":1", second)

	require.Equal(t, "hello world\n", run(t, s, out, "table get "+first))
	require.Equal(t, first+"\n", run(t, s, out, "table update "+first+" bye"))
	require.Equal(t, "bye\n", run(t, s, out, "table get "+first))

	require.Equal(t, "OK\n", run(t, s, out, "table delete "+second))
	require.Equal(t, first+"\tbye\n(1 tuples)\n", run(t, s, out, "table scan "+table))
}

func TestShell_Errors(t *testing.T) {
	s, _ := setupSession(t)
	ctx := context.Background()

	require.True(t, errors.Is(s.execute(ctx, []string{"index"}), errUsage))
	require.True(t, errors.Is(s.execute(ctx, []string{"index", "create", "x"}), errUsage))
	require.True(t, errors.Is(s.execute(ctx, []string{"table", "get"}), errUsage))
	require.Error(t, s.execute(ctx, []string{"frobnicate"}))
	require.Error(t, s.execute(ctx, []string{"table", "get", "12"}))

	_, err := parseRowID("3:x")
	require.Error(t, err)
	rid, err := parseRowID("3:4")
	require.NoError(t, err)
	require.Equal(t, "3:4", formatRowID(rid))
}

func TestShell_StatsAndCheckpoint(t *testing.T) {
	s, out := setupSession(t)
	stats := run(t, s, out, "stats")
	require.Contains(t, stats, "allocated pages")
	require.Contains(t, stats, "pool frames")
	require.Equal(t, "OK\n", run(t, s, out, "checkpoint"))
	require.Contains(t, run(t, s, out, "help"), "index create")
}

func TestRootCmd_ExecInMemory(t *testing.T) {
	cmd := newRootCmd()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetArgs([]string{"--in-memory", "--log-level", "error", "exec", "index", "create", "ids", "8"})
	require.NoError(t, cmd.Execute())
	require.Contains(t, out.String(), "Created index ids")
}

func TestRootCmd_Backup(t *testing.T) {
	dir := t.TempDir()
	data := filepath.Join(dir, "src.db")
	dst := filepath.Join(dir, "copy.db")

	// 1. Create a file with one index through the CLI.
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"--data", data, "--log-level", "error", "exec", "index", "create", "ids", "8"})
	require.NoError(t, cmd.Execute())

	// 2. Copy it and open the copy.
	out := &bytes.Buffer{}
	cmd = newRootCmd()
	cmd.SetOut(out)
	cmd.SetArgs([]string{"--data", data, "backup", dst})
	require.NoError(t, cmd.Execute())
	require.Contains(t, out.String(), "xxhash64")

	out.Reset()
	cmd = newRootCmd()
	cmd.SetOut(out)
	cmd.SetArgs([]string{"--data", dst, "--log-level", "error", "exec", "index", "list"})
	require.NoError(t, cmd.Execute())
	require.Contains(t, out.String(), "ids")
}
