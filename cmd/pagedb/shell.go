package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/chzyer/readline"

	"github.com/sushant-115/pagedb/core/indexing/btree"
	"github.com/sushant-115/pagedb/core/storage_engine/engine"
	pagemanager "github.com/sushant-115/pagedb/core/write_engine/page_manager"
)

var errUsage = errors.New("usage")

const helpText = `Commands:
  index create <name> <key-size> [leaf-max] [internal-max]
  index list
  index drop <name>
  index insert <name> <key> <page:slot>
  index get <name> <key>
  index remove <name> <key>
  index scan <name> [from-key] [limit]
  index dump <name>
  index check [name]
  table create
  table insert <table> <text>
  table get <page:slot>
  table update <page:slot> <text>
  table delete <page:slot>
  table scan <table>
  stats
  checkpoint
  help
  exit / quit
Keys of 8-byte indexes are integers; other keys are zero-padded strings.
A table is named by its first page id.`

// session runs shell commands against one open engine.
type session struct {
	eng *engine.Engine
	out io.Writer
}

func newSession(eng *engine.Engine, out io.Writer) *session {
	return &session{eng: eng, out: out}
}

func (s *session) printf(format string, args ...any) {
	fmt.Fprintf(s.out, format, args...)
}

// runInteractive reads commands until exit, EOF or cancellation.
func (s *session) runInteractive(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "pagedb> ",
		HistoryFile:     filepath.Join(os.TempDir(), ".pagedb_history"),
		AutoComplete:    shellCompleter(),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		Stdout:          s.out,
	})
	if err != nil {
		return fmt.Errorf("failed to start shell: %w", err)
	}
	defer rl.Close()

	s.printf("pagedb shell. Type 'help' for commands, 'exit' or 'quit' to leave.\n")
	for ctx.Err() == nil {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		args := strings.Fields(line)
		if len(args) == 0 {
			continue
		}
		if cmd := strings.ToLower(args[0]); cmd == "exit" || cmd == "quit" {
			return nil
		}
		if err := s.execute(ctx, args); err != nil {
			s.printf("Error: %v\n", err)
		}
	}
	return nil
}

func shellCompleter() *readline.PrefixCompleter {
	return readline.NewPrefixCompleter(
		readline.PcItem("index",
			readline.PcItem("create"), readline.PcItem("list"), readline.PcItem("drop"),
			readline.PcItem("insert"), readline.PcItem("get"), readline.PcItem("remove"),
			readline.PcItem("scan"), readline.PcItem("dump"), readline.PcItem("check"),
		),
		readline.PcItem("table",
			readline.PcItem("create"), readline.PcItem("insert"), readline.PcItem("get"),
			readline.PcItem("update"), readline.PcItem("delete"), readline.PcItem("scan"),
		),
		readline.PcItem("stats"),
		readline.PcItem("checkpoint"),
		readline.PcItem("help"),
		readline.PcItem("exit"),
		readline.PcItem("quit"),
	)
}

// execute runs one command.
func (s *session) execute(ctx context.Context, args []string) error {
	switch strings.ToLower(args[0]) {
	case "help":
		s.printf("%s\n", helpText)
		return nil
	case "stats":
		return s.stats()
	case "checkpoint":
		if err := s.eng.Checkpoint(ctx); err != nil {
			return err
		}
		s.printf("OK\n")
		return nil
	case "index":
		if len(args) < 2 {
			return fmt.Errorf("%w: index <subcommand>", errUsage)
		}
		return s.index(ctx, strings.ToLower(args[1]), args[2:])
	case "table":
		if len(args) < 2 {
			return fmt.Errorf("%w: table <subcommand>", errUsage)
		}
		return s.table(strings.ToLower(args[1]), args[2:])
	default:
		return fmt.Errorf("unknown command %q, type 'help' for a list of commands", args[0])
	}
}

func (s *session) stats() error {
	alloc := s.eng.DiskManager().Stats()
	pool := s.eng.BufferPool().Stats()
	w := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "database id\t%s\n", s.eng.DiskManager().DatabaseID())
	fmt.Fprintf(w, "extents\t%d (capacity %d)\n", alloc.NumExtents, alloc.ExtentCapacity)
	fmt.Fprintf(w, "allocated pages\t%d\n", alloc.NumAllocated)
	fmt.Fprintf(w, "pool frames\t%d resident, %d pinned, %d free of %d\n", pool.Resident, pool.Pinned, pool.Free, pool.PoolSize)
	fmt.Fprintf(w, "pool traffic\t%d hits, %d misses, %d evictions, %d writebacks\n", pool.Hits, pool.Misses, pool.Evictions, pool.Writebacks)
	return w.Flush()
}

func (s *session) index(ctx context.Context, sub string, args []string) error {
	switch sub {
	case "create":
		if len(args) < 2 || len(args) > 4 {
			return fmt.Errorf("%w: index create <name> <key-size> [leaf-max] [internal-max]", errUsage)
		}
		sizes := make([]int, 3)
		for i, arg := range args[1:] {
			n, err := strconv.Atoi(arg)
			if err != nil {
				return fmt.Errorf("invalid size %q: %w", arg, err)
			}
			sizes[i] = n
		}
		tree, err := s.eng.CreateIndex(ctx, args[0], btree.Options{KeySize: sizes[0], LeafMaxSize: sizes[1], InternalMaxSize: sizes[2]})
		if err != nil {
			return err
		}
		s.printf("Created index %s (id %d, leaf max %d, internal max %d)\n", args[0], tree.IndexID(), tree.LeafMaxSize(), tree.InternalMaxSize())
		return nil

	case "list":
		infos, err := s.eng.Indexes().ListIndexes()
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tKEY SIZE\tLEAF MAX\tINTERNAL MAX")
		for _, info := range infos {
			fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%d\n", info.ID, info.Name, info.KeySize, info.LeafMaxSize, info.InternalMaxSize)
		}
		return w.Flush()

	case "drop":
		if len(args) != 1 {
			return fmt.Errorf("%w: index drop <name>", errUsage)
		}
		if err := s.eng.DropIndex(ctx, args[0]); err != nil {
			return err
		}
		s.printf("Dropped index %s\n", args[0])
		return nil

	case "check":
		if len(args) > 1 {
			return fmt.Errorf("%w: index check [name]", errUsage)
		}
		names := args
		if len(names) == 0 {
			infos, err := s.eng.Indexes().ListIndexes()
			if err != nil {
				return err
			}
			for _, info := range infos {
				names = append(names, info.Name)
			}
		}
		for _, name := range names {
			tree, err := s.eng.OpenIndex(ctx, name, nil)
			if err != nil {
				return err
			}
			if err := tree.Check(); err != nil {
				return fmt.Errorf("index %s: %w", name, err)
			}
			height, err := tree.Height()
			if err != nil {
				return err
			}
			s.printf("%s: OK (height %d)\n", name, height)
		}
		return nil
	}

	if len(args) == 0 {
		return fmt.Errorf("%w: index %s <name> ...", errUsage, sub)
	}
	tree, err := s.eng.OpenIndex(ctx, args[0], nil)
	if err != nil {
		return err
	}
	args = args[1:]

	switch sub {
	case "insert":
		if len(args) != 2 {
			return fmt.Errorf("%w: index insert <name> <key> <page:slot>", errUsage)
		}
		key, err := encodeKey(tree, args[0])
		if err != nil {
			return err
		}
		rid, err := parseRowID(args[1])
		if err != nil {
			return err
		}
		inserted, err := tree.Insert(key, rid)
		if err != nil {
			return err
		}
		if !inserted {
			s.printf("Key %s already present\n", args[0])
			return nil
		}
		s.printf("OK\n")
	case "get":
		if len(args) != 1 {
			return fmt.Errorf("%w: index get <name> <key>", errUsage)
		}
		key, err := encodeKey(tree, args[0])
		if err != nil {
			return err
		}
		rid, found, err := tree.GetValue(key)
		if err != nil {
			return err
		}
		if !found {
			s.printf("NOT_FOUND\n")
			return nil
		}
		s.printf("%s\n", formatRowID(rid))
	case "remove":
		if len(args) != 1 {
			return fmt.Errorf("%w: index remove <name> <key>", errUsage)
		}
		key, err := encodeKey(tree, args[0])
		if err != nil {
			return err
		}
		if err := tree.Remove(key); err != nil {
			return err
		}
		s.printf("OK\n")
	case "scan":
		return s.scan(tree, args)
	case "dump":
		return tree.Dump(s.out, func(key []byte) string { return formatKey(tree, key) })
	default:
		return fmt.Errorf("unknown index subcommand %q", sub)
	}
	return nil
}

func (s *session) scan(tree *btree.BPlusTree, args []string) error {
	if len(args) > 2 {
		return fmt.Errorf("%w: index scan <name> [from-key] [limit]", errUsage)
	}
	limit := -1
	if len(args) == 2 {
		n, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid limit %q: %w", args[1], err)
		}
		limit = n
	}

	var it *btree.IndexIterator
	var err error
	if len(args) > 0 {
		key, kerr := encodeKey(tree, args[0])
		if kerr != nil {
			return kerr
		}
		it, err = tree.BeginAt(key)
	} else {
		it, err = tree.Begin()
	}
	if err != nil {
		return err
	}
	defer it.Close()

	n := 0
	for !it.IsEnd() && n != limit {
		key, rid, err := it.Entry()
		if err != nil {
			return err
		}
		s.printf("%s\t%s\n", formatKey(tree, key), formatRowID(rid))
		n++
		if err := it.Next(); err != nil {
			return err
		}
	}
	s.printf("(%d entries)\n", n)
	return nil
}

func (s *session) table(sub string, args []string) error {
	switch sub {
	case "create":
		heap, err := s.eng.CreateTable()
		if err != nil {
			return err
		}
		s.printf("Created table %d\n", heap.FirstPageID())
	case "insert":
		if len(args) < 2 {
			return fmt.Errorf("%w: table insert <table> <text>", errUsage)
		}
		first, err := parsePageID(args[0])
		if err != nil {
			return err
		}
		rid, err := s.eng.OpenTable(first).InsertTuple([]byte(strings.Join(args[1:], " ")), nil)
		if err != nil {
			return err
		}
		s.printf("%s\n", formatRowID(rid))
	case "get":
		if len(args) != 1 {
			return fmt.Errorf("%w: table get <page:slot>", errUsage)
		}
		rid, err := parseRowID(args[0])
		if err != nil {
			return err
		}
		tuple, err := s.eng.OpenTable(rid.PageID).GetTuple(rid)
		if err != nil {
			return err
		}
		s.printf("%s\n", tuple)
	case "update":
		if len(args) < 2 {
			return fmt.Errorf("%w: table update <page:slot> <text>", errUsage)
		}
		rid, err := parseRowID(args[0])
		if err != nil {
			return err
		}
		newRID, err := s.eng.OpenTable(rid.PageID).UpdateTuple([]byte(strings.Join(args[1:], " ")), rid, nil)
		if err != nil {
			return err
		}
		s.printf("%s\n", formatRowID(newRID))
	case "delete":
		if len(args) != 1 {
			return fmt.Errorf("%w: table delete <page:slot>", errUsage)
		}
		rid, err := parseRowID(args[0])
		if err != nil {
			return err
		}
		if err := s.eng.OpenTable(rid.PageID).ApplyDelete(rid); err != nil {
			return err
		}
		s.printf("OK\n")
	case "scan":
		if len(args) != 1 {
			return fmt.Errorf("%w: table scan <table>", errUsage)
		}
		first, err := parsePageID(args[0])
		if err != nil {
			return err
		}
		it := s.eng.OpenTable(first).Iterator()
		n := 0
		for it.Next() {
			s.printf("%s\t%s\n", formatRowID(it.RowID()), it.Tuple())
			n++
		}
		if err := it.Err(); err != nil {
			return err
		}
		s.printf("(%d tuples)\n", n)
	default:
		return fmt.Errorf("unknown table subcommand %q", sub)
	}
	return nil
}

func encodeKey(tree *btree.BPlusTree, s string) ([]byte, error) {
	if tree.KeySize() == btree.Int64KeySize {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("key %q is not an integer: %w", s, err)
		}
		return btree.EncodeInt64Key(v), nil
	}
	if len(s) > tree.KeySize() {
		return nil, fmt.Errorf("key %q is longer than %d bytes", s, tree.KeySize())
	}
	return btree.EncodeStringKey(s, tree.KeySize()), nil
}

func formatKey(tree *btree.BPlusTree, key []byte) string {
	if tree.KeySize() == btree.Int64KeySize {
		return strconv.FormatInt(btree.DecodeInt64Key(key), 10)
	}
	return btree.DecodeStringKey(key)
}

func parsePageID(s string) (pagemanager.PageID, error) {
	n, err := strconv.ParseInt(s, 10, 32)
	if err != nil || n < 0 {
		return pagemanager.InvalidPageID, fmt.Errorf("invalid page id %q", s)
	}
	return pagemanager.PageID(n), nil
}

func formatRowID(rid pagemanager.RowID) string {
	return fmt.Sprintf("%d:%d", rid.PageID, rid.Slot)
}

func parseRowID(s string) (pagemanager.RowID, error) {
	page, slot, ok := strings.Cut(s, ":")
	if !ok {
		return pagemanager.InvalidRowID, fmt.Errorf("row id %q must look like page:slot", s)
	}
	pageID, err := parsePageID(page)
	if err != nil {
		return pagemanager.InvalidRowID, err
	}
	n, err := strconv.ParseUint(slot, 10, 32)
	if err != nil {
		return pagemanager.InvalidRowID, fmt.Errorf("invalid slot %q", slot)
	}
	return pagemanager.RowID{PageID: pageID, Slot: uint32(n)}, nil
}
