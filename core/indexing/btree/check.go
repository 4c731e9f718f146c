package btree

import (
	"fmt"
	"io"
	"strings"

	flushmanager "github.com/sushant-115/pagedb/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/pagedb/core/write_engine/page_manager"
)

// nodeSnapshot is a copy of one page, taken so a walk holds one pin at a time.
type nodeSnapshot struct {
	pageID   pagemanager.PageID
	parentID pagemanager.PageID
	pageType PageType
	size     int
	minSize  int
	maxSize  int
	next     pagemanager.PageID
	keys     [][]byte
	children []pagemanager.PageID
}

func (t *BPlusTree) snapshot(id pagemanager.PageID) (*nodeSnapshot, error) {
	guard, err := t.bpm.FetchPageRead(id)
	if err != nil {
		return nil, fmt.Errorf("fetch page %d: %w", id, err)
	}
	defer guard.Drop()

	page := treePage{data: guard.Data()}
	n := &nodeSnapshot{
		pageID:   page.PageID(),
		parentID: page.ParentPageID(),
		pageType: page.PageType(),
		size:     page.Size(),
		minSize:  page.MinSize(),
		maxSize:  page.MaxSize(),
		next:     pagemanager.InvalidPageID,
	}
	switch n.pageType {
	case LeafPageType:
		leaf := AsLeafPage(guard.Data())
		n.next = leaf.NextPageID()
		for i := 0; i < n.size; i++ {
			n.keys = append(n.keys, append([]byte(nil), leaf.KeyAt(i)...))
		}
	case InternalPageType:
		node := AsInternalPage(guard.Data())
		for i := 0; i < n.size; i++ {
			n.keys = append(n.keys, append([]byte(nil), node.KeyAt(i)...))
			n.children = append(n.children, node.ValueAt(i))
		}
	default:
		return nil, fmt.Errorf("page %d has type %d: %w", id, n.pageType, flushmanager.ErrInvalidPageData)
	}
	return n, nil
}

// Check walks the whole tree and returns the first structural violation it
// finds: page ids and parent pointers, size bounds, key order and routing
// ranges, uniform leaf depth, and the leaf chain.
func (t *BPlusTree) Check() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.rootPageID == pagemanager.InvalidPageID {
		return nil
	}

	c := &checker{tree: t, leafDepth: -1}
	if err := c.walk(t.rootPageID, pagemanager.InvalidPageID, nil, nil, 0); err != nil {
		return err
	}
	for i, leaf := range c.leaves {
		want := pagemanager.InvalidPageID
		if i+1 < len(c.leaves) {
			want = c.leaves[i+1].pageID
		}
		if leaf.next != want {
			return fmt.Errorf("leaf %d links to %d, want %d", leaf.pageID, leaf.next, want)
		}
	}
	return nil
}

type checker struct {
	tree      *BPlusTree
	leafDepth int
	leaves    []*nodeSnapshot
}

// walk verifies the subtree at id, whose keys must fall in [low, high).
func (c *checker) walk(id, parent pagemanager.PageID, low, high []byte, depth int) error {
	t := c.tree
	n, err := t.snapshot(id)
	if err != nil {
		return err
	}
	if n.pageID != id {
		return fmt.Errorf("page %d records id %d", id, n.pageID)
	}
	if n.parentID != parent {
		return fmt.Errorf("page %d records parent %d, want %d", id, n.parentID, parent)
	}
	if n.size > n.maxSize {
		return fmt.Errorf("page %d holds %d pairs, max %d", id, n.size, n.maxSize)
	}
	isRoot := id == t.rootPageID
	switch {
	case !isRoot && n.size < n.minSize:
		return fmt.Errorf("page %d holds %d pairs, min %d", id, n.size, n.minSize)
	case isRoot && n.pageType == LeafPageType && n.size == 0:
		return fmt.Errorf("root leaf %d is empty", id)
	case isRoot && n.pageType == InternalPageType && n.size < 2:
		return fmt.Errorf("internal root %d has %d children", id, n.size)
	}

	first := 0
	if n.pageType == InternalPageType {
		first = 1
	}
	for i := first; i < n.size; i++ {
		k := n.keys[i]
		if i > first && t.cmp(n.keys[i-1], k) >= 0 {
			return fmt.Errorf("page %d keys out of order at %d", id, i)
		}
		if low != nil && t.cmp(k, low) < 0 {
			return fmt.Errorf("page %d key %d below its range", id, i)
		}
		if high != nil && t.cmp(k, high) >= 0 {
			return fmt.Errorf("page %d key %d above its range", id, i)
		}
	}

	if n.pageType == LeafPageType {
		if c.leafDepth < 0 {
			c.leafDepth = depth
		} else if c.leafDepth != depth {
			return fmt.Errorf("leaf %d at depth %d, other leaves at %d", id, depth, c.leafDepth)
		}
		c.leaves = append(c.leaves, n)
		return nil
	}

	for i, child := range n.children {
		childLow, childHigh := low, high
		if i > 0 {
			childLow = n.keys[i]
		}
		if i+1 < n.size {
			childHigh = n.keys[i+1]
		}
		if err := c.walk(child, id, childLow, childHigh, depth+1); err != nil {
			return err
		}
	}
	return nil
}

// Dump writes one line per page, indented by depth.
func (t *BPlusTree) Dump(w io.Writer, formatKey func([]byte) string) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if formatKey == nil {
		formatKey = func(k []byte) string { return fmt.Sprintf("%x", k) }
	}
	if t.rootPageID == pagemanager.InvalidPageID {
		_, err := fmt.Fprintln(w, "(empty)")
		return err
	}
	return t.dump(w, t.rootPageID, 0, formatKey)
}

func (t *BPlusTree) dump(w io.Writer, id pagemanager.PageID, depth int, formatKey func([]byte) string) error {
	n, err := t.snapshot(id)
	if err != nil {
		return err
	}
	keys := make([]string, 0, n.size)
	for i, k := range n.keys {
		if n.pageType == InternalPageType && i == 0 {
			continue
		}
		keys = append(keys, formatKey(k))
	}
	line := fmt.Sprintf("%s%s %d parent=%d [%s]", strings.Repeat("  ", depth), n.pageType, n.pageID, n.parentID, strings.Join(keys, " "))
	if n.pageType == LeafPageType {
		line += fmt.Sprintf(" next=%d", n.next)
	}
	if _, err := fmt.Fprintln(w, line); err != nil {
		return err
	}
	for _, child := range n.children {
		if err := t.dump(w, child, depth+1, formatKey); err != nil {
			return err
		}
	}
	return nil
}
