package btree

import (
	bufferpool "github.com/sushant-115/pagedb/core/write_engine/buffer_pool"
	flushmanager "github.com/sushant-115/pagedb/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/pagedb/core/write_engine/page_manager"
)

// IndexIterator is a forward cursor over the leaf chain. It keeps its
// current leaf pinned and latches it only while reading, so the owner may
// modify the tree between calls. Entries moved across a leaf boundary by a
// concurrent write can be skipped or seen twice.
//
// The end position is (InvalidPageID, 0). Close releases the pin early;
// reaching the end releases it as well.
type IndexIterator struct {
	tree   *BPlusTree
	guard  *bufferpool.BasicPageGuard
	pageID pagemanager.PageID
	index  int
}

// Begin returns an iterator at the smallest key.
func (t *BPlusTree) Begin() (*IndexIterator, error) {
	return t.begin(nil, true)
}

// BeginAt returns an iterator at the first key >= key.
func (t *BPlusTree) BeginAt(key []byte) (*IndexIterator, error) {
	if err := t.checkKey(key); err != nil {
		return nil, err
	}
	return t.begin(key, false)
}

// End returns the end sentinel.
func (t *BPlusTree) End() *IndexIterator {
	return &IndexIterator{tree: t, pageID: pagemanager.InvalidPageID}
}

func (t *BPlusTree) begin(key []byte, leftmost bool) (*IndexIterator, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.rootPageID == pagemanager.InvalidPageID {
		return t.End(), nil
	}

	leaf, err := t.findLeafRead(key, leftmost)
	if err != nil {
		return nil, err
	}
	index := 0
	if !leftmost {
		index = AsLeafPage(leaf.Data()).KeyIndex(key, t.cmp)
	}
	pageID := leaf.PageID()
	pin, err := t.bpm.FetchPageBasic(pageID)
	leaf.Drop()
	if err != nil {
		return nil, err
	}

	it := &IndexIterator{tree: t, guard: pin, pageID: pageID, index: index}
	if err := it.settle(); err != nil {
		it.Close()
		return nil, err
	}
	return it, nil
}

// IsEnd reports whether the iterator is past the last entry.
func (it *IndexIterator) IsEnd() bool { return it.pageID == pagemanager.InvalidPageID }

// Position returns the current (leaf page id, offset) pair.
func (it *IndexIterator) Position() (pagemanager.PageID, int) { return it.pageID, it.index }

// Equal compares positions.
func (it *IndexIterator) Equal(other *IndexIterator) bool {
	return it.pageID == other.pageID && it.index == other.index
}

// Entry returns a copy of the current key and its RowID.
func (it *IndexIterator) Entry() ([]byte, pagemanager.RowID, error) {
	if it.IsEnd() {
		return nil, pagemanager.InvalidRowID, flushmanager.ErrIteratorInvalid
	}
	it.tree.mu.RLock()
	defer it.tree.mu.RUnlock()

	var key []byte
	value := pagemanager.InvalidRowID
	it.guard.View(func(data []byte) {
		leaf := AsLeafPage(data)
		if it.index < leaf.Size() {
			key = append([]byte(nil), leaf.KeyAt(it.index)...)
			value = leaf.ValueAt(it.index)
		}
	})
	if key == nil {
		return nil, pagemanager.InvalidRowID, flushmanager.ErrIteratorInvalid
	}
	return key, value, nil
}

// Key returns a copy of the current key, or nil at the end.
func (it *IndexIterator) Key() []byte {
	key, _, err := it.Entry()
	if err != nil {
		return nil
	}
	return key
}

// Value returns the current RowID, or InvalidRowID at the end.
func (it *IndexIterator) Value() pagemanager.RowID {
	_, value, _ := it.Entry()
	return value
}

// Next advances to the following entry, crossing to the next leaf when the
// current one is exhausted.
func (it *IndexIterator) Next() error {
	if it.IsEnd() {
		return flushmanager.ErrIteratorInvalid
	}
	it.tree.mu.RLock()
	defer it.tree.mu.RUnlock()
	it.index++
	return it.settle()
}

// settle moves forward until index addresses a live entry or the chain ends.
// The caller holds the tree read lock.
func (it *IndexIterator) settle() error {
	for {
		var size int
		next := pagemanager.InvalidPageID
		it.guard.View(func(data []byte) {
			leaf := AsLeafPage(data)
			size = leaf.Size()
			next = leaf.NextPageID()
		})
		if it.index < size {
			return nil
		}
		if next == pagemanager.InvalidPageID {
			it.Close()
			return nil
		}
		pin, err := it.tree.bpm.FetchPageBasic(next)
		if err != nil {
			return err
		}
		it.guard.Drop()
		it.guard = pin
		it.pageID = next
		it.index = 0
	}
}

// Close unpins the current leaf and moves the iterator to the end.
func (it *IndexIterator) Close() {
	it.guard.Drop()
	it.guard = nil
	it.pageID = pagemanager.InvalidPageID
	it.index = 0
}
