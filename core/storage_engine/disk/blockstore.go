package disk

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	flushmanager "github.com/sushant-115/pagedb/core/write_engine/flush_manager"
)

// PhysicalPageID is a page-sized slot index inside the backing file.
type PhysicalPageID int64

// BlockStore reads and writes whole physical pages.
//
// ReadPhysicalPage zero-fills buf for any part of the page that lies beyond the
// current end of the store. WritePhysicalPage is durable when it returns.
type BlockStore interface {
	ReadPhysicalPage(id PhysicalPageID, buf []byte) error
	WritePhysicalPage(id PhysicalPageID, buf []byte) error
	Close() error
}

// FileBlockStore is a BlockStore over a single os.File.
type FileBlockStore struct {
	file     *os.File
	pageSize int
}

// OpenFileBlockStore opens path for page I/O, creating it if needed.
func OpenFileBlockStore(path string, pageSize int) (*FileBlockStore, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", flushmanager.ErrIO, path, err)
	}
	return &FileBlockStore{file: file, pageSize: pageSize}, nil
}

func (s *FileBlockStore) ReadPhysicalPage(id PhysicalPageID, buf []byte) error {
	if len(buf) != s.pageSize {
		return fmt.Errorf("%w: buffer is %d bytes, page is %d", flushmanager.ErrInvalidPageData, len(buf), s.pageSize)
	}
	n, err := s.file.ReadAt(buf, int64(id)*int64(s.pageSize))
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: read physical page %d: %v", flushmanager.ErrIO, id, err)
	}
	// Short or missing reads are sparse growth.
	clear(buf[n:])
	return nil
}

func (s *FileBlockStore) WritePhysicalPage(id PhysicalPageID, buf []byte) error {
	if len(buf) != s.pageSize {
		return fmt.Errorf("%w: buffer is %d bytes, page is %d", flushmanager.ErrInvalidPageData, len(buf), s.pageSize)
	}
	if _, err := s.file.WriteAt(buf, int64(id)*int64(s.pageSize)); err != nil {
		return fmt.Errorf("%w: write physical page %d: %v", flushmanager.ErrIO, id, err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("%w: sync after physical page %d: %v", flushmanager.ErrIO, id, err)
	}
	return nil
}

// Size returns the file length in bytes.
func (s *FileBlockStore) Size() (int64, error) {
	info, err := s.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("%w: stat: %v", flushmanager.ErrIO, err)
	}
	return info.Size(), nil
}

func (s *FileBlockStore) Close() error {
	return s.file.Close()
}

// MemoryBlockStore keeps pages in memory. It backs in-memory engines and tests.
type MemoryBlockStore struct {
	mu       sync.Mutex
	pages    map[PhysicalPageID][]byte
	pageSize int
	reads    int
	writes   int
}

// NewMemoryBlockStore returns an empty in-memory store.
func NewMemoryBlockStore(pageSize int) *MemoryBlockStore {
	return &MemoryBlockStore{pages: make(map[PhysicalPageID][]byte), pageSize: pageSize}
}

func (s *MemoryBlockStore) ReadPhysicalPage(id PhysicalPageID, buf []byte) error {
	if len(buf) != s.pageSize {
		return fmt.Errorf("%w: buffer is %d bytes, page is %d", flushmanager.ErrInvalidPageData, len(buf), s.pageSize)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	if page, ok := s.pages[id]; ok {
		copy(buf, page)
		return nil
	}
	clear(buf)
	return nil
}

func (s *MemoryBlockStore) WritePhysicalPage(id PhysicalPageID, buf []byte) error {
	if len(buf) != s.pageSize {
		return fmt.Errorf("%w: buffer is %d bytes, page is %d", flushmanager.ErrInvalidPageData, len(buf), s.pageSize)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	page, ok := s.pages[id]
	if !ok {
		page = make([]byte, s.pageSize)
		s.pages[id] = page
	}
	copy(page, buf)
	return nil
}

// Counts returns the number of physical reads and writes served so far.
func (s *MemoryBlockStore) Counts() (reads, writes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads, s.writes
}

func (s *MemoryBlockStore) Close() error { return nil }
