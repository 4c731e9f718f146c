package flushmanager

import "errors"

// --- Error Definitions ---

var (
	// Page cache
	ErrPoolExhausted   = errors.New("buffer pool is exhausted: every frame is pinned")
	ErrPageNotResident = errors.New("page is not resident in the buffer pool")
	ErrPageInUse       = errors.New("page is pinned and cannot be deleted")

	// Disk allocator
	ErrAllocationInvariantViolation = errors.New("page is already free")
	ErrAllocationFailure            = errors.New("page allocation failed")
	ErrCorruptMetaPage              = errors.New("disk meta page is corrupt")
	ErrExtentCapacityMismatch       = errors.New("extent capacity does not match the on-disk format")
	ErrInvalidPageID                = errors.New("invalid page id")
	ErrIO                           = errors.New("i/o error")

	// Page layout
	ErrPageOverflow    = errors.New("serialized data does not fit in a page")
	ErrInvalidPageData = errors.New("invalid page data")

	// Index
	ErrKeySizeMismatch = errors.New("key size does not match the index key size")
	ErrIndexNotFound   = errors.New("index not found")
	ErrIndexExists     = errors.New("index already exists")
	ErrIteratorInvalid = errors.New("iterator is invalid or exhausted")

	// Heap
	ErrTupleNotFound = errors.New("tuple not found")
	ErrTupleTooLarge = errors.New("tuple too large for a table page")
)
