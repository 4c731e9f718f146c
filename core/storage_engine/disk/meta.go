package disk

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	flushmanager "github.com/sushant-115/pagedb/core/write_engine/flush_manager"
)

// MetaMagic identifies a pagedb data file.
const MetaMagic uint32 = 0x6010DB01

const metaVersion uint32 = 1

// Meta page field offsets.
const (
	metaMagicOffset         = 0
	metaVersionOffset       = 4
	metaPageSizeOffset      = 8
	metaCapacityOffset      = 12
	metaNumExtentsOffset    = 16
	metaNumAllocatedOffset  = 20
	metaDatabaseIDOffset    = 24
	metaChecksumOffset      = 40
	metaExtentUsedOffset    = 48
	metaExtentUsedEntrySize = 4
)

// maxExtents is the number of per-extent counters the meta page can hold.
func maxExtents(pageSize int) uint32 {
	return uint32((pageSize - metaExtentUsedOffset) / metaExtentUsedEntrySize)
}

// diskMeta is the decoded allocator meta page, kept at file page 0.
type diskMeta struct {
	PageSize       uint32
	ExtentCapacity uint32
	NumAllocated   uint32
	DatabaseID     uuid.UUID
	// ExtentUsed has one entry per extent; its length is the extent count.
	ExtentUsed []uint32
}

func (m *diskMeta) numExtents() uint32 { return uint32(len(m.ExtentUsed)) }

// encode serializes m into buf and stamps the checksum.
func (m *diskMeta) encode(buf []byte) error {
	if m.numExtents() > maxExtents(len(buf)) {
		return fmt.Errorf("%w: %d extents exceed meta page capacity %d",
			flushmanager.ErrPageOverflow, m.numExtents(), maxExtents(len(buf)))
	}
	clear(buf)
	binary.LittleEndian.PutUint32(buf[metaMagicOffset:], MetaMagic)
	binary.LittleEndian.PutUint32(buf[metaVersionOffset:], metaVersion)
	binary.LittleEndian.PutUint32(buf[metaPageSizeOffset:], m.PageSize)
	binary.LittleEndian.PutUint32(buf[metaCapacityOffset:], m.ExtentCapacity)
	binary.LittleEndian.PutUint32(buf[metaNumExtentsOffset:], m.numExtents())
	binary.LittleEndian.PutUint32(buf[metaNumAllocatedOffset:], m.NumAllocated)
	copy(buf[metaDatabaseIDOffset:metaChecksumOffset], m.DatabaseID[:])
	for i, used := range m.ExtentUsed {
		binary.LittleEndian.PutUint32(buf[metaExtentUsedOffset+i*metaExtentUsedEntrySize:], used)
	}
	binary.LittleEndian.PutUint64(buf[metaChecksumOffset:], metaChecksum(buf))
	return nil
}

// decodeMeta parses a meta page. A page of zeroes decodes to nil, nil.
func decodeMeta(buf []byte) (*diskMeta, error) {
	magic := binary.LittleEndian.Uint32(buf[metaMagicOffset:])
	if magic == 0 {
		return nil, nil
	}
	if magic != MetaMagic {
		return nil, fmt.Errorf("%w: bad magic 0x%08x", flushmanager.ErrCorruptMetaPage, magic)
	}
	if sum := binary.LittleEndian.Uint64(buf[metaChecksumOffset:]); sum != metaChecksum(buf) {
		return nil, fmt.Errorf("%w: checksum mismatch", flushmanager.ErrCorruptMetaPage)
	}
	if v := binary.LittleEndian.Uint32(buf[metaVersionOffset:]); v != metaVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", flushmanager.ErrCorruptMetaPage, v)
	}
	numExtents := binary.LittleEndian.Uint32(buf[metaNumExtentsOffset:])
	if numExtents > maxExtents(len(buf)) {
		return nil, fmt.Errorf("%w: extent count %d out of range", flushmanager.ErrCorruptMetaPage, numExtents)
	}

	m := &diskMeta{
		PageSize:       binary.LittleEndian.Uint32(buf[metaPageSizeOffset:]),
		ExtentCapacity: binary.LittleEndian.Uint32(buf[metaCapacityOffset:]),
		NumAllocated:   binary.LittleEndian.Uint32(buf[metaNumAllocatedOffset:]),
		ExtentUsed:     make([]uint32, numExtents),
	}
	copy(m.DatabaseID[:], buf[metaDatabaseIDOffset:metaChecksumOffset])
	for i := range m.ExtentUsed {
		m.ExtentUsed[i] = binary.LittleEndian.Uint32(buf[metaExtentUsedOffset+i*metaExtentUsedEntrySize:])
	}
	return m, nil
}

// metaChecksum hashes the page with the checksum field skipped.
func metaChecksum(buf []byte) uint64 {
	d := xxhash.New()
	_, _ = d.Write(buf[:metaChecksumOffset])
	_, _ = d.Write(buf[metaChecksumOffset+8:])
	return d.Sum64()
}
