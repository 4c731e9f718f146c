package indexmanager

import (
	"encoding/binary"
	"fmt"

	flushmanager "github.com/sushant-115/pagedb/core/write_engine/flush_manager"
)

// Index catalog page layout, little-endian:
//
//	0  magic
//	4  count
//	8  next index id
//	12 records
//
// Each record is index id, key size, leaf max, internal max (u32 each), a
// one-byte name length and the name padded to MaxIndexNameLen.
const (
	catalogMagic      uint32 = 0x1DECA7A1
	catalogHeaderSize        = 12
	MaxIndexNameLen          = 63
	catalogRecordSize        = 16 + 1 + MaxIndexNameLen
)

// IndexInfo describes one index in the catalog.
type IndexInfo struct {
	ID              uint32
	Name            string
	KeySize         int
	LeafMaxSize     int
	InternalMaxSize int
}

// CatalogCapacity is the number of indexes one catalog page can describe.
func CatalogCapacity(pageSize int) int { return (pageSize - catalogHeaderSize) / catalogRecordSize }

type catalogPage struct {
	data []byte
}

func (p catalogPage) init() {
	clear(p.data)
	binary.LittleEndian.PutUint32(p.data[0:], catalogMagic)
	binary.LittleEndian.PutUint32(p.data[8:], 1)
}

func (p catalogPage) valid() bool { return binary.LittleEndian.Uint32(p.data[0:]) == catalogMagic }

func (p catalogPage) count() int { return int(binary.LittleEndian.Uint32(p.data[4:])) }

func (p catalogPage) setCount(n int) { binary.LittleEndian.PutUint32(p.data[4:], uint32(n)) }

func (p catalogPage) peekIndexID() uint32 { return binary.LittleEndian.Uint32(p.data[8:]) }

// takeIndexID returns the next unused index id and advances the counter.
func (p catalogPage) takeIndexID() uint32 {
	id := binary.LittleEndian.Uint32(p.data[8:])
	binary.LittleEndian.PutUint32(p.data[8:], id+1)
	return id
}

func (p catalogPage) record(i int) IndexInfo {
	off := catalogHeaderSize + i*catalogRecordSize
	n := int(p.data[off+16])
	return IndexInfo{
		ID:              binary.LittleEndian.Uint32(p.data[off:]),
		KeySize:         int(binary.LittleEndian.Uint32(p.data[off+4:])),
		LeafMaxSize:     int(binary.LittleEndian.Uint32(p.data[off+8:])),
		InternalMaxSize: int(binary.LittleEndian.Uint32(p.data[off+12:])),
		Name:            string(p.data[off+17 : off+17+n]),
	}
}

func (p catalogPage) setRecord(i int, info IndexInfo) {
	off := catalogHeaderSize + i*catalogRecordSize
	rec := p.data[off : off+catalogRecordSize]
	clear(rec)
	binary.LittleEndian.PutUint32(rec[0:], info.ID)
	binary.LittleEndian.PutUint32(rec[4:], uint32(info.KeySize))
	binary.LittleEndian.PutUint32(rec[8:], uint32(info.LeafMaxSize))
	binary.LittleEndian.PutUint32(rec[12:], uint32(info.InternalMaxSize))
	rec[16] = byte(len(info.Name))
	copy(rec[17:], info.Name)
}

func (p catalogPage) find(name string) int {
	for i := 0; i < p.count(); i++ {
		if p.record(i).Name == name {
			return i
		}
	}
	return -1
}

func (p catalogPage) add(info IndexInfo) error {
	if len(info.Name) == 0 || len(info.Name) > MaxIndexNameLen {
		return fmt.Errorf("index name %q must be 1 to %d bytes", info.Name, MaxIndexNameLen)
	}
	n := p.count()
	if n >= CatalogCapacity(len(p.data)) {
		return fmt.Errorf("index catalog holds %d indexes: %w", n, flushmanager.ErrPageOverflow)
	}
	p.setRecord(n, info)
	p.setCount(n + 1)
	return nil
}

func (p catalogPage) remove(i int) {
	last := p.count() - 1
	if i != last {
		p.setRecord(i, p.record(last))
	}
	off := catalogHeaderSize + last*catalogRecordSize
	clear(p.data[off : off+catalogRecordSize])
	p.setCount(last)
}

func (p catalogPage) all() []IndexInfo {
	out := make([]IndexInfo, 0, p.count())
	for i := 0; i < p.count(); i++ {
		out = append(out, p.record(i))
	}
	return out
}
