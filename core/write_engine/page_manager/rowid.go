package pagemanager

import (
	"encoding/binary"
	"fmt"
)

// RowIDSize is the encoded size of a RowID.
const RowIDSize = 8

// RowID locates a tuple: the heap page holding it and its slot on that page.
type RowID struct {
	PageID PageID
	Slot   uint32
}

// InvalidRowID is the zero value callers get back for missing rows.
var InvalidRowID = RowID{PageID: InvalidPageID}

// Encode writes the RowID into buf, which must hold RowIDSize bytes.
func (r RowID) Encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(r.PageID))
	binary.LittleEndian.PutUint32(buf[4:8], r.Slot)
}

// DecodeRowID reads a RowID written by Encode.
func DecodeRowID(buf []byte) RowID {
	return RowID{
		PageID: PageID(int32(binary.LittleEndian.Uint32(buf[0:4]))),
		Slot:   binary.LittleEndian.Uint32(buf[4:8]),
	}
}

func (r RowID) String() string {
	return fmt.Sprintf("(%d,%d)", r.PageID, r.Slot)
}
