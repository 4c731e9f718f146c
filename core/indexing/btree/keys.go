package btree

import (
	"bytes"
	"encoding/binary"
)

// KeyComparator orders two fixed-size keys. It returns a negative number when
// a < b, zero when they are equal and a positive number when a > b.
type KeyComparator func(a, b []byte) int

// DefaultComparator orders keys by their raw bytes.
func DefaultComparator(a, b []byte) int { return bytes.Compare(a, b) }

// Int64KeySize is the width of keys produced by EncodeInt64Key.
const Int64KeySize = 8

// EncodeInt64Key encodes v so that byte order matches numeric order.
func EncodeInt64Key(v int64) []byte {
	key := make([]byte, Int64KeySize)
	binary.BigEndian.PutUint64(key, uint64(v)^(1<<63))
	return key
}

// DecodeInt64Key reverses EncodeInt64Key.
func DecodeInt64Key(key []byte) int64 {
	return int64(binary.BigEndian.Uint64(key) ^ (1 << 63))
}

// EncodeStringKey pads or truncates s to size bytes. Zero padding keeps
// shorter strings ordered before their extensions.
func EncodeStringKey(s string, size int) []byte {
	key := make([]byte, size)
	copy(key, s)
	return key
}

// DecodeStringKey strips the zero padding added by EncodeStringKey.
func DecodeStringKey(key []byte) string {
	return string(bytes.TrimRight(key, "\x00"))
}
