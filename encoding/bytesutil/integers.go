// Package bytesutil defines helper methods for converting integers to byte
// slices and back.
package bytesutil

import "encoding/binary"

// Uint64ToBytesBigEndian returns i as a fixed 8-byte big-endian slice. Stored
// keys and sequence cursors use this form so lexicographic order matches
// numeric order.
func Uint64ToBytesBigEndian(i uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, i)
	return buf
}

// BytesToUint64BigEndian decodes an 8-byte big-endian slice. Returns 0 when b
// is shorter than 8 bytes, which covers the missing-key case.
func BytesToUint64BigEndian(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
