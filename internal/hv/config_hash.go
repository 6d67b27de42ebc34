package hv

import (
	"crypto/sha256"
	"encoding/binary"
)

// LayoutHash identifies a board layout. A checkpoint can only be restored
// onto a board whose layout hash matches the one it was saved from.
type LayoutHash [32]byte

// ComputeLayoutHash hashes the RAM bank and every peripheral window in order.
func ComputeLayoutHash(ramBase, ramSize uint32, regions []Region) LayoutHash {
	h := sha256.New()

	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], ramBase)
	h.Write(buf[:])
	binary.LittleEndian.PutUint32(buf[:], ramSize)
	h.Write(buf[:])

	for _, r := range regions {
		h.Write([]byte(r.Name))
		h.Write([]byte{0})
		binary.LittleEndian.PutUint32(buf[:], r.Base)
		h.Write(buf[:])
		binary.LittleEndian.PutUint32(buf[:], r.Size)
		h.Write(buf[:])
	}

	var result LayoutHash
	copy(result[:], h.Sum(nil))
	return result
}

// String returns a hex string representation of the hash.
func (h LayoutHash) String() string {
	const hexChars = "0123456789abcdef"
	result := make([]byte, 64)
	for i, b := range h {
		result[i*2] = hexChars[b>>4]
		result[i*2+1] = hexChars[b&0x0f]
	}
	return string(result)
}
