package store

import (
	"crypto/rand"
	"encoding/binary"
)

// NewSessionID random non-zero 64-bit session id.
func NewSessionID() int64 {
	var b [8]byte
	for {
		rand.Read(b[:])
		if id := int64(binary.LittleEndian.Uint64(b[:])); id != 0 {
			return id
		}
	}
}
