package store

import (
	"encoding/binary"
	"errors"
	"strconv"
	"time"
)

// Persisted keys.
const (
	KeyDC         = "dcId"
	KeyAuthState  = "auth_state"
	KeySessionID  = "session_id"
	authKeyPrefix = "dc"
	authKeySuffix = "_auth"
)

const credentialsVersion = 1

var ErrBadRecord = errors.New("store: malformed record")

// Credentials: per-DC auth material produced by the handshake.
type Credentials struct {
	AuthKey    []byte
	AuthKeyID  [8]byte
	ServerSalt int64
	// ServerTime is the DC clock observed at SyncedAt (local clock).
	ServerTime time.Time
	SyncedAt   time.Time
}

// AuthKey returns the record key for dc's credentials (dc<N>_auth).
func AuthKey(dc int) string {
	return authKeyPrefix + strconv.Itoa(dc) + authKeySuffix
}

// MarshalBinary: version, key len + key, key id, salt, server time, synced at.
func (c Credentials) MarshalBinary() ([]byte, error) {
	b := make([]byte, 0, 1+4+len(c.AuthKey)+8+8+8+8)
	b = append(b, credentialsVersion)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(c.AuthKey)))
	b = append(b, c.AuthKey...)
	b = append(b, c.AuthKeyID[:]...)
	b = binary.LittleEndian.AppendUint64(b, uint64(c.ServerSalt))
	b = binary.LittleEndian.AppendUint64(b, uint64(unixNano(c.ServerTime)))
	b = binary.LittleEndian.AppendUint64(b, uint64(unixNano(c.SyncedAt)))
	return b, nil
}

// UnmarshalBinary parses MarshalBinary output.
func (c *Credentials) UnmarshalBinary(b []byte) error {
	if len(b) < 5 || b[0] != credentialsVersion {
		return ErrBadRecord
	}
	n := int(binary.LittleEndian.Uint32(b[1:5]))
	b = b[5:]
	if len(b) != n+8+8+8+8 {
		return ErrBadRecord
	}
	c.AuthKey = append([]byte(nil), b[:n]...)
	b = b[n:]
	copy(c.AuthKeyID[:], b[:8])
	c.ServerSalt = int64(binary.LittleEndian.Uint64(b[8:16]))
	c.ServerTime = fromUnixNano(int64(binary.LittleEndian.Uint64(b[16:24])))
	c.SyncedAt = fromUnixNano(int64(binary.LittleEndian.Uint64(b[24:32])))
	return nil
}

// zero time <-> 0
func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// EncodeInt: 8-byte LE, for small scalar records (dc id, session id).
func EncodeInt(v int64) []byte {
	return binary.LittleEndian.AppendUint64(nil, uint64(v))
}

// DecodeInt parses EncodeInt output.
func DecodeInt(b []byte) (int64, error) {
	if len(b) != 8 {
		return 0, ErrBadRecord
	}
	return int64(binary.LittleEndian.Uint64(b)), nil
}

// EncodeBool: single byte.
func EncodeBool(v bool) []byte {
	if v {
		return []byte{1}
	}
	return []byte{0}
}

// DecodeBool parses EncodeBool output.
func DecodeBool(b []byte) (bool, error) {
	if len(b) != 1 {
		return false, ErrBadRecord
	}
	return b[0] == 1, nil
}
