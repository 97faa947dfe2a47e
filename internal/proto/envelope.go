package proto

import (
	"encoding/binary"
	"fmt"

	"dev.c0redev.mtsession/internal/crypto"
)

// SealEncrypted: auth_key_id + nonce + AEAD(salt, session_id, message_id, seq_no, length, body).
// The auth_key_id is bound as additional data.
func SealEncrypted(env Envelope, body []byte) ([]byte, error) {
	key, err := crypto.MessageKey(env.AuthKey)
	if err != nil {
		return nil, err
	}
	inner := make([]byte, innerHeader+len(body))
	binary.LittleEndian.PutUint64(inner[0:8], uint64(env.ServerSalt))
	binary.LittleEndian.PutUint64(inner[8:16], uint64(env.SessionID))
	binary.LittleEndian.PutUint64(inner[16:24], uint64(env.MessageID))
	binary.LittleEndian.PutUint32(inner[24:28], uint32(env.SeqNo))
	binary.LittleEndian.PutUint32(inner[28:32], uint32(len(body)))
	copy(inner[innerHeader:], body)
	sealed, err := crypto.Seal(key, nil, inner, env.AuthKeyID[:])
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, AuthKeyIDSize+len(sealed))
	out = append(out, env.AuthKeyID[:]...)
	return append(out, sealed...), nil
}

// OpenEncrypted decrypts b with authKey -> envelope (header fields) + body.
func OpenEncrypted(authKey []byte, b []byte) (Envelope, []byte, error) {
	id, err := PeekAuthKeyID(b)
	if err != nil {
		return Envelope{}, nil, err
	}
	if id != crypto.AuthKeyID(authKey) {
		return Envelope{}, nil, ErrAuthKeyMismatch
	}
	key, err := crypto.MessageKey(authKey)
	if err != nil {
		return Envelope{}, nil, err
	}
	inner, err := crypto.Open(key, b[AuthKeyIDSize:], id[:])
	if err != nil {
		return Envelope{}, nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if len(inner) < innerHeader {
		return Envelope{}, nil, ErrShortRead
	}
	env := Envelope{
		Mode:       ModeEncrypted,
		AuthKey:    authKey,
		AuthKeyID:  id,
		ServerSalt: int64(binary.LittleEndian.Uint64(inner[0:8])),
		SessionID:  int64(binary.LittleEndian.Uint64(inner[8:16])),
		MessageID:  int64(binary.LittleEndian.Uint64(inner[16:24])),
		SeqNo:      int32(binary.LittleEndian.Uint32(inner[24:28])),
	}
	n := binary.LittleEndian.Uint32(inner[28:32])
	if int(n) != len(inner)-innerHeader {
		return Envelope{}, nil, ErrInvalidFrame
	}
	return env, inner[innerHeader:], nil
}
