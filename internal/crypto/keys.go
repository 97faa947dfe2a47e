package crypto

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// AuthKeySize matches the 2048-bit key the DCs expect.
	AuthKeySize = 256
	// AuthKeyIDSize is the fingerprint length carried in every envelope.
	AuthKeyIDSize = 8
)

var (
	authKeyInfo    = []byte("mts auth key")
	messageKeyInfo = []byte("mts message key")
)

// DeriveAuthKey expands the KEM shared secret, salted with both handshake nonces.
func DeriveAuthKey(sharedSecret, nonce, serverNonce []byte) ([]byte, error) {
	salt := make([]byte, 0, len(nonce)+len(serverNonce))
	salt = append(salt, nonce...)
	salt = append(salt, serverNonce...)
	out := make([]byte, AuthKeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, sharedSecret, salt, authKeyInfo), out); err != nil {
		return nil, err
	}
	return out, nil
}

// MessageKey derives the 32-byte AEAD key for envelopes from the auth key.
func MessageKey(authKey []byte) ([]byte, error) {
	out := make([]byte, SharedKeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, authKey, nil, messageKeyInfo), out); err != nil {
		return nil, err
	}
	return out, nil
}

// AuthKeyID last 8 bytes of SHA-256(authKey).
func AuthKeyID(authKey []byte) [AuthKeyIDSize]byte {
	sum := sha256.Sum256(authKey)
	var id [AuthKeyIDSize]byte
	copy(id[:], sum[len(sum)-AuthKeyIDSize:])
	return id
}
