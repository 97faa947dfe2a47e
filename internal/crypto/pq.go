// Package crypto: ML-KEM-768 key exchange + ChaCha20-Poly1305 sealing for DC envelopes.
package crypto

import (
	"crypto/rand"
	"errors"
	"io"

	"filippo.io/mlkem768"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// SharedKeySize is the ML-KEM shared secret size (32 bytes).
	SharedKeySize = 32
	// NonceSize for ChaCha20-Poly1305.
	NonceSize = chacha20poly1305.NonceSize
	// EncapsulationKeySize of an ML-KEM-768 public key.
	EncapsulationKeySize = 1184
	// CiphertextSize of an ML-KEM-768 encapsulation.
	CiphertextSize = 1088
)

var (
	ErrKeySize    = errors.New("crypto: key size must be 32")
	ErrShortInput = errors.New("crypto: ciphertext too short")
)

// Encapsulate generates secret + ciphertext for enc key; caller sends ciphertext to peer.
func Encapsulate(encKey []byte) (sharedSecret []byte, ciphertext []byte, err error) {
	ciphertext, sharedSecret, err = mlkem768.Encapsulate(encKey)
	if err != nil {
		return nil, nil, err
	}
	return sharedSecret, ciphertext, nil
}

// Decapsulate recovers secret from ciphertext (decap key, DC side).
func Decapsulate(decapKey *mlkem768.DecapsulationKey, ciphertext []byte) ([]byte, error) {
	return mlkem768.Decapsulate(decapKey, ciphertext)
}

// GenerateKeyPair ML-KEM-768 key pair (DC side).
func GenerateKeyPair() (enc []byte, decap *mlkem768.DecapsulationKey, err error) {
	decap, err = mlkem768.GenerateKey()
	if err != nil {
		return nil, nil, err
	}
	enc = decap.EncapsulationKey()
	return enc, decap, nil
}

// Seal encrypts with key; prepends nonce to result. Random nonce unless a valid one is given.
func Seal(key []byte, nonce []byte, plaintext []byte, additional []byte) ([]byte, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrKeySize
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != NonceSize {
		nonce = make([]byte, NonceSize)
		if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
			return nil, err
		}
	}
	return aead.Seal(nonce, nonce, plaintext, additional), nil
}

// Open decrypts (first NonceSize = nonce) with key.
func Open(key []byte, ciphertext []byte, additional []byte) ([]byte, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrKeySize
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < NonceSize+aead.Overhead() {
		return nil, ErrShortInput
	}
	nonce, ct := ciphertext[:NonceSize], ciphertext[NonceSize:]
	return aead.Open(nil, nonce, ct, additional)
}
