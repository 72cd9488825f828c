// Package encryption implements AEAD encryption for strict_e2e
// conversations. Each conversation is encrypted under a single
// conversation-scoped key; the server stores only ciphertext and the
// per-message nonce, never plaintext, for messages sent in that mode.
//
// Service generates one 32-byte key per conversation on first use and
// stores it in conversation_keys; Encrypt and Decrypt take the key
// directly. Key rotation and per-device key wrapping are not implemented.
package encryption

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the required length, in bytes, of a conversation key.
const KeySize = chacha20poly1305.KeySize

// CurrentVersion is the encryption_version written for messages encrypted
// by this package. A message's encryption_version pins it to the cipher
// and key-derivation scheme used to produce it, so the scheme can change
// without breaking older stored ciphertext.
const CurrentVersion = 1

// Sealed is the output of Encrypt: ciphertext and the nonce used to
// produce it, both stored verbatim alongside the message row.
type Sealed struct {
	Ciphertext []byte
	Nonce      []byte
}

// Encrypt seals plaintext under key using a freshly generated nonce. key
// must be KeySize bytes.
func Encrypt(key, plaintext []byte) (Sealed, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return Sealed{}, fmt.Errorf("constructing AEAD cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return Sealed{}, fmt.Errorf("generating nonce: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce, plaintext, nil)
	return Sealed{Ciphertext: ciphertext, Nonce: nonce}, nil
}

// Decrypt opens ciphertext under key using nonce, returning the original
// plaintext. It fails if the ciphertext was tampered with or the wrong
// key/nonce pair is supplied.
func Decrypt(key, ciphertext, nonce []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("constructing AEAD cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("opening ciphertext: %w", err)
	}
	return plaintext, nil
}
