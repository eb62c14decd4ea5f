package crypto

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/nacl/box"
)

// NonceSize is the size of the NaCl box nonce prepended to every ciphertext.
const NonceSize = 24

// MaxMessageSize bounds plaintext size (1MB) to prevent excessive memory use.
const MaxMessageSize = 1024 * 1024

// ErrDecryptionFailed indicates the ciphertext could not be authenticated
// with the given key material.
var ErrDecryptionFailed = errors.New("crypto: decryption failed")

// Encrypt seals message for recipientPK using senderSK. A fresh random nonce
// is generated and prepended to the returned ciphertext; Decrypt expects the
// same layout. This is the wire convention for all encrypted relay material.
func Encrypt(message []byte, recipientPK, senderSK [32]byte) ([]byte, error) {
	if len(message) == 0 {
		return nil, errors.New("empty message")
	}
	if len(message) > MaxMessageSize {
		return nil, errors.New("message too large")
	}

	var nonce [NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}

	return box.Seal(nonce[:], message, &nonce, &recipientPK, &senderSK), nil
}

// Decrypt opens a nonce-prefixed ciphertext produced by Encrypt.
func Decrypt(data []byte, senderPK, recipientSK [32]byte) ([]byte, error) {
	if len(data) <= NonceSize {
		return nil, errors.New("ciphertext too short")
	}

	var nonce [NonceSize]byte
	copy(nonce[:], data[:NonceSize])

	plaintext, ok := box.Open(nil, data[NonceSize:], &nonce, &senderPK, &recipientSK)
	if !ok {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}
