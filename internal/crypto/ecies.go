// Package crypto provides the two ciphers an encrypted envelope is built from.
//
// A one-time AES-256-GCM key encrypts the packet itself. That key travels in
// the envelope's meta blob, sealed to the recipient's X25519 public key with
// an ECIES construction (ephemeral X25519, HKDF-SHA256, ChaCha20-Poly1305).
// Opening the meta blob succeeds only for the holder of the matching private
// key, which is how a node decides that an envelope is addressed to it.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const hkdfInfo = "wavenet-meta-v1"

// ErrDecryptFailed is returned when a sealed blob cannot be opened with the
// given key. Callers treat it as "not for me".
var ErrDecryptFailed = errors.New("decrypt: authentication failed")

// Seal encrypts plaintext to recipient.
//
// Output format: ephPub(32) || nonce(12) || ciphertext+tag
func Seal(recipient PublicKey, plaintext []byte) ([]byte, error) {
	eph, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	shared, err := curve25519.X25519(eph.Private[:], recipient[:])
	if err != nil {
		return nil, err
	}

	key, err := deriveKey(shared, eph.Public[:])
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	out := make([]byte, 0, KeySize+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, eph.Public[:]...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, nil), nil
}

// Open reverses Seal using priv. Any mismatch yields ErrDecryptFailed.
func Open(priv PrivateKey, data []byte) ([]byte, error) {
	if len(data) < KeySize+chacha20poly1305.NonceSize+chacha20poly1305.Overhead {
		return nil, ErrDecryptFailed
	}

	ephPub := data[:KeySize]
	nonce := data[KeySize : KeySize+chacha20poly1305.NonceSize]
	ct := data[KeySize+chacha20poly1305.NonceSize:]

	shared, err := curve25519.X25519(priv[:], ephPub)
	if err != nil {
		return nil, ErrDecryptFailed
	}

	key, err := deriveKey(shared, ephPub)
	if err != nil {
		return nil, ErrDecryptFailed
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, ErrDecryptFailed
	}

	pt, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return pt, nil
}

func deriveKey(shared, ephPub []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, shared, ephPub, []byte(hkdfInfo))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}
