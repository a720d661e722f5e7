package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
)

// KeySize is the length of an X25519 scalar or point.
const KeySize = curve25519.ScalarSize

const pemBlockType = "X25519 PUBLIC KEY"

var ErrInvalidPEM = errors.New("crypto: invalid public key PEM")

type (
	PrivateKey [KeySize]byte
	PublicKey  [KeySize]byte
)

// KeyPair is a node's X25519 identity. The public half is what the hub
// hands out to anyone who asks for the node's ID.
type KeyPair struct {
	Private PrivateKey
	Public  PublicKey
}

func GenerateKeyPair() (*KeyPair, error) {
	var priv PrivateKey
	if _, err := io.ReadFull(rand.Reader, priv[:]); err != nil {
		return nil, err
	}
	// Clamp scalar
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}

	kp := &KeyPair{Private: priv}
	copy(kp.Public[:], pub)
	return kp, nil
}

func (k PublicKey) Hex() string {
	return hex.EncodeToString(k[:])
}

// PEM encodes the key as a single PEM block. This is the form carried in
// join and answer bodies.
func (k PublicKey) PEM() string {
	return string(pem.EncodeToMemory(&pem.Block{Type: pemBlockType, Bytes: k[:]}))
}

func (k PublicKey) String() string {
	return k.Hex()
}

// ParsePublicKeyPEM decodes a key produced by PublicKey.PEM.
func ParsePublicKeyPEM(s string) (PublicKey, error) {
	var out PublicKey
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		return out, ErrInvalidPEM
	}
	if block.Type != pemBlockType {
		return out, fmt.Errorf("%w: unexpected block type %q", ErrInvalidPEM, block.Type)
	}
	if len(block.Bytes) != KeySize {
		return out, fmt.Errorf("%w: key must be %d bytes", ErrInvalidPEM, KeySize)
	}
	copy(out[:], block.Bytes)
	return out, nil
}

// PubKeyFromHex parses a 32-byte hex-encoded X25519 public key.
func PubKeyFromHex(s string) (PublicKey, error) {
	var out PublicKey
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(b) != KeySize {
		return out, errors.New("public key must be 32 bytes")
	}
	copy(out[:], b)
	return out, nil
}
