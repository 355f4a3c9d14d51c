package crypto

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrBadSignature is returned when a signature does not verify.
var ErrBadSignature = errors.New("signature verification failed")

// Signer verifies signatures for one signature scheme. The chain only ever
// verifies; producing signatures is the key holder's business.
type Signer interface {
	Name() string
	Verify(pub PublicKey, data []byte, sigHex string) error
}

// Ed25519 is the default signature scheme.
type Ed25519 struct{}

func (Ed25519) Name() string { return "ed25519" }

func (Ed25519) Verify(pub PublicKey, data []byte, sigHex string) error {
	return Verify(pub, data, sigHex)
}

// Suite bundles the hash and signature primitives a chain instance runs with.
type Suite struct {
	Hasher Hasher
	Signer Signer
}

// DefaultSuite returns sha256 + ed25519.
func DefaultSuite() Suite {
	return Suite{Hasher: sha256Hasher{}, Signer: Ed25519{}}
}

// NewSuite builds a Suite from a hasher name.
func NewSuite(hasher string) (Suite, error) {
	h, err := NewHasher(hasher)
	if err != nil {
		return Suite{}, err
	}
	return Suite{Hasher: h, Signer: Ed25519{}}, nil
}

// Sign signs data with the private key and returns a hex-encoded signature.
func Sign(priv PrivateKey, data []byte) string {
	sig := ed25519.Sign(ed25519.PrivateKey(priv), data)
	return hex.EncodeToString(sig)
}

// Verify checks a hex-encoded signature against data using the public key.
func Verify(pub PublicKey, data []byte, sigHex string) error {
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("pubkey must be %d bytes, got %d", ed25519.PublicKeySize, len(pub))
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return fmt.Errorf("invalid signature hex: %w", err)
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), data, sig) {
		return ErrBadSignature
	}
	return nil
}
