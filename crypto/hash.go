package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"
)

// Hasher is a pluggable digest function. Every digest in the chain (tx ids,
// block hashes, Merkle nodes, slot seeds) goes through the active Hasher.
type Hasher interface {
	Name() string
	Sum(data []byte) []byte
}

// Supported hasher names.
const (
	HasherSHA256  = "sha256"
	HasherSHA3    = "sha3-256"
	HasherBlake2b = "blake2b-256"
)

type sha256Hasher struct{}

func (sha256Hasher) Name() string { return HasherSHA256 }
func (sha256Hasher) Sum(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}

type sha3Hasher struct{}

func (sha3Hasher) Name() string { return HasherSHA3 }
func (sha3Hasher) Sum(data []byte) []byte {
	h := sha3.Sum256(data)
	return h[:]
}

type blake2bHasher struct{}

func (blake2bHasher) Name() string { return HasherBlake2b }
func (blake2bHasher) Sum(data []byte) []byte {
	h := blake2b.Sum256(data)
	return h[:]
}

// NewHasher returns the hasher registered under name.
func NewHasher(name string) (Hasher, error) {
	switch name {
	case "", HasherSHA256:
		return sha256Hasher{}, nil
	case HasherSHA3:
		return sha3Hasher{}, nil
	case HasherBlake2b:
		return blake2bHasher{}, nil
	default:
		return nil, fmt.Errorf("unknown hasher %q", name)
	}
}

var (
	hasherMu sync.RWMutex
	active   Hasher = sha256Hasher{}
)

// SetHasher selects the process-wide hasher. Call it once at startup, before
// any block or transaction is hashed; nodes on one network must agree on it.
func SetHasher(h Hasher) {
	hasherMu.Lock()
	defer hasherMu.Unlock()
	active = h
}

// ActiveHasher returns the hasher in use.
func ActiveHasher() Hasher {
	hasherMu.RLock()
	defer hasherMu.RUnlock()
	return active
}

// Hash returns the digest of data as a lowercase hex string.
func Hash(data []byte) string {
	return hex.EncodeToString(HashBytes(data))
}

// HashBytes returns the raw digest of data.
func HashBytes(data []byte) []byte {
	return ActiveHasher().Sum(data)
}

// HashConcat digests the concatenation of parts without an intermediate
// allocation per part.
func HashConcat(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	buf := make([]byte, 0, n)
	for _, p := range parts {
		buf = append(buf, p...)
	}
	return HashBytes(buf)
}
