package core

import (
	"fmt"

	"github.com/tolelom/poschain/crypto"
)

// MaxEvidencePerBlock bounds the misbehaviour proofs one block may carry.
const MaxEvidencePerBlock = 16

// Evidence proves that a validator signed a block header for a slot it did
// not lead. The header alone is the proof: its signature binds the
// producer, and its parent fixes the validator set the slot was drawn from.
type Evidence struct {
	Header BlockHeader `json:"header"`
}

// NewEvidence captures the signed header of b.
func NewEvidence(b *Block) *Evidence {
	return &Evidence{Header: b.Header}
}

// Hash returns the hash of the offending header.
func (e *Evidence) Hash() string { return e.Header.Hash() }

// Offense names the misbehaviour itself: one producer signing for one slot
// on one parent. Headers that differ in any other field are the same
// offense and are slashed once.
func (e *Evidence) Offense() string {
	return fmt.Sprintf("%s/%s/%d", e.Header.Producer, e.Header.ParentHash, e.Header.Slot)
}

// Verify checks the producer signature over the header.
func (e *Evidence) Verify(signer crypto.Signer) error {
	b := Block{Header: e.Header}
	return b.VerifySignature(signer)
}

// ComputeEvidenceRoot returns the Merkle root over the signed headers, or
// the empty string for a block without evidence.
func ComputeEvidenceRoot(evs []*Evidence) string {
	if len(evs) == 0 {
		return ""
	}
	leaves := make([][]byte, len(evs))
	for i, ev := range evs {
		leaves[i] = []byte(ev.Hash() + ev.Header.ProducerSignature)
	}
	return crypto.MerkleRoot(leaves)
}
