package crypto

import (
	"bytes"
	"encoding/hex"
	"errors"
)

// Domain separation prefixes keep a leaf from ever being confused with an
// inner node of the same bytes.
const (
	leafPrefix  = 0x00
	innerPrefix = 0x01
)

// ErrProofIndex is returned when a proof is requested for a missing leaf.
var ErrProofIndex = errors.New("merkle: leaf index out of range")

// MerkleTree is a binary Merkle tree stored as an arena: every node lives in
// nodes and levels record the [start, end) index range of each level, leaves
// first. Nodes never point at each other, so a built tree is immutable and
// safe to share between readers.
type MerkleTree struct {
	nodes  [][]byte
	levels [][2]int
}

// ProofStep is one sibling on the path from a leaf to the root.
type ProofStep struct {
	Sibling string `json:"sibling"` // hex digest; empty means the node was promoted
	Left    bool   `json:"left"`    // sibling sits to the left
}

// NewMerkleTree builds a tree over the given leaf payloads. An odd node at the
// end of a level is promoted unchanged.
func NewMerkleTree(leaves [][]byte) *MerkleTree {
	t := &MerkleTree{nodes: make([][]byte, 0, 2*len(leaves))}
	if len(leaves) == 0 {
		return t
	}
	for _, l := range leaves {
		t.nodes = append(t.nodes, HashConcat([]byte{leafPrefix}, l))
	}
	t.levels = append(t.levels, [2]int{0, len(leaves)})

	for {
		cur := t.levels[len(t.levels)-1]
		width := cur[1] - cur[0]
		if width == 1 {
			break
		}
		start := len(t.nodes)
		for i := cur[0]; i < cur[1]; i += 2 {
			if i+1 == cur[1] {
				t.nodes = append(t.nodes, t.nodes[i])
				continue
			}
			t.nodes = append(t.nodes, HashConcat([]byte{innerPrefix}, t.nodes[i], t.nodes[i+1]))
		}
		t.levels = append(t.levels, [2]int{start, len(t.nodes)})
	}
	return t
}

// Root returns the root digest. The root of an empty tree is Hash(nil).
func (t *MerkleTree) Root() []byte {
	if len(t.levels) == 0 {
		return HashBytes(nil)
	}
	return t.nodes[len(t.nodes)-1]
}

// RootHex returns the hex-encoded root.
func (t *MerkleTree) RootHex() string {
	return hex.EncodeToString(t.Root())
}

// Size returns the number of leaves.
func (t *MerkleTree) Size() int {
	if len(t.levels) == 0 {
		return 0
	}
	return t.levels[0][1]
}

// Proof returns the sibling path for leaf i.
func (t *MerkleTree) Proof(i int) ([]ProofStep, error) {
	if i < 0 || i >= t.Size() {
		return nil, ErrProofIndex
	}
	var steps []ProofStep
	pos := i
	for lvl := 0; lvl < len(t.levels)-1; lvl++ {
		start, end := t.levels[lvl][0], t.levels[lvl][1]
		idx := start + pos
		var step ProofStep
		if pos%2 == 0 {
			if idx+1 < end {
				step.Sibling = hex.EncodeToString(t.nodes[idx+1])
			}
		} else {
			step.Sibling = hex.EncodeToString(t.nodes[idx-1])
			step.Left = true
		}
		steps = append(steps, step)
		pos /= 2
	}
	return steps, nil
}

// VerifyProof checks that leaf is included under root via proof.
func VerifyProof(root []byte, leaf []byte, proof []ProofStep) bool {
	cur := HashConcat([]byte{leafPrefix}, leaf)
	for _, step := range proof {
		if step.Sibling == "" {
			continue
		}
		sib, err := hex.DecodeString(step.Sibling)
		if err != nil {
			return false
		}
		if step.Left {
			cur = HashConcat([]byte{innerPrefix}, sib, cur)
		} else {
			cur = HashConcat([]byte{innerPrefix}, cur, sib)
		}
	}
	return bytes.Equal(cur, root)
}

// MerkleRoot is a convenience wrapper returning the hex root of leaves.
func MerkleRoot(leaves [][]byte) string {
	return NewMerkleTree(leaves).RootHex()
}
