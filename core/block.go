package core

import (
	"encoding/json"
	"fmt"

	"github.com/tolelom/poschain/crypto"
)

// ZeroHash is the parent hash of the genesis block.
const ZeroHash = "0000000000000000000000000000000000000000000000000000000000000000"

// BlockHeader contains the block metadata. Everything except
// ProducerSignature is covered by the block hash.
type BlockHeader struct {
	ChainID           string `json:"chain_id"`
	Height            uint64 `json:"height"`
	Slot              uint64 `json:"slot"`
	Timestamp         int64  `json:"timestamp"` // unix milliseconds
	ParentHash        string `json:"parent_hash"`
	StateRoot         string `json:"state_root"`
	TxRoot            string `json:"tx_root"`
	ReceiptsRoot      string `json:"receipts_root"`
	EvidenceRoot      string `json:"evidence_root,omitempty"`
	Producer          string `json:"producer"` // producer address
	ProducerPubKey    string `json:"producer_pub_key"`
	GasUsed           uint64 `json:"gas_used"`
	GasLimit          uint64 `json:"gas_limit"`
	ProducerSignature string `json:"producer_signature"`
}

// Hash returns the block hash: the digest of the header without its signature.
func (h *BlockHeader) Hash() string {
	unsigned := *h
	unsigned.ProducerSignature = ""
	data, err := json.Marshal(unsigned)
	if err != nil {
		return ""
	}
	return crypto.Hash(data)
}

// Block is a signed header plus the ordered transaction list and any
// misbehaviour evidence it reports.
type Block struct {
	Header       BlockHeader    `json:"header"`
	Transactions []*Transaction `json:"transactions"`
	Evidence     []*Evidence    `json:"evidence,omitempty"`
}

// Hash returns the block hash.
func (b *Block) Hash() string {
	return b.Header.Hash()
}

// Height returns the block height.
func (b *Block) Height() uint64 {
	return b.Header.Height
}

// Sign stamps the producer identity and signs the block hash.
func (b *Block) Sign(priv crypto.PrivateKey) {
	pub := priv.Public()
	b.Header.Producer = pub.Address()
	b.Header.ProducerPubKey = pub.Hex()
	b.Header.ProducerSignature = crypto.Sign(priv, []byte(b.Hash()))
}

// VerifySignature checks the producer signature and that the signing key
// owns the Producer address.
func (b *Block) VerifySignature(signer crypto.Signer) error {
	pub, err := crypto.PubKeyFromHex(b.Header.ProducerPubKey)
	if err != nil {
		return fmt.Errorf("producer pubkey: %w", err)
	}
	if pub.Address() != b.Header.Producer {
		return fmt.Errorf("producer pubkey does not own %s", b.Header.Producer)
	}
	return signer.Verify(pub, []byte(b.Hash()), b.Header.ProducerSignature)
}

// IsGenesis reports whether b is a genesis block.
func (b *Block) IsGenesis() bool {
	return b.Header.Height == 0 && b.Header.ParentHash == ZeroHash
}

// ComputeTxRoot returns the Merkle root over transaction hashes in order.
func ComputeTxRoot(txs []*Transaction) string {
	leaves := make([][]byte, len(txs))
	for i, tx := range txs {
		leaves[i] = []byte(tx.Hash())
	}
	return crypto.MerkleRoot(leaves)
}

// Encode serialises the block for storage and transport.
func (b *Block) Encode() ([]byte, error) {
	return json.Marshal(b)
}

// DecodeBlock parses a block produced by Encode.
func DecodeBlock(data []byte) (*Block, error) {
	var b Block
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode block: %w", err)
	}
	return &b, nil
}

// ValidateBasic performs the stateless structural checks of a block.
func (b *Block) ValidateBasic(maxTxs int) error {
	h := &b.Header
	if h.ParentHash == "" || h.StateRoot == "" || h.TxRoot == "" || h.ReceiptsRoot == "" {
		return fmt.Errorf("%w: missing header digest", ErrInvalidBlock)
	}
	if h.ProducerSignature == "" {
		return fmt.Errorf("%w: unsigned block", ErrInvalidBlock)
	}
	if maxTxs > 0 && len(b.Transactions) > maxTxs {
		return fmt.Errorf("%w: %d txs exceeds limit %d", ErrInvalidBlock, len(b.Transactions), maxTxs)
	}
	if h.GasUsed > h.GasLimit {
		return fmt.Errorf("%w: gas used %d exceeds limit %d", ErrInvalidBlock, h.GasUsed, h.GasLimit)
	}
	seen := make(map[string]struct{}, len(b.Transactions))
	for i, tx := range b.Transactions {
		if tx == nil {
			return fmt.Errorf("%w: nil tx at %d", ErrInvalidBlock, i)
		}
		id := tx.Hash()
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: duplicate tx %s", ErrInvalidBlock, id)
		}
		seen[id] = struct{}{}
	}
	if got := ComputeTxRoot(b.Transactions); got != h.TxRoot {
		return fmt.Errorf("%w: tx root mismatch: got %s want %s", ErrInvalidBlock, got, h.TxRoot)
	}
	if len(b.Evidence) > MaxEvidencePerBlock {
		return fmt.Errorf("%w: %d evidence items exceeds limit %d", ErrInvalidBlock, len(b.Evidence), MaxEvidencePerBlock)
	}
	offenses := make(map[string]struct{}, len(b.Evidence))
	for i, ev := range b.Evidence {
		if ev == nil {
			return fmt.Errorf("%w: nil evidence at %d", ErrInvalidBlock, i)
		}
		if _, dup := offenses[ev.Offense()]; dup {
			return fmt.Errorf("%w: duplicate evidence %s", ErrInvalidBlock, ev.Offense())
		}
		offenses[ev.Offense()] = struct{}{}
	}
	if got := ComputeEvidenceRoot(b.Evidence); got != h.EvidenceRoot {
		return fmt.Errorf("%w: evidence root mismatch: got %q want %q", ErrInvalidBlock, got, h.EvidenceRoot)
	}
	return nil
}
