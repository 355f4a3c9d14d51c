package core

import (
	"encoding/json"

	"github.com/tolelom/poschain/crypto"
)

// Log is an entry emitted by a payload operation.
type Log struct {
	Address string `json:"address"`
	Topic   string `json:"topic"`
	Data    []byte `json:"data,omitempty"`
}

// Receipt records the outcome of an included transaction.
type Receipt struct {
	TxHash          string `json:"tx_hash"`
	Success         bool   `json:"success"`
	GasUsed         uint64 `json:"gas_used"`
	Fee             uint64 `json:"fee"`
	Error           string `json:"error,omitempty"`
	ContractAddress string `json:"contract_address,omitempty"`
	Logs            []Log  `json:"logs,omitempty"`
}

// encode returns the canonical bytes used as the receipt's Merkle leaf.
func (r *Receipt) encode() []byte {
	data, err := json.Marshal(r)
	if err != nil {
		return nil
	}
	return data
}

// ComputeReceiptsRoot returns the Merkle root over the receipts in order.
func ComputeReceiptsRoot(receipts []*Receipt) string {
	leaves := make([][]byte, len(receipts))
	for i, r := range receipts {
		leaves[i] = r.encode()
	}
	return crypto.MerkleRoot(leaves)
}
