package core

import (
	"encoding/json"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/tolelom/poschain/crypto"
)

// MaxPayloadSize bounds the opaque payload carried by a transaction.
const MaxPayloadSize = 128 * 1024

// Transaction is the atomic unit of work on the chain. It is immutable once
// signed and identified by Hash(). From is the sender address and must be
// derived from PubKey; To is empty for account creation.
type Transaction struct {
	ChainID   string `json:"chain_id"`
	Nonce     uint64 `json:"nonce"`
	From      string `json:"from"`
	To        string `json:"to,omitempty"`
	Value     uint64 `json:"value"`
	GasPrice  uint64 `json:"gas_price"`
	GasLimit  uint64 `json:"gas_limit"`
	Payload   []byte `json:"payload,omitempty"`
	PubKey    string `json:"pub_key"`
	Signature string `json:"signature"`
}

// signingBody holds the fields covered by the signature.
type signingBody struct {
	ChainID  string `json:"chain_id"`
	Nonce    uint64 `json:"nonce"`
	From     string `json:"from"`
	To       string `json:"to,omitempty"`
	Value    uint64 `json:"value"`
	GasPrice uint64 `json:"gas_price"`
	GasLimit uint64 `json:"gas_limit"`
	Payload  []byte `json:"payload,omitempty"`
	PubKey   string `json:"pub_key"`
}

// Hash returns the content digest of the transaction (sans Signature).
// Returns an empty string if marshalling fails (which cannot happen in practice).
func (tx *Transaction) Hash() string {
	data, err := json.Marshal(signingBody{
		ChainID:  tx.ChainID,
		Nonce:    tx.Nonce,
		From:     tx.From,
		To:       tx.To,
		Value:    tx.Value,
		GasPrice: tx.GasPrice,
		GasLimit: tx.GasLimit,
		Payload:  tx.Payload,
		PubKey:   tx.PubKey,
	})
	if err != nil {
		return ""
	}
	return crypto.Hash(data)
}

// Sign fills PubKey/From from priv and signs the transaction.
func (tx *Transaction) Sign(priv crypto.PrivateKey) {
	pub := priv.Public()
	tx.PubKey = pub.Hex()
	tx.From = pub.Address()
	tx.Signature = crypto.Sign(priv, []byte(tx.Hash()))
}

// IsCreation reports whether the transaction creates a new account.
func (tx *Transaction) IsCreation() bool {
	return tx.To == ""
}

// ValidateBasic performs the stateless shape checks.
func (tx *Transaction) ValidateBasic() error {
	if !crypto.IsAddress(tx.From) {
		return fmt.Errorf("%w: bad from address %q", ErrMalformedTx, tx.From)
	}
	if tx.To != "" && !crypto.IsAddress(tx.To) {
		return fmt.Errorf("%w: bad to address %q", ErrMalformedTx, tx.To)
	}
	if len(tx.Payload) > MaxPayloadSize {
		return fmt.Errorf("%w: payload %d bytes exceeds %d", ErrMalformedTx, len(tx.Payload), MaxPayloadSize)
	}
	return nil
}

// VerifySignature checks that the signature was produced by PubKey and that
// PubKey owns From.
func (tx *Transaction) VerifySignature(signer crypto.Signer) error {
	pub, err := crypto.PubKeyFromHex(tx.PubKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if pub.Address() != tx.From {
		return fmt.Errorf("%w: pubkey does not own %s", ErrInvalidSignature, tx.From)
	}
	if err := signer.Verify(pub, []byte(tx.Hash()), tx.Signature); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}

// Verify checks the signature with the default ed25519 scheme.
func (tx *Transaction) Verify() error {
	return tx.VerifySignature(crypto.Ed25519{})
}

// MaxFee returns gas_price * gas_limit, and false if it overflows 64 bits.
func (tx *Transaction) MaxFee() (uint64, bool) {
	fee := new(uint256.Int).Mul(uint256.NewInt(tx.GasPrice), uint256.NewInt(tx.GasLimit))
	if !fee.IsUint64() {
		return 0, false
	}
	return fee.Uint64(), true
}

// MaxCost returns value + gas_price * gas_limit, and false if it overflows.
func (tx *Transaction) MaxCost() (uint64, bool) {
	cost := new(uint256.Int).Mul(uint256.NewInt(tx.GasPrice), uint256.NewInt(tx.GasLimit))
	cost.Add(cost, uint256.NewInt(tx.Value))
	if !cost.IsUint64() {
		return 0, false
	}
	return cost.Uint64(), true
}

// CreatedAddress returns the address a creation tx deploys to.
func CreatedAddress(from string, nonce uint64) string {
	var n [8]byte
	for i := 0; i < 8; i++ {
		n[7-i] = byte(nonce >> (8 * i))
	}
	h := crypto.HashConcat([]byte("create:"), []byte(from), n[:])
	return fmt.Sprintf("%x", h[:crypto.AddressLength])
}
