package testutil

import (
	"crypto/sha256"
	"fmt"
	"testing"

	"github.com/tolelom/poschain/core"
	"github.com/tolelom/poschain/crypto"
)

// Key returns a deterministic private key for index i.
func Key(i int) crypto.PrivateKey {
	seed := sha256.Sum256([]byte(fmt.Sprintf("testutil-key-%d", i)))
	priv, err := crypto.KeyFromSeed(seed[:])
	if err != nil {
		panic(err)
	}
	return priv
}

// Address returns the address of Key(i).
func Address(i int) string {
	return Key(i).Public().Address()
}

// Fund sets address's balance, creating the account if needed.
func Fund(t testing.TB, s core.State, address string, balance uint64) {
	t.Helper()
	acc, err := core.AccountOrEmpty(s, address)
	if err != nil {
		t.Fatalf("fund %s: %v", address, err)
	}
	acc.Balance = balance
	if err := s.SetAccount(address, acc); err != nil {
		t.Fatalf("fund %s: %v", address, err)
	}
}

// SignedTx builds and signs a transaction from Key(from).
func SignedTx(chainID string, from int, nonce uint64, to string, value, gasPrice, gasLimit uint64, payload []byte) *core.Transaction {
	tx := &core.Transaction{
		ChainID:  chainID,
		Nonce:    nonce,
		To:       to,
		Value:    value,
		GasPrice: gasPrice,
		GasLimit: gasLimit,
		Payload:  payload,
	}
	tx.Sign(Key(from))
	return tx
}
