package wallet

import (
	"encoding/json"
	"fmt"

	"github.com/tolelom/poschain/aiscore"
	"github.com/tolelom/poschain/core"
	"github.com/tolelom/poschain/crypto"
	"github.com/tolelom/poschain/executor/modules/aitask"
	"github.com/tolelom/poschain/executor/modules/kvstore"
	"github.com/tolelom/poschain/executor/modules/staking"
)

// Gas is the price and limit attached to a transaction.
type Gas struct {
	Price uint64
	Limit uint64
}

// Wallet holds a key pair and provides transaction-building helpers.
type Wallet struct {
	priv crypto.PrivateKey
	pub  crypto.PublicKey
}

// New creates a Wallet from an existing private key.
func New(priv crypto.PrivateKey) *Wallet {
	return &Wallet{priv: priv, pub: priv.Public()}
}

// Generate creates a Wallet with a freshly generated key pair.
func Generate() (*Wallet, error) {
	priv, _, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return New(priv), nil
}

// PrivKey returns the raw private key (handle with care).
func (w *Wallet) PrivKey() crypto.PrivateKey {
	return w.priv
}

// PubKey returns the hex-encoded ed25519 public key.
func (w *Wallet) PubKey() string {
	return w.pub.Hex()
}

// Address returns the account address derived from the public key.
func (w *Wallet) Address() string {
	return w.pub.Address()
}

// NewTx creates a signed transaction. A non-nil payload is JSON-encoded;
// []byte and json.RawMessage are used as is.
func (w *Wallet) NewTx(chainID string, nonce uint64, to string, value uint64, gas Gas, payload any) (*core.Transaction, error) {
	var data []byte
	switch p := payload.(type) {
	case nil:
	case []byte:
		data = p
	case json.RawMessage:
		data = p
	default:
		var err error
		if data, err = json.Marshal(p); err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
	}
	tx := &core.Transaction{
		ChainID:  chainID,
		Nonce:    nonce,
		To:       to,
		Value:    value,
		GasPrice: gas.Price,
		GasLimit: gas.Limit,
		Payload:  data,
	}
	tx.Sign(w.priv)
	if err := tx.ValidateBasic(); err != nil {
		return nil, err
	}
	return tx, nil
}

// Transfer creates a signed value transfer.
func (w *Wallet) Transfer(chainID, to string, amount, nonce uint64, gas Gas) (*core.Transaction, error) {
	return w.NewTx(chainID, nonce, to, amount, gas, nil)
}

// Stake bonds amount from the sender's balance.
func (w *Wallet) Stake(chainID string, amount, nonce uint64, gas Gas) (*core.Transaction, error) {
	return w.NewTx(chainID, nonce, w.Address(), 0, gas, staking.StakePayload{Op: staking.OpStake, Amount: amount})
}

// Unstake starts unbonding amount; zero unbonds everything.
func (w *Wallet) Unstake(chainID string, amount, nonce uint64, gas Gas) (*core.Transaction, error) {
	return w.NewTx(chainID, nonce, w.Address(), 0, gas, staking.UnstakePayload{Op: staking.OpUnstake, Amount: amount})
}

// Store writes value under key in the sender's account storage.
func (w *Wallet) Store(chainID, key string, value []byte, nonce uint64, gas Gas) (*core.Transaction, error) {
	return w.NewTx(chainID, nonce, w.Address(), 0, gas, kvstore.StorePayload{Op: kvstore.OpStore, Key: key, Value: value})
}

// SubmitTask opens an AI task escrowing reward. The task id is the hash of
// the returned transaction.
func (w *Wallet) SubmitTask(chainID string, kind aiscore.TaskKind, modelHash string, reward, nonce uint64, gas Gas) (*core.Transaction, error) {
	return w.NewTx(chainID, nonce, w.Address(), 0, gas, aitask.TaskPayload{
		Op:        aitask.OpTask,
		Kind:      kind,
		ModelHash: modelHash,
		Reward:    reward,
	})
}

// SubmitResult answers task with a result digest and optional proof.
func (w *Wallet) SubmitResult(chainID, taskID, digest string, proof []byte, nonce uint64, gas Gas) (*core.Transaction, error) {
	return w.NewTx(chainID, nonce, w.Address(), 0, gas, aitask.ResultPayload{
		Op:           aitask.OpResult,
		TaskID:       taskID,
		ResultDigest: digest,
		Proof:        proof,
	})
}

// Assess records this validator's verdict on the result of task.
func (w *Wallet) Assess(chainID, taskID string, verified bool, quality float64, nonce uint64, gas Gas) (*core.Transaction, error) {
	return w.NewTx(chainID, nonce, w.Address(), 0, gas, aitask.AssessPayload{
		Op:       aitask.OpAssess,
		TaskID:   taskID,
		Verified: verified,
		Quality:  quality,
	})
}
