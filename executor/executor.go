package executor

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	lru "github.com/hashicorp/golang-lru"

	"github.com/tolelom/poschain/core"
	"github.com/tolelom/poschain/crypto"
)

const sigCacheSize = 8192

// Executor is the transaction processor: it validates one transaction and
// applies it to a state, producing a receipt. It keeps no state of its own
// besides a cache of verified signatures, so one Executor serves every fork.
type Executor struct {
	params   Params
	signer   crypto.Signer
	registry *Registry
	sigCache *lru.ARCCache
}

// New creates an Executor that dispatches payload ops through the global
// registry.
func New(params Params, signer crypto.Signer) *Executor {
	return NewWithRegistry(params, signer, globalRegistry)
}

// NewWithRegistry creates an Executor with an explicit op registry.
func NewWithRegistry(params Params, signer crypto.Signer, reg *Registry) *Executor {
	if signer == nil {
		signer = crypto.Ed25519{}
	}
	cache, _ := lru.NewARC(sigCacheSize)
	return &Executor{params: params, signer: signer, registry: reg, sigCache: cache}
}

// Params returns the executor's parameters.
func (e *Executor) Params() Params { return e.params }

// VerifySignature checks tx's signature, consulting the cache first.
// It is safe for concurrent use.
func (e *Executor) VerifySignature(tx *core.Transaction) error {
	key := tx.Hash() + tx.Signature
	if e.sigCache.Contains(key) {
		return nil
	}
	if err := tx.VerifySignature(e.signer); err != nil {
		return err
	}
	e.sigCache.Add(key, struct{}{})
	return nil
}

// Check runs the validation gate of Execute without changing state.
func (e *Executor) Check(bctx *BlockContext, tx *core.Transaction, state core.State) error {
	_, _, err := e.check(bctx, tx, state)
	return err
}

func (e *Executor) check(bctx *BlockContext, tx *core.Transaction, state core.State) (*core.Account, uint64, error) {
	if tx.ChainID != bctx.ChainID {
		return nil, 0, fmt.Errorf("%w: got %q want %q", core.ErrWrongChain, tx.ChainID, bctx.ChainID)
	}
	if err := tx.ValidateBasic(); err != nil {
		return nil, 0, err
	}
	// (a) signature against from
	if err := e.VerifySignature(tx); err != nil {
		return nil, 0, err
	}
	// (b) exact nonce
	acc, err := core.AccountOrEmpty(state, tx.From)
	if err != nil {
		return nil, 0, fmt.Errorf("load sender: %w", err)
	}
	switch {
	case tx.Nonce < acc.Nonce:
		return nil, 0, fmt.Errorf("%w: account %d, tx %d", core.ErrNonceTooLow, acc.Nonce, tx.Nonce)
	case tx.Nonce > acc.Nonce:
		return nil, 0, fmt.Errorf("%w: account %d, tx %d", core.ErrNonceTooHigh, acc.Nonce, tx.Nonce)
	case acc.Nonce == math.MaxUint64:
		return nil, 0, fmt.Errorf("%w: nonce exhausted", core.ErrNonceTooHigh)
	}
	// (c) balance covers value and the whole gas reservation
	cost, ok := tx.MaxCost()
	if !ok {
		return nil, 0, fmt.Errorf("%w: cost overflows", core.ErrInsufficientBalance)
	}
	if acc.Balance < cost {
		return nil, 0, fmt.Errorf("%w: have %d need %d", core.ErrInsufficientBalance, acc.Balance, cost)
	}
	fee, _ := tx.MaxFee()
	return acc, fee, nil
}

// Execute validates tx against state and applies it. A rejected transaction
// returns an error and leaves state untouched. An accepted one always
// returns a receipt: the sender pays gas_price*gas_limit and its nonce is
// incremented even when the payload fails, in which case every other
// effect of the transaction is reverted.
func (e *Executor) Execute(bctx *BlockContext, tx *core.Transaction, state core.State) (*core.Receipt, error) {
	acc, fee, err := e.check(bctx, tx, state)
	if err != nil {
		return nil, err
	}

	// (d) charge the reservation and bump the nonce; these survive a revert.
	acc.Balance -= fee
	acc.Nonce++
	if err := state.SetAccount(tx.From, acc); err != nil {
		return nil, fmt.Errorf("charge sender: %w", err)
	}
	if bctx.Producer != "" {
		if err := credit(state, bctx.Producer, fee); err != nil {
			return nil, fmt.Errorf("credit producer: %w", err)
		}
	}

	receipt := &core.Receipt{TxHash: tx.Hash(), Fee: fee}
	ctx := &Context{
		State:  state,
		Block:  bctx,
		Tx:     tx,
		Gas:    NewGasMeter(tx.GasLimit),
		Params: &e.params,
	}
	snap := state.Snapshot()
	if err := e.apply(ctx); err != nil {
		if rerr := state.RevertToSnapshot(snap); rerr != nil {
			return nil, fmt.Errorf("revert snapshot after payload failure: %w (revert: %v)", err, rerr)
		}
		receipt.Success = false
		receipt.Error = err.Error()
		receipt.GasUsed = ctx.Gas.Used()
		return receipt, nil
	}
	receipt.Success = true
	receipt.GasUsed = ctx.Gas.Used()
	receipt.Logs = ctx.logs
	if tx.IsCreation() {
		receipt.ContractAddress = core.CreatedAddress(tx.From, tx.Nonce)
	}
	return receipt, nil
}

// apply runs the value transfer and the payload under the gas meter.
func (e *Executor) apply(ctx *Context) error {
	tx := ctx.Tx
	if err := ctx.Gas.Consume(e.params.Gas.Intrinsic(tx), "intrinsic"); err != nil {
		return err
	}
	if tx.IsCreation() {
		return e.create(ctx)
	}
	if err := transfer(ctx, tx.From, tx.To, tx.Value); err != nil {
		return err
	}
	if len(tx.Payload) == 0 {
		return nil
	}
	var env struct {
		Op string `json:"op"`
	}
	if err := json.Unmarshal(tx.Payload, &env); err != nil {
		return fmt.Errorf("decode payload envelope: %w", err)
	}
	if env.Op == "" {
		return errors.New("payload has no op")
	}
	return e.registry.Execute(env.Op, ctx, tx.Payload)
}

// create deploys a new account holding the payload's digest as its code
// hash and the value as its balance.
func (e *Executor) create(ctx *Context) error {
	tx := ctx.Tx
	if err := ctx.Gas.Consume(e.params.Gas.Create, "create"); err != nil {
		return err
	}
	addr := core.CreatedAddress(tx.From, tx.Nonce)
	if _, err := ctx.State.GetAccount(addr); err == nil {
		return fmt.Errorf("address %s already in use", addr)
	} else if !errors.Is(err, core.ErrNotFound) {
		return err
	}
	if err := ctx.State.SetAccount(addr, &core.Account{CodeHash: crypto.Hash(tx.Payload)}); err != nil {
		return err
	}
	if err := transfer(ctx, tx.From, addr, tx.Value); err != nil {
		return err
	}
	ctx.Emit(addr, "created", nil)
	return nil
}

func transfer(ctx *Context, from, to string, amount uint64) error {
	if amount == 0 {
		return nil
	}
	if err := ctx.Debit(from, amount); err != nil {
		return err
	}
	return ctx.Credit(to, amount)
}

func credit(state core.State, address string, amount uint64) error {
	if amount == 0 {
		return nil
	}
	acc, err := core.AccountOrEmpty(state, address)
	if err != nil {
		return err
	}
	if acc.Balance > math.MaxUint64-amount {
		return fmt.Errorf("balance of %s overflows", address)
	}
	acc.Balance += amount
	return state.SetAccount(address, acc)
}
