package executor

import (
	"fmt"

	"github.com/tolelom/poschain/aiscore"
	"github.com/tolelom/poschain/core"
	"github.com/tolelom/poschain/validator"
)

// BlockContext describes the block a transaction executes in.
type BlockContext struct {
	ChainID   string
	Height    uint64
	Slot      uint64
	Epoch     uint64
	Timestamp int64
	Producer  string
}

// Params are the protocol constants the executor and its ops run with.
type Params struct {
	Gas       GasSchedule
	Validator validator.Params
}

// DefaultParams returns the default executor parameters.
func DefaultParams() Params {
	return Params{Gas: DefaultGasSchedule(), Validator: validator.DefaultParams()}
}

// Context is passed to every Handler and provides access to the chain
// state, the current block, the triggering transaction and its gas meter.
type Context struct {
	State  core.State
	Block  *BlockContext
	Tx     *core.Transaction
	Gas    *GasMeter
	Params *Params
	logs   []core.Log
}

// Emit appends a log entry to the transaction's receipt. Logs of a
// reverted payload are dropped with it.
func (c *Context) Emit(address, topic string, data []byte) {
	c.logs = append(c.logs, core.Log{Address: address, Topic: topic, Data: data})
}

// Validators returns the validator registry held in the transaction's state.
func (c *Context) Validators() *validator.Registry {
	return validator.NewRegistry(c.State, c.Params.Validator)
}

// Tasks returns the AI task store held in the transaction's state.
func (c *Context) Tasks() *aiscore.Store {
	return aiscore.NewStore(c.State)
}

// Debit removes amount from address's balance.
func (c *Context) Debit(address string, amount uint64) error {
	acc, err := core.AccountOrEmpty(c.State, address)
	if err != nil {
		return err
	}
	if acc.Balance < amount {
		return fmt.Errorf("%w: %s has %d, needs %d", core.ErrInsufficientBalance, address, acc.Balance, amount)
	}
	acc.Balance -= amount
	return c.State.SetAccount(address, acc)
}

// Credit adds amount to address's balance.
func (c *Context) Credit(address string, amount uint64) error {
	return credit(c.State, address, amount)
}
