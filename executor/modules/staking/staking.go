// Package staking implements the stake and unstake payload ops.
package staking

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tolelom/poschain/executor"
)

// Op names.
const (
	OpStake   = "stake"
	OpUnstake = "unstake"
)

// StakePayload bonds Amount from the sender's balance.
type StakePayload struct {
	Op     string `json:"op"`
	Amount uint64 `json:"amount"`
}

// UnstakePayload starts unbonding Amount; zero means the whole stake.
type UnstakePayload struct {
	Op     string `json:"op"`
	Amount uint64 `json:"amount,omitempty"`
}

func init() {
	executor.Register(OpStake, handleStake)
	executor.Register(OpUnstake, handleUnstake)
}

func handleStake(ctx *executor.Context, payload json.RawMessage) error {
	if err := ctx.Gas.Consume(ctx.Params.Gas.Stake, OpStake); err != nil {
		return err
	}
	var p StakePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode stake payload: %w", err)
	}
	if p.Amount == 0 {
		return errors.New("stake amount must be > 0")
	}
	if err := ctx.Debit(ctx.Tx.From, p.Amount); err != nil {
		return err
	}
	if err := ctx.Validators().Add(ctx.Tx.From, ctx.Tx.PubKey, p.Amount, ctx.Block.Epoch); err != nil {
		return err
	}
	ctx.Emit(ctx.Tx.From, OpStake, nil)
	return nil
}

func handleUnstake(ctx *executor.Context, payload json.RawMessage) error {
	if err := ctx.Gas.Consume(ctx.Params.Gas.Stake, OpUnstake); err != nil {
		return err
	}
	var p UnstakePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode unstake payload: %w", err)
	}
	if err := ctx.Validators().Unbond(ctx.Tx.From, p.Amount, ctx.Block.Epoch); err != nil {
		return fmt.Errorf("unstake %s: %w", ctx.Tx.From, err)
	}
	ctx.Emit(ctx.Tx.From, OpUnstake, nil)
	return nil
}
