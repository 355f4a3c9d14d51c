// Package validator keeps the validator registry inside the world state, so
// every fork carries its own registry and the registry is covered by the
// state root.
package validator

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

// ScoreScale is the fixed-point denominator of scores: a score of
// ScoreScale means 1.0.
const ScoreScale uint64 = 1_000_000

// Status is a validator's bonding state.
type Status string

const (
	StatusPending Status = "pending"
	StatusActive  Status = "active"
	StatusExiting Status = "exiting"
)

// Validator is one registry record. Only Active validators are eligible for
// selection and count toward TotalStake.
type Validator struct {
	Address         string `json:"address"`
	PublicKey       string `json:"public_key"`
	Stake           uint64 `json:"stake"`
	Active          bool   `json:"active"`
	Score           uint64 `json:"score"` // trust, in ScoreScale units
	LastActiveEpoch uint64 `json:"last_active_epoch"`
	Status          Status `json:"status"`
	ActivationEpoch uint64 `json:"activation_epoch"`
	ExitEpoch       uint64 `json:"exit_epoch,omitempty"`
	// Unbonding is stake withdrawn by a partial unstake, released to the
	// account balance at UnbondingEpoch.
	Unbonding      uint64 `json:"unbonding,omitempty"`
	UnbondingEpoch uint64 `json:"unbonding_epoch,omitempty"`
}

// Copy returns an independent copy.
func (v *Validator) Copy() *Validator {
	cp := *v
	return &cp
}

// Params are the registry's protocol constants.
type Params struct {
	ActivationDelay uint64 `json:"activation_delay" mapstructure:"activation_delay"` // epochs
	ExitDelay       uint64 `json:"exit_delay" mapstructure:"exit_delay"`             // epochs
	MinStake        uint64 `json:"min_stake" mapstructure:"min_stake"`
	InitialScore    uint64 `json:"initial_score" mapstructure:"initial_score"`
	// ViolationSlash is the share of stake, in ScoreScale units, burned for
	// each proven block signed outside the validator's slots.
	ViolationSlash uint64 `json:"violation_slash" mapstructure:"violation_slash"`
}

// DefaultParams returns the registry defaults.
func DefaultParams() Params {
	return Params{
		ActivationDelay: 1,
		ExitDelay:       2,
		MinStake:        1,
		InitialScore:    ScoreScale / 2,
		ViolationSlash:  ScoreScale / 10,
	}
}

// Validate rejects parameter sets the registry cannot work with.
func (p Params) Validate() error {
	if p.MinStake == 0 {
		return errors.New("validator: min_stake must be > 0")
	}
	if p.InitialScore > ScoreScale {
		return fmt.Errorf("validator: initial_score %d exceeds %d", p.InitialScore, ScoreScale)
	}
	if p.ViolationSlash > ScoreScale {
		return fmt.Errorf("validator: violation_slash %d exceeds %d", p.ViolationSlash, ScoreScale)
	}
	return nil
}

// SlashAmount returns the stake burned for one proven violation: the
// ViolationSlash share of stake, at least one unit when the share is set.
func (p Params) SlashAmount(stake uint64) uint64 {
	if p.ViolationSlash == 0 || stake == 0 {
		return 0
	}
	share := uint256.NewInt(min(p.ViolationSlash, ScoreScale))
	amount := new(uint256.Int).Mul(uint256.NewInt(stake), share)
	amount.Div(amount, uint256.NewInt(ScoreScale))
	return max(amount.Uint64(), 1)
}

func encode(v *Validator) ([]byte, error) { return json.Marshal(v) }

func decode(data []byte) (*Validator, error) {
	var v Validator
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode validator: %w", err)
	}
	return &v, nil
}
