// Package consensus implements stake-weighted Proof-of-Stake block
// production: slot-leader selection, block building and validation, and
// fork choice with finality.
package consensus

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/tolelom/poschain/core"
	"github.com/tolelom/poschain/crypto"
	"github.com/tolelom/poschain/validator"
)

// ValidatorSet is the view of the registry the selector needs.
type ValidatorSet interface {
	// Active returns the eligible validators in canonical order.
	Active() ([]*validator.Validator, error)
}

// SlotSeed derives the randomness for slot from the parent block. The
// parent's producer signature is deterministic for its key and header, so
// the producer cannot grind alternative seeds, nobody can predict it before
// the parent is published, and anyone holding the parent can recompute it.
func SlotSeed(parent *core.Block, slot uint64) []byte {
	return slotSeed(parent.Hash(), parent.Header.ProducerSignature, slot)
}

func slotSeed(parentHash, parentSig string, slot uint64) []byte {
	var s [8]byte
	binary.BigEndian.PutUint64(s[:], slot)
	return crypto.HashConcat([]byte("slot-seed"), []byte(parentSig), []byte(parentHash), s[:])
}

// Select returns the producer for (height, seed): a value drawn from the
// seed is reduced modulo the total active stake and the validators are
// walked in canonical order until the running stake exceeds it. A
// validator with zero stake owns an empty interval and is never chosen.
func Select(height uint64, seed []byte, set ValidatorSet) (string, error) {
	active, err := set.Active()
	if err != nil {
		return "", fmt.Errorf("load validators: %w", err)
	}
	total := new(uint256.Int)
	for _, v := range active {
		total.Add(total, uint256.NewInt(v.Stake))
	}
	if total.IsZero() {
		return "", core.ErrNoEligibleValidator
	}

	var h [8]byte
	binary.BigEndian.PutUint64(h[:], height)
	draw := new(uint256.Int).SetBytes(crypto.HashConcat(seed, h[:]))
	draw.Mod(draw, total)

	running := new(uint256.Int)
	for _, v := range active {
		if v.Stake == 0 {
			continue
		}
		running.Add(running, uint256.NewInt(v.Stake))
		if draw.Lt(running) {
			return v.Address, nil
		}
	}
	return "", errors.New("consensus: selection walked past total stake")
}

// Leader returns the slot leader for a child of parent at slot.
func Leader(parent *core.Block, slot uint64, set ValidatorSet) (string, error) {
	return Select(parent.Header.Height+1, SlotSeed(parent, slot), set)
}
