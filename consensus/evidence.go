package consensus

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tolelom/poschain/core"
	"github.com/tolelom/poschain/validator"
)

// EvidenceWindow is how many ancestors back a wrong-slot header can still be
// proven: every block records the stake table its children are drawn from,
// and the last EvidenceWindow tables are kept in state.
const EvidenceWindow = 64

const (
	prefixSchedule = "sched:"
	keySchedules   = "sched/index"
	prefixOffense  = "offense:"
)

// Evidence errors.
var (
	ErrWrongLeader     = errors.New("block signed by a validator that does not lead its slot")
	ErrInvalidEvidence = errors.New("invalid evidence")
)

type stakeEntry struct {
	Address string `json:"address"`
	Stake   uint64 `json:"stake"`
}

// schedule is the draw material for every child of one block: that block's
// signature and the stake table of its post-state.
type schedule struct {
	Height    uint64       `json:"height"`
	Slot      uint64       `json:"slot"`
	Signature string       `json:"signature"`
	Stakes    []stakeEntry `json:"stakes"`
}

// Active implements ValidatorSet over the recorded table.
func (s *schedule) Active() ([]*validator.Validator, error) {
	out := make([]*validator.Validator, len(s.Stakes))
	for i, e := range s.Stakes {
		out[i] = &validator.Validator{Address: e.Address, Stake: e.Stake, Active: true}
	}
	return out, nil
}

// ViolationSlash records one slash applied for a proven wrong-slot block.
type ViolationSlash struct {
	Validator string `json:"validator"`
	Evidence  string `json:"evidence"`
	Slot      uint64 `json:"slot"`
	Amount    uint64 `json:"amount"`
}

// recordSchedule stores the stake table children of parent are drawn from.
// It runs before anything else touches the registry in a block, so the
// table equals the one leaderStake used.
func recordSchedule(state core.State, parent *core.Block, reg *validator.Registry) error {
	active, err := reg.Active()
	if err != nil {
		return err
	}
	sch := schedule{
		Height:    parent.Header.Height,
		Slot:      parent.Header.Slot,
		Signature: parent.Header.ProducerSignature,
		Stakes:    make([]stakeEntry, len(active)),
	}
	for i, v := range active {
		sch.Stakes[i] = stakeEntry{Address: v.Address, Stake: v.Stake}
	}
	data, err := json.Marshal(sch)
	if err != nil {
		return err
	}
	hash := parent.Hash()
	if err := state.Set(prefixSchedule+hash, data); err != nil {
		return err
	}

	var index []string
	raw, err := state.Get(keySchedules)
	switch {
	case err == nil:
		if err := json.Unmarshal(raw, &index); err != nil {
			return fmt.Errorf("decode schedule index: %w", err)
		}
	case !errors.Is(err, core.ErrNotFound):
		return err
	}
	index = append(index, hash)
	for len(index) > EvidenceWindow {
		if err := state.Delete(prefixSchedule + index[0]); err != nil {
			return err
		}
		index = index[1:]
	}
	data, err = json.Marshal(index)
	if err != nil {
		return err
	}
	return state.Set(keySchedules, data)
}

func loadSchedule(state core.State, parentHash string) (*schedule, error) {
	data, err := state.Get(prefixSchedule + parentHash)
	if errors.Is(err, core.ErrNotFound) {
		return nil, fmt.Errorf("%w: parent %s is outside the evidence window", ErrInvalidEvidence, parentHash)
	}
	if err != nil {
		return nil, err
	}
	var sch schedule
	if err := json.Unmarshal(data, &sch); err != nil {
		return nil, fmt.Errorf("decode schedule: %w", err)
	}
	return &sch, nil
}

// verifyEvidence checks that ev is a signed header, on an ancestor this
// state remembers, for a slot its producer did not lead, and that the
// offense has not been slashed before.
func (e *Engine) verifyEvidence(state core.State, ev *core.Evidence) error {
	h := &ev.Header
	if h.ChainID != e.params.ChainID {
		return fmt.Errorf("%w: chain id %q", ErrInvalidEvidence, h.ChainID)
	}
	if err := ev.Verify(e.signer); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvidence, err)
	}
	if _, err := state.Get(prefixOffense + ev.Offense()); err == nil {
		return fmt.Errorf("%w: offense %s already slashed", ErrInvalidEvidence, ev.Offense())
	} else if !errors.Is(err, core.ErrNotFound) {
		return err
	}
	sch, err := loadSchedule(state, h.ParentHash)
	if err != nil {
		return err
	}
	if h.Height != sch.Height+1 || h.Slot <= sch.Slot {
		return fmt.Errorf("%w: header does not extend its parent", ErrInvalidEvidence)
	}
	leader, err := Select(h.Height, slotSeed(h.ParentHash, sch.Signature, h.Slot), sch)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvidence, err)
	}
	if leader == h.Producer {
		return fmt.Errorf("%w: %s led slot %d", ErrInvalidEvidence, h.Producer, h.Slot)
	}
	return nil
}

// applyEvidence slashes the producer of every valid item. In strict mode
// (validation) an invalid item fails the block; otherwise (building) it is
// left out and returned in dropped.
func (e *Engine) applyEvidence(state core.State, reg *validator.Registry, evs []*core.Evidence, strict bool) (included, dropped []*core.Evidence, slashes []ViolationSlash, err error) {
	for _, ev := range evs {
		if len(included) == core.MaxEvidencePerBlock {
			break
		}
		verr := e.verifyEvidence(state, ev)
		var offender *validator.Validator
		if verr == nil {
			offender, verr = reg.Get(ev.Header.Producer)
			if errors.Is(verr, core.ErrNotFound) {
				verr = fmt.Errorf("%w: %s is no longer registered", ErrInvalidEvidence, ev.Header.Producer)
			}
		}
		if verr != nil {
			if strict || !errors.Is(verr, ErrInvalidEvidence) {
				return nil, nil, nil, verr
			}
			dropped = append(dropped, ev)
			continue
		}
		amount, err := reg.ApplySlash(offender.Address, reg.Params().SlashAmount(offender.Stake))
		if err != nil {
			return nil, nil, nil, err
		}
		if err := state.Set(prefixOffense+ev.Offense(), []byte(ev.Hash())); err != nil {
			return nil, nil, nil, err
		}
		included = append(included, ev)
		slashes = append(slashes, ViolationSlash{
			Validator: offender.Address,
			Evidence:  ev.Hash(),
			Slot:      ev.Header.Slot,
			Amount:    amount,
		})
	}
	return included, dropped, slashes, nil
}
