package validator

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/tolelom/poschain/core"
)

const (
	prefixValidator = "val:"
	keyIndex        = "val/index"
)

// Registry errors.
var (
	ErrExists      = errors.New("validator already registered")
	ErrBelowMin    = errors.New("stake below minimum")
	ErrNotBonded   = errors.New("validator is not bonded")
	ErrNotEligible = errors.New("validator cannot exit in its current status")
)

// Registry is a view of the validator set stored in one core.State. It
// holds no data of its own: every call reads and writes the state, so a
// Registry over a fork's state sees that fork's validators.
type Registry struct {
	state  core.State
	params Params
}

// NewRegistry returns the registry stored in state.
func NewRegistry(state core.State, params Params) *Registry {
	return &Registry{state: state, params: params}
}

// Params returns the registry constants.
func (r *Registry) Params() Params { return r.params }

func (r *Registry) index() ([]string, error) {
	data, err := r.state.Get(keyIndex)
	if errors.Is(err, core.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var addrs []string
	if err := json.Unmarshal(data, &addrs); err != nil {
		return nil, fmt.Errorf("decode validator index: %w", err)
	}
	return addrs, nil
}

func (r *Registry) writeIndex(addrs []string) error {
	data, err := json.Marshal(addrs)
	if err != nil {
		return err
	}
	return r.state.Set(keyIndex, data)
}

func (r *Registry) put(v *Validator) error {
	data, err := encode(v)
	if err != nil {
		return err
	}
	return r.state.Set(prefixValidator+v.Address, data)
}

// Get returns the record for address, or core.ErrNotFound.
func (r *Registry) Get(address string) (*Validator, error) {
	data, err := r.state.Get(prefixValidator + address)
	if err != nil {
		return nil, err
	}
	return decode(data)
}

// All returns every registered validator in canonical (address ascending)
// order.
func (r *Registry) All() ([]*Validator, error) {
	addrs, err := r.index()
	if err != nil {
		return nil, err
	}
	out := make([]*Validator, 0, len(addrs))
	for _, a := range addrs {
		v, err := r.Get(a)
		if err != nil {
			return nil, fmt.Errorf("validator %s: %w", a, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// Active returns the validators eligible for selection, in canonical order.
func (r *Registry) Active() ([]*Validator, error) {
	all, err := r.All()
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, v := range all {
		if v.Active && v.Stake > 0 {
			out = append(out, v)
		}
	}
	return out, nil
}

// TotalStake returns the summed stake of the active validators.
func (r *Registry) TotalStake() (uint64, error) {
	active, err := r.Active()
	if err != nil {
		return 0, err
	}
	var total uint64
	for _, v := range active {
		if total > math.MaxUint64-v.Stake {
			return 0, errors.New("validator: total stake overflows")
		}
		total += v.Stake
	}
	return total, nil
}

// Add registers a new pending validator that activates ActivationDelay
// epochs after epoch. Adding to an existing bonded validator tops up its
// stake immediately. A validator slashed out of the active set goes
// through activation again, with MinStake checked on the new total.
func (r *Registry) Add(address, pubKey string, stake, epoch uint64) error {
	existing, err := r.Get(address)
	switch {
	case err == nil:
		if existing.Status == StatusExiting {
			return fmt.Errorf("%w: %s is exiting", ErrNotEligible, address)
		}
		if existing.Stake > math.MaxUint64-stake {
			return errors.New("validator: stake overflows")
		}
		existing.Stake += stake
		if existing.Status == StatusActive && !existing.Active {
			if existing.Stake < r.params.MinStake {
				return fmt.Errorf("%w: %d < %d", ErrBelowMin, existing.Stake, r.params.MinStake)
			}
			existing.Status = StatusPending
			existing.ActivationEpoch = epoch + r.params.ActivationDelay
		}
		return r.put(existing)
	case !errors.Is(err, core.ErrNotFound):
		return err
	}
	if stake < r.params.MinStake {
		return fmt.Errorf("%w: %d < %d", ErrBelowMin, stake, r.params.MinStake)
	}
	v := &Validator{
		Address:         address,
		PublicKey:       pubKey,
		Stake:           stake,
		Score:           r.params.InitialScore,
		Status:          StatusPending,
		ActivationEpoch: epoch + r.params.ActivationDelay,
	}
	return r.insert(v)
}

// AddGenesis registers an immediately active validator.
func (r *Registry) AddGenesis(address, pubKey string, stake uint64) error {
	if _, err := r.Get(address); err == nil {
		return fmt.Errorf("%w: %s", ErrExists, address)
	}
	return r.insert(&Validator{
		Address:   address,
		PublicKey: pubKey,
		Stake:     stake,
		Active:    stake > 0,
		Score:     r.params.InitialScore,
		Status:    StatusActive,
	})
}

func (r *Registry) insert(v *Validator) error {
	addrs, err := r.index()
	if err != nil {
		return err
	}
	i := sort.SearchStrings(addrs, v.Address)
	addrs = append(addrs, "")
	copy(addrs[i+1:], addrs[i:])
	addrs[i] = v.Address
	if err := r.writeIndex(addrs); err != nil {
		return err
	}
	return r.put(v)
}

// Remove deletes the record and returns it. Stake accounting is the
// caller's concern.
func (r *Registry) Remove(address string) (*Validator, error) {
	v, err := r.Get(address)
	if err != nil {
		return nil, err
	}
	addrs, err := r.index()
	if err != nil {
		return nil, err
	}
	i := sort.SearchStrings(addrs, address)
	if i < len(addrs) && addrs[i] == address {
		addrs = append(addrs[:i], addrs[i+1:]...)
	}
	if err := r.writeIndex(addrs); err != nil {
		return nil, err
	}
	return v, r.state.Delete(prefixValidator + address)
}

// ApplySlash removes up to amount from the validator's stake and returns
// what was actually removed. A validator slashed to zero is deactivated.
func (r *Registry) ApplySlash(address string, amount uint64) (uint64, error) {
	v, err := r.Get(address)
	if err != nil {
		return 0, err
	}
	slashed := amount
	if slashed > v.Stake {
		slashed = v.Stake
	}
	v.Stake -= slashed
	if v.Stake == 0 {
		v.Active = false
	}
	return slashed, r.put(v)
}

// ApplyReward adds amount to the validator's stake.
func (r *Registry) ApplyReward(address string, amount uint64) error {
	v, err := r.Get(address)
	if err != nil {
		return err
	}
	if v.Stake > math.MaxUint64-amount {
		return errors.New("validator: stake overflows")
	}
	v.Stake += amount
	return r.put(v)
}

// RequestExit takes the validator out of selection at once; its stake stays
// bonded, and slashable, until ExitDelay epochs have passed.
func (r *Registry) RequestExit(address string, epoch uint64) error {
	v, err := r.Get(address)
	if err != nil {
		return err
	}
	if v.Status == StatusExiting {
		return fmt.Errorf("%w: %s already exiting", ErrNotEligible, address)
	}
	v.Status = StatusExiting
	v.Active = false
	v.ExitEpoch = epoch + r.params.ExitDelay
	return r.put(v)
}

// Unbond withdraws part of a bonded stake. The amount is released to the
// account balance ExitDelay epochs later. Unbonding is a single tranche:
// a second partial withdrawal restarts the delay for everything still
// unbonding. Withdrawing so much that the remainder falls below MinStake
// turns into a full exit.
func (r *Registry) Unbond(address string, amount, epoch uint64) error {
	v, err := r.Get(address)
	if err != nil {
		return err
	}
	if v.Status == StatusExiting {
		return fmt.Errorf("%w: %s already exiting", ErrNotEligible, address)
	}
	if amount == 0 || amount >= v.Stake || v.Stake-amount < r.params.MinStake {
		return r.RequestExit(address, epoch)
	}
	v.Stake -= amount
	v.Unbonding += amount
	v.UnbondingEpoch = epoch + r.params.ExitDelay
	return r.put(v)
}

// UpdateScore sets the trust score, clamped to ScoreScale.
func (r *Registry) UpdateScore(address string, score uint64) error {
	v, err := r.Get(address)
	if err != nil {
		return err
	}
	if score > ScoreScale {
		score = ScoreScale
	}
	v.Score = score
	return r.put(v)
}

// MarkActive records that the validator took part in epoch.
func (r *Registry) MarkActive(address string, epoch uint64) error {
	v, err := r.Get(address)
	if err != nil {
		return err
	}
	if epoch > v.LastActiveEpoch {
		v.LastActiveEpoch = epoch
	}
	return r.put(v)
}

// Rotation summarizes what Rotate changed.
type Rotation struct {
	Epoch     uint64   `json:"epoch"`
	Activated []string `json:"activated,omitempty"`
	Exited    []string `json:"exited,omitempty"`
	Removed   []string `json:"removed,omitempty"`
	Released  uint64   `json:"released"`
}

// Rotate runs the epoch-boundary transition: pending validators whose
// activation epoch has come are activated, exits whose delay has passed
// return their stake to the account balance, matured unbonding is
// released, and validators left with no stake are removed.
func (r *Registry) Rotate(epoch uint64) (*Rotation, error) {
	all, err := r.All()
	if err != nil {
		return nil, err
	}
	rot := &Rotation{Epoch: epoch}
	for _, v := range all {
		if v.Unbonding > 0 && epoch >= v.UnbondingEpoch {
			if err := r.credit(v.Address, v.Unbonding); err != nil {
				return nil, err
			}
			rot.Released += v.Unbonding
			v.Unbonding, v.UnbondingEpoch = 0, 0
			if err := r.put(v); err != nil {
				return nil, err
			}
		}

		switch {
		case v.Status == StatusExiting && epoch >= v.ExitEpoch:
			if err := r.credit(v.Address, v.Stake+v.Unbonding); err != nil {
				return nil, err
			}
			rot.Released += v.Stake + v.Unbonding
			if _, err := r.Remove(v.Address); err != nil {
				return nil, err
			}
			rot.Exited = append(rot.Exited, v.Address)
		case v.Stake == 0 && v.Unbonding == 0 && v.Status != StatusExiting:
			if _, err := r.Remove(v.Address); err != nil {
				return nil, err
			}
			rot.Removed = append(rot.Removed, v.Address)
		case v.Status == StatusPending && epoch >= v.ActivationEpoch:
			v.Status = StatusActive
			v.Active = true
			v.LastActiveEpoch = epoch
			if err := r.put(v); err != nil {
				return nil, err
			}
			rot.Activated = append(rot.Activated, v.Address)
		}
	}
	return rot, nil
}

func (r *Registry) credit(address string, amount uint64) error {
	if amount == 0 {
		return nil
	}
	acc, err := core.AccountOrEmpty(r.state, address)
	if err != nil {
		return err
	}
	if acc.Balance > math.MaxUint64-amount {
		return errors.New("validator: balance overflows")
	}
	acc.Balance += amount
	return r.state.SetAccount(address, acc)
}
