package aiscore

import (
	"errors"
	"fmt"
	"math"

	"github.com/holiman/uint256"

	"github.com/tolelom/poschain/core"
	"github.com/tolelom/poschain/validator"
)

// Settlement records how one task was closed.
type Settlement struct {
	TaskID   string  `json:"task_id"`
	Worker   string  `json:"worker,omitempty"`
	Outcome  Outcome `json:"outcome"`
	Paid     uint64  `json:"paid"`
	Refunded uint64  `json:"refunded"`
	Slashed  uint64  `json:"slashed"`
	Expired  bool    `json:"expired,omitempty"`
}

// Settler closes tasks at epoch boundaries. It is the only code path by
// which AI results change consensus state, and it does so only through the
// validator registry and the task escrow.
type Settler struct {
	params Params
	scorer *Scorer
}

// NewSettler returns a Settler using params.
func NewSettler(params Params) *Settler {
	return &Settler{params: params, scorer: NewScorer(params)}
}

// Scorer returns the scorer the settler uses.
func (s *Settler) Scorer() *Scorer { return s.scorer }

// SettleEpoch closes every open task that is ready at epoch: results whose
// assessment window (the epoch they were submitted in) has passed with
// enough assessments are scored and paid, and tasks that timed out are
// refunded.
func (s *Settler) SettleEpoch(state core.State, reg *validator.Registry, epoch uint64) ([]Settlement, error) {
	store := NewStore(state)
	ids, err := store.OpenTasks()
	if err != nil {
		return nil, err
	}
	var out []Settlement
	for _, id := range ids {
		st, err := s.settleTask(state, store, reg, id, epoch)
		if err != nil {
			return nil, fmt.Errorf("settle task %s: %w", id, err)
		}
		if st != nil {
			out = append(out, *st)
		}
	}
	return out, nil
}

func (s *Settler) settleTask(state core.State, store *Store, reg *validator.Registry, id string, epoch uint64) (*Settlement, error) {
	task, err := store.GetTask(id)
	if err != nil {
		return nil, err
	}
	result, err := store.GetResult(id)
	if errors.Is(err, core.ErrNotFound) {
		if epoch < task.CreatedEpoch+s.params.TaskTimeout {
			return nil, nil
		}
		return s.expire(state, store, task)
	}
	if err != nil {
		return nil, err
	}
	if result.SubmittedEpoch >= epoch {
		return nil, nil
	}
	assessments, err := store.Assessments(id)
	if err != nil {
		return nil, err
	}
	if len(assessments) < s.params.MinAssessments {
		if epoch < result.SubmittedEpoch+s.params.TaskTimeout {
			return nil, nil
		}
		return s.expire(state, store, task)
	}

	weighted := make([]WeightedAssessment, 0, len(assessments))
	for _, a := range assessments {
		wa := WeightedAssessment{Assessment: a}
		if v, err := reg.Get(a.Assessor); err == nil {
			wa.Stake, wa.Trust = v.Stake, v.Score
		} else if !errors.Is(err, core.ErrNotFound) {
			return nil, err
		}
		weighted = append(weighted, wa)
	}
	outcome := s.scorer.Score(task, result, weighted)
	st := &Settlement{TaskID: id, Worker: result.Worker, Outcome: outcome}

	switch {
	case outcome.ProofValid && outcome.Quality >= s.params.RewardThreshold:
		st.Paid = mulScale(task.Reward, outcome.Quality)
		st.Refunded = task.Reward - st.Paid
		if err := payWorker(state, reg, result.Worker, st.Paid); err != nil {
			return nil, err
		}
	case outcome.ProofValid:
		st.Refunded = task.Reward
	default:
		st.Refunded = task.Reward
		if v, err := reg.Get(result.Worker); err == nil {
			st.Slashed, err = reg.ApplySlash(v.Address, mulScale(v.Stake, s.params.SlashFraction))
			if err != nil {
				return nil, err
			}
		} else if !errors.Is(err, core.ErrNotFound) {
			return nil, err
		}
	}
	if err := credit(state, task.Requester, st.Refunded); err != nil {
		return nil, err
	}
	if err := s.updateTrust(reg, weighted, outcome); err != nil {
		return nil, err
	}
	task.Quality = outcome.Quality
	if err := store.CloseTask(task, TaskSettled); err != nil {
		return nil, err
	}
	return st, nil
}

func (s *Settler) expire(state core.State, store *Store, task *Task) (*Settlement, error) {
	if err := credit(state, task.Requester, task.Reward); err != nil {
		return nil, err
	}
	if err := store.CloseTask(task, TaskExpired); err != nil {
		return nil, err
	}
	return &Settlement{TaskID: task.ID, Refunded: task.Reward, Expired: true}, nil
}

// updateTrust moves each assessor's trust toward its agreement with the
// outcome: closeness to the median for a valid proof, or having flagged an
// invalid one.
func (s *Settler) updateTrust(reg *validator.Registry, as []WeightedAssessment, o Outcome) error {
	for _, a := range as {
		v, err := reg.Get(a.Assessor)
		if errors.Is(err, core.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		var target uint64
		switch {
		case o.ProofValid && a.Verified:
			q := a.Quality
			if q > Scale {
				q = Scale
			}
			target = Scale - absDiff(q, o.Median)
		case !o.ProofValid && !a.Verified:
			target = Scale
		}
		if err := reg.UpdateScore(v.Address, ema(v.Score, target, s.params.TrustAlpha)); err != nil {
			return err
		}
	}
	return nil
}

func ema(old, target, alpha uint64) uint64 {
	if target >= old {
		return old + (target-old)*alpha/Scale
	}
	return old - (old-target)*alpha/Scale
}

func absDiff(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}

// mulScale returns v * frac / Scale without intermediate overflow.
func mulScale(v, frac uint64) uint64 {
	x := new(uint256.Int).Mul(uint256.NewInt(v), uint256.NewInt(frac))
	x.Div(x, uint256.NewInt(Scale))
	return x.Uint64()
}

func payWorker(state core.State, reg *validator.Registry, worker string, amount uint64) error {
	if amount == 0 {
		return nil
	}
	if v, err := reg.Get(worker); err == nil && v.Status != validator.StatusExiting {
		return reg.ApplyReward(worker, amount)
	} else if err != nil && !errors.Is(err, core.ErrNotFound) {
		return err
	}
	return credit(state, worker, amount)
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
		return errors.New("aiscore: balance overflows")
	}
	acc.Balance += amount
	return state.SetAccount(address, acc)
}
