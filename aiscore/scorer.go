package aiscore

import (
	"sort"

	"github.com/holiman/uint256"
)

// WeightedAssessment is an assessment together with the assessor's stake
// and trust at scoring time.
type WeightedAssessment struct {
	Assessment
	Stake uint64
	Trust uint64 // Scale units
}

// Outcome is the result of scoring one task result.
type Outcome struct {
	ProofValid bool   `json:"proof_valid"`
	Median     uint64 `json:"median"`  // weighted median raw quality
	Quality    uint64 `json:"quality"` // final score after the exponent
}

// Score returns the final quality as a float in [0,1].
func (o Outcome) Score() float64 { return ToFloat(o.Quality) }

// Scorer computes consensus quality. It is pure: it never touches state.
type Scorer struct {
	params Params
}

// NewScorer returns a Scorer using params.
func NewScorer(params Params) *Scorer {
	return &Scorer{params: params}
}

// Score combines the proof gate and the weighted median of the raw
// qualities. The proof counts as valid only if assessors holding a strict
// majority of the assessing stake report it verified; otherwise the score
// is 0. Raw qualities are weighted by stake times trust.
func (s *Scorer) Score(task *Task, result *Result, assessments []WeightedAssessment) Outcome {
	if task == nil || result == nil || result.TaskID != task.ID || len(assessments) == 0 {
		return Outcome{}
	}
	if !proofVerified(assessments) {
		return Outcome{}
	}
	median := weightedMedian(assessments)
	return Outcome{
		ProofValid: true,
		Median:     median,
		Quality:    pow(median, s.params.Exponent),
	}
}

func proofVerified(as []WeightedAssessment) bool {
	yes, total := new(uint256.Int), new(uint256.Int)
	for _, a := range as {
		w := uint256.NewInt(a.Stake)
		total.Add(total, w)
		if a.Verified {
			yes.Add(yes, w)
		}
	}
	if total.IsZero() {
		// No stake behind any verdict: fall back to a head count.
		n := 0
		for _, a := range as {
			if a.Verified {
				n++
			}
		}
		return 2*n > len(as)
	}
	return new(uint256.Int).Lsh(yes, 1).Gt(total)
}

// weightedMedian returns the lower weighted median of the raw qualities.
// Equal weights are used when every weight is zero.
func weightedMedian(as []WeightedAssessment) uint64 {
	type entry struct {
		quality  uint64
		assessor string
		weight   *uint256.Int
	}
	entries := make([]entry, len(as))
	total := new(uint256.Int)
	for i, a := range as {
		q := a.Quality
		if q > Scale {
			q = Scale
		}
		w := new(uint256.Int).Mul(uint256.NewInt(a.Stake), uint256.NewInt(a.Trust))
		entries[i] = entry{quality: q, assessor: a.Assessor, weight: w}
		total.Add(total, w)
	}
	if total.IsZero() {
		for i := range entries {
			entries[i].weight = uint256.NewInt(1)
		}
		total = uint256.NewInt(uint64(len(entries)))
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].quality != entries[j].quality {
			return entries[i].quality < entries[j].quality
		}
		return entries[i].assessor < entries[j].assessor
	})

	acc := new(uint256.Int)
	twice := new(uint256.Int)
	for _, e := range entries {
		acc.Add(acc, e.weight)
		if twice.Lsh(acc, 1).Cmp(total) >= 0 {
			return e.quality
		}
	}
	return entries[len(entries)-1].quality
}

// pow raises a Scale-unit value to an integer power, staying in Scale units.
func pow(q uint64, exp uint) uint64 {
	if exp == 0 {
		return Scale
	}
	out := q
	for i := uint(1); i < exp; i++ {
		out = out * q / Scale
	}
	return out
}
