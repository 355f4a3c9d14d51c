// Package aiscore turns AI-task results and validator assessments into a
// consensus quality score and settles it into the validator registry.
//
// The core never interprets a task or checks a proof itself: each assessing
// validator reports an opaque (verified, raw_quality) tuple, and only those
// tuples feed the score.
package aiscore

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/tolelom/poschain/validator"
)

// Scale is the fixed-point denominator for qualities and trust values.
// Scores are kept as integers so that every node settles identically.
const Scale = validator.ScoreScale

// TaskKind is the closed set of task categories the chain accepts.
type TaskKind uint8

const (
	TextGeneration TaskKind = iota + 1
	Classification
	ImageGeneration
	Embedding
	Inference
)

var kindNames = map[TaskKind]string{
	TextGeneration:  "text_generation",
	Classification:  "classification",
	ImageGeneration: "image_generation",
	Embedding:       "embedding",
	Inference:       "inference",
}

// ErrUnknownKind is returned for a task kind outside the closed set.
var ErrUnknownKind = errors.New("unknown task kind")

func (k TaskKind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("TaskKind(%d)", uint8(k))
}

// Valid reports whether k is one of the known kinds.
func (k TaskKind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// ParseTaskKind maps a kind name back to its TaskKind.
func ParseTaskKind(s string) (TaskKind, error) {
	for k, n := range kindNames {
		if strings.EqualFold(n, s) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

func (k TaskKind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, uint8(k))
	}
	return []byte(k.String()), nil
}

func (k *TaskKind) UnmarshalText(b []byte) error {
	parsed, err := ParseTaskKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// TaskStatus tracks a task through its lifecycle.
type TaskStatus string

const (
	TaskOpen    TaskStatus = "open"
	TaskSettled TaskStatus = "settled"
	TaskExpired TaskStatus = "expired"
)

// Task is a requester's escrowed work order.
type Task struct {
	ID           string     `json:"id"`
	Kind         TaskKind   `json:"kind"`
	ModelHash    string     `json:"model_hash"`
	Requester    string     `json:"requester"`
	Reward       uint64     `json:"reward"`
	CreatedEpoch uint64     `json:"created_epoch"`
	Status       TaskStatus `json:"status"`
	Quality      uint64     `json:"quality,omitempty"`
}

// Result is a worker's answer to a task. Proof is opaque to the chain.
type Result struct {
	TaskID         string `json:"task_id"`
	Worker         string `json:"worker"`
	ResultDigest   string `json:"result_digest"`
	Proof          []byte `json:"proof,omitempty"`
	SubmittedEpoch uint64 `json:"submitted_epoch"`
}

// Assessment is one validator's verdict on a result.
type Assessment struct {
	Assessor string `json:"assessor"`
	Verified bool   `json:"verified"`
	Quality  uint64 `json:"quality"` // raw quality in Scale units
}

// QualityFromFloat converts a raw [0,1] quality into Scale units, clamping
// out-of-range and NaN inputs.
func QualityFromFloat(q float64) uint64 {
	if math.IsNaN(q) || q <= 0 {
		return 0
	}
	if q >= 1 {
		return Scale
	}
	return uint64(math.Round(q * float64(Scale)))
}

// ToFloat converts a Scale-unit value back to [0,1].
func ToFloat(v uint64) float64 {
	return float64(v) / float64(Scale)
}

// Params configure scoring and settlement.
type Params struct {
	// Exponent is the bonding-curve power applied to the median quality.
	Exponent uint `json:"exponent" mapstructure:"exponent"`
	// RewardThreshold is the minimum final quality that earns the reward.
	RewardThreshold uint64 `json:"reward_threshold" mapstructure:"reward_threshold"`
	// SlashFraction of the worker's stake is slashed on a failed proof.
	SlashFraction uint64 `json:"slash_fraction" mapstructure:"slash_fraction"`
	// TrustAlpha is the EMA weight given to the newest assessor agreement.
	TrustAlpha uint64 `json:"trust_alpha" mapstructure:"trust_alpha"`
	// MinAssessments needed before a result can be settled.
	MinAssessments int `json:"min_assessments" mapstructure:"min_assessments"`
	// TaskTimeout is the number of epochs a task may stay without a result.
	TaskTimeout uint64 `json:"task_timeout" mapstructure:"task_timeout"`
}

// DefaultParams returns the scoring defaults.
func DefaultParams() Params {
	return Params{
		Exponent:        2,
		RewardThreshold: Scale / 4,
		SlashFraction:   Scale / 10,
		TrustAlpha:      Scale / 5,
		MinAssessments:  1,
		TaskTimeout:     8,
	}
}

// Validate rejects unusable parameters.
func (p Params) Validate() error {
	if p.Exponent == 0 {
		return errors.New("aiscore: exponent must be >= 1")
	}
	if p.Exponent > 16 {
		return errors.New("aiscore: exponent must be <= 16")
	}
	for name, v := range map[string]uint64{
		"reward_threshold": p.RewardThreshold,
		"slash_fraction":   p.SlashFraction,
		"trust_alpha":      p.TrustAlpha,
	} {
		if v > Scale {
			return fmt.Errorf("aiscore: %s %d exceeds %d", name, v, Scale)
		}
	}
	if p.MinAssessments < 1 {
		return errors.New("aiscore: min_assessments must be >= 1")
	}
	return nil
}
