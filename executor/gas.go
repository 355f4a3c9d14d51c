package executor

import (
	"fmt"
	"math"

	"github.com/tolelom/poschain/core"
)

// GasSchedule prices the work a transaction performs.
type GasSchedule struct {
	TxBase      uint64 `json:"tx_base" mapstructure:"tx_base"`
	PayloadByte uint64 `json:"payload_byte" mapstructure:"payload_byte"`
	Create      uint64 `json:"create" mapstructure:"create"`
	StoreByte   uint64 `json:"store_byte" mapstructure:"store_byte"`
	Stake       uint64 `json:"stake" mapstructure:"stake"`
	AITask      uint64 `json:"ai_task" mapstructure:"ai_task"`
	AIResult    uint64 `json:"ai_result" mapstructure:"ai_result"`
	AIAssess    uint64 `json:"ai_assess" mapstructure:"ai_assess"`
}

// DefaultGasSchedule returns the default prices. A plain transfer costs
// TxBase only.
func DefaultGasSchedule() GasSchedule {
	return GasSchedule{
		TxBase:      5,
		PayloadByte: 1,
		Create:      200,
		StoreByte:   2,
		Stake:       50,
		AITask:      100,
		AIResult:    80,
		AIAssess:    40,
	}
}

// Intrinsic returns the gas charged before any payload runs.
func (g GasSchedule) Intrinsic(tx *core.Transaction) uint64 {
	n := uint64(len(tx.Payload))
	if g.PayloadByte != 0 && n > (math.MaxUint64-g.TxBase)/g.PayloadByte {
		return math.MaxUint64
	}
	return g.TxBase + g.PayloadByte*n
}

// GasMeter tracks gas consumption against a limit.
type GasMeter struct {
	limit uint64
	used  uint64
}

// NewGasMeter returns a meter with the given limit.
func NewGasMeter(limit uint64) *GasMeter {
	return &GasMeter{limit: limit}
}

// Consume charges amount; exceeding the limit pins usage at the limit and
// returns core.ErrOutOfGas.
func (m *GasMeter) Consume(amount uint64, what string) error {
	if left := m.limit - m.used; amount > left {
		m.used = m.limit
		return fmt.Errorf("%w: %s needs %d, %d left", core.ErrOutOfGas, what, amount, left)
	}
	m.used += amount
	return nil
}

// Used returns the gas consumed so far.
func (m *GasMeter) Used() uint64 { return m.used }

// Remaining returns the gas left.
func (m *GasMeter) Remaining() uint64 { return m.limit - m.used }
