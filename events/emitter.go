// Package events is a small synchronous pub/sub broker for chain events.
package events

import (
	"log/slog"
	"sync"
)

// EventType labels what happened.
type EventType string

const (
	EventBlockCommit        EventType = "block_commit"
	EventBlockRejected      EventType = "block_rejected"
	EventBlockFinalized     EventType = "block_finalized"
	EventReorg              EventType = "reorg"
	EventTxExecuted         EventType = "tx_executed"
	EventValidatorRotation  EventType = "validator_rotation"
	EventAISettlement       EventType = "ai_settlement"
	EventConsensusViolation EventType = "consensus_violation"
	EventStateRootMismatch  EventType = "state_root_mismatch"
	EventViolationSlashed   EventType = "violation_slashed"
)

// Event carries a typed payload emitted after a state change.
type Event struct {
	Type        EventType      `json:"type"`
	TxID        string         `json:"tx_id,omitempty"`
	BlockHash   string         `json:"block_hash,omitempty"`
	BlockHeight uint64         `json:"block_height"`
	Data        map[string]any `json:"data,omitempty"`
}

// Handler is a callback invoked for matching events.
type Handler func(Event)

// Emitter is a simple pub/sub broker. Subscribe before Emit.
type Emitter struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	log      *slog.Logger
}

// NewEmitter creates an Emitter with no subscribers. A nil logger uses
// slog.Default().
func NewEmitter(logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		handlers: make(map[EventType][]Handler),
		log:      logger.With("component", "events"),
	}
}

// Subscribe registers h to be called whenever typ is emitted.
func (e *Emitter) Subscribe(typ EventType, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[typ] = append(e.handlers[typ], h)
}

// Emit delivers ev to all subscribers for ev.Type synchronously.
// Each handler is guarded by panic recovery so a misbehaving subscriber
// cannot crash the node or halt block production.
func (e *Emitter) Emit(ev Event) {
	e.mu.RLock()
	handlers := e.handlers[ev.Type]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.log.Error("handler panicked", "event", ev.Type, "panic", r)
				}
			}()
			h(ev)
		}()
	}
}
