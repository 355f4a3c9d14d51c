// Package evidence holds the misbehaviour proofs a node has seen but not
// yet had included in a canonical block.
package evidence

import (
	"errors"
	"sync"

	"github.com/tolelom/poschain/core"
)

// Errors
var (
	ErrDuplicateEvidence = errors.New("duplicate evidence")
	ErrEvidenceExpired   = errors.New("evidence expired")
)

// Config holds evidence pool configuration.
type Config struct {
	// MaxAgeBlocks is how far behind the head an offending header may be
	// and still be worth including.
	MaxAgeBlocks uint64
	// MaxPending caps the pool; the oldest item is dropped when full.
	MaxPending int
}

// DefaultConfig returns the pool defaults.
func DefaultConfig() Config {
	return Config{MaxAgeBlocks: 64, MaxPending: 256}
}

// Pool keeps pending evidence in arrival order, one item per offense.
type Pool struct {
	mu      sync.Mutex
	config  Config
	pending []*core.Evidence
	offense map[string]struct{}
	height  uint64
}

// NewPool creates an empty pool.
func NewPool(config Config) *Pool {
	if config.MaxPending <= 0 {
		config.MaxPending = DefaultConfig().MaxPending
	}
	return &Pool{config: config, offense: make(map[string]struct{})}
}

// Add queues ev for inclusion.
func (p *Pool) Add(ev *core.Evidence) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := ev.Offense()
	if _, ok := p.offense[key]; ok {
		return ErrDuplicateEvidence
	}
	if p.expired(ev) {
		return ErrEvidenceExpired
	}
	if len(p.pending) >= p.config.MaxPending {
		delete(p.offense, p.pending[0].Offense())
		p.pending = p.pending[1:]
	}
	p.pending = append(p.pending, ev)
	p.offense[key] = struct{}{}
	return nil
}

// Pending returns up to max items, oldest first.
func (p *Pool) Pending(max int) []*core.Evidence {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.pending)
	if max >= 0 && max < n {
		n = max
	}
	out := make([]*core.Evidence, n)
	copy(out, p.pending)
	return out
}

// Remove drops the given items, matched by offense.
func (p *Pool) Remove(evs []*core.Evidence) {
	if len(evs) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	gone := make(map[string]struct{}, len(evs))
	for _, ev := range evs {
		gone[ev.Offense()] = struct{}{}
	}
	kept := p.pending[:0]
	for _, ev := range p.pending {
		if _, ok := gone[ev.Offense()]; ok {
			delete(p.offense, ev.Offense())
			continue
		}
		kept = append(kept, ev)
	}
	p.pending = kept
}

// Update records the head height and prunes expired evidence.
func (p *Pool) Update(height uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.height = height
	kept := p.pending[:0]
	for _, ev := range p.pending {
		if p.expired(ev) {
			delete(p.offense, ev.Offense())
			continue
		}
		kept = append(kept, ev)
	}
	p.pending = kept
}

// Size returns the number of pending items.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *Pool) expired(ev *core.Evidence) bool {
	return p.config.MaxAgeBlocks > 0 && ev.Header.Height+p.config.MaxAgeBlocks < p.height
}
