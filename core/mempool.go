package core

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

const maxMempoolSize = 10_000

// Mempool errors.
var (
	ErrMempoolFull = errors.New("mempool full")
	ErrKnownTx     = errors.New("tx already in pool")
)

// Mempool is a thread-safe pending-transaction pool. It runs only the
// stateless checks; nonce and balance are checked at execution time, and a
// rejected tx is simply dropped.
type Mempool struct {
	mu      sync.RWMutex
	chainID string
	limit   int
	txs     map[string]*Transaction
	ord     []string // insertion-ordered IDs for deterministic pending iteration
}

// NewMempool creates an empty mempool accepting transactions for chainID.
func NewMempool(chainID string) *Mempool {
	return &Mempool{chainID: chainID, limit: maxMempoolSize, txs: make(map[string]*Transaction)}
}

// Add validates and inserts a transaction.
func (m *Mempool) Add(tx *Transaction) error {
	if tx.ChainID != m.chainID {
		return fmt.Errorf("%w: got %q want %q", ErrWrongChain, tx.ChainID, m.chainID)
	}
	if err := tx.ValidateBasic(); err != nil {
		return err
	}
	if _, ok := tx.MaxCost(); !ok {
		return fmt.Errorf("%w: cost overflows", ErrMalformedTx)
	}
	if err := tx.Verify(); err != nil {
		return err
	}
	id := tx.Hash()
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.txs[id]; exists {
		return ErrKnownTx
	}
	if len(m.txs) >= m.limit {
		return ErrMempoolFull
	}
	m.txs[id] = tx
	m.ord = append(m.ord, id)
	return nil
}

// Get returns a transaction by ID.
func (m *Mempool) Get(id string) (*Transaction, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.txs[id]
	return tx, ok
}

// Pending returns up to n pending transactions. Transactions from one
// sender are ordered by nonce; senders keep their first-seen order.
func (m *Mempool) Pending(n int) []*Transaction {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bySender := make(map[string][]*Transaction)
	var senders []string
	for _, id := range m.ord {
		tx, ok := m.txs[id]
		if !ok {
			continue
		}
		if _, seen := bySender[tx.From]; !seen {
			senders = append(senders, tx.From)
		}
		bySender[tx.From] = append(bySender[tx.From], tx)
	}
	result := make([]*Transaction, 0, n)
	for _, s := range senders {
		txs := bySender[s]
		sort.SliceStable(txs, func(i, j int) bool { return txs[i].Nonce < txs[j].Nonce })
		for _, tx := range txs {
			if len(result) >= n {
				return result
			}
			result = append(result, tx)
		}
	}
	return result
}

// Remove deletes transactions by ID (called after block import).
func (m *Mempool) Remove(ids []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := make(map[string]bool, len(ids))
	for _, id := range ids {
		delete(m.txs, id)
		removed[id] = true
	}
	filtered := m.ord[:0]
	for _, id := range m.ord {
		if !removed[id] {
			filtered = append(filtered, id)
		}
	}
	m.ord = filtered
}

// Size returns the current number of pending transactions.
func (m *Mempool) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.txs)
}
