// Package indexer maintains secondary indexes over canonical blocks so
// clients can find a transaction or an address's history without scanning
// every block.
package indexer

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/tolelom/poschain/core"
	"github.com/tolelom/poschain/events"
	"github.com/tolelom/poschain/storage"
)

const (
	prefixTx   = "idx:tx:"
	prefixAddr = "idx:addr:"
)

// Location places a transaction inside a block.
type Location struct {
	BlockHash string `json:"block_hash"`
	Height    uint64 `json:"height"`
	Index     int    `json:"index"`
}

// Indexer subscribes to chain events and updates secondary lookup tables.
// A transaction can appear in several blocks across forks; every location
// is kept and the reader picks the canonical one.
type Indexer struct {
	mu      sync.Mutex
	db      storage.DB
	emitter *events.Emitter
}

// New creates an Indexer backed by db and subscribes to relevant events.
func New(db storage.DB, emitter *events.Emitter) *Indexer {
	idx := &Indexer{db: db, emitter: emitter}
	emitter.Subscribe(events.EventTxExecuted, idx.onTxExecuted)
	return idx
}

// Locations returns every block that included txHash.
func (idx *Indexer) Locations(txHash string) ([]Location, error) {
	var locs []Location
	if err := idx.getJSON(prefixTx+txHash, &locs); err != nil {
		return nil, err
	}
	return locs, nil
}

// TxsByAddress returns the hashes of transactions sent from or to address,
// oldest first.
func (idx *Indexer) TxsByAddress(address string) ([]string, error) {
	var ids []string
	if err := idx.getJSON(prefixAddr+address, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// ---- event handlers ----

func (idx *Indexer) onTxExecuted(ev events.Event) {
	if ev.TxID == "" || ev.BlockHash == "" {
		return
	}
	index, _ := ev.Data["index"].(int)
	from, _ := ev.Data["from"].(string)
	to, _ := ev.Data["to"].(string)

	idx.mu.Lock()
	defer idx.mu.Unlock()
	_ = idx.addLocation(ev.TxID, Location{BlockHash: ev.BlockHash, Height: ev.BlockHeight, Index: index})
	for _, addr := range []string{from, to} {
		if addr != "" {
			_ = idx.addToList(prefixAddr+addr, ev.TxID)
		}
	}
}

// ---- list helpers ----

func (idx *Indexer) getJSON(key string, v any) error {
	data, err := idx.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil // empty list
		}
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("indexer unmarshal: %w", err)
	}
	return nil
}

func (idx *Indexer) putJSON(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return idx.db.Set([]byte(key), data)
}

func (idx *Indexer) addLocation(txHash string, loc Location) error {
	locs, err := idx.Locations(txHash)
	if err != nil {
		return err
	}
	if slices.Contains(locs, loc) {
		return nil
	}
	return idx.putJSON(prefixTx+txHash, append(locs, loc))
}

func (idx *Indexer) addToList(key, value string) error {
	var ids []string
	if err := idx.getJSON(key, &ids); err != nil {
		return err
	}
	if slices.Contains(ids, value) {
		return nil
	}
	return idx.putJSON(key, append(ids, value))
}
