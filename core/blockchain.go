package core

import (
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"
)

const blockCacheSize = 1024

// BlockStore is the persistence interface used by Blockchain. Every imported
// block is stored by hash whether or not it is canonical; the height index
// only covers the canonical chain. Implementations live in the storage
// package.
type BlockStore interface {
	PutBlock(block *Block, receipts []*Receipt) error
	GetBlock(hash string) (*Block, error)
	GetReceipts(blockHash string) ([]*Receipt, error)
	GetCanonicalHash(height uint64) (string, error)
	// ReplaceCanonical makes hashes[i] canonical at start+i, drops any
	// canonical entry above the last one and moves the head pointer, all in
	// one batch.
	ReplaceCanonical(start uint64, hashes []string) error
	// GetHead returns the canonical head hash, or ("", nil) for a fresh chain.
	GetHead() (string, error)
}

// Blockchain is the block index: every known block by hash plus the
// canonical chain by height. Fork resolution happens in consensus; this type
// only records its outcome.
type Blockchain struct {
	mu     sync.RWMutex
	store  BlockStore
	cache  *lru.ARCCache
	head   *Block
	height uint64
}

// NewBlockchain returns a Blockchain backed by store.
// Call Init() to load an existing head from storage.
func NewBlockchain(store BlockStore) *Blockchain {
	cache, _ := lru.NewARC(blockCacheSize)
	return &Blockchain{store: store, cache: cache}
}

// Init loads the persisted head from the block store.
func (bc *Blockchain) Init() error {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	headHash, err := bc.store.GetHead()
	if err != nil {
		return fmt.Errorf("get head: %w", err)
	}
	if headHash == "" {
		return nil
	}
	head, err := bc.store.GetBlock(headHash)
	if err != nil {
		return fmt.Errorf("load head block: %w", err)
	}
	bc.head = head
	bc.height = head.Header.Height
	return nil
}

// AddBlock persists a validated block with its receipts. It does not touch
// the canonical index.
func (bc *Blockchain) AddBlock(block *Block, receipts []*Receipt) error {
	if err := bc.store.PutBlock(block, receipts); err != nil {
		return fmt.Errorf("put block: %w", err)
	}
	bc.cache.Add(block.Hash(), block)
	return nil
}

// SetCanonical rewrites the canonical chain from height start. The last
// hash becomes the new head.
func (bc *Blockchain) SetCanonical(start uint64, hashes []string) error {
	if len(hashes) == 0 {
		return nil
	}
	head, err := bc.GetBlock(hashes[len(hashes)-1])
	if err != nil {
		return fmt.Errorf("load new head: %w", err)
	}

	bc.mu.Lock()
	defer bc.mu.Unlock()
	if err := bc.store.ReplaceCanonical(start, hashes); err != nil {
		return fmt.Errorf("replace canonical: %w", err)
	}
	bc.head = head
	bc.height = head.Header.Height
	return nil
}

// HasBlock reports whether hash is stored.
func (bc *Blockchain) HasBlock(hash string) bool {
	_, err := bc.GetBlock(hash)
	return err == nil
}

// GetBlock returns a block by its hash.
func (bc *Blockchain) GetBlock(hash string) (*Block, error) {
	if v, ok := bc.cache.Get(hash); ok {
		return v.(*Block), nil
	}
	b, err := bc.store.GetBlock(hash)
	if err != nil {
		return nil, err
	}
	bc.cache.Add(hash, b)
	return b, nil
}

// GetBlockByHeight returns the canonical block at the given height.
func (bc *Blockchain) GetBlockByHeight(height uint64) (*Block, error) {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	if bc.head == nil || height > bc.height {
		return nil, ErrNotFound
	}
	hash, err := bc.store.GetCanonicalHash(height)
	if err != nil {
		return nil, err
	}
	return bc.GetBlock(hash)
}

// IsCanonical reports whether hash is on the canonical chain.
func (bc *Blockchain) IsCanonical(hash string) bool {
	b, err := bc.GetBlock(hash)
	if err != nil {
		return false
	}
	canon, err := bc.GetBlockByHeight(b.Header.Height)
	return err == nil && canon.Hash() == hash
}

// Receipts returns the receipts stored with a block.
func (bc *Blockchain) Receipts(blockHash string) ([]*Receipt, error) {
	rs, err := bc.store.GetReceipts(blockHash)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("receipts for %s: %w", blockHash, ErrNotFound)
	}
	return rs, err
}

// Head returns the canonical head, or nil for a fresh chain.
func (bc *Blockchain) Head() *Block {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.head
}

// Height returns the height of the canonical head (0 for a fresh chain).
func (bc *Blockchain) Height() uint64 {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.height
}
