// Package testutil provides in-memory backends and fixtures for tests
// across the module. Never import this in production code.
package testutil

import "github.com/tolelom/poschain/storage"

// NewMemDB creates an empty in-memory DB.
func NewMemDB() *storage.MemDB { return storage.NewMemDB() }

// NewStateDB returns a storage.StateDB backed by a fresh MemDB.
func NewStateDB() *storage.StateDB {
	s, err := storage.NewStateDB(NewMemDB())
	if err != nil {
		panic(err)
	}
	return s
}

// NewBlockStore returns a block store over a fresh MemDB.
func NewBlockStore() *storage.LevelBlockStore {
	return storage.NewLevelBlockStore(NewMemDB())
}
