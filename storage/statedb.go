package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/tolelom/poschain/core"
	"github.com/tolelom/poschain/crypto"
)

const (
	prefixAccount = "acct:"
	prefixStorage = "stor:"
)

func accountKey(address string) string { return prefixAccount + address }

func storageKey(address, key string) string { return prefixStorage + address + ":" + key }

func decodeAccount(data []byte) (*core.Account, error) {
	var acc core.Account
	if err := json.Unmarshal(data, &acc); err != nil {
		return nil, fmt.Errorf("decode account: %w", err)
	}
	return &acc, nil
}

type stateSnapshot struct {
	dirty   map[string][]byte
	deleted map[string]bool
}

// StateDB implements core.State as a mutable write buffer on top of a
// committed Layer. Commit turns the buffer into a child layer and moves the
// StateDB onto it.
type StateDB struct {
	base      *Layer
	dirty     map[string][]byte
	deleted   map[string]bool
	snapshots []stateSnapshot
}

// NewStateDB opens the persisted state of db.
func NewStateDB(db DB) (*StateDB, error) {
	disk, err := OpenDiskLayer(db)
	if err != nil {
		return nil, err
	}
	return NewStateDBAt(disk), nil
}

// NewStateDBAt returns a StateDB whose reads start at layer.
func NewStateDBAt(layer *Layer) *StateDB {
	return &StateDB{
		base:    layer,
		dirty:   make(map[string][]byte),
		deleted: make(map[string]bool),
	}
}

// Base returns the committed layer the buffer sits on.
func (s *StateDB) Base() *Layer { return s.base }

// ---- internal helpers ----

func (s *StateDB) get(key string) ([]byte, error) {
	if s.deleted[key] {
		return nil, core.ErrNotFound
	}
	if v, ok := s.dirty[key]; ok {
		return v, nil
	}
	return s.base.Get(key)
}

func (s *StateDB) set(key string, val []byte) {
	delete(s.deleted, key)
	s.dirty[key] = val
}

func (s *StateDB) del(key string) {
	delete(s.dirty, key)
	s.deleted[key] = true
}

// ---- Account ----

func (s *StateDB) GetAccount(address string) (*core.Account, error) {
	data, err := s.get(accountKey(address))
	if err != nil {
		return nil, err
	}
	return decodeAccount(data)
}

func (s *StateDB) SetAccount(address string, acc *core.Account) error {
	data, err := json.Marshal(acc)
	if err != nil {
		return err
	}
	s.set(accountKey(address), data)
	return nil
}

// ---- Account storage ----

func (s *StateDB) GetStorage(address, key string) ([]byte, error) {
	return s.get(storageKey(address, key))
}

// SetStorage writes an entry; an empty value deletes it.
func (s *StateDB) SetStorage(address, key string, value []byte) error {
	if !crypto.IsAddress(address) {
		return fmt.Errorf("storage owner %q is not an address", address)
	}
	if len(value) == 0 {
		s.del(storageKey(address, key))
		return nil
	}
	s.set(storageKey(address, key), value)
	return nil
}

// ---- Raw records ----

func (s *StateDB) Get(key string) ([]byte, error) { return s.get(key) }

func (s *StateDB) Set(key string, value []byte) error {
	if strings.HasPrefix(key, prefixAccount) || strings.HasPrefix(key, prefixStorage) {
		return fmt.Errorf("raw key %q uses a reserved prefix", key)
	}
	s.set(key, value)
	return nil
}

func (s *StateDB) Delete(key string) error {
	s.del(key)
	return nil
}

// ---- Snapshot / Rollback / Commit ----

// Snapshot saves the current write buffer and returns a snapshot ID.
func (s *StateDB) Snapshot() int {
	snap := stateSnapshot{
		dirty:   make(map[string][]byte, len(s.dirty)),
		deleted: make(map[string]bool, len(s.deleted)),
	}
	for k, v := range s.dirty {
		snap.dirty[k] = v
	}
	for k, v := range s.deleted {
		snap.deleted[k] = v
	}
	s.snapshots = append(s.snapshots, snap)
	return len(s.snapshots) - 1
}

// RevertToSnapshot restores the write buffer to a previously saved snapshot
// and drops it together with every later snapshot. Buffered values are
// never mutated in place, so sharing the value slices is safe.
func (s *StateDB) RevertToSnapshot(id int) error {
	if id < 0 || id >= len(s.snapshots) {
		return fmt.Errorf("invalid snapshot id %d", id)
	}
	snap := s.snapshots[id]
	s.dirty = make(map[string][]byte, len(snap.dirty))
	for k, v := range snap.dirty {
		s.dirty[k] = v
	}
	s.deleted = make(map[string]bool, len(snap.deleted))
	for k, v := range snap.deleted {
		s.deleted[k] = v
	}
	s.snapshots = s.snapshots[:id]
	return nil
}

// Rollback discards every buffered write.
func (s *StateDB) Rollback() {
	s.dirty = make(map[string][]byte)
	s.deleted = make(map[string]bool)
	s.snapshots = nil
}

// refreshStorageRoots recomputes StorageRoot for every account whose
// storage changed in the buffer.
func (s *StateDB) refreshStorageRoots() error {
	owners := make(map[string]struct{})
	note := func(k string) {
		if !strings.HasPrefix(k, prefixStorage) {
			return
		}
		rest := k[len(prefixStorage):]
		if i := strings.IndexByte(rest, ':'); i > 0 {
			owners[rest[:i]] = struct{}{}
		}
	}
	for k := range s.dirty {
		note(k)
	}
	for k := range s.deleted {
		note(k)
	}
	if len(owners) == 0 {
		return nil
	}

	addrs := make([]string, 0, len(owners))
	for a := range owners {
		addrs = append(addrs, a)
	}
	sort.Strings(addrs)
	for _, addr := range addrs {
		prefix := prefixStorage + addr + ":"
		entries, err := s.base.collect(prefix)
		if err != nil {
			return err
		}
		s.overlay(entries, prefix)

		acc, err := core.AccountOrEmpty(s, addr)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			acc.StorageRoot = ""
		} else {
			trimmed := make(map[string][]byte, len(entries))
			for k, v := range entries {
				trimmed[strings.TrimPrefix(k, prefix)] = v
			}
			acc.StorageRoot = computeRoot(trimmed)
		}
		if err := s.SetAccount(addr, acc); err != nil {
			return err
		}
	}
	return nil
}

// overlay applies the buffer to entries restricted to prefix.
func (s *StateDB) overlay(entries map[string][]byte, prefix string) {
	for k, v := range s.dirty {
		if strings.HasPrefix(k, prefix) {
			entries[k] = v
		}
	}
	for k := range s.deleted {
		if strings.HasPrefix(k, prefix) {
			delete(entries, k)
		}
	}
}

// diff returns the buffer as a layer diff.
func (s *StateDB) diff() map[string][]byte {
	d := make(map[string][]byte, len(s.dirty)+len(s.deleted))
	for k, v := range s.dirty {
		d[k] = v
	}
	for k := range s.deleted {
		d[k] = nil
	}
	return d
}

// Root returns the root that Commit would produce, without committing.
// Storage roots are refreshed into the buffer as a side effect.
func (s *StateDB) Root() (string, error) {
	if err := s.refreshStorageRoots(); err != nil {
		return "", err
	}
	if len(s.dirty) == 0 && len(s.deleted) == 0 {
		return s.base.Root(), nil
	}
	entries, err := s.base.collect("")
	if err != nil {
		return "", err
	}
	s.overlay(entries, "")
	return computeRoot(entries), nil
}

// Commit seals the buffer into a new child layer, moves onto it and
// returns its root.
func (s *StateDB) Commit() (string, error) {
	root, err := s.Root()
	if err != nil {
		return "", err
	}
	s.base = s.base.newChild(s.diff(), root)
	s.Rollback()
	return root, nil
}

// CommitExpected commits only when the resulting root equals expected. On
// mismatch the whole buffer is discarded.
func (s *StateDB) CommitExpected(expected string) error {
	root, err := s.Root()
	if err != nil {
		s.Rollback()
		return err
	}
	if root != expected {
		s.Rollback()
		return fmt.Errorf("%w: computed %s, header %s", core.ErrStateRootMismatch, root, expected)
	}
	_, err = s.Commit()
	return err
}

var _ core.State = (*StateDB)(nil)

// IsStale reports whether err came from reading a superseded layer.
func IsStale(err error) bool { return errors.Is(err, ErrStaleLayer) }
