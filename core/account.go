package core

import "errors"

// Account is the per-address record owned by the state engine.
// StorageRoot digests the account's auxiliary key/value storage; CodeHash
// digests the payload an account was created with (empty for key accounts).
type Account struct {
	Nonce       uint64 `json:"nonce"`
	Balance     uint64 `json:"balance"`
	StorageRoot string `json:"storage_root,omitempty"`
	CodeHash    string `json:"code_hash,omitempty"`
}

// Copy returns an independent copy of the account.
func (a *Account) Copy() *Account {
	cp := *a
	return &cp
}

// IsEmpty reports whether the account carries no value at all.
func (a *Account) IsEmpty() bool {
	return a.Nonce == 0 && a.Balance == 0 && a.StorageRoot == "" && a.CodeHash == ""
}

// State is the account-keyed state engine contract. Writes are buffered
// until Commit; reads observe buffered writes; Rollback discards them.
type State interface {
	// GetAccount returns ErrNotFound when the address has no account.
	GetAccount(address string) (*Account, error)
	SetAccount(address string, acc *Account) error

	// Account storage. Changing an entry refreshes the owner's StorageRoot
	// on commit.
	GetStorage(address, key string) ([]byte, error)
	SetStorage(address, key string, value []byte) error

	// Raw records under reserved prefixes (validator registry, AI tasks).
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Delete(key string) error

	// Snapshot marks a revert point inside the write buffer.
	Snapshot() int
	RevertToSnapshot(id int) error

	// Root returns the root the state would commit to, without committing.
	Root() (string, error)
	// Commit flushes the buffer into a new version and returns its root.
	Commit() (string, error)
	// CommitExpected commits only if the resulting root equals expected;
	// otherwise the buffer is discarded and ErrStateRootMismatch returned.
	CommitExpected(expected string) error
	// Rollback discards every buffered write.
	Rollback()
}

// AccountOrEmpty loads address from s, returning a zero account when absent.
func AccountOrEmpty(s State, address string) (*Account, error) {
	acc, err := s.GetAccount(address)
	if errors.Is(err, ErrNotFound) {
		return &Account{}, nil
	}
	if err != nil {
		return nil, err
	}
	return acc, nil
}
