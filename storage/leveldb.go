package storage

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"github.com/tolelom/poschain/core"
)

// LevelDB implements DB using LevelDB.
type LevelDB struct {
	db *leveldb.DB
}

// NewLevelDB opens (or creates) a LevelDB database at path.
func NewLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %q: %w", path, err)
	}
	return &LevelDB{db: db}, nil
}

func (l *LevelDB) Get(key []byte) ([]byte, error) {
	val, err := l.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, core.ErrNotFound
	}
	return val, err
}

func (l *LevelDB) Set(key, value []byte) error {
	return l.db.Put(key, value, nil)
}

func (l *LevelDB) Delete(key []byte) error {
	return l.db.Delete(key, nil)
}

func (l *LevelDB) NewIterator(prefix []byte) Iterator {
	return l.db.NewIterator(util.BytesPrefix(prefix), nil)
}

func (l *LevelDB) NewBatch() Batch {
	return &levelBatch{db: l.db, b: new(leveldb.Batch)}
}

func (l *LevelDB) Close() error {
	return l.db.Close()
}

type levelBatch struct {
	db *leveldb.DB
	b  *leveldb.Batch
}

func (b *levelBatch) Set(key, value []byte) { b.b.Put(key, value) }
func (b *levelBatch) Delete(key []byte)     { b.b.Delete(key) }
func (b *levelBatch) Write() error          { return b.db.Write(b.b, nil) }
func (b *levelBatch) Reset()                { b.b.Reset() }

// ---- BlockStore implementation ----

const (
	prefixBlock     = "block:"
	prefixReceipts  = "rcpt:"
	prefixCanonical = "canon:"
	keyHead         = "chain:head"
)

// LevelBlockStore implements core.BlockStore on top of any DB.
type LevelBlockStore struct {
	db DB
}

// NewLevelBlockStore wraps a DB as a BlockStore.
func NewLevelBlockStore(db DB) *LevelBlockStore {
	return &LevelBlockStore{db: db}
}

func canonicalKey(height uint64) []byte {
	k := make([]byte, len(prefixCanonical)+8)
	copy(k, prefixCanonical)
	binary.BigEndian.PutUint64(k[len(prefixCanonical):], height)
	return k
}

func (s *LevelBlockStore) PutBlock(block *core.Block, receipts []*core.Receipt) error {
	data, err := block.Encode()
	if err != nil {
		return err
	}
	rdata, err := json.Marshal(receipts)
	if err != nil {
		return err
	}
	hash := block.Hash()
	batch := s.db.NewBatch()
	batch.Set([]byte(prefixBlock+hash), data)
	batch.Set([]byte(prefixReceipts+hash), rdata)
	return batch.Write()
}

func (s *LevelBlockStore) GetBlock(hash string) (*core.Block, error) {
	data, err := s.db.Get([]byte(prefixBlock + hash))
	if err != nil {
		return nil, err
	}
	return core.DecodeBlock(data)
}

func (s *LevelBlockStore) GetReceipts(blockHash string) ([]*core.Receipt, error) {
	data, err := s.db.Get([]byte(prefixReceipts + blockHash))
	if err != nil {
		return nil, err
	}
	var rs []*core.Receipt
	if err := json.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("decode receipts: %w", err)
	}
	return rs, nil
}

func (s *LevelBlockStore) GetCanonicalHash(height uint64) (string, error) {
	v, err := s.db.Get(canonicalKey(height))
	if err != nil {
		return "", err
	}
	return string(v), nil
}

func (s *LevelBlockStore) ReplaceCanonical(start uint64, hashes []string) error {
	if len(hashes) == 0 {
		return nil
	}
	batch := s.db.NewBatch()
	for i, h := range hashes {
		batch.Set(canonicalKey(start+uint64(i)), []byte(h))
	}
	// Drop stale entries left over from a longer previous branch.
	last := start + uint64(len(hashes)) - 1
	for h := last + 1; ; h++ {
		if _, err := s.db.Get(canonicalKey(h)); err != nil {
			if errors.Is(err, core.ErrNotFound) {
				break
			}
			return err
		}
		batch.Delete(canonicalKey(h))
	}
	batch.Set([]byte(keyHead), []byte(hashes[len(hashes)-1]))
	return batch.Write()
}

func (s *LevelBlockStore) GetHead() (string, error) {
	val, err := s.db.Get([]byte(keyHead))
	if errors.Is(err, core.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(val), nil
}
