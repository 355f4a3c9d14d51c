package storage

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/tolelom/poschain/core"
	"github.com/tolelom/poschain/crypto"
)

// statePrefix namespaces state entries inside a DB so that blocks and
// indexes can share the same database.
const statePrefix = "state/"

// ErrStaleLayer is returned when reading a layer whose data has been
// superseded by a later Flatten.
var ErrStaleLayer = errors.New("state layer is stale")

// Layer is one committed version of the world state. A diff layer holds the
// writes of one block on top of its parent; the disk layer reads straight
// from the DB. Layers never change once created, except that Flatten turns a
// diff layer into the new disk layer, so any number of readers may share
// them.
type Layer struct {
	mu     sync.RWMutex
	db     DB
	parent *Layer
	diff   map[string][]byte // nil value marks a deletion
	root   string
	onDisk bool
	stale  bool
}

// OpenDiskLayer returns the disk layer for the state persisted in db.
func OpenDiskLayer(db DB) (*Layer, error) {
	l := &Layer{db: db, onDisk: true}
	entries, err := l.collect("")
	if err != nil {
		return nil, err
	}
	l.root = computeRoot(entries)
	return l, nil
}

// Root returns the state root of this version.
func (l *Layer) Root() string {
	return l.root
}

// OnDisk reports whether the layer has been persisted.
func (l *Layer) OnDisk() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.onDisk
}

// Get reads a raw state entry as of this version.
func (l *Layer) Get(key string) ([]byte, error) {
	for cur := l; cur != nil; {
		cur.mu.RLock()
		if cur.stale {
			cur.mu.RUnlock()
			return nil, ErrStaleLayer
		}
		if cur.onDisk {
			db := cur.db
			cur.mu.RUnlock()
			return db.Get([]byte(statePrefix + key))
		}
		if v, ok := cur.diff[key]; ok {
			cur.mu.RUnlock()
			if v == nil {
				return nil, core.ErrNotFound
			}
			return v, nil
		}
		next := cur.parent
		cur.mu.RUnlock()
		cur = next
	}
	return nil, core.ErrNotFound
}

// GetAccount reads an account as of this version.
func (l *Layer) GetAccount(address string) (*core.Account, error) {
	data, err := l.Get(accountKey(address))
	if err != nil {
		return nil, err
	}
	return decodeAccount(data)
}

// collect returns every entry under prefix as of this version.
func (l *Layer) collect(prefix string) (map[string][]byte, error) {
	l.mu.RLock()
	if l.stale {
		l.mu.RUnlock()
		return nil, ErrStaleLayer
	}
	if l.onDisk {
		db := l.db
		l.mu.RUnlock()
		out := make(map[string][]byte)
		it := db.NewIterator([]byte(statePrefix + prefix))
		defer it.Release()
		for it.Next() {
			k := strings.TrimPrefix(string(it.Key()), statePrefix)
			v := make([]byte, len(it.Value()))
			copy(v, it.Value())
			out[k] = v
		}
		return out, it.Error()
	}
	parent, diff := l.parent, l.diff
	l.mu.RUnlock()

	out, err := parent.collect(prefix)
	if err != nil {
		return nil, err
	}
	applyDiff(out, diff, prefix)
	return out, nil
}

func applyDiff(dst map[string][]byte, diff map[string][]byte, prefix string) {
	for k, v := range diff {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if v == nil {
			delete(dst, k)
		} else {
			dst[k] = v
		}
	}
}

// newChild creates a diff layer on top of l.
func (l *Layer) newChild(diff map[string][]byte, root string) *Layer {
	return &Layer{db: l.db, parent: l, diff: diff, root: root}
}

// Flatten persists l and every unpersisted ancestor into the DB in one batch
// and turns l into the disk layer. The previous disk layer and any branch
// not descending from l become stale.
func Flatten(l *Layer) error {
	var chain []*Layer
	var disk *Layer
	for cur := l; cur != nil; {
		cur.mu.RLock()
		if cur.stale {
			cur.mu.RUnlock()
			return ErrStaleLayer
		}
		if cur.onDisk {
			cur.mu.RUnlock()
			disk = cur
			break
		}
		chain = append(chain, cur)
		next := cur.parent
		cur.mu.RUnlock()
		cur = next
	}
	if disk == nil {
		return fmt.Errorf("flatten: layer has no disk ancestor")
	}
	if len(chain) == 0 {
		return nil
	}

	merged := make(map[string][]byte)
	for i := len(chain) - 1; i >= 0; i-- {
		for k, v := range chain[i].diff {
			merged[k] = v
		}
	}
	batch := disk.db.NewBatch()
	for k, v := range merged {
		if v == nil {
			batch.Delete([]byte(statePrefix + k))
		} else {
			batch.Set([]byte(statePrefix+k), v)
		}
	}

	disk.mu.Lock()
	l.mu.Lock()
	defer l.mu.Unlock()
	defer disk.mu.Unlock()
	if err := batch.Write(); err != nil {
		return fmt.Errorf("flatten: %w", err)
	}
	disk.stale = true
	l.onDisk = true
	l.parent = nil
	l.diff = nil
	for _, anc := range chain[1:] {
		anc.mu.Lock()
		anc.stale = true
		anc.parent = nil
		anc.mu.Unlock()
	}
	return nil
}

// computeRoot returns the Merkle root over the sorted entries. Each leaf is
// the length-prefixed encoding of one key/value pair.
func computeRoot(entries map[string][]byte) string {
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	leaves := make([][]byte, len(keys))
	var lenBuf [4]byte
	for i, k := range keys {
		var buf bytes.Buffer
		v := entries[k]
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(k)))
		buf.Write(lenBuf[:])
		buf.WriteString(k)
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(v)))
		buf.Write(lenBuf[:])
		buf.Write(v)
		leaves[i] = buf.Bytes()
	}
	return crypto.MerkleRoot(leaves)
}
