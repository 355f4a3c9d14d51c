package storage_test

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tolelom/poschain/core"
	"github.com/tolelom/poschain/internal/testutil"
	"github.com/tolelom/poschain/storage"
)

var (
	alice = strings.Repeat("a", 40)
	bob   = strings.Repeat("b", 40)
)

func TestStateReadsObserveBufferedWrites(t *testing.T) {
	s := testutil.NewStateDB()

	_, err := s.GetAccount(alice)
	assert.ErrorIs(t, err, core.ErrNotFound)

	require.NoError(t, s.SetAccount(alice, &core.Account{Balance: 100}))
	acc, err := s.GetAccount(alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), acc.Balance)

	s.Rollback()
	_, err = s.GetAccount(alice)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestCommitRootIsDeterministic(t *testing.T) {
	build := func(order []string) string {
		s := testutil.NewStateDB()
		for _, addr := range order {
			require.NoError(t, s.SetAccount(addr, &core.Account{Balance: 7}))
		}
		root, err := s.Commit()
		require.NoError(t, err)
		return root
	}
	assert.Equal(t, build([]string{alice, bob}), build([]string{bob, alice}))
}

func TestRootDoesNotCommit(t *testing.T) {
	s := testutil.NewStateDB()
	empty := s.Base().Root()

	require.NoError(t, s.SetAccount(alice, &core.Account{Balance: 1}))
	root, err := s.Root()
	require.NoError(t, err)
	assert.NotEqual(t, empty, root)
	assert.Equal(t, empty, s.Base().Root())

	committed, err := s.Commit()
	require.NoError(t, err)
	assert.Equal(t, root, committed)
	assert.Equal(t, root, s.Base().Root())
}

func TestSnapshotRevert(t *testing.T) {
	s := testutil.NewStateDB()
	require.NoError(t, s.SetAccount(alice, &core.Account{Balance: 10}))

	id := s.Snapshot()
	require.NoError(t, s.SetAccount(alice, &core.Account{Balance: 99}))
	require.NoError(t, s.SetAccount(bob, &core.Account{Balance: 5}))
	require.NoError(t, s.RevertToSnapshot(id))

	acc, err := s.GetAccount(alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), acc.Balance)
	_, err = s.GetAccount(bob)
	assert.ErrorIs(t, err, core.ErrNotFound)

	assert.Error(t, s.RevertToSnapshot(id), "snapshot is consumed by revert")
}

func TestCommitExpectedMismatchDiscardsBuffer(t *testing.T) {
	s := testutil.NewStateDB()
	before := s.Base()

	require.NoError(t, s.SetAccount(alice, &core.Account{Balance: 3}))
	err := s.CommitExpected("deadbeef")
	assert.ErrorIs(t, err, core.ErrStateRootMismatch)
	assert.Same(t, before, s.Base())

	_, err = s.GetAccount(alice)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestCommitExpectedMatch(t *testing.T) {
	scratch := testutil.NewStateDB()
	require.NoError(t, scratch.SetAccount(alice, &core.Account{Balance: 3}))
	want, err := scratch.Root()
	require.NoError(t, err)

	s := testutil.NewStateDB()
	require.NoError(t, s.SetAccount(alice, &core.Account{Balance: 3}))
	require.NoError(t, s.CommitExpected(want))
	assert.Equal(t, want, s.Base().Root())
}

func TestStorageRootTracksEntries(t *testing.T) {
	s := testutil.NewStateDB()
	require.NoError(t, s.SetAccount(alice, &core.Account{Balance: 1}))
	require.NoError(t, s.SetStorage(alice, "k", []byte("v")))
	_, err := s.Commit()
	require.NoError(t, err)

	acc, err := s.GetAccount(alice)
	require.NoError(t, err)
	require.NotEmpty(t, acc.StorageRoot)
	first := acc.StorageRoot

	require.NoError(t, s.SetStorage(alice, "k2", []byte("v2")))
	_, err = s.Commit()
	require.NoError(t, err)
	acc, err = s.GetAccount(alice)
	require.NoError(t, err)
	assert.NotEqual(t, first, acc.StorageRoot)

	require.NoError(t, s.SetStorage(alice, "k", nil))
	require.NoError(t, s.SetStorage(alice, "k2", nil))
	_, err = s.Commit()
	require.NoError(t, err)
	acc, err = s.GetAccount(alice)
	require.NoError(t, err)
	assert.Empty(t, acc.StorageRoot)
}

func TestRawKeysRejectReservedPrefixes(t *testing.T) {
	s := testutil.NewStateDB()
	assert.Error(t, s.Set("acct:"+alice, []byte("x")))
	require.NoError(t, s.Set("val:"+alice, []byte("x")))
	v, err := s.Get("val:" + alice)
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), v)
}

func TestForkedLayersAreIndependent(t *testing.T) {
	s := testutil.NewStateDB()
	require.NoError(t, s.SetAccount(alice, &core.Account{Balance: 100}))
	_, err := s.Commit()
	require.NoError(t, err)
	parent := s.Base()

	a := storage.NewStateDBAt(parent)
	require.NoError(t, a.SetAccount(alice, &core.Account{Balance: 60}))
	_, err = a.Commit()
	require.NoError(t, err)

	b := storage.NewStateDBAt(parent)
	require.NoError(t, b.SetAccount(alice, &core.Account{Balance: 40}))
	_, err = b.Commit()
	require.NoError(t, err)

	accA, err := a.Base().GetAccount(alice)
	require.NoError(t, err)
	accB, err := b.Base().GetAccount(alice)
	require.NoError(t, err)
	accP, err := parent.GetAccount(alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(60), accA.Balance)
	assert.Equal(t, uint64(40), accB.Balance)
	assert.Equal(t, uint64(100), accP.Balance)
}

func TestFlattenPersistsAndStalesSiblings(t *testing.T) {
	db := testutil.NewMemDB()
	s, err := storage.NewStateDB(db)
	require.NoError(t, err)
	require.NoError(t, s.SetAccount(alice, &core.Account{Balance: 100}))
	_, err = s.Commit()
	require.NoError(t, err)
	parent := s.Base()

	side := storage.NewStateDBAt(parent)
	require.NoError(t, side.SetAccount(bob, &core.Account{Balance: 1}))
	_, err = side.Commit()
	require.NoError(t, err)

	require.NoError(t, s.SetAccount(alice, &core.Account{Balance: 90}))
	root, err := s.Commit()
	require.NoError(t, err)
	head := s.Base()

	require.NoError(t, storage.Flatten(head))
	assert.True(t, head.OnDisk())

	reopened, err := storage.NewStateDB(db)
	require.NoError(t, err)
	assert.Equal(t, root, reopened.Base().Root())
	acc, err := reopened.GetAccount(alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(90), acc.Balance)

	_, err = side.Base().GetAccount(alice)
	assert.True(t, storage.IsStale(err), "side branch must not read the flattened state")
}

func TestLayerConcurrentReads(t *testing.T) {
	s := testutil.NewStateDB()
	require.NoError(t, s.SetAccount(alice, &core.Account{Balance: 5}))
	_, err := s.Commit()
	require.NoError(t, err)
	layer := s.Base()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			acc, err := layer.GetAccount(alice)
			if assert.NoError(t, err) {
				assert.Equal(t, uint64(5), acc.Balance)
			}
		}()
	}
	require.NoError(t, s.SetAccount(alice, &core.Account{Balance: 6}))
	_, err = s.Commit()
	require.NoError(t, err)
	wg.Wait()
}
