package storage_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tolelom/poschain/core"
	"github.com/tolelom/poschain/internal/testutil"
)

func mkBlock(height uint64, parent string) *core.Block {
	return &core.Block{Header: core.BlockHeader{
		ChainID:    "test",
		Height:     height,
		Slot:       height,
		ParentHash: parent,
	}}
}

func TestBlockStoreCanonicalReplace(t *testing.T) {
	bs := testutil.NewBlockStore()

	head, err := bs.GetHead()
	require.NoError(t, err)
	assert.Empty(t, head)

	g := mkBlock(0, core.ZeroHash)
	a1 := mkBlock(1, g.Hash())
	a2 := mkBlock(2, a1.Hash())
	b1 := mkBlock(1, g.Hash())
	b1.Header.Slot = 7
	for _, b := range []*core.Block{g, a1, a2, b1} {
		require.NoError(t, bs.PutBlock(b, []*core.Receipt{{TxHash: "x", Success: true}}))
	}

	require.NoError(t, bs.ReplaceCanonical(0, []string{g.Hash(), a1.Hash(), a2.Hash()}))
	h, err := bs.GetCanonicalHash(2)
	require.NoError(t, err)
	assert.Equal(t, a2.Hash(), h)

	require.NoError(t, bs.ReplaceCanonical(1, []string{b1.Hash()}))
	head, err = bs.GetHead()
	require.NoError(t, err)
	assert.Equal(t, b1.Hash(), head)
	_, err = bs.GetCanonicalHash(2)
	assert.ErrorIs(t, err, core.ErrNotFound)

	got, err := bs.GetBlock(a2.Hash())
	require.NoError(t, err)
	assert.Equal(t, a2.Hash(), got.Hash(), "non-canonical blocks stay retrievable")

	rs, err := bs.GetReceipts(b1.Hash())
	require.NoError(t, err)
	require.Len(t, rs, 1)
	assert.True(t, rs[0].Success)
}
