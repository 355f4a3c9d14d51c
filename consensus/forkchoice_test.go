package consensus_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tolelom/poschain/consensus"
	"github.com/tolelom/poschain/core"
)

func genesisBlock() *core.Block {
	return &core.Block{Header: core.BlockHeader{ChainID: "fc", ParentHash: core.ZeroHash}}
}

func child(parent *core.Block, tag string) *core.Block {
	return &core.Block{Header: core.BlockHeader{
		ChainID:    "fc",
		Height:     parent.Header.Height + 1,
		Slot:       parent.Header.Slot + 1,
		ParentHash: parent.Hash(),
		Producer:   tag,
	}}
}

func insert(t *testing.T, fc *consensus.ForkChoice, b *core.Block, stake uint64) *consensus.Update {
	t.Helper()
	require.NoError(t, fc.Propose(b))
	up, err := fc.Accept(b.Hash(), stake)
	require.NoError(t, err)
	return up
}

func TestHeavierForkWins(t *testing.T) {
	g := genesisBlock()
	fc := consensus.NewForkChoice(g, 10)

	a1 := child(g, "a")
	up := insert(t, fc, a1, 60)
	assert.Equal(t, a1.Hash(), up.Head)
	assert.Equal(t, []string{a1.Hash()}, up.Canonical)

	b1 := child(g, "b")
	up = insert(t, fc, b1, 40)
	assert.Equal(t, a1.Hash(), up.Head, "60 beats 40")
	assert.Empty(t, up.Canonical)
	assert.Equal(t, consensus.StatusValidated, fc.Status(b1.Hash()))

	b2 := child(b1, "b")
	up = insert(t, fc, b2, 40)
	assert.Equal(t, b2.Hash(), up.Head, "80 beats 60")
	assert.True(t, up.Reorg)
	assert.Equal(t, []string{a1.Hash()}, up.Orphaned)
	assert.Equal(t, []string{b1.Hash(), b2.Hash()}, up.Canonical)
	assert.Equal(t, uint64(1), up.CanonicalFrom)
	assert.Equal(t, consensus.StatusValidated, fc.Status(a1.Hash()))
	assert.Equal(t, consensus.StatusCanonicalCandidate, fc.Status(b1.Hash()))
	assert.Equal(t, uint64(80), fc.Weight(b2.Hash()).Uint64())
}

func TestEqualWeightPrefersSmallerHash(t *testing.T) {
	g := genesisBlock()
	x, y := child(g, "x"), child(g, "y")
	want := x.Hash()
	if y.Hash() < want {
		want = y.Hash()
	}

	for _, order := range [][]*core.Block{{x, y}, {y, x}} {
		fc := consensus.NewForkChoice(g, 10)
		for _, b := range order {
			insert(t, fc, b, 5)
		}
		head, _ := fc.Head()
		assert.Equal(t, want, head)
	}
}

func TestZeroStakeStillCountsOne(t *testing.T) {
	g := genesisBlock()
	fc := consensus.NewForkChoice(g, 10)
	b := child(g, "z")
	insert(t, fc, b, 0)
	assert.Equal(t, uint64(1), fc.Weight(b.Hash()).Uint64())
}

func TestFinalizationAndConflictingChain(t *testing.T) {
	g := genesisBlock()
	fc := consensus.NewForkChoice(g, 3)

	chain := []*core.Block{g}
	var finalized []string
	for h := 1; h <= 53; h++ {
		b := child(chain[len(chain)-1], "main")
		up := insert(t, fc, b, 10)
		finalized = append(finalized, up.Finalized...)
		chain = append(chain, b)
	}
	hash, height := fc.Finalized()
	assert.Equal(t, uint64(50), height)
	assert.Equal(t, chain[50].Hash(), hash)
	require.Len(t, finalized, 50)
	assert.Equal(t, chain[1].Hash(), finalized[0])
	assert.Equal(t, consensus.StatusFinalized, fc.Status(chain[50].Hash()))

	// A heavy competitor forking below the finalized block is refused.
	rival := child(chain[49], "rival")
	err := fc.Propose(rival)
	assert.ErrorIs(t, err, core.ErrConsensusViolation)
	assert.ErrorIs(t, fc.Check(child(chain[10], "old")), core.ErrConsensusViolation)

	// Forking from the finalized block itself is fine.
	side := child(chain[50], "side")
	require.NoError(t, fc.Propose(side))
	_, err = fc.Accept(side.Hash(), 1000)
	require.NoError(t, err)
	head, _ := fc.Head()
	assert.Equal(t, side.Hash(), head, "heavier side branch above finality reorgs")
}

func TestFinalizationPrunesSideBranches(t *testing.T) {
	g := genesisBlock()
	fc := consensus.NewForkChoice(g, 1)

	a1 := child(g, "a")
	insert(t, fc, a1, 10)
	x2 := child(a1, "x")
	b2 := child(a1, "b")
	insert(t, fc, b2, 10)
	insert(t, fc, x2, 1)

	b3 := child(b2, "b")
	up := insert(t, fc, b3, 10)
	assert.Equal(t, []string{b2.Hash()}, up.Finalized)
	assert.Contains(t, up.Pruned, x2.Hash())
	assert.Equal(t, consensus.StatusUnknown, fc.Status(x2.Hash()))
	assert.ErrorIs(t, fc.Check(child(x2, "x")), core.ErrConsensusViolation)
	assert.Equal(t, 2, fc.Len())
}

func TestUnknownAndRejectedParents(t *testing.T) {
	g := genesisBlock()
	fc := consensus.NewForkChoice(g, 5)

	orphan := child(child(g, "missing"), "o")
	assert.ErrorIs(t, fc.Propose(orphan), core.ErrUnknownParent)

	bad := child(g, "bad")
	require.NoError(t, fc.Propose(bad))
	assert.ErrorIs(t, fc.Check(child(bad, "c")), core.ErrUnknownParent, "parent not validated yet")
	fc.Reject(bad.Hash())
	assert.Equal(t, consensus.StatusRejected, fc.Status(bad.Hash()))
	assert.ErrorIs(t, fc.Check(child(bad, "c")), core.ErrInvalidBlock)
	assert.ErrorIs(t, fc.Check(bad), core.ErrInvalidBlock)

	good := child(g, "good")
	insert(t, fc, good, 1)
	assert.ErrorIs(t, fc.Propose(good), core.ErrDuplicateBlock)

	wrongHeight := child(good, "h")
	wrongHeight.Header.Height = 7
	assert.ErrorIs(t, fc.Check(wrongHeight), core.ErrInvalidBlock)
}

func TestHeadTracksLongRandomishTree(t *testing.T) {
	g := genesisBlock()
	fc := consensus.NewForkChoice(g, 100)
	tips := []*core.Block{g}
	for i := 0; i < 60; i++ {
		parent := tips[(i*7)%len(tips)]
		b := child(parent, fmt.Sprintf("n%d", i))
		insert(t, fc, b, uint64(i%5+1))
		tips = append(tips, b)
	}
	// Head must be the heaviest known block.
	head, _ := fc.Head()
	best := fc.Weight(head)
	for _, b := range tips[1:] {
		w := fc.Weight(b.Hash())
		require.NotNil(t, w)
		assert.False(t, w.Gt(best), "block %s heavier than head", b.Hash())
	}
}
