package validator_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tolelom/poschain/core"
	"github.com/tolelom/poschain/internal/testutil"
	"github.com/tolelom/poschain/validator"
)

func addr(i int) string { return fmt.Sprintf("%040x", i) }

func newRegistry(t *testing.T) (*validator.Registry, core.State) {
	t.Helper()
	st := testutil.NewStateDB()
	return validator.NewRegistry(st, validator.DefaultParams()), st
}

func sumStakes(vs []*validator.Validator) uint64 {
	var s uint64
	for _, v := range vs {
		s += v.Stake
	}
	return s
}

func TestGenesisValidatorsAreActiveAndOrdered(t *testing.T) {
	reg, _ := newRegistry(t)
	for _, i := range []int{3, 1, 2} {
		require.NoError(t, reg.AddGenesis(addr(i), "pk", uint64(i*10)))
	}
	active, err := reg.Active()
	require.NoError(t, err)
	require.Len(t, active, 3)
	assert.Equal(t, []string{addr(1), addr(2), addr(3)},
		[]string{active[0].Address, active[1].Address, active[2].Address})

	total, err := reg.TotalStake()
	require.NoError(t, err)
	assert.Equal(t, uint64(60), total)
	assert.Equal(t, sumStakes(active), total)

	assert.ErrorIs(t, reg.AddGenesis(addr(1), "pk", 5), validator.ErrExists)
}

func TestAddActivatesAfterDelay(t *testing.T) {
	reg, _ := newRegistry(t)
	require.NoError(t, reg.Add(addr(1), "pk", 50, 4))

	v, err := reg.Get(addr(1))
	require.NoError(t, err)
	assert.Equal(t, validator.StatusPending, v.Status)
	assert.False(t, v.Active)
	assert.Equal(t, uint64(5), v.ActivationEpoch)

	total, err := reg.TotalStake()
	require.NoError(t, err)
	assert.Zero(t, total, "pending stake is not selectable")

	rot, err := reg.Rotate(4)
	require.NoError(t, err)
	assert.Empty(t, rot.Activated)

	rot, err = reg.Rotate(5)
	require.NoError(t, err)
	assert.Equal(t, []string{addr(1)}, rot.Activated)
	total, err = reg.TotalStake()
	require.NoError(t, err)
	assert.Equal(t, uint64(50), total)
}

func TestAddBelowMinimum(t *testing.T) {
	st := testutil.NewStateDB()
	params := validator.DefaultParams()
	params.MinStake = 100
	reg := validator.NewRegistry(st, params)
	assert.ErrorIs(t, reg.Add(addr(1), "pk", 99, 0), validator.ErrBelowMin)
}

func TestSlashClampsAndDeactivates(t *testing.T) {
	reg, _ := newRegistry(t)
	require.NoError(t, reg.AddGenesis(addr(1), "pk", 30))

	got, err := reg.ApplySlash(addr(1), 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), got)

	got, err = reg.ApplySlash(addr(1), 1000)
	require.NoError(t, err)
	assert.Equal(t, uint64(20), got)

	v, err := reg.Get(addr(1))
	require.NoError(t, err)
	assert.Zero(t, v.Stake)
	assert.False(t, v.Active)

	rot, err := reg.Rotate(1)
	require.NoError(t, err)
	assert.Equal(t, []string{addr(1)}, rot.Removed)
	_, err = reg.Get(addr(1))
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestTopUpAfterSlashReactivates(t *testing.T) {
	reg, _ := newRegistry(t)
	require.NoError(t, reg.AddGenesis(addr(1), "pk", 100))
	_, err := reg.ApplySlash(addr(1), 1000)
	require.NoError(t, err)

	require.NoError(t, reg.Add(addr(1), "pk", 500, 2))
	v, err := reg.Get(addr(1))
	require.NoError(t, err)
	assert.Equal(t, validator.StatusPending, v.Status)
	assert.Equal(t, uint64(3), v.ActivationEpoch)

	rot, err := reg.Rotate(2)
	require.NoError(t, err)
	assert.Empty(t, rot.Removed)
	assert.Empty(t, rot.Activated)
	rot, err = reg.Rotate(3)
	require.NoError(t, err)
	assert.Equal(t, []string{addr(1)}, rot.Activated)

	v, err = reg.Get(addr(1))
	require.NoError(t, err)
	assert.True(t, v.Active)
	total, err := reg.TotalStake()
	require.NoError(t, err)
	assert.Equal(t, uint64(500), total)
}

func TestTopUpAfterSlashChecksMinimum(t *testing.T) {
	st := testutil.NewStateDB()
	params := validator.DefaultParams()
	params.MinStake = 100
	reg := validator.NewRegistry(st, params)
	require.NoError(t, reg.AddGenesis(addr(1), "pk", 100))
	_, err := reg.ApplySlash(addr(1), 100)
	require.NoError(t, err)

	assert.ErrorIs(t, reg.Add(addr(1), "pk", 50, 0), validator.ErrBelowMin)
	v, err := reg.Get(addr(1))
	require.NoError(t, err)
	assert.Zero(t, v.Stake)
	assert.False(t, v.Active)
}

func TestSlashAmount(t *testing.T) {
	p := validator.DefaultParams()
	assert.Equal(t, uint64(10), p.SlashAmount(100))
	assert.Equal(t, uint64(1), p.SlashAmount(5), "a set share burns at least one unit")
	assert.Zero(t, p.SlashAmount(0))

	p.ViolationSlash = validator.ScoreScale
	assert.Equal(t, uint64(1<<63), p.SlashAmount(1<<63))
	p.ViolationSlash = 0
	assert.Zero(t, p.SlashAmount(100))

	p.ViolationSlash = validator.ScoreScale + 1
	assert.Error(t, p.Validate())
}

func TestExitReturnsStakeAfterDelay(t *testing.T) {
	reg, st := newRegistry(t)
	require.NoError(t, reg.AddGenesis(addr(1), "pk", 40))
	require.NoError(t, reg.AddGenesis(addr(2), "pk", 60))

	require.NoError(t, reg.RequestExit(addr(1), 10))
	total, err := reg.TotalStake()
	require.NoError(t, err)
	assert.Equal(t, uint64(60), total)

	rot, err := reg.Rotate(11)
	require.NoError(t, err)
	assert.Empty(t, rot.Exited)

	rot, err = reg.Rotate(12)
	require.NoError(t, err)
	assert.Equal(t, []string{addr(1)}, rot.Exited)
	assert.Equal(t, uint64(40), rot.Released)

	acc, err := st.GetAccount(addr(1))
	require.NoError(t, err)
	assert.Equal(t, uint64(40), acc.Balance)

	all, err := reg.All()
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestUnbondPartialAndFull(t *testing.T) {
	st := testutil.NewStateDB()
	params := validator.DefaultParams()
	params.MinStake = 10
	reg := validator.NewRegistry(st, params)
	require.NoError(t, reg.AddGenesis(addr(1), "pk", 100))

	require.NoError(t, reg.Unbond(addr(1), 30, 0))
	v, err := reg.Get(addr(1))
	require.NoError(t, err)
	assert.Equal(t, uint64(70), v.Stake)
	assert.Equal(t, uint64(30), v.Unbonding)
	assert.True(t, v.Active)

	_, err = reg.Rotate(2)
	require.NoError(t, err)
	acc, err := st.GetAccount(addr(1))
	require.NoError(t, err)
	assert.Equal(t, uint64(30), acc.Balance)

	require.NoError(t, reg.Unbond(addr(1), 65, 3))
	v, err = reg.Get(addr(1))
	require.NoError(t, err)
	assert.Equal(t, validator.StatusExiting, v.Status, "remainder below min stake exits fully")
}

func TestSecondUnbondRestartsDelay(t *testing.T) {
	reg, st := newRegistry(t)
	require.NoError(t, reg.AddGenesis(addr(1), "pk", 100))
	require.NoError(t, reg.Unbond(addr(1), 10, 0))
	require.NoError(t, reg.Unbond(addr(1), 10, 1))

	v, err := reg.Get(addr(1))
	require.NoError(t, err)
	assert.Equal(t, uint64(20), v.Unbonding)
	assert.Equal(t, uint64(3), v.UnbondingEpoch)

	rot, err := reg.Rotate(2)
	require.NoError(t, err)
	assert.Zero(t, rot.Released, "the first tranche waits for the second")
	rot, err = reg.Rotate(3)
	require.NoError(t, err)
	assert.Equal(t, uint64(20), rot.Released)
	acc, err := st.GetAccount(addr(1))
	require.NoError(t, err)
	assert.Equal(t, uint64(20), acc.Balance)
}

func TestRewardAndScore(t *testing.T) {
	reg, _ := newRegistry(t)
	require.NoError(t, reg.AddGenesis(addr(1), "pk", 10))
	require.NoError(t, reg.ApplyReward(addr(1), 5))
	require.NoError(t, reg.UpdateScore(addr(1), 2*validator.ScoreScale))
	require.NoError(t, reg.MarkActive(addr(1), 7))
	require.NoError(t, reg.MarkActive(addr(1), 3))

	v, err := reg.Get(addr(1))
	require.NoError(t, err)
	assert.Equal(t, uint64(15), v.Stake)
	assert.Equal(t, validator.ScoreScale, v.Score)
	assert.Equal(t, uint64(7), v.LastActiveEpoch)
}

func TestTotalStakeMatchesSumAfterMutations(t *testing.T) {
	reg, _ := newRegistry(t)
	for i := 1; i <= 6; i++ {
		require.NoError(t, reg.AddGenesis(addr(i), "pk", uint64(i*7)))
	}
	check := func() {
		active, err := reg.Active()
		require.NoError(t, err)
		total, err := reg.TotalStake()
		require.NoError(t, err)
		assert.Equal(t, sumStakes(active), total)
	}
	check()
	_, err := reg.ApplySlash(addr(2), 100)
	require.NoError(t, err)
	check()
	require.NoError(t, reg.ApplyReward(addr(3), 9))
	check()
	require.NoError(t, reg.RequestExit(addr(4), 0))
	check()
	_, err = reg.Remove(addr(5))
	require.NoError(t, err)
	check()
	_, err = reg.Rotate(5)
	require.NoError(t, err)
	check()
}

func TestRegistryFollowsItsState(t *testing.T) {
	reg, st := newRegistry(t)
	require.NoError(t, reg.AddGenesis(addr(1), "pk", 10))
	st.Rollback()
	all, err := reg.All()
	require.NoError(t, err)
	assert.Empty(t, all)
}
