package executor_test

import (
	"encoding/json"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tolelom/poschain/aiscore"
	"github.com/tolelom/poschain/core"
	"github.com/tolelom/poschain/crypto"
	"github.com/tolelom/poschain/executor"
	_ "github.com/tolelom/poschain/executor/modules"
	"github.com/tolelom/poschain/internal/testutil"
	"github.com/tolelom/poschain/storage"
	"github.com/tolelom/poschain/validator"
)

const chainID = "test-chain"

var producer = testutil.Address(900)

func newExec() *executor.Executor {
	return executor.New(executor.DefaultParams(), crypto.Ed25519{})
}

func bctx() *executor.BlockContext {
	return &executor.BlockContext{ChainID: chainID, Height: 1, Slot: 1, Producer: producer}
}

func account(t *testing.T, s core.State, addr string) *core.Account {
	t.Helper()
	acc, err := core.AccountOrEmpty(s, addr)
	require.NoError(t, err)
	return acc
}

func payload(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestTransferScenario(t *testing.T) {
	st := testutil.NewStateDB()
	a, b := testutil.Address(1), testutil.Address(2)
	testutil.Fund(t, st, a, 100)

	tx := testutil.SignedTx(chainID, 1, 0, b, 30, 1, 10, nil)
	rcpt, err := newExec().Execute(bctx(), tx, st)
	require.NoError(t, err)
	assert.True(t, rcpt.Success)
	assert.Equal(t, uint64(10), rcpt.Fee)
	assert.Equal(t, tx.Hash(), rcpt.TxHash)

	acc := account(t, st, a)
	assert.Equal(t, uint64(60), acc.Balance)
	assert.Equal(t, uint64(1), acc.Nonce)
	assert.Equal(t, uint64(30), account(t, st, b).Balance)
	assert.Equal(t, uint64(10), account(t, st, producer).Balance)
}

func TestRejectionsLeaveStateUntouched(t *testing.T) {
	a, b := testutil.Address(1), testutil.Address(2)
	cases := []struct {
		name string
		tx   func() *core.Transaction
		want error
	}{
		{"bad signature", func() *core.Transaction {
			tx := testutil.SignedTx(chainID, 1, 0, b, 1, 1, 10, nil)
			tx.Value = 2
			return tx
		}, core.ErrInvalidSignature},
		{"nonce too high", func() *core.Transaction {
			return testutil.SignedTx(chainID, 1, 5, b, 1, 1, 10, nil)
		}, core.ErrNonceTooHigh},
		{"insufficient balance", func() *core.Transaction {
			return testutil.SignedTx(chainID, 1, 0, b, 95, 1, 10, nil)
		}, core.ErrInsufficientBalance},
		{"wrong chain", func() *core.Transaction {
			return testutil.SignedTx("other", 1, 0, b, 1, 1, 10, nil)
		}, core.ErrWrongChain},
		{"fee overflow", func() *core.Transaction {
			return testutil.SignedTx(chainID, 1, 0, b, 1, 1<<40, 1<<40, nil)
		}, core.ErrInsufficientBalance},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := testutil.NewStateDB()
			testutil.Fund(t, st, a, 100)
			before, err := st.Root()
			require.NoError(t, err)

			rcpt, err := newExec().Execute(bctx(), tc.tx(), st)
			assert.Nil(t, rcpt)
			assert.ErrorIs(t, err, tc.want)
			assert.True(t, core.IsRejection(err))

			after, err := st.Root()
			require.NoError(t, err)
			assert.Equal(t, before, after)
		})
	}
}

func TestNonceTooLow(t *testing.T) {
	st := testutil.NewStateDB()
	a, b := testutil.Address(1), testutil.Address(2)
	testutil.Fund(t, st, a, 100)
	ex := newExec()

	_, err := ex.Execute(bctx(), testutil.SignedTx(chainID, 1, 0, b, 1, 1, 10, nil), st)
	require.NoError(t, err)
	_, err = ex.Execute(bctx(), testutil.SignedTx(chainID, 1, 0, b, 2, 1, 10, nil), st)
	assert.ErrorIs(t, err, core.ErrNonceTooLow)
}

func TestOutOfGasRevertsButCharges(t *testing.T) {
	st := testutil.NewStateDB()
	a, b := testutil.Address(1), testutil.Address(2)
	testutil.Fund(t, st, a, 100)

	// Intrinsic gas of a plain transfer is 5; a limit of 3 runs out.
	tx := testutil.SignedTx(chainID, 1, 0, b, 30, 2, 3, nil)
	rcpt, err := newExec().Execute(bctx(), tx, st)
	require.NoError(t, err)
	assert.False(t, rcpt.Success)
	assert.Contains(t, rcpt.Error, core.ErrOutOfGas.Error())
	assert.Equal(t, uint64(3), rcpt.GasUsed)

	acc := account(t, st, a)
	assert.Equal(t, uint64(94), acc.Balance, "fee charged, value not transferred")
	assert.Equal(t, uint64(1), acc.Nonce)
	assert.Zero(t, account(t, st, b).Balance)
}

func TestPayloadFailureRevertsEffects(t *testing.T) {
	st := testutil.NewStateDB()
	a, b := testutil.Address(1), testutil.Address(2)
	testutil.Fund(t, st, a, 1000)

	tx := testutil.SignedTx(chainID, 1, 0, b, 50, 1, 500, []byte(`{"op":"no_such_op"}`))
	rcpt, err := newExec().Execute(bctx(), tx, st)
	require.NoError(t, err)
	assert.False(t, rcpt.Success)
	assert.Empty(t, rcpt.Logs)

	acc := account(t, st, a)
	assert.Equal(t, uint64(500), acc.Balance)
	assert.Equal(t, uint64(1), acc.Nonce)
	assert.Zero(t, account(t, st, b).Balance)
}

func TestStoreOp(t *testing.T) {
	st := testutil.NewStateDB()
	a := testutil.Address(1)
	testutil.Fund(t, st, a, 1000)

	p := payload(t, map[string]any{"op": "store", "key": "greeting", "value": []byte("hi")})
	rcpt, err := newExec().Execute(bctx(), testutil.SignedTx(chainID, 1, 0, a, 0, 1, 500, p), st)
	require.NoError(t, err)
	require.True(t, rcpt.Success, rcpt.Error)
	require.Len(t, rcpt.Logs, 1)

	v, err := st.GetStorage(a, "greeting")
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), v)

	_, err = st.Commit()
	require.NoError(t, err)
	assert.NotEmpty(t, account(t, st, a).StorageRoot)
}

func TestCreationTx(t *testing.T) {
	st := testutil.NewStateDB()
	a := testutil.Address(1)
	testutil.Fund(t, st, a, 1000)

	code := []byte("opaque code blob")
	tx := testutil.SignedTx(chainID, 1, 0, "", 25, 1, 500, code)
	rcpt, err := newExec().Execute(bctx(), tx, st)
	require.NoError(t, err)
	require.True(t, rcpt.Success, rcpt.Error)
	require.Equal(t, core.CreatedAddress(a, 0), rcpt.ContractAddress)

	created := account(t, st, rcpt.ContractAddress)
	assert.Equal(t, crypto.Hash(code), created.CodeHash)
	assert.Equal(t, uint64(25), created.Balance)
}

func TestStakeAndUnstakeOps(t *testing.T) {
	st := testutil.NewStateDB()
	a := testutil.Address(1)
	testutil.Fund(t, st, a, 1000)
	ex := newExec()

	p := payload(t, map[string]any{"op": "stake", "amount": 300})
	rcpt, err := ex.Execute(bctx(), testutil.SignedTx(chainID, 1, 0, a, 0, 1, 200, p), st)
	require.NoError(t, err)
	require.True(t, rcpt.Success, rcpt.Error)
	assert.Equal(t, uint64(500), account(t, st, a).Balance)

	reg := validator.NewRegistry(st, validator.DefaultParams())
	v, err := reg.Get(a)
	require.NoError(t, err)
	assert.Equal(t, uint64(300), v.Stake)
	assert.Equal(t, testutil.Key(1).Public().Hex(), v.PublicKey)
	assert.Equal(t, validator.StatusPending, v.Status)

	p = payload(t, map[string]any{"op": "unstake"})
	rcpt, err = ex.Execute(bctx(), testutil.SignedTx(chainID, 1, 1, a, 0, 1, 200, p), st)
	require.NoError(t, err)
	require.True(t, rcpt.Success, rcpt.Error)
	v, err = reg.Get(a)
	require.NoError(t, err)
	assert.Equal(t, validator.StatusExiting, v.Status)

	p = payload(t, map[string]any{"op": "stake", "amount": 10_000})
	rcpt, err = ex.Execute(bctx(), testutil.SignedTx(chainID, 1, 2, a, 0, 1, 200, p), st)
	require.NoError(t, err)
	assert.False(t, rcpt.Success, "stake beyond balance fails in the payload")
}

func TestAITaskLifecycleOps(t *testing.T) {
	st := testutil.NewStateDB()
	requester, worker, assessor := testutil.Address(1), testutil.Address(2), testutil.Address(3)
	for _, a := range []string{requester, worker, assessor} {
		testutil.Fund(t, st, a, 10_000)
	}
	reg := validator.NewRegistry(st, validator.DefaultParams())
	require.NoError(t, reg.AddGenesis(assessor, testutil.Key(3).Public().Hex(), 100))
	ex := newExec()

	taskTx := testutil.SignedTx(chainID, 1, 0, requester, 0, 1, 1000,
		payload(t, map[string]any{"op": "ai_task", "kind": "inference", "model_hash": "m1", "reward": 400}))
	rcpt, err := ex.Execute(bctx(), taskTx, st)
	require.NoError(t, err)
	require.True(t, rcpt.Success, rcpt.Error)
	assert.Equal(t, uint64(10_000-1000-400), account(t, st, requester).Balance)

	resTx := testutil.SignedTx(chainID, 2, 0, worker, 0, 1, 1000,
		payload(t, map[string]any{"op": "ai_result", "task_id": taskTx.Hash(), "result_digest": "d1"}))
	rcpt, err = ex.Execute(bctx(), resTx, st)
	require.NoError(t, err)
	require.True(t, rcpt.Success, rcpt.Error)

	selfAssess := testutil.SignedTx(chainID, 2, 1, worker, 0, 1, 1000,
		payload(t, map[string]any{"op": "ai_assess", "task_id": taskTx.Hash(), "verified": true, "quality": 1.0}))
	rcpt, err = ex.Execute(bctx(), selfAssess, st)
	require.NoError(t, err)
	assert.False(t, rcpt.Success, "non-validator cannot assess")

	assessTx := testutil.SignedTx(chainID, 3, 0, assessor, 0, 1, 1000,
		payload(t, map[string]any{"op": "ai_assess", "task_id": taskTx.Hash(), "verified": true, "quality": 0.9}))
	rcpt, err = ex.Execute(bctx(), assessTx, st)
	require.NoError(t, err)
	require.True(t, rcpt.Success, rcpt.Error)

	store := aiscore.NewStore(st)
	as, err := store.Assessments(taskTx.Hash())
	require.NoError(t, err)
	require.Len(t, as, 1)
	assert.Equal(t, aiscore.QualityFromFloat(0.9), as[0].Quality)

	badKind := testutil.SignedTx(chainID, 1, 1, requester, 0, 1, 1000,
		payload(t, map[string]any{"op": "ai_task", "kind": "astrology", "model_hash": "m", "reward": 1}))
	rcpt, err = ex.Execute(bctx(), badKind, st)
	require.NoError(t, err)
	assert.False(t, rcpt.Success)
}

// randomSequence builds a deterministic mix of valid, failing and rejected
// transactions among a few accounts.
func randomSequence(seed int64, n int) []*core.Transaction {
	r := rand.New(rand.NewSource(seed))
	nonces := map[int]uint64{}
	var txs []*core.Transaction
	for i := 0; i < n; i++ {
		from := r.Intn(4)
		to := testutil.Address(r.Intn(4))
		nonce := nonces[from]
		if r.Intn(10) == 0 {
			nonce += 3 // rejected
		} else {
			nonces[from]++
		}
		var p []byte
		switch r.Intn(4) {
		case 0:
			p = []byte(`{"op":"store","key":"k","value":"dg=="}`)
		case 1:
			p = []byte(`{"op":"bogus"}`)
		}
		txs = append(txs, testutil.SignedTx(chainID, from, nonce, to, uint64(r.Intn(50)), 1, uint64(3+r.Intn(200)), p))
	}
	return txs
}

func replay(t *testing.T, txs []*core.Transaction) (string, map[string]uint64) {
	t.Helper()
	st := testutil.NewStateDB()
	for i := 0; i < 4; i++ {
		testutil.Fund(t, st, testutil.Address(i), 5_000)
	}
	ex := newExec()
	for _, tx := range txs {
		_, _ = ex.Execute(bctx(), tx, st)
	}
	root, err := st.Commit()
	require.NoError(t, err)
	nonces := map[string]uint64{}
	for i := 0; i < 4; i++ {
		nonces[testutil.Address(i)] = account(t, st, testutil.Address(i)).Nonce
	}
	return root, nonces
}

func TestReplayIsDeterministic(t *testing.T) {
	txs := randomSequence(42, 200)
	r1, n1 := replay(t, txs)
	r2, n2 := replay(t, txs)
	assert.Equal(t, r1, r2)
	assert.Equal(t, n1, n2)
}

func TestNonceIncrementsOnceWhenGatePasses(t *testing.T) {
	st := testutil.NewStateDB()
	for i := 0; i < 4; i++ {
		testutil.Fund(t, st, testutil.Address(i), 5_000)
	}
	ex := newExec()
	for _, tx := range randomSequence(7, 200) {
		before := account(t, st, tx.From).Nonce
		rcpt, err := ex.Execute(bctx(), tx, st)
		after := account(t, st, tx.From).Nonce
		if err != nil {
			assert.Nil(t, rcpt)
			assert.Equal(t, before, after, "rejected tx must not touch the nonce")
			continue
		}
		assert.Equal(t, before+1, after, "success=%v", rcpt.Success)
	}
}

func TestExecutorWorksAcrossForkStates(t *testing.T) {
	base := testutil.NewStateDB()
	a, b := testutil.Address(1), testutil.Address(2)
	testutil.Fund(t, base, a, 100)
	_, err := base.Commit()
	require.NoError(t, err)

	ex := newExec()
	tx := testutil.SignedTx(chainID, 1, 0, b, 30, 1, 10, nil)
	for i := 0; i < 2; i++ {
		fork := storage.NewStateDBAt(base.Base())
		rcpt, err := ex.Execute(bctx(), tx, fork)
		require.NoError(t, err)
		assert.True(t, rcpt.Success)
	}
}

func TestOpsRegistered(t *testing.T) {
	assert.Subset(t, executor.Ops(), []string{"ai_assess", "ai_result", "ai_task", "stake", "store", "unstake"})
}
