package wallet_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tolelom/poschain/core"
	"github.com/tolelom/poschain/crypto"
	"github.com/tolelom/poschain/executor"
	"github.com/tolelom/poschain/internal/testutil"
	"github.com/tolelom/poschain/validator"
	"github.com/tolelom/poschain/wallet"
)

const chainID = "wallet-test"

func TestKeystoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.key")
	w, err := wallet.Generate()
	require.NoError(t, err)
	require.NoError(t, wallet.SaveKey(path, "hunter2", w.PrivKey()))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	priv, err := wallet.LoadKey(path, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, w.Address(), wallet.New(priv).Address())

	_, err = wallet.LoadKey(path, "wrong")
	assert.ErrorIs(t, err, wallet.ErrWrongPassword)
}

func TestKeystoreDetectsSwappedPubKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.key")
	require.NoError(t, wallet.SaveKey(path, "pw", testutil.Key(1)))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var ks map[string]any
	require.NoError(t, json.Unmarshal(data, &ks))
	assert.Equal(t, testutil.Address(1), ks["address"])
	ks["pub_key"] = testutil.Key(2).Public().Hex()
	data, err = json.Marshal(ks)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	_, err = wallet.LoadKey(path, "pw")
	assert.ErrorIs(t, err, wallet.ErrWrongPassword)
}

func TestTransferIsSigned(t *testing.T) {
	w := wallet.New(testutil.Key(1))
	tx, err := w.Transfer(chainID, testutil.Address(2), 40, 3, wallet.Gas{Price: 1, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, w.Address(), tx.From)
	assert.Equal(t, uint64(3), tx.Nonce)
	assert.Empty(t, tx.Payload)
	require.NoError(t, tx.Verify())
}

func TestOpTransactionsExecute(t *testing.T) {
	st := testutil.NewStateDB()
	w := wallet.New(testutil.Key(1))
	testutil.Fund(t, st, w.Address(), 5000)
	ex := executor.New(executor.DefaultParams(), crypto.Ed25519{})
	bctx := &executor.BlockContext{ChainID: chainID, Height: 1, Slot: 1, Producer: testutil.Address(9)}
	gas := wallet.Gas{Price: 1, Limit: 500}

	store, err := w.Store(chainID, "k", []byte("v"), 0, gas)
	require.NoError(t, err)
	stake, err := w.Stake(chainID, 300, 1, gas)
	require.NoError(t, err)
	for _, tx := range []*core.Transaction{store, stake} {
		rcpt, err := ex.Execute(bctx, tx, st)
		require.NoError(t, err)
		require.True(t, rcpt.Success, rcpt.Error)
	}

	v, err := st.GetStorage(w.Address(), "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
	val, err := validator.NewRegistry(st, validator.DefaultParams()).Get(w.Address())
	require.NoError(t, err)
	assert.Equal(t, uint64(300), val.Stake)
}

func TestNewTxRejectsOversizedPayload(t *testing.T) {
	w := wallet.New(testutil.Key(1))
	_, err := w.NewTx(chainID, 0, testutil.Address(2), 0, wallet.Gas{}, make([]byte, core.MaxPayloadSize+1))
	assert.ErrorIs(t, err, core.ErrMalformedTx)
}
