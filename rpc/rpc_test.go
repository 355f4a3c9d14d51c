package rpc_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tolelom/poschain/aiscore"
	"github.com/tolelom/poschain/chain"
	"github.com/tolelom/poschain/config"
	"github.com/tolelom/poschain/consensus"
	"github.com/tolelom/poschain/core"
	"github.com/tolelom/poschain/events"
	"github.com/tolelom/poschain/executor"
	"github.com/tolelom/poschain/indexer"
	"github.com/tolelom/poschain/internal/testutil"
	"github.com/tolelom/poschain/logging"
	"github.com/tolelom/poschain/metrics"
	"github.com/tolelom/poschain/rpc"
	"github.com/tolelom/poschain/storage"
)

const chainID = "rpc-test"

type fixture struct {
	chain *chain.Chain
	srv   *httptest.Server
}

func newFixture(t *testing.T, token string) *fixture {
	t.Helper()
	db := storage.NewMemDB()
	em := events.NewEmitter(logging.Discard())
	m := metrics.New(prometheus.NewRegistry())
	cfg := chain.Config{
		Consensus: consensus.Params{
			ChainID:        chainID,
			EpochLength:    8,
			MaxTxsPerBlock: 10,
			BlockGasLimit:  1000,
			Clock:          consensus.SlotClock{Genesis: time.UnixMilli(0), Duration: time.Second},
		},
		Executor: executor.DefaultParams(),
		AI:       aiscore.DefaultParams(),
		Depth:    2,
		Genesis: config.GenesisConfig{
			ChainID:    chainID,
			Alloc:      map[string]uint64{testutil.Address(10): 500},
			Validators: []config.GenesisValidator{{PubKey: testutil.Key(1).Public().Hex(), Stake: 100}},
		},
		Key:     testutil.Key(1),
		Logger:  logging.Discard(),
		Metrics: m,
		Emitter: em,
		Index:   indexer.New(db, em),
	}
	c, err := chain.New(cfg, db, storage.NewLevelBlockStore(db))
	require.NoError(t, err)

	s := rpc.NewServer("127.0.0.1:0", rpc.NewHandler(c), token, m.Handler(), logging.Discard())
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &fixture{chain: c, srv: srv}
}

func (f *fixture) call(t *testing.T, method string, params any, out any) *rpc.Error {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	body, err := json.Marshal(rpc.Request{JSONRPC: "2.0", ID: 1, Method: method, Params: raw})
	require.NoError(t, err)
	resp, err := http.Post(f.srv.URL, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *rpc.Error      `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	if envelope.Error != nil {
		return envelope.Error
	}
	if out != nil {
		require.NoError(t, json.Unmarshal(envelope.Result, out))
	}
	return nil
}

func TestAccountQueries(t *testing.T) {
	f := newFixture(t, "")
	var bal rpc.BalanceResult
	require.Nil(t, f.call(t, "getBalance", map[string]string{"address": testutil.Address(10)}, &bal))
	assert.Equal(t, uint64(500), bal.Balance)

	var acc core.Account
	require.Nil(t, f.call(t, "getAccount", map[string]string{"address": testutil.Address(3)}, &acc))
	assert.Zero(t, acc.Balance)

	rpcErr := f.call(t, "getNonce", map[string]string{}, nil)
	require.NotNil(t, rpcErr)
	assert.Equal(t, rpc.CodeInvalidParams, rpcErr.Code)

	var vals []map[string]any
	require.Nil(t, f.call(t, "getValidators", nil, &vals))
	assert.Len(t, vals, 1)
}

func TestSendTxThroughReceipt(t *testing.T) {
	f := newFixture(t, "")
	to := testutil.Address(11)
	tx := testutil.SignedTx(chainID, 10, 0, to, 7, 1, 10, nil)

	var sent rpc.SendTxResult
	require.Nil(t, f.call(t, "sendTx", tx, &sent))
	assert.True(t, sent.Accepted)
	assert.Equal(t, tx.Hash(), sent.TxHash)

	var size int
	require.Nil(t, f.call(t, "getMempoolSize", nil, &size))
	assert.Equal(t, 1, size)

	_, err := f.chain.ProduceBlock(context.Background(), 1)
	require.NoError(t, err)

	var rcpt rpc.ReceiptResult
	require.Nil(t, f.call(t, "getReceipt", map[string]string{"hash": tx.Hash()}, &rcpt))
	assert.True(t, rcpt.Receipt.Success)
	assert.Equal(t, uint64(1), rcpt.Height)

	var head rpc.BlockResult
	require.Nil(t, f.call(t, "getHead", nil, &head))
	assert.Equal(t, rcpt.BlockHash, head.Hash)
	assert.Equal(t, consensus.StatusCanonicalCandidate.String(), head.Status)

	var byHeight rpc.BlockResult
	require.Nil(t, f.call(t, "getBlock", map[string]uint64{"height": 1}, &byHeight))
	assert.Equal(t, head.Hash, byHeight.Hash)

	var ids []string
	require.Nil(t, f.call(t, "getTxsByAddress", map[string]string{"address": to}, &ids))
	assert.Equal(t, []string{tx.Hash()}, ids)

	var nonce uint64
	require.Nil(t, f.call(t, "getNonce", map[string]string{"address": testutil.Address(10)}, &nonce))
	assert.Equal(t, uint64(1), nonce)
}

func TestErrors(t *testing.T) {
	f := newFixture(t, "")

	rpcErr := f.call(t, "noSuchMethod", nil, nil)
	require.NotNil(t, rpcErr)
	assert.Equal(t, rpc.CodeMethodNotFound, rpcErr.Code)

	rpcErr = f.call(t, "getBlock", map[string]string{"hash": "ffff"}, nil)
	require.NotNil(t, rpcErr)
	assert.Equal(t, rpc.CodeNotFound, rpcErr.Code)

	rpcErr = f.call(t, "getReceipt", map[string]string{"hash": "ffff"}, nil)
	require.NotNil(t, rpcErr)
	assert.Equal(t, rpc.CodeNotFound, rpcErr.Code)

	wrong := testutil.SignedTx("other-chain", 10, 0, testutil.Address(11), 1, 1, 10, nil)
	rpcErr = f.call(t, "sendTx", wrong, nil)
	require.NotNil(t, rpcErr)
	assert.Equal(t, rpc.CodeInvalidParams, rpcErr.Code)

	forged := testutil.SignedTx(chainID, 10, 0, testutil.Address(11), 1, 1, 10, nil)
	forged.Value = 99
	rpcErr = f.call(t, "sendTx", forged, nil)
	require.NotNil(t, rpcErr)
	assert.Equal(t, rpc.CodeRejected, rpcErr.Code)
}

func TestTransportRules(t *testing.T) {
	f := newFixture(t, "secret")

	resp, err := http.Post(f.srv.URL, "application/json", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"getHead"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, f.srv.URL, strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"getHead"}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	var ok rpc.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ok))
	resp.Body.Close()
	assert.Nil(t, ok.Error)

	resp, err = http.Get(f.srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	big := `{"jsonrpc":"2.0","id":1,"method":"sendTx","params":"` + strings.Repeat("a", rpc.MaxBodyBytes) + `"}`
	req, err = http.NewRequest(http.MethodPost, f.srv.URL, strings.NewReader(big))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	var tooBig rpc.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tooBig))
	resp.Body.Close()
	require.NotNil(t, tooBig.Error)
	assert.Equal(t, rpc.CodeParseError, tooBig.Error.Code)

	resp, err = http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "poschain_head_height")
}
