package network

import (
	"bytes"
	"encoding/binary"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tolelom/poschain/core"
	"github.com/tolelom/poschain/internal/testutil"
	"github.com/tolelom/poschain/logging"
)

// fakeChain records what the network delivers.
type fakeChain struct {
	mu        sync.Mutex
	canonical []*core.Block
	seen      map[string]bool
	received  []*core.Block
	txs       []*core.Transaction
}

func newFakeChain(height uint64) *fakeChain {
	f := &fakeChain{seen: make(map[string]bool)}
	for h := uint64(0); h <= height; h++ {
		b := &core.Block{Header: core.BlockHeader{ChainID: "net-test", Height: h, Slot: h}}
		f.canonical = append(f.canonical, b)
		f.seen[b.Hash()] = true
	}
	return f
}

func (f *fakeChain) OnBlockReceived(b *core.Block) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen[b.Hash()] {
		return core.ErrDuplicateBlock
	}
	f.seen[b.Hash()] = true
	f.received = append(f.received, b)
	return nil
}

func (f *fakeChain) OnTransactionReceived(tx *core.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.txs {
		if t.Hash() == tx.Hash() {
			return core.ErrKnownTx
		}
	}
	f.txs = append(f.txs, tx)
	return nil
}

func (f *fakeChain) Head() *core.Block {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.canonical[len(f.canonical)-1]
}

func (f *fakeChain) Finalized() *core.Block {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.canonical[0]
}

func (f *fakeChain) GetBlockByHeight(h uint64) (*core.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if h >= uint64(len(f.canonical)) {
		return nil, core.ErrNotFound
	}
	return f.canonical[h], nil
}

func (f *fakeChain) snapshot() ([]*core.Block, []*core.Transaction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*core.Block(nil), f.received...), append([]*core.Transaction(nil), f.txs...)
}

func startNode(t *testing.T, id string, c Chain) (*Node, *Syncer) {
	t.Helper()
	n := NewNode(id, "127.0.0.1:0", c, nil, logging.Discard())
	s := NewSyncer(n)
	require.NoError(t, n.Start())
	t.Cleanup(n.Stop)
	return n, s
}

func TestTxAndBlockReachPeer(t *testing.T) {
	ca, cb := newFakeChain(0), newFakeChain(0)
	a, _ := startNode(t, "a", ca)
	b, _ := startNode(t, "b", cb)

	_, err := b.AddPeer("a", a.Addr().String())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return a.PeerCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	tx := testutil.SignedTx("net-test", 1, 0, testutil.Address(2), 1, 1, 10, nil)
	b.BroadcastTx(tx)
	blk := &core.Block{Header: core.BlockHeader{ChainID: "net-test", Height: 1, Slot: 7}}
	b.BroadcastBlock(blk)

	require.Eventually(t, func() bool {
		blocks, txs := ca.snapshot()
		return len(blocks) == 1 && len(txs) == 1
	}, 2*time.Second, 10*time.Millisecond)
	blocks, txs := ca.snapshot()
	assert.Equal(t, blk.Hash(), blocks[0].Hash())
	assert.Equal(t, tx.Hash(), txs[0].Hash())
}

func TestSyncFetchesMissingBlocks(t *testing.T) {
	ahead, behind := newFakeChain(5), newFakeChain(0)
	a, _ := startNode(t, "a", ahead)
	b, syncer := startNode(t, "b", behind)

	peer, err := b.AddPeer("a", a.Addr().String())
	require.NoError(t, err)
	syncer.SyncWithPeer(peer)

	require.Eventually(t, func() bool {
		blocks, _ := behind.snapshot()
		return len(blocks) == 5
	}, 2*time.Second, 10*time.Millisecond)
	blocks, _ := behind.snapshot()
	for i, blk := range blocks {
		assert.Equal(t, uint64(i+1), blk.Header.Height)
	}
}

func TestFrameLimits(t *testing.T) {
	msg, err := NewMessage(MsgGetBlocks, GetBlocksRequest{FromHeight: 3, Limit: 7})
	require.NoError(t, err)
	frame, err := encodeFrame(msg)
	require.NoError(t, err)

	got, err := decodeFrame(bytes.NewReader(frame))
	require.NoError(t, err)
	var req GetBlocksRequest
	require.NoError(t, got.Decode(&req))
	assert.Equal(t, GetBlocksRequest{FromHeight: 3, Limit: 7}, req)

	var hdr [frameHeader]byte
	binary.BigEndian.PutUint32(hdr[:], MaxMessageSize+1)
	_, err = decodeFrame(bytes.NewReader(hdr[:]))
	assert.ErrorContains(t, err, "too large")
}

func TestSendTimesOutOnStalledPeer(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()
	p := NewPeer("stalled", "pipe", local)
	p.writeTimeout = 50 * time.Millisecond

	start := time.Now()
	err := p.SendValue(MsgHello, map[string]string{"node_id": "a"})
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.ErrorIs(t, p.SendValue(MsgHello, nil), ErrPeerClosed, "a stalled peer is dropped")
}
