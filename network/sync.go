package network

import (
	"errors"

	"github.com/tolelom/poschain/core"
)

const (
	defaultBatch = 50
	maxBatch     = 200
)

// GetBlocksRequest asks a peer for canonical blocks starting at FromHeight.
type GetBlocksRequest struct {
	FromHeight uint64 `json:"from_height"`
	Limit      int    `json:"limit"`
}

// BlocksResponse carries a batch of blocks.
type BlocksResponse struct {
	Blocks []*core.Block `json:"blocks"`
}

// Syncer catches a node up with its peers by fetching canonical blocks
// in batches and importing them through the chain.
type Syncer struct {
	node *Node
}

// NewSyncer registers the sync handlers on node.
func NewSyncer(node *Node) *Syncer {
	s := &Syncer{node: node}
	node.Handle(MsgHello, s.handleHello)
	node.Handle(MsgGetBlocks, s.handleGetBlocks)
	node.Handle(MsgBlocks, s.handleBlocks)
	return s
}

// SyncWithPeer requests the blocks above the local finalized block.
// Call this after AddPeer to initiate an outbound sync.
func (s *Syncer) SyncWithPeer(peer *Peer) {
	if err := RequestBlocks(peer, s.node.chain.Finalized().Header.Height+1); err != nil {
		s.node.log.Warn("sync request failed", "peer", peer.ID, "err", err)
	}
}

// RequestBlocks asks peer for blocks starting at fromHeight.
func RequestBlocks(peer *Peer, fromHeight uint64) error {
	return peer.SendValue(MsgGetBlocks, GetBlocksRequest{FromHeight: fromHeight, Limit: defaultBatch})
}

// handleHello triggers an initial block sync when a peer announces itself.
func (s *Syncer) handleHello(peer *Peer, _ Message) {
	s.SyncWithPeer(peer)
}

func (s *Syncer) handleGetBlocks(peer *Peer, msg Message) {
	var req GetBlocksRequest
	if err := msg.Decode(&req); err != nil {
		return
	}
	if req.Limit <= 0 || req.Limit > maxBatch {
		req.Limit = defaultBatch
	}
	head := s.node.chain.Head().Header.Height
	blocks := make([]*core.Block, 0, req.Limit)
	for h := req.FromHeight; h <= head && len(blocks) < req.Limit; h++ {
		b, err := s.node.chain.GetBlockByHeight(h)
		if err != nil {
			break
		}
		blocks = append(blocks, b)
	}
	if err := peer.SendValue(MsgBlocks, BlocksResponse{Blocks: blocks}); err != nil {
		s.node.log.Warn("send blocks failed", "peer", peer.ID, "err", err)
	}
}

// handleBlocks imports a batch in order. Blocks already known are
// skipped; the first invalid block ends the batch.
func (s *Syncer) handleBlocks(peer *Peer, msg Message) {
	var resp BlocksResponse
	if err := msg.Decode(&resp); err != nil {
		return
	}
	var last uint64
	for _, b := range resp.Blocks {
		if b == nil || b.Header.Height == 0 {
			continue
		}
		err := s.node.chain.OnBlockReceived(b)
		if err != nil && !errors.Is(err, core.ErrDuplicateBlock) {
			s.node.log.Warn("synced block rejected", "peer", peer.ID, "height", b.Header.Height, "err", err)
			return
		}
		last = b.Header.Height
	}

	// A full batch means the peer may have more.
	if len(resp.Blocks) >= defaultBatch && last > 0 {
		if err := RequestBlocks(peer, last+1); err != nil {
			s.node.log.Warn("follow-up sync request failed", "peer", peer.ID, "err", err)
		}
	}
}
