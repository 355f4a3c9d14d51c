package network

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/tolelom/poschain/core"
)

// Chain is the part of the node core the network feeds and reads.
type Chain interface {
	OnBlockReceived(b *core.Block) error
	OnTransactionReceived(tx *core.Transaction) error
	Head() *core.Block
	Finalized() *core.Block
	GetBlockByHeight(height uint64) (*core.Block, error)
}

// MessageHandler is called from a peer's read loop for each message of the
// type it is registered for.
type MessageHandler func(peer *Peer, msg Message)

// DefaultMaxPeers caps inbound connections.
const DefaultMaxPeers = 50

const acceptBackoff = 100 * time.Millisecond

// peerSet is the id-keyed set of live connections.
type peerSet struct {
	mu    sync.RWMutex
	byID  map[string]*Peer
	limit int
}

// add registers p, replacing an older connection with the same id. Inbound
// peers are refused once the limit is reached.
func (s *peerSet) add(p *Peer, inbound bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inbound && len(s.byID) >= s.limit {
		return false
	}
	if old, ok := s.byID[p.ID]; ok && old != p {
		old.Close()
	}
	s.byID[p.ID] = p
	return true
}

// remove drops p only if it is still the registered connection for its id.
func (s *peerSet) remove(p *Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byID[p.ID] == p {
		delete(s.byID, p.ID)
	}
}

func (s *peerSet) get(id string) *Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byID[id]
}

func (s *peerSet) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

func (s *peerSet) except(skip string) []*Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Peer, 0, len(s.byID))
	for id, p := range s.byID {
		if id != skip {
			out = append(out, p)
		}
	}
	return out
}

func (s *peerSet) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.byID {
		p.Close()
		delete(s.byID, id)
	}
}

// Node listens for incoming peers, manages outgoing connections and relays
// blocks and transactions between them and the chain.
type Node struct {
	nodeID     string
	listenAddr string
	chain      Chain
	tlsConfig  *tls.Config // nil means plain TCP
	log        *slog.Logger

	peers peerSet

	hmu      sync.RWMutex
	handlers map[MsgType]MessageHandler

	listener net.Listener
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewNode creates a Node that will listen on listenAddr and feed chain.
// A non-nil tlsCfg secures both the listener and outgoing dials.
func NewNode(nodeID, listenAddr string, chain Chain, tlsCfg *tls.Config, logger *slog.Logger) *Node {
	if logger == nil {
		logger = slog.Default()
	}
	n := &Node{
		nodeID:     nodeID,
		listenAddr: listenAddr,
		chain:      chain,
		tlsConfig:  tlsCfg,
		log:        logger.With("component", "network"),
		peers:      peerSet{byID: make(map[string]*Peer), limit: DefaultMaxPeers},
		handlers:   make(map[MsgType]MessageHandler),
		stopCh:     make(chan struct{}),
	}
	n.Handle(MsgTx, n.handleTx)
	n.Handle(MsgBlock, n.handleBlock)
	return n
}

// Handle registers h for messages of type typ, replacing any previous one.
func (n *Node) Handle(typ MsgType, h MessageHandler) {
	n.hmu.Lock()
	n.handlers[typ] = h
	n.hmu.Unlock()
}

func (n *Node) handler(typ MsgType) MessageHandler {
	n.hmu.RLock()
	defer n.hmu.RUnlock()
	return n.handlers[typ]
}

// Start binds the listener and begins accepting peers.
func (n *Node) Start() error {
	ln, err := n.listen()
	if err != nil {
		return fmt.Errorf("listen %s: %w", n.listenAddr, err)
	}
	n.listener = ln
	go n.acceptLoop()
	return nil
}

func (n *Node) listen() (net.Listener, error) {
	if n.tlsConfig != nil {
		return tls.Listen("tcp", n.listenAddr, n.tlsConfig)
	}
	return net.Listen("tcp", n.listenAddr)
}

// Addr returns the bound listen address, or nil before Start.
func (n *Node) Addr() net.Addr {
	if n.listener == nil {
		return nil
	}
	return n.listener.Addr()
}

// Stop closes the listener and every peer.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		close(n.stopCh)
		if n.listener != nil {
			n.listener.Close()
		}
		n.peers.closeAll()
	})
}

// AddPeer dials addr, registers the peer and announces this node.
func (n *Node) AddPeer(id, addr string) (*Peer, error) {
	peer, err := Connect(id, addr, n.tlsConfig)
	if err != nil {
		return nil, err
	}
	n.peers.add(peer, false)
	go n.readLoop(peer)

	if err := peer.SendValue(MsgHello, map[string]string{"node_id": n.nodeID}); err != nil {
		n.log.Warn("send hello failed", "peer", id, "err", err)
	}
	return peer, nil
}

// Peer returns the connected peer with the given id, or nil.
func (n *Node) Peer(id string) *Peer { return n.peers.get(id) }

// PeerCount returns the number of connected peers.
func (n *Node) PeerCount() int { return n.peers.len() }

// Broadcast sends msg to all connected peers except the one named skip.
func (n *Node) Broadcast(msg Message, skip string) {
	for _, p := range n.peers.except(skip) {
		if err := p.Send(msg); err != nil {
			n.log.Debug("broadcast failed", "peer", p.ID, "type", msg.Type, "err", err)
		}
	}
}

// BroadcastTx gossips tx to every peer.
func (n *Node) BroadcastTx(tx *core.Transaction) { n.relay(MsgTx, tx, "") }

// BroadcastBlock gossips block to every peer.
func (n *Node) BroadcastBlock(block *core.Block) { n.relay(MsgBlock, block, "") }

func (n *Node) relay(typ MsgType, v any, skip string) {
	msg, err := NewMessage(typ, v)
	if err != nil {
		n.log.Error("relay failed", "type", typ, "err", err)
		return
	}
	n.Broadcast(msg, skip)
}

func (n *Node) acceptLoop() {
	for {
		conn, err := n.listener.Accept()
		if err != nil {
			select {
			case <-n.stopCh:
				return
			case <-time.After(acceptBackoff):
				n.log.Warn("accept failed", "err", err)
				continue
			}
		}
		remote := conn.RemoteAddr().String()
		peer := NewPeer(remote, remote, conn)
		if !n.peers.add(peer, true) {
			n.log.Warn("peer limit reached, rejecting", "remote", remote)
			conn.Close()
			continue
		}
		go n.readLoop(peer)
	}
}

// readLoop dispatches a peer's messages until the connection fails.
func (n *Node) readLoop(peer *Peer) {
	defer func() {
		if r := recover(); r != nil {
			n.log.Error("read loop panicked", "peer", peer.ID, "panic", r)
		}
		peer.Close()
		n.peers.remove(peer)
	}()
	for {
		msg, err := peer.Receive()
		if err != nil {
			return
		}
		if h := n.handler(msg.Type); h != nil {
			h(peer, msg)
		}
	}
}

// handleTx admits a gossiped transaction and relays it once.
func (n *Node) handleTx(peer *Peer, msg Message) {
	var tx core.Transaction
	if err := msg.Decode(&tx); err != nil {
		n.log.Debug("bad tx message", "peer", peer.ID, "err", err)
		return
	}
	if err := n.chain.OnTransactionReceived(&tx); err != nil {
		if !errors.Is(err, core.ErrKnownTx) {
			n.log.Debug("tx rejected", "peer", peer.ID, "tx", tx.Hash(), "err", err)
		}
		return
	}
	n.Broadcast(msg, peer.ID)
}

// handleBlock imports a gossiped block and relays it once. A block whose
// parent is missing triggers a sync with the sender.
func (n *Node) handleBlock(peer *Peer, msg Message) {
	var b core.Block
	if err := msg.Decode(&b); err != nil {
		n.log.Debug("bad block message", "peer", peer.ID, "err", err)
		return
	}
	err := n.chain.OnBlockReceived(&b)
	switch {
	case err == nil:
		n.Broadcast(msg, peer.ID)
	case errors.Is(err, core.ErrDuplicateBlock):
	case errors.Is(err, core.ErrUnknownParent):
		if err := RequestBlocks(peer, n.chain.Finalized().Header.Height+1); err != nil {
			n.log.Warn("sync request failed", "peer", peer.ID, "err", err)
		}
	default:
		n.log.Warn("block rejected", "peer", peer.ID, "hash", b.Hash(), "height", b.Header.Height, "err", err)
	}
}
