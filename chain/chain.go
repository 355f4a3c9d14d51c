// Package chain is the node core. It owns the block tree, the per-block
// state versions and the mempool, serializes every state transition behind
// one lock, and exposes the entry points the network, RPC and producer
// loop call into.
package chain

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tolelom/poschain/aiscore"
	"github.com/tolelom/poschain/config"
	"github.com/tolelom/poschain/consensus"
	"github.com/tolelom/poschain/core"
	"github.com/tolelom/poschain/crypto"
	"github.com/tolelom/poschain/events"
	"github.com/tolelom/poschain/evidence"
	"github.com/tolelom/poschain/executor"
	"github.com/tolelom/poschain/indexer"
	"github.com/tolelom/poschain/metrics"
	"github.com/tolelom/poschain/storage"

	// Payload ops register themselves with the executor.
	_ "github.com/tolelom/poschain/executor/modules"
)

// ErrNoProducerKey is returned by ProduceBlock on a node without a key.
var ErrNoProducerKey = errors.New("node has no producer key")

// Broadcaster is the network collaborator. Implementations must not block.
type Broadcaster interface {
	BroadcastBlock(b *core.Block)
	BroadcastTx(tx *core.Transaction)
}

// Config wires a Chain.
type Config struct {
	Consensus consensus.Params
	Executor  executor.Params
	AI        aiscore.Params
	// Depth is the number of canonical descendants that finalize a block.
	Depth   uint64
	Genesis config.GenesisConfig
	// Key is the local producer key; nil runs a follower.
	Key crypto.PrivateKey

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Emitter *events.Emitter
	Index   *indexer.Indexer
	Signer  crypto.Signer
}

// FromConfig derives the chain settings from the node configuration.
func FromConfig(c *config.Config) Config {
	return Config{
		Consensus: consensus.Params{
			ChainID:        c.Genesis.ChainID,
			EpochLength:    c.Consensus.EpochLength,
			MaxTxsPerBlock: c.Consensus.MaxTxsPerBlock,
			BlockGasLimit:  c.Consensus.BlockGasLimit,
			Clock: consensus.SlotClock{
				Genesis:  time.UnixMilli(c.Genesis.Time),
				Duration: c.Consensus.SlotDuration,
			},
		},
		Executor: c.ExecutorParams(),
		AI:       c.AI,
		Depth:    c.Consensus.ConfirmationDepth,
		Genesis:  c.Genesis,
	}
}

// Chain is the node core.
type Chain struct {
	mu sync.Mutex // serializes block import and production

	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics
	emitter *events.Emitter
	index   *indexer.Indexer

	db       storage.DB
	bc       *core.Blockchain
	exec     *executor.Executor
	engine   *consensus.Engine
	fc       *consensus.ForkChoice
	mempool  *core.Mempool
	evidence *evidence.Pool

	// Post-state and execution result of every block in the fork-choice
	// tree, keyed by block hash. Guarded by mu.
	layers  map[string]*storage.Layer
	results map[string]*consensus.Result

	view      sync.RWMutex
	head      *core.Block
	headLayer *storage.Layer
	finalized *core.Block
	bcast     Broadcaster

	lastSlot uint64 // producer loop only
}

// New opens the chain stored in db and store, creating the genesis block
// from cfg.Genesis on a fresh database. An existing database is recovered
// from its last persisted (finalized) state, re-validating the stored
// canonical blocks above it.
func New(cfg Config, db storage.DB, store core.BlockStore) (*Chain, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(nil)
	}
	if cfg.Emitter == nil {
		cfg.Emitter = events.NewEmitter(cfg.Logger)
	}
	if cfg.Signer == nil {
		cfg.Signer = crypto.Ed25519{}
	}
	if cfg.Consensus.ChainID == "" {
		cfg.Consensus.ChainID = cfg.Genesis.ChainID
	}
	if cfg.Consensus.ChainID != cfg.Genesis.ChainID {
		return nil, fmt.Errorf("chain id %q does not match genesis %q", cfg.Consensus.ChainID, cfg.Genesis.ChainID)
	}

	exec := executor.New(cfg.Executor, cfg.Signer)
	c := &Chain{
		cfg:     cfg,
		log:     cfg.Logger.With("component", "chain"),
		metrics: cfg.Metrics,
		emitter: cfg.Emitter,
		index:   cfg.Index,
		db:      db,
		bc:      core.NewBlockchain(store),
		exec:    exec,
		engine:  consensus.NewEngine(cfg.Consensus, exec, aiscore.NewSettler(cfg.AI)),
		mempool: core.NewMempool(cfg.Consensus.ChainID),
	}
	c.evidence = evidence.NewPool(evidence.Config{
		MaxAgeBlocks: consensus.EvidenceWindow,
		MaxPending:   evidence.DefaultConfig().MaxPending,
	})
	if err := c.bc.Init(); err != nil {
		return nil, err
	}

	var err error
	if c.bc.Head() == nil {
		err = c.initGenesis()
	} else {
		err = c.recover()
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Chain) initGenesis() error {
	st, err := storage.NewStateDB(c.db)
	if err != nil {
		return err
	}
	gen, err := config.CreateGenesisBlock(c.cfg.Genesis, st, c.cfg.Executor.Validator)
	if err != nil {
		return fmt.Errorf("genesis: %w", err)
	}
	if err := storage.Flatten(st.Base()); err != nil {
		return fmt.Errorf("persist genesis state: %w", err)
	}
	if err := c.bc.AddBlock(gen, nil); err != nil {
		return err
	}
	if err := c.bc.SetCanonical(0, []string{gen.Hash()}); err != nil {
		return err
	}
	c.resetTo(gen, st.Base())
	c.log.Info("genesis committed", "hash", gen.Hash(), "state_root", gen.Header.StateRoot)
	return nil
}

// recover finds the canonical block matching the persisted state, roots
// the block tree there and re-imports the canonical blocks above it.
func (c *Chain) recover() error {
	disk, err := storage.OpenDiskLayer(c.db)
	if err != nil {
		return fmt.Errorf("open state: %w", err)
	}
	head := c.bc.Head()
	var root *core.Block
	for h := head.Header.Height; ; h-- {
		b, err := c.bc.GetBlockByHeight(h)
		if err == nil && b.Header.StateRoot == disk.Root() {
			root = b
			break
		}
		if h == 0 {
			break
		}
	}
	if root == nil {
		return fmt.Errorf("%w: persisted state %s matches no canonical block", core.ErrStateRootMismatch, disk.Root())
	}
	gen, err := c.bc.GetBlockByHeight(0)
	if err != nil {
		return err
	}
	if gen.Header.ChainID != c.cfg.Genesis.ChainID {
		return fmt.Errorf("stored chain %q, configured %q", gen.Header.ChainID, c.cfg.Genesis.ChainID)
	}
	c.resetTo(root, disk)

	var pending []*core.Block
	for h := root.Header.Height + 1; h <= head.Header.Height; h++ {
		b, err := c.bc.GetBlockByHeight(h)
		if err != nil {
			return fmt.Errorf("load stored block %d: %w", h, err)
		}
		pending = append(pending, b)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range pending {
		if _, err := c.importBlock(b); err != nil {
			return fmt.Errorf("re-import stored block %d: %w", b.Header.Height, err)
		}
	}
	c.log.Info("chain recovered",
		"finalized", c.finalized.Header.Height,
		"head", c.Head().Header.Height,
		"reimported", len(pending))
	return nil
}

func (c *Chain) resetTo(root *core.Block, layer *storage.Layer) {
	c.fc = consensus.NewForkChoice(root, c.cfg.Depth)
	c.layers = map[string]*storage.Layer{root.Hash(): layer}
	c.results = map[string]*consensus.Result{}
	c.view.Lock()
	c.head, c.headLayer, c.finalized = root, layer, root
	c.view.Unlock()
	c.metrics.HeadHeight.Set(float64(root.Header.Height))
	c.metrics.FinalizedHeight.Set(float64(root.Header.Height))
}

// SetBroadcaster attaches the network. It may be called once the network
// is up; until then nothing is broadcast.
func (c *Chain) SetBroadcaster(b Broadcaster) {
	c.view.Lock()
	defer c.view.Unlock()
	c.bcast = b
}

func (c *Chain) broadcaster() Broadcaster {
	c.view.RLock()
	defer c.view.RUnlock()
	return c.bcast
}

// ChainID returns the chain identifier.
func (c *Chain) ChainID() string { return c.cfg.Consensus.ChainID }

// Engine returns the block engine.
func (c *Chain) Engine() *consensus.Engine { return c.engine }

// Evidence returns the pool of misbehaviour proofs awaiting inclusion.
func (c *Chain) Evidence() *evidence.Pool { return c.evidence }

// Mempool returns the pending transaction pool.
func (c *Chain) Mempool() *core.Mempool { return c.mempool }

// Blockchain returns the block index.
func (c *Chain) Blockchain() *core.Blockchain { return c.bc }

// Emitter returns the event emitter.
func (c *Chain) Emitter() *events.Emitter { return c.emitter }
