package chain

import (
	"context"
	"fmt"

	"github.com/tolelom/poschain/aiscore"
	"github.com/tolelom/poschain/config"
	"github.com/tolelom/poschain/consensus"
	"github.com/tolelom/poschain/core"
	"github.com/tolelom/poschain/crypto"
	"github.com/tolelom/poschain/executor"
	"github.com/tolelom/poschain/storage"
)

// Replay re-executes the canonical chain held in store from genesis on a
// fresh in-memory state and checks every block against it. It returns the
// last height that replayed cleanly. progress, if set, is called after
// each block.
func Replay(ctx context.Context, cfg Config, store core.BlockStore, progress func(height, total uint64)) (uint64, error) {
	bc := core.NewBlockchain(store)
	if err := bc.Init(); err != nil {
		return 0, err
	}
	head := bc.Head()
	if head == nil {
		return 0, fmt.Errorf("replay: %w: empty chain", core.ErrNotFound)
	}
	if cfg.Consensus.ChainID == "" {
		cfg.Consensus.ChainID = cfg.Genesis.ChainID
	}
	if cfg.Signer == nil {
		cfg.Signer = crypto.Ed25519{}
	}

	st, err := storage.NewStateDB(storage.NewMemDB())
	if err != nil {
		return 0, err
	}
	gen, err := config.CreateGenesisBlock(cfg.Genesis, st, cfg.Executor.Validator)
	if err != nil {
		return 0, err
	}
	stored, err := bc.GetBlockByHeight(0)
	if err != nil {
		return 0, err
	}
	if gen.Hash() != stored.Hash() {
		return 0, fmt.Errorf("%w: genesis %s, stored %s", core.ErrStateRootMismatch, gen.Hash(), stored.Hash())
	}

	engine := consensus.NewEngine(cfg.Consensus, executor.New(cfg.Executor, cfg.Signer), aiscore.NewSettler(cfg.AI))
	parent := gen
	for h := uint64(1); h <= head.Header.Height; h++ {
		if err := ctx.Err(); err != nil {
			return h - 1, err
		}
		b, err := bc.GetBlockByHeight(h)
		if err != nil {
			return h - 1, err
		}
		// The stored chain was accepted once; failing now is divergence.
		if _, err := engine.Validate(b, parent, st); err != nil {
			return h - 1, fmt.Errorf("%w: block %d (%s): %w", core.ErrStateRootMismatch, h, b.Hash(), err)
		}
		// Keep the layer chain one deep.
		if err := storage.Flatten(st.Base()); err != nil {
			return h - 1, err
		}
		parent = b
		if progress != nil {
			progress(h, head.Header.Height)
		}
	}
	return head.Header.Height, nil
}
