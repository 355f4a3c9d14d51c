package chain

import (
	"errors"
	"fmt"

	"github.com/tolelom/poschain/consensus"
	"github.com/tolelom/poschain/core"
	"github.com/tolelom/poschain/indexer"
	"github.com/tolelom/poschain/storage"
	"github.com/tolelom/poschain/validator"
)

// SubmitTransaction admits a locally submitted transaction to the mempool
// after the stateless checks and gossips it. Nonce and balance are checked
// when a block includes it.
func (c *Chain) SubmitTransaction(tx *core.Transaction) (bool, error) {
	if err := c.addTx(tx); err != nil {
		return false, err
	}
	if bc := c.broadcaster(); bc != nil {
		bc.BroadcastTx(tx)
	}
	return true, nil
}

// OnTransactionReceived admits a gossiped transaction. It returns
// core.ErrKnownTx for one already pending so the caller stops relaying it.
func (c *Chain) OnTransactionReceived(tx *core.Transaction) error {
	return c.addTx(tx)
}

func (c *Chain) addTx(tx *core.Transaction) error {
	if err := c.mempool.Add(tx); err != nil {
		if !errors.Is(err, core.ErrKnownTx) {
			c.metrics.TxsRejected.Inc()
		}
		return err
	}
	c.metrics.MempoolSize.Set(float64(c.mempool.Size()))
	return nil
}

// readState runs fn against the canonical head state. A reader racing a
// reorg can land on a branch finality just discarded; it retries on the
// new head.
func (c *Chain) readState(fn func(core.State) error) error {
	var err error
	for range 3 {
		c.view.RLock()
		layer := c.headLayer
		c.view.RUnlock()
		if err = fn(storage.NewStateDBAt(layer)); !storage.IsStale(err) {
			return err
		}
	}
	return err
}

// GetAccount returns the head-state account of address; an absent account
// reads as empty.
func (c *Chain) GetAccount(address string) (*core.Account, error) {
	var acc *core.Account
	err := c.readState(func(s core.State) error {
		var err error
		acc, err = core.AccountOrEmpty(s, address)
		return err
	})
	return acc, err
}

// GetBalance returns the head-state balance of address.
func (c *Chain) GetBalance(address string) (uint64, error) {
	acc, err := c.GetAccount(address)
	if err != nil {
		return 0, err
	}
	return acc.Balance, nil
}

// GetNonce returns the next nonce address must use.
func (c *Chain) GetNonce(address string) (uint64, error) {
	acc, err := c.GetAccount(address)
	if err != nil {
		return 0, err
	}
	return acc.Nonce, nil
}

// GetStorage reads one account storage entry at the head.
func (c *Chain) GetStorage(address, key string) ([]byte, error) {
	var v []byte
	err := c.readState(func(s core.State) error {
		var err error
		v, err = s.GetStorage(address, key)
		return err
	})
	return v, err
}

// Validators returns every registered validator at the head.
func (c *Chain) Validators() ([]*validator.Validator, error) {
	var out []*validator.Validator
	err := c.readState(func(s core.State) error {
		var err error
		out, err = c.engine.Registry(s).All()
		return err
	})
	return out, err
}

// Head returns the canonical head.
func (c *Chain) Head() *core.Block {
	c.view.RLock()
	defer c.view.RUnlock()
	return c.head
}

// Finalized returns the latest finalized block.
func (c *Chain) Finalized() *core.Block {
	c.view.RLock()
	defer c.view.RUnlock()
	return c.finalized
}

// GetBlockByHash returns any stored block.
func (c *Chain) GetBlockByHash(hash string) (*core.Block, error) {
	return c.bc.GetBlock(hash)
}

// GetBlockByHeight returns the canonical block at height.
func (c *Chain) GetBlockByHeight(height uint64) (*core.Block, error) {
	return c.bc.GetBlockByHeight(height)
}

// BlockStatus returns where hash stands in the block tree. Finalized
// ancestors no longer tracked by the tree report Finalized when canonical.
func (c *Chain) BlockStatus(hash string) consensus.Status {
	st := c.fc.Status(hash)
	if st == consensus.StatusUnknown && c.bc.IsCanonical(hash) {
		b, err := c.bc.GetBlock(hash)
		if err == nil && b.Header.Height <= c.Finalized().Header.Height {
			return consensus.StatusFinalized
		}
	}
	return st
}

// Receipt returns the receipt of a transaction included in the canonical
// chain, with its location.
func (c *Chain) Receipt(txHash string) (*core.Receipt, *indexer.Location, error) {
	if c.index != nil {
		locs, err := c.index.Locations(txHash)
		if err != nil {
			return nil, nil, err
		}
		for _, loc := range locs {
			if !c.bc.IsCanonical(loc.BlockHash) {
				continue
			}
			if r, err := c.receiptAt(loc); err == nil {
				return r, &loc, nil
			}
		}
		return nil, nil, fmt.Errorf("receipt %s: %w", txHash, core.ErrNotFound)
	}

	for h := c.Head().Header.Height; h > 0; h-- {
		b, err := c.bc.GetBlockByHeight(h)
		if err != nil {
			return nil, nil, err
		}
		for i, tx := range b.Transactions {
			if tx.Hash() == txHash {
				loc := indexer.Location{BlockHash: b.Hash(), Height: h, Index: i}
				r, err := c.receiptAt(loc)
				return r, &loc, err
			}
		}
	}
	return nil, nil, fmt.Errorf("receipt %s: %w", txHash, core.ErrNotFound)
}

func (c *Chain) receiptAt(loc indexer.Location) (*core.Receipt, error) {
	rs, err := c.bc.Receipts(loc.BlockHash)
	if err != nil {
		return nil, err
	}
	if loc.Index < 0 || loc.Index >= len(rs) {
		return nil, fmt.Errorf("receipt index %d in %s: %w", loc.Index, loc.BlockHash, core.ErrNotFound)
	}
	return rs[loc.Index], nil
}

// TxsByAddress returns the transactions an address sent or received. It
// needs the indexer.
func (c *Chain) TxsByAddress(address string) ([]string, error) {
	if c.index == nil {
		return nil, errors.New("chain: address index disabled")
	}
	return c.index.TxsByAddress(address)
}
