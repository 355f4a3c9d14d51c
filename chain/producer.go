package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tolelom/poschain/consensus"
	"github.com/tolelom/poschain/core"
	"github.com/tolelom/poschain/executor"
	"github.com/tolelom/poschain/storage"
)

// ErrSlotPassed is returned when asked to produce for a slot the head has
// already reached.
var ErrSlotPassed = errors.New("slot already passed")

// ProduceBlock builds a block for slot on the canonical head if the local
// key leads that slot, imports it and broadcasts it. It returns
// consensus.ErrNotLeader when another validator leads the slot.
func (c *Chain) ProduceBlock(ctx context.Context, slot uint64) (*core.Block, error) {
	if c.cfg.Key == nil {
		return nil, ErrNoProducerKey
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := c.produce(slot)
	if err != nil {
		return nil, err
	}
	if bc := c.broadcaster(); bc != nil {
		bc.BroadcastBlock(b)
	}
	return b, nil
}

func (c *Chain) produce(slot uint64) (*core.Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	parent, layer := c.head, c.headLayer
	if slot <= parent.Header.Slot {
		return nil, fmt.Errorf("%w: slot %d, head slot %d", ErrSlotPassed, slot, parent.Header.Slot)
	}
	limit := c.cfg.Consensus.MaxTxsPerBlock
	if limit <= 0 {
		limit = c.mempool.Size()
	}
	txs := c.mempool.Pending(limit)
	st := storage.NewStateDBAt(layer)
	ts := c.cfg.Consensus.Clock.StartMillis(slot)
	evs := c.evidence.Pending(core.MaxEvidencePerBlock)
	res, err := c.engine.Build(parent, st, slot, ts, txs, c.cfg.Key, evs...)
	if err != nil {
		return nil, err
	}
	b := res.Block
	c.dropRejected(res.Skipped, st)
	c.evidence.Remove(res.DroppedEvidence)

	if err := c.fc.Propose(b); err != nil {
		return nil, fmt.Errorf("propose own block: %w", err)
	}
	if _, err := c.accept(b, res, st.Base()); err != nil {
		return nil, err
	}
	c.metrics.BlocksProduced.Inc()
	c.log.Info("block produced",
		"hash", b.Hash(),
		"height", b.Header.Height,
		"slot", slot,
		"txs", len(b.Transactions),
		"evidence", len(b.Evidence),
		"skipped", len(res.Skipped))
	return b, nil
}

// dropRejected removes skipped transactions that can never become valid
// on this branch. A nonce gap may still close, so those stay pending.
func (c *Chain) dropRejected(skipped []*core.Transaction, st core.State) {
	if len(skipped) == 0 {
		return
	}
	bctx := &executor.BlockContext{ChainID: c.cfg.Consensus.ChainID}
	var drop []string
	for _, tx := range skipped {
		if err := c.exec.Check(bctx, tx, st); err != nil && !errors.Is(err, core.ErrNonceTooHigh) {
			drop = append(drop, tx.Hash())
		}
	}
	c.mempool.Remove(drop)
}

// Run drives block production from the slot clock until ctx is done. A
// slot the local key does not lead is skipped; a fatal error stops the
// loop and is returned.
func (c *Chain) Run(ctx context.Context) error {
	clock := c.cfg.Consensus.Clock
	if clock.Duration <= 0 {
		return errors.New("chain: slot duration must be positive")
	}
	timer := time.NewTimer(clock.UntilNext(time.Now()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
		slot := clock.SlotAt(time.Now())
		c.countSkipped(slot)

		_, err := c.ProduceBlock(ctx, slot)
		switch {
		case err == nil,
			errors.Is(err, consensus.ErrNotLeader),
			errors.Is(err, ErrSlotPassed),
			errors.Is(err, ErrNoProducerKey):
		case errors.Is(err, context.Canceled):
			return nil
		case core.IsFatal(err):
			c.log.Error("block production halted", "slot", slot, "err", err)
			return err
		default:
			c.log.Warn("block production failed", "slot", slot, "err", err)
		}
		timer.Reset(clock.UntilNext(time.Now()))
	}
}

// countSkipped records the previous slot as skipped when no block landed
// in it.
func (c *Chain) countSkipped(slot uint64) {
	if slot == 0 {
		return
	}
	prev := slot - 1
	if prev > c.lastSlot && c.Head().Header.Slot < prev {
		c.metrics.SlotsSkipped.Inc()
	}
	c.lastSlot = max(c.lastSlot, prev)
}
