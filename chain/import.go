package chain

import (
	"errors"
	"fmt"
	"time"

	"github.com/tolelom/poschain/consensus"
	"github.com/tolelom/poschain/core"
	"github.com/tolelom/poschain/events"
	"github.com/tolelom/poschain/storage"
)

// OnBlockReceived validates a block from the network against its parent's
// post-state and adds it to the block tree. The canonical head, finality
// and the mempool are updated before it returns.
func (c *Chain) OnBlockReceived(b *core.Block) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.importBlock(b)
	return err
}

// importBlock runs the full import path. Caller holds mu.
func (c *Chain) importBlock(b *core.Block) (*consensus.Update, error) {
	hash := b.Hash()
	if err := c.fc.Propose(b); err != nil {
		if !errors.Is(err, core.ErrDuplicateBlock) {
			c.reject(b, err)
		}
		return nil, err
	}
	parent, err := c.bc.GetBlock(b.Header.ParentHash)
	layer := c.layers[b.Header.ParentHash]
	if err != nil || layer == nil {
		c.fc.Reject(hash)
		return nil, fmt.Errorf("%w: state of parent %s unavailable", core.ErrUnknownParent, b.Header.ParentHash)
	}

	start := time.Now()
	st := storage.NewStateDBAt(layer)
	res, err := c.engine.Validate(b, parent, st)
	c.metrics.BlockValidation.Observe(time.Since(start).Seconds())
	if err != nil {
		c.fc.Reject(hash)
		c.reject(b, err)
		return nil, err
	}
	return c.accept(b, res, st.Base())
}

// accept records a validated block and applies the fork-choice outcome.
func (c *Chain) accept(b *core.Block, res *consensus.Result, layer *storage.Layer) (*consensus.Update, error) {
	hash := b.Hash()
	if err := c.bc.AddBlock(b, res.Receipts); err != nil {
		c.fc.Reject(hash)
		return nil, err
	}
	c.layers[hash] = layer
	c.results[hash] = res

	up, err := c.fc.Accept(hash, res.ProducerStake)
	if err != nil {
		return nil, err
	}
	c.metrics.BlocksAccepted.Inc()
	c.log.Debug("block accepted",
		"hash", hash,
		"height", b.Header.Height,
		"slot", b.Header.Slot,
		"producer", b.Header.Producer,
		"txs", len(b.Transactions))
	return up, c.apply(up)
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, core.ErrConsensusViolation):
		return "consensus_violation"
	case errors.Is(err, core.ErrStateRootMismatch):
		return "state_root_mismatch"
	case errors.Is(err, core.ErrUnknownParent):
		return "unknown_parent"
	case errors.Is(err, core.ErrDuplicateBlock):
		return "duplicate"
	case errors.Is(err, core.ErrNoEligibleValidator):
		return "no_eligible_validator"
	case errors.Is(err, core.ErrInvalidBlock):
		return "invalid_block"
	default:
		return "other"
	}
}

func (c *Chain) reject(b *core.Block, err error) {
	if errors.Is(err, core.ErrDuplicateBlock) {
		return
	}
	kind := errorKind(err)
	c.metrics.BlocksRejected.WithLabelValues(kind).Inc()
	hash := b.Hash()
	attrs := []any{"hash", hash, "height", b.Header.Height, "producer", b.Header.Producer, "err", err}

	ev := events.Event{
		Type:        events.EventBlockRejected,
		BlockHash:   hash,
		BlockHeight: b.Header.Height,
		Data:        map[string]any{"reason": kind, "error": err.Error(), "producer": b.Header.Producer},
	}
	switch {
	case errors.Is(err, core.ErrConsensusViolation):
		c.metrics.ConsensusViolations.Inc()
		c.log.Error("consensus violation", attrs...)
		ev.Type = events.EventConsensusViolation
		if errors.Is(err, consensus.ErrWrongLeader) {
			c.recordEvidence(b)
		}
	case errors.Is(err, core.ErrStateRootMismatch):
		c.log.Error("state root mismatch", attrs...)
		ev.Type = events.EventStateRootMismatch
	case errors.Is(err, core.ErrUnknownParent):
		c.log.Debug("block with unknown parent", attrs...)
	default:
		c.log.Warn("block rejected", attrs...)
	}
	c.emitter.Emit(ev)
}

// recordEvidence queues the signed header of a wrong-slot block, so a
// later block of ours slashes its producer.
func (c *Chain) recordEvidence(b *core.Block) {
	if err := c.evidence.Add(core.NewEvidence(b)); err != nil {
		c.log.Debug("evidence not queued", "hash", b.Hash(), "err", err)
		return
	}
	c.log.Info("evidence recorded", "producer", b.Header.Producer, "slot", b.Header.Slot, "hash", b.Hash())
}

// apply moves the canonical chain and finality as up describes.
func (c *Chain) apply(up *consensus.Update) error {
	if len(up.Canonical) > 0 {
		if err := c.bc.SetCanonical(up.CanonicalFrom, up.Canonical); err != nil {
			return err
		}
		if up.Reorg {
			c.onReorg(up)
		}
		for _, h := range up.Canonical {
			if err := c.onCanonical(h); err != nil {
				return err
			}
		}
		head, err := c.bc.GetBlock(up.Head)
		if err != nil {
			return err
		}
		c.view.Lock()
		c.head, c.headLayer = head, c.layers[up.Head]
		c.view.Unlock()
		c.metrics.HeadHeight.Set(float64(head.Header.Height))
		c.evidence.Update(head.Header.Height)
	}
	if len(up.Finalized) > 0 {
		return c.finalize(up.Finalized, up.Pruned)
	}
	return nil
}

// onReorg returns the orphaned blocks' transactions to the mempool; the
// ones the new branch also includes are removed again by onCanonical.
func (c *Chain) onReorg(up *consensus.Update) {
	c.metrics.Reorgs.Inc()
	for _, h := range up.Orphaned {
		b, err := c.bc.GetBlock(h)
		if err != nil {
			continue
		}
		for _, tx := range b.Transactions {
			_ = c.mempool.Add(tx)
		}
		for _, ev := range b.Evidence {
			_ = c.evidence.Add(ev)
		}
	}
	c.log.Info("reorg", "old_head", up.OldHead, "new_head", up.Head, "orphaned", len(up.Orphaned))
	c.emitter.Emit(events.Event{
		Type:      events.EventReorg,
		BlockHash: up.Head,
		Data:      map[string]any{"old_head": up.OldHead, "orphaned": up.Orphaned},
	})
}

// onCanonical publishes the effects of a block that joined the canonical
// chain.
func (c *Chain) onCanonical(hash string) error {
	b, err := c.bc.GetBlock(hash)
	if err != nil {
		return err
	}
	res := c.results[hash]
	ids := make([]string, len(b.Transactions))
	for i, tx := range b.Transactions {
		ids[i] = tx.Hash()
	}
	c.mempool.Remove(ids)
	c.metrics.MempoolSize.Set(float64(c.mempool.Size()))
	c.evidence.Remove(b.Evidence)
	height := b.Header.Height

	if res != nil && res.Transition != nil {
		tr := res.Transition
		if tr.Rotation != nil {
			c.emitter.Emit(events.Event{
				Type:        events.EventValidatorRotation,
				BlockHash:   hash,
				BlockHeight: height,
				Data:        map[string]any{"epoch": tr.Epoch, "rotation": tr.Rotation},
			})
		}
		for _, s := range tr.Settlements {
			c.emitter.Emit(events.Event{
				Type:        events.EventAISettlement,
				BlockHash:   hash,
				BlockHeight: height,
				Data:        map[string]any{"epoch": tr.Epoch, "settlement": s},
			})
		}
	}
	if res != nil {
		for _, sl := range res.Slashes {
			c.metrics.ViolationSlashes.Inc()
			c.log.Warn("validator slashed", "validator", sl.Validator, "amount", sl.Amount, "slot", sl.Slot, "evidence", sl.Evidence)
			c.emitter.Emit(events.Event{
				Type:        events.EventViolationSlashed,
				BlockHash:   hash,
				BlockHeight: height,
				Data:        map[string]any{"slash": sl},
			})
		}
	}
	for i, tx := range b.Transactions {
		data := map[string]any{"index": i, "from": tx.From, "to": tx.To}
		if res != nil && i < len(res.Receipts) {
			r := res.Receipts[i]
			data["success"] = r.Success
			data["gas_used"] = r.GasUsed
			if !r.Success {
				c.metrics.TxsFailed.Inc()
			}
		}
		c.metrics.TxsExecuted.Inc()
		c.emitter.Emit(events.Event{
			Type:        events.EventTxExecuted,
			TxID:        ids[i],
			BlockHash:   hash,
			BlockHeight: height,
			Data:        data,
		})
	}
	c.emitter.Emit(events.Event{
		Type:        events.EventBlockCommit,
		BlockHash:   hash,
		BlockHeight: height,
		Data:        map[string]any{"producer": b.Header.Producer, "txs": len(b.Transactions), "slot": b.Header.Slot},
	})
	return nil
}

// finalize persists the newest finalized state and forgets every version
// finality has made unreachable.
func (c *Chain) finalize(finalized, pruned []string) error {
	last := finalized[len(finalized)-1]
	layer := c.layers[last]
	if layer == nil {
		return fmt.Errorf("finalized block %s has no state", last)
	}
	if err := storage.Flatten(layer); err != nil {
		return fmt.Errorf("persist finalized state: %w", err)
	}
	block, err := c.bc.GetBlock(last)
	if err != nil {
		return err
	}

	c.view.RLock()
	prev := c.finalized.Hash()
	c.view.RUnlock()
	for _, h := range append(append([]string{prev}, finalized[:len(finalized)-1]...), pruned...) {
		delete(c.layers, h)
		delete(c.results, h)
	}
	delete(c.results, last)

	c.view.Lock()
	c.finalized = block
	c.view.Unlock()
	c.metrics.FinalizedHeight.Set(float64(block.Header.Height))

	for _, h := range finalized {
		b, err := c.bc.GetBlock(h)
		if err != nil {
			return err
		}
		c.emitter.Emit(events.Event{
			Type:        events.EventBlockFinalized,
			BlockHash:   h,
			BlockHeight: b.Header.Height,
		})
	}
	c.log.Debug("finalized", "hash", last, "height", block.Header.Height, "pruned", len(pruned))
	return nil
}
