package consensus

import (
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/tolelom/poschain/aiscore"
	"github.com/tolelom/poschain/core"
	"github.com/tolelom/poschain/crypto"
	"github.com/tolelom/poschain/executor"
	"github.com/tolelom/poschain/validator"
)

// ErrNotLeader is returned by Build when the key is not the slot leader.
var ErrNotLeader = errors.New("not the slot leader")

// Params are the consensus constants shared by every node of a chain.
type Params struct {
	ChainID        string
	EpochLength    uint64 // slots per epoch
	MaxTxsPerBlock int
	BlockGasLimit  uint64
	Clock          SlotClock
}

// Engine builds and validates blocks. It is stateless: each call works on
// the state it is handed, so one Engine serves every fork.
type Engine struct {
	params    Params
	exec      *executor.Executor
	settler   *aiscore.Settler
	valParams validator.Params
	signer    crypto.Signer
	verifiers int
}

// NewEngine returns an Engine.
func NewEngine(params Params, exec *executor.Executor, settler *aiscore.Settler) *Engine {
	if params.EpochLength == 0 {
		params.EpochLength = 1
	}
	return &Engine{
		params:    params,
		exec:      exec,
		settler:   settler,
		valParams: exec.Params().Validator,
		signer:    crypto.Ed25519{},
		verifiers: 8,
	}
}

// Params returns the engine's consensus constants.
func (e *Engine) Params() Params { return e.params }

// Epoch returns the epoch containing slot.
func (e *Engine) Epoch(slot uint64) uint64 { return slot / e.params.EpochLength }

// Registry returns the validator registry held in state.
func (e *Engine) Registry(state core.State) *validator.Registry {
	return validator.NewRegistry(state, e.valParams)
}

// EpochTransition describes the boundary work done at the start of a block.
type EpochTransition struct {
	Epoch       uint64
	Rotation    *validator.Rotation
	Settlements []aiscore.Settlement
}

// Result is the outcome of building or validating a block.
type Result struct {
	Block    *core.Block
	Receipts []*core.Receipt
	// Skipped holds the transactions Build left out because they were
	// rejected; they were never applied.
	Skipped       []*core.Transaction
	ProducerStake uint64
	Transition    *EpochTransition
	// Slashes are the violation penalties the block's evidence applied.
	Slashes []ViolationSlash
	// DroppedEvidence holds the evidence Build could not include because
	// this branch's state does not prove it.
	DroppedEvidence []*core.Evidence
}

func (e *Engine) blockContext(h *core.BlockHeader) *executor.BlockContext {
	return &executor.BlockContext{
		ChainID:   h.ChainID,
		Height:    h.Height,
		Slot:      h.Slot,
		Epoch:     e.Epoch(h.Slot),
		Timestamp: h.Timestamp,
		Producer:  h.Producer,
	}
}

// leaderStake checks that producer leads the slot in the parent state and
// returns its stake.
func (e *Engine) leaderStake(parent *core.Block, slot uint64, producer string, state core.State) (uint64, error) {
	reg := e.Registry(state)
	leader, err := Leader(parent, slot, reg)
	if err != nil {
		return 0, err
	}
	if leader != producer {
		return 0, fmt.Errorf("%w: %w: slot %d leader is %s, block produced by %s",
			core.ErrConsensusViolation, ErrWrongLeader, slot, leader, producer)
	}
	v, err := reg.Get(producer)
	if err != nil {
		return 0, err
	}
	return v.Stake, nil
}

// beginBlock runs the per-block preamble, in order: record the stake table
// the block's children are drawn from, slash the producers its evidence
// proves, run the epoch boundary (rotation, then AI settlement) when the
// slot enters a new epoch, and record the producer's activity. res gets the
// transition, the slashes and, when building, the evidence left out.
func (e *Engine) beginBlock(parent *core.Block, b *core.Block, state core.State, evs []*core.Evidence, strict bool, res *Result) error {
	h := &b.Header
	reg := e.Registry(state)
	if err := recordSchedule(state, parent, reg); err != nil {
		return fmt.Errorf("record schedule: %w", err)
	}
	included, dropped, slashes, err := e.applyEvidence(state, reg, evs, strict)
	if err != nil {
		return err
	}
	b.Evidence = included
	res.Slashes, res.DroppedEvidence = slashes, dropped

	epoch := e.Epoch(h.Slot)
	if epoch > e.Epoch(parent.Header.Slot) {
		rot, err := reg.Rotate(epoch)
		if err != nil {
			return fmt.Errorf("rotate epoch %d: %w", epoch, err)
		}
		tr := &EpochTransition{Epoch: epoch, Rotation: rot}
		if e.settler != nil {
			tr.Settlements, err = e.settler.SettleEpoch(state, reg, epoch)
			if err != nil {
				return fmt.Errorf("settle epoch %d: %w", epoch, err)
			}
		}
		res.Transition = tr
	}
	if err := reg.MarkActive(h.Producer, epoch); err != nil && !errors.Is(err, core.ErrNotFound) {
		return err
	}
	return nil
}

// Build assembles a block on top of parent for slot, executing txs in order
// against state (a scratch state positioned at parent's post-state).
// Rejected txs are skipped and txs that no longer fit the gas limit are left
// for later. Evidence this branch can prove is included, the rest is
// reported in DroppedEvidence. On success state is committed to the new
// block's root.
func (e *Engine) Build(parent *core.Block, state core.State, slot uint64, timestamp int64, txs []*core.Transaction, key crypto.PrivateKey, evs ...*core.Evidence) (*Result, error) {
	if slot <= parent.Header.Slot {
		return nil, fmt.Errorf("slot %d does not follow parent slot %d", slot, parent.Header.Slot)
	}
	pub := key.Public()
	stake, err := e.leaderStake(parent, slot, pub.Address(), state)
	if errors.Is(err, ErrWrongLeader) {
		return nil, ErrNotLeader
	}
	if err != nil {
		return nil, err
	}

	if timestamp < parent.Header.Timestamp {
		timestamp = parent.Header.Timestamp
	}
	b := &core.Block{Header: core.BlockHeader{
		ChainID:        e.params.ChainID,
		Height:         parent.Header.Height + 1,
		Slot:           slot,
		Timestamp:      timestamp,
		ParentHash:     parent.Hash(),
		Producer:       pub.Address(),
		ProducerPubKey: pub.Hex(),
		GasLimit:       e.params.BlockGasLimit,
	}}
	res := &Result{Block: b, ProducerStake: stake}

	if err := e.beginBlock(parent, b, state, evs, false, res); err != nil {
		state.Rollback()
		return nil, err
	}

	bctx := e.blockContext(&b.Header)
	var reserved uint64
	for _, tx := range txs {
		if e.params.MaxTxsPerBlock > 0 && len(b.Transactions) >= e.params.MaxTxsPerBlock {
			break
		}
		if tx.GasLimit > e.params.BlockGasLimit-reserved {
			continue
		}
		rcpt, err := e.exec.Execute(bctx, tx, state)
		if err != nil {
			res.Skipped = append(res.Skipped, tx)
			continue
		}
		reserved += tx.GasLimit
		b.Header.GasUsed += rcpt.GasUsed
		b.Transactions = append(b.Transactions, tx)
		res.Receipts = append(res.Receipts, rcpt)
	}

	root, err := state.Commit()
	if err != nil {
		return nil, fmt.Errorf("commit state: %w", err)
	}
	b.Header.StateRoot = root
	b.Header.TxRoot = core.ComputeTxRoot(b.Transactions)
	b.Header.ReceiptsRoot = core.ComputeReceiptsRoot(res.Receipts)
	b.Header.EvidenceRoot = core.ComputeEvidenceRoot(b.Evidence)
	b.Sign(key)
	return res, nil
}

// Validate re-derives everything block claims, never trusting its sender:
// linkage to parent, slot leadership, signatures, every transaction's
// execution against state (positioned at parent's post-state) and the
// resulting roots. On success state is committed to the block's state
// root; on any failure it is rolled back.
func (e *Engine) Validate(block *core.Block, parent *core.Block, state core.State) (*Result, error) {
	res, err := e.validate(block, parent, state)
	if err != nil {
		state.Rollback()
		return nil, err
	}
	return res, nil
}

func (e *Engine) validate(block *core.Block, parent *core.Block, state core.State) (*Result, error) {
	h := &block.Header
	if err := block.ValidateBasic(e.params.MaxTxsPerBlock); err != nil {
		return nil, err
	}
	if h.ChainID != e.params.ChainID {
		return nil, fmt.Errorf("%w: chain id %q", core.ErrInvalidBlock, h.ChainID)
	}
	if h.ParentHash != parent.Hash() {
		return nil, fmt.Errorf("%w: parent %s, expected %s", core.ErrInvalidBlock, h.ParentHash, parent.Hash())
	}
	if h.Height != parent.Header.Height+1 {
		return nil, fmt.Errorf("%w: height %d after parent %d", core.ErrInvalidBlock, h.Height, parent.Header.Height)
	}
	if h.Slot <= parent.Header.Slot {
		return nil, fmt.Errorf("%w: slot %d not after parent slot %d", core.ErrInvalidBlock, h.Slot, parent.Header.Slot)
	}
	if h.Timestamp < parent.Header.Timestamp {
		return nil, fmt.Errorf("%w: timestamp before parent", core.ErrInvalidBlock)
	}
	if h.GasLimit > e.params.BlockGasLimit {
		return nil, fmt.Errorf("%w: gas limit %d above %d", core.ErrInvalidBlock, h.GasLimit, e.params.BlockGasLimit)
	}
	var reserved uint64
	for _, tx := range block.Transactions {
		if tx.GasLimit > h.GasLimit-reserved {
			return nil, fmt.Errorf("%w: tx gas limits exceed block gas limit", core.ErrInvalidBlock)
		}
		reserved += tx.GasLimit
	}

	if err := block.VerifySignature(e.signer); err != nil {
		return nil, fmt.Errorf("%w: producer signature: %v", core.ErrInvalidBlock, err)
	}
	stake, err := e.leaderStake(parent, h.Slot, h.Producer, state)
	if err != nil {
		return nil, err
	}
	if err := e.verifyTxSignatures(block.Transactions); err != nil {
		return nil, err
	}

	res := &Result{Block: block, ProducerStake: stake}
	claimed := block.Evidence
	scratch := &core.Block{Header: block.Header}
	if err := e.beginBlock(parent, scratch, state, claimed, true, res); err != nil {
		if errors.Is(err, ErrInvalidEvidence) {
			return nil, fmt.Errorf("%w: %w", core.ErrInvalidBlock, err)
		}
		return nil, err
	}

	bctx := e.blockContext(h)
	var gasUsed uint64
	for i, tx := range block.Transactions {
		rcpt, err := e.exec.Execute(bctx, tx, state)
		if err != nil {
			return nil, fmt.Errorf("%w: tx %d (%s): %v", core.ErrInvalidBlock, i, tx.Hash(), err)
		}
		gasUsed += rcpt.GasUsed
		res.Receipts = append(res.Receipts, rcpt)
	}
	if gasUsed != h.GasUsed {
		return nil, fmt.Errorf("%w: gas used %d, header %d", core.ErrInvalidBlock, gasUsed, h.GasUsed)
	}
	if got := core.ComputeReceiptsRoot(res.Receipts); got != h.ReceiptsRoot {
		return nil, fmt.Errorf("%w: receipts root %s, header %s", core.ErrInvalidBlock, got, h.ReceiptsRoot)
	}
	if err := state.CommitExpected(h.StateRoot); err != nil {
		// A peer claiming a wrong root sent a bad block; it says nothing
		// about local determinism, so the mismatch kind is not propagated.
		if errors.Is(err, core.ErrStateRootMismatch) {
			return nil, fmt.Errorf("%w: %v", core.ErrInvalidBlock, err)
		}
		return nil, err
	}
	return res, nil
}

// verifyTxSignatures checks every transaction signature in parallel before
// the sequential re-execution, so a forged block fails fast.
func (e *Engine) verifyTxSignatures(txs []*core.Transaction) error {
	var g errgroup.Group
	g.SetLimit(e.verifiers)
	for i, tx := range txs {
		g.Go(func() error {
			if err := e.exec.VerifySignature(tx); err != nil {
				return fmt.Errorf("%w: tx %d: %v", core.ErrInvalidBlock, i, err)
			}
			return nil
		})
	}
	return g.Wait()
}
