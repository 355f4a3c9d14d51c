// Package aitask implements the AI task lifecycle ops: a requester escrows
// a reward, a worker submits a result, and active validators assess it.
// Settlement happens at the epoch boundary, not here.
package aitask

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tolelom/poschain/aiscore"
	"github.com/tolelom/poschain/core"
	"github.com/tolelom/poschain/executor"
)

// Op names.
const (
	OpTask   = "ai_task"
	OpResult = "ai_result"
	OpAssess = "ai_assess"
)

// TaskPayload opens a task. The task id is the transaction hash.
type TaskPayload struct {
	Op        string           `json:"op"`
	Kind      aiscore.TaskKind `json:"kind"`
	ModelHash string           `json:"model_hash"`
	Reward    uint64           `json:"reward"`
}

// ResultPayload submits the one result a task accepts.
type ResultPayload struct {
	Op           string `json:"op"`
	TaskID       string `json:"task_id"`
	ResultDigest string `json:"result_digest"`
	Proof        []byte `json:"proof,omitempty"`
}

// AssessPayload carries a validator's verdict from the external prover.
type AssessPayload struct {
	Op       string  `json:"op"`
	TaskID   string  `json:"task_id"`
	Verified bool    `json:"verified"`
	Quality  float64 `json:"quality"`
}

func init() {
	executor.Register(OpTask, handleTask)
	executor.Register(OpResult, handleResult)
	executor.Register(OpAssess, handleAssess)
}

func handleTask(ctx *executor.Context, payload json.RawMessage) error {
	if err := ctx.Gas.Consume(ctx.Params.Gas.AITask, OpTask); err != nil {
		return err
	}
	var p TaskPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode ai_task payload: %w", err)
	}
	if !p.Kind.Valid() {
		return fmt.Errorf("%w: %d", aiscore.ErrUnknownKind, p.Kind)
	}
	if p.ModelHash == "" {
		return errors.New("model_hash required")
	}
	if p.Reward == 0 {
		return errors.New("reward must be > 0")
	}
	if err := ctx.Debit(ctx.Tx.From, p.Reward); err != nil {
		return fmt.Errorf("escrow reward: %w", err)
	}
	task := &aiscore.Task{
		ID:           ctx.Tx.Hash(),
		Kind:         p.Kind,
		ModelHash:    p.ModelHash,
		Requester:    ctx.Tx.From,
		Reward:       p.Reward,
		CreatedEpoch: ctx.Block.Epoch,
	}
	if err := ctx.Tasks().CreateTask(task); err != nil {
		return err
	}
	ctx.Emit(ctx.Tx.From, OpTask, []byte(task.ID))
	return nil
}

func openTask(store *aiscore.Store, id string) (*aiscore.Task, error) {
	task, err := store.GetTask(id)
	if errors.Is(err, core.ErrNotFound) {
		return nil, fmt.Errorf("task %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	if task.Status != aiscore.TaskOpen {
		return nil, fmt.Errorf("task %s is %s", id, task.Status)
	}
	return task, nil
}

func handleResult(ctx *executor.Context, payload json.RawMessage) error {
	if err := ctx.Gas.Consume(ctx.Params.Gas.AIResult, OpResult); err != nil {
		return err
	}
	var p ResultPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode ai_result payload: %w", err)
	}
	if p.ResultDigest == "" {
		return errors.New("result_digest required")
	}
	store := ctx.Tasks()
	task, err := openTask(store, p.TaskID)
	if err != nil {
		return err
	}
	if task.Requester == ctx.Tx.From {
		return errors.New("requester cannot submit a result for its own task")
	}
	if err := store.PutResult(&aiscore.Result{
		TaskID:         task.ID,
		Worker:         ctx.Tx.From,
		ResultDigest:   p.ResultDigest,
		Proof:          p.Proof,
		SubmittedEpoch: ctx.Block.Epoch,
	}); err != nil {
		return err
	}
	ctx.Emit(ctx.Tx.From, OpResult, []byte(task.ID))
	return nil
}

func handleAssess(ctx *executor.Context, payload json.RawMessage) error {
	if err := ctx.Gas.Consume(ctx.Params.Gas.AIAssess, OpAssess); err != nil {
		return err
	}
	var p AssessPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode ai_assess payload: %w", err)
	}
	v, err := ctx.Validators().Get(ctx.Tx.From)
	if err != nil {
		return fmt.Errorf("assessor %s is not a validator: %w", ctx.Tx.From, err)
	}
	if !v.Active {
		return fmt.Errorf("assessor %s is not active", ctx.Tx.From)
	}
	store := ctx.Tasks()
	if _, err := openTask(store, p.TaskID); err != nil {
		return err
	}
	result, err := store.GetResult(p.TaskID)
	if err != nil {
		return fmt.Errorf("task %s has no result: %w", p.TaskID, err)
	}
	if result.Worker == ctx.Tx.From {
		return errors.New("worker cannot assess its own result")
	}
	if err := store.AddAssessment(p.TaskID, aiscore.Assessment{
		Assessor: ctx.Tx.From,
		Verified: p.Verified,
		Quality:  aiscore.QualityFromFloat(p.Quality),
	}); err != nil {
		return err
	}
	ctx.Emit(ctx.Tx.From, OpAssess, []byte(p.TaskID))
	return nil
}
