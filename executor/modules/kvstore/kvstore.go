// Package kvstore implements the store payload op, which writes the
// sender's account storage.
package kvstore

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tolelom/poschain/executor"
)

// OpStore is the op name.
const OpStore = "store"

const maxKeyLen = 256

// StorePayload writes Value under Key; an empty Value deletes the entry.
type StorePayload struct {
	Op    string `json:"op"`
	Key   string `json:"key"`
	Value []byte `json:"value,omitempty"`
}

func init() {
	executor.Register(OpStore, handleStore)
}

func handleStore(ctx *executor.Context, payload json.RawMessage) error {
	var p StorePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode store payload: %w", err)
	}
	if p.Key == "" {
		return errors.New("store key required")
	}
	if len(p.Key) > maxKeyLen {
		return fmt.Errorf("store key longer than %d bytes", maxKeyLen)
	}
	cost := ctx.Params.Gas.StoreByte * uint64(len(p.Key)+len(p.Value))
	if err := ctx.Gas.Consume(cost, OpStore); err != nil {
		return err
	}
	if err := ctx.State.SetStorage(ctx.Tx.From, p.Key, p.Value); err != nil {
		return err
	}
	ctx.Emit(ctx.Tx.From, OpStore, []byte(p.Key))
	return nil
}
