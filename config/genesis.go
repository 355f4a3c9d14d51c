package config

import (
	"fmt"
	"sort"

	"github.com/tolelom/poschain/core"
	"github.com/tolelom/poschain/crypto"
	"github.com/tolelom/poschain/validator"
)

// CreateGenesisBlock seeds state with the allocations and initial
// validators of g, commits it, and returns block #0 carrying the
// resulting state root. The genesis block is unsigned; every node derives
// the same one from the same config.
func CreateGenesisBlock(g GenesisConfig, state core.State, params validator.Params) (*core.Block, error) {
	addrs := make([]string, 0, len(g.Alloc))
	for addr := range g.Alloc {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	for _, addr := range addrs {
		acc, err := core.AccountOrEmpty(state, addr)
		if err != nil {
			return nil, err
		}
		acc.Balance = g.Alloc[addr]
		if err := state.SetAccount(addr, acc); err != nil {
			return nil, err
		}
	}

	reg := validator.NewRegistry(state, params)
	for i, gv := range g.Validators {
		pub, err := crypto.PubKeyFromHex(gv.PubKey)
		if err != nil {
			return nil, fmt.Errorf("genesis validator %d: %w", i, err)
		}
		if err := reg.AddGenesis(pub.Address(), pub.Hex(), gv.Stake); err != nil {
			return nil, fmt.Errorf("genesis validator %d: %w", i, err)
		}
	}

	root, err := state.Commit()
	if err != nil {
		return nil, err
	}
	return &core.Block{Header: core.BlockHeader{
		ChainID:      g.ChainID,
		Timestamp:    g.Time,
		ParentHash:   core.ZeroHash,
		StateRoot:    root,
		TxRoot:       core.ComputeTxRoot(nil),
		ReceiptsRoot: core.ComputeReceiptsRoot(nil),
	}}, nil
}
