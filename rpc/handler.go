package rpc

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tolelom/poschain/consensus"
	"github.com/tolelom/poschain/core"
	"github.com/tolelom/poschain/indexer"
	"github.com/tolelom/poschain/validator"
)

// Backend is the node core the handler serves from. *chain.Chain
// satisfies it.
type Backend interface {
	ChainID() string
	GetAccount(address string) (*core.Account, error)
	Validators() ([]*validator.Validator, error)
	Head() *core.Block
	Finalized() *core.Block
	GetBlockByHash(hash string) (*core.Block, error)
	GetBlockByHeight(height uint64) (*core.Block, error)
	BlockStatus(hash string) consensus.Status
	Receipt(txHash string) (*core.Receipt, *indexer.Location, error)
	TxsByAddress(address string) ([]string, error)
	SubmitTransaction(tx *core.Transaction) (bool, error)
	Mempool() *core.Mempool
}

// Handler holds all dependencies needed to serve RPC methods.
type Handler struct {
	backend Backend
}

// NewHandler creates an RPC Handler.
func NewHandler(backend Backend) *Handler {
	return &Handler{backend: backend}
}

// Dispatch routes an RPC request to the correct method.
func (h *Handler) Dispatch(req Request) Response {
	switch req.Method {
	case "getBalance":
		return h.getBalance(req)
	case "getNonce":
		return h.getNonce(req)
	case "getAccount":
		return h.getAccount(req)
	case "getBlock":
		return h.getBlock(req)
	case "getHead":
		return h.blockResult(req.ID, h.backend.Head())
	case "getFinalized":
		return h.blockResult(req.ID, h.backend.Finalized())
	case "getValidators":
		return h.getValidators(req)
	case "getReceipt":
		return h.getReceipt(req)
	case "getTxsByAddress":
		return h.getTxsByAddress(req)
	case "sendTx":
		return h.sendTx(req)
	case "getMempoolSize":
		return okResponse(req.ID, h.backend.Mempool().Size())
	default:
		return errResponse(req.ID, CodeMethodNotFound, fmt.Sprintf("method %q not found", req.Method))
	}
}

type addressParams struct {
	Address string `json:"address"`
}

func (h *Handler) address(req Request) (string, *Response) {
	var params addressParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		resp := errResponse(req.ID, CodeInvalidParams, "params: "+err.Error())
		return "", &resp
	}
	if params.Address == "" {
		resp := errResponse(req.ID, CodeInvalidParams, "address is required")
		return "", &resp
	}
	return params.Address, nil
}

func (h *Handler) getAccount(req Request) Response {
	addr, bad := h.address(req)
	if bad != nil {
		return *bad
	}
	acc, err := h.backend.GetAccount(addr)
	if err != nil {
		return fromError(req.ID, err)
	}
	return okResponse(req.ID, acc)
}

func (h *Handler) getBalance(req Request) Response {
	addr, bad := h.address(req)
	if bad != nil {
		return *bad
	}
	acc, err := h.backend.GetAccount(addr)
	if err != nil {
		return fromError(req.ID, err)
	}
	return okResponse(req.ID, BalanceResult{Address: addr, Balance: acc.Balance, Nonce: acc.Nonce})
}

func (h *Handler) getNonce(req Request) Response {
	addr, bad := h.address(req)
	if bad != nil {
		return *bad
	}
	acc, err := h.backend.GetAccount(addr)
	if err != nil {
		return fromError(req.ID, err)
	}
	return okResponse(req.ID, acc.Nonce)
}

func (h *Handler) getBlock(req Request) Response {
	var params struct {
		Hash   string  `json:"hash"`
		Height *uint64 `json:"height"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errResponse(req.ID, CodeInvalidParams, "params: "+err.Error())
		}
	}

	var (
		block *core.Block
		err   error
	)
	switch {
	case params.Hash != "":
		block, err = h.backend.GetBlockByHash(params.Hash)
	case params.Height != nil:
		block, err = h.backend.GetBlockByHeight(*params.Height)
	default:
		block = h.backend.Head()
	}
	if err != nil {
		return fromError(req.ID, err)
	}
	return h.blockResult(req.ID, block)
}

func (h *Handler) blockResult(id any, b *core.Block) Response {
	if b == nil {
		return errResponse(id, CodeNotFound, "no block found")
	}
	hash := b.Hash()
	return okResponse(id, BlockResult{Hash: hash, Status: h.backend.BlockStatus(hash).String(), Block: b})
}

func (h *Handler) getValidators(req Request) Response {
	vals, err := h.backend.Validators()
	if err != nil {
		return fromError(req.ID, err)
	}
	return okResponse(req.ID, vals)
}

func (h *Handler) getReceipt(req Request) Response {
	var params struct {
		Hash string `json:"hash"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, "params: "+err.Error())
	}
	if params.Hash == "" {
		return errResponse(req.ID, CodeInvalidParams, "hash is required")
	}
	r, loc, err := h.backend.Receipt(params.Hash)
	if err != nil {
		return fromError(req.ID, err)
	}
	return okResponse(req.ID, ReceiptResult{Receipt: r, BlockHash: loc.BlockHash, Height: loc.Height, Index: loc.Index})
}

func (h *Handler) getTxsByAddress(req Request) Response {
	addr, bad := h.address(req)
	if bad != nil {
		return *bad
	}
	ids, err := h.backend.TxsByAddress(addr)
	if err != nil {
		return fromError(req.ID, err)
	}
	if ids == nil {
		ids = []string{}
	}
	return okResponse(req.ID, ids)
}

func (h *Handler) sendTx(req Request) Response {
	var tx core.Transaction
	if err := json.Unmarshal(req.Params, &tx); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	// Reject transactions destined for a different network to prevent
	// cross-chain replay.
	if want := h.backend.ChainID(); tx.ChainID != want {
		return errResponse(req.ID, CodeInvalidParams,
			fmt.Sprintf("chain ID mismatch: got %q want %q", tx.ChainID, want))
	}
	accepted, err := h.backend.SubmitTransaction(&tx)
	if err != nil {
		return errResponse(req.ID, CodeRejected, err.Error())
	}
	return okResponse(req.ID, SendTxResult{TxHash: tx.Hash(), Accepted: accepted})
}

func fromError(id any, err error) Response {
	if errors.Is(err, core.ErrNotFound) {
		return errResponse(id, CodeNotFound, err.Error())
	}
	return errResponse(id, CodeInternalError, err.Error())
}
