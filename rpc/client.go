package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"

	"github.com/tolelom/poschain/core"
	"github.com/tolelom/poschain/validator"
)

// Client calls a node's JSON-RPC endpoint.
type Client struct {
	http   *resty.Client
	nextID atomic.Int64
}

// NewClient returns a client for the server at baseURL. A non-empty token
// is sent as a bearer token.
func NewClient(baseURL, token string) *Client {
	h := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10*time.Second).
		SetHeader("Content-Type", "application/json")
	if token != "" {
		h.SetAuthToken(token)
	}
	return &Client{http: h}
}

// Call invokes method with params and decodes the result into out, which
// may be nil. A server-side failure is returned as *Error.
func (c *Client) Call(ctx context.Context, method string, params, out any) error {
	req := Request{JSONRPC: "2.0", ID: c.nextID.Add(1), Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return errors.WithMessagef(err, "encode %s params", method)
		}
		req.Params = raw
	}
	resp, err := c.http.R().SetContext(ctx).SetBody(req).Post("/")
	if err != nil {
		return errors.WithMessagef(err, "call %s", method)
	}

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *Error          `json:"error"`
	}
	if err := json.Unmarshal(resp.Body(), &envelope); err != nil {
		if resp.StatusCode() != http.StatusOK {
			return errors.Errorf("call %s: http %s", method, resp.Status())
		}
		return errors.WithMessagef(err, "decode %s response", method)
	}
	if envelope.Error != nil {
		return errors.WithMessage(envelope.Error, method)
	}
	if out == nil {
		return nil
	}
	return errors.WithMessagef(json.Unmarshal(envelope.Result, out), "decode %s result", method)
}

// Balance returns the balance and next nonce of address.
func (c *Client) Balance(ctx context.Context, address string) (*BalanceResult, error) {
	var out BalanceResult
	if err := c.Call(ctx, "getBalance", addressParams{Address: address}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Nonce returns the next nonce address must use.
func (c *Client) Nonce(ctx context.Context, address string) (uint64, error) {
	var n uint64
	err := c.Call(ctx, "getNonce", addressParams{Address: address}, &n)
	return n, err
}

// Account returns the full account of address.
func (c *Client) Account(ctx context.Context, address string) (*core.Account, error) {
	var acc core.Account
	if err := c.Call(ctx, "getAccount", addressParams{Address: address}, &acc); err != nil {
		return nil, err
	}
	return &acc, nil
}

// BlockByHeight returns the canonical block at height.
func (c *Client) BlockByHeight(ctx context.Context, height uint64) (*BlockResult, error) {
	return c.block(ctx, "getBlock", map[string]uint64{"height": height})
}

// BlockByHash returns any stored block.
func (c *Client) BlockByHash(ctx context.Context, hash string) (*BlockResult, error) {
	return c.block(ctx, "getBlock", map[string]string{"hash": hash})
}

// Head returns the canonical head.
func (c *Client) Head(ctx context.Context) (*BlockResult, error) {
	return c.block(ctx, "getHead", nil)
}

// Finalized returns the latest finalized block.
func (c *Client) Finalized(ctx context.Context) (*BlockResult, error) {
	return c.block(ctx, "getFinalized", nil)
}

func (c *Client) block(ctx context.Context, method string, params any) (*BlockResult, error) {
	var out BlockResult
	if err := c.Call(ctx, method, params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Validators returns the registered validators.
func (c *Client) Validators(ctx context.Context) ([]*validator.Validator, error) {
	var out []*validator.Validator
	err := c.Call(ctx, "getValidators", nil, &out)
	return out, err
}

// Receipt returns the receipt of a canonical transaction.
func (c *Client) Receipt(ctx context.Context, txHash string) (*ReceiptResult, error) {
	var out ReceiptResult
	if err := c.Call(ctx, "getReceipt", map[string]string{"hash": txHash}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TxsByAddress lists transactions that touched address.
func (c *Client) TxsByAddress(ctx context.Context, address string) ([]string, error) {
	var out []string
	err := c.Call(ctx, "getTxsByAddress", addressParams{Address: address}, &out)
	return out, err
}

// SendTx submits a signed transaction.
func (c *Client) SendTx(ctx context.Context, tx *core.Transaction) (*SendTxResult, error) {
	var out SendTxResult
	if err := c.Call(ctx, "sendTx", tx, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MempoolSize returns the number of pending transactions.
func (c *Client) MempoolSize(ctx context.Context) (int, error) {
	var n int
	err := c.Call(ctx, "getMempoolSize", nil, &n)
	return n, err
}
