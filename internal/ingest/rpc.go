// Package ingest pulls blocks from the chain RPC endpoint on a fixed
// cadence and hands them to the downstream channels.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/slotwatch/engine/internal/store"
	"github.com/sugawarayuuta/sonnet"
)

const (
	// DefaultRequestTimeout applies when the caller's context has no deadline
	DefaultRequestTimeout = 10 * time.Second

	// MaxResponseBytes caps a single getBlock body
	MaxResponseBytes = 64 << 20
)

// ErrSlotNotAvailable means the node has no block for the slot yet (or the
// slot was skipped). It is an expected outcome, not a failure.
var ErrSlotNotAvailable = errors.New("slot not available")

// JSON-RPC error codes that mean "no block here (yet)".
const (
	codeBlockNotAvailable    = -32004
	codeSlotSkipped          = -32007
	codeLongTermStorageSlot  = -32009
	codeBlockStatusNotYetAvl = -32014
)

// RPCError is an error object returned inside a JSON-RPC response.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// NotReady reports whether the code means the block is not produced or not
// yet visible to the node.
func (e *RPCError) NotReady() bool {
	switch e.Code {
	case codeBlockNotAvailable, codeSlotSkipped, codeLongTermStorageSlot, codeBlockStatusNotYetAvl:
		return true
	}
	return false
}

// HTTPStatusError is returned for non-2xx responses.
type HTTPStatusError struct {
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected HTTP status %d", e.StatusCode)
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

type getBlockConfig struct {
	Encoding                       solana.EncodingType        `json:"encoding"`
	TransactionDetails             rpc.TransactionDetailsType `json:"transactionDetails"`
	MaxSupportedTransactionVersion uint64                     `json:"maxSupportedTransactionVersion"`
	Commitment                     rpc.CommitmentType         `json:"commitment,omitempty"`
}

type rpcEnvelope struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// BlockClient issues JSON-RPC calls over HTTP.
type BlockClient struct {
	url        string
	client     *http.Client
	commitment rpc.CommitmentType
	nextID     atomic.Uint64
}

// NewBlockClient creates a client for url. A nil httpClient gets a default
// with keep-alives sized for many concurrent fetches.
func NewBlockClient(url string, commitment string, httpClient *http.Client) *BlockClient {
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        64,
				MaxIdleConnsPerHost: 64,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &BlockClient{
		url:        url,
		client:     httpClient,
		commitment: rpc.CommitmentType(commitment),
	}
}

// GetBlock fetches the block at slot with full transaction detail and
// returns the raw response body. A null result or a not-ready RPC error
// yields ErrSlotNotAvailable.
func (c *BlockClient) GetBlock(ctx context.Context, slot store.Slot) ([]byte, error) {
	cfg := getBlockConfig{
		Encoding:                       solana.EncodingJSON,
		TransactionDetails:             rpc.TransactionDetailsFull,
		MaxSupportedTransactionVersion: 0,
		Commitment:                     c.commitment,
	}

	body, env, err := c.call(ctx, "getBlock", slot, cfg)
	if err != nil {
		return nil, err
	}
	if len(env.Result) == 0 || bytes.Equal(env.Result, []byte("null")) {
		return nil, ErrSlotNotAvailable
	}
	return body, nil
}

// GetSlot returns the node's current slot at the configured commitment.
func (c *BlockClient) GetSlot(ctx context.Context) (store.Slot, error) {
	var params []any
	if c.commitment != "" {
		params = append(params, map[string]any{"commitment": c.commitment})
	}

	_, env, err := c.call(ctx, "getSlot", params...)
	if err != nil {
		return 0, err
	}
	var slot uint64
	if err := sonnet.Unmarshal(env.Result, &slot); err != nil {
		return 0, fmt.Errorf("decode getSlot result: %w", err)
	}
	return slot, nil
}

func (c *BlockClient) call(ctx context.Context, method string, params ...any) ([]byte, rpcEnvelope, error) {
	var env rpcEnvelope

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultRequestTimeout)
		defer cancel()
	}

	reqBody, err := sonnet.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, env, fmt.Errorf("encode %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, env, fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, env, fmt.Errorf("%s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, env, &HTTPStatusError{StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBytes+1))
	if err != nil {
		return nil, env, fmt.Errorf("read %s response: %w", method, err)
	}
	if len(body) > MaxResponseBytes {
		return nil, env, fmt.Errorf("%s response exceeds %d bytes", method, MaxResponseBytes)
	}

	if err := sonnet.Unmarshal(body, &env); err != nil {
		return nil, env, fmt.Errorf("decode %s response: %w", method, err)
	}
	if env.Error != nil {
		if env.Error.NotReady() {
			return nil, env, fmt.Errorf("%w: %w", ErrSlotNotAvailable, env.Error)
		}
		return nil, env, env.Error
	}
	return body, env, nil
}
