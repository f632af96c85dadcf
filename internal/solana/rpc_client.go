package solana

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"dex-trade-ledger/internal/observability"
	"dex-trade-ledger/internal/retry"
)

// DefaultTimeout bounds a single HTTP round trip.
const DefaultTimeout = 30 * time.Second

// DefaultRetryPolicy retries transport failures four times in total,
// doubling from one second up to ten. A Retry-After header on a 429 or
// 503 response takes precedence over the computed wait.
func DefaultRetryPolicy() retry.Policy {
	p := retry.Exponential(4, time.Second)
	p.MaxInterval = 10 * time.Second
	p.DelayFor = retryAfter
	return p
}

// Node error codes for slots without a retrievable block.
const (
	codeBlockNotAvailable   = -32004
	codeSlotSkipped         = -32007
	codeLongTermStorageSlot = -32009
)

// HTTPClient is the JSON-RPC 2.0 block source backed by a node's HTTP endpoint.
type HTTPClient struct {
	endpoint   string
	http       *http.Client
	commitment string
	policy     retry.Policy
	ids        atomic.Uint64
}

var _ RPCClient = (*HTTPClient)(nil)

// ClientOption configures HTTPClient.
type ClientOption func(*HTTPClient)

// WithTimeout sets the per-request HTTP timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *HTTPClient) { c.http.Timeout = d }
}

// WithRetry replaces the transport retry policy.
func WithRetry(p retry.Policy) ClientOption {
	return func(c *HTTPClient) { c.policy = p }
}

// WithCommitment sets the commitment level sent with slot and block queries.
func WithCommitment(commitment string) ClientOption {
	return func(c *HTTPClient) { c.commitment = commitment }
}

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *HTTPClient) { c.http = hc }
}

// NewHTTPClient creates a client for endpoint with "confirmed" commitment.
func NewHTTPClient(endpoint string, opts ...ClientOption) *HTTPClient {
	c := &HTTPClient{
		endpoint:   endpoint,
		http:       &http.Client{Timeout: DefaultTimeout},
		commitment: "confirmed",
		policy:     DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

type rpcResponse struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// classify maps a node error onto ErrBlockNotFound or ErrTransient.
func (e *rpcError) classify() error {
	switch e.Code {
	case codeBlockNotAvailable, codeSlotSkipped, codeLongTermStorageSlot:
		return fmt.Errorf("%w: %w", ErrBlockNotFound, e)
	default:
		return fmt.Errorf("%w: %w", ErrTransient, e)
	}
}

// statusError is a non-200 HTTP response.
type statusError struct {
	code  int
	body  string
	after time.Duration
}

func (e *statusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("http status %d", e.code)
	}
	return fmt.Sprintf("http status %d: %s", e.code, e.body)
}

func retryAfter(err error) (time.Duration, bool) {
	var se *statusError
	if errors.As(err, &se) && se.after > 0 {
		return se.after, true
	}
	return 0, false
}

// call sends method and decodes the result into out. Transport failures
// are retried under the client policy and surface as ErrTransient. Errors
// reported by the node are returned without retrying.
func (c *HTTPClient) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	start := time.Now()
	defer func() {
		observability.RecordRPCLatency(method, time.Since(start).Seconds())
	}()

	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.ids.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", method, err)
	}

	result, err := retry.Do(ctx, c.policy, func(uint) (json.RawMessage, error) {
		return c.post(ctx, body)
	}, nil)
	if err != nil {
		return err
	}

	if out == nil || len(result) == 0 {
		return nil
	}
	if err := json.Unmarshal(result, out); err != nil {
		return fmt.Errorf("%w: %s result: %w", ErrMalformed, method, err)
	}
	return nil
}

// post performs one round trip.
func (c *HTTPClient) post(ctx context.Context, body []byte) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransient, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrTransient, err)
	}
	if resp.StatusCode != http.StatusOK {
		se := &statusError{code: resp.StatusCode, body: truncate(payload, 256)}
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			se.after = time.Duration(secs) * time.Second
		}
		return nil, fmt.Errorf("%w: %w", ErrTransient, se)
	}

	var rr rpcResponse
	if err := json.Unmarshal(payload, &rr); err != nil {
		return nil, fmt.Errorf("%w: decode response: %w", ErrTransient, err)
	}
	if rr.Error != nil {
		return nil, retry.Permanent(rr.Error.classify())
	}
	return rr.Result, nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}

// GetBlock retrieves a block with full transaction details by slot number.
func (c *HTTPClient) GetBlock(ctx context.Context, slot uint64) (*Block, error) {
	params := []interface{}{
		slot,
		map[string]interface{}{
			"encoding":                       "json",
			"transactionDetails":             "full",
			"rewards":                        false,
			"commitment":                     c.commitment,
			"maxSupportedTransactionVersion": 0,
		},
	}

	var result *getBlockResult
	if err := c.call(ctx, "getBlock", params, &result); err != nil {
		return nil, fmt.Errorf("get block %d: %w", slot, err)
	}
	if result == nil {
		return nil, fmt.Errorf("get block %d: %w", slot, ErrBlockNotFound)
	}

	block := &Block{
		Slot:         slot,
		BlockTime:    result.BlockTime,
		Transactions: make([]Transaction, 0, len(result.Transactions)),
	}

	for i, txWrapper := range result.Transactions {
		if txWrapper.Transaction.Message == nil {
			return nil, fmt.Errorf("get block %d: %w: transaction %d has no message", slot, ErrMalformed, i)
		}
		msg := txWrapper.Transaction.Message

		tx := Transaction{
			Signatures:   txWrapper.Transaction.Signatures,
			AccountKeys:  append([]string(nil), msg.AccountKeys...),
			Instructions: msg.Instructions,
		}

		if meta := txWrapper.Meta; meta != nil {
			tx.Err = meta.Err
			tx.InnerInstructions = meta.InnerInstructions
			tx.PreBalances = meta.PreBalances
			tx.PostBalances = meta.PostBalances
			tx.PreTokenBalances = meta.PreTokenBalances
			tx.PostTokenBalances = meta.PostTokenBalances
			if meta.LoadedAddresses != nil {
				tx.AccountKeys = append(tx.AccountKeys, meta.LoadedAddresses.Writable...)
				tx.AccountKeys = append(tx.AccountKeys, meta.LoadedAddresses.Readonly...)
			}
		}

		block.Transactions = append(block.Transactions, tx)
	}

	return block, nil
}

// getBlockResult is the raw RPC response for getBlock.
type getBlockResult struct {
	BlockTime    *int64              `json:"blockTime"`
	Transactions []getBlockTxWrapper `json:"transactions"`
}

type getBlockTxWrapper struct {
	Transaction getBlockTx      `json:"transaction"`
	Meta        *getBlockTxMeta `json:"meta"`
}

type getBlockTx struct {
	Signatures []string         `json:"signatures"`
	Message    *getBlockMessage `json:"message"`
}

type getBlockMessage struct {
	AccountKeys  []string              `json:"accountKeys"`
	Instructions []CompiledInstruction `json:"instructions"`
}

type getBlockTxMeta struct {
	Err               interface{}         `json:"err"`
	PreBalances       []uint64            `json:"preBalances"`
	PostBalances      []uint64            `json:"postBalances"`
	InnerInstructions []InnerInstructions `json:"innerInstructions"`
	PreTokenBalances  []TokenBalance      `json:"preTokenBalances"`
	PostTokenBalances []TokenBalance      `json:"postTokenBalances"`
	LoadedAddresses   *loadedAddresses    `json:"loadedAddresses"`
}

type loadedAddresses struct {
	Writable []string `json:"writable"`
	Readonly []string `json:"readonly"`
}

// GetAccountInfo retrieves account info by public key.
// Returns nil if account not found.
func (c *HTTPClient) GetAccountInfo(ctx context.Context, pubkey string) (*AccountInfo, error) {
	params := []interface{}{
		pubkey,
		map[string]interface{}{
			"encoding": "base64",
		},
	}

	var result getAccountInfoResult
	if err := c.call(ctx, "getAccountInfo", params, &result); err != nil {
		return nil, err
	}

	if result.Value == nil {
		return nil, nil
	}

	info := &AccountInfo{
		Lamports:   result.Value.Lamports,
		Owner:      result.Value.Owner,
		Executable: result.Value.Executable,
		RentEpoch:  result.Value.RentEpoch,
	}

	if len(result.Value.Data) >= 1 {
		info.Data = result.Value.Data[0]
	}

	return info, nil
}

type getAccountInfoResult struct {
	Value *getAccountInfoValue `json:"value"`
}

type getAccountInfoValue struct {
	Lamports   uint64   `json:"lamports"`
	Owner      string   `json:"owner"`
	Data       []string `json:"data"` // [base64_data, encoding]
	Executable bool     `json:"executable"`
	RentEpoch  uint64   `json:"rentEpoch"`
}

// GetSlot retrieves the current slot.
func (c *HTTPClient) GetSlot(ctx context.Context) (uint64, error) {
	params := []interface{}{
		map[string]interface{}{"commitment": c.commitment},
	}
	var result uint64
	if err := c.call(ctx, "getSlot", params, &result); err != nil {
		return 0, err
	}
	return result, nil
}

// GetBlockTime retrieves the estimated production time of a block.
func (c *HTTPClient) GetBlockTime(ctx context.Context, slot uint64) (*int64, error) {
	params := []interface{}{slot}
	var result *int64
	if err := c.call(ctx, "getBlockTime", params, &result); err != nil {
		return nil, err
	}
	return result, nil
}
