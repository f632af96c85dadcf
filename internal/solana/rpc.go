package solana

import (
	"context"
	"errors"
)

// Block source errors. Returned errors wrap one of these so callers can
// classify a failure with errors.Is.
var (
	// ErrBlockNotFound is returned when the node has no block for a slot
	// (skipped, not yet produced, or pruned from long-term storage).
	ErrBlockNotFound = errors.New("block not found")

	// ErrTransient is returned when the request failed in a way that may
	// succeed on retry (network, rate limiting, 5xx).
	ErrTransient = errors.New("transient rpc failure")

	// ErrMalformed is returned when the node response cannot be decoded.
	ErrMalformed = errors.New("malformed rpc response")
)

// BlockSource fetches blocks by slot and reports the chain head.
type BlockSource interface {
	// GetBlock retrieves a block by slot number.
	GetBlock(ctx context.Context, slot uint64) (*Block, error)

	// GetSlot retrieves the latest slot.
	GetSlot(ctx context.Context) (uint64, error)
}

// AccountSource reads raw account state.
type AccountSource interface {
	// GetAccountInfo retrieves account info by public key.
	// Returns nil, nil if the account does not exist.
	GetAccountInfo(ctx context.Context, pubkey string) (*AccountInfo, error)
}

// BlockTimer resolves the production time of a slot.
type BlockTimer interface {
	GetBlockTime(ctx context.Context, slot uint64) (*int64, error)
}

// RPCClient defines the Solana JSON-RPC surface used by the ledger.
type RPCClient interface {
	BlockSource
	AccountSource
	BlockTimer
}
