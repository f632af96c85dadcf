package stub

import (
	"context"
	"fmt"
	"sync"

	"dex-trade-ledger/internal/solana"
)

// RPCClient implements solana.RPCClient for testing.
// Blocks not present return solana.ErrBlockNotFound. FailTimes makes the
// next n GetBlock calls for a slot fail with solana.ErrTransient.
type RPCClient struct {
	mu sync.Mutex

	Blocks    map[uint64]*solana.Block
	Accounts  map[string]*solana.AccountInfo
	FailTimes map[uint64]int
	Head      uint64

	blockCalls map[uint64]int
}

// Compile-time interface check.
var _ solana.RPCClient = (*RPCClient)(nil)

// NewRPCClient creates a new stub RPC client.
func NewRPCClient() *RPCClient {
	return &RPCClient{
		Blocks:     make(map[uint64]*solana.Block),
		Accounts:   make(map[string]*solana.AccountInfo),
		FailTimes:  make(map[uint64]int),
		blockCalls: make(map[uint64]int),
	}
}

// GetBlock retrieves a block by slot from the stub store.
func (c *RPCClient) GetBlock(_ context.Context, slot uint64) (*solana.Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.blockCalls[slot]++
	if n := c.FailTimes[slot]; n > 0 {
		c.FailTimes[slot] = n - 1
		return nil, fmt.Errorf("stub slot %d: %w", slot, solana.ErrTransient)
	}

	block, ok := c.Blocks[slot]
	if !ok {
		return nil, fmt.Errorf("stub slot %d: %w", slot, solana.ErrBlockNotFound)
	}
	return block, nil
}

// GetSlot returns Head, or the highest stored block slot if Head is unset.
func (c *RPCClient) GetSlot(_ context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.Head > 0 {
		return c.Head, nil
	}
	var head uint64
	for slot := range c.Blocks {
		if slot > head {
			head = slot
		}
	}
	return head, nil
}

// GetAccountInfo returns a stored account or nil if absent.
func (c *RPCClient) GetAccountInfo(_ context.Context, pubkey string) (*solana.AccountInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.Accounts[pubkey], nil
}

// GetBlockTime returns the block time of a stored block.
func (c *RPCClient) GetBlockTime(_ context.Context, slot uint64) (*int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	block, ok := c.Blocks[slot]
	if !ok {
		return nil, fmt.Errorf("stub slot %d: %w", slot, solana.ErrBlockNotFound)
	}
	return block.BlockTime, nil
}

// AddBlock adds a block to the stub store.
func (c *RPCClient) AddBlock(block *solana.Block) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Blocks[block.Slot] = block
}

// SetFailures makes the next n GetBlock calls for slot fail.
func (c *RPCClient) SetFailures(slot uint64, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.FailTimes[slot] = n
}

// BlockCalls returns how many times GetBlock was called for slot.
func (c *RPCClient) BlockCalls(slot uint64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blockCalls[slot]
}
