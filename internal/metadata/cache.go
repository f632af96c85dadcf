package metadata

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"dex-trade-ledger/internal/domain"
	"dex-trade-ledger/internal/observability"
	"dex-trade-ledger/internal/storage"
)

// Cache defaults.
const (
	DefaultFlushInterval = 60 * time.Second
	DefaultChunkSize     = 500

	finalFlushTimeout = 30 * time.Second
)

// Cache is a read-through token metadata cache. Lookups are served from
// memory; misses go to the Fetcher. New entries reach the store on the next
// FlushNew, which inserts only addresses the store does not have yet.
//
// Concurrent misses for the same address are not coalesced and may each
// call the Fetcher.
type Cache struct {
	store     storage.TokenMetaStore
	fetcher   Fetcher
	chunkSize int
	logger    *zap.Logger

	mu      sync.Mutex
	entries map[string]*domain.TokenMeta
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithChunkSize sets the number of rows per insert statement.
func WithChunkSize(n int) CacheOption {
	return func(c *Cache) {
		if n > 0 {
			c.chunkSize = n
		}
	}
}

// WithCacheLogger sets the logger.
func WithCacheLogger(l *zap.Logger) CacheOption {
	return func(c *Cache) { c.logger = l }
}

// NewCache creates an empty cache. Call Load to warm it from the store.
func NewCache(store storage.TokenMetaStore, fetcher Fetcher, opts ...CacheOption) *Cache {
	c := &Cache{
		store:     store,
		fetcher:   fetcher,
		chunkSize: DefaultChunkSize,
		logger:    zap.NewNop(),
		entries:   make(map[string]*domain.TokenMeta),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Load reads every stored row into memory.
func (c *Cache) Load(ctx context.Context) error {
	metas, err := c.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("load token meta: %w", err)
	}

	c.mu.Lock()
	for _, m := range metas {
		c.entries[m.ContractAddress] = m
	}
	n := len(c.entries)
	c.mu.Unlock()

	c.logger.Info("token meta cache loaded", zap.Int("entries", n))
	return nil
}

// Get returns a cached entry without fetching.
func (c *Cache) Get(address string) (*domain.TokenMeta, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.entries[address]
	return m, ok
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// GetOrFetch returns the cached entry for address, fetching and caching it
// on a miss. Returned values must not be modified.
func (c *Cache) GetOrFetch(ctx context.Context, address string) (*domain.TokenMeta, error) {
	if m, ok := c.Get(address); ok {
		observability.RecordMetadataLookup("hit")
		return m, nil
	}

	m, err := c.fetcher.FetchMeta(ctx, address)
	if err != nil {
		observability.RecordMetadataLookup("error")
		return nil, fmt.Errorf("fetch token meta %s: %w", address, err)
	}
	observability.RecordMetadataLookup("miss")

	c.mu.Lock()
	c.entries[address] = m
	c.mu.Unlock()
	return m, nil
}

// FlushNew inserts cached entries whose address is not in the store, in
// chunks of the configured size with one statement per chunk. Returns the
// number of rows inserted. With nothing new it issues no insert.
func (c *Cache) FlushNew(ctx context.Context) (int, error) {
	c.mu.Lock()
	if len(c.entries) == 0 {
		c.mu.Unlock()
		return 0, nil
	}
	snapshot := make(map[string]*domain.TokenMeta, len(c.entries))
	for addr, m := range c.entries {
		snapshot[addr] = m
	}
	c.mu.Unlock()

	stored, err := c.store.ListAddresses(ctx)
	if err != nil {
		return 0, fmt.Errorf("list stored addresses: %w", err)
	}
	for _, addr := range stored {
		delete(snapshot, addr)
	}
	if len(snapshot) == 0 {
		return 0, nil
	}

	fresh := make([]*domain.TokenMeta, 0, len(snapshot))
	for _, m := range snapshot {
		fresh = append(fresh, m)
	}
	sort.Slice(fresh, func(i, j int) bool {
		return fresh[i].ContractAddress < fresh[j].ContractAddress
	})

	var inserted int
	for start := 0; start < len(fresh); start += c.chunkSize {
		end := min(start+c.chunkSize, len(fresh))
		n, err := c.store.InsertBulk(ctx, fresh[start:end])
		inserted += n
		if err != nil {
			observability.RecordMetadataFlushed(inserted)
			return inserted, fmt.Errorf("insert token meta chunk at %d: %w", start, err)
		}
	}

	observability.RecordMetadataFlushed(inserted)
	c.logger.Info("token meta flushed", zap.Int("new", len(fresh)), zap.Int("inserted", inserted))
	return inserted, nil
}

// Run flushes every interval until ctx is done, then flushes once more.
// Flush errors are logged and do not stop the loop.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalFlushTimeout)
			if _, err := c.FlushNew(flushCtx); err != nil {
				c.logger.Error("final token meta flush failed", zap.Error(err))
			}
			cancel()
			return
		case <-ticker.C:
			if _, err := c.FlushNew(ctx); err != nil {
				c.logger.Error("token meta flush failed", zap.Error(err))
			}
		}
	}
}
