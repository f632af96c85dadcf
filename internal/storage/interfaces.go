package storage

import (
	"context"

	"dex-trade-ledger/internal/domain"
)

// TokenMetaStore provides access to token_meta storage.
type TokenMetaStore interface {
	// ListAddresses returns every stored contract address.
	ListAddresses(ctx context.Context) ([]string, error)

	// LoadAll returns every stored row.
	LoadAll(ctx context.Context) ([]*domain.TokenMeta, error)

	// InsertBulk inserts rows in a single statement. Rows whose contract
	// address is already stored are ignored. Returns the number inserted.
	InsertBulk(ctx context.Context, metas []*domain.TokenMeta) (int, error)
}

// ProcessedTradeSink receives priced trades for analytics.
type ProcessedTradeSink interface {
	// InsertBulk appends trades in one batch.
	InsertBulk(ctx context.Context, trades []domain.ProcessedTrade) error

	// ReplaceSlot drops every stored row of slot and inserts trades in
	// its place, so reprocessing a slot never duplicates rows.
	ReplaceSlot(ctx context.Context, slot uint64, trades []domain.ProcessedTrade) error
}
