package clickhouse

import (
	"context"
	"fmt"
	"time"

	"dex-trade-ledger/internal/domain"
	"dex-trade-ledger/internal/observability"
	"dex-trade-ledger/internal/storage"
)

// ProcessedTradeSink implements storage.ProcessedTradeSink using ClickHouse.
type ProcessedTradeSink struct {
	conn *Conn
}

// NewProcessedTradeSink creates a new ProcessedTradeSink.
func NewProcessedTradeSink(conn *Conn) *ProcessedTradeSink {
	return &ProcessedTradeSink{conn: conn}
}

// Compile-time interface check.
var _ storage.ProcessedTradeSink = (*ProcessedTradeSink)(nil)

// InsertBulk appends trades in one native batch.
func (s *ProcessedTradeSink) InsertBulk(ctx context.Context, trades []domain.ProcessedTrade) (err error) {
	if len(trades) == 0 {
		return nil
	}
	defer func(start time.Time) {
		observability.RecordDBQuery("clickhouse", "insert_processed_trades", time.Since(start).Seconds(), err)
	}(time.Now())

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO processed_trades (
			block_date, block_time, block_slot, token, price, usd_price, volume
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, t := range trades {
		date, err := time.Parse(time.DateOnly, t.BlockDate)
		if err != nil {
			_ = batch.Abort()
			return fmt.Errorf("%w: block date %q", storage.ErrInvalidInput, t.BlockDate)
		}
		err = batch.Append(
			date, t.BlockTime, t.BlockSlot, t.Token,
			t.Price, t.USDPrice, t.Volume,
		)
		if err != nil {
			_ = batch.Abort()
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// ReplaceSlot removes the slot's rows with a lightweight DELETE, then
// inserts trades. Trades must all belong to slot.
func (s *ProcessedTradeSink) ReplaceSlot(ctx context.Context, slot uint64, trades []domain.ProcessedTrade) (err error) {
	for _, t := range trades {
		if t.BlockSlot != slot {
			return fmt.Errorf("%w: trade of slot %d in replace of slot %d", storage.ErrInvalidInput, t.BlockSlot, slot)
		}
	}

	start := time.Now()
	err = s.conn.Exec(ctx, `DELETE FROM processed_trades WHERE block_slot = ?`, slot)
	observability.RecordDBQuery("clickhouse", "delete_processed_slot", time.Since(start).Seconds(), err)
	if err != nil {
		return fmt.Errorf("delete slot %d: %w", slot, err)
	}
	return s.InsertBulk(ctx, trades)
}

// CountBySlot returns the number of rows stored for a slot.
func (s *ProcessedTradeSink) CountBySlot(ctx context.Context, slot uint64) (uint64, error) {
	var n uint64
	row := s.conn.QueryRow(ctx, `SELECT count() FROM processed_trades WHERE block_slot = ?`, slot)
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count slot %d: %w", slot, err)
	}
	return n, nil
}

// CountByDate returns the number of rows stored for a date.
func (s *ProcessedTradeSink) CountByDate(ctx context.Context, date string) (uint64, error) {
	day, err := time.Parse(time.DateOnly, date)
	if err != nil {
		return 0, fmt.Errorf("%w: date %q", storage.ErrInvalidInput, date)
	}

	var n uint64
	row := s.conn.QueryRow(ctx, `SELECT count() FROM processed_trades WHERE block_date = ?`, day)
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count processed trades: %w", err)
	}
	return n, nil
}
