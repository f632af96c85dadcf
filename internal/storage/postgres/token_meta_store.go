package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"dex-trade-ledger/internal/domain"
	"dex-trade-ledger/internal/storage"
)

// tokenMetaColumns is the column order used by every query.
const tokenMetaColumns = `contract_address, token_name, token_symbol, decimals, total_supply, creator, created_time, twitter, website`

const tokenMetaColumnCount = 9

// maxBulkRows keeps a single insert under the 65535 bind parameter limit.
const maxBulkRows = 65535 / tokenMetaColumnCount

// TokenMetaStore implements storage.TokenMetaStore using PostgreSQL.
type TokenMetaStore struct {
	pool *Pool
}

// NewTokenMetaStore creates a new TokenMetaStore.
func NewTokenMetaStore(pool *Pool) *TokenMetaStore {
	return &TokenMetaStore{pool: pool}
}

// Compile-time interface check.
var _ storage.TokenMetaStore = (*TokenMetaStore)(nil)

// ListAddresses returns every stored contract address.
func (s *TokenMetaStore) ListAddresses(ctx context.Context) (addrs []string, err error) {
	defer func(start time.Time) { observe("list_token_meta_addresses", start, err) }(time.Now())

	rows, err := s.pool.Query(ctx, `SELECT contract_address FROM token_meta`)
	if err != nil {
		return nil, fmt.Errorf("list token meta addresses: %w", err)
	}

	addrs, err = pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan token meta addresses: %w", err)
	}
	return addrs, nil
}

// LoadAll returns every stored row, ordered by contract address.
func (s *TokenMetaStore) LoadAll(ctx context.Context) (metas []*domain.TokenMeta, err error) {
	defer func(start time.Time) { observe("load_token_meta", start, err) }(time.Now())

	rows, err := s.pool.Query(ctx, `SELECT `+tokenMetaColumns+` FROM token_meta ORDER BY contract_address`)
	if err != nil {
		return nil, fmt.Errorf("load token meta: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		m, err := scanTokenMeta(rows)
		if err != nil {
			return nil, fmt.Errorf("scan token meta: %w", err)
		}
		metas = append(metas, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate token meta: %w", err)
	}
	return metas, nil
}

// InsertBulk inserts metas with one multi-row statement. Addresses already
// present are skipped via ON CONFLICT DO NOTHING.
func (s *TokenMetaStore) InsertBulk(ctx context.Context, metas []*domain.TokenMeta) (n int, err error) {
	if len(metas) == 0 {
		return 0, nil
	}
	if len(metas) > maxBulkRows {
		return 0, fmt.Errorf("%w: %d rows exceeds %d per statement", storage.ErrInvalidInput, len(metas), maxBulkRows)
	}
	for _, m := range metas {
		if m == nil || m.ContractAddress == "" {
			return 0, storage.ErrInvalidInput
		}
	}

	defer func(start time.Time) { observe("insert_token_meta", start, err) }(time.Now())

	var (
		sb   strings.Builder
		args = make([]any, 0, len(metas)*tokenMetaColumnCount)
	)
	sb.WriteString(`INSERT INTO token_meta (` + tokenMetaColumns + `) VALUES `)
	for i, m := range metas {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for c := 0; c < tokenMetaColumnCount; c++ {
			if c > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", i*tokenMetaColumnCount+c+1)
		}
		sb.WriteByte(')')

		args = append(args,
			m.ContractAddress,
			m.TokenName,
			m.TokenSymbol,
			m.Decimals,
			m.TotalSupply,
			m.Creator,
			m.CreatedTime,
			m.Twitter,
			m.Website,
		)
	}
	sb.WriteString(` ON CONFLICT (contract_address) DO NOTHING`)

	tag, err := s.pool.Exec(ctx, sb.String(), args...)
	if err != nil {
		return 0, fmt.Errorf("insert token meta: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// scanTokenMeta scans a single row into TokenMeta.
func scanTokenMeta(row pgx.Row) (*domain.TokenMeta, error) {
	var m domain.TokenMeta

	err := row.Scan(
		&m.ContractAddress,
		&m.TokenName,
		&m.TokenSymbol,
		&m.Decimals,
		&m.TotalSupply,
		&m.Creator,
		&m.CreatedTime,
		&m.Twitter,
		&m.Website,
	)
	if err != nil {
		return nil, err
	}

	return &m, nil
}
