package migrations

import (
	"context"

	"dex-trade-ledger/internal/storage/postgres"
)

// RunPostgresMigrations applies the embedded token_meta schema.
// Every file is idempotent, so this runs on each start. Files are sent
// whole since pgx accepts multi-statement scripts.
func RunPostgresMigrations(ctx context.Context, pool *postgres.Pool) error {
	scripts, err := loadScripts(PostgresFS, "postgres", false)
	if err != nil {
		return err
	}
	return apply(ctx, scripts, func(ctx context.Context, stmt string) error {
		_, err := pool.Exec(ctx, stmt)
		return err
	})
}
