package migrations

import (
	"context"
	"errors"
	"fmt"

	chstore "dex-trade-ledger/internal/storage/clickhouse"
)

// RunClickhouseMigrations ensures the database named in dsn exists and
// applies the processed_trades schema to it. The returned connection is
// bound to that database and owned by the caller.
func RunClickhouseMigrations(ctx context.Context, dsn string) (*chstore.Conn, error) {
	db, err := chstore.DatabaseFromDSN(dsn)
	if err != nil {
		return nil, err
	}
	scripts, err := loadScripts(ClickhouseFS, "clickhouse", true)
	if err != nil {
		return nil, err
	}

	if err := ensureDatabase(ctx, dsn, db); err != nil {
		return nil, err
	}

	conn, err := chstore.NewConnWithDatabase(ctx, dsn, db)
	if err != nil {
		return nil, fmt.Errorf("connect clickhouse %s: %w", db, err)
	}
	// the native protocol takes one statement per Exec
	exec := func(ctx context.Context, stmt string) error { return conn.Exec(ctx, stmt) }
	if err := apply(ctx, scripts, exec); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func ensureDatabase(ctx context.Context, dsn, db string) error {
	admin, err := chstore.NewConnWithDatabase(ctx, dsn, "")
	if err != nil {
		return fmt.Errorf("connect clickhouse: %w", err)
	}
	execErr := admin.Exec(ctx, "CREATE DATABASE IF NOT EXISTS "+db)
	if err := errors.Join(execErr, admin.Close()); err != nil {
		return fmt.Errorf("create database %s: %w", db, err)
	}
	return nil
}
