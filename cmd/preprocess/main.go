// Command preprocess verifies, backfills and prices the raw slot artifacts
// of one UTC date, writing <base>/<date>_processed/<slot>.avro files.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"dex-trade-ledger/internal/artifact"
	"dex-trade-ledger/internal/config"
	"dex-trade-ledger/internal/domain"
	"dex-trade-ledger/internal/extractor"
	"dex-trade-ledger/internal/logging"
	"dex-trade-ledger/internal/metadata"
	"dex-trade-ledger/internal/observability"
	"dex-trade-ledger/internal/pipeline"
	"dex-trade-ledger/internal/pricing"
	"dex-trade-ledger/internal/solana"
	"dex-trade-ledger/internal/storage"
	chstore "dex-trade-ledger/internal/storage/clickhouse"
	"dex-trade-ledger/internal/storage/memory"
	"dex-trade-ledger/internal/storage/migrations"
	pgstore "dex-trade-ledger/internal/storage/postgres"
)

func main() {
	fs := pflag.NewFlagSet("preprocess", pflag.ExitOnError)
	config.RegisterFlags(fs)
	date := fs.String("date", "", "UTC date to process (YYYY-MM-DD)")
	_ = fs.Parse(os.Args[1:])

	configPath, _ := fs.GetString("config")
	cfg, err := config.Load(configPath, fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(2)
	}
	defer logger.Sync() //nolint:errcheck
	logger = logger.Named("preprocess")

	if _, err := time.Parse(time.DateOnly, *date); err != nil {
		logger.Fatal("--date must be YYYY-MM-DD", zap.String("date", *date))
	}

	if cfg.Metrics.Addr != "" {
		go observability.Serve(cfg.Metrics.Addr, logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan error, 1)

	go func() {
		sig := <-sigCh
		logger.Info("shutting down", zap.Stringer("signal", sig))
		cancel()

		select {
		case sig := <-sigCh:
			logger.Error("second signal, forcing exit", zap.Stringer("signal", sig))
			os.Exit(1)
		case <-time.After(30 * time.Second):
			logger.Error("graceful shutdown timed out after 30s, forcing exit")
			os.Exit(1)
		case <-done:
		}
	}()

	err = run(ctx, cfg, *date, logger)
	done <- err
	cancel()

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("preprocess failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, date string, logger *zap.Logger) error {
	start := time.Now()
	rpc := solana.NewHTTPClient(cfg.RPC.URL,
		solana.WithTimeout(cfg.RPC.Timeout),
		solana.WithCommitment(cfg.RPC.Commitment),
	)

	klines := pricing.NewBinanceClient(
		pricing.WithBaseURL(cfg.Pricing.BaseURL),
		pricing.WithQuote(cfg.Pricing.Quote),
		pricing.WithInterval(cfg.Pricing.Interval),
		pricing.WithLogger(logger.Named("binance")),
	)
	prices, err := pricing.LoadSeries(ctx, cfg.Data.SeriesDir, cfg.Pricing.Asset, date, klines, logger)
	if err != nil {
		return fmt.Errorf("load %s prices: %w", cfg.Pricing.Asset, err)
	}
	logger.Info("price series loaded", zap.String("asset", cfg.Pricing.Asset), zap.Int("candles", prices.Len()))

	enricher, stopMeta, err := setupMetadata(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer stopMeta()

	var sink storage.ProcessedTradeSink
	if cfg.ClickHouse.DSN != "" {
		conn, err := migrations.RunClickhouseMigrations(ctx, cfg.ClickHouse.DSN)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		defer conn.Close()
		sink = chstore.NewProcessedTradeSink(conn)
	}

	ctrl := pipeline.NewController(pipeline.ControllerOptions{
		Blocks:              rpc,
		Extractor:           extractor.New(extractor.Options{Accounts: rpc, Logger: logger.Named("extractor")}),
		Layout:              artifact.Layout{Base: cfg.Data.BaseDir},
		Date:                date,
		Prices:              prices,
		Metadata:            enricher,
		Sink:                sink,
		RawEncoding:         domain.Encoding(cfg.Data.Encoding),
		Concurrency:         cfg.Pipeline.Concurrency,
		BackfillConcurrency: cfg.Pipeline.BackfillConcurrency,
		Attempts:            cfg.Pipeline.Attempts,
		RetryDelay:          cfg.Pipeline.RetryDelay,
		VerifyDelay:         cfg.Pipeline.VerifyDelay,
		Logger:              logger.Named("pipeline"),
	})

	gaps, err := ctrl.DetectMissing()
	if err != nil {
		return err
	}
	if len(gaps.Missing) > 0 {
		if _, err := ctrl.Backfill(ctx, gaps.Missing); err != nil {
			return fmt.Errorf("backfill: %w", err)
		}
	}

	from, to, err := slotRange(ctx, cfg, rpc, date, gaps)
	if err != nil {
		return err
	}
	logger.Info("processing slots", zap.String("date", date), zap.Uint64("from", from), zap.Uint64("to", to))

	res, err := ctrl.Run(ctx, from, to)
	if err != nil {
		return err
	}
	logger.Info("preprocess complete",
		zap.String("date", date),
		zap.Int("verified", res.Verified),
		zap.Int("failed", len(res.Failed)),
		zap.Duration("duration", time.Since(start)),
	)
	if len(res.Failed) > 0 {
		return fmt.Errorf("%d slots failed, first %w", len(res.Failed), res.Failed[0])
	}
	observability.RecordRunSuccess()
	return nil
}

// setupMetadata builds the token metadata cache and starts its flush loop.
// The returned stop func cancels the loop and waits for its final flush.
func setupMetadata(ctx context.Context, cfg *config.Config, logger *zap.Logger) (pipeline.Enricher, func(), error) {
	if cfg.Metadata.APIKey == "" {
		logger.Warn("no metadata api key, token enrichment disabled")
		return nil, func() {}, nil
	}

	var (
		store  storage.TokenMetaStore
		closer = func() {}
	)
	if dsn := cfg.Postgres.ConnString(); dsn != "" {
		pool, err := pgstore.NewPool(ctx, dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: %w", err)
		}
		if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("postgres migrations: %w", err)
		}
		store = pgstore.NewTokenMetaStore(pool)
		closer = pool.Close
	} else {
		logger.Warn("no postgres configured, token metadata kept in memory only")
		store = memory.NewTokenMetaStore()
	}

	client := metadata.NewClient(cfg.Metadata.APIKey,
		metadata.WithBaseURL(cfg.Metadata.BaseURL),
		metadata.WithAttemptTimeout(cfg.Metadata.Timeout),
		metadata.WithBackoff(cfg.Metadata.Attempts, cfg.Metadata.InitialBackoff),
		metadata.WithLogger(logger.Named("solscan")),
	)
	cache := metadata.NewCache(store, client,
		metadata.WithChunkSize(cfg.Metadata.ChunkSize),
		metadata.WithCacheLogger(logger.Named("metadata")),
	)
	if err := cache.Load(ctx); err != nil {
		closer()
		return nil, nil, fmt.Errorf("load token metadata: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	flushed := make(chan struct{})
	go func() {
		defer close(flushed)
		cache.Run(runCtx, cfg.Metadata.FlushInterval)
	}()

	return cache, func() {
		cancel()
		<-flushed
		closer()
	}, nil
}

// slotRange picks the slots to process: the configured range, else the
// span of existing raw artifacts, else the slots produced on date.
func slotRange(ctx context.Context, cfg *config.Config, rpc *solana.HTTPClient, date string, gaps *pipeline.GapReport) (uint64, uint64, error) {
	if cfg.Pipeline.ToSlot != 0 {
		return cfg.Pipeline.FromSlot, cfg.Pipeline.ToSlot, nil
	}
	if gaps.To != 0 {
		return gaps.From, gaps.To, nil
	}

	day, _ := time.Parse(time.DateOnly, date)
	head, err := rpc.GetSlot(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("latest slot: %w", err)
	}
	from, err := solana.SlotAtTime(ctx, rpc, day.Unix(), 0, head)
	if err != nil {
		return 0, 0, fmt.Errorf("first slot of %s: %w", date, err)
	}
	next, err := solana.SlotAtTime(ctx, rpc, day.Add(24*time.Hour).Unix(), from, head)
	if err != nil {
		return 0, 0, fmt.Errorf("last slot of %s: %w", date, err)
	}
	if next <= from {
		return 0, 0, fmt.Errorf("no slots produced on %s", date)
	}
	return from, next - 1, nil
}
