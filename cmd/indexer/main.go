// Command indexer writes raw slot artifacts for a slot range, or follows
// the chain head when --follow is set.
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
	"dex-trade-ledger/internal/observability"
	"dex-trade-ledger/internal/pipeline"
	"dex-trade-ledger/internal/retry"
	"dex-trade-ledger/internal/solana"
)

func main() {
	fs := pflag.NewFlagSet("indexer", pflag.ExitOnError)
	config.RegisterFlags(fs)
	follow := fs.Bool("follow", false, "index new slots as they are produced")
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
	logger = logger.Named("indexer")

	if !*follow && cfg.Pipeline.ToSlot == 0 {
		logger.Fatal("--to-slot is required unless --follow is set")
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

	rpc := solana.NewHTTPClient(cfg.RPC.URL,
		solana.WithTimeout(cfg.RPC.Timeout),
		solana.WithCommitment(cfg.RPC.Commitment),
	)
	indexer := pipeline.NewIndexer(pipeline.IndexerOptions{
		Blocks:      rpc,
		Extractor:   extractor.New(extractor.Options{Accounts: rpc, Logger: logger.Named("extractor")}),
		Layout:      artifact.Layout{Base: cfg.Data.BaseDir},
		Encoding:    domain.Encoding(cfg.Data.Encoding),
		Concurrency: cfg.Pipeline.IndexerConcurrency,
		Retry:       retry.Fixed(cfg.Pipeline.Attempts, cfg.Pipeline.RetryDelay),
		Logger:      logger,
	})

	if *follow {
		err = runFollow(ctx, cfg, rpc, indexer, logger)
	} else {
		var res *pipeline.RunResult
		res, err = indexer.IndexRange(ctx, cfg.Pipeline.FromSlot, cfg.Pipeline.ToSlot)
		if err == nil && len(res.Failed) > 0 {
			err = fmt.Errorf("%d slots failed, first %w", len(res.Failed), res.Failed[0])
		}
	}

	done <- err
	cancel()

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("indexer failed", zap.Error(err))
		os.Exit(1)
	}
	observability.RecordRunSuccess()
}

// runFollow tails the chain head over websocket, falling back to polling
// getSlot when no websocket endpoint is configured or it cannot connect.
func runFollow(ctx context.Context, cfg *config.Config, rpc *solana.HTTPClient, indexer *pipeline.Indexer, logger *zap.Logger) error {
	heads, closeHeads := subscribe(ctx, cfg, rpc, logger)
	defer closeHeads()
	return indexer.Follow(ctx, heads)
}

func subscribe(ctx context.Context, cfg *config.Config, rpc *solana.HTTPClient, logger *zap.Logger) (<-chan solana.SlotNotification, func()) {
	if cfg.RPC.WSURL != "" {
		wcfg := solana.DefaultWatcherConfig()
		wcfg.Logger = logger.Named("ws")
		ws := solana.NewSlotWatcher(cfg.RPC.WSURL, &wcfg)
		heads, err := ws.SubscribeSlots(ctx)
		if err == nil {
			logger.Info("following slots over websocket", zap.String("url", cfg.RPC.WSURL))
			return heads, func() { _ = ws.Close() }
		}
		_ = ws.Close()
		logger.Warn("websocket unavailable", zap.Error(err))
	}
	logger.Info("following slots by polling", zap.Duration("interval", cfg.Pipeline.PollInterval))
	return solana.PollSlots(ctx, rpc, cfg.Pipeline.PollInterval, logger.Named("poll")), func() {}
}
