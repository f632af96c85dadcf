package pipeline

import (
	"context"
	"crypto/sha256"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dex-trade-ledger/internal/artifact"
	"dex-trade-ledger/internal/decoder"
	"dex-trade-ledger/internal/domain"
	"dex-trade-ledger/internal/extractor"
	"dex-trade-ledger/internal/pricing"
	"dex-trade-ledger/internal/solana"
	"dex-trade-ledger/internal/solana/stub"
	"dex-trade-ledger/internal/storage/memory"
)

const (
	testDate = "2023-11-14"
	testTime = int64(1_700_000_000)

	memeMint    = "Meme111111111111111111111111111111111111111"
	payer       = "Payer11111111111111111111111111111111111111"
	payerTokens = "PayerTokens1111111111111111111111111111111"
	global      = "Global1111111111111111111111111111111111111"
	feeAccount  = "Fee1111111111111111111111111111111111111111"
	curve       = "Curve111111111111111111111111111111111111111"
	curveTokens = "CurveTokens1111111111111111111111111111111"
)

// pumpBuy is a Pump.fun buy of 1.0 token for 0.5 SOL.
func pumpBuy(t *testing.T) solana.Transaction {
	t.Helper()
	sum := sha256.Sum256([]byte("global:buy"))
	data := append(sum[:8:8], make([]byte, 16)...)

	transfer, err := decoder.EncodeTransfer(decoder.Transfer{
		Program:       decoder.Primary,
		Discriminator: decoder.DiscTransfer,
		Amount:        1_000_000,
	})
	require.NoError(t, err)

	keys := []string{payer, global, feeAccount, curve, curveTokens, payerTokens, extractor.PumpFun, decoder.PrimaryProgramID, memeMint}
	pre := make([]uint64, len(keys))
	post := make([]uint64, len(keys))
	pre[3], post[3] = 2_000_000_000, 1_500_000_000

	balance := func(idx uint32) solana.TokenBalance {
		return solana.TokenBalance{AccountIndex: idx, Mint: memeMint, UITokenAmount: solana.UITokenAmount{Decimals: 6}}
	}
	return solana.Transaction{
		Signatures:  []string{"sig"},
		AccountKeys: keys,
		Instructions: []solana.CompiledInstruction{{
			ProgramIDIndex: 6,
			Accounts:       []uint16{1, 2, 8, 3, 4, 5, 0},
			Data:           base58.Encode(data),
		}},
		InnerInstructions: []solana.InnerInstructions{{
			Index: 0,
			Instructions: []solana.CompiledInstruction{{
				ProgramIDIndex: 7,
				Accounts:       []uint16{5, 4},
				Data:           base58.Encode(transfer),
			}},
		}},
		PreBalances:       pre,
		PostBalances:      post,
		PostTokenBalances: []solana.TokenBalance{balance(4), balance(5)},
	}
}

func swapBlock(t *testing.T, slot uint64) *solana.Block {
	ts := testTime
	return &solana.Block{Slot: slot, BlockTime: &ts, Transactions: []solana.Transaction{pumpBuy(t)}}
}

func emptyBlock(slot uint64) *solana.Block {
	ts := testTime
	return &solana.Block{Slot: slot, BlockTime: &ts}
}

func solSeries() *pricing.Series {
	return &pricing.Series{
		Scale: pricing.MillisPerSecond,
		Candles: []domain.PriceCandle{{
			OpenTime:  testTime*1000 - 60_000,
			CloseTime: testTime*1000 - 1,
			Open:      100,
			Close:     110,
		}},
	}
}

func rawTrade(slot uint64) domain.Trade {
	return domain.Trade{
		BlockDate:       testDate,
		BlockTime:       testTime,
		BlockSlot:       slot,
		Signature:       "sig",
		TxID:            "1:0",
		Signer:          payer,
		PoolAddress:     curve,
		BaseMint:        memeMint,
		QuoteMint:       extractor.WrappedSOLMint,
		BaseVault:       curveTokens,
		QuoteVault:      curve,
		BaseAmount:      1,
		QuoteAmount:     -0.5,
		InstructionType: domain.InstructionBuy,
	}
}

type recordingEnricher struct {
	mu     sync.Mutex
	tokens []string
	err    error
}

func (e *recordingEnricher) GetOrFetch(_ context.Context, address string) (*domain.TokenMeta, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tokens = append(e.tokens, address)
	if e.err != nil {
		return nil, e.err
	}
	return &domain.TokenMeta{ContractAddress: address}, nil
}

type fixture struct {
	rpc    *stub.RPCClient
	layout artifact.Layout
	sink   *memory.ProcessedTradeSink
	meta   *recordingEnricher
	ctrl   *Controller
}

func newFixture(t *testing.T, mutate ...func(*ControllerOptions)) *fixture {
	t.Helper()
	f := &fixture{
		rpc:    stub.NewRPCClient(),
		layout: artifact.Layout{Base: t.TempDir()},
		sink:   memory.NewProcessedTradeSink(),
		meta:   &recordingEnricher{},
	}
	opts := ControllerOptions{
		Blocks:      f.rpc,
		Extractor:   extractor.New(extractor.Options{}),
		Layout:      f.layout,
		Date:        testDate,
		Prices:      solSeries(),
		Metadata:    f.meta,
		Sink:        f.sink,
		Concurrency: 4,
		RetryDelay:  time.Millisecond,
		VerifyDelay: time.Millisecond,
	}
	for _, m := range mutate {
		m(&opts)
	}
	f.ctrl = NewController(opts)
	return f
}

func (f *fixture) writeRaw(t *testing.T, slot uint64, enc domain.Encoding, trades ...domain.Trade) string {
	t.Helper()
	path := f.layout.RawPath(testDate, slot, enc)
	require.NoError(t, os.MkdirAll(f.layout.RawDir(testDate), 0o755))
	require.NoError(t, artifact.WriteRaw(path, enc, trades))
	return path
}

func TestProcessSlot_FetchesExtractsAndPrices(t *testing.T) {
	f := newFixture(t)
	f.rpc.AddBlock(swapBlock(t, 100))

	require.NoError(t, f.ctrl.ProcessSlot(context.Background(), 100))

	raw := f.layout.RawPath(testDate, 100, domain.EncodingAvro)
	assert.True(t, VerifySlot(raw))

	processed, err := artifact.ReadProcessed(f.layout.ProcessedPath(testDate, 100))
	require.NoError(t, err)
	require.Len(t, processed, 1)
	p := processed[0]
	assert.Equal(t, testDate, p.BlockDate)
	assert.Equal(t, uint64(100), p.BlockSlot)
	assert.Equal(t, memeMint, p.Token)
	assert.InDelta(t, 0.5, p.Price, 1e-12)
	assert.InDelta(t, 52.5, p.USDPrice, 1e-9)
	assert.InDelta(t, -52.5, p.Volume, 1e-9)

	assert.Equal(t, processed, f.sink.Trades())
	assert.Equal(t, []string{memeMint}, f.meta.tokens)
}

func TestProcessSlot_RecoversFromTransientFailures(t *testing.T) {
	f := newFixture(t)
	f.rpc.AddBlock(swapBlock(t, 100))
	f.rpc.SetFailures(100, 2)

	require.NoError(t, f.ctrl.ProcessSlot(context.Background(), 100))
	assert.Equal(t, 3, f.rpc.BlockCalls(100))
}

func TestProcessSlot_FailsAfterAttempts(t *testing.T) {
	f := newFixture(t)

	err := f.ctrl.ProcessSlot(context.Background(), 100)
	require.Error(t, err)

	var failed *SlotFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, uint64(100), failed.Slot)
	assert.Equal(t, uint(3), failed.Attempts)
	assert.ErrorIs(t, err, ErrSlotFailed)
	assert.ErrorIs(t, err, solana.ErrBlockNotFound)
	assert.Contains(t, err.Error(), "slot 100")
	assert.Equal(t, 3, f.rpc.BlockCalls(100))
}

func TestProcessSlot_EmptyBlockNeverVerifies(t *testing.T) {
	f := newFixture(t)
	f.rpc.AddBlock(emptyBlock(100))

	err := f.ctrl.ProcessSlot(context.Background(), 100)
	assert.ErrorIs(t, err, artifact.ErrEmpty)
	assert.Equal(t, 3, f.rpc.BlockCalls(100))
	assert.False(t, artifact.Exists(f.layout.ProcessedPath(testDate, 100)))
}

func TestProcessSlot_ExistingArtifactSkipsFetch(t *testing.T) {
	f := newFixture(t)
	f.writeRaw(t, 100, domain.EncodingCSV, rawTrade(100))

	require.NoError(t, f.ctrl.ProcessSlot(context.Background(), 100))
	assert.Zero(t, f.rpc.BlockCalls(100))
	assert.True(t, artifact.Exists(f.layout.ProcessedPath(testDate, 100)))
}

func TestProcessSlot_PrefersAvroOverCSV(t *testing.T) {
	f := newFixture(t)
	csvPath := f.writeRaw(t, 100, domain.EncodingCSV, rawTrade(100))
	avroPath := f.writeRaw(t, 100, domain.EncodingAvro, rawTrade(100))

	require.NoError(t, f.ctrl.ProcessSlot(context.Background(), 100))
	assert.False(t, artifact.Exists(csvPath))
	assert.True(t, artifact.Exists(avroPath))
	assert.Zero(t, f.rpc.BlockCalls(100))
}

func TestProcessSlot_InvalidArtifactIsRefetched(t *testing.T) {
	f := newFixture(t)
	csvPath := f.writeRaw(t, 100, domain.EncodingCSV)
	f.rpc.AddBlock(swapBlock(t, 100))

	require.NoError(t, f.ctrl.ProcessSlot(context.Background(), 100))
	assert.False(t, artifact.Exists(csvPath))
	assert.True(t, VerifySlot(f.layout.RawPath(testDate, 100, domain.EncodingAvro)))
	assert.Equal(t, 1, f.rpc.BlockCalls(100))
}

func TestProcessSlot_UnpricedTradesWriteNothing(t *testing.T) {
	f := newFixture(t, func(o *ControllerOptions) { o.Prices = &pricing.Series{Scale: pricing.MillisPerSecond} })
	f.rpc.AddBlock(swapBlock(t, 100))

	require.NoError(t, f.ctrl.ProcessSlot(context.Background(), 100))
	assert.False(t, artifact.Exists(f.layout.ProcessedPath(testDate, 100)))
	assert.Empty(t, f.sink.Trades())
	assert.Empty(t, f.meta.tokens)
}

func TestProcessSlot_MetadataFailureKeepsTrade(t *testing.T) {
	f := newFixture(t)
	f.meta.err = errors.New("api down")
	f.rpc.AddBlock(swapBlock(t, 100))

	require.NoError(t, f.ctrl.ProcessSlot(context.Background(), 100))
	assert.Len(t, f.sink.Trades(), 1)
}

func TestProcessSlot_RerunReplacesSinkRows(t *testing.T) {
	f := newFixture(t)
	f.rpc.AddBlock(swapBlock(t, 100))
	ctx := context.Background()

	require.NoError(t, f.ctrl.ProcessSlot(ctx, 100))
	require.NoError(t, f.ctrl.ProcessSlot(ctx, 100))

	assert.Len(t, f.sink.Trades(), 1)
	assert.Equal(t, 2, f.sink.Calls())
	assert.Equal(t, 1, f.rpc.BlockCalls(100), "second run reuses the raw artifact")
}

func TestProcessSlots_CollectsFailures(t *testing.T) {
	f := newFixture(t)
	f.rpc.AddBlock(swapBlock(t, 100))
	f.rpc.AddBlock(swapBlock(t, 102))

	res, err := f.ctrl.ProcessSlots(context.Background(), []uint64{100, 101, 102, 100})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Verified)
	assert.Equal(t, []uint64{101}, res.FailedSlots())
	assert.Equal(t, 1, f.rpc.BlockCalls(100))
	assert.Equal(t, 3, f.rpc.BlockCalls(101))
}

func TestRun_CoversInclusiveRange(t *testing.T) {
	f := newFixture(t)
	for slot := uint64(10); slot <= 14; slot++ {
		f.rpc.AddBlock(swapBlock(t, slot))
	}

	res, err := f.ctrl.Run(context.Background(), 10, 14)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Verified)
	assert.Empty(t, res.Failed)
}

func TestRun_CancelledContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := f.ctrl.Run(ctx, 1, 100)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	assert.Zero(t, res.Verified)
}

func TestDetectMissing(t *testing.T) {
	f := newFixture(t)
	for _, slot := range []uint64{100, 101, 103, 105} {
		f.writeRaw(t, slot, domain.EncodingAvro, rawTrade(slot))
	}
	bad := f.writeRaw(t, 102, domain.EncodingCSV)

	report, err := f.ctrl.DetectMissing()
	require.NoError(t, err)
	assert.Equal(t, uint64(100), report.From)
	assert.Equal(t, uint64(105), report.To)
	assert.Equal(t, []uint64{102, 104}, report.Missing)
	assert.Equal(t, []string{bad}, report.Deleted)
	assert.False(t, artifact.Exists(bad))
}

func TestDetectMissing_ValidCopyCoversSlot(t *testing.T) {
	f := newFixture(t)
	f.writeRaw(t, 100, domain.EncodingAvro, rawTrade(100))
	f.writeRaw(t, 101, domain.EncodingCSV)
	f.writeRaw(t, 101, domain.EncodingAvro, rawTrade(101))

	report, err := f.ctrl.DetectMissing()
	require.NoError(t, err)
	assert.Empty(t, report.Missing)
	assert.Len(t, report.Deleted, 1)
}

func TestDetectMissing_NoArtifacts(t *testing.T) {
	f := newFixture(t)

	report, err := f.ctrl.DetectMissing()
	require.NoError(t, err)
	assert.Empty(t, report.Missing)
	assert.Zero(t, report.From)
	assert.Zero(t, report.To)
}

func TestBackfill(t *testing.T) {
	f := newFixture(t)
	f.rpc.AddBlock(swapBlock(t, 102))
	f.rpc.AddBlock(emptyBlock(104))

	res, err := f.ctrl.Backfill(context.Background(), []uint64{102, 104, 106})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Verified)
	assert.Equal(t, []uint64{106}, res.FailedSlots())

	assert.True(t, VerifySlot(f.layout.RawPath(testDate, 102, domain.EncodingAvro)))
	// Written once without verification.
	assert.True(t, artifact.Exists(f.layout.RawPath(testDate, 104, domain.EncodingAvro)))
	assert.Equal(t, 1, f.rpc.BlockCalls(106))
}

func TestSlotFailedError(t *testing.T) {
	cause := errors.New("boom")
	err := error(&SlotFailedError{Slot: 7, Attempts: 3, Err: cause})

	assert.Equal(t, "slot 7 failed after 3 attempts: boom", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrSlotFailed)
}
