// Package extractor reconstructs swap trades from block transactions.
package extractor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mr-tron/base58"
	"go.uber.org/zap"

	"dex-trade-ledger/internal/decoder"
	"dex-trade-ledger/internal/domain"
	"dex-trade-ledger/internal/observability"
	"dex-trade-ledger/internal/solana"
)

// ErrUnresolvableAccount is returned when a swap's vaults or mints cannot
// be determined. The trade is skipped.
var ErrUnresolvableAccount = errors.New("unresolvable account")

// Options configures an Extractor.
type Options struct {
	// Accounts serves token account lookups for mint resolution. Optional.
	Accounts solana.AccountSource
	// Layouts overrides DefaultLayouts.
	Layouts []PoolLayout
	Logger  *zap.Logger
}

// Extractor turns transactions into trades.
type Extractor struct {
	decoder *decoder.Decoder
	mints   *MintResolver
	layouts map[string]PoolLayout
	logger  *zap.Logger
}

// New creates an Extractor.
func New(opts Options) *Extractor {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	layouts := opts.Layouts
	if layouts == nil {
		layouts = DefaultLayouts()
	}

	byProgram := make(map[string]PoolLayout, len(layouts))
	for _, l := range layouts {
		byProgram[l.ProgramID] = l
	}

	return &Extractor{
		decoder: decoder.New(logger.Named("decoder")),
		mints:   NewMintResolver(opts.Accounts, logger.Named("mints")),
		layouts: byProgram,
		logger:  logger,
	}
}

// swapSite identifies one swap instruction inside a transaction.
type swapSite struct {
	ix       solana.CompiledInstruction
	layout   PoolLayout
	isInner  bool
	index    uint32 // top-level instruction index
	innerIdx uint32 // position within the inner group, 0 for top-level
}

// ExtractBlock returns the trades of every successful transaction in block.
// Per-trade failures are logged and skipped; only ctx errors are returned.
func (e *Extractor) ExtractBlock(ctx context.Context, block *solana.Block) ([]domain.Trade, error) {
	var trades []domain.Trade
	for i := range block.Transactions {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		trades = append(trades, e.ExtractTransaction(ctx, block, i)...)
	}
	observability.RecordTradesExtracted(len(trades))
	return trades, nil
}

// ExtractTransaction returns the trades of the txIdx-th transaction of block.
func (e *Extractor) ExtractTransaction(ctx context.Context, block *solana.Block, txIdx int) []domain.Trade {
	tx := &block.Transactions[txIdx]
	if tx.Failed() {
		return nil
	}

	var blockTime int64
	if block.BlockTime != nil {
		blockTime = *block.BlockTime
	}

	var trades []domain.Trade
	for _, site := range e.swapSites(tx) {
		trade, err := e.buildTrade(ctx, tx, site)
		if errors.Is(err, errNotSwap) {
			continue
		}
		if err != nil {
			observability.RecordDecodeError("unresolvable_account")
			e.logger.Warn("skipping swap",
				zap.Uint64("slot", block.Slot),
				zap.Int("tx", txIdx),
				zap.String("program", site.layout.Name),
				zap.Uint32("instruction", site.index),
				zap.Error(err))
			continue
		}

		trade.BlockDate = BlockDate(blockTime)
		trade.BlockTime = blockTime
		trade.BlockSlot = block.Slot
		trade.TxID = fmt.Sprintf("%d:%d", block.Slot, txIdx)
		if len(tx.Signatures) > 0 {
			trade.Signature = tx.Signatures[0]
		}
		trade.Signer = tx.Signer()
		trades = append(trades, trade)
	}
	return trades
}

// swapSites lists top-level swaps first, then swaps invoked through CPI.
func (e *Extractor) swapSites(tx *solana.Transaction) []swapSite {
	var sites []swapSite

	for i, ix := range tx.Instructions {
		if layout, ok := e.layoutFor(tx, ix); ok {
			sites = append(sites, swapSite{ix: ix, layout: layout, index: uint32(i)})
		}
	}

	for _, group := range tx.InnerInstructions {
		for j, ix := range group.Instructions {
			if layout, ok := e.layoutFor(tx, ix); ok {
				sites = append(sites, swapSite{
					ix:       ix,
					layout:   layout,
					isInner:  true,
					index:    group.Index,
					innerIdx: uint32(j),
				})
			}
		}
	}
	return sites
}

func (e *Extractor) layoutFor(tx *solana.Transaction, ix solana.CompiledInstruction) (PoolLayout, bool) {
	programID, err := decoder.ProgramIDOf(tx, ix)
	if err != nil {
		return PoolLayout{}, false
	}
	layout, ok := e.layouts[programID]
	return layout, ok
}

func (e *Extractor) buildTrade(ctx context.Context, tx *solana.Transaction, site swapSite) (domain.Trade, error) {
	data, err := base58.Decode(site.ix.Data)
	if err != nil {
		return domain.Trade{}, fmt.Errorf("%w: %w", decoder.ErrMalformedInstruction, err)
	}
	ixType, ok := site.layout.Classify(data)
	if !ok {
		// Not a swap instruction of this program (deposit, withdraw, create...).
		return domain.Trade{}, errNotSwap
	}

	accounts := instructionAccounts(tx, site.ix)
	if site.layout.PoolIndex >= len(accounts) {
		return domain.Trade{}, fmt.Errorf("%w: pool index %d of %d accounts", ErrUnresolvableAccount, site.layout.PoolIndex, len(accounts))
	}

	baseVault, quoteVault, err := e.vaults(ctx, tx, accounts, site.layout)
	if err != nil {
		return domain.Trade{}, err
	}

	var dapp string
	if site.layout.NativeQuote {
		dapp = site.layout.ProgramID
	}
	baseMint := e.mints.Resolve(ctx, tx, baseVault, "")
	quoteMint := e.mints.Resolve(ctx, tx, quoteVault, dapp)
	if baseMint == "" || quoteMint == "" {
		return domain.Trade{}, fmt.Errorf("%w: no mint for vaults %s/%s", ErrUnresolvableAccount, baseVault, quoteVault)
	}

	baseAmount := e.tokenLeg(tx, baseVault, site.innerIdx)
	var quoteAmount float64
	if site.layout.NativeQuote {
		quoteAmount = e.nativeLeg(tx, quoteVault, site.innerIdx)
	} else {
		quoteAmount = e.tokenLeg(tx, quoteVault, site.innerIdx)
	}

	return domain.Trade{
		PoolAddress:        accounts[site.layout.PoolIndex],
		BaseMint:           baseMint,
		QuoteMint:          quoteMint,
		BaseVault:          baseVault,
		QuoteVault:         quoteVault,
		BaseAmount:         baseAmount,
		QuoteAmount:        quoteAmount,
		IsInnerInstruction: site.isInner,
		InstructionIndex:   site.index,
		InstructionType:    ixType,
	}, nil
}

var errNotSwap = errors.New("not a swap instruction")

// vaults resolves the base and quote vault addresses.
//
// Positional layouts take the candidate at VaultOffset and advance by one
// when it is not a token account holding a mint, which is the case when
// the layout carries an extra account before the vaults. The quote vault
// is the next account, skipping a repeat of the base vault.
func (e *Extractor) vaults(ctx context.Context, tx *solana.Transaction, accounts []string, layout PoolLayout) (string, string, error) {
	if layout.FixedVaults {
		if layout.BaseVaultIndex >= len(accounts) || layout.QuoteVaultIndex >= len(accounts) {
			return "", "", fmt.Errorf("%w: %s needs %d accounts, got %d", ErrUnresolvableAccount,
				layout.Name, max(layout.BaseVaultIndex, layout.QuoteVaultIndex)+1, len(accounts))
		}
		return accounts[layout.BaseVaultIndex], accounts[layout.QuoteVaultIndex], nil
	}

	at := func(i int) (string, error) {
		if i >= len(accounts) {
			return "", fmt.Errorf("%w: vault index %d of %d accounts", ErrUnresolvableAccount, i, len(accounts))
		}
		return accounts[i], nil
	}

	baseIdx := layout.VaultOffset
	base, err := at(baseIdx)
	if err != nil {
		return "", "", err
	}
	if e.mints.Resolve(ctx, tx, base, "") == "" {
		baseIdx++
		if base, err = at(baseIdx); err != nil {
			return "", "", err
		}
	}

	quoteIdx := baseIdx + 1
	quote, err := at(quoteIdx)
	if err != nil {
		return "", "", err
	}
	if quote == base {
		quoteIdx++
		if quote, err = at(quoteIdx); err != nil {
			return "", "", err
		}
	}

	return base, quote, nil
}

func (e *Extractor) tokenLeg(tx *solana.Transaction, vault string, innerIdx uint32) float64 {
	amt, ok := e.decoder.TokenAmount(tx, vault, innerIdx)
	if !ok || amt.IsZero() {
		return 0
	}
	decimals, _ := decimalsOf(tx, vault)
	return amt.Scaled(decimals)
}

func (e *Extractor) nativeLeg(tx *solana.Transaction, vault string, innerIdx uint32) float64 {
	amt, ok := e.decoder.NativeAmount(tx, vault, innerIdx)
	if !ok {
		return 0
	}
	return amt.Scaled(decoder.NativeDecimals)
}

// instructionAccounts maps instruction account indexes to addresses,
// dropping indexes outside the account list.
func instructionAccounts(tx *solana.Transaction, ix solana.CompiledInstruction) []string {
	out := make([]string, 0, len(ix.Accounts))
	for _, idx := range ix.Accounts {
		if int(idx) >= len(tx.AccountKeys) {
			continue
		}
		out = append(out, tx.AccountKeys[idx])
	}
	return out
}

// BlockDate formats a Unix timestamp as a UTC date.
func BlockDate(ts int64) string {
	return time.Unix(ts, 0).UTC().Format(time.DateOnly)
}
