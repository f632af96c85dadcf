package extractor

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"

	bin "github.com/gagliardetto/binary"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"go.uber.org/zap"

	"dex-trade-ledger/internal/solana"
)

// tokenAccountSize is the length of an SPL token account without extensions.
const tokenAccountSize = 165

// MintResolver finds the mint held by an account.
//
// Resolution order: native-quoted dapps map to wrapped SOL; otherwise the
// account is read as a token account from chain state; if it is not one
// (for example it was created in this very transaction) the mint is taken
// from the transaction's post token balances. Chain lookups are cached
// because a token account's mint never changes.
type MintResolver struct {
	accounts solana.AccountSource
	logger   *zap.Logger

	mu    sync.RWMutex
	cache map[string]string
}

// NewMintResolver creates a resolver. accounts may be nil, in which case
// only the dapp rule and post token balances are used.
func NewMintResolver(accounts solana.AccountSource, logger *zap.Logger) *MintResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MintResolver{
		accounts: accounts,
		logger:   logger,
		cache:    make(map[string]string),
	}
}

// Resolve returns the mint of address, or "" if none can be determined.
func (r *MintResolver) Resolve(ctx context.Context, tx *solana.Transaction, address, dapp string) string {
	if _, ok := NativeQuotedDapps[dapp]; ok {
		return WrappedSOLMint
	}

	if mint, ok := r.fromChain(ctx, address); ok {
		return mint
	}

	return mintFromBalances(tx, address)
}

func (r *MintResolver) fromChain(ctx context.Context, address string) (string, bool) {
	r.mu.RLock()
	mint, ok := r.cache[address]
	r.mu.RUnlock()
	if ok {
		return mint, true
	}

	if r.accounts == nil {
		return "", false
	}

	info, err := r.accounts.GetAccountInfo(ctx, address)
	if err != nil {
		r.logger.Debug("account lookup failed", zap.String("account", address), zap.Error(err))
		return "", false
	}
	mint, err = tokenAccountMint(info)
	if err != nil {
		return "", false
	}

	r.mu.Lock()
	r.cache[address] = mint
	r.mu.Unlock()
	return mint, true
}

// tokenAccountMint decodes the mint of an SPL or Token-2022 account.
// Token-2022 extensions past the base layout are ignored.
func tokenAccountMint(info *solana.AccountInfo) (string, error) {
	if info == nil {
		return "", fmt.Errorf("account not found")
	}
	if info.Owner != solanago.TokenProgramID.String() && info.Owner != solanago.Token2022ProgramID.String() {
		return "", fmt.Errorf("owner %s is not a token program", info.Owner)
	}

	raw, err := base64.StdEncoding.DecodeString(info.Data)
	if err != nil {
		return "", fmt.Errorf("decode token account data: %w", err)
	}
	if len(raw) < tokenAccountSize {
		return "", fmt.Errorf("token account data too short: %d", len(raw))
	}

	var acc token.Account
	if err := bin.NewBinDecoder(raw[:tokenAccountSize]).Decode(&acc); err != nil {
		return "", fmt.Errorf("decode token account: %w", err)
	}
	return acc.Mint.String(), nil
}

// mintFromBalances returns the mint of the post token balance entry at the
// account's position, the last one winning if several match.
func mintFromBalances(tx *solana.Transaction, address string) string {
	idx := tx.IndexOf(address)
	if idx < 0 {
		return ""
	}
	var mint string
	for _, tb := range tx.PostTokenBalances {
		if int(tb.AccountIndex) == idx {
			mint = tb.Mint
		}
	}
	return mint
}

// decimalsOf returns the decimals recorded for address in the post token
// balances, then the pre token balances.
func decimalsOf(tx *solana.Transaction, address string) (uint8, bool) {
	idx := tx.IndexOf(address)
	if idx < 0 {
		return 0, false
	}
	for _, balances := range [][]solana.TokenBalance{tx.PostTokenBalances, tx.PreTokenBalances} {
		for _, tb := range balances {
			if int(tb.AccountIndex) == idx {
				return tb.UITokenAmount.Decimals, true
			}
		}
	}
	return 0, false
}
