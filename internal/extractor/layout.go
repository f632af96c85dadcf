package extractor

import (
	"crypto/sha256"

	"dex-trade-ledger/internal/domain"
)

// Swap program ids.
const (
	RaydiumAMMV4 = "675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8"
	PumpFun      = "6EF8rrecthR5Dkzon8Nwu78hRvfCKubJ14M5uBEwF6P"
	Moonshot     = "MoonCVVNZFSYkqNXP6bxHLPL6QQJiMagDL3qcqUQTrG"
)

// WrappedSOLMint is the mint of wrapped SOL.
const WrappedSOLMint = "So11111111111111111111111111111111111111112"

// Raydium AMM v4 instruction tags.
const (
	raydiumSwapBaseIn  = 9
	raydiumSwapBaseOut = 11
)

// PoolLayout describes where a swap program keeps its pool and vault
// accounts and how its swap instructions are tagged.
type PoolLayout struct {
	Name      string
	ProgramID string

	// PoolIndex is the instruction account holding the pool address.
	PoolIndex int

	// VaultOffset is the base vault candidate for positional resolution.
	// Used when FixedVaults is false.
	VaultOffset int

	// FixedVaults pins the vaults at BaseVaultIndex and QuoteVaultIndex.
	FixedVaults     bool
	BaseVaultIndex  int
	QuoteVaultIndex int

	// NativeQuote marks programs whose quote vault holds lamports: the
	// quote mint maps to wrapped SOL and the quote leg is read from
	// system transfers.
	NativeQuote bool

	// Classify maps instruction data to an instruction type.
	Classify func(data []byte) (string, bool)
}

// DefaultLayouts returns the supported swap programs.
func DefaultLayouts() []PoolLayout {
	return []PoolLayout{
		{
			Name:        "raydium_amm_v4",
			ProgramID:   RaydiumAMMV4,
			PoolIndex:   1,
			VaultOffset: 4,
			Classify:    classifyRaydium,
		},
		{
			// global, fee_recipient, mint, bonding_curve, associated_bonding_curve, ...
			Name:            "pump_fun",
			ProgramID:       PumpFun,
			PoolIndex:       3,
			FixedVaults:     true,
			BaseVaultIndex:  4,
			QuoteVaultIndex: 3,
			NativeQuote:     true,
			Classify:        classifyAnchorBuySell,
		},
		{
			// sender, sender_token_account, curve_account, curve_token_account, ...
			Name:            "moonshot",
			ProgramID:       Moonshot,
			PoolIndex:       2,
			FixedVaults:     true,
			BaseVaultIndex:  3,
			QuoteVaultIndex: 2,
			NativeQuote:     true,
			Classify:        classifyAnchorBuySell,
		},
	}
}

// NativeQuotedDapps are the programs whose vaults resolve to wrapped SOL.
var NativeQuotedDapps = map[string]struct{}{
	PumpFun:  {},
	Moonshot: {},
}

func classifyRaydium(data []byte) (string, bool) {
	if len(data) == 0 {
		return "", false
	}
	switch data[0] {
	case raydiumSwapBaseIn:
		return domain.InstructionSwapBaseIn, true
	case raydiumSwapBaseOut:
		return domain.InstructionSwapBaseOut, true
	default:
		return "", false
	}
}

var (
	discBuy  = anchorDiscriminator8("buy")
	discSell = anchorDiscriminator8("sell")
)

func classifyAnchorBuySell(data []byte) (string, bool) {
	if len(data) < 8 {
		return "", false
	}
	var disc [8]byte
	copy(disc[:], data[:8])
	switch disc {
	case discBuy:
		return domain.InstructionBuy, true
	case discSell:
		return domain.InstructionSell, true
	default:
		return "", false
	}
}

// anchorDiscriminator8 is the first 8 bytes of sha256("global:"+name).
func anchorDiscriminator8(name string) [8]byte {
	sum := sha256.Sum256([]byte("global:" + name))
	var out [8]byte
	copy(out[:], sum[:8])
	return out
}
