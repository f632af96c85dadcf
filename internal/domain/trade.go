package domain

// Trade represents one swap instruction reconstructed from a transaction.
// Amounts are signed net flows relative to the pool vaults, already scaled
// by token decimals. Corresponds to one row of a raw slot artifact.
type Trade struct {
	BlockDate          string  // UTC date of the block, YYYY-MM-DD
	BlockTime          int64   // Unix timestamp (seconds)
	BlockSlot          uint64  // Solana slot number
	Signature          string  // first transaction signature
	TxID               string  // "<slot>:<tx index within block>"
	Signer             string  // fee payer (account key 0)
	PoolAddress        string  // pool (AMM or bonding curve) account
	BaseMint           string  // mint held by the base vault
	QuoteMint          string  // mint held by the quote vault
	BaseVault          string  // vault account for the base leg
	QuoteVault         string  // vault account for the quote leg
	BaseAmount         float64 // signed, decimal-scaled
	QuoteAmount        float64 // signed, decimal-scaled
	IsInnerInstruction bool    // swap was invoked through a router
	InstructionIndex   uint32  // top-level instruction index
	InstructionType    string  // swap_base_in, swap_base_out, buy, sell
}

// Instruction type constants
const (
	InstructionSwapBaseIn  = "swap_base_in"
	InstructionSwapBaseOut = "swap_base_out"
	InstructionBuy         = "buy"
	InstructionSell        = "sell"
)

// ProcessedTrade represents a priced trade ready for the processed artifact.
// All fields are mandatory.
type ProcessedTrade struct {
	BlockDate string  // UTC date, YYYY-MM-DD
	BlockTime int64   // Unix timestamp (seconds)
	BlockSlot uint64  // Solana slot number
	Token     string  // the non wrapped-SOL mint of the pair
	Price     float64 // |sol leg / token leg|, always positive
	USDPrice  float64 // price * SOL/USD at block time
	Volume    float64 // signed SOL leg * SOL/USD
}
