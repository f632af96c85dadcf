package solana

// Block represents a Solana block with full transaction details.
type Block struct {
	Slot         uint64
	BlockTime    *int64
	Transactions []Transaction
}

// Transaction is one confirmed transaction of a block.
// AccountKeys already includes addresses loaded from lookup tables
// (static keys, then loaded writable, then loaded readonly).
type Transaction struct {
	Signatures        []string
	AccountKeys       []string
	Instructions      []CompiledInstruction
	InnerInstructions []InnerInstructions
	PreBalances       []uint64
	PostBalances      []uint64
	PreTokenBalances  []TokenBalance
	PostTokenBalances []TokenBalance
	Err               interface{}
}

// Failed reports whether the transaction errored on chain.
func (t *Transaction) Failed() bool {
	return t.Err != nil
}

// Signer returns the fee payer, which is always account key 0.
func (t *Transaction) Signer() string {
	if len(t.AccountKeys) == 0 {
		return ""
	}
	return t.AccountKeys[0]
}

// IndexOf returns the position of address in the account list, or -1.
func (t *Transaction) IndexOf(address string) int {
	for i, k := range t.AccountKeys {
		if k == address {
			return i
		}
	}
	return -1
}

// CompiledInstruction is an instruction with account indexes into the
// transaction account list and base58 encoded data.
type CompiledInstruction struct {
	ProgramIDIndex uint16   `json:"programIdIndex"`
	Accounts       []uint16 `json:"accounts"`
	Data           string   `json:"data"`
	StackHeight    *int     `json:"stackHeight,omitempty"`
}

// InnerInstructions groups the instructions emitted while executing the
// top-level instruction at Index.
type InnerInstructions struct {
	Index        uint32                `json:"index"`
	Instructions []CompiledInstruction `json:"instructions"`
}

// TokenBalance is a pre or post token balance snapshot entry.
type TokenBalance struct {
	AccountIndex  uint32        `json:"accountIndex"`
	Mint          string        `json:"mint"`
	Owner         string        `json:"owner"`
	ProgramID     string        `json:"programId"`
	UITokenAmount UITokenAmount `json:"uiTokenAmount"`
}

// UITokenAmount carries the raw amount and the decimals of the mint.
type UITokenAmount struct {
	Amount   string `json:"amount"`
	Decimals uint8  `json:"decimals"`
}

// AccountInfo represents Solana account information.
type AccountInfo struct {
	Lamports   uint64 `json:"lamports"`
	Owner      string `json:"owner"`
	Data       string `json:"data"` // base64 encoded
	Executable bool   `json:"executable"`
	RentEpoch  uint64 `json:"rentEpoch"`
}
