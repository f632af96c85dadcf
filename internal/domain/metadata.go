package domain

// TokenMeta represents token metadata resolved from the metadata API.
// Corresponds to token_meta table in PostgreSQL.
type TokenMeta struct {
	ContractAddress string   // PK, token mint address
	TokenName       string   // token name
	TokenSymbol     string   // token symbol
	Decimals        int      // token decimals
	TotalSupply     *float64 // decimal-scaled supply (nullable)
	Creator         string   // creator account
	CreatedTime     int64    // Unix timestamp (seconds)
	Twitter         *string  // nullable
	Website         *string  // nullable
}
