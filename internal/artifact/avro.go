package artifact

import (
	"fmt"
	"io"

	"github.com/hamba/avro/v2/ocf"

	"dex-trade-ledger/internal/domain"
)

const rawSchema = `{
  "type": "record",
  "name": "RawTrade",
  "namespace": "ledger",
  "fields": [
    {"name": "block_date", "type": "string"},
    {"name": "block_time", "type": "long"},
    {"name": "block_slot", "type": "long"},
    {"name": "signature", "type": "string"},
    {"name": "tx_id", "type": "string"},
    {"name": "signer", "type": "string"},
    {"name": "pool_address", "type": "string"},
    {"name": "base_mint", "type": "string"},
    {"name": "quote_mint", "type": "string"},
    {"name": "base_vault", "type": "string"},
    {"name": "quote_vault", "type": "string"},
    {"name": "base_amount", "type": "double"},
    {"name": "quote_amount", "type": "double"},
    {"name": "is_inner_instruction", "type": "boolean"},
    {"name": "instruction_index", "type": "int"},
    {"name": "instruction_type", "type": "string"}
  ]
}`

const processedSchema = `{
  "type": "record",
  "name": "ProcessedTrade",
  "namespace": "ledger",
  "fields": [
    {"name": "block_date", "type": "string"},
    {"name": "block_time", "type": "long"},
    {"name": "block_slot", "type": "long"},
    {"name": "token", "type": "string"},
    {"name": "price", "type": "double"},
    {"name": "usd_price", "type": "double"},
    {"name": "volume", "type": "double"}
  ]
}`

type rawRecord struct {
	BlockDate          string  `avro:"block_date"`
	BlockTime          int64   `avro:"block_time"`
	BlockSlot          int64   `avro:"block_slot"`
	Signature          string  `avro:"signature"`
	TxID               string  `avro:"tx_id"`
	Signer             string  `avro:"signer"`
	PoolAddress        string  `avro:"pool_address"`
	BaseMint           string  `avro:"base_mint"`
	QuoteMint          string  `avro:"quote_mint"`
	BaseVault          string  `avro:"base_vault"`
	QuoteVault         string  `avro:"quote_vault"`
	BaseAmount         float64 `avro:"base_amount"`
	QuoteAmount        float64 `avro:"quote_amount"`
	IsInnerInstruction bool    `avro:"is_inner_instruction"`
	InstructionIndex   int32   `avro:"instruction_index"`
	InstructionType    string  `avro:"instruction_type"`
}

func toRawRecord(t domain.Trade) rawRecord {
	return rawRecord{
		BlockDate:          t.BlockDate,
		BlockTime:          t.BlockTime,
		BlockSlot:          int64(t.BlockSlot),
		Signature:          t.Signature,
		TxID:               t.TxID,
		Signer:             t.Signer,
		PoolAddress:        t.PoolAddress,
		BaseMint:           t.BaseMint,
		QuoteMint:          t.QuoteMint,
		BaseVault:          t.BaseVault,
		QuoteVault:         t.QuoteVault,
		BaseAmount:         t.BaseAmount,
		QuoteAmount:        t.QuoteAmount,
		IsInnerInstruction: t.IsInnerInstruction,
		InstructionIndex:   int32(t.InstructionIndex),
		InstructionType:    t.InstructionType,
	}
}

func (r rawRecord) trade() domain.Trade {
	return domain.Trade{
		BlockDate:          r.BlockDate,
		BlockTime:          r.BlockTime,
		BlockSlot:          uint64(r.BlockSlot),
		Signature:          r.Signature,
		TxID:               r.TxID,
		Signer:             r.Signer,
		PoolAddress:        r.PoolAddress,
		BaseMint:           r.BaseMint,
		QuoteMint:          r.QuoteMint,
		BaseVault:          r.BaseVault,
		QuoteVault:         r.QuoteVault,
		BaseAmount:         r.BaseAmount,
		QuoteAmount:        r.QuoteAmount,
		IsInnerInstruction: r.IsInnerInstruction,
		InstructionIndex:   uint32(r.InstructionIndex),
		InstructionType:    r.InstructionType,
	}
}

type processedRecord struct {
	BlockDate string  `avro:"block_date"`
	BlockTime int64   `avro:"block_time"`
	BlockSlot int64   `avro:"block_slot"`
	Token     string  `avro:"token"`
	Price     float64 `avro:"price"`
	USDPrice  float64 `avro:"usd_price"`
	Volume    float64 `avro:"volume"`
}

// writeAvro writes records as a deflate-compressed object container file.
func writeAvro[T any](w io.Writer, schema string, records []T) error {
	enc, err := ocf.NewEncoder(schema, w, ocf.WithCodec(ocf.Deflate))
	if err != nil {
		return fmt.Errorf("avro encoder: %w", err)
	}
	for i := range records {
		if err := enc.Encode(records[i]); err != nil {
			return fmt.Errorf("avro encode: %w", err)
		}
	}
	return enc.Close()
}

// readAvro decodes every record of an object container file.
func readAvro[T any](r io.Reader, fn func(T) error) error {
	dec, err := ocf.NewDecoder(r)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnparseable, err)
	}
	for dec.HasNext() {
		var rec T
		if err := dec.Decode(&rec); err != nil {
			return fmt.Errorf("%w: %w", ErrUnparseable, err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	if err := dec.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrUnparseable, err)
	}
	return nil
}
