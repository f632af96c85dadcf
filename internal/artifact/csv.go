package artifact

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"

	"dex-trade-ledger/internal/domain"
)

// csvHeader is the raw CSV column order.
var csvHeader = []string{
	"Block Date", "Block Time", "Block Slot", "Signature", "Tx Id", "Signer",
	"Pool Address", "Base Mint", "Quote Mint", "Base Vault", "Quote Vault",
	"Base Amount", "Quote Amount", "Is Inner Instruction", "Instruction Index",
	"Instruction Type",
}

func writeCSV(w io.Writer, trades []domain.Trade) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, t := range trades {
		row := []string{
			t.BlockDate,
			strconv.FormatInt(t.BlockTime, 10),
			strconv.FormatUint(t.BlockSlot, 10),
			t.Signature,
			t.TxID,
			t.Signer,
			t.PoolAddress,
			t.BaseMint,
			t.QuoteMint,
			t.BaseVault,
			t.QuoteVault,
			strconv.FormatFloat(t.BaseAmount, 'g', -1, 64),
			strconv.FormatFloat(t.QuoteAmount, 'g', -1, 64),
			strconv.FormatBool(t.IsInnerInstruction),
			strconv.FormatUint(uint64(t.InstructionIndex), 10),
			t.InstructionType,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// readCSV decodes rows, calling fn for each. A file without a header or
// with a wrong column count is unparseable.
func readCSV(r io.Reader, fn func(domain.Trade) error) error {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(csvHeader)

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: header: %w", ErrUnparseable, err)
	}
	for i, name := range csvHeader {
		if header[i] != name {
			return fmt.Errorf("%w: column %d is %q, want %q", ErrUnparseable, i, header[i], name)
		}
	}

	for line := 2; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %w", ErrUnparseable, err)
		}
		t, err := parseCSVRow(row)
		if err != nil {
			return fmt.Errorf("%w: line %d: %w", ErrUnparseable, line, err)
		}
		if err := fn(t); err != nil {
			return err
		}
	}
}

func parseCSVRow(row []string) (domain.Trade, error) {
	t := domain.Trade{
		BlockDate:       row[0],
		Signature:       row[3],
		TxID:            row[4],
		Signer:          row[5],
		PoolAddress:     row[6],
		BaseMint:        row[7],
		QuoteMint:       row[8],
		BaseVault:       row[9],
		QuoteVault:      row[10],
		InstructionType: row[15],
	}

	var err error
	if t.BlockTime, err = strconv.ParseInt(row[1], 10, 64); err != nil {
		return t, fmt.Errorf("block time: %w", err)
	}
	if t.BlockSlot, err = strconv.ParseUint(row[2], 10, 64); err != nil {
		return t, fmt.Errorf("block slot: %w", err)
	}
	if t.BaseAmount, err = strconv.ParseFloat(row[11], 64); err != nil {
		return t, fmt.Errorf("base amount: %w", err)
	}
	if t.QuoteAmount, err = strconv.ParseFloat(row[12], 64); err != nil {
		return t, fmt.Errorf("quote amount: %w", err)
	}
	if t.IsInnerInstruction, err = strconv.ParseBool(row[13]); err != nil {
		return t, fmt.Errorf("is inner instruction: %w", err)
	}
	idx, err := strconv.ParseUint(row[14], 10, 32)
	if err != nil {
		return t, fmt.Errorf("instruction index: %w", err)
	}
	t.InstructionIndex = uint32(idx)
	return t, nil
}
