package artifact

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"dex-trade-ledger/internal/domain"
)

// Verification errors.
var (
	// ErrEmpty is returned for an artifact that parses but holds no records.
	ErrEmpty = errors.New("artifact has no records")
	// ErrUnparseable is returned for an artifact that does not parse in its
	// declared encoding.
	ErrUnparseable = errors.New("artifact unparseable")
)

// WriteRaw writes trades to path in enc. The file is replaced atomically.
func WriteRaw(path string, enc domain.Encoding, trades []domain.Trade) error {
	return writeAtomic(path, func(f *os.File) error {
		switch enc {
		case domain.EncodingCSV:
			return writeCSV(f, trades)
		case domain.EncodingAvro:
			recs := make([]rawRecord, len(trades))
			for i, t := range trades {
				recs[i] = toRawRecord(t)
			}
			return writeAvro(f, rawSchema, recs)
		default:
			return fmt.Errorf("unsupported encoding %q", enc)
		}
	})
}

// ReadRaw reads every trade of a raw artifact. The encoding is taken from
// the file extension.
func ReadRaw(path string) ([]domain.Trade, error) {
	var trades []domain.Trade
	err := scanRaw(path, func(t domain.Trade) error {
		trades = append(trades, t)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return trades, nil
}

// CountRecords returns the number of records in a raw artifact, fully
// decoding each one.
func CountRecords(path string) (int, error) {
	var n int
	if err := scanRaw(path, func(domain.Trade) error { n++; return nil }); err != nil {
		return 0, err
	}
	return n, nil
}

// Verify reports whether path is a usable raw artifact: it parses in its
// declared encoding and holds at least one record.
func Verify(path string) error {
	n, err := CountRecords(path)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", path, ErrEmpty)
	}
	return nil
}

// WriteProcessed writes priced trades as Avro, replacing path atomically.
func WriteProcessed(path string, trades []domain.ProcessedTrade) error {
	recs := make([]processedRecord, len(trades))
	for i, t := range trades {
		recs[i] = processedRecord{
			BlockDate: t.BlockDate,
			BlockTime: t.BlockTime,
			BlockSlot: int64(t.BlockSlot),
			Token:     t.Token,
			Price:     t.Price,
			USDPrice:  t.USDPrice,
			Volume:    t.Volume,
		}
	}
	return writeAtomic(path, func(f *os.File) error {
		return writeAvro(f, processedSchema, recs)
	})
}

// ReadProcessed reads a processed artifact.
func ReadProcessed(path string) ([]domain.ProcessedTrade, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var trades []domain.ProcessedTrade
	err = readAvro(f, func(r processedRecord) error {
		trades = append(trades, domain.ProcessedTrade{
			BlockDate: r.BlockDate,
			BlockTime: r.BlockTime,
			BlockSlot: uint64(r.BlockSlot),
			Token:     r.Token,
			Price:     r.Price,
			USDPrice:  r.USDPrice,
			Volume:    r.Volume,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return trades, nil
}

func scanRaw(path string, fn func(domain.Trade) error) error {
	enc, err := EncodingOf(path)
	if err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	switch enc {
	case domain.EncodingCSV:
		err = readCSV(f, fn)
	default:
		err = readAvro(f, func(r rawRecord) error { return fn(r.trade()) })
	}
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// writeAtomic writes to a temporary file in the target directory and
// renames it over path.
func writeAtomic(path string, write func(*os.File) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := write(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
