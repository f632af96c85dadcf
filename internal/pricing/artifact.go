package pricing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bin "github.com/gagliardetto/binary"
	"go.uber.org/zap"

	"dex-trade-ledger/internal/domain"
)

// ErrNoCandles is returned when a source yields an empty series.
var ErrNoCandles = errors.New("no candles")

const seriesFormatVersion uint8 = 1

// seriesFile is the borsh layout of a series artifact.
type seriesFile struct {
	Version uint8
	Scale   int64
	Candles []domain.PriceCandle
}

// SeriesPath returns <dir>/<ASSET>_<date>.bin.
func SeriesPath(dir, asset, date string) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%s.bin", asset, date))
}

// SaveSeries writes s to path, replacing any existing file.
func SaveSeries(path string, s *Series) error {
	var buf bytes.Buffer
	enc := bin.NewBorshEncoder(&buf)
	if err := enc.Encode(seriesFile{Version: seriesFormatVersion, Scale: s.Scale, Candles: s.Candles}); err != nil {
		return fmt.Errorf("encode series: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create series dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write series: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename series: %w", err)
	}
	return nil
}

// ReadSeries reads a series artifact.
func ReadSeries(path string) (*Series, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var f seriesFile
	if err := bin.NewBorshDecoder(data).Decode(&f); err != nil {
		return nil, fmt.Errorf("decode series %s: %w", path, err)
	}
	if f.Version != seriesFormatVersion {
		return nil, fmt.Errorf("series %s: unsupported version %d", path, f.Version)
	}
	return &Series{Scale: f.Scale, Candles: f.Candles}, nil
}

// LoadSeries returns the series for asset on date (YYYY-MM-DD). A cached
// artifact in dir is used when present; otherwise the series is fetched
// from src and cached.
func LoadSeries(ctx context.Context, dir, asset, date string, src CandleSource, logger *zap.Logger) (*Series, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	path := SeriesPath(dir, asset, date)

	s, err := ReadSeries(path)
	switch {
	case err == nil:
		logger.Debug("price series loaded", zap.String("path", path), zap.Int("candles", s.Len()))
		return s, nil
	case !errors.Is(err, os.ErrNotExist):
		// unreadable cache: refetch and overwrite
		logger.Warn("price series unreadable, refetching", zap.String("path", path), zap.Error(err))
	}

	day, err := time.Parse(time.DateOnly, date)
	if err != nil {
		return nil, fmt.Errorf("parse date %q: %w", date, err)
	}

	s, err = src.Candles(ctx, asset, day, day.Add(24*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("fetch %s candles for %s: %w", asset, date, err)
	}
	if s.Len() == 0 {
		return nil, fmt.Errorf("%s %s: %w", asset, date, ErrNoCandles)
	}

	if err := SaveSeries(path, s); err != nil {
		return nil, err
	}
	logger.Info("price series fetched",
		zap.String("asset", asset),
		zap.String("date", date),
		zap.Int("candles", s.Len()))
	return s, nil
}
