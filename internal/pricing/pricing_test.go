package pricing

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dex-trade-ledger/internal/domain"
	"dex-trade-ledger/internal/extractor"
	"dex-trade-ledger/internal/retry"
)

func testSeries() *Series {
	return &Series{
		Scale: MillisPerSecond,
		Candles: []domain.PriceCandle{
			{OpenTime: 0, CloseTime: 59_999, Open: 100, Close: 102},
			{OpenTime: 60_000, CloseTime: 119_999, Open: 102, Close: 106},
			{OpenTime: 120_000, CloseTime: 179_999, Open: 106, Close: 110},
		},
	}
}

func TestSeries_PriceAt(t *testing.T) {
	s := testSeries()

	tests := []struct {
		name string
		ts   int64
		want float64
	}{
		{"before first close", 59, 0},
		{"first close", 60, 101},
		{"between", 119, 101},
		{"second close", 120, 104},
		{"after last close", 180, 108},
		{"far after", 10_000, 108},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.PriceAt(tt.ts))
		})
	}
}

func TestSeries_PriceAtMonotonic(t *testing.T) {
	s := testSeries()
	prev := 0.0
	for ts := int64(0); ts < 200; ts++ {
		p := s.PriceAt(ts)
		assert.GreaterOrEqual(t, p, prev, "ts=%d", ts)
		prev = p
	}
}

func TestSeries_Empty(t *testing.T) {
	var nilSeries *Series
	assert.Equal(t, 0.0, nilSeries.PriceAt(100))
	assert.Equal(t, 0.0, (&Series{}).PriceAt(100))
}

func TestSaveReadSeries(t *testing.T) {
	path := SeriesPath(t.TempDir(), "SOL", "2024-03-01")
	assert.Equal(t, "SOL_2024-03-01.bin", filepath.Base(path))

	require.NoError(t, SaveSeries(path, testSeries()))

	got, err := ReadSeries(path)
	require.NoError(t, err)
	assert.Equal(t, testSeries(), got)
}

func TestReadSeries_Missing(t *testing.T) {
	_, err := ReadSeries(filepath.Join(t.TempDir(), "nope.bin"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

type countingSource struct {
	calls  atomic.Int32
	series *Series
	err    error
}

func (s *countingSource) Candles(_ context.Context, _ string, _, _ time.Time) (*Series, error) {
	s.calls.Add(1)
	return s.series, s.err
}

func TestLoadSeries_FetchesOnceThenCaches(t *testing.T) {
	dir := t.TempDir()
	src := &countingSource{series: testSeries()}

	s, err := LoadSeries(context.Background(), dir, "SOL", "2024-03-01", src, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, s.Len())

	s, err = LoadSeries(context.Background(), dir, "SOL", "2024-03-01", src, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, s.Len())
	assert.Equal(t, int32(1), src.calls.Load())
}

func TestLoadSeries_EmptySource(t *testing.T) {
	src := &countingSource{series: &Series{Scale: MillisPerSecond}}

	_, err := LoadSeries(context.Background(), t.TempDir(), "SOL", "2024-03-01", src, nil)
	assert.ErrorIs(t, err, ErrNoCandles)
}

func TestLoadSeries_BadDate(t *testing.T) {
	_, err := LoadSeries(context.Background(), t.TempDir(), "SOL", "03/01/2024", &countingSource{}, nil)
	assert.Error(t, err)
}

func klineRow(openMs int64, open, closePrice float64) string {
	return fmt.Sprintf(`[%d,"%g","0","0","%g","1",%d,"0",1,"0","0","0"]`, openMs, open, closePrice, openMs+59_999)
}

func TestBinanceClient_Pages(t *testing.T) {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	var requests atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		assert.Equal(t, "/api/v3/klines", r.URL.Path)
		assert.Equal(t, "SOLUSDT", r.URL.Query().Get("symbol"))
		assert.Equal(t, "1m", r.URL.Query().Get("interval"))

		from, err := strconv.ParseInt(r.URL.Query().Get("startTime"), 10, 64)
		require.NoError(t, err)

		// first page is full, second page is short
		n := klinesLimit
		if from > start.UnixMilli() {
			n = 2
		}
		w.Write([]byte("["))
		for i := 0; i < n; i++ {
			if i > 0 {
				w.Write([]byte(","))
			}
			openMs := from + int64(i)*60_000
			if from > start.UnixMilli() {
				openMs = from - 1 + int64(i+1)*60_000
			}
			w.Write([]byte(klineRow(openMs, 100, 102)))
		}
		w.Write([]byte("]"))
	}))
	defer srv.Close()

	c := NewBinanceClient(WithBaseURL(srv.URL))
	s, err := c.Candles(context.Background(), "SOL", start, start.Add(24*time.Hour))
	require.NoError(t, err)

	assert.Equal(t, int32(2), requests.Load())
	assert.Equal(t, int64(MillisPerSecond), s.Scale)
	require.Len(t, s.Candles, klinesLimit+2)
	assert.Equal(t, start.UnixMilli(), s.Candles[0].OpenTime)
	assert.Equal(t, start.UnixMilli()+59_999, s.Candles[0].CloseTime)
	assert.Equal(t, 101.0, s.Candles[0].Mid())
}

func TestBinanceClient_RetriesServerErrors(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("[" + klineRow(0, 1, 3) + "]"))
	}))
	defer srv.Close()

	c := NewBinanceClient(WithBaseURL(srv.URL), WithRetryPolicy(retry.Fixed(3, time.Millisecond)))
	s, err := c.Candles(context.Background(), "SOL", time.UnixMilli(0), time.UnixMilli(60_000))
	require.NoError(t, err)
	assert.Equal(t, int32(3), requests.Load())
	assert.Equal(t, 1, s.Len())
}

func TestBinanceClient_BadRequestNotRetried(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		http.Error(w, `{"code":-1121,"msg":"Invalid symbol."}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewBinanceClient(WithBaseURL(srv.URL), WithRetryPolicy(retry.Fixed(3, time.Millisecond)))
	_, err := c.Candles(context.Background(), "XXX", time.UnixMilli(0), time.UnixMilli(60_000))
	require.Error(t, err)
	assert.ErrorIs(t, err, errKlineStatus)
	assert.Equal(t, int32(1), requests.Load())
}

func TestDerive(t *testing.T) {
	sol := &Series{Scale: 1, Candles: []domain.PriceCandle{{CloseTime: 1000, Open: 100, Close: 100}}}

	t.Run("token is base", func(t *testing.T) {
		trade := domain.Trade{
			BlockTime: 1000, BlockSlot: 5,
			BaseMint: "Meme", QuoteMint: extractor.WrappedSOLMint,
			BaseAmount: 1.0, QuoteAmount: -0.5,
		}
		p, ok := Derive(trade, sol)
		require.True(t, ok)
		assert.Equal(t, "Meme", p.Token)
		assert.Equal(t, 0.5, p.Price)
		assert.Equal(t, 50.0, p.USDPrice)
		assert.Equal(t, -50.0, p.Volume)
		assert.Equal(t, "1970-01-01", p.BlockDate)
		assert.Equal(t, uint64(5), p.BlockSlot)
	})

	t.Run("token is quote", func(t *testing.T) {
		trade := domain.Trade{
			BlockTime: 1000,
			BaseMint:  extractor.WrappedSOLMint, QuoteMint: "Meme",
			BaseAmount: 2, QuoteAmount: -8,
		}
		p, ok := Derive(trade, sol)
		require.True(t, ok)
		assert.Equal(t, "Meme", p.Token)
		assert.Equal(t, 0.25, p.Price)
		assert.Equal(t, 200.0, p.Volume)
	})

	t.Run("zero token leg", func(t *testing.T) {
		_, ok := Derive(domain.Trade{BlockTime: 1000, BaseMint: "Meme", QuoteAmount: 1}, sol)
		assert.False(t, ok)
	})

	t.Run("zero sol leg", func(t *testing.T) {
		trade := domain.Trade{
			BlockTime: 1000,
			BaseMint:  "Meme", QuoteMint: extractor.WrappedSOLMint,
			BaseAmount: 5, QuoteAmount: 0,
		}
		_, ok := Derive(trade, sol)
		assert.False(t, ok)
	})

	t.Run("no sol price", func(t *testing.T) {
		_, ok := Derive(domain.Trade{BlockTime: 999, BaseMint: "Meme", BaseAmount: 1, QuoteAmount: 1}, sol)
		assert.False(t, ok)
	})
}
