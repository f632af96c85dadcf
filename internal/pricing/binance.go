package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"dex-trade-ledger/internal/domain"
	"dex-trade-ledger/internal/retry"
)

// CandleSource fetches candles for an asset over [start, end).
type CandleSource interface {
	Candles(ctx context.Context, asset string, start, end time.Time) (*Series, error)
}

// Binance kline defaults.
const (
	DefaultBinanceURL = "https://api.binance.com"
	DefaultQuote      = "USDT"
	DefaultInterval   = "1m"

	klinesPath  = "/api/v3/klines"
	klinesLimit = 1000
)

// errKlineStatus marks a non-2xx kline response.
var errKlineStatus = errors.New("klines http status")

// BinanceClient reads klines from the Binance REST API. Candle times are
// milliseconds.
type BinanceClient struct {
	baseURL    string
	quote      string
	interval   string
	httpClient *http.Client
	policy     retry.Policy
	logger     *zap.Logger
}

// BinanceOption configures a BinanceClient.
type BinanceOption func(*BinanceClient)

// WithBaseURL overrides the API root.
func WithBaseURL(u string) BinanceOption {
	return func(c *BinanceClient) { c.baseURL = u }
}

// WithQuote sets the quote asset appended to the base asset to form the symbol.
func WithQuote(q string) BinanceOption {
	return func(c *BinanceClient) { c.quote = q }
}

// WithInterval sets the kline interval.
func WithInterval(i string) BinanceOption {
	return func(c *BinanceClient) { c.interval = i }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) BinanceOption {
	return func(c *BinanceClient) { c.httpClient = hc }
}

// WithRetryPolicy sets the per-page retry policy.
func WithRetryPolicy(p retry.Policy) BinanceOption {
	return func(c *BinanceClient) { c.policy = p }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) BinanceOption {
	return func(c *BinanceClient) { c.logger = l }
}

// NewBinanceClient creates a kline client.
func NewBinanceClient(opts ...BinanceOption) *BinanceClient {
	c := &BinanceClient{
		baseURL:    DefaultBinanceURL,
		quote:      DefaultQuote,
		interval:   DefaultInterval,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		policy:     retry.Exponential(3, 300*time.Millisecond),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Candles pages through klines for asset over [start, end).
func (c *BinanceClient) Candles(ctx context.Context, asset string, start, end time.Time) (*Series, error) {
	symbol := asset + c.quote
	from := start.UnixMilli()
	to := end.UnixMilli() - 1

	var candles []domain.PriceCandle
	for from <= to {
		page, err := retry.Do(ctx, c.policy, func(uint) ([]domain.PriceCandle, error) {
			return c.page(ctx, symbol, from, to)
		}, func(err error, wait time.Duration) {
			c.logger.Warn("klines request failed, retrying",
				zap.String("symbol", symbol),
				zap.Duration("wait", wait),
				zap.Error(err))
		})
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		candles = append(candles, page...)
		from = page[len(page)-1].OpenTime + 1
		if len(page) < klinesLimit {
			break
		}
	}

	return &Series{Scale: MillisPerSecond, Candles: candles}, nil
}

func (c *BinanceClient) page(ctx context.Context, symbol string, from, to int64) ([]domain.PriceCandle, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("parse base url: %w", err))
	}
	u.Path = klinesPath
	q := u.Query()
	q.Set("symbol", symbol)
	q.Set("interval", c.interval)
	q.Set("startTime", strconv.FormatInt(from, 10))
	q.Set("endTime", strconv.FormatInt(to, 10))
	q.Set("limit", strconv.Itoa(klinesLimit))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("klines request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read klines: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("%w %d: %s", errKlineStatus, resp.StatusCode, body)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, err
		}
		return nil, retry.Permanent(err)
	}

	var rows [][]json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, retry.Permanent(fmt.Errorf("unmarshal klines: %w", err))
	}

	candles := make([]domain.PriceCandle, 0, len(rows))
	for _, row := range rows {
		candle, err := parseKline(row)
		if err != nil {
			return nil, retry.Permanent(err)
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

// parseKline reads [openTime, open, high, low, close, volume, closeTime, ...].
func parseKline(row []json.RawMessage) (domain.PriceCandle, error) {
	if len(row) < 7 {
		return domain.PriceCandle{}, fmt.Errorf("kline has %d fields", len(row))
	}

	var (
		c                 domain.PriceCandle
		openStr, closeStr string
	)
	if err := json.Unmarshal(row[0], &c.OpenTime); err != nil {
		return c, fmt.Errorf("kline open time: %w", err)
	}
	if err := json.Unmarshal(row[1], &openStr); err != nil {
		return c, fmt.Errorf("kline open: %w", err)
	}
	if err := json.Unmarshal(row[4], &closeStr); err != nil {
		return c, fmt.Errorf("kline close: %w", err)
	}
	if err := json.Unmarshal(row[6], &c.CloseTime); err != nil {
		return c, fmt.Errorf("kline close time: %w", err)
	}

	var err error
	if c.Open, err = strconv.ParseFloat(openStr, 64); err != nil {
		return c, fmt.Errorf("kline open: %w", err)
	}
	if c.Close, err = strconv.ParseFloat(closeStr, 64); err != nil {
		return c, fmt.Errorf("kline close: %w", err)
	}
	return c, nil
}
