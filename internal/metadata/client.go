// Package metadata resolves token metadata through an external API and
// keeps it in a read-through cache backed by the token_meta store.
package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"dex-trade-ledger/internal/domain"
	"dex-trade-ledger/internal/retry"
)

// API errors. All are retried; the last one is returned once attempts run out.
var (
	ErrTimeout    = errors.New("metadata api timeout")
	ErrHTTPStatus = errors.New("metadata api http status")
	ErrParse      = errors.New("metadata api parse error")
)

// Fetcher resolves metadata for one contract address.
type Fetcher interface {
	FetchMeta(ctx context.Context, address string) (*domain.TokenMeta, error)
}

// Client defaults.
const (
	DefaultBaseURL        = "https://pro-api.solscan.io"
	DefaultAttemptTimeout = 10 * time.Second
	DefaultInitialBackoff = 100 * time.Millisecond
	DefaultMaxAttempts    = 5

	metaPath = "/v2.0/token/meta"
)

// Client calls the Solscan token meta endpoint.
type Client struct {
	baseURL        string
	apiKey         string
	httpClient     *http.Client
	attemptTimeout time.Duration
	policy         retry.Policy
	logger         *zap.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL overrides the API root.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = u }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithAttemptTimeout bounds each request.
func WithAttemptTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.attemptTimeout = d }
}

// WithBackoff sets the exponential retry shape.
func WithBackoff(attempts uint, initial time.Duration) ClientOption {
	return func(c *Client) { c.policy = retry.Exponential(attempts, initial) }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a metadata API client authenticated with apiKey.
func NewClient(apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:        DefaultBaseURL,
		apiKey:         apiKey,
		httpClient:     &http.Client{},
		attemptTimeout: DefaultAttemptTimeout,
		policy:         retry.Exponential(DefaultMaxAttempts, DefaultInitialBackoff),
		logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ Fetcher = (*Client)(nil)

// metaResponse is the token meta payload. Numeric fields arrive as JSON
// numbers except supply, which is a raw integer string.
type metaResponse struct {
	Success bool `json:"success"`
	Data    *struct {
		Address     string  `json:"address"`
		Name        string  `json:"name"`
		Symbol      string  `json:"symbol"`
		Decimals    int     `json:"decimals"`
		Supply      string  `json:"supply"`
		Creator     string  `json:"creator"`
		CreatedTime int64   `json:"created_time"`
		Twitter     *string `json:"twitter"`
		Website     *string `json:"website"`
	} `json:"data"`
}

// FetchMeta resolves metadata for address, retrying timeouts, non-2xx
// responses and unparseable bodies with exponential backoff.
func (c *Client) FetchMeta(ctx context.Context, address string) (*domain.TokenMeta, error) {
	return retry.Do(ctx, c.policy, func(attempt uint) (*domain.TokenMeta, error) {
		return c.fetchOnce(ctx, address)
	}, func(err error, wait time.Duration) {
		c.logger.Debug("metadata request failed, retrying",
			zap.String("address", address),
			zap.Duration("wait", wait),
			zap.Error(err))
	})
}

func (c *Client) fetchOnce(ctx context.Context, address string) (*domain.TokenMeta, error) {
	ctx, cancel := context.WithTimeout(ctx, c.attemptTimeout)
	defer cancel()

	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("parse base url: %w", err))
	}
	u.Path = metaPath
	u.RawQuery = url.Values{"address": {address}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("token", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s: %w", ErrTimeout, c.attemptTimeout, err)
		}
		return nil, fmt.Errorf("metadata request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w reading body: %w", ErrTimeout, err)
		}
		return nil, fmt.Errorf("read metadata body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w %d: %s", ErrHTTPStatus, resp.StatusCode, truncate(body, 256))
	}

	return parseMeta(address, body)
}

func parseMeta(address string, body []byte) (*domain.TokenMeta, error) {
	var r metaResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParse, err)
	}
	if r.Data == nil {
		return nil, fmt.Errorf("%w: missing data", ErrParse)
	}
	d := r.Data

	m := &domain.TokenMeta{
		ContractAddress: address,
		TokenName:       d.Name,
		TokenSymbol:     d.Symbol,
		Decimals:        d.Decimals,
		Creator:         d.Creator,
		CreatedTime:     d.CreatedTime,
		Twitter:         nonEmpty(d.Twitter),
		Website:         nonEmpty(d.Website),
	}

	if d.Supply != "" {
		raw, err := decimal.NewFromString(d.Supply)
		if err != nil {
			return nil, fmt.Errorf("%w: supply %q: %w", ErrParse, d.Supply, err)
		}
		supply, _ := raw.Shift(int32(-d.Decimals)).Float64()
		m.TotalSupply = &supply
	}
	return m, nil
}

func nonEmpty(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	return s
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
