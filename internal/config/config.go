// Package config loads ledger configuration from an optional file,
// LEDGER_* environment variables and command line flags, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"dex-trade-ledger/internal/domain"
	"dex-trade-ledger/internal/storage/postgres"
)

// EnvPrefix prefixes every environment variable, e.g. LEDGER_RPC_URL.
const EnvPrefix = "LEDGER"

type Config struct {
	RPC        RPCConfig        `mapstructure:"rpc"`
	Data       DataConfig       `mapstructure:"data"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Metadata   MetadataConfig   `mapstructure:"metadata"`
	Pricing    PricingConfig    `mapstructure:"pricing"`
	Postgres   PostgresConfig   `mapstructure:"postgres"`
	ClickHouse ClickHouseConfig `mapstructure:"clickhouse"`
	Log        LogConfig        `mapstructure:"log"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

type RPCConfig struct {
	URL        string        `mapstructure:"url"`
	WSURL      string        `mapstructure:"ws_url"`
	Commitment string        `mapstructure:"commitment"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type DataConfig struct {
	// BaseDir holds the <date>/ and <date>_processed/ slot directories.
	BaseDir string `mapstructure:"base_dir"`
	// SeriesDir holds cached price series.
	SeriesDir string `mapstructure:"series_dir"`
	// Encoding of newly written raw artifacts.
	Encoding string `mapstructure:"encoding"`
}

type PipelineConfig struct {
	Concurrency         int           `mapstructure:"concurrency"`
	BackfillConcurrency int           `mapstructure:"backfill_concurrency"`
	IndexerConcurrency  int           `mapstructure:"indexer_concurrency"`
	Attempts            uint          `mapstructure:"attempts"`
	RetryDelay          time.Duration `mapstructure:"retry_delay"`
	VerifyDelay         time.Duration `mapstructure:"verify_delay"`
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	// FromSlot and ToSlot pin the processed range. Zero means derive it.
	FromSlot uint64 `mapstructure:"from_slot"`
	ToSlot   uint64 `mapstructure:"to_slot"`
}

type MetadataConfig struct {
	APIKey         string        `mapstructure:"api_key"`
	BaseURL        string        `mapstructure:"base_url"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	Attempts       uint          `mapstructure:"attempts"`
	Timeout        time.Duration `mapstructure:"timeout"`
	FlushInterval  time.Duration `mapstructure:"flush_interval"`
	ChunkSize      int           `mapstructure:"chunk_size"`
}

type PricingConfig struct {
	Asset    string `mapstructure:"asset"`
	Quote    string `mapstructure:"quote"`
	Interval string `mapstructure:"interval"`
	BaseURL  string `mapstructure:"base_url"`
}

type PostgresConfig struct {
	// DSN overrides the individual connection fields.
	DSN      string `mapstructure:"dsn"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
}

// ConnString returns DSN, or one assembled from the individual fields.
func (p PostgresConfig) ConnString() string {
	if p.DSN != "" {
		return p.DSN
	}
	if p.Host == "" {
		return ""
	}
	return postgres.DSN(net.JoinHostPort(p.Host, strconv.Itoa(p.Port)), p.User, p.Password, p.Database)
}

type ClickHouseConfig struct {
	// DSN enables the processed trade sink when set. The database named in
	// its path is created if missing.
	DSN string `mapstructure:"dsn"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type MetricsConfig struct {
	// Addr serves /metrics and /health when set.
	Addr string `mapstructure:"addr"`
}

var defaults = map[string]interface{}{
	"rpc.url":        "https://api.mainnet-beta.solana.com",
	"rpc.ws_url":     "",
	"rpc.commitment": "confirmed",
	"rpc.timeout":    30 * time.Second,

	"data.base_dir":   "data",
	"data.series_dir": "data/series",
	"data.encoding":   string(domain.EncodingAvro),

	"pipeline.concurrency":          20,
	"pipeline.backfill_concurrency": 10,
	"pipeline.indexer_concurrency":  25,
	"pipeline.attempts":             3,
	"pipeline.retry_delay":          500 * time.Millisecond,
	"pipeline.verify_delay":         2 * time.Second,
	"pipeline.poll_interval":        2 * time.Second,
	"pipeline.from_slot":            0,
	"pipeline.to_slot":              0,

	"metadata.api_key":         "",
	"metadata.base_url":        "https://pro-api.solscan.io",
	"metadata.initial_backoff": 100 * time.Millisecond,
	"metadata.attempts":        5,
	"metadata.timeout":         10 * time.Second,
	"metadata.flush_interval":  60 * time.Second,
	"metadata.chunk_size":      500,

	"pricing.asset":    "SOL",
	"pricing.quote":    "USDT",
	"pricing.interval": "1m",
	"pricing.base_url": "https://api.binance.com",

	"postgres.dsn":      "",
	"postgres.host":     "",
	"postgres.port":     5432,
	"postgres.user":     "postgres",
	"postgres.password": "",
	"postgres.database": "postgres",

	"clickhouse.dsn": "",

	"log.level":  "info",
	"log.format": "console",

	"metrics.addr": "",
}

// legacyEnv lists environment names honoured after the LEDGER_ ones.
var legacyEnv = map[string][]string{
	"metadata.api_key":  {"SOLSCAN_API_KEY"},
	"postgres.host":     {"DB_HOST"},
	"postgres.user":     {"DB_USER"},
	"postgres.password": {"DB_PASSWORD"},
	"postgres.database": {"DB_NAME"},
	"rpc.url":           {"RPC_URL"},
}

// flagKeys maps command line flag names onto configuration keys.
var flagKeys = map[string]string{
	"config":         "",
	"base":           "data.base_dir",
	"series-dir":     "data.series_dir",
	"encoding":       "data.encoding",
	"rpc-url":        "rpc.url",
	"ws-url":         "rpc.ws_url",
	"concurrency":    "pipeline.concurrency",
	"from-slot":      "pipeline.from_slot",
	"to-slot":        "pipeline.to_slot",
	"postgres-dsn":   "postgres.dsn",
	"clickhouse-dsn": "clickhouse.dsn",
	"log-level":      "log.level",
	"log-format":     "log.format",
	"metrics-addr":   "metrics.addr",
}

// RegisterFlags adds the shared flags to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "config file (yaml, toml or json)")
	fs.String("base", "", "artifact base directory")
	fs.String("series-dir", "", "price series cache directory")
	fs.String("encoding", "", "raw artifact encoding: csv or avro")
	fs.String("rpc-url", "", "Solana JSON-RPC endpoint")
	fs.String("ws-url", "", "Solana websocket endpoint")
	fs.Int("concurrency", 0, "concurrent slots")
	fs.Uint64("from-slot", 0, "first slot")
	fs.Uint64("to-slot", 0, "last slot")
	fs.String("postgres-dsn", "", "token_meta database")
	fs.String("clickhouse-dsn", "", "processed_trades sink")
	fs.String("log-level", "", "debug, info, warn or error")
	fs.String("log-format", "", "console or json")
	fs.String("metrics-addr", "", "metrics listen address")
}

// Load reads configuration. path may be empty. Only flags the user set
// on fs override other sources; fs may be nil.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, names := range legacyEnv {
		envs := append([]string{EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))}, names...)
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if fs != nil {
		for name, key := range flagKeys {
			f := fs.Lookup(name)
			if f == nil || key == "" || !f.Changed {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges and URLs.
func (c *Config) Validate() error {
	var errs []error
	if err := validateURL(c.RPC.URL, "http"); err != nil {
		errs = append(errs, fmt.Errorf("rpc.url: %w", err))
	}
	if c.RPC.WSURL != "" {
		if err := validateURL(c.RPC.WSURL, "ws"); err != nil {
			errs = append(errs, fmt.Errorf("rpc.ws_url: %w", err))
		}
	}
	if !domain.Encoding(c.Data.Encoding).IsValid() {
		errs = append(errs, fmt.Errorf("data.encoding: unsupported %q", c.Data.Encoding))
	}
	if c.Data.BaseDir == "" {
		errs = append(errs, errors.New("data.base_dir: required"))
	}
	if c.Pipeline.Concurrency <= 0 || c.Pipeline.BackfillConcurrency <= 0 || c.Pipeline.IndexerConcurrency <= 0 {
		errs = append(errs, errors.New("pipeline: concurrency must be positive"))
	}
	if c.Pipeline.Attempts == 0 {
		errs = append(errs, errors.New("pipeline.attempts: must be positive"))
	}
	if c.Pipeline.ToSlot != 0 && c.Pipeline.FromSlot > c.Pipeline.ToSlot {
		errs = append(errs, fmt.Errorf("pipeline: from_slot %d after to_slot %d", c.Pipeline.FromSlot, c.Pipeline.ToSlot))
	}
	if c.Metadata.Attempts == 0 || c.Metadata.ChunkSize <= 0 {
		errs = append(errs, errors.New("metadata: attempts and chunk_size must be positive"))
	}
	return errors.Join(errs...)
}

func validateURL(raw, scheme string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(u.Scheme, scheme) || u.Host == "" {
		return fmt.Errorf("expected %s(s)://host, got %q", scheme, raw)
	}
	return nil
}
