// Package config loads the notifier configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Storage driver names.
const (
	DriverMemory     = "memory"
	DriverBolt       = "bolt"
	DriverPostgres   = "postgres"
	DriverClickhouse = "clickhouse"
)

// Config holds all notifier configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Chain        ChainConfig        `yaml:"chain"`
	Explorer     ExplorerConfig     `yaml:"explorer"`
	Neynar       NeynarConfig       `yaml:"neynar"`
	Notification NotificationConfig `yaml:"notification"`
	PriceFeed    PriceFeedConfig    `yaml:"price_feed"`
	HTTP         HTTPRetryConfig    `yaml:"http"`
	Storage      StorageConfig      `yaml:"storage"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	CronSecret      string        `yaml:"cron_secret"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ChainConfig configures contract reads and the head subscription.
type ChainConfig struct {
	RPCURL           string        `yaml:"rpc_url"`
	WSURL            string        `yaml:"ws_url"` // optional, enables head triggers
	PoolAddress      string        `yaml:"pool_address"`
	MulticallAddress string        `yaml:"multicall_address"`
	BaseAssetAddress string        `yaml:"base_asset_address"` // ERC-20 whose pool balance is compared to price
	CallTimeout      time.Duration `yaml:"call_timeout"`
}

// ExplorerConfig configures the Blockscout holder lookup.
type ExplorerConfig struct {
	BaseURL      string        `yaml:"base_url"`
	TokenAddress string        `yaml:"token_address"`
	MaxPages     int           `yaml:"max_pages"`
	Timeout      time.Duration `yaml:"timeout"`
}

// NeynarConfig configures identity resolution and notification delivery.
type NeynarConfig struct {
	BaseURL         string        `yaml:"base_url"`
	APIKey          string        `yaml:"api_key"`
	LookupBatchSize int           `yaml:"lookup_batch_size"`
	NotifyBatchSize int           `yaml:"notify_batch_size"`
	RateLimit       float64       `yaml:"rate_limit"` // requests per second
	Burst           int           `yaml:"burst"`
	CacheSize       int           `yaml:"cache_size"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`
	Timeout         time.Duration `yaml:"timeout"`
}

// NotificationConfig is the static part of the push payload.
type NotificationConfig struct {
	Title     string `yaml:"title"`
	TargetURL string `yaml:"target_url"`
}

// PriceFeedConfig configures the ETH/USD price source.
type PriceFeedConfig struct {
	Enabled bool          `yaml:"enabled"`
	BaseURL string        `yaml:"base_url"`
	TTL     time.Duration `yaml:"ttl"`
	Timeout time.Duration `yaml:"timeout"`
}

// HTTPRetryConfig configures retries for the idempotent outbound clients
// (explorer and price feed). Notification delivery is never retried.
type HTTPRetryConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
}

// StorageConfig selects and configures storage backends.
type StorageConfig struct {
	FlagDriver         string `yaml:"flag_driver"`         // memory | bolt | postgres
	FlagKey            string `yaml:"flag_key"`
	BoltPath           string `yaml:"bolt_path"`
	RunDriver          string `yaml:"run_driver"`          // memory | clickhouse
	RunCapacity        int    `yaml:"run_capacity"`        // memory run store only
	NotificationDriver string `yaml:"notification_driver"` // memory | postgres
	PostgresDSN        string `yaml:"postgres_dsn"`
	ClickhouseDSN      string `yaml:"clickhouse_dsn"`
	MigrateOnStart     bool   `yaml:"migrate_on_start"`
}

// SchedulerConfig configures the in-process triggers. Zero values disable them.
type SchedulerConfig struct {
	Interval    time.Duration `yaml:"interval"`
	EveryBlocks uint64        `yaml:"every_blocks"`
	MinInterval time.Duration `yaml:"min_interval"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // json | console
}

// DefaultConfig returns a configuration with defaults applied.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Chain: ChainConfig{
			CallTimeout: 10 * time.Second,
		},
		Explorer: ExplorerConfig{
			BaseURL:  "https://base.blockscout.com",
			MaxPages: 20,
			Timeout:  15 * time.Second,
		},
		Neynar: NeynarConfig{
			BaseURL:         "https://api.neynar.com",
			LookupBatchSize: 350,
			NotifyBatchSize: 100,
			RateLimit:       5,
			Burst:           1,
			CacheSize:       10000,
			CacheTTL:        time.Hour,
			Timeout:         15 * time.Second,
		},
		Notification: NotificationConfig{
			Title: "Pool is in range",
		},
		PriceFeed: PriceFeedConfig{
			Enabled: true,
			BaseURL: "https://api.coingecko.com",
			TTL:     60 * time.Second,
			Timeout: 5 * time.Second,
		},
		HTTP: HTTPRetryConfig{
			MaxRetries: 2,
			RetryDelay: 500 * time.Millisecond,
			MaxDelay:   5 * time.Second,
		},
		Storage: StorageConfig{
			FlagDriver:         DriverMemory,
			FlagKey:            "in_range_notified",
			BoltPath:           "notifier.db",
			RunDriver:          DriverMemory,
			RunCapacity:        1000,
			NotificationDriver: DriverMemory,
		},
		Scheduler: SchedulerConfig{
			MinInterval: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration from a YAML file, expanding ${VAR} references,
// then applies environment fallbacks. A missing file yields the defaults.
// The result is not validated; call Validate.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnvFallbacks()

	return cfg, nil
}

// applyEnvFallbacks fills empty secrets and endpoints from the environment.
func (c *Config) applyEnvFallbacks() {
	fallback := func(dst *string, key string) {
		if *dst == "" {
			*dst = os.Getenv(key)
		}
	}
	fallback(&c.Server.CronSecret, "CRON_SECRET")
	fallback(&c.Neynar.APIKey, "NEYNAR_API_KEY")
	fallback(&c.Chain.RPCURL, "RPC_URL")
	fallback(&c.Chain.WSURL, "WS_URL")
	fallback(&c.Storage.PostgresDSN, "POSTGRES_DSN")
	fallback(&c.Storage.ClickhouseDSN, "CLICKHOUSE_DSN")
}

// Validate checks required fields and reports every problem at once.
// requireSecret is false for commands that never serve the cron endpoint.
func (c *Config) Validate(requireSecret bool) error {
	var errs []error
	missing := func(field string) {
		errs = append(errs, fmt.Errorf("%s is required", field))
	}

	if requireSecret && c.Server.CronSecret == "" {
		missing("server.cron_secret (CRON_SECRET)")
	}
	if c.Chain.RPCURL == "" {
		missing("chain.rpc_url (RPC_URL)")
	}
	for _, a := range []struct{ field, addr string }{
		{"chain.pool_address", c.Chain.PoolAddress},
		{"chain.multicall_address", c.Chain.MulticallAddress},
		{"chain.base_asset_address", c.Chain.BaseAssetAddress},
		{"explorer.token_address", c.Explorer.TokenAddress},
	} {
		switch {
		case a.addr == "":
			missing(a.field)
		case !common.IsHexAddress(a.addr):
			errs = append(errs, fmt.Errorf("%s: invalid address %q", a.field, a.addr))
		}
	}
	if c.Explorer.BaseURL == "" {
		missing("explorer.base_url")
	}
	if c.Neynar.APIKey == "" {
		missing("neynar.api_key (NEYNAR_API_KEY)")
	}
	if c.Neynar.BaseURL == "" {
		missing("neynar.base_url")
	}
	if c.Neynar.LookupBatchSize <= 0 || c.Neynar.LookupBatchSize > 350 {
		errs = append(errs, fmt.Errorf("neynar.lookup_batch_size must be in 1..350, got %d", c.Neynar.LookupBatchSize))
	}
	if c.Neynar.NotifyBatchSize <= 0 {
		errs = append(errs, fmt.Errorf("neynar.notify_batch_size must be positive, got %d", c.Neynar.NotifyBatchSize))
	}
	if c.Notification.TargetURL == "" {
		missing("notification.target_url")
	}
	if c.PriceFeed.Enabled && c.PriceFeed.BaseURL == "" {
		missing("price_feed.base_url")
	}
	if c.HTTP.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("http.max_retries must not be negative, got %d", c.HTTP.MaxRetries))
	}
	if c.Storage.FlagKey == "" {
		missing("storage.flag_key")
	}

	switch c.Storage.FlagDriver {
	case DriverMemory:
	case DriverBolt:
		if c.Storage.BoltPath == "" {
			missing("storage.bolt_path")
		}
	case DriverPostgres:
		if c.Storage.PostgresDSN == "" {
			missing("storage.postgres_dsn (POSTGRES_DSN)")
		}
	default:
		errs = append(errs, fmt.Errorf("storage.flag_driver: unknown driver %q", c.Storage.FlagDriver))
	}

	switch c.Storage.RunDriver {
	case DriverMemory:
	case DriverClickhouse:
		if c.Storage.ClickhouseDSN == "" {
			missing("storage.clickhouse_dsn (CLICKHOUSE_DSN)")
		}
	default:
		errs = append(errs, fmt.Errorf("storage.run_driver: unknown driver %q", c.Storage.RunDriver))
	}

	switch c.Storage.NotificationDriver {
	case DriverMemory:
	case DriverPostgres:
		if c.Storage.PostgresDSN == "" && c.Storage.FlagDriver != DriverPostgres {
			missing("storage.postgres_dsn (POSTGRES_DSN)")
		}
	default:
		errs = append(errs, fmt.Errorf("storage.notification_driver: unknown driver %q", c.Storage.NotificationDriver))
	}

	if c.Scheduler.EveryBlocks > 0 && c.Chain.WSURL == "" {
		missing("chain.ws_url (WS_URL) when scheduler.every_blocks is set")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.format: unknown format %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}

// UsesPostgres reports whether any store is backed by PostgreSQL.
func (c *Config) UsesPostgres() bool {
	return c.Storage.FlagDriver == DriverPostgres || c.Storage.NotificationDriver == DriverPostgres
}

// UsesClickhouse reports whether run history is backed by ClickHouse.
func (c *Config) UsesClickhouse() bool {
	return c.Storage.RunDriver == DriverClickhouse
}
