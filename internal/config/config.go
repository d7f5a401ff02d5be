// Package config defines all configuration for the exchange.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// fields overridable via EXCH_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"prediction-exchange/pkg/types"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Exchange ExchangeConfig `mapstructure:"exchange"`
	Store    StoreConfig    `mapstructure:"store"`
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ExchangeConfig tunes the matching and escrow core.
//
//   - TickSize: LIMIT prices must be integer multiples of this.
//   - MinQuantity / MaxQuantity: bounds on a single order's quantity.
//   - PerMarketPositionCap: if set, a user's total shares across both
//     outcomes of one market may not exceed the cap.
//   - MarketSlippageCollar: MARKET orders stop walking the book when the
//     next level's price is more than this far from the best price.
//   - SelfTradePolicy: SKIP, CANCEL_MAKER, or CANCEL_TAKER.
//   - IdempotencyTTL: how long placeOrder results are retained for replay.
//   - SubmitTimeout: default cancelAfter deadline for queued submissions.
type ExchangeConfig struct {
	TickSize             string        `mapstructure:"tick_size"`
	MinQuantity          string        `mapstructure:"min_quantity"`
	MaxQuantity          string        `mapstructure:"max_quantity"`
	PerMarketPositionCap string        `mapstructure:"per_market_position_cap"`
	MarketSlippageCollar string        `mapstructure:"market_slippage_collar"`
	SelfTradePolicy      string        `mapstructure:"self_trade_policy"`
	IdempotencyTTL       time.Duration `mapstructure:"idempotency_ttl"`
	SubmitTimeout        time.Duration `mapstructure:"submit_timeout"`
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval"`
}

// StoreConfig sets where the durable bbolt database lives.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig controls the HTTP/WebSocket transport.
type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Defaults mirror the recognized options and their documented values.
const (
	DefaultTickSize       = "0.01"
	DefaultMinQuantity    = "0.0001"
	DefaultMaxQuantity    = "1000000"
	DefaultSlippageCollar = "0.10"
	DefaultIdempotencyTTL = 24 * time.Hour
	DefaultSubmitTimeout  = 5 * time.Second
	DefaultHeartbeat      = 15 * time.Second
)

// Default returns a config populated with defaults, suitable for tests and
// for running without a config file.
func Default() *Config {
	return &Config{
		Exchange: ExchangeConfig{
			TickSize:             DefaultTickSize,
			MinQuantity:          DefaultMinQuantity,
			MaxQuantity:          DefaultMaxQuantity,
			MarketSlippageCollar: DefaultSlippageCollar,
			SelfTradePolicy:      string(types.SelfTradeSkip),
			IdempotencyTTL:       DefaultIdempotencyTTL,
			SubmitTimeout:        DefaultSubmitTimeout,
			HeartbeatInterval:    DefaultHeartbeat,
		},
		Store:   StoreConfig{Path: "data/exchange.db"},
		Server:  ServerConfig{Port: 8080},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads config from a YAML file with env var overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("EXCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := Default()
	v.SetDefault("exchange.tick_size", def.Exchange.TickSize)
	v.SetDefault("exchange.min_quantity", def.Exchange.MinQuantity)
	v.SetDefault("exchange.max_quantity", def.Exchange.MaxQuantity)
	v.SetDefault("exchange.market_slippage_collar", def.Exchange.MarketSlippageCollar)
	v.SetDefault("exchange.self_trade_policy", def.Exchange.SelfTradePolicy)
	v.SetDefault("exchange.idempotency_ttl", def.Exchange.IdempotencyTTL)
	v.SetDefault("exchange.submit_timeout", def.Exchange.SubmitTimeout)
	v.SetDefault("exchange.heartbeat_interval", def.Exchange.HeartbeatInterval)
	v.SetDefault("store.path", def.Store.Path)
	v.SetDefault("server.port", def.Server.Port)
	v.SetDefault("logging.level", def.Logging.Level)
	v.SetDefault("logging.format", def.Logging.Format)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	tick, err := decimal.NewFromString(c.Exchange.TickSize)
	if err != nil || tick.Sign() <= 0 || tick.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("exchange.tick_size must be a decimal in (0,1)")
	}
	minQ, err := decimal.NewFromString(c.Exchange.MinQuantity)
	if err != nil || minQ.Sign() <= 0 {
		return fmt.Errorf("exchange.min_quantity must be a positive decimal")
	}
	maxQ, err := decimal.NewFromString(c.Exchange.MaxQuantity)
	if err != nil || maxQ.LessThan(minQ) {
		return fmt.Errorf("exchange.max_quantity must be >= exchange.min_quantity")
	}
	if c.Exchange.PerMarketPositionCap != "" {
		capQ, err := decimal.NewFromString(c.Exchange.PerMarketPositionCap)
		if err != nil || capQ.Sign() <= 0 {
			return fmt.Errorf("exchange.per_market_position_cap must be a positive decimal when set")
		}
	}
	collar, err := decimal.NewFromString(c.Exchange.MarketSlippageCollar)
	if err != nil || collar.Sign() < 0 {
		return fmt.Errorf("exchange.market_slippage_collar must be a non-negative decimal")
	}
	if !types.SelfTradePolicy(c.Exchange.SelfTradePolicy).Valid() {
		return fmt.Errorf("exchange.self_trade_policy must be one of: SKIP, CANCEL_MAKER, CANCEL_TAKER")
	}
	if c.Exchange.IdempotencyTTL < time.Hour {
		return fmt.Errorf("exchange.idempotency_ttl must be at least 1h")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535")
	}
	return nil
}

// TickSize returns the parsed tick size. Call Validate first.
func (c *Config) TickSize() decimal.Decimal {
	d, _ := decimal.NewFromString(c.Exchange.TickSize)
	return d
}

// MinQuantity returns the parsed minimum order quantity.
func (c *Config) MinQuantity() decimal.Decimal {
	d, _ := decimal.NewFromString(c.Exchange.MinQuantity)
	return d
}

// MaxQuantity returns the parsed maximum order quantity.
func (c *Config) MaxQuantity() decimal.Decimal {
	d, _ := decimal.NewFromString(c.Exchange.MaxQuantity)
	return d
}

// PositionCap returns the per-market position cap, or zero when unset.
func (c *Config) PositionCap() decimal.Decimal {
	if c.Exchange.PerMarketPositionCap == "" {
		return decimal.Zero
	}
	d, _ := decimal.NewFromString(c.Exchange.PerMarketPositionCap)
	return d
}

// SlippageCollar returns the parsed market-order slippage collar, an
// absolute price distance from the best opposite level.
func (c *Config) SlippageCollar() decimal.Decimal {
	d, _ := decimal.NewFromString(c.Exchange.MarketSlippageCollar)
	return d
}

// SelfTrade returns the parsed self-trade policy.
func (c *Config) SelfTrade() types.SelfTradePolicy {
	return types.SelfTradePolicy(c.Exchange.SelfTradePolicy)
}
