// Package config defines all configuration for the trading bot.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via POLY_* / TELEGRAM_* environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Trading modes. Paper simulates fills locally; live signs and submits
// real orders.
const (
	ModePaper = "paper"
	ModeLive  = "live"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Mode      string          `mapstructure:"mode"`
	Wallet    WalletConfig    `mapstructure:"wallet"`
	API       APIConfig       `mapstructure:"api"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Exits     ExitConfig      `mapstructure:"exits"`
	Fees      FeeConfig       `mapstructure:"fees"`
	Copy      CopyConfig      `mapstructure:"copy"`
	Arb       ArbConfig       `mapstructure:"arb"`
	Stink     StinkConfig     `mapstructure:"stink"`
	Scanner   ScannerConfig   `mapstructure:"scanner"`
	Store     StoreConfig     `mapstructure:"store"`
	Paper     PaperConfig     `mapstructure:"paper"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// Live reports whether the bot trades with real funds.
func (c *Config) Live() bool { return c.Mode == ModeLive }

// WalletConfig holds the Ethereum wallet used for signing orders.
// PrivateKey signs L1 (EIP-712) auth and derives L2 API keys.
// FunderAddress is the on-chain address that funds orders (may differ from
// signer if using a proxy).
type WalletConfig struct {
	PrivateKey    Secret `mapstructure:"private_key"`
	SignatureType int    `mapstructure:"signature_type"`
	FunderAddress string `mapstructure:"funder_address"`
	ChainID       int    `mapstructure:"chain_id"`
	RPCURL        string `mapstructure:"rpc_url"`
	MinBalanceUSD float64 `mapstructure:"min_balance_usd"` // warn below this
}

// APIConfig holds Polymarket API endpoints and optional pre-derived L2
// credentials. If ApiKey/Secret/Passphrase are empty, the bot derives them
// via L1 auth on startup.
type APIConfig struct {
	CLOBBaseURL  string `mapstructure:"clob_base_url"`
	GammaBaseURL string `mapstructure:"gamma_base_url"`
	DataBaseURL  string `mapstructure:"data_base_url"`
	WSMarketURL  string `mapstructure:"ws_market_url"`
	ApiKey       Secret `mapstructure:"api_key"`
	Secret       Secret `mapstructure:"secret"`
	Passphrase   Secret `mapstructure:"passphrase"`
}

// RateLimitConfig tunes the shared exchange request budget.
type RateLimitConfig struct {
	RequestsPerMinute int `mapstructure:"requests_per_minute"`
	Burst             int `mapstructure:"burst"`
}

// RiskConfig sets the hard limits the risk gate enforces on every entry.
//
//   - MaxPositionPct: max single position as % of portfolio total.
//   - MaxOpenPositions: cap on simultaneously open positions.
//   - MinEdgePct: minimum expected edge after fees for an entry.
//   - MinCashReservePct: free cash floor as % of portfolio total.
//   - DailyLossLimitPct: max daily loss (realized + unrealized) before
//     entries are rejected.
//   - MinPositionSizeUSD: reject entries smaller than this.
//   - SnapshotMaxAge: portfolio/balance data older than this is unknown,
//     and unknown means reject (fail closed).
type RiskConfig struct {
	MaxPositionPct     float64       `mapstructure:"max_position_pct"`
	MaxOpenPositions   int           `mapstructure:"max_open_positions"`
	MinEdgePct         float64       `mapstructure:"min_edge_pct"`
	MinCashReservePct  float64       `mapstructure:"min_cash_reserve_pct"`
	DailyLossLimitPct  float64       `mapstructure:"daily_loss_limit_pct"`
	MinPositionSizeUSD float64       `mapstructure:"min_position_size_usd"`
	SnapshotMaxAge     time.Duration `mapstructure:"snapshot_max_age"`
}

// TPLevelConfig is one default take-profit rung applied to new positions:
// when price gains GainPct over entry, sell SellFraction of current shares.
type TPLevelConfig struct {
	GainPct      float64 `mapstructure:"gain_pct"`
	SellFraction float64 `mapstructure:"sell_fraction"`
}

// ExitConfig holds the default exit plan stamped onto new positions.
type ExitConfig struct {
	StopLossPct     float64         `mapstructure:"stop_loss_pct"`
	TrailingStopPct float64         `mapstructure:"trailing_stop_pct"`
	TakeProfits     []TPLevelConfig `mapstructure:"take_profits"`
}

// FeeConfig models venue costs used in edge and P&L math.
type FeeConfig struct {
	TakerRatePct    float64 `mapstructure:"taker_rate_pct"`    // worst-case taker fee
	WinnerFeePct    float64 `mapstructure:"winner_fee_pct"`    // fee on resolution winnings
	EstimatedGasUSD float64 `mapstructure:"estimated_gas_usd"` // per-order gas estimate
}

// TrackedWallet is one whale wallet the copy strategy follows.
type TrackedWallet struct {
	Address          string  `mapstructure:"address"`
	Name             string  `mapstructure:"name"`
	MaxAllocationUSD float64 `mapstructure:"max_allocation_usd"` // 0 = uncapped
	Enabled          bool    `mapstructure:"enabled"`
}

// Label returns the wallet's display name, falling back to a short address.
func (w TrackedWallet) Label() string {
	if w.Name != "" {
		return w.Name
	}
	if len(w.Address) > 10 {
		return w.Address[:10]
	}
	return w.Address
}

// CopyConfig tunes the whale copy-trading strategy.
//
//   - Wallets: whale wallets to track.
//   - SizingMode: "fixed" | "pct_portfolio" | "pct_whale".
//   - MinConvictionUSD: ignore whale positions below this value.
//   - MaxSlippagePct: skip entry if live price is adverse vs the whale's
//     basis by more than this.
type CopyConfig struct {
	Enabled          bool            `mapstructure:"enabled"`
	AllocationPct    float64         `mapstructure:"allocation_pct"`
	Interval         time.Duration   `mapstructure:"interval"`
	Wallets          []TrackedWallet `mapstructure:"wallets"`
	SizingMode       string          `mapstructure:"sizing_mode"`
	FixedSizeUSD     float64         `mapstructure:"fixed_size_usd"`
	SizingPct        float64         `mapstructure:"sizing_pct"`
	MinConvictionUSD float64         `mapstructure:"min_conviction_usd"`
	MaxSlippagePct   float64         `mapstructure:"max_slippage_pct"`
	MinExitUSD       float64         `mapstructure:"min_exit_usd"`
}

// EnabledWallets returns the wallets the strategy should actually poll.
func (c CopyConfig) EnabledWallets() []TrackedWallet {
	out := make([]TrackedWallet, 0, len(c.Wallets))
	for _, w := range c.Wallets {
		if w.Enabled && w.Address != "" {
			out = append(out, w)
		}
	}
	return out
}

// ArbConfig tunes intra-market YES+NO arbitrage.
//
//   - MinMarginPct: required gap below parity after fees (total < 1 - margin).
//   - LegSizeUSD: notional per leg.
//   - MinProfitUSD: skip opportunities paying less than this.
//   - Markets: optional explicit watchlist; empty = use scanner output.
type ArbConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	AllocationPct float64       `mapstructure:"allocation_pct"`
	Interval      time.Duration `mapstructure:"interval"`
	MinMarginPct  float64       `mapstructure:"min_margin_pct"`
	LegSizeUSD    float64       `mapstructure:"leg_size_usd"`
	MinProfitUSD  float64       `mapstructure:"min_profit_usd"`
	Markets       []string      `mapstructure:"markets"`
}

// StinkConfig tunes deep-discount resting bids.
//
//   - DiscountPct: bid at (1 - discount) × mid; must be within [70, 90].
//   - MaxOrders: cap on simultaneously resting stink bids.
//   - MinVolumeUSD: only target markets with at least this 24h volume.
type StinkConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	AllocationPct float64       `mapstructure:"allocation_pct"`
	Interval      time.Duration `mapstructure:"interval"`
	DiscountPct   float64       `mapstructure:"discount_pct"`
	MaxOrders     int           `mapstructure:"max_orders"`
	OrderSizeUSD  float64       `mapstructure:"order_size_usd"`
	MinVolumeUSD  float64       `mapstructure:"min_volume_usd"`
}

// ScannerConfig controls how the bot discovers and filters tradeable markets
// for the arb and stink watchlists when no explicit list is configured.
type ScannerConfig struct {
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	MinLiquidity   float64       `mapstructure:"min_liquidity"`
	MinVolume24h   float64       `mapstructure:"min_volume_24h"`
	MaxEndDateDays int           `mapstructure:"max_end_date_days"`
	MaxMarkets     int           `mapstructure:"max_markets"`
	ExcludeSlugs   []string      `mapstructure:"exclude_slugs"`
}

// StoreConfig sets where durable state is persisted (a single SQLite file).
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// PaperConfig seeds the simulated account used when mode is "paper".
type PaperConfig struct {
	StartingBalanceUSD float64 `mapstructure:"starting_balance_usd"`
}

// TelegramConfig wires the operator control surface and alert pushes.
type TelegramConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	BotToken    Secret        `mapstructure:"bot_token"`
	ChatID      int64         `mapstructure:"chat_id"`
	DedupWindow time.Duration `mapstructure:"dedup_window"`
}

// ServerConfig controls the HTTP health/metrics listener.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: POLY_PRIVATE_KEY, POLY_API_KEY,
// POLY_API_SECRET, POLY_PASSPHRASE, TELEGRAM_BOT_TOKEN, TELEGRAM_CHAT_ID.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("POLY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("POLY_PRIVATE_KEY"); key != "" {
		cfg.Wallet.PrivateKey = Secret(key)
	}
	if key := os.Getenv("POLY_API_KEY"); key != "" {
		cfg.API.ApiKey = Secret(key)
	}
	if secret := os.Getenv("POLY_API_SECRET"); secret != "" {
		cfg.API.Secret = Secret(secret)
	}
	if pass := os.Getenv("POLY_PASSPHRASE"); pass != "" {
		cfg.API.Passphrase = Secret(pass)
	}
	if tok := os.Getenv("TELEGRAM_BOT_TOKEN"); tok != "" {
		cfg.Telegram.BotToken = Secret(tok)
	}
	if chat := os.Getenv("TELEGRAM_CHAT_ID"); chat != "" {
		id, err := strconv.ParseInt(chat, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.Telegram.ChatID = id
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", ModePaper)
	v.SetDefault("wallet.chain_id", 137)
	v.SetDefault("wallet.signature_type", 0)
	v.SetDefault("wallet.rpc_url", "https://polygon-rpc.com")
	v.SetDefault("wallet.min_balance_usd", 1.0)
	v.SetDefault("api.clob_base_url", "https://clob.polymarket.com")
	v.SetDefault("api.gamma_base_url", "https://gamma-api.polymarket.com")
	v.SetDefault("api.data_base_url", "https://data-api.polymarket.com")
	v.SetDefault("api.ws_market_url", "wss://ws-subscriptions-clob.polymarket.com/ws/market")
	v.SetDefault("rate_limit.requests_per_minute", 60)
	v.SetDefault("rate_limit.burst", 10)
	v.SetDefault("risk.max_position_pct", 15)
	v.SetDefault("risk.max_open_positions", 10)
	v.SetDefault("risk.min_edge_pct", 5)
	v.SetDefault("risk.min_cash_reserve_pct", 10)
	v.SetDefault("risk.daily_loss_limit_pct", 10)
	v.SetDefault("risk.min_position_size_usd", 25)
	v.SetDefault("risk.snapshot_max_age", "30s")
	v.SetDefault("exits.stop_loss_pct", 25)
	v.SetDefault("exits.trailing_stop_pct", 10)
	v.SetDefault("fees.taker_rate_pct", 3.15)
	v.SetDefault("fees.winner_fee_pct", 2)
	v.SetDefault("fees.estimated_gas_usd", 0.03)
	v.SetDefault("copy.interval", "60s")
	v.SetDefault("copy.sizing_mode", "fixed")
	v.SetDefault("copy.fixed_size_usd", 100)
	v.SetDefault("copy.min_conviction_usd", 500)
	v.SetDefault("copy.max_slippage_pct", 5)
	v.SetDefault("copy.min_exit_usd", 10)
	v.SetDefault("arb.interval", "10s")
	v.SetDefault("arb.min_margin_pct", 5)
	v.SetDefault("arb.leg_size_usd", 50)
	v.SetDefault("arb.min_profit_usd", 0.5)
	v.SetDefault("stink.interval", "5m")
	v.SetDefault("stink.discount_pct", 80)
	v.SetDefault("stink.max_orders", 10)
	v.SetDefault("stink.order_size_usd", 50)
	v.SetDefault("stink.min_volume_usd", 10000)
	v.SetDefault("scanner.poll_interval", "10m")
	v.SetDefault("scanner.min_liquidity", 5000)
	v.SetDefault("scanner.min_volume_24h", 10000)
	v.SetDefault("scanner.max_end_date_days", 90)
	v.SetDefault("scanner.max_markets", 20)
	v.SetDefault("store.path", "data/trader.db")
	v.SetDefault("paper.starting_balance_usd", 1000)
	v.SetDefault("telegram.dedup_window", "5m")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Mode != ModePaper && c.Mode != ModeLive {
		return fmt.Errorf("mode must be %q or %q, got %q", ModePaper, ModeLive, c.Mode)
	}
	if c.Live() {
		if c.Wallet.PrivateKey.Empty() {
			return fmt.Errorf("wallet.private_key is required in live mode (set POLY_PRIVATE_KEY)")
		}
		if c.Wallet.ChainID == 0 {
			return fmt.Errorf("wallet.chain_id is required (137 for mainnet)")
		}
	}
	switch c.Wallet.SignatureType {
	case 0, 1, 2:
	default:
		return fmt.Errorf("wallet.signature_type must be one of: 0 (EOA), 1 (POLY_PROXY), 2 (GNOSIS_SAFE)")
	}
	if c.Wallet.SignatureType != 0 && c.Wallet.FunderAddress == "" {
		return fmt.Errorf("wallet.funder_address is required when wallet.signature_type is 1 or 2")
	}
	if c.API.CLOBBaseURL == "" {
		return fmt.Errorf("api.clob_base_url is required")
	}
	if c.RateLimit.RequestsPerMinute <= 0 {
		return fmt.Errorf("rate_limit.requests_per_minute must be > 0")
	}
	if c.Risk.MaxPositionPct <= 0 || c.Risk.MaxPositionPct > 100 {
		return fmt.Errorf("risk.max_position_pct must be in (0, 100]")
	}
	if c.Risk.MaxOpenPositions <= 0 {
		return fmt.Errorf("risk.max_open_positions must be > 0")
	}
	if c.Risk.MinPositionSizeUSD <= 0 {
		return fmt.Errorf("risk.min_position_size_usd must be > 0")
	}
	if c.Risk.SnapshotMaxAge <= 0 {
		return fmt.Errorf("risk.snapshot_max_age must be > 0")
	}
	if sum := c.allocationSum(); sum > 100 {
		return fmt.Errorf("strategy allocations sum to %.1f%%, must be <= 100%%", sum)
	}
	if c.Stink.Enabled {
		if c.Stink.DiscountPct < 70 || c.Stink.DiscountPct > 90 {
			return fmt.Errorf("stink.discount_pct must be within [70, 90], got %.1f", c.Stink.DiscountPct)
		}
		if c.Stink.AllocationPct > 20 {
			return fmt.Errorf("stink.allocation_pct must be <= 20, got %.1f", c.Stink.AllocationPct)
		}
	}
	if c.Copy.Enabled {
		switch c.Copy.SizingMode {
		case "fixed", "pct_portfolio", "pct_whale":
		default:
			return fmt.Errorf("copy.sizing_mode must be fixed, pct_portfolio, or pct_whale")
		}
		for i, w := range c.Copy.Wallets {
			if w.Address == "" {
				return fmt.Errorf("copy.wallets[%d] is missing an address", i)
			}
		}
		if len(c.Copy.EnabledWallets()) == 0 {
			return fmt.Errorf("copy.wallets must list at least one enabled wallet when copy is enabled")
		}
	}
	if c.Telegram.Enabled {
		if c.Telegram.BotToken.Empty() {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled (set TELEGRAM_BOT_TOKEN)")
		}
		if c.Telegram.ChatID == 0 {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	return nil
}

func (c *Config) allocationSum() float64 {
	var sum float64
	if c.Copy.Enabled {
		sum += c.Copy.AllocationPct
	}
	if c.Arb.Enabled {
		sum += c.Arb.AllocationPct
	}
	if c.Stink.Enabled {
		sum += c.Stink.AllocationPct
	}
	return sum
}
