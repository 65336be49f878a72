package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/nexus-trading/poolwatch/internal/pipeline"
	"github.com/nexus-trading/poolwatch/internal/risk"
	"github.com/nexus-trading/poolwatch/internal/solana"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// DefaultMaxTopHolderPct is the largest share a single holder may own when a
// tenant leaves checks.max_topholder_pct unset.
const DefaultMaxTopHolderPct = 50.0

// Config is the root configuration structure for poolwatch.
type Config struct {
	General  GeneralConfig  `yaml:"general"`
	Solana   SolanaConfig   `yaml:"solana"`
	Stream   StreamConfig   `yaml:"stream"`
	Pools    []PoolConfig   `yaml:"pools"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Services ServicesConfig `yaml:"services"`
	Tracker  TrackerConfig  `yaml:"tracker"`
	Feed     FeedConfig     `yaml:"feed"`
	Audit    AuditConfig    `yaml:"audit"`
	Sweep    SweepConfig    `yaml:"sweep"`
	Server   ServerConfig   `yaml:"server"`
	Tenants  []TenantConfig `yaml:"tenants"`
}

type GeneralConfig struct {
	InstanceID  string `yaml:"instance_id"`
	Environment string `yaml:"environment"` // production|staging|development
	DryRun      bool   `yaml:"dry_run"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"` // json|text
}

type SolanaConfig struct {
	BaseMint         string  `yaml:"base_mint"` // paired asset skipped by the resolver
	RateLimitRPS     float64 `yaml:"rate_limit_rps"`
	RequestTimeoutMs int     `yaml:"request_timeout_ms"`
	MaxRetries       int     `yaml:"max_retries"`
}

type StreamConfig struct {
	InitialBackoffMs int `yaml:"initial_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms"`
	PingIntervalMs   int `yaml:"ping_interval_ms"`
	ReadTimeoutMs    int `yaml:"read_timeout_ms"`
	WriteTimeoutMs   int `yaml:"write_timeout_ms"`
	EventBuffer      int `yaml:"event_buffer"`
}

type PoolConfig struct {
	pipeline.Subscription `yaml:",inline"`
	Enabled               bool `yaml:"enabled"`
}

type PipelineConfig struct {
	MaxConcurrent       int      `yaml:"max_concurrent"` // per tenant
	ResolveRetryDelayMs int      `yaml:"resolve_retry_delay_ms"`
	MarketCapCeilingUSD float64  `yaml:"market_cap_ceiling_usd"`
	BlockedSuffixes     []string `yaml:"blocked_suffixes"`
	BlockSymbols        []string `yaml:"block_symbols"` // merged into every tenant's list
	BlockNames          []string `yaml:"block_names"`
}

type ServicesConfig struct {
	RugCheckURL   string `yaml:"rugcheck_url"`
	FluxBeamURL   string `yaml:"fluxbeam_url"`
	SniperooURL   string `yaml:"sniperoo_url"`
	TelegramURL   string `yaml:"telegram_url"`
	TelegramToken string `yaml:"telegram_token"`
	HTTPTimeoutMs int    `yaml:"http_timeout_ms"`
}

type TrackerConfig struct {
	Path string `yaml:"path"` // sqlite file, ":memory:" for none
}

// FeedConfig tunes the per-tenant stream quality monitor.
type FeedConfig struct {
	LagThresholdMs  int `yaml:"lag_threshold_ms"`
	StaleTimeoutSec int `yaml:"stale_timeout_sec"`
	CheckIntervalMs int `yaml:"check_interval_ms"`
}

type AuditConfig struct {
	Buffer int `yaml:"buffer"` // pipeline runs kept in memory, negative disables
}

type SweepConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"` // five-field cron
}

type ServerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type TenantConfig struct {
	ID             int64        `yaml:"id"`
	Name           string       `yaml:"name"`
	ChatID         int64        `yaml:"chat_id"`
	RPCURL         string       `yaml:"rpc_url"`
	WSURL          string       `yaml:"ws_url"`
	SniperooAPIKey string       `yaml:"sniperoo_api_key"`
	Wallet         string       `yaml:"wallet"`
	Pools          []string     `yaml:"pools"` // empty means every enabled pool
	MaxConcurrent  int          `yaml:"max_concurrent"`
	Buy            BuyConfig    `yaml:"buy"`
	Sell           SellConfig   `yaml:"sell"`
	Checks         ChecksConfig `yaml:"checks"`
	AutoStart      bool         `yaml:"auto_start"`
	ExpiresAt      time.Time    `yaml:"expires_at"`
}

type BuyConfig struct {
	AmountSOL float64 `yaml:"amount_sol"`
}

type SellConfig struct {
	Enabled       bool    `yaml:"enabled"`
	StopLossPct   float64 `yaml:"stop_loss_pct"`
	TakeProfitPct float64 `yaml:"take_profit_pct"`
}

type ChecksConfig struct {
	Mode            risk.Mode `yaml:"mode"` // snipe|full
	risk.Thresholds `yaml:",inline"`
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse expands environment references in data, decodes it and applies
// defaults. It does not validate.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

// DefaultPools are the pool sources used when none are configured.
func DefaultPools() []PoolConfig {
	return []PoolConfig{
		{
			Subscription: pipeline.Subscription{
				ID:        "pump1",
				Name:      "pumpswap",
				ProgramID: "6EF8rrecthR5Dkzon8Nwu78hRvfCKubJ14M5uBEwF6P",
				Match:     "Program log: Instruction: CreatePool",
			},
			Enabled: true,
		},
		{
			Subscription: pipeline.Subscription{
				ID:        "rad1",
				Name:      "Raydium",
				ProgramID: "675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8",
				Match:     "Program log: initialize2: InitializeInstruction2",
			},
			Enabled: false,
		},
	}
}

func applyDefaults(cfg *Config) {
	if cfg.General.InstanceID == "" {
		cfg.General.InstanceID = "poolwatch-1"
	}
	if cfg.General.Environment == "" {
		cfg.General.Environment = "development"
	}
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.General.LogFormat == "" {
		cfg.General.LogFormat = "json"
	}

	if cfg.Solana.BaseMint == "" {
		cfg.Solana.BaseMint = string(solana.SOLMint)
	}
	if cfg.Solana.RateLimitRPS == 0 {
		cfg.Solana.RateLimitRPS = 10
	}
	if cfg.Solana.RequestTimeoutMs == 0 {
		cfg.Solana.RequestTimeoutMs = 10000
	}
	if cfg.Solana.MaxRetries == 0 {
		cfg.Solana.MaxRetries = 3
	}

	if cfg.Stream.InitialBackoffMs == 0 {
		cfg.Stream.InitialBackoffMs = 1000
	}
	if cfg.Stream.MaxBackoffMs == 0 {
		cfg.Stream.MaxBackoffMs = 30000
	}
	if cfg.Stream.PingIntervalMs == 0 {
		cfg.Stream.PingIntervalMs = 30000
	}
	if cfg.Stream.ReadTimeoutMs == 0 {
		cfg.Stream.ReadTimeoutMs = 90000
	}
	if cfg.Stream.WriteTimeoutMs == 0 {
		cfg.Stream.WriteTimeoutMs = 10000
	}
	if cfg.Stream.EventBuffer == 0 {
		cfg.Stream.EventBuffer = 256
	}

	if len(cfg.Pools) == 0 {
		cfg.Pools = DefaultPools()
	}

	if cfg.Pipeline.MaxConcurrent == 0 {
		cfg.Pipeline.MaxConcurrent = 1
	}
	if cfg.Pipeline.ResolveRetryDelayMs == 0 {
		cfg.Pipeline.ResolveRetryDelayMs = 200
	}
	if cfg.Pipeline.MarketCapCeilingUSD == 0 {
		cfg.Pipeline.MarketCapCeilingUSD = 100000
	}
	if cfg.Pipeline.BlockedSuffixes == nil {
		cfg.Pipeline.BlockedSuffixes = []string{"pump"}
	}

	if cfg.Services.RugCheckURL == "" {
		cfg.Services.RugCheckURL = "https://api.rugcheck.xyz"
	}
	if cfg.Services.FluxBeamURL == "" {
		cfg.Services.FluxBeamURL = "https://data.fluxbeam.xyz"
	}
	if cfg.Services.SniperooURL == "" {
		cfg.Services.SniperooURL = "https://api.sniperoo.app"
	}
	if cfg.Services.TelegramURL == "" {
		cfg.Services.TelegramURL = "https://api.telegram.org"
	}
	if cfg.Services.HTTPTimeoutMs == 0 {
		cfg.Services.HTTPTimeoutMs = 10000
	}

	if cfg.Tracker.Path == "" {
		cfg.Tracker.Path = "data/tokens.db"
	}
	if cfg.Feed.LagThresholdMs == 0 {
		cfg.Feed.LagThresholdMs = 2000
	}
	if cfg.Feed.StaleTimeoutSec == 0 {
		cfg.Feed.StaleTimeoutSec = 300
	}
	if cfg.Feed.CheckIntervalMs == 0 {
		cfg.Feed.CheckIntervalMs = 10000
	}
	if cfg.Audit.Buffer == 0 {
		cfg.Audit.Buffer = 1000
	}
	if cfg.Sweep.Schedule == "" {
		cfg.Sweep.Schedule = "39 16 * * *"
	}
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = ":8080"
	}

	for i := range cfg.Tenants {
		t := &cfg.Tenants[i]
		if t.Checks.Mode == "" {
			t.Checks.Mode = risk.ModeFull
		}
		if t.Checks.MaxTopHolderPct == 0 {
			t.Checks.MaxTopHolderPct = DefaultMaxTopHolderPct
		}
		if t.MaxConcurrent == 0 {
			t.MaxConcurrent = cfg.Pipeline.MaxConcurrent
		}
	}
}

// Validate rejects configurations the process cannot run with.
func (c *Config) Validate() error {
	switch c.General.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("config: general.log_format %q must be json or text", c.General.LogFormat)
	}
	if err := solana.ValidatePubkey(c.Solana.BaseMint); err != nil {
		return fmt.Errorf("config: solana.base_mint: %w", err)
	}
	if c.Stream.InitialBackoffMs > c.Stream.MaxBackoffMs {
		return fmt.Errorf("config: stream.initial_backoff_ms exceeds max_backoff_ms")
	}
	if c.Pipeline.MaxConcurrent < 1 {
		return fmt.Errorf("config: pipeline.max_concurrent must be at least 1")
	}
	if c.Sweep.Enabled {
		if _, err := cron.ParseStandard(c.Sweep.Schedule); err != nil {
			return fmt.Errorf("config: sweep.schedule: %w", err)
		}
	}

	pools := make(map[string]PoolConfig, len(c.Pools))
	for _, p := range c.Pools {
		if p.ID == "" {
			return fmt.Errorf("config: pool without id")
		}
		if _, dup := pools[p.ID]; dup {
			return fmt.Errorf("config: duplicate pool id %q", p.ID)
		}
		if err := solana.ValidatePubkey(p.ProgramID); err != nil {
			return fmt.Errorf("config: pool %s program: %w", p.ID, err)
		}
		if p.Match == "" {
			return fmt.Errorf("config: pool %s: instruction is required", p.ID)
		}
		pools[p.ID] = p
	}

	if len(c.Tenants) == 0 {
		return fmt.Errorf("config: no tenants configured")
	}
	seen := make(map[int64]bool, len(c.Tenants))
	for _, t := range c.Tenants {
		if t.ID == 0 {
			return fmt.Errorf("config: tenant %q: id is required", t.Name)
		}
		if seen[t.ID] {
			return fmt.Errorf("config: duplicate tenant id %d", t.ID)
		}
		seen[t.ID] = true

		if !strings.HasPrefix(t.WSURL, "ws://") && !strings.HasPrefix(t.WSURL, "wss://") {
			return fmt.Errorf("config: tenant %d: ws_url %q must be a websocket url", t.ID, t.WSURL)
		}
		if t.RPCURL == "" {
			return fmt.Errorf("config: tenant %d: rpc_url is required", t.ID)
		}
		if err := solana.ValidatePubkey(t.Wallet); err != nil {
			return fmt.Errorf("config: tenant %d wallet: %w", t.ID, err)
		}
		if t.Buy.AmountSOL <= 0 {
			return fmt.Errorf("config: tenant %d: buy.amount_sol must be positive", t.ID)
		}
		if t.Checks.MaxTopHolderPct <= 0 || t.Checks.MaxTopHolderPct > 100 {
			return fmt.Errorf("config: tenant %d: checks.max_topholder_pct must be in (0, 100]", t.ID)
		}
		if !t.Checks.Mode.Valid() {
			return fmt.Errorf("config: tenant %d: unknown checks.mode %q", t.ID, t.Checks.Mode)
		}
		if t.SniperooAPIKey == "" && !c.General.DryRun {
			return fmt.Errorf("config: tenant %d: sniperoo_api_key is required outside dry run", t.ID)
		}
		for _, id := range t.Pools {
			p, ok := pools[id]
			if !ok {
				return fmt.Errorf("config: tenant %d: unknown pool %q", t.ID, id)
			}
			if !p.Enabled {
				return fmt.Errorf("config: tenant %d: pool %q is disabled", t.ID, id)
			}
		}
		if len(c.TenantSubscriptions(t)) == 0 {
			return fmt.Errorf("config: tenant %d: no enabled pools", t.ID)
		}
	}
	return nil
}
