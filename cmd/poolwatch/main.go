package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nexus-trading/poolwatch/internal/adapters"
	"github.com/nexus-trading/poolwatch/internal/adapters/fluxbeam"
	"github.com/nexus-trading/poolwatch/internal/adapters/rugcheck"
	"github.com/nexus-trading/poolwatch/internal/adapters/sniperoo"
	"github.com/nexus-trading/poolwatch/internal/adapters/telegram"
	"github.com/nexus-trading/poolwatch/internal/audit"
	"github.com/nexus-trading/poolwatch/internal/config"
	"github.com/nexus-trading/poolwatch/internal/observability"
	"github.com/nexus-trading/poolwatch/internal/pipeline"
	"github.com/nexus-trading/poolwatch/internal/quality"
	"github.com/nexus-trading/poolwatch/internal/risk"
	"github.com/nexus-trading/poolwatch/internal/server"
	"github.com/nexus-trading/poolwatch/internal/session"
	"github.com/nexus-trading/poolwatch/internal/solana"
	"github.com/nexus-trading/poolwatch/internal/tracker"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"
)

func main() {
	// 1. Parse flags.
	configPath := flag.StringP("config", "c", "config/poolwatch.yaml", "Path to configuration file")
	dryRunFlag := flag.Bool("dry-run", false, "Evaluate tokens but never buy")
	listen := flag.String("listen", "", "Operator HTTP listen address (overrides server.listen)")
	envFile := flag.String("env-file", ".env", "Environment file loaded before the config")
	tenantIDs := flag.Int64Slice("tenant", nil, "Tenant ids to start immediately (default: tenants with auto_start)")
	flag.Parse()

	// 2. Load .env, then configuration.
	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "WARN: failed to load %s: %v\n", *envFile, err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config from %s: %v\n", *configPath, err)
		os.Exit(1)
	}
	if *dryRunFlag {
		cfg.General.DryRun = true
	}
	if *listen != "" {
		cfg.Server.Listen = *listen
		cfg.Server.Enabled = true
	}

	// 3. Setup logging.
	setupLogging(cfg.General)

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Configuration validation failed")
	}

	log.Info().
		Str("instance_id", cfg.General.InstanceID).
		Str("environment", cfg.General.Environment).
		Bool("dry_run", cfg.General.DryRun).
		Int("tenants", len(cfg.Tenants)).
		Int("pools", len(cfg.Pools)).
		Int("max_concurrent", cfg.Pipeline.MaxConcurrent).
		Msg("poolwatch starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 4. Shared collaborators.
	metrics := observability.NewMetrics()
	httpTimeout := time.Duration(cfg.Services.HTTPTimeoutMs) * time.Millisecond

	store, err := tracker.Open(cfg.Tracker.Path)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Tracker.Path).Msg("Token tracker open failed")
	}
	defer store.Close()

	reports := rugcheck.New(serviceConfig(rugcheck.DefaultConfig(), cfg.Services.RugCheckURL, httpTimeout))
	prices := fluxbeam.New(serviceConfig(fluxbeam.DefaultConfig(), cfg.Services.FluxBeamURL, httpTimeout))

	var notifier pipeline.Notifier
	var bot *telegram.Client
	if cfg.Services.TelegramToken != "" {
		bot = telegram.New(serviceConfig(telegram.DefaultConfig(), cfg.Services.TelegramURL, httpTimeout), cfg.Services.TelegramToken)
		notifier = bot
	} else {
		log.Warn().Msg("Telegram token not set, tenant notifications disabled")
	}

	// 5. Per-tenant wiring.
	tenantConfigs := make(map[int64]config.TenantConfig, len(cfg.Tenants))
	for _, t := range cfg.Tenants {
		tenantConfigs[t.ID] = t
	}
	var clientsMu sync.Mutex
	clients := make(map[int64]tenantClients)
	trail := audit.NewTrail(cfg.Audit.Buffer)

	factory := func(t session.Tenant) (pipeline.Deps, func(), error) {
		tc, ok := tenantConfigs[t.ID]
		if !ok {
			return pipeline.Deps{}, nil, fmt.Errorf("no configuration for tenant %d", t.ID)
		}
		rpc := solana.NewLiveRPCClient(rpcConfig(cfg.Solana, tc.RPCURL))
		buyer := sniperoo.New(serviceConfig(sniperoo.DefaultConfig(), cfg.Services.SniperooURL, httpTimeout), tc.SniperooAPIKey)

		clientsMu.Lock()
		clients[t.ID] = tenantClients{rpc: rpc, buyer: buyer}
		clientsMu.Unlock()

		deps := pipeline.Deps{
			Filter:   pipeline.NewFilter(t.Subscriptions),
			Resolver: pipeline.NewResolver(rpc, solana.Pubkey(cfg.Solana.BaseMint), time.Duration(cfg.Pipeline.ResolveRetryDelayMs)*time.Millisecond),
			Evaluator: risk.NewEvaluator(t.ID, risk.Sources{
				Authority: rpc,
				Reports:   reports,
				Prices:    prices,
				History:   store,
			}),
			Buyer:    buyer,
			Notifier: notifier,
			Metrics:  metrics,
			Recorder: trail,
			DryRun:   cfg.General.DryRun,
		}
		return deps, rpc.Close, nil
	}
	snapshot := func() map[int64]tenantClients {
		clientsMu.Lock()
		defer clientsMu.Unlock()
		out := make(map[int64]tenantClients, len(clients))
		for id, c := range clients {
			out[id] = c
		}
		return out
	}

	registry := session.NewRegistry(cfg.SessionTenants(), factory, metrics)

	feeds := quality.NewMonitor(cfg.Feed.LagThresholdMs, time.Duration(cfg.Feed.StaleTimeoutSec)*time.Second)
	registry.SetFeedMonitor(feeds)
	go feeds.Start(ctx, time.Duration(cfg.Feed.CheckIntervalMs)*time.Millisecond)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case a := <-feeds.Alerts():
				ev := log.Warn()
				if a.Level == "critical" {
					ev = log.Error()
				}
				ev.Int64("tenant", a.Tenant).Str("level", a.Level).Msg("Feed alert: " + a.Message)
			}
		}
	}()

	// 6. Health checks.
	health := observability.NewHealthMonitor()
	health.Register("sessions", func(context.Context) observability.ComponentHealth {
		infos := registry.Sessions()
		status := observability.StatusHealthy
		connected := 0
		for _, info := range infos {
			if info.State == "CONNECTED" {
				connected++
			}
		}
		if connected < len(infos) {
			status = observability.StatusDegraded
		}
		return observability.ComponentHealth{
			Status:  status,
			Details: map[string]any{"running": len(infos), "connected": connected},
		}
	})
	health.Register("feeds", func(context.Context) observability.ComponentHealth {
		stale := feeds.Stale()
		status := observability.StatusHealthy
		if len(stale) > 0 {
			status = observability.StatusDegraded
		}
		return observability.ComponentHealth{
			Status:  status,
			Details: map[string]any{"tracked": len(feeds.Snapshot()), "stale": stale},
		}
	})
	health.Register("rpc", func(ctx context.Context) observability.ComponentHealth {
		status := observability.StatusHealthy
		details := make(map[string]any)
		for id, c := range snapshot() {
			if !registry.Running(id) {
				continue
			}
			st := c.rpc.Stats()
			entry := map[string]any{"requests": st.RequestCount, "errors": st.ErrorCount, "circuit_open": st.CircuitOpen}
			if err := c.rpc.Health(ctx); err != nil {
				status = observability.StatusDegraded
				entry["error"] = err.Error()
			}
			details[strconv.FormatInt(id, 10)] = entry
		}
		return observability.ComponentHealth{Status: status, Details: details}
	})
	health.Register("services", func(context.Context) observability.ComponentHealth {
		stats := []adapters.ClientStats{reports.Stats(), prices.Stats()}
		if bot != nil {
			stats = append(stats, bot.Stats())
		}
		status := observability.StatusHealthy
		details := make(map[string]any, len(stats))
		for _, st := range stats {
			details[st.Service] = st
			if st.CircuitOpen {
				status = observability.StatusDegraded
			}
		}
		buys := make(map[string]sniperoo.BuyStats)
		for id, c := range snapshot() {
			bs := c.buyer.Stats()
			buys[strconv.FormatInt(id, 10)] = bs
			if bs.HTTP.CircuitOpen {
				status = observability.StatusDegraded
			}
		}
		details["sniperoo"] = buys
		return observability.ComponentHealth{Status: status, Details: details}
	})

	// 7. Start tenants.
	ids := *tenantIDs
	if len(ids) == 0 {
		ids = cfg.AutoStart()
	}
	for _, id := range ids {
		if err := registry.Start(id); err != nil {
			log.Error().Err(err).Int64("tenant", id).Msg("Tenant start failed")
		}
	}

	// 8. Expiry sweep.
	var sweeper *session.Sweeper
	if cfg.Sweep.Enabled {
		sweeper, err = session.NewSweeper(registry, cfg.Sweep.Schedule)
		if err != nil {
			log.Fatal().Err(err).Msg("Expiry sweeper setup failed")
		}
		sweeper.Start()
	}

	// 9. Operator HTTP server.
	var srv *server.Server
	if cfg.Server.Enabled {
		srv = server.New(server.Config{
			Listen:   cfg.Server.Listen,
			Sessions: registry,
			History:  store,
			Runs:     trail,
			Metrics:  metrics,
			Health:   health,
		})
		go func() {
			if err := srv.Start(); err != nil {
				log.Error().Err(err).Msg("HTTP server error")
			}
		}()
	}

	// 10. Block until shutdown.
	log.Info().Int("running", len(registry.Sessions())).Msg("poolwatch running")
	<-ctx.Done()

	// 11. Graceful shutdown.
	log.Info().Msg("Shutting down poolwatch...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("HTTP server shutdown failed")
		}
	}
	if sweeper != nil {
		sweeper.Stop()
	}
	if err := registry.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Sessions did not drain cleanly")
	}

	for id, c := range snapshot() {
		st := c.rpc.Stats()
		bs := c.buyer.Stats()
		log.Info().
			Int64("tenant", id).
			Int64("rpc_requests", st.RequestCount).
			Int64("rpc_errors", st.ErrorCount).
			Int64("buys", bs.Buys).
			Int64("buy_failures", bs.Failures).
			Msg("Tenant client statistics")
	}
	log.Info().
		Float64("messages", metrics.Messages.Value()).
		Float64("candidates", metrics.Candidates.Value()).
		Float64("reconnects", metrics.Reconnects.Value()).
		Msg("poolwatch - Shutdown complete")
}

// tenantClients are the per-tenant collaborators kept for health and stats.
type tenantClients struct {
	rpc   *solana.LiveRPCClient
	buyer *sniperoo.Client
}

// rpcConfig starts from the client defaults and applies configured overrides.
func rpcConfig(sc config.SolanaConfig, endpoint string) solana.RPCConfig {
	rc := solana.DefaultRPCConfig()
	rc.Endpoint = endpoint
	if sc.RequestTimeoutMs > 0 {
		rc.Timeout = time.Duration(sc.RequestTimeoutMs) * time.Millisecond
	}
	if sc.MaxRetries > 0 {
		rc.MaxRetries = sc.MaxRetries
	}
	if sc.RateLimitRPS > 0 {
		rc.RateLimitRPS = sc.RateLimitRPS
	}
	return rc
}

// serviceConfig overrides an adapter's default base URL and timeout.
func serviceConfig(def adapters.HTTPConfig, baseURL string, timeout time.Duration) adapters.HTTPConfig {
	if baseURL != "" {
		def.BaseURL = baseURL
	}
	if timeout > 0 {
		def.Timeout = timeout
	}
	return def
}

func setupLogging(general config.GeneralConfig) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	level, err := zerolog.ParseLevel(general.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if general.LogFormat == "text" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().Timestamp().Str("service", "poolwatch").
			Str("instance", general.InstanceID).Logger()
	} else {
		log.Logger = zerolog.New(os.Stdout).
			With().Timestamp().Str("service", "poolwatch").
			Str("instance", general.InstanceID).Logger()
	}
}
