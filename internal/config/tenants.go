package config

import (
	"time"

	"github.com/nexus-trading/poolwatch/internal/pipeline"
	"github.com/nexus-trading/poolwatch/internal/risk"
	"github.com/nexus-trading/poolwatch/internal/session"
	"github.com/nexus-trading/poolwatch/internal/solana"
	"github.com/nexus-trading/poolwatch/internal/stream"
	"github.com/shopspring/decimal"
)

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// StreamSettings returns the connection settings for a tenant.
func (c *Config) StreamSettings(t TenantConfig) stream.Config {
	return stream.Config{
		URL:            t.WSURL,
		InitialBackoff: ms(c.Stream.InitialBackoffMs),
		MaxBackoff:     ms(c.Stream.MaxBackoffMs),
		PingInterval:   ms(c.Stream.PingIntervalMs),
		ReadTimeout:    ms(c.Stream.ReadTimeoutMs),
		WriteTimeout:   ms(c.Stream.WriteTimeoutMs),
		EventBuffer:    c.Stream.EventBuffer,
	}
}

// TenantSubscriptions returns the enabled pool sources t listens to, in
// configuration order.
func (c *Config) TenantSubscriptions(t TenantConfig) []pipeline.Subscription {
	wanted := make(map[string]bool, len(t.Pools))
	for _, id := range t.Pools {
		wanted[id] = true
	}
	var subs []pipeline.Subscription
	for _, p := range c.Pools {
		if !p.Enabled {
			continue
		}
		if len(wanted) > 0 && !wanted[p.ID] {
			continue
		}
		subs = append(subs, p.Subscription)
	}
	return subs
}

// TenantThresholds returns t's thresholds with the process-wide suffix list,
// market cap ceiling and blocklists applied.
func (c *Config) TenantThresholds(t TenantConfig) *risk.Thresholds {
	th := t.Checks.Thresholds
	th.Suffixes = append([]string(nil), c.Pipeline.BlockedSuffixes...)
	th.MarketCapCeiling = decimal.NewFromFloat(c.Pipeline.MarketCapCeilingUSD)
	th.BlockSymbols = append(append([]string(nil), th.BlockSymbols...), c.Pipeline.BlockSymbols...)
	th.BlockNames = append(append([]string(nil), th.BlockNames...), c.Pipeline.BlockNames...)
	return &th
}

// SessionTenant converts t into the form the session registry runs.
func (c *Config) SessionTenant(t TenantConfig) session.Tenant {
	return session.Tenant{
		ID:            t.ID,
		Name:          t.Name,
		Stream:        c.StreamSettings(t),
		Subscriptions: c.TenantSubscriptions(t),
		Settings: pipeline.Settings{
			ChatID:        t.ChatID,
			Wallet:        solana.Pubkey(t.Wallet),
			Mode:          t.Checks.Mode,
			Thresholds:    c.TenantThresholds(t),
			AmountSOL:     decimal.NewFromFloat(t.Buy.AmountSOL),
			AutoSell:      t.Sell.Enabled,
			StopLossPct:   t.Sell.StopLossPct,
			TakeProfitPct: t.Sell.TakeProfitPct,
		},
		MaxConcurrent: t.MaxConcurrent,
		ExpiresAt:     t.ExpiresAt,
	}
}

// SessionTenants converts every configured tenant.
func (c *Config) SessionTenants() []session.Tenant {
	out := make([]session.Tenant, 0, len(c.Tenants))
	for _, t := range c.Tenants {
		out = append(out, c.SessionTenant(t))
	}
	return out
}

// AutoStart returns the ids of tenants marked auto_start.
func (c *Config) AutoStart() []int64 {
	var ids []int64
	for _, t := range c.Tenants {
		if t.AutoStart {
			ids = append(ids, t.ID)
		}
	}
	return ids
}
