package risk

import (
	"strings"

	"github.com/nexus-trading/poolwatch/internal/solana"
	"github.com/shopspring/decimal"
)

// Mode selects which stage of the rule table a tenant runs.
type Mode string

const (
	ModeSnipe Mode = "snipe" // authorities, market cap, mutability, holder concentration
	ModeFull  Mode = "full"  // complete rug-risk report
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeSnipe || m == ModeFull
}

// Thresholds are the tenant-configured limits the rules compare against.
type Thresholds struct {
	AllowMintAuthority     bool `yaml:"allow_mint_authority"`
	AllowFreezeAuthority   bool `yaml:"allow_freeze_authority"`
	AllowNotInitialized    bool `yaml:"allow_not_initialized"`
	AllowMutable           bool `yaml:"allow_mutable"`
	AllowInsiderTopHolders bool `yaml:"allow_insider_topholders"`
	AllowRugged            bool `yaml:"allow_rugged"`

	MaxTopHolderPct         float64 `yaml:"max_topholder_pct"`
	ExcludeLPFromTopHolders bool    `yaml:"exclude_lp_from_topholders"`
	MinLPProviders          int     `yaml:"min_lp_providers"`
	MinMarkets              int     `yaml:"min_markets"`
	MinMarketLiquidity      float64 `yaml:"min_market_liquidity"`
	MaxScore                int     `yaml:"max_score"` // 0 disables the score rule

	BlockSuffix            bool     `yaml:"block_suffix"`
	BlockReturningNames    bool     `yaml:"block_returning_names"`
	BlockReturningCreators bool     `yaml:"block_returning_creators"`
	BlockSymbols           []string `yaml:"block_symbols"`
	BlockNames             []string `yaml:"block_names"`

	// Filled from process-wide pipeline settings.
	Suffixes         []string        `yaml:"-"`
	MarketCapCeiling decimal.Decimal `yaml:"-"`
}

// Holder is one entry of a report's top-holder list.
type Holder struct {
	Address string  `json:"address"`
	Pct     float64 `json:"pct"`
	Insider bool    `json:"insider"`
}

// Market is one trading market listed in a report.
type Market struct {
	LiquidityA string `json:"liquidity_a,omitempty"`
	LiquidityB string `json:"liquidity_b,omitempty"`
}

// Report is the extended risk report for a token.
type Report struct {
	Mint    solana.Pubkey `json:"mint"`
	Creator string        `json:"creator"`
	Name    string        `json:"name"`
	Symbol  string        `json:"symbol"`

	MintAuthority   string `json:"mint_authority,omitempty"`   // empty = null
	FreezeAuthority string `json:"freeze_authority,omitempty"` // empty = null
	Initialized     bool   `json:"initialized"`
	Mutable         bool   `json:"mutable"`

	Supply   decimal.Decimal `json:"supply"`
	Decimals int32           `json:"decimals"`

	TopHolders           []Holder `json:"top_holders"`
	Markets              []Market `json:"markets"`
	TotalLPProviders     int      `json:"total_lp_providers"`
	TotalMarketLiquidity float64  `json:"total_market_liquidity"`
	Rugged               bool     `json:"rugged"`
	Score                int      `json:"score"`
}

// Facts is everything the rule table reads for one token.
type Facts struct {
	Mint      solana.Pubkey
	Report    *Report
	Token     *solana.TokenInfo // snipe stage only
	MarketCap decimal.Decimal   // snipe stage only

	NameSeen    bool
	CreatorSeen bool
}

// Verdict is the outcome of one evaluation.
type Verdict struct {
	Mode      Mode            `json:"mode"`
	Passed    bool            `json:"passed"`
	Reasons   []string        `json:"reasons,omitempty"`
	MarketCap decimal.Decimal `json:"market_cap"`
}

// Rule is one row of the static rule table.
type Rule struct {
	Stage   Mode
	Message string
	Fails   func(f *Facts, t *Thresholds) bool
}

// Rules is the static, stage-tagged rule table. Order is the order reasons
// are reported in.
var Rules = []Rule{
	// Snipe stage.
	{ModeSnipe, "Market cap too high", func(f *Facts, t *Thresholds) bool {
		return t.MarketCapCeiling.IsPositive() && f.MarketCap.GreaterThanOrEqual(t.MarketCapCeiling)
	}},
	{ModeSnipe, "Token metadata can be changed by the owner", func(f *Facts, t *Thresholds) bool {
		return !t.AllowMutable && f.Report.Mutable
	}},
	{ModeSnipe, "An individual top holder holds more than the allowed percentage of the total supply", func(f *Facts, t *Thresholds) bool {
		return anyHolderAbove(f.Report.TopHolders, t.MaxTopHolderPct)
	}},
	{ModeSnipe, "Token has mint authority", func(f *Facts, t *Thresholds) bool {
		return !t.AllowMintAuthority && !f.Token.IsMintRenounced()
	}},
	{ModeSnipe, "Token has freeze authority", func(f *Facts, t *Thresholds) bool {
		return !t.AllowFreezeAuthority && !f.Token.IsFreezeRenounced()
	}},

	// Full stage.
	{ModeFull, "Mint authority should be null", func(f *Facts, t *Thresholds) bool {
		return !t.AllowMintAuthority && f.Report.MintAuthority != ""
	}},
	{ModeFull, "Token is not initialized", func(f *Facts, t *Thresholds) bool {
		return !t.AllowNotInitialized && !f.Report.Initialized
	}},
	{ModeFull, "Freeze authority should be null", func(f *Facts, t *Thresholds) bool {
		return !t.AllowFreezeAuthority && f.Report.FreezeAuthority != ""
	}},
	{ModeFull, "Mutable should be false", func(f *Facts, t *Thresholds) bool {
		return !t.AllowMutable && f.Report.Mutable
	}},
	{ModeFull, "Insider accounts should not be part of the top holders", func(f *Facts, t *Thresholds) bool {
		if t.AllowInsiderTopHolders {
			return false
		}
		for _, h := range topHolders(f.Report, t) {
			if h.Insider {
				return true
			}
		}
		return false
	}},
	{ModeFull, "An individual top holder cannot hold more than the allowed percentage of the total supply", func(f *Facts, t *Thresholds) bool {
		return anyHolderAbove(topHolders(f.Report, t), t.MaxTopHolderPct)
	}},
	{ModeFull, "Not enough LP providers", func(f *Facts, t *Thresholds) bool {
		return f.Report.TotalLPProviders < t.MinLPProviders
	}},
	{ModeFull, "Not enough markets", func(f *Facts, t *Thresholds) bool {
		return len(f.Report.Markets) < t.MinMarkets
	}},
	{ModeFull, "Not enough market liquidity", func(f *Facts, t *Thresholds) bool {
		return f.Report.TotalMarketLiquidity < t.MinMarketLiquidity
	}},
	{ModeFull, "Token is rugged", func(f *Facts, t *Thresholds) bool {
		return !t.AllowRugged && f.Report.Rugged
	}},
	{ModeFull, "Symbol is blocked", func(f *Facts, t *Thresholds) bool {
		return contains(t.BlockSymbols, f.Report.Symbol)
	}},
	{ModeFull, "Name is blocked", func(f *Facts, t *Thresholds) bool {
		return contains(t.BlockNames, f.Report.Name)
	}},
	{ModeFull, "Rug score too high", func(f *Facts, t *Thresholds) bool {
		return t.MaxScore != 0 && f.Report.Score > t.MaxScore
	}},
	{ModeFull, "Token address ends with a blocked suffix", func(f *Facts, t *Thresholds) bool {
		if !t.BlockSuffix {
			return false
		}
		mint := strings.ToLower(strings.TrimSpace(string(f.Mint)))
		for _, suffix := range t.Suffixes {
			if suffix != "" && strings.HasSuffix(mint, strings.ToLower(suffix)) {
				return true
			}
		}
		return false
	}},
	{ModeFull, "Token with this name was already processed", func(f *Facts, t *Thresholds) bool {
		return t.BlockReturningNames && f.NameSeen
	}},
	{ModeFull, "Token from this creator was already processed", func(f *Facts, t *Thresholds) bool {
		return t.BlockReturningCreators && f.CreatorSeen
	}},
}

// Evaluate runs every rule of the given stage and collects all failures.
// It is a pure function of its inputs. Facts must carry a Report, and for
// the snipe stage a Token as well.
func Evaluate(mode Mode, f *Facts, t *Thresholds) Verdict {
	v := Verdict{Mode: mode, Passed: true, MarketCap: f.MarketCap}
	for _, rule := range Rules {
		if rule.Stage != mode {
			continue
		}
		if rule.Fails(f, t) {
			v.Passed = false
			v.Reasons = append(v.Reasons, rule.Message)
		}
	}
	return v
}

// topHolders returns the report's holders, minus liquidity pool accounts
// when the tenant opts in.
func topHolders(r *Report, t *Thresholds) []Holder {
	if !t.ExcludeLPFromTopHolders || len(r.Markets) == 0 {
		return r.TopHolders
	}
	lp := make(map[string]struct{}, 2*len(r.Markets))
	for _, m := range r.Markets {
		if m.LiquidityA != "" {
			lp[m.LiquidityA] = struct{}{}
		}
		if m.LiquidityB != "" {
			lp[m.LiquidityB] = struct{}{}
		}
	}
	out := make([]Holder, 0, len(r.TopHolders))
	for _, h := range r.TopHolders {
		if _, isLP := lp[h.Address]; !isLP {
			out = append(out, h)
		}
	}
	return out
}

func anyHolderAbove(holders []Holder, max float64) bool {
	for _, h := range holders {
		if h.Pct > max {
			return true
		}
	}
	return false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// MarketCap derives market capitalisation from raw on-chain supply,
// mint decimals and unit price.
func MarketCap(supply decimal.Decimal, decimals uint8, price decimal.Decimal) decimal.Decimal {
	return supply.Shift(-int32(decimals)).Mul(price)
}

// FormatMarketCap renders a market cap as 12.3K, 4.5M or 1.2B.
func FormatMarketCap(mcap decimal.Decimal) string {
	billion := decimal.NewFromInt(1_000_000_000)
	million := decimal.NewFromInt(1_000_000)
	thousand := decimal.NewFromInt(1_000)
	switch {
	case mcap.GreaterThanOrEqual(billion):
		return mcap.Div(billion).StringFixed(1) + "B"
	case mcap.GreaterThanOrEqual(million):
		return mcap.Div(million).StringFixed(1) + "M"
	case mcap.GreaterThanOrEqual(thousand):
		return mcap.Div(thousand).StringFixed(1) + "K"
	default:
		return mcap.StringFixed(2)
	}
}
