package risk

import (
	"testing"

	"github.com/nexus-trading/poolwatch/internal/solana"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMint solana.Pubkey = "DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263"

func cleanReport() *Report {
	return &Report{
		Mint:        testMint,
		Creator:     "Creator1111",
		Name:        "Good Token",
		Symbol:      "GOOD",
		Initialized: true,
		TopHolders: []Holder{
			{Address: "holderA", Pct: 8},
			{Address: "holderB", Pct: 5},
		},
		Markets:              []Market{{LiquidityA: "lpA", LiquidityB: "lpB"}},
		TotalLPProviders:     3,
		TotalMarketLiquidity: 25000,
		Score:                1,
	}
}

func defaultThresholds() *Thresholds {
	return &Thresholds{
		MaxTopHolderPct:    20,
		MinLPProviders:     1,
		MinMarkets:         1,
		MinMarketLiquidity: 1000,
		MaxScore:           500,
		Suffixes:           []string{"pump"},
		MarketCapCeiling:   decimal.NewFromInt(100_000),
	}
}

func TestEvaluateFull_CleanReportPasses(t *testing.T) {
	v := Evaluate(ModeFull, &Facts{Mint: testMint, Report: cleanReport()}, defaultThresholds())
	assert.True(t, v.Passed)
	assert.Empty(t, v.Reasons)
	assert.Equal(t, ModeFull, v.Mode)
}

func TestEvaluateFull_TopHolderConcentration(t *testing.T) {
	report := cleanReport()
	report.TopHolders = append(report.TopHolders, Holder{Address: "whale", Pct: 40})

	v := Evaluate(ModeFull, &Facts{Mint: testMint, Report: report}, defaultThresholds())
	require.False(t, v.Passed)
	assert.Equal(t, []string{
		"An individual top holder cannot hold more than the allowed percentage of the total supply",
	}, v.Reasons)
}

func TestEvaluateFull_CollectsEveryFailure(t *testing.T) {
	report := cleanReport()
	report.MintAuthority = "MintAuth"
	report.FreezeAuthority = "FreezeAuth"
	report.Initialized = false
	report.Mutable = true
	report.Rugged = true
	report.Score = 9000
	report.Symbol = "SCAM"
	report.Name = "Scam Coin"
	report.TotalLPProviders = 0
	report.Markets = nil
	report.TotalMarketLiquidity = 10
	report.TopHolders = []Holder{{Address: "insider", Pct: 50, Insider: true}}

	th := defaultThresholds()
	th.BlockSymbols = []string{"SCAM"}
	th.BlockNames = []string{"Scam Coin"}
	th.BlockReturningNames = true
	th.BlockReturningCreators = true
	th.BlockSuffix = true

	facts := &Facts{
		Mint:        "FakeMintpump",
		Report:      report,
		NameSeen:    true,
		CreatorSeen: true,
	}
	v := Evaluate(ModeFull, facts, th)

	assert.False(t, v.Passed)
	assert.Equal(t, []string{
		"Mint authority should be null",
		"Token is not initialized",
		"Freeze authority should be null",
		"Mutable should be false",
		"Insider accounts should not be part of the top holders",
		"An individual top holder cannot hold more than the allowed percentage of the total supply",
		"Not enough LP providers",
		"Not enough markets",
		"Not enough market liquidity",
		"Token is rugged",
		"Symbol is blocked",
		"Name is blocked",
		"Rug score too high",
		"Token address ends with a blocked suffix",
		"Token with this name was already processed",
		"Token from this creator was already processed",
	}, v.Reasons)
}

func TestEvaluateFull_AllowancesOverride(t *testing.T) {
	report := cleanReport()
	report.MintAuthority = "MintAuth"
	report.FreezeAuthority = "FreezeAuth"
	report.Mutable = true
	report.Rugged = true
	report.Initialized = false

	th := defaultThresholds()
	th.AllowMintAuthority = true
	th.AllowFreezeAuthority = true
	th.AllowMutable = true
	th.AllowRugged = true
	th.AllowNotInitialized = true

	v := Evaluate(ModeFull, &Facts{Mint: testMint, Report: report}, th)
	assert.True(t, v.Passed, "reasons: %v", v.Reasons)
}

func TestEvaluateFull_ScoreZeroDisables(t *testing.T) {
	report := cleanReport()
	report.Score = 100_000

	th := defaultThresholds()
	th.MaxScore = 0
	assert.True(t, Evaluate(ModeFull, &Facts{Mint: testMint, Report: report}, th).Passed)

	th.MaxScore = 10
	v := Evaluate(ModeFull, &Facts{Mint: testMint, Report: report}, th)
	assert.Equal(t, []string{"Rug score too high"}, v.Reasons)
}

func TestEvaluateFull_ExcludeLPFromTopHolders(t *testing.T) {
	report := cleanReport()
	report.TopHolders = append(report.TopHolders, Holder{Address: "lpA", Pct: 85, Insider: true})

	th := defaultThresholds()
	v := Evaluate(ModeFull, &Facts{Mint: testMint, Report: report}, th)
	assert.Len(t, v.Reasons, 2)

	th.ExcludeLPFromTopHolders = true
	v = Evaluate(ModeFull, &Facts{Mint: testMint, Report: report}, th)
	assert.True(t, v.Passed, "reasons: %v", v.Reasons)
}

func TestEvaluateFull_SuffixNeedsOptIn(t *testing.T) {
	th := defaultThresholds()
	facts := &Facts{Mint: "AbCdPUMP", Report: cleanReport()}

	assert.True(t, Evaluate(ModeFull, facts, th).Passed)

	th.BlockSuffix = true
	assert.Equal(t, []string{"Token address ends with a blocked suffix"}, Evaluate(ModeFull, facts, th).Reasons)
}

func TestEvaluate_IsDeterministic(t *testing.T) {
	report := cleanReport()
	report.Mutable = true
	report.TopHolders = []Holder{{Address: "x", Pct: 99}}
	facts := &Facts{Mint: testMint, Report: report}
	th := defaultThresholds()

	first := Evaluate(ModeFull, facts, th)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Evaluate(ModeFull, facts, th))
	}
}

func snipeFacts(mcap int64) *Facts {
	return &Facts{
		Mint:      testMint,
		Report:    cleanReport(),
		Token:     &solana.TokenInfo{Mint: testMint, Decimals: 6},
		MarketCap: decimal.NewFromInt(mcap),
	}
}

func TestEvaluateSnipe_Passes(t *testing.T) {
	v := Evaluate(ModeSnipe, snipeFacts(42_000), defaultThresholds())
	assert.True(t, v.Passed)
	assert.Equal(t, "42000", v.MarketCap.String())
}

func TestEvaluateSnipe_MarketCapCeilingInclusive(t *testing.T) {
	v := Evaluate(ModeSnipe, snipeFacts(100_000), defaultThresholds())
	assert.Equal(t, []string{"Market cap too high"}, v.Reasons)
}

func TestEvaluateSnipe_Authorities(t *testing.T) {
	facts := snipeFacts(1000)
	facts.Token.MintAuthority = "MintAuth"
	facts.Token.FreezeAuthority = "FreezeAuth"
	th := defaultThresholds()

	v := Evaluate(ModeSnipe, facts, th)
	assert.Equal(t, []string{"Token has mint authority", "Token has freeze authority"}, v.Reasons)

	th.AllowMintAuthority = true
	v = Evaluate(ModeSnipe, facts, th)
	assert.Equal(t, []string{"Token has freeze authority"}, v.Reasons)
}

func TestEvaluateSnipe_MutableAndHolders(t *testing.T) {
	facts := snipeFacts(1000)
	facts.Report.Mutable = true
	facts.Report.TopHolders = []Holder{{Address: "whale", Pct: 21}}

	v := Evaluate(ModeSnipe, facts, defaultThresholds())
	assert.Equal(t, []string{
		"Token metadata can be changed by the owner",
		"An individual top holder holds more than the allowed percentage of the total supply",
	}, v.Reasons)
}

func TestMarketCap(t *testing.T) {
	supply := decimal.NewFromInt(1_000_000_000_000_000) // 1e9 tokens at 6 decimals
	mcap := MarketCap(supply, 6, decimal.RequireFromString("0.00005"))
	assert.Equal(t, "50000", mcap.String())
}

func TestFormatMarketCap(t *testing.T) {
	assert.Equal(t, "999.50", FormatMarketCap(decimal.RequireFromString("999.5")))
	assert.Equal(t, "12.3K", FormatMarketCap(decimal.NewFromInt(12_345)))
	assert.Equal(t, "4.5M", FormatMarketCap(decimal.NewFromInt(4_500_000)))
	assert.Equal(t, "1.2B", FormatMarketCap(decimal.NewFromInt(1_200_000_000)))
}

func TestMode_Valid(t *testing.T) {
	assert.True(t, ModeSnipe.Valid())
	assert.True(t, ModeFull.Valid())
	assert.False(t, Mode("none").Valid())
}
