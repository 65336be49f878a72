package rugcheck

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"time"

	"github.com/nexus-trading/poolwatch/internal/adapters"
	"github.com/nexus-trading/poolwatch/internal/risk"
	"github.com/nexus-trading/poolwatch/internal/solana"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// RugCheck API: extended token risk report
// https://api.rugcheck.xyz/swagger/index.html
// ---------------------------------------------------------------------------

// DefaultBaseURL is the public RugCheck API.
const DefaultBaseURL = "https://api.rugcheck.xyz"

// ErrNotFound is returned when RugCheck has no report for the token yet.
var ErrNotFound = errors.New("rugcheck: token not found")

// DefaultConfig returns production defaults.
func DefaultConfig() adapters.HTTPConfig {
	return adapters.HTTPConfig{
		BaseURL:      DefaultBaseURL,
		Timeout:      10 * time.Second,
		MaxRetries:   2,
		RetryBackoff: 500 * time.Millisecond,
	}
}

// Client fetches risk reports.
type Client struct {
	http *adapters.Client
}

// New creates a RugCheck client.
func New(config adapters.HTTPConfig) *Client {
	return &Client{http: adapters.NewClient("rugcheck", config)}
}

type tokenReport struct {
	Creator string `json:"creator"`
	Token   struct {
		MintAuthority   *string         `json:"mintAuthority"`
		FreezeAuthority *string         `json:"freezeAuthority"`
		IsInitialized   bool            `json:"isInitialized"`
		Supply          decimal.Decimal `json:"supply"`
		Decimals        int32           `json:"decimals"`
	} `json:"token"`
	TokenMeta struct {
		Name    string `json:"name"`
		Symbol  string `json:"symbol"`
		Mutable *bool  `json:"mutable"`
	} `json:"tokenMeta"`
	TopHolders []struct {
		Address string  `json:"address"`
		Pct     float64 `json:"pct"`
		Insider bool    `json:"insider"`
	} `json:"topHolders"`
	Markets []struct {
		LiquidityA string `json:"liquidityA"`
		LiquidityB string `json:"liquidityB"`
	} `json:"markets"`
	TotalLPProviders     int     `json:"totalLPProviders"`
	TotalMarketLiquidity float64 `json:"totalMarketLiquidity"`
	Rugged               bool    `json:"rugged"`
	Score                float64 `json:"score"`
}

// Report fetches and normalises the report for mint.
func (c *Client) Report(ctx context.Context, mint solana.Pubkey) (*risk.Report, error) {
	path := "/v1/tokens/" + url.PathEscape(string(mint)) + "/report"
	body, err := c.http.Do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		var statusErr *adapters.StatusError
		if errors.As(err, &statusErr) && statusErr.Code == http.StatusNotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var raw tokenReport
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("rugcheck: parse report: %w", err)
	}

	report := &risk.Report{
		Mint:                 mint,
		Creator:              raw.Creator,
		Name:                 raw.TokenMeta.Name,
		Symbol:               raw.TokenMeta.Symbol,
		Initialized:          raw.Token.IsInitialized,
		Mutable:              raw.TokenMeta.Mutable == nil || *raw.TokenMeta.Mutable, // unknown counts as mutable
		Supply:               raw.Token.Supply,
		Decimals:             raw.Token.Decimals,
		TotalLPProviders:     raw.TotalLPProviders,
		TotalMarketLiquidity: raw.TotalMarketLiquidity,
		Rugged:               raw.Rugged,
		Score:                int(math.Round(raw.Score)),
	}
	if raw.Token.MintAuthority != nil {
		report.MintAuthority = *raw.Token.MintAuthority
	}
	if raw.Token.FreezeAuthority != nil {
		report.FreezeAuthority = *raw.Token.FreezeAuthority
	}
	for _, h := range raw.TopHolders {
		report.TopHolders = append(report.TopHolders, risk.Holder{Address: h.Address, Pct: h.Pct, Insider: h.Insider})
	}
	for _, m := range raw.Markets {
		report.Markets = append(report.Markets, risk.Market{LiquidityA: m.LiquidityA, LiquidityB: m.LiquidityB})
	}

	log.Debug().Str("mint", string(mint)).Int("score", report.Score).Bool("rugged", report.Rugged).
		Int("holders", len(report.TopHolders)).Msg("rugcheck: report received")
	return report, nil
}

// Stats returns HTTP counters for the RugCheck client.
func (c *Client) Stats() adapters.ClientStats {
	return c.http.Stats()
}

var _ risk.ReportSource = (*Client)(nil)
