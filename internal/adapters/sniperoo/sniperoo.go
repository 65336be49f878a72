package sniperoo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nexus-trading/poolwatch/internal/adapters"
	"github.com/nexus-trading/poolwatch/internal/solana"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Sniperoo trading API: buy with optional auto-sell (TP/SL)
// ---------------------------------------------------------------------------

const DefaultBaseURL = "https://api.sniperoo.app"

// ErrInvalidOrder is returned before any request is made for an order that
// cannot be executed.
var ErrInvalidOrder = errors.New("sniperoo: invalid order")

// DefaultConfig returns production defaults. Buys are never retried so a
// slow response cannot turn into a second purchase.
func DefaultConfig() adapters.HTTPConfig {
	return adapters.HTTPConfig{
		BaseURL:    DefaultBaseURL,
		Timeout:    15 * time.Second,
		MaxRetries: 0,
	}
}

// Order is one buy request.
type Order struct {
	Wallet        solana.Pubkey
	Mint          solana.Pubkey
	AmountSOL     decimal.Decimal
	AutoSell      bool
	TakeProfitPct float64
	StopLossPct   float64
}

type buyRequest struct {
	WalletAddresses []string       `json:"walletAddresses"`
	TokenAddress    string         `json:"tokenAddress"`
	InputAmount     json.Number    `json:"inputAmount"`
	AutoSell        autoSellParams `json:"autoSell"`
}

type autoSellParams struct {
	Enabled  bool         `json:"enabled"`
	Strategy sellStrategy `json:"strategy"`
}

type sellStrategy struct {
	StrategyName       string  `json:"strategyName"`
	ProfitPercentage   float64 `json:"profitPercentage"`
	StopLossPercentage float64 `json:"stopLossPercentage"`
}

// Client executes buys for one account.
type Client struct {
	http   *adapters.Client
	apiKey string

	buys     atomic.Int64
	failures atomic.Int64
}

// New creates a client authenticated with the account's API key.
func New(config adapters.HTTPConfig, apiKey string) *Client {
	return &Client{http: adapters.NewClient("sniperoo", config), apiKey: apiKey}
}

// buildRequest validates an order and renders the request body. Auto-sell
// is only enabled when both take-profit and stop-loss are set.
func buildRequest(order Order) ([]byte, error) {
	if strings.TrimSpace(string(order.Mint)) == "" {
		return nil, fmt.Errorf("%w: empty token address", ErrInvalidOrder)
	}
	if !order.AmountSOL.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive, got %s", ErrInvalidOrder, order.AmountSOL)
	}
	autoSell := order.AutoSell && order.TakeProfitPct != 0 && order.StopLossPct != 0

	return json.Marshal(buyRequest{
		WalletAddresses: []string{string(order.Wallet)},
		TokenAddress:    string(order.Mint),
		InputAmount:     json.Number(order.AmountSOL.String()),
		AutoSell: autoSellParams{
			Enabled: autoSell,
			Strategy: sellStrategy{
				StrategyName:       "simple",
				ProfitPercentage:   order.TakeProfitPct,
				StopLossPercentage: order.StopLossPct,
			},
		},
	})
}

// Buy submits the order. Any non-2xx answer is a failed buy.
func (c *Client) Buy(ctx context.Context, order Order) error {
	body, err := buildRequest(order)
	if err != nil {
		return err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.apiKey)
	header.Set("Content-Type", "application/json")

	if _, err := c.http.Do(ctx, http.MethodPost, "/trading/buy-token?toastFrontendId=0", header, body); err != nil {
		c.failures.Add(1)
		log.Error().Err(err).Str("mint", string(order.Mint)).Str("amount_sol", order.AmountSOL.String()).
			Msg("sniperoo: buy FAILED")
		return err
	}

	c.buys.Add(1)
	log.Info().Str("mint", string(order.Mint)).Str("amount_sol", order.AmountSOL.String()).
		Msg("sniperoo: buy submitted")
	return nil
}

// BuyStats reports buy counters.
type BuyStats struct {
	Buys     int64                `json:"buys"`
	Failures int64                `json:"failures"`
	HTTP     adapters.ClientStats `json:"http"`
}

func (c *Client) Stats() BuyStats {
	return BuyStats{Buys: c.buys.Load(), Failures: c.failures.Load(), HTTP: c.http.Stats()}
}
