package fluxbeam

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nexus-trading/poolwatch/internal/adapters"
	"github.com/nexus-trading/poolwatch/internal/risk"
	"github.com/nexus-trading/poolwatch/internal/solana"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// FluxBeam data API: token unit price in USD
// ---------------------------------------------------------------------------

const DefaultBaseURL = "https://data.fluxbeam.xyz"

// ErrNoPrice is returned when FluxBeam has no positive price for the token.
var ErrNoPrice = errors.New("fluxbeam: no price")

func DefaultConfig() adapters.HTTPConfig {
	return adapters.HTTPConfig{
		BaseURL:      DefaultBaseURL,
		Timeout:      10 * time.Second,
		MaxRetries:   2,
		RetryBackoff: 500 * time.Millisecond,
	}
}

// Client fetches token prices.
type Client struct {
	http *adapters.Client
}

func New(config adapters.HTTPConfig) *Client {
	return &Client{http: adapters.NewClient("fluxbeam", config)}
}

// Price returns the USD unit price. The endpoint answers with a bare JSON number.
func (c *Client) Price(ctx context.Context, mint solana.Pubkey) (decimal.Decimal, error) {
	path := "/tokens/" + url.PathEscape(string(mint)) + "/price"
	body, err := c.http.Do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		var statusErr *adapters.StatusError
		if errors.As(err, &statusErr) && statusErr.Code == http.StatusNotFound {
			return decimal.Zero, ErrNoPrice
		}
		return decimal.Zero, err
	}

	raw := strings.Trim(strings.TrimSpace(string(body)), `"`)
	if raw == "" || raw == "null" {
		return decimal.Zero, ErrNoPrice
	}
	price, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("fluxbeam: parse price %q: %w", raw, err)
	}
	if !price.IsPositive() {
		return decimal.Zero, ErrNoPrice
	}
	return price, nil
}

func (c *Client) Stats() adapters.ClientStats {
	return c.http.Stats()
}

var _ risk.PriceSource = (*Client)(nil)
