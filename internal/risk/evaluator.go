package risk

import (
	"context"
	"fmt"

	"github.com/nexus-trading/poolwatch/internal/solana"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// ---------------------------------------------------------------------------
// Eligibility Evaluator: gathers facts, then runs the rule table
// ---------------------------------------------------------------------------

// ReasonFetchFailed prefixes the single reason returned when the facts
// needed for a verdict could not be gathered.
const ReasonFetchFailed = "Risk data unavailable"

// AuthoritySource reads mint account data (supply, decimals, authorities).
type AuthoritySource interface {
	GetTokenInfo(ctx context.Context, mint solana.Pubkey) (*solana.TokenInfo, error)
}

// ReportSource returns the extended risk report for a token.
type ReportSource interface {
	Report(ctx context.Context, mint solana.Pubkey) (*Report, error)
}

// PriceSource returns the unit price of a token in USD.
type PriceSource interface {
	Price(ctx context.Context, mint solana.Pubkey) (decimal.Decimal, error)
}

// History remembers tokens already evaluated per tenant.
type History interface {
	Seen(ctx context.Context, tenant int64, name, creator string) (nameSeen, creatorSeen bool, err error)
	Record(ctx context.Context, tenant int64, mint solana.Pubkey, name, creator string) error
}

// Sources are the collaborators an Evaluator fetches facts from.
// History may be nil, in which case the repeat rules never fire.
type Sources struct {
	Authority AuthoritySource
	Reports   ReportSource
	Prices    PriceSource
	History   History
}

// Evaluator produces verdicts for one tenant.
type Evaluator struct {
	sources Sources
	tenant  int64
}

// NewEvaluator creates an evaluator bound to a tenant's collaborators.
func NewEvaluator(tenant int64, sources Sources) *Evaluator {
	return &Evaluator{sources: sources, tenant: tenant}
}

// Evaluate fetches the facts required by mode and evaluates them. A fetch
// failure yields a failed verdict, never a passing one.
func (e *Evaluator) Evaluate(ctx context.Context, mode Mode, mint solana.Pubkey, t *Thresholds) Verdict {
	switch mode {
	case ModeSnipe:
		return e.evaluateSnipe(ctx, mint, t)
	case ModeFull:
		return e.evaluateFull(ctx, mint, t)
	default:
		return fetchFailed(mode, fmt.Errorf("unknown check mode %q", mode))
	}
}

func (e *Evaluator) evaluateSnipe(ctx context.Context, mint solana.Pubkey, t *Thresholds) Verdict {
	var (
		token  *solana.TokenInfo
		report *Report
		price  decimal.Decimal
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		info, err := e.sources.Authority.GetTokenInfo(gctx, mint)
		if err != nil {
			return fmt.Errorf("token authorities: %w", err)
		}
		token = info
		return nil
	})
	g.Go(func() error {
		r, err := e.sources.Reports.Report(gctx, mint)
		if err != nil {
			return fmt.Errorf("risk report: %w", err)
		}
		report = r
		return nil
	})
	g.Go(func() error {
		p, err := e.sources.Prices.Price(gctx, mint)
		if err != nil {
			return fmt.Errorf("price: %w", err)
		}
		price = p
		return nil
	})
	if err := g.Wait(); err != nil {
		return fetchFailed(ModeSnipe, err)
	}
	if token == nil || report == nil {
		return fetchFailed(ModeSnipe, fmt.Errorf("empty response"))
	}

	facts := &Facts{
		Mint:      mint,
		Report:    report,
		Token:     token,
		MarketCap: MarketCap(token.Supply, token.Decimals, price),
	}
	return Evaluate(ModeSnipe, facts, t)
}

func (e *Evaluator) evaluateFull(ctx context.Context, mint solana.Pubkey, t *Thresholds) Verdict {
	report, err := e.sources.Reports.Report(ctx, mint)
	if err != nil {
		return fetchFailed(ModeFull, fmt.Errorf("risk report: %w", err))
	}
	if report == nil {
		return fetchFailed(ModeFull, fmt.Errorf("risk report: empty response"))
	}

	creator := report.Creator
	if creator == "" {
		creator = string(mint)
	}

	facts := &Facts{Mint: mint, Report: report}
	if e.sources.History != nil && (t.BlockReturningNames || t.BlockReturningCreators) {
		nameSeen, creatorSeen, err := e.sources.History.Seen(ctx, e.tenant, report.Name, creator)
		if err != nil {
			log.Warn().Err(err).Int64("tenant", e.tenant).Str("mint", string(mint)).
				Msg("risk: history lookup failed, treating token as new")
		} else {
			facts.NameSeen = nameSeen
			facts.CreatorSeen = creatorSeen
		}
	}

	verdict := Evaluate(ModeFull, facts, t)

	if e.sources.History != nil {
		if err := e.sources.History.Record(ctx, e.tenant, mint, report.Name, creator); err != nil {
			log.Warn().Err(err).Int64("tenant", e.tenant).Str("mint", string(mint)).
				Msg("risk: unable to record token history")
		}
	}
	return verdict
}

func fetchFailed(mode Mode, err error) Verdict {
	return Verdict{
		Mode:    mode,
		Passed:  false,
		Reasons: []string{fmt.Sprintf("%s: %v", ReasonFetchFailed, err)},
	}
}
