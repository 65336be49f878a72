package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nexus-trading/poolwatch/internal/adapters/sniperoo"
	"github.com/nexus-trading/poolwatch/internal/observability"
	"github.com/nexus-trading/poolwatch/internal/risk"
	"github.com/nexus-trading/poolwatch/internal/solana"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Dispatcher: filter, resolve, dedup, gate, evaluate, buy
// ---------------------------------------------------------------------------

// Tenant is the per-tenant state the dispatcher drives. All methods must be
// safe for concurrent use.
type Tenant interface {
	ID() int64
	// Running reports whether new messages may be admitted.
	Running() bool
	// MarkAsset records mint as the last seen asset and reports true, or
	// reports false without changing state when mint equals it already.
	MarkAsset(mint solana.Pubkey) bool
	// TryAcquire admits one pipeline if the concurrency ceiling allows it.
	TryAcquire() bool
	// Release ends one admitted pipeline.
	Release()
}

// Evaluator produces eligibility verdicts.
type Evaluator interface {
	Evaluate(ctx context.Context, mode risk.Mode, mint solana.Pubkey, t *risk.Thresholds) risk.Verdict
}

// Buyer executes a purchase.
type Buyer interface {
	Buy(ctx context.Context, order sniperoo.Order) error
}

// Notifier delivers a status message to a tenant's channel.
type Notifier interface {
	Notify(ctx context.Context, chatID int64, text string) error
}

// Recorder receives the result of every finished run.
type Recorder interface {
	Record(tenant int64, res Result)
}

// Settings are the tenant parameters the dispatcher acts on.
type Settings struct {
	ChatID        int64
	Wallet        solana.Pubkey
	Mode          risk.Mode
	Thresholds    *risk.Thresholds
	AmountSOL     decimal.Decimal
	AutoSell      bool
	StopLossPct   float64
	TakeProfitPct float64
}

// Outcome is how one pipeline run ended.
type Outcome string

const (
	OutcomeIgnored    Outcome = "ignored"
	OutcomeUnresolved Outcome = "unresolved"
	OutcomeDuplicate  Outcome = "duplicate"
	OutcomeSaturated  Outcome = "saturated"
	OutcomeIneligible Outcome = "ineligible"
	OutcomeSimulated  Outcome = "simulated"
	OutcomeBought     Outcome = "bought"
	OutcomeBuyFailed  Outcome = "buy_failed"
)

// Result describes one pipeline run.
type Result struct {
	RunID     string
	Outcome   Outcome
	Signature solana.Signature
	Mint      solana.Pubkey
	Verdict   *risk.Verdict
	Err       error
}

// Deps are the collaborators shared by a tenant's pipelines.
type Deps struct {
	Filter    *Filter
	Resolver  *Resolver
	Evaluator Evaluator
	Buyer     Buyer
	Notifier  Notifier
	Metrics   *observability.Metrics
	Recorder  Recorder // optional
	DryRun    bool
}

// Dispatcher runs inbound messages for one tenant through the pipeline.
type Dispatcher struct {
	tenant   Tenant
	settings Settings
	deps     Deps
	logger   zerolog.Logger
}

// NewDispatcher creates a dispatcher for tenant. Metrics may be nil.
func NewDispatcher(tenant Tenant, settings Settings, deps Deps) *Dispatcher {
	if deps.Metrics == nil {
		deps.Metrics = observability.NewMetrics()
	}
	return &Dispatcher{
		tenant:   tenant,
		settings: settings,
		deps:     deps,
		logger:   log.With().Int64("tenant", tenant.ID()).Logger(),
	}
}

// Accept is the cheap synchronous stage run on the stream consumer: it
// drops everything while the tenant is stopped and filters the rest.
func (d *Dispatcher) Accept(raw []byte) (Candidate, bool) {
	if !d.tenant.Running() {
		return Candidate{}, false
	}
	d.deps.Metrics.Messages.Inc()

	kind, cand := d.deps.Filter.Classify(raw)
	if kind != KindCandidate {
		return Candidate{}, false
	}
	d.deps.Metrics.Candidates.Inc()
	return cand, true
}

// Dispatch runs one raw message end to end.
func (d *Dispatcher) Dispatch(ctx context.Context, raw []byte) Result {
	cand, ok := d.Accept(raw)
	if !ok {
		return Result{Outcome: OutcomeIgnored}
	}
	return d.Process(ctx, cand)
}

// Process resolves, deduplicates, gates, evaluates and buys one candidate.
// The gate, once acquired, is released exactly once on every path.
func (d *Dispatcher) Process(ctx context.Context, cand Candidate) (res Result) {
	start := time.Now()
	res = Result{RunID: uuid.New().String()[:12], Signature: cand.Signature}
	logger := d.logger.With().Str("run", res.RunID).Str("source", cand.Source.ID).Logger()

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("pipeline: panic recovered")
			res.Outcome = OutcomeBuyFailed
			res.Err = fmt.Errorf("pipeline: panic: %v", r)
		}
		d.deps.Metrics.Outcome(string(res.Outcome))
		d.deps.Metrics.PipelineLatency.Observe(float64(time.Since(start).Milliseconds()))
		if d.deps.Recorder != nil {
			d.deps.Recorder.Record(d.tenant.ID(), res)
		}
	}()

	d.notify(ctx, fmt.Sprintf("🔎 New %s liquidity pool found", cand.Source.Name))

	asset, ok, err := d.deps.Resolver.Resolve(ctx, cand.Signature)
	if err != nil {
		logger.Warn().Err(err).Str("signature", string(cand.Signature)).Msg("pipeline: mint lookup failed")
	}
	if !ok {
		res.Outcome = OutcomeUnresolved
		res.Err = err
		d.notify(ctx, "❌ No valid token address could be extracted\n🔎 Looking for new liquidity pools again")
		return res
	}
	res.Mint = asset.Mint
	logger = logger.With().Str("mint", string(asset.Mint)).Logger()

	if !d.tenant.MarkAsset(asset.Mint) {
		res.Outcome = OutcomeDuplicate
		logger.Debug().Msg("pipeline: duplicate mint skipped")
		d.notify(ctx, "❌ Skipping duplicate mint\n🔎 Looking for new liquidity pools again")
		return res
	}

	if !d.tenant.TryAcquire() {
		res.Outcome = OutcomeSaturated
		logger.Info().Msg("pipeline: concurrency limit reached, pipeline skipped")
		return res
	}
	d.deps.Metrics.ActivePipelines.Inc()
	defer func() {
		d.deps.Metrics.ActivePipelines.Dec()
		d.tenant.Release()
	}()

	d.notify(ctx, fmt.Sprintf("🔍 Performing %s check\n👽 GMGN: https://gmgn.ai/sol/token/%s", d.settings.Mode, asset.Mint))

	verdict := d.deps.Evaluator.Evaluate(ctx, d.settings.Mode, asset.Mint, d.settings.Thresholds)
	res.Verdict = &verdict
	if !verdict.Passed {
		res.Outcome = OutcomeIneligible
		logger.Info().Strs("reasons", verdict.Reasons).Str("mode", string(verdict.Mode)).Msg("pipeline: token not eligible")
		d.notify(ctx, ineligibleMessage(asset.Mint, verdict))
		return res
	}

	if d.deps.DryRun {
		res.Outcome = OutcomeSimulated
		logger.Info().Msg("pipeline: simulation, buy skipped")
		d.notify(ctx, fmt.Sprintf("🧻 Simulation: buy skipped for <code>%s</code>", asset.Mint))
		return res
	}

	order := sniperoo.Order{
		Wallet:        d.settings.Wallet,
		Mint:          asset.Mint,
		AmountSOL:     d.settings.AmountSOL,
		AutoSell:      d.settings.AutoSell,
		TakeProfitPct: d.settings.TakeProfitPct,
		StopLossPct:   d.settings.StopLossPct,
	}
	if err := d.deps.Buyer.Buy(ctx, order); err != nil {
		res.Outcome = OutcomeBuyFailed
		res.Err = err
		logger.Error().Err(err).Msg("pipeline: buy failed")
		d.notify(ctx, "❌ Token not swapped. Buy failed.\n🔎 Looking for new liquidity pools again")
		return res
	}

	res.Outcome = OutcomeBought
	logger.Info().Str("amount_sol", order.AmountSOL.String()).Msg("pipeline: token bought")
	d.notify(ctx, boughtMessage(order))
	return res
}

// notify reports to the tenant channel. Failures are logged only.
func (d *Dispatcher) notify(ctx context.Context, text string) {
	if d.deps.Notifier == nil || d.settings.ChatID == 0 {
		return
	}
	if err := d.deps.Notifier.Notify(ctx, d.settings.ChatID, text); err != nil {
		d.logger.Warn().Err(err).Msg("pipeline: notification failed")
	}
}

func ineligibleMessage(mint solana.Pubkey, v risk.Verdict) string {
	var b strings.Builder
	if v.Mode == risk.ModeFull {
		fmt.Fprintf(&b, "🧪 Rug check for https://rugcheck.xyz/tokens/%s\n", mint)
	} else {
		fmt.Fprintf(&b, "🧪 Snipe check for <code>%s</code>\n", mint)
		if !v.MarketCap.IsZero() {
			fmt.Fprintf(&b, "Market cap: %s\n", risk.FormatMarketCap(v.MarketCap))
		}
	}
	b.WriteString("Conditions:\n")
	for _, reason := range v.Reasons {
		fmt.Fprintf(&b, "🚫 %s\n", reason)
	}
	b.WriteString("❌ Token not swapped\n🔎 Looking for new liquidity pools again")
	return b.String()
}

func boughtMessage(o sniperoo.Order) string {
	return fmt.Sprintf(`<b>Token swapped successfully</b>

<b>Mint Address:</b> %s
<b>Token:</b> https://gmgn.ai/sol/token/%s
<b>Token Amount:</b> %s SOL
<b>Sell Enabled:</b> %t
<b>Stop Loss:</b> %g
<b>Take Profit:</b> %g`, o.Mint, o.Mint, o.AmountSOL, o.AutoSell, o.StopLossPct, o.TakeProfitPct)
}
