package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/nexus-trading/poolwatch/internal/solana"
	"github.com/rs/zerolog/log"
)

// DefaultResolveRetryDelay is the pause before the single retry of a
// transaction lookup that came back without metadata.
const DefaultResolveRetryDelay = 200 * time.Millisecond

// Ledger looks up parsed transactions. A nil meta with a nil error means the
// node does not have the transaction yet.
type Ledger interface {
	GetTransaction(ctx context.Context, sig solana.Signature) (*solana.TransactionMeta, error)
}

// ResolvedAsset is the new token a pool creation transaction introduced.
type ResolvedAsset struct {
	Mint       solana.Pubkey
	Signature  solana.Signature
	ResolvedAt time.Time
}

// Resolver maps a pool creation transaction to the newly minted token.
type Resolver struct {
	ledger     Ledger
	base       solana.Pubkey
	retryDelay time.Duration
}

// NewResolver creates a resolver. base is the paired asset to skip
// (wrapped SOL); retryDelay <= 0 selects DefaultResolveRetryDelay.
func NewResolver(ledger Ledger, base solana.Pubkey, retryDelay time.Duration) *Resolver {
	if retryDelay <= 0 {
		retryDelay = DefaultResolveRetryDelay
	}
	if base == "" {
		base = solana.SOLMint
	}
	return &Resolver{ledger: ledger, base: base, retryDelay: retryDelay}
}

// Resolve returns the asset created by sig. ok is false when the
// transaction could not be resolved, which is a normal outcome under
// indexing lag. err is set only when the lookup itself failed.
func (r *Resolver) Resolve(ctx context.Context, sig solana.Signature) (asset ResolvedAsset, ok bool, err error) {
	if sig == "" {
		return ResolvedAsset{}, false, nil
	}

	meta, err := r.ledger.GetTransaction(ctx, sig)
	if err != nil {
		return ResolvedAsset{}, false, fmt.Errorf("pipeline: resolve %s: %w", sig, err)
	}
	if meta == nil {
		select {
		case <-time.After(r.retryDelay):
		case <-ctx.Done():
			return ResolvedAsset{}, false, ctx.Err()
		}
		meta, err = r.ledger.GetTransaction(ctx, sig)
		if err != nil {
			return ResolvedAsset{}, false, fmt.Errorf("pipeline: resolve %s (retry): %w", sig, err)
		}
		if meta == nil {
			return ResolvedAsset{}, false, nil
		}
	}

	mint, found := ExtractMint(meta.TokenBalances(), r.base)
	if !found {
		return ResolvedAsset{}, false, nil
	}
	if err := solana.ValidatePubkey(string(mint)); err != nil {
		log.Debug().Err(err).Str("signature", string(sig)).Msg("pipeline: resolved mint is not a valid address")
		return ResolvedAsset{}, false, nil
	}
	return ResolvedAsset{Mint: mint, Signature: sig, ResolvedAt: time.Now()}, true, nil
}

// ExtractMint picks the new token from a transaction's balances.
// With exactly two entries the one that is not base wins (none if both
// are base); otherwise the first non-base entry is returned.
func ExtractMint(balances []solana.TokenBalance, base solana.Pubkey) (solana.Pubkey, bool) {
	if len(balances) == 0 {
		return "", false
	}
	if len(balances) == 2 {
		first, second := balances[0].Mint, balances[1].Mint
		switch {
		case first == base && second == base:
			return "", false
		case first == base:
			return second, true
		default:
			return first, true
		}
	}
	for _, b := range balances {
		if b.Mint != base && b.Mint != "" {
			return b.Mint, true
		}
	}
	return "", false
}
