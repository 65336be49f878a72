package solana

import (
	"fmt"

	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"
)

// Pubkey is a Solana public key (base58 string).
type Pubkey string

// Signature is a Solana transaction signature.
type Signature string

// SOLMint is the wrapped SOL mint.
const SOLMint Pubkey = "So11111111111111111111111111111111111111112"

// ValidatePubkey checks that s decodes to a 32-byte ed25519 public key.
func ValidatePubkey(s string) error {
	if s == "" {
		return fmt.Errorf("solana: empty public key")
	}
	raw, err := base58.Decode(s)
	if err != nil {
		return fmt.Errorf("solana: decode %q: %w", s, err)
	}
	if len(raw) != 32 {
		return fmt.Errorf("solana: public key %q is %d bytes, want 32", s, len(raw))
	}
	return nil
}

// ---------------------------------------------------------------------------
// Token types
// ---------------------------------------------------------------------------

// TokenInfo describes a Solana SPL token mint account.
type TokenInfo struct {
	Mint            Pubkey          `json:"mint"`
	Decimals        uint8           `json:"decimals"`
	Supply          decimal.Decimal `json:"supply"`
	MintAuthority   Pubkey          `json:"mint_authority"`   // empty = renounced
	FreezeAuthority Pubkey          `json:"freeze_authority"` // empty = renounced
}

// IsMintRenounced returns true if the mint authority is empty.
func (t TokenInfo) IsMintRenounced() bool {
	return t.MintAuthority == ""
}

// IsFreezeRenounced returns true if the freeze authority is empty.
func (t TokenInfo) IsFreezeRenounced() bool {
	return t.FreezeAuthority == ""
}

// ---------------------------------------------------------------------------
// Transaction types
// ---------------------------------------------------------------------------

// TokenBalance is one entry of a transaction's pre/post token balances.
type TokenBalance struct {
	AccountIndex int             `json:"account_index"`
	Mint         Pubkey          `json:"mint"`
	Owner        Pubkey          `json:"owner,omitempty"`
	Amount       decimal.Decimal `json:"amount"`
}

// TransactionMeta holds the parts of a parsed transaction the pipeline reads.
type TransactionMeta struct {
	Signature         Signature      `json:"signature"`
	Slot              uint64         `json:"slot"`
	PreTokenBalances  []TokenBalance `json:"pre_token_balances"`
	PostTokenBalances []TokenBalance `json:"post_token_balances"`
}

// TokenBalances returns the post-transaction balances, falling back to the
// pre-transaction ones only when the node reported no post list at all. An
// empty post list is returned as is.
func (m *TransactionMeta) TokenBalances() []TokenBalance {
	if m == nil {
		return nil
	}
	if m.PostTokenBalances != nil {
		return m.PostTokenBalances
	}
	return m.PreTokenBalances
}
