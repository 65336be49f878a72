package pipeline

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/nexus-trading/poolwatch/internal/solana"
	"github.com/shopspring/decimal"
)

const (
	mintA solana.Pubkey = "DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263"
	mintB solana.Pubkey = "JUPyiwrYJFskUPiHa7hkeR8VUtAeFoSYbKedZNsDvCN"
	mintC solana.Pubkey = "Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB"
)

var (
	pumpSwap = Subscription{
		ID:        "pump1",
		Name:      "pumpswap",
		ProgramID: "6EF8rrecthR5Dkzon8Nwu78hRvfCKubJ14M5uBEwF6P",
		Match:     "Program log: Instruction: CreatePool",
	}
	raydium = Subscription{
		ID:        "rad1",
		Name:      "Raydium",
		ProgramID: "675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8",
		Match:     "Program log: initialize2: InitializeInstruction2",
	}
)

// logsNotification builds a logsSubscribe notification frame.
func logsNotification(t *testing.T, sig string, logs ...string) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"method":  "logsNotification",
		"params": map[string]any{
			"subscription": 1,
			"result": map[string]any{
				"context": map[string]any{"slot": 1},
				"value":   map[string]any{"signature": sig, "err": nil, "logs": logs},
			},
		},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

func balances(mints ...solana.Pubkey) []solana.TokenBalance {
	out := make([]solana.TokenBalance, 0, len(mints))
	for i, m := range mints {
		out = append(out, solana.TokenBalance{AccountIndex: i, Mint: m, Amount: decimal.NewFromInt(int64(i + 1))})
	}
	return out
}

// fakeTenant is a mutex-guarded Tenant with a concurrency ceiling.
type fakeTenant struct {
	mu       sync.Mutex
	id       int64
	running  bool
	last     solana.Pubkey
	active   int
	ceiling  int
	peak     int
	releases int
}

func newFakeTenant(ceiling int) *fakeTenant {
	return &fakeTenant{id: 42, running: true, ceiling: ceiling}
}

func (f *fakeTenant) ID() int64 { return f.id }

func (f *fakeTenant) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeTenant) setRunning(v bool) {
	f.mu.Lock()
	f.running = v
	f.mu.Unlock()
}

func (f *fakeTenant) MarkAsset(mint solana.Pubkey) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.last == mint {
		return false
	}
	f.last = mint
	return true
}

func (f *fakeTenant) TryAcquire() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active >= f.ceiling {
		return false
	}
	f.active++
	if f.active > f.peak {
		f.peak = f.active
	}
	return true
}

func (f *fakeTenant) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active--
	f.releases++
}

func (f *fakeTenant) snapshot() (active, peak, releases int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active, f.peak, f.releases
}
