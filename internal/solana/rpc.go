package solana

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// RPCConfig configures the Solana RPC client.
type RPCConfig struct {
	Endpoint     string        `yaml:"endpoint"` // e.g. https://api.mainnet-beta.solana.com
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	RateLimitRPS float64       `yaml:"rate_limit_rps"` // requests per second limit
}

// DefaultRPCConfig returns public mainnet defaults.
func DefaultRPCConfig() RPCConfig {
	return RPCConfig{
		Endpoint:     "https://api.mainnet-beta.solana.com",
		Timeout:      10 * time.Second,
		MaxRetries:   3,
		RateLimitRPS: 10,
	}
}

// ---------------------------------------------------------------------------
// Stub RPC Client (for testing and development)
// ---------------------------------------------------------------------------

// StubRPCClient is a mock RPC client for testing.
type StubRPCClient struct {
	mu     sync.RWMutex
	tokens map[Pubkey]*TokenInfo
	txs    map[Signature][]*TransactionMeta // served in order, last one sticks
	calls  map[Signature]int

	failNext bool
}

// NewStubRPCClient creates a stub RPC client for testing.
func NewStubRPCClient() *StubRPCClient {
	return &StubRPCClient{
		tokens: make(map[Pubkey]*TokenInfo),
		txs:    make(map[Signature][]*TransactionMeta),
		calls:  make(map[Signature]int),
	}
}

// AddToken registers a token for the stub to return.
func (s *StubRPCClient) AddToken(info TokenInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[info.Mint] = &info
}

// AddTransaction queues responses for a signature. A nil entry simulates a
// node that has not indexed the transaction yet.
func (s *StubRPCClient) AddTransaction(sig Signature, metas ...*TransactionMeta) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txs[sig] = append(s.txs[sig], metas...)
}

// TransactionCalls returns how many times GetTransaction was called for sig.
func (s *StubRPCClient) TransactionCalls(sig Signature) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calls[sig]
}

// SetFailNext makes the next call fail.
func (s *StubRPCClient) SetFailNext() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = true
}

func (s *StubRPCClient) shouldFail() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext {
		s.failNext = false
		return true
	}
	return false
}

// --- Interface implementation ---

func (s *StubRPCClient) GetTransaction(_ context.Context, sig Signature) (*TransactionMeta, error) {
	if s.shouldFail() {
		return nil, fmt.Errorf("stub: simulated RPC failure")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.calls[sig]
	s.calls[sig] = n + 1

	queued := s.txs[sig]
	if len(queued) == 0 {
		return nil, nil
	}
	if n >= len(queued) {
		n = len(queued) - 1
	}
	return queued[n], nil
}

func (s *StubRPCClient) GetTokenInfo(_ context.Context, mint Pubkey) (*TokenInfo, error) {
	if s.shouldFail() {
		return nil, fmt.Errorf("stub: simulated RPC failure")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if info, ok := s.tokens[mint]; ok {
		return info, nil
	}
	return nil, fmt.Errorf("stub: token %s not found", mint)
}
