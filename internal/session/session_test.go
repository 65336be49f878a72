package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nexus-trading/poolwatch/internal/adapters/sniperoo"
	"github.com/nexus-trading/poolwatch/internal/observability"
	"github.com/nexus-trading/poolwatch/internal/pipeline"
	"github.com/nexus-trading/poolwatch/internal/risk"
	"github.com/nexus-trading/poolwatch/internal/solana"
	"github.com/nexus-trading/poolwatch/internal/stream"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	mintA solana.Pubkey = "DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263"
	mintB solana.Pubkey = "JUPyiwrYJFskUPiHa7hkeR8VUtAeFoSYbKedZNsDvCN"
)

var (
	pumpSwap = pipeline.Subscription{
		ID:        "pump1",
		Name:      "pumpswap",
		ProgramID: "6EF8rrecthR5Dkzon8Nwu78hRvfCKubJ14M5uBEwF6P",
		Match:     "Program log: Instruction: CreatePool",
	}
	raydium = pipeline.Subscription{
		ID:        "rad1",
		Name:      "Raydium",
		ProgramID: "675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8",
		Match:     "Program log: initialize2: InitializeInstruction2",
	}
)

// ---------------------------------------------------------------------------
// Fake log feed
// ---------------------------------------------------------------------------

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// feed is a websocket server that records inbound frames and lets tests push
// notifications to the most recent connection.
type feed struct {
	url      string
	received chan []byte

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newFeed(t *testing.T) *feed {
	t.Helper()
	f := &feed{received: make(chan []byte, 64)}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conns = append(f.conns, conn)
		f.mu.Unlock()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			f.received <- msg
		}
	}))
	t.Cleanup(server.Close)
	f.url = "ws" + strings.TrimPrefix(server.URL, "http")
	return f
}

func (f *feed) connections() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

func (f *feed) push(t *testing.T, raw []byte) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.conns)
	require.NoError(t, f.conns[len(f.conns)-1].WriteMessage(websocket.TextMessage, raw))
}

func (f *feed) dropLatest() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) > 0 {
		f.conns[len(f.conns)-1].Close()
	}
}

func (f *feed) next(t *testing.T) []byte {
	t.Helper()
	select {
	case msg := <-f.received:
		return msg
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func createPool(t *testing.T, sig string) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"method":  "logsNotification",
		"params": map[string]any{
			"result": map[string]any{
				"value": map[string]any{
					"signature": sig,
					"logs":      []string{"Program log: Instruction: CreatePool"},
				},
			},
		},
	})
	require.NoError(t, err)
	return raw
}

// ---------------------------------------------------------------------------
// Fake collaborators
// ---------------------------------------------------------------------------

type gatedEvaluator struct {
	entered chan struct{}
	release chan struct{}
}

func (g *gatedEvaluator) Evaluate(_ context.Context, mode risk.Mode, _ solana.Pubkey, _ *risk.Thresholds) risk.Verdict {
	if g.entered != nil {
		g.entered <- struct{}{}
		<-g.release
	}
	return risk.Verdict{Mode: mode, Passed: true}
}

type recordingBuyer struct {
	mu     sync.Mutex
	orders []sniperoo.Order
}

func (b *recordingBuyer) Buy(_ context.Context, o sniperoo.Order) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.orders = append(b.orders, o)
	return nil
}

func (b *recordingBuyer) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.orders)
}

type recordingNotifier struct {
	mu    sync.Mutex
	msgs  []string
	delay time.Duration
}

func (n *recordingNotifier) Notify(_ context.Context, _ int64, text string) error {
	if n.delay > 0 {
		time.Sleep(n.delay)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, text)
	return nil
}

func (n *recordingNotifier) contains(sub string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, m := range n.msgs {
		if strings.Contains(m, sub) {
			return true
		}
	}
	return false
}

type fixture struct {
	feed     *feed
	ledger   *solana.StubRPCClient
	eval     *gatedEvaluator
	buyer    *recordingBuyer
	notifier *recordingNotifier
	metrics  *observability.Metrics
	cleaned  atomic.Int32
	registry *Registry
}

func testTenant(id int64, url string) Tenant {
	return Tenant{
		ID:   id,
		Name: "tenant",
		Stream: stream.Config{
			URL:            url,
			InitialBackoff: 10 * time.Millisecond,
			MaxBackoff:     40 * time.Millisecond,
			ReadTimeout:    5 * time.Second,
		},
		Subscriptions: []pipeline.Subscription{pumpSwap, raydium},
		Settings: pipeline.Settings{
			ChatID:     7,
			Mode:       risk.ModeSnipe,
			Thresholds: &risk.Thresholds{},
			AmountSOL:  decimal.RequireFromString("0.1"),
		},
		MaxConcurrent: 1,
	}
}

func newFixture(t *testing.T, tenants ...Tenant) *fixture {
	t.Helper()
	fx := &fixture{
		feed:     newFeed(t),
		ledger:   solana.NewStubRPCClient(),
		eval:     &gatedEvaluator{},
		buyer:    &recordingBuyer{},
		notifier: &recordingNotifier{},
		metrics:  observability.NewMetrics(),
	}
	if len(tenants) == 0 {
		tenants = []Tenant{testTenant(1, fx.feed.url)}
	}
	factory := func(Tenant) (pipeline.Deps, func(), error) {
		return pipeline.Deps{
			Resolver:  pipeline.NewResolver(fx.ledger, solana.SOLMint, time.Millisecond),
			Evaluator: fx.eval,
			Buyer:     fx.buyer,
			Notifier:  fx.notifier,
		}, func() { fx.cleaned.Add(1) }, nil
	}
	fx.registry = NewRegistry(tenants, factory, fx.metrics)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = fx.registry.Shutdown(ctx)
	})
	return fx
}

func (fx *fixture) pool(t *testing.T, sig string, mint solana.Pubkey) []byte {
	fx.ledger.AddTransaction(solana.Signature(sig), &solana.TransactionMeta{
		PostTokenBalances: []solana.TokenBalance{{Mint: solana.SOLMint}, {AccountIndex: 1, Mint: mint}},
	})
	return createPool(t, sig)
}

// ---------------------------------------------------------------------------
// Session state
// ---------------------------------------------------------------------------

func TestSession_MarkAssetSuppressesConsecutiveRepeats(t *testing.T) {
	s := newSession(testTenant(1, "ws://unused"), pipeline.Deps{}, nil)

	assert.True(t, s.MarkAsset(mintA))
	assert.False(t, s.MarkAsset(mintA))
	assert.False(t, s.MarkAsset(mintA))
	assert.True(t, s.MarkAsset(mintB))
	assert.True(t, s.MarkAsset(mintA))
	assert.Equal(t, mintA, s.Info().LastAsset)
}

func TestSession_MarkAssetConcurrentSingleWinner(t *testing.T) {
	s := newSession(testTenant(1, "ws://unused"), pipeline.Deps{}, nil)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.MarkAsset(mintA) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestSession_GateNeverExceedsCeiling(t *testing.T) {
	tenant := testTenant(1, "ws://unused")
	tenant.MaxConcurrent = 3
	s := newSession(tenant, pipeline.Deps{}, nil)

	var inside, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if !s.TryAcquire() {
					continue
				}
				n := inside.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				inside.Add(-1)
				s.Release()
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Zero(t, s.Info().Active)
}

func TestSession_ReleaseWithoutAcquireIgnored(t *testing.T) {
	s := newSession(testTenant(1, "ws://unused"), pipeline.Deps{}, nil)
	s.Release()
	assert.Zero(t, s.Info().Active)
	assert.True(t, s.TryAcquire())
	assert.False(t, s.TryAcquire())
}

func TestTenant_Expired(t *testing.T) {
	now := time.Date(2026, 1, 2, 16, 39, 0, 0, time.UTC)
	assert.False(t, Tenant{}.Expired(now))
	assert.True(t, Tenant{ExpiresAt: now}.Expired(now))
	assert.True(t, Tenant{ExpiresAt: now.Add(-time.Hour)}.Expired(now))
	assert.False(t, Tenant{ExpiresAt: now.Add(time.Hour)}.Expired(now))
}
