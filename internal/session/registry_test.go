package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nexus-trading/poolwatch/internal/pipeline"
	"github.com/nexus-trading/poolwatch/internal/quality"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_StartSubscribesEveryPool(t *testing.T) {
	fx := newFixture(t)
	require.NoError(t, fx.registry.Start(1))

	want := map[string]bool{}
	for _, sub := range []pipeline.Subscription{pumpSwap, raydium} {
		body, err := sub.SubscribeRequest()
		require.NoError(t, err)
		want[string(body)] = true
	}
	got := map[string]bool{
		string(fx.feed.next(t)): true,
		string(fx.feed.next(t)): true,
	}
	assert.Equal(t, want, got)

	assert.True(t, fx.registry.Running(1))
	assert.Equal(t, float64(1), fx.metrics.RunningSessions.Value())
	assert.Eventually(t, func() bool { return fx.notifier.contains("Connected") }, 2*time.Second, 10*time.Millisecond)
}

func TestRegistry_StartErrors(t *testing.T) {
	fx := newFixture(t)

	require.NoError(t, fx.registry.Start(1))
	assert.ErrorIs(t, fx.registry.Start(1), ErrAlreadyRunning)
	assert.ErrorIs(t, fx.registry.Start(99), ErrUnknownTenant)
}

func TestRegistry_FactoryErrorLeavesTenantStopped(t *testing.T) {
	f := newFeed(t)
	r := NewRegistry([]Tenant{testTenant(1, f.url)}, func(Tenant) (pipeline.Deps, func(), error) {
		return pipeline.Deps{}, nil, errors.New("no wallet")
	}, nil)

	assert.Error(t, r.Start(1))
	assert.False(t, r.Running(1))
}

func TestRegistry_StopErrors(t *testing.T) {
	fx := newFixture(t)

	assert.ErrorIs(t, fx.registry.Stop(1), ErrNotRunning)
	assert.ErrorIs(t, fx.registry.Stop(99), ErrUnknownTenant)

	require.NoError(t, fx.registry.Start(1))
	require.NoError(t, fx.registry.Stop(1))
	assert.False(t, fx.registry.Running(1))
	assert.ErrorIs(t, fx.registry.Stop(1), ErrNotRunning)
	assert.Zero(t, fx.metrics.RunningSessions.Value())
	assert.Eventually(t, func() bool { return fx.cleaned.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	// A stopped tenant can be started again.
	require.NoError(t, fx.registry.Start(1))
	assert.True(t, fx.registry.Running(1))
}

func TestRegistry_MessageToBuy(t *testing.T) {
	fx := newFixture(t)
	require.NoError(t, fx.registry.Start(1))
	fx.feed.next(t)
	fx.feed.next(t)

	fx.feed.push(t, fx.pool(t, "sig1", mintA))

	require.Eventually(t, func() bool { return fx.buyer.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, mintA, fx.buyer.orders[0].Mint)
	assert.Eventually(t, func() bool {
		s, ok := fx.registry.Session(1)
		return ok && s.Info().Active == 0
	}, 2*time.Second, 10*time.Millisecond)

	infos := fx.registry.Sessions()
	require.Len(t, infos, 1)
	assert.Equal(t, mintA, infos[0].LastAsset)
	assert.Equal(t, "CONNECTED", infos[0].State)
	assert.True(t, infos[0].Running)
}

func TestRegistry_StopDoesNotAbortInFlightPipeline(t *testing.T) {
	fx := newFixture(t)
	fx.eval.entered = make(chan struct{}, 1)
	fx.eval.release = make(chan struct{})

	require.NoError(t, fx.registry.Start(1))
	fx.feed.next(t)
	fx.feed.next(t)
	s, ok := fx.registry.Session(1)
	require.True(t, ok)

	fx.feed.push(t, fx.pool(t, "sig1", mintA))
	select {
	case <-fx.eval.entered:
	case <-time.After(3 * time.Second):
		t.Fatal("pipeline never reached evaluation")
	}

	require.NoError(t, fx.registry.Stop(1))
	assert.False(t, s.Running())
	_, admitted := s.disp.Accept(fx.pool(t, "sig2", mintB))
	assert.False(t, admitted)
	assert.Equal(t, 1, s.Info().Active)
	assert.Zero(t, fx.cleaned.Load())

	close(fx.eval.release)
	require.Eventually(t, func() bool { return fx.buyer.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return s.Info().Active == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return fx.cleaned.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestRegistry_ResubscribesAfterReconnect(t *testing.T) {
	fx := newFixture(t)
	require.NoError(t, fx.registry.Start(1))
	fx.feed.next(t)
	fx.feed.next(t)

	fx.feed.dropLatest()

	fx.feed.next(t)
	fx.feed.next(t)
	assert.Equal(t, 2, fx.feed.connections())
	assert.Eventually(t, func() bool { return fx.notifier.contains("Connection lost") }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, float64(1), fx.metrics.Reconnects.Value())
}

func TestRegistry_ShutdownStopsEverything(t *testing.T) {
	f := newFeed(t)
	fx := newFixture(t, testTenant(1, f.url), testTenant(2, f.url))
	fx.feed = f

	require.NoError(t, fx.registry.Start(1))
	require.NoError(t, fx.registry.Start(2))
	assert.Len(t, fx.registry.Sessions(), 2)
	assert.Equal(t, []int64{1, 2}, fx.registry.Tenants())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, fx.registry.Shutdown(ctx))

	assert.Empty(t, fx.registry.Sessions())
	assert.Zero(t, fx.metrics.RunningSessions.Value())
	assert.ErrorIs(t, fx.registry.Start(1), ErrShutdown)
}

func TestRegistry_ShutdownDrainTimeout(t *testing.T) {
	fx := newFixture(t)
	fx.eval.entered = make(chan struct{}, 1)
	fx.eval.release = make(chan struct{})
	defer close(fx.eval.release)

	require.NoError(t, fx.registry.Start(1))
	fx.feed.next(t)
	fx.feed.next(t)
	fx.feed.push(t, fx.pool(t, "sig1", mintA))
	<-fx.eval.entered

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, fx.registry.Shutdown(ctx), context.DeadlineExceeded)
}

func TestRegistry_FeedMonitorTracksMessages(t *testing.T) {
	fx := newFixture(t)
	monitor := quality.NewMonitor(0, time.Hour)
	fx.registry.SetFeedMonitor(monitor)

	require.NoError(t, fx.registry.Start(1))
	fx.feed.next(t)
	fx.feed.next(t)
	_, tracked := monitor.Snapshot()[1]
	assert.True(t, tracked)

	fx.feed.push(t, []byte(`{"jsonrpc":"2.0","result":1,"id":"pump1"}`))
	fx.feed.push(t, fx.pool(t, "sig1", mintA))
	require.Eventually(t, func() bool { return monitor.Snapshot()[1].EventCount == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, fx.registry.Stop(1))
	_, tracked = monitor.Snapshot()[1]
	assert.False(t, tracked)
}

func TestRegistry_SlowNotifierDoesNotDelaySubscribe(t *testing.T) {
	fx := newFixture(t)
	fx.notifier.delay = time.Second

	start := time.Now()
	require.NoError(t, fx.registry.Start(1))
	fx.feed.next(t)
	fx.feed.next(t)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	assert.Eventually(t, func() bool { return fx.notifier.contains("Connected") }, 3*time.Second, 10*time.Millisecond)
}
