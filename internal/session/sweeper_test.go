package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweeper_StopsExpiredTenants(t *testing.T) {
	f := newFeed(t)
	now := time.Date(2026, 3, 1, 16, 39, 0, 0, time.UTC)

	expired := testTenant(1, f.url)
	expired.ExpiresAt = now.Add(-time.Minute)
	current := testTenant(2, f.url)
	current.ExpiresAt = now.Add(24 * time.Hour)
	forever := testTenant(3, f.url)

	fx := newFixture(t, expired, current, forever)
	for _, id := range []int64{1, 2, 3} {
		require.NoError(t, fx.registry.Start(id))
	}

	sw, err := NewSweeper(fx.registry, "")
	require.NoError(t, err)
	sw.now = func() time.Time { return now }

	assert.Equal(t, []int64{1}, sw.Sweep())
	assert.False(t, fx.registry.Running(1))
	assert.True(t, fx.registry.Running(2))
	assert.True(t, fx.registry.Running(3))
	assert.True(t, fx.notifier.contains("subscription has expired"))

	assert.Empty(t, sw.Sweep())
}

func TestSweeper_InvalidSchedule(t *testing.T) {
	fx := newFixture(t)
	_, err := NewSweeper(fx.registry, "not a schedule")
	assert.Error(t, err)
}

func TestSweeper_StartStop(t *testing.T) {
	fx := newFixture(t)
	sw, err := NewSweeper(fx.registry, "@every 1h")
	require.NoError(t, err)
	sw.Start()
	sw.Stop()
}
