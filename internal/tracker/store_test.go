package tracker

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_SeenByNameOrCreator(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	nameSeen, creatorSeen, err := store.Seen(ctx, 1, "Doge", "creatorA")
	require.NoError(t, err)
	assert.False(t, nameSeen)
	assert.False(t, creatorSeen)

	require.NoError(t, store.Record(ctx, 1, "mint1", "Doge", "creatorA"))

	nameSeen, creatorSeen, err = store.Seen(ctx, 1, "Doge", "creatorB")
	require.NoError(t, err)
	assert.True(t, nameSeen)
	assert.False(t, creatorSeen)

	nameSeen, creatorSeen, err = store.Seen(ctx, 1, "Cate", "creatorA")
	require.NoError(t, err)
	assert.False(t, nameSeen)
	assert.True(t, creatorSeen)
}

func TestStore_TenantIsolation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Record(ctx, 1, "mint1", "Doge", "creatorA"))

	nameSeen, creatorSeen, err := store.Seen(ctx, 2, "Doge", "creatorA")
	require.NoError(t, err)
	assert.False(t, nameSeen)
	assert.False(t, creatorSeen)
}

func TestStore_Recent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	fixed := time.UnixMilli(1_700_000_000_000)
	store.now = func() time.Time { return fixed }

	require.NoError(t, store.Record(ctx, 5, "mint1", "One", "c1"))
	require.NoError(t, store.Record(ctx, 5, "mint2", "Two", "c2"))
	require.NoError(t, store.Record(ctx, 6, "mint3", "Three", "c3"))

	recent, err := store.Recent(ctx, 5, 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "Two", recent[0].Name)
	assert.Equal(t, "mint1", string(recent[1].Mint))
	assert.True(t, recent[0].Time.Equal(fixed))
}

func TestStore_OpenOnDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "tracker.db")
	store, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, store.Record(context.Background(), 1, "m", "n", "c"))
	require.NoError(t, store.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()
	nameSeen, _, err := reopened.Seen(context.Background(), 1, "n", "x")
	require.NoError(t, err)
	assert.True(t, nameSeen)
}
