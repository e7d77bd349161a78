package throttle

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Set(ctx, "a", "1"))
	value, ok, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "1", value)

	// Set overwrites, SetIfAbsent does not.
	require.NoError(t, store.Set(ctx, "a", "2"))
	wrote, err := store.SetIfAbsent(ctx, "a", "3")
	require.NoError(t, err)
	assert.False(t, wrote)
	value, _, _ = store.Get(ctx, "a")
	assert.Equal(t, "2", value)

	wrote, err = store.SetIfAbsent(ctx, "b", "10")
	require.NoError(t, err)
	assert.True(t, wrote)

	require.NoError(t, store.Delete(ctx, "a"))
	_, ok, err = store.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)

	// Deleting a missing key is not an error.
	require.NoError(t, store.Delete(ctx, "gone"))
}

func TestMemoryStore(t *testing.T) {
	testStore(t, NewMemoryStore())
}

func TestLevelDBStore(t *testing.T) {
	store, err := NewLevelDBStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	testStore(t, store)
}

func TestLevelDBStorePersists(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := NewLevelDBStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, "chain:addr", "1700000000000"))
	require.NoError(t, store.Close())

	store2, err := NewLevelDBStore(dir)
	require.NoError(t, err)
	defer store2.Close()

	value, ok, err := store2.Get(ctx, "chain:addr")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "1700000000000", value)
}
