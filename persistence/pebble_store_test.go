package persistence

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacques-n/infinispan/commands"
)

func TestPebbleStoreWriteAndEnumerate(t *testing.T) {
	store, err := NewPebbleStore("test", t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Write(commands.CacheEntry{Key: "k1", Value: []byte("v1"), Metadata: commands.Metadata{Version: 1}}))
	require.NoError(t, store.Write(commands.CacheEntry{Key: "k2", Value: []byte("v2"), Metadata: commands.Metadata{Version: 2}}))
	require.NoError(t, store.Write(commands.CacheEntry{Key: "k3", Value: []byte("v3"), Metadata: commands.Metadata{Version: 3}}))

	seen := map[string]string{}
	err = store.ProcessOnAllStores(context.Background(), nil, func(key string, value []byte) error {
		seen[key] = string(value)
		return nil
	}, true)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"k1": "v1", "k2": "v2", "k3": "v3"}, seen)
}

func TestPebbleStoreFilterAndDelete(t *testing.T) {
	store, err := NewPebbleStore("test", t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Write(commands.CacheEntry{Key: "keep", Value: []byte("a")}))
	require.NoError(t, store.Write(commands.CacheEntry{Key: "drop", Value: []byte("b")}))
	require.NoError(t, store.Delete("drop"))

	var keys []string
	err = store.ProcessOnAllStores(context.Background(),
		func(key string) bool { return key != "ignored" },
		func(key string, value []byte) error {
			keys = append(keys, key)
			// fetchValue=false must not materialize values
			assert.Nil(t, value)
			return nil
		}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"keep"}, keys)
}

func TestPebbleStoreEnumerationCancelled(t *testing.T) {
	store, err := NewPebbleStore("test", t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Write(commands.CacheEntry{Key: "k", Value: []byte("v")}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = store.ProcessOnAllStores(ctx, nil, func(string, []byte) error { return nil }, false)
	assert.ErrorIs(t, err, context.Canceled)
}
