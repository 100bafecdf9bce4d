package container

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jacques-n/infinispan/commands"
)

func TestDataContainerBasicOps(t *testing.T) {
	c := NewDataContainer()
	assert.Equal(t, 0, c.Size())

	c.Put(commands.CacheEntry{Key: "k1", Value: []byte("v1")})
	c.Put(commands.CacheEntry{Key: "k2", Value: []byte("v2")})
	assert.Equal(t, 2, c.Size())

	e, ok := c.Get("k1")
	assert.True(t, ok)
	assert.Equal(t, []byte("v1"), e.Value)

	_, ok = c.Get("missing")
	assert.False(t, ok)

	assert.True(t, c.Remove("k1"))
	assert.False(t, c.Remove("k1"))
	assert.Equal(t, 1, c.Size())
}

func TestDataContainerOverwrite(t *testing.T) {
	c := NewDataContainer()
	c.Put(commands.CacheEntry{Key: "k", Value: []byte("a"), Metadata: commands.Metadata{Version: 1}})
	c.Put(commands.CacheEntry{Key: "k", Value: []byte("b"), Metadata: commands.Metadata{Version: 2}})

	e, _ := c.Get("k")
	assert.Equal(t, []byte("b"), e.Value)
	assert.EqualValues(t, 2, e.Metadata.Version)
	assert.Equal(t, 1, c.Size())
}

func TestDataContainerForEach(t *testing.T) {
	c := NewDataContainer()
	c.Put(commands.CacheEntry{Key: "k1"})
	c.Put(commands.CacheEntry{Key: "k2"})
	c.Put(commands.CacheEntry{Key: "k3"})

	seen := map[string]bool{}
	c.ForEach(func(e commands.CacheEntry) bool {
		seen[e.Key] = true
		return true
	})
	assert.Len(t, seen, 3)

	count := 0
	c.ForEach(func(e commands.CacheEntry) bool {
		count++
		return false
	})
	assert.Equal(t, 1, count)

	assert.ElementsMatch(t, []string{"k1", "k2", "k3"}, c.Keys())

	c.Clear()
	assert.Equal(t, 0, c.Size())
}
