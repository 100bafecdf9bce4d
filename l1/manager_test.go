package l1

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacques-n/infinispan/commands"
	"github.com/jacques-n/infinispan/topology"
)

func TestRequestors(t *testing.T) {
	m, err := NewManager("test")
	require.NoError(t, err)
	defer m.Close()

	assert.Empty(t, m.Requestors("k"))

	m.AddRequestor("k", "node-b")
	m.AddRequestor("k", "node-c")
	m.AddRequestor("k", "node-b")

	assert.ElementsMatch(t, []topology.Address{"node-b", "node-c"}, m.Requestors("k"))
}

func TestNearCache(t *testing.T) {
	m, err := NewManager("test")
	require.NoError(t, err)
	defer m.Close()

	m.StoreInL1(commands.CacheEntry{Key: "k", Value: []byte("v")})

	e, ok := m.GetFromL1("k")
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), e.Value)

	_, ok = m.GetFromL1("missing")
	assert.False(t, ok)
}
