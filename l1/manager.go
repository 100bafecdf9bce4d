package l1

import (
	"sync"

	"github.com/dgraph-io/ristretto"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jacques-n/infinispan/commands"
	"github.com/jacques-n/infinispan/topology"
)

const defaultMaxCacheSize = 64 * 1024 * 1024

// Manager tracks, for each key this node owns, the nodes holding an L1 copy
// of it ("requestors"), and hosts the local L1 near-cache for entries this
// node no longer owns.
type Manager interface {
	AddRequestor(key string, node topology.Address)
	Requestors(key string) []topology.Address

	// StoreInL1 demotes an entry into the near-cache; the entry may be
	// evicted at any time.
	StoreInL1(entry commands.CacheEntry)
	GetFromL1(key string) (commands.CacheEntry, bool)

	Close()
}

type manager struct {
	mu         sync.Mutex
	requestors map[string]map[topology.Address]bool

	nearCache *ristretto.Cache
	log       zerolog.Logger
}

func NewManager(cacheName string) (Manager, error) {
	nearCache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 100_000,
		MaxCost:     defaultMaxCacheSize,
		BufferItems: 64,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create L1 near-cache")
	}

	return &manager{
		requestors: make(map[string]map[topology.Address]bool),
		nearCache:  nearCache,
		log: log.With().
			Str("component", "l1-manager").
			Str("cache", cacheName).
			Logger(),
	}, nil
}

func (m *manager) AddRequestor(key string, node topology.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()

	nodes, ok := m.requestors[key]
	if !ok {
		nodes = make(map[topology.Address]bool)
		m.requestors[key] = nodes
	}
	nodes[node] = true
}

func (m *manager) Requestors(key string) []topology.Address {
	m.mu.Lock()
	defer m.mu.Unlock()

	nodes := m.requestors[key]
	res := make([]topology.Address, 0, len(nodes))
	for n := range nodes {
		res = append(res, n)
	}
	return res
}

func (m *manager) StoreInL1(entry commands.CacheEntry) {
	cost := int64(len(entry.Key) + len(entry.Value))
	m.nearCache.Set(entry.Key, entry, cost)
	// make the entry visible to readers right away
	m.nearCache.Wait()
}

func (m *manager) GetFromL1(key string) (commands.CacheEntry, bool) {
	v, ok := m.nearCache.Get(key)
	if !ok {
		return commands.CacheEntry{}, false
	}
	return v.(commands.CacheEntry), true
}

func (m *manager) Close() {
	m.nearCache.Close()
}
