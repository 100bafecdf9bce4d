package container

import (
	"sync"

	"github.com/jacques-n/infinispan/commands"
)

// DataContainer is the node's authoritative in-memory store. It is exclusively
// owned by the cache; all cross-node coordination happens above it.
type DataContainer interface {
	Get(key string) (commands.CacheEntry, bool)
	Put(entry commands.CacheEntry)
	Remove(key string) bool
	Size() int

	// ForEach invokes fn for every entry until fn returns false.
	// The container must not be mutated from within fn.
	ForEach(fn func(entry commands.CacheEntry) bool)

	Keys() []string
	Clear()
}

type dataContainer struct {
	sync.RWMutex
	entries map[string]commands.CacheEntry
}

func NewDataContainer() DataContainer {
	return &dataContainer{
		entries: make(map[string]commands.CacheEntry),
	}
}

func (c *dataContainer) Get(key string) (commands.CacheEntry, bool) {
	c.RLock()
	defer c.RUnlock()
	e, ok := c.entries[key]
	return e, ok
}

func (c *dataContainer) Put(entry commands.CacheEntry) {
	c.Lock()
	defer c.Unlock()
	c.entries[entry.Key] = entry
}

func (c *dataContainer) Remove(key string) bool {
	c.Lock()
	defer c.Unlock()
	_, ok := c.entries[key]
	delete(c.entries, key)
	return ok
}

func (c *dataContainer) Size() int {
	c.RLock()
	defer c.RUnlock()
	return len(c.entries)
}

func (c *dataContainer) ForEach(fn func(entry commands.CacheEntry) bool) {
	c.RLock()
	defer c.RUnlock()
	for _, e := range c.entries {
		if !fn(e) {
			return
		}
	}
}

func (c *dataContainer) Keys() []string {
	c.RLock()
	defer c.RUnlock()
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	return keys
}

func (c *dataContainer) Clear() {
	c.Lock()
	defer c.Unlock()
	c.entries = make(map[string]commands.CacheEntry)
}
