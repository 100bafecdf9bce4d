package persistence

import (
	"context"
	"io"

	"github.com/jacques-n/infinispan/commands"
)

// KeyFilter decides whether a stored key is passed to the enumeration task.
type KeyFilter func(key string) bool

// StoreTask is invoked for every stored entry that passes the filter.
// The value is nil when fetchValue is false.
type StoreTask func(key string, value []byte) error

// Manager abstracts the configured cache stores. The state-transfer consumer
// only needs to enumerate stored keys and to mirror writes and removals that
// flow through the interceptor chain.
type Manager interface {
	io.Closer

	ProcessOnAllStores(ctx context.Context, filter KeyFilter, task StoreTask, fetchValue bool) error
	Write(entry commands.CacheEntry) error
	Delete(key string) error
}

// NoopManager is used when no cache store is configured.
type NoopManager struct{}

func (NoopManager) ProcessOnAllStores(context.Context, KeyFilter, StoreTask, bool) error {
	return nil
}

func (NoopManager) Write(commands.CacheEntry) error { return nil }

func (NoopManager) Delete(string) error { return nil }

func (NoopManager) Close() error { return nil }
