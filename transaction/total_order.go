package transaction

import (
	"context"
	"sync"
)

// Latch blocks a caller until an in-flight total-order transaction drains.
type Latch interface {
	AwaitUntilUnblock(ctx context.Context) error
	Unblock()
}

// TotalOrderManager coordinates the quiesce of total-order transactions
// around a topology change.
type TotalOrderManager interface {
	// NotifyStateTransferStart returns one latch per in-flight remote
	// transaction prepared under the previous topology. The caller must
	// await all of them before installing the new topology.
	NotifyStateTransferStart(topologyID int64) []Latch

	NotifyStateTransferEnd()
}

func NewLatch() Latch {
	return &latch{ch: make(chan struct{})}
}

type latch struct {
	once sync.Once
	ch   chan struct{}
}

func (l *latch) AwaitUntilUnblock(ctx context.Context) error {
	select {
	case <-l.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *latch) Unblock() {
	l.once.Do(func() {
		close(l.ch)
	})
}
