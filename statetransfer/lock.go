package statetransfer

import (
	"context"
	"sync"
)

// Lock coordinates topology installation with the rest of the cache. The
// exclusive side is held only for the narrow window that swaps the current
// topology; readers of the topology take the shared side. Waiters can block
// until a given topology id has been installed or until its transaction data
// has been received.
type Lock struct {
	topologyLock sync.RWMutex

	mu                      sync.Mutex
	topologyInstalled       int64
	transactionDataReceived int64
	installedCh             chan struct{}
	receivedCh              chan struct{}
}

func NewLock() *Lock {
	return &Lock{
		topologyInstalled:       -1,
		transactionDataReceived: -1,
		installedCh:             make(chan struct{}),
		receivedCh:              make(chan struct{}),
	}
}

func (l *Lock) AcquireExclusiveTopologyLock() {
	l.topologyLock.Lock()
}

func (l *Lock) ReleaseExclusiveTopologyLock() {
	l.topologyLock.Unlock()
}

func (l *Lock) AcquireSharedTopologyLock() {
	l.topologyLock.RLock()
}

func (l *Lock) ReleaseSharedTopologyLock() {
	l.topologyLock.RUnlock()
}

func (l *Lock) NotifyTopologyInstalled(topologyID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if topologyID > l.topologyInstalled {
		l.topologyInstalled = topologyID
		close(l.installedCh)
		l.installedCh = make(chan struct{})
	}
}

func (l *Lock) NotifyTransactionDataReceived(topologyID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if topologyID > l.transactionDataReceived {
		l.transactionDataReceived = topologyID
		close(l.receivedCh)
		l.receivedCh = make(chan struct{})
	}
}

// WaitForTopology blocks until a topology with an id >= topologyID has been
// installed.
func (l *Lock) WaitForTopology(ctx context.Context, topologyID int64) error {
	return l.await(ctx, topologyID, func() (int64, chan struct{}) {
		return l.topologyInstalled, l.installedCh
	})
}

// WaitForTransactionData blocks until the transaction data for a topology
// with an id >= topologyID has been received.
func (l *Lock) WaitForTransactionData(ctx context.Context, topologyID int64) error {
	return l.await(ctx, topologyID, func() (int64, chan struct{}) {
		return l.transactionDataReceived, l.receivedCh
	})
}

func (l *Lock) await(ctx context.Context, topologyID int64, state func() (int64, chan struct{})) error {
	for {
		l.mu.Lock()
		current, ch := state()
		l.mu.Unlock()

		if current >= topologyID {
			return nil
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
