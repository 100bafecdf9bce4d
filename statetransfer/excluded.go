package statetransfer

import (
	"sync"

	"github.com/jacques-n/infinispan/common"
	"github.com/jacques-n/infinispan/topology"
)

// excludedSources tracks the nodes that already failed to deliver; they are
// not retried until the set is reset, which happens each time a new batch of
// segments is added (addTransfers).
type excludedSources struct {
	mu  sync.Mutex
	set common.Set[topology.Address]
}

func newExcludedSources() *excludedSources {
	return &excludedSources{
		set: common.NewSet[topology.Address](),
	}
}

func (e *excludedSources) add(source topology.Address) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.set.Add(source)
}

func (e *excludedSources) contains(source topology.Address) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.set.Contains(source)
}

func (e *excludedSources) reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.set = common.NewSet[topology.Address]()
}
