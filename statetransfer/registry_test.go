package statetransfer

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacques-n/infinispan/common"
	"github.com/jacques-n/infinispan/rpc"
	"github.com/jacques-n/infinispan/topology"
)

func testTaskFactory(source topology.Address) func(common.Set[int]) *InboundTransferTask {
	return func(segments common.Set[int]) *InboundTransferTask {
		return newInboundTransferTask("test", segments, source, 1, nil, rpc.Options{}, time.Minute, nil)
	}
}

func newTestTask(r *transferRegistry, source topology.Address, segments ...int) *InboundTransferTask {
	return r.addTransfer(source, common.NewSetFrom(segments), testTaskFactory(source))
}

func assertRegistryInvariants(t *testing.T, r *transferRegistry) {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()

	for seg, task := range r.bySegment {
		assert.True(t, task.Segments().Contains(seg),
			"segment %d mapped to a task that does not carry it", seg)
		found := false
		for _, candidate := range r.bySource[task.Source()] {
			if candidate == task {
				found = true
			}
		}
		assert.True(t, found, "task for segment %d missing from its source index", seg)
	}

	for source, tasks := range r.bySource {
		assert.NotEmpty(t, tasks, "empty task list left behind for source %s", source)
		for _, task := range tasks {
			assert.Equal(t, source, task.Source())
			for _, seg := range task.Segments().GetSorted() {
				assert.Same(t, task, r.bySegment[seg],
					"segment %d of a registered task not indexed", seg)
			}
		}
	}
}

func TestRegistryAddAndRemove(t *testing.T) {
	r := newTransferRegistry("test")
	assert.False(t, r.hasActiveTransfers())

	task := newTestTask(r, "node-a", 1, 2)
	require.NotNil(t, task)
	assert.True(t, r.hasActiveTransfers())
	assert.Same(t, task, r.taskForSegment(1))
	assert.Same(t, task, r.taskForSegment(2))
	assertRegistryInvariants(t, r)

	assert.True(t, r.removeTransfer(task))
	assert.False(t, r.hasActiveTransfers())
	assert.Nil(t, r.taskForSegment(1))
	assert.False(t, r.removeTransfer(task))
	assert.Nil(t, r.pollReady())
}

func TestRegistryDropsSegmentsAlreadyInProgress(t *testing.T) {
	r := newTransferRegistry("test")

	first := newTestTask(r, "node-a", 1, 2)
	require.NotNil(t, first)

	// segment 2 is already being transferred; only 3 remains
	second := newTestTask(r, "node-b", 2, 3)
	require.NotNil(t, second)
	assert.Equal(t, []int{3}, second.Segments().GetSorted())
	assert.Same(t, first, r.taskForSegment(2))
	assertRegistryInvariants(t, r)

	// nothing left: no task is created at all
	assert.Nil(t, newTestTask(r, "node-c", 1, 3))
}

func TestRegistryPollOrder(t *testing.T) {
	r := newTransferRegistry("test")
	t1 := newTestTask(r, "node-a", 1)
	t2 := newTestTask(r, "node-b", 2)

	assert.Same(t, t1, r.pollReady())
	assert.Same(t, t2, r.pollReady())
	assert.Nil(t, r.pollReady())

	// polled tasks are still tracked in the indexes
	assert.True(t, r.hasActiveTransfers())
}

func TestRegistryCancelSegments(t *testing.T) {
	r := newTransferRegistry("test")
	task := newTestTask(r, "node-a", 1, 2, 3)

	cancelled := r.cancelSegments(common.NewSetFrom([]int{2}))
	require.Len(t, cancelled, 1)
	assert.Same(t, task, cancelled[0].task)
	assert.Equal(t, []int{2}, cancelled[0].segments.GetSorted())

	assert.Nil(t, r.taskForSegment(2))
	assert.Same(t, task, r.taskForSegment(1))
	assert.Equal(t, []int{1, 3}, task.Segments().GetSorted())
	assert.Equal(t, 1, r.activeTaskCount())
	assertRegistryInvariants(t, r)

	// cancelling the rest removes the task entirely
	r.cancelSegments(common.NewSetFrom([]int{1, 3}))
	assert.False(t, r.hasActiveTransfers())
	assert.Equal(t, TaskCancelled, task.Status())
	assert.Nil(t, r.pollReady())
	assertRegistryInvariants(t, r)
}

func TestRegistryRemoveBrokenSources(t *testing.T) {
	r := newTransferRegistry("test")
	broken := newTestTask(r, "node-a", 1, 2)
	live := newTestTask(r, "node-b", 3)

	added := common.NewSetFrom([]int{5})
	removed := r.removeBrokenSources(common.NewSetFrom([]topology.Address{"node-b", "node-c"}), added)

	require.Len(t, removed, 1)
	assert.Same(t, broken, removed[0])
	assert.Equal(t, []int{1, 2, 5}, added.GetSorted())
	assert.Nil(t, r.taskForSegment(1))
	assert.Same(t, live, r.taskForSegment(3))
	assertRegistryInvariants(t, r)
}

func TestRegistryBrokenSourceSegmentAlreadyReassigned(t *testing.T) {
	r := newTransferRegistry("test")
	newTestTask(r, "node-a", 1)
	newTestTask(r, "node-b", 2)

	// node-a is gone, but segment 2 is already flowing from node-b
	added := common.NewSetFrom([]int{2})
	r.removeBrokenSources(common.NewSetFrom([]topology.Address{"node-b"}), added)

	// 1 must be re-requested, 2 must not
	assert.Equal(t, []int{1}, added.GetSorted())
}

func TestRegistryClear(t *testing.T) {
	r := newTransferRegistry("test")
	newTestTask(r, "node-a", 1, 2)
	newTestTask(r, "node-b", 3)

	tasks := r.clear()
	assert.Len(t, tasks, 2)
	assert.False(t, r.hasActiveTransfers())
	assert.Nil(t, r.pollReady())
	assert.Nil(t, r.taskForSegment(1))
}

func TestRegistryInvariantsUnderRandomOps(t *testing.T) {
	rnd := rand.New(rand.NewSource(42))
	sources := []topology.Address{"node-a", "node-b", "node-c"}
	r := newTransferRegistry("test")

	randomSegments := func() common.Set[int] {
		segs := common.NewSet[int]()
		for i := 0; i < 1+rnd.Intn(4); i++ {
			segs.Add(rnd.Intn(16))
		}
		return segs
	}

	for i := 0; i < 500; i++ {
		switch rnd.Intn(5) {
		case 0, 1:
			source := sources[rnd.Intn(len(sources))]
			r.addTransfer(source, randomSegments(), testTaskFactory(source))
		case 2:
			r.cancelSegments(randomSegments())
		case 3:
			if task := r.taskForSegment(rnd.Intn(16)); task != nil {
				r.removeTransfer(task)
			}
		case 4:
			members := common.NewSet[topology.Address]()
			for _, s := range sources {
				if rnd.Intn(3) > 0 {
					members.Add(s)
				}
			}
			r.removeBrokenSources(members, common.NewSet[int]())
		}
		assertRegistryInvariants(t, r)
	}
}
