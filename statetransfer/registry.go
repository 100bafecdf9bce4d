package statetransfer

import (
	"sync"

	"github.com/emirpasic/gods/lists/doublylinkedlist"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jacques-n/infinispan/common"
	"github.com/jacques-n/infinispan/topology"
)

// transferRegistry tracks the in-flight inbound transfers through two
// indexes that are kept mutually consistent: by source address (a node may
// stream several tasks, one per segment batch) and by segment (at most one
// task per segment). Runnable tasks also sit in a FIFO ready-queue drained
// by the transfer pump. All three structures are guarded by one mutex, held
// only for bookkeeping, never across an RPC.
type transferRegistry struct {
	mu sync.Mutex

	bySource   map[topology.Address][]*InboundTransferTask
	bySegment  map[int]*InboundTransferTask
	readyQueue *doublylinkedlist.List

	log zerolog.Logger
}

func newTransferRegistry(cacheName string) *transferRegistry {
	return &transferRegistry{
		bySource:   make(map[topology.Address][]*InboundTransferTask),
		bySegment:  make(map[int]*InboundTransferTask),
		readyQueue: doublylinkedlist.New(),
		log: log.With().
			Str("component", "transfer-registry").
			Str("cache", cacheName).
			Logger(),
	}
}

// addTransfer registers a new task for the segments not already covered by
// another task. Returns nil when every requested segment is already being
// transferred.
func (r *transferRegistry) addTransfer(source topology.Address, segments common.Set[int],
	newTask func(segments common.Set[int]) *InboundTransferTask) *InboundTransferTask {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addTransferLocked(source, segments, newTask)
}

func (r *transferRegistry) addTransferLocked(source topology.Address, segments common.Set[int],
	newTask func(segments common.Set[int]) *InboundTransferTask) *InboundTransferTask {
	fresh := segments.Clone()
	for _, seg := range segments.GetSorted() {
		if _, inProgress := r.bySegment[seg]; inProgress {
			fresh.Remove(seg)
		}
	}
	if fresh.IsEmpty() {
		return nil
	}

	task := newTask(fresh)
	for _, seg := range fresh.GetSorted() {
		r.bySegment[seg] = task
	}
	r.bySource[source] = append(r.bySource[source], task)
	r.readyQueue.Add(task)

	r.log.Debug().
		Str("source", string(source)).
		Ints("segments", fresh.GetSorted()).
		Msg("Added inbound transfer")
	return task
}

func (r *transferRegistry) taskForSegment(segment int) *InboundTransferTask {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bySegment[segment]
}

// pollReady pops the next runnable task, or nil if the queue is empty.
func (r *transferRegistry) pollReady() *InboundTransferTask {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.readyQueue.Get(0)
	if !ok {
		return nil
	}
	r.readyQueue.Remove(0)
	return v.(*InboundTransferTask)
}

func (r *transferRegistry) removeTransfer(task *InboundTransferTask) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeTransferLocked(task)
}

func (r *transferRegistry) removeTransferLocked(task *InboundTransferTask) bool {
	r.removeFromQueueLocked(task)

	tasks, ok := r.bySource[task.Source()]
	if !ok {
		return false
	}
	for i, t := range tasks {
		if t != task {
			continue
		}
		tasks = append(tasks[:i], tasks[i+1:]...)
		if len(tasks) == 0 {
			delete(r.bySource, task.Source())
		} else {
			r.bySource[task.Source()] = tasks
		}
		for _, seg := range task.Segments().GetSorted() {
			if r.bySegment[seg] == task {
				delete(r.bySegment, seg)
			}
		}
		return true
	}
	return false
}

func (r *transferRegistry) removeFromQueueLocked(task *InboundTransferTask) {
	if idx := r.readyQueue.IndexOf(task); idx >= 0 {
		r.readyQueue.Remove(idx)
	}
}

func (r *transferRegistry) hasActiveTransfers() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bySource) > 0
}

// cancelledSubset pairs a task with the segments that were cancelled on it;
// the cancel RPC is sent by the caller, outside the registry lock.
type cancelledSubset struct {
	task     *InboundTransferTask
	segments common.Set[int]
}

// cancelSegments drops the removed segments from both indexes and from the
// affected tasks' bookkeeping. A task left with no segments is removed
// entirely.
func (r *transferRegistry) cancelSegments(removedSegments common.Set[int]) []cancelledSubset {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res []cancelledSubset
	remaining := removedSegments.Clone()
	for !remaining.IsEmpty() {
		seg := remaining.GetSorted()[0]
		remaining.Remove(seg)

		task := r.bySegment[seg]
		if task == nil {
			// the transfer completed in the meantime
			continue
		}

		subset := task.Segments().Intersect(removedSegments)
		remaining.RemoveAll(subset)
		for _, s := range subset.GetSorted() {
			delete(r.bySegment, s)
		}

		if task.removeSegments(subset) {
			r.removeTransferLocked(task)
			task.signalDone()
		}
		res = append(res, cancelledSubset{task: task, segments: subset})
	}
	return res
}

// removeBrokenSources drops every task whose source is no longer among the
// given members, collecting their unfinished segments into addedSegments.
// Segments already being delivered by a live source are left out.
func (r *transferRegistry) removeBrokenSources(members common.Set[topology.Address],
	addedSegments common.Set[int]) []*InboundTransferTask {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []*InboundTransferTask
	for source, tasks := range r.bySource {
		if members.Contains(source) {
			continue
		}
		r.log.Debug().
			Str("source", string(source)).
			Msg("Removing inbound transfers of node that left")

		delete(r.bySource, source)
		for _, task := range tasks {
			r.removeFromQueueLocked(task)
			for _, seg := range task.Segments().GetSorted() {
				if r.bySegment[seg] == task {
					delete(r.bySegment, seg)
				}
			}
			addedSegments.AddAll(task.UnfinishedSegments())
			removed = append(removed, task)
		}
	}

	// exclude segments already in progress from a valid source
	for _, seg := range addedSegments.GetSorted() {
		if _, inProgress := r.bySegment[seg]; inProgress {
			addedSegments.Remove(seg)
		}
	}
	return removed
}

// clear empties the whole registry and returns the tasks that were tracked,
// so the caller can cancel them outside the lock.
func (r *transferRegistry) clear() []*InboundTransferTask {
	r.mu.Lock()
	defer r.mu.Unlock()

	var tasks []*InboundTransferTask
	for _, list := range r.bySource {
		tasks = append(tasks, list...)
	}
	r.bySource = make(map[topology.Address][]*InboundTransferTask)
	r.bySegment = make(map[int]*InboundTransferTask)
	r.readyQueue.Clear()
	return tasks
}

func (r *transferRegistry) activeTaskCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for _, tasks := range r.bySource {
		count += len(tasks)
	}
	return count
}

// withLock runs fn while holding the registry mutex, for compound operations
// that must stay atomic (remove + re-add on retry).
func (r *transferRegistry) withLock(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn()
}
