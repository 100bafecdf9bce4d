package statetransfer

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jacques-n/infinispan/commands"
	"github.com/jacques-n/infinispan/common"
	"github.com/jacques-n/infinispan/rpc"
	"github.com/jacques-n/infinispan/topology"
)

type TaskStatus int

const (
	TaskNew TaskStatus = iota
	TaskRunning
	TaskCompleted
	TaskFailed
	TaskCancelled
)

func (s TaskStatus) String() string {
	switch s {
	case TaskNew:
		return "NEW"
	case TaskRunning:
		return "RUNNING"
	case TaskCompleted:
		return "COMPLETED"
	case TaskFailed:
		return "FAILED"
	case TaskCancelled:
		return "CANCELLED"
	}
	return "UNKNOWN"
}

func (s TaskStatus) terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// InboundTransferTask tracks one pull of a set of segments from a single
// source node. Tasks are identity objects: two tasks for the same source and
// segments are still distinct.
type InboundTransferTask struct {
	source      topology.Address
	topologyID  int64
	timeout     time.Duration
	rpcManager  rpc.Manager
	rpcOptions  rpc.Options
	onCompleted func(task *InboundTransferTask)
	log         zerolog.Logger

	mu       sync.Mutex
	segments common.Set[int]
	pending  common.Set[int]
	status   TaskStatus

	done     chan struct{}
	doneOnce sync.Once
}

func newInboundTransferTask(cacheName string, segments common.Set[int], source topology.Address,
	topologyID int64, rpcManager rpc.Manager, rpcOptions rpc.Options, timeout time.Duration,
	onCompleted func(task *InboundTransferTask)) *InboundTransferTask {
	return &InboundTransferTask{
		source:      source,
		topologyID:  topologyID,
		timeout:     timeout,
		rpcManager:  rpcManager,
		rpcOptions:  rpcOptions,
		onCompleted: onCompleted,
		segments:    segments.Clone(),
		pending:     segments.Clone(),
		status:      TaskNew,
		done:        make(chan struct{}),
		log: log.With().
			Str("component", "inbound-transfer").
			Str("cache", cacheName).
			Str("source", string(source)).
			Int64("topology-id", topologyID).
			Logger(),
	}
}

func (t *InboundTransferTask) Source() topology.Address {
	return t.source
}

func (t *InboundTransferTask) TopologyID() int64 {
	return t.topologyID
}

func (t *InboundTransferTask) Segments() common.Set[int] {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.segments.Clone()
}

func (t *InboundTransferTask) UnfinishedSegments() common.Set[int] {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending.Clone()
}

func (t *InboundTransferTask) Status() TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// RequestSegments asks the source to start streaming the task's segments.
// Returns true iff the source acknowledged and started.
func (t *InboundTransferTask) RequestSegments(ctx context.Context) bool {
	t.mu.Lock()
	if t.status.terminal() {
		t.mu.Unlock()
		return false
	}
	t.status = TaskRunning
	segments := t.pending.GetSorted()
	t.mu.Unlock()

	t.log.Debug().
		Ints("segments", segments).
		Msg("Requesting segments")

	cmd := commands.NewStateRequest(commands.StartStateTransfer, t.rpcManager.Address(), t.topologyID, segments)
	responses, err := t.rpcManager.Invoke(ctx, []topology.Address{t.source}, cmd, t.rpcOptions)
	if err != nil {
		t.log.Warn().Err(err).Msg("Failed to request segments")
		return false
	}
	if resp, ok := responses[t.source]; !ok || !resp.Successful() {
		t.log.Warn().Msg("Source did not acknowledge the state transfer request")
		return false
	}
	return true
}

// OnStateReceived records that a chunk for the segment has arrived. The
// segment is only considered done once its last chunk has been seen.
func (t *InboundTransferTask) OnStateReceived(segmentID int, isLast bool) {
	t.mu.Lock()
	if !isLast || t.status.terminal() {
		t.mu.Unlock()
		return
	}

	t.pending.Remove(segmentID)
	completed := t.pending.IsEmpty()
	if completed {
		t.status = TaskCompleted
	}
	t.mu.Unlock()

	if completed {
		t.log.Debug().Msg("All segments received")
		t.signalDone()
		if t.onCompleted != nil {
			t.onCompleted(t)
		}
	}
}

// AwaitCompletion blocks until the task reaches a terminal state or the
// configured timeout elapses. A timeout marks the task failed, same as a
// transport failure. A cancelled context surfaces as an error so that the
// pump can shut down.
func (t *InboundTransferTask) AwaitCompletion(ctx context.Context) (bool, error) {
	timer := time.NewTimer(t.timeout)
	defer timer.Stop()

	select {
	case <-t.done:
		return t.Status() == TaskCompleted, nil
	case <-timer.C:
		t.markFailed()
		return false, nil
	case <-ctx.Done():
		return false, errors.Wrap(ErrorInterrupted, ctx.Err().Error())
	}
}

// CancelSegments tells the source to stop streaming the given subset and
// drops it from the task's own bookkeeping. A task left with no segments
// becomes cancelled.
func (t *InboundTransferTask) CancelSegments(ctx context.Context, subset common.Set[int]) {
	if t.removeSegments(subset) {
		t.signalDone()
	}
	t.sendCancelRequest(ctx, subset)
}

// removeSegments drops the subset from the task's segment bookkeeping.
// Returns true when the task ran out of segments and became cancelled.
// No RPC is sent; safe to call while holding the registry lock.
func (t *InboundTransferTask) removeSegments(subset common.Set[int]) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.segments.RemoveAll(subset)
	t.pending.RemoveAll(subset)
	if t.segments.IsEmpty() && !t.status.terminal() {
		t.status = TaskCancelled
		return true
	}
	return false
}

func (t *InboundTransferTask) sendCancelRequest(ctx context.Context, subset common.Set[int]) {
	segments := subset.GetSorted()
	t.log.Debug().
		Ints("segments", segments).
		Msg("Cancelling segments")

	cmd := commands.NewStateRequest(commands.CancelStateTransfer, t.rpcManager.Address(), t.topologyID, segments)
	if _, err := t.rpcManager.Invoke(ctx, []topology.Address{t.source}, cmd, t.rpcOptions); err != nil {
		t.log.Warn().Err(err).Msg("Failed to send state transfer cancel request")
	}
}

// Terminate stops the task locally, without telling the source. Used when
// the source has already left the cluster.
func (t *InboundTransferTask) Terminate() {
	t.mu.Lock()
	if !t.status.terminal() {
		t.status = TaskCancelled
	}
	t.mu.Unlock()
	t.signalDone()
}

// Cancel sends a cancel request for all of the task's segments, then stops
// the task. Used on shutdown.
func (t *InboundTransferTask) Cancel(ctx context.Context) {
	t.CancelSegments(ctx, t.Segments())
	t.Terminate()
}

func (t *InboundTransferTask) markFailed() {
	t.mu.Lock()
	if !t.status.terminal() {
		t.status = TaskFailed
	}
	t.mu.Unlock()
	t.signalDone()
}

func (t *InboundTransferTask) signalDone() {
	t.doneOnce.Do(func() {
		close(t.done)
	})
}
