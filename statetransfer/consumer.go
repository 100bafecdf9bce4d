package statetransfer

import (
	"context"
	"sync/atomic"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jacques-n/infinispan/commands"
	"github.com/jacques-n/infinispan/common"
	"github.com/jacques-n/infinispan/container"
	"github.com/jacques-n/infinispan/interceptors"
	"github.com/jacques-n/infinispan/l1"
	"github.com/jacques-n/infinispan/notifications"
	"github.com/jacques-n/infinispan/persistence"
	"github.com/jacques-n/infinispan/rpc"
	"github.com/jacques-n/infinispan/topology"
	"github.com/jacques-n/infinispan/transaction"
)

// ClusterListener installs a cluster-wide listener registration retrieved
// from another member.
type ClusterListener func() error

// CompletionNotifier is told when this node has received all the segments it
// was waiting for, so the rebalance can be confirmed to the coordinator.
type CompletionNotifier interface {
	NotifyEndOfRebalance(topologyID int64)
}

// StateConsumer is the inbound side of rebalancing on a single node: it
// reconciles topology updates, pulls the segments this node gained from
// their remote owners, applies the received entries locally and reports
// completion.
type StateConsumer interface {
	interceptors.KeyUpdateTracker

	Start() error
	Stop() error

	OnTopologyUpdate(topo *topology.CacheTopology, isRebalance bool) error
	ApplyState(sender topology.Address, topologyID int64, chunks []commands.StateChunk)

	// StopApplyingState stops tracking updated keys; once called, state
	// transfer is not allowed to update anything.
	StopApplyingState()
	ExecuteIfKeyIsNotUpdated(key string, callback func()) bool

	IsStateTransferInProgress() bool
	IsStateTransferInProgressForKey(key string) bool
	OwnsData() bool
	GetCacheTopology() *topology.CacheTopology
	HasActiveTransfers() bool
}

// Dependencies are the collaborators the consumer needs. TxManager, TxTable
// and TotalOrder are only consulted in the matching modes; L1Manager only
// when L1-on-rehash is enabled.
type Dependencies struct {
	RPCManager    rpc.Manager
	DataContainer container.DataContainer
	Persistence   persistence.Manager
	Chain         interceptors.Chain
	Notifier      notifications.CacheNotifier
	Lock          *Lock
	Completion    CompletionNotifier

	TxManager  transaction.Manager
	TxTable    transaction.Table
	TotalOrder transaction.TotalOrderManager
	L1Manager  l1.Manager
}

type stateConsumer struct {
	cfg  Config
	mode Mode
	deps Dependencies

	fetchEnabled bool
	rpcOptions   rpc.Options

	cacheTopology atomic.Pointer[topology.CacheTopology]
	updatedKeys   atomic.Pointer[updatedKeySet]

	rebalanceInProgress atomic.Bool
	waitingForState     atomic.Bool
	ownsData            atomic.Bool
	stopped             atomic.Bool

	registry *transferRegistry
	excluded *excludedSources

	ctx    context.Context
	cancel context.CancelFunc
	wakeCh chan struct{}

	metrics *consumerMetrics
	log     zerolog.Logger
}

func NewStateConsumer(cfg Config, deps Dependencies) (StateConsumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	mode := modeFromConfig(cfg)
	switch {
	case deps.RPCManager == nil || deps.DataContainer == nil || deps.Chain == nil ||
		deps.Notifier == nil || deps.Lock == nil || deps.Completion == nil:
		return nil, errors.New("cache: missing state consumer dependency")
	case mode.Transactional() && deps.TxTable == nil:
		return nil, errors.New("cache: transactional cache requires a transaction table")
	case mode.TotalOrder() && deps.TotalOrder == nil:
		return nil, errors.New("cache: total-order cache requires a total-order manager")
	}
	if deps.Persistence == nil {
		deps.Persistence = persistence.NoopManager{}
	}

	sc := &stateConsumer{
		cfg:      cfg,
		mode:     mode,
		deps:     deps,
		registry: newTransferRegistry(cfg.CacheName),
		excluded: newExcludedSources(),
		wakeCh:   make(chan struct{}, 1),
		metrics:  newConsumerMetrics(cfg.CacheName),
		log: log.With().
			Str("component", "state-consumer").
			Str("cache", cfg.CacheName).
			Logger(),
	}
	sc.ctx, sc.cancel = context.WithCancel(context.Background())
	return sc, nil
}

// Start scans the configuration once and launches the transfer pump.
func (sc *stateConsumer) Start() error {
	sc.fetchEnabled = sc.cfg.FetchInMemoryState || sc.cfg.FetchPersistentState
	sc.rpcOptions = rpc.Options{
		Mode:    rpc.SynchronousIgnoreLeavers,
		Timeout: sc.cfg.Timeout,
	}

	go common.DoWithLabels(map[string]string{
		"component": "state-transfer-pump",
		"cache":     sc.cfg.CacheName,
	}, sc.runTransferWorker)

	sc.log.Info().
		Str("mode", sc.mode.String()).
		Bool("fetch-enabled", sc.fetchEnabled).
		Msg("Started state consumer")
	return nil
}

func (sc *stateConsumer) Stop() error {
	if !sc.stopped.CompareAndSwap(false, true) {
		return nil
	}
	sc.log.Debug().Msg("Shutting down state consumer")

	tasks := sc.registry.clear()
	for _, task := range tasks {
		task.Cancel(sc.ctx)
	}
	sc.metrics.addActiveTransfers(-len(tasks))

	sc.cancel()
	sc.StopApplyingState()
	return nil
}

// ------------------------------------------------------------------------
// Updated-keys tracking

func (sc *stateConsumer) StopApplyingState() {
	sc.updatedKeys.Store(nil)
}

// AddUpdatedKey records a key modified by user code right before it commits,
// so that state transfer will not overwrite it.
func (sc *stateConsumer) AddUpdatedKey(key string) {
	// snapshot the reference so a concurrent StopApplyingState cannot
	// null it between the check and the use
	keys := sc.updatedKeys.Load()
	if keys == nil {
		return
	}
	topo := sc.cacheTopology.Load()
	if topo != nil && topo.WriteCH().IsKeyLocalToNode(sc.deps.RPCManager.Address(), key) {
		keys.add(key)
	}
}

// IsKeyUpdated reports whether the key is untouchable by state transfer.
// When no tracking set is installed, state transfer is not allowed to write
// anything, so every key reads as updated.
func (sc *stateConsumer) IsKeyUpdated(key string) bool {
	keys := sc.updatedKeys.Load()
	return keys == nil || keys.contains(key)
}

func (sc *stateConsumer) ExecuteIfKeyIsNotUpdated(key string, callback func()) bool {
	keys := sc.updatedKeys.Load()
	if keys == nil {
		return false
	}
	return keys.runIfAbsent(key, callback)
}

// ------------------------------------------------------------------------
// Status

func (sc *stateConsumer) IsStateTransferInProgress() bool {
	return sc.rebalanceInProgress.Load()
}

func (sc *stateConsumer) IsStateTransferInProgressForKey(key string) bool {
	if sc.mode.Invalidation() {
		// In invalidation mode it hardly matters whether the key is in
		// flight: a miss only means the usual remote lookup is skipped
		// and the previous value reads as null, which invalidation-mode
		// users must expect anyway.
		return false
	}
	topo := sc.cacheTopology.Load()
	if topo == nil || topo.PendingCH == nil {
		return false
	}
	self := sc.deps.RPCManager.Address()
	keyWillBeLocal := topo.PendingCH.IsKeyLocalToNode(self, key)
	keyIsLocal := topo.CurrentCH.IsKeyLocalToNode(self, key)
	return keyWillBeLocal && !keyIsLocal
}

func (sc *stateConsumer) OwnsData() bool {
	return sc.ownsData.Load()
}

func (sc *stateConsumer) GetCacheTopology() *topology.CacheTopology {
	return sc.cacheTopology.Load()
}

func (sc *stateConsumer) HasActiveTransfers() bool {
	return sc.registry.hasActiveTransfers()
}

// ------------------------------------------------------------------------
// Topology updates

func (sc *stateConsumer) OnTopologyUpdate(topo *topology.CacheTopology, isRebalance bool) error {
	self := sc.deps.RPCManager.Address()
	isMember := topo.IsMember(self)
	sc.log.Debug().
		Int64("topology-id", topo.TopologyID).
		Bool("is-rebalance", isRebalance).
		Bool("is-member", isMember).
		Msg("Received new topology")

	prev := sc.cacheTopology.Load()
	if prev != nil && topo.TopologyID < prev.TopologyID {
		sc.log.Warn().
			Int64("topology-id", topo.TopologyID).
			Int64("current-topology-id", prev.TopologyID).
			Msg("Ignoring topology older than the current one")
		return nil
	}

	if isRebalance {
		if !sc.ownsData.Load() && isMember {
			sc.ownsData.Store(true)
		}
		sc.rebalanceInProgress.Store(true)
		sc.deps.Notifier.NotifyDataRehashed(topo.CurrentCH, topo.PendingCH, topo.TopologyID, true)

		if sc.mode.TotalOrder() {
			// in total order we must wait for remote transactions of the
			// previous topology before proceeding
			sc.log.Debug().Msg("Waiting for in-flight total-order transactions to drain")
			for _, latch := range sc.deps.TotalOrder.NotifyStateTransferStart(topo.TopologyID) {
				if err := latch.AwaitUntilUnblock(sc.ctx); err != nil {
					return errors.Wrap(ErrorTotalOrderDrain, err.Error())
				}
			}
		}
	} else if len(topo.Members) == 1 && topo.Members[0] == self {
		// we are the first member in the cache
		sc.ownsData.Store(true)
	}

	// make sure the completion check cannot fire before all the transfer
	// tasks have been registered, even if some are removed and re-added
	sc.waitingForState.Store(false)

	var previousReadCh, previousWriteCh *topology.ConsistentHash
	if prev != nil {
		previousReadCh = prev.ReadCH()
		previousWriteCh = prev.WriteCH()
	}

	// writes to the data container must use the right consistent hash
	sc.deps.Lock.AcquireExclusiveTopologyLock()
	sc.cacheTopology.Store(topo)
	if isRebalance {
		sc.updatedKeys.Store(newUpdatedKeySet())
	}
	sc.deps.Lock.ReleaseExclusiveTopologyLock()
	sc.deps.Lock.NotifyTopologyInstalled(topo.TopologyID)

	defer func() {
		sc.deps.Lock.NotifyTransactionDataReceived(topo.TopologyID)

		// only flag here, after all the transfers have been registered
		if sc.rebalanceInProgress.Load() {
			sc.waitingForState.Store(true)
		}
		sc.notifyEndOfRebalanceIfNeeded(topo.TopologyID)

		// drop the transactions whose originators have left, now that any
		// transactions from other nodes have been applied
		if sc.deps.TxTable != nil {
			sc.deps.TxTable.CleanupStaleTransactions(topo)
		}
	}()

	if sc.mode.Transactional() || sc.fetchEnabled {
		var added common.Set[int]
		if previousWriteCh == nil {
			// we start fresh, without any data, so we need to pull
			// everything we own according to the write CH
			added = sc.ownedSegments(topo.WriteCH())
			sc.collectClusterListeners(topo)
		} else {
			previousSegments := sc.ownedSegments(previousWriteCh)
			newSegments := sc.ownedSegments(topo.WriteCH())
			removedSegments := previousSegments.Complement(newSegments)
			added = newSegments.Complement(previousSegments)
			sc.log.Debug().
				Ints("removed-segments", removedSegments.GetSorted()).
				Ints("added-segments", added.GetSorted()).
				Msg("Computed segment ownership delta")

			sc.cancelTransfers(removedSegments)
			if isMember {
				sc.invalidateSegments(newSegments, removedSegments, topo.WriteCH(), previousReadCh)
			}
			sc.restartBrokenTransfers(topo, added)
		}

		if !added.IsEmpty() {
			sc.addTransfers(added)
		}
	}

	if sc.rebalanceInProgress.Load() && !isRebalance && topo.PendingCH == nil {
		// a topology update without a pending CH signals the end of the
		// rebalance; the CAS makes sure duplicate coordinator updates emit
		// a single rehash-end notification
		if sc.rebalanceInProgress.CompareAndSwap(true, false) {
			sc.deps.Notifier.NotifyDataRehashed(previousReadCh, topo.CurrentCH, topo.TopologyID, false)
			if sc.mode.TotalOrder() {
				sc.deps.TotalOrder.NotifyStateTransferEnd()
			}
		}
	}
	return nil
}

func (sc *stateConsumer) notifyEndOfRebalanceIfNeeded(topologyID int64) {
	if sc.waitingForState.Load() && !sc.HasActiveTransfers() {
		if sc.waitingForState.CompareAndSwap(true, false) {
			sc.log.Debug().
				Int64("topology-id", topologyID).
				Msg("Finished receiving all segments")
			sc.StopApplyingState()
			sc.deps.Completion.NotifyEndOfRebalance(topologyID)
		}
	}
}

func (sc *stateConsumer) ownedSegments(ch *topology.ConsistentHash) common.Set[int] {
	self := sc.deps.RPCManager.Address()
	if !ch.IsMember(self) {
		return common.NewSet[int]()
	}
	return ch.SegmentsForOwner(self)
}

func (sc *stateConsumer) segmentOf(key string) int {
	return sc.cacheTopology.Load().ReadCH().Segment(key)
}

// ------------------------------------------------------------------------
// Applying received state

func (sc *stateConsumer) ApplyState(sender topology.Address, topologyID int64, chunks []commands.StateChunk) {
	topo := sc.cacheTopology.Load()
	if topo == nil {
		return
	}
	wCh := topo.WriteCH()
	self := sc.deps.RPCManager.Address()

	// ignore chunks received after we are no longer a member
	if !wCh.IsMember(self) {
		sc.log.Debug().Msg("Ignoring received state because we are no longer a member")
		return
	}

	sc.log.Debug().
		Int("keys", sc.deps.DataContainer.Size()).
		Msg("Data container size before applying received state")

	for _, chunk := range chunks {
		// a late message may carry segments we no longer own
		if !wCh.IsSegmentOwner(chunk.SegmentID, self) {
			sc.log.Warn().
				Int("segment", chunk.SegmentID).
				Msg("Discarding received entries for segment that does not belong to this node")
			sc.metrics.incChunksDiscarded()
			continue
		}

		task := sc.registry.taskForSegment(chunk.SegmentID)
		if task == nil {
			sc.log.Warn().
				Str("sender", string(sender)).
				Int("segment", chunk.SegmentID).
				Msg("Received unsolicited state")
			sc.metrics.incChunksDiscarded()
			continue
		}

		if chunk.Entries != nil {
			sc.doApplyState(sender, chunk.SegmentID, chunk.Entries)
		}
		task.OnStateReceived(chunk.SegmentID, chunk.IsLast)
	}

	sc.log.Debug().
		Int("keys", sc.deps.DataContainer.Size()).
		Msg("Data container size after applying received state")
}

func (sc *stateConsumer) doApplyState(sender topology.Address, segmentID int, entries []commands.CacheEntry) {
	sc.log.Debug().
		Str("sender", string(sender)).
		Int("segment", segmentID).
		Int("entries", len(entries)).
		Msg("Applying new state for segment")

	applied := 0
	for _, e := range entries {
		if err := sc.applyEntry(e); err != nil {
			sc.log.Error().Err(err).
				Str("key", e.Key).
				Msg("Problem applying state for key")
			continue
		}
		applied++
	}
	sc.metrics.addEntriesApplied(applied)
}

func (sc *stateConsumer) applyEntry(e commands.CacheEntry) error {
	put := commands.NewPutForStateTransfer(e)

	if !sc.mode.Transactional() || sc.deps.TxManager == nil {
		return sc.deps.Chain.Invoke(interceptors.NewNonTxInvocationContext(), put)
	}

	tx, err := sc.deps.TxManager.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin state transfer transaction")
	}
	if err := sc.deps.Chain.Invoke(interceptors.NewTxInvocationContext(tx), put); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			sc.log.Warn().Err(rbErr).
				Str("key", e.Key).
				Msg("Failed to roll back state transfer transaction")
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		sc.log.Error().Err(err).
			Str("key", e.Key).
			Msg("Could not commit transaction created by state transfer")
		if tx.Active() {
			if rbErr := tx.Rollback(); rbErr != nil {
				sc.log.Warn().Err(rbErr).
					Str("key", e.Key).
					Msg("Failed to roll back state transfer transaction")
			}
		}
		return err
	}
	return nil
}

// ------------------------------------------------------------------------
// Adding and repairing transfers

func (sc *stateConsumer) addTransfers(segments common.Set[int]) {
	sc.log.Debug().
		Ints("segments", segments.GetSorted()).
		Msg("Adding inbound state transfer for segments")

	// sources that failed in this topology are not retried
	sc.excluded.reset()
	sources := make(map[topology.Address]common.Set[int])

	if sc.mode == ModeTx {
		sc.requestTransactions(segments, sources)
	}
	if sc.fetchEnabled {
		sc.requestSegments(segments, sources)
	}
}

func (sc *stateConsumer) requestSegments(segments common.Set[int], sources map[topology.Address]common.Set[int]) {
	if len(sources) == 0 {
		sc.findSources(segments, sources)
	}

	topo := sc.cacheTopology.Load()
	for source, segs := range sources {
		if task := sc.registry.addTransfer(source, segs, sc.taskFactory(source, topo.TopologyID)); task != nil {
			sc.metrics.addActiveTransfers(1)
		}
	}
	sc.wakePump()
}

func (sc *stateConsumer) taskFactory(source topology.Address, topologyID int64) func(common.Set[int]) *InboundTransferTask {
	return func(segments common.Set[int]) *InboundTransferTask {
		return newInboundTransferTask(sc.cfg.CacheName, segments, source, topologyID,
			sc.deps.RPCManager, sc.rpcOptions, sc.cfg.Timeout, sc.onTaskCompletion)
	}
}

func (sc *stateConsumer) findSources(segments common.Set[int], sources map[topology.Address]common.Set[int]) {
	for _, segment := range segments.GetSorted() {
		source := sc.findSource(segment)
		// segments with no eligible owner are considered empty (or lost)
		// and do not require a transfer
		if source == "" {
			continue
		}
		if _, ok := sources[source]; !ok {
			sources[source] = common.NewSet[int]()
		}
		sources[source].Add(segment)
	}
}

func (sc *stateConsumer) findSource(segment int) topology.Address {
	self := sc.deps.RPCManager.Address()
	owners := sc.cacheTopology.Load().ReadCH().OwnersForSegment(segment)
	for _, o := range owners {
		if o == self {
			return ""
		}
	}
	// iterate backwards: prefer fetching from newer owners
	for i := len(owners) - 1; i >= 0; i-- {
		o := owners[i]
		if o != self && !sc.excluded.contains(o) {
			return o
		}
	}
	sc.log.Warn().
		Int("segment", segment).
		Msg("No live owners found for segment; segment is treated as empty")
	return ""
}

func (sc *stateConsumer) cancelTransfers(removedSegments common.Set[int]) {
	for _, c := range sc.registry.cancelSegments(removedSegments) {
		c.task.sendCancelRequest(sc.ctx, c.segments)
	}
}

func (sc *stateConsumer) restartBrokenTransfers(topo *topology.CacheTopology, addedSegments common.Set[int]) {
	members := common.NewSetFrom(topo.ReadCH().Members())
	for _, task := range sc.registry.removeBrokenSources(members, addedSegments) {
		task.Terminate()
		sc.metrics.addActiveTransfers(-1)
	}
}

func (sc *stateConsumer) onTaskCompletion(task *InboundTransferTask) {
	sc.log.Debug().
		Str("source", string(task.Source())).
		Msg("Inbound transfer task completed")
	if sc.registry.removeTransfer(task) {
		sc.metrics.incTransfersCompleted()
		sc.metrics.addActiveTransfers(-1)
	}

	if topo := sc.cacheTopology.Load(); topo != nil {
		sc.notifyEndOfRebalanceIfNeeded(topo.TopologyID)
	}
}

// ------------------------------------------------------------------------
// Transaction data

func (sc *stateConsumer) requestTransactions(segments common.Set[int], sources map[topology.Address]common.Set[int]) {
	sc.findSources(segments, sources)

	seenFailures := false
	for {
		failedSegments := common.NewSet[int]()
		for source, segs := range sources {
			topologyID := sc.cacheTopology.Load().TopologyID
			transactions, ok := sc.getTransactions(source, segs, topologyID)
			if ok {
				sc.applyTransactions(source, transactions, topologyID)
			} else {
				// retry the failed segments from another source
				failedSegments.AddAll(segs)
				sc.excluded.add(source)
			}
		}

		if failedSegments.IsEmpty() {
			break
		}

		seenFailures = true
		clearSources(sources)
		sc.findSources(failedSegments, sources)
	}

	if seenFailures {
		// start fresh when the next step selects entry sources
		clearSources(sources)
	}
}

func clearSources(sources map[topology.Address]common.Set[int]) {
	for k := range sources {
		delete(sources, k)
	}
}

func (sc *stateConsumer) getTransactions(source topology.Address, segments common.Set[int], topologyID int64) ([]transaction.Info, bool) {
	sc.log.Debug().
		Str("source", string(source)).
		Ints("segments", segments.GetSorted()).
		Msg("Requesting transactions")

	cmd := commands.NewStateRequest(commands.GetTransactions, sc.deps.RPCManager.Address(), topologyID, segments.GetSorted())
	responses, err := sc.deps.RPCManager.Invoke(sc.ctx, []topology.Address{source}, cmd, sc.rpcOptions)
	if err != nil {
		sc.log.Warn().Err(err).
			Str("source", string(source)).
			Msg("Failed to retrieve transactions for segments")
		return nil, false
	}
	resp, ok := responses[source]
	if !ok || !resp.Successful() {
		sc.log.Warn().
			Str("source", string(source)).
			Msg("Unsuccessful response while retrieving transactions")
		return nil, false
	}
	transactions, ok := resp.Value.([]transaction.Info)
	if !ok {
		sc.log.Warn().
			Str("source", string(source)).
			Msg("Unexpected response type while retrieving transactions")
		return nil, false
	}
	return transactions, true
}

func (sc *stateConsumer) applyTransactions(sender topology.Address, transactions []transaction.Info, topologyID int64) {
	sc.log.Debug().
		Str("sender", string(sender)).
		Int("transactions", len(transactions)).
		Msg("Applying transferred transactions")

	for _, info := range transactions {
		gtx := info.GlobalTx
		gtx.SetRemote(true)

		var tx transaction.CacheTransaction
		if local := sc.deps.TxTable.GetLocalTransaction(gtx); local != nil {
			tx = local
		} else if remote := sc.deps.TxTable.GetRemoteTransaction(gtx); remote != nil {
			tx = remote
		} else {
			remote := sc.deps.TxTable.GetOrCreateRemoteTransaction(gtx, info.Modifications)
			// force this node to replay the transaction data by making it
			// think it is one topology behind
			remote.SetLookedUpEntriesTopology(topologyID - 1)
			tx = remote
		}
		for _, key := range info.LockedKeys {
			tx.AddBackupLockForKey(key)
		}
	}
}

// ------------------------------------------------------------------------
// Cluster listeners

func (sc *stateConsumer) collectClusterListeners(topo *topology.CacheTopology) {
	self := sc.deps.RPCManager.Address()
	for _, member := range topo.Members {
		if member == self {
			continue
		}

		var listeners []ClusterListener
		op := func() error {
			cmd := commands.NewStateRequest(commands.GetCacheListeners, self, 0, nil)
			responses, err := sc.deps.RPCManager.Invoke(sc.ctx, []topology.Address{member}, cmd, sc.rpcOptions)
			if err != nil {
				return err
			}
			resp, ok := responses[member]
			if !ok || !resp.Successful() {
				return errors.Errorf("unsuccessful cluster listener response from %s", member)
			}
			if l, ok := resp.Value.([]ClusterListener); ok {
				listeners = l
			}
			return nil
		}
		if err := backoff.Retry(op, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2)); err != nil {
			sc.log.Warn().Err(err).
				Str("member", string(member)).
				Msg("Failed to retrieve cluster listeners")
			continue
		}

		for _, install := range listeners {
			if err := install(); err != nil {
				sc.log.Warn().Err(err).Msg("Cluster listener installation failed")
			}
		}
		return
	}
	sc.log.Debug().Msg("Unable to acquire cluster listeners from other members, assuming none are present")
}

// ------------------------------------------------------------------------
// Segment invalidation

func (sc *stateConsumer) invalidateSegments(newSegments, segmentsToL1 common.Set[int], newCH, prevCH *topology.ConsistentHash) {
	self := sc.deps.RPCManager.Address()
	keysToL1 := common.NewSet[string]()
	keysToRemove := common.NewSet[string]()

	partition := func(key string) {
		segment := sc.segmentOf(key)
		if segmentsToL1.Contains(segment) {
			keysToL1.Add(key)
		} else if !newSegments.Contains(segment) {
			keysToRemove.Add(key)
		}
	}

	sc.deps.DataContainer.ForEach(func(e commands.CacheEntry) bool {
		partition(e.Key)

		// previous owners that are no longer owners need to become L1
		// requestors of the keys we keep, so future invalidations reach them
		if sc.cfg.L1OnRehash && sc.deps.L1Manager != nil && prevCH != nil {
			segment := sc.segmentOf(e.Key)
			if newCH.IsSegmentOwner(segment, self) {
				for _, prevOwner := range prevCH.OwnersForSegment(segment) {
					if !newCH.IsSegmentOwner(segment, prevOwner) {
						sc.deps.L1Manager.AddRequestor(e.Key, prevOwner)
					}
				}
			}
		}
		return true
	})

	// stored keys not present in memory must be partitioned too
	containerKeys := common.NewSetFrom(sc.deps.DataContainer.Keys())
	err := sc.deps.Persistence.ProcessOnAllStores(sc.ctx,
		func(key string) bool { return !containerKeys.Contains(key) },
		func(key string, _ []byte) error {
			partition(key)
			return nil
		}, false)
	if err != nil {
		sc.log.Error().Err(err).Msg("Failed loading keys from the cache store")
	}

	if !keysToL1.IsEmpty() {
		sc.log.Debug().
			Ints("segments", segmentsToL1.GetSorted()).
			Int("keys", keysToL1.Count()).
			Msg("Moving keys of segments no longer owned to L1")
		cmd := commands.NewInvalidateL1(keysToL1.GetSorted())
		if err := sc.deps.Chain.Invoke(interceptors.NewNonTxInvocationContext(), cmd); err != nil {
			sc.log.Error().Err(err).Msg("Failed to invalidate keys")
		}
	}

	if !keysToRemove.IsEmpty() {
		sc.log.Debug().
			Int("keys", keysToRemove.Count()).
			Msg("Removing keys of segments no longer owned")
		cmd := commands.NewInvalidate(keysToRemove.GetSorted())
		if err := sc.deps.Chain.Invoke(interceptors.NewNonTxInvocationContext(), cmd); err != nil {
			sc.log.Error().Err(err).Msg("Failed to invalidate keys")
		}
	}
}

// ------------------------------------------------------------------------
// Transfer pump

func (sc *stateConsumer) wakePump() {
	select {
	case sc.wakeCh <- struct{}{}:
	default:
	}
}

func (sc *stateConsumer) runTransferWorker() {
	for {
		task := sc.registry.pollReady()
		if task == nil {
			select {
			case <-sc.wakeCh:
				continue
			case <-sc.ctx.Done():
				return
			}
		}
		if !sc.processTask(task) {
			return
		}
	}
}

// processTask runs one task to completion, retrying it against another
// source on failure. Returns false when the worker must shut down.
func (sc *stateConsumer) processTask(task *InboundTransferTask) bool {
	ok := task.RequestSegments(sc.ctx)
	if ok {
		var err error
		ok, err = task.AwaitCompletion(sc.ctx)
		if err != nil {
			sc.log.Debug().Err(err).Msg("Transfer pump interrupted")
			return false
		}
	}
	if !ok {
		sc.retryTransferTask(task)
	}
	return true
}

func (sc *stateConsumer) retryTransferTask(task *InboundTransferTask) {
	sc.log.Debug().
		Str("source", string(task.Source())).
		Ints("segments", task.Segments().GetSorted()).
		Msg("Retrying failed inbound transfer")
	sc.metrics.incTransfersRetried()

	topo := sc.cacheTopology.Load()

	// look for another source for the failed segments; remove + re-add must
	// stay atomic
	sc.registry.withLock(func() {
		failedSegments := common.NewSet[int]()
		if sc.registry.removeTransferLocked(task) {
			sc.excluded.add(task.Source())
			failedSegments.AddAll(task.Segments())
			sc.metrics.addActiveTransfers(-1)
		}

		// only re-request segments we still own and do not already hold
		failedSegments = failedSegments.Intersect(sc.ownedSegments(topo.WriteCH()))
		failedSegments.RemoveAll(sc.ownedSegments(topo.ReadCH()))

		sources := make(map[topology.Address]common.Set[int])
		sc.findSources(failedSegments, sources)
		for source, segs := range sources {
			if sc.registry.addTransferLocked(source, segs, sc.taskFactory(source, topo.TopologyID)) != nil {
				sc.metrics.addActiveTransfers(1)
			}
		}
	})
	sc.wakePump()
}
