package commands

import (
	"github.com/jacques-n/infinispan/topology"
)

// Flag alters how a write command is routed and applied. State-transfer puts
// carry a combination of flags that keep them strictly local and prevent them
// from racing against replication.
type Flag uint16

const (
	PutForStateTransfer Flag = 1 << iota
	CacheModeLocal
	IgnoreReturnValues
	SkipRemoteLookup
	SkipSharedStore
	SkipOwnershipCheck
	SkipXSiteBackup
	SkipLocking
)

func (f Flag) Has(other Flag) bool {
	return f&other != 0
}

// StateTransferFlags is the flag set used when applying received entries.
const StateTransferFlags = PutForStateTransfer | CacheModeLocal | IgnoreReturnValues |
	SkipRemoteLookup | SkipSharedStore | SkipOwnershipCheck | SkipXSiteBackup

// Metadata carries the version information attached to a cache entry.
type Metadata struct {
	Version int64 `msgpack:"version"`
}

// CacheEntry is a single key/value pair plus its metadata, both as stored in
// the data container and as shipped inside state chunks.
type CacheEntry struct {
	Key      string   `msgpack:"key"`
	Value    []byte   `msgpack:"value"`
	Metadata Metadata `msgpack:"metadata"`
}

// StateChunk is a batch of entries for one segment, pushed by a remote owner
// during an inbound transfer. IsLast marks the final chunk of the segment.
type StateChunk struct {
	SegmentID int          `msgpack:"segment_id"`
	Entries   []CacheEntry `msgpack:"entries"`
	IsLast    bool         `msgpack:"is_last"`
}

type Command interface {
	CommandName() string
}

type StateRequestType uint8

const (
	GetTransactions StateRequestType = iota
	GetCacheListeners
	StartStateTransfer
	CancelStateTransfer
)

func (t StateRequestType) String() string {
	switch t {
	case GetTransactions:
		return "GET_TRANSACTIONS"
	case GetCacheListeners:
		return "GET_CACHE_LISTENERS"
	case StartStateTransfer:
		return "START_STATE_TRANSFER"
	case CancelStateTransfer:
		return "CANCEL_STATE_TRANSFER"
	}
	return "UNKNOWN"
}

// StateRequestCommand is sent to a remote owner to drive its outbound side of
// a state transfer.
type StateRequestCommand struct {
	Type       StateRequestType `msgpack:"type"`
	Origin     topology.Address `msgpack:"origin"`
	TopologyID int64            `msgpack:"topology_id"`
	Segments   []int            `msgpack:"segments"`
}

func (*StateRequestCommand) CommandName() string { return "state-request" }

// StateResponseCommand carries state chunks back to the requesting node.
type StateResponseCommand struct {
	Origin     topology.Address `msgpack:"origin"`
	TopologyID int64            `msgpack:"topology_id"`
	Chunks     []StateChunk     `msgpack:"chunks"`
}

func (*StateResponseCommand) CommandName() string { return "state-response" }

type PutKeyValueCommand struct {
	Key      string   `msgpack:"key"`
	Value    []byte   `msgpack:"value"`
	Metadata Metadata `msgpack:"metadata"`
	Flags    Flag     `msgpack:"flags"`
}

func (*PutKeyValueCommand) CommandName() string { return "put-key-value" }

type InvalidateCommand struct {
	Keys  []string `msgpack:"keys"`
	Flags Flag     `msgpack:"flags"`
}

func (*InvalidateCommand) CommandName() string { return "invalidate" }

type InvalidateL1Command struct {
	Keys  []string `msgpack:"keys"`
	Flags Flag     `msgpack:"flags"`
}

func (*InvalidateL1Command) CommandName() string { return "invalidate-l1" }

func NewStateRequest(t StateRequestType, origin topology.Address, topologyID int64, segments []int) *StateRequestCommand {
	return &StateRequestCommand{
		Type:       t,
		Origin:     origin,
		TopologyID: topologyID,
		Segments:   segments,
	}
}

func NewPutForStateTransfer(entry CacheEntry) *PutKeyValueCommand {
	return &PutKeyValueCommand{
		Key:      entry.Key,
		Value:    entry.Value,
		Metadata: entry.Metadata,
		Flags:    StateTransferFlags,
	}
}

func NewInvalidate(keys []string) *InvalidateCommand {
	return &InvalidateCommand{Keys: keys, Flags: CacheModeLocal | SkipLocking}
}

func NewInvalidateL1(keys []string) *InvalidateL1Command {
	return &InvalidateL1Command{Keys: keys, Flags: CacheModeLocal | SkipLocking}
}
