package transaction

import (
	"sync"

	"github.com/google/uuid"

	"github.com/jacques-n/infinispan/commands"
	"github.com/jacques-n/infinispan/topology"
)

// GlobalTransaction identifies a transaction across the whole cluster.
type GlobalTransaction struct {
	ID     uuid.UUID
	Origin topology.Address

	remote bool
}

func NewGlobalTransaction(origin topology.Address) *GlobalTransaction {
	return &GlobalTransaction{
		ID:     uuid.New(),
		Origin: origin,
	}
}

// SetRemote marks the transaction as originated elsewhere. The flag does not
// take part in table lookups; identity is determined by ID alone.
func (gtx *GlobalTransaction) SetRemote(remote bool) {
	gtx.remote = remote
}

func (gtx *GlobalTransaction) IsRemote() bool {
	return gtx.remote
}

// Info describes a prepared-but-uncommitted transaction shipped from a remote
// owner ahead of the entry data.
type Info struct {
	GlobalTx      *GlobalTransaction            `msgpack:"global_tx"`
	Modifications []commands.PutKeyValueCommand `msgpack:"modifications"`
	LockedKeys    []string                      `msgpack:"locked_keys"`
}

// CacheTransaction is the behaviour shared by local and remote transaction
// entries in the table.
type CacheTransaction interface {
	GlobalTransaction() *GlobalTransaction
	AddBackupLockForKey(key string)
	BackupLockedKeys() []string
}

type baseTransaction struct {
	mu         sync.Mutex
	gtx        *GlobalTransaction
	backupLock map[string]bool
}

func (t *baseTransaction) GlobalTransaction() *GlobalTransaction {
	return t.gtx
}

func (t *baseTransaction) AddBackupLockForKey(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.backupLock[key] = true
}

func (t *baseTransaction) BackupLockedKeys() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	keys := make([]string, 0, len(t.backupLock))
	for k := range t.backupLock {
		keys = append(keys, k)
	}
	return keys
}

// LocalTransaction is a transaction originated by this node.
type LocalTransaction struct {
	baseTransaction
}

// RemoteTransaction is a transaction replicated from another node, replayed
// during state transfer.
type RemoteTransaction struct {
	baseTransaction

	modifications []commands.PutKeyValueCommand

	mu                      sync.Mutex
	lookedUpEntriesTopology int64
}

func (t *RemoteTransaction) Modifications() []commands.PutKeyValueCommand {
	return t.modifications
}

func (t *RemoteTransaction) SetLookedUpEntriesTopology(topologyID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lookedUpEntriesTopology = topologyID
}

func (t *RemoteTransaction) LookedUpEntriesTopology() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lookedUpEntriesTopology
}
