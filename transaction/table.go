package transaction

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jacques-n/infinispan/commands"
	"github.com/jacques-n/infinispan/topology"
)

// Table tracks the transactions this node participates in, keyed by global
// transaction id.
type Table interface {
	GetLocalTransaction(gtx *GlobalTransaction) *LocalTransaction
	GetRemoteTransaction(gtx *GlobalTransaction) *RemoteTransaction
	GetOrCreateRemoteTransaction(gtx *GlobalTransaction, modifications []commands.PutKeyValueCommand) *RemoteTransaction

	// CleanupStaleTransactions drops the remote transactions whose
	// originator is no longer a member of the given topology.
	CleanupStaleTransactions(t *topology.CacheTopology)
}

type table struct {
	sync.Mutex

	cacheName string
	local     map[uuid.UUID]*LocalTransaction
	remote    map[uuid.UUID]*RemoteTransaction
	log       zerolog.Logger
}

func NewTable(cacheName string) Table {
	return &table{
		cacheName: cacheName,
		local:     make(map[uuid.UUID]*LocalTransaction),
		remote:    make(map[uuid.UUID]*RemoteTransaction),
		log: log.With().
			Str("component", "transaction-table").
			Str("cache", cacheName).
			Logger(),
	}
}

func (t *table) GetLocalTransaction(gtx *GlobalTransaction) *LocalTransaction {
	t.Lock()
	defer t.Unlock()
	return t.local[gtx.ID]
}

func (t *table) GetRemoteTransaction(gtx *GlobalTransaction) *RemoteTransaction {
	t.Lock()
	defer t.Unlock()
	return t.remote[gtx.ID]
}

func (t *table) GetOrCreateRemoteTransaction(gtx *GlobalTransaction, modifications []commands.PutKeyValueCommand) *RemoteTransaction {
	t.Lock()
	defer t.Unlock()

	if existing, ok := t.remote[gtx.ID]; ok {
		return existing
	}

	tx := &RemoteTransaction{
		baseTransaction: baseTransaction{
			gtx:        gtx,
			backupLock: make(map[string]bool),
		},
		modifications: modifications,
	}
	t.remote[gtx.ID] = tx

	t.log.Debug().
		Str("gtx", gtx.ID.String()).
		Int("modifications", len(modifications)).
		Msg("Created remote transaction")
	return tx
}

func (t *table) CleanupStaleTransactions(topo *topology.CacheTopology) {
	t.Lock()
	defer t.Unlock()

	for id, tx := range t.remote {
		if !topo.IsMember(tx.GlobalTransaction().Origin) {
			t.log.Debug().
				Str("gtx", id.String()).
				Str("origin", string(tx.GlobalTransaction().Origin)).
				Msg("Removing transaction of leaver")
			delete(t.remote, id)
		}
	}
}
