package interceptors

import (
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"

	"github.com/jacques-n/infinispan/commands"
	"github.com/jacques-n/infinispan/container"
	"github.com/jacques-n/infinispan/l1"
	"github.com/jacques-n/infinispan/persistence"
	"github.com/jacques-n/infinispan/transaction"
)

var ErrorUnhandledCommand = errors.New("cache: no interceptor handles this command")

// InvocationContext scopes a single command invocation. Tx is nil outside of
// transactional scope.
type InvocationContext struct {
	Tx transaction.Tx
}

func NewNonTxInvocationContext() *InvocationContext {
	return &InvocationContext{}
}

func NewTxInvocationContext(tx transaction.Tx) *InvocationContext {
	return &InvocationContext{Tx: tx}
}

func (c *InvocationContext) InTxScope() bool {
	return c.Tx != nil
}

// KeyUpdateTracker is consulted on every write so that user writes performed
// during a rebalance always win over state-transfer writes for the same key.
type KeyUpdateTracker interface {
	AddUpdatedKey(key string)
	IsKeyUpdated(key string) bool
}

type Chain interface {
	Invoke(ctx *InvocationContext, cmd commands.Command) error

	// AttachKeyUpdateTracker wires the state-transfer consumer's
	// updated-keys set into the write path. Must be called before the
	// cache starts serving requests.
	AttachKeyUpdateTracker(tracker KeyUpdateTracker)
}

type chain struct {
	dataContainer container.DataContainer
	store         persistence.Manager
	l1Manager     l1.Manager
	tracker       KeyUpdateTracker
	log           zerolog.Logger
}

func NewChain(cacheName string, dataContainer container.DataContainer, store persistence.Manager, l1Manager l1.Manager) Chain {
	return &chain{
		dataContainer: dataContainer,
		store:         store,
		log: log.With().
			Str("component", "interceptor-chain").
			Str("cache", cacheName).
			Logger(),
		l1Manager: l1Manager,
	}
}

func (c *chain) AttachKeyUpdateTracker(tracker KeyUpdateTracker) {
	c.tracker = tracker
}

func (c *chain) Invoke(ctx *InvocationContext, cmd commands.Command) error {
	switch cmd := cmd.(type) {
	case *commands.PutKeyValueCommand:
		return c.handlePut(cmd)
	case *commands.InvalidateCommand:
		return c.handleInvalidate(cmd)
	case *commands.InvalidateL1Command:
		return c.handleInvalidateL1(cmd)
	default:
		return errors.Wrapf(ErrorUnhandledCommand, "command: %s", cmd.CommandName())
	}
}

func (c *chain) handlePut(cmd *commands.PutKeyValueCommand) error {
	if cmd.Flags.Has(commands.PutForStateTransfer) {
		if c.tracker != nil && c.tracker.IsKeyUpdated(cmd.Key) {
			c.log.Debug().
				Str("key", cmd.Key).
				Msg("Key modified by user during state transfer, not overwriting")
			return nil
		}
	} else if c.tracker != nil {
		// user write: record the key right before committing it
		c.tracker.AddUpdatedKey(cmd.Key)
	}

	entry := commands.CacheEntry{
		Key:      cmd.Key,
		Value:    cmd.Value,
		Metadata: cmd.Metadata,
	}
	c.dataContainer.Put(entry)

	if !cmd.Flags.Has(commands.SkipSharedStore) {
		if err := c.store.Write(entry); err != nil {
			return errors.Wrapf(err, "failed to store key %s", cmd.Key)
		}
	}
	return nil
}

func (c *chain) handleInvalidate(cmd *commands.InvalidateCommand) error {
	var err error
	for _, key := range cmd.Keys {
		c.dataContainer.Remove(key)
		if storeErr := c.store.Delete(key); storeErr != nil {
			err = multierr.Append(err, errors.Wrapf(storeErr, "key %s", key))
		}
	}
	return err
}

func (c *chain) handleInvalidateL1(cmd *commands.InvalidateL1Command) error {
	var err error
	for _, key := range cmd.Keys {
		if c.l1Manager != nil {
			if entry, ok := c.dataContainer.Get(key); ok {
				c.l1Manager.StoreInL1(entry)
			}
		}
		c.dataContainer.Remove(key)
		if storeErr := c.store.Delete(key); storeErr != nil {
			err = multierr.Append(err, errors.Wrapf(storeErr, "key %s", key))
		}
	}
	return err
}
