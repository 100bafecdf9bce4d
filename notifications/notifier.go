package notifications

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jacques-n/infinispan/topology"
)

// DataRehashedEvent is delivered twice per rebalance: once before any state
// moves (IsPre=true) and once after ownership settles (IsPre=false).
type DataRehashedEvent struct {
	PreviousCH *topology.ConsistentHash
	NewCH      *topology.ConsistentHash
	TopologyID int64
	IsPre      bool
}

type DataRehashedListener func(ev DataRehashedEvent)

// CacheNotifier dispatches cache lifecycle events to registered listeners.
type CacheNotifier interface {
	NotifyDataRehashed(prev, newCH *topology.ConsistentHash, topologyID int64, isPre bool)
	RegisterDataRehashed(listener DataRehashedListener)
}

type notifier struct {
	mu        sync.RWMutex
	listeners []DataRehashedListener
	log       zerolog.Logger
}

func NewCacheNotifier(cacheName string) CacheNotifier {
	return &notifier{
		log: log.With().
			Str("component", "cache-notifier").
			Str("cache", cacheName).
			Logger(),
	}
}

func (n *notifier) RegisterDataRehashed(listener DataRehashedListener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listeners = append(n.listeners, listener)
}

func (n *notifier) NotifyDataRehashed(prev, newCH *topology.ConsistentHash, topologyID int64, isPre bool) {
	n.mu.RLock()
	listeners := append([]DataRehashedListener(nil), n.listeners...)
	n.mu.RUnlock()

	n.log.Debug().
		Int64("topology-id", topologyID).
		Bool("is-pre", isPre).
		Msg("Notifying data rehashed")

	ev := DataRehashedEvent{
		PreviousCH: prev,
		NewCH:      newCH,
		TopologyID: topologyID,
		IsPre:      isPre,
	}
	for _, l := range listeners {
		l(ev)
	}
}
