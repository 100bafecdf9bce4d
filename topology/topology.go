package topology

// CacheTopology is an immutable snapshot of the cache membership and segment
// ownership, delivered by the cluster topology manager. During a rebalance the
// PendingCH is non-nil and describes the ownership being installed; reads keep
// using the CurrentCH while writes already target the pending one.
type CacheTopology struct {
	TopologyID int64
	Members    []Address
	CurrentCH  *ConsistentHash
	PendingCH  *ConsistentHash
}

func (t *CacheTopology) ReadCH() *ConsistentHash {
	return t.CurrentCH
}

func (t *CacheTopology) WriteCH() *ConsistentHash {
	if t.PendingCH != nil {
		return t.PendingCH
	}
	return t.CurrentCH
}

func (t *CacheTopology) IsMember(addr Address) bool {
	for _, m := range t.Members {
		if m == addr {
			return true
		}
	}
	return false
}
