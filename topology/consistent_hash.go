package topology

import (
	"github.com/jacques-n/infinispan/common"
)

// Address identifies a cache member within the cluster.
type Address string

// ConsistentHash is an immutable mapping from segment id to the ordered list
// of owner nodes. The owner at index 0 is the primary owner; owners appended
// later in the list joined more recently.
type ConsistentHash struct {
	numSegments int
	members     []Address
	owners      map[int][]Address
}

func NewConsistentHash(numSegments int, owners map[int][]Address) *ConsistentHash {
	memberSet := common.NewSet[Address]()
	ownersCopy := make(map[int][]Address, len(owners))
	for segment, list := range owners {
		ownersCopy[segment] = append([]Address(nil), list...)
		for _, a := range list {
			memberSet.Add(a)
		}
	}
	return &ConsistentHash{
		numSegments: numSegments,
		members:     memberSet.GetSorted(),
		owners:      ownersCopy,
	}
}

func (ch *ConsistentHash) NumSegments() int {
	return ch.numSegments
}

func (ch *ConsistentHash) Members() []Address {
	return ch.members
}

func (ch *ConsistentHash) IsMember(addr Address) bool {
	for _, m := range ch.members {
		if m == addr {
			return true
		}
	}
	return false
}

// OwnersForSegment returns the ordered owner list for the segment.
// Callers must not modify the returned slice.
func (ch *ConsistentHash) OwnersForSegment(segment int) []Address {
	return ch.owners[segment]
}

func (ch *ConsistentHash) SegmentsForOwner(addr Address) common.Set[int] {
	res := common.NewSet[int]()
	for segment, list := range ch.owners {
		for _, a := range list {
			if a == addr {
				res.Add(segment)
				break
			}
		}
	}
	return res
}

func (ch *ConsistentHash) IsSegmentOwner(segment int, addr Address) bool {
	for _, a := range ch.owners[segment] {
		if a == addr {
			return true
		}
	}
	return false
}

// Segment maps a key to its segment id. Any hash version can be used here
// because the owner tables are not involved in computing the segment.
func (ch *ConsistentHash) Segment(key string) int {
	return int(common.Xxh332(key) % uint32(ch.numSegments))
}

func (ch *ConsistentHash) IsKeyLocalToNode(addr Address, key string) bool {
	return ch.IsSegmentOwner(ch.Segment(key), addr)
}
