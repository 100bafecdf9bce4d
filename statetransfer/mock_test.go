package statetransfer

import (
	"context"
	"fmt"
	"sync"

	"github.com/jacques-n/infinispan/commands"
	"github.com/jacques-n/infinispan/rpc"
	"github.com/jacques-n/infinispan/topology"
)

// mockRPC is an in-memory rpc.Manager. Handlers are registered per target
// address; targets without a handler behave like unreachable nodes.
type mockRPC struct {
	address topology.Address

	mu          sync.Mutex
	handlers    map[topology.Address]func(cmd commands.Command) rpc.Response
	invocations []invocation
}

type invocation struct {
	target topology.Address
	cmd    commands.Command
}

func newMockRPC(address topology.Address) *mockRPC {
	return &mockRPC{
		address:  address,
		handlers: make(map[topology.Address]func(cmd commands.Command) rpc.Response),
	}
}

func (m *mockRPC) Address() topology.Address {
	return m.address
}

func (m *mockRPC) setHandler(target topology.Address, handler func(cmd commands.Command) rpc.Response) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[target] = handler
}

func (m *mockRPC) removeHandler(target topology.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, target)
}

func (m *mockRPC) Invoke(_ context.Context, targets []topology.Address, cmd commands.Command,
	_ rpc.Options) (map[topology.Address]rpc.Response, error) {
	res := make(map[topology.Address]rpc.Response, len(targets))
	for _, target := range targets {
		m.mu.Lock()
		m.invocations = append(m.invocations, invocation{target: target, cmd: cmd})
		handler := m.handlers[target]
		m.mu.Unlock()

		if handler == nil {
			res[target] = rpc.Response{Err: rpc.ErrorNodeUnreachable}
		} else {
			res[target] = handler(cmd)
		}
	}
	return res, nil
}

func (m *mockRPC) requestsOfType(t commands.StateRequestType) []invocation {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res []invocation
	for _, inv := range m.invocations {
		if req, ok := inv.cmd.(*commands.StateRequestCommand); ok && req.Type == t {
			res = append(res, inv)
		}
	}
	return res
}

// completionRecorder counts rebalance-complete notifications.
type completionRecorder struct {
	mu  sync.Mutex
	ids []int64
}

func (c *completionRecorder) NotifyEndOfRebalance(topologyID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, topologyID)
}

func (c *completionRecorder) completed() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int64(nil), c.ids...)
}

// dataForSegments generates synthetic keys until every segment holds
// perSegment entries, bucketed with the same hash the cache uses.
func dataForSegments(ch *topology.ConsistentHash, perSegment int) map[int]map[string]string {
	res := make(map[int]map[string]string)
	for seg := 0; seg < ch.NumSegments(); seg++ {
		res[seg] = make(map[string]string)
	}

	i := 0
	for {
		full := true
		for seg := 0; seg < ch.NumSegments(); seg++ {
			if len(res[seg]) < perSegment {
				full = false
			}
		}
		if full {
			return res
		}

		key := fmt.Sprintf("key-%d", i)
		i++
		seg := ch.Segment(key)
		if len(res[seg]) < perSegment {
			res[seg][key] = fmt.Sprintf("value-%d", i)
		}
	}
}

func flatten(data map[int]map[string]string, segments ...int) map[string]string {
	res := make(map[string]string)
	for _, seg := range segments {
		for k, v := range data[seg] {
			res[k] = v
		}
	}
	return res
}

// serveState wires a handler that, on START_STATE_TRANSFER, synchronously
// streams the requested segments of data back into apply, then acknowledges.
// All other request types are acknowledged with an empty success.
func serveState(rpcManager *mockRPC, source topology.Address, data map[int]map[string]string,
	ch *topology.ConsistentHash, apply func(sender topology.Address, topologyID int64, chunks []commands.StateChunk)) {
	rpcManager.setHandler(source, func(cmd commands.Command) rpc.Response {
		req, ok := cmd.(*commands.StateRequestCommand)
		if !ok {
			return rpc.Response{}
		}
		if req.Type == commands.StartStateTransfer {
			var chunks []commands.StateChunk
			for _, seg := range req.Segments {
				entries := make([]commands.CacheEntry, 0, len(data[seg]))
				for k, v := range data[seg] {
					entries = append(entries, commands.CacheEntry{Key: k, Value: []byte(v)})
				}
				chunks = append(chunks, commands.StateChunk{SegmentID: seg, Entries: entries, IsLast: true})
			}
			apply(source, req.TopologyID, chunks)
		}
		return rpc.Response{}
	})
}
