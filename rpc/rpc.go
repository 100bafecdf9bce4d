package rpc

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/jacques-n/infinispan/commands"
	"github.com/jacques-n/infinispan/topology"
)

var ErrorNodeUnreachable = errors.New("cache: target node is unreachable")

type ResponseMode int

const (
	// SynchronousIgnoreLeavers waits for all targets but does not fail the
	// whole invocation when a target leaves the cluster mid-call.
	SynchronousIgnoreLeavers ResponseMode = iota
)

type Options struct {
	Mode    ResponseMode
	Timeout time.Duration
}

// Response is the per-member outcome of a remote invocation.
type Response struct {
	Value any
	Err   error
}

func (r Response) Successful() bool {
	return r.Err == nil
}

// Manager is the transport contract the state-transfer consumer relies on.
// Implementations are provided by the embedding process.
type Manager interface {
	// Address returns this node's own address.
	Address() topology.Address

	// Invoke sends the command synchronously to all targets and collects
	// one response per target.
	Invoke(ctx context.Context, targets []topology.Address, cmd commands.Command, opts Options) (map[topology.Address]Response, error)
}
