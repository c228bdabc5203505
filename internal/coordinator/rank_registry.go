package coordinator

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
	"golang.org/x/exp/slices"

	"github.com/dreamware/shardsort/internal/cluster"
)

var (
	// ErrGroupFull is returned when more than size-1 nodes try to join.
	ErrGroupFull = errors.New("process group is full")
	// ErrInvalidNode is returned for registrations without an ID or address.
	ErrInvalidNode = errors.New("node id and addr are required")
	// ErrAddrChanged is returned when a member of a complete group
	// re-registers from a different address.
	ErrAddrChanged = errors.New("node address is fixed once the group is complete")
)

// RankRegistry hands out worker ranks to registering nodes for one run.
//
// The coordinator itself is rank 0; nodes get ranks 1..size-1 in arrival
// order. The group is fixed once it is full: further nodes are refused so
// no worker can join mid-run.
//
// Thread-safe: all methods may be called concurrently.
type RankRegistry struct {
	nodes map[string]cluster.NodeInfo // Registered workers by node ID
	ready chan struct{}               // Closed once every worker rank is taken
	mu    sync.RWMutex
	size  int // Group size including the coordinator
}

// NewRankRegistry creates a registry for a group of size participants.
// A group of one is ready immediately.
//
// Example:
//
//	registry := NewRankRegistry(4)
//	info, err := registry.Register(cluster.NodeInfo{ID: "node-1", Addr: "http://10.0.0.2:8081"})
//	// info.Rank == 1
func NewRankRegistry(size int) *RankRegistry {
	r := &RankRegistry{
		size:  size,
		nodes: make(map[string]cluster.NodeInfo),
		ready: make(chan struct{}),
	}
	if size <= 1 {
		close(r.ready)
	}
	return r
}

// Register assigns the next free worker rank to node and returns the node
// with its rank filled in.
//
// Registering the same node ID again returns the rank it already holds, so
// a node retrying after a lost response keeps its place. A new address is
// recorded only while the group is still filling; once it is complete the
// coordinator has connected to the registered addresses, and a different
// address is refused with ErrAddrChanged.
func (r *RankRegistry) Register(node cluster.NodeInfo) (cluster.NodeInfo, error) {
	if node.ID == "" || node.Addr == "" {
		return cluster.NodeInfo{}, ErrInvalidNode
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.nodes[node.ID]; ok {
		if existing.Addr == node.Addr {
			return existing, nil
		}
		if r.complete() {
			return cluster.NodeInfo{}, errors.Wrapf(ErrAddrChanged, "rank %d is %s at %s, not %s",
				existing.Rank, existing.ID, existing.Addr, node.Addr)
		}
		existing.Addr = node.Addr
		r.nodes[node.ID] = existing
		return existing, nil
	}
	if len(r.nodes) >= r.size-1 {
		return cluster.NodeInfo{}, errors.Wrapf(ErrGroupFull, "%d of %d ranks taken, refusing %s",
			len(r.nodes)+1, r.size, node.ID)
	}

	node.Rank = len(r.nodes) + 1
	r.nodes[node.ID] = node
	if len(r.nodes) == r.size-1 {
		close(r.ready)
	}
	return node, nil
}

// Nodes returns the registered workers ordered by rank.
func (r *RankRegistry) Nodes() []cluster.NodeInfo {
	r.mu.RLock()
	nodes := lo.Values(r.nodes)
	r.mu.RUnlock()

	slices.SortFunc(nodes, func(a, b cluster.NodeInfo) int {
		return a.Rank - b.Rank
	})
	return nodes
}

// Node returns the worker holding rank.
func (r *RankRegistry) Node(rank int) (cluster.NodeInfo, bool) {
	nodes := r.Nodes()
	i := slices.IndexFunc(nodes, func(n cluster.NodeInfo) bool { return n.Rank == rank })
	if i < 0 {
		return cluster.NodeInfo{}, false
	}
	return nodes[i], true
}

// Size returns the group size including the coordinator.
func (r *RankRegistry) Size() int {
	return r.size
}

// Registered returns how many workers have joined.
func (r *RankRegistry) Registered() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// complete reports whether every worker rank has been assigned.
func (r *RankRegistry) complete() bool {
	select {
	case <-r.ready:
		return true
	default:
		return false
	}
}

// WaitReady blocks until the group is complete or ctx ends.
func (r *RankRegistry) WaitReady(ctx context.Context) error {
	select {
	case <-r.ready:
		return nil
	case <-ctx.Done():
		return errors.Wrapf(context.Cause(ctx), "waiting for workers: %d of %d registered",
			r.Registered(), r.size-1)
	}
}
