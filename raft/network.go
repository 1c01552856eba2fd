package raft

import (
	"context"
	"sync"

	"github.com/nexus-streaming/nexus/storage"
)

// Network connects handlers in the same process. Links between nodes can
// be cut to simulate crashes and network partitions.
type Network struct {
	mu       sync.RWMutex
	handlers map[uint64]Handler
	down     map[uint64]bool   // disconnected nodes
	side     map[uint64]int    // partition side of each node, when partitioned
	dropped  map[[2]uint64]int // dropped requests per link
}

// NewNetwork returns an empty network.
func NewNetwork() *Network {
	return &Network{
		handlers: make(map[uint64]Handler),
		down:     make(map[uint64]bool),
		dropped:  make(map[[2]uint64]int),
	}
}

// Register attaches the handler serving node id.
func (n *Network) Register(id uint64, h Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[id] = h
}

// Transport returns the transport used by node from.
func (n *Network) Transport(from uint64) Transport {
	return &networkTransport{network: n, from: from}
}

// Disconnect cuts every link to and from id.
func (n *Network) Disconnect(id uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down[id] = true
}

// Connect restores the links of id cut by Disconnect.
func (n *Network) Connect(id uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.down, id)
}

// Partition splits the network so that nodes only reach nodes in the same
// group. Nodes not named in any group are isolated.
func (n *Network) Partition(groups ...[]uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.side = make(map[uint64]int)
	for i, g := range groups {
		for _, id := range g {
			n.side[id] = i + 1
		}
	}
}

// Heal removes every partition and disconnection.
func (n *Network) Heal() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.side = nil
	n.down = make(map[uint64]bool)
}

// Dropped returns the number of requests dropped from one node to another.
func (n *Network) Dropped(from, to uint64) int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.dropped[[2]uint64{from, to}]
}

// route returns the handler for to if the link from->to is up.
func (n *Network) route(from, to uint64) (Handler, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	h, ok := n.handlers[to]
	reachable := ok && !n.down[from] && !n.down[to]
	if reachable && n.side != nil {
		reachable = n.side[from] != 0 && n.side[from] == n.side[to]
	}
	if !reachable {
		n.dropped[[2]uint64{from, to}]++
		return nil, ErrUnreachable
	}
	return h, nil
}

type networkTransport struct {
	network *Network
	from    uint64
}

func (t *networkTransport) RequestVote(ctx context.Context, to uint64, req *VoteRequest) (*VoteResponse, error) {
	h, err := t.network.route(t.from, to)
	if err != nil {
		return nil, err
	}
	other := *req
	resp, err := h.HandleRequestVote(ctx, &other)
	if err != nil {
		return nil, err
	}
	// The response may have been lost on the way back.
	if _, err := t.network.route(to, t.from); err != nil {
		return nil, err
	}
	return resp, nil
}

func (t *networkTransport) AppendEntries(ctx context.Context, to uint64, req *AppendEntriesRequest) (*AppendEntriesResponse, error) {
	h, err := t.network.route(t.from, to)
	if err != nil {
		return nil, err
	}

	// Entries are copied so that no memory is shared between nodes.
	other := *req
	other.Entries = make([]*storage.Entry, len(req.Entries))
	for i, e := range req.Entries {
		other.Entries[i] = e.Clone()
	}

	resp, err := h.HandleAppendEntries(ctx, &other)
	if err != nil {
		return nil, err
	}
	if _, err := t.network.route(to, t.from); err != nil {
		return nil, err
	}
	return resp, nil
}
