package broker

import (
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/nexus-streaming/nexus"
)

// Partitioner picks the partition of a topic that receives a message.
// It returns a value in [0, n).
type Partitioner interface {
	Partition(m *nexus.Message, n int32) int32
}

// PartitionerFunc adapts a function to the Partitioner interface.
type PartitionerFunc func(m *nexus.Message, n int32) int32

func (f PartitionerFunc) Partition(m *nexus.Message, n int32) int32 { return f(m, n) }

// HashPartitioner sends messages with the same key to the same partition.
// Messages without a key go to partition 0.
type HashPartitioner struct{}

func (HashPartitioner) Partition(m *nexus.Message, n int32) int32 {
	if m.Key == nil || n <= 1 {
		return 0
	}
	return int32(xxhash.Sum64(m.Key) % uint64(n))
}

// RoundRobinPartitioner spreads messages evenly and ignores keys.
type RoundRobinPartitioner struct {
	next uint64
}

func (p *RoundRobinPartitioner) Partition(m *nexus.Message, n int32) int32 {
	if n <= 1 {
		return 0
	}
	return int32((atomic.AddUint64(&p.next, 1) - 1) % uint64(n))
}

// KeyOrRoundRobinPartitioner hashes keyed messages and spreads keyless ones.
type KeyOrRoundRobinPartitioner struct {
	rr RoundRobinPartitioner
}

func (p *KeyOrRoundRobinPartitioner) Partition(m *nexus.Message, n int32) int32 {
	if m.Key == nil {
		return p.rr.Partition(m, n)
	}
	return HashPartitioner{}.Partition(m, n)
}

// NewPartitioner returns the partitioner registered under name: "hash",
// "round-robin" or "key-or-round-robin".
func NewPartitioner(name string) (Partitioner, bool) {
	switch name {
	case "hash":
		return HashPartitioner{}, true
	case "round-robin":
		return &RoundRobinPartitioner{}, true
	case "key-or-round-robin":
		return &KeyOrRoundRobinPartitioner{}, true
	}
	return nil, false
}
