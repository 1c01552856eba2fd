package raft

import (
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/nexus-streaming/nexus/storage"
	"go.uber.org/zap"
)

// Default tuning values.
const (
	DefaultElectionTimeout      = 1 * time.Second
	DefaultHeartbeatInterval    = 100 * time.Millisecond
	DefaultRPCTimeout           = 2 * time.Second
	DefaultMaxInflightBytes     = 4 * 1024 * 1024
	DefaultMaxInflightRequests  = 64
	DefaultMaxEntriesPerRequest = 256
	DefaultRetryBackoffMin      = 50 * time.Millisecond
	DefaultRetryBackoffMax      = 5 * time.Second
)

// FSM receives committed entries in log order.
type FSM interface {
	Apply(e *storage.Entry)
}

// FSMFunc adapts a function to the FSM interface.
type FSMFunc func(e *storage.Entry)

func (f FSMFunc) Apply(e *storage.Entry) { f(e) }

// Config represents the configuration of one consensus engine.
type Config struct {
	// ID of the local node. Must be non-zero.
	ID uint64

	// Group names the partition, e.g. "orders/0". It is carried in every
	// RPC so that one node can host many engines.
	Group string

	// Peers is the replica set, including ID.
	Peers []uint64

	Log       storage.LogStore
	State     storage.StateStore
	Transport Transport

	// ElectionTimeout is the minimum time without a valid leader before a
	// follower starts an election. The actual timeout is randomized in
	// [ElectionTimeout, 2*ElectionTimeout).
	ElectionTimeout time.Duration

	// HeartbeatInterval is the time between AppendEntries sent by a leader
	// to an idle follower.
	HeartbeatInterval time.Duration

	// RPCTimeout bounds every outgoing request.
	RPCTimeout time.Duration

	// MaxInflightBytes caps the encoded size of unacknowledged entries per
	// follower. Entries past the cap stay in the leader's log until
	// acknowledgements free capacity.
	MaxInflightBytes int

	// MaxInflightRequests caps the number of unacknowledged requests per follower.
	MaxInflightRequests int

	// MaxEntriesPerRequest caps the number of entries in one AppendEntries.
	MaxEntriesPerRequest int

	// RetryBackoffMin and RetryBackoffMax bound the exponential back-off
	// applied to a follower after failed or rejected requests.
	RetryBackoffMin time.Duration
	RetryBackoffMax time.Duration

	// FSM, if set, receives committed entries.
	FSM FSM

	// Clock is an abstraction of the time package. By default it will use
	// a real-time clock but a mock clock can be used for testing.
	Clock clock.Clock

	Logger  *zap.Logger
	Metrics *Metrics
}

// withDefaults returns a copy of c with zero values replaced by defaults.
func (c Config) withDefaults() Config {
	if c.ElectionTimeout <= 0 {
		c.ElectionTimeout = DefaultElectionTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.RPCTimeout <= 0 {
		c.RPCTimeout = DefaultRPCTimeout
	}
	if c.MaxInflightBytes <= 0 {
		c.MaxInflightBytes = DefaultMaxInflightBytes
	}
	if c.MaxInflightRequests <= 0 {
		c.MaxInflightRequests = DefaultMaxInflightRequests
	}
	if c.MaxEntriesPerRequest <= 0 {
		c.MaxEntriesPerRequest = DefaultMaxEntriesPerRequest
	}
	if c.RetryBackoffMin <= 0 {
		c.RetryBackoffMin = DefaultRetryBackoffMin
	}
	if c.RetryBackoffMax < c.RetryBackoffMin {
		c.RetryBackoffMax = DefaultRetryBackoffMax
		if c.RetryBackoffMax < c.RetryBackoffMin {
			c.RetryBackoffMax = c.RetryBackoffMin
		}
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// validate returns an error if the configuration cannot run an engine.
func (c *Config) validate() error {
	switch {
	case c.ID == 0:
		return errors.New("raft: node id required")
	case c.Group == "":
		return errors.New("raft: group required")
	case c.Log == nil:
		return errors.New("raft: log store required")
	case c.State == nil:
		return errors.New("raft: state store required")
	case c.Transport == nil && len(c.Peers) > 1:
		return errors.New("raft: transport required")
	}

	seen := make(map[uint64]bool, len(c.Peers))
	for _, id := range c.Peers {
		if id == 0 {
			return errors.New("raft: peer id must be non-zero")
		} else if seen[id] {
			return fmt.Errorf("raft: duplicate peer %d", id)
		}
		seen[id] = true
	}
	if !seen[c.ID] {
		return fmt.Errorf("raft: node %d is not in the replica set", c.ID)
	}
	return nil
}
