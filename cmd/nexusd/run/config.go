package run

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
	"github.com/nexus-streaming/nexus"
	"github.com/nexus-streaming/nexus/broker"
	"github.com/nexus-streaming/nexus/logger"
	"github.com/nexus-streaming/nexus/pkg/fs"
	"github.com/nexus-streaming/nexus/raft"
	"github.com/nexus-streaming/nexus/storage/segment"
	itoml "github.com/nexus-streaming/nexus/toml"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

const (
	// DefaultBindAddress is the default address of the HTTP listener serving
	// consensus traffic, metrics and health.
	DefaultBindAddress = "127.0.0.1:8095"

	// EnvPrefix is the prefix of environment variables overriding the config.
	EnvPrefix = "NEXUSD"

	clusterIDFile = "cluster_id"
)

// Storage engines accepted by StorageConfig.Engine.
const (
	EngineBolt    = "bolt"
	EngineSegment = "segment"
	EngineMemory  = "memory"
)

// Config represents the configuration format for the nexusd binary.
type Config struct {
	// NodeID identifies this node. It must appear in Peers when Peers is set.
	NodeID uint64 `toml:"node-id"`

	// BindAddress is the address of the HTTP listener.
	BindAddress string `toml:"bind-address"`

	// Dir is the root of the data directory.
	Dir string `toml:"dir"`

	// ClusterID is stamped on every consensus request. A single node cluster
	// generates and persists one when it is empty.
	ClusterID string `toml:"cluster-id"`

	Peers []nexus.Node `toml:"peers"`

	// TracingType is "log" or "jaeger". Anything else disables tracing.
	TracingType string `toml:"tracing-type"`

	Logging logger.Config `toml:"logging"`
	Raft    RaftConfig    `toml:"raft"`
	Broker  BrokerConfig  `toml:"broker"`
	Storage StorageConfig `toml:"storage"`

	// DefaultTopic is created on start when set and missing.
	DefaultTopic *TopicConfig `toml:"default-topic"`
}

// RaftConfig tunes the consensus engine of every partition.
type RaftConfig struct {
	ElectionTimeout      itoml.Duration `toml:"election-timeout"`
	HeartbeatInterval    itoml.Duration `toml:"heartbeat-interval"`
	RPCTimeout           itoml.Duration `toml:"rpc-timeout"`
	MaxInflightBytes     itoml.Size     `toml:"max-inflight-bytes"`
	MaxInflightRequests  int            `toml:"max-inflight-requests"`
	MaxEntriesPerRequest int            `toml:"max-entries-per-request"`
	RetryBackoffMin      itoml.Duration `toml:"retry-backoff-min"`
	RetryBackoffMax      itoml.Duration `toml:"retry-backoff-max"`
}

// BrokerConfig configures the partition coordinator.
type BrokerConfig struct {
	Partitioner            string         `toml:"partitioner"`
	ProduceTimeout         itoml.Duration `toml:"produce-timeout"`
	RetentionCheckInterval itoml.Duration `toml:"retention-check-interval"`
}

// StorageConfig selects the partition log engine.
type StorageConfig struct {
	Engine         string     `toml:"engine"`
	MaxSegmentSize itoml.Size `toml:"max-segment-size"`
}

// TopicConfig describes a topic created at startup.
type TopicConfig struct {
	Name              string         `toml:"name"`
	Partitions        int32          `toml:"partitions"`
	ReplicationFactor int32          `toml:"replication-factor"`
	Retention         itoml.Duration `toml:"retention"`
}

// Topic converts the config into a topic definition.
func (c *TopicConfig) Topic() nexus.Topic {
	return nexus.Topic{
		Name:              c.Name,
		Partitions:        c.Partitions,
		ReplicationFactor: c.ReplicationFactor,
		RetentionMs:       time.Duration(c.Retention).Milliseconds(),
	}
}

// NewConfig returns an instance of Config with reasonable defaults.
func NewConfig() *Config {
	c := &Config{}
	c.NodeID = 1
	c.BindAddress = DefaultBindAddress
	c.Logging = logger.NewConfig()

	c.Raft = RaftConfig{
		ElectionTimeout:      itoml.Duration(raft.DefaultElectionTimeout),
		HeartbeatInterval:    itoml.Duration(raft.DefaultHeartbeatInterval),
		RPCTimeout:           itoml.Duration(raft.DefaultRPCTimeout),
		MaxInflightBytes:     itoml.Size(raft.DefaultMaxInflightBytes),
		MaxInflightRequests:  raft.DefaultMaxInflightRequests,
		MaxEntriesPerRequest: raft.DefaultMaxEntriesPerRequest,
		RetryBackoffMin:      itoml.Duration(raft.DefaultRetryBackoffMin),
		RetryBackoffMax:      itoml.Duration(raft.DefaultRetryBackoffMax),
	}
	c.Broker = BrokerConfig{
		Partitioner:            "hash",
		ProduceTimeout:         itoml.Duration(broker.DefaultProduceTimeout),
		RetentionCheckInterval: itoml.Duration(broker.DefaultRetentionCheckInterval),
	}
	c.Storage = StorageConfig{
		Engine:         EngineBolt,
		MaxSegmentSize: itoml.Size(segment.DefaultMaxSegmentSize),
	}
	return c
}

// NewDemoConfig returns the config that runs when no config is specified.
func NewDemoConfig() (*Config, error) {
	c := NewConfig()

	var homeDir string
	// By default, store data files in current users home directory
	u, err := user.Current()
	if err == nil {
		homeDir = u.HomeDir
	} else if os.Getenv("HOME") != "" {
		homeDir = os.Getenv("HOME")
	} else {
		return nil, fmt.Errorf("failed to determine current user for storage")
	}

	c.Dir = filepath.Join(homeDir, ".nexus")
	return c, nil
}

// FromTomlFile loads the config from a TOML file.
func (c *Config) FromTomlFile(fpath string) error {
	bs, err := os.ReadFile(fpath)
	if err != nil {
		return err
	}

	// Handle any potential Byte-Order-Marks that may be in the config file.
	bom := unicode.BOMOverride(transform.Nop)
	bs, _, err = transform.Bytes(bom, bs)
	if err != nil {
		return err
	}
	return c.FromToml(string(bs))
}

// FromToml loads the config from TOML.
func (c *Config) FromToml(input string) error {
	_, err := toml.Decode(input, c)
	return err
}

// ApplyEnvOverrides apply the environment configuration on top of the config.
func (c *Config) ApplyEnvOverrides(getenv func(string) string) error {
	if getenv == nil {
		getenv = os.Getenv
	}
	return itoml.ApplyEnvOverrides(getenv, EnvPrefix, c)
}

// Validate returns an error if the config is invalid.
func (c *Config) Validate() error {
	if c.NodeID == 0 {
		return errors.New("node-id must be set")
	}
	if c.Dir == "" {
		return errors.New("dir must be specified")
	}
	if c.BindAddress == "" {
		return errors.New("bind-address must be specified")
	}

	seen := make(map[uint64]bool, len(c.Peers))
	for _, p := range c.Peers {
		if p.ID == 0 || p.Addr == "" {
			return fmt.Errorf("peer %d: id and addr are required", p.ID)
		}
		if seen[p.ID] {
			return fmt.Errorf("peer %d listed twice", p.ID)
		}
		seen[p.ID] = true
	}
	if len(c.Peers) > 0 && !seen[c.NodeID] {
		return fmt.Errorf("node-id %d is not one of the peers", c.NodeID)
	}
	if len(c.Peers) > 1 && c.ClusterID == "" {
		return errors.New("cluster-id must be set when there is more than one peer")
	}

	if err := c.Raft.Validate(); err != nil {
		return err
	}
	if err := c.Broker.Validate(); err != nil {
		return err
	}
	if err := c.Storage.Validate(); err != nil {
		return err
	}
	if c.DefaultTopic != nil {
		t := c.DefaultTopic.Topic()
		if err := t.Valid(); err != nil {
			return fmt.Errorf("invalid default-topic: %v", err)
		}
	}
	return nil
}

// Validate returns an error if the engine timings cannot work together.
func (c RaftConfig) Validate() error {
	switch {
	case c.ElectionTimeout <= 0:
		return errors.New("raft election-timeout must be positive")
	case c.HeartbeatInterval <= 0:
		return errors.New("raft heartbeat-interval must be positive")
	case c.HeartbeatInterval >= c.ElectionTimeout:
		return errors.New("raft heartbeat-interval must be shorter than election-timeout")
	case c.RetryBackoffMax < c.RetryBackoffMin:
		return errors.New("raft retry-backoff-max must not be shorter than retry-backoff-min")
	}
	return nil
}

// Config returns the engine template for the node.
func (c RaftConfig) Config() raft.Config {
	return raft.Config{
		ElectionTimeout:      time.Duration(c.ElectionTimeout),
		HeartbeatInterval:    time.Duration(c.HeartbeatInterval),
		RPCTimeout:           time.Duration(c.RPCTimeout),
		MaxInflightBytes:     int(c.MaxInflightBytes),
		MaxInflightRequests:  c.MaxInflightRequests,
		MaxEntriesPerRequest: c.MaxEntriesPerRequest,
		RetryBackoffMin:      time.Duration(c.RetryBackoffMin),
		RetryBackoffMax:      time.Duration(c.RetryBackoffMax),
	}
}

// Validate returns an error if the partitioner is unknown.
func (c BrokerConfig) Validate() error {
	if _, ok := broker.NewPartitioner(c.Partitioner); !ok {
		return fmt.Errorf("unknown partitioner %q", c.Partitioner)
	}
	if c.ProduceTimeout <= 0 {
		return errors.New("broker produce-timeout must be positive")
	}
	return nil
}

// Validate returns an error if the engine is unknown.
func (c StorageConfig) Validate() error {
	switch c.Engine {
	case EngineBolt, EngineSegment, EngineMemory:
		return nil
	default:
		return fmt.Errorf("unknown storage engine %q", c.Engine)
	}
}

// PeerAddrs returns the consensus URL of every peer other than the node.
func (c *Config) PeerAddrs() map[uint64]string {
	addrs := make(map[uint64]string, len(c.Peers))
	for _, p := range c.Peers {
		if p.ID == c.NodeID {
			continue
		}
		addr := p.Addr
		if !strings.Contains(addr, "://") {
			addr = "http://" + addr
		}
		addrs[p.ID] = addr
	}
	return addrs
}

// NodeIDs returns the ids of every cluster member, including the node.
func (c *Config) NodeIDs() []uint64 {
	if len(c.Peers) == 0 {
		return []uint64{c.NodeID}
	}
	ids := make([]uint64, 0, len(c.Peers))
	for _, p := range c.Peers {
		ids = append(ids, p.ID)
	}
	return ids
}

// LoadClusterID fills ClusterID from the data directory, generating and
// persisting a new one on first start.
func (c *Config) LoadClusterID() error {
	if c.ClusterID != "" {
		return nil
	}
	path := filepath.Join(c.Dir, clusterIDFile)
	if b, err := os.ReadFile(path); err == nil {
		c.ClusterID = strings.TrimSpace(string(b))
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}

	if err := os.MkdirAll(c.Dir, 0777); err != nil {
		return err
	}
	id := uuid.New().String()
	if err := fs.WriteFileAtomic(path, []byte(id+"\n"), 0666); err != nil {
		return fmt.Errorf("persist cluster id: %w", err)
	}
	c.ClusterID = id
	return nil
}
