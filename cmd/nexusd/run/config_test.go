package run_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nexus-streaming/nexus"
	"github.com/nexus-streaming/nexus/cmd/nexusd/run"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

// Ensure the configuration can be parsed.
func TestConfig_Parse(t *testing.T) {
	// Parse configuration.
	c := run.NewConfig()
	if err := c.FromToml(`
node-id = 2
bind-address = "10.0.0.2:8095"
dir = "/var/lib/nexus"
cluster-id = "prod"
tracing-type = "jaeger"

[[peers]]
id = 1
addr = "10.0.0.1:8095"

[[peers]]
id = 2
addr = "10.0.0.2:8095"

[[peers]]
id = 3
addr = "https://10.0.0.3:8095"

[logging]
format = "json"
level = "debug"

[raft]
election-timeout = "2s"
heartbeat-interval = "200ms"
max-inflight-bytes = "8m"

[broker]
partitioner = "key-or-round-robin"
produce-timeout = "3s"
retention-check-interval = "30s"

[storage]
engine = "segment"
max-segment-size = "64m"

[default-topic]
name = "events"
partitions = 6
replication-factor = 3
retention = "168h"
`); err != nil {
		t.Fatal(err)
	}

	require.NoError(t, c.Validate())
	require.Equal(t, uint64(2), c.NodeID)
	require.Equal(t, "10.0.0.2:8095", c.BindAddress)
	require.Equal(t, "prod", c.ClusterID)
	require.Equal(t, []nexus.Node{{ID: 1, Addr: "10.0.0.1:8095"}, {ID: 2, Addr: "10.0.0.2:8095"}, {ID: 3, Addr: "https://10.0.0.3:8095"}}, c.Peers)
	require.Equal(t, "json", c.Logging.Format)
	require.Equal(t, zapcore.DebugLevel, c.Logging.Level)
	require.Equal(t, "key-or-round-robin", c.Broker.Partitioner)
	require.Equal(t, run.EngineSegment, c.Storage.Engine)
	require.Equal(t, uint64(64<<20), uint64(c.Storage.MaxSegmentSize))

	rc := c.Raft.Config()
	require.Equal(t, 2*time.Second, rc.ElectionTimeout)
	require.Equal(t, 200*time.Millisecond, rc.HeartbeatInterval)
	require.Equal(t, 8<<20, rc.MaxInflightBytes)
	// Unset values keep their defaults.
	require.Equal(t, run.NewConfig().Raft.RPCTimeout, c.Raft.RPCTimeout)

	require.Equal(t, nexus.Topic{
		Name:              "events",
		Partitions:        6,
		ReplicationFactor: 3,
		RetentionMs:       (168 * time.Hour).Milliseconds(),
	}, c.DefaultTopic.Topic())

	require.Equal(t, map[uint64]string{
		1: "http://10.0.0.1:8095",
		3: "https://10.0.0.3:8095",
	}, c.PeerAddrs())
	require.Equal(t, []uint64{1, 2, 3}, c.NodeIDs())
}

// Ensure the configuration can be parsed when a Byte-Order-Mark is present.
func TestConfig_Parse_UTF8_ByteOrderMark(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nexusd.conf")
	content := "\ufeffnode-id = 7\ndir = \"/tmp/nexus\"\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0666))

	c := run.NewConfig()
	require.NoError(t, c.FromTomlFile(path))
	require.Equal(t, uint64(7), c.NodeID)
	require.Equal(t, "/tmp/nexus", c.Dir)
}

// Ensure the configuration can be parsed.
func TestConfig_Parse_EnvOverride(t *testing.T) {
	c := run.NewConfig()
	require.NoError(t, c.FromToml(`
dir = "/var/lib/nexus"

[[peers]]
id = 1
addr = "10.0.0.1:8095"

[broker]
produce-timeout = "3s"
`))

	getenv := func(s string) string {
		switch s {
		case "NEXUSD_NODE_ID":
			return "1"
		case "NEXUSD_BIND_ADDRESS":
			return ":9000"
		case "NEXUSD_BROKER_PRODUCE_TIMEOUT":
			return "1m"
		case "NEXUSD_RAFT_MAX_INFLIGHT_BYTES":
			return "1k"
		case "NEXUSD_LOGGING_LEVEL":
			return "warn"
		case "NEXUSD_PEERS_0_ADDR":
			return "10.0.0.9:8095"
		}
		return ""
	}

	require.NoError(t, c.ApplyEnvOverrides(getenv))
	require.Equal(t, ":9000", c.BindAddress)
	require.Equal(t, time.Minute, time.Duration(c.Broker.ProduceTimeout))
	require.Equal(t, uint64(1024), uint64(c.Raft.MaxInflightBytes))
	require.Equal(t, zapcore.WarnLevel, c.Logging.Level)
	require.Equal(t, "10.0.0.9:8095", c.Peers[0].Addr)
	require.NoError(t, c.Validate())

	err := c.ApplyEnvOverrides(func(s string) string {
		if s == "NEXUSD_RAFT_MAX_INFLIGHT_REQUESTS" {
			return "many"
		}
		return ""
	})
	require.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *run.Config {
		c := run.NewConfig()
		c.Dir = "/tmp/nexus"
		return c
	}
	require.NoError(t, valid().Validate())

	for _, tt := range []struct {
		name   string
		mutate func(c *run.Config)
		want   string
	}{
		{"node id", func(c *run.Config) { c.NodeID = 0 }, "node-id must be set"},
		{"dir", func(c *run.Config) { c.Dir = "" }, "dir must be specified"},
		{"peer missing addr", func(c *run.Config) { c.Peers = []nexus.Node{{ID: 1}} }, "id and addr are required"},
		{"duplicate peer", func(c *run.Config) {
			c.Peers = []nexus.Node{{ID: 1, Addr: "a"}, {ID: 1, Addr: "b"}}
		}, "listed twice"},
		{"node not a peer", func(c *run.Config) { c.Peers = []nexus.Node{{ID: 2, Addr: "a"}} }, "not one of the peers"},
		{"cluster id", func(c *run.Config) {
			c.Peers = []nexus.Node{{ID: 1, Addr: "a"}, {ID: 2, Addr: "b"}}
		}, "cluster-id must be set"},
		{"heartbeat", func(c *run.Config) { c.Raft.HeartbeatInterval = c.Raft.ElectionTimeout }, "heartbeat-interval must be shorter"},
		{"partitioner", func(c *run.Config) { c.Broker.Partitioner = "random" }, `unknown partitioner "random"`},
		{"storage", func(c *run.Config) { c.Storage.Engine = "tsm1" }, `unknown storage engine "tsm1"`},
		{"default topic", func(c *run.Config) { c.DefaultTopic = &run.TopicConfig{Name: "t"} }, "invalid default-topic"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			require.Error(t, err)
			require.True(t, strings.Contains(err.Error(), tt.want), err.Error())
		})
	}
}

func TestConfig_LoadClusterID(t *testing.T) {
	dir := t.TempDir()

	c := run.NewConfig()
	c.Dir = dir
	require.NoError(t, c.LoadClusterID())
	require.NotEmpty(t, c.ClusterID)

	// A restarted node keeps its id.
	again := run.NewConfig()
	again.Dir = dir
	require.NoError(t, again.LoadClusterID())
	require.Equal(t, c.ClusterID, again.ClusterID)

	// An explicit id wins.
	explicit := run.NewConfig()
	explicit.Dir = dir
	explicit.ClusterID = "prod"
	require.NoError(t, explicit.LoadClusterID())
	require.Equal(t, "prod", explicit.ClusterID)
}
