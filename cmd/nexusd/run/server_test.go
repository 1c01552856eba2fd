package run_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/nexus-streaming/nexus"
	"github.com/nexus-streaming/nexus/cmd/nexusd/run"
	itoml "github.com/nexus-streaming/nexus/toml"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// newTestConfig returns a config for a node listening on a random port with
// short consensus timings.
func newTestConfig(t *testing.T, id uint64) *run.Config {
	t.Helper()
	c := run.NewConfig()
	c.NodeID = id
	c.Dir = t.TempDir()
	c.BindAddress = "127.0.0.1:0"
	c.Storage.Engine = run.EngineMemory
	c.Raft.ElectionTimeout = itoml.Duration(150 * time.Millisecond)
	c.Raft.HeartbeatInterval = itoml.Duration(20 * time.Millisecond)
	c.Raft.RPCTimeout = itoml.Duration(time.Second)
	c.Raft.RetryBackoffMin = itoml.Duration(10 * time.Millisecond)
	c.Raft.RetryBackoffMax = itoml.Duration(100 * time.Millisecond)
	c.Broker.RetentionCheckInterval = itoml.Duration(-1)
	return c
}

func openServer(t *testing.T, c *run.Config) *run.Server {
	t.Helper()
	s, err := run.NewServer(c, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, s.Open(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func get(t *testing.T, s *run.Server, path string) (int, string) {
	t.Helper()
	resp, err := http.Get("http://" + s.Addr().String() + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestServer_SingleNode(t *testing.T) {
	c := newTestConfig(t, 1)
	c.DefaultTopic = &run.TopicConfig{Name: "events", Partitions: 2, ReplicationFactor: 1}
	s := openServer(t, c)

	// The cluster id was generated and persisted.
	require.NotEmpty(t, c.ClusterID)

	for id := int32(0); id < 2; id++ {
		id := id
		require.Eventually(t, func() bool {
			leader, ok := s.Broker.GetLeader("events", id)
			return ok && leader == 1
		}, 10*time.Second, 10*time.Millisecond)
	}

	ctx := context.Background()
	offset, partition, err := s.Broker.Produce(ctx, "events", &nexus.Message{Key: []byte("k"), Value: []byte("v1")})
	require.NoError(t, err)
	require.Equal(t, uint64(0), offset)

	msgs, err := s.Broker.Consume(ctx, "events", partition, 0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "v1", string(msgs[0].Value))

	code, body := get(t, s, "/health")
	require.Equal(t, http.StatusOK, code)
	var health struct {
		Status string `json:"status"`
		NodeID uint64 `json:"nodeID"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &health))
	require.Equal(t, "pass", health.Status)
	require.Equal(t, uint64(1), health.NodeID)

	code, body = get(t, s, "/metrics")
	require.Equal(t, http.StatusOK, code)
	require.True(t, strings.Contains(body, `nexus_broker_produced_total{status="committed",topic="events"} 1`), body)
	require.True(t, strings.Contains(body, "nexus_broker_hosted_partitions 2"), body)

	// Consensus traffic from another cluster is refused.
	req, err := http.NewRequest(http.MethodPost, "http://"+s.Addr().String()+"/raft/events/0/vote", nil)
	require.NoError(t, err)
	req.Header.Set("X-Raft-Cluster", "other")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctxShutdown))
}

func TestServer_Restart(t *testing.T) {
	c := newTestConfig(t, 1)
	c.Storage.Engine = run.EngineBolt
	c.DefaultTopic = &run.TopicConfig{Name: "events", Partitions: 1, ReplicationFactor: 1}

	s, err := run.NewServer(c, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, s.Open(context.Background()))
	require.Eventually(t, func() bool {
		_, ok := s.Broker.GetLeader("events", 0)
		return ok
	}, 10*time.Second, 10*time.Millisecond)
	_, _, err = s.Broker.Produce(context.Background(), "events", &nexus.Message{Value: []byte("a")})
	require.NoError(t, err)
	require.NoError(t, s.Shutdown(context.Background()))

	// Reopening finds the topic, its partition and the stored message.
	s = openServer(t, c)
	require.Eventually(t, func() bool {
		_, ok := s.Broker.GetLeader("events", 0)
		return ok
	}, 10*time.Second, 10*time.Millisecond)
	offset, _, err := s.Broker.Produce(context.Background(), "events", &nexus.Message{Value: []byte("b")})
	require.NoError(t, err)
	require.Equal(t, uint64(1), offset)

	msgs, err := s.Broker.Consume(context.Background(), "events", 0, 0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "a", string(msgs[0].Value))
	require.Equal(t, "b", string(msgs[1].Value))
}

func TestServer_Cluster(t *testing.T) {
	ids := []uint64{1, 2, 3}
	servers := make(map[uint64]*run.Server, len(ids))
	for _, id := range ids {
		c := newTestConfig(t, id)
		c.ClusterID = "test-cluster"
		for _, peer := range ids {
			// Real addresses are set once every listener is bound.
			c.Peers = append(c.Peers, nexus.Node{ID: peer, Addr: "127.0.0.1:0"})
		}
		c.DefaultTopic = &run.TopicConfig{Name: "events", Partitions: 1, ReplicationFactor: 3}
		servers[id] = openServer(t, c)
	}
	for _, s := range servers {
		for _, id := range ids {
			s.Transport.SetPeer(id, "http://"+servers[id].Addr().String())
		}
	}

	var leader uint64
	require.Eventually(t, func() bool {
		l, ok := servers[1].Broker.GetLeader("events", 0)
		if !ok {
			return false
		}
		for _, s := range servers {
			if other, _ := s.Broker.GetLeader("events", 0); other != l {
				return false
			}
		}
		leader = l
		return true
	}, 10*time.Second, 10*time.Millisecond)

	var offset uint64
	require.Eventually(t, func() bool {
		l, _ := servers[1].Broker.GetLeader("events", 0)
		o, _, err := servers[l].Broker.Produce(context.Background(), "events", &nexus.Message{Value: []byte("replicated")})
		offset = o
		return err == nil
	}, 10*time.Second, 50*time.Millisecond, "leader %d never accepted the message", leader)

	// Every replica eventually exposes the committed message.
	for _, id := range ids {
		s := servers[id]
		require.Eventually(t, func() bool {
			msgs, err := s.Broker.Consume(context.Background(), "events", 0, offset, 1)
			return err == nil && len(msgs) == 1 && string(msgs[0].Value) == "replicated"
		}, 10*time.Second, 10*time.Millisecond, "node %d", id)
	}
}
