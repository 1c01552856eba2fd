package broker_test

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/nexus-streaming/nexus"
	"github.com/nexus-streaming/nexus/broker"
	perrors "github.com/nexus-streaming/nexus/kit/platform/errors"
	"github.com/nexus-streaming/nexus/kit/prom/promtest"
	tracetesting "github.com/nexus-streaming/nexus/kit/tracing/testing"
	"github.com/nexus-streaming/nexus/raft"
	"github.com/nexus-streaming/nexus/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"github.com/uber/jaeger-client-go"
	"go.uber.org/zap/zaptest"
)

const testHeartbeat = 100 * time.Millisecond

// testCluster is a set of brokers connected by an in-process network and
// driven by a shared mock clock.
type testCluster struct {
	t       *testing.T
	ids     []uint64
	clock   *clock.Mock
	network *raft.Network
	brokers map[uint64]*broker.Broker
	dirs    map[uint64]string
}

func newTestCluster(t *testing.T, ids []uint64, opts ...func(*broker.Config)) *testCluster {
	c := &testCluster{
		t:       t,
		ids:     ids,
		clock:   clock.NewMock(),
		network: raft.NewNetwork(),
		brokers: make(map[uint64]*broker.Broker),
		dirs:    make(map[uint64]string),
	}
	for _, id := range ids {
		c.dirs[id] = t.TempDir()
		c.open(id, opts...)
	}
	return c
}

// open starts the broker of node id on its data directory.
func (c *testCluster) open(id uint64, opts ...func(*broker.Config)) *broker.Broker {
	config := broker.Config{
		NodeID:                 id,
		Partitioner:            broker.HashPartitioner{},
		RetentionCheckInterval: -1,
		NewPartitionLog:        broker.InmemPartitionLog(),
		Engine: raft.Config{
			Transport:         c.network.Transport(id),
			ElectionTimeout:   time.Hour,
			HeartbeatInterval: testHeartbeat,
			RetryBackoffMin:   testHeartbeat,
			RetryBackoffMax:   4 * testHeartbeat,
		},
		Clock:  c.clock,
		Logger: zaptest.NewLogger(c.t),
	}
	for _, opt := range opts {
		opt(&config)
	}

	b, err := broker.NewBroker(config)
	require.NoError(c.t, err)
	c.network.Register(id, b.Mux())
	require.NoError(c.t, b.Open(context.Background(), c.dirs[id]))
	c.t.Cleanup(func() { _ = b.Close() })
	c.brokers[id] = b
	return b
}

// createTopic creates the topic on every broker and assigns each partition
// with StaticAssignment.
func (c *testCluster) createTopic(t nexus.Topic) {
	ctx := context.Background()
	for _, b := range c.brokers {
		require.NoError(c.t, b.CreateTopic(ctx, t))
	}
	for id := int32(0); id < t.Partitions; id++ {
		replicas := broker.StaticAssignment(c.ids, id, t.ReplicationFactor)
		for _, b := range c.brokers {
			require.NoError(c.t, b.AssignPartition(ctx, t.Name, id, replicas))
		}
	}
}

// elect makes leader lead the partition and waits until the given nodes,
// or every node when none is given, know it.
func (c *testCluster) elect(topic string, partition int32, leader uint64, nodes ...uint64) {
	e, err := c.brokers[leader].Engine(topic, partition)
	require.NoError(c.t, err)
	require.NoError(c.t, e.Elect(context.Background()))

	if len(nodes) == 0 {
		nodes = c.ids
	}
	c.eventually(func() bool {
		for _, id := range nodes {
			if l, _ := c.brokers[id].GetLeader(topic, partition); l != leader {
				return false
			}
		}
		return true
	})
}

// eventually ticks the clock by a heartbeat until fn returns true.
func (c *testCluster) eventually(fn func() bool) {
	c.t.Helper()
	require.Eventually(c.t, func() bool {
		c.clock.Add(testHeartbeat)
		return fn()
	}, 10*time.Second, 5*time.Millisecond)
}

func values(msgs []*nexus.Message) []string {
	a := make([]string, len(msgs))
	for i, m := range msgs {
		a[i] = string(m.Value)
	}
	return a
}

func TestBroker_ProduceConsume(t *testing.T) {
	c := newTestCluster(t, []uint64{1, 2, 3})
	c.createTopic(nexus.Topic{Name: "orders", Partitions: 3, ReplicationFactor: 3})
	for id := int32(0); id < 3; id++ {
		c.elect("orders", id, 1)
	}

	ctx := context.Background()
	in := &nexus.Message{
		Key:       []byte("k1"),
		Value:     []byte("v1"),
		Headers:   map[string]string{"trace": "abc"},
		Timestamp: 1700000000000,
	}
	offset, partition, err := c.brokers[1].Produce(ctx, "orders", in)
	require.NoError(t, err)
	require.Equal(t, uint64(0), offset)
	require.Equal(t, broker.HashPartitioner{}.Partition(in, 3), partition)

	msgs, err := c.brokers[1].Consume(ctx, "orders", partition, 0, 10)
	require.NoError(t, err)
	require.Equal(t, []*nexus.Message{{
		Key:       []byte("k1"),
		Value:     []byte("v1"),
		Headers:   map[string]string{"trace": "abc"},
		Timestamp: 1700000000000,
		Offset:    0,
	}}, msgs)

	// Followers see the message once they learn the commit.
	c.eventually(func() bool {
		msgs, err := c.brokers[3].Consume(ctx, "orders", partition, 0, 10)
		return err == nil && len(msgs) == 1
	})

	// Offsets are dense and per partition.
	for i, v := range []string{"v2", "v3"} {
		offset, p, err := c.brokers[1].Produce(ctx, "orders", &nexus.Message{Key: []byte("k1"), Value: []byte(v)})
		require.NoError(t, err)
		require.Equal(t, partition, p)
		require.Equal(t, uint64(i+1), offset)
	}
	msgs, err = c.brokers[1].Consume(ctx, "orders", partition, 1, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"v2", "v3"}, values(msgs))
	require.Equal(t, uint64(2), msgs[1].Offset)

	msgs, err = c.brokers[1].Consume(ctx, "orders", partition, 0, 2)
	require.NoError(t, err)
	require.Equal(t, []string{"v1", "v2"}, values(msgs))

	msgs, err = c.brokers[1].Consume(ctx, "orders", partition, 3, 10)
	require.NoError(t, err)
	require.Empty(t, msgs)

	_, err = c.brokers[1].Consume(ctx, "orders", partition, 0, 0)
	require.Equal(t, perrors.EInvalid, perrors.ErrorCode(err))
}

func TestBroker_Produce_NotLeader(t *testing.T) {
	c := newTestCluster(t, []uint64{1, 2, 3}, func(config *broker.Config) {
		config.Partitioner = broker.PartitionerFunc(func(*nexus.Message, int32) int32 { return 0 })
	})
	c.createTopic(nexus.Topic{Name: "orders", Partitions: 1, ReplicationFactor: 3})
	c.elect("orders", 0, 2)

	_, _, err := c.brokers[1].Produce(context.Background(), "orders", &nexus.Message{Value: []byte("v")})
	require.True(t, nexus.IsNotLeader(err), "got %v", err)
	leader, ok := nexus.LeaderHint(err)
	require.True(t, ok)
	require.Equal(t, uint64(2), leader)

	leader, ok = c.brokers[3].GetLeader("orders", 0)
	require.True(t, ok)
	require.Equal(t, uint64(2), leader)
}

func TestBroker_Produce_TooLarge(t *testing.T) {
	c := newTestCluster(t, []uint64{1}, func(config *broker.Config) {
		config.NewPartitionLog = broker.BoltPartitionLog(config.Logger)
	})
	c.createTopic(nexus.Topic{Name: "orders", Partitions: 1, ReplicationFactor: 1})
	c.elect("orders", 0, 1)
	ctx := context.Background()

	_, _, err := c.brokers[1].Produce(ctx, "orders", &nexus.Message{Value: make([]byte, storage.MaxEntrySize)})
	require.Equal(t, perrors.EInvalid, perrors.ErrorCode(err), "got %v", err)

	// The partition keeps serving.
	e, err := c.brokers[1].Engine("orders", 0)
	require.NoError(t, err)
	require.True(t, e.Status().Healthy)
	require.NoError(t, c.brokers[1].Healthy())

	offset, _, err := c.brokers[1].Produce(ctx, "orders", &nexus.Message{Value: []byte("v")})
	require.NoError(t, err)
	require.Equal(t, uint64(0), offset)
}

func TestBroker_Produce_Timeout(t *testing.T) {
	c := newTestCluster(t, []uint64{1, 2, 3}, func(config *broker.Config) {
		config.ProduceTimeout = 200 * time.Millisecond
	})
	c.createTopic(nexus.Topic{Name: "orders", Partitions: 1, ReplicationFactor: 3})
	c.elect("orders", 0, 1)

	ctx := context.Background()
	c.network.Disconnect(2)
	c.network.Disconnect(3)
	_, _, err := c.brokers[1].Produce(ctx, "orders", &nexus.Message{Value: []byte("a")})
	require.True(t, nexus.IsTimeout(err), "got %v", err)

	// The entry is kept and commits once the followers are back.
	c.network.Heal()
	e, err := c.brokers[1].Engine("orders", 0)
	require.NoError(t, err)
	c.eventually(func() bool { return e.Status().Committed == 1 })

	offset, _, err := c.brokers[1].Produce(ctx, "orders", &nexus.Message{Value: []byte("b")})
	require.NoError(t, err)
	require.Equal(t, uint64(1), offset)

	msgs, err := c.brokers[1].Consume(ctx, "orders", 0, 0, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, values(msgs))
}

func TestBroker_LeaderIsolated(t *testing.T) {
	c := newTestCluster(t, []uint64{1, 2, 3}, func(config *broker.Config) {
		config.Partitioner = broker.PartitionerFunc(func(*nexus.Message, int32) int32 { return 0 })
		config.ProduceTimeout = 200 * time.Millisecond
	})
	c.createTopic(nexus.Topic{Name: "orders", Partitions: 1, ReplicationFactor: 3})
	c.elect("orders", 0, 1)

	ctx := context.Background()
	offset, _, err := c.brokers[1].Produce(ctx, "orders", &nexus.Message{Value: []byte("a")})
	require.NoError(t, err)
	require.Equal(t, uint64(0), offset)

	// The old leader cannot commit without a majority.
	c.network.Partition([]uint64{1}, []uint64{2, 3})
	_, _, err = c.brokers[1].Produce(ctx, "orders", &nexus.Message{Value: []byte("lost")})
	require.True(t, nexus.IsTimeout(err), "got %v", err)

	c.elect("orders", 0, 2, 2, 3)
	offset, _, err = c.brokers[2].Produce(ctx, "orders", &nexus.Message{Value: []byte("b")})
	require.NoError(t, err)
	require.Equal(t, uint64(1), offset)

	// After healing, the old leader drops its uncommitted entry.
	c.network.Heal()
	c.eventually(func() bool {
		msgs, err := c.brokers[1].Consume(ctx, "orders", 0, 0, 10)
		return err == nil && len(msgs) == 2
	})
	msgs, err := c.brokers[1].Consume(ctx, "orders", 0, 0, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, values(msgs))
	require.Equal(t, uint64(1), msgs[1].Offset)
}

func TestBroker_CreateTopic(t *testing.T) {
	c := newTestCluster(t, []uint64{1})
	b := c.brokers[1]
	ctx := context.Background()

	require.NoError(t, b.CreateTopic(ctx, nexus.Topic{Name: "orders", Partitions: 3, ReplicationFactor: 1, RetentionMs: 1000}))

	err := b.CreateTopic(ctx, nexus.Topic{Name: "orders", Partitions: 1, ReplicationFactor: 1})
	require.True(t, nexus.IsConflict(err), "got %v", err)

	for _, invalid := range []nexus.Topic{
		{Name: "", Partitions: 1, ReplicationFactor: 1},
		{Name: "a b", Partitions: 1, ReplicationFactor: 1},
		{Name: "payments", Partitions: 0, ReplicationFactor: 1},
		{Name: "payments", Partitions: 1, ReplicationFactor: 0},
	} {
		err := b.CreateTopic(ctx, invalid)
		require.Equal(t, perrors.EInvalid, perrors.ErrorCode(err), "topic %+v", invalid)
	}

	parts, err := b.Partitions("orders")
	require.NoError(t, err)
	require.Equal(t, []nexus.Partition{
		{Topic: "orders", ID: 0},
		{Topic: "orders", ID: 1},
		{Topic: "orders", ID: 2},
	}, parts)

	_, err = b.Partitions("payments")
	require.True(t, nexus.IsNotFound(err))

	topic, err := b.Topic("orders")
	require.NoError(t, err)
	require.Equal(t, int64(1000), topic.RetentionMs)
	require.Equal(t, []nexus.Topic{topic}, b.Topics())
}

func TestBroker_AssignPartition(t *testing.T) {
	c := newTestCluster(t, []uint64{1})
	b := c.brokers[1]
	ctx := context.Background()
	require.NoError(t, b.CreateTopic(ctx, nexus.Topic{Name: "orders", Partitions: 2, ReplicationFactor: 3}))

	err := b.AssignPartition(ctx, "orders", 5, []uint64{1, 2, 3})
	require.True(t, nexus.IsNotFound(err))
	err = b.AssignPartition(ctx, "orders", 0, nil)
	require.Equal(t, perrors.EInvalid, perrors.ErrorCode(err))

	// Partition 1 lives on other nodes.
	require.NoError(t, b.AssignPartition(ctx, "orders", 1, []uint64{2, 3, 4}))
	_, err = b.Engine("orders", 1)
	require.True(t, nexus.IsNotFound(err))
	_, err = b.Consume(ctx, "orders", 1, 0, 10)
	require.True(t, nexus.IsNotFound(err))
	_, ok := b.GetLeader("orders", 1)
	require.False(t, ok)

	require.NoError(t, b.AssignPartition(ctx, "orders", 0, []uint64{1, 2, 3}))
	_, err = b.Engine("orders", 0)
	require.NoError(t, err)
	require.Equal(t, 1, b.Mux().Groups())

	require.NoError(t, b.AssignPartition(ctx, "orders", 0, []uint64{3, 2, 1}))
	err = b.AssignPartition(ctx, "orders", 0, []uint64{1, 2})
	require.True(t, nexus.IsConflict(err))

	_, ok = b.GetLeader("orders", 9)
	require.False(t, ok)
}

func TestBroker_Reopen(t *testing.T) {
	c := newTestCluster(t, []uint64{1}, func(config *broker.Config) {
		config.NewPartitionLog = broker.BoltPartitionLog(zaptest.NewLogger(t))
	})
	ctx := context.Background()
	c.createTopic(nexus.Topic{Name: "orders", Partitions: 2, ReplicationFactor: 1})
	c.elect("orders", 0, 1)

	offset, partition, err := c.brokers[1].Produce(ctx, "orders", &nexus.Message{Value: []byte("a")})
	require.NoError(t, err)
	require.Equal(t, uint64(0), offset)
	require.Equal(t, int32(0), partition)

	require.NoError(t, c.brokers[1].Close())
	require.ErrorIs(t, c.brokers[1].Close(), broker.ErrClosed)
	_, _, err = c.brokers[1].Produce(ctx, "orders", &nexus.Message{Value: []byte("x")})
	require.ErrorIs(t, err, broker.ErrClosed)

	b := c.open(1, func(config *broker.Config) {
		config.NewPartitionLog = broker.BoltPartitionLog(zaptest.NewLogger(t))
	})
	parts, err := b.Partitions("orders")
	require.NoError(t, err)
	require.Len(t, parts, 2)
	require.Equal(t, []uint64{1}, parts[1].Replicas)

	// Entries of an earlier term become visible with the first commit of
	// the new term.
	c.elect("orders", 0, 1)
	offset, _, err = b.Produce(ctx, "orders", &nexus.Message{Value: []byte("b")})
	require.NoError(t, err)
	require.Equal(t, uint64(1), offset)

	msgs, err := b.Consume(ctx, "orders", 0, 0, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, values(msgs))
}

func TestBroker_EnforceRetention(t *testing.T) {
	m := broker.NewMetrics()
	c := newTestCluster(t, []uint64{1}, func(config *broker.Config) {
		config.Metrics = m
	})
	ctx := context.Background()
	c.createTopic(nexus.Topic{Name: "orders", Partitions: 1, ReplicationFactor: 1, RetentionMs: 60000})
	c.createTopic(nexus.Topic{Name: "audit", Partitions: 1, ReplicationFactor: 1})
	c.elect("orders", 0, 1)
	c.elect("audit", 0, 1)

	for _, v := range []string{"a", "b", "c"} {
		_, _, err := c.brokers[1].Produce(ctx, "orders", &nexus.Message{Value: []byte(v)})
		require.NoError(t, err)
		_, _, err = c.brokers[1].Produce(ctx, "audit", &nexus.Message{Value: []byte(v)})
		require.NoError(t, err)
	}

	c.clock.Add(2 * time.Minute)
	_, _, err := c.brokers[1].Produce(ctx, "orders", &nexus.Message{Value: []byte("d")})
	require.NoError(t, err)

	n, err := c.brokers[1].EnforceRetention(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	// Repeating the pass removes nothing more.
	n, err = c.brokers[1].EnforceRetention(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	msgs, err := c.brokers[1].Consume(ctx, "orders", 0, 0, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"d"}, values(msgs))
	require.Equal(t, uint64(3), msgs[0].Offset)

	msgs, err = c.brokers[1].Consume(ctx, "audit", 0, 0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 3)

	reg := prometheus.NewRegistry()
	reg.MustRegister(m.PrometheusCollectors()...)
	mfs := promtest.MustGather(t, reg)
	require.Equal(t, float64(3), promtest.CounterValue(t, mfs, "nexus_broker_retention_removed_total", map[string]string{"topic": "orders"}))
	require.Equal(t, float64(4), promtest.CounterValue(t, mfs, "nexus_broker_committed_messages_total", map[string]string{"topic": "orders"}))
	require.Equal(t, float64(4), promtest.CounterValue(t, mfs, "nexus_broker_produced_total", map[string]string{"topic": "orders", "status": "committed"}))
	require.Equal(t, float64(3), promtest.CounterValue(t, mfs, "nexus_broker_consumed_messages_total", map[string]string{"topic": "audit"}))
}

func TestBroker_RetentionLoop(t *testing.T) {
	c := newTestCluster(t, []uint64{1}, func(config *broker.Config) {
		config.RetentionCheckInterval = time.Minute
	})
	ctx := context.Background()
	c.createTopic(nexus.Topic{Name: "orders", Partitions: 1, ReplicationFactor: 1, RetentionMs: 1000})
	c.elect("orders", 0, 1)

	_, _, err := c.brokers[1].Produce(ctx, "orders", &nexus.Message{Value: []byte("a")})
	require.NoError(t, err)
	_, _, err = c.brokers[1].Produce(ctx, "orders", &nexus.Message{Value: []byte("b")})
	require.NoError(t, err)

	e, err := c.brokers[1].Engine("orders", 0)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		c.clock.Add(time.Minute)
		return e.Status().FirstIndex == 2
	}, 10*time.Second, 5*time.Millisecond)
}

func TestBroker_Tracing(t *testing.T) {
	reporter := tracetesting.SetupInMemoryTracing(t, "nexus")

	c := newTestCluster(t, []uint64{1})
	c.createTopic(nexus.Topic{Name: "orders", Partitions: 1, ReplicationFactor: 1})
	c.elect("orders", 0, 1)

	ctx := context.Background()
	_, _, err := c.brokers[1].Produce(ctx, "orders", &nexus.Message{Value: []byte("a")})
	require.NoError(t, err)
	_, err = c.brokers[1].Consume(ctx, "orders", 0, 0, 10)
	require.NoError(t, err)

	ops := make(map[string]map[string]interface{})
	for _, s := range reporter.GetSpans() {
		span := s.(*jaeger.Span)
		ops[span.OperationName()] = span.Tags()
	}
	require.Contains(t, ops, "broker.CreateTopic")
	require.Contains(t, ops, "broker.AssignPartition")
	require.Equal(t, "orders", ops["broker.Produce"]["topic"])
	require.Equal(t, int32(0), ops["broker.Produce"]["partition"])
	require.Equal(t, 1, ops["broker.Consume"]["messages"])
}

func TestNewBroker_Validate(t *testing.T) {
	for _, tt := range []struct {
		name   string
		config broker.Config
		err    error
	}{
		{"node id", broker.Config{Partitioner: broker.HashPartitioner{}, NewPartitionLog: broker.InmemPartitionLog()}, broker.ErrNodeIDRequired},
		{"partitioner", broker.Config{NodeID: 1, NewPartitionLog: broker.InmemPartitionLog()}, broker.ErrPartitionerRequired},
		{"partition log", broker.Config{NodeID: 1, Partitioner: broker.HashPartitioner{}}, broker.ErrPartitionLogRequired},
	} {
		t.Run(tt.name, func(t *testing.T) {
			_, err := broker.NewBroker(tt.config)
			require.ErrorIs(t, err, tt.err)
		})
	}

	b, err := broker.NewBroker(broker.Config{NodeID: 1, Partitioner: broker.HashPartitioner{}, NewPartitionLog: broker.InmemPartitionLog()})
	require.NoError(t, err)
	require.ErrorIs(t, b.Open(context.Background(), ""), broker.ErrPathRequired)
}
