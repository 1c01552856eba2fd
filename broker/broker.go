// Package broker implements the partition coordinator and the broker API.
//
// A broker keeps the topic and partition records of the cluster in a bbolt
// metadata file and hosts one consensus engine per partition whose replica
// set includes the local node. Produce calls are routed to the partition's
// engine and return once a majority of the replicas hold the message.
package broker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/nexus-streaming/nexus"
	perrors "github.com/nexus-streaming/nexus/kit/platform/errors"
	"github.com/nexus-streaming/nexus/kit/tracing"
	"github.com/nexus-streaming/nexus/logger"
	"github.com/nexus-streaming/nexus/raft"
	"github.com/nexus-streaming/nexus/storage"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultProduceTimeout bounds the wait for a produced message to commit.
	DefaultProduceTimeout = 5 * time.Second

	// DefaultRetentionCheckInterval is the time between retention passes.
	DefaultRetentionCheckInterval = 1 * time.Minute
)

// Config represents the configuration of a broker.
type Config struct {
	// NodeID is the id of the local node in every replica set.
	NodeID uint64

	// Partitioner picks the partition of produced messages.
	Partitioner Partitioner

	// ProduceTimeout bounds Produce when the caller's context has no
	// earlier deadline.
	ProduceTimeout time.Duration

	// RetentionCheckInterval is the time between retention passes. A
	// negative value disables the background pass.
	RetentionCheckInterval time.Duration

	// NewPartitionLog opens the log of a hosted partition.
	NewPartitionLog PartitionLogFunc

	// Engine is the template of every partition's engine configuration.
	// Identity, replica set, storage and FSM are filled in by the broker.
	Engine raft.Config

	// Mux receives the engine of every hosted partition so that inbound
	// RPCs reach it. A new mux is created if nil.
	Mux *raft.Mux

	Clock          clock.Clock
	Logger         *zap.Logger
	Metrics        *Metrics
	StorageMetrics *storage.Metrics
}

// Broker routes produce and consume calls to the partitions of a node.
type Broker struct {
	mu         sync.RWMutex
	path       string
	meta       *metaStore
	topics     map[string]*nexus.Topic
	partitions map[string]*partition // by group name

	config  Config
	mux     *raft.Mux
	clock   clock.Clock
	logger  *zap.Logger
	metrics *Metrics

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBroker returns a new instance of Broker. It must be opened before use.
func NewBroker(c Config) (*Broker, error) {
	switch {
	case c.NodeID == 0:
		return nil, ErrNodeIDRequired
	case c.Partitioner == nil:
		return nil, ErrPartitionerRequired
	case c.NewPartitionLog == nil:
		return nil, ErrPartitionLogRequired
	}
	if c.ProduceTimeout <= 0 {
		c.ProduceTimeout = DefaultProduceTimeout
	}
	if c.RetentionCheckInterval == 0 {
		c.RetentionCheckInterval = DefaultRetentionCheckInterval
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Metrics == nil {
		c.Metrics = NewMetrics()
	}
	if c.Mux == nil {
		c.Mux = raft.NewMux()
	}

	return &Broker{
		topics:     make(map[string]*nexus.Topic),
		partitions: make(map[string]*partition),
		config:     c,
		mux:        c.Mux,
		clock:      c.Clock,
		logger:     c.Logger.With(logger.NodeID(c.NodeID)),
		metrics:    c.Metrics,
	}, nil
}

// Mux returns the mux holding the engines of hosted partitions.
func (b *Broker) Mux() *raft.Mux { return b.mux }

// Path returns the data directory, or an empty string if the broker is closed.
func (b *Broker) Path() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.path
}

func (b *Broker) opened() bool { return b.path != "" }

// Open loads the metadata in path and opens every hosted partition.
func (b *Broker) Open(ctx context.Context, path string) error {
	if path == "" {
		return ErrPathRequired
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.opened() {
		return nil
	}

	if err := func() error {
		b.path = path
		if err := os.MkdirAll(path, 0700); err != nil {
			return fmt.Errorf("mkdir: %w", err)
		}

		meta, err := openMetaStore(filepath.Join(path, "meta.db"))
		if err != nil {
			return err
		}
		b.meta = meta

		topics, parts, err := meta.load()
		if err != nil {
			return fmt.Errorf("load meta: %w", err)
		}
		for _, t := range topics {
			b.topics[t.Name] = t
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, info := range parts {
			p := &partition{info: *info, topic: b.topics[info.Topic]}
			if p.topic == nil {
				return fmt.Errorf("partition %s has no topic", info.Group())
			}
			b.partitions[info.Group()] = p
			if info.HasReplica(b.config.NodeID) {
				g.Go(func() error { return b.openPartition(gctx, p) })
			}
		}
		return g.Wait()
	}(); err != nil {
		_ = b.close()
		return err
	}

	if b.config.RetentionCheckInterval > 0 {
		var rctx context.Context
		rctx, b.cancel = context.WithCancel(context.Background())
		b.wg.Add(1)
		go b.runRetention(rctx, b.config.RetentionCheckInterval)
	}

	b.logger.Info("Broker opened",
		zap.String("path", path),
		zap.Int("topics", len(b.topics)),
		zap.Int("partitions", len(b.partitions)))
	return nil
}

// openPartition opens the log and engine of a partition hosted by the
// local node and registers the engine with the mux.
func (b *Broker) openPartition(ctx context.Context, p *partition) error {
	group := p.info.Group()
	span, ctx := tracing.StartSpan(ctx, "broker.openPartition", p.info.Topic, p.info.ID)
	defer span.Finish()

	l, err := b.config.NewPartitionLog(ctx, group, p.dir(b.path))
	if err != nil {
		return tracing.LogError(span, fmt.Errorf("open log %s: %w", group, err))
	}

	var ls storage.LogStore = l
	if b.config.StorageMetrics != nil {
		ls = storage.Instrument(l, group, b.config.StorageMetrics)
	}

	c := b.config.Engine
	c.ID = b.config.NodeID
	c.Group = group
	c.Peers = append([]uint64(nil), p.info.Replicas...)
	c.Log = ls
	c.State = l
	c.FSM = b.committedMessages(p.info.Topic)
	if c.Clock == nil {
		c.Clock = b.clock
	}
	if c.Logger == nil {
		c.Logger = b.config.Logger
	}

	e, err := raft.NewEngine(c)
	if err != nil {
		_ = l.Close()
		return tracing.LogError(span, err)
	}
	if err := e.Open(); err != nil {
		_ = l.Close()
		return tracing.LogError(span, err)
	}

	p.log, p.engine = l, e
	b.mux.Handle(group, e)
	b.metrics.Partitions.Inc()
	return nil
}

// committedMessages returns the FSM of a topic's partitions.
func (b *Broker) committedMessages(topic string) raft.FSM {
	messages := b.metrics.CommittedMessages.WithLabelValues(topic)
	bytes := b.metrics.CommittedBytes.WithLabelValues(topic)
	return raft.FSMFunc(func(e *storage.Entry) {
		messages.Inc()
		bytes.Add(float64(len(e.Command)))
	})
}

// Close stops the retention pass and closes every hosted partition.
func (b *Broker) Close() error {
	b.mu.Lock()
	if !b.opened() {
		b.mu.Unlock()
		return ErrClosed
	}
	cancel := b.cancel
	b.cancel = nil
	b.mu.Unlock()

	if cancel != nil {
		cancel()
		b.wg.Wait()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.close()
}

func (b *Broker) close() error {
	var err error
	for group, p := range b.partitions {
		if p.hosted() {
			b.mux.Remove(group)
			b.metrics.Partitions.Dec()
		}
		err = multierr.Append(err, p.close())
	}
	if b.meta != nil {
		err = multierr.Append(err, b.meta.Close())
		b.meta = nil
	}
	b.path = ""
	b.topics = make(map[string]*nexus.Topic)
	b.partitions = make(map[string]*partition)
	return err
}

// CreateTopic records a topic and its partitions. Partitions start with no
// replicas; AssignPartition places them.
func (b *Broker) CreateTopic(ctx context.Context, t nexus.Topic) error {
	span, _ := tracing.StartSpan(ctx, "broker.CreateTopic", t.Name, -1)
	defer span.Finish()

	if err := t.Valid(); err != nil {
		return tracing.LogError(span, &perrors.Error{Code: perrors.ErrorCode(err), Op: "broker.CreateTopic", Err: err})
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.opened() {
		return ErrClosed
	} else if _, ok := b.topics[t.Name]; ok {
		return tracing.LogError(span, nexus.NewDuplicateTopicError(t.Name))
	}

	parts := make([]*nexus.Partition, t.Partitions)
	for i := range parts {
		parts[i] = &nexus.Partition{Topic: t.Name, ID: int32(i)}
	}
	if err := b.meta.createTopic(&t, parts); err != nil {
		return tracing.LogError(span, err)
	}

	topic := &t
	b.topics[t.Name] = topic
	for _, info := range parts {
		b.partitions[info.Group()] = &partition{info: *info, topic: topic}
	}

	b.logger.Info("Created topic",
		logger.Topic(t.Name),
		zap.Int32("partitions", t.Partitions),
		zap.Int32("replication_factor", t.ReplicationFactor),
		zap.Int64("retention_ms", t.RetentionMs))
	return nil
}

// AssignPartition sets the replica set of a partition and, when the local
// node is one of the replicas, starts hosting it. A replica set cannot be
// changed once assigned.
func (b *Broker) AssignPartition(ctx context.Context, topic string, id int32, replicas []uint64) error {
	const op = "broker.AssignPartition"
	span, ctx := tracing.StartSpan(ctx, op, topic, id)
	defer span.Finish()

	if len(replicas) == 0 {
		return &perrors.Error{Code: perrors.EInvalid, Op: op, Msg: "replica set required"}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.opened() {
		return ErrClosed
	}

	p := b.partitions[nexus.GroupName(topic, id)]
	if p == nil {
		return tracing.LogError(span, nexus.NewPartitionNotFoundError(op, topic, id))
	}
	if len(p.info.Replicas) > 0 {
		if sameReplicas(p.info.Replicas, replicas) {
			return nil
		}
		return &perrors.Error{
			Code: perrors.EConflict,
			Op:   op,
			Msg:  fmt.Sprintf("partition %s is already assigned to %v", p.info.Group(), p.info.Replicas),
		}
	}

	info := p.info
	info.Replicas = append([]uint64(nil), replicas...)
	if err := b.meta.putPartition(&info); err != nil {
		return tracing.LogError(span, err)
	}
	p.info = info

	if info.HasReplica(b.config.NodeID) {
		if err := b.openPartition(ctx, p); err != nil {
			return err
		}
	}
	b.logger.Info("Assigned partition",
		logger.Group(info.Group()),
		zap.Uint64s("replicas", info.Replicas),
		zap.Bool("hosted", p.hosted()))
	return nil
}

func sameReplicas(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	x := append([]uint64(nil), a...)
	y := append([]uint64(nil), b...)
	sort.Slice(x, func(i, j int) bool { return x[i] < x[j] })
	sort.Slice(y, func(i, j int) bool { return y[i] < y[j] })
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}

// hostedPartition returns the engine and log of a partition hosted by the
// local node.
func (b *Broker) hostedPartition(op, topic string, id int32) (*raft.Engine, PartitionLog, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.opened() {
		return nil, nil, ErrClosed
	}
	p := b.partitions[nexus.GroupName(topic, id)]
	if p == nil || !p.hosted() {
		return nil, nil, nexus.NewPartitionNotFoundError(op, topic, id)
	}
	return p.engine, p.log, nil
}

// Produce appends a message to a partition chosen by the partitioner and
// returns its offset once a majority of the partition's replicas hold it.
//
// A message that is not committed before the produce timeout yields an
// ETimeout error; it may still commit later. A follower rejects the message
// with an ENotLeader error carrying the leader hint.
func (b *Broker) Produce(ctx context.Context, topic string, m *nexus.Message) (uint64, int32, error) {
	const op = "broker.Produce"

	b.mu.RLock()
	if !b.opened() {
		b.mu.RUnlock()
		return 0, 0, ErrClosed
	}
	t := b.topics[topic]
	b.mu.RUnlock()
	if t == nil {
		return 0, 0, nexus.NewTopicNotFoundError(op, topic)
	}

	id := b.config.Partitioner.Partition(m, t.Partitions)
	if id < 0 || id >= t.Partitions {
		return 0, 0, nexus.NewPartitionNotFoundError(op, topic, id)
	}
	engine, _, err := b.hostedPartition(op, topic, id)
	if err != nil {
		return 0, id, err
	}

	span, ctx := tracing.StartSpan(ctx, op, topic, id)
	defer span.Finish()

	msg := *m
	if msg.Timestamp == 0 {
		msg.Timestamp = b.clock.Now().UnixNano() / int64(time.Millisecond)
	}
	data, err := msg.MarshalBinary()
	if err != nil {
		return 0, id, tracing.LogError(span, &perrors.Error{Code: perrors.EInvalid, Op: op, Err: err})
	} else if len(data) > storage.MaxEntrySize {
		return 0, id, tracing.LogError(span, &perrors.Error{
			Code: perrors.EInvalid,
			Op:   op,
			Msg:  fmt.Sprintf("message of %d bytes exceeds the %d byte limit", len(data), storage.MaxEntrySize),
		})
	}

	ctx, cancel := context.WithTimeout(ctx, b.config.ProduceTimeout)
	defer cancel()

	start := time.Now()
	offset, err := b.propose(ctx, engine, data)
	if err != nil {
		b.metrics.Produced.WithLabelValues(topic, "failed").Inc()
		return 0, id, tracing.LogError(span, err)
	}
	b.metrics.Produced.WithLabelValues(topic, "committed").Inc()
	b.metrics.ProduceDuration.WithLabelValues(topic).Observe(time.Since(start).Seconds())
	return offset, id, nil
}

// propose proposes data and waits for it to commit.
func (b *Broker) propose(ctx context.Context, e *raft.Engine, data []byte) (uint64, error) {
	prop, err := e.Propose(ctx, data)
	if err == nil {
		err = prop.Wait(ctx)
	}
	switch {
	case err == nil:
		return prop.Index, nil
	case errors.Is(err, context.DeadlineExceeded):
		return 0, nexus.NewTimeoutError("broker.Produce", err)
	case errors.Is(err, raft.ErrClosed):
		return 0, &perrors.Error{Code: perrors.EUnavailable, Op: "broker.Produce", Err: err}
	}
	return 0, err
}

// Consume returns up to max committed messages of a hosted partition,
// starting at offset. Messages removed by retention are skipped, and
// uncommitted ones are never returned.
func (b *Broker) Consume(ctx context.Context, topic string, id int32, offset uint64, max int) ([]*nexus.Message, error) {
	const op = "broker.Consume"
	if max <= 0 {
		return nil, &perrors.Error{Code: perrors.EInvalid, Op: op, Msg: "max messages must be positive"}
	}
	engine, log, err := b.hostedPartition(op, topic, id)
	if err != nil {
		return nil, err
	}

	span, _ := tracing.StartSpan(ctx, op, topic, id)
	defer span.Finish()

	committed := engine.Status().Committed
	if offset >= committed {
		return nil, nil
	}
	end := committed
	if offset+uint64(max) < end {
		end = offset + uint64(max)
	}

	entries, err := log.ReadRange(offset, end-1)
	if err != nil {
		return nil, tracing.LogError(span, err)
	}
	msgs := make([]*nexus.Message, 0, len(entries))
	for _, e := range entries {
		m := &nexus.Message{}
		if err := m.UnmarshalBinary(e.Command); err != nil {
			return nil, tracing.LogError(span, &perrors.Error{
				Code: perrors.EInternal,
				Op:   op,
				Msg:  fmt.Sprintf("decode message at offset %d", e.Index),
				Err:  err,
			})
		}
		m.Offset = e.Index
		msgs = append(msgs, m)
	}
	span.SetTag("messages", len(msgs))
	b.metrics.Consumed.WithLabelValues(topic).Add(float64(len(msgs)))
	return msgs, nil
}

// GetLeader returns the node believed to lead a partition. The answer comes
// from the local engine when the partition is hosted here.
func (b *Broker) GetLeader(topic string, id int32) (uint64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p := b.partitions[nexus.GroupName(topic, id)]
	if p == nil {
		return 0, false
	}
	leader := p.snapshot().Leader
	return leader, leader != 0
}

// Engine returns the consensus engine of a hosted partition.
func (b *Broker) Engine(topic string, id int32) (*raft.Engine, error) {
	engine, _, err := b.hostedPartition("broker.Engine", topic, id)
	return engine, err
}

// Topic returns a topic by name.
func (b *Broker) Topic(name string) (nexus.Topic, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t := b.topics[name]
	if t == nil {
		return nexus.Topic{}, nexus.NewTopicNotFoundError("broker.Topic", name)
	}
	return *t, nil
}

// Topics returns all topics sorted by name.
func (b *Broker) Topics() []nexus.Topic {
	b.mu.RLock()
	defer b.mu.RUnlock()
	a := make([]nexus.Topic, 0, len(b.topics))
	for _, t := range b.topics {
		a = append(a, *t)
	}
	sort.Slice(a, func(i, j int) bool { return a[i].Name < a[j].Name })
	return a
}

// Partitions returns the partition records of a topic ordered by id.
func (b *Broker) Partitions(topic string) ([]nexus.Partition, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t := b.topics[topic]
	if t == nil {
		return nil, nexus.NewTopicNotFoundError("broker.Partitions", topic)
	}
	a := make([]nexus.Partition, 0, t.Partitions)
	for id := int32(0); id < t.Partitions; id++ {
		if p := b.partitions[nexus.GroupName(topic, id)]; p != nil {
			a = append(a, p.snapshot())
		}
	}
	return a, nil
}

// Healthy returns an error naming the hosted partitions whose engine
// stopped after a storage failure.
func (b *Broker) Healthy() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var err error
	for group, p := range b.partitions {
		if p.hosted() && !p.engine.Status().Healthy {
			err = multierr.Append(err, fmt.Errorf("partition %s is unhealthy", group))
		}
	}
	return err
}
