package broker

import (
	"context"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/nexus-streaming/nexus"
	"github.com/nexus-streaming/nexus/raft"
	"github.com/nexus-streaming/nexus/storage"
	"github.com/nexus-streaming/nexus/storage/bolt"
	"github.com/nexus-streaming/nexus/storage/inmem"
	"github.com/nexus-streaming/nexus/storage/segment"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// PartitionLog is the durable state of one hosted partition.
type PartitionLog interface {
	storage.LogStore
	storage.StateStore
}

// PartitionLogFunc opens the log of a partition in dir.
type PartitionLogFunc func(ctx context.Context, group, dir string) (PartitionLog, error)

// BoltPartitionLog keeps each partition in its own bbolt file.
func BoltPartitionLog(log *zap.Logger) PartitionLogFunc {
	return func(ctx context.Context, group, dir string) (PartitionLog, error) {
		s := bolt.NewLogStore(filepath.Join(dir, "log.db"))
		s.WithLogger(log.With(zap.String("group", group)))
		if err := s.Open(ctx); err != nil {
			return nil, err
		}
		return s, nil
	}
}

// SegmentPartitionLog keeps each partition in a directory of segment files.
func SegmentPartitionLog(maxSegmentSize int64, log *zap.Logger) PartitionLogFunc {
	return func(ctx context.Context, group, dir string) (PartitionLog, error) {
		s := segment.NewLogStore(dir)
		s.Logger = log.With(zap.String("group", group))
		if maxSegmentSize > 0 {
			s.MaxSegmentSize = maxSegmentSize
		}
		if err := s.Open(); err != nil {
			return nil, err
		}
		return s, nil
	}
}

// InmemPartitionLog keeps partitions in memory. Nothing survives a restart.
func InmemPartitionLog() PartitionLogFunc {
	return func(ctx context.Context, group, dir string) (PartitionLog, error) {
		return inmem.NewLogStore(), nil
	}
}

// StaticAssignment returns the replica set of a partition by rotating over
// the sorted node list, so consecutive partitions get different first
// replicas. At most len(nodes) replicas are returned.
func StaticAssignment(nodes []uint64, partition, replicationFactor int32) []uint64 {
	if len(nodes) == 0 || replicationFactor <= 0 {
		return nil
	}
	sorted := append([]uint64(nil), nodes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	n := int(replicationFactor)
	if n > len(sorted) {
		n = len(sorted)
	}
	replicas := make([]uint64, 0, n)
	for i := 0; i < n; i++ {
		replicas = append(replicas, sorted[(int(partition)+i)%len(sorted)])
	}
	return replicas
}

// partition is a partition record, plus its engine and log when the local
// node is one of its replicas.
type partition struct {
	info  nexus.Partition
	topic *nexus.Topic

	log    PartitionLog
	engine *raft.Engine
}

func (p *partition) hosted() bool { return p.engine != nil }

// dir returns the data directory of the partition under root.
func (p *partition) dir(root string) string {
	return filepath.Join(root, "partitions", p.info.Topic, strconv.Itoa(int(p.info.ID)))
}

// snapshot returns a copy of the record with the leader refreshed from the
// engine.
func (p *partition) snapshot() nexus.Partition {
	info := p.info
	info.Replicas = append([]uint64(nil), p.info.Replicas...)
	if p.engine != nil {
		info.Leader = p.engine.Leader()
	}
	return info
}

func (p *partition) close() error {
	var err error
	if p.engine != nil {
		err = multierr.Append(err, p.engine.Close())
		p.engine = nil
	}
	if p.log != nil {
		err = multierr.Append(err, p.log.Close())
		p.log = nil
	}
	return err
}
