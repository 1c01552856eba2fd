package storage

import (
	"time"

	"github.com/nexus-streaming/nexus"
	"github.com/prometheus/client_golang/prometheus"
)

// InstrumentedLogStore records metrics for every operation of the wrapped store.
type InstrumentedLogStore struct {
	LogStore

	appendedEntries prometheus.Counter
	appendedBytes   prometheus.Counter
	appendDuration  prometheus.Observer
	compacted       prometheus.Counter
	truncations     prometheus.Counter
	ioErrors        prometheus.Counter
}

// Instrument wraps s so that its operations are counted under group.
func Instrument(s LogStore, group string, m *Metrics) *InstrumentedLogStore {
	labels := prometheus.Labels{"group": group}
	return &InstrumentedLogStore{
		LogStore:        s,
		appendedEntries: m.AppendedEntries.With(labels),
		appendedBytes:   m.AppendedBytes.With(labels),
		appendDuration:  m.AppendDuration.With(labels),
		compacted:       m.CompactedTotal.With(labels),
		truncations:     m.Truncations.With(labels),
		ioErrors:        m.IOErrors.With(labels),
	}
}

func (s *InstrumentedLogStore) Append(entries ...*Entry) (uint64, error) {
	start := time.Now()
	last, err := s.LogStore.Append(entries...)
	if err != nil {
		s.countError(err)
		return last, err
	}
	s.appendDuration.Observe(time.Since(start).Seconds())

	var n int
	for _, e := range entries {
		n += e.Size()
	}
	s.appendedEntries.Add(float64(len(entries)))
	s.appendedBytes.Add(float64(n))
	return last, nil
}

func (s *InstrumentedLogStore) Read(index uint64) (*Entry, error) {
	e, err := s.LogStore.Read(index)
	if err != nil {
		s.countError(err)
	}
	return e, err
}

func (s *InstrumentedLogStore) ReadRange(start, end uint64) ([]*Entry, error) {
	a, err := s.LogStore.ReadRange(start, end)
	if err != nil {
		s.countError(err)
	}
	return a, err
}

func (s *InstrumentedLogStore) TruncateFrom(index uint64) error {
	if err := s.LogStore.TruncateFrom(index); err != nil {
		s.countError(err)
		return err
	}
	s.truncations.Inc()
	return nil
}

func (s *InstrumentedLogStore) Compact(p RetentionPolicy) (int, error) {
	n, err := s.LogStore.Compact(p)
	if err != nil {
		s.countError(err)
	}
	s.compacted.Add(float64(n))
	return n, err
}

// countError counts err when it is a persistence failure. Rejected input is
// not counted.
func (s *InstrumentedLogStore) countError(err error) {
	if nexus.IsIOError(err) {
		s.ioErrors.Inc()
	}
}
