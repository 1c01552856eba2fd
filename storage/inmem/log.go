// Package inmem provides a volatile log store for tests and ephemeral nodes.
package inmem

import (
	"sync"

	"github.com/google/btree"
	"github.com/nexus-streaming/nexus/storage"
)

var (
	_ storage.LogStore   = (*LogStore)(nil)
	_ storage.StateStore = (*LogStore)(nil)
)

// LogStore keeps a partition log in a btree ordered by offset.
type LogStore struct {
	mu    sync.RWMutex
	tree  *btree.BTree
	first uint64
	next  uint64
	base  uint64 // term of the entry at first-1
	state storage.HardState
	err   error
}

// NewLogStore returns an empty store.
func NewLogStore() *LogStore {
	return &LogStore{tree: btree.New(8)}
}

// item wraps an entry to implement btree.Item.
type item struct {
	e *storage.Entry
}

// Less is used to implement btree.Item.
func (i *item) Less(b btree.Item) bool {
	return i.e.Index < b.(*item).e.Index
}

func key(index uint64) *item { return &item{e: &storage.Entry{Index: index}} }

// Fail makes every later operation return err as an IO error. Passing nil
// makes the store healthy again.
func (s *LogStore) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *LogStore) failed(op string) error {
	if s.err != nil {
		return storage.IOError(op, s.err)
	}
	return nil
}

func (s *LogStore) Append(entries ...*storage.Entry) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failed("inmem.Append"); err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}
	if err := storage.CheckAppend(s.next, entries); err != nil {
		return 0, err
	}
	for _, e := range entries {
		s.tree.ReplaceOrInsert(&item{e: e.Clone()})
	}
	s.next += uint64(len(entries))
	return s.next - 1, nil
}

func (s *LogStore) Read(index uint64) (*storage.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failed("inmem.Read"); err != nil {
		return nil, err
	}
	i := s.tree.Get(key(index))
	if i == nil {
		return nil, nil
	}
	return i.(*item).e.Clone(), nil
}

func (s *LogStore) ReadRange(start, end uint64) ([]*storage.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failed("inmem.ReadRange"); err != nil {
		return nil, err
	}
	if end < start {
		return nil, nil
	}
	var a []*storage.Entry
	s.tree.AscendGreaterOrEqual(key(start), func(i btree.Item) bool {
		e := i.(*item).e
		if e.Index > end {
			return false
		}
		a = append(a, e.Clone())
		return true
	})
	return a, nil
}

func (s *LogStore) TruncateFrom(index uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failed("inmem.TruncateFrom"); err != nil {
		return err
	}
	if index >= s.next {
		return nil
	} else if index < s.first {
		return storage.ErrCompacted
	}
	for i := index; i < s.next; i++ {
		s.tree.Delete(key(i))
	}
	s.next = index
	return nil
}

func (s *LogStore) Compact(p storage.RetentionPolicy) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failed("inmem.Compact"); err != nil {
		return 0, err
	}
	var n int
	for s.first < s.next {
		i := s.tree.Get(key(s.first))
		e := i.(*item).e
		if !p.Removable(e) {
			break
		}
		s.tree.Delete(i)
		s.base = e.Term
		s.first++
		n++
	}
	return n, nil
}

func (s *LogStore) FirstIndex() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.first
}

func (s *LogStore) NextIndex() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.next
}

func (s *LogStore) CompactedTerm() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.base
}

func (s *LogStore) HardState() (storage.HardState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failed("inmem.HardState"); err != nil {
		return storage.HardState{}, err
	}
	return s.state, nil
}

func (s *LogStore) SetHardState(hs storage.HardState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failed("inmem.SetHardState"); err != nil {
		return err
	}
	s.state = hs
	return nil
}

// Close is a no-op; the contents stay available to later reads.
func (s *LogStore) Close() error { return nil }
