// Package bolt implements a partition log on top of an embedded bbolt database.
package bolt

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nexus-streaming/nexus/storage"
	"github.com/opentracing/opentracing-go"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var (
	entriesBucket = []byte("entries")
	metaBucket    = []byte("meta")

	hardStateKey = []byte("hardstate")
	baseKey      = []byte("base") // first retained offset and the term below it
)

var (
	_ storage.LogStore   = (*LogStore)(nil)
	_ storage.StateStore = (*LogStore)(nil)
)

// LogStore is a storage.LogStore and storage.StateStore backed by a single
// bbolt file. Entries are keyed by their big-endian offset so that cursor
// order is offset order.
type LogStore struct {
	mu     sync.RWMutex
	path   string
	db     *bolt.DB
	logger *zap.Logger

	first uint64
	next  uint64
	base  uint64
}

// NewLogStore returns an instance of LogStore with the file at the provided path.
func NewLogStore(path string) *LogStore {
	return &LogStore{
		path:   path,
		logger: zap.NewNop(),
	}
}

// WithLogger sets the logger on the store.
func (s *LogStore) WithLogger(l *zap.Logger) {
	s.logger = l
}

// Path returns the path of the database file.
func (s *LogStore) Path() string { return s.path }

// Open creates the database file if it doesn't exist, opens it otherwise and
// restores the log bounds.
func (s *LogStore) Open(ctx context.Context) error {
	span, _ := opentracing.StartSpanFromContext(ctx, "bolt.LogStore.Open")
	defer span.Finish()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("unable to create directory %s: %v", s.path, err)
	}

	db, err := bolt.Open(s.path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return fmt.Errorf("unable to open boltdb file %v", err)
	}
	s.db = db

	if err := s.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(entriesBucket); err != nil {
			return err
		}
		meta, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}

		if v := meta.Get(baseKey); len(v) == 16 {
			s.first = btou64(v[0:8])
			s.base = btou64(v[8:16])
		}
		s.next = s.first
		c := tx.Bucket(entriesBucket).Cursor()
		if k, _ := c.First(); k != nil {
			s.first = btou64(k)
		}
		if k, _ := c.Last(); k != nil {
			s.next = btou64(k) + 1
		}
		return nil
	}); err != nil {
		_ = s.db.Close()
		s.db = nil
		return storage.IOError("bolt.Open", err)
	}

	s.logger.Info("Log store opened",
		zap.String("path", s.path),
		zap.Uint64("first_index", s.first),
		zap.Uint64("next_index", s.next))
	return nil
}

// Close the connection to the bolt database.
func (s *LogStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *LogStore) Append(entries ...*storage.Entry) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return 0, storage.ErrClosed
	}
	if len(entries) == 0 {
		return 0, nil
	}
	if err := storage.CheckAppend(s.next, entries); err != nil {
		return 0, err
	}

	if err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(entriesBucket)
		for _, e := range entries {
			v, err := e.MarshalBinary()
			if err != nil {
				return err
			}
			if err := b.Put(u64tob(e.Index), v); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return 0, storage.IOError("bolt.Append", err)
	}

	s.next += uint64(len(entries))
	return s.next - 1, nil
}

func (s *LogStore) Read(index uint64) (*storage.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, storage.ErrClosed
	}

	var e *storage.Entry
	if err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(entriesBucket).Get(u64tob(index))
		if v == nil {
			return nil
		}
		e = &storage.Entry{}
		return e.UnmarshalBinary(v)
	}); err != nil {
		return nil, storage.IOError("bolt.Read", err)
	}
	return e, nil
}

func (s *LogStore) ReadRange(start, end uint64) ([]*storage.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, storage.ErrClosed
	}
	if end < start {
		return nil, nil
	}

	var a []*storage.Entry
	max := u64tob(end)
	if err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(entriesBucket).Cursor()
		for k, v := c.Seek(u64tob(start)); k != nil && bytes.Compare(k, max) <= 0; k, v = c.Next() {
			e := &storage.Entry{}
			if err := e.UnmarshalBinary(v); err != nil {
				return err
			}
			a = append(a, e)
		}
		return nil
	}); err != nil {
		return nil, storage.IOError("bolt.ReadRange", err)
	}
	return a, nil
}

func (s *LogStore) TruncateFrom(index uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return storage.ErrClosed
	}
	if index >= s.next {
		return nil
	} else if index < s.first {
		return storage.ErrCompacted
	}

	if err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(entriesBucket)
		var keys [][]byte
		c := b.Cursor()
		for k, _ := c.Seek(u64tob(index)); k != nil; k, _ = c.Next() {
			keys = append(keys, append([]byte{}, k...))
		}
		return deleteKeys(b, keys)
	}); err != nil {
		return storage.IOError("bolt.TruncateFrom", err)
	}

	s.next = index
	return nil
}

func (s *LogStore) Compact(p storage.RetentionPolicy) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return 0, storage.ErrClosed
	}

	var n int
	first, base := s.first, s.base
	if err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(entriesBucket)
		var keys [][]byte
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var e storage.Entry
			if err := e.UnmarshalBinary(v); err != nil {
				return err
			}
			if !p.Removable(&e) {
				break
			}
			keys = append(keys, append([]byte{}, k...))
			first, base = e.Index+1, e.Term
		}
		if len(keys) == 0 {
			return nil
		}
		if err := deleteKeys(b, keys); err != nil {
			return err
		}
		n = len(keys)

		v := make([]byte, 16)
		binary.BigEndian.PutUint64(v[0:8], first)
		binary.BigEndian.PutUint64(v[8:16], base)
		return tx.Bucket(metaBucket).Put(baseKey, v)
	}); err != nil {
		return 0, storage.IOError("bolt.Compact", err)
	}

	s.first, s.base = first, base
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

// HardState returns the persisted term and vote.
func (s *LogStore) HardState() (storage.HardState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return storage.HardState{}, storage.ErrClosed
	}

	var hs storage.HardState
	if err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(metaBucket).Get(hardStateKey); len(v) == 16 {
			hs.Term = btou64(v[0:8])
			hs.VotedFor = btou64(v[8:16])
		}
		return nil
	}); err != nil {
		return hs, storage.IOError("bolt.HardState", err)
	}
	return hs, nil
}

// SetHardState durably stores the term and vote.
func (s *LogStore) SetHardState(hs storage.HardState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return storage.ErrClosed
	}

	v := make([]byte, 16)
	binary.BigEndian.PutUint64(v[0:8], hs.Term)
	binary.BigEndian.PutUint64(v[8:16], hs.VotedFor)
	if err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(metaBucket).Put(hardStateKey, v)
	}); err != nil {
		return storage.IOError("bolt.SetHardState", err)
	}
	return nil
}

// deleteKeys removes keys collected from a cursor. Deleting while iterating
// makes the cursor skip entries.
func deleteKeys(b *bolt.Bucket, keys [][]byte) error {
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// u64tob converts a uint64 into an 8-byte slice.
func u64tob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// btou64 converts an 8-byte slice into an uint64.
func btou64(b []byte) uint64 { return binary.BigEndian.Uint64(b) }
