// Package segment implements a partition log as a directory of append-only
// segment files.
//
// Each record is framed as a 4-byte length and an 8-byte xxhash checksum
// followed by the snappy-compressed entry. Appends are fsynced before they
// return. On open, a torn record at the tail of the last segment is cut off;
// damage anywhere else is reported as an IO error.
package segment

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/nexus-streaming/nexus/pkg/fs"
	"github.com/nexus-streaming/nexus/storage"
	"go.uber.org/zap"
)

// DefaultMaxSegmentSize is the size at which a new segment file is started.
const DefaultMaxSegmentSize = 10 * 1024 * 1024 // 10MB

// stateFileName holds the hard state and the compaction base.
const stateFileName = "state"

// stateSize is term(8) | votedFor(8) | first(8) | baseTerm(8) | xxhash(8).
const stateSize = 5 * 8

var (
	_ storage.LogStore   = (*LogStore)(nil)
	_ storage.StateStore = (*LogStore)(nil)
)

// LogStore is a file based storage.LogStore and storage.StateStore.
type LogStore struct {
	mu       sync.RWMutex
	path     string
	opened   bool
	segments []*segment

	first uint64
	next  uint64
	base  uint64 // term of the entry at first-1
	hs    storage.HardState

	// MaxSegmentSize is the size at which the active segment is rolled.
	MaxSegmentSize int64

	Logger *zap.Logger
}

// NewLogStore returns a store rooted at the directory path.
func NewLogStore(path string) *LogStore {
	return &LogStore{
		path:           path,
		MaxSegmentSize: DefaultMaxSegmentSize,
		Logger:         zap.NewNop(),
	}
}

// Path returns the data directory of the store.
func (s *LogStore) Path() string { return s.path }

// Open loads the state file and indexes every segment.
func (s *LogStore) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.path, 0700); err != nil {
		return storage.IOError("segment.Open", err)
	}
	if err := s.readState(); err != nil {
		return storage.IOError("segment.Open", err)
	}

	// Remove leftovers of an interrupted rewrite.
	tmps, _ := filepath.Glob(filepath.Join(s.path, "*."+SegmentFileExtension+".tmp"))
	for _, tmp := range tmps {
		_ = os.Remove(tmp)
	}

	names, err := segmentFileNames(s.path)
	if err != nil {
		return storage.IOError("segment.Open", err)
	}
	for i, name := range names {
		base, err := baseFromFileName(name)
		if err != nil {
			s.closeSegments()
			return storage.IOError("segment.Open", err)
		}
		last := i == len(names)-1
		seg, discarded, err := openSegment(name, base, last)
		if err != nil {
			s.closeSegments()
			return storage.IOError("segment.Open", err)
		}
		if discarded > 0 {
			s.Logger.Warn("Discarded torn record at end of log",
				zap.String("path", name),
				zap.Int("bytes", discarded))
		}
		if n := len(s.segments); n > 0 && s.segments[n-1].next() != base {
			seg.close()
			s.closeSegments()
			return storage.IOError("segment.Open", fmt.Errorf("segment %s: gap after offset %d", name, s.segments[n-1].next()))
		}
		s.segments = append(s.segments, seg)
	}

	s.next = s.first
	if n := len(s.segments); n > 0 {
		if s.segments[0].base > s.first {
			s.first = s.segments[0].base
		}
		s.next = s.segments[n-1].next()
	}
	if s.next < s.first {
		s.next = s.first
	}

	// Finish a compaction that persisted its base but not its files.
	if err := s.dropBefore(s.first); err != nil {
		s.closeSegments()
		return storage.IOError("segment.Open", err)
	}

	s.opened = true
	s.Logger.Info("Log store opened",
		zap.String("path", s.path),
		zap.Int("segments", len(s.segments)),
		zap.Uint64("first_index", s.first),
		zap.Uint64("next_index", s.next))
	return nil
}

// Close closes every segment file.
func (s *LogStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened = false
	return s.closeSegments()
}

func (s *LogStore) closeSegments() error {
	var err error
	for _, seg := range s.segments {
		if e := seg.close(); e != nil && err == nil {
			err = e
		}
	}
	s.segments = nil
	return err
}

func (s *LogStore) Append(entries ...*storage.Entry) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened {
		return 0, storage.ErrClosed
	}
	if len(entries) == 0 {
		return 0, nil
	}
	if err := storage.CheckAppend(s.next, entries); err != nil {
		return 0, err
	}

	seg, err := s.activeSegment()
	if err != nil {
		return 0, storage.IOError("segment.Append", err)
	}

	var buf []byte
	sizes := make([]int, len(entries))
	for i, e := range entries {
		n := len(buf)
		if buf, err = encodeRecord(buf, e); err != nil {
			return 0, err
		}
		sizes[i] = len(buf) - n
	}
	if err := seg.append(buf, sizes); err != nil {
		return 0, storage.IOError("segment.Append", err)
	}

	s.next += uint64(len(entries))
	return s.next - 1, nil
}

// activeSegment returns the segment to append to, rolling to a new file
// when the current one is full.
func (s *LogStore) activeSegment() (*segment, error) {
	if n := len(s.segments); n > 0 && s.segments[n-1].size < s.MaxSegmentSize {
		return s.segments[n-1], nil
	}
	seg, err := createSegment(s.path, s.next)
	if err != nil {
		return nil, err
	}
	if err := fs.SyncDir(s.path); err != nil {
		seg.remove()
		return nil, err
	}
	s.segments = append(s.segments, seg)
	return seg, nil
}

// segmentFor returns the segment containing index, or nil.
func (s *LogStore) segmentFor(index uint64) (int, *segment) {
	i := sort.Search(len(s.segments), func(i int) bool { return s.segments[i].base > index }) - 1
	if i < 0 || !s.segments[i].contains(index) {
		return -1, nil
	}
	return i, s.segments[i]
}

func (s *LogStore) Read(index uint64) (*storage.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.opened {
		return nil, storage.ErrClosed
	}
	_, seg := s.segmentFor(index)
	if seg == nil {
		return nil, nil
	}
	e, err := seg.read(index)
	if err != nil {
		return nil, storage.IOError("segment.Read", err)
	}
	return e, nil
}

func (s *LogStore) ReadRange(start, end uint64) ([]*storage.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.opened {
		return nil, storage.ErrClosed
	}
	if start < s.first {
		start = s.first
	}
	if s.next == 0 {
		return nil, nil
	} else if end >= s.next {
		end = s.next - 1
	}

	var a []*storage.Entry
	for index := start; index <= end; index++ {
		_, seg := s.segmentFor(index)
		if seg == nil {
			continue
		}
		e, err := seg.read(index)
		if err != nil {
			return nil, storage.IOError("segment.ReadRange", err)
		}
		a = append(a, e)
	}
	return a, nil
}

func (s *LogStore) TruncateFrom(index uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened {
		return storage.ErrClosed
	}
	if index >= s.next {
		return nil
	} else if index < s.first {
		return storage.ErrCompacted
	}

	i, seg := s.segmentFor(index)
	if seg == nil {
		return storage.IOError("segment.TruncateFrom", fmt.Errorf("no segment holds offset %d", index))
	}
	for _, other := range s.segments[i+1:] {
		if err := other.remove(); err != nil {
			return storage.IOError("segment.TruncateFrom", err)
		}
	}
	s.segments = s.segments[:i+1]

	if index == seg.base {
		if err := seg.remove(); err != nil {
			return storage.IOError("segment.TruncateFrom", err)
		}
		s.segments = s.segments[:i]
	} else if err := seg.truncate(index); err != nil {
		return storage.IOError("segment.TruncateFrom", err)
	}
	if err := fs.SyncDir(s.path); err != nil {
		return storage.IOError("segment.TruncateFrom", err)
	}

	s.next = index
	return nil
}

func (s *LogStore) Compact(p storage.RetentionPolicy) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened {
		return 0, storage.ErrClosed
	}

	first, base := s.first, s.base
	for first < s.next {
		_, seg := s.segmentFor(first)
		if seg == nil {
			break
		}
		e, err := seg.read(first)
		if err != nil {
			return 0, storage.IOError("segment.Compact", err)
		}
		if !p.Removable(e) {
			break
		}
		first, base = first+1, e.Term
	}
	n := int(first - s.first)
	if n == 0 {
		return 0, nil
	}

	// The base is made durable before any file changes so that an
	// interrupted compaction is completed on the next open.
	if err := s.writeState(s.hs, first, base); err != nil {
		return 0, storage.IOError("segment.Compact", err)
	}
	s.first, s.base = first, base

	if err := s.dropBefore(first); err != nil {
		return n, storage.IOError("segment.Compact", err)
	}
	return n, nil
}

// dropBefore removes whole segments below index and rewrites the segment
// that straddles it.
func (s *LogStore) dropBefore(index uint64) error {
	for len(s.segments) > 0 {
		seg := s.segments[0]
		if seg.next() <= index {
			if err := seg.remove(); err != nil {
				return err
			}
			s.segments = s.segments[1:]
			continue
		}
		if seg.base < index {
			other, err := seg.rewrite(s.path, index)
			if err != nil {
				return err
			}
			s.segments[0] = other
		}
		break
	}
	return fs.SyncDir(s.path)
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
	if !s.opened {
		return storage.HardState{}, storage.ErrClosed
	}
	return s.hs, nil
}

func (s *LogStore) SetHardState(hs storage.HardState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened {
		return storage.ErrClosed
	}
	if err := s.writeState(hs, s.first, s.base); err != nil {
		return storage.IOError("segment.SetHardState", err)
	}
	s.hs = hs
	return nil
}

// readState loads the state file, if any.
func (s *LogStore) readState() error {
	b, err := os.ReadFile(filepath.Join(s.path, stateFileName))
	if os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return err
	}
	if len(b) != stateSize || xxhash.Sum64(b[:32]) != binary.BigEndian.Uint64(b[32:40]) {
		return fmt.Errorf("state file %s is corrupt", filepath.Join(s.path, stateFileName))
	}
	s.hs.Term = binary.BigEndian.Uint64(b[0:8])
	s.hs.VotedFor = binary.BigEndian.Uint64(b[8:16])
	s.first = binary.BigEndian.Uint64(b[16:24])
	s.base = binary.BigEndian.Uint64(b[24:32])
	return nil
}

// writeState atomically replaces the state file.
func (s *LogStore) writeState(hs storage.HardState, first, base uint64) error {
	b := make([]byte, stateSize)
	binary.BigEndian.PutUint64(b[0:8], hs.Term)
	binary.BigEndian.PutUint64(b[8:16], hs.VotedFor)
	binary.BigEndian.PutUint64(b[16:24], first)
	binary.BigEndian.PutUint64(b[24:32], base)
	binary.BigEndian.PutUint64(b[32:40], xxhash.Sum64(b[:32]))

	return fs.WriteFileAtomic(filepath.Join(s.path, stateFileName), b, 0600)
}
