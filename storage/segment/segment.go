package segment

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/golang/snappy"
	"github.com/nexus-streaming/nexus/pkg/fs"
	"github.com/nexus-streaming/nexus/storage"
)

const (
	// SegmentFileExtension is the extension of every segment file.
	SegmentFileExtension = "seg"

	// recordHeaderSize is length(4) | xxhash(8).
	recordHeaderSize = 4 + 8

	// maxRecordSize bounds the compressed payload of a single record.
	maxRecordSize = storage.MaxEntrySize + storage.EntryHeaderSize + 1<<20
)

// errCorrupt marks a record that failed validation.
var errCorrupt = errors.New("corrupt record")

// segment is one file of the log. It holds consecutive entries starting at
// base; offsets[i] is the file position of the record for base+i.
type segment struct {
	base    uint64
	path    string
	f       *os.File
	offsets []int64
	size    int64
}

// segmentPath returns the file name of the segment whose first entry is base.
func segmentPath(dir string, base uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%020d.%s", base, SegmentFileExtension))
}

// segmentFileNames returns all segment files in dir sorted by base offset.
func segmentFileNames(dir string) ([]string, error) {
	names, err := filepath.Glob(filepath.Join(dir, "*."+SegmentFileExtension))
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// baseFromFileName parses the base offset from a segment file name.
func baseFromFileName(name string) (uint64, error) {
	s := strings.TrimSuffix(filepath.Base(name), "."+SegmentFileExtension)
	base, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("file %s has wrong name format to be a segment", name)
	}
	return base, nil
}

// next returns the offset one past the segment's last entry.
func (s *segment) next() uint64 { return s.base + uint64(len(s.offsets)) }

func (s *segment) contains(index uint64) bool {
	return index >= s.base && index < s.next()
}

// encodeRecord appends the framed, compressed form of e to dst.
func encodeRecord(dst []byte, e *storage.Entry) ([]byte, error) {
	b, err := e.MarshalBinary()
	if err != nil {
		return nil, err
	}
	compressed := snappy.Encode(nil, b)

	var hdr [recordHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(len(compressed)))
	binary.BigEndian.PutUint64(hdr[4:12], xxhash.Sum64(compressed))
	dst = append(dst, hdr[:]...)
	return append(dst, compressed...), nil
}

// decodePayload validates and decompresses a record payload.
func decodePayload(sum uint64, payload []byte) (*storage.Entry, error) {
	if xxhash.Sum64(payload) != sum {
		return nil, errCorrupt
	}
	data, err := snappy.Decode(nil, payload)
	if err != nil {
		return nil, errCorrupt
	}
	e := &storage.Entry{}
	if err := e.UnmarshalBinary(data); err != nil {
		return nil, errCorrupt
	}
	return e, nil
}

// readAt reads the record at pos.
func (s *segment) readAt(pos int64) (*storage.Entry, error) {
	var hdr [recordHeaderSize]byte
	if _, err := s.f.ReadAt(hdr[:], pos); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[0:4])
	if n > maxRecordSize {
		return nil, errCorrupt
	}
	payload := make([]byte, n)
	if _, err := s.f.ReadAt(payload, pos+recordHeaderSize); err != nil {
		return nil, err
	}
	return decodePayload(binary.BigEndian.Uint64(hdr[4:12]), payload)
}

// read returns the entry at index, which must be in the segment.
func (s *segment) read(index uint64) (*storage.Entry, error) {
	e, err := s.readAt(s.offsets[index-s.base])
	if err != nil {
		return nil, err
	} else if e.Index != index {
		return nil, fmt.Errorf("segment %s: expected index %d, found %d", s.path, index, e.Index)
	}
	return e, nil
}

// openSegment opens a segment file and indexes its records. A record that
// is cut short or fails its checksum ends the scan; when repair is set the
// file is truncated there, otherwise the segment is reported corrupt.
func openSegment(path string, base uint64, repair bool) (*segment, int, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0600)
	if err != nil {
		return nil, 0, err
	}
	s := &segment{base: base, path: path, f: f}

	r := &countingReader{r: bufio.NewReaderSize(f, 64*1024)}
	var hdr [recordHeaderSize]byte
	for {
		pos := r.n
		if _, err := io.ReadFull(r, hdr[:]); err == io.EOF {
			break
		} else if err == io.ErrUnexpectedEOF {
			return s.repair(pos, repair)
		} else if err != nil {
			f.Close()
			return nil, 0, err
		}

		n := binary.BigEndian.Uint32(hdr[0:4])
		if n > maxRecordSize {
			return s.repair(pos, repair)
		}
		payload := make([]byte, n)
		if _, err := io.ReadFull(r, payload); err == io.EOF || err == io.ErrUnexpectedEOF {
			return s.repair(pos, repair)
		} else if err != nil {
			f.Close()
			return nil, 0, err
		}

		e, err := decodePayload(binary.BigEndian.Uint64(hdr[4:12]), payload)
		if err != nil || e.Index != s.next() {
			return s.repair(pos, repair)
		}
		s.offsets = append(s.offsets, pos)
		s.size = r.n
	}
	return s, 0, nil
}

// repair handles an invalid record at pos and returns the number of bytes
// discarded.
func (s *segment) repair(pos int64, repair bool) (*segment, int, error) {
	if !repair {
		s.f.Close()
		return nil, 0, fmt.Errorf("segment %s: %w at position %d", s.path, errCorrupt, pos)
	}
	fi, err := s.f.Stat()
	if err != nil {
		s.f.Close()
		return nil, 0, err
	}
	if err := s.f.Truncate(pos); err != nil {
		s.f.Close()
		return nil, 0, err
	}
	if err := s.f.Sync(); err != nil {
		s.f.Close()
		return nil, 0, err
	}
	s.size = pos
	return s, int(fi.Size() - pos), nil
}

// createSegment creates an empty segment file starting at base.
func createSegment(dir string, base uint64) (*segment, error) {
	path := segmentPath(dir, base)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, err
	}
	return &segment{base: base, path: path, f: f}, nil
}

// append writes the encoded records in buf, which hold the entries starting
// at s.next(), and syncs the file.
func (s *segment) append(buf []byte, sizes []int) error {
	if _, err := s.f.WriteAt(buf, s.size); err != nil {
		_ = s.f.Truncate(s.size)
		return err
	}
	if err := s.f.Sync(); err != nil {
		_ = s.f.Truncate(s.size)
		return err
	}
	pos := s.size
	for _, n := range sizes {
		s.offsets = append(s.offsets, pos)
		pos += int64(n)
	}
	s.size = pos
	return nil
}

// truncate removes index and every later entry from the segment.
func (s *segment) truncate(index uint64) error {
	pos := s.offsets[index-s.base]
	if err := s.f.Truncate(pos); err != nil {
		return err
	}
	if err := s.f.Sync(); err != nil {
		return err
	}
	s.offsets = s.offsets[:index-s.base]
	s.size = pos
	return nil
}

// rewrite copies the records from index onwards into a new segment file
// named after index and replaces s with it.
func (s *segment) rewrite(dir string, index uint64) (*segment, error) {
	from := s.offsets[index-s.base]
	path := segmentPath(dir, index)
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(f, io.NewSectionReader(s.f, from, s.size-from)); err != nil {
		f.Close()
		os.Remove(tmp)
		return nil, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return nil, err
	}
	if err := fs.RenameFileWithReplacement(tmp, path); err != nil {
		f.Close()
		os.Remove(tmp)
		return nil, err
	}

	other := &segment{base: index, path: path, f: f, size: s.size - from}
	for _, pos := range s.offsets[index-s.base:] {
		other.offsets = append(other.offsets, pos-from)
	}
	return other, s.remove()
}

func (s *segment) remove() error {
	if err := s.f.Close(); err != nil {
		return err
	}
	return os.Remove(s.path)
}

func (s *segment) close() error { return s.f.Close() }

type countingReader struct {
	r io.Reader
	n int64
}

func (r *countingReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	r.n += int64(n)
	return n, err
}
