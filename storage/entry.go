package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// EntryHeaderSize is the size of an encoded entry header, in bytes.
// The header is: size(8) | index(8) | term(8) | timestamp(8).
const EntryHeaderSize = 8 + 8 + 8 + 8

// MaxEntrySize is the largest command accepted by the entry codec.
const MaxEntrySize = 64 << 20

// ErrEntryTooLarge is returned when an entry's command exceeds MaxEntrySize.
var ErrEntryTooLarge = errors.New("log entry too large")

// Entry is a single record of a partition log.
//
// Index is the partition offset, starting at 0 with no gaps. Term is the
// election term of the leader that created the entry; it is never 0.
// Timestamp is set once by that leader, in unix nanoseconds, and drives
// time-based retention on every replica.
type Entry struct {
	Index     uint64
	Term      uint64
	Timestamp int64
	Command   []byte
}

// Size returns the encoded size of the entry.
func (e *Entry) Size() int { return EntryHeaderSize + len(e.Command) }

// MarshalBinary encodes the entry to a byte slice.
func (e *Entry) MarshalBinary() ([]byte, error) {
	if len(e.Command) > MaxEntrySize {
		return nil, ErrEntryTooLarge
	}
	b := make([]byte, e.Size())
	encodeEntryHeader(b, e)
	copy(b[EntryHeaderSize:], e.Command)
	return b, nil
}

// UnmarshalBinary decodes data into the entry.
func (e *Entry) UnmarshalBinary(data []byte) error {
	if len(data) < EntryHeaderSize {
		return io.ErrUnexpectedEOF
	}
	sz := binary.BigEndian.Uint64(data[0:8])
	if sz > MaxEntrySize {
		return ErrEntryTooLarge
	} else if uint64(len(data)-EntryHeaderSize) != sz {
		return fmt.Errorf("entry size mismatch: header=%d, data=%d", sz, len(data)-EntryHeaderSize)
	}
	e.Index = binary.BigEndian.Uint64(data[8:16])
	e.Term = binary.BigEndian.Uint64(data[16:24])
	e.Timestamp = int64(binary.BigEndian.Uint64(data[24:32]))
	e.Command = make([]byte, sz)
	copy(e.Command, data[EntryHeaderSize:])
	return nil
}

func encodeEntryHeader(b []byte, e *Entry) {
	binary.BigEndian.PutUint64(b[0:8], uint64(len(e.Command)))
	binary.BigEndian.PutUint64(b[8:16], e.Index)
	binary.BigEndian.PutUint64(b[16:24], e.Term)
	binary.BigEndian.PutUint64(b[24:32], uint64(e.Timestamp))
}

// Clone returns a deep copy of the entry.
func (e *Entry) Clone() *Entry {
	other := *e
	if e.Command != nil {
		other.Command = append([]byte{}, e.Command...)
	}
	return &other
}

// EntryEncoder writes a stream of entries to a writer.
type EntryEncoder struct {
	w   io.Writer
	hdr [EntryHeaderSize]byte
}

// NewEntryEncoder returns a new instance of EntryEncoder.
func NewEntryEncoder(w io.Writer) *EntryEncoder {
	return &EntryEncoder{w: w}
}

// Encode writes a single entry to the stream.
func (enc *EntryEncoder) Encode(e *Entry) error {
	if len(e.Command) > MaxEntrySize {
		return ErrEntryTooLarge
	}
	encodeEntryHeader(enc.hdr[:], e)
	if _, err := enc.w.Write(enc.hdr[:]); err != nil {
		return err
	}
	_, err := enc.w.Write(e.Command)
	return err
}

// EntryDecoder reads a stream of entries written by an EntryEncoder.
type EntryDecoder struct {
	r   io.Reader
	hdr [EntryHeaderSize]byte
}

// NewEntryDecoder returns a new instance of EntryDecoder.
func NewEntryDecoder(r io.Reader) *EntryDecoder {
	return &EntryDecoder{r: r}
}

// Decode reads the next entry into e. It returns io.EOF at the end of a
// well-formed stream.
func (dec *EntryDecoder) Decode(e *Entry) error {
	if _, err := io.ReadFull(dec.r, dec.hdr[:]); err == io.ErrUnexpectedEOF {
		return io.ErrUnexpectedEOF
	} else if err != nil {
		return err
	}

	sz := binary.BigEndian.Uint64(dec.hdr[0:8])
	if sz > MaxEntrySize {
		return ErrEntryTooLarge
	}
	e.Index = binary.BigEndian.Uint64(dec.hdr[8:16])
	e.Term = binary.BigEndian.Uint64(dec.hdr[16:24])
	e.Timestamp = int64(binary.BigEndian.Uint64(dec.hdr[24:32]))

	e.Command = make([]byte, sz)
	if _, err := io.ReadFull(dec.r, e.Command); err == io.EOF {
		return io.ErrUnexpectedEOF
	} else if err != nil {
		return err
	}
	return nil
}
