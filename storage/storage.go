// Package storage defines the durable log of a single partition and the
// persisted election state of its consensus engine.
//
// Every variant stores entries keyed by offset, makes an append durable
// before returning, and reports failures of the underlying medium as
// EIO-coded errors. The consensus engine treats those as fatal.
package storage

import (
	"errors"
	"time"

	"github.com/nexus-streaming/nexus"
	perrors "github.com/nexus-streaming/nexus/kit/platform/errors"
)

var (
	// ErrOutOfOrder is returned when appended entries do not continue the
	// log without a gap.
	ErrOutOfOrder = errors.New("entry index out of order")

	// ErrCompacted is returned when an operation targets an offset that
	// retention has already removed.
	ErrCompacted = errors.New("entry index compacted")

	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("store closed")
)

// LogStore is the durable log of one partition.
type LogStore interface {
	// Append persists entries, which must continue the log at NextIndex
	// with no gaps, and returns the offset of the last one. It returns only
	// once the entries are on stable storage.
	Append(entries ...*Entry) (uint64, error)

	// Read returns the entry at index, or nil if it is absent.
	Read(index uint64) (*Entry, error)

	// ReadRange returns the entries in [start, end] in ascending order.
	// Missing offsets are skipped.
	ReadRange(start, end uint64) ([]*Entry, error)

	// TruncateFrom removes the entry at index and everything after it.
	TruncateFrom(index uint64) error

	// Compact removes the prefix of the log selected by p and returns the
	// number of entries removed. Offsets of remaining entries never change.
	Compact(p RetentionPolicy) (int, error)

	// FirstIndex returns the lowest retained offset. It equals NextIndex
	// when the log is empty.
	FirstIndex() uint64

	// NextIndex returns the offset the next appended entry must carry.
	NextIndex() uint64

	// CompactedTerm returns the term of the entry just below FirstIndex, or
	// 0 if nothing has been compacted.
	CompactedTerm() uint64

	Close() error
}

// HardState is the part of the consensus state that must survive restarts.
type HardState struct {
	Term     uint64
	VotedFor uint64 // 0 when no vote was cast in Term
}

// StateStore persists the HardState of one consensus engine.
type StateStore interface {
	HardState() (HardState, error)
	SetHardState(HardState) error
}

// RetentionPolicy selects the prefix of a log to remove.
//
// An entry is removable when it is older than Before minus MaxAge, or when
// its offset is below SafeIndex. Removal proceeds from the first retained
// entry and stops at the first entry that is not removable, so no hole is
// ever created. Entries at or above Limit are always kept; a zero Limit
// means no limit.
type RetentionPolicy struct {
	Before    time.Time
	MaxAge    time.Duration
	SafeIndex uint64
	Limit     uint64
}

// Removable returns true if the policy selects e.
func (p RetentionPolicy) Removable(e *Entry) bool {
	if p.Limit != 0 && e.Index >= p.Limit {
		return false
	}
	if e.Index < p.SafeIndex {
		return true
	}
	if p.Before.IsZero() {
		return false
	}
	return e.Timestamp < p.Before.Add(-p.MaxAge).UnixNano()
}

// IOError wraps a failure of the underlying storage medium.
func IOError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &perrors.Error{Code: nexus.EIO, Op: op, Err: err}
}

// TermAt returns the term of the entry at index. The entry just below
// FirstIndex is answered from the compaction base. It returns 0 when the
// term is unknown.
func TermAt(s LogStore, index uint64) (uint64, error) {
	if first := s.FirstIndex(); first > 0 && index == first-1 {
		return s.CompactedTerm(), nil
	}
	e, err := s.Read(index)
	if err != nil || e == nil {
		return 0, err
	}
	return e.Term, nil
}

// LastTerm returns the term of the last entry in the log, or 0 when the log
// has never held an entry.
func LastTerm(s LogStore) (uint64, error) {
	next := s.NextIndex()
	if next == 0 {
		return 0, nil
	}
	return TermAt(s, next-1)
}

// CheckAppend validates that entries continue a log whose next offset is next
// and that every command fits the entry codec. Stores call it before writing
// so that a rejected batch leaves the log unchanged.
func CheckAppend(next uint64, entries []*Entry) error {
	for i, e := range entries {
		if e.Index != next+uint64(i) {
			return ErrOutOfOrder
		} else if len(e.Command) > MaxEntrySize {
			return ErrEntryTooLarge
		}
	}
	return nil
}
