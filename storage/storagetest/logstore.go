// Package storagetest provides a conformance suite for storage.LogStore
// implementations.
package storagetest

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/nexus-streaming/nexus"
	"github.com/nexus-streaming/nexus/storage"
	"github.com/stretchr/testify/require"
)

// Init returns an empty, opened store. Reopen, when not nil, closes the
// store it is given and opens a new one over the same data. Done releases
// everything.
type Init func(t *testing.T) (s storage.LogStore, reopen func(storage.LogStore) storage.LogStore, done func())

type logStoreF func(init Init, t *testing.T)

// LogStore runs every conformance test against the stores built by init.
func LogStore(init Init, t *testing.T) {
	tests := []struct {
		name string
		fn   logStoreF
	}{
		{name: "AppendRead", fn: AppendRead},
		{name: "AppendOutOfOrder", fn: AppendOutOfOrder},
		{name: "AppendTooLarge", fn: AppendTooLarge},
		{name: "ReadRange", fn: ReadRange},
		{name: "TruncateFrom", fn: TruncateFrom},
		{name: "CompactByAge", fn: CompactByAge},
		{name: "CompactBySafeIndex", fn: CompactBySafeIndex},
		{name: "CompactAll", fn: CompactAll},
		{name: "HardState", fn: HardState},
		{name: "Reopen", fn: Reopen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(init, t)
		})
	}
}

// base is the timestamp of the first generated entry.
var base = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// newEntries returns n entries starting at offset start, one second apart,
// all with the given term.
func newEntries(start uint64, n int, term uint64) []*storage.Entry {
	a := make([]*storage.Entry, n)
	for i := range a {
		index := start + uint64(i)
		a[i] = &storage.Entry{
			Index:     index,
			Term:      term,
			Timestamp: base.Add(time.Duration(index) * time.Second).UnixNano(),
			Command:   []byte{byte(index), byte(index >> 8), 'x'},
		}
	}
	return a
}

func mustAppend(t *testing.T, s storage.LogStore, entries []*storage.Entry) {
	t.Helper()
	last, err := s.Append(entries...)
	require.NoError(t, err)
	require.Equal(t, entries[len(entries)-1].Index, last)
}

// AppendRead tests that an appended entry reads back unchanged.
func AppendRead(init Init, t *testing.T) {
	s, _, done := init(t)
	defer done()

	require.Equal(t, uint64(0), s.FirstIndex())
	require.Equal(t, uint64(0), s.NextIndex())

	e, err := s.Read(0)
	require.NoError(t, err)
	require.Nil(t, e)

	entries := newEntries(0, 3, 1)
	mustAppend(t, s, entries[:1])
	mustAppend(t, s, entries[1:])
	require.Equal(t, uint64(3), s.NextIndex())

	for _, want := range entries {
		got, err := s.Read(want.Index)
		require.NoError(t, err)
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("unexpected entry at %d (-want +got):\n%s", want.Index, diff)
		}
	}

	e, err = s.Read(3)
	require.NoError(t, err)
	require.Nil(t, e)
}

// AppendOutOfOrder tests that appends must continue the log without gaps.
func AppendOutOfOrder(init Init, t *testing.T) {
	s, _, done := init(t)
	defer done()

	_, err := s.Append(newEntries(1, 1, 1)...)
	require.ErrorIs(t, err, storage.ErrOutOfOrder)

	mustAppend(t, s, newEntries(0, 2, 1))
	_, err = s.Append(newEntries(1, 1, 1)...)
	require.ErrorIs(t, err, storage.ErrOutOfOrder)

	gap := newEntries(2, 3, 1)
	_, err = s.Append(gap[0], gap[2])
	require.ErrorIs(t, err, storage.ErrOutOfOrder)
	require.Equal(t, uint64(2), s.NextIndex())
}

// AppendTooLarge tests that an oversized command is refused as bad input
// and that the store stays usable.
func AppendTooLarge(init Init, t *testing.T) {
	s, _, done := init(t)
	defer done()

	mustAppend(t, s, newEntries(0, 1, 1))

	big := newEntries(1, 2, 1)
	big[1].Command = make([]byte, storage.MaxEntrySize+1)
	_, err := s.Append(big...)
	require.ErrorIs(t, err, storage.ErrEntryTooLarge)
	require.False(t, nexus.IsIOError(err), "got %v", err)
	require.Equal(t, uint64(1), s.NextIndex())

	mustAppend(t, s, newEntries(1, 1, 1))
	e, err := s.Read(1)
	require.NoError(t, err)
	require.NotNil(t, e)
}

// ReadRange tests inclusive, ordered range reads.
func ReadRange(init Init, t *testing.T) {
	s, _, done := init(t)
	defer done()

	entries := newEntries(0, 10, 1)
	mustAppend(t, s, entries)

	tests := []struct {
		name       string
		start, end uint64
		want       []*storage.Entry
	}{
		{name: "all", start: 0, end: 9, want: entries},
		{name: "middle", start: 3, end: 5, want: entries[3:6]},
		{name: "single", start: 7, end: 7, want: entries[7:8]},
		{name: "past the end", start: 8, end: 100, want: entries[8:]},
		{name: "beyond the log", start: 10, end: 20},
		{name: "inverted", start: 5, end: 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ReadRange(tt.start, tt.end)
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("unexpected entries (-want +got):\n%s", diff)
			}
		})
	}

	// Compacted offsets are skipped silently.
	_, err := s.Compact(storage.RetentionPolicy{SafeIndex: 4})
	require.NoError(t, err)
	got, err := s.ReadRange(0, 5)
	require.NoError(t, err)
	if diff := cmp.Diff(entries[4:6], got); diff != "" {
		t.Fatalf("unexpected entries after compaction (-want +got):\n%s", diff)
	}
}

// TruncateFrom tests removal of a conflicting suffix.
func TruncateFrom(init Init, t *testing.T) {
	s, _, done := init(t)
	defer done()

	mustAppend(t, s, newEntries(0, 5, 1))

	require.NoError(t, s.TruncateFrom(10))
	require.Equal(t, uint64(5), s.NextIndex())

	require.NoError(t, s.TruncateFrom(3))
	require.Equal(t, uint64(3), s.NextIndex())
	e, err := s.Read(3)
	require.NoError(t, err)
	require.Nil(t, e)

	// The log continues at the truncation point with the new term.
	replacement := newEntries(3, 2, 2)
	mustAppend(t, s, replacement)
	e, err = s.Read(4)
	require.NoError(t, err)
	require.Equal(t, uint64(2), e.Term)

	require.NoError(t, s.TruncateFrom(0))
	require.Equal(t, uint64(0), s.NextIndex())
	got, err := s.ReadRange(0, 10)
	require.NoError(t, err)
	require.Empty(t, got)
}

// CompactByAge tests time-based retention and that it is idempotent.
func CompactByAge(init Init, t *testing.T) {
	s, _, done := init(t)
	defer done()

	entries := newEntries(0, 10, 1)
	mustAppend(t, s, entries)

	// A zero age removes everything strictly older than the cutoff.
	cutoff := time.Unix(0, entries[6].Timestamp)
	p := storage.RetentionPolicy{Before: cutoff}
	n, err := s.Compact(p)
	require.NoError(t, err)
	require.Equal(t, 6, n)
	require.Equal(t, uint64(6), s.FirstIndex())
	require.Equal(t, uint64(10), s.NextIndex())

	got, err := s.ReadRange(0, 9)
	require.NoError(t, err)
	if diff := cmp.Diff(entries[6:], got); diff != "" {
		t.Fatalf("unexpected entries (-want +got):\n%s", diff)
	}

	n, err = s.Compact(p)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Equal(t, uint64(6), s.FirstIndex())

	// MaxAge moves the cutoff back.
	n, err = s.Compact(storage.RetentionPolicy{Before: cutoff.Add(3 * time.Second), MaxAge: 2 * time.Second})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// Limit keeps entries no matter their age.
	n, err = s.Compact(storage.RetentionPolicy{Before: base.Add(time.Hour), Limit: 9})
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, uint64(9), s.FirstIndex())
}

// CompactBySafeIndex tests offset-based removal and the compaction base.
func CompactBySafeIndex(init Init, t *testing.T) {
	s, _, done := init(t)
	defer done()

	mustAppend(t, s, newEntries(0, 3, 1))
	mustAppend(t, s, newEntries(3, 3, 2))

	n, err := s.Compact(storage.RetentionPolicy{SafeIndex: 4})
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.Equal(t, uint64(4), s.FirstIndex())
	require.Equal(t, uint64(2), s.CompactedTerm())

	term, err := storage.TermAt(s, 3)
	require.NoError(t, err)
	require.Equal(t, uint64(2), term)

	term, err = storage.LastTerm(s)
	require.NoError(t, err)
	require.Equal(t, uint64(2), term)

	require.ErrorIs(t, s.TruncateFrom(2), storage.ErrCompacted)
}

// CompactAll tests that an emptied log keeps its offsets.
func CompactAll(init Init, t *testing.T) {
	s, _, done := init(t)
	defer done()

	mustAppend(t, s, newEntries(0, 4, 3))
	n, err := s.Compact(storage.RetentionPolicy{SafeIndex: 100})
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.Equal(t, uint64(4), s.FirstIndex())
	require.Equal(t, uint64(4), s.NextIndex())

	term, err := storage.LastTerm(s)
	require.NoError(t, err)
	require.Equal(t, uint64(3), term)

	_, err = s.Append(newEntries(0, 1, 3)...)
	require.ErrorIs(t, err, storage.ErrOutOfOrder)
	mustAppend(t, s, newEntries(4, 2, 4))

	got, err := s.ReadRange(0, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, uint64(4), got[0].Index)
}

// HardState tests persistence of the term and vote when the store also
// implements storage.StateStore.
func HardState(init Init, t *testing.T) {
	s, _, done := init(t)
	defer done()

	ss, ok := s.(storage.StateStore)
	if !ok {
		t.Skip("store does not persist hard state")
	}
	hs, err := ss.HardState()
	require.NoError(t, err)
	require.Equal(t, storage.HardState{}, hs)

	want := storage.HardState{Term: 7, VotedFor: 3}
	require.NoError(t, ss.SetHardState(want))
	hs, err = ss.HardState()
	require.NoError(t, err)
	require.Equal(t, want, hs)
}

// Reopen tests that appended entries, compaction and hard state survive a
// restart.
func Reopen(init Init, t *testing.T) {
	s, reopen, done := init(t)
	defer done()
	if reopen == nil {
		t.Skip("store is volatile")
	}

	entries := newEntries(0, 8, 1)
	mustAppend(t, s, entries[:5])
	mustAppend(t, s, entries[5:])
	require.NoError(t, s.TruncateFrom(7))
	_, err := s.Compact(storage.RetentionPolicy{SafeIndex: 3})
	require.NoError(t, err)
	if ss, ok := s.(storage.StateStore); ok {
		require.NoError(t, ss.SetHardState(storage.HardState{Term: 4, VotedFor: 2}))
	}

	s = reopen(s)
	require.Equal(t, uint64(3), s.FirstIndex())
	require.Equal(t, uint64(7), s.NextIndex())
	require.Equal(t, uint64(1), s.CompactedTerm())

	got, err := s.ReadRange(0, 10)
	require.NoError(t, err)
	if diff := cmp.Diff(entries[3:7], got); diff != "" {
		t.Fatalf("unexpected entries after reopen (-want +got):\n%s", diff)
	}
	if ss, ok := s.(storage.StateStore); ok {
		hs, err := ss.HardState()
		require.NoError(t, err)
		require.Equal(t, storage.HardState{Term: 4, VotedFor: 2}, hs)
	}

	// Appends continue where the log left off.
	mustAppend(t, s, newEntries(7, 1, 2))
	require.Equal(t, uint64(8), s.NextIndex())
}
