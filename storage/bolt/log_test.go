package bolt_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/nexus-streaming/nexus/storage"
	"github.com/nexus-streaming/nexus/storage/bolt"
	"github.com/nexus-streaming/nexus/storage/storagetest"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func initLogStore(t *testing.T) (storage.LogStore, func(storage.LogStore) storage.LogStore, func()) {
	path := filepath.Join(t.TempDir(), "log.db")
	open := func() *bolt.LogStore {
		s := bolt.NewLogStore(path)
		s.WithLogger(zaptest.NewLogger(t))
		require.NoError(t, s.Open(context.Background()))
		return s
	}

	s := open()
	current := s
	reopen := func(old storage.LogStore) storage.LogStore {
		require.NoError(t, old.Close())
		current = open()
		return current
	}
	return s, reopen, func() { current.Close() }
}

func TestLogStore(t *testing.T) {
	storagetest.LogStore(initLogStore, t)
}

func TestLogStore_Closed(t *testing.T) {
	s := bolt.NewLogStore(filepath.Join(t.TempDir(), "log.db"))
	require.NoError(t, s.Open(context.Background()))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.Append(&storage.Entry{Index: 0, Term: 1})
	require.ErrorIs(t, err, storage.ErrClosed)
}
