package inmem_test

import (
	"errors"
	"testing"

	"github.com/nexus-streaming/nexus"
	"github.com/nexus-streaming/nexus/storage"
	"github.com/nexus-streaming/nexus/storage/inmem"
	"github.com/nexus-streaming/nexus/storage/storagetest"
	"github.com/stretchr/testify/require"
)

func initLogStore(t *testing.T) (storage.LogStore, func(storage.LogStore) storage.LogStore, func()) {
	return inmem.NewLogStore(), nil, func() {}
}

func TestLogStore(t *testing.T) {
	storagetest.LogStore(initLogStore, t)
}

func TestLogStore_Fail(t *testing.T) {
	s := inmem.NewLogStore()
	s.Fail(errors.New("disk on fire"))

	_, err := s.Append(&storage.Entry{Index: 0, Term: 1})
	require.True(t, nexus.IsIOError(err))
	require.True(t, nexus.IsIOError(s.SetHardState(storage.HardState{Term: 1})))

	s.Fail(nil)
	_, err = s.Append(&storage.Entry{Index: 0, Term: 1})
	require.NoError(t, err)
}
