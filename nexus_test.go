package nexus_test

import (
	"strings"
	"testing"

	"github.com/nexus-streaming/nexus"
	"github.com/nexus-streaming/nexus/kit/platform/errors"
	"github.com/stretchr/testify/require"
)

func TestTopic_Valid(t *testing.T) {
	valid := nexus.Topic{Name: "orders.v1_eu-west", Partitions: 3, ReplicationFactor: 3}
	require.NoError(t, valid.Valid())

	for _, tt := range []struct {
		name  string
		topic nexus.Topic
	}{
		{"empty name", nexus.Topic{Partitions: 1, ReplicationFactor: 1}},
		{"long name", nexus.Topic{Name: strings.Repeat("a", nexus.MaxTopicNameLength+1), Partitions: 1, ReplicationFactor: 1}},
		{"slash", nexus.Topic{Name: "a/b", Partitions: 1, ReplicationFactor: 1}},
		{"space", nexus.Topic{Name: "a b", Partitions: 1, ReplicationFactor: 1}},
		{"no partitions", nexus.Topic{Name: "t", ReplicationFactor: 1}},
		{"no replicas", nexus.Topic{Name: "t", Partitions: 1}},
		{"negative retention", nexus.Topic{Name: "t", Partitions: 1, ReplicationFactor: 1, RetentionMs: -1}},
	} {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.topic.Valid()
			require.Error(t, err)
			require.Equal(t, errors.EInvalid, errors.ErrorCode(err))
		})
	}
}

func TestGroupName(t *testing.T) {
	p := nexus.Partition{Topic: "orders", ID: 12}
	require.Equal(t, "orders/12", p.Group())

	topic, id, err := nexus.ParseGroupName(p.Group())
	require.NoError(t, err)
	require.Equal(t, "orders", topic)
	require.Equal(t, int32(12), id)

	for _, group := range []string{"", "orders", "/1", "orders/", "orders/x", "orders/-1", "orders/99999999999"} {
		_, _, err := nexus.ParseGroupName(group)
		require.Error(t, err, group)
	}
}

func TestPartition_HasReplica(t *testing.T) {
	p := nexus.Partition{Topic: "t", Replicas: []uint64{1, 3}}
	require.True(t, p.HasReplica(1))
	require.True(t, p.HasReplica(3))
	require.False(t, p.HasReplica(2))
	require.False(t, (&nexus.Partition{}).HasReplica(1))
}
