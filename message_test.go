package nexus_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/nexus-streaming/nexus"
	"github.com/stretchr/testify/require"
)

func TestMessage_MarshalBinary(t *testing.T) {
	for _, tt := range []struct {
		name string
		msg  nexus.Message
	}{
		{"value only", nexus.Message{Value: []byte("v"), Timestamp: 1700000000000}},
		{"empty key", nexus.Message{Key: []byte{}, Value: []byte{}}},
		{"headers", nexus.Message{
			Key:       []byte("user-42"),
			Value:     []byte(`{"total":12}`),
			Headers:   map[string]string{"trace": "abc", "content-type": "application/json", "empty": ""},
			Timestamp: -1,
		}},
	} {
		t.Run(tt.name, func(t *testing.T) {
			b, err := tt.msg.MarshalBinary()
			require.NoError(t, err)

			got := nexus.Message{Offset: 7}
			require.NoError(t, got.UnmarshalBinary(b))

			want := tt.msg
			want.Offset = 7
			if want.Value == nil {
				want.Value = []byte{}
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Fatalf("unexpected message -want/+got:\n%s", diff)
			}
		})
	}
}

func TestMessage_MarshalBinary_Deterministic(t *testing.T) {
	m := nexus.Message{Value: []byte("v"), Headers: map[string]string{"a": "1", "b": "2", "c": "3", "d": "4"}}
	first, err := m.MarshalBinary()
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		b, err := m.MarshalBinary()
		require.NoError(t, err)
		require.Equal(t, first, b)
	}
}

func TestMessage_UnmarshalBinary_Errors(t *testing.T) {
	m := nexus.Message{Key: []byte("k"), Value: []byte("value"), Headers: map[string]string{"h": "v"}}
	b, err := m.MarshalBinary()
	require.NoError(t, err)

	var got nexus.Message
	for i := 0; i < len(b); i++ {
		require.Error(t, got.UnmarshalBinary(b[:i]), "truncated at %d", i)
	}
	require.Equal(t, nexus.ErrMessageTruncated, got.UnmarshalBinary(b[:3]))

	bad := append([]byte{}, b...)
	bad[0] = 99
	require.EqualError(t, got.UnmarshalBinary(bad), "unsupported message version: 99")
}
