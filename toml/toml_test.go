package toml_test

import (
	"bytes"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/go-cmp/cmp"
	"github.com/nexus-streaming/nexus/cmd/nexusd/run"
	itoml "github.com/nexus-streaming/nexus/toml"
	"github.com/stretchr/testify/require"
)

func TestSize_UnmarshalText(t *testing.T) {
	var s itoml.Size
	for _, test := range []struct {
		str  string
		want uint64
	}{
		{"1", 1},
		{"512", 512},
		{"1k", 1 << 10},
		{"64K", 64 << 10},
		{"1m", 1 << 20},
		{"10M", 10 << 20},
		{"1g", 1 << 30},
		{"2G", 2 << 30},
		{fmt.Sprint(uint64(math.MaxUint64) - 1), math.MaxUint64 - 1},
	} {
		require.NoError(t, s.UnmarshalText([]byte(test.str)), test.str)
		require.Equal(t, itoml.Size(test.want), s, test.str)
	}

	for _, str := range []string{
		fmt.Sprintf("%dk", uint64(math.MaxUint64-1)),
		"10000000000000000000g",
		"abcdef",
		"1KB",
		"√m",
		"a1",
		"-1m",
		"",
	} {
		require.Error(t, s.UnmarshalText([]byte(str)), "input should have failed: %s", str)
	}
}

func TestSize_String(t *testing.T) {
	require.Equal(t, "10 MiB", itoml.Size(10<<20).String())
	b, err := itoml.Size(10 << 20).MarshalText()
	require.NoError(t, err)
	require.Equal(t, "10485760", string(b))
}

func TestDuration_UnmarshalText(t *testing.T) {
	d := itoml.Duration(time.Second)
	// An empty value leaves the default in place.
	require.NoError(t, d.UnmarshalText(nil))
	require.Equal(t, time.Second, time.Duration(d))

	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	require.Equal(t, 90*time.Second, time.Duration(d))
	require.Error(t, d.UnmarshalText([]byte("soon")))
}

func TestConfig_Encode(t *testing.T) {
	var c run.Config
	c.Broker.ProduceTimeout = itoml.Duration(time.Minute)
	c.Storage.MaxSegmentSize = itoml.Size(1 << 20)
	buf := new(bytes.Buffer)
	require.NoError(t, toml.NewEncoder(buf).Encode(&c))

	got := buf.String()
	for _, search := range []string{`produce-timeout = "1m0s"`, `max-segment-size = "1048576"`} {
		require.True(t, strings.Contains(got, search), "failed to find %s in:\n%s", search, got)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	envMap := map[string]string{
		"X_NAME":              "orders",
		"X_TIMEOUT":           "1m1s",
		"X_SEGMENT_SIZE":      "4m",
		"X_PARTITIONS":        "12",
		"X_RETENTION_MS":      "-1",
		"X_NODE_ID":           "7",
		"X_REPLICATION":       "3",
		"X_ENABLED":           "true",
		"X_RATIO":             "0.75",
		"X_STORAGE_ENGINE":    "segment",
		"X_STORAGE_MAX_BYTES": "64",
		"X_PEERS_1_ADDR":      "10.0.0.2:8095",
		"X_ES":                "an embedded string",
		"X__":                 "-1", // This value should not be applied to the "ignored" field with toml tag -.
	}
	env := func(s string) string {
		return envMap[s]
	}

	type peer struct {
		ID   uint64 `toml:"id"`
		Addr string `toml:"addr"`
	}
	type storage struct {
		Engine   string `toml:"engine"`
		MaxBytes uint32 `toml:"max-bytes"`
	}
	type Embedded struct {
		ES string `toml:"es"`
	}
	type all struct {
		Name        string         `toml:"name"`
		Timeout     itoml.Duration `toml:"timeout"`
		SegmentSize itoml.Size     `toml:"segment-size"`
		Partitions  int32          `toml:"partitions"`
		RetentionMs int64          `toml:"retention-ms"`
		NodeID      uint64         `toml:"node-id"`
		Replication uint8          `toml:"replication"`
		Enabled     bool           `toml:"enabled"`
		Ratio       float64        `toml:"ratio"`
		Storage     storage        `toml:"storage"`
		Peers       []peer         `toml:"peers"`

		Embedded

		Ignored int `toml:"-"`
	}

	got := all{Peers: []peer{{ID: 1, Addr: "a"}, {ID: 2, Addr: "b"}}}
	require.NoError(t, itoml.ApplyEnvOverrides(env, "X", &got))

	exp := all{
		Name:        "orders",
		Timeout:     itoml.Duration(time.Minute + time.Second),
		SegmentSize: itoml.Size(4 << 20),
		Partitions:  12,
		RetentionMs: -1,
		NodeID:      7,
		Replication: 3,
		Enabled:     true,
		Ratio:       0.75,
		Storage:     storage{Engine: "segment", MaxBytes: 64},
		Peers:       []peer{{ID: 1, Addr: "a"}, {ID: 2, Addr: "10.0.0.2:8095"}},
		Embedded:    Embedded{ES: "an embedded string"},
	}
	if diff := cmp.Diff(exp, got); diff != "" {
		t.Fatal(diff)
	}

	require.Error(t, itoml.ApplyEnvOverrides(func(s string) string {
		if s == "X_PARTITIONS" {
			return "many"
		}
		return ""
	}, "X", &got))
	require.Error(t, itoml.ApplyEnvOverrides(nil, "X", &got))
}
