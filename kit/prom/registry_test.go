package prom_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nexus-streaming/nexus/kit/prom"
	"github.com/nexus-streaming/nexus/kit/prom/promtest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type mockCollector struct {
	counter prometheus.Counter
}

func newMockCollector() *mockCollector {
	return &mockCollector{
		counter: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nexus",
			Name:      "mock_total",
			Help:      "A counter used in tests.",
		}),
	}
}

func (c *mockCollector) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{c.counter}
}

func TestRegistry_Add(t *testing.T) {
	reg := prom.NewRegistry(zaptest.NewLogger(t))
	c := newMockCollector()
	reg.Add(c)
	c.counter.Add(3)

	mfs := promtest.MustGather(t, reg)
	m := promtest.MustFindMetric(t, mfs, "nexus_mock_total", nil)
	require.Equal(t, 3.0, m.GetCounter().GetValue())

	// Registering the same collectors twice panics.
	require.Panics(t, func() { reg.Add(c) })
}

func TestRegistry_HTTPHandler(t *testing.T) {
	reg := prom.NewRegistry(nil)
	c := newMockCollector()
	reg.Add(c)
	c.counter.Inc()

	srv := httptest.NewServer(reg.HTTPHandler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(body), "nexus_mock_total 1"), string(body))
}
