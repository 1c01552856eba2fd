package http

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi"
	"github.com/nexus-streaming/nexus/kit/prom/promtest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestMetrics(t *testing.T) {
	m := NewHTTPMetrics("nexus", "test")
	reg := prometheus.NewRegistry()
	reg.MustRegister(m.PrometheusCollectors()...)

	r := chi.NewRouter()
	r.Use(Metrics("test", m))
	r.Post("/raft/{topic}/{partition}/vote", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Post("/missing", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	for _, topic := range []string{"orders", "payments"} {
		req := httptest.NewRequest(http.MethodPost, "/raft/"+topic+"/0/vote", nil)
		req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/80.0.3987.132 Safari/537.36")
		r.ServeHTTP(httptest.NewRecorder(), req)
	}
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/missing", nil))

	mfs := promtest.MustGather(t, reg)
	metric := promtest.MustFindMetric(t, mfs, "nexus_test_requests_total", map[string]string{
		"handler":       "test",
		"method":        "POST",
		"path":          "/raft/{topic}/{partition}/vote",
		"status":        "2XX",
		"response_code": "200",
		"user_agent":    "Chrome",
	})
	require.Equal(t, float64(2), metric.GetCounter().GetValue())

	// 4XX responses are not reported.
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				require.NotEqual(t, "/missing", l.GetValue())
			}
		}
	}
}

func TestStatusResponseWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewStatusResponseWriter(rec)
	require.Equal(t, http.StatusOK, w.Code())
	require.Equal(t, "2XX", w.StatusCodeClass())

	w.WriteHeader(http.StatusServiceUnavailable)
	require.Equal(t, http.StatusServiceUnavailable, w.Code())
	require.Equal(t, "5XX", w.StatusCodeClass())
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestChain(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		order = append(order, "handler")
	}), mw("outer"), mw("inner"), Logging(zaptest.NewLogger(t)))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, []string{"outer", "inner", "handler"}, order)
}

func TestUserAgent(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	require.Equal(t, "unknown", UserAgent(req))
}
