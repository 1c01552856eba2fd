package testing

import (
	"testing"

	"github.com/opentracing/opentracing-go"
	"github.com/uber/jaeger-client-go"
)

// SetupInMemoryTracing sets the global tracer to an in memory Jaeger instance
// for the duration of a test and returns its reporter.
func SetupInMemoryTracing(tb testing.TB, name string) *jaeger.InMemoryReporter {
	var (
		old            = opentracing.GlobalTracer()
		reporter       = jaeger.NewInMemoryReporter()
		tracer, closer = jaeger.NewTracer(name, jaeger.NewConstSampler(true), reporter)
	)

	opentracing.SetGlobalTracer(tracer)
	tb.Cleanup(func() {
		_ = closer.Close()
		opentracing.SetGlobalTracer(old)
	})
	return reporter
}
