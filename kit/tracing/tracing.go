// Package tracing wraps opentracing for the broker and the raft transport.
package tracing

import (
	"context"
	"net/http"

	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/log"
)

// LogError adds a span log for an error.
// Returns unchanged error, so useful to wrap as in:
//
// return 0, tracing.LogError(span, err)
func LogError(span opentracing.Span, err error) error {
	if err != nil {
		span.LogFields(log.Error(err))
	}
	return err
}

// InjectToHTTPRequest adds tracing headers to an outgoing HTTP request.
func InjectToHTTPRequest(span opentracing.Span, req *http.Request) {
	err := opentracing.GlobalTracer().Inject(span.Context(), opentracing.HTTPHeaders, opentracing.HTTPHeadersCarrier(req.Header))
	if err != nil {
		span.LogFields(log.String("trace-inject-error", err.Error()))
	}
}

// ExtractFromHTTPRequest gets a child span of the parent referenced in HTTP
// request headers. The span is named after the handler, not the path, so
// that topic names do not leak into operation names.
func ExtractFromHTTPRequest(req *http.Request, handlerName string) (opentracing.Span, *http.Request) {
	spanContext, err := opentracing.GlobalTracer().Extract(opentracing.HTTPHeaders, opentracing.HTTPHeadersCarrier(req.Header))
	if err != nil {
		span, ctx := opentracing.StartSpanFromContext(req.Context(), handlerName)
		if err != opentracing.ErrSpanContextNotFound {
			span.LogFields(log.String("trace-extract-error", err.Error()))
		}
		return span, req.WithContext(ctx)
	}

	span := opentracing.StartSpan(handlerName, opentracing.ChildOf(spanContext))
	return span, req.WithContext(opentracing.ContextWithSpan(req.Context(), span))
}

// StartSpan starts a span named op as a child of the span in ctx, if any,
// and tags it with the partition it works on.
func StartSpan(ctx context.Context, op, topic string, partition int32) (opentracing.Span, context.Context) {
	span, ctx := opentracing.StartSpanFromContext(ctx, op)
	span.SetTag("topic", topic)
	span.SetTag("partition", partition)
	return span, ctx
}
