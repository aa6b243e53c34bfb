// Package observability provides tracing instrumentation for Polaris using
// OpenTelemetry. Instrumentation is expressed as explicit higher-order
// functions wrapping plain operations; there is no runtime metaprogramming.
package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ajitpratap0/polaris/pkg/metrics"
)

const tracerName = "github.com/ajitpratap0/polaris"

// tracer returns the package tracer. The global provider defaults to a no-op;
// services that run a real tracer provider get spans without any change here.
func tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// Instrument wraps an operation with an OpenTelemetry span and a latency
// observation. The returned function has the same signature as the input,
// so call sites can swap instrumented and plain operations freely.
//
// Example:
//
//	fetch := observability.Instrument("secretstore.get_secret", client.fetchRemote)
//	result, err := fetch(ctx, key)
func Instrument[T any](name string, fn func(context.Context, string) (T, error)) func(context.Context, string) (T, error) {
	return func(ctx context.Context, key string) (T, error) {
		ctx, span := tracer().Start(ctx, name,
			trace.WithAttributes(attribute.String("polaris.key", key)))
		start := time.Now()

		result, err := fn(ctx, key)

		metrics.LookupDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()

		return result, err
	}
}
