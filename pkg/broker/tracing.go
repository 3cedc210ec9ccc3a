package broker

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "go-devicesim"

func startSpan(ctx context.Context, name, system, destination, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs,
		semconv.MessagingSystemKey.String(system),
		semconv.MessagingDestinationKey.String(destination),
		semconv.MessagingOperationKey.String(operation),
	)
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// traceHeaders returns the current trace context as string headers.
func traceHeaders(ctx context.Context) map[string]string {
	headers := make(map[string]string)
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(headers))
	return headers
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
