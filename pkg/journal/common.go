package journal

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

func startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return otel.Tracer("go-devicesim").Start(ctx, name)
}

func addDBStatsToSpan(span trace.Span, system, statement string, entriesCount int, duration time.Duration) {
	span.SetAttributes(
		attribute.Int("entriesCount", entriesCount),
		attribute.String("db.system", system),
		attribute.String("db.statement", statement),
		attribute.Float64("db.execution_time_ms", float64(duration.Milliseconds())),
	)
}
