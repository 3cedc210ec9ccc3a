package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"

	"github.com/zoff-tech/go-devicesim/pkg/config"
)

const shutdownTimeout = 5 * time.Second

// Init installs an OTLP/HTTP tracer provider for the device and the W3C
// trace-context and baggage propagators used by the broker transports.
// The returned function flushes pending spans. With observability
// disabled the globals are left untouched and the shutdown is a no-op.
func Init(cfg config.Observability, deviceID string) (func(), error) {
	if !cfg.Enabled {
		return func() {}, nil
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	ctx := context.Background()
	exporter, err := otlptrace.New(ctx, otlptracehttp.NewClient(
		otlptracehttp.WithEndpoint(cfg.TracingURL),
		otlptracehttp.WithInsecure(),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := deviceResource(ctx, cfg.ServiceName, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			slog.Warn("Error shutting down tracer provider", "error", err)
		}
	}, nil
}

func validate(cfg config.Observability) error {
	switch {
	case cfg.ServiceName == "":
		return errors.New("service name cannot be empty")
	case cfg.TracingURL == "":
		return errors.New("tracing URL cannot be empty")
	}
	return nil
}

// deviceResource names the service and, when known, the device it runs
// as, so spans from several simulators can be told apart.
func deviceResource(ctx context.Context, serviceName, deviceID string) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{semconv.ServiceNameKey.String(serviceName)}
	if deviceID != "" {
		attrs = append(attrs, semconv.ServiceInstanceIDKey.String(deviceID))
	}
	return resource.New(ctx, resource.WithAttributes(attrs...))
}
