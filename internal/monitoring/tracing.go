package monitoring

import (
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/cwygoda/enrichwatch"

// InitTracing installs a tracer provider for the service that exports
// finished spans as JSON lines to w.
func InitTracing(serviceName string, w io.Writer) (*sdktrace.TracerProvider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("create span exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(serviceName),
		)),
	)
	otel.SetTracerProvider(tp)
	return tp, nil
}

// ShutdownTracing flushes and stops the tracer provider.
func ShutdownTracing(tp *sdktrace.TracerProvider, logger *logrus.Logger) {
	if err := tp.Shutdown(context.Background()); err != nil {
		logger.WithError(err).Warn("Error shutting down tracer provider")
	}
}

// StartSpan starts a span on the global tracer.
func StartSpan(ctx context.Context, name string, attrs map[string]interface{}) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name)
	if len(attrs) > 0 {
		kv := make([]attribute.KeyValue, 0, len(attrs))
		for k, v := range attrs {
			kv = append(kv, attribute.String(k, fmt.Sprintf("%v", v)))
		}
		span.SetAttributes(kv...)
	}
	return ctx, span
}

// EndSpan records err on the span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
