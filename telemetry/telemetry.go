// Package telemetry wires the stdout-exporting tracer provider used by
// cmd/redisbus and by tests that want real spans instead of the global
// no-op tracer. It is the concrete home for go.opentelemetry.io/otel/sdk
// and the stdouttrace exporter, which have no other natural component in
// this codebase.
package telemetry

import (
	"context"
	"io"

	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// NewStdoutTracerProvider builds a TracerProvider that writes spans as
// JSON to w, tagged with serviceName as the OTel service.name resource
// attribute. Callers must call Shutdown on the returned provider to
// flush pending spans.
func NewStdoutTracerProvider(serviceName string, w io.Writer) (*sdktrace.TracerProvider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	res, err := resource.New(context.Background(), resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)))
	if err != nil {
		res = resource.Default()
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	), nil
}
