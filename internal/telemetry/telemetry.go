// Package telemetry wires up tracing spans around session and command
// execution. Components never call otel directly; each runner takes its
// trace.Tracer from Tracer() when constructed, which stays a no-op
// tracer until SetGlobal installs a provider.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope every sessionrunner span is
// recorded under.
const TracerName = "github.com/dpaulsen/sessionrunner"

// NewStdoutProvider builds a TracerProvider that writes spans to stdout,
// suitable as the default exporter when nothing else is configured.
func NewStdoutProvider(ctx context.Context) (*sdktrace.TracerProvider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("build stdout trace exporter: %w", err)
	}
	provider := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	return provider, nil
}

// Tracer returns the tracer for TracerName from the currently installed
// global TracerProvider. Until SetGlobal is called, this resolves to
// otel's default no-op tracer, so spans are free until tracing is
// configured.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// SetGlobal installs provider as the process-wide TracerProvider.
func SetGlobal(provider trace.TracerProvider) {
	otel.SetTracerProvider(provider)
}
