// Package telemetry sets up OpenTelemetry tracing for one process. Nothing is
// registered globally: callers pass the returned Telemetry to whatever needs
// a tracer or an instrumented HTTP client.
package telemetry

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const DefaultServiceName = "mcpagent"

// Config controls Setup. Exporter details (endpoint, headers, protocol) are
// read from the standard OTEL_* environment variables.
type Config struct {
	ServiceName string
	Disabled    bool
}

// Telemetry owns the tracer provider for the process.
type Telemetry struct {
	provider   trace.TracerProvider
	sdk        *sdktrace.TracerProvider
	propagator propagation.TextMapPropagator
	client     *http.Client

	shutdownOnce sync.Once
	shutdownErr  error
}

// Setup builds the tracing pipeline. When no OTLP endpoint is configured, or
// the SDK is disabled by environment, it returns a no-op Telemetry.
func Setup(ctx context.Context, cfg Config) (*Telemetry, error) {
	propagator := propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
	if cfg.Disabled || !exportEnabled() {
		log.Printf("[telemetry] no OTLP endpoint configured, tracing disabled")
		return FromProvider(noop.NewTracerProvider(), propagator), nil
	}

	exporter, err := newExporter(ctx)
	if err != nil {
		return nil, err
	}

	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = DefaultServiceName
	}
	// Later options win, so OTEL_SERVICE_NAME and OTEL_RESOURCE_ATTRIBUTES
	// override the default service name.
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(name)),
		resource.WithTelemetrySDK(),
		resource.WithFromEnv(),
	)
	if err != nil {
		_ = exporter.Shutdown(ctx)
		return nil, fmt.Errorf("telemetry: create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	t := FromProvider(tp, propagator)
	t.sdk = tp
	log.Printf("[telemetry] exporting traces via OTLP/%s", protocol())
	return t, nil
}

// FromProvider wraps an existing provider. Tests use it with an in-memory
// recorder.
func FromProvider(tp trace.TracerProvider, propagator propagation.TextMapPropagator) *Telemetry {
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	if propagator == nil {
		propagator = propagation.TraceContext{}
	}
	t := &Telemetry{provider: tp, propagator: propagator}
	if sdk, ok := tp.(*sdktrace.TracerProvider); ok {
		t.sdk = sdk
	}
	t.client = &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport,
			otelhttp.WithTracerProvider(tp),
			otelhttp.WithPropagators(propagator),
		),
	}
	return t
}

func (t *Telemetry) TracerProvider() trace.TracerProvider { return t.provider }

func (t *Telemetry) Propagator() propagation.TextMapPropagator { return t.propagator }

func (t *Telemetry) Tracer(name string) trace.Tracer { return t.provider.Tracer(name) }

// HTTPClient returns a client whose requests are traced and carry the
// trace context to the server.
func (t *Telemetry) HTTPClient() *http.Client { return t.client }

// Shutdown flushes pending spans. Only the first call does any work.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	t.shutdownOnce.Do(func() {
		if t.sdk != nil {
			t.shutdownErr = t.sdk.Shutdown(ctx)
		}
	})
	return t.shutdownErr
}

func newExporter(ctx context.Context) (*otlptrace.Exporter, error) {
	switch p := protocol(); p {
	case "grpc":
		exp, err := otlptracegrpc.New(ctx)
		if err != nil {
			return nil, fmt.Errorf("telemetry: create OTLP/gRPC exporter: %w", err)
		}
		return exp, nil
	case "http/protobuf":
		exp, err := otlptracehttp.New(ctx)
		if err != nil {
			return nil, fmt.Errorf("telemetry: create OTLP/HTTP exporter: %w", err)
		}
		return exp, nil
	default:
		return nil, fmt.Errorf("telemetry: unsupported OTLP protocol %q", p)
	}
}

func protocol() string {
	for _, key := range []string{"OTEL_EXPORTER_OTLP_TRACES_PROTOCOL", "OTEL_EXPORTER_OTLP_PROTOCOL"} {
		if v := strings.ToLower(strings.TrimSpace(os.Getenv(key))); v != "" {
			return v
		}
	}
	return "http/protobuf"
}

func exportEnabled() bool {
	if strings.EqualFold(strings.TrimSpace(os.Getenv("OTEL_SDK_DISABLED")), "true") {
		return false
	}
	if strings.EqualFold(strings.TrimSpace(os.Getenv("OTEL_TRACES_EXPORTER")), "none") {
		return false
	}
	return strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")) != "" ||
		strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT")) != ""
}
