package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace/noop"
)

func clearOTelEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"OTEL_EXPORTER_OTLP_ENDPOINT",
		"OTEL_EXPORTER_OTLP_TRACES_ENDPOINT",
		"OTEL_EXPORTER_OTLP_PROTOCOL",
		"OTEL_EXPORTER_OTLP_TRACES_PROTOCOL",
		"OTEL_SDK_DISABLED",
		"OTEL_TRACES_EXPORTER",
		"OTEL_SERVICE_NAME",
	} {
		t.Setenv(key, "")
	}
}

func TestSetup_NoEndpointIsNoop(t *testing.T) {
	clearOTelEnv(t)

	tel, err := Setup(context.Background(), Config{})
	require.NoError(t, err)
	assert.IsType(t, noop.TracerProvider{}, tel.TracerProvider())
	assert.NotNil(t, tel.HTTPClient())
	assert.NoError(t, tel.Shutdown(context.Background()))
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestSetup_DisabledByEnv(t *testing.T) {
	for _, tc := range []struct{ key, value string }{
		{"OTEL_SDK_DISABLED", "true"},
		{"OTEL_TRACES_EXPORTER", "none"},
	} {
		t.Run(tc.key, func(t *testing.T) {
			clearOTelEnv(t)
			t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://127.0.0.1:4318")
			t.Setenv(tc.key, tc.value)

			tel, err := Setup(context.Background(), Config{})
			require.NoError(t, err)
			assert.IsType(t, noop.TracerProvider{}, tel.TracerProvider())
		})
	}
}

func TestSetup_UnsupportedProtocol(t *testing.T) {
	clearOTelEnv(t)
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://127.0.0.1:4318")
	t.Setenv("OTEL_EXPORTER_OTLP_PROTOCOL", "http/json")

	_, err := Setup(context.Background(), Config{})
	assert.ErrorContains(t, err, "unsupported OTLP protocol")
}

func TestSetup_ExportsOverHTTP(t *testing.T) {
	var hits atomic.Int32
	var path atomic.Value
	collector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		path.Store(r.URL.Path)
		w.Header().Set("Content-Type", "application/x-protobuf")
		w.WriteHeader(http.StatusOK)
	}))
	defer collector.Close()

	clearOTelEnv(t)
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", collector.URL)

	tel, err := Setup(context.Background(), Config{ServiceName: "test-service"})
	require.NoError(t, err)
	assert.IsType(t, &sdktrace.TracerProvider{}, tel.TracerProvider())

	_, span := tel.Tracer("test").Start(context.Background(), "unit")
	span.End()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tel.Shutdown(ctx))
	assert.GreaterOrEqual(t, hits.Load(), int32(1))
	assert.Equal(t, "/v1/traces", path.Load())

	// second shutdown is a no-op
	assert.NoError(t, tel.Shutdown(ctx))
}

func TestHTTPClient_PropagatesTraceContext(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tel := FromProvider(tp, propagation.TraceContext{})

	var traceparent string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceparent = r.Header.Get("Traceparent")
	}))
	defer ts.Close()

	ctx, parent := tel.Tracer("test").Start(context.Background(), "parent")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL, nil)
	require.NoError(t, err)
	resp, err := tel.HTTPClient().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	parent.End()

	assert.Contains(t, traceparent, parent.SpanContext().TraceID().String())
	ended := recorder.Ended()
	require.Len(t, ended, 2)
	assert.Equal(t, parent.SpanContext().TraceID(), ended[0].SpanContext().TraceID())
	require.NoError(t, tel.Shutdown(context.Background()))
}

func TestFromProvider_Defaults(t *testing.T) {
	tel := FromProvider(nil, nil)
	assert.IsType(t, noop.TracerProvider{}, tel.TracerProvider())
	assert.NotNil(t, tel.Propagator())
}
