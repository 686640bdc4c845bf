package telemetry

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// The provider is global, so these tests do not run in parallel.
func installRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	prevTP := otel.GetTracerProvider()
	prevProp := otel.GetTextMapPropagator()
	recorder := tracetest.NewSpanRecorder()
	tp, err := InitTracerProvider(context.Background(), Config{ServiceName: "scrapefleet-test", Version: "dev", SampleRatio: 1},
		sdktrace.WithSpanProcessor(recorder))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
	})
	return recorder
}

func TestMiddlewareNamesSpanAfterRoute(t *testing.T) {
	recorder := installRecorder(t)

	var seenTrace string
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/jobs/{job_id}", func(w http.ResponseWriter, r *http.Request) {
		seenTrace = TraceID(r.Context())
		w.WriteHeader(http.StatusNotFound)
	})
	r.Get("/boom", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/42", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	r.ServeHTTP(httptest.NewRecorder(), req)
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/boom", nil))

	spans := recorder.Ended()
	require.Len(t, spans, 2)

	first := spans[0]
	require.Equal(t, "GET /v1/jobs/{job_id}", first.Name())
	require.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", first.SpanContext().TraceID().String())
	require.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", seenTrace)
	require.Contains(t, first.Attributes(), attribute.Int("http.status_code", http.StatusNotFound))
	require.Equal(t, codes.Unset, first.Status().Code)

	second := spans[1]
	require.Equal(t, "GET /boom", second.Name())
	require.Equal(t, codes.Error, second.Status().Code)
}

func TestTraceIDWithoutSpan(t *testing.T) {
	require.Empty(t, TraceID(context.Background()))
}

func TestInitTracerProviderExportsSpans(t *testing.T) {
	prevTP := otel.GetTracerProvider()
	prevProp := otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
	})

	var out bytes.Buffer
	tp, err := InitTracerProvider(context.Background(), Config{
		ServiceName: "scrapefleet-test",
		Version:     "dev",
		SampleRatio: 1,
		Exporter:    ExporterStdout,
		Writer:      &out,
	})
	require.NoError(t, err)

	_, span := otel.Tracer(tracerName).Start(context.Background(), "plan jobs")
	span.End()
	require.NoError(t, tp.ForceFlush(context.Background()))
	require.NoError(t, tp.Shutdown(context.Background()))
	require.Contains(t, out.String(), `"Name":"plan jobs"`)
}

func TestNewExporter(t *testing.T) {
	exp, err := NewExporter(Config{})
	require.NoError(t, err)
	require.Nil(t, exp)

	exp, err = NewExporter(Config{Exporter: ExporterNone})
	require.NoError(t, err)
	require.Nil(t, exp)

	_, err = NewExporter(Config{Exporter: ExporterCloudTrace})
	require.ErrorContains(t, err, "project id")

	_, err = NewExporter(Config{Exporter: "zipkin"})
	require.ErrorContains(t, err, "zipkin")
}
