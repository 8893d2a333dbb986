package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitTracerProviderRecordsSpans(t *testing.T) {
	prevProvider := otel.GetTracerProvider()
	prevPropagator := otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetTracerProvider(prevProvider)
		otel.SetTextMapPropagator(prevPropagator)
	})

	recorder := tracetest.NewSpanRecorder()
	tp, err := InitTracerProvider(context.Background(), "fleetd-test",
		WithVersion("v0.0.1"),
		WithSpanProcessor(recorder),
	)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, tp.Shutdown(context.Background())) })

	_, span := otel.Tracer("test").Start(context.Background(), "dispatch")
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	require.Equal(t, "dispatch", ended[0].Name())
	require.Contains(t, ended[0].Resource().String(), "fleetd-test")
	require.Contains(t, otel.GetTextMapPropagator().Fields(), "traceparent")
}

func TestInitTracerProviderRequiresServiceName(t *testing.T) {
	t.Parallel()

	_, err := InitTracerProvider(context.Background(), "")
	require.Error(t, err)
}
