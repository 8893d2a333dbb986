package pubsub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

type attributed struct {
	Kind string `json:"kind"`
}

func (a attributed) Attributes() map[string]string {
	return map[string]string{"kind": a.Kind, "empty": ""}
}

func TestBuildMessageCopiesAttributes(t *testing.T) {
	msg, err := buildMessage(context.Background(), attributed{Kind: "TASK_ASSIGNED"})
	require.NoError(t, err)
	require.JSONEq(t, `{"kind":"TASK_ASSIGNED"}`, string(msg.Data))
	require.Equal(t, "TASK_ASSIGNED", msg.Attributes["kind"])
	require.NotContains(t, msg.Attributes, "empty")
}

func TestBuildMessageInjectsTraceContext(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	ctx, span := tp.Tracer("test").Start(context.Background(), "publish")
	defer span.End()

	msg, err := buildMessage(ctx, map[string]string{"a": "b"})
	require.NoError(t, err)
	require.NotEmpty(t, msg.Attributes["traceparent"])
}

func TestBuildMessageRejectsUnmarshalable(t *testing.T) {
	_, err := buildMessage(context.Background(), make(chan int))
	require.Error(t, err)
}

func TestPublishWithoutClient(t *testing.T) {
	t.Parallel()

	_, err := New(nil).Publish(context.Background(), "topic", "x")
	require.Error(t, err)
}

func TestCarrierKeys(t *testing.T) {
	t.Parallel()

	c := &pubsubCarrier{attrs: map[string]string{}}
	c.Set("k", "v")
	require.Equal(t, "v", c.Get("k"))
	require.Equal(t, []string{"k"}, c.Keys())
}
