package telemetry

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

func TestSetup_Disabled(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := Setup("tiermem", "test", false, &buf)
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
	assert.Zero(t, buf.Len())
}

func TestSetup_ExportsSpansAndMetrics(t *testing.T) {
	prevTP := otel.GetTracerProvider()
	prevMP := otel.GetMeterProvider()
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTP)
		otel.SetMeterProvider(prevMP)
	})

	var buf bytes.Buffer
	shutdown, err := Setup("tiermem", "test", true, &buf)
	require.NoError(t, err)

	ctx := context.Background()
	_, span := Tracer("telemetry-test").Start(ctx, "sweep")
	span.End()

	c := NewCounter("test.setup.counter", "counter used by setup test")
	c.Add(ctx, 3, attribute.String("tier", "working"))

	require.NoError(t, shutdown(ctx))
	out := buf.String()
	assert.Contains(t, out, "sweep")
	assert.Contains(t, out, "test.setup.counter")
}

func TestCounter_ZeroIsIgnored(t *testing.T) {
	c := NewCounter("test.zero", "never registered")
	c.Add(context.Background(), 0)
	assert.Nil(t, c.counter)
}
