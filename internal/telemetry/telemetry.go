// Package telemetry holds the OpenTelemetry tracer and counters shared by the
// lifecycle engines. Without an installed SDK provider every call is a no-op.
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/oceanbase/tiermem-go"

// Tracer returns a named tracer from the global provider.
func Tracer(pkg string) trace.Tracer {
	return otel.Tracer(pkg)
}

// Counter is a lazily registered int64 counter.
type Counter struct {
	name        string
	description string

	once    sync.Once
	counter metric.Int64Counter
}

// NewCounter declares a counter. Registration happens on first use so that a
// provider installed after package init is honoured.
func NewCounter(name, description string) *Counter {
	return &Counter{name: name, description: description}
}

// Add records n against the counter. Zero is ignored.
func (c *Counter) Add(ctx context.Context, n int, attrs ...attribute.KeyValue) {
	if n == 0 {
		return
	}
	c.once.Do(func() {
		counter, err := otel.Meter(instrumentationName).Int64Counter(c.name, metric.WithDescription(c.description))
		if err == nil {
			c.counter = counter
		}
	})
	if c.counter == nil {
		return
	}
	c.counter.Add(ctx, int64(n), metric.WithAttributes(attrs...))
}
