package observability

import (
	"context"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/trace"
)

// Observability bundles the engine's OpenTelemetry meter and tracer.
type Observability struct {
	meterProvider *metric.MeterProvider
	meter         otelmetric.Meter
	opCounter     otelmetric.Int64Counter
	opDuration    otelmetric.Float64Histogram
	tracer        trace.Tracer
	traceShutdown func(context.Context) error
}

// New builds an Observability with a Prometheus metric exporter and, when
// jaegerEndpoint is non-empty, a Jaeger trace exporter.
func New(serviceName, jaegerEndpoint string) *Observability {
	o := &Observability{}

	exporter, err := prometheus.New()
	if err != nil {
		log.Printf("Failed to create Prometheus exporter: %v", err)
	} else {
		provider := metric.NewMeterProvider(metric.WithReader(exporter))
		otel.SetMeterProvider(provider)

		meter := provider.Meter(serviceName)
		opCounter, _ := meter.Int64Counter(
			"reconcile.operations",
			otelmetric.WithDescription("Number of reconciliation operations processed"),
		)
		opDuration, _ := meter.Float64Histogram(
			"reconcile.duration",
			otelmetric.WithDescription("Reconciliation operation duration"),
			otelmetric.WithUnit("ms"),
		)

		o.meterProvider = provider
		o.meter = meter
		o.opCounter = opCounter
		o.opDuration = opDuration
	}

	tracer, shutdown, err := newTracer(serviceName, jaegerEndpoint)
	if err != nil {
		log.Printf("Failed to create tracer: %v", err)
	} else {
		o.tracer = tracer
		o.traceShutdown = shutdown
	}

	return o
}

// StartSpan opens a span around a reconciliation operation. Safe to call on
// a partially initialized Observability.
func (o *Observability) StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if o == nil || o.tracer == nil {
		return trace.ContextWithSpan(ctx, trace.SpanFromContext(ctx)), trace.SpanFromContext(ctx)
	}
	return o.tracer.Start(ctx, name)
}

// RecordOperation records a completed reconciliation operation.
func (o *Observability) RecordOperation(ctx context.Context, operation, status string) {
	if o == nil || o.opCounter == nil {
		return
	}
	o.opCounter.Add(ctx, 1, otelmetric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("status", status),
	))
}

// RecordDuration records the duration of a reconciliation operation.
func (o *Observability) RecordDuration(ctx context.Context, operation string, duration time.Duration) {
	if o == nil || o.opDuration == nil {
		return
	}
	o.opDuration.Record(ctx, float64(duration.Milliseconds()), otelmetric.WithAttributes(
		attribute.String("operation", operation),
	))
}

// Shutdown flushes and stops the providers.
func (o *Observability) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if o.meterProvider != nil {
		_ = o.meterProvider.Shutdown(ctx)
	}
	if o.traceShutdown != nil {
		_ = o.traceShutdown(ctx)
	}
}
