// Package otel implements statebus.Observability with OpenTelemetry traces
// and metrics.
package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/statekit/statebus"
)

const instrumentationName = "github.com/statekit/statebus"

// Observability implements statebus.Observability using OpenTelemetry
type Observability struct {
	tracer trace.Tracer
	meter  metric.Meter

	// Metrics
	publishCounter metric.Int64Counter
	mutateCounter  metric.Int64Counter
	mutateDuration metric.Float64Histogram
	mutateChanged  metric.Int64Counter
	mutateErrors   metric.Int64Counter
	handlerPanics  metric.Int64Counter
}

// Option configures the Observability
type Option func(*Observability)

// WithTracerProvider sets a custom tracer provider
func WithTracerProvider(provider trace.TracerProvider) Option {
	return func(o *Observability) {
		o.tracer = provider.Tracer(instrumentationName)
	}
}

// WithMeterProvider sets a custom meter provider
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(o *Observability) {
		o.meter = provider.Meter(instrumentationName)
	}
}

// New creates a new OpenTelemetry observability implementation
func New(opts ...Option) (*Observability, error) {
	obs := &Observability{
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}

	// Apply options
	for _, opt := range opts {
		opt(obs)
	}

	// Initialize metrics
	var err error

	obs.publishCounter, err = obs.meter.Int64Counter(
		"statebus.publish.count",
		metric.WithDescription("Number of events published"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	obs.mutateCounter, err = obs.meter.Int64Counter(
		"statebus.mutate.count",
		metric.WithDescription("Number of state mutations"),
		metric.WithUnit("{mutation}"),
	)
	if err != nil {
		return nil, err
	}

	obs.mutateDuration, err = obs.meter.Float64Histogram(
		"statebus.mutate.duration",
		metric.WithDescription("Mutation duration, including the update function and diff"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	obs.mutateChanged, err = obs.meter.Int64Counter(
		"statebus.mutate.changed_fields",
		metric.WithDescription("Number of changed fields detected across mutations"),
		metric.WithUnit("{field}"),
	)
	if err != nil {
		return nil, err
	}

	obs.mutateErrors, err = obs.meter.Int64Counter(
		"statebus.mutate.errors",
		metric.WithDescription("Number of failed mutations"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	obs.handlerPanics, err = obs.meter.Int64Counter(
		"statebus.handler.panics",
		metric.WithDescription("Number of recovered handler panics"),
		metric.WithUnit("{panic}"),
	)
	if err != nil {
		return nil, err
	}

	return obs, nil
}

// OnPublishStart is called when an event starts publishing
func (o *Observability) OnPublishStart(ctx context.Context, eventType string) context.Context {
	// Start a span for the publish operation
	ctx, _ = o.tracer.Start(ctx, "statebus.publish: "+eventType,
		trace.WithAttributes(
			attribute.String("event.type", eventType),
		),
	)

	// Increment publish counter
	o.publishCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("event.type", eventType),
		),
	)

	return ctx
}

// OnPublishComplete is called when an event completes publishing (all sync subscribers done)
func (o *Observability) OnPublishComplete(ctx context.Context, eventType string) {
	// End the publish span
	span := trace.SpanFromContext(ctx)
	span.End()
}

// OnMutateStart is called when a mutation acquires the lock
func (o *Observability) OnMutateStart(ctx context.Context, stateType string) context.Context {
	// Start a span for the mutation
	ctx, _ = o.tracer.Start(ctx, "statebus.mutate: "+stateType,
		trace.WithAttributes(
			attribute.String("state.type", stateType),
		),
	)

	// Increment mutation counter
	o.mutateCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("state.type", stateType),
		),
	)

	return ctx
}

// OnMutateComplete is called when a mutation finishes (with or without error)
func (o *Observability) OnMutateComplete(ctx context.Context, stateType string, duration time.Duration, changed int, err error) {
	span := trace.SpanFromContext(ctx)

	attrs := []attribute.KeyValue{
		attribute.String("state.type", stateType),
	}

	// Record duration
	durationMs := float64(duration.Milliseconds())
	o.mutateDuration.Record(ctx, durationMs, metric.WithAttributes(attrs...))

	// Handle errors
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		o.mutateErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	} else {
		span.SetAttributes(attribute.Int("state.changed_fields", changed))
		span.SetStatus(codes.Ok, "")
		if changed > 0 {
			o.mutateChanged.Add(ctx, int64(changed), metric.WithAttributes(attrs...))
		}
	}

	span.End()
}

// OnHandlerPanic is called when an action handler panics
func (o *Observability) OnHandlerPanic(eventType string, subscriptionID string, recovered any) {
	o.handlerPanics.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("event.type", eventType),
			attribute.String("subscription.id", subscriptionID),
		),
	)
}

// Ensure Observability implements statebus.Observability
var _ statebus.Observability = (*Observability)(nil)
