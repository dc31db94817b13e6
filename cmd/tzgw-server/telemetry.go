package main

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// gatewayTelemetry wraps the OTEL tracer/meter pair this process uses to
// instrument inference requests, the way
// runtime/agent/telemetry/clue.go wires the same two primitives for the
// agent runtime — a request count + latency histogram, plus one span per
// inference call.
type gatewayTelemetry struct {
	tracer   trace.Tracer
	requests metric.Int64Counter
	latency  metric.Float64Histogram
}

func newGatewayTelemetry() *gatewayTelemetry {
	meter := otel.Meter("goa.design/tzgw")
	requests, _ := meter.Int64Counter("tzgw.inference.requests")
	latency, _ := meter.Float64Histogram("tzgw.inference.latency_seconds")
	return &gatewayTelemetry{
		tracer:   otel.Tracer("goa.design/tzgw"),
		requests: requests,
		latency:  latency,
	}
}

// startInference opens a span for one inference call and returns a finish
// function that records its outcome on both the span and the metrics.
func (t *gatewayTelemetry) startInference(ctx context.Context, functionName string, stream bool) (context.Context, func(err error)) {
	ctx, span := t.tracer.Start(ctx, "inference",
		trace.WithAttributes(
			attribute.String("function_name", functionName),
			attribute.Bool("stream", stream),
		),
	)
	start := time.Now()
	return ctx, func(err error) {
		attrs := metric.WithAttributes(attribute.String("function_name", functionName), attribute.Bool("stream", stream))
		t.requests.Add(ctx, 1, attrs)
		t.latency.Record(ctx, time.Since(start).Seconds(), attrs)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}
