package runtime

import (
	"context"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

var (
	dispatchMetricsOnce sync.Once
	dispatchRequests    otelmetric.Int64Counter
	dispatchDuration    otelmetric.Float64Histogram
)

func initDispatchMetrics() {
	meter := otel.Meter("metalyst/runtime")
	var err error
	dispatchRequests, err = meter.Int64Counter(
		"dispatch_requests_total",
		otelmetric.WithDescription("Number of external runtime dispatches attempted"),
	)
	if err != nil {
		log.Printf("dispatch metrics init: requests counter: %v", err)
	}
	dispatchDuration, err = meter.Float64Histogram(
		"dispatch_duration_seconds",
		otelmetric.WithDescription("Wall time of external runtime executions"),
		otelmetric.WithUnit("s"),
	)
	if err != nil {
		log.Printf("dispatch metrics init: duration histogram: %v", err)
	}
}

func recordDispatch(ctx context.Context, op Operation, backend Backend, outcome string, elapsed time.Duration) {
	if ctx == nil {
		ctx = context.Background()
	}
	dispatchMetricsOnce.Do(initDispatchMetrics)
	attrs := []attribute.KeyValue{
		attribute.String("operation", string(op)),
		attribute.String("backend", string(backend)),
		attribute.String("outcome", outcome),
	}
	if dispatchRequests != nil {
		dispatchRequests.Add(ctx, 1, otelmetric.WithAttributes(attrs...))
	}
	if dispatchDuration != nil && elapsed > 0 {
		dispatchDuration.Record(ctx, elapsed.Seconds(), otelmetric.WithAttributes(attrs...))
	}
}
