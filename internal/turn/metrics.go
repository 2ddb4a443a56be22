package turn

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
	turnMetricsOnce    sync.Once
	turnsTotal         otelmetric.Int64Counter
	turnSeconds        otelmetric.Float64Histogram
	continuationsTotal otelmetric.Int64Counter
)

func initTurnMetrics() {
	meter := otel.Meter("griddle/turn")
	var err error
	turnsTotal, err = meter.Int64Counter(
		"turns_total",
		otelmetric.WithDescription("Turns finished, by terminal phase and error code"),
	)
	if err != nil {
		log.Printf("turn metrics init: turns_total: %v", err)
	}
	turnSeconds, err = meter.Float64Histogram(
		"turn_duration_seconds",
		otelmetric.WithDescription("Wall clock duration of one turn"),
	)
	if err != nil {
		log.Printf("turn metrics init: turn_duration_seconds: %v", err)
	}
	continuationsTotal, err = meter.Int64Counter(
		"turn_continuations_total",
		otelmetric.WithDescription("Automatic continuation rounds taken after a complete response"),
	)
	if err != nil {
		log.Printf("turn metrics init: turn_continuations_total: %v", err)
	}
}

func noteTurn(ctx context.Context, res Result, elapsed time.Duration) {
	turnMetricsOnce.Do(initTurnMetrics)
	attrs := otelmetric.WithAttributes(
		attribute.String("phase", string(res.Phase)),
		attribute.String("error_code", res.ErrorCode),
	)
	if turnsTotal != nil {
		turnsTotal.Add(ctx, 1, attrs)
	}
	if turnSeconds != nil {
		turnSeconds.Record(ctx, elapsed.Seconds(), attrs)
	}
	if continuationsTotal != nil && res.Continuations > 0 {
		continuationsTotal.Add(ctx, int64(res.Continuations))
	}
}
