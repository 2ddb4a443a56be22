package guard

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
	guardMetricsOnce sync.Once
	violationsTotal  otelmetric.Int64Counter
	relaxationsTotal otelmetric.Int64Counter
	dispatchSeconds  otelmetric.Float64Histogram
)

func initGuardMetrics() {
	meter := otel.Meter("griddle/guard")
	var err error
	violationsTotal, err = meter.Int64Counter(
		"guard_violations_total",
		otelmetric.WithDescription("Actions bounced by a guard, by guard code"),
	)
	if err != nil {
		log.Printf("guard metrics init: guard_violations_total: %v", err)
	}
	relaxationsTotal, err = meter.Int64Counter(
		"guard_relaxations_total",
		otelmetric.WithDescription("Times the step-order guard marked the expected step done to restore progress"),
	)
	if err != nil {
		log.Printf("guard metrics init: guard_relaxations_total: %v", err)
	}
	dispatchSeconds, err = meter.Float64Histogram(
		"dispatch_duration_seconds",
		otelmetric.WithDescription("Executor wall clock per action, by kind and status"),
	)
	if err != nil {
		log.Printf("guard metrics init: dispatch_duration_seconds: %v", err)
	}
}

func noteViolation(code string) {
	guardMetricsOnce.Do(initGuardMetrics)
	if violationsTotal != nil {
		violationsTotal.Add(context.Background(), 1, otelmetric.WithAttributes(attribute.String("code", code)))
	}
}

func noteRelaxation() {
	guardMetricsOnce.Do(initGuardMetrics)
	if relaxationsTotal != nil {
		relaxationsTotal.Add(context.Background(), 1)
	}
}

func noteDispatch(ctx context.Context, kind, status string, elapsed time.Duration) {
	guardMetricsOnce.Do(initGuardMetrics)
	if dispatchSeconds != nil {
		dispatchSeconds.Record(ctx, elapsed.Seconds(), otelmetric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("status", status),
		))
	}
}
