package validate

import (
	"context"
	"log"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

var (
	validateMetricsOnce sync.Once
	rejectionsTotal     otelmetric.Int64Counter
	repairsTotal        otelmetric.Int64Counter
)

func initValidateMetrics() {
	meter := otel.Meter("griddle/validate")
	var err error
	rejectionsTotal, err = meter.Int64Counter(
		"validate_rejections_total",
		otelmetric.WithDescription("Action lists rejected back to the model, by error code"),
	)
	if err != nil {
		log.Printf("validate metrics init: validate_rejections_total: %v", err)
	}
	repairsTotal, err = meter.Int64Counter(
		"validate_repairs_total",
		otelmetric.WithDescription("Gaps filled by auto-repair, by repaired field"),
	)
	if err != nil {
		log.Printf("validate metrics init: validate_repairs_total: %v", err)
	}
}

func noteRejection(code string) {
	validateMetricsOnce.Do(initValidateMetrics)
	if rejectionsTotal != nil {
		rejectionsTotal.Add(context.Background(), 1, otelmetric.WithAttributes(attribute.String("code", code)))
	}
}

func noteRepair(field string) {
	validateMetricsOnce.Do(initValidateMetrics)
	if repairsTotal != nil {
		repairsTotal.Add(context.Background(), 1, otelmetric.WithAttributes(attribute.String("field", field)))
	}
}
