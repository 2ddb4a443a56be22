package journal

import (
	"context"
	"log"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

var (
	journalMetricsOnce sync.Once
	publishedTotal     otelmetric.Int64Counter
	consumedTotal      otelmetric.Int64Counter
	ackedTotal         otelmetric.Int64Counter
	poisonTotal        otelmetric.Int64Counter
)

func initJournalMetrics() {
	meter := otel.Meter("griddle/journal")
	var err error
	publishedTotal, err = meter.Int64Counter(
		"journal_published_total",
		otelmetric.WithDescription("Envelopes appended to the journal streams"),
	)
	if err != nil {
		log.Printf("journal metrics init: journal_published_total: %v", err)
	}
	consumedTotal, err = meter.Int64Counter(
		"journal_consumed_total",
		otelmetric.WithDescription("Envelopes decoded and validated by consumers"),
	)
	if err != nil {
		log.Printf("journal metrics init: journal_consumed_total: %v", err)
	}
	ackedTotal, err = meter.Int64Counter(
		"journal_acked_total",
		otelmetric.WithDescription("Stream entries acknowledged after processing"),
	)
	if err != nil {
		log.Printf("journal metrics init: journal_acked_total: %v", err)
	}
	poisonTotal, err = meter.Int64Counter(
		"journal_poison_total",
		otelmetric.WithDescription("Undecodable or schema-invalid entries acked to unblock the group"),
	)
	if err != nil {
		log.Printf("journal metrics init: journal_poison_total: %v", err)
	}
}

func notePublished(ctx context.Context, eventType string) {
	journalMetricsOnce.Do(initJournalMetrics)
	if publishedTotal == nil {
		return
	}
	publishedTotal.Add(contextOrBackground(ctx), 1,
		otelmetric.WithAttributes(attribute.String("event_type", eventType)))
}

func noteConsumed(ctx context.Context, eventType string) {
	journalMetricsOnce.Do(initJournalMetrics)
	if consumedTotal == nil {
		return
	}
	consumedTotal.Add(contextOrBackground(ctx), 1,
		otelmetric.WithAttributes(attribute.String("event_type", eventType)))
}

func noteAcked(ctx context.Context, n int64) {
	journalMetricsOnce.Do(initJournalMetrics)
	if ackedTotal == nil {
		return
	}
	ackedTotal.Add(contextOrBackground(ctx), n)
}

func notePoison(ctx context.Context, stream, reason string) {
	journalMetricsOnce.Do(initJournalMetrics)
	log.Printf("[JOURNAL] poison entry on %s acked: %s", stream, reason)
	if poisonTotal == nil {
		return
	}
	poisonTotal.Add(contextOrBackground(ctx), 1,
		otelmetric.WithAttributes(attribute.String("stream", stream)))
}

func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
