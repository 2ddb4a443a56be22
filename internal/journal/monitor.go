package journal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

// LagMetrics captures pending and lag state for one consumer group.
type LagMetrics struct {
	Pending    int64
	Lag        int64
	Consumers  int64
	OldestIdle time.Duration
}

// GroupLag reads lag metrics for a stream and group.
func GroupLag(ctx context.Context, client *redis.Client, stream, group string) (LagMetrics, error) {
	if client == nil {
		return LagMetrics{}, fmt.Errorf("redis client is nil")
	}
	if stream == "" || group == "" {
		return LagMetrics{}, fmt.Errorf("stream and group are required")
	}

	groups, err := client.XInfoGroups(ctx, stream).Result()
	if err != nil {
		return LagMetrics{}, fmt.Errorf("xinfo groups %s: %w", stream, err)
	}
	metrics := LagMetrics{Lag: -1}
	for _, info := range groups {
		if info.Name != group {
			continue
		}
		metrics.Pending = info.Pending
		metrics.Lag = info.Lag
		metrics.Consumers = int64(info.Consumers)
		break
	}

	if metrics.Pending > 0 {
		entries, err := client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: stream,
			Group:  group,
			Start:  "-",
			End:    "+",
			Count:  1,
		}).Result()
		if err != nil && err != redis.Nil {
			return LagMetrics{}, fmt.Errorf("xpendingext %s: %w", stream, err)
		}
		if len(entries) > 0 {
			metrics.OldestIdle = entries[0].Idle
		}
	}

	return metrics, nil
}

// Monitor polls group lag on an interval and exposes it as an observable
// gauge. Start it once per consumer group.
type Monitor struct {
	client   *redis.Client
	stream   string
	group    string
	interval time.Duration

	mu   sync.Mutex
	last LagMetrics
}

// NewMonitor builds a lag monitor for one stream and group.
func NewMonitor(client *redis.Client, stream, group string, interval time.Duration) (*Monitor, error) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	m := &Monitor{client: client, stream: stream, group: group, interval: interval}

	meter := otel.Meter("griddle/journal")
	attrs := otelmetric.WithAttributes(
		attribute.String("stream", stream),
		attribute.String("group", group),
	)
	_, err := meter.Int64ObservableGauge(
		"journal_group_lag",
		otelmetric.WithDescription("Entries not yet delivered to the consumer group"),
		otelmetric.WithInt64Callback(func(_ context.Context, o otelmetric.Int64Observer) error {
			m.mu.Lock()
			lag := m.last.Lag
			m.mu.Unlock()
			if lag >= 0 {
				o.Observe(lag, attrs)
			}
			return nil
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("lag gauge: %w", err)
	}
	return m, nil
}

// Run polls until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics, err := GroupLag(ctx, m.client, m.stream, m.group)
			if err != nil {
				continue
			}
			m.mu.Lock()
			m.last = metrics
			m.mu.Unlock()
		}
	}
}

// Last returns the most recent lag snapshot.
func (m *Monitor) Last() LagMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}
