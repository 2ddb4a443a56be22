// Package telemetry aggregates engine activity into an in-process view:
// turn outcomes, per-action traces and per-session progress feeds. The
// tracker slots into the dispatch chain as its trace recorder, into the
// turn driver as its progress sink and into the reasoning guard as its
// toaster, so one instance sees the whole pipeline.
package telemetry

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/griddle-ai/griddle/config"
)

const (
	maxTraces          = 256
	maxProgressPerSess = 128
)

// Tracker collects metrics and recent activity. All methods are safe for
// concurrent use.
type Tracker struct {
	config config.TelemetryConfig
	logger *log.Logger

	mu       sync.RWMutex
	metrics  *Metrics
	traces   map[string]*ActionTrace
	order    []string
	progress map[string][]ProgressEntry

	stop     chan struct{}
	stopOnce sync.Once
}

// Metrics holds the aggregate counters.
type Metrics struct {
	TotalTurns      int64
	CompletedTurns  int64
	FailedTurns     int64
	ClarifyingTurns int64
	AverageTurnTime time.Duration

	TotalActions    int64
	ActionsByKind   map[string]int64
	ActionsByStatus map[string]int64

	TotalContinuations int64
	ToastsShown        int64
}

// ActionTrace is one executed action's lifecycle record.
type ActionTrace struct {
	ID        string        `json:"id"`
	Kind      string        `json:"kind"`
	Summary   string        `json:"summary,omitempty"`
	Source    string        `json:"source,omitempty"`
	Status    string        `json:"status"`
	ErrorCode string        `json:"error_code,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// ProgressEntry is one line of a session's progress feed.
type ProgressEntry struct {
	Level string    `json:"level"`
	Text  string    `json:"text"`
	At    time.Time `json:"at"`
}

// TurnEvent summarizes one finished turn.
type TurnEvent struct {
	RunID         string
	SessionID     string
	Phase         string
	ErrorCode     string
	Rounds        int
	Dispatched    int
	Continuations int
	Duration      time.Duration
}

// NewTracker creates a tracker. Periodic snapshot logging starts only when
// both telemetry and periodic logs are enabled in config.
func NewTracker(cfg config.TelemetryConfig) *Tracker {
	t := &Tracker{
		config: cfg,
		logger: log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags),
		metrics: &Metrics{
			ActionsByKind:   make(map[string]int64),
			ActionsByStatus: make(map[string]int64),
		},
		traces:   make(map[string]*ActionTrace),
		progress: make(map[string][]ProgressEntry),
		stop:     make(chan struct{}),
	}

	if cfg.Enabled && cfg.PeriodicLogs {
		go t.startReporting()
	}

	return t
}

// BeginTrace opens an action trace and returns its id.
func (t *Tracker) BeginTrace(kind, summary, source string) string {
	id := uuid.NewString()
	tr := &ActionTrace{
		ID:        id,
		Kind:      kind,
		Summary:   summary,
		Source:    source,
		Status:    "executing",
		StartedAt: time.Now().UTC(),
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.traces[id] = tr
	t.order = append(t.order, id)
	if len(t.order) > maxTraces {
		evicted := t.order[0]
		t.order = t.order[1:]
		delete(t.traces, evicted)
	}
	t.metrics.ActionsByKind[kind]++
	return id
}

// UpdateTrace closes an action trace with its outcome. Unknown ids are
// ignored; the trace may have been evicted under load.
func (t *Tracker) UpdateTrace(id, status, errorCode string, duration time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics.TotalActions++
	t.metrics.ActionsByStatus[status]++

	tr, ok := t.traces[id]
	if !ok {
		return
	}
	tr.Status = status
	tr.ErrorCode = errorCode
	tr.Duration = duration
}

// Traces returns the most recent action traces, newest first.
func (t *Tracker) Traces(limit int) []ActionTrace {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if limit <= 0 || limit > len(t.order) {
		limit = len(t.order)
	}
	out := make([]ActionTrace, 0, limit)
	for i := len(t.order) - 1; i >= 0 && len(out) < limit; i-- {
		if tr, ok := t.traces[t.order[i]]; ok {
			out = append(out, *tr)
		}
	}
	return out
}

// AddProgress appends one line to a session's progress feed.
func (t *Tracker) AddProgress(sessionID, level, text string) {
	entry := ProgressEntry{Level: level, Text: text, At: time.Now().UTC()}

	t.mu.Lock()
	defer t.mu.Unlock()
	feed := append(t.progress[sessionID], entry)
	if len(feed) > maxProgressPerSess {
		feed = feed[len(feed)-maxProgressPerSess:]
	}
	t.progress[sessionID] = feed
}

// Progress returns the newest progress entries for a session, oldest first.
func (t *Tracker) Progress(sessionID string, limit int) []ProgressEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	feed := t.progress[sessionID]
	if limit > 0 && len(feed) > limit {
		feed = feed[len(feed)-limit:]
	}
	out := make([]ProgressEntry, len(feed))
	copy(out, feed)
	return out
}

// Toast surfaces a transient notice on the session's progress feed. Toasts
// never enter the chat transcript.
func (t *Tracker) Toast(sessionID, text string) {
	t.mu.Lock()
	t.metrics.ToastsShown++
	t.mu.Unlock()
	t.logger.Printf("toast for %s: %s", sessionID, text)
	t.AddProgress(sessionID, "toast", text)
}

// RecordTurnEvent folds one finished turn into the aggregates.
func (t *Tracker) RecordTurnEvent(ev TurnEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics.TotalTurns++
	switch ev.Phase {
	case "failed":
		t.metrics.FailedTurns++
	case "clarifying":
		t.metrics.ClarifyingTurns++
	default:
		t.metrics.CompletedTurns++
	}
	t.metrics.TotalContinuations += int64(ev.Continuations)

	if t.metrics.TotalTurns == 1 {
		t.metrics.AverageTurnTime = ev.Duration
	} else {
		total := t.metrics.AverageTurnTime * time.Duration(t.metrics.TotalTurns-1)
		t.metrics.AverageTurnTime = (total + ev.Duration) / time.Duration(t.metrics.TotalTurns)
	}

	if t.config.Enabled {
		t.logger.Printf("Turn Event: Run=%s, Phase=%s, Actions=%d, Rounds=%d, Duration=%v",
			ev.RunID, ev.Phase, ev.Dispatched, ev.Rounds, ev.Duration)
	}
}

// ForgetSession drops a session's progress feed. Called when the session
// is reset or archived away.
func (t *Tracker) ForgetSession(sessionID string) {
	t.mu.Lock()
	delete(t.progress, sessionID)
	t.mu.Unlock()
}

// GetMetrics returns a copy of the aggregates.
func (t *Tracker) GetMetrics() Metrics {
	t.mu.RLock()
	defer t.mu.RUnlock()

	// Deep copy so callers never race the live maps.
	metrics := *t.metrics
	metrics.ActionsByKind = make(map[string]int64)
	metrics.ActionsByStatus = make(map[string]int64)
	for k, v := range t.metrics.ActionsByKind {
		metrics.ActionsByKind[k] = v
	}
	for k, v := range t.metrics.ActionsByStatus {
		metrics.ActionsByStatus[k] = v
	}
	return metrics
}

// startReporting logs a metrics snapshot every minute until Shutdown.
func (t *Tracker) startReporting() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			m := t.GetMetrics()
			t.logger.Printf("Metrics Snapshot: Turns=%d (failed=%d, clarifying=%d), Actions=%d, AvgTurnTime=%v",
				m.TotalTurns, m.FailedTurns, m.ClarifyingTurns, m.TotalActions, m.AverageTurnTime)
		}
	}
}

// Shutdown stops background reporting and logs a final summary.
func (t *Tracker) Shutdown() {
	t.stopOnce.Do(func() { close(t.stop) })

	m := t.GetMetrics()
	if m.TotalTurns == 0 {
		t.logger.Printf("Final Report: no turns processed")
		return
	}
	t.logger.Printf("Final Report:")
	t.logger.Printf("  Total Turns: %d", m.TotalTurns)
	t.logger.Printf("  Success Rate: %.2f%%", float64(m.CompletedTurns)/float64(m.TotalTurns)*100)
	t.logger.Printf("  Average Turn Time: %v", m.AverageTurnTime)
	t.logger.Printf("  Total Actions: %d", m.TotalActions)
	t.logger.Printf("  Continuations: %d", m.TotalContinuations)
}

// Report renders a human-readable activity summary.
func (t *Tracker) Report() string {
	m := t.GetMetrics()
	if m.TotalTurns == 0 {
		return "no turns processed yet"
	}

	report := fmt.Sprintf(`=== ENGINE REPORT ===
Turns:
  Total: %d
  Completed: %d (%.2f%%)
  Failed: %d
  Clarifying: %d
  Average Turn Time: %v
  Continuations: %d

Actions:
`, m.TotalTurns, m.CompletedTurns,
		float64(m.CompletedTurns)/float64(m.TotalTurns)*100,
		m.FailedTurns, m.ClarifyingTurns, m.AverageTurnTime, m.TotalContinuations)

	for kind, n := range m.ActionsByKind {
		report += fmt.Sprintf("  %s: %d\n", kind, n)
	}
	report += "\nOutcomes:\n"
	for status, n := range m.ActionsByStatus {
		report += fmt.Sprintf("  %s: %d\n", status, n)
	}
	return report
}
