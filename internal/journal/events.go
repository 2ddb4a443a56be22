package journal

import (
	"context"
	"time"
)

// Stream names. Turn requests are a work queue consumed by worker groups;
// results and audit entries are fan-out streams trimmed by max length.
const (
	StreamTurns   = "griddle.turns"
	StreamResults = "griddle.results"
	StreamAudit   = "griddle.audit"
)

// Event types carried by the journal.
const (
	EventTurnRequested        = "turn.requested"
	EventTurnCompleted        = "turn.completed"
	EventActionDispatched     = "action.dispatched"
	EventClarificationPending = "clarification.pending"
	EventSessionArchived      = "session.archived"
)

// PayloadV1 is the current payload version for every event type.
const PayloadV1 = "v1"

// TurnRequestedPayload asks a worker to run one turn against a session.
type TurnRequestedPayload struct {
	SessionID  string    `json:"session_id"`
	Message    string    `json:"message"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Source     string    `json:"source,omitempty"`
}

// TurnCompletedPayload reports the terminal state of one turn run.
type TurnCompletedPayload struct {
	SessionID     string `json:"session_id"`
	RunID         string `json:"run_id"`
	Phase         string `json:"phase"`
	ErrorCode     string `json:"error_code,omitempty"`
	Reply         string `json:"reply,omitempty"`
	Dispatched    int    `json:"dispatched"`
	Rounds        int    `json:"rounds"`
	Continuations int    `json:"continuations"`
	DurationMS    int64  `json:"duration_ms"`
}

// ActionDispatchedPayload is one audit line per executed action.
type ActionDispatchedPayload struct {
	SessionID string `json:"session_id"`
	RunID     string `json:"run_id"`
	Kind      string `json:"kind"`
	StepID    string `json:"step_id,omitempty"`
	Status    string `json:"status"`
	ErrorCode string `json:"error_code,omitempty"`
}

// ClarificationPendingPayload announces a turn suspended on a question.
type ClarificationPendingPayload struct {
	SessionID       string   `json:"session_id"`
	RunID           string   `json:"run_id,omitempty"`
	ClarificationID string   `json:"clarification_id"`
	Question        string   `json:"question"`
	Options         []string `json:"options,omitempty"`
}

// SessionArchivedPayload records a session flushed to cold storage.
type SessionArchivedPayload struct {
	SessionID    string    `json:"session_id"`
	Runs         int       `json:"runs"`
	Observations int       `json:"observations"`
	ArchivedAt   time.Time `json:"archived_at"`
}

// TurnRequested publishes a turn request onto the work stream.
func (p *Publisher) TurnRequested(ctx context.Context, payload TurnRequestedPayload) (string, error) {
	return p.publishTyped(ctx, StreamTurns, EventTurnRequested, payload.SessionID, "", payload)
}

// TurnCompleted publishes a turn result onto the results stream.
func (p *Publisher) TurnCompleted(ctx context.Context, payload TurnCompletedPayload) (string, error) {
	return p.publishTyped(ctx, StreamResults, EventTurnCompleted, payload.SessionID, payload.RunID, payload)
}

// ActionDispatched appends one audit line for an executed action.
func (p *Publisher) ActionDispatched(ctx context.Context, payload ActionDispatchedPayload) (string, error) {
	return p.publishTyped(ctx, StreamAudit, EventActionDispatched, payload.SessionID, payload.RunID, payload)
}

// ClarificationPending announces a suspended turn on the audit stream.
func (p *Publisher) ClarificationPending(ctx context.Context, payload ClarificationPendingPayload) (string, error) {
	return p.publishTyped(ctx, StreamAudit, EventClarificationPending, payload.SessionID, payload.RunID, payload)
}

// SessionArchived records an archive sweep result on the audit stream.
func (p *Publisher) SessionArchived(ctx context.Context, payload SessionArchivedPayload) (string, error) {
	return p.publishTyped(ctx, StreamAudit, EventSessionArchived, payload.SessionID, "", payload)
}
