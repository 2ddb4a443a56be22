package journal

import (
	"encoding/json"
	"testing"
	"time"
)

func mustMarshal(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestEventSchemasValidate(t *testing.T) {
	reg, err := DefaultRegistry()
	if err != nil {
		t.Fatalf("DefaultRegistry: %v", err)
	}

	cases := []struct {
		eventType string
		payload   interface{}
	}{
		{EventTurnRequested, TurnRequestedPayload{
			SessionID:  "sess-1",
			Message:    "filter to emea",
			EnqueuedAt: time.Now().UTC(),
			Source:     "api",
		}},
		{EventTurnCompleted, TurnCompletedPayload{
			SessionID:     "sess-1",
			RunID:         "run-1",
			Phase:         "done",
			Dispatched:    2,
			Rounds:        1,
			Continuations: 0,
			DurationMS:    845,
		}},
		{EventActionDispatched, ActionDispatchedPayload{
			SessionID: "sess-1",
			RunID:     "run-1",
			Kind:      "filter",
			StepID:    "filter_emea",
			Status:    "success",
		}},
		{EventClarificationPending, ClarificationPendingPayload{
			SessionID:       "sess-1",
			RunID:           "run-1",
			ClarificationID: "clar-1",
			Question:        "Which column should I sort by?",
			Options:         []string{"region", "revenue"},
		}},
		{EventSessionArchived, SessionArchivedPayload{
			SessionID:    "sess-1",
			Runs:         4,
			Observations: 11,
			ArchivedAt:   time.Now().UTC(),
		}},
	}
	for _, tc := range cases {
		if err := reg.Validate(tc.eventType, PayloadV1, mustMarshal(t, tc.payload)); err != nil {
			t.Errorf("%s payload rejected: %v", tc.eventType, err)
		}
	}
}

func TestEventSchemasRejectBadPayloads(t *testing.T) {
	reg, err := DefaultRegistry()
	if err != nil {
		t.Fatalf("DefaultRegistry: %v", err)
	}

	cases := []struct {
		name      string
		eventType string
		payload   map[string]interface{}
	}{
		{"turn.completed without run_id", EventTurnCompleted, map[string]interface{}{
			"session_id": "sess-1",
			"phase":      "done",
		}},
		{"turn.completed with unknown phase", EventTurnCompleted, map[string]interface{}{
			"session_id": "sess-1",
			"run_id":     "run-1",
			"phase":      "crashed",
		}},
		{"action.dispatched with bad status", EventActionDispatched, map[string]interface{}{
			"session_id": "sess-1",
			"run_id":     "run-1",
			"kind":       "filter",
			"status":     "maybe",
		}},
		{"turn.requested with empty message", EventTurnRequested, map[string]interface{}{
			"session_id": "sess-1",
			"message":    "",
		}},
		{"clarification.pending without question", EventClarificationPending, map[string]interface{}{
			"session_id":       "sess-1",
			"clarification_id": "clar-1",
		}},
	}
	for _, tc := range cases {
		if err := reg.Validate(tc.eventType, PayloadV1, mustMarshal(t, tc.payload)); err == nil {
			t.Errorf("%s: expected rejection", tc.name)
		}
	}
}

func TestValidateUnknownEventType(t *testing.T) {
	reg, err := DefaultRegistry()
	if err != nil {
		t.Fatalf("DefaultRegistry: %v", err)
	}
	if err := reg.Validate("turn.enqueued", PayloadV1, []byte(`{}`)); err == nil {
		t.Fatal("expected error for unregistered event type")
	}
	if err := reg.Validate(EventTurnRequested, "v2", []byte(`{}`)); err == nil {
		t.Fatal("expected error for unregistered version")
	}
}
