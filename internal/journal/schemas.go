package journal

import "fmt"

// Definition pairs an event type and version with its payload schema.
type Definition struct {
	EventType string
	Version   string
	Schema    []byte
}

var eventDefinitions = []Definition{
	{
		EventType: EventTurnRequested,
		Version:   PayloadV1,
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["session_id", "message"],
  "properties": {
    "session_id": {"type": "string", "minLength": 1},
    "message": {"type": "string", "minLength": 1},
    "enqueued_at": {"type": "string", "format": "date-time"},
    "source": {"type": "string"}
  },
  "additionalProperties": true
}`),
	},
	{
		EventType: EventTurnCompleted,
		Version:   PayloadV1,
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["session_id", "run_id", "phase"],
  "properties": {
    "session_id": {"type": "string", "minLength": 1},
    "run_id": {"type": "string", "minLength": 1},
    "phase": {"type": "string", "enum": ["done", "clarifying", "failed"]},
    "error_code": {"type": "string"},
    "reply": {"type": "string"},
    "dispatched": {"type": "integer", "minimum": 0},
    "rounds": {"type": "integer", "minimum": 0},
    "continuations": {"type": "integer", "minimum": 0, "maximum": 3},
    "duration_ms": {"type": "integer", "minimum": 0}
  },
  "additionalProperties": true
}`),
	},
	{
		EventType: EventActionDispatched,
		Version:   PayloadV1,
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["session_id", "run_id", "kind", "status"],
  "properties": {
    "session_id": {"type": "string", "minLength": 1},
    "run_id": {"type": "string", "minLength": 1},
    "kind": {"type": "string", "minLength": 1},
    "step_id": {"type": "string"},
    "status": {"type": "string", "enum": ["success", "error", "pending"]},
    "error_code": {"type": "string"}
  },
  "additionalProperties": true
}`),
	},
	{
		EventType: EventClarificationPending,
		Version:   PayloadV1,
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["session_id", "clarification_id", "question"],
  "properties": {
    "session_id": {"type": "string", "minLength": 1},
    "run_id": {"type": "string"},
    "clarification_id": {"type": "string", "minLength": 1},
    "question": {"type": "string", "minLength": 1},
    "options": {
      "type": "array",
      "items": {"type": "string"}
    }
  },
  "additionalProperties": true
}`),
	},
	{
		EventType: EventSessionArchived,
		Version:   PayloadV1,
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["session_id", "archived_at"],
  "properties": {
    "session_id": {"type": "string", "minLength": 1},
    "runs": {"type": "integer", "minimum": 0},
    "observations": {"type": "integer", "minimum": 0},
    "archived_at": {"type": "string", "format": "date-time"}
  },
  "additionalProperties": true
}`),
	},
}

// EventDefinitions returns the built-in schema definitions.
func EventDefinitions() []Definition {
	defs := make([]Definition, len(eventDefinitions))
	copy(defs, eventDefinitions)
	return defs
}

// RegisterEventSchemas loads every journal event schema into the registry.
func RegisterEventSchemas(reg *SchemaRegistry) error {
	if reg == nil {
		return fmt.Errorf("registry is nil")
	}
	for _, def := range eventDefinitions {
		if err := reg.Register(def.EventType, def.Version, def.Schema); err != nil {
			return fmt.Errorf("register %s %s: %w", def.EventType, def.Version, err)
		}
	}
	return nil
}
