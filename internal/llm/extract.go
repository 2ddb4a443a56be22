package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/griddle-ai/griddle/internal/envelope"
)

// ExtractActions pulls the action batch out of a model reply. Models wrap
// their JSON in prose and code fences often enough that decoding the whole
// reply is hopeless; the first balanced JSON block is scanned out instead,
// with a lenient per-action pass when the strict decode fails.
func ExtractActions(reply string) ([]envelope.Action, error) {
	block := firstJSONBlock(reply)
	if block == "" {
		return nil, ErrNoActions
	}
	raw := actionsArray(block)
	if raw == nil {
		return nil, ErrNoActions
	}
	actions, err := envelope.DecodeActions(raw)
	if err == nil {
		return actions, nil
	}
	return decodeLenient(raw, err)
}

// firstJSONBlock returns the first balanced {...} or [...] region, tracking
// string literals so braces inside code bodies do not end the scan early.
func firstJSONBlock(s string) string {
	start := -1
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{', '[':
			if depth == 0 {
				start = i
			}
			depth++
		case '}', ']':
			if depth > 0 {
				depth--
			}
			if depth == 0 && start != -1 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// actionsArray normalizes the block to a JSON array: the documented
// {"actions":[...]} wrapper, a bare array, or a single action object.
func actionsArray(block string) json.RawMessage {
	if strings.HasPrefix(block, "[") {
		return json.RawMessage(block)
	}
	var wrapper struct {
		Actions json.RawMessage `json:"actions"`
	}
	if err := json.Unmarshal([]byte(block), &wrapper); err != nil {
		return nil
	}
	if len(wrapper.Actions) > 0 {
		return wrapper.Actions
	}
	return json.RawMessage("[" + block + "]")
}

// decodeLenient retries item by item. An action with an unknown kind is
// kept in raw form; validation owns the repair message for it.
func decodeLenient(raw json.RawMessage, strictErr error) ([]envelope.Action, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decode actions: %w", strictErr)
	}
	out := make([]envelope.Action, 0, len(items))
	for _, item := range items {
		var a envelope.Action
		if err := json.Unmarshal(item, &a); err == nil {
			out = append(out, a)
			continue
		}
		var w struct {
			Kind     string `json:"kind"`
			StepID   string `json:"stepId"`
			StateTag string `json:"stateTag"`
			Reason   string `json:"reason"`
		}
		if err := json.Unmarshal(item, &w); err != nil {
			return nil, fmt.Errorf("decode actions: %w", strictErr)
		}
		out = append(out, envelope.Action{
			Kind:     envelope.Kind(w.Kind),
			StepID:   w.StepID,
			StateTag: w.StateTag,
			Reason:   w.Reason,
		})
	}
	return out, nil
}
