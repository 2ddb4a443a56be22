package envelope

import (
	"encoding/json"
	"fmt"

	"github.com/griddle-ai/griddle/internal/plan"
)

// Kind discriminates the closed set of action variants a model may propose.
type Kind string

const (
	KindTextResponse         Kind = "text_response"
	KindPlanStateUpdate      Kind = "plan_state_update"
	KindPlanCreation         Kind = "plan_creation"
	KindDomAction            Kind = "dom_action"
	KindExecuteCode          Kind = "execute_code"
	KindFilter               Kind = "filter"
	KindClarificationRequest Kind = "clarification_request"
	KindProceed              Kind = "proceed"
)

// Kinds returns every action kind in a stable order. Registry construction
// iterates this to verify handler coverage.
func Kinds() []Kind {
	return []Kind{
		KindTextResponse,
		KindPlanStateUpdate,
		KindPlanCreation,
		KindDomAction,
		KindExecuteCode,
		KindFilter,
		KindClarificationRequest,
		KindProceed,
	}
}

// Valid reports whether k names a known variant.
func (k Kind) Valid() bool {
	switch k {
	case KindTextResponse, KindPlanStateUpdate, KindPlanCreation, KindDomAction,
		KindExecuteCode, KindFilter, KindClarificationRequest, KindProceed:
		return true
	}
	return false
}

// ToolBearing reports whether the kind performs a visible tool operation.
// Turns whose accepted actions are all non-tool-bearing are candidates for
// automatic continuation.
func (k Kind) ToolBearing() bool {
	switch k {
	case KindDomAction, KindExecuteCode, KindFilter, KindPlanCreation:
		return true
	}
	return false
}

// Atomic reports whether the kind may run regardless of the plan's pending
// step order. Plan bookkeeping, questions back to the user and explicit
// no-ops never advance a step, so ordering them makes no sense.
func (k Kind) Atomic() bool {
	switch k {
	case KindPlanStateUpdate, KindClarificationRequest, KindProceed:
		return true
	}
	return false
}

// AdhocStepID is the fixed step id assigned to a text response that does not
// advance any planned step.
const AdhocStepID = "adhoc_response"

// Card/DOM tool names a dom_action may carry.
const (
	DomRemoveCard = "removeCard"
	DomFocusCard  = "focusCard"
	DomSetTopN    = "setTopN"
	DomSortBy     = "sortBy"
)

// DomTools lists the known dom_action tool names.
func DomTools() []string {
	return []string{DomRemoveCard, DomFocusCard, DomSetTopN, DomSortBy}
}

// KnownDomTool reports whether name is a recognized dom_action tool.
func KnownDomTool(name string) bool {
	switch name {
	case DomRemoveCard, DomFocusCard, DomSetTopN, DomSortBy:
		return true
	}
	return false
}

// TextPayload carries a chat-visible assistant message.
type TextPayload struct {
	Text string `json:"text"`
}

// PlanUpdatePayload carries a full replacement plan state.
type PlanUpdatePayload struct {
	Plan *plan.State `json:"plan"`
}

// PlanCreationPayload carries a card construction request handed to the card
// sink verbatim.
type PlanCreationPayload struct {
	Plan map[string]interface{} `json:"plan"`
}

// DomActionPayload targets a rendered card mutation.
type DomActionPayload struct {
	Tool string                 `json:"tool"`
	Args map[string]interface{} `json:"args"`
}

// ExecuteCodePayload carries a sandboxed row transform.
type ExecuteCodePayload struct {
	Explanation string `json:"explanation"`
	Body        string `json:"body"`
}

// FilterPayload narrows the dataset view.
type FilterPayload struct {
	Query string `json:"query"`
}

// ClarificationPayload asks the user to disambiguate before work continues.
type ClarificationPayload struct {
	Question    string   `json:"question"`
	Options     []string `json:"options"`
	TargetField string   `json:"targetField"`
}

// Action is one model-proposed operation. Exactly one payload pointer is set,
// matching Kind; Proceed carries none.
type Action struct {
	Kind     Kind   `json:"kind"`
	StepID   string `json:"stepId"`
	StateTag string `json:"stateTag"`
	Reason   string `json:"reason"`

	Text          *TextPayload
	PlanUpdate    *PlanUpdatePayload
	CardPlan      *PlanCreationPayload
	Dom           *DomActionPayload
	Code          *ExecuteCodePayload
	Filter        *FilterPayload
	Clarification *ClarificationPayload
}

// wireAction is the flat JSON shape actions travel in: common fields plus the
// union of all kind-specific fields on one object.
type wireAction struct {
	Kind     string `json:"kind"`
	StepID   string `json:"stepId,omitempty"`
	StateTag string `json:"stateTag,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Thought  string `json:"thought,omitempty"`

	Text        string                 `json:"text,omitempty"`
	Plan        json.RawMessage        `json:"plan,omitempty"`
	Tool        string                 `json:"tool,omitempty"`
	Args        map[string]interface{} `json:"args,omitempty"`
	Explanation string                 `json:"explanation,omitempty"`
	Body        string                 `json:"body,omitempty"`
	Query       *string                `json:"query,omitempty"`
	Question    string                 `json:"question,omitempty"`
	Options     []string               `json:"options,omitempty"`
	TargetField string                 `json:"targetField,omitempty"`
}

// UnmarshalJSON decodes the flat wire object into the typed union. Unknown
// kinds are rejected here so downstream code can switch exhaustively.
func (a *Action) UnmarshalJSON(data []byte) error {
	var w wireAction
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("decode action: %w", err)
	}
	k := Kind(w.Kind)
	if !k.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, w.Kind)
	}
	*a = Action{Kind: k, StepID: w.StepID, StateTag: w.StateTag, Reason: w.Reason}
	if a.Reason == "" {
		a.Reason = w.Thought
	}
	switch k {
	case KindTextResponse:
		a.Text = &TextPayload{Text: w.Text}
	case KindPlanStateUpdate:
		p := &PlanUpdatePayload{}
		if len(w.Plan) > 0 {
			var ps plan.State
			if err := json.Unmarshal(w.Plan, &ps); err != nil {
				return fmt.Errorf("decode plan_state_update payload: %w", err)
			}
			p.Plan = &ps
		}
		a.PlanUpdate = p
	case KindPlanCreation:
		p := &PlanCreationPayload{}
		if len(w.Plan) > 0 {
			if err := json.Unmarshal(w.Plan, &p.Plan); err != nil {
				return fmt.Errorf("decode plan_creation payload: %w", err)
			}
		}
		a.CardPlan = p
	case KindDomAction:
		a.Dom = &DomActionPayload{Tool: w.Tool, Args: w.Args}
	case KindExecuteCode:
		a.Code = &ExecuteCodePayload{Explanation: w.Explanation, Body: w.Body}
	case KindFilter:
		f := &FilterPayload{}
		if w.Query != nil {
			f.Query = *w.Query
		}
		a.Filter = f
	case KindClarificationRequest:
		a.Clarification = &ClarificationPayload{
			Question:    w.Question,
			Options:     w.Options,
			TargetField: w.TargetField,
		}
	case KindProceed:
	}
	return nil
}

// MarshalJSON re-flattens the union for prompts and the journal.
func (a Action) MarshalJSON() ([]byte, error) {
	w := wireAction{
		Kind:     string(a.Kind),
		StepID:   a.StepID,
		StateTag: a.StateTag,
		Reason:   a.Reason,
	}
	switch a.Kind {
	case KindTextResponse:
		if a.Text != nil {
			w.Text = a.Text.Text
		}
	case KindPlanStateUpdate:
		if a.PlanUpdate != nil && a.PlanUpdate.Plan != nil {
			raw, err := json.Marshal(a.PlanUpdate.Plan)
			if err != nil {
				return nil, err
			}
			w.Plan = raw
		}
	case KindPlanCreation:
		if a.CardPlan != nil && a.CardPlan.Plan != nil {
			raw, err := json.Marshal(a.CardPlan.Plan)
			if err != nil {
				return nil, err
			}
			w.Plan = raw
		}
	case KindDomAction:
		if a.Dom != nil {
			w.Tool = a.Dom.Tool
			w.Args = a.Dom.Args
		}
	case KindExecuteCode:
		if a.Code != nil {
			w.Explanation = a.Code.Explanation
			w.Body = a.Code.Body
		}
	case KindFilter:
		if a.Filter != nil {
			w.Query = &a.Filter.Query
		}
	case KindClarificationRequest:
		if a.Clarification != nil {
			w.Question = a.Clarification.Question
			w.Options = a.Clarification.Options
			w.TargetField = a.Clarification.TargetField
		}
	case KindProceed:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, a.Kind)
	}
	return json.Marshal(w)
}

// DecodeActions parses a model turn: a JSON array of flat action objects.
func DecodeActions(data []byte) ([]Action, error) {
	var actions []Action
	if err := json.Unmarshal(data, &actions); err != nil {
		return nil, fmt.Errorf("decode actions: %w", err)
	}
	return actions, nil
}
