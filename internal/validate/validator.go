// Package validate checks one turn's proposed actions against the session
// before anything dispatches. It is a pure function of its inputs: the same
// actions, snapshot and intent always produce the same verdict, and safe
// auto-repair fills gaps without ever dropping what the model said.
package validate

import (
	"errors"
	"fmt"
	"time"

	"github.com/griddle-ai/griddle/internal/envelope"
	"github.com/griddle-ai/griddle/internal/intent"
	"github.com/griddle-ai/griddle/internal/plan"
	"github.com/griddle-ai/griddle/internal/session"
)

// MaxActionsPerTurn caps how many actions one model turn may carry.
const MaxActionsPerTurn = 2

// Stable error codes attached to rejections and their observations.
const (
	CodeEmptyResponse  = "empty_response"
	CodeTooManyActions = "too_many_actions"
	CodeBadEnvelope    = "bad_envelope"
	CodeStaleStateTag  = "stale_state_tag"
	CodePlanRequired   = "plan_required"
	CodePayloadInvalid = "payload_invalid"
	CodeRequiredTool   = "required_tool_missing"
	CodeCardAmbiguous  = "card_ambiguous"
	CodeCardNotFound   = "card_not_found"
	CodeDatasetMissing = "dataset_missing"
)

// Input bundles everything validation reads.
type Input struct {
	Actions     []envelope.Action
	Snapshot    session.Snapshot
	Intent      intent.Detected
	UserMessage string
	Now         time.Time
}

// Result is the validation verdict. On success Actions holds the repaired
// list and SynthesizedPlan the greeting plan the driver must store before
// dispatching. On rejection RepairInstruction drives the correction re-prompt
// and UserMessage is what the user sees if retries run out.
type Result struct {
	OK                bool
	Actions           []envelope.Action
	SynthesizedPlan   *plan.State
	ErrorCode         string
	FailingIndex      int
	UserMessage       string
	RepairInstruction string
}

func reject(code string, index int, userMsg, repair string) Result {
	noteRejection(code)
	return Result{
		OK:                false,
		ErrorCode:         code,
		FailingIndex:      index,
		UserMessage:       userMsg,
		RepairInstruction: repair,
	}
}

// Validate runs the ordered checks. Repairs and greeting synthesis run before
// required-tool enforcement; the action cap is the final arbiter when a
// required tool would have to be appended.
func Validate(in Input) Result {
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	// Check 1: something must have come back.
	if len(in.Actions) == 0 {
		return reject(CodeEmptyResponse, -1,
			"I didn't get a usable response. Please try rephrasing your request.",
			"Your last reply contained no actions. Respond with a JSON array of one or two action objects.")
	}

	// Check 2: the cap applies to the raw list; repair never removes actions,
	// so an oversized turn cannot be fixed locally.
	if len(in.Actions) > MaxActionsPerTurn {
		return reject(CodeTooManyActions, MaxActionsPerTurn,
			"The model proposed too many operations at once, so I asked it to slow down.",
			fmt.Sprintf("You returned %d actions. At most %d are allowed per turn; action index %d is over the limit. Resend only the first %d actions.",
				len(in.Actions), MaxActionsPerTurn, MaxActionsPerTurn, MaxActionsPerTurn))
	}

	actions := cloneActions(in.Actions)
	res := Result{OK: true, FailingIndex: -1}

	// Greeting synthesis happens before per-action checks so the repaired
	// stepId can point at the synthesized step.
	effectivePlan := in.Snapshot.Plan
	if effectivePlan == nil && in.Intent.IsGreeting() {
		res.SynthesizedPlan = plan.SynthesizeGreeting(now)
		effectivePlan = res.SynthesizedPlan
	}

	// Check 3: envelope shape, step ids and tag ordering, with stepId repair
	// where the rules allow.
	prevTag := ""
	for i := range actions {
		repairStepID(&actions[i], effectivePlan, in.Intent)
		if err := envelope.Validate(actions[i], prevTag); err != nil {
			code := CodeBadEnvelope
			if errors.Is(err, envelope.ErrStaleTag) {
				code = CodeStaleStateTag
			}
			return reject(code, i,
				"The model produced a malformed step; I asked it to correct itself.",
				fmt.Sprintf("Action %d is invalid: %v. Every action needs kind, stepId (>=3 chars), a stateTag (a known label or a strictly increasing minted token) and a reason. Resend the corrected JSON array.", i, err))
		}
		prevTag = actions[i].StateTag
	}

	// Check 4: the first turn must establish a plan, greeting aside.
	if in.Snapshot.Plan == nil && res.SynthesizedPlan == nil {
		first := actions[0]
		if first.Kind != envelope.KindPlanStateUpdate {
			return reject(CodePlanRequired, 0,
				"I need a plan before acting on the data, so I asked the model to make one.",
				"No plan exists for this session. The first action must be a plan_state_update with a fully populated plan (goal, progress, steps, nextSteps, confidence). Resend the corrected JSON array.")
		}
	}

	// Check 5: every plan payload must be complete, not just the first.
	for i := range actions {
		if actions[i].Kind != envelope.KindPlanStateUpdate {
			continue
		}
		if err := checkPlanPayload(actions[i], now); err != nil {
			return reject(CodePayloadInvalid, i,
				"The proposed plan was incomplete; I asked the model to fill it in.",
				fmt.Sprintf("Action %d plan_state_update is invalid: %v. Resend with a fully populated plan.", i, err))
		}
	}

	// Check 6: kind-specific payload rules with auto-repair.
	for i := range actions {
		if r := checkPayload(&actions[i], i, in); r != nil {
			return *r
		}
	}

	// Check 7: required-tool enforcement, respecting the cap.
	if r := enforceRequiredTool(&actions, in, effectivePlan, now); r != nil {
		return *r
	}

	res.Actions = actions
	return res
}

// repairStepID fills a missing text_response stepId: the single pending step
// for a greeting acknowledgement, the fixed ad-hoc id otherwise. Other kinds
// are left for the envelope check to flag.
func repairStepID(a *envelope.Action, p *plan.State, det intent.Detected) {
	if a.Kind != envelope.KindTextResponse || len(a.StepID) >= plan.MinStepIDLen {
		return
	}
	defer noteRepair("step_id")
	if det.IsGreeting() && p != nil {
		if pending := p.Pending(); len(pending) == 1 {
			a.StepID = pending[0].ID
			return
		}
	}
	a.StepID = envelope.AdhocStepID
}

func checkPlanPayload(a envelope.Action, now time.Time) error {
	if a.PlanUpdate == nil || a.PlanUpdate.Plan == nil {
		return fmt.Errorf("plan payload is missing")
	}
	cp := a.PlanUpdate.Plan.Clone()
	cp.Normalize(now)
	return cp.Validate()
}

func cloneActions(in []envelope.Action) []envelope.Action {
	out := make([]envelope.Action, len(in))
	for i, a := range in {
		out[i] = cloneAction(a)
	}
	return out
}

func cloneAction(a envelope.Action) envelope.Action {
	cp := a
	if a.Text != nil {
		t := *a.Text
		cp.Text = &t
	}
	if a.PlanUpdate != nil {
		p := envelope.PlanUpdatePayload{Plan: a.PlanUpdate.Plan.Clone()}
		cp.PlanUpdate = &p
	}
	if a.CardPlan != nil {
		p := envelope.PlanCreationPayload{Plan: copyMap(a.CardPlan.Plan)}
		cp.CardPlan = &p
	}
	if a.Dom != nil {
		d := envelope.DomActionPayload{Tool: a.Dom.Tool, Args: copyMap(a.Dom.Args)}
		cp.Dom = &d
	}
	if a.Code != nil {
		c := *a.Code
		cp.Code = &c
	}
	if a.Filter != nil {
		f := *a.Filter
		cp.Filter = &f
	}
	if a.Clarification != nil {
		c := *a.Clarification
		c.Options = append([]string(nil), a.Clarification.Options...)
		cp.Clarification = &c
	}
	return cp
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
