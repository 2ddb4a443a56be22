package envelope

import (
	"errors"
	"fmt"

	"github.com/griddle-ai/griddle/internal/plan"
)

// Sentinel errors for envelope-level failures. Callers branch on these to pick
// the right correction prompt and error code.
var (
	ErrUnknownKind     = errors.New("unknown action kind")
	ErrPayloadMismatch = errors.New("payload does not match action kind")
	ErrStepIDMissing   = errors.New("stepId missing or too short")
	ErrStateTagMissing = errors.New("stateTag missing")
	ErrStateTagInvalid = errors.New("stateTag is neither a known label nor a minted token")
	ErrStaleTag        = errors.New("minted stateTag not strictly increasing")
)

// CheckShape verifies the discriminant and that exactly the payload matching
// the kind is populated. Hand-built actions go through the same gate as
// decoded ones.
func CheckShape(a Action) error {
	if !a.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, a.Kind)
	}
	set, match := 0, false
	count := func(present bool, k Kind) {
		if present {
			set++
			if a.Kind == k {
				match = true
			}
		}
	}
	count(a.Text != nil, KindTextResponse)
	count(a.PlanUpdate != nil, KindPlanStateUpdate)
	count(a.CardPlan != nil, KindPlanCreation)
	count(a.Dom != nil, KindDomAction)
	count(a.Code != nil, KindExecuteCode)
	count(a.Filter != nil, KindFilter)
	count(a.Clarification != nil, KindClarificationRequest)
	if a.Kind == KindProceed {
		if set != 0 {
			return fmt.Errorf("%w: proceed carries no payload", ErrPayloadMismatch)
		}
		return nil
	}
	if !match || set != 1 {
		return fmt.Errorf("%w: kind %q", ErrPayloadMismatch, a.Kind)
	}
	return nil
}

// Validate applies the shared envelope contract to one action: shape, stepId,
// and the state tag rule. prevTag is the previous action's tag within the same
// turn, empty for the first action. Both the interactive engine and the worker
// front end call this; the ordering check lives nowhere else.
func Validate(a Action, prevTag string) error {
	if err := CheckShape(a); err != nil {
		return err
	}
	if len(a.StepID) < plan.MinStepIDLen {
		return fmt.Errorf("%w: %q", ErrStepIDMissing, a.StepID)
	}
	if a.StateTag == "" {
		return ErrStateTagMissing
	}
	cur, minted := ParseMinted(a.StateTag)
	if !minted && !KnownLabel(a.StateTag) {
		return fmt.Errorf("%w: %q", ErrStateTagInvalid, a.StateTag)
	}
	if minted {
		if prev, ok := ParseMinted(prevTag); ok && !prev.Less(cur) {
			return fmt.Errorf("%w: %q after %q", ErrStaleTag, a.StateTag, prevTag)
		}
	}
	return nil
}
