package validate

import (
	"strings"
	"testing"
	"time"

	"github.com/griddle-ai/griddle/internal/envelope"
	"github.com/griddle-ai/griddle/internal/intent"
	"github.com/griddle-ai/griddle/internal/plan"
	"github.com/griddle-ai/griddle/internal/session"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func textAction(stepID, tag, text string) envelope.Action {
	return envelope.Action{
		Kind:     envelope.KindTextResponse,
		StepID:   stepID,
		StateTag: tag,
		Reason:   "answer the user",
		Text:     &envelope.TextPayload{Text: text},
	}
}

func planAction(tag string, p *plan.State) envelope.Action {
	return envelope.Action{
		Kind:       envelope.KindPlanStateUpdate,
		StepID:     "establish_plan",
		StateTag:   tag,
		Reason:     "set up the work",
		PlanUpdate: &envelope.PlanUpdatePayload{Plan: p},
	}
}

func testPlan() *plan.State {
	p := &plan.State{
		Goal:     "filter the revenue table",
		Progress: "starting",
		Steps: []plan.Step{
			{ID: "filter_rows", Label: "Filter rows to the requested subset", Status: plan.StepReady},
			{ID: "summarize_result", Label: "Summarize the filtered result", Status: plan.StepReady},
		},
	}
	p.Normalize(testNow)
	return p
}

func snapshotWithPlan() session.Snapshot {
	return session.Snapshot{
		ID:   "sess-1",
		Plan: testPlan(),
		Dataset: &session.ViewInfo{
			Columns:  []session.Column{{Name: "region", Type: "string"}, {Name: "revenue", Type: "number"}},
			RowCount: 40,
			Matched:  40,
		},
		Cards: []session.Card{
			{ID: "card-1", Title: "Revenue by Month"},
			{ID: "card-2", Title: "Orders by Region"},
		},
	}
}

func TestValidateRejectsEmptyResponse(t *testing.T) {
	res := Validate(Input{Now: testNow})
	if res.OK {
		t.Fatal("expected rejection for empty action list")
	}
	if res.ErrorCode != CodeEmptyResponse {
		t.Fatalf("error code = %q, want %q", res.ErrorCode, CodeEmptyResponse)
	}
}

func TestValidateCapCitesOffendingIndex(t *testing.T) {
	in := Input{
		Actions: []envelope.Action{
			textAction("filter_rows", envelope.TagExecuting, "one"),
			textAction("filter_rows", envelope.TagExecuting, "two"),
			textAction("filter_rows", envelope.TagExecuting, "three"),
		},
		Snapshot: snapshotWithPlan(),
		Now:      testNow,
	}
	res := Validate(in)
	if res.OK {
		t.Fatal("expected rejection for three actions")
	}
	if res.ErrorCode != CodeTooManyActions {
		t.Fatalf("error code = %q, want %q", res.ErrorCode, CodeTooManyActions)
	}
	if res.FailingIndex != MaxActionsPerTurn {
		t.Fatalf("failing index = %d, want %d", res.FailingIndex, MaxActionsPerTurn)
	}
	if !strings.Contains(res.RepairInstruction, "index 2") {
		t.Fatalf("repair instruction should name the offending index, got %q", res.RepairInstruction)
	}
}

func TestValidateGreetingSynthesizesPlan(t *testing.T) {
	in := Input{
		Actions:     []envelope.Action{textAction("", envelope.TagInitial, "Hello! Load a CSV to get started.")},
		Snapshot:    session.Snapshot{ID: "sess-1"},
		Intent:      intent.Detected{Kind: intent.KindGreeting, Confidence: 0.95},
		UserMessage: "hi",
		Now:         testNow,
	}
	res := Validate(in)
	if !res.OK {
		t.Fatalf("greeting turn rejected: %s %s", res.ErrorCode, res.RepairInstruction)
	}
	if res.SynthesizedPlan == nil {
		t.Fatal("expected a synthesized greeting plan")
	}
	if got := res.SynthesizedPlan.Steps[0].ID; got != plan.GreetingStepID {
		t.Fatalf("synthesized step id = %q, want %q", got, plan.GreetingStepID)
	}
	if got := res.Actions[0].StepID; got != plan.GreetingStepID {
		t.Fatalf("repaired stepId = %q, want %q", got, plan.GreetingStepID)
	}
}

func TestValidateRequiresPlanOnFirstAction(t *testing.T) {
	in := Input{
		Actions:     []envelope.Action{textAction("filter_rows", envelope.TagExecuting, "Filtering now.")},
		Snapshot:    session.Snapshot{ID: "sess-1"},
		Intent:      intent.Detected{Kind: intent.KindQuestion, Confidence: 0.5},
		UserMessage: "what stands out in this data?",
		Now:         testNow,
	}
	res := Validate(in)
	if res.OK {
		t.Fatal("expected rejection when no plan exists")
	}
	if res.ErrorCode != CodePlanRequired {
		t.Fatalf("error code = %q, want %q", res.ErrorCode, CodePlanRequired)
	}
	if res.FailingIndex != 0 {
		t.Fatalf("failing index = %d, want 0", res.FailingIndex)
	}
}

func TestValidateAcceptsPlanThenAction(t *testing.T) {
	in := Input{
		Actions: []envelope.Action{
			planAction(envelope.TagPlanning, testPlan()),
			{
				Kind:     envelope.KindFilter,
				StepID:   "filter_rows",
				StateTag: envelope.TagExecuting,
				Reason:   "apply the requested filter",
				Filter:   &envelope.FilterPayload{Query: "rows where region is EMEA"},
			},
		},
		Snapshot:    session.Snapshot{ID: "sess-1", Dataset: &session.ViewInfo{RowCount: 10}},
		Intent:      intent.Detected{Kind: intent.KindFilterRows, Confidence: 0.8},
		UserMessage: "show only EMEA",
		Now:         testNow,
	}
	res := Validate(in)
	if !res.OK {
		t.Fatalf("rejected: %s %s", res.ErrorCode, res.RepairInstruction)
	}
	if len(res.Actions) != 2 {
		t.Fatalf("got %d actions, want 2", len(res.Actions))
	}
}

func TestValidateStaleMintedTagRejected(t *testing.T) {
	older := envelope.MintedTag{Epoch: testNow.UnixMilli(), Seq: 1}.String()
	newer := envelope.MintedTag{Epoch: testNow.UnixMilli(), Seq: 2}.String()
	in := Input{
		Actions: []envelope.Action{
			textAction("filter_rows", newer, "first"),
			textAction("summarize_result", older, "second"),
		},
		Snapshot: snapshotWithPlan(),
		Now:      testNow,
	}
	res := Validate(in)
	if res.OK {
		t.Fatal("expected rejection for non-increasing minted tags")
	}
	if res.ErrorCode != CodeStaleStateTag {
		t.Fatalf("error code = %q, want %q", res.ErrorCode, CodeStaleStateTag)
	}
	if res.FailingIndex != 1 {
		t.Fatalf("failing index = %d, want 1", res.FailingIndex)
	}
}

func TestValidateEmptyFilterRepairedToSentinel(t *testing.T) {
	in := Input{
		Actions: []envelope.Action{{
			Kind:     envelope.KindFilter,
			StepID:   "filter_rows",
			StateTag: envelope.TagExecuting,
			Reason:   "show the data",
			Filter:   &envelope.FilterPayload{},
		}},
		Snapshot:    snapshotWithPlan(),
		Intent:      intent.Detected{Kind: intent.KindGreeting, Confidence: 0.95},
		UserMessage: "hi",
		Now:         testNow,
	}
	res := Validate(in)
	if !res.OK {
		t.Fatalf("rejected: %s %s", res.ErrorCode, res.RepairInstruction)
	}
	if got := res.Actions[0].Filter.Query; got != session.ShowAllQuery {
		t.Fatalf("repaired query = %q, want %q", got, session.ShowAllQuery)
	}
}

func TestValidateEmptyFilterBackfilledFromUserMessage(t *testing.T) {
	in := Input{
		Actions: []envelope.Action{{
			Kind:     envelope.KindFilter,
			StepID:   "filter_rows",
			StateTag: envelope.TagExecuting,
			Reason:   "apply the filter",
			Filter:   &envelope.FilterPayload{},
		}},
		Snapshot:    snapshotWithPlan(),
		Intent:      intent.Detected{Kind: intent.KindQuestion, Confidence: 0.5},
		UserMessage: "rows with revenue above 1000",
		Now:         testNow,
	}
	res := Validate(in)
	if !res.OK {
		t.Fatalf("rejected: %s %s", res.ErrorCode, res.RepairInstruction)
	}
	if got := res.Actions[0].Filter.Query; got != "rows with revenue above 1000" {
		t.Fatalf("repaired query = %q, want the user's message", got)
	}
}

func TestValidateDomActionResolvesCardTitle(t *testing.T) {
	in := Input{
		Actions: []envelope.Action{{
			Kind:     envelope.KindDomAction,
			StepID:   "filter_rows",
			StateTag: envelope.TagExecuting,
			Reason:   "remove the chart the user named",
			Dom:      &envelope.DomActionPayload{Tool: envelope.DomRemoveCard, Args: map[string]interface{}{"cardTitle": "revenue"}},
		}},
		Snapshot:    snapshotWithPlan(),
		Intent:      intent.Detected{Kind: intent.KindRemoveCard, Confidence: 0.8},
		UserMessage: "remove the revenue chart",
		Now:         testNow,
	}
	res := Validate(in)
	if !res.OK {
		t.Fatalf("rejected: %s %s", res.ErrorCode, res.RepairInstruction)
	}
	if got := res.Actions[0].Dom.Args["cardId"]; got != "card-1" {
		t.Fatalf("resolved cardId = %v, want card-1", got)
	}
}

func TestValidateDomActionAmbiguousTitle(t *testing.T) {
	in := Input{
		Actions: []envelope.Action{{
			Kind:     envelope.KindDomAction,
			StepID:   "filter_rows",
			StateTag: envelope.TagExecuting,
			Reason:   "remove the chart",
			Dom:      &envelope.DomActionPayload{Tool: envelope.DomRemoveCard, Args: map[string]interface{}{"cardTitle": "by"}},
		}},
		Snapshot: snapshotWithPlan(),
		Now:      testNow,
	}
	res := Validate(in)
	if res.OK {
		t.Fatal("expected rejection for an ambiguous card title")
	}
	if res.ErrorCode != CodeCardAmbiguous {
		t.Fatalf("error code = %q, want %q", res.ErrorCode, CodeCardAmbiguous)
	}
}

func TestValidatePlanCreationNeedsDataset(t *testing.T) {
	in := Input{
		Actions: []envelope.Action{{
			Kind:     envelope.KindPlanCreation,
			StepID:   "build_chart",
			StateTag: envelope.TagExecuting,
			Reason:   "build the requested chart",
			CardPlan: &envelope.PlanCreationPayload{Plan: map[string]interface{}{"title": "Revenue"}},
		}},
		Snapshot: session.Snapshot{ID: "sess-1", Plan: testPlan()},
		Now:      testNow,
	}
	res := Validate(in)
	if res.OK {
		t.Fatal("expected rejection without a dataset")
	}
	if res.ErrorCode != CodeDatasetMissing {
		t.Fatalf("error code = %q, want %q", res.ErrorCode, CodeDatasetMissing)
	}
}

func TestValidateExecuteCodeNeedsReturn(t *testing.T) {
	in := Input{
		Actions: []envelope.Action{{
			Kind:     envelope.KindExecuteCode,
			StepID:   "transform_rows",
			StateTag: envelope.TagExecuting,
			Reason:   "apply the transform",
			Code:     &envelope.ExecuteCodePayload{Explanation: "drop rows missing a region value", Body: "rows = [r for r in rows]"},
		}},
		Snapshot: snapshotWithPlan(),
		Now:      testNow,
	}
	res := Validate(in)
	if res.OK {
		t.Fatal("expected rejection for a body without a return")
	}
	if res.ErrorCode != CodePayloadInvalid {
		t.Fatalf("error code = %q, want %q", res.ErrorCode, CodePayloadInvalid)
	}
}

func TestValidateSynthesizesRequiredFilter(t *testing.T) {
	in := Input{
		Actions: []envelope.Action{textAction("filter_rows", envelope.TagExecuting, "Sure, filtering to EMEA.")},
		Snapshot: snapshotWithPlan(),
		Intent: intent.Detected{
			Kind:       intent.KindFilterRows,
			Confidence: 0.8,
			RequiredTool: &intent.RequiredTool{
				Kind:         envelope.KindFilter,
				PayloadHints: map[string]string{"query": "region is EMEA"},
			},
		},
		UserMessage: "filter to EMEA",
		Now:         testNow,
	}
	res := Validate(in)
	if !res.OK {
		t.Fatalf("rejected: %s %s", res.ErrorCode, res.RepairInstruction)
	}
	if len(res.Actions) != 2 {
		t.Fatalf("got %d actions, want a synthesized second action", len(res.Actions))
	}
	synth := res.Actions[1]
	if synth.Kind != envelope.KindFilter {
		t.Fatalf("synthesized kind = %q, want filter", synth.Kind)
	}
	if synth.Filter.Query != "region is EMEA" {
		t.Fatalf("synthesized query = %q", synth.Filter.Query)
	}
	if _, ok := envelope.ParseMinted(synth.StateTag); !ok {
		t.Fatalf("synthesized stateTag %q is not minted", synth.StateTag)
	}
}

func TestValidateRequiredToolOverflowRejects(t *testing.T) {
	in := Input{
		Actions: []envelope.Action{
			textAction("filter_rows", envelope.TagExecuting, "one"),
			textAction("summarize_result", envelope.TagExecuting, "two"),
		},
		Snapshot: snapshotWithPlan(),
		Intent: intent.Detected{
			Kind:       intent.KindFilterRows,
			Confidence: 0.8,
			RequiredTool: &intent.RequiredTool{
				Kind:         envelope.KindFilter,
				PayloadHints: map[string]string{"query": "region is EMEA"},
			},
		},
		UserMessage: "filter to EMEA",
		Now:         testNow,
	}
	res := Validate(in)
	if res.OK {
		t.Fatal("expected rejection when the cap leaves no room for the required tool")
	}
	if res.ErrorCode != CodeRequiredTool {
		t.Fatalf("error code = %q, want %q", res.ErrorCode, CodeRequiredTool)
	}
}

func TestValidateRequiredToolSatisfiedByModel(t *testing.T) {
	in := Input{
		Actions: []envelope.Action{{
			Kind:     envelope.KindFilter,
			StepID:   "filter_rows",
			StateTag: envelope.TagExecuting,
			Reason:   "apply the requested filter",
			Filter:   &envelope.FilterPayload{Query: "region is EMEA"},
		}},
		Snapshot: snapshotWithPlan(),
		Intent: intent.Detected{
			Kind:         intent.KindFilterRows,
			Confidence:   0.8,
			RequiredTool: &intent.RequiredTool{Kind: envelope.KindFilter},
		},
		UserMessage: "filter to EMEA",
		Now:         testNow,
	}
	res := Validate(in)
	if !res.OK {
		t.Fatalf("rejected: %s %s", res.ErrorCode, res.RepairInstruction)
	}
	if len(res.Actions) != 1 {
		t.Fatalf("got %d actions, want 1 (no synthesis needed)", len(res.Actions))
	}
}

func TestValidateDoesNotMutateInput(t *testing.T) {
	orig := []envelope.Action{{
		Kind:     envelope.KindFilter,
		StepID:   "filter_rows",
		StateTag: envelope.TagExecuting,
		Reason:   "show the data",
		Filter:   &envelope.FilterPayload{},
	}}
	in := Input{
		Actions:     orig,
		Snapshot:    snapshotWithPlan(),
		Intent:      intent.Detected{Kind: intent.KindGreeting, Confidence: 0.95},
		UserMessage: "hi",
		Now:         testNow,
	}
	res := Validate(in)
	if !res.OK {
		t.Fatalf("rejected: %s %s", res.ErrorCode, res.RepairInstruction)
	}
	if orig[0].Filter.Query != "" {
		t.Fatalf("input action mutated: query = %q", orig[0].Filter.Query)
	}
}
