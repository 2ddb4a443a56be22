package turn

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/griddle-ai/griddle/internal/dispatch"
	"github.com/griddle-ai/griddle/internal/envelope"
	"github.com/griddle-ai/griddle/internal/guard"
	"github.com/griddle-ai/griddle/internal/intent"
	"github.com/griddle-ai/griddle/internal/plan"
	"github.com/griddle-ai/griddle/internal/session"
	"github.com/griddle-ai/griddle/internal/validate"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type scriptedModel struct {
	mu      sync.Mutex
	calls   int
	prompts []PromptContext
	script  func(call int, pc PromptContext) ([]envelope.Action, error)
}

func (m *scriptedModel) Generate(ctx context.Context, pc PromptContext) ([]envelope.Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.prompts = append(m.prompts, pc)
	return m.script(m.calls, pc)
}

func (m *scriptedModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type stubTransformer struct {
	fail  bool
	calls int
}

func (s *stubTransformer) ApplyTransform(ctx context.Context, columns []session.Column, rows []map[string]interface{}, body string) ([]map[string]interface{}, session.TransformMeta, error) {
	s.calls++
	if s.fail {
		return nil, session.TransformMeta{}, errors.New("name 'colum' is not defined")
	}
	out := make([]map[string]interface{}, 0, len(rows))
	for _, r := range rows {
		cp := make(map[string]interface{}, len(r))
		for k, v := range r {
			cp[k] = v
		}
		out = append(out, cp)
	}
	meta := session.TransformMeta{RowsBefore: len(rows), RowsAfter: len(out)}
	return out, meta, nil
}

type stubSink struct{ calls []string }

func (s *stubSink) Execute(ctx context.Context, sessionID, tool string, args map[string]interface{}) error {
	s.calls = append(s.calls, tool)
	return nil
}

type stubCharts struct{}

func (s *stubCharts) Build(ctx context.Context, snap session.Snapshot, spec map[string]interface{}) (session.Card, error) {
	title, _ := spec["title"].(string)
	return session.Card{Title: title, Kind: "chart", Spec: spec}, nil
}

func newTestDriver(t *testing.T, model Generator, tx dispatch.Transformer) *Driver {
	t.Helper()
	reg, err := dispatch.NewRegistry(dispatch.Deps{
		Transformer: tx,
		Cards:       &stubSink{},
		Charts:      &stubCharts{},
		Logger:      log.New(io.Discard, "", 0),
		Now:         func() time.Time { return testNow },
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	handler := guard.Chain(reg,
		guard.Reasoning(nil, nil, func() time.Time { return testNow }),
		guard.StepOrder(nil, func() time.Time { return testNow }),
		guard.Logging(nil),
		guard.Timing(nil),
	)
	d, err := NewDriver(Deps{
		Model:   model,
		Handler: handler,
		Logger:  log.New(io.Discard, "", 0),
		Now:     func() time.Time { return testNow },
	})
	if err != nil {
		t.Fatalf("driver: %v", err)
	}
	return d
}

func newTurnSession(t *testing.T) *session.Session {
	t.Helper()
	sess := session.NewStore().Create("sess-turn")
	view := session.NewView(
		[]session.Column{{Name: "region", Type: "string"}, {Name: "revenue", Type: "number"}},
		[]map[string]interface{}{
			{"region": "EMEA", "revenue": float64(100)},
			{"region": "APAC", "revenue": float64(250)},
			{"region": "EMEA", "revenue": float64(40)},
		},
	)
	sess.SetDataset(view)
	return sess
}

func seedPlan(sess *session.Session, steps ...plan.Step) {
	p := &plan.State{
		PlanID:     "plan-1",
		Goal:       "Answer the user's data question",
		Progress:   "working through the plan",
		Confidence: 0.9,
		Steps:      steps,
	}
	for _, st := range steps {
		p.NextSteps = append(p.NextSteps, st.ID)
	}
	sess.SetPlan(p)
}

func textReply(stepID, text string) envelope.Action {
	return envelope.Action{
		Kind:     envelope.KindTextResponse,
		StepID:   stepID,
		StateTag: envelope.TagExecuting,
		Reason:   "replying to the user",
		Text:     &envelope.TextPayload{Text: text},
	}
}

func filterReply(stepID, query, reason string) envelope.Action {
	return envelope.Action{
		Kind:     envelope.KindFilter,
		StepID:   stepID,
		StateTag: envelope.TagExecuting,
		Reason:   reason,
		Filter:   &envelope.FilterPayload{Query: query},
	}
}

func codeReply(stepID string) envelope.Action {
	return envelope.Action{
		Kind:     envelope.KindExecuteCode,
		StepID:   stepID,
		StateTag: envelope.TagExecuting,
		Reason:   "running the requested transform",
		Code: &envelope.ExecuteCodePayload{
			Explanation: "Double the revenue column for every row",
			Body:        "out = []\nfor r in rows:\n    out.append(r)\nreturn out",
		},
	}
}

func TestTurnGreetingRepliesWithoutTools(t *testing.T) {
	model := &scriptedModel{script: func(call int, pc PromptContext) ([]envelope.Action, error) {
		return []envelope.Action{{
			Kind:     envelope.KindTextResponse,
			StepID:   "hi",
			StateTag: envelope.TagInitial,
			Reason:   "greeting the user back",
			Text:     &envelope.TextPayload{Text: "Hello! Load a dataset and I can help you explore it."},
		}}, nil
	}}
	d := newTestDriver(t, model, &stubTransformer{})
	sess := session.NewStore().Create("sess-greet")

	res, err := d.RunTurn(context.Background(), sess, "hi")
	if err != nil {
		t.Fatalf("turn failed: %v", err)
	}
	if res.Phase != PhaseDone {
		t.Fatalf("expected done, got %s", res.Phase)
	}
	if model.callCount() != 1 {
		t.Fatalf("expected a single model round, got %d", model.callCount())
	}

	p := sess.Plan()
	if p == nil {
		t.Fatal("greeting should have synthesized a plan")
	}
	st, ok := p.Step(plan.GreetingStepID)
	if !ok {
		t.Fatalf("synthesized plan lacks %s", plan.GreetingStepID)
	}
	if st.Status != plan.StepDone {
		t.Fatalf("greeting step should be done, got %s", st.Status)
	}

	snap := sess.Snapshot()
	last := snap.History[len(snap.History)-1]
	if last.Role != "assistant" || !strings.Contains(last.Text, "Hello") {
		t.Fatalf("expected assistant greeting, got %+v", last)
	}
	if len(snap.Observations) != 1 || snap.Observations[0].Status != session.ObsSuccess {
		t.Fatalf("expected one success observation, got %+v", snap.Observations)
	}
}

func TestTurnModelFailureApologizes(t *testing.T) {
	model := &scriptedModel{script: func(call int, pc PromptContext) ([]envelope.Action, error) {
		return nil, errors.New("upstream 503")
	}}
	d := newTestDriver(t, model, &stubTransformer{})
	sess := newTurnSession(t)

	res, err := d.RunTurn(context.Background(), sess, "show me emea")
	if err == nil {
		t.Fatal("expected an error")
	}
	if res.Phase != PhaseFailed || res.ErrorCode != CodeModelFailure {
		t.Fatalf("expected failed/%s, got %s/%s", CodeModelFailure, res.Phase, res.ErrorCode)
	}

	snap := sess.Snapshot()
	if len(snap.Observations) != 1 || snap.Observations[0].ErrorCode != CodeModelFailure {
		t.Fatalf("expected one model failure observation, got %+v", snap.Observations)
	}
	last := snap.History[len(snap.History)-1]
	if last.Role != "assistant" {
		t.Fatalf("expected an apology in chat, got %+v", last)
	}
}

func TestTurnValidationRetriesThenPlanOnlyThenFails(t *testing.T) {
	model := &scriptedModel{script: func(call int, pc PromptContext) ([]envelope.Action, error) {
		return nil, nil
	}}
	d := newTestDriver(t, model, &stubTransformer{})
	sess := newTurnSession(t)

	res, err := d.RunTurn(context.Background(), sess, "summarize the table")
	if err == nil {
		t.Fatal("expected an error")
	}
	if res.Phase != PhaseFailed || res.ErrorCode != validate.CodeEmptyResponse {
		t.Fatalf("expected failed/%s, got %s/%s", validate.CodeEmptyResponse, res.Phase, res.ErrorCode)
	}
	if model.callCount() != 4 {
		t.Fatalf("expected 4 model rounds (initial, two corrections, plan-only), got %d", model.callCount())
	}
	if model.prompts[1].Correction == "" || !strings.Contains(model.prompts[1].Correction, "no actions") {
		t.Fatalf("first correction should quote the repair instruction, got %q", model.prompts[1].Correction)
	}
	if model.prompts[3].Mode != ModePlanOnly {
		t.Fatalf("final fallback should be plan-only, got %s", model.prompts[3].Mode)
	}
	if !strings.Contains(model.prompts[3].Correction, "plan_state_update") {
		t.Fatalf("fallback correction should demand a plan, got %q", model.prompts[3].Correction)
	}

	snap := sess.Snapshot()
	if len(snap.Observations) != 1 || snap.Observations[0].ActionRef != "validator" {
		t.Fatalf("expected exactly one validator observation, got %+v", snap.Observations)
	}
}

func TestTurnExecuteCodeTotalAttemptsIsTwo(t *testing.T) {
	tx := &stubTransformer{fail: true}
	model := &scriptedModel{script: func(call int, pc PromptContext) ([]envelope.Action, error) {
		return []envelope.Action{codeReply("transform_rows")}, nil
	}}
	d := newTestDriver(t, model, tx)
	sess := newTurnSession(t)
	seedPlan(sess, plan.Step{ID: "transform_rows", Label: "Apply the revenue doubling", Status: plan.StepReady})

	res, err := d.RunTurn(context.Background(), sess, "double every revenue value")
	if err == nil {
		t.Fatal("expected an error")
	}
	if res.Phase != PhaseFailed || res.ErrorCode != dispatch.CodeTransformFailed {
		t.Fatalf("expected failed/%s, got %s/%s", dispatch.CodeTransformFailed, res.Phase, res.ErrorCode)
	}
	if tx.calls != 2 {
		t.Fatalf("expected exactly 2 transform attempts, got %d", tx.calls)
	}
	if model.callCount() != 2 {
		t.Fatalf("expected 2 model rounds, got %d", model.callCount())
	}

	snap := sess.Snapshot()
	last := snap.History[len(snap.History)-1]
	if last.Role != "assistant" || !strings.Contains(last.Text, "stopped") {
		t.Fatalf("expected a stop apology, got %+v", last)
	}
}

func TestTurnContinuationCapStopsAtThree(t *testing.T) {
	model := &scriptedModel{script: func(call int, pc PromptContext) ([]envelope.Action, error) {
		return []envelope.Action{textReply(envelope.AdhocStepID, "Let me think about the data first.")}, nil
	}}
	d := newTestDriver(t, model, &stubTransformer{})
	sess := newTurnSession(t)
	seedPlan(sess,
		plan.Step{ID: "load_data", Label: "Confirm the loaded dataset", Status: plan.StepReady},
		plan.Step{ID: "narrow_rows", Label: "Narrow to the regions in question", Status: plan.StepReady},
		plan.Step{ID: "rank_rows", Label: "Rank rows by revenue", Status: plan.StepReady},
		plan.Step{ID: "build_chart", Label: "Chart the ranked result", Status: plan.StepReady},
		plan.Step{ID: "summarize", Label: "Summarize the findings", Status: plan.StepReady},
	)

	res, err := d.RunTurn(context.Background(), sess, "walk through the whole analysis")
	if err != nil {
		t.Fatalf("turn failed: %v", err)
	}
	if res.Phase != PhaseDone {
		t.Fatalf("expected done, got %s", res.Phase)
	}
	if res.Continuations != 3 {
		t.Fatalf("expected exactly 3 continuations, got %d", res.Continuations)
	}
	if model.callCount() != 4 {
		t.Fatalf("expected 4 model rounds (initial plus 3 continuations), got %d", model.callCount())
	}
	if !strings.Contains(model.prompts[1].Correction, "tool-bearing") {
		t.Fatalf("continuation nudge should demand tool work, got %q", model.prompts[1].Correction)
	}
	if model.prompts[1].Mode != ModePlanOnly {
		t.Fatalf("follow-up rounds should shrink the prompt, got %s", model.prompts[1].Mode)
	}
}

func TestTurnClarificationSuspends(t *testing.T) {
	model := &scriptedModel{script: func(call int, pc PromptContext) ([]envelope.Action, error) {
		return []envelope.Action{{
			Kind:     envelope.KindClarificationRequest,
			StepID:   "pick_column",
			StateTag: envelope.TagAwaitingClarification,
			Reason:   "the request named no column",
			Clarification: &envelope.ClarificationPayload{
				Question:    "Which column should I use?",
				Options:     []string{"revenue", "region"},
				TargetField: "column",
			},
		}}, nil
	}}
	d := newTestDriver(t, model, &stubTransformer{})
	sess := newTurnSession(t)
	seedPlan(sess, plan.Step{ID: "pick_column", Label: "Choose the metric column", Status: plan.StepReady})

	res, err := d.RunTurn(context.Background(), sess, "sort it")
	if err != nil {
		t.Fatalf("turn failed: %v", err)
	}
	if res.Phase != PhaseClarifying {
		t.Fatalf("expected clarifying, got %s", res.Phase)
	}
	c := sess.PendingClarification()
	if c == nil {
		t.Fatal("expected a pending clarification")
	}
	if len(c.Options) != 2 {
		t.Fatalf("both options match columns, none should be pruned: %+v", c.Options)
	}

	snap := sess.Snapshot()
	last := snap.History[len(snap.History)-1]
	if last.Role != "assistant" || !strings.Contains(last.Text, "1.") {
		t.Fatalf("expected the numbered question in chat, got %+v", last)
	}
}

func TestTurnSynthesizesRequiredFilter(t *testing.T) {
	model := &scriptedModel{script: func(call int, pc PromptContext) ([]envelope.Action, error) {
		return []envelope.Action{textReply(envelope.AdhocStepID, "Sure, here is the EMEA view.")}, nil
	}}
	d := newTestDriver(t, model, &stubTransformer{})
	sess := newTurnSession(t)
	seedPlan(sess, plan.Step{ID: "narrow_rows", Label: "Narrow to the requested region", Status: plan.StepReady})

	res, err := d.RunTurn(context.Background(), sess, "only show emea")
	if err != nil {
		t.Fatalf("turn failed: %v", err)
	}
	if res.Phase != PhaseDone {
		t.Fatalf("expected done, got %s", res.Phase)
	}
	if model.callCount() != 1 {
		t.Fatalf("the synthesized filter should avoid a re-prompt, got %d rounds", model.callCount())
	}
	if res.Dispatched != 2 {
		t.Fatalf("expected text plus synthesized filter, got %d actions", res.Dispatched)
	}

	var filtered bool
	for _, obs := range sess.Snapshot().Observations {
		if obs.Kind == string(envelope.KindFilter) && obs.Status == session.ObsSuccess {
			filtered = true
			if matched, _ := obs.Outputs["matched"].(int); matched != 2 {
				t.Fatalf("expected 2 EMEA rows, got %v", obs.Outputs["matched"])
			}
		}
	}
	if !filtered {
		t.Fatal("expected a successful filter observation")
	}
}

func TestTurnStepOrderViolationsRelaxAfterThree(t *testing.T) {
	model := &scriptedModel{script: func(call int, pc PromptContext) ([]envelope.Action, error) {
		return []envelope.Action{filterReply("wrong_step", "emea", "showing just one territory")}, nil
	}}
	d := newTestDriver(t, model, &stubTransformer{})
	sess := newTurnSession(t)
	seedPlan(sess, plan.Step{ID: "compute_totals", Label: "Compute grouped totals", Status: plan.StepReady})

	res, err := d.RunTurn(context.Background(), sess, "show emea please")
	if err != nil {
		t.Fatalf("turn failed: %v", err)
	}
	if res.Phase != PhaseDone {
		t.Fatalf("expected done after relaxation, got %s", res.Phase)
	}
	if model.callCount() != 3 {
		t.Fatalf("expected 3 rounds (two ordering retries, then relax), got %d", model.callCount())
	}

	p := sess.Plan()
	st, ok := p.Step("compute_totals")
	if !ok || st.Status != plan.StepDone {
		t.Fatalf("relaxation should have marked the expected step done, got %+v", st)
	}

	var orderErrors, filterOK int
	for _, obs := range sess.Snapshot().Observations {
		switch {
		case obs.ErrorCode == guard.CodeStepOrder:
			orderErrors++
		case obs.Kind == string(envelope.KindFilter) && obs.Status == session.ObsSuccess:
			filterOK++
		}
	}
	if orderErrors != 2 || filterOK != 1 {
		t.Fatalf("expected 2 ordering rejections and 1 filter success, got %d/%d", orderErrors, filterOK)
	}
}

func TestTurnCancelledBeforeDispatchHasNoSideEffects(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	model := &scriptedModel{script: func(call int, pc PromptContext) ([]envelope.Action, error) {
		cancel()
		return []envelope.Action{filterReply("narrow_rows", "emea", "narrowing to the requested region")}, nil
	}}
	d := newTestDriver(t, model, &stubTransformer{})
	sess := newTurnSession(t)
	seedPlan(sess, plan.Step{ID: "narrow_rows", Label: "Narrow to the requested region", Status: plan.StepReady})

	res, err := d.RunTurn(ctx, sess, "only show emea")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if res.ErrorCode != CodeTurnCancelled {
		t.Fatalf("expected %s, got %s", CodeTurnCancelled, res.ErrorCode)
	}

	snap := sess.Snapshot()
	if len(snap.Observations) != 0 {
		t.Fatalf("cancellation must not dispatch, got %+v", snap.Observations)
	}
	if len(snap.History) != 1 {
		t.Fatalf("only the user message should be in history, got %+v", snap.History)
	}
	if sess.ActiveRun() != "" {
		t.Fatal("session claim should be released")
	}
}

func TestTurnBusySessionRejected(t *testing.T) {
	model := &scriptedModel{script: func(call int, pc PromptContext) ([]envelope.Action, error) {
		t.Fatal("model should not be called")
		return nil, nil
	}}
	d := newTestDriver(t, model, &stubTransformer{})
	sess := newTurnSession(t)
	if err := sess.BeginTurn("other-run"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	res, err := d.RunTurn(context.Background(), sess, "hello there, data")
	if !errors.Is(err, session.ErrTurnActive) {
		t.Fatalf("expected ErrTurnActive, got %v", err)
	}
	if res.Phase != PhaseFailed || res.ErrorCode != CodeTurnBusy {
		t.Fatalf("expected failed/%s, got %s/%s", CodeTurnBusy, res.Phase, res.ErrorCode)
	}
}

func TestBuildPromptContextModes(t *testing.T) {
	sess := newTurnSession(t)
	for i := 0; i < 20; i++ {
		sess.AppendMessage("user", "older message")
	}
	snap := sess.Snapshot()

	full := BuildPromptContext(snap, intentFor("only show emea"), "only show emea", ModeFull, "")
	if len(full.History) != fullHistoryLen {
		t.Fatalf("full history should be capped at %d, got %d", fullHistoryLen, len(full.History))
	}
	if full.RowCount != 3 || len(full.Preview) == 0 {
		t.Fatalf("full mode should carry the preview, got %d rows / %d preview", full.RowCount, len(full.Preview))
	}

	lean := BuildPromptContext(snap, intentFor("only show emea"), "only show emea", ModePlanOnly, "fix it")
	if len(lean.History) != planOnlyHistoryLen {
		t.Fatalf("plan-only history should be capped at %d, got %d", planOnlyHistoryLen, len(lean.History))
	}
	if len(lean.Preview) != 0 || len(lean.Observations) != 0 {
		t.Fatal("plan-only mode should drop preview and observations")
	}
	if lean.Correction != "fix it" {
		t.Fatalf("correction lost: %q", lean.Correction)
	}
}

func intentFor(message string) intent.Detected {
	return intent.NewClassifier().Classify(message, session.Snapshot{})
}
