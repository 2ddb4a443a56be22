package guard

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/griddle-ai/griddle/internal/dispatch"
	"github.com/griddle-ai/griddle/internal/envelope"
	"github.com/griddle-ai/griddle/internal/plan"
	"github.com/griddle-ai/griddle/internal/session"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type recordingHandler struct {
	calls int
	out   dispatch.Outcome
}

func (h *recordingHandler) Execute(ctx context.Context, run *dispatch.Run, sess *session.Session, a envelope.Action) dispatch.Outcome {
	h.calls++
	if h.out.Observation.Status == "" {
		h.out.Observation = dispatch.SuccessObservation(a, nil, nil, testNow)
	}
	return h.out
}

type recordingToaster struct {
	toasts []string
}

func (t *recordingToaster) Toast(sessionID, text string) {
	t.toasts = append(t.toasts, text)
}

type recordingTracer struct {
	begun   []string
	updated []string
}

func (r *recordingTracer) BeginTrace(kind, summary, source string) string {
	r.begun = append(r.begun, kind)
	return "trace-1"
}

func (r *recordingTracer) UpdateTrace(id, status, errorCode string, duration time.Duration) {
	r.updated = append(r.updated, status)
}

func sessionWithPlan(t *testing.T) *session.Session {
	t.Helper()
	sess := session.NewStore().Create("sess-1")
	p := &plan.State{
		Goal:     "filter then summarize",
		Progress: "starting",
		Steps: []plan.Step{
			{ID: "filter_rows", Label: "Filter rows to the requested region", Status: plan.StepReady},
			{ID: "summarize_result", Label: "Summarize the filtered rows", Status: plan.StepReady},
		},
	}
	p.Normalize(testNow)
	sess.SetPlan(p)
	return sess
}

func filterAction(stepID string) envelope.Action {
	return envelope.Action{
		Kind:     envelope.KindFilter,
		StepID:   stepID,
		StateTag: envelope.TagExecuting,
		Reason:   "narrow the table",
		Filter:   &envelope.FilterPayload{Query: "region is EMEA"},
	}
}

func TestReasoningPassesWithReason(t *testing.T) {
	next := &recordingHandler{}
	h := Chain(next, Reasoning(nil, nil, func() time.Time { return testNow }))
	run := dispatch.NewRun("sess-1", testNow)
	sess := sessionWithPlan(t)
	out := h.Execute(context.Background(), run, sess, filterAction("filter_rows"))
	if next.calls != 1 {
		t.Fatalf("next called %d times, want 1", next.calls)
	}
	if out.Observation.Status != session.ObsSuccess {
		t.Fatalf("status = %s, want success", out.Observation.Status)
	}
}

func TestReasoningRejectsEmptyReason(t *testing.T) {
	next := &recordingHandler{}
	toaster := &recordingToaster{}
	h := Chain(next, Reasoning(toaster, nil, func() time.Time { return testNow }))
	run := dispatch.NewRun("sess-1", testNow)
	sess := sessionWithPlan(t)
	a := filterAction("filter_rows")
	a.Reason = "   "
	out := h.Execute(context.Background(), run, sess, a)
	if next.calls != 0 {
		t.Fatal("executor must not run without a reason")
	}
	if out.Signal != dispatch.SignalRetry {
		t.Fatalf("signal = %v, want retry", out.Signal)
	}
	if out.Observation.ErrorCode != CodeReasonMissing {
		t.Fatalf("error code = %q, want %q", out.Observation.ErrorCode, CodeReasonMissing)
	}
	if len(toaster.toasts) != 1 {
		t.Fatalf("toasts = %d, want 1", len(toaster.toasts))
	}
}

func TestReasoningToastThrottled(t *testing.T) {
	next := &recordingHandler{}
	toaster := &recordingToaster{}
	clock := testNow
	h := Chain(next, Reasoning(toaster, nil, func() time.Time { return clock }))
	run := dispatch.NewRun("sess-1", testNow)
	sess := sessionWithPlan(t)
	a := filterAction("filter_rows")
	a.Reason = ""

	h.Execute(context.Background(), run, sess, a)
	clock = clock.Add(2 * time.Second)
	h.Execute(context.Background(), run, sess, a)
	if len(toaster.toasts) != 1 {
		t.Fatalf("toasts = %d, want 1 within the throttle window", len(toaster.toasts))
	}
	clock = clock.Add(dispatch.ToastInterval)
	h.Execute(context.Background(), run, sess, a)
	if len(toaster.toasts) != 2 {
		t.Fatalf("toasts = %d, want 2 after the window passes", len(toaster.toasts))
	}
}

func TestStepOrderAcceptsPendingHead(t *testing.T) {
	next := &recordingHandler{}
	h := Chain(next, StepOrder(nil, func() time.Time { return testNow }))
	run := dispatch.NewRun("sess-1", testNow)
	sess := sessionWithPlan(t)
	run.NoteStepViolation()
	out := h.Execute(context.Background(), run, sess, filterAction("filter_rows"))
	if next.calls != 1 {
		t.Fatal("head match must pass through")
	}
	if out.Signal != dispatch.SignalContinue {
		t.Fatalf("signal = %v, want continue", out.Signal)
	}
	if run.StepViolations() != 0 {
		t.Fatal("a pass must reset the violation counter")
	}
}

func TestStepOrderRetriesQuotingExpectedStep(t *testing.T) {
	next := &recordingHandler{}
	h := Chain(next, StepOrder(nil, func() time.Time { return testNow }))
	run := dispatch.NewRun("sess-1", testNow)
	sess := sessionWithPlan(t)
	a := filterAction("wrong_step")
	a.Filter.Query = "quarterly totals"
	a.Reason = "do something unrelated"
	out := h.Execute(context.Background(), run, sess, a)
	if next.calls != 0 {
		t.Fatal("mismatched step must not dispatch")
	}
	if out.Signal != dispatch.SignalRetry {
		t.Fatalf("signal = %v, want retry", out.Signal)
	}
	if !strings.Contains(out.RetryReason, `"filter_rows"`) {
		t.Fatalf("retry must quote the expected step, got %q", out.RetryReason)
	}
	if run.StepViolations() != 1 {
		t.Fatalf("violations = %d, want 1", run.StepViolations())
	}
}

func TestStepOrderKeywordFallback(t *testing.T) {
	next := &recordingHandler{}
	h := Chain(next, StepOrder(nil, func() time.Time { return testNow }))
	run := dispatch.NewRun("sess-1", testNow)
	sess := sessionWithPlan(t)
	a := filterAction("wrong_step")
	a.Reason = "filter the rows down to the requested region"
	out := h.Execute(context.Background(), run, sess, a)
	if next.calls != 1 {
		t.Fatal("keyword match must pass through")
	}
	if out.Signal != dispatch.SignalContinue {
		t.Fatalf("signal = %v, want continue", out.Signal)
	}
}

func TestStepOrderRelaxesAfterThreeViolations(t *testing.T) {
	next := &recordingHandler{}
	h := Chain(next, StepOrder(nil, func() time.Time { return testNow }))
	run := dispatch.NewRun("sess-1", testNow)
	sess := sessionWithPlan(t)
	a := filterAction("wrong_step")
	a.Filter.Query = "quarterly totals"
	a.Reason = "do something unrelated"

	for i := 0; i < dispatch.MaxStepViolations-1; i++ {
		out := h.Execute(context.Background(), run, sess, a)
		if out.Signal != dispatch.SignalRetry {
			t.Fatalf("violation %d signal = %v, want retry", i+1, out.Signal)
		}
	}
	out := h.Execute(context.Background(), run, sess, a)
	if out.Signal != dispatch.SignalContinue {
		t.Fatalf("third violation signal = %v, want continue after relax", out.Signal)
	}
	if next.calls != 1 {
		t.Fatalf("executor ran %d times, want 1", next.calls)
	}
	p := sess.Plan()
	step, ok := p.Step("filter_rows")
	if !ok {
		t.Fatal("step missing")
	}
	if step.Status != plan.StepDone {
		t.Fatalf("expected step forced done, status = %s", step.Status)
	}
	if run.StepViolations() != 0 {
		t.Fatal("relax must reset the violation counter")
	}
}

func TestStepOrderSkipsAtomicKinds(t *testing.T) {
	next := &recordingHandler{}
	h := Chain(next, StepOrder(nil, func() time.Time { return testNow }))
	run := dispatch.NewRun("sess-1", testNow)
	sess := sessionWithPlan(t)
	a := envelope.Action{
		Kind:     envelope.KindProceed,
		StepID:   "whatever_step",
		StateTag: envelope.TagExecuting,
		Reason:   "nothing to do",
	}
	out := h.Execute(context.Background(), run, sess, a)
	if next.calls != 1 {
		t.Fatal("atomic kinds bypass step ordering")
	}
	if out.Signal != dispatch.SignalContinue {
		t.Fatalf("signal = %v, want continue", out.Signal)
	}
}

func TestLoggingAppendsSessionLog(t *testing.T) {
	next := &recordingHandler{}
	h := Chain(next, Logging(nil))
	run := dispatch.NewRun("sess-1", testNow)
	sess := sessionWithPlan(t)
	h.Execute(context.Background(), run, sess, filterAction("filter_rows"))
	logs := sess.Logs()
	if len(logs) != 1 {
		t.Fatalf("logs = %d, want 1", len(logs))
	}
	if !strings.Contains(logs[0].Text, "narrow the table") {
		t.Fatalf("log text %q should carry the reasoning", logs[0].Text)
	}
}

func TestTimingRecordsTraceTransitions(t *testing.T) {
	next := &recordingHandler{}
	rec := &recordingTracer{}
	h := Chain(next, Timing(rec))
	run := dispatch.NewRun("sess-1", testNow)
	sess := sessionWithPlan(t)
	h.Execute(context.Background(), run, sess, filterAction("filter_rows"))
	if len(rec.begun) != 1 || rec.begun[0] != "filter" {
		t.Fatalf("begun = %v", rec.begun)
	}
	if len(rec.updated) != 1 || rec.updated[0] != TraceSucceeded {
		t.Fatalf("updated = %v, want one succeeded transition", rec.updated)
	}
}

func TestTimingRecordsFailure(t *testing.T) {
	next := &recordingHandler{
		out: dispatch.Outcome{
			Signal:      dispatch.SignalHalt,
			Observation: session.Observation{Status: session.ObsError, ErrorCode: "transform_failed"},
		},
	}
	rec := &recordingTracer{}
	h := Chain(next, Timing(rec))
	run := dispatch.NewRun("sess-1", testNow)
	sess := sessionWithPlan(t)
	h.Execute(context.Background(), run, sess, filterAction("filter_rows"))
	if len(rec.updated) != 1 || rec.updated[0] != TraceFailed {
		t.Fatalf("updated = %v, want one failed transition", rec.updated)
	}
}

func TestChainOrder(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next dispatch.Handler) dispatch.Handler {
			return dispatch.HandlerFunc(func(ctx context.Context, run *dispatch.Run, sess *session.Session, a envelope.Action) dispatch.Outcome {
				order = append(order, name)
				return next.Execute(ctx, run, sess, a)
			})
		}
	}
	next := &recordingHandler{}
	h := Chain(next, mark("outer"), mark("inner"))
	run := dispatch.NewRun("sess-1", testNow)
	sess := sessionWithPlan(t)
	h.Execute(context.Background(), run, sess, filterAction("filter_rows"))
	if len(order) != 2 || order[0] != "outer" || order[1] != "inner" {
		t.Fatalf("order = %v, want [outer inner]", order)
	}
}

func TestIsGuardCode(t *testing.T) {
	if !IsGuardCode(CodeReasonMissing) || !IsGuardCode(CodeStepOrder) {
		t.Fatal("guard codes must classify as guard codes")
	}
	if IsGuardCode("transform_failed") {
		t.Fatal("executor codes must not classify as guard codes")
	}
}
