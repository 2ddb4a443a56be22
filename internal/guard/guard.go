// Package guard provides the middleware chain wrapped around every executor
// call. Guards can block an action, send it back for a retry, or relax the
// plan to keep the turn moving.
package guard

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/griddle-ai/griddle/internal/dispatch"
	"github.com/griddle-ai/griddle/internal/envelope"
	"github.com/griddle-ai/griddle/internal/plan"
	"github.com/griddle-ai/griddle/internal/session"
)

// Stable error codes attached to guard rejections.
const (
	CodeReasonMissing = "reason_missing"
	CodeStepOrder     = "step_order_violation"
)

// IsGuardCode reports whether an observation error code came from a guard.
// The driver budgets guard retries separately from executor retries.
func IsGuardCode(code string) bool {
	return code == CodeReasonMissing || code == CodeStepOrder
}

// Middleware wraps a dispatch handler.
type Middleware func(dispatch.Handler) dispatch.Handler

// Chain applies middleware so the first one listed runs outermost.
func Chain(h dispatch.Handler, mws ...Middleware) dispatch.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// Toaster shows a transient notice to the user without entering the chat
// transcript.
type Toaster interface {
	Toast(sessionID, text string)
}

// Reasoning blocks actions that arrive without a reason and nudges the user
// with a throttled toast. The model gets the rejection back as a retry.
func Reasoning(toaster Toaster, logger *log.Logger, now func() time.Time) Middleware {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return func(next dispatch.Handler) dispatch.Handler {
		return dispatch.HandlerFunc(func(ctx context.Context, run *dispatch.Run, sess *session.Session, a envelope.Action) dispatch.Outcome {
			if strings.TrimSpace(a.Reason) != "" {
				return next.Execute(ctx, run, sess, a)
			}
			if toaster != nil && run.AllowToast(now()) {
				toaster.Toast(sess.ID(), "The assistant skipped its reasoning; asking it to explain itself.")
			}
			if logger != nil {
				logger.Printf("run %s: %s action rejected, empty reason", run.ID, a.Kind)
			}
			noteViolation(CodeReasonMissing)
			return dispatch.Outcome{
				Signal:      dispatch.SignalRetry,
				RetryReason: "every action must carry a non-empty reason explaining why it runs; resend with reasons filled in",
				Observation: dispatch.ErrorObservation(a, CodeReasonMissing, "action carried no reason", now()),
			}
		})
	}
}

// StepOrder enforces that tool-bearing actions work on the plan's next
// pending step. An action whose text clearly talks about the expected step
// passes with a soft warning. After MaxStepViolations consecutive misses the
// guard marks the expected step done and lets the action through, trading
// strictness for forward progress.
func StepOrder(logger *log.Logger, now func() time.Time) Middleware {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return func(next dispatch.Handler) dispatch.Handler {
		return dispatch.HandlerFunc(func(ctx context.Context, run *dispatch.Run, sess *session.Session, a envelope.Action) dispatch.Outcome {
			if a.Kind.Atomic() || (a.Kind == envelope.KindTextResponse && a.StepID == envelope.AdhocStepID) {
				return next.Execute(ctx, run, sess, a)
			}
			p := sess.Plan()
			if p == nil {
				return next.Execute(ctx, run, sess, a)
			}
			pending := p.Pending()
			if len(pending) == 0 {
				return next.Execute(ctx, run, sess, a)
			}
			expected := pending[0]
			if a.StepID == expected.ID {
				run.ResetStepViolations()
				return next.Execute(ctx, run, sess, a)
			}
			if plan.MentionsKeywords(actionText(a), expected.Label) {
				if logger != nil {
					logger.Printf("run %s: step %q accepted for %q on keyword match", run.ID, a.StepID, expected.ID)
				}
				run.ResetStepViolations()
				return next.Execute(ctx, run, sess, a)
			}
			n := run.NoteStepViolation()
			if n >= dispatch.MaxStepViolations {
				if logger != nil {
					logger.Printf("run %s: %d consecutive step-order misses, marking %q done", run.ID, n, expected.ID)
				}
				p.MarkDone(expected.ID, now())
				sess.SetPlan(p)
				run.ResetStepViolations()
				noteRelaxation()
				return next.Execute(ctx, run, sess, a)
			}
			noteViolation(CodeStepOrder)
			return dispatch.Outcome{
				Signal: dispatch.SignalRetry,
				RetryReason: fmt.Sprintf("work on step %q (%s) next; your action named step %q. Resend an action for the expected step.",
					expected.ID, expected.Label, a.StepID),
				Observation: dispatch.ErrorObservation(a, CodeStepOrder,
					fmt.Sprintf("expected step %q, got %q", expected.ID, a.StepID), now()),
			}
		})
	}
}

// Logging appends each action's reasoning to the session progress log.
func Logging(logger *log.Logger) Middleware {
	return func(next dispatch.Handler) dispatch.Handler {
		return dispatch.HandlerFunc(func(ctx context.Context, run *dispatch.Run, sess *session.Session, a envelope.Action) dispatch.Outcome {
			sess.AddLog("info", fmt.Sprintf("%s %s: %s", a.Kind, a.StepID, a.Reason))
			if logger != nil {
				logger.Printf("run %s: dispatching %s step=%s tag=%s", run.ID, a.Kind, a.StepID, a.StateTag)
			}
			return next.Execute(ctx, run, sess, a)
		})
	}
}

// TraceRecorder mirrors action lifecycles into telemetry.
type TraceRecorder interface {
	BeginTrace(kind, summary, source string) string
	UpdateTrace(id, status, errorCode string, duration time.Duration)
}

// Trace statuses recorded around executor calls.
const (
	TraceExecuting = "executing"
	TraceSucceeded = "succeeded"
	TraceFailed    = "failed"
)

// Timing opens a trace before the executor runs and closes it with the
// wall-clock duration and outcome.
func Timing(rec TraceRecorder) Middleware {
	return func(next dispatch.Handler) dispatch.Handler {
		return dispatch.HandlerFunc(func(ctx context.Context, run *dispatch.Run, sess *session.Session, a envelope.Action) dispatch.Outcome {
			var id string
			if rec != nil {
				id = rec.BeginTrace(string(a.Kind), a.Reason, "dispatch")
			}
			start := time.Now()
			out := next.Execute(ctx, run, sess, a)
			elapsed := time.Since(start)
			status := TraceSucceeded
			if out.Observation.Status == session.ObsError {
				status = TraceFailed
			}
			noteDispatch(ctx, string(a.Kind), string(out.Observation.Status), elapsed)
			if rec != nil {
				rec.UpdateTrace(id, status, out.Observation.ErrorCode, elapsed)
			}
			return out
		})
	}
}

// actionText gathers the free text a keyword fallback can match against.
func actionText(a envelope.Action) string {
	parts := []string{a.Reason}
	switch {
	case a.Text != nil:
		parts = append(parts, a.Text.Text)
	case a.Code != nil:
		parts = append(parts, a.Code.Explanation)
	case a.Filter != nil:
		parts = append(parts, a.Filter.Query)
	case a.Clarification != nil:
		parts = append(parts, a.Clarification.Question)
	}
	return strings.Join(parts, " ")
}
