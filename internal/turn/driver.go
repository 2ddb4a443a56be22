// Package turn runs one conversational turn end to end: prompt the model,
// validate and repair the returned action batch, dispatch each action
// through the guard chain, and decide whether the turn retries, continues
// automatically, suspends on a clarification, or terminates.
package turn

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/griddle-ai/griddle/internal/dispatch"
	"github.com/griddle-ai/griddle/internal/envelope"
	"github.com/griddle-ai/griddle/internal/guard"
	"github.com/griddle-ai/griddle/internal/intent"
	"github.com/griddle-ai/griddle/internal/plan"
	"github.com/griddle-ai/griddle/internal/session"
	"github.com/griddle-ai/griddle/internal/validate"
)

var turnTracer trace.Tracer = otel.Tracer("griddle/internal/turn")

// Phase names the driver's position in the turn state machine. Terminal
// phases are done, clarifying and failed.
type Phase string

const (
	PhasePlanning    Phase = "planning"
	PhaseValidating  Phase = "validating"
	PhaseDispatching Phase = "dispatching"
	PhaseRetrying    Phase = "retrying"
	PhaseContinuing  Phase = "continuing"
	PhaseClarifying  Phase = "clarifying"
	PhaseDone        Phase = "done"
	PhaseFailed      Phase = "failed"
)

// Driver-level error codes. Validator and executor codes pass through
// unchanged; these cover failures the driver itself detects.
const (
	CodeModelFailure   = "model_error"
	CodeTurnBusy       = "turn_busy"
	CodeTurnCancelled  = "turn_cancelled"
	CodeRetryExhausted = "retry_exhausted"
)

// Generator produces the model's next action batch for a prompt context.
// Implementations call a chat-completion endpoint and decode the reply.
type Generator interface {
	Generate(ctx context.Context, pc PromptContext) ([]envelope.Action, error)
}

// ProgressSink receives coarse phase updates for operator surfaces. The
// telemetry recorder implements it; a nil sink is a no-op.
type ProgressSink interface {
	AddProgress(sessionID, level, text string)
}

// Recaller indexes turn material and surfaces related snippets for later
// prompts. The bleve-backed recall index implements it; nil disables
// recall entirely.
type Recaller interface {
	Remember(sessionID, kind, text string, at time.Time)
	Recall(sessionID, query string, k int) []string
}

// Result is the terminal report of one turn.
type Result struct {
	RunID         string `json:"runId"`
	Phase         Phase  `json:"phase"`
	ErrorCode     string `json:"errorCode,omitempty"`
	Reply         string `json:"reply,omitempty"`
	Dispatched    int    `json:"dispatched"`
	Rounds        int    `json:"rounds"`
	Continuations int    `json:"continuations"`
}

// Deps collects the driver's collaborators. Model and Handler are
// required; the rest default to sensible no-ops.
type Deps struct {
	Model    Generator
	Handler  dispatch.Handler
	Classify *intent.Classifier
	Progress ProgressSink
	Recall   Recaller
	Logger   *log.Logger
	Now      func() time.Time
}

// Driver owns the turn loop. It holds no per-turn state; everything
// scoped to a single turn lives on the dispatch.Run it mints, so one
// driver safely serves many sessions.
type Driver struct {
	model    Generator
	handler  dispatch.Handler
	classify *intent.Classifier
	progress ProgressSink
	recall   Recaller
	logger   *log.Logger
	now      func() time.Time
}

// NewDriver wires a turn driver from its collaborators.
func NewDriver(deps Deps) (*Driver, error) {
	if deps.Model == nil {
		return nil, errors.New("turn: model generator is required")
	}
	if deps.Handler == nil {
		return nil, errors.New("turn: dispatch handler is required")
	}
	d := &Driver{
		model:    deps.Model,
		handler:  deps.Handler,
		classify: deps.Classify,
		progress: deps.Progress,
		recall:   deps.Recall,
		logger:   deps.Logger,
		now:      deps.Now,
	}
	if d.classify == nil {
		d.classify = intent.NewClassifier()
	}
	if d.logger == nil {
		d.logger = log.New(log.Writer(), "[TURN] ", log.LstdFlags)
	}
	if d.now == nil {
		d.now = func() time.Time { return time.Now().UTC() }
	}
	return d, nil
}

// RunTurn processes one user message. It claims the session for the
// duration of the turn, appends the message to history, and walks the
// turn state machine until a terminal phase. The returned error is nil
// for done and clarifying outcomes.
func (d *Driver) RunTurn(ctx context.Context, sess *session.Session, userMessage string) (Result, error) {
	run := dispatch.NewRun(sess.ID(), d.now())
	res := Result{RunID: run.ID, Phase: PhasePlanning}
	start := time.Now()

	ctx, span := turnTracer.Start(ctx, "turn.run",
		trace.WithAttributes(
			attribute.String("session.id", sess.ID()),
			attribute.String("run.id", run.ID),
		))
	defer span.End()

	if err := sess.BeginTurn(run.ID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "session busy")
		res.Phase = PhaseFailed
		res.ErrorCode = CodeTurnBusy
		noteTurn(ctx, res, time.Since(start))
		return res, err
	}
	defer sess.EndTurn(run.ID)

	sess.AppendMessage("user", userMessage)
	d.remember(sess.ID(), "message", "user: "+userMessage)
	det := d.classify.Classify(userMessage, sess.Snapshot())
	span.SetAttributes(attribute.String("intent.kind", det.Kind))
	d.report(sess.ID(), "info", fmt.Sprintf("turn %s started (intent %s)", run.ID, det.Kind))

	res, err := d.loop(ctx, span, run, sess, det, userMessage, res)
	noteTurn(ctx, res, time.Since(start))
	return res, err
}

// loop is the turn state machine. Each iteration is one model round:
// prompt, validate, dispatch. Correction carries feedback into the next
// round; requiredDone drops the intent's required tool once an action
// satisfying it has dispatched, so continuation rounds are not forced to
// repeat it.
func (d *Driver) loop(ctx context.Context, span trace.Span, run *dispatch.Run, sess *session.Session, det intent.Detected, userMessage string, res Result) (Result, error) {
	var (
		correction    string
		forcePlanOnly bool
		requiredDone  bool
	)

	for {
		if err := ctx.Err(); err != nil {
			return d.cancelTurn(span, res, err)
		}
		res.Rounds++

		snap := sess.Snapshot()
		mode := ModeFull
		if forcePlanOnly || res.Rounds > 1 {
			mode = ModePlanOnly
		}
		round := det
		if requiredDone {
			round.RequiredTool = nil
		}

		res.Phase = PhasePlanning
		d.report(sess.ID(), "info", fmt.Sprintf("round %d: requesting actions (%s)", res.Rounds, mode))
		pc := BuildPromptContext(snap, round, userMessage, mode, correction)
		if d.recall != nil && mode == ModeFull {
			pc.Snippets = d.recall.Recall(sess.ID(), userMessage, recallTopK)
		}
		actions, err := d.generate(ctx, pc)
		if err != nil {
			if ctx.Err() != nil {
				return d.cancelTurn(span, res, ctx.Err())
			}
			obs := session.Observation{
				ActionRef: "model",
				Kind:      "model_call",
				Status:    session.ObsError,
				ErrorCode: CodeModelFailure,
				Outputs:   map[string]interface{}{"error": err.Error()},
			}
			return d.failTurn(span, sess, res, CodeModelFailure,
				"I couldn't reach the model to plan this turn. Please try again in a moment.", &obs)
		}

		res.Phase = PhaseValidating
		vres := validate.Validate(validate.Input{
			Actions:     actions,
			Snapshot:    snap,
			Intent:      round,
			UserMessage: userMessage,
			Now:         d.now(),
		})
		if !vres.OK {
			tries := run.NoteValidationRetry()
			sess.AddLog("warn", fmt.Sprintf("validation rejected round %d (%s): %s", res.Rounds, vres.ErrorCode, vres.RepairInstruction))
			switch {
			case tries <= dispatch.MaxValidationRetries:
				correction = vres.RepairInstruction
				res.Phase = PhaseRetrying
				continue
			case tries == dispatch.MaxValidationRetries+1:
				// Last resort before giving up: ask for nothing but a plan.
				forcePlanOnly = true
				correction = "Your replies kept failing validation. Respond with a single plan_state_update action and nothing else."
				res.Phase = PhaseRetrying
				continue
			default:
				obs := session.Observation{
					ActionRef: "validator",
					Kind:      "validation",
					Status:    session.ObsError,
					ErrorCode: vres.ErrorCode,
					Outputs:   map[string]interface{}{"error": vres.RepairInstruction},
				}
				return d.failTurn(span, sess, res, vres.ErrorCode, vres.UserMessage, &obs)
			}
		}
		correction = ""
		if vres.SynthesizedPlan != nil {
			sess.SetPlan(vres.SynthesizedPlan)
		}

		res.Phase = PhaseDispatching
		retry := false
		for _, a := range vres.Actions {
			if err := ctx.Err(); err != nil {
				return d.cancelTurn(span, res, err)
			}

			dctx, dspan := turnTracer.Start(ctx, "turn.dispatch",
				trace.WithAttributes(
					attribute.String("action.kind", string(a.Kind)),
					attribute.String("action.step", a.StepID),
				))
			out := d.handler.Execute(dctx, run, sess, a)
			sess.AppendObservation(out.Observation)
			d.remember(sess.ID(), "observation", observationSummary(out.Observation))
			res.Dispatched++
			if !requiredDone && out.Signal != dispatch.SignalRetry && satisfiesRequired(a, det.RequiredTool) {
				requiredDone = true
			}

			switch out.Signal {
			case dispatch.SignalContinue:
				dspan.SetStatus(codes.Ok, "")
				dspan.End()
				// The synthetic greeting step completes with the
				// acknowledgement itself; nothing else will close it.
				if a.Kind == envelope.KindTextResponse && a.StepID == plan.GreetingStepID {
					if p := sess.Plan(); p != nil && p.MarkDone(plan.GreetingStepID, d.now()) {
						sess.SetPlan(p)
					}
				}

			case dispatch.SignalRetry:
				dspan.SetStatus(codes.Error, out.Observation.ErrorCode)
				dspan.End()
				if guard.IsGuardCode(out.Observation.ErrorCode) {
					// Ordering and reasoning corrections get their own
					// budget; the step-order guard force-advances before
					// it is ever exceeded in practice.
					if run.NoteGuardRetry() > dispatch.MaxStepViolations {
						return d.failTurn(span, sess, res, CodeRetryExhausted,
							"I kept producing actions out of order and had to stop. Please rephrase your request.", nil)
					}
				} else {
					if run.NoteDispatchRetry() > dispatch.MaxDispatchRetries {
						return d.failTurn(span, sess, res, CodeRetryExhausted,
							"I retried that operation once already and it still failed, so I've stopped.", nil)
					}
				}
				correction = out.RetryReason
				retry = true

			case dispatch.SignalHalt:
				dspan.End()
				if out.Observation.Status == session.ObsPending {
					res.Phase = PhaseClarifying
					span.SetStatus(codes.Ok, "awaiting clarification")
					d.report(sess.ID(), "info", fmt.Sprintf("turn %s suspended on a clarification", run.ID))
					return res, nil
				}
				return d.failTurn(span, sess, res, out.Observation.ErrorCode,
					haltMessage(out.Observation), nil)
			}
			if retry {
				break
			}
		}
		if retry {
			res.Phase = PhaseRetrying
			continue
		}

		if nudge, ok := d.shouldContinue(run, sess, vres.Actions); ok {
			correction = nudge
			res.Phase = PhaseContinuing
			res.Continuations = run.Continuations()
			d.report(sess.ID(), "info", fmt.Sprintf("turn %s auto-continuing (%d)", run.ID, res.Continuations))
			continue
		}

		res.Phase = PhaseDone
		res.Continuations = run.Continuations()
		span.SetStatus(codes.Ok, "")
		d.report(sess.ID(), "info", fmt.Sprintf("turn %s done: %d actions over %d rounds", run.ID, res.Dispatched, res.Rounds))
		return res, nil
	}
}

// generate wraps the model call in its own span, mirroring the per-phase
// spans around dispatch.
func (d *Driver) generate(ctx context.Context, pc PromptContext) ([]envelope.Action, error) {
	gctx, gspan := turnTracer.Start(ctx, "turn.generate",
		trace.WithAttributes(attribute.String("prompt.mode", string(pc.Mode))))
	defer gspan.End()

	actions, err := d.model.Generate(gctx, pc)
	if err != nil {
		gspan.RecordError(err)
		gspan.SetStatus(codes.Error, "model call failed")
		return nil, err
	}
	gspan.SetAttributes(attribute.Int("actions.count", len(actions)))
	gspan.SetStatus(codes.Ok, "")
	return actions, nil
}

// shouldContinue decides whether the turn re-prompts on its own after a
// round that performed no visible tool work while plan steps remain. The
// nudge names the next pending step so the model cannot claim ignorance.
func (d *Driver) shouldContinue(run *dispatch.Run, sess *session.Session, accepted []envelope.Action) (string, bool) {
	for _, a := range accepted {
		if a.Kind.ToolBearing() {
			return "", false
		}
	}
	p := sess.Plan()
	if p == nil || p.Remaining() == 0 {
		return "", false
	}
	if p.BlockedBy != "" {
		return "", false
	}
	if tag := sess.LastStateTag(); tag == envelope.TagAwaitingClarification || tag == envelope.TagBlocked {
		return "", false
	}
	if run.Continuations() >= dispatch.MaxContinuations {
		return "", false
	}
	run.NoteContinuation()
	target := "the next pending plan step"
	if pending := p.Pending(); len(pending) > 0 {
		target = fmt.Sprintf("step %q (%s)", pending[0].ID, pending[0].Label)
	}
	return fmt.Sprintf("You replied with commentary only while plan steps remain. Work on %s now using a tool-bearing action.", target), true
}

// failTurn terminates the turn with an apology in chat and, when the error
// was not already observed during dispatch, one error observation.
func (d *Driver) failTurn(span trace.Span, sess *session.Session, res Result, code, userMsg string, obs *session.Observation) (Result, error) {
	if obs != nil {
		sess.AppendObservation(*obs)
	}
	if userMsg != "" {
		sess.AppendMessage("assistant", userMsg)
		d.remember(sess.ID(), "message", "assistant: "+userMsg)
		res.Reply = userMsg
	}
	res.Phase = PhaseFailed
	res.ErrorCode = code
	err := fmt.Errorf("turn failed: %s", code)
	span.RecordError(err)
	span.SetStatus(codes.Error, code)
	d.report(sess.ID(), "error", fmt.Sprintf("turn failed (%s): %s", code, userMsg))
	return res, err
}

// cancelTurn exits without further side effects: no chat message, no
// observation, nothing dispatched past the point of cancellation.
func (d *Driver) cancelTurn(span trace.Span, res Result, cause error) (Result, error) {
	res.Phase = PhaseFailed
	res.ErrorCode = CodeTurnCancelled
	span.RecordError(cause)
	span.SetStatus(codes.Error, "cancelled")
	return res, fmt.Errorf("turn cancelled: %w", cause)
}

func (d *Driver) report(sessionID, level, text string) {
	d.logger.Printf("%s", text)
	if d.progress != nil {
		d.progress.AddProgress(sessionID, level, text)
	}
}

func (d *Driver) remember(sessionID, kind, text string) {
	if d.recall == nil || text == "" {
		return
	}
	d.recall.Remember(sessionID, kind, text, d.now())
}

// observationSummary flattens an observation into one indexable line.
func observationSummary(obs session.Observation) string {
	parts := []string{obs.Kind, obs.Status}
	if obs.ErrorCode != "" {
		parts = append(parts, obs.ErrorCode)
	}
	for _, k := range []string{"summary", "detail", "error", "query", "title"} {
		if v, ok := obs.Outputs[k].(string); ok && v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, " ")
}

// satisfiesRequired reports whether a dispatched action discharges the
// classifier's required-tool demand.
func satisfiesRequired(a envelope.Action, rt *intent.RequiredTool) bool {
	if rt == nil || a.Kind != rt.Kind {
		return false
	}
	if rt.Kind == envelope.KindDomAction && rt.ToolName != "" {
		return a.Dom != nil && a.Dom.Tool == rt.ToolName
	}
	return true
}

// haltMessage turns a halting error observation into the single
// chat-visible line the user sees.
func haltMessage(obs session.Observation) string {
	detail, _ := obs.Outputs["error"].(string)
	switch obs.ErrorCode {
	case dispatch.CodeDatasetMissing:
		return "I can't run that until a dataset is loaded. Please upload or select one first."
	case dispatch.CodeCardNotFound:
		return "I couldn't find the card you mentioned. It may have been removed already."
	case dispatch.CodeCardAmbiguous:
		return "More than one card matches that name. Could you name the exact card?"
	case dispatch.CodeTransformFailed:
		if detail != "" {
			return "The code step kept failing, so I've stopped: " + detail
		}
		return "The code step kept failing, so I've stopped."
	case dispatch.CodeChartFailed:
		return "I couldn't build that chart. Please try a different request."
	default:
		if detail != "" {
			return "I hit a problem I couldn't recover from: " + detail
		}
		return "I hit a problem I couldn't recover from, so I've stopped this turn."
	}
}
