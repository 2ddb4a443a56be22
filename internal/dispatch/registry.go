package dispatch

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/griddle-ai/griddle/internal/envelope"
	"github.com/griddle-ai/griddle/internal/session"
)

// Signal tells the driver what to do after an action dispatched.
type Signal int

const (
	SignalContinue Signal = iota
	SignalRetry
	SignalHalt
)

func (s Signal) String() string {
	switch s {
	case SignalContinue:
		return "continue"
	case SignalRetry:
		return "retry"
	case SignalHalt:
		return "halt"
	}
	return fmt.Sprintf("signal(%d)", int(s))
}

// Outcome is the result of dispatching one action. Observation is always
// populated; the driver appends it to the session.
type Outcome struct {
	Signal      Signal
	RetryReason string
	Observation session.Observation
}

// Handler executes one validated action against the live session.
type Handler interface {
	Execute(ctx context.Context, run *Run, sess *session.Session, action envelope.Action) Outcome
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, run *Run, sess *session.Session, action envelope.Action) Outcome

// Execute calls f.
func (f HandlerFunc) Execute(ctx context.Context, run *Run, sess *session.Session, action envelope.Action) Outcome {
	return f(ctx, run, sess, action)
}

// ErrHandlerMissing indicates a kind without a registered executor.
var ErrHandlerMissing = fmt.Errorf("handler missing for action kind")

// Transformer mutates dataset rows in a sandbox. It may fail; the caller
// owns the retry budget.
type Transformer interface {
	ApplyTransform(ctx context.Context, columns []session.Column, rows []map[string]interface{}, body string) ([]map[string]interface{}, session.TransformMeta, error)
}

// CardSink pushes card and table mutations to the rendering surface.
// Calls are fire-and-forget from the engine's point of view.
type CardSink interface {
	Execute(ctx context.Context, sessionID, tool string, args map[string]interface{}) error
}

// ChartBuilder turns an accepted chart plan into a rendered card.
type ChartBuilder interface {
	Build(ctx context.Context, snap session.Snapshot, spec map[string]interface{}) (session.Card, error)
}

// Deps are the external collaborators executors delegate to.
type Deps struct {
	Transformer Transformer
	Cards       CardSink
	Charts      ChartBuilder
	Logger      *log.Logger
	Now         func() time.Time
}

// Registry holds one executor per action kind.
type Registry struct {
	handlers map[envelope.Kind]Handler
	logger   *log.Logger
	now      func() time.Time
}

// NewRegistry wires the built-in executors and verifies every known kind
// has one, so an unhandled variant fails at startup rather than mid-turn.
func NewRegistry(deps Deps) (*Registry, error) {
	if deps.Logger == nil {
		deps.Logger = log.New(log.Writer(), "[DISPATCH] ", log.LstdFlags)
	}
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	r := &Registry{
		handlers: make(map[envelope.Kind]Handler),
		logger:   deps.Logger,
		now:      deps.Now,
	}
	r.handlers[envelope.KindTextResponse] = HandlerFunc(r.execTextResponse)
	r.handlers[envelope.KindPlanStateUpdate] = HandlerFunc(r.execPlanUpdate)
	r.handlers[envelope.KindPlanCreation] = newChartExecutor(r, deps.Charts)
	r.handlers[envelope.KindDomAction] = newDomExecutor(r, deps.Cards)
	r.handlers[envelope.KindExecuteCode] = newCodeExecutor(r, deps.Transformer)
	r.handlers[envelope.KindFilter] = HandlerFunc(r.execFilter)
	r.handlers[envelope.KindClarificationRequest] = HandlerFunc(r.execClarification)
	r.handlers[envelope.KindProceed] = HandlerFunc(r.execProceed)

	for _, k := range envelope.Kinds() {
		if _, ok := r.handlers[k]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrHandlerMissing, k)
		}
	}
	return r, nil
}

// Execute routes the action to its executor. The registry itself satisfies
// Handler so guard middleware can wrap it wholesale.
func (r *Registry) Execute(ctx context.Context, run *Run, sess *session.Session, action envelope.Action) Outcome {
	h, ok := r.handlers[action.Kind]
	if !ok {
		r.logger.Printf("run %s: no executor for kind %s", run.ID, action.Kind)
		return Outcome{
			Signal:      SignalHalt,
			Observation: ErrorObservation(action, "unknown_kind", fmt.Sprintf("no executor for kind %s", action.Kind), r.now()),
		}
	}
	out := h.Execute(ctx, run, sess, action)
	run.ObserveTag(action.StateTag)
	sess.SetLastStateTag(action.StateTag)
	return out
}

// ActionRef is the stable observation reference for an action.
func ActionRef(a envelope.Action) string {
	return string(a.Kind) + ":" + a.StepID
}

// SuccessObservation records a completed side effect.
func SuccessObservation(a envelope.Action, outputs, uiDelta map[string]interface{}, now time.Time) session.Observation {
	return session.Observation{
		ActionRef: ActionRef(a),
		Kind:      string(a.Kind),
		Status:    session.ObsSuccess,
		Timestamp: now,
		Outputs:   outputs,
		UIDelta:   uiDelta,
	}
}

// ErrorObservation records a failure with its stable code.
func ErrorObservation(a envelope.Action, code, detail string, now time.Time) session.Observation {
	return session.Observation{
		ActionRef: ActionRef(a),
		Kind:      string(a.Kind),
		Status:    session.ObsError,
		Timestamp: now,
		Outputs:   map[string]interface{}{"error": detail},
		ErrorCode: code,
	}
}

// PendingObservation records a suspension awaiting external input.
func PendingObservation(a envelope.Action, outputs map[string]interface{}, now time.Time) session.Observation {
	return session.Observation{
		ActionRef: ActionRef(a),
		Kind:      string(a.Kind),
		Status:    session.ObsPending,
		Timestamp: now,
		Outputs:   outputs,
	}
}
