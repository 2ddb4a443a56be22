package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/griddle-ai/griddle/internal/envelope"
	"github.com/griddle-ai/griddle/internal/session"
)

// Stable error codes attached to observations.
const (
	CodeDatasetMissing  = "dataset_missing"
	CodeCardNotFound    = "card_not_found"
	CodeCardAmbiguous   = "card_ambiguous"
	CodeColumnNotFound  = "column_not_found"
	CodePlanInvalid     = "plan_invalid"
	CodeTransformFailed = "transform_failed"
	CodeChartFailed     = "chart_failed"
	CodeUnknownTool     = "unknown_tool"
)

func (r *Registry) execTextResponse(ctx context.Context, run *Run, sess *session.Session, a envelope.Action) Outcome {
	sess.AppendMessage("assistant", a.Text.Text)
	outputs := map[string]interface{}{"text": a.Text.Text}
	return Outcome{Signal: SignalContinue, Observation: SuccessObservation(a, outputs, nil, r.now())}
}

// execPlanUpdate normalizes the incoming plan and stores it wholesale. A
// payload that still fails validation after normalization is sent back for
// one more try rather than stored half-broken.
func (r *Registry) execPlanUpdate(ctx context.Context, run *Run, sess *session.Session, a envelope.Action) Outcome {
	now := r.now()
	p := a.PlanUpdate.Plan.Clone()
	p.Normalize(now)
	if err := p.Validate(); err != nil {
		return Outcome{
			Signal:      SignalRetry,
			RetryReason: fmt.Sprintf("the plan update was invalid after normalization: %v; resend a fully populated plan", err),
			Observation: ErrorObservation(a, CodePlanInvalid, err.Error(), now),
		}
	}
	sess.SetPlan(p)
	outputs := map[string]interface{}{
		"planId":    p.PlanID,
		"stepCount": len(p.Steps),
		"remaining": p.Remaining(),
	}
	return Outcome{Signal: SignalContinue, Observation: SuccessObservation(a, outputs, nil, now)}
}

type chartExecutor struct {
	reg    *Registry
	charts ChartBuilder
}

func newChartExecutor(reg *Registry, charts ChartBuilder) *chartExecutor {
	return &chartExecutor{reg: reg, charts: charts}
}

func (e *chartExecutor) Execute(ctx context.Context, run *Run, sess *session.Session, a envelope.Action) Outcome {
	now := e.reg.now()
	if sess.Dataset() == nil {
		// Validation rejects this before dispatch; kept as a hard stop for
		// callers that skip the validator.
		return Outcome{Signal: SignalHalt, Observation: ErrorObservation(a, CodeDatasetMissing, "no dataset loaded", now)}
	}
	if e.charts == nil {
		return Outcome{Signal: SignalHalt, Observation: ErrorObservation(a, CodeChartFailed, "chart building is not configured", now)}
	}
	card, err := e.charts.Build(ctx, sess.Snapshot(), a.CardPlan.Plan)
	if err != nil {
		return Outcome{Signal: SignalHalt, Observation: ErrorObservation(a, CodeChartFailed, err.Error(), now)}
	}
	card = sess.AddCard(card)
	outputs := map[string]interface{}{"cardId": card.ID, "title": card.Title}
	uiDelta := map[string]interface{}{"cardAdded": card.ID}
	return Outcome{Signal: SignalContinue, Observation: SuccessObservation(a, outputs, uiDelta, now)}
}

type domExecutor struct {
	reg  *Registry
	sink CardSink
}

func newDomExecutor(reg *Registry, sink CardSink) *domExecutor {
	return &domExecutor{reg: reg, sink: sink}
}

func (e *domExecutor) Execute(ctx context.Context, run *Run, sess *session.Session, a envelope.Action) Outcome {
	switch a.Dom.Tool {
	case envelope.DomRemoveCard:
		return e.removeCard(ctx, sess, a)
	case envelope.DomFocusCard:
		return e.focusCard(ctx, sess, a)
	case envelope.DomSetTopN:
		return e.setTopN(ctx, sess, a)
	case envelope.DomSortBy:
		return e.sortBy(ctx, sess, a)
	}
	now := e.reg.now()
	return Outcome{Signal: SignalHalt, Observation: ErrorObservation(a, CodeUnknownTool, fmt.Sprintf("unknown dom tool %q", a.Dom.Tool), now)}
}

// removeCard treats an already-absent card as satisfied: removing what is
// gone reports skipped, never an error.
func (e *domExecutor) removeCard(ctx context.Context, sess *session.Session, a envelope.Action) Outcome {
	now := e.reg.now()
	card, skipped, out := e.resolveCard(sess, a, true)
	if out != nil {
		return *out
	}
	if skipped {
		return Outcome{Signal: SignalContinue, Observation: SuccessObservation(a, map[string]interface{}{"skipped": true}, nil, now)}
	}
	if !sess.RemoveCard(card.ID) {
		return Outcome{Signal: SignalContinue, Observation: SuccessObservation(a, map[string]interface{}{"skipped": true}, nil, now)}
	}
	e.notify(ctx, sess.ID(), envelope.DomRemoveCard, map[string]interface{}{"cardId": card.ID})
	outputs := map[string]interface{}{"cardId": card.ID}
	uiDelta := map[string]interface{}{"cardRemoved": card.ID}
	return Outcome{Signal: SignalContinue, Observation: SuccessObservation(a, outputs, uiDelta, now)}
}

func (e *domExecutor) focusCard(ctx context.Context, sess *session.Session, a envelope.Action) Outcome {
	now := e.reg.now()
	card, _, out := e.resolveCard(sess, a, false)
	if out != nil {
		return *out
	}
	e.notify(ctx, sess.ID(), envelope.DomFocusCard, map[string]interface{}{"cardId": card.ID})
	outputs := map[string]interface{}{"cardId": card.ID}
	uiDelta := map[string]interface{}{"focusedCard": card.ID}
	return Outcome{Signal: SignalContinue, Observation: SuccessObservation(a, outputs, uiDelta, now)}
}

// resolveCard finds the target card by id, then by unique title match.
// With absentOK the caller treats a missing card as a satisfied no-op.
func (e *domExecutor) resolveCard(sess *session.Session, a envelope.Action, absentOK bool) (session.Card, bool, *Outcome) {
	now := e.reg.now()
	if id, ok := a.Dom.Args["cardId"].(string); ok && id != "" {
		card, found := sess.CardByID(id)
		if found {
			return card, false, nil
		}
		if absentOK {
			return session.Card{}, true, nil
		}
		out := Outcome{Signal: SignalHalt, Observation: ErrorObservation(a, CodeCardNotFound, fmt.Sprintf("no card with id %q", id), now)}
		return session.Card{}, false, &out
	}
	title, _ := a.Dom.Args["cardTitle"].(string)
	card, err := sess.ResolveCardTitle(title)
	if err == nil {
		return card, false, nil
	}
	if errors.Is(err, session.ErrCardAmbiguous) {
		out := Outcome{Signal: SignalHalt, Observation: ErrorObservation(a, CodeCardAmbiguous, fmt.Sprintf("multiple cards match %q", title), now)}
		return session.Card{}, false, &out
	}
	if absentOK {
		return session.Card{}, true, nil
	}
	out := Outcome{Signal: SignalHalt, Observation: ErrorObservation(a, CodeCardNotFound, fmt.Sprintf("no card matches %q", title), now)}
	return session.Card{}, false, &out
}

func (e *domExecutor) setTopN(ctx context.Context, sess *session.Session, a envelope.Action) Outcome {
	now := e.reg.now()
	view := sess.Dataset()
	if view == nil {
		return Outcome{Signal: SignalHalt, Observation: ErrorObservation(a, CodeDatasetMissing, "no dataset loaded", now)}
	}
	n, _ := intArg(a.Dom.Args, "topN")
	outputs := map[string]interface{}{"topN": n}
	if !view.SetTopN(n) {
		outputs["skipped"] = true
		return Outcome{Signal: SignalContinue, Observation: SuccessObservation(a, outputs, nil, now)}
	}
	e.notify(ctx, sess.ID(), envelope.DomSetTopN, map[string]interface{}{"topN": n})
	uiDelta := map[string]interface{}{"topN": n}
	return Outcome{Signal: SignalContinue, Observation: SuccessObservation(a, outputs, uiDelta, now)}
}

func (e *domExecutor) sortBy(ctx context.Context, sess *session.Session, a envelope.Action) Outcome {
	now := e.reg.now()
	view := sess.Dataset()
	if view == nil {
		return Outcome{Signal: SignalHalt, Observation: ErrorObservation(a, CodeDatasetMissing, "no dataset loaded", now)}
	}
	column, _ := a.Dom.Args["column"].(string)
	direction, _ := a.Dom.Args["direction"].(string)
	if !view.HasColumn(column) {
		return Outcome{
			Signal:      SignalRetry,
			RetryReason: fmt.Sprintf("column %q does not exist; available columns: %s", column, strings.Join(view.ColumnNames(), ", ")),
			Observation: ErrorObservation(a, CodeColumnNotFound, fmt.Sprintf("no column %q", column), now),
		}
	}
	outputs := map[string]interface{}{"column": column, "direction": direction}
	if !view.Sort(column, direction) {
		outputs["skipped"] = true
		return Outcome{Signal: SignalContinue, Observation: SuccessObservation(a, outputs, nil, now)}
	}
	e.notify(ctx, sess.ID(), envelope.DomSortBy, map[string]interface{}{"column": column, "direction": direction})
	uiDelta := map[string]interface{}{"sortedBy": column}
	return Outcome{Signal: SignalContinue, Observation: SuccessObservation(a, outputs, uiDelta, now)}
}

// notify pushes the mutation to the rendering surface. Failures are logged
// and swallowed; the session state is already authoritative.
func (e *domExecutor) notify(ctx context.Context, sessionID, tool string, args map[string]interface{}) {
	if e.sink == nil {
		return
	}
	if err := e.sink.Execute(ctx, sessionID, tool, args); err != nil {
		e.reg.logger.Printf("card sink %s failed for session %s: %v", tool, sessionID, err)
	}
}

type codeExecutor struct {
	reg *Registry
	tx  Transformer
}

func newCodeExecutor(reg *Registry, tx Transformer) *codeExecutor {
	return &codeExecutor{reg: reg, tx: tx}
}

// Execute runs the sandboxed transform with a budget of one automatic retry.
// A missing dataset halts immediately; retrying cannot conjure one.
func (e *codeExecutor) Execute(ctx context.Context, run *Run, sess *session.Session, a envelope.Action) Outcome {
	now := e.reg.now()
	view := sess.Dataset()
	if view == nil {
		return Outcome{Signal: SignalHalt, Observation: ErrorObservation(a, CodeDatasetMissing, "no dataset loaded", now)}
	}
	if e.tx == nil {
		return Outcome{Signal: SignalHalt, Observation: ErrorObservation(a, CodeTransformFailed, "code execution is not configured", now)}
	}
	attempt := run.NoteCodeAttempt(a.StepID)
	rows, meta, err := e.tx.ApplyTransform(ctx, view.Columns(), view.Rows(), a.Code.Body)
	if err != nil {
		if attempt < MaxCodeAttempts {
			return Outcome{
				Signal:      SignalRetry,
				RetryReason: fmt.Sprintf("the code failed: %v; fix the code body and resend the execute_code action", err),
				Observation: ErrorObservation(a, CodeTransformFailed, err.Error(), now),
			}
		}
		return Outcome{
			Signal:      SignalHalt,
			Observation: ErrorObservation(a, CodeTransformFailed, fmt.Sprintf("giving up after %d attempts: %v", attempt, err), now),
		}
	}
	view.ReplaceRows(rows)
	outputs := map[string]interface{}{
		"rowsBefore": meta.RowsBefore,
		"rowsAfter":  meta.RowsAfter,
		"removed":    meta.Removed,
		"added":      meta.Added,
		"modified":   meta.Modified,
	}
	uiDelta := map[string]interface{}{"dataset": "updated"}
	return Outcome{Signal: SignalContinue, Observation: SuccessObservation(a, outputs, uiDelta, now)}
}

// execFilter always succeeds once a query exists; repair guarantees one.
func (r *Registry) execFilter(ctx context.Context, run *Run, sess *session.Session, a envelope.Action) Outcome {
	now := r.now()
	view := sess.Dataset()
	if view == nil {
		return Outcome{Signal: SignalHalt, Observation: ErrorObservation(a, CodeDatasetMissing, "no dataset loaded", now)}
	}
	matched := view.ApplyQuery(a.Filter.Query)
	outputs := map[string]interface{}{"query": a.Filter.Query, "matched": matched}
	uiDelta := map[string]interface{}{"filter": a.Filter.Query}
	return Outcome{Signal: SignalContinue, Observation: SuccessObservation(a, outputs, uiDelta, now)}
}

// execClarification auto-resolves when domain filtering leaves exactly one
// option; otherwise it registers the question and suspends the turn.
func (r *Registry) execClarification(ctx context.Context, run *Run, sess *session.Session, a envelope.Action) Outcome {
	now := r.now()
	options := filterOptions(sess, a.Clarification.Options, a.Clarification.TargetField)
	if len(options) == 1 {
		outputs := map[string]interface{}{
			"autoResolved": options[0],
			"targetField":  a.Clarification.TargetField,
		}
		return Outcome{Signal: SignalContinue, Observation: SuccessObservation(a, outputs, nil, now)}
	}
	if len(options) == 0 {
		options = a.Clarification.Options
	}
	c := sess.RegisterClarification(a.Clarification.Question, options, a.Clarification.TargetField)
	sess.AppendMessage("assistant", formatClarification(a.Clarification.Question, options))
	outputs := map[string]interface{}{"clarificationId": c.ID, "options": options}
	return Outcome{Signal: SignalHalt, Observation: PendingObservation(a, outputs, now)}
}

// filterOptions keeps the options that plausibly name something in the
// session: column names for column questions, card titles for card
// questions, either for anything else.
func filterOptions(sess *session.Session, options []string, targetField string) []string {
	var candidates []string
	field := strings.ToLower(targetField)
	if view := sess.Dataset(); view != nil && field != "card" {
		candidates = append(candidates, view.ColumnNames()...)
	}
	if field != "column" {
		for _, c := range sess.Snapshot().Cards {
			candidates = append(candidates, c.Title)
		}
	}
	if len(candidates) == 0 {
		return options
	}
	var kept []string
	for _, opt := range options {
		lo := strings.ToLower(strings.TrimSpace(opt))
		if lo == "" {
			continue
		}
		for _, cand := range candidates {
			lc := strings.ToLower(cand)
			if strings.Contains(lc, lo) || strings.Contains(lo, lc) {
				kept = append(kept, opt)
				break
			}
		}
	}
	return kept
}

func formatClarification(question string, options []string) string {
	var b strings.Builder
	b.WriteString(question)
	for i, opt := range options {
		b.WriteString(fmt.Sprintf("\n%d. %s", i+1, opt))
	}
	return b.String()
}

// execProceed acknowledges the model's explicit no-op.
func (r *Registry) execProceed(ctx context.Context, run *Run, sess *session.Session, a envelope.Action) Outcome {
	return Outcome{
		Signal:      SignalContinue,
		Observation: SuccessObservation(a, map[string]interface{}{"noop": true}, nil, r.now()),
	}
}

// intArg reads a numeric argument that may arrive as a JSON float or an int.
func intArg(args map[string]interface{}, key string) (int, bool) {
	switch v := args[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	}
	return 0, false
}
