package validate

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/griddle-ai/griddle/internal/envelope"
	"github.com/griddle-ai/griddle/internal/intent"
	"github.com/griddle-ai/griddle/internal/plan"
	"github.com/griddle-ai/griddle/internal/session"
)

// Filter query length bounds after repair.
const (
	MinFilterQueryLen = 3
	MaxFilterQueryLen = 200
)

// MinCodeExplanationLen guards execute_code explanations.
const MinCodeExplanationLen = 10

// checkPayload applies the kind-specific rules to one action, repairing in
// place where the rules allow. A nil return means the action passed.
func checkPayload(a *envelope.Action, idx int, in Input) *Result {
	switch a.Kind {
	case envelope.KindTextResponse:
		if strings.TrimSpace(a.Text.Text) == "" {
			r := reject(CodePayloadInvalid, idx,
				"The model sent an empty message; I asked it to try again.",
				fmt.Sprintf("Action %d text_response has empty text. Resend with the message text filled in.", idx))
			return &r
		}
	case envelope.KindPlanCreation:
		if in.Snapshot.Dataset == nil || in.Snapshot.Dataset.RowCount == 0 {
			r := reject(CodeDatasetMissing, idx,
				"There's no dataset loaded yet, so I can't build that card. Load a CSV first.",
				"No dataset is loaded; plan_creation cannot run. Respond with a text_response explaining that a dataset is required.")
			return &r
		}
		if len(a.CardPlan.Plan) == 0 {
			r := reject(CodePayloadInvalid, idx,
				"The card request was empty; I asked the model to fill it in.",
				fmt.Sprintf("Action %d plan_creation has an empty plan payload. Include the card spec (title, chart type, columns).", idx))
			return &r
		}
	case envelope.KindDomAction:
		if r := checkDomAction(a, in, idx); r != nil {
			return r
		}
	case envelope.KindExecuteCode:
		if len(strings.TrimSpace(a.Code.Explanation)) < MinCodeExplanationLen {
			r := reject(CodePayloadInvalid, idx,
				"The model didn't explain its code change; I asked for an explanation.",
				fmt.Sprintf("Action %d execute_code needs an explanation of at least %d characters describing the transform.", idx, MinCodeExplanationLen))
			return &r
		}
		if !strings.Contains(a.Code.Body, "return") {
			r := reject(CodePayloadInvalid, idx,
				"The proposed code change was incomplete; I asked the model to fix it.",
				fmt.Sprintf("Action %d execute_code body must return the transformed rows (no return statement found).", idx))
			return &r
		}
	case envelope.KindFilter:
		if r := checkFilter(a, in, idx); r != nil {
			return r
		}
	case envelope.KindClarificationRequest:
		if strings.TrimSpace(a.Clarification.Question) == "" {
			r := reject(CodePayloadInvalid, idx,
				"The model wanted to ask you something but lost the question; retrying.",
				fmt.Sprintf("Action %d clarification_request has an empty question.", idx))
			return &r
		}
		if len(a.Clarification.Options) == 0 {
			r := reject(CodePayloadInvalid, idx,
				"The model asked a question without offering choices; retrying.",
				fmt.Sprintf("Action %d clarification_request must offer at least one option.", idx))
			return &r
		}
	case envelope.KindPlanStateUpdate, envelope.KindProceed:
		// plan payloads were checked in full already; proceed carries nothing.
	}
	return nil
}

// checkDomAction validates the tool name and argument shape, resolving a
// missing card identifier via the intent hint and then the unique title
// match. Ambiguity is never guessed away.
func checkDomAction(a *envelope.Action, in Input, idx int) *Result {
	tool := strings.TrimSpace(a.Dom.Tool)
	if !envelope.KnownDomTool(tool) {
		r := reject(CodePayloadInvalid, idx,
			"The model tried an unknown card operation; I asked it to use a supported one.",
			fmt.Sprintf("Action %d dom_action tool %q is unknown. Supported tools: %s.", idx, tool, strings.Join(envelope.DomTools(), ", ")))
		return &r
	}
	if a.Dom.Args == nil {
		a.Dom.Args = map[string]interface{}{}
	}
	switch tool {
	case envelope.DomRemoveCard, envelope.DomFocusCard:
		if r := resolveCardArg(a, in, idx); r != nil {
			return r
		}
	case envelope.DomSetTopN:
		n, ok := intArg(a.Dom.Args, "topN")
		if !ok {
			if hint, okHint := intentHint(in.Intent, "topN"); okHint {
				if parsed, err := strconv.Atoi(hint); err == nil {
					a.Dom.Args["topN"] = float64(parsed)
					n, ok = parsed, true
				}
			}
		}
		if !ok || n < 1 {
			r := reject(CodePayloadInvalid, idx,
				"The model didn't say how many rows to keep; retrying.",
				fmt.Sprintf("Action %d dom_action setTopN needs args.topN as a positive integer.", idx))
			return &r
		}
	case envelope.DomSortBy:
		col, _ := a.Dom.Args["column"].(string)
		if strings.TrimSpace(col) == "" {
			r := reject(CodePayloadInvalid, idx,
				"The model didn't say which column to sort by; retrying.",
				fmt.Sprintf("Action %d dom_action sortBy needs args.column.", idx))
			return &r
		}
		if dir, ok := a.Dom.Args["direction"].(string); ok && dir != "" && dir != "asc" && dir != "desc" {
			r := reject(CodePayloadInvalid, idx,
				"The sort direction was invalid; retrying.",
				fmt.Sprintf("Action %d dom_action sortBy direction must be asc or desc, got %q.", idx, dir))
			return &r
		}
	}
	return nil
}

// resolveCardArg fills args.cardId from the intent hint or a unique title
// match. The original title argument is kept alongside the resolved id.
func resolveCardArg(a *envelope.Action, in Input, idx int) *Result {
	if id, ok := a.Dom.Args["cardId"].(string); ok && strings.TrimSpace(id) != "" {
		return nil
	}
	if hint, ok := intentHint(in.Intent, "cardId"); ok {
		a.Dom.Args["cardId"] = hint
		noteRepair("card_id")
		return nil
	}
	title, _ := a.Dom.Args["cardTitle"].(string)
	if strings.TrimSpace(title) == "" {
		if hint, ok := intentHint(in.Intent, "cardTitle"); ok {
			title = hint
		}
	}
	if strings.TrimSpace(title) == "" {
		r := reject(CodePayloadInvalid, idx,
			"I couldn't tell which card the model meant; retrying.",
			fmt.Sprintf("Action %d dom_action %s needs args.cardId or args.cardTitle.", idx, a.Dom.Tool))
		return &r
	}
	card, err := session.ResolveSnapshotCardTitle(in.Snapshot.Cards, title)
	if err != nil {
		if errors.Is(err, session.ErrCardAmbiguous) {
			r := reject(CodeCardAmbiguous, idx,
				fmt.Sprintf("More than one card matches %q. Which one did you mean?", title),
				fmt.Sprintf("Action %d: card title %q matches multiple cards. Ask a clarification_request listing the matching card titles instead.", idx, title))
			return &r
		}
		r := reject(CodeCardNotFound, idx,
			fmt.Sprintf("I couldn't find a card matching %q.", title),
			fmt.Sprintf("Action %d: no card title contains %q. Current cards: %s.", idx, title, cardTitles(in.Snapshot.Cards)))
		return &r
	}
	a.Dom.Args["cardId"] = card.ID
	noteRepair("card_id")
	return nil
}

// checkFilter repairs an empty query from the intent hint, the user's own
// message, or the sentinel, then enforces length bounds.
func checkFilter(a *envelope.Action, in Input, idx int) *Result {
	query := strings.TrimSpace(a.Filter.Query)
	if query == "" {
		query = repairFilterQuery(in.Intent, in.UserMessage)
		a.Filter.Query = query
		noteRepair("filter_query")
	}
	if len(query) < MinFilterQueryLen || len(query) > MaxFilterQueryLen {
		r := reject(CodePayloadInvalid, idx,
			"The filter request didn't make sense; I asked the model to restate it.",
			fmt.Sprintf("Action %d filter query must be %d-%d characters, got %d.", idx, MinFilterQueryLen, MaxFilterQueryLen, len(query)))
		return &r
	}
	return nil
}

// repairFilterQuery is the gap-filling chain for an empty filter query. The
// greeting text itself never becomes a query; the sentinel shows everything.
func repairFilterQuery(det intent.Detected, userMessage string) string {
	if hint, ok := intentHint(det, "query"); ok {
		return hint
	}
	if !intent.IsBareGreeting(userMessage) && alphanumericCount(userMessage) >= MinFilterQueryLen {
		return strings.TrimSpace(userMessage)
	}
	return session.ShowAllQuery
}

// enforceRequiredTool appends a synthesized action for the intent's required
// tool when the turn lacks it and the cap leaves room. Only filter and
// dom_action carry enough hint payload to synthesize safely; other kinds
// reject so the model supplies them itself.
func enforceRequiredTool(actions *[]envelope.Action, in Input, effectivePlan *plan.State, now time.Time) *Result {
	req := in.Intent.RequiredTool
	if req == nil {
		return nil
	}
	for _, a := range *actions {
		if a.Kind != req.Kind {
			continue
		}
		if req.Kind == envelope.KindDomAction && req.ToolName != "" && a.Dom.Tool != req.ToolName {
			continue
		}
		return nil
	}

	missing := string(req.Kind)
	if req.ToolName != "" {
		missing = fmt.Sprintf("%s(%s)", req.Kind, req.ToolName)
	}
	if len(*actions) >= MaxActionsPerTurn {
		r := reject(CodeRequiredTool, -1,
			"The model skipped the operation you asked for; I sent it back to include it.",
			fmt.Sprintf("The user asked for %s but your %d actions leave no room for it. Resend with %s as one of at most %d actions.", missing, len(*actions), missing, MaxActionsPerTurn))
		return &r
	}

	synth, ok := synthesizeRequired(req, in, effectivePlan, lastTag(*actions), now)
	if !ok {
		r := reject(CodeRequiredTool, -1,
			"The model skipped the operation you asked for; I sent it back to include it.",
			fmt.Sprintf("The user's request requires %s but your reply does not include it. Resend with %s included.", missing, missing))
		return &r
	}
	*actions = append(*actions, synth)
	noteRepair("required_tool")
	return nil
}

func synthesizeRequired(req *intent.RequiredTool, in Input, effectivePlan *plan.State, prevTag string, now time.Time) (envelope.Action, bool) {
	a := envelope.Action{
		Kind:     req.Kind,
		StepID:   synthStepID(effectivePlan),
		StateTag: envelope.DeriveNextState(prevTag, now),
		Reason:   "added automatically to honor the user's explicit request",
	}
	switch req.Kind {
	case envelope.KindFilter:
		query := repairFilterQuery(in.Intent, in.UserMessage)
		if len(query) < MinFilterQueryLen || len(query) > MaxFilterQueryLen {
			query = session.ShowAllQuery
		}
		a.Filter = &envelope.FilterPayload{Query: query}
	case envelope.KindDomAction:
		args := map[string]interface{}{}
		if id, ok := req.PayloadHints["cardId"]; ok {
			args["cardId"] = id
		}
		if title, ok := req.PayloadHints["cardTitle"]; ok {
			args["cardTitle"] = title
		}
		if nStr, ok := req.PayloadHints["topN"]; ok {
			if n, err := strconv.Atoi(nStr); err == nil {
				args["topN"] = float64(n)
			}
		}
		switch req.ToolName {
		case envelope.DomRemoveCard, envelope.DomFocusCard:
			if _, hasID := args["cardId"]; !hasID {
				title, _ := args["cardTitle"].(string)
				card, err := session.ResolveSnapshotCardTitle(in.Snapshot.Cards, title)
				if err != nil {
					return envelope.Action{}, false
				}
				args["cardId"] = card.ID
			}
		case envelope.DomSetTopN:
			if _, ok := args["topN"]; !ok {
				return envelope.Action{}, false
			}
		default:
			return envelope.Action{}, false
		}
		a.Dom = &envelope.DomActionPayload{Tool: req.ToolName, Args: args}
	default:
		// Synthesizing code or chart specs would be guessing user intent.
		return envelope.Action{}, false
	}
	return a, true
}

func synthStepID(p *plan.State) string {
	if p != nil {
		if pending := p.Pending(); len(pending) > 0 {
			return pending[0].ID
		}
	}
	return envelope.AdhocStepID
}

func lastTag(actions []envelope.Action) string {
	if len(actions) == 0 {
		return ""
	}
	return actions[len(actions)-1].StateTag
}

func intentHint(det intent.Detected, key string) (string, bool) {
	if det.RequiredTool == nil {
		return "", false
	}
	v, ok := det.RequiredTool.PayloadHints[key]
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return v, true
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

func alphanumericCount(s string) int {
	n := 0
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			n++
		}
	}
	return n
}

func cardTitles(cards []session.Card) string {
	if len(cards) == 0 {
		return "(none)"
	}
	titles := make([]string, len(cards))
	for i, c := range cards {
		titles[i] = strconv.Quote(c.Title)
	}
	return strings.Join(titles, ", ")
}

