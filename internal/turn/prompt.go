package turn

import (
	"github.com/griddle-ai/griddle/internal/intent"
	"github.com/griddle-ai/griddle/internal/plan"
	"github.com/griddle-ai/griddle/internal/session"
)

// Mode selects how much session material the model sees. The first round
// of a turn carries the dataset preview, chat history, recent observations
// and recall snippets; follow-up rounds shrink to the plan plus column
// metadata so corrections and continuations stay cheap.
type Mode string

const (
	ModeFull     Mode = "full"
	ModePlanOnly Mode = "plan_only"
)

// Prompt sizing. History and observations are tails, newest last.
const (
	fullHistoryLen     = 12
	fullObservationLen = 8
	planOnlyHistoryLen = 4
	recallTopK         = 4
)

// PromptContext is everything a Generator needs to produce the next batch
// of actions. It is a value type assembled from a snapshot, so the model
// call never races turn-side session mutation.
type PromptContext struct {
	SessionID    string                   `json:"sessionId"`
	Mode         Mode                     `json:"mode"`
	UserMessage  string                   `json:"userMessage"`
	Correction   string                   `json:"correction,omitempty"`
	Intent       intent.Detected          `json:"intent"`
	LastStateTag string                   `json:"lastStateTag,omitempty"`
	Plan         *plan.State              `json:"plan,omitempty"`
	Columns      []session.Column         `json:"columns,omitempty"`
	RowCount     int                      `json:"rowCount"`
	Preview      []map[string]interface{} `json:"preview,omitempty"`
	History      []session.Message        `json:"history,omitempty"`
	Observations []session.Observation    `json:"observations,omitempty"`
	Cards        []session.Card           `json:"cards,omitempty"`
	Snippets     []string                 `json:"snippets,omitempty"`
}

// BuildPromptContext assembles the model context from a detached snapshot.
// Correction carries a repair instruction, a retry reason or a continuation
// nudge from the previous round; it is empty on the first round of a turn.
func BuildPromptContext(snap session.Snapshot, det intent.Detected, userMessage string, mode Mode, correction string) PromptContext {
	pc := PromptContext{
		SessionID:    snap.ID,
		Mode:         mode,
		UserMessage:  userMessage,
		Correction:   correction,
		Intent:       det,
		LastStateTag: snap.LastStateTag,
		Plan:         snap.Plan,
	}
	if snap.Dataset != nil {
		pc.Columns = snap.Dataset.Columns
		pc.RowCount = snap.Dataset.RowCount
	}
	if mode == ModePlanOnly {
		pc.History = messageTail(snap.History, planOnlyHistoryLen)
		return pc
	}
	if snap.Dataset != nil {
		pc.Preview = snap.Dataset.Preview
	}
	pc.History = messageTail(snap.History, fullHistoryLen)
	pc.Observations = observationTail(snap.Observations, fullObservationLen)
	pc.Cards = snap.Cards
	return pc
}

func messageTail(msgs []session.Message, n int) []session.Message {
	if len(msgs) <= n {
		return msgs
	}
	return msgs[len(msgs)-n:]
}

func observationTail(obs []session.Observation, n int) []session.Observation {
	if len(obs) <= n {
		return obs
	}
	return obs[len(obs)-n:]
}
