package intent

import (
	"regexp"
	"strings"

	"github.com/griddle-ai/griddle/internal/envelope"
	"github.com/griddle-ai/griddle/internal/session"
)

// Intent kinds the classifier can produce.
const (
	KindGreeting   = "greeting"
	KindFilterRows = "filter_rows"
	KindRemoveCard = "remove_card"
	KindSetTopN    = "set_top_n"
	KindChart      = "create_chart"
	KindTransform  = "transform_rows"
	KindQuestion   = "question"
	KindUnknown    = "unknown"
)

// RequiredTool names the tool a turn must include to honor the user's ask,
// with payload hints the validator may use for repair and synthesis.
type RequiredTool struct {
	Kind         envelope.Kind     `json:"kind"`
	ToolName     string            `json:"toolName,omitempty"`
	PayloadHints map[string]string `json:"payloadHints,omitempty"`
}

// Detected is the classifier verdict. It is read-only to the engine.
type Detected struct {
	Kind         string        `json:"kind"`
	Confidence   float64       `json:"confidence"`
	RequiredTool *RequiredTool `json:"requiredTool,omitempty"`
}

// IsGreeting reports whether the detected intent is the greeting kind.
func (d Detected) IsGreeting() bool { return d.Kind == KindGreeting }

var greetingWords = map[string]bool{
	"hi": true, "hello": true, "hey": true, "yo": true, "hiya": true,
	"howdy": true, "greetings": true, "sup": true, "morning": true,
	"afternoon": true, "evening": true, "thanks": true, "thx": true,
}

// IsBareGreeting reports whether the message is only greeting words and
// punctuation. Such messages never become filter queries.
func IsBareGreeting(message string) bool {
	fields := strings.FieldsFunc(strings.ToLower(message), func(r rune) bool {
		return !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'))
	})
	if len(fields) == 0 || len(fields) > 3 {
		return false
	}
	for _, f := range fields {
		if !greetingWords[f] && f != "good" && f != "there" {
			return false
		}
	}
	return true
}

var topNRe = regexp.MustCompile(`\btop\s+(\d+)\b`)

// Classifier turns a user message and session snapshot into a Detected
// intent via keyword rules. No model call is involved; the verdict only
// nudges validation, so cheap and deterministic beats clever.
type Classifier struct{}

// NewClassifier builds the keyword classifier.
func NewClassifier() *Classifier { return &Classifier{} }

// Classify inspects the message against the snapshot.
func (c *Classifier) Classify(message string, snap session.Snapshot) Detected {
	lowered := strings.ToLower(strings.TrimSpace(message))
	if lowered == "" {
		return Detected{Kind: KindUnknown, Confidence: 0}
	}
	if IsBareGreeting(message) {
		return Detected{Kind: KindGreeting, Confidence: 0.95}
	}

	if m := topNRe.FindStringSubmatch(lowered); m != nil {
		return Detected{
			Kind:       KindSetTopN,
			Confidence: 0.85,
			RequiredTool: &RequiredTool{
				Kind:         envelope.KindDomAction,
				ToolName:     "setTopN",
				PayloadHints: map[string]string{"topN": m[1]},
			},
		}
	}

	if hasAny(lowered, "remove", "delete", "drop", "get rid of") && mentionsCard(lowered, snap.Cards) {
		hints := map[string]string{}
		if card, ok := matchCardTitle(lowered, snap.Cards); ok {
			hints["cardId"] = card.ID
			hints["cardTitle"] = card.Title
		}
		return Detected{
			Kind:       KindRemoveCard,
			Confidence: 0.8,
			RequiredTool: &RequiredTool{
				Kind:         envelope.KindDomAction,
				ToolName:     "removeCard",
				PayloadHints: hints,
			},
		}
	}

	if hasAny(lowered, "filter", "only show", "show only", "just show", "rows where", "narrow") {
		hints := map[string]string{}
		if q := extractFilterQuery(message); q != "" {
			hints["query"] = q
		}
		return Detected{
			Kind:       KindFilterRows,
			Confidence: 0.8,
			RequiredTool: &RequiredTool{
				Kind:         envelope.KindFilter,
				PayloadHints: hints,
			},
		}
	}

	if hasAny(lowered, "chart", "plot", "graph", "visualize", "visualise") {
		return Detected{
			Kind:       KindChart,
			Confidence: 0.75,
			RequiredTool: &RequiredTool{
				Kind:         envelope.KindPlanCreation,
				PayloadHints: map[string]string{"request": strings.TrimSpace(message)},
			},
		}
	}

	if hasAny(lowered, "add a column", "add column", "compute", "calculate", "derive", "transform") {
		return Detected{
			Kind:       KindTransform,
			Confidence: 0.7,
			RequiredTool: &RequiredTool{
				Kind:         envelope.KindExecuteCode,
				PayloadHints: map[string]string{"request": strings.TrimSpace(message)},
			},
		}
	}

	if strings.HasSuffix(lowered, "?") {
		return Detected{Kind: KindQuestion, Confidence: 0.5}
	}
	return Detected{Kind: KindUnknown, Confidence: 0.3}
}

func hasAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func mentionsCard(lowered string, cards []session.Card) bool {
	if hasAny(lowered, "card", "chart", "graph", "table") {
		return true
	}
	_, ok := matchCardTitle(lowered, cards)
	return ok
}

func matchCardTitle(lowered string, cards []session.Card) (session.Card, bool) {
	for _, c := range cards {
		title := strings.ToLower(c.Title)
		if title != "" && strings.Contains(lowered, title) {
			return c, true
		}
	}
	return session.Card{}, false
}

// extractFilterQuery keeps the user's own words after a filter verb so repair
// never invents content.
func extractFilterQuery(message string) string {
	lowered := strings.ToLower(message)
	for _, marker := range []string{"filter to", "filter by", "filter for", "filter on", "only show", "show only", "just show", "rows where", "filter"} {
		if idx := strings.Index(lowered, marker); idx >= 0 {
			rest := strings.TrimSpace(message[idx+len(marker):])
			rest = strings.Trim(rest, " .!?")
			if len(rest) >= 3 {
				return rest
			}
		}
	}
	return ""
}
