package plan

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Step statuses tracked on a plan step.
const (
	StepReady      = "ready"
	StepInProgress = "in_progress"
	StepDone       = "done"
)

// MinStepIDLen is the minimum length of a usable step identifier.
const MinStepIDLen = 3

// Step is a single unit of work inside a plan.
type Step struct {
	ID     string `json:"id"`
	Label  string `json:"label"`
	Intent string `json:"intent,omitempty"`
	Status string `json:"status,omitempty"`
}

// State is the session-scoped record of goal, steps and progress. It is
// replaced wholesale by every accepted plan update and never mutated in place
// by callers holding a snapshot.
type State struct {
	PlanID         string    `json:"planId"`
	CurrentStepID  string    `json:"currentStepId"`
	Steps          []Step    `json:"steps"`
	Goal           string    `json:"goal"`
	ContextSummary string    `json:"contextSummary,omitempty"`
	Progress       string    `json:"progress"`
	NextSteps      []string  `json:"nextSteps"`
	BlockedBy      string    `json:"blockedBy,omitempty"`
	ObservationIDs []string  `json:"observationIds,omitempty"`
	Confidence     float64   `json:"confidence"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// GreetingStepID names the synthetic step minted when a bare greeting arrives
// before any plan exists.
const GreetingStepID = "acknowledge_user_greeting"

// Normalize trims free text, deduplicates step ids and fills defaulted fields.
// Later duplicates of a step id are dropped; the first occurrence wins.
func (s *State) Normalize(now time.Time) {
	s.Goal = strings.TrimSpace(s.Goal)
	s.Progress = strings.TrimSpace(s.Progress)
	s.ContextSummary = strings.TrimSpace(s.ContextSummary)
	s.BlockedBy = strings.TrimSpace(s.BlockedBy)

	seen := make(map[string]bool, len(s.Steps))
	kept := s.Steps[:0]
	for _, st := range s.Steps {
		st.ID = strings.TrimSpace(st.ID)
		st.Label = strings.TrimSpace(st.Label)
		if st.ID == "" || seen[st.ID] {
			continue
		}
		seen[st.ID] = true
		kept = append(kept, st)
	}
	s.Steps = kept

	next := s.NextSteps[:0]
	for _, id := range s.NextSteps {
		id = strings.TrimSpace(id)
		if id == "" || !seen[id] {
			continue
		}
		next = append(next, id)
	}
	s.NextSteps = next
	if len(s.NextSteps) == 0 {
		for _, st := range s.Steps {
			if st.Status != StepDone {
				s.NextSteps = append(s.NextSteps, st.ID)
			}
		}
	}

	if s.PlanID == "" {
		s.PlanID = "plan-" + strconv.FormatInt(now.UnixMilli(), 10)
	}
	if s.CurrentStepID == "" && len(s.NextSteps) > 0 {
		s.CurrentStepID = s.NextSteps[0]
	}
	if s.Confidence < 0 {
		s.Confidence = 0
	}
	if s.Confidence > 1 {
		s.Confidence = 1
	}
	s.UpdatedAt = now
}

// Validate reports whether the state satisfies the plan invariants. It is
// called on every incoming plan payload after Normalize.
func (s *State) Validate() error {
	if s.Goal == "" {
		return fmt.Errorf("plan goal is required")
	}
	if s.Progress == "" {
		return fmt.Errorf("plan progress is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("plan must declare at least one step")
	}
	seen := make(map[string]bool, len(s.Steps))
	for _, st := range s.Steps {
		if len(st.ID) < MinStepIDLen {
			return fmt.Errorf("step id %q shorter than %d chars", st.ID, MinStepIDLen)
		}
		if seen[st.ID] {
			return fmt.Errorf("duplicate step id %q", st.ID)
		}
		seen[st.ID] = true
		switch st.Status {
		case "", StepReady, StepInProgress, StepDone:
		default:
			return fmt.Errorf("step %q has unknown status %q", st.ID, st.Status)
		}
	}
	for _, id := range s.NextSteps {
		if !seen[id] {
			return fmt.Errorf("nextSteps references unknown step %q", id)
		}
	}
	if s.Remaining() > 0 && len(s.NextSteps) == 0 {
		return fmt.Errorf("nextSteps must not be empty while steps remain")
	}
	if s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("confidence %v outside [0,1]", s.Confidence)
	}
	return nil
}

// Remaining counts steps not yet marked done.
func (s *State) Remaining() int {
	n := 0
	for _, st := range s.Steps {
		if st.Status != StepDone {
			n++
		}
	}
	return n
}

// Pending returns the ordered pending steps, following nextSteps where it is
// populated and falling back to declaration order.
func (s *State) Pending() []Step {
	byID := make(map[string]Step, len(s.Steps))
	for _, st := range s.Steps {
		byID[st.ID] = st
	}
	var out []Step
	for _, id := range s.NextSteps {
		if st, ok := byID[id]; ok && st.Status != StepDone {
			out = append(out, st)
		}
	}
	if len(out) > 0 {
		return out
	}
	for _, st := range s.Steps {
		if st.Status != StepDone {
			out = append(out, st)
		}
	}
	return out
}

// Step returns the step with the given id.
func (s *State) Step(id string) (Step, bool) {
	for _, st := range s.Steps {
		if st.ID == id {
			return st, true
		}
	}
	return Step{}, false
}

// MarkDone transitions a step to done, drops it from nextSteps and advances
// currentStepId to the next pending step.
func (s *State) MarkDone(stepID string, now time.Time) bool {
	found := false
	for i := range s.Steps {
		if s.Steps[i].ID == stepID {
			s.Steps[i].Status = StepDone
			found = true
			break
		}
	}
	if !found {
		return false
	}
	next := s.NextSteps[:0]
	for _, id := range s.NextSteps {
		if id != stepID {
			next = append(next, id)
		}
	}
	s.NextSteps = next
	if pending := s.Pending(); len(pending) > 0 {
		s.CurrentStepID = pending[0].ID
	} else {
		s.CurrentStepID = ""
	}
	s.UpdatedAt = now
	return true
}

// MarkInProgress flips a step to in_progress without touching ordering.
func (s *State) MarkInProgress(stepID string, now time.Time) {
	for i := range s.Steps {
		if s.Steps[i].ID == stepID && s.Steps[i].Status != StepDone {
			s.Steps[i].Status = StepInProgress
			s.UpdatedAt = now
			return
		}
	}
}

// Clone returns a deep copy safe to hand to concurrent readers.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Steps = append([]Step(nil), s.Steps...)
	cp.NextSteps = append([]string(nil), s.NextSteps...)
	cp.ObservationIDs = append([]string(nil), s.ObservationIDs...)
	return &cp
}

// SynthesizeGreeting builds the minimal one-step plan used when a bare
// greeting arrives before any plan exists.
func SynthesizeGreeting(now time.Time) *State {
	s := &State{
		Goal:     "Acknowledge the user's greeting",
		Progress: "Responding to the greeting",
		Steps: []Step{{
			ID:     GreetingStepID,
			Label:  "Acknowledge the user's greeting",
			Status: StepReady,
		}},
		NextSteps:  []string{GreetingStepID},
		Confidence: 1,
	}
	s.Normalize(now)
	return s
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "from": true,
	"into": true, "this": true, "that": true, "then": true, "over": true,
}

// Keywords extracts the normalized keywords of a step label, used by the
// step-order fallback match.
func Keywords(label string) []string {
	var out []string
	var cur strings.Builder
	flush := func() {
		w := strings.ToLower(cur.String())
		cur.Reset()
		if len(w) < 3 || stopwords[w] {
			return
		}
		out = append(out, w)
	}
	for _, r := range label {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			cur.WriteRune(r)
			continue
		}
		flush()
	}
	flush()
	return out
}

// MentionsKeywords reports whether text contains any keyword of the label.
func MentionsKeywords(text, label string) bool {
	lowered := strings.ToLower(text)
	for _, kw := range Keywords(label) {
		if strings.Contains(lowered, kw) {
			return true
		}
	}
	return false
}
