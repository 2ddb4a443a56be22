package session

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/griddle-ai/griddle/internal/plan"
)

// MaxObservations caps the append-only observation log per session. Older
// entries are trimmed, never mutated.
const MaxObservations = 50

// MaxHistory caps retained chat messages.
const MaxHistory = 200

var (
	ErrCardNotFound  = errors.New("no card matches")
	ErrCardAmbiguous = errors.New("card title matches more than one card")
	ErrTurnActive    = errors.New("another turn is already active for this session")
	ErrAwaitingReply = errors.New("a clarification is pending; reply to it first")
	ErrNotFound      = errors.New("session not found")
)

// Message is one chat history entry.
type Message struct {
	Role string    `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Card is a rendered result card the model may target by id or title.
type Card struct {
	ID        string                 `json:"id"`
	Title     string                 `json:"title"`
	Kind      string                 `json:"kind"`
	Spec      map[string]interface{} `json:"spec,omitempty"`
	CreatedAt time.Time              `json:"createdAt"`
}

// Observation statuses.
const (
	ObsSuccess = "success"
	ObsError   = "error"
	ObsPending = "pending"
)

// Observation is the immutable record of what actually happened when an
// action dispatched.
type Observation struct {
	ID        string                 `json:"id"`
	ActionRef string                 `json:"actionRef"`
	Kind      string                 `json:"kind"`
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Outputs   map[string]interface{} `json:"outputs,omitempty"`
	ErrorCode string                 `json:"errorCode,omitempty"`
	UIDelta   map[string]interface{} `json:"uiDelta,omitempty"`
}

// Clarification statuses.
const (
	ClarificationPending  = "pending"
	ClarificationResolved = "resolved"
)

// Clarification is a pending question blocking further turns until resolved.
type Clarification struct {
	ID          string    `json:"id"`
	Question    string    `json:"question"`
	Options     []string  `json:"options"`
	TargetField string    `json:"targetField"`
	Status      string    `json:"status"`
	Resolution  string    `json:"resolution,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// LogEntry is one line of the session progress log.
type LogEntry struct {
	At    time.Time `json:"at"`
	Level string    `json:"level"`
	Text  string    `json:"text"`
}

// Session owns all mutable per-conversation state. Readers take snapshots;
// writers replace whole objects under the lock. Exactly one turn may be
// active at a time.
type Session struct {
	id        string
	createdAt time.Time

	mu             sync.RWMutex
	history        []Message
	planState      *plan.State
	observations   []Observation
	cards          []Card
	clarifications map[string]*Clarification
	logs           []LogEntry
	dataset        *View
	lastStateTag   string
	activeRun      string
	updatedAt      time.Time
}

// Snapshot is a consistent read-only view handed to the validator and prompt
// builder.
type Snapshot struct {
	ID                   string
	History              []Message
	Plan                 *plan.State
	Cards                []Card
	Observations         []Observation
	PendingClarification *Clarification
	Dataset              *ViewInfo
	LastStateTag         string
	UpdatedAt            time.Time
}

func newSession(id string, now time.Time) *Session {
	return &Session{
		id:             id,
		createdAt:      now,
		updatedAt:      now,
		clarifications: make(map[string]*Clarification),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// CreatedAt returns session creation time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// UpdatedAt returns the last mutation time.
func (s *Session) UpdatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updatedAt
}

// Snapshot captures the current state. The returned value shares nothing with
// the live session.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		ID:           s.id,
		History:      append([]Message(nil), s.history...),
		Plan:         s.planState.Clone(),
		Cards:        append([]Card(nil), s.cards...),
		Observations: append([]Observation(nil), s.observations...),
		LastStateTag: s.lastStateTag,
		UpdatedAt:    s.updatedAt,
	}
	if c := s.pendingLocked(); c != nil {
		cp := *c
		cp.Options = append([]string(nil), c.Options...)
		snap.PendingClarification = &cp
	}
	if s.dataset != nil {
		snap.Dataset = s.dataset.Info()
	}
	return snap
}

// AppendMessage records a chat entry, trimming history beyond the cap.
func (s *Session) AppendMessage(role, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, Message{Role: role, Text: text, At: time.Now().UTC()})
	if len(s.history) > MaxHistory {
		s.history = s.history[len(s.history)-MaxHistory:]
	}
	s.updatedAt = time.Now().UTC()
}

// Plan returns a deep copy of the current plan state, nil when none exists.
func (s *Session) Plan() *plan.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.planState.Clone()
}

// SetPlan replaces the plan state wholesale.
func (s *Session) SetPlan(p *plan.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.planState = p.Clone()
	s.updatedAt = time.Now().UTC()
}

// AppendObservation appends one immutable record and trims past the cap. The
// observation id is filled when empty.
func (s *Session) AppendObservation(o Observation) Observation {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.Timestamp.IsZero() {
		o.Timestamp = time.Now().UTC()
	}
	s.observations = append(s.observations, o)
	if len(s.observations) > MaxObservations {
		s.observations = s.observations[len(s.observations)-MaxObservations:]
	}
	if s.planState != nil {
		s.planState.ObservationIDs = append(s.planState.ObservationIDs, o.ID)
	}
	s.updatedAt = time.Now().UTC()
	return o
}

// AddCard registers a rendered card, minting an id when absent.
func (s *Session) AddCard(c Card) Card {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	s.cards = append(s.cards, c)
	s.updatedAt = time.Now().UTC()
	return c
}

// RemoveCard drops a card by id.
func (s *Session) RemoveCard(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.cards {
		if c.ID == id {
			s.cards = append(s.cards[:i], s.cards[i+1:]...)
			s.updatedAt = time.Now().UTC()
			return true
		}
	}
	return false
}

// CardByID returns the card with the exact id.
func (s *Session) CardByID(id string) (Card, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.cards {
		if c.ID == id {
			return c, true
		}
	}
	return Card{}, false
}

// ResolveCardTitle finds the one card whose title contains the given text,
// case-insensitively. Zero matches and multiple matches are distinct errors;
// an ambiguous title must surface as a clarification, never a guess.
func (s *Session) ResolveCardTitle(title string) (Card, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return resolveTitle(s.cards, title)
}

func resolveTitle(cards []Card, title string) (Card, error) {
	needle := strings.ToLower(strings.TrimSpace(title))
	if needle == "" {
		return Card{}, ErrCardNotFound
	}
	var found Card
	matches := 0
	for _, c := range cards {
		if strings.Contains(strings.ToLower(c.Title), needle) {
			found = c
			matches++
		}
	}
	switch matches {
	case 0:
		return Card{}, fmt.Errorf("%w: %q", ErrCardNotFound, title)
	case 1:
		return found, nil
	default:
		return Card{}, fmt.Errorf("%w: %q matched %d cards", ErrCardAmbiguous, title, matches)
	}
}

// ResolveSnapshotCardTitle runs the same matcher against a snapshot's cards,
// so validation-time repair and dispatch share one resolution rule.
func ResolveSnapshotCardTitle(cards []Card, title string) (Card, error) {
	return resolveTitle(cards, title)
}

// RegisterClarification stores a pending question and returns it with a fresh
// id.
func (s *Session) RegisterClarification(question string, options []string, targetField string) Clarification {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := &Clarification{
		ID:          uuid.NewString(),
		Question:    question,
		Options:     append([]string(nil), options...),
		TargetField: targetField,
		Status:      ClarificationPending,
		CreatedAt:   time.Now().UTC(),
	}
	s.clarifications[c.ID] = c
	s.updatedAt = time.Now().UTC()
	out := *c
	return out
}

// ResolveClarification records the user's choice.
func (s *Session) ResolveClarification(id, option string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clarifications[id]
	if !ok {
		return fmt.Errorf("clarification %s: %w", id, ErrNotFound)
	}
	if c.Status != ClarificationPending {
		return fmt.Errorf("clarification %s already %s", id, c.Status)
	}
	c.Status = ClarificationResolved
	c.Resolution = option
	s.updatedAt = time.Now().UTC()
	return nil
}

// ExpireClarifications resolves nothing but drops pending questions older
// than ttl. Returns the number expired.
func (s *Session) ExpireClarifications(ttl time.Duration, now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.clarifications {
		if c.Status == ClarificationPending && now.Sub(c.CreatedAt) > ttl {
			c.Status = ClarificationResolved
			c.Resolution = ""
			n++
		}
	}
	if n > 0 {
		s.updatedAt = time.Now().UTC()
	}
	return n
}

func (s *Session) pendingLocked() *Clarification {
	var newest *Clarification
	for _, c := range s.clarifications {
		if c.Status != ClarificationPending {
			continue
		}
		if newest == nil || c.CreatedAt.After(newest.CreatedAt) {
			newest = c
		}
	}
	return newest
}

// PendingClarification returns the newest unresolved question, if any.
func (s *Session) PendingClarification() *Clarification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c := s.pendingLocked(); c != nil {
		cp := *c
		cp.Options = append([]string(nil), c.Options...)
		return &cp
	}
	return nil
}

// AddLog appends one progress log line.
func (s *Session) AddLog(level, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, LogEntry{At: time.Now().UTC(), Level: level, Text: text})
}

// Logs returns a copy of the progress log.
func (s *Session) Logs() []LogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]LogEntry(nil), s.logs...)
}

// SetLastStateTag records the tag of the most recently accepted action.
func (s *Session) SetLastStateTag(tag string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastStateTag = tag
}

// LastStateTag returns the most recently accepted tag.
func (s *Session) LastStateTag() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastStateTag
}

// BeginTurn claims the session for one run. A second concurrent turn or a
// pending clarification defers the message.
func (s *Session) BeginTurn(runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeRun != "" && s.activeRun != runID {
		return fmt.Errorf("%w (run %s)", ErrTurnActive, s.activeRun)
	}
	if c := s.pendingLocked(); c != nil {
		return fmt.Errorf("%w (clarification %s)", ErrAwaitingReply, c.ID)
	}
	s.activeRun = runID
	return nil
}

// EndTurn releases the session claim.
func (s *Session) EndTurn(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeRun == runID {
		s.activeRun = ""
	}
}

// ActiveRun returns the claiming run id, empty when idle.
func (s *Session) ActiveRun() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeRun
}

// SetDataset installs a dataset view, clearing plan, cards and observations:
// a new dataset starts the analysis over.
func (s *Session) SetDataset(v *View) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dataset = v
	s.resetLocked()
}

// Dataset returns the live dataset view. The view has its own lock.
func (s *Session) Dataset() *View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dataset
}

// Reset clears analysis state but keeps the dataset and chat history.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}

func (s *Session) resetLocked() {
	s.planState = nil
	s.observations = nil
	s.cards = nil
	s.clarifications = make(map[string]*Clarification)
	s.lastStateTag = ""
	s.updatedAt = time.Now().UTC()
}

// Store holds sessions in memory behind a RWMutex.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewStore builds an empty in-memory session store.
func NewStore() *Store {
	return &Store{sessions: make(map[string]*Session)}
}

// Create registers a new session, minting an id when none is given.
func (st *Store) Create(id string) *Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	if id == "" {
		id = uuid.NewString()
	}
	s := newSession(id, time.Now().UTC())
	st.sessions[id] = s
	return s
}

// Get looks a session up by id.
func (st *Store) Get(id string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[id]
	return s, ok
}

// Delete removes a session.
func (st *Store) Delete(id string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.sessions, id)
}

// List returns every session in arbitrary order.
func (st *Store) List() []*Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		out = append(out, s)
	}
	return out
}
