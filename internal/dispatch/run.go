// Package dispatch routes validated actions to their executors and tracks
// per-run bookkeeping. One Run is created per turn; its counters never leak
// into other runs.
package dispatch

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/griddle-ai/griddle/internal/envelope"
)

// Bounds enforced across one run.
const (
	// MaxStepViolations is the consecutive step-order misses tolerated
	// before the guard relaxes and force-advances the plan.
	MaxStepViolations = 3

	// MaxCodeAttempts caps execute_code tries per step: the first attempt
	// plus one automatic retry.
	MaxCodeAttempts = 2

	// MaxDispatchRetries caps automatic re-prompts after an executor asks
	// for a retry.
	MaxDispatchRetries = 1

	// MaxValidationRetries caps correction re-prompts before the driver
	// falls back to a single plan-only prompt.
	MaxValidationRetries = 2

	// MaxContinuations caps synthetic re-prompts issued without new user
	// input.
	MaxContinuations = 3

	// ToastInterval is the minimum spacing between user-facing toasts.
	ToastInterval = 8 * time.Second
)

// Run carries the mutable counters for one turn. All methods are safe for
// concurrent use, though actions within a run dispatch strictly in order.
type Run struct {
	ID        string
	SessionID string
	StartedAt time.Time

	mu              sync.Mutex
	stepViolations  int
	lastToast       time.Time
	continuations   int
	validationTries int
	dispatchRetries int
	guardRetries    int
	codeAttempts    map[string]int
	lastTag         string
}

// NewRun mints a run for one turn of the given session.
func NewRun(sessionID string, now time.Time) *Run {
	return &Run{
		ID:           uuid.NewString(),
		SessionID:    sessionID,
		StartedAt:    now,
		codeAttempts: make(map[string]int),
	}
}

// NoteStepViolation records a consecutive step-order miss and returns the
// updated count.
func (r *Run) NoteStepViolation() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stepViolations++
	return r.stepViolations
}

// ResetStepViolations clears the consecutive miss counter after a pass.
func (r *Run) ResetStepViolations() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stepViolations = 0
}

// StepViolations returns the current consecutive miss count.
func (r *Run) StepViolations() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stepViolations
}

// AllowToast reports whether a toast may be shown now, recording the emit
// time when it may. At most one toast goes out per ToastInterval.
func (r *Run) AllowToast(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.lastToast.IsZero() && now.Sub(r.lastToast) < ToastInterval {
		return false
	}
	r.lastToast = now
	return true
}

// NoteContinuation records one synthetic re-prompt and returns the total.
func (r *Run) NoteContinuation() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.continuations++
	return r.continuations
}

// Continuations returns how many synthetic re-prompts this run has used.
func (r *Run) Continuations() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.continuations
}

// NoteValidationRetry records one correction re-prompt and returns the total.
func (r *Run) NoteValidationRetry() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.validationTries++
	return r.validationTries
}

// NoteDispatchRetry records one executor-requested retry and returns the
// total.
func (r *Run) NoteDispatchRetry() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispatchRetries++
	return r.dispatchRetries
}

// NoteGuardRetry records one guard-requested retry and returns the total.
// Guard retries have their own bound so ordering corrections do not eat the
// single executor retry.
func (r *Run) NoteGuardRetry() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.guardRetries++
	return r.guardRetries
}

// NoteCodeAttempt records one execute_code attempt for a step and returns
// how many attempts that step has consumed.
func (r *Run) NoteCodeAttempt(stepID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codeAttempts[stepID]++
	return r.codeAttempts[stepID]
}

// ObserveTag records the latest accepted state tag so synthesized actions
// mint strictly newer ones.
func (r *Run) ObserveTag(tag string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tag != "" {
		r.lastTag = tag
	}
}

// NextTag mints a state tag ordered after everything this run has seen.
func (r *Run) NextTag(now time.Time) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	tag := envelope.DeriveNextState(r.lastTag, now)
	r.lastTag = tag
	return tag
}
