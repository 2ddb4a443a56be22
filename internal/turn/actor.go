package turn

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/griddle-ai/griddle/internal/session"
)

// Command is the single message type accepted by an Actor. Kind selects
// the variant; unused fields stay zero.
type Command struct {
	Kind            CommandKind `json:"kind"`
	Message         string      `json:"message,omitempty"`
	ClarificationID string      `json:"clarificationId,omitempty"`
	Option          string      `json:"option,omitempty"`

	// reply, when set by SendAndWait, receives the terminal Result of the
	// turn this command triggers. Parked commands answer when they drain.
	reply chan Result
}

type CommandKind string

const (
	CmdUserMessage          CommandKind = "user_message"
	CmdResolveClarification CommandKind = "resolve_clarification"
	CmdCancel               CommandKind = "cancel"
	CmdShutdown             CommandKind = "shutdown"
)

// Event is the single message type an Actor emits. The first event on a
// fresh actor is always ready; senders may rely on that handshake before
// issuing commands, though commands queued earlier are not lost.
type Event struct {
	Kind          EventKind              `json:"kind"`
	SessionID     string                 `json:"sessionId"`
	RunID         string                 `json:"runId,omitempty"`
	Text          string                 `json:"text,omitempty"`
	ErrorCode     string                 `json:"errorCode,omitempty"`
	Observation   *session.Observation   `json:"observation,omitempty"`
	Clarification *session.Clarification `json:"clarification,omitempty"`
	Result        *Result                `json:"result,omitempty"`
	At            time.Time              `json:"at"`
}

type EventKind string

const (
	EvReady                EventKind = "ready"
	EvProgress             EventKind = "progress"
	EvActionDone           EventKind = "action_done"
	EvClarificationPending EventKind = "clarification_pending"
	EvTurnDone             EventKind = "turn_done"
	EvTurnFailed           EventKind = "turn_failed"
)

var (
	ErrActorClosed  = errors.New("actor is shut down")
	ErrMailboxFull  = errors.New("actor mailbox is full")
	errEventsStuck  = errors.New("actor event buffer is full")
	mailboxDepth    = 64
	eventDepth      = 64
	emitStallReport = 5 * time.Second
)

// Actor serializes all turn processing for one session onto a single
// goroutine. Commands arrive on one channel, events leave on another.
// User messages that land while a clarification is pending are parked in
// order and replayed once the question is answered; cancel takes effect
// immediately instead of queueing behind the running turn.
type Actor struct {
	driver *Driver
	sess   *session.Session
	logger *log.Logger

	cmds   chan Command
	events chan Event
	quit   chan struct{}
	done   chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
	closed bool

	deferred []Command
}

// NewActor starts the actor goroutine and returns immediately. The caller
// owns the event channel and must drain it; Close stops the actor.
func NewActor(driver *Driver, sess *session.Session, logger *log.Logger) *Actor {
	if logger == nil {
		logger = log.New(log.Writer(), "[ACTOR] ", log.LstdFlags)
	}
	a := &Actor{
		driver: driver,
		sess:   sess,
		logger: logger,
		cmds:   make(chan Command, mailboxDepth),
		events: make(chan Event, eventDepth),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

// Events exposes the outbound event stream. The channel closes when the
// actor shuts down.
func (a *Actor) Events() <-chan Event { return a.events }

// Done closes once the actor goroutine has exited.
func (a *Actor) Done() <-chan struct{} { return a.done }

// Send enqueues a command. Cancel and shutdown act out of band: cancel
// interrupts the running turn right away, shutdown stops the actor.
func (a *Actor) Send(cmd Command) error {
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return ErrActorClosed
	}
	switch cmd.Kind {
	case CmdCancel:
		a.cancelActive()
		return nil
	case CmdShutdown:
		a.Close()
		return nil
	}
	select {
	case a.cmds <- cmd:
		return nil
	default:
		return ErrMailboxFull
	}
}

// SendAndWait enqueues a command and blocks until its turn reaches a
// terminal state or the context ends. The turn itself keeps running on
// the actor goroutine if the caller gives up waiting.
func (a *Actor) SendAndWait(ctx context.Context, cmd Command) (Result, error) {
	reply := make(chan Result, 1)
	cmd.reply = reply
	if err := a.Send(cmd); err != nil {
		return Result{}, err
	}
	select {
	case res := <-reply:
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-a.done:
		return Result{}, ErrActorClosed
	}
}

// Close cancels any running turn, stops the goroutine and waits for it.
// It is safe to call more than once.
func (a *Actor) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		<-a.done
		return
	}
	a.closed = true
	a.mu.Unlock()
	a.cancelActive()
	close(a.quit)
	<-a.done
}

func (a *Actor) run() {
	defer close(a.done)
	defer close(a.events)

	a.emit(Event{Kind: EvReady})
	for {
		select {
		case <-a.quit:
			return
		case cmd := <-a.cmds:
			a.handle(cmd)
		}
	}
}

func (a *Actor) handle(cmd Command) {
	switch cmd.Kind {
	case CmdUserMessage:
		if a.sess.PendingClarification() != nil {
			a.deferred = append(a.deferred, cmd)
			a.emit(Event{Kind: EvProgress, Text: "message queued until the pending question is answered"})
			return
		}
		a.runTurn(cmd.Message, cmd.reply)
		a.drainDeferred()

	case CmdResolveClarification:
		if err := a.sess.ResolveClarification(cmd.ClarificationID, cmd.Option); err != nil {
			a.emit(Event{Kind: EvTurnFailed, ErrorCode: "clarification_unknown", Text: err.Error()})
			if cmd.reply != nil {
				cmd.reply <- Result{Phase: PhaseFailed, ErrorCode: "clarification_unknown"}
			}
			return
		}
		a.runTurn(cmd.Option, cmd.reply)
		a.drainDeferred()

	default:
		a.logger.Printf("ignoring unknown command kind %q", cmd.Kind)
	}
}

// drainDeferred replays parked user messages in arrival order. A new
// pending clarification stops the drain; the rest keep waiting.
func (a *Actor) drainDeferred() {
	for len(a.deferred) > 0 {
		if a.sess.PendingClarification() != nil {
			return
		}
		next := a.deferred[0]
		a.deferred = a.deferred[1:]
		a.runTurn(next.Message, next.reply)
	}
}

func (a *Actor) runTurn(message string, reply chan Result) {
	ctx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()

	before := len(a.sess.Snapshot().Observations)
	res, err := a.driver.RunTurn(ctx, a.sess, message)

	a.mu.Lock()
	a.cancel = nil
	a.mu.Unlock()
	cancel()

	snap := a.sess.Snapshot()
	if before > len(snap.Observations) {
		// The ring buffer trimmed during the turn; replay what survives.
		before = 0
	}
	for _, obs := range snap.Observations[before:] {
		o := obs
		a.emit(Event{Kind: EvActionDone, RunID: res.RunID, Observation: &o})
	}

	switch {
	case res.Phase == PhaseClarifying:
		ev := Event{Kind: EvClarificationPending, RunID: res.RunID, Result: &res}
		ev.Clarification = snap.PendingClarification
		a.emit(ev)
	case err != nil || res.Phase == PhaseFailed:
		a.emit(Event{Kind: EvTurnFailed, RunID: res.RunID, ErrorCode: res.ErrorCode, Text: res.Reply, Result: &res})
	default:
		a.emit(Event{Kind: EvTurnDone, RunID: res.RunID, Result: &res})
	}
	if reply != nil {
		reply <- res
	}
}

func (a *Actor) cancelActive() {
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// emit delivers an event, logging if the owner stops draining for long
// enough that the buffer backs up.
func (a *Actor) emit(ev Event) {
	ev.SessionID = a.sess.ID()
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	select {
	case a.events <- ev:
	default:
		a.logger.Printf("%v; blocking on %s", errEventsStuck, ev.Kind)
		t := time.NewTimer(emitStallReport)
		defer t.Stop()
		select {
		case a.events <- ev:
		case <-t.C:
			a.logger.Printf("dropping %s event after %s stall", ev.Kind, emitStallReport)
		}
	}
}
