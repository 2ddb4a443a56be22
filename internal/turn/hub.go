package turn

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/griddle-ai/griddle/internal/session"
)

// ErrUnknownSession is returned for operations on sessions the hub has
// never seen.
var ErrUnknownSession = errors.New("unknown session")

const readyTimeout = 5 * time.Second

// Hub owns one actor per live session and fans actor events out to any
// number of subscribers. It is the single entry point for running turns,
// shared by the HTTP server and the queue worker.
type Hub struct {
	driver   *Driver
	sessions *session.Store
	logger   *log.Logger

	mu      sync.Mutex
	handles map[string]*handle
	tap     func(Event)
	closed  bool
}

type handle struct {
	actor *Actor
	ready chan struct{}
	done  chan struct{}

	mu   sync.Mutex
	subs map[uint64]chan Event
	next uint64
}

// NewHub wires a hub around a driver and an in-memory session store.
func NewHub(driver *Driver, sessions *session.Store, logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.New(log.Writer(), "[HUB] ", log.LstdFlags)
	}
	return &Hub{
		driver:   driver,
		sessions: sessions,
		logger:   logger,
		handles:  make(map[string]*handle),
	}
}

// Tap registers a process-wide observer that sees every actor event across
// all sessions, in addition to per-session subscribers. Front ends use it to
// mirror dispatch and clarification events into the journal. The observer
// runs on the pump goroutine and must not block.
func (h *Hub) Tap(fn func(Event)) {
	h.mu.Lock()
	h.tap = fn
	h.mu.Unlock()
}

func (h *Hub) tapFn() func(Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tap
}

// Open returns the session with the given id, creating the session and
// its actor on first use. It blocks until the actor has signalled ready.
func (h *Hub) Open(id string) (*session.Session, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrActorClosed
	}
	sess, ok := h.sessions.Get(id)
	if !ok {
		sess = h.sessions.Create(id)
	}
	hd, ok := h.handles[sess.ID()]
	if !ok {
		hd = &handle{
			ready: make(chan struct{}),
			done:  make(chan struct{}),
			subs:  make(map[uint64]chan Event),
		}
		hd.actor = NewActor(h.driver, sess, h.logger)
		h.handles[sess.ID()] = hd
		go h.pump(sess.ID(), hd)
	}
	h.mu.Unlock()

	select {
	case <-hd.ready:
		return sess, nil
	case <-hd.done:
		return nil, ErrActorClosed
	case <-time.After(readyTimeout):
		return nil, errors.New("actor did not become ready")
	}
}

// Session looks up a live session without creating one.
func (h *Hub) Session(id string) (*session.Session, bool) {
	return h.sessions.Get(id)
}

// Live lists every in-memory session.
func (h *Hub) Live() []*session.Session {
	return h.sessions.List()
}

// Snapshot returns a consistent copy of the session state.
func (h *Hub) Snapshot(id string) (session.Snapshot, bool) {
	sess, ok := h.sessions.Get(id)
	if !ok {
		return session.Snapshot{}, false
	}
	return sess.Snapshot(), true
}

// RunTurn processes one user message through the session's actor and
// waits for the terminal result.
func (h *Hub) RunTurn(ctx context.Context, id, message string) (Result, error) {
	if _, err := h.Open(id); err != nil {
		return Result{}, err
	}
	hd, err := h.handleFor(id)
	if err != nil {
		return Result{}, err
	}
	return hd.actor.SendAndWait(ctx, Command{Kind: CmdUserMessage, Message: message})
}

// ResolveClarification answers a pending question and waits for the
// resumed turn to finish.
func (h *Hub) ResolveClarification(ctx context.Context, id, clarificationID, option string) (Result, error) {
	hd, err := h.handleFor(id)
	if err != nil {
		return Result{}, err
	}
	return hd.actor.SendAndWait(ctx, Command{Kind: CmdResolveClarification, ClarificationID: clarificationID, Option: option})
}

// Cancel interrupts the running turn for a session, if any.
func (h *Hub) Cancel(id string) error {
	hd, err := h.handleFor(id)
	if err != nil {
		return err
	}
	return hd.actor.Send(Command{Kind: CmdCancel})
}

// Subscribe attaches an event listener to a session. The returned cancel
// function detaches it; the channel closes when the actor shuts down.
func (h *Hub) Subscribe(id string) (<-chan Event, func(), error) {
	if _, err := h.Open(id); err != nil {
		return nil, nil, err
	}
	hd, err := h.handleFor(id)
	if err != nil {
		return nil, nil, err
	}
	hd.mu.Lock()
	key := hd.next
	hd.next++
	ch := make(chan Event, eventDepth)
	hd.subs[key] = ch
	hd.mu.Unlock()

	cancel := func() {
		hd.mu.Lock()
		if c, ok := hd.subs[key]; ok {
			delete(hd.subs, key)
			close(c)
		}
		hd.mu.Unlock()
	}
	return ch, cancel, nil
}

// Drop shuts down the session's actor and removes it from memory.
func (h *Hub) Drop(id string) {
	h.mu.Lock()
	hd, ok := h.handles[id]
	delete(h.handles, id)
	h.mu.Unlock()
	if ok {
		hd.actor.Close()
		<-hd.done
	}
	h.sessions.Delete(id)
}

// Close shuts down every actor. The hub accepts no work afterwards.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	handles := make(map[string]*handle, len(h.handles))
	for id, hd := range h.handles {
		handles[id] = hd
	}
	h.handles = make(map[string]*handle)
	h.mu.Unlock()

	for _, hd := range handles {
		hd.actor.Close()
		<-hd.done
	}
}

func (h *Hub) handleFor(id string) (*handle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	hd, ok := h.handles[id]
	if !ok {
		return nil, ErrUnknownSession
	}
	return hd, nil
}

// pump drains the actor's event stream and fans it out. Slow subscribers
// lose events rather than stalling the actor.
func (h *Hub) pump(id string, hd *handle) {
	defer close(hd.done)
	readyOnce := false
	for ev := range hd.actor.Events() {
		if ev.Kind == EvReady && !readyOnce {
			readyOnce = true
			close(hd.ready)
		}
		if tap := h.tapFn(); tap != nil {
			tap(ev)
		}
		hd.mu.Lock()
		for key, ch := range hd.subs {
			select {
			case ch <- ev:
			default:
				h.logger.Printf("subscriber %d on session %s lagging; dropping %s", key, id, ev.Kind)
			}
		}
		hd.mu.Unlock()
	}
	hd.mu.Lock()
	for key, ch := range hd.subs {
		delete(hd.subs, key)
		close(ch)
	}
	hd.mu.Unlock()
	if !readyOnce {
		close(hd.ready)
	}
}
