// Package worker consumes turn requests from the journal, drives them
// through the turn hub, and reports results back onto the results stream.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/griddle-ai/griddle/internal/journal"
	"github.com/griddle-ai/griddle/internal/session"
	"github.com/griddle-ai/griddle/internal/turn"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultGroup is the consumer group shared by worker replicas.
	DefaultGroup = "griddle-workers"

	readBlock     = 5 * time.Second
	readCount     = 16
	claimInterval = 30 * time.Second
	claimMinIdle  = time.Minute
)

// StoreAPI captures the store methods required by the worker.
type StoreAPI interface {
	ClaimEvent(ctx context.Context, eventID, claimedBy string) (bool, error)
}

// TurnRunner executes one turn and exposes session state for reporting.
type TurnRunner interface {
	RunTurn(ctx context.Context, sessionID, message string) (turn.Result, error)
	Snapshot(sessionID string) (session.Snapshot, bool)
}

// PublisherAPI is the slice of the journal publisher the worker uses.
type PublisherAPI interface {
	TurnCompleted(ctx context.Context, payload journal.TurnCompletedPayload) (string, error)
	ClarificationPending(ctx context.Context, payload journal.ClarificationPendingPayload) (string, error)
}

// ConsumerAPI is the slice of the journal consumer the worker uses.
type ConsumerAPI interface {
	EnsureGroup(ctx context.Context, stream string) error
	Read(ctx context.Context, stream string, opts ...journal.ConsumerOption) ([]journal.Message, error)
	Ack(ctx context.Context, stream string, ids ...string) error
	AutoClaim(ctx context.Context, stream string, minIdle time.Duration, start string, count int64) ([]journal.Message, string, error)
}

// Processor drives turn execution by consuming turn.requested events.
type Processor struct {
	logger      *log.Logger
	store       StoreAPI
	runner      TurnRunner
	consumer    ConsumerAPI
	publisher   PublisherAPI
	stream      string
	name        string
	tracer      trace.Tracer
	turnCounter otelmetric.Int64Counter
	failCounter otelmetric.Int64Counter
	skipCounter otelmetric.Int64Counter
}

// NewProcessor constructs a Processor. name identifies this worker in
// idempotency claims and usually matches the Redis consumer name.
func NewProcessor(logger *log.Logger, st StoreAPI, runner TurnRunner, pub PublisherAPI, cons ConsumerAPI, stream, name string, meter otelmetric.Meter, tracer trace.Tracer) *Processor {
	if logger == nil {
		logger = log.New(log.Writer(), "[WORKER] ", log.LstdFlags)
	}
	if tracer == nil {
		tracer = trace.NewNoopTracerProvider().Tracer("worker")
	}
	if stream == "" {
		stream = journal.StreamTurns
	}
	if name == "" {
		name = "worker"
	}

	proc := &Processor{
		logger:    logger,
		store:     st,
		runner:    runner,
		consumer:  cons,
		publisher: pub,
		stream:    stream,
		name:      name,
		tracer:    tracer,
	}
	if meter != nil {
		var err error
		proc.turnCounter, err = meter.Int64Counter("worker_turns_processed")
		if err != nil {
			logger.Printf("warn: create turn counter failed: %v", err)
		}
		proc.failCounter, err = meter.Int64Counter("worker_turns_failed")
		if err != nil {
			logger.Printf("warn: create fail counter failed: %v", err)
		}
		proc.skipCounter, err = meter.Int64Counter("worker_events_skipped")
		if err != nil {
			logger.Printf("warn: create skip counter failed: %v", err)
		}
	}
	return proc
}

// Start blocks, continuously processing turn.requested events until the
// context is cancelled.
func (p *Processor) Start(ctx context.Context) error {
	p.logger.Printf("worker starting; consuming stream %s as %s", p.stream, p.name)
	if err := p.consumer.EnsureGroup(ctx, p.stream); err != nil {
		return fmt.Errorf("ensure group on %s: %w", p.stream, err)
	}

	lastClaim := time.Now()
	claimStart := "0-0"
	for {
		select {
		case <-ctx.Done():
			p.logger.Printf("worker stopping: %v", ctx.Err())
			return nil
		default:
		}

		if time.Since(lastClaim) >= claimInterval {
			lastClaim = time.Now()
			claimed, next, err := p.consumer.AutoClaim(ctx, p.stream, claimMinIdle, claimStart, readCount)
			if err != nil {
				p.logger.Printf("warn: auto-claim failed: %v", err)
			} else {
				claimStart = next
				p.process(ctx, claimed)
			}
		}

		msgs, err := p.consumer.Read(ctx, p.stream, journal.WithBlock(readBlock), journal.WithCount(readCount))
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Printf("error reading stream: %v", err)
			time.Sleep(time.Second)
			continue
		}
		p.process(ctx, msgs)
	}
}

func (p *Processor) process(ctx context.Context, msgs []journal.Message) {
	for _, msg := range msgs {
		if err := p.handleTurnRequested(ctx, msg); err != nil {
			p.logger.Printf("error handling turn message %s: %v", msg.ID, err)
			if p.failCounter != nil {
				p.failCounter.Add(ctx, 1)
			}
		}
		if err := p.consumer.Ack(ctx, p.stream, msg.ID); err != nil {
			p.logger.Printf("warn: failed to ack message %s: %v", msg.ID, err)
		}
	}
}

func (p *Processor) handleTurnRequested(ctx context.Context, msg journal.Message) error {
	ctx, span := p.tracer.Start(ctx, "worker.handle_turn")
	defer span.End()

	if msg.Envelope.EventType != journal.EventTurnRequested {
		p.logger.Printf("skip event %s of type %s", msg.Envelope.EventID, msg.Envelope.EventType)
		if p.skipCounter != nil {
			p.skipCounter.Add(ctx, 1)
		}
		return nil
	}

	claimed, err := p.store.ClaimEvent(ctx, msg.Envelope.EventID, p.name)
	if err != nil {
		return fmt.Errorf("claim event: %w", err)
	}
	if !claimed {
		p.logger.Printf("skip event %s: already processed", msg.Envelope.EventID)
		if p.skipCounter != nil {
			p.skipCounter.Add(ctx, 1)
		}
		return nil
	}

	var payload journal.TurnRequestedPayload
	if err := json.Unmarshal(msg.Envelope.Data, &payload); err != nil {
		return fmt.Errorf("unmarshal turn payload: %w", err)
	}
	if strings.TrimSpace(payload.SessionID) == "" || strings.TrimSpace(payload.Message) == "" {
		return fmt.Errorf("turn payload missing session_id or message")
	}

	started := time.Now()
	res, runErr := p.runner.RunTurn(ctx, payload.SessionID, payload.Message)
	if runErr != nil && (res.RunID == "" || res.ErrorCode == turn.CodeTurnBusy) {
		// The turn never ran (actor gone, mailbox full, session busy);
		// there is no result worth publishing.
		return fmt.Errorf("run turn for session %s: %w", payload.SessionID, runErr)
	}
	duration := time.Since(started)
	if runErr != nil {
		// Terminal failures still publish a completion so the archive
		// records the failed run alongside successful ones.
		p.logger.Printf("turn %s for session %s failed: %v", res.RunID, payload.SessionID, runErr)
		if p.failCounter != nil {
			p.failCounter.Add(ctx, 1)
		}
	}

	completed := journal.TurnCompletedPayload{
		SessionID:     payload.SessionID,
		RunID:         res.RunID,
		Phase:         string(res.Phase),
		ErrorCode:     res.ErrorCode,
		Reply:         res.Reply,
		Dispatched:    res.Dispatched,
		Rounds:        res.Rounds,
		Continuations: res.Continuations,
		DurationMS:    duration.Milliseconds(),
	}
	if _, err := p.publisher.TurnCompleted(ctx, completed); err != nil {
		return fmt.Errorf("publish turn.completed: %w", err)
	}

	if res.Phase == turn.PhaseClarifying {
		if snap, ok := p.runner.Snapshot(payload.SessionID); ok && snap.PendingClarification != nil {
			c := snap.PendingClarification
			if _, err := p.publisher.ClarificationPending(ctx, journal.ClarificationPendingPayload{
				SessionID:       payload.SessionID,
				RunID:           res.RunID,
				ClarificationID: c.ID,
				Question:        c.Question,
				Options:         c.Options,
			}); err != nil {
				p.logger.Printf("warn: publish clarification.pending failed: %v", err)
			}
		}
	}

	if p.turnCounter != nil {
		p.turnCounter.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("phase", string(res.Phase))))
	}
	p.logger.Printf("turn %s for session %s finished in %s (phase=%s)", res.RunID, payload.SessionID, duration.Round(time.Millisecond), res.Phase)
	return nil
}
