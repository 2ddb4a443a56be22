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
	"github.com/griddle-ai/griddle/internal/store"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const titleMaxLen = 80

// ArchiveAPI captures the store methods the archiver flushes through.
type ArchiveAPI interface {
	ClaimEvent(ctx context.Context, eventID, claimedBy string) (bool, error)
	UpsertSession(ctx context.Context, rec store.SessionRecord) error
	UpsertTurnRun(ctx context.Context, rec store.TurnRunRecord) error
	InsertObservations(ctx context.Context, recs []store.ObservationRecord) error
	SavePlanSnapshot(ctx context.Context, rec store.PlanSnapshotRecord) (int64, error)
	UpsertClarification(ctx context.Context, rec store.ClarificationRecord) error
}

// Snapshotter exposes live session state for flushing.
type Snapshotter interface {
	Snapshot(sessionID string) (session.Snapshot, bool)
}

// Archiver consumes turn.completed events and flushes the finished turn's
// state to Postgres. Because every write is an upsert keyed by stable ids,
// re-delivered events and repeated flushes converge on the same rows.
type Archiver struct {
	logger          *log.Logger
	store           ArchiveAPI
	snapshots       Snapshotter
	consumer        ConsumerAPI
	stream          string
	name            string
	tracer          trace.Tracer
	archivedCounter otelmetric.Int64Counter
	skipCounter     otelmetric.Int64Counter
}

// NewArchiver constructs an Archiver reading the results stream.
func NewArchiver(logger *log.Logger, st ArchiveAPI, snaps Snapshotter, cons ConsumerAPI, stream, name string, meter otelmetric.Meter, tracer trace.Tracer) *Archiver {
	if logger == nil {
		logger = log.New(log.Writer(), "[ARCHIVER] ", log.LstdFlags)
	}
	if tracer == nil {
		tracer = trace.NewNoopTracerProvider().Tracer("archiver")
	}
	if stream == "" {
		stream = journal.StreamResults
	}
	if name == "" {
		name = "archiver"
	}

	a := &Archiver{
		logger:    logger,
		store:     st,
		snapshots: snaps,
		consumer:  cons,
		stream:    stream,
		name:      name,
		tracer:    tracer,
	}
	if meter != nil {
		var err error
		a.archivedCounter, err = meter.Int64Counter("worker_turns_archived")
		if err != nil {
			logger.Printf("warn: create archive counter failed: %v", err)
		}
		a.skipCounter, err = meter.Int64Counter("worker_archive_skipped")
		if err != nil {
			logger.Printf("warn: create skip counter failed: %v", err)
		}
	}
	return a
}

// Start blocks, flushing turn.completed events until the context is
// cancelled.
func (a *Archiver) Start(ctx context.Context) error {
	a.logger.Printf("archiver starting; consuming stream %s as %s", a.stream, a.name)
	if err := a.consumer.EnsureGroup(ctx, a.stream); err != nil {
		return fmt.Errorf("ensure group on %s: %w", a.stream, err)
	}

	lastClaim := time.Now()
	claimStart := "0-0"
	for {
		select {
		case <-ctx.Done():
			a.logger.Printf("archiver stopping: %v", ctx.Err())
			return nil
		default:
		}

		if time.Since(lastClaim) >= claimInterval {
			lastClaim = time.Now()
			claimed, next, err := a.consumer.AutoClaim(ctx, a.stream, claimMinIdle, claimStart, readCount)
			if err != nil {
				a.logger.Printf("warn: auto-claim failed: %v", err)
			} else {
				claimStart = next
				a.process(ctx, claimed)
			}
		}

		msgs, err := a.consumer.Read(ctx, a.stream, journal.WithBlock(readBlock), journal.WithCount(readCount))
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			a.logger.Printf("error reading stream: %v", err)
			time.Sleep(time.Second)
			continue
		}
		a.process(ctx, msgs)
	}
}

func (a *Archiver) process(ctx context.Context, msgs []journal.Message) {
	for _, msg := range msgs {
		if err := a.handleTurnCompleted(ctx, msg); err != nil {
			a.logger.Printf("error archiving message %s: %v", msg.ID, err)
		}
		if err := a.consumer.Ack(ctx, a.stream, msg.ID); err != nil {
			a.logger.Printf("warn: failed to ack message %s: %v", msg.ID, err)
		}
	}
}

func (a *Archiver) handleTurnCompleted(ctx context.Context, msg journal.Message) error {
	ctx, span := a.tracer.Start(ctx, "worker.archive_turn")
	defer span.End()

	if msg.Envelope.EventType != journal.EventTurnCompleted {
		if a.skipCounter != nil {
			a.skipCounter.Add(ctx, 1)
		}
		return nil
	}

	var payload journal.TurnCompletedPayload
	if err := json.Unmarshal(msg.Envelope.Data, &payload); err != nil {
		return fmt.Errorf("unmarshal turn.completed payload: %w", err)
	}

	// The snapshot check runs before the claim: a replica that does not host
	// the session must leave the event unclaimed for the one that does.
	snap, ok := a.snapshots.Snapshot(payload.SessionID)
	if !ok {
		a.logger.Printf("skip archive for %s: session no longer live", payload.SessionID)
		if a.skipCounter != nil {
			a.skipCounter.Add(ctx, 1)
		}
		return nil
	}

	claimed, err := a.store.ClaimEvent(ctx, msg.Envelope.EventID, a.name)
	if err != nil {
		return fmt.Errorf("claim event: %w", err)
	}
	if !claimed {
		if a.skipCounter != nil {
			a.skipCounter.Add(ctx, 1)
		}
		return nil
	}

	finished := msg.Envelope.OccurredAt
	if finished.IsZero() {
		finished = time.Now().UTC()
	}
	if err := a.Flush(ctx, snap, payload, finished); err != nil {
		return err
	}
	if a.archivedCounter != nil {
		a.archivedCounter.Add(ctx, 1)
	}
	return nil
}

// Flush writes one session snapshot plus the finishing run to the store.
func (a *Archiver) Flush(ctx context.Context, snap session.Snapshot, payload journal.TurnCompletedPayload, finished time.Time) error {
	sessRec := store.SessionRecord{
		ID:    snap.ID,
		Title: sessionTitle(snap),
	}
	if snap.Dataset != nil {
		sessRec.DatasetName = snap.Dataset.Name
		sessRec.RowCount = snap.Dataset.RowCount
	}
	if err := a.store.UpsertSession(ctx, sessRec); err != nil {
		return fmt.Errorf("upsert session %s: %w", snap.ID, err)
	}

	// Idle-session sweeps flush with no finishing run; only turn-completed
	// flushes carry a run id.
	if payload.RunID != "" {
		started := finished.Add(-time.Duration(payload.DurationMS) * time.Millisecond)
		runRec := store.TurnRunRecord{
			RunID:         payload.RunID,
			SessionID:     snap.ID,
			Phase:         payload.Phase,
			ErrorCode:     payload.ErrorCode,
			UserMessage:   lastUserMessage(snap.History),
			Reply:         payload.Reply,
			Rounds:        payload.Rounds,
			Dispatched:    payload.Dispatched,
			Continuations: payload.Continuations,
			DurationMS:    payload.DurationMS,
			StartedAt:     started,
			FinishedAt:    &finished,
		}
		if err := a.store.UpsertTurnRun(ctx, runRec); err != nil {
			return fmt.Errorf("upsert turn run %s: %w", payload.RunID, err)
		}
	}

	if len(snap.Observations) > 0 {
		recs := make([]store.ObservationRecord, 0, len(snap.Observations))
		for _, obs := range snap.Observations {
			recs = append(recs, store.ObservationRecord{
				ID:         obs.ID,
				SessionID:  snap.ID,
				RunID:      payload.RunID,
				ActionRef:  obs.ActionRef,
				Kind:       obs.Kind,
				Status:     obs.Status,
				ErrorCode:  obs.ErrorCode,
				Outputs:    obs.Outputs,
				RecordedAt: obs.Timestamp,
			})
		}
		if err := a.store.InsertObservations(ctx, recs); err != nil {
			return fmt.Errorf("insert observations for %s: %w", snap.ID, err)
		}
	}

	if snap.Plan != nil {
		raw, err := json.Marshal(snap.Plan)
		if err != nil {
			return fmt.Errorf("marshal plan for %s: %w", snap.ID, err)
		}
		if _, err := a.store.SavePlanSnapshot(ctx, store.PlanSnapshotRecord{
			SessionID: snap.ID,
			PlanID:    snap.Plan.PlanID,
			Plan:      raw,
			TakenAt:   finished,
		}); err != nil {
			return fmt.Errorf("save plan snapshot for %s: %w", snap.ID, err)
		}
	}

	if c := snap.PendingClarification; c != nil {
		if err := a.store.UpsertClarification(ctx, store.ClarificationRecord{
			ID:          c.ID,
			SessionID:   snap.ID,
			Question:    c.Question,
			Options:     c.Options,
			TargetField: c.TargetField,
			Status:      store.ClarificationStatusPending,
			AskedAt:     c.CreatedAt,
		}); err != nil {
			return fmt.Errorf("upsert clarification for %s: %w", snap.ID, err)
		}
	}
	return nil
}

func sessionTitle(snap session.Snapshot) string {
	if snap.Plan != nil && strings.TrimSpace(snap.Plan.Goal) != "" {
		return truncate(snap.Plan.Goal, titleMaxLen)
	}
	for _, m := range snap.History {
		if m.Role == "user" && strings.TrimSpace(m.Text) != "" {
			return truncate(m.Text, titleMaxLen)
		}
	}
	return ""
}

func lastUserMessage(history []session.Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == "user" {
			return history[i].Text
		}
	}
	return ""
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n]
}
