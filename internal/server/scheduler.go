package server

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"

	"github.com/griddle-ai/griddle/config"
	"github.com/griddle-ai/griddle/internal/journal"
	"github.com/griddle-ai/griddle/internal/recall"
	"github.com/griddle-ai/griddle/internal/session"
	"github.com/griddle-ai/griddle/internal/store"
	"github.com/griddle-ai/griddle/internal/telemetry"
	"github.com/griddle-ai/griddle/internal/turn"
	"github.com/griddle-ai/griddle/internal/worker"
)

const schedLockKey = "sched:lock:archive"

// Scheduler runs the periodic archive sweep: idle sessions are flushed to
// Postgres and dropped from memory, stale clarifications expire, and old
// rows are pruned. A Redis lock keeps replicas from sweeping concurrently.
type Scheduler struct {
	Cfg      config.ArchiveConfig
	Store    *store.Store
	Sessions *session.Store
	Hub      *turn.Hub
	Archiver *worker.Archiver
	Recall   *recall.Index
	Tracker  *telemetry.Tracker
	Journal  *journal.Publisher
	Rdb      *redis.Client
	Stop     chan struct{}
	Logger   *log.Logger

	stopOnce sync.Once
	lastRun  *time.Time
}

func (s *Scheduler) logger() *log.Logger {
	if s.Logger == nil {
		s.Logger = log.New(log.Writer(), "[SCHED] ", log.LstdFlags)
	}
	return s.Logger
}

// Start launches the sweep loop. The tick is fine-grained; the cron spec
// decides when a sweep actually fires.
func (s *Scheduler) Start() {
	go func() {
		ticker := time.NewTicker(1 * time.Minute)
		for {
			select {
			case <-s.Stop:
				ticker.Stop()
				return
			case <-ticker.C:
				s.tick()
			}
		}
	}()
}

// Shutdown stops the sweep loop. Safe to call more than once.
func (s *Scheduler) Shutdown() {
	s.stopOnce.Do(func() { close(s.Stop) })
}

func (s *Scheduler) tick() {
	if !isDue(s.Cfg.Cron, s.lastRun) {
		return
	}
	ctx := context.Background()

	if s.Rdb != nil {
		ok, err := s.Rdb.SetNX(ctx, schedLockKey, "1", 2*time.Minute).Result()
		if err != nil {
			s.logger().Printf("sweep lock: %v", err)
			return
		}
		if !ok {
			return
		}
		defer s.Rdb.Del(ctx, schedLockKey)
	}

	now := time.Now().UTC()
	s.lastRun = &now
	s.sweep(ctx, now)
}

func (s *Scheduler) sweep(ctx context.Context, now time.Time) {
	archived := 0
	for _, sess := range s.Sessions.List() {
		if n := sess.ExpireClarifications(s.Cfg.ClarificationTTL, now); n > 0 {
			s.logger().Printf("session %s: expired %d stale clarification(s)", sess.ID(), n)
		}
		snap := sess.Snapshot()
		if sess.ActiveRun() != "" {
			continue
		}
		if now.Sub(snap.UpdatedAt) < s.Cfg.IdleAfter {
			continue
		}
		if snap.PendingClarification != nil {
			continue
		}
		if s.archiveSession(ctx, snap, now) {
			archived++
		}
	}

	if n, err := s.Store.ExpireClarifications(ctx, now.Add(-s.Cfg.ClarificationTTL)); err != nil {
		s.logger().Printf("expire archived clarifications: %v", err)
	} else if n > 0 {
		s.logger().Printf("expired %d archived clarification(s)", n)
	}
	if n, err := s.Store.DeleteRunsBefore(ctx, now.Add(-s.Cfg.RetainRuns)); err != nil {
		s.logger().Printf("prune runs: %v", err)
	} else if n > 0 {
		s.logger().Printf("pruned %d run(s) past retention", n)
	}
	if n, err := s.Store.PruneClaims(ctx, now.Add(-s.Cfg.RetainRuns)); err != nil {
		s.logger().Printf("prune claims: %v", err)
	} else if n > 0 {
		s.logger().Printf("pruned %d idempotency claim(s)", n)
	}
	if archived > 0 {
		s.logger().Printf("sweep archived %d idle session(s)", archived)
	}
}

// archiveSession flushes one idle session to the store and drops it from
// memory. The flush carries no run id; only session state is written.
func (s *Scheduler) archiveSession(ctx context.Context, snap session.Snapshot, now time.Time) bool {
	if err := s.Archiver.Flush(ctx, snap, journal.TurnCompletedPayload{SessionID: snap.ID}, now); err != nil {
		s.logger().Printf("flush idle session %s: %v", snap.ID, err)
		return false
	}
	if err := s.Store.MarkSessionArchived(ctx, snap.ID); err != nil {
		s.logger().Printf("mark session %s archived: %v", snap.ID, err)
		return false
	}
	if _, err := s.Store.PruneObservations(ctx, snap.ID, s.Cfg.KeepObservations); err != nil {
		s.logger().Printf("prune observations for %s: %v", snap.ID, err)
	}
	if s.Journal != nil {
		runs := 0
		if recs, err := s.Store.ListTurnRuns(ctx, snap.ID, 0); err == nil {
			runs = len(recs)
		}
		if _, err := s.Journal.SessionArchived(ctx, journal.SessionArchivedPayload{
			SessionID:    snap.ID,
			Runs:         runs,
			Observations: len(snap.Observations),
			ArchivedAt:   now,
		}); err != nil {
			s.logger().Printf("journal session.archived for %s: %v", snap.ID, err)
		}
	}
	s.Hub.Drop(snap.ID)
	if s.Recall != nil {
		s.Recall.Forget(snap.ID)
	}
	if s.Tracker != nil {
		s.Tracker.ForgetSession(snap.ID)
	}
	s.logger().Printf("session %s archived after %s idle", snap.ID, s.Cfg.IdleAfter)
	return true
}

// isDue reports whether the cron spec has fired since the last sweep.
// Unparseable specs degrade to daily rather than disabling the sweep.
func isDue(cronSpec string, last *time.Time) bool {
	now := time.Now()
	switch cronSpec {
	case "", "@daily":
		if last == nil {
			return true
		}
		return now.Sub(*last) >= 24*time.Hour
	case "@hourly":
		if last == nil {
			return true
		}
		return now.Sub(*last) >= time.Hour
	default:
		expr, err := cronexpr.Parse(cronSpec)
		if err != nil {
			if last == nil {
				return true
			}
			return now.Sub(*last) >= 24*time.Hour
		}
		if last == nil {
			return true
		}
		next := expr.Next(*last)
		return !next.After(now)
	}
}
