// Package store persists sessions, turn runs, observations, plan snapshots,
// and clarifications in Postgres. It is the archive side of the engine: live
// turn state stays in memory and the worker flushes it here when a run
// finishes or a session is archived.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

type Store struct {
	DB *sql.DB
}

// Clarification statuses persisted for the resolve/expire lifecycle.
const (
	ClarificationStatusPending  = "pending"
	ClarificationStatusResolved = "resolved"
	ClarificationStatusExpired  = "expired"
)

var (
	metricsOnce    sync.Once
	runCounter     otelmetric.Int64Counter
	obsCounter     otelmetric.Int64Counter
	metricsInitErr error
)

func initStoreMetrics() {
	meter := otel.Meter("store")
	var err error
	runCounter, err = meter.Int64Counter("turn_runs_archived_total")
	if err != nil {
		metricsInitErr = err
		return
	}
	obsCounter, err = meter.Int64Counter("observations_archived_total")
	if err != nil {
		metricsInitErr = err
	}
}

func New(ctx context.Context) (*Store, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		host := getenvDefault("POSTGRES_HOST", "localhost")
		port := getenvDefault("POSTGRES_PORT", "5432")
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		db := os.Getenv("POSTGRES_DB")
		ssl := getenvDefault("POSTGRES_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, ssl)
	}
	return NewWithDSN(ctx, dsn)
}

// NewWithDSN constructs the Store using an explicit Postgres DSN.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return &Store{DB: db}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// SessionRecord is the archived shape of a session.
type SessionRecord struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	DatasetName string     `json:"dataset_name"`
	RowCount    int        `json:"row_count"`
	ArchivedAt  *time.Time `json:"archived_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// TurnRunRecord captures the outcome and counters of one finished turn.
type TurnRunRecord struct {
	RunID         string     `json:"run_id"`
	SessionID     string     `json:"session_id"`
	Phase         string     `json:"phase"`
	ErrorCode     string     `json:"error_code,omitempty"`
	UserMessage   string     `json:"user_message,omitempty"`
	Reply         string     `json:"reply,omitempty"`
	Rounds        int        `json:"rounds"`
	Dispatched    int        `json:"dispatched"`
	Continuations int        `json:"continuations"`
	DurationMS    int64      `json:"duration_ms"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

// ObservationRecord is one archived observation row.
type ObservationRecord struct {
	ID         string                 `json:"id"`
	SessionID  string                 `json:"session_id"`
	RunID      string                 `json:"run_id,omitempty"`
	ActionRef  string                 `json:"action_ref,omitempty"`
	Kind       string                 `json:"kind"`
	Status     string                 `json:"status"`
	ErrorCode  string                 `json:"error_code,omitempty"`
	Outputs    map[string]interface{} `json:"outputs,omitempty"`
	RecordedAt time.Time              `json:"recorded_at"`
}

// PlanSnapshotRecord stores one serialized plan state for a session.
type PlanSnapshotRecord struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"session_id"`
	PlanID    string          `json:"plan_id"`
	Plan      json.RawMessage `json:"plan"`
	TakenAt   time.Time       `json:"taken_at"`
}

// ClarificationRecord tracks a question raised for the user and its answer.
type ClarificationRecord struct {
	ID          string     `json:"id"`
	SessionID   string     `json:"session_id"`
	Question    string     `json:"question"`
	Options     []string   `json:"options,omitempty"`
	TargetField string     `json:"target_field,omitempty"`
	Status      string     `json:"status"`
	Answer      string     `json:"answer,omitempty"`
	AskedAt     time.Time  `json:"asked_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

// UpsertSession inserts or refreshes the archived session row.
func (s *Store) UpsertSession(ctx context.Context, rec SessionRecord) error {
	if strings.TrimSpace(rec.ID) == "" {
		return fmt.Errorf("session id required")
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO sessions (id, title, dataset_name, row_count, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,NOW())
ON CONFLICT (id) DO UPDATE SET title=EXCLUDED.title, dataset_name=EXCLUDED.dataset_name, row_count=EXCLUDED.row_count, updated_at=NOW()
`, rec.ID, rec.Title, rec.DatasetName, rec.RowCount, createdAt.UTC())
	return err
}

// GetSession fetches a session row by id.
func (s *Store) GetSession(ctx context.Context, id string) (SessionRecord, bool, error) {
	if strings.TrimSpace(id) == "" {
		return SessionRecord{}, false, fmt.Errorf("session id required")
	}
	row := s.DB.QueryRowContext(ctx, `
SELECT id, title, dataset_name, row_count, archived_at, created_at, updated_at
FROM sessions
WHERE id=$1
`, id)
	var rec SessionRecord
	var archivedAt sql.NullTime
	if err := row.Scan(&rec.ID, &rec.Title, &rec.DatasetName, &rec.RowCount, &archivedAt, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SessionRecord{}, false, nil
		}
		return SessionRecord{}, false, err
	}
	if archivedAt.Valid {
		ts := archivedAt.Time
		rec.ArchivedAt = &ts
	}
	return rec, true, nil
}

// ListSessions returns sessions ordered by most recent activity.
func (s *Store) ListSessions(ctx context.Context, includeArchived bool, limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
SELECT id, title, dataset_name, row_count, archived_at, created_at, updated_at
FROM sessions
WHERE archived_at IS NULL
ORDER BY updated_at DESC
LIMIT $1
`
	if includeArchived {
		query = `
SELECT id, title, dataset_name, row_count, archived_at, created_at, updated_at
FROM sessions
ORDER BY updated_at DESC
LIMIT $1
`
	}
	rows, err := s.DB.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		var archivedAt sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.Title, &rec.DatasetName, &rec.RowCount, &archivedAt, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		if archivedAt.Valid {
			ts := archivedAt.Time
			rec.ArchivedAt = &ts
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// MarkSessionArchived stamps the session as archived.
func (s *Store) MarkSessionArchived(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("session id required")
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE sessions SET archived_at=NOW(), updated_at=NOW() WHERE id=$1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteSession removes a session and everything hanging off it.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("session id required")
	}
	_, err := s.DB.ExecContext(ctx, `DELETE FROM sessions WHERE id=$1`, id)
	return err
}

// UpsertTurnRun records a finished turn. Re-delivered events overwrite the
// same row, so replays do not duplicate history.
func (s *Store) UpsertTurnRun(ctx context.Context, rec TurnRunRecord) error {
	if strings.TrimSpace(rec.RunID) == "" {
		return fmt.Errorf("run_id required")
	}
	if strings.TrimSpace(rec.SessionID) == "" {
		return fmt.Errorf("session_id required")
	}
	if strings.TrimSpace(rec.Phase) == "" {
		return fmt.Errorf("phase required")
	}
	startedAt := rec.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}
	var finishedAt sql.NullTime
	if rec.FinishedAt != nil && !rec.FinishedAt.IsZero() {
		finishedAt = sql.NullTime{Time: rec.FinishedAt.UTC(), Valid: true}
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO turn_runs (run_id, session_id, phase, error_code, user_message, reply, rounds, dispatched, continuations, duration_ms, started_at, finished_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (run_id) DO UPDATE SET phase=EXCLUDED.phase, error_code=EXCLUDED.error_code, reply=EXCLUDED.reply, rounds=EXCLUDED.rounds, dispatched=EXCLUDED.dispatched, continuations=EXCLUDED.continuations, duration_ms=EXCLUDED.duration_ms, finished_at=EXCLUDED.finished_at
`, rec.RunID, rec.SessionID, rec.Phase, rec.ErrorCode, rec.UserMessage, rec.Reply, rec.Rounds, rec.Dispatched, rec.Continuations, rec.DurationMS, startedAt.UTC(), finishedAt)
	if err != nil {
		return err
	}
	metricsOnce.Do(initStoreMetrics)
	if metricsInitErr == nil && runCounter != nil {
		runCounter.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("phase", rec.Phase)))
	}
	return nil
}

// ListTurnRuns returns the newest runs for a session.
func (s *Store) ListTurnRuns(ctx context.Context, sessionID string, limit int) ([]TurnRunRecord, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, fmt.Errorf("session_id required")
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT run_id, session_id, phase, error_code, user_message, reply, rounds, dispatched, continuations, duration_ms, started_at, finished_at
FROM turn_runs
WHERE session_id=$1
ORDER BY started_at DESC
LIMIT $2
`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TurnRunRecord
	for rows.Next() {
		var rec TurnRunRecord
		var finishedAt sql.NullTime
		if err := rows.Scan(&rec.RunID, &rec.SessionID, &rec.Phase, &rec.ErrorCode, &rec.UserMessage, &rec.Reply, &rec.Rounds, &rec.Dispatched, &rec.Continuations, &rec.DurationMS, &rec.StartedAt, &finishedAt); err != nil {
			return nil, err
		}
		if finishedAt.Valid {
			ts := finishedAt.Time
			rec.FinishedAt = &ts
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteRunsBefore removes runs that finished before the cutoff and reports
// how many were dropped.
func (s *Store) DeleteRunsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if cutoff.IsZero() {
		return 0, fmt.Errorf("cutoff required")
	}
	res, err := s.DB.ExecContext(ctx, `DELETE FROM turn_runs WHERE finished_at IS NOT NULL AND finished_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// InsertObservations writes a batch of observations in one transaction.
// Rows that already exist are left untouched so replays stay idempotent.
func (s *Store) InsertObservations(ctx context.Context, recs []ObservationRecord) (err error) {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, rec := range recs {
		if strings.TrimSpace(rec.ID) == "" {
			return fmt.Errorf("observation id required")
		}
		if strings.TrimSpace(rec.SessionID) == "" {
			return fmt.Errorf("session_id required")
		}
		var outputs []byte
		if len(rec.Outputs) > 0 {
			outputs, err = json.Marshal(rec.Outputs)
			if err != nil {
				return fmt.Errorf("failed to marshal outputs for %s: %w", rec.ID, err)
			}
		}
		if _, err = tx.ExecContext(ctx, `
INSERT INTO observations (id, session_id, run_id, action_ref, kind, status, error_code, outputs, recorded_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (id) DO NOTHING
`, rec.ID, rec.SessionID, rec.RunID, rec.ActionRef, rec.Kind, rec.Status, rec.ErrorCode, nullableBytes(outputs), rec.RecordedAt.UTC()); err != nil {
			return err
		}
	}
	if err = tx.Commit(); err != nil {
		return err
	}
	metricsOnce.Do(initStoreMetrics)
	if metricsInitErr == nil && obsCounter != nil {
		obsCounter.Add(ctx, int64(len(recs)))
	}
	return nil
}

// ListObservations returns observations for a session oldest first. A
// non-empty runID narrows the trace to a single turn.
func (s *Store) ListObservations(ctx context.Context, sessionID, runID string, limit int) ([]ObservationRecord, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, fmt.Errorf("session_id required")
	}
	if limit <= 0 {
		limit = 200
	}
	var (
		rows *sql.Rows
		err  error
	)
	if strings.TrimSpace(runID) == "" {
		rows, err = s.DB.QueryContext(ctx, `
SELECT id, session_id, run_id, action_ref, kind, status, error_code, outputs, recorded_at
FROM observations
WHERE session_id=$1
ORDER BY recorded_at ASC
LIMIT $2
`, sessionID, limit)
	} else {
		rows, err = s.DB.QueryContext(ctx, `
SELECT id, session_id, run_id, action_ref, kind, status, error_code, outputs, recorded_at
FROM observations
WHERE session_id=$1 AND run_id=$2
ORDER BY recorded_at ASC
LIMIT $3
`, sessionID, runID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ObservationRecord
	for rows.Next() {
		var rec ObservationRecord
		var outputs []byte
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.RunID, &rec.ActionRef, &rec.Kind, &rec.Status, &rec.ErrorCode, &outputs, &rec.RecordedAt); err != nil {
			return nil, err
		}
		if len(outputs) > 0 {
			if err := json.Unmarshal(outputs, &rec.Outputs); err != nil {
				return nil, fmt.Errorf("failed to unmarshal outputs for %s: %w", rec.ID, err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PruneObservations keeps the newest rows for a session and drops the rest,
// reporting how many were removed.
func (s *Store) PruneObservations(ctx context.Context, sessionID string, keep int) (int64, error) {
	if strings.TrimSpace(sessionID) == "" {
		return 0, fmt.Errorf("session_id required")
	}
	if keep < 0 {
		keep = 0
	}
	res, err := s.DB.ExecContext(ctx, `
DELETE FROM observations
WHERE session_id=$1 AND id NOT IN (
	SELECT id FROM observations WHERE session_id=$1 ORDER BY recorded_at DESC LIMIT $2
)
`, sessionID, keep)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SavePlanSnapshot appends a serialized plan state for the session.
func (s *Store) SavePlanSnapshot(ctx context.Context, rec PlanSnapshotRecord) (int64, error) {
	if strings.TrimSpace(rec.SessionID) == "" {
		return 0, fmt.Errorf("session_id required")
	}
	if strings.TrimSpace(rec.PlanID) == "" {
		return 0, fmt.Errorf("plan_id required")
	}
	if len(rec.Plan) == 0 {
		return 0, fmt.Errorf("plan payload required")
	}
	takenAt := rec.TakenAt
	if takenAt.IsZero() {
		takenAt = time.Now().UTC()
	}
	var id int64
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO plan_snapshots (session_id, plan_id, plan_json, taken_at)
VALUES ($1,$2,$3,$4)
RETURNING id
`, rec.SessionID, rec.PlanID, []byte(rec.Plan), takenAt.UTC()).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// LatestPlanSnapshot returns the most recent plan state for a session.
func (s *Store) LatestPlanSnapshot(ctx context.Context, sessionID string) (PlanSnapshotRecord, bool, error) {
	if strings.TrimSpace(sessionID) == "" {
		return PlanSnapshotRecord{}, false, fmt.Errorf("session_id required")
	}
	row := s.DB.QueryRowContext(ctx, `
SELECT id, session_id, plan_id, plan_json, taken_at
FROM plan_snapshots
WHERE session_id=$1
ORDER BY taken_at DESC, id DESC
LIMIT 1
`, sessionID)
	var rec PlanSnapshotRecord
	var plan []byte
	if err := row.Scan(&rec.ID, &rec.SessionID, &rec.PlanID, &plan, &rec.TakenAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return PlanSnapshotRecord{}, false, nil
		}
		return PlanSnapshotRecord{}, false, err
	}
	rec.Plan = json.RawMessage(plan)
	return rec, true, nil
}

// UpsertClarification records a pending question for the user.
func (s *Store) UpsertClarification(ctx context.Context, rec ClarificationRecord) error {
	if strings.TrimSpace(rec.ID) == "" {
		return fmt.Errorf("clarification id required")
	}
	if strings.TrimSpace(rec.SessionID) == "" {
		return fmt.Errorf("session_id required")
	}
	if strings.TrimSpace(rec.Question) == "" {
		return fmt.Errorf("question required")
	}
	status := rec.Status
	if status == "" {
		status = ClarificationStatusPending
	}
	askedAt := rec.AskedAt
	if askedAt.IsZero() {
		askedAt = time.Now().UTC()
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO clarifications (id, session_id, question, options, target_field, status, asked_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (id) DO UPDATE SET question=EXCLUDED.question, options=EXCLUDED.options, target_field=EXCLUDED.target_field, status=EXCLUDED.status
`, rec.ID, rec.SessionID, rec.Question, pq.StringArray(rec.Options), rec.TargetField, status, askedAt.UTC())
	return err
}

// ResolveClarification stores the user's answer and closes the question.
// Returns sql.ErrNoRows when the question is unknown or already closed.
func (s *Store) ResolveClarification(ctx context.Context, id, answer string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("clarification id required")
	}
	res, err := s.DB.ExecContext(ctx, `
UPDATE clarifications SET status=$1, answer=$2, resolved_at=NOW()
WHERE id=$3 AND status=$4
`, ClarificationStatusResolved, answer, id, ClarificationStatusPending)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// PendingClarification returns the open question for a session, if any.
func (s *Store) PendingClarification(ctx context.Context, sessionID string) (ClarificationRecord, bool, error) {
	if strings.TrimSpace(sessionID) == "" {
		return ClarificationRecord{}, false, fmt.Errorf("session_id required")
	}
	row := s.DB.QueryRowContext(ctx, `
SELECT id, session_id, question, options, target_field, status, answer, asked_at, resolved_at
FROM clarifications
WHERE session_id=$1 AND status=$2
ORDER BY asked_at DESC
LIMIT 1
`, sessionID, ClarificationStatusPending)
	var rec ClarificationRecord
	var options pq.StringArray
	var resolvedAt sql.NullTime
	if err := row.Scan(&rec.ID, &rec.SessionID, &rec.Question, &options, &rec.TargetField, &rec.Status, &rec.Answer, &rec.AskedAt, &resolvedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ClarificationRecord{}, false, nil
		}
		return ClarificationRecord{}, false, err
	}
	rec.Options = []string(options)
	if resolvedAt.Valid {
		ts := resolvedAt.Time
		rec.ResolvedAt = &ts
	}
	return rec, true, nil
}

// ExpireClarifications closes pending questions asked before the cutoff and
// reports how many were expired.
func (s *Store) ExpireClarifications(ctx context.Context, cutoff time.Time) (int64, error) {
	if cutoff.IsZero() {
		return 0, fmt.Errorf("cutoff required")
	}
	res, err := s.DB.ExecContext(ctx, `
UPDATE clarifications SET status=$1, resolved_at=NOW()
WHERE status=$2 AND asked_at < $3
`, ClarificationStatusExpired, ClarificationStatusPending, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ClaimEvent marks a journal event as processed by this consumer. It returns
// true when the claim is fresh and false when another delivery got there
// first, which lets the worker skip duplicate stream entries.
func (s *Store) ClaimEvent(ctx context.Context, eventID, claimedBy string) (bool, error) {
	if strings.TrimSpace(eventID) == "" {
		return false, fmt.Errorf("event id required")
	}
	if strings.TrimSpace(claimedBy) == "" {
		return false, fmt.Errorf("claimed_by required")
	}
	res, err := s.DB.ExecContext(ctx, `
INSERT INTO journal_claims (event_id, claimed_by)
VALUES ($1,$2)
ON CONFLICT (event_id) DO NOTHING
`, eventID, claimedBy)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// PruneClaims drops claim rows older than the cutoff.
func (s *Store) PruneClaims(ctx context.Context, cutoff time.Time) (int64, error) {
	if cutoff.IsZero() {
		return 0, fmt.Errorf("cutoff required")
	}
	res, err := s.DB.ExecContext(ctx, `DELETE FROM journal_claims WHERE claimed_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func nullableBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}
