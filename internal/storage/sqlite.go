package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/arbiterhq/arbiter/internal/model"
)

// SQLite is a single-node Store used for local development and for replay
// into a scratch database. Schema and semantics mirror the Postgres backend.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Store = (*SQLite)(nil)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS workflows (
	workflow_id         TEXT PRIMARY KEY,
	tenant_id           TEXT NOT NULL,
	state               TEXT NOT NULL,
	signals             TEXT NOT NULL DEFAULT '{}',
	current_decision_id TEXT,
	version             INTEGER NOT NULL DEFAULT 1,
	created_at          TEXT NOT NULL,
	updated_at          TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
	seq            INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id       TEXT NOT NULL UNIQUE,
	event_type     TEXT NOT NULL,
	workflow_id    TEXT NOT NULL,
	tenant_id      TEXT NOT NULL,
	correlation_id TEXT NOT NULL DEFAULT '',
	ts             TEXT NOT NULL,
	payload        TEXT NOT NULL,
	received_at    TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_workflow ON events (workflow_id, seq);

CREATE TABLE IF NOT EXISTS decisions (
	seq                    INTEGER PRIMARY KEY AUTOINCREMENT,
	decision_id            TEXT NOT NULL UNIQUE,
	workflow_id            TEXT NOT NULL,
	tenant_id              TEXT NOT NULL,
	outcome                TEXT NOT NULL,
	confidence             REAL NOT NULL,
	reason_codes           TEXT NOT NULL DEFAULT '[]',
	risk_summary           TEXT NOT NULL DEFAULT '',
	jurisdiction           TEXT NOT NULL,
	pack_id                TEXT NOT NULL,
	pack_version           TEXT NOT NULL,
	decided_by             TEXT NOT NULL,
	service_version        TEXT NOT NULL,
	is_override            INTEGER NOT NULL DEFAULT 0,
	actor_id               TEXT NOT NULL DEFAULT '',
	supersedes_decision_id TEXT,
	subject_type           TEXT NOT NULL DEFAULT '',
	subject_id             TEXT NOT NULL DEFAULT '',
	subject_action         TEXT NOT NULL DEFAULT '',
	correlation_id         TEXT NOT NULL DEFAULT '',
	cause_event_id         TEXT NOT NULL,
	content_hash           TEXT NOT NULL,
	ts                     TEXT NOT NULL,
	created_at             TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_decisions_workflow ON decisions (workflow_id, seq);

CREATE TABLE IF NOT EXISTS outbox (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	decision_id  TEXT NOT NULL,
	workflow_id  TEXT NOT NULL,
	attempts     INTEGER NOT NULL DEFAULT 0,
	created_at   TEXT NOT NULL,
	published_at TEXT
);

CREATE TABLE IF NOT EXISTS dead_letters (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id    TEXT NOT NULL,
	workflow_id TEXT NOT NULL,
	reason      TEXT NOT NULL,
	attempts    INTEGER NOT NULL DEFAULT 0,
	last_error  TEXT NOT NULL DEFAULT '',
	created_at  TEXT NOT NULL
);
`

// NewSQLite opens (creating if needed) the database at path and applies the
// schema. Use ":memory:" for an ephemeral store.
func NewSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	// Serialise all access through one connection. SQLite allows a single
	// writer; this sidesteps SQLITE_BUSY under concurrent appends.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA busy_timeout = 5000`,
		`PRAGMA foreign_keys = ON`,
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("storage: %s: %w", strings.ToLower(pragma), err)
		}
	}

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: apply sqlite schema: %w", err)
	}
	logger.Debug("sqlite store ready", "path", path)
	return &SQLite{db: db, logger: logger}, nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("storage: ping: %w", err)
	}
	return nil
}

func (s *SQLite) Close() error { return s.db.Close() }

type sqliteQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// sqliteTimeLayout is RFC 3339 with a fixed nine-digit fraction. Stored
// values must order lexicographically; RFC3339Nano trims trailing zeros
// and breaks text comparison in ORDER BY and range filters.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func encodeTime(t time.Time) string { return t.UTC().Format(sqliteTimeLayout) }

func decodeTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t.UTC()
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC()
	}
	return time.Time{}
}

func (s *SQLite) getWorkflow(ctx context.Context, q sqliteQuerier, workflowID string) (model.Workflow, error) {
	var (
		wf        model.Workflow
		signals   string
		current   sql.NullString
		createdAt string
		updatedAt string
	)
	err := q.QueryRowContext(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE workflow_id = ?`, workflowID,
	).Scan(&wf.WorkflowID, &wf.TenantID, &wf.State, &signals, &current,
		&wf.Version, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Workflow{}, ErrNotFound
		}
		return model.Workflow{}, fmt.Errorf("storage: get workflow: %w", err)
	}
	if err := json.Unmarshal([]byte(signals), &wf.Signals); err != nil {
		return model.Workflow{}, fmt.Errorf("storage: decode signals for %s: %w", workflowID, err)
	}
	if current.Valid {
		wf.CurrentDecisionID = &current.String
	}
	wf.CreatedAt = decodeTime(createdAt)
	wf.UpdatedAt = decodeTime(updatedAt)
	return wf, nil
}

func (s *SQLite) LoadWorkflow(ctx context.Context, workflowID string) (model.Workflow, []model.Decision, error) {
	wf, err := s.getWorkflow(ctx, s.db, workflowID)
	if err != nil {
		return model.Workflow{}, nil, err
	}
	decisions, err := s.queryDecisions(ctx, s.db,
		`SELECT `+decisionColumns+` FROM decisions WHERE workflow_id = ? ORDER BY seq`, workflowID)
	if err != nil {
		return model.Workflow{}, nil, err
	}
	return wf, decisions, nil
}

func (s *SQLite) CreateWorkflowIfAbsent(ctx context.Context, workflowID, tenantID string) (model.Workflow, error) {
	now := encodeTime(time.Now())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflows (workflow_id, tenant_id, state, signals, version, created_at, updated_at)
		 VALUES (?, ?, ?, '{}', 1, ?, ?)
		 ON CONFLICT (workflow_id) DO NOTHING`,
		workflowID, tenantID, model.StatePending, now, now)
	if err != nil {
		return model.Workflow{}, fmt.Errorf("storage: create workflow: %w", err)
	}
	return s.getWorkflow(ctx, s.db, workflowID)
}

func (s *SQLite) ApplyWorkflow(ctx context.Context, workflowID string, expectedVersion int64, mut Mutation) (model.Workflow, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Workflow{}, fmt.Errorf("storage: begin apply: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	wf, err := s.getWorkflow(ctx, tx, workflowID)
	if err != nil {
		return model.Workflow{}, err
	}
	if wf.Version != expectedVersion {
		return model.Workflow{}, ErrStaleVersion
	}

	merged := wf.Signals.Clone()
	for k, v := range mut.SignalUpdates {
		merged[k] = v
	}
	signals, err := json.Marshal(merged)
	if err != nil {
		return model.Workflow{}, fmt.Errorf("storage: marshal signals: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE workflows SET state = ?, signals = ?, version = version + 1, updated_at = ?
		 WHERE workflow_id = ? AND version = ?`,
		mut.State, string(signals), encodeTime(time.Now()), workflowID, expectedVersion); err != nil {
		return model.Workflow{}, fmt.Errorf("storage: apply workflow: %w", err)
	}

	updated, err := s.getWorkflow(ctx, tx, workflowID)
	if err != nil {
		return model.Workflow{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Workflow{}, fmt.Errorf("storage: commit apply: %w", err)
	}
	return updated, nil
}

func (s *SQLite) AppendDecision(ctx context.Context, workflowID string, expectedVersion int64, d model.Decision) (model.Decision, bool, error) {
	reasonCodes, err := json.Marshal(d.ReasonCodes)
	if err != nil {
		return model.Decision{}, false, fmt.Errorf("storage: marshal reason codes: %w", err)
	}
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Decision{}, false, fmt.Errorf("storage: begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO decisions (`+decisionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (decision_id) DO NOTHING`,
		d.DecisionID, d.WorkflowID, d.TenantID, d.Outcome, d.Confidence, string(reasonCodes),
		string(d.RiskSummary), d.Policy.Jurisdiction, d.Policy.PackID, d.Policy.PackVersion,
		d.Authority.DecidedBy, d.Authority.ServiceVersion, d.Authority.IsOverride,
		d.Authority.ActorID, d.Lineage.SupersedesDecisionID, d.Subject.SubjectType,
		d.Subject.SubjectID, d.Subject.Action, d.CorrelationID, d.CauseEventID,
		d.ContentHash, encodeTime(d.Timestamp), encodeTime(d.CreatedAt))
	if err != nil {
		return model.Decision{}, false, fmt.Errorf("storage: insert decision: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return model.Decision{}, false, fmt.Errorf("storage: insert decision: %w", err)
	}
	if inserted == 0 {
		existing, err := s.queryDecisions(ctx, tx,
			`SELECT `+decisionColumns+` FROM decisions WHERE decision_id = ?`, d.DecisionID)
		if err != nil {
			return model.Decision{}, false, err
		}
		if len(existing) == 0 {
			return model.Decision{}, false, ErrNotFound
		}
		return existing[0], false, nil
	}

	// Every append lands the workflow in finalised. Superseded exists only
	// in the window between an override's supersede write and this commit.
	res, err = tx.ExecContext(ctx,
		`UPDATE workflows SET current_decision_id = ?, state = ?, version = version + 1, updated_at = ?
		 WHERE workflow_id = ? AND version = ?`,
		d.DecisionID, model.StateFinalised, encodeTime(now), workflowID, expectedVersion)
	if err != nil {
		return model.Decision{}, false, fmt.Errorf("storage: update current decision: %w", err)
	}
	updated, err := res.RowsAffected()
	if err != nil {
		return model.Decision{}, false, fmt.Errorf("storage: update current decision: %w", err)
	}
	if updated == 0 {
		if _, err := s.getWorkflow(ctx, tx, workflowID); err != nil {
			return model.Decision{}, false, err
		}
		return model.Decision{}, false, ErrStaleVersion
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO outbox (decision_id, workflow_id, created_at) VALUES (?, ?, ?)`,
		d.DecisionID, workflowID, encodeTime(now)); err != nil {
		return model.Decision{}, false, fmt.Errorf("storage: enqueue outbox: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return model.Decision{}, false, fmt.Errorf("storage: commit append: %w", err)
	}
	return d, true, nil
}

func (s *SQLite) GetDecision(ctx context.Context, decisionID string) (model.Decision, error) {
	decisions, err := s.queryDecisions(ctx, s.db,
		`SELECT `+decisionColumns+` FROM decisions WHERE decision_id = ?`, decisionID)
	if err != nil {
		return model.Decision{}, err
	}
	if len(decisions) == 0 {
		return model.Decision{}, ErrNotFound
	}
	return decisions[0], nil
}

func (s *SQLite) queryDecisions(ctx context.Context, q sqliteQuerier, query string, args ...any) ([]model.Decision, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: query decisions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Decision
	for rows.Next() {
		var (
			d           model.Decision
			reasonCodes string
			riskSummary string
			supersedes  sql.NullString
			ts          string
			createdAt   string
		)
		if err := rows.Scan(&d.DecisionID, &d.WorkflowID, &d.TenantID, &d.Outcome, &d.Confidence,
			&reasonCodes, &riskSummary, &d.Policy.Jurisdiction, &d.Policy.PackID,
			&d.Policy.PackVersion, &d.Authority.DecidedBy, &d.Authority.ServiceVersion,
			&d.Authority.IsOverride, &d.Authority.ActorID, &supersedes,
			&d.Subject.SubjectType, &d.Subject.SubjectID, &d.Subject.Action, &d.CorrelationID,
			&d.CauseEventID, &d.ContentHash, &ts, &createdAt); err != nil {
			return nil, fmt.Errorf("storage: scan decision: %w", err)
		}
		if supersedes.Valid {
			d.Lineage.SupersedesDecisionID = &supersedes.String
		}
		d.Timestamp = decodeTime(ts)
		d.CreatedAt = decodeTime(createdAt)
		if err := decodeDecisionJSON(&d, reasonCodes, riskSummary); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQLite) RecordEvent(ctx context.Context, ev model.Event) (bool, error) {
	payload, err := model.MarshalPayload(ev.Payload)
	if err != nil {
		return false, fmt.Errorf("storage: %w", err)
	}
	received := ev.ReceivedAt
	if received.IsZero() {
		received = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events (event_id, event_type, workflow_id, tenant_id, correlation_id, ts, payload, received_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (event_id) DO NOTHING`,
		ev.EventID, ev.EventType, ev.WorkflowID, ev.TenantID, ev.CorrelationID,
		encodeTime(ev.Timestamp), string(payload), encodeTime(received))
	if err != nil {
		return false, fmt.Errorf("storage: record event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("storage: record event: %w", err)
	}
	return n == 1, nil
}

func (s *SQLite) ListEvents(ctx context.Context, workflowID string) ([]model.Event, error) {
	query := `SELECT event_id, event_type, workflow_id, tenant_id, correlation_id, ts, payload, received_at FROM events`
	args := []any{}
	if workflowID != "" {
		query += ` WHERE workflow_id = ?`
		args = append(args, workflowID)
	}
	query += ` ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Event
	for rows.Next() {
		var (
			ev       model.Event
			ts       string
			payload  string
			received string
		)
		if err := rows.Scan(&ev.EventID, &ev.EventType, &ev.WorkflowID, &ev.TenantID,
			&ev.CorrelationID, &ts, &payload, &received); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		ev.Timestamp = decodeTime(ts)
		ev.ReceivedAt = decodeTime(received)
		typed, err := model.DecodePayload(ev.EventType, json.RawMessage(payload))
		if err != nil {
			return nil, fmt.Errorf("storage: event %s: %w", ev.EventID, err)
		}
		ev.Payload = typed
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLite) ListWorkflows(ctx context.Context, f model.WorkflowFilter) ([]model.Workflow, int, error) {
	where := ` WHERE 1=1`
	args := []any{}
	if f.TenantID != "" {
		where += ` AND tenant_id = ?`
		args = append(args, f.TenantID)
	}
	if f.State != "" {
		where += ` AND state = ?`
		args = append(args, f.State)
	}
	if !f.From.IsZero() {
		where += ` AND updated_at >= ?`
		args = append(args, encodeTime(f.From))
	}
	if !f.To.IsZero() {
		where += ` AND updated_at <= ?`
		args = append(args, encodeTime(f.To))
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM workflows`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count workflows: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + workflowColumns + ` FROM workflows` + where +
		` ORDER BY updated_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list workflows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Workflow
	for rows.Next() {
		var (
			wf        model.Workflow
			signals   string
			current   sql.NullString
			createdAt string
			updatedAt string
		)
		if err := rows.Scan(&wf.WorkflowID, &wf.TenantID, &wf.State, &signals, &current,
			&wf.Version, &createdAt, &updatedAt); err != nil {
			return nil, 0, fmt.Errorf("storage: scan workflow: %w", err)
		}
		if err := json.Unmarshal([]byte(signals), &wf.Signals); err != nil {
			return nil, 0, fmt.Errorf("storage: decode signals for %s: %w", wf.WorkflowID, err)
		}
		if current.Valid {
			wf.CurrentDecisionID = &current.String
		}
		wf.CreatedAt = decodeTime(createdAt)
		wf.UpdatedAt = decodeTime(updatedAt)
		out = append(out, wf)
	}
	return out, total, rows.Err()
}

func (s *SQLite) RecordDeadLetter(ctx context.Context, dl DeadLetter) error {
	created := dl.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letters (event_id, workflow_id, reason, attempts, last_error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		dl.EventID, dl.WorkflowID, dl.Reason, dl.Attempts, dl.LastError, encodeTime(created))
	if err != nil {
		return fmt.Errorf("storage: record dead letter: %w", err)
	}
	return nil
}

func (s *SQLite) ListDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, event_id, workflow_id, reason, attempts, last_error, created_at
		 FROM dead_letters ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list dead letters: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []DeadLetter
	for rows.Next() {
		var (
			dl      DeadLetter
			created string
		)
		if err := rows.Scan(&dl.ID, &dl.EventID, &dl.WorkflowID, &dl.Reason,
			&dl.Attempts, &dl.LastError, &created); err != nil {
			return nil, fmt.Errorf("storage: scan dead letter: %w", err)
		}
		dl.CreatedAt = decodeTime(created)
		out = append(out, dl)
	}
	return out, rows.Err()
}

func (s *SQLite) PendingOutbox(ctx context.Context, limit int) ([]OutboxEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: begin outbox claim: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, decision_id, workflow_id, attempts, created_at
		 FROM outbox WHERE published_at IS NULL ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: pending outbox: %w", err)
	}

	var (
		out []OutboxEntry
		ids []int64
	)
	for rows.Next() {
		var (
			e       OutboxEntry
			created string
		)
		if err := rows.Scan(&e.ID, &e.DecisionID, &e.WorkflowID, &e.Attempts, &created); err != nil {
			rows.Close()
			return nil, fmt.Errorf("storage: scan outbox: %w", err)
		}
		e.Attempts++
		e.CreatedAt = decodeTime(created)
		out = append(out, e)
		ids = append(ids, e.ID)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(ids) > 0 {
		query, args := inClause(`UPDATE outbox SET attempts = attempts + 1 WHERE id IN (%s)`, ids)
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return nil, fmt.Errorf("storage: bump outbox attempts: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("storage: commit outbox claim: %w", err)
	}
	return out, nil
}

func (s *SQLite) OutboxDepth(ctx context.Context) (int64, error) {
	var depth int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outbox WHERE published_at IS NULL`).Scan(&depth); err != nil {
		return 0, fmt.Errorf("storage: outbox depth: %w", err)
	}
	return depth, nil
}

func (s *SQLite) MarkPublished(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query, args := inClause(`UPDATE outbox SET published_at = ? WHERE id IN (%s)`, ids)
	args = append([]any{encodeTime(time.Now())}, args...)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("storage: mark published: %w", err)
	}
	return nil
}

func inClause(format string, ids []int64) (string, []any) {
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	return fmt.Sprintf(format, strings.Join(placeholders, ", ")), args
}
