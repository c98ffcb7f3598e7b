package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arbiterhq/arbiter/internal/model"
)

// Postgres is the pgx-backed Store.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ Store = (*Postgres)(nil)

// NewPostgres creates a connection pool and verifies connectivity.
func NewPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}
	return &Postgres{pool: pool, logger: logger}, nil
}

// Pool exposes the underlying pool for test setup.
func (p *Postgres) Pool() *pgxpool.Pool { return p.pool }

func (p *Postgres) Ping(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return fmt.Errorf("storage: ping: %w", err)
	}
	return nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

const workflowColumns = `workflow_id, tenant_id, state, signals, current_decision_id, version, created_at, updated_at`

func (p *Postgres) LoadWorkflow(ctx context.Context, workflowID string) (model.Workflow, []model.Decision, error) {
	wf, err := p.getWorkflow(ctx, workflowID)
	if err != nil {
		return model.Workflow{}, nil, err
	}

	rows, err := p.pool.Query(ctx,
		`SELECT `+decisionColumns+` FROM decisions WHERE workflow_id = $1 ORDER BY seq`, workflowID)
	if err != nil {
		return model.Workflow{}, nil, fmt.Errorf("storage: load decisions: %w", err)
	}
	defer rows.Close()

	decisions, err := scanDecisions(rows)
	if err != nil {
		return model.Workflow{}, nil, err
	}
	return wf, decisions, nil
}

func (p *Postgres) getWorkflow(ctx context.Context, workflowID string) (model.Workflow, error) {
	var wf model.Workflow
	err := p.pool.QueryRow(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE workflow_id = $1`, workflowID,
	).Scan(&wf.WorkflowID, &wf.TenantID, &wf.State, &wf.Signals, &wf.CurrentDecisionID,
		&wf.Version, &wf.CreatedAt, &wf.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Workflow{}, ErrNotFound
		}
		return model.Workflow{}, fmt.Errorf("storage: get workflow: %w", err)
	}
	return wf, nil
}

func (p *Postgres) CreateWorkflowIfAbsent(ctx context.Context, workflowID, tenantID string) (model.Workflow, error) {
	now := time.Now().UTC()
	_, err := p.pool.Exec(ctx,
		`INSERT INTO workflows (workflow_id, tenant_id, state, signals, version, created_at, updated_at)
		 VALUES ($1, $2, $3, '{}', 1, $4, $4)
		 ON CONFLICT (workflow_id) DO NOTHING`,
		workflowID, tenantID, model.StatePending, now)
	if err != nil {
		return model.Workflow{}, fmt.Errorf("storage: create workflow: %w", err)
	}
	return p.getWorkflow(ctx, workflowID)
}

func (p *Postgres) ApplyWorkflow(ctx context.Context, workflowID string, expectedVersion int64, mut Mutation) (model.Workflow, error) {
	updates, err := json.Marshal(mut.SignalUpdates)
	if err != nil {
		return model.Workflow{}, fmt.Errorf("storage: marshal signal updates: %w", err)
	}

	var wf model.Workflow
	err = p.pool.QueryRow(ctx,
		`UPDATE workflows
		 SET state = $1, signals = signals || $2::jsonb, version = version + 1, updated_at = $3
		 WHERE workflow_id = $4 AND version = $5
		 RETURNING `+workflowColumns,
		mut.State, updates, time.Now().UTC(), workflowID, expectedVersion,
	).Scan(&wf.WorkflowID, &wf.TenantID, &wf.State, &wf.Signals, &wf.CurrentDecisionID,
		&wf.Version, &wf.CreatedAt, &wf.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Workflow{}, p.staleOrMissing(ctx, workflowID)
		}
		return model.Workflow{}, fmt.Errorf("storage: apply workflow: %w", err)
	}
	return wf, nil
}

// staleOrMissing disambiguates a zero-row optimistic write.
func (p *Postgres) staleOrMissing(ctx context.Context, workflowID string) error {
	var exists bool
	if err := p.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM workflows WHERE workflow_id = $1)`, workflowID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("storage: check workflow: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrStaleVersion
}

const decisionColumns = `decision_id, workflow_id, tenant_id, outcome, confidence, reason_codes,
	risk_summary, jurisdiction, pack_id, pack_version, decided_by, service_version, is_override,
	actor_id, supersedes_decision_id, subject_type, subject_id, subject_action, correlation_id,
	cause_event_id, content_hash, ts, created_at`

func (p *Postgres) AppendDecision(ctx context.Context, workflowID string, expectedVersion int64, d model.Decision) (model.Decision, bool, error) {
	reasonCodes, err := json.Marshal(d.ReasonCodes)
	if err != nil {
		return model.Decision{}, false, fmt.Errorf("storage: marshal reason codes: %w", err)
	}
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return model.Decision{}, false, fmt.Errorf("storage: begin append: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`INSERT INTO decisions (`+decisionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)
		 ON CONFLICT (decision_id) DO NOTHING`,
		d.DecisionID, d.WorkflowID, d.TenantID, d.Outcome, d.Confidence, string(reasonCodes),
		string(d.RiskSummary), d.Policy.Jurisdiction, d.Policy.PackID, d.Policy.PackVersion,
		d.Authority.DecidedBy, d.Authority.ServiceVersion, d.Authority.IsOverride,
		d.Authority.ActorID, d.Lineage.SupersedesDecisionID, d.Subject.SubjectType,
		d.Subject.SubjectID, d.Subject.Action, d.CorrelationID, d.CauseEventID,
		d.ContentHash, d.Timestamp, d.CreatedAt)
	if err != nil {
		return model.Decision{}, false, fmt.Errorf("storage: insert decision: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Same decision_id already appended: success no-op with the stored
		// record. Exactly one concurrent caller observes the insert.
		existing, err := p.GetDecision(ctx, d.DecisionID)
		if err != nil {
			return model.Decision{}, false, err
		}
		return existing, false, nil
	}

	// Every append lands the workflow in finalised. Superseded exists only
	// in the window between an override's supersede write and this commit.
	tag, err = tx.Exec(ctx,
		`UPDATE workflows
		 SET current_decision_id = $1, state = $2, version = version + 1, updated_at = $3
		 WHERE workflow_id = $4 AND version = $5`,
		d.DecisionID, model.StateFinalised, now, workflowID, expectedVersion)
	if err != nil {
		return model.Decision{}, false, fmt.Errorf("storage: update current decision: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if err := p.staleOrMissing(ctx, workflowID); err != nil {
			return model.Decision{}, false, err
		}
		return model.Decision{}, false, ErrStaleVersion
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO outbox (decision_id, workflow_id, created_at) VALUES ($1, $2, $3)`,
		d.DecisionID, workflowID, now); err != nil {
		return model.Decision{}, false, fmt.Errorf("storage: enqueue outbox: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Decision{}, false, fmt.Errorf("storage: commit append: %w", err)
	}
	return d, true, nil
}

func (p *Postgres) GetDecision(ctx context.Context, decisionID string) (model.Decision, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+decisionColumns+` FROM decisions WHERE decision_id = $1`, decisionID)
	if err != nil {
		return model.Decision{}, fmt.Errorf("storage: get decision: %w", err)
	}
	defer rows.Close()

	decisions, err := scanDecisions(rows)
	if err != nil {
		return model.Decision{}, err
	}
	if len(decisions) == 0 {
		return model.Decision{}, ErrNotFound
	}
	return decisions[0], nil
}

// scanDecisions reads decision rows produced by a decisionColumns select.
func scanDecisions(rows pgx.Rows) ([]model.Decision, error) {
	var out []model.Decision
	for rows.Next() {
		var (
			d           model.Decision
			reasonCodes string
			riskSummary string
		)
		if err := rows.Scan(&d.DecisionID, &d.WorkflowID, &d.TenantID, &d.Outcome, &d.Confidence,
			&reasonCodes, &riskSummary, &d.Policy.Jurisdiction, &d.Policy.PackID,
			&d.Policy.PackVersion, &d.Authority.DecidedBy, &d.Authority.ServiceVersion,
			&d.Authority.IsOverride, &d.Authority.ActorID, &d.Lineage.SupersedesDecisionID,
			&d.Subject.SubjectType, &d.Subject.SubjectID, &d.Subject.Action, &d.CorrelationID,
			&d.CauseEventID, &d.ContentHash, &d.Timestamp, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan decision: %w", err)
		}
		if err := decodeDecisionJSON(&d, reasonCodes, riskSummary); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func decodeDecisionJSON(d *model.Decision, reasonCodes, riskSummary string) error {
	if reasonCodes != "" {
		if err := json.Unmarshal([]byte(reasonCodes), &d.ReasonCodes); err != nil {
			return fmt.Errorf("storage: decode reason codes for %s: %w", d.DecisionID, err)
		}
	}
	if riskSummary != "" {
		d.RiskSummary = json.RawMessage(riskSummary)
	}
	d.Timestamp = d.Timestamp.UTC()
	d.CreatedAt = d.CreatedAt.UTC()
	return nil
}

func (p *Postgres) RecordEvent(ctx context.Context, ev model.Event) (bool, error) {
	payload, err := model.MarshalPayload(ev.Payload)
	if err != nil {
		return false, fmt.Errorf("storage: %w", err)
	}
	received := ev.ReceivedAt
	if received.IsZero() {
		received = time.Now().UTC()
	}
	tag, err := p.pool.Exec(ctx,
		`INSERT INTO events (event_id, event_type, workflow_id, tenant_id, correlation_id, ts, payload, received_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (event_id) DO NOTHING`,
		ev.EventID, ev.EventType, ev.WorkflowID, ev.TenantID, ev.CorrelationID,
		ev.Timestamp, string(payload), received)
	if err != nil {
		return false, fmt.Errorf("storage: record event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *Postgres) ListEvents(ctx context.Context, workflowID string) ([]model.Event, error) {
	query := `SELECT event_id, event_type, workflow_id, tenant_id, correlation_id, ts, payload, received_at FROM events`
	args := []any{}
	if workflowID != "" {
		query += ` WHERE workflow_id = $1`
		args = append(args, workflowID)
	}
	query += ` ORDER BY seq`

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list events: %w", err)
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		var (
			ev      model.Event
			payload string
		)
		if err := rows.Scan(&ev.EventID, &ev.EventType, &ev.WorkflowID, &ev.TenantID,
			&ev.CorrelationID, &ev.Timestamp, &payload, &ev.ReceivedAt); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		ev.Timestamp = ev.Timestamp.UTC()
		ev.ReceivedAt = ev.ReceivedAt.UTC()
		typed, err := model.DecodePayload(ev.EventType, json.RawMessage(payload))
		if err != nil {
			return nil, fmt.Errorf("storage: event %s: %w", ev.EventID, err)
		}
		ev.Payload = typed
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (p *Postgres) ListWorkflows(ctx context.Context, f model.WorkflowFilter) ([]model.Workflow, int, error) {
	where := ` WHERE 1=1`
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.TenantID != "" {
		where += ` AND tenant_id = ` + arg(f.TenantID)
	}
	if f.State != "" {
		where += ` AND state = ` + arg(f.State)
	}
	if !f.From.IsZero() {
		where += ` AND updated_at >= ` + arg(f.From)
	}
	if !f.To.IsZero() {
		where += ` AND updated_at <= ` + arg(f.To)
	}

	var total int
	if err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM workflows`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count workflows: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + workflowColumns + ` FROM workflows` + where +
		` ORDER BY updated_at DESC LIMIT ` + arg(limit) + ` OFFSET ` + arg(f.Offset)

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list workflows: %w", err)
	}
	defer rows.Close()

	var out []model.Workflow
	for rows.Next() {
		var wf model.Workflow
		if err := rows.Scan(&wf.WorkflowID, &wf.TenantID, &wf.State, &wf.Signals,
			&wf.CurrentDecisionID, &wf.Version, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("storage: scan workflow: %w", err)
		}
		out = append(out, wf)
	}
	return out, total, rows.Err()
}

func (p *Postgres) RecordDeadLetter(ctx context.Context, dl DeadLetter) error {
	created := dl.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO dead_letters (event_id, workflow_id, reason, attempts, last_error, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		dl.EventID, dl.WorkflowID, dl.Reason, dl.Attempts, dl.LastError, created)
	if err != nil {
		return fmt.Errorf("storage: record dead letter: %w", err)
	}
	return nil
}

func (p *Postgres) ListDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx,
		`SELECT id, event_id, workflow_id, reason, attempts, last_error, created_at
		 FROM dead_letters ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var dl DeadLetter
		if err := rows.Scan(&dl.ID, &dl.EventID, &dl.WorkflowID, &dl.Reason,
			&dl.Attempts, &dl.LastError, &dl.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan dead letter: %w", err)
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

func (p *Postgres) PendingOutbox(ctx context.Context, limit int) ([]OutboxEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx,
		`UPDATE outbox SET attempts = attempts + 1
		 WHERE id IN (
			SELECT id FROM outbox WHERE published_at IS NULL ORDER BY id LIMIT $1
			FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, decision_id, workflow_id, attempts, created_at, published_at`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: pending outbox: %w", err)
	}
	defer rows.Close()

	var out []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.DecisionID, &e.WorkflowID, &e.Attempts,
			&e.CreatedAt, &e.PublishedAt); err != nil {
			return nil, fmt.Errorf("storage: scan outbox: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *Postgres) OutboxDepth(ctx context.Context) (int64, error) {
	var depth int64
	if err := p.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM outbox WHERE published_at IS NULL`).Scan(&depth); err != nil {
		return 0, fmt.Errorf("storage: outbox depth: %w", err)
	}
	return depth, nil
}

func (p *Postgres) MarkPublished(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := p.pool.Exec(ctx,
		`UPDATE outbox SET published_at = $1 WHERE id = ANY($2)`,
		time.Now().UTC(), ids)
	if err != nil {
		return fmt.Errorf("storage: mark published: %w", err)
	}
	return nil
}
