// Package storage provides the durable workflow store: the per-workflow
// projection with optimistic concurrency, the append-only event and decision
// logs, the transactional outbox, and dead letters. Two backends implement
// the same contract: Postgres (pgx) for production and SQLite (modernc) for
// development, tests, and replay scratch stores.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/arbiterhq/arbiter/internal/model"
)

var (
	// ErrStaleVersion is returned when an optimistic write loses the
	// version check. Callers reload and retry a bounded number of times.
	ErrStaleVersion = errors.New("storage: stale version")
)

// Mutation is the workflow change applied by ApplyWorkflow. Signal updates
// merge into the stored map; the version bump is the store's job.
type Mutation struct {
	State         model.WorkflowState
	SignalUpdates model.Signals
}

// OutboxEntry is one pending outbound publication.
type OutboxEntry struct {
	ID          int64
	DecisionID  string
	WorkflowID  string
	Attempts    int
	CreatedAt   time.Time
	PublishedAt *time.Time
}

// DeadLetter records an event the pipeline gave up on.
type DeadLetter struct {
	ID         int64     `json:"id"`
	EventID    string    `json:"event_id"`
	WorkflowID string    `json:"workflow_id"`
	Reason     string    `json:"reason"`
	Attempts   int       `json:"attempts"`
	LastError  string    `json:"last_error"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store is the durability contract. All writes are durable before return.
//
// Uniqueness on event_id and decision_id is enforced by the store: for
// concurrent writers of the same id, exactly one observes "new" and the
// rest observe "duplicate". This is the foundation of the single-emitter
// invariant.
type Store interface {
	// LoadWorkflow returns the workflow and its full decision history in
	// append order. ErrNotFound when absent.
	LoadWorkflow(ctx context.Context, workflowID string) (model.Workflow, []model.Decision, error)

	// CreateWorkflowIfAbsent atomically creates the pending workflow on
	// first arrival and returns the stored record either way.
	CreateWorkflowIfAbsent(ctx context.Context, workflowID, tenantID string) (model.Workflow, error)

	// ApplyWorkflow performs an optimistic-concurrency mutation.
	// ErrStaleVersion when expectedVersion no longer matches.
	ApplyWorkflow(ctx context.Context, workflowID string, expectedVersion int64, mut Mutation) (model.Workflow, error)

	// AppendDecision atomically appends the decision, marks it current,
	// moves the workflow to finalised, bumps the version, and enqueues the
	// outbound publication. A duplicate decision_id is a success no-op
	// returning the existing record and appended=false.
	AppendDecision(ctx context.Context, workflowID string, expectedVersion int64, d model.Decision) (decision model.Decision, appended bool, err error)

	// RecordEvent idempotently appends to the event log. Returns whether
	// the event is new; duplicates leave the log untouched.
	RecordEvent(ctx context.Context, ev model.Event) (isNew bool, err error)

	// ListEvents returns recorded events in arrival order; empty workflowID
	// selects the whole log (the replay source).
	ListEvents(ctx context.Context, workflowID string) ([]model.Event, error)

	// ListWorkflows returns workflows matching the filter plus the total
	// match count for paging.
	ListWorkflows(ctx context.Context, f model.WorkflowFilter) ([]model.Workflow, int, error)

	// RecordDeadLetter stores a failed-event record.
	RecordDeadLetter(ctx context.Context, dl DeadLetter) error

	// ListDeadLetters returns the most recent dead letters.
	ListDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error)

	// PendingOutbox returns unpublished outbox entries in append order and
	// counts the delivery attempt.
	PendingOutbox(ctx context.Context, limit int) ([]OutboxEntry, error)

	// MarkPublished marks outbox entries delivered.
	MarkPublished(ctx context.Context, ids []int64) error

	// OutboxDepth counts outbox entries not yet published.
	OutboxDepth(ctx context.Context) (int64, error)

	// GetDecision returns a single decision by id. ErrNotFound when absent.
	GetDecision(ctx context.Context, decisionID string) (model.Decision, error)

	Ping(ctx context.Context) error
	Close() error
}
