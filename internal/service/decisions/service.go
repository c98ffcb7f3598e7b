// Package decisions provides the shared read-side logic for workflow and
// decision queries.
//
// Both the HTTP API and the MCP server delegate here, so pagination bounds,
// timeline annotation, and integrity verification behave identically across
// surfaces.
package decisions

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/arbiterhq/arbiter/internal/integrity"
	"github.com/arbiterhq/arbiter/internal/model"
	"github.com/arbiterhq/arbiter/internal/storage"
	"github.com/arbiterhq/arbiter/internal/telemetry"
)

// Listing bounds. Requests above MaxLimit are clamped, not rejected.
const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// Service encapsulates query logic shared by HTTP and MCP handlers.
type Service struct {
	store  storage.Store
	logger *slog.Logger

	verifyDuration metric.Float64Histogram
}

// New creates a decision query Service.
func New(store storage.Store, logger *slog.Logger) *Service {
	meter := telemetry.Meter("arbiter/decisions")
	verifyDur, _ := meter.Float64Histogram("arbiter.integrity.verify.duration",
		metric.WithDescription("Time to verify a workflow's decision chain (ms)"),
		metric.WithUnit("ms"),
	)
	return &Service{store: store, logger: logger, verifyDuration: verifyDur}
}

// Workflow returns the projection for one workflow.
// storage.ErrNotFound when absent.
func (s *Service) Workflow(ctx context.Context, workflowID string) (model.Workflow, error) {
	wf, _, err := s.store.LoadWorkflow(ctx, workflowID)
	return wf, err
}

// Current returns the workflow's authoritative decision.
// storage.ErrNotFound covers both a missing workflow and one that has not
// finalised yet; callers render both as 404.
func (s *Service) Current(ctx context.Context, workflowID string) (model.Decision, error) {
	wf, log, err := s.store.LoadWorkflow(ctx, workflowID)
	if err != nil {
		return model.Decision{}, err
	}
	if wf.CurrentDecisionID == nil {
		return model.Decision{}, fmt.Errorf("workflow %s has no decision: %w", workflowID, storage.ErrNotFound)
	}
	for _, d := range log {
		if d.DecisionID == *wf.CurrentDecisionID {
			return d, nil
		}
	}
	// The current pointer always references a logged decision; both are
	// written in the same transaction.
	return model.Decision{}, fmt.Errorf("decisions: workflow %s current decision %s missing from log", workflowID, *wf.CurrentDecisionID)
}

// Timeline returns the workflow's full decision history in append order,
// annotated with currency and supersession links.
func (s *Service) Timeline(ctx context.Context, workflowID string) ([]model.TimelineDecision, error) {
	wf, log, err := s.store.LoadWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	supersededBy := make(map[string]string, len(log))
	for _, d := range log {
		if d.Lineage.SupersedesDecisionID != nil {
			supersededBy[*d.Lineage.SupersedesDecisionID] = d.DecisionID
		}
	}

	out := make([]model.TimelineDecision, len(log))
	for i, d := range log {
		td := model.TimelineDecision{Decision: d}
		if wf.CurrentDecisionID != nil && d.DecisionID == *wf.CurrentDecisionID {
			td.IsCurrent = true
		}
		if by, ok := supersededBy[d.DecisionID]; ok {
			td.SupersededBy = &by
		}
		out[i] = td
	}
	return out, nil
}

// List returns workflows matching the filter plus the total match count.
// Limit and offset are clamped to safe bounds.
func (s *Service) List(ctx context.Context, f model.WorkflowFilter) ([]model.Workflow, int, error) {
	if f.Limit <= 0 {
		f.Limit = DefaultLimit
	}
	if f.Limit > MaxLimit {
		f.Limit = MaxLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	if f.State != "" && !f.State.Valid() {
		return nil, 0, fmt.Errorf("decisions: unknown workflow state %q", f.State)
	}
	return s.store.ListWorkflows(ctx, f)
}

// Integrity verifies the workflow's decision hash chain and reports any
// entries whose stored hash no longer matches their content.
func (s *Service) Integrity(ctx context.Context, workflowID string) (model.IntegrityReport, error) {
	_, log, err := s.store.LoadWorkflow(ctx, workflowID)
	if err != nil {
		return model.IntegrityReport{}, err
	}

	start := time.Now()
	failures := integrity.VerifyChain(log)
	report := model.IntegrityReport{
		WorkflowID:    workflowID,
		DecisionCount: len(log),
		Valid:         len(failures) == 0,
		Failures:      failures,
	}
	if len(log) > 0 {
		report.MerkleRoot = integrity.MerkleRoot(log)
	}
	s.verifyDuration.Record(ctx, float64(time.Since(start).Milliseconds()))

	if !report.Valid {
		s.logger.Warn("decision chain verification failed",
			"workflow_id", workflowID, "failures", len(failures))
	}
	return report, nil
}

// Events returns the workflow's recorded event log in arrival order.
func (s *Service) Events(ctx context.Context, workflowID string) ([]model.Event, error) {
	if _, _, err := s.store.LoadWorkflow(ctx, workflowID); err != nil {
		return nil, err
	}
	return s.store.ListEvents(ctx, workflowID)
}

// DeadLetters lists the most recent dead letters, newest first.
func (s *Service) DeadLetters(ctx context.Context, limit int) ([]storage.DeadLetter, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	return s.store.ListDeadLetters(ctx, limit)
}
