// Package replay rebuilds the decision log from recorded events and checks
// the rebuild against the stored decisions.
//
// Decisions derive every field from recorded inputs: ids are content
// derived, timestamps copy the triggering event, and risk results come from
// recorded risk.returned payloads rather than live calls. Feeding the event
// log back through the same engine and authority into a scratch store must
// therefore reproduce each decision byte for byte, CreatedAt excluded. A
// mismatch means the pipeline drifted or the stored log was altered.
package replay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/arbiterhq/arbiter/internal/authority"
	"github.com/arbiterhq/arbiter/internal/ingest"
	"github.com/arbiterhq/arbiter/internal/model"
	"github.com/arbiterhq/arbiter/internal/policy"
	"github.com/arbiterhq/arbiter/internal/storage"
)

// listPageSize bounds workflow listing during comparison.
const listPageSize = 200

// Result summarises one verification run.
type Result struct {
	Events     int      `json:"events"`
	Workflows  int      `json:"workflows"`
	Decisions  int      `json:"decisions"`
	Mismatches []string `json:"mismatches,omitempty"`
}

// OK reports whether the rebuild matched the stored log exactly.
func (r Result) OK() bool { return len(r.Mismatches) == 0 }

// Replayer rebuilds decisions from a source store's event log.
type Replayer struct {
	source         storage.Store
	packs          *policy.Registry
	serviceVersion string
	logger         *slog.Logger
}

// New creates a Replayer over the source store. serviceVersion must match
// the version that produced the stored decisions; it participates in
// decision id derivation.
func New(source storage.Store, packs *policy.Registry, serviceVersion string, logger *slog.Logger) *Replayer {
	return &Replayer{source: source, packs: packs, serviceVersion: serviceVersion, logger: logger}
}

// Run feeds every recorded event, in recorded order, through the replay
// handler into scratch and returns the number of events replayed. The risk
// service is never contacted: recorded risk.returned events drive
// finalisation.
func (r *Replayer) Run(ctx context.Context, scratch storage.Store) (int, error) {
	events, err := r.source.ListEvents(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("replay: list events: %w", err)
	}

	auth := authority.New(scratch, r.packs, r.serviceVersion, r.logger)
	h := ingest.NewReplayHandler(scratch, r.packs, auth, r.logger)

	for _, ev := range events {
		if _, err := scratch.CreateWorkflowIfAbsent(ctx, ev.WorkflowID, ev.TenantID); err != nil {
			return 0, fmt.Errorf("replay: create workflow %s: %w", ev.WorkflowID, err)
		}
		if _, err := scratch.RecordEvent(ctx, ev); err != nil {
			return 0, fmt.Errorf("replay: record event %s: %w", ev.EventID, err)
		}
		if err := h.Handle(ctx, ev); err != nil {
			return 0, fmt.Errorf("replay: event %s (%s): %w", ev.EventID, ev.EventType, err)
		}
	}
	return len(events), nil
}

// Verify replays the log into a fresh in-memory store and compares every
// workflow's rebuilt decisions against the stored ones. Infrastructure
// failures return an error; content differences land in Result.Mismatches.
func (r *Replayer) Verify(ctx context.Context) (Result, error) {
	scratch, err := storage.NewSQLite(ctx, ":memory:", r.logger)
	if err != nil {
		return Result{}, fmt.Errorf("replay: scratch store: %w", err)
	}
	defer func() { _ = scratch.Close() }()

	start := time.Now()
	events, err := r.Run(ctx, scratch)
	if err != nil {
		return Result{}, err
	}

	res := Result{Events: events}
	offset := 0
	for {
		page, total, err := r.source.ListWorkflows(ctx, model.WorkflowFilter{Limit: listPageSize, Offset: offset})
		if err != nil {
			return res, fmt.Errorf("replay: list workflows: %w", err)
		}
		for _, wf := range page {
			mismatches, count, err := r.compareWorkflow(ctx, scratch, wf.WorkflowID)
			if err != nil {
				return res, err
			}
			res.Workflows++
			res.Decisions += count
			res.Mismatches = append(res.Mismatches, mismatches...)
		}
		offset += len(page)
		if len(page) == 0 || offset >= total {
			break
		}
	}

	r.logger.Info("replay verification finished",
		"events", res.Events,
		"workflows", res.Workflows,
		"decisions", res.Decisions,
		"mismatches", len(res.Mismatches),
		"elapsed", time.Since(start))
	return res, nil
}

func (r *Replayer) compareWorkflow(ctx context.Context, scratch storage.Store, workflowID string) ([]string, int, error) {
	_, want, err := r.source.LoadWorkflow(ctx, workflowID)
	if err != nil {
		return nil, 0, fmt.Errorf("replay: load stored %s: %w", workflowID, err)
	}
	_, got, err := scratch.LoadWorkflow(ctx, workflowID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, 0, fmt.Errorf("replay: load rebuilt %s: %w", workflowID, err)
	}

	var mismatches []string
	if len(want) != len(got) {
		mismatches = append(mismatches,
			fmt.Sprintf("workflow %s: %d decisions stored, %d rebuilt", workflowID, len(want), len(got)))
	}
	for i := range want {
		if i >= len(got) {
			break
		}
		if diff := diffDecision(want[i], got[i]); diff != "" {
			mismatches = append(mismatches,
				fmt.Sprintf("workflow %s decision %d: %s", workflowID, i, diff))
		}
	}
	return mismatches, len(want), nil
}

// diffDecision compares two decisions byte for byte. CreatedAt is the
// insert wall clock and is excluded; timestamps are normalised to UTC so a
// backend's zone representation cannot masquerade as drift.
func diffDecision(want, got model.Decision) string {
	if want.DecisionID != got.DecisionID {
		return fmt.Sprintf("decision_id %s rebuilt as %s", want.DecisionID, got.DecisionID)
	}
	want.CreatedAt, got.CreatedAt = time.Time{}, time.Time{}
	want.Timestamp, got.Timestamp = want.Timestamp.UTC(), got.Timestamp.UTC()

	a, err := json.Marshal(want)
	if err != nil {
		return fmt.Sprintf("encode stored: %v", err)
	}
	b, err := json.Marshal(got)
	if err != nil {
		return fmt.Sprintf("encode rebuilt: %v", err)
	}
	if !bytes.Equal(a, b) {
		return fmt.Sprintf("decision %s content differs", want.DecisionID)
	}
	return ""
}
