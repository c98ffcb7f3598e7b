package ingest

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/arbiterhq/arbiter/internal/model"
	"github.com/arbiterhq/arbiter/internal/serializer"
	"github.com/arbiterhq/arbiter/internal/storage"
)

const recoverBatch = 200

// Recover re-enqueues the newest actionable recorded event for every
// workflow a crash left mid-pipeline: between signal completion and
// finalisation, or between an override's supersede write and its
// replacement decision. Run once on startup, after the pool starts.
// Redelivery is idempotent: the engine re-invokes risk when no result was
// recorded, finalises directly when one was, and re-appends an override's
// decision under its deterministic id.
//
// Workflows in signals_collected with no internal event recorded are left
// alone; the next external signal redelivery completes them.
func Recover(ctx context.Context, store storage.Store, pool *serializer.Pool, logger *slog.Logger) (int, error) {
	recovered := 0
	for _, state := range []model.WorkflowState{model.StateSignalsCollected, model.StateRiskEvaluated, model.StateSuperseded} {
		for offset := 0; ; offset += recoverBatch {
			wfs, _, err := store.ListWorkflows(ctx, model.WorkflowFilter{
				State:  state,
				Limit:  recoverBatch,
				Offset: offset,
			})
			if err != nil {
				return recovered, fmt.Errorf("ingest: recovery list %s: %w", state, err)
			}
			for _, wf := range wfs {
				requeued, err := recoverWorkflow(ctx, store, pool, wf)
				if err != nil {
					logger.Warn("recovery skipped workflow",
						"workflow_id", wf.WorkflowID, "error", err)
					continue
				}
				if requeued {
					logger.Info("recovered interrupted workflow",
						"workflow_id", wf.WorkflowID, "state", wf.State)
					recovered++
				}
			}
			if len(wfs) < recoverBatch {
				break
			}
		}
	}
	return recovered, nil
}

func recoverWorkflow(ctx context.Context, store storage.Store, pool *serializer.Pool, wf model.Workflow) (bool, error) {
	events, err := store.ListEvents(ctx, wf.WorkflowID)
	if err != nil {
		return false, err
	}
	// Only the newest actionable event matters: risk.returned finalises
	// without another risk call, signals.complete re-invokes, and a
	// superseded workflow replays its last override.
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		if !recoverable(wf.State, ev.EventType) {
			continue
		}
		if err := pool.Enqueue(ev); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

func recoverable(state model.WorkflowState, typ model.EventType) bool {
	if state == model.StateSuperseded {
		return typ == model.EventOverrideApplied
	}
	return typ == model.EventSignalsComplete || typ == model.EventRiskReturned
}
