package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/arbiterhq/arbiter/internal/authority"
	"github.com/arbiterhq/arbiter/internal/engine"
	"github.com/arbiterhq/arbiter/internal/model"
	"github.com/arbiterhq/arbiter/internal/policy"
	"github.com/arbiterhq/arbiter/internal/risk"
	"github.com/arbiterhq/arbiter/internal/serializer"
	"github.com/arbiterhq/arbiter/internal/storage"
)

// RiskEvaluator abstracts the risk client so tests and replay can
// substitute it.
type RiskEvaluator interface {
	Evaluate(ctx context.Context, req risk.Request) (risk.Result, error)
}

// maxStaleReloads bounds the optimistic-concurrency reload loop. The lane
// serialises writers per workflow, so contention here is rare and short.
const maxStaleReloads = 3

// Handler executes one event against its workflow: load, transition, apply
// the mutation, run effects. It is the serializer's handler; all calls for
// one workflow are already serialised when they reach it.
type Handler struct {
	store         storage.Store
	packs         *policy.Registry
	risk          RiskEvaluator
	authority     *authority.Service
	enqueue       func(model.Event) error
	replay        bool
	retainOnRisk  bool
	logger        *slog.Logger
}

// NewHandler creates the live handler.
func NewHandler(store storage.Store, packs *policy.Registry, riskEval RiskEvaluator, auth *authority.Service, logger *slog.Logger) *Handler {
	return &Handler{store: store, packs: packs, risk: riskEval, authority: auth, logger: logger}
}

// NewReplayHandler creates a handler that never contacts the risk service
// and never synthesises internal events: a replay feed delivers the
// recorded ones instead.
func NewReplayHandler(store storage.Store, packs *policy.Registry, auth *authority.Service, logger *slog.Logger) *Handler {
	return &Handler{store: store, packs: packs, authority: auth, replay: true, logger: logger}
}

// Bind wires the handler's internal-event emission back into the pool.
// Separate from construction because the pool needs the handler first.
// Internal events take the reserved lane slot so a full external queue
// cannot block a workflow's own follow-ups.
func (h *Handler) Bind(pool *serializer.Pool) {
	h.enqueue = pool.EnqueueInternal
}

// RetainOnRiskOutage switches the transient-exhaustion behaviour from
// finalising a review decision to keeping the workflow open. The event
// keeps retrying and eventually dead-letters; a redelivery resumes it.
func (h *Handler) RetainOnRiskOutage(retain bool) {
	h.retainOnRisk = retain
}

// Handle processes one event. Returning nil means the event is settled,
// including terminal domain rejections; an error asks the serializer to
// retry and eventually dead-letter.
func (h *Handler) Handle(ctx context.Context, ev model.Event) error {
	for attempt := 0; ; attempt++ {
		wf, log, err := h.store.LoadWorkflow(ctx, ev.WorkflowID)
		if err != nil {
			return fmt.Errorf("ingest: load workflow %s: %w", ev.WorkflowID, err)
		}

		// A redelivered override whose decision is already logged is settled.
		// Running it again would supersede the current head a second time.
		if ev.EventType == model.EventOverrideApplied {
			if d, ok := decisionCausedBy(log, ev.EventID); ok {
				h.logger.Debug("override already settled",
					"workflow_id", wf.WorkflowID, "event_id", ev.EventID, "decision_id", d.DecisionID)
				return nil
			}
		}

		pack := h.packs.PackForTenant(wf.TenantID)

		res, err := engine.Transition(wf, ev, pack.RequiredSatisfied)
		if err != nil {
			if errors.Is(err, engine.ErrInvalidOverrideTarget) {
				h.logger.Warn("override rejected",
					"workflow_id", wf.WorkflowID, "event_id", ev.EventID, "error", err)
				return nil
			}
			return fmt.Errorf("ingest: transition: %w", err)
		}

		if res.Changed(wf.State) {
			updated, err := h.store.ApplyWorkflow(ctx, wf.WorkflowID, wf.Version,
				storage.Mutation{State: res.NewState, SignalUpdates: res.SignalUpdates})
			if errors.Is(err, storage.ErrStaleVersion) {
				if attempt < maxStaleReloads {
					continue
				}
				return fmt.Errorf("ingest: apply workflow %s: %w", wf.WorkflowID, err)
			}
			if err != nil {
				return fmt.Errorf("ingest: apply workflow %s: %w", wf.WorkflowID, err)
			}
			wf = updated
		}

		return h.runEffects(ctx, wf, log, ev, res.Effects, pack)
	}
}

func (h *Handler) runEffects(ctx context.Context, wf model.Workflow, log []model.Decision, ev model.Event, effects []engine.Effect, pack *policy.Pack) error {
	for _, eff := range effects {
		switch e := eff.(type) {
		case engine.EmitSignalsComplete:
			if h.replay {
				continue
			}
			internal := h.internalEvent(model.EventSignalsComplete, wf, ev,
				model.SignalsCompletePayload{CauseEventID: e.CauseEventID})
			if err := h.recordAndEnqueue(ctx, internal); err != nil {
				return err
			}

		case engine.InvokeRisk:
			if h.replay {
				continue
			}
			if err := h.invokeRisk(ctx, wf, ev, e, pack); err != nil {
				return err
			}

		case engine.EmitDecision:
			if err := h.finalise(ctx, wf, log, ev, false); err != nil {
				return err
			}

		case engine.EmitOverrideDecision:
			if err := h.finalise(ctx, wf, log, ev, true); err != nil {
				return err
			}

		case engine.Noop:
			h.logger.Debug("event ignored",
				"workflow_id", wf.WorkflowID, "event_id", ev.EventID, "reason", e.Reason)
		}
	}
	return nil
}

// invokeRisk calls the risk service and records the outcome, success or
// terminal failure, as a risk.returned event. The retry budget lives inside
// the client; by the time an error reaches here it is final, and the
// workflow still converges on exactly one decision.
func (h *Handler) invokeRisk(ctx context.Context, wf model.Workflow, ev model.Event, e engine.InvokeRisk, pack *policy.Pack) error {
	payload := model.RiskReturnedPayload{CauseEventID: e.CauseEventID}

	res, err := h.risk.Evaluate(ctx, risk.Request{
		WorkflowID:    wf.WorkflowID,
		TenantID:      wf.TenantID,
		Jurisdiction:  pack.Jurisdiction,
		CorrelationID: ev.CorrelationID,
		Signals:       wf.Signals,
	})
	switch {
	case err == nil:
		payload.RiskSummary = res.Raw
	case risk.IsTransient(err):
		if h.retainOnRisk {
			// Leave the workflow in risk_evaluated. The serializer retries
			// this event on its own schedule, and each retry re-invokes.
			return fmt.Errorf("ingest: risk evaluation for %s: %w", wf.WorkflowID, err)
		}
		h.logger.Warn("risk unavailable, finalising with transient fallback",
			"workflow_id", wf.WorkflowID, "error", err)
		payload.FailureCode = model.ReasonRiskUnavailableTransient
	default:
		h.logger.Warn("risk rejected request, finalising with permanent fallback",
			"workflow_id", wf.WorkflowID, "error", err)
		payload.FailureCode = model.ReasonRiskUnavailablePermanent
	}

	internal := h.internalEvent(model.EventRiskReturned, wf, ev, payload)
	return h.recordAndEnqueue(ctx, internal)
}

func (h *Handler) finalise(ctx context.Context, wf model.Workflow, log []model.Decision, ev model.Event, override bool) error {
	var err error
	if override {
		_, _, err = h.authority.Override(ctx, wf, log, ev)
	} else {
		_, _, err = h.authority.Finalise(ctx, wf, log, ev)
	}
	if errors.Is(err, authority.ErrInvariantViolation) {
		// Retrying cannot repair a broken precondition. Log loudly and stop.
		h.logger.Error("finalisation refused",
			"workflow_id", wf.WorkflowID, "event_id", ev.EventID, "error", err)
		return nil
	}
	return err
}

// decisionCausedBy returns the logged decision caused by the given event.
func decisionCausedBy(log []model.Decision, eventID string) (model.Decision, bool) {
	for _, d := range log {
		if d.CauseEventID == eventID {
			return d, true
		}
	}
	return model.Decision{}, false
}

func (h *Handler) recordAndEnqueue(ctx context.Context, ev model.Event) error {
	if err := storage.WithRetry(ctx, storeRetries, storeRetryDelay, func() error {
		_, rerr := h.store.RecordEvent(ctx, ev)
		return rerr
	}); err != nil {
		return fmt.Errorf("ingest: record %s: %w", ev.EventType, err)
	}
	if err := h.enqueue(ev); err != nil {
		return fmt.Errorf("ingest: enqueue %s: %w", ev.EventType, err)
	}
	return nil
}

// internalEventNamespace scopes the deterministic ids of synthesised
// events. Derivation from (workflow, type, cause) means a redelivered
// cause regenerates the same id and deduplicates in the event log.
var internalEventNamespace = uuid.MustParse("7d8f7a46-3f44-4a0e-9f0a-5f2f6f1c9b21")

func internalEventID(workflowID string, typ model.EventType, causeEventID string) string {
	name := workflowID + "/" + string(typ) + "/" + causeEventID
	return "evt_" + uuid.NewSHA1(internalEventNamespace, []byte(name)).String()
}

// internalEvent synthesises a follow-up event. The timestamp and
// correlation id propagate from the event being processed, which itself
// inherited them from the external cause, so decision timestamps derived
// from these events are stable under replay.
func (h *Handler) internalEvent(typ model.EventType, wf model.Workflow, cause model.Event, payload model.EventPayload) model.Event {
	var causeEventID string
	switch p := payload.(type) {
	case model.SignalsCompletePayload:
		causeEventID = p.CauseEventID
	case model.RiskReturnedPayload:
		causeEventID = p.CauseEventID
	}
	return model.Event{
		EventID:       internalEventID(wf.WorkflowID, typ, causeEventID),
		EventType:     typ,
		WorkflowID:    wf.WorkflowID,
		TenantID:      wf.TenantID,
		CorrelationID: cause.CorrelationID,
		Timestamp:     cause.Timestamp,
		Payload:       payload,
		ReceivedAt:    time.Now().UTC(),
	}
}
