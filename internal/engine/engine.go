// Package engine implements the workflow state machine. Transition is a
// pure function over the current workflow, one event, and the policy's
// required-signal predicate; IO happens elsewhere, driven by the declarative
// effects Transition returns.
package engine

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/arbiterhq/arbiter/internal/model"
)

// ErrInvalidOverrideTarget rejects an override against a workflow that has
// no finalised decision to supersede. Terminal; no decision is emitted.
var ErrInvalidOverrideTarget = errors.New("invalid override target")

// Effect is the closed set of side-effect instructions a transition can
// request. The serializer's handler executes them in order.
type Effect interface {
	isEffect()
}

// EmitSignalsComplete requests recording of the internal signals.complete
// event. CauseEventID is the inbound event that completed the required set
// and becomes the causing event of the eventual decision.
type EmitSignalsComplete struct {
	CauseEventID string
}

// InvokeRisk requests a risk evaluation for the workflow's current signals.
type InvokeRisk struct {
	CauseEventID string
}

// EmitDecision requests finalisation from the decision authority using the
// recorded risk result (or its terminal failure code).
type EmitDecision struct {
	CauseEventID string
	RiskSummary  json.RawMessage
	FailureCode  string
}

// EmitOverrideDecision requests finalisation of a human override.
type EmitOverrideDecision struct {
	CauseEventID string
	NewOutcome   model.Outcome
	Reason       string
	AuthorizedBy string
}

// Noop records that the event changed nothing worth acting on.
type Noop struct {
	Reason string
}

func (EmitSignalsComplete) isEffect()  {}
func (InvokeRisk) isEffect()           {}
func (EmitDecision) isEffect()         {}
func (EmitOverrideDecision) isEffect() {}
func (Noop) isEffect()                 {}

// Result is the outcome of a transition. NewState and SignalUpdates describe
// the workflow mutation; Effects describe follow-up work. When an effect
// emits a decision, the finalised state write happens atomically inside the
// decision append, not via a separate mutation.
type Result struct {
	NewState      model.WorkflowState
	SignalUpdates model.Signals
	Effects       []Effect
}

// Changed reports whether the result mutates the workflow record.
func (r Result) Changed(current model.WorkflowState) bool {
	return r.NewState != current || len(r.SignalUpdates) > 0
}

// RequiredPredicate reports whether a signal map satisfies the policy's
// required set. Supplied as data so the machine stays jurisdiction-agnostic.
type RequiredPredicate func(model.Signals) bool

// Transition computes the next state and effects for one event.
//
//	pending            signal event       -> signals_collected, update signals
//	signals_collected  signal event       -> signals_collected, update signals
//	signals_collected  signals.complete   -> risk_evaluated, invoke risk
//	risk_evaluated     signals.complete   -> risk_evaluated, invoke risk again
//	risk_evaluated     risk.returned      -> finalised (via decision append)
//	finalised          override.applied   -> superseded, emit override decision
//	any                late or out-of-order -> no-op
func Transition(wf model.Workflow, ev model.Event, required RequiredPredicate) (Result, error) {
	switch ev.EventType {
	case model.EventSelfieUploaded, model.EventDocumentUploaded, model.EventMatchCompleted:
		return signalTransition(wf, ev, required)

	case model.EventSignalsComplete:
		p, ok := ev.Payload.(model.SignalsCompletePayload)
		if !ok {
			return Result{}, fmt.Errorf("engine: signals.complete event %s has payload %T", ev.EventID, ev.Payload)
		}
		switch wf.State {
		case model.StateSignalsCollected:
			return Result{
				NewState: model.StateRiskEvaluated,
				Effects:  []Effect{InvokeRisk{CauseEventID: p.CauseEventID}},
			}, nil
		case model.StateRiskEvaluated:
			// Redelivery while still awaiting a risk result. Re-invoking is
			// safe (the risk.returned id and the decision id both dedupe)
			// and it is the only path that unsticks a workflow whose first
			// invocation was lost between the state write and the record.
			return Result{
				NewState: wf.State,
				Effects:  []Effect{InvokeRisk{CauseEventID: p.CauseEventID}},
			}, nil
		default:
			return noop(wf, "signals_complete_out_of_order"), nil
		}

	case model.EventRiskReturned:
		p, ok := ev.Payload.(model.RiskReturnedPayload)
		if !ok {
			return Result{}, fmt.Errorf("engine: risk.returned event %s has payload %T", ev.EventID, ev.Payload)
		}
		if wf.State != model.StateRiskEvaluated {
			return noop(wf, "risk_returned_out_of_order"), nil
		}
		// State stays risk_evaluated here; the decision append writes
		// finalised atomically with the decision row.
		return Result{
			NewState: wf.State,
			Effects: []Effect{EmitDecision{
				CauseEventID: p.CauseEventID,
				RiskSummary:  p.RiskSummary,
				FailureCode:  p.FailureCode,
			}},
		}, nil

	case model.EventOverrideApplied:
		p, ok := ev.Payload.(model.OverridePayload)
		if !ok {
			return Result{}, fmt.Errorf("engine: override.applied event %s has payload %T", ev.EventID, ev.Payload)
		}
		// Superseded is accepted alongside finalised: a crash between the
		// supersede write and the decision append leaves that state behind,
		// and the re-delivered override must still converge.
		if (wf.State != model.StateFinalised && wf.State != model.StateSuperseded) || wf.CurrentDecisionID == nil {
			return Result{}, fmt.Errorf("%w: workflow %s is %s with no finalised decision", ErrInvalidOverrideTarget, wf.WorkflowID, wf.State)
		}
		return Result{
			NewState: model.StateSuperseded,
			Effects: []Effect{EmitOverrideDecision{
				CauseEventID: ev.EventID,
				NewOutcome:   p.NewOutcome,
				Reason:       p.Reason,
				AuthorizedBy: p.AuthorizedBy,
			}},
		}, nil
	}
	return noop(wf, "unhandled_event_type"), nil
}

func signalTransition(wf model.Workflow, ev model.Event, required RequiredPredicate) (Result, error) {
	updates, err := signalUpdates(ev)
	if err != nil {
		return Result{}, err
	}

	res := Result{NewState: wf.State, SignalUpdates: updates}
	switch wf.State {
	case model.StatePending:
		res.NewState = model.StateSignalsCollected
	case model.StateSignalsCollected:
		// Stay; accumulate.
	default:
		// Late signals after risk evaluation or finalisation are recorded
		// but never re-open the workflow and never re-trigger risk.
		return res, nil
	}

	merged := wf.Signals.Clone()
	for k, v := range updates {
		merged[k] = v
	}
	if required(merged) {
		res.Effects = append(res.Effects, EmitSignalsComplete{CauseEventID: ev.EventID})
	}
	return res, nil
}

func signalUpdates(ev model.Event) (model.Signals, error) {
	var sig model.Signals
	subject := func(userID, action string) {
		if userID != "" {
			sig[model.SignalUserID] = userID
		}
		if action != "" {
			sig[model.SignalAction] = action
		}
	}

	switch p := ev.Payload.(type) {
	case model.SelfiePayload:
		sig = model.Signals{
			model.SignalLivenessScore:      p.LivenessScore,
			model.SignalLivenessConfidence: p.Confidence,
			model.SignalFaceCentered:       p.FaceCentered,
			model.SignalFaceSize:           p.FaceSize,
		}
		subject(p.UserID, p.Action)
	case model.DocumentPayload:
		sig = model.Signals{
			model.SignalDocumentType:    p.DocumentType,
			model.SignalDocumentQuality: p.QualityScore,
		}
		subject(p.UserID, p.Action)
	case model.MatchPayload:
		sig = model.Signals{model.SignalMatchScore: p.MatchScore}
		if len(p.ModelIDs) > 0 {
			sig[model.SignalMatchModels] = p.ModelIDs
		}
		subject(p.UserID, p.Action)
	default:
		return nil, fmt.Errorf("engine: signal event %s has payload %T", ev.EventID, ev.Payload)
	}
	return sig, nil
}

func noop(wf model.Workflow, reason string) Result {
	return Result{NewState: wf.State, Effects: []Effect{Noop{Reason: reason}}}
}
