// Package authority is the single place decisions are constructed and
// appended. No other component writes to the decision log; everything else
// either feeds this package or reads what it produced.
package authority

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gowebpki/jcs"

	"github.com/arbiterhq/arbiter/internal/integrity"
	"github.com/arbiterhq/arbiter/internal/model"
	"github.com/arbiterhq/arbiter/internal/policy"
	"github.com/arbiterhq/arbiter/internal/storage"
)

// Values stamped into authority.decided_by.
const (
	DecidedByService  = "arbiter"
	DecidedByOperator = "human_operator"
)

// ErrInvariantViolation reports a finalisation request that would break a
// decision-log invariant, such as overriding a workflow that has no current
// decision.
var ErrInvariantViolation = errors.New("authority: invariant violation")

// Publisher receives the handoff after a successful append. Wake nudges an
// asynchronous publisher; Flush publishes pending rows before returning.
type Publisher interface {
	Wake()
	Flush(ctx context.Context) error
}

// Service appends decisions. All paths converge on the store's transactional
// append, so duplicate causes collapse onto the already-stored decision.
type Service struct {
	store          storage.Store
	packs          *policy.Registry
	serviceVersion string
	publisher      Publisher
	syncPublish    bool
	logger         *slog.Logger
}

// New creates the decision authority.
func New(store storage.Store, packs *policy.Registry, serviceVersion string, logger *slog.Logger) *Service {
	return &Service{
		store:          store,
		packs:          packs,
		serviceVersion: serviceVersion,
		logger:         logger,
	}
}

// SetPublisher wires the outbound publisher. sync selects blocking
// publication on append; otherwise the publisher is only nudged.
func (s *Service) SetPublisher(p Publisher, sync bool) {
	s.publisher = p
	s.syncPublish = sync
}

// Finalise appends the decision for a completed risk evaluation. trigger
// must be the recorded risk.returned event; its payload carries either the
// raw risk summary or a terminal failure code. Returns the decision and
// whether this call appended it.
func (s *Service) Finalise(ctx context.Context, wf model.Workflow, log []model.Decision, trigger model.Event) (model.Decision, bool, error) {
	payload, ok := trigger.Payload.(model.RiskReturnedPayload)
	if !ok {
		return model.Decision{}, false, fmt.Errorf("%w: finalise trigger %s is %s, want %s",
			ErrInvariantViolation, trigger.EventID, trigger.EventType, model.EventRiskReturned)
	}

	pack := s.packs.PackForTenant(wf.TenantID)

	outcome, confidence, reasons, err := resolveOutcome(pack, payload)
	if err != nil {
		return model.Decision{}, false, err
	}

	decisionID, err := DeriveDecisionID(wf.WorkflowID, payload.CauseEventID, DecidedByService)
	if err != nil {
		return model.Decision{}, false, err
	}

	d := model.Decision{
		DecisionID:    decisionID,
		WorkflowID:    wf.WorkflowID,
		TenantID:      wf.TenantID,
		Outcome:       outcome,
		Confidence:    confidence,
		ReasonCodes:   reasons,
		RiskSummary:   payload.RiskSummary,
		Policy:        pack.Ref(),
		Authority:     model.Authority{DecidedBy: DecidedByService, ServiceVersion: s.serviceVersion},
		Subject:       subjectFor(wf),
		CorrelationID: trigger.CorrelationID,
		CauseEventID:  payload.CauseEventID,
		Timestamp:     trigger.Timestamp,
	}
	return s.append(ctx, wf, log, d)
}

// Override appends a replacement decision from a human override. trigger is
// the recorded override.applied event. The workflow must already hold a
// current decision; the new decision supersedes it and carries the prior
// risk summary unchanged.
func (s *Service) Override(ctx context.Context, wf model.Workflow, log []model.Decision, trigger model.Event) (model.Decision, bool, error) {
	payload, ok := trigger.Payload.(model.OverridePayload)
	if !ok {
		return model.Decision{}, false, fmt.Errorf("%w: override trigger %s is %s, want %s",
			ErrInvariantViolation, trigger.EventID, trigger.EventType, model.EventOverrideApplied)
	}
	if wf.CurrentDecisionID == nil {
		return model.Decision{}, false, fmt.Errorf("%w: workflow %s has no decision to override",
			ErrInvariantViolation, wf.WorkflowID)
	}
	if !payload.NewOutcome.Valid() {
		return model.Decision{}, false, fmt.Errorf("%w: override outcome %q",
			ErrInvariantViolation, payload.NewOutcome)
	}

	pack := s.packs.PackForTenant(wf.TenantID)

	superseded, err := findDecision(log, *wf.CurrentDecisionID)
	if err != nil {
		return model.Decision{}, false, err
	}

	decisionID, err := DeriveDecisionID(wf.WorkflowID, trigger.EventID, DecidedByOperator)
	if err != nil {
		return model.Decision{}, false, err
	}

	supersedes := superseded.DecisionID
	d := model.Decision{
		DecisionID:  decisionID,
		WorkflowID:  wf.WorkflowID,
		TenantID:    wf.TenantID,
		Outcome:     payload.NewOutcome,
		Confidence:  1.0, // human override
		ReasonCodes: []string{model.ReasonManualOverride},
		RiskSummary: superseded.RiskSummary,
		Policy:      pack.Ref(),
		Authority: model.Authority{
			DecidedBy:      DecidedByOperator,
			ServiceVersion: s.serviceVersion,
			IsOverride:     true,
			ActorID:        payload.AuthorizedBy,
		},
		Lineage:       model.Lineage{SupersedesDecisionID: &supersedes},
		Subject:       subjectFor(wf),
		CorrelationID: trigger.CorrelationID,
		CauseEventID:  trigger.EventID,
		Timestamp:     trigger.Timestamp,
	}
	return s.append(ctx, wf, log, d)
}

func (s *Service) append(ctx context.Context, wf model.Workflow, log []model.Decision, d model.Decision) (model.Decision, bool, error) {
	d.ContentHash = integrity.ComputeContentHash(integrity.ChainHead(log), d)

	stored, appended, err := s.store.AppendDecision(ctx, wf.WorkflowID, wf.Version, d)
	if err != nil {
		return model.Decision{}, false, err
	}
	if !appended {
		s.logger.Debug("decision already appended",
			"workflow_id", wf.WorkflowID, "decision_id", stored.DecisionID)
		return stored, false, nil
	}

	s.logger.Info("decision finalised",
		"workflow_id", wf.WorkflowID,
		"decision_id", stored.DecisionID,
		"outcome", stored.Outcome,
		"is_override", stored.Authority.IsOverride,
		"cause_event_id", stored.CauseEventID)
	s.handoff(ctx)
	return stored, true, nil
}

// handoff nudges publication. The decision is already durable; a publish
// failure here is recovered by the outbox poller, so it is logged and
// swallowed.
func (s *Service) handoff(ctx context.Context) {
	if s.publisher == nil {
		return
	}
	if !s.syncPublish {
		s.publisher.Wake()
		return
	}
	if err := s.publisher.Flush(ctx); err != nil {
		s.logger.Error("synchronous publish failed, outbox will retry", "error", err)
	}
}

func resolveOutcome(pack *policy.Pack, payload model.RiskReturnedPayload) (model.Outcome, float64, []string, error) {
	switch {
	case len(payload.RiskSummary) > 0:
		var assessment model.RiskAssessment
		if err := json.Unmarshal(payload.RiskSummary, &assessment); err != nil {
			return "", 0, nil, fmt.Errorf("authority: decode risk summary: %w", err)
		}
		outcome, reasons := pack.OutcomeFor(assessment)
		return outcome, assessment.Confidence, reasons, nil
	case payload.FailureCode == model.ReasonRiskUnavailableTransient:
		return model.OutcomeReview, 0, []string{model.ReasonRiskUnavailableTransient}, nil
	case payload.FailureCode == model.ReasonRiskUnavailablePermanent:
		return model.OutcomeDecline, 0, []string{model.ReasonRiskUnavailablePermanent}, nil
	default:
		return "", 0, nil, fmt.Errorf("%w: risk.returned carries neither summary nor known failure code %q",
			ErrInvariantViolation, payload.FailureCode)
	}
}

func findDecision(log []model.Decision, decisionID string) (model.Decision, error) {
	for _, d := range log {
		if d.DecisionID == decisionID {
			return d, nil
		}
	}
	return model.Decision{}, fmt.Errorf("%w: current decision %s not in log", ErrInvariantViolation, decisionID)
}

func subjectFor(wf model.Workflow) model.Subject {
	sub := model.Subject{SubjectType: "user", SubjectID: wf.WorkflowID, Action: "onboarding"}
	if v, ok := wf.Signals[model.SignalUserID].(string); ok && v != "" {
		sub.SubjectID = v
	}
	if v, ok := wf.Signals[model.SignalAction].(string); ok && v != "" {
		sub.Action = v
	}
	return sub
}

// DeriveDecisionID computes the deterministic decision id for a causing
// event. The id is a prefix of the SHA-256 over the RFC 8785 canonical form
// of the identifying triple, so independent emitters agree on it and
// re-delivery collapses onto one decision.
func DeriveDecisionID(workflowID, causeEventID, decidedBy string) (string, error) {
	raw, err := json.Marshal(struct {
		WorkflowID   string `json:"workflow_id"`
		CauseEventID string `json:"cause_event_id"`
		Authority    string `json:"authority"`
	}{workflowID, causeEventID, decidedBy})
	if err != nil {
		return "", fmt.Errorf("authority: marshal id triple: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("authority: canonicalise id triple: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "dec_" + hex.EncodeToString(sum[:])[:32], nil
}
