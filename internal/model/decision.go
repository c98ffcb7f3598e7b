package model

import (
	"encoding/json"
	"time"
)

// Outcome is the closed set of authoritative resolve outcomes.
type Outcome string

const (
	OutcomeApprove Outcome = "approve"
	OutcomeReview  Outcome = "review"
	OutcomeDecline Outcome = "decline"
)

// Valid reports whether o is a recognised outcome.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeApprove, OutcomeReview, OutcomeDecline:
		return true
	}
	return false
}

// Reason codes attached to decisions. Band codes come first in
// reason_codes, then risk flags, then failure codes.
const (
	ReasonRiskBandLow      = "risk_band_low"
	ReasonRiskBandMedium   = "risk_band_medium"
	ReasonRiskBandHigh     = "risk_band_high"
	ReasonRiskBandCritical = "risk_band_critical"

	ReasonManualOverride           = "manual_override"
	ReasonRiskUnavailableTransient = "risk_unavailable_transient"
	ReasonRiskUnavailablePermanent = "risk_unavailable_permanent"
	ReasonAMLReviewRequired        = "aml_review_required"
)

// PolicyRef identifies the policy pack a decision was evaluated under.
type PolicyRef struct {
	Jurisdiction string `json:"jurisdiction"`
	PackID       string `json:"pack_id"`
	PackVersion  string `json:"pack_version"`
}

// Authority records who finalised the decision.
type Authority struct {
	DecidedBy      string `json:"decided_by"`
	ServiceVersion string `json:"service_version"`
	IsOverride     bool   `json:"is_override"`
	ActorID        string `json:"actor_id,omitempty"`
}

// Lineage links an override decision to the decision it superseded.
type Lineage struct {
	SupersedesDecisionID *string `json:"supersedes_decision_id,omitempty"`
}

// Subject names what the resolve is about.
type Subject struct {
	SubjectType string `json:"subject_type"`
	SubjectID   string `json:"subject_id"`
	Action      string `json:"action"`
}

// Decision is one append-only record in a workflow's decision log.
// Never mutated after insertion; overrides supersede, never edit.
type Decision struct {
	DecisionID    string          `json:"decision_id"`
	WorkflowID    string          `json:"workflow_id"`
	TenantID      string          `json:"tenant_id"`
	Outcome       Outcome         `json:"outcome"`
	Confidence    float64         `json:"confidence"`
	ReasonCodes   []string        `json:"reason_codes"`
	RiskSummary   json.RawMessage `json:"risk_summary,omitempty"`
	Policy        PolicyRef       `json:"policy"`
	Authority     Authority       `json:"authority"`
	Lineage       Lineage         `json:"lineage"`
	Subject       Subject         `json:"subject"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	CauseEventID  string          `json:"cause_event_id"`

	// Tamper-evident SHA-256 content hash chained with the previous
	// decision's hash in the same workflow.
	ContentHash string `json:"content_hash,omitempty"`

	// Timestamp copies the triggering event's timestamp so that a replay of
	// the event log reproduces the record byte for byte. CreatedAt is the
	// wall-clock insert time and is excluded from hashing.
	Timestamp time.Time `json:"timestamp"`
	CreatedAt time.Time `json:"created_at,omitzero"`
}

// TimelineDecision is a decision annotated for investigator timelines.
type TimelineDecision struct {
	Decision
	IsCurrent    bool    `json:"is_current"`
	SupersededBy *string `json:"superseded_by,omitempty"`
}

// FinalisedEvent is the outbound authoritative event, the only thing
// downstream consumers read. Published at least once; decision_id is the
// consumer-side deduplication key.
type FinalisedEvent struct {
	EventType     string          `json:"event_type"`
	DecisionID    string          `json:"decision_id"`
	WorkflowID    string          `json:"workflow_id"`
	TenantID      string          `json:"tenant_id"`
	Timestamp     time.Time       `json:"timestamp"`
	Outcome       Outcome         `json:"outcome"`
	Confidence    float64         `json:"confidence"`
	ReasonCodes   []string        `json:"reason_codes"`
	RiskSummary   json.RawMessage `json:"risk_summary,omitempty"`
	Policy        PolicyRef       `json:"policy"`
	Authority     Authority       `json:"authority"`
	Lineage       Lineage         `json:"lineage"`
	Subject       Subject         `json:"subject"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// FinalisedEventType is the event_type value on every outbound decision event.
const FinalisedEventType = "decision.finalised"

// NewFinalisedEvent projects a stored decision into the outbound schema.
func NewFinalisedEvent(d Decision) FinalisedEvent {
	return FinalisedEvent{
		EventType:     FinalisedEventType,
		DecisionID:    d.DecisionID,
		WorkflowID:    d.WorkflowID,
		TenantID:      d.TenantID,
		Timestamp:     d.Timestamp,
		Outcome:       d.Outcome,
		Confidence:    d.Confidence,
		ReasonCodes:   d.ReasonCodes,
		RiskSummary:   d.RiskSummary,
		Policy:        d.Policy,
		Authority:     d.Authority,
		Lineage:       d.Lineage,
		Subject:       d.Subject,
		CorrelationID: d.CorrelationID,
	}
}
