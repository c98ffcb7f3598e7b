package arbiter

import (
	"encoding/json"
	"time"
)

// EventType is the set of workflow signal events a producer may submit.
type EventType string

const (
	EventSelfieUploaded   EventType = "selfie.uploaded"
	EventDocumentUploaded EventType = "document.uploaded"
	EventMatchCompleted   EventType = "match.completed"
	EventOverrideApplied  EventType = "override.applied"
)

// Outcome is the set of authoritative resolve outcomes.
type Outcome string

const (
	OutcomeApprove Outcome = "approve"
	OutcomeReview  Outcome = "review"
	OutcomeDecline Outcome = "decline"
)

// WorkflowState is the lifecycle state of a workflow.
type WorkflowState string

const (
	StatePending          WorkflowState = "pending"
	StateSignalsCollected WorkflowState = "signals_collected"
	StateRiskEvaluated    WorkflowState = "risk_evaluated"
	StateFinalised        WorkflowState = "finalised"
	StateSuperseded       WorkflowState = "superseded"
)

// SelfiePayload carries liveness capture results.
type SelfiePayload struct {
	LivenessScore float64 `json:"liveness_score"`
	Confidence    float64 `json:"confidence"`
	FaceCentered  bool    `json:"face_centered"`
	FaceSize      float64 `json:"face_size"`
	UserID        string  `json:"user_id,omitempty"`
	Action        string  `json:"action,omitempty"`
}

// DocumentPayload carries document submission results.
type DocumentPayload struct {
	DocumentType string  `json:"document_type"`
	QualityScore float64 `json:"quality_score"`
	UserID       string  `json:"user_id,omitempty"`
	Action       string  `json:"action,omitempty"`
}

// MatchPayload carries face-match results.
type MatchPayload struct {
	MatchScore float64  `json:"match_score"`
	ModelIDs   []string `json:"model_ids,omitempty"`
	UserID     string   `json:"user_id,omitempty"`
	Action     string   `json:"action,omitempty"`
}

// OverridePayload carries a human override of the current decision.
type OverridePayload struct {
	NewOutcome   Outcome `json:"new_outcome"`
	Reason       string  `json:"reason"`
	AuthorizedBy string  `json:"authorized_by"`
}

// Event is the input for Client.SubmitEvent. EventID is the producer's
// idempotency key; when empty a UUID is generated, but producers that
// retry submissions should supply their own so retries deduplicate.
// Timestamp defaults to the current time when zero.
type Event struct {
	EventID       string
	EventType     EventType
	WorkflowID    string
	TenantID      string
	CorrelationID string
	Timestamp     time.Time
	Payload       any
}

// AckStatus is the server's disposition of a submitted event.
type AckStatus string

const (
	AckAccepted  AckStatus = "accepted"
	AckDuplicate AckStatus = "duplicate"
)

// IngestAck is the output of the Submit methods. Accepted means the event
// is durable and enqueued, not that a decision exists yet; poll
// CurrentDecision or use StreamDecisions for the outcome.
type IngestAck struct {
	Status  AckStatus `json:"status"`
	EventID string    `json:"event_id,omitempty"`
}

// Workflow mirrors the server's workflow projection for API consumers.
type Workflow struct {
	WorkflowID        string         `json:"workflow_id"`
	TenantID          string         `json:"tenant_id"`
	State             WorkflowState  `json:"state"`
	Signals           map[string]any `json:"signals"`
	CurrentDecisionID *string        `json:"current_decision_id,omitempty"`
	Version           int64          `json:"version"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// PolicyRef identifies the policy pack a decision was evaluated under.
type PolicyRef struct {
	Jurisdiction string `json:"jurisdiction"`
	PackID       string `json:"pack_id"`
	PackVersion  string `json:"pack_version"`
}

// Authority records who finalised a decision.
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

// Decision is one record in a workflow's append-only decision log.
// RiskSummary is the risk service's verbatim response and stays raw.
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
	ContentHash   string          `json:"content_hash,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	CreatedAt     time.Time       `json:"created_at,omitzero"`
}

// TimelineDecision is a decision annotated for investigator timelines.
type TimelineDecision struct {
	Decision
	IsCurrent    bool    `json:"is_current"`
	SupersededBy *string `json:"superseded_by,omitempty"`
}

// FinalisedEvent is one event from the live decision stream.
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

// IntegrityReport is the output of Client.VerifyIntegrity.
type IntegrityReport struct {
	WorkflowID    string   `json:"workflow_id"`
	DecisionCount int      `json:"decision_count"`
	Valid         bool     `json:"valid"`
	MerkleRoot    string   `json:"merkle_root,omitempty"`
	Failures      []string `json:"failures,omitempty"`
}

// DeadLetter is an event the pipeline gave up on after exhausting retries.
type DeadLetter struct {
	ID         int64     `json:"id"`
	EventID    string    `json:"event_id"`
	WorkflowID string    `json:"workflow_id"`
	Reason     string    `json:"reason"`
	Attempts   int       `json:"attempts"`
	LastError  string    `json:"last_error"`
	CreatedAt  time.Time `json:"created_at"`
}

// HealthResponse is the output of Client.Health.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Store         string `json:"store"`
	OutboxPending int64  `json:"outbox_pending"`
	Subscribers   int    `json:"sse_subscribers"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// ListWorkflowsOptions are optional filters for Client.ListWorkflows.
// Zero values mean no filter; Limit 0 uses the server default.
type ListWorkflowsOptions struct {
	TenantID string
	State    WorkflowState
	From     time.Time
	To       time.Time
	Limit    int
	Offset   int
}

// WorkflowPage is one page of the workflow listing.
type WorkflowPage struct {
	Workflows []Workflow
	Total     int
	HasMore   bool
	Limit     int
	Offset    int
}
