package model

import "time"

// WorkflowState is the closed set of per-workflow states.
type WorkflowState string

const (
	StatePending          WorkflowState = "pending"
	StateSignalsCollected WorkflowState = "signals_collected"
	StateRiskEvaluated    WorkflowState = "risk_evaluated"
	StateFinalised        WorkflowState = "finalised"
	StateSuperseded       WorkflowState = "superseded"
)

// Valid reports whether s is a recognised workflow state.
func (s WorkflowState) Valid() bool {
	switch s {
	case StatePending, StateSignalsCollected, StateRiskEvaluated, StateFinalised, StateSuperseded:
		return true
	}
	return false
}

// Signal names accumulated on a workflow. The required-signal sets in
// policy packs reference these.
const (
	SignalLivenessScore      = "liveness_score"
	SignalLivenessConfidence = "liveness_confidence"
	SignalFaceCentered       = "face_centered"
	SignalFaceSize           = "face_size"
	SignalDocumentType       = "document_type"
	SignalDocumentQuality    = "document_quality"
	SignalMatchScore         = "match_score"
	SignalMatchModels        = "match_model_ids"
	SignalUserID             = "user_id"
	SignalAction             = "action"
)

// Signals maps signal name to last-observed value. Values are the JSON
// scalar types plus []string for model id lists.
type Signals map[string]any

// Clone returns a shallow copy safe for independent mutation of the map.
func (s Signals) Clone() Signals {
	out := make(Signals, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Has reports whether every named signal has been observed.
func (s Signals) Has(names ...string) bool {
	for _, n := range names {
		if _, ok := s[n]; !ok {
			return false
		}
	}
	return true
}

// Float returns the named signal as a float64 when present and numeric.
func (s Signals) Float(name string) (float64, bool) {
	v, ok := s[name]
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}

// Workflow is the mutable projection for one resolve subject. All writes
// go through the store's optimistic-concurrency contract keyed on Version.
type Workflow struct {
	WorkflowID        string        `json:"workflow_id"`
	TenantID          string        `json:"tenant_id"`
	State             WorkflowState `json:"state"`
	Signals           Signals       `json:"signals"`
	CurrentDecisionID *string       `json:"current_decision_id,omitempty"`
	Version           int64         `json:"version"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// WorkflowFilter selects workflows for investigator listings.
type WorkflowFilter struct {
	TenantID string
	State    WorkflowState
	From     time.Time
	To       time.Time
	Limit    int
	Offset   int
}
