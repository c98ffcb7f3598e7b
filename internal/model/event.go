// Package model defines the core domain types for arbiter: event envelopes
// with typed payloads, the workflow projection, the append-only decision
// record, and the HTTP API envelopes.
//
// Types use strong typing (closed enums, time.Time) and avoid interface{}
// except for the signal map, whose values are producer-defined.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validation errors surfaced to ingress. Wrapped with detail via %w so
// callers can classify with errors.Is.
var (
	ErrMalformedEvent   = errors.New("malformed event")
	ErrUnknownEventType = errors.New("unknown event type")
)

// EventType discriminates the kinds of workflow signal events.
type EventType string

const (
	// Inbound signal events.
	EventSelfieUploaded   EventType = "selfie.uploaded"
	EventDocumentUploaded EventType = "document.uploaded"
	EventMatchCompleted   EventType = "match.completed"
	EventOverrideApplied  EventType = "override.applied"

	// Internal events. Emitted by the pipeline itself, recorded in the same
	// log as inbound events, never accepted from outside.
	EventSignalsComplete EventType = "signals.complete"
	EventRiskReturned    EventType = "risk.returned"
)

// InboundEventTypes is the closed set accepted at ingress.
var InboundEventTypes = map[EventType]bool{
	EventSelfieUploaded:   true,
	EventDocumentUploaded: true,
	EventMatchCompleted:   true,
	EventOverrideApplied:  true,
}

// Internal reports whether t is pipeline-emitted rather than client-submitted.
func (t EventType) Internal() bool {
	return t == EventSignalsComplete || t == EventRiskReturned
}

// Identifier length caps. Oversized identifiers would otherwise flow into
// index columns and log lines unchecked.
const (
	MaxIdentifierLen = 128
	MaxReasonLen     = 2000
)

// Envelope is the wire form of an event as submitted to ingress.
// Payload stays raw until the type is known.
type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	WorkflowID    string          `json:"workflow_id"`
	TenantID      string          `json:"tenant_id"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload"`
}

// Event is a validated, well-typed event. Append-only once recorded;
// never mutated or deleted.
type Event struct {
	EventID       string       `json:"event_id"`
	EventType     EventType    `json:"event_type"`
	WorkflowID    string       `json:"workflow_id"`
	TenantID      string       `json:"tenant_id"`
	CorrelationID string       `json:"correlation_id,omitempty"`
	Timestamp     time.Time    `json:"timestamp"`
	Payload       EventPayload `json:"payload"`
	ReceivedAt    time.Time    `json:"received_at,omitzero"`
}

// EventPayload is the closed union of per-type payloads. The validator is
// the only producer, so downstream switches can be exhaustive.
type EventPayload interface {
	eventPayload()
}

// SelfiePayload carries liveness capture results. UserID and Action
// identify the resolve subject when the producer knows them; they fold
// into the workflow signals like any other observation.
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

// SignalsCompletePayload marks the required signal set as satisfied.
// CauseEventID is the inbound event that completed the set; it becomes the
// causing event of the eventual decision.
type SignalsCompletePayload struct {
	CauseEventID string `json:"cause_event_id"`
}

// RiskReturnedPayload carries the risk evaluation result (or its terminal
// failure) back into the workflow's event stream. Recording it makes
// finalisation replayable without re-invoking the risk service.
type RiskReturnedPayload struct {
	CauseEventID string          `json:"cause_event_id"`
	RiskSummary  json.RawMessage `json:"risk_summary,omitempty"`
	FailureCode  string          `json:"failure_code,omitempty"`
}

func (SelfiePayload) eventPayload()          {}
func (DocumentPayload) eventPayload()        {}
func (MatchPayload) eventPayload()           {}
func (OverridePayload) eventPayload()        {}
func (SignalsCompletePayload) eventPayload() {}
func (RiskReturnedPayload) eventPayload()    {}

// ParseEvent validates an inbound envelope and produces a well-typed Event.
// Internal event types are rejected the same way as unknown ones: they are
// not part of the inbound vocabulary.
func ParseEvent(env Envelope) (Event, error) {
	ev := Event{
		EventID:       strings.TrimSpace(env.EventID),
		WorkflowID:    strings.TrimSpace(env.WorkflowID),
		TenantID:      strings.TrimSpace(env.TenantID),
		CorrelationID: strings.TrimSpace(env.CorrelationID),
	}

	typ := EventType(strings.TrimSpace(env.EventType))
	if typ == "" {
		return Event{}, fmt.Errorf("%w: missing event_type", ErrMalformedEvent)
	}
	if !InboundEventTypes[typ] {
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownEventType, typ)
	}
	ev.EventType = typ

	if ev.EventID == "" {
		return Event{}, fmt.Errorf("%w: missing event_id", ErrMalformedEvent)
	}
	if ev.WorkflowID == "" {
		return Event{}, fmt.Errorf("%w: missing workflow_id", ErrMalformedEvent)
	}
	if ev.TenantID == "" {
		return Event{}, fmt.Errorf("%w: missing tenant_id", ErrMalformedEvent)
	}
	for name, id := range map[string]string{
		"event_id":       ev.EventID,
		"workflow_id":    ev.WorkflowID,
		"tenant_id":      ev.TenantID,
		"correlation_id": ev.CorrelationID,
	} {
		if len(id) > MaxIdentifierLen {
			return Event{}, fmt.Errorf("%w: %s exceeds %d characters", ErrMalformedEvent, name, MaxIdentifierLen)
		}
	}
	if env.Timestamp.IsZero() {
		return Event{}, fmt.Errorf("%w: missing timestamp", ErrMalformedEvent)
	}
	ev.Timestamp = env.Timestamp.UTC()

	payload, err := parsePayload(typ, env.Payload)
	if err != nil {
		return Event{}, err
	}
	ev.Payload = payload
	return ev, nil
}

// parsePayload decodes leniently: producers repeat routing fields such as
// workflow_id inside payloads, and future producer versions may add fields.
func parsePayload(typ EventType, raw json.RawMessage) (EventPayload, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: missing payload for %s", ErrMalformedEvent, typ)
	}

	switch typ {
	case EventSelfieUploaded:
		var p SelfiePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: selfie.uploaded payload: %v", ErrMalformedEvent, err)
		}
		if p.LivenessScore < 0 || p.LivenessScore > 1 {
			return nil, fmt.Errorf("%w: liveness_score must be in [0,1]", ErrMalformedEvent)
		}
		if p.Confidence < 0 || p.Confidence > 1 {
			return nil, fmt.Errorf("%w: confidence must be in [0,1]", ErrMalformedEvent)
		}
		return p, nil

	case EventDocumentUploaded:
		var p DocumentPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: document.uploaded payload: %v", ErrMalformedEvent, err)
		}
		if strings.TrimSpace(p.DocumentType) == "" {
			return nil, fmt.Errorf("%w: document_type is required", ErrMalformedEvent)
		}
		if p.QualityScore < 0 || p.QualityScore > 1 {
			return nil, fmt.Errorf("%w: quality_score must be in [0,1]", ErrMalformedEvent)
		}
		return p, nil

	case EventMatchCompleted:
		var p MatchPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: match.completed payload: %v", ErrMalformedEvent, err)
		}
		if p.MatchScore < 0 || p.MatchScore > 1 {
			return nil, fmt.Errorf("%w: match_score must be in [0,1]", ErrMalformedEvent)
		}
		return p, nil

	case EventOverrideApplied:
		var p OverridePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: override.applied payload: %v", ErrMalformedEvent, err)
		}
		if !p.NewOutcome.Valid() {
			return nil, fmt.Errorf("%w: new_outcome must be one of approve, review, decline", ErrMalformedEvent)
		}
		p.Reason = strings.TrimSpace(p.Reason)
		if p.Reason == "" {
			return nil, fmt.Errorf("%w: reason is required", ErrMalformedEvent)
		}
		if len(p.Reason) > MaxReasonLen {
			return nil, fmt.Errorf("%w: reason exceeds %d characters", ErrMalformedEvent, MaxReasonLen)
		}
		p.AuthorizedBy = strings.TrimSpace(p.AuthorizedBy)
		if p.AuthorizedBy == "" {
			return nil, fmt.Errorf("%w: authorized_by is required", ErrMalformedEvent)
		}
		return p, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, typ)
}

// DecodePayload reconstructs the typed payload for a stored event row.
// Used when reading events back out of the log (queries, replay).
func DecodePayload(typ EventType, raw json.RawMessage) (EventPayload, error) {
	switch typ {
	case EventSignalsComplete:
		var p SignalsCompletePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: signals.complete payload: %v", ErrMalformedEvent, err)
		}
		return p, nil
	case EventRiskReturned:
		var p RiskReturnedPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: risk.returned payload: %v", ErrMalformedEvent, err)
		}
		return p, nil
	default:
		return parsePayload(typ, raw)
	}
}

// MarshalPayload renders a typed payload to its canonical stored form.
func MarshalPayload(p EventPayload) (json.RawMessage, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return b, nil
}
