package model

import "time"

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for paginated list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	Total   *int         `json:"total,omitempty"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput     = "INVALID_INPUT"
	ErrCodeUnknownEventType = "UNKNOWN_EVENT_TYPE"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeInternalError    = "INTERNAL_ERROR"
	ErrCodeBackpressure     = "BACKPRESSURE"
	ErrCodeRateLimited      = "RATE_LIMITED"
)

// HealthResponse is the GET /health body.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Store         string `json:"store"`
	OutboxPending int64  `json:"outbox_pending"`
	Subscribers   int    `json:"sse_subscribers"`
	Uptime        int64  `json:"uptime_seconds"`
}

// AckStatus is the ingress acknowledgement for a submitted event.
type AckStatus string

const (
	AckAccepted     AckStatus = "accepted"
	AckDuplicate    AckStatus = "duplicate"
	AckBackpressure AckStatus = "backpressure"
	AckInvalid      AckStatus = "invalid"
)

// IngestAck is the response body for POST /v1/events. Accepted means
// enqueued, not processed; callers needing the outcome read the query API
// or subscribe to the decision stream.
type IngestAck struct {
	Status  AckStatus `json:"status"`
	EventID string    `json:"event_id,omitempty"`
}

// IntegrityReport is the response body for the hash-chain verification
// endpoint.
type IntegrityReport struct {
	WorkflowID    string   `json:"workflow_id"`
	DecisionCount int      `json:"decision_count"`
	Valid         bool     `json:"valid"`
	MerkleRoot    string   `json:"merkle_root,omitempty"`
	Failures      []string `json:"failures,omitempty"`
}
