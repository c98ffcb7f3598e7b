package arbiter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const userAgent = "arbiter-go/1.0.0"

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the arbiter server (e.g. "http://localhost:8080").
	BaseURL string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	// Ignored when HTTPClient is set.
	Timeout time.Duration
}

// Client is an HTTP client for the arbiter decision API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("arbiter: BaseURL is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  httpClient,
	}, nil
}

// ---------------------------------------------------------------------------
// Event submission
// ---------------------------------------------------------------------------

// SubmitEvent submits a workflow signal event. Both "accepted" and
// "duplicate" acks mean the event is durable; a duplicate ack means an
// event with the same ID was already recorded and the retry was absorbed.
func (c *Client) SubmitEvent(ctx context.Context, ev Event) (*IngestAck, error) {
	body, err := buildEnvelope(ev)
	if err != nil {
		return nil, err
	}
	var ack IngestAck
	if err := c.post(ctx, "/v1/events", body, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// SubmitSelfie submits a selfie.uploaded event for the workflow named in ev.
func (c *Client) SubmitSelfie(ctx context.Context, ev Event, p SelfiePayload) (*IngestAck, error) {
	ev.EventType = EventSelfieUploaded
	ev.Payload = p
	return c.SubmitEvent(ctx, ev)
}

// SubmitDocument submits a document.uploaded event for the workflow named in ev.
func (c *Client) SubmitDocument(ctx context.Context, ev Event, p DocumentPayload) (*IngestAck, error) {
	ev.EventType = EventDocumentUploaded
	ev.Payload = p
	return c.SubmitEvent(ctx, ev)
}

// SubmitMatch submits a match.completed event for the workflow named in ev.
func (c *Client) SubmitMatch(ctx context.Context, ev Event, p MatchPayload) (*IngestAck, error) {
	ev.EventType = EventMatchCompleted
	ev.Payload = p
	return c.SubmitEvent(ctx, ev)
}

// SubmitOverride submits an override.applied event. The workflow's current
// decision is superseded with a new one carrying p.NewOutcome; the full
// lineage stays queryable through Timeline.
func (c *Client) SubmitOverride(ctx context.Context, ev Event, p OverridePayload) (*IngestAck, error) {
	ev.EventType = EventOverrideApplied
	ev.Payload = p
	return c.SubmitEvent(ctx, ev)
}

// ---------------------------------------------------------------------------
// Workflow queries
// ---------------------------------------------------------------------------

// Workflow retrieves the current projection for one workflow.
func (c *Client) Workflow(ctx context.Context, workflowID string) (*Workflow, error) {
	var wf Workflow
	if err := c.get(ctx, "/v1/workflows/"+url.PathEscape(workflowID), &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

// ListWorkflows retrieves workflows matching the given filters, newest
// first. Nil opts list everything with the server's default page size.
func (c *Client) ListWorkflows(ctx context.Context, opts *ListWorkflowsOptions) (*WorkflowPage, error) {
	params := url.Values{}
	if opts != nil {
		if opts.TenantID != "" {
			params.Set("tenant_id", opts.TenantID)
		}
		if opts.State != "" {
			params.Set("state", string(opts.State))
		}
		if !opts.From.IsZero() {
			params.Set("from", opts.From.Format(time.RFC3339))
		}
		if !opts.To.IsZero() {
			params.Set("to", opts.To.Format(time.RFC3339))
		}
		if opts.Limit > 0 {
			params.Set("limit", strconv.Itoa(opts.Limit))
		}
		if opts.Offset > 0 {
			params.Set("offset", strconv.Itoa(opts.Offset))
		}
	}

	path := "/v1/workflows"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var env listEnvelope
	if err := c.getList(ctx, path, &env); err != nil {
		return nil, err
	}

	page := &WorkflowPage{
		Total:   env.Total,
		HasMore: env.HasMore,
		Limit:   env.Limit,
		Offset:  env.Offset,
	}
	if err := json.Unmarshal(env.Data, &page.Workflows); err != nil {
		return nil, fmt.Errorf("arbiter: decode workflow list: %w", err)
	}
	return page, nil
}

// CurrentDecision retrieves the authoritative decision for a workflow.
// Returns a NOT_FOUND error while the workflow has not finalised yet.
func (c *Client) CurrentDecision(ctx context.Context, workflowID string) (*Decision, error) {
	var d Decision
	if err := c.get(ctx, "/v1/workflows/"+url.PathEscape(workflowID)+"/current", &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// Timeline retrieves the full decision log for a workflow in log order,
// including superseded decisions with their override lineage.
func (c *Client) Timeline(ctx context.Context, workflowID string) ([]TimelineDecision, error) {
	var timeline []TimelineDecision
	if err := c.get(ctx, "/v1/workflows/"+url.PathEscape(workflowID)+"/decisions", &timeline); err != nil {
		return nil, err
	}
	return timeline, nil
}

// VerifyIntegrity asks the server to recompute the workflow's decision
// hash chain and compare it against the stored hashes.
func (c *Client) VerifyIntegrity(ctx context.Context, workflowID string) (*IntegrityReport, error) {
	var report IntegrityReport
	if err := c.get(ctx, "/v1/workflows/"+url.PathEscape(workflowID)+"/integrity", &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// ---------------------------------------------------------------------------
// Admin and health
// ---------------------------------------------------------------------------

// DeadLetters retrieves the most recent dead-lettered events. Limit 0 uses
// the server default.
func (c *Client) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	path := "/v1/admin/dead-letters"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var letters []DeadLetter
	if err := c.get(ctx, path, &letters); err != nil {
		return nil, err
	}
	return letters, nil
}

// Health checks the server's health status. The server answers with the
// same body healthy or not (the HTTP status flips to 503 when the store is
// down), so callers inspect resp.Status rather than the returned error.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("arbiter: create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	httpResp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("arbiter: GET /health: %w", err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("arbiter: read response body: %w", err)
	}

	var envelope apiEnvelope
	var resp HealthResponse
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Data != nil {
		if err := json.Unmarshal(envelope.Data, &resp); err == nil && resp.Status != "" {
			return &resp, nil
		}
	}
	return nil, parseErrorResponse(httpResp.StatusCode, body)
}

// ---------------------------------------------------------------------------
// Decision stream
// ---------------------------------------------------------------------------

// StreamDecisions subscribes to the live decision feed and calls handler
// for every decision.finalised event as it is published. It blocks until
// ctx is cancelled (returning nil) or the connection fails. The stream does
// not replay events published while disconnected; use Timeline to backfill
// after a gap.
func (c *Client) StreamDecisions(ctx context.Context, handler func(FinalisedEvent)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/decisions/stream", nil)
	if err != nil {
		return fmt.Errorf("arbiter: create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/event-stream")

	// The per-request timeout on the configured client would sever the
	// long-lived stream, so the stream runs on a client without one.
	streamClient := &http.Client{Transport: c.client.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("arbiter: GET /v1/decisions/stream: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return parseErrorResponse(resp.StatusCode, body)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var eventName string
	var data []byte
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			// Blank line terminates one server-sent event.
			if eventName == "decision.finalised" && len(data) > 0 {
				var ev FinalisedEvent
				if err := json.Unmarshal(data, &ev); err != nil {
					return fmt.Errorf("arbiter: decode stream event: %w", err)
				}
				handler(ev)
			}
			eventName = ""
			data = nil
		case strings.HasPrefix(line, ":"):
			// Keepalive comment.
		case strings.HasPrefix(line, "event: "):
			eventName = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = append(data, strings.TrimPrefix(line, "data: ")...)
		}
	}

	if ctx.Err() != nil {
		return nil
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("arbiter: decision stream: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Wire-format body builders
// ---------------------------------------------------------------------------

// envelopeBody is the wire format for POST /v1/events. The server rejects
// unknown fields, so this must track its envelope exactly.
type envelopeBody struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	WorkflowID    string          `json:"workflow_id"`
	TenantID      string          `json:"tenant_id"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload"`
}

func buildEnvelope(ev Event) (envelopeBody, error) {
	if ev.Payload == nil {
		return envelopeBody{}, fmt.Errorf("arbiter: event payload is required")
	}
	raw, err := json.Marshal(ev.Payload)
	if err != nil {
		return envelopeBody{}, fmt.Errorf("arbiter: marshal event payload: %w", err)
	}

	body := envelopeBody{
		EventID:       ev.EventID,
		EventType:     string(ev.EventType),
		WorkflowID:    ev.WorkflowID,
		TenantID:      ev.TenantID,
		CorrelationID: ev.CorrelationID,
		Timestamp:     ev.Timestamp,
		Payload:       raw,
	}
	if body.EventID == "" {
		body.EventID = uuid.NewString()
	}
	if body.Timestamp.IsZero() {
		body.Timestamp = time.Now().UTC()
	}
	return body, nil
}

// listEnvelope is the server's paginated list wrapper. Unlike the object
// envelope, the pagination fields sit alongside data rather than inside it.
type listEnvelope struct {
	Data    json.RawMessage `json:"data"`
	Total   int             `json:"total"`
	HasMore bool            `json:"has_more"`
	Limit   int             `json:"limit"`
	Offset  int             `json:"offset"`
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("arbiter: marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("arbiter: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("arbiter: create request: %w", err)
	}

	return c.do(req, dest)
}

func (c *Client) getList(ctx context.Context, path string, env *listEnvelope) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("arbiter: create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("arbiter: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("arbiter: read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, env); err != nil {
		return fmt.Errorf("arbiter: decode list envelope: %w", err)
	}
	return nil
}

func (c *Client) do(req *http.Request, dest any) error {
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("arbiter: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("arbiter: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	// Unwrap the server's { "data": ... } envelope.
	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("arbiter: decode response envelope: %w", err)
	}

	if envelope.Data == nil {
		// Fallback: some endpoints may not wrap in "data".
		return json.Unmarshal(bodyBytes, dest)
	}

	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
