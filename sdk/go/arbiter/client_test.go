package arbiter

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

// mockServer creates an httptest server that mimics the arbiter API.
func mockServer(t *testing.T, handlers map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	for pattern, handler := range handlers {
		mux.HandleFunc(pattern, handler)
	}
	return httptest.NewServer(mux)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, serverURL string) *Client {
	t.Helper()
	c, err := NewClient(Config{
		BaseURL: serverURL,
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return c
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	_, err := NewClient(Config{})
	if err == nil {
		t.Fatal("expected error for empty BaseURL")
	}
	if !strings.Contains(err.Error(), "BaseURL") {
		t.Errorf("expected BaseURL in error, got %q", err.Error())
	}
}

// ---------------------------------------------------------------------------
// Event submission
// ---------------------------------------------------------------------------

func TestSubmitSelfieBuildsEnvelope(t *testing.T) {
	var receivedBody envelopeBody
	var receivedHeaders http.Header
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/events": func(w http.ResponseWriter, r *http.Request) {
			receivedHeaders = r.Header.Clone()
			if err := json.NewDecoder(r.Body).Decode(&receivedBody); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]any{
					"error": map[string]any{"code": "INVALID_INPUT", "message": err.Error()},
				})
				return
			}
			writeJSON(w, http.StatusAccepted, map[string]any{
				"data": IngestAck{Status: AckAccepted, EventID: receivedBody.EventID},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	ack, err := client.SubmitSelfie(context.Background(), Event{
		WorkflowID: "wf-1",
		TenantID:   "tenant-a",
	}, SelfiePayload{
		LivenessScore: 0.93,
		Confidence:    0.88,
		FaceCentered:  true,
		FaceSize:      0.41,
	})
	if err != nil {
		t.Fatalf("SubmitSelfie failed: %v", err)
	}
	if ack.Status != AckAccepted {
		t.Errorf("expected status accepted, got %q", ack.Status)
	}

	// The SDK fills event type, id, and timestamp on the wire envelope.
	if receivedBody.EventType != "selfie.uploaded" {
		t.Errorf("expected event_type selfie.uploaded, got %q", receivedBody.EventType)
	}
	if receivedBody.WorkflowID != "wf-1" {
		t.Errorf("expected workflow_id wf-1, got %q", receivedBody.WorkflowID)
	}
	if receivedBody.TenantID != "tenant-a" {
		t.Errorf("expected tenant_id tenant-a, got %q", receivedBody.TenantID)
	}
	if _, err := uuid.Parse(receivedBody.EventID); err != nil {
		t.Errorf("generated event_id %q is not a UUID: %v", receivedBody.EventID, err)
	}
	if receivedBody.Timestamp.IsZero() {
		t.Error("expected a generated timestamp")
	}

	var p SelfiePayload
	if err := json.Unmarshal(receivedBody.Payload, &p); err != nil {
		t.Fatalf("payload did not decode: %v", err)
	}
	if p.LivenessScore != 0.93 || !p.FaceCentered {
		t.Errorf("payload fields lost in transit: %+v", p)
	}

	if got := receivedHeaders.Get("User-Agent"); got != "arbiter-go/1.0.0" {
		t.Errorf("expected User-Agent arbiter-go/1.0.0, got %q", got)
	}
}

func TestSubmitEventKeepsProducerIdentifiers(t *testing.T) {
	stamp := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	var receivedBody envelopeBody
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/events": func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewDecoder(r.Body).Decode(&receivedBody)
			writeJSON(w, http.StatusAccepted, map[string]any{
				"data": IngestAck{Status: AckDuplicate, EventID: receivedBody.EventID},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	ack, err := client.SubmitDocument(context.Background(), Event{
		EventID:       "evt-42",
		WorkflowID:    "wf-1",
		TenantID:      "tenant-a",
		CorrelationID: "corr-7",
		Timestamp:     stamp,
	}, DocumentPayload{DocumentType: "passport", QualityScore: 0.9})
	if err != nil {
		t.Fatalf("SubmitDocument failed: %v", err)
	}
	if ack.Status != AckDuplicate {
		t.Errorf("expected duplicate ack, got %q", ack.Status)
	}
	if receivedBody.EventID != "evt-42" {
		t.Errorf("expected producer event_id to pass through, got %q", receivedBody.EventID)
	}
	if receivedBody.CorrelationID != "corr-7" {
		t.Errorf("expected correlation_id corr-7, got %q", receivedBody.CorrelationID)
	}
	if !receivedBody.Timestamp.Equal(stamp) {
		t.Errorf("expected timestamp %v, got %v", stamp, receivedBody.Timestamp)
	}
}

func TestSubmitEventRequiresPayload(t *testing.T) {
	client := newTestClient(t, "http://localhost:1")
	_, err := client.SubmitEvent(context.Background(), Event{
		EventType:  EventMatchCompleted,
		WorkflowID: "wf-1",
		TenantID:   "tenant-a",
	})
	if err == nil {
		t.Fatal("expected error for nil payload")
	}
}

func TestSubmitEventBackpressure(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/events": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error": map[string]any{
					"code":    "BACKPRESSURE",
					"message": "workflow queue full, retry with the same event_id",
				},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.SubmitMatch(context.Background(), Event{
		WorkflowID: "wf-1", TenantID: "tenant-a",
	}, MatchPayload{MatchScore: 0.7})
	if err == nil {
		t.Fatal("expected backpressure error")
	}
	if !IsBackpressure(err) {
		t.Errorf("expected IsBackpressure, got %v", err)
	}
	if !IsRateLimited(err) {
		t.Errorf("expected IsRateLimited for 429, got %v", err)
	}
	if IsNotFound(err) {
		t.Error("backpressure should not read as not found")
	}
}

func TestSubmitEventUnknownType(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/events": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"error": map[string]any{
					"code":    "UNKNOWN_EVENT_TYPE",
					"message": `unknown event type: "selfie.deleted"`,
				},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.SubmitEvent(context.Background(), Event{
		EventType:  "selfie.deleted",
		WorkflowID: "wf-1",
		TenantID:   "tenant-a",
		Payload:    map[string]any{},
	})
	if !IsInvalid(err) {
		t.Errorf("expected IsInvalid for 422, got %v", err)
	}

	var apiErr *Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if apiErr.Code != CodeUnknownEventType {
		t.Errorf("expected code UNKNOWN_EVENT_TYPE, got %q", apiErr.Code)
	}
}

// ---------------------------------------------------------------------------
// Workflow queries
// ---------------------------------------------------------------------------

func TestWorkflowDecodesProjection(t *testing.T) {
	decisionID := "d-1"
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/workflows/wf-1": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"data": Workflow{
					WorkflowID:        "wf-1",
					TenantID:          "tenant-a",
					State:             StateFinalised,
					Signals:           map[string]any{"liveness_score": 0.93},
					CurrentDecisionID: &decisionID,
					Version:           5,
				},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	wf, err := client.Workflow(context.Background(), "wf-1")
	if err != nil {
		t.Fatalf("Workflow failed: %v", err)
	}
	if wf.State != StateFinalised {
		t.Errorf("expected finalised state, got %q", wf.State)
	}
	if wf.CurrentDecisionID == nil || *wf.CurrentDecisionID != "d-1" {
		t.Errorf("expected current_decision_id d-1, got %v", wf.CurrentDecisionID)
	}
	if wf.Signals["liveness_score"] != 0.93 {
		t.Errorf("expected signals to decode, got %v", wf.Signals)
	}
}

func TestWorkflowNotFound(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/workflows/missing": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusNotFound, map[string]any{
				"error": map[string]any{"code": "NOT_FOUND", "message": "workflow not found"},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.Workflow(context.Background(), "missing")
	if !IsNotFound(err) {
		t.Errorf("expected IsNotFound, got %v", err)
	}
}

func TestListWorkflowsSendsFiltersAndDecodesPage(t *testing.T) {
	from := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)

	var receivedQuery string
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/workflows": func(w http.ResponseWriter, r *http.Request) {
			receivedQuery = r.URL.RawQuery
			writeJSON(w, http.StatusOK, map[string]any{
				"data": []Workflow{
					{WorkflowID: "wf-1", State: StateFinalised},
					{WorkflowID: "wf-2", State: StateFinalised},
				},
				"total":    41,
				"has_more": true,
				"limit":    2,
				"offset":   0,
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	page, err := client.ListWorkflows(context.Background(), &ListWorkflowsOptions{
		TenantID: "tenant-a",
		State:    StateFinalised,
		From:     from,
		Limit:    2,
	})
	if err != nil {
		t.Fatalf("ListWorkflows failed: %v", err)
	}
	if len(page.Workflows) != 2 {
		t.Fatalf("expected 2 workflows, got %d", len(page.Workflows))
	}
	if page.Total != 41 || !page.HasMore {
		t.Errorf("pagination lost: total=%d has_more=%v", page.Total, page.HasMore)
	}

	q := "?" + receivedQuery
	for _, want := range []string{"tenant_id=tenant-a", "state=finalised", "limit=2", "from=2025-05-01"} {
		if !strings.Contains(q, want) {
			t.Errorf("expected query to contain %q, got %q", want, receivedQuery)
		}
	}
}

func TestCurrentDecision(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/workflows/wf-1/current": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"data": Decision{
					DecisionID:  "d-1",
					WorkflowID:  "wf-1",
					Outcome:     OutcomeApprove,
					Confidence:  0.97,
					ReasonCodes: []string{"risk_band_low"},
					Authority:   Authority{DecidedBy: "arbiter", ServiceVersion: "1.0.0"},
					Policy:      PolicyRef{Jurisdiction: "default", PackID: "kyc-default", PackVersion: "1.0.0"},
				},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	d, err := client.CurrentDecision(context.Background(), "wf-1")
	if err != nil {
		t.Fatalf("CurrentDecision failed: %v", err)
	}
	if d.Outcome != OutcomeApprove {
		t.Errorf("expected approve, got %q", d.Outcome)
	}
	if d.Authority.DecidedBy != "arbiter" {
		t.Errorf("expected decided_by arbiter, got %q", d.Authority.DecidedBy)
	}
	if len(d.ReasonCodes) != 1 || d.ReasonCodes[0] != "risk_band_low" {
		t.Errorf("unexpected reason codes %v", d.ReasonCodes)
	}
}

func TestTimelineMarksCurrentDecision(t *testing.T) {
	supersededBy := "d-2"
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/workflows/wf-1/decisions": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"data": []TimelineDecision{
					{
						Decision:     Decision{DecisionID: "d-1", Outcome: OutcomeDecline},
						IsCurrent:    false,
						SupersededBy: &supersededBy,
					},
					{
						Decision:  Decision{DecisionID: "d-2", Outcome: OutcomeApprove},
						IsCurrent: true,
					},
				},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	timeline, err := client.Timeline(context.Background(), "wf-1")
	if err != nil {
		t.Fatalf("Timeline failed: %v", err)
	}
	if len(timeline) != 2 {
		t.Fatalf("expected 2 decisions, got %d", len(timeline))
	}
	if timeline[0].IsCurrent || timeline[0].SupersededBy == nil {
		t.Errorf("expected first decision superseded, got %+v", timeline[0])
	}
	if !timeline[1].IsCurrent {
		t.Error("expected second decision to be current")
	}
}

func TestVerifyIntegrity(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/workflows/wf-1/integrity": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"data": IntegrityReport{
					WorkflowID:    "wf-1",
					DecisionCount: 3,
					Valid:         true,
					MerkleRoot:    "abc123",
				},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	report, err := client.VerifyIntegrity(context.Background(), "wf-1")
	if err != nil {
		t.Fatalf("VerifyIntegrity failed: %v", err)
	}
	if !report.Valid {
		t.Error("expected valid chain")
	}
	if report.DecisionCount != 3 {
		t.Errorf("expected 3 decisions, got %d", report.DecisionCount)
	}
	if report.MerkleRoot != "abc123" {
		t.Errorf("expected merkle root abc123, got %q", report.MerkleRoot)
	}
}

// ---------------------------------------------------------------------------
// Admin and health
// ---------------------------------------------------------------------------

func TestDeadLettersPassesLimit(t *testing.T) {
	var receivedLimit string
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/admin/dead-letters": func(w http.ResponseWriter, r *http.Request) {
			receivedLimit = r.URL.Query().Get("limit")
			writeJSON(w, http.StatusOK, map[string]any{
				"data": []DeadLetter{
					{ID: 1, EventID: "evt-9", WorkflowID: "wf-9", Reason: "retry budget exhausted", Attempts: 5},
				},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	letters, err := client.DeadLetters(context.Background(), 25)
	if err != nil {
		t.Fatalf("DeadLetters failed: %v", err)
	}
	if receivedLimit != "25" {
		t.Errorf("expected limit=25, got %q", receivedLimit)
	}
	if len(letters) != 1 || letters[0].Reason != "retry budget exhausted" {
		t.Errorf("unexpected dead letters %+v", letters)
	}
}

func TestHealthDecodesUnhealthyBody(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /health": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"data": HealthResponse{
					Status:  "unhealthy",
					Version: "1.0.0",
					Store:   "disconnected",
				},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	resp, err := client.Health(context.Background())
	if err != nil {
		t.Fatalf("Health failed: %v", err)
	}
	if resp.Status != "unhealthy" {
		t.Errorf("expected unhealthy, got %q", resp.Status)
	}
	if resp.Store != "disconnected" {
		t.Errorf("expected store disconnected, got %q", resp.Store)
	}
}

// ---------------------------------------------------------------------------
// Decision stream
// ---------------------------------------------------------------------------

func TestStreamDecisionsDeliversEvents(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/decisions/stream": func(w http.ResponseWriter, r *http.Request) {
			flusher, ok := w.(http.Flusher)
			if !ok {
				t.Error("response writer does not support flushing")
				return
			}
			w.Header().Set("Content-Type", "text/event-stream")
			w.WriteHeader(http.StatusOK)

			_, _ = io.WriteString(w, ":keepalive\n\n")
			_, _ = io.WriteString(w, "event: decision.finalised\n"+
				`data: {"event_type":"decision.finalised","decision_id":"d-1","workflow_id":"wf-1","outcome":"approve"}`+"\n\n")
			_, _ = io.WriteString(w, "event: decision.finalised\n"+
				`data: {"event_type":"decision.finalised","decision_id":"d-2","workflow_id":"wf-2","outcome":"decline"}`+"\n\n")
			flusher.Flush()

			<-r.Context().Done()
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var got []FinalisedEvent
	err := client.StreamDecisions(ctx, func(ev FinalisedEvent) {
		got = append(got, ev)
		if len(got) == 2 {
			cancel()
		}
	})
	if err != nil {
		t.Fatalf("StreamDecisions failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].DecisionID != "d-1" || got[0].Outcome != OutcomeApprove {
		t.Errorf("unexpected first event %+v", got[0])
	}
	if got[1].WorkflowID != "wf-2" || got[1].Outcome != OutcomeDecline {
		t.Errorf("unexpected second event %+v", got[1])
	}
}

func TestStreamDecisionsSurfacesHTTPErrors(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/decisions/stream": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"error": map[string]any{"code": "INTERNAL_ERROR", "message": "decision stream not available"},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	err := client.StreamDecisions(context.Background(), func(FinalisedEvent) {
		t.Error("handler should not be called")
	})
	if err == nil {
		t.Fatal("expected error from 503")
	}

	var apiErr *Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if apiErr.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", apiErr.StatusCode)
	}
}

// ---------------------------------------------------------------------------
// Error formatting
// ---------------------------------------------------------------------------

func TestErrorString(t *testing.T) {
	err := &Error{StatusCode: 404, Code: "NOT_FOUND", Message: "workflow not found"}
	want := "arbiter: NOT_FOUND (404): workflow not found"
	if err.Error() != want {
		t.Errorf("expected %q, got %q", want, err.Error())
	}
}

func TestNonEnvelopedErrorBody(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/workflows/wf-1": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = io.WriteString(w, "upstream proxy error")
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.Workflow(context.Background(), "wf-1")

	var apiErr *Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if apiErr.StatusCode != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", apiErr.StatusCode)
	}
	if !strings.Contains(apiErr.Message, "upstream proxy error") {
		t.Errorf("expected raw body in message, got %q", apiErr.Message)
	}
}
