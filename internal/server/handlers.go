package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/arbiterhq/arbiter/internal/ingest"
	"github.com/arbiterhq/arbiter/internal/model"
	"github.com/arbiterhq/arbiter/internal/service/decisions"
	"github.com/arbiterhq/arbiter/internal/storage"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	dispatcher          *ingest.Dispatcher
	decisionSvc         *decisions.Service
	broker              *Broker
	store               storage.Store
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	openapiSpec         []byte
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Broker, OpenAPISpec.
type HandlersDeps struct {
	Dispatcher          *ingest.Dispatcher
	DecisionSvc         *decisions.Service
	Broker              *Broker
	Store               storage.Store
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		dispatcher:          d.Dispatcher,
		decisionSvc:         d.DecisionSvc,
		broker:              d.Broker,
		store:               d.Store,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		openapiSpec:         d.OpenAPISpec,
	}
}

// HandleSubmitEvent handles POST /v1/events.
//
// Accepted and duplicate both return 202: either way the event is durable
// and the workflow will converge. Backpressure returns 429 so the producer
// retries with the same event_id.
func (h *Handlers) HandleSubmitEvent(w http.ResponseWriter, r *http.Request) {
	var env model.Envelope
	if err := decodeJSON(w, r, &env, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	ack, err := h.dispatcher.Submit(r.Context(), env)
	if err != nil {
		switch {
		case errors.Is(err, model.ErrUnknownEventType):
			writeError(w, r, http.StatusUnprocessableEntity, model.ErrCodeUnknownEventType, err.Error())
		case errors.Is(err, model.ErrMalformedEvent):
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		default:
			h.logger.Error("event submission failed",
				"workflow_id", env.WorkflowID, "event_id", env.EventID, "error", err)
			writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to record event")
		}
		return
	}

	if ack.Status == model.AckBackpressure {
		writeError(w, r, http.StatusTooManyRequests, model.ErrCodeBackpressure,
			"workflow queue full, retry with the same event_id")
		return
	}
	writeJSON(w, r, http.StatusAccepted, ack)
}

// HandleGetWorkflow handles GET /v1/workflows/{workflow_id}.
func (h *Handlers) HandleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := h.decisionSvc.Workflow(r.Context(), r.PathValue("workflow_id"))
	if err != nil {
		h.writeLookupError(w, r, "workflow", err)
		return
	}
	writeJSON(w, r, http.StatusOK, wf)
}

// HandleGetCurrentDecision handles GET /v1/workflows/{workflow_id}/current.
func (h *Handlers) HandleGetCurrentDecision(w http.ResponseWriter, r *http.Request) {
	d, err := h.decisionSvc.Current(r.Context(), r.PathValue("workflow_id"))
	if err != nil {
		h.writeLookupError(w, r, "decision", err)
		return
	}
	writeJSON(w, r, http.StatusOK, d)
}

// HandleGetTimeline handles GET /v1/workflows/{workflow_id}/decisions.
func (h *Handlers) HandleGetTimeline(w http.ResponseWriter, r *http.Request) {
	timeline, err := h.decisionSvc.Timeline(r.Context(), r.PathValue("workflow_id"))
	if err != nil {
		h.writeLookupError(w, r, "workflow", err)
		return
	}
	writeJSON(w, r, http.StatusOK, timeline)
}

// HandleGetIntegrity handles GET /v1/workflows/{workflow_id}/integrity.
func (h *Handlers) HandleGetIntegrity(w http.ResponseWriter, r *http.Request) {
	report, err := h.decisionSvc.Integrity(r.Context(), r.PathValue("workflow_id"))
	if err != nil {
		h.writeLookupError(w, r, "workflow", err)
		return
	}
	writeJSON(w, r, http.StatusOK, report)
}

// HandleListWorkflows handles GET /v1/workflows.
func (h *Handlers) HandleListWorkflows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := model.WorkflowFilter{
		TenantID: q.Get("tenant_id"),
		State:    model.WorkflowState(q.Get("state")),
	}

	var err error
	if f.Limit, err = queryInt(q.Get("limit"), 0); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "limit must be an integer")
		return
	}
	if f.Offset, err = queryInt(q.Get("offset"), 0); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "offset must be an integer")
		return
	}
	if f.From, err = queryTime(q.Get("from")); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "from must be an RFC 3339 timestamp")
		return
	}
	if f.To, err = queryTime(q.Get("to")); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "to must be an RFC 3339 timestamp")
		return
	}
	if f.State != "" && !f.State.Valid() {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown workflow state")
		return
	}

	workflows, total, err := h.decisionSvc.List(r.Context(), f)
	if err != nil {
		h.logger.Error("workflow listing failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to list workflows")
		return
	}
	// The service applies the clamped bounds; report what was used.
	if f.Limit <= 0 {
		f.Limit = decisions.DefaultLimit
	}
	if f.Limit > decisions.MaxLimit {
		f.Limit = decisions.MaxLimit
	}
	writeList(w, r, http.StatusOK, workflows, total, f.Limit, f.Offset, len(workflows))
}

// HandleListDeadLetters handles GET /v1/admin/dead-letters.
func (h *Handlers) HandleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r.URL.Query().Get("limit"), 0)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "limit must be an integer")
		return
	}
	letters, err := h.decisionSvc.DeadLetters(r.Context(), limit)
	if err != nil {
		h.logger.Error("dead letter listing failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to list dead letters")
		return
	}
	writeJSON(w, r, http.StatusOK, letters)
}

// HandleDecisionStream handles GET /v1/decisions/stream (SSE).
func (h *Handlers) HandleDecisionStream(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "decision stream not available")
		return
	}

	// ResponseController reaches Flush and SetWriteDeadline through the
	// middleware wrappers via their Unwrap methods.
	rc := http.NewResponseController(w)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		// The transport cannot stream; the headers are already committed,
		// so all we can do is close.
		h.logger.Warn("decision stream unsupported by transport", "error", err)
		return
	}

	// Clear the write deadline; the server's WriteTimeout would sever the
	// long-lived stream.
	_ = rc.SetWriteDeadline(time.Time{})

	ch := h.broker.Subscribe()
	defer h.broker.Unsubscribe(ch)

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			_ = rc.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			_ = rc.Flush()
		}
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	storeStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.store.Ping(r.Context()); err != nil {
		storeStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	resp := model.HealthResponse{
		Status:  status,
		Version: h.version,
		Store:   storeStatus,
		Uptime:  int64(time.Since(h.startedAt).Seconds()),
	}
	if storeStatus == "connected" {
		if depth, err := h.store.OutboxDepth(r.Context()); err == nil {
			resp.OutboxPending = depth
		}
	}
	if h.broker != nil {
		resp.Subscribers = h.broker.Subscribers()
	}

	writeJSON(w, r, httpStatus, resp)
}

// HandleReady handles GET /ready. Ready means the store answers; the
// process serves queries and accepts events once that holds.
func (h *Handlers) HandleReady(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "store unreachable")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ready"})
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// writeLookupError renders storage.ErrNotFound as 404 and everything else
// as a logged 500.
func (h *Handlers) writeLookupError(w http.ResponseWriter, r *http.Request, what string, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, what+" not found")
		return
	}
	h.logger.Error("lookup failed", "path", r.URL.Path, "error", err)
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "lookup failed")
}

func queryInt(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func queryTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}
