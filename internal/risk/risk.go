// Package risk calls the external risk assessment service.
//
// Failures are partitioned into transient (timeouts, connection errors,
// 429, 5xx) and permanent (other 4xx, contract violations). Transient
// failures are retried with jittered exponential backoff behind a circuit
// breaker; permanent failures abort immediately.
package risk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/arbiterhq/arbiter/internal/model"
)

// TransientError marks a failure that a later attempt may not hit.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "risk: transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "risk: permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// IsTransient reports whether err is classified transient. Unclassified
// errors count as transient so an unknown failure mode is retried rather
// than silently finalised.
func IsTransient(err error) bool {
	var perm *PermanentError
	return !errors.As(err, &perm)
}

// Request is the assessment request for one workflow.
type Request struct {
	WorkflowID    string         `json:"workflow_id"`
	TenantID      string         `json:"tenant_id"`
	Jurisdiction  string         `json:"jurisdiction"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Signals       map[string]any `json:"signals"`
}

// Result carries the parsed assessment together with the exact response
// bytes. Raw is what gets recorded; downstream consumers re-parse from it
// so a replay sees byte-identical input.
type Result struct {
	Assessment model.RiskAssessment
	Raw        json.RawMessage
}

// Config controls timeouts and the retry schedule.
type Config struct {
	BaseURL     string
	Timeout     time.Duration // per attempt
	MaxAttempts int           // total attempts, including the first
	RetryBase   time.Duration
	RetryMax    time.Duration
}

// Client is a retrying HTTP client for the risk service.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	breaker     *gobreaker.CircuitBreaker
	maxAttempts int
	retryBase   time.Duration
	retryMax    time.Duration
	logger      *slog.Logger
}

// NewClient creates a risk client. Zero config fields get conservative
// defaults.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 200 * time.Millisecond
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 2 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "risk",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("risk breaker state change", "from", from.String(), "to", to.String())
		},
	})

	return &Client{
		baseURL:     cfg.BaseURL,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		breaker:     breaker,
		maxAttempts: cfg.MaxAttempts,
		retryBase:   cfg.RetryBase,
		retryMax:    cfg.RetryMax,
		logger:      logger,
	}
}

// Evaluate requests an assessment, retrying transient failures up to the
// configured attempt budget. The returned error, if any, unwraps to
// TransientError or PermanentError.
func (c *Client) Evaluate(ctx context.Context, req Request) (Result, error) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.retryBase
	expo.MaxInterval = c.retryMax
	expo.MaxElapsedTime = 0 // bounded by attempt count, not wall clock

	policy := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(c.maxAttempts-1)), ctx)

	attempt := 0
	result, err := backoff.RetryWithData(func() (Result, error) {
		attempt++
		out, err := c.attempt(ctx, req)
		if err == nil {
			return out, nil
		}
		if !IsTransient(err) {
			return Result{}, backoff.Permanent(err)
		}
		c.logger.Warn("risk attempt failed",
			"workflow_id", req.WorkflowID, "attempt", attempt, "error", err)
		return Result{}, err
	}, policy)
	if err != nil {
		return Result{}, err
	}
	return result, nil
}

func (c *Client) attempt(ctx context.Context, req Request) (Result, error) {
	out, err := c.breaker.Execute(func() (any, error) {
		return c.do(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return Result{}, &TransientError{Err: err}
		}
		return Result{}, err
	}
	return out.(Result), nil
}

const maxResponseBytes = 1 << 20

func (c *Client) do(ctx context.Context, req Request) (Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, &PermanentError{Err: fmt.Errorf("marshal request: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/risk/evaluate", bytes.NewReader(body))
	if err != nil {
		return Result{}, &PermanentError{Err: fmt.Errorf("create request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Result{}, &TransientError{Err: fmt.Errorf("send request: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Result{}, &TransientError{Err: fmt.Errorf("read response: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through to decode
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return Result{}, &TransientError{Err: fmt.Errorf("status %d: %s", resp.StatusCode, truncate(raw, 256))}
	default:
		return Result{}, &PermanentError{Err: fmt.Errorf("status %d: %s", resp.StatusCode, truncate(raw, 256))}
	}

	var assessment model.RiskAssessment
	if err := json.Unmarshal(raw, &assessment); err != nil {
		return Result{}, &PermanentError{Err: fmt.Errorf("decode response: %w", err)}
	}
	if !assessment.RiskBand.Valid() {
		return Result{}, &PermanentError{Err: fmt.Errorf("unknown risk band %q", assessment.RiskBand)}
	}
	if assessment.RiskScore < 0 || assessment.RiskScore > 100 {
		return Result{}, &PermanentError{Err: fmt.Errorf("risk score %v out of range", assessment.RiskScore)}
	}

	return Result{Assessment: assessment, Raw: json.RawMessage(raw)}, nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
