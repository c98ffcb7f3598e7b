package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiterhq/arbiter/internal/integrity"
	"github.com/arbiterhq/arbiter/internal/model"
	"github.com/arbiterhq/arbiter/internal/policy"
	"github.com/arbiterhq/arbiter/internal/storage"
)

const authorityPacks = `
default_jurisdiction: AU
packs:
  - jurisdiction: AU
    pack_id: au_standard
    pack_version: 1.0.0
    required_signals: [liveness_score, document_quality, match_score]
    outcome_bands:
      low: approve
      medium: approve
      high: review
      critical: decline
    aml_review_threshold: 0.6
`

var authorityTS = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type recordingPublisher struct {
	mu       sync.Mutex
	wakes    int
	flushes  int
	flushErr error
}

func (p *recordingPublisher) Wake() {
	p.mu.Lock()
	p.wakes++
	p.mu.Unlock()
}

func (p *recordingPublisher) Flush(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flushes++
	return p.flushErr
}

func (p *recordingPublisher) counts() (wakes, flushes int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.wakes, p.flushes
}

func newService(t *testing.T) (*Service, storage.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := storage.NewSQLite(context.Background(), ":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	packs, err := policy.Parse([]byte(authorityPacks))
	require.NoError(t, err)
	return New(store, packs, "1.4.2", logger), store
}

// seedWorkflow creates a workflow and advances it to risk_evaluated with the
// signals a finalisation reads.
func seedWorkflow(t *testing.T, store storage.Store, workflowID string) model.Workflow {
	t.Helper()
	ctx := context.Background()
	wf, err := store.CreateWorkflowIfAbsent(ctx, workflowID, "tenant_au")
	require.NoError(t, err)
	wf, err = store.ApplyWorkflow(ctx, workflowID, wf.Version, storage.Mutation{
		State: model.StateRiskEvaluated,
		SignalUpdates: model.Signals{
			model.SignalLivenessScore: 0.95,
			model.SignalUserID:        "user_42",
			model.SignalAction:        "account_open",
		},
	})
	require.NoError(t, err)
	return wf
}

func lowRiskSummary() json.RawMessage {
	return json.RawMessage(`{"session_id":"sess_1","risk_score":22,"risk_band":"low","confidence":0.93,"risk_factors":{"velocity_24h":0.12},"model_ids":["risk_v4"]}`)
}

func riskEvent(workflowID, eventID string, payload model.RiskReturnedPayload) model.Event {
	return model.Event{
		EventID:       eventID,
		EventType:     model.EventRiskReturned,
		WorkflowID:    workflowID,
		TenantID:      "tenant_au",
		CorrelationID: "corr_1",
		Timestamp:     authorityTS,
		Payload:       payload,
	}
}

func overrideEvent(workflowID, eventID string, payload model.OverridePayload) model.Event {
	return model.Event{
		EventID:       eventID,
		EventType:     model.EventOverrideApplied,
		WorkflowID:    workflowID,
		TenantID:      "tenant_au",
		CorrelationID: "corr_ov",
		Timestamp:     authorityTS.Add(time.Hour),
		Payload:       payload,
	}
}

func TestFinaliseAppendsDecision(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	wf := seedWorkflow(t, store, "wf_fin")

	ev := riskEvent("wf_fin", "evt_risk_1", model.RiskReturnedPayload{
		CauseEventID: "evt_match_1",
		RiskSummary:  lowRiskSummary(),
	})
	d, appended, err := svc.Finalise(ctx, wf, nil, ev)
	require.NoError(t, err)
	require.True(t, appended)

	assert.Regexp(t, `^dec_[0-9a-f]{32}$`, d.DecisionID)
	assert.Equal(t, "wf_fin", d.WorkflowID)
	assert.Equal(t, "tenant_au", d.TenantID)
	assert.Equal(t, model.OutcomeApprove, d.Outcome)
	assert.InDelta(t, 0.93, d.Confidence, 1e-9)
	assert.Equal(t, []string{model.ReasonRiskBandLow}, d.ReasonCodes)
	assert.Equal(t, "AU", d.Policy.Jurisdiction)
	assert.Equal(t, "au_standard", d.Policy.PackID)
	assert.Equal(t, "1.0.0", d.Policy.PackVersion)
	assert.Equal(t, DecidedByService, d.Authority.DecidedBy)
	assert.Equal(t, "1.4.2", d.Authority.ServiceVersion)
	assert.False(t, d.Authority.IsOverride)
	assert.Nil(t, d.Lineage.SupersedesDecisionID)
	assert.Equal(t, "user", d.Subject.SubjectType)
	assert.Equal(t, "user_42", d.Subject.SubjectID)
	assert.Equal(t, "account_open", d.Subject.Action)
	assert.Equal(t, "corr_1", d.CorrelationID)
	assert.Equal(t, "evt_match_1", d.CauseEventID)
	assert.True(t, d.Timestamp.Equal(authorityTS))
	assert.NotEmpty(t, d.ContentHash)

	stored, log, err := store.LoadWorkflow(ctx, "wf_fin")
	require.NoError(t, err)
	assert.Equal(t, model.StateFinalised, stored.State)
	require.NotNil(t, stored.CurrentDecisionID)
	assert.Equal(t, d.DecisionID, *stored.CurrentDecisionID)
	require.Len(t, log, 1)
	assert.Equal(t, d.ContentHash, log[0].ContentHash)
}

func TestFinaliseSubjectDefaults(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	// No user_id or action signals recorded.
	wf, err := store.CreateWorkflowIfAbsent(ctx, "wf_anon", "tenant_au")
	require.NoError(t, err)
	wf, err = store.ApplyWorkflow(ctx, "wf_anon", wf.Version, storage.Mutation{
		State:         model.StateRiskEvaluated,
		SignalUpdates: model.Signals{model.SignalLivenessScore: 0.9},
	})
	require.NoError(t, err)

	ev := riskEvent("wf_anon", "evt_risk_1", model.RiskReturnedPayload{
		CauseEventID: "evt_match_1",
		RiskSummary:  lowRiskSummary(),
	})
	d, _, err := svc.Finalise(ctx, wf, nil, ev)
	require.NoError(t, err)
	assert.Equal(t, "wf_anon", d.Subject.SubjectID)
	assert.Equal(t, "onboarding", d.Subject.Action)
}

func TestFinaliseIdempotentOnRedelivery(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	wf := seedWorkflow(t, store, "wf_dup")

	ev := riskEvent("wf_dup", "evt_risk_1", model.RiskReturnedPayload{
		CauseEventID: "evt_match_1",
		RiskSummary:  lowRiskSummary(),
	})
	first, appended, err := svc.Finalise(ctx, wf, nil, ev)
	require.NoError(t, err)
	require.True(t, appended)

	// A redelivery arrives with the reloaded workflow and log.
	wf2, log, err := store.LoadWorkflow(ctx, "wf_dup")
	require.NoError(t, err)
	second, appended, err := svc.Finalise(ctx, wf2, log, ev)
	require.NoError(t, err)
	assert.False(t, appended)
	assert.Equal(t, first.DecisionID, second.DecisionID)
	assert.Equal(t, first.ContentHash, second.ContentHash)

	_, log, err = store.LoadWorkflow(ctx, "wf_dup")
	require.NoError(t, err)
	assert.Len(t, log, 1)
}

func TestFinaliseTransientOutageReviews(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	wf := seedWorkflow(t, store, "wf_outage")

	ev := riskEvent("wf_outage", "evt_risk_1", model.RiskReturnedPayload{
		CauseEventID: "evt_match_1",
		FailureCode:  model.ReasonRiskUnavailableTransient,
	})
	d, appended, err := svc.Finalise(ctx, wf, nil, ev)
	require.NoError(t, err)
	require.True(t, appended)
	assert.Equal(t, model.OutcomeReview, d.Outcome)
	assert.Zero(t, d.Confidence)
	assert.Equal(t, []string{model.ReasonRiskUnavailableTransient}, d.ReasonCodes)
	assert.Empty(t, d.RiskSummary)
}

func TestFinalisePermanentRejectionDeclines(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	wf := seedWorkflow(t, store, "wf_reject")

	ev := riskEvent("wf_reject", "evt_risk_1", model.RiskReturnedPayload{
		CauseEventID: "evt_match_1",
		FailureCode:  model.ReasonRiskUnavailablePermanent,
	})
	d, appended, err := svc.Finalise(ctx, wf, nil, ev)
	require.NoError(t, err)
	require.True(t, appended)
	assert.Equal(t, model.OutcomeDecline, d.Outcome)
	assert.Zero(t, d.Confidence)
	assert.Equal(t, []string{model.ReasonRiskUnavailablePermanent}, d.ReasonCodes)
}

func TestFinaliseRejectsBadTriggers(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	wf := seedWorkflow(t, store, "wf_bad")

	cases := map[string]model.Event{
		"nil payload": {
			EventID:    "evt_1",
			EventType:  model.EventRiskReturned,
			WorkflowID: "wf_bad",
			TenantID:   "tenant_au",
			Timestamp:  authorityTS,
		},
		"wrong payload type": withPayload(riskEvent("wf_bad", "evt_2", model.RiskReturnedPayload{}),
			model.SelfiePayload{LivenessScore: 0.9, Confidence: 0.9, FaceSize: 0.3}),
		"empty risk payload": riskEvent("wf_bad", "evt_3",
			model.RiskReturnedPayload{CauseEventID: "evt_match_1"}),
		"unknown failure code": riskEvent("wf_bad", "evt_4",
			model.RiskReturnedPayload{CauseEventID: "evt_match_1", FailureCode: "upstream_reboot"}),
	}
	for name, ev := range cases {
		t.Run(name, func(t *testing.T) {
			_, appended, err := svc.Finalise(ctx, wf, nil, ev)
			require.ErrorIs(t, err, ErrInvariantViolation)
			assert.False(t, appended)
		})
	}

	_, _, err := store.LoadWorkflow(ctx, "wf_bad")
	require.NoError(t, err)
}

func TestFinaliseBadSummaryJSON(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	wf := seedWorkflow(t, store, "wf_garbled")

	ev := riskEvent("wf_garbled", "evt_risk_1", model.RiskReturnedPayload{
		CauseEventID: "evt_match_1",
		RiskSummary:  json.RawMessage(`{"risk_band":`),
	})
	_, appended, err := svc.Finalise(ctx, wf, nil, ev)
	require.Error(t, err)
	assert.False(t, appended)
	assert.Contains(t, err.Error(), "decode risk summary")
	// Not an invariant violation: the caller's retry path stays open.
	assert.False(t, errors.Is(err, ErrInvariantViolation))
}

// withPayload swaps the payload on a prebuilt event. Keeps the rejection
// table above readable.
func withPayload(e model.Event, p model.EventPayload) model.Event {
	e.Payload = p
	return e
}

func finaliseOne(t *testing.T, svc *Service, store storage.Store, workflowID string) model.Decision {
	t.Helper()
	wf := seedWorkflow(t, store, workflowID)
	ev := riskEvent(workflowID, "evt_risk_1", model.RiskReturnedPayload{
		CauseEventID: "evt_match_1",
		RiskSummary:  lowRiskSummary(),
	})
	d, appended, err := svc.Finalise(context.Background(), wf, nil, ev)
	require.NoError(t, err)
	require.True(t, appended)
	return d
}

func TestOverrideSupersedesDecision(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	first := finaliseOne(t, svc, store, "wf_ov")

	wf, log, err := store.LoadWorkflow(ctx, "wf_ov")
	require.NoError(t, err)

	ov := overrideEvent("wf_ov", "evt_ov_1", model.OverridePayload{
		NewOutcome:   model.OutcomeDecline,
		Reason:       "document mismatch on manual review",
		AuthorizedBy: "analyst_7",
	})
	second, appended, err := svc.Override(ctx, wf, log, ov)
	require.NoError(t, err)
	require.True(t, appended)

	assert.NotEqual(t, first.DecisionID, second.DecisionID)
	assert.Equal(t, model.OutcomeDecline, second.Outcome)
	assert.Equal(t, 1.0, second.Confidence)
	assert.Equal(t, []string{model.ReasonManualOverride}, second.ReasonCodes)
	assert.True(t, bytes.Equal(first.RiskSummary, second.RiskSummary))
	assert.Equal(t, DecidedByOperator, second.Authority.DecidedBy)
	assert.True(t, second.Authority.IsOverride)
	assert.Equal(t, "analyst_7", second.Authority.ActorID)
	require.NotNil(t, second.Lineage.SupersedesDecisionID)
	assert.Equal(t, first.DecisionID, *second.Lineage.SupersedesDecisionID)
	assert.Equal(t, "evt_ov_1", second.CauseEventID)
	assert.True(t, second.Timestamp.Equal(authorityTS.Add(time.Hour)))

	wf2, log2, err := store.LoadWorkflow(ctx, "wf_ov")
	require.NoError(t, err)
	assert.Equal(t, model.StateFinalised, wf2.State)
	require.NotNil(t, wf2.CurrentDecisionID)
	assert.Equal(t, second.DecisionID, *wf2.CurrentDecisionID)
	assert.Len(t, log2, 2)
}

func TestOverrideChainsOnSuperseded(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	finaliseOne(t, svc, store, "wf_chain")

	wf, log, err := store.LoadWorkflow(ctx, "wf_chain")
	require.NoError(t, err)
	second, _, err := svc.Override(ctx, wf, log, overrideEvent("wf_chain", "evt_ov_1", model.OverridePayload{
		NewOutcome:   model.OutcomeDecline,
		Reason:       "first pass",
		AuthorizedBy: "analyst_7",
	}))
	require.NoError(t, err)

	wf, log, err = store.LoadWorkflow(ctx, "wf_chain")
	require.NoError(t, err)
	third, appended, err := svc.Override(ctx, wf, log, overrideEvent("wf_chain", "evt_ov_2", model.OverridePayload{
		NewOutcome:   model.OutcomeApprove,
		Reason:       "second pass reversed it",
		AuthorizedBy: "supervisor_2",
	}))
	require.NoError(t, err)
	require.True(t, appended)
	require.NotNil(t, third.Lineage.SupersedesDecisionID)
	assert.Equal(t, second.DecisionID, *third.Lineage.SupersedesDecisionID)

	wf, log, err = store.LoadWorkflow(ctx, "wf_chain")
	require.NoError(t, err)
	assert.Equal(t, model.StateFinalised, wf.State)
	assert.Equal(t, third.DecisionID, *wf.CurrentDecisionID)
	assert.Len(t, log, 3)
}

func TestOverrideRequiresCurrentDecision(t *testing.T) {
	svc, store := newService(t)
	wf := seedWorkflow(t, store, "wf_nodec")

	_, appended, err := svc.Override(context.Background(), wf, nil, overrideEvent("wf_nodec", "evt_ov_1", model.OverridePayload{
		NewOutcome:   model.OutcomeDecline,
		Reason:       "premature",
		AuthorizedBy: "analyst_7",
	}))
	require.ErrorIs(t, err, ErrInvariantViolation)
	assert.False(t, appended)
}

func TestOverrideRejectsInvalidOutcome(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	finaliseOne(t, svc, store, "wf_badout")

	wf, log, err := store.LoadWorkflow(ctx, "wf_badout")
	require.NoError(t, err)
	_, _, err = svc.Override(ctx, wf, log, overrideEvent("wf_badout", "evt_ov_1", model.OverridePayload{
		NewOutcome:   model.Outcome("escalate"),
		Reason:       "no such outcome",
		AuthorizedBy: "analyst_7",
	}))
	require.ErrorIs(t, err, ErrInvariantViolation)
}

func TestOverrideMissingLogEntry(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	finaliseOne(t, svc, store, "wf_nolog")

	wf, _, err := store.LoadWorkflow(ctx, "wf_nolog")
	require.NoError(t, err)
	// The caller hands over an empty log even though the workflow points at
	// a current decision.
	_, _, err = svc.Override(ctx, wf, nil, overrideEvent("wf_nolog", "evt_ov_1", model.OverridePayload{
		NewOutcome:   model.OutcomeDecline,
		Reason:       "log went missing",
		AuthorizedBy: "analyst_7",
	}))
	require.ErrorIs(t, err, ErrInvariantViolation)
	assert.Contains(t, err.Error(), "not in log")
}

func TestOverrideRejectsWrongTrigger(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	finaliseOne(t, svc, store, "wf_ovtrig")

	wf, log, err := store.LoadWorkflow(ctx, "wf_ovtrig")
	require.NoError(t, err)
	_, _, err = svc.Override(ctx, wf, log, riskEvent("wf_ovtrig", "evt_risk_2", model.RiskReturnedPayload{
		CauseEventID: "evt_match_2",
		RiskSummary:  lowRiskSummary(),
	}))
	require.ErrorIs(t, err, ErrInvariantViolation)
}

func TestDeriveDecisionID(t *testing.T) {
	id, err := DeriveDecisionID("wf_1", "evt_1", DecidedByService)
	require.NoError(t, err)
	assert.Regexp(t, `^dec_[0-9a-f]{32}$`, id)

	again, err := DeriveDecisionID("wf_1", "evt_1", DecidedByService)
	require.NoError(t, err)
	assert.Equal(t, id, again)

	otherWorkflow, err := DeriveDecisionID("wf_2", "evt_1", DecidedByService)
	require.NoError(t, err)
	otherCause, err := DeriveDecisionID("wf_1", "evt_2", DecidedByService)
	require.NoError(t, err)
	otherAuthority, err := DeriveDecisionID("wf_1", "evt_1", DecidedByOperator)
	require.NoError(t, err)
	assert.NotEqual(t, id, otherWorkflow)
	assert.NotEqual(t, id, otherCause)
	assert.NotEqual(t, id, otherAuthority)
}

func TestHandoffAsyncWakes(t *testing.T) {
	svc, store := newService(t)
	pub := &recordingPublisher{}
	svc.SetPublisher(pub, false)

	finaliseOne(t, svc, store, "wf_wake")
	wakes, flushes := pub.counts()
	assert.Equal(t, 1, wakes)
	assert.Zero(t, flushes)

	// Redelivery appends nothing and must not publish again.
	ctx := context.Background()
	wf, log, err := store.LoadWorkflow(ctx, "wf_wake")
	require.NoError(t, err)
	_, appended, err := svc.Finalise(ctx, wf, log, riskEvent("wf_wake", "evt_risk_1", model.RiskReturnedPayload{
		CauseEventID: "evt_match_1",
		RiskSummary:  lowRiskSummary(),
	}))
	require.NoError(t, err)
	assert.False(t, appended)
	wakes, _ = pub.counts()
	assert.Equal(t, 1, wakes)
}

func TestHandoffSyncFlushes(t *testing.T) {
	svc, store := newService(t)
	pub := &recordingPublisher{}
	svc.SetPublisher(pub, true)

	finaliseOne(t, svc, store, "wf_flush")
	wakes, flushes := pub.counts()
	assert.Zero(t, wakes)
	assert.Equal(t, 1, flushes)
}

func TestHandoffSwallowsFlushError(t *testing.T) {
	svc, store := newService(t)
	pub := &recordingPublisher{flushErr: errors.New("broker down")}
	svc.SetPublisher(pub, true)

	// The decision is durable before publication, so a flush failure must
	// not surface to the caller.
	d := finaliseOne(t, svc, store, "wf_flusherr")
	assert.NotEmpty(t, d.DecisionID)
}

func TestContentHashChainsAcrossOverride(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	first := finaliseOne(t, svc, store, "wf_hash")

	wf, log, err := store.LoadWorkflow(ctx, "wf_hash")
	require.NoError(t, err)
	second, _, err := svc.Override(ctx, wf, log, overrideEvent("wf_hash", "evt_ov_1", model.OverridePayload{
		NewOutcome:   model.OutcomeDecline,
		Reason:       "chained",
		AuthorizedBy: "analyst_7",
	}))
	require.NoError(t, err)

	stripped := second
	stripped.ContentHash = ""
	assert.Equal(t, integrity.ComputeContentHash(first.ContentHash, stripped), second.ContentHash)

	_, log, err = store.LoadWorkflow(ctx, "wf_hash")
	require.NoError(t, err)
	assert.Empty(t, integrity.VerifyChain(log))
}
