package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiterhq/arbiter/internal/model"
	"github.com/arbiterhq/arbiter/internal/storage"
)

type captureSink struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (s *captureSink) Publish(payload []byte) {
	s.mu.Lock()
	s.payloads = append(s.payloads, append([]byte(nil), payload...))
	s.mu.Unlock()
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payloads)
}

func (s *captureSink) decisionIDs(t *testing.T) []string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, len(s.payloads))
	for i, raw := range s.payloads {
		var ev model.FinalisedEvent
		require.NoError(t, json.Unmarshal(raw, &ev))
		ids[i] = ev.DecisionID
	}
	return ids
}

func newOutboxStore(t *testing.T) storage.Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := storage.NewSQLite(context.Background(), ":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func outboxLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// appendDecision finalises one decision on its own workflow, which enqueues
// exactly one outbox row.
func appendDecision(t *testing.T, store storage.Store, workflowID, decisionID string) model.Decision {
	t.Helper()
	ctx := context.Background()
	wf, err := store.CreateWorkflowIfAbsent(ctx, workflowID, "tenant_au")
	require.NoError(t, err)

	d := model.Decision{
		DecisionID:   decisionID,
		WorkflowID:   workflowID,
		TenantID:     "tenant_au",
		Outcome:      model.OutcomeApprove,
		Confidence:   0.93,
		ReasonCodes:  []string{model.ReasonRiskBandLow},
		RiskSummary:  json.RawMessage(`{"risk_band":"low","risk_score":22}`),
		Policy:       model.PolicyRef{Jurisdiction: "AU", PackID: "au_standard", PackVersion: "1.0.0"},
		Authority:    model.Authority{DecidedBy: "arbiter", ServiceVersion: "test"},
		Subject:      model.Subject{SubjectType: "user", SubjectID: "user_42", Action: "onboarding"},
		CauseEventID: "evt_cause_" + decisionID,
		ContentHash:  "v1:" + decisionID,
		Timestamp:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	stored, appended, err := store.AppendDecision(ctx, workflowID, wf.Version, d)
	require.NoError(t, err)
	require.True(t, appended)
	return stored
}

func TestFlushPublishesPendingInOrder(t *testing.T) {
	store := newOutboxStore(t)
	sink := &captureSink{}
	pub := NewPublisher(store, sink, outboxLogger(), time.Minute, 100)

	first := appendDecision(t, store, "wf_a", "dec_pub_1")
	second := appendDecision(t, store, "wf_b", "dec_pub_2")

	require.NoError(t, pub.Flush(context.Background()))
	require.Equal(t, []string{first.DecisionID, second.DecisionID}, sink.decisionIDs(t))

	var ev model.FinalisedEvent
	require.NoError(t, json.Unmarshal(sink.payloads[0], &ev))
	assert.Equal(t, model.FinalisedEventType, ev.EventType)
	assert.Equal(t, "wf_a", ev.WorkflowID)
	assert.Equal(t, model.OutcomeApprove, ev.Outcome)
	assert.Equal(t, "au_standard", ev.Policy.PackID)

	depth, err := store.OutboxDepth(context.Background())
	require.NoError(t, err)
	assert.Zero(t, depth)

	// Nothing left: a second flush publishes nothing.
	require.NoError(t, pub.Flush(context.Background()))
	assert.Equal(t, 2, sink.count())
}

func TestFlushEmptyOutbox(t *testing.T) {
	store := newOutboxStore(t)
	sink := &captureSink{}
	pub := NewPublisher(store, sink, outboxLogger(), time.Minute, 100)

	require.NoError(t, pub.Flush(context.Background()))
	assert.Zero(t, sink.count())
}

func TestFlushDrainsInBatches(t *testing.T) {
	store := newOutboxStore(t)
	sink := &captureSink{}
	pub := NewPublisher(store, sink, outboxLogger(), time.Minute, 2)

	for i := 1; i <= 5; i++ {
		appendDecision(t, store, fmt.Sprintf("wf_%d", i), fmt.Sprintf("dec_batch_%d", i))
	}
	require.NoError(t, pub.Flush(context.Background()))
	assert.Equal(t, 5, sink.count())
}

func TestWakePublishesImmediately(t *testing.T) {
	store := newOutboxStore(t)
	sink := &captureSink{}
	// Poll interval long enough that only Wake can explain a publish.
	pub := NewPublisher(store, sink, outboxLogger(), time.Minute, 100)

	ctx, cancel := context.WithCancel(context.Background())
	pub.Start(ctx)
	t.Cleanup(func() {
		drainCtx, drainCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer drainCancel()
		pub.Drain(drainCtx)
		cancel()
	})

	appendDecision(t, store, "wf_wake", "dec_wake_1")
	pub.Wake()

	require.Eventually(t, func() bool { return sink.count() == 1 },
		5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"dec_wake_1"}, sink.decisionIDs(t))
}

func TestStartRecoversLeftoverRows(t *testing.T) {
	store := newOutboxStore(t)
	sink := &captureSink{}
	pub := NewPublisher(store, sink, outboxLogger(), time.Minute, 100)

	// Rows committed before a crash are already in the outbox when the
	// process comes back up.
	appendDecision(t, store, "wf_crash", "dec_crash_1")

	ctx, cancel := context.WithCancel(context.Background())
	pub.Start(ctx)
	t.Cleanup(func() {
		drainCtx, drainCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer drainCancel()
		pub.Drain(drainCtx)
		cancel()
	})

	require.Eventually(t, func() bool { return sink.count() == 1 },
		5*time.Second, 10*time.Millisecond)
}

func TestDrainPublishesRemaining(t *testing.T) {
	store := newOutboxStore(t)
	sink := &captureSink{}
	pub := NewPublisher(store, sink, outboxLogger(), time.Minute, 100)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pub.Start(ctx)

	appendDecision(t, store, "wf_drain", "dec_drain_1")

	// No Wake: the row is still pending when drain begins.
	drainCtx, drainCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer drainCancel()
	pub.Drain(drainCtx)

	assert.Equal(t, 1, sink.count())
	depth, err := store.OutboxDepth(context.Background())
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestStartTwiceIsIgnored(t *testing.T) {
	store := newOutboxStore(t)
	sink := &captureSink{}
	pub := NewPublisher(store, sink, outboxLogger(), time.Minute, 100)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pub.Start(ctx)
	pub.Start(ctx)

	appendDecision(t, store, "wf_twice", "dec_twice_1")
	pub.Wake()

	require.Eventually(t, func() bool { return sink.count() >= 1 },
		5*time.Second, 10*time.Millisecond)

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer drainCancel()
	pub.Drain(drainCtx)
	assert.Equal(t, 1, sink.count())
}

// flakyStore fails MarkPublished once, leaving published rows pending.
type flakyStore struct {
	storage.Store
	failNext atomic.Bool
}

func (f *flakyStore) MarkPublished(ctx context.Context, ids []int64) error {
	if f.failNext.CompareAndSwap(true, false) {
		return errors.New("mark published failed")
	}
	return f.Store.MarkPublished(ctx, ids)
}

func TestMarkPublishedFailureRedelivers(t *testing.T) {
	inner := newOutboxStore(t)
	store := &flakyStore{Store: inner}
	sink := &captureSink{}
	pub := NewPublisher(store, sink, outboxLogger(), time.Minute, 100)

	appendDecision(t, inner, "wf_flaky", "dec_flaky_1")
	store.failNext.Store(true)

	// First flush publishes but cannot mark, so the row stays pending.
	require.Error(t, pub.Flush(context.Background()))
	assert.Equal(t, 1, sink.count())
	depth, err := inner.OutboxDepth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	// The retry publishes the same decision again. At-least-once is the
	// contract; consumers dedupe on decision_id.
	require.NoError(t, pub.Flush(context.Background()))
	assert.Equal(t, []string{"dec_flaky_1", "dec_flaky_1"}, sink.decisionIDs(t))
	depth, err = inner.OutboxDepth(context.Background())
	require.NoError(t, err)
	assert.Zero(t, depth)
}
