// Package outbox publishes finalised decisions from the transactional
// outbox. The append transaction writes the row; this worker turns rows
// into decision.finalised payloads for live subscribers. Publication is
// at-least-once and decision_id is the consumer's deduplication key.
package outbox

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/arbiterhq/arbiter/internal/model"
	"github.com/arbiterhq/arbiter/internal/storage"
	"github.com/arbiterhq/arbiter/internal/telemetry"
)

// Sink receives serialised decision.finalised payloads.
type Sink interface {
	Publish(payload []byte)
}

// Publisher polls the outbox and publishes pending decisions.
type Publisher struct {
	store        storage.Store
	sink         Sink
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int

	started    atomic.Bool
	cancelLoop context.CancelFunc
	done       chan struct{}
	once       sync.Once
	wakeCh     chan struct{}
	drainCh    chan context.Context // carries the drain context to pollLoop for the final poll
}

// NewPublisher creates a publisher. pollInterval bounds how stale a
// crash-recovered row can get; Wake makes the happy path immediate.
func NewPublisher(store storage.Store, sink Sink, logger *slog.Logger, pollInterval time.Duration, batchSize int) *Publisher {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Publisher{
		store:        store,
		sink:         sink,
		logger:       logger,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		done:         make(chan struct{}),
		wakeCh:       make(chan struct{}, 1),
		drainCh:      make(chan context.Context, 1),
	}
}

// Start begins the background poll loop and immediately publishes anything
// a previous process left pending. Safe to call only once; subsequent
// calls are no-ops and log a warning.
func (p *Publisher) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		p.logger.Warn("outbox: Start called more than once, ignoring")
		return
	}
	p.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancelLoop = cancel

	// Crash recovery: rows committed before a previous shutdown publish now.
	recoverCtx, recoverCancel := context.WithTimeout(ctx, 30*time.Second)
	if err := p.Flush(recoverCtx); err != nil {
		p.logger.Error("outbox: startup recovery flush", "error", err)
	}
	recoverCancel()

	go p.pollLoop(loopCtx)
}

// Wake nudges the poll loop to run now. Non-blocking; a pending nudge is
// enough.
func (p *Publisher) Wake() {
	select {
	case p.wakeCh <- struct{}{}:
	default:
	}
}

// Flush publishes pending entries until the outbox is empty or ctx expires.
func (p *Publisher) Flush(ctx context.Context) error {
	for {
		n, err := p.processBatch(ctx)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}

// Drain signals the poll loop to stop, publishes remaining entries, and
// blocks until done or the context expires.
func (p *Publisher) Drain(ctx context.Context) {
	select {
	case p.drainCh <- ctx:
	default:
	}
	if p.cancelLoop != nil {
		p.cancelLoop()
	}
	select {
	case <-p.done:
	case <-ctx.Done():
		p.logger.Warn("outbox: drain timed out")
	}
}

func (p *Publisher) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final drain: prefer the drain context so the last flush
			// respects the caller's deadline.
			var drainCtx context.Context
			select {
			case drainCtx = <-p.drainCh:
			default:
			}
			if drainCtx == nil {
				var cancel context.CancelFunc
				drainCtx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
			}
			if err := p.Flush(drainCtx); err != nil {
				p.logger.Error("outbox: final flush", "error", err)
			}
			p.once.Do(func() { close(p.done) })
			return

		case <-p.wakeCh:
			p.runBatch(ctx)

		case <-ticker.C:
			p.runBatch(ctx)
		}
	}
}

func (p *Publisher) runBatch(ctx context.Context) {
	batchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := p.processBatch(batchCtx); err != nil {
		p.logger.Error("outbox: process batch", "error", err)
	}
}

// processBatch claims pending entries, publishes them in append order, and
// marks them delivered. Returns how many were published.
func (p *Publisher) processBatch(ctx context.Context) (int, error) {
	entries, err := p.store.PendingOutbox(ctx, p.batchSize)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })

	published := make([]int64, 0, len(entries))
	for _, e := range entries {
		decision, err := p.store.GetDecision(ctx, e.DecisionID)
		if err != nil {
			p.logger.Error("outbox: load decision",
				"outbox_id", e.ID, "decision_id", e.DecisionID, "attempts", e.Attempts, "error", err)
			continue
		}
		payload, err := json.Marshal(model.NewFinalisedEvent(decision))
		if err != nil {
			p.logger.Error("outbox: marshal decision",
				"decision_id", e.DecisionID, "error", err)
			continue
		}
		p.sink.Publish(payload)
		published = append(published, e.ID)
	}

	if len(published) > 0 {
		if err := p.store.MarkPublished(ctx, published); err != nil {
			// Rows stay pending and publish again next poll. Consumers
			// dedupe on decision_id, so the repeat is harmless.
			return len(published), err
		}
		p.logger.Debug("outbox: published", "count", len(published))
	}
	return len(published), nil
}

// registerMetrics exposes outbox depth so a stalled publisher is visible.
func (p *Publisher) registerMetrics() {
	meter := telemetry.Meter("arbiter/outbox")

	_, _ = meter.Int64ObservableGauge("arbiter.outbox.depth",
		metric.WithDescription("Number of pending entries in the decision outbox"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			depth, err := p.store.OutboxDepth(ctx)
			if err != nil {
				return nil // Non-fatal: just skip this observation.
			}
			o.Observe(depth)
			return nil
		}),
	)
}
