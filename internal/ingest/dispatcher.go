// Package ingest connects the ingress surface to the per-workflow lanes.
// The Dispatcher validates and records inbound envelopes; the Handler runs
// state machine transitions and their effects on the serializer.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/arbiterhq/arbiter/internal/model"
	"github.com/arbiterhq/arbiter/internal/serializer"
	"github.com/arbiterhq/arbiter/internal/storage"
)

const (
	storeRetries    = 3
	storeRetryDelay = 25 * time.Millisecond
)

// Dispatcher accepts raw envelopes, makes them durable, and routes them to
// their workflow's lane.
type Dispatcher struct {
	store  storage.Store
	pool   *serializer.Pool
	logger *slog.Logger
}

func NewDispatcher(store storage.Store, pool *serializer.Pool, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{store: store, pool: pool, logger: logger}
}

// Submit validates, records, and enqueues one inbound envelope. The ack
// status tells the producer what happened: accepted, duplicate (same
// event_id seen before), or backpressure (retriable). A non-nil error means
// the event could not be made durable and was not accepted.
func (d *Dispatcher) Submit(ctx context.Context, env model.Envelope) (model.IngestAck, error) {
	ev, err := model.ParseEvent(env)
	if err != nil {
		return model.IngestAck{Status: model.AckInvalid}, err
	}
	ev.ReceivedAt = time.Now().UTC()

	var isNew bool
	err = storage.WithRetry(ctx, storeRetries, storeRetryDelay, func() error {
		var rerr error
		isNew, rerr = d.store.RecordEvent(ctx, ev)
		return rerr
	})
	if err != nil {
		return model.IngestAck{}, err
	}

	err = storage.WithRetry(ctx, storeRetries, storeRetryDelay, func() error {
		_, cerr := d.store.CreateWorkflowIfAbsent(ctx, ev.WorkflowID, ev.TenantID)
		return cerr
	})
	if err != nil {
		return model.IngestAck{}, err
	}

	if !isNew {
		// The log already holds this event. Enqueue it anyway: processing
		// is idempotent, and a redelivery after a crash or a full queue is
		// how a stuck workflow converges. A second backpressure rejection
		// just waits for the next retry.
		if err := d.pool.Enqueue(ev); err != nil && !errors.Is(err, serializer.ErrBackpressure) {
			return model.IngestAck{}, err
		}
		d.logger.Debug("duplicate event",
			"event_id", ev.EventID, "workflow_id", ev.WorkflowID, "event_type", ev.EventType)
		return model.IngestAck{Status: model.AckDuplicate, EventID: ev.EventID}, nil
	}

	if err := d.pool.Enqueue(ev); err != nil {
		if errors.Is(err, serializer.ErrBackpressure) {
			d.logger.Warn("workflow lane full",
				"event_id", ev.EventID, "workflow_id", ev.WorkflowID)
			return model.IngestAck{Status: model.AckBackpressure, EventID: ev.EventID}, nil
		}
		return model.IngestAck{}, err
	}

	d.logger.Debug("event accepted",
		"event_id", ev.EventID, "workflow_id", ev.WorkflowID, "event_type", ev.EventType)
	return model.IngestAck{Status: model.AckAccepted, EventID: ev.EventID}, nil
}
