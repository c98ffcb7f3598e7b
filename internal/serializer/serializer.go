// Package serializer runs handlers on per-workflow serial lanes.
//
// Each workflow gets a short-lived actor goroutine with a bounded FIFO
// queue. Events for one workflow are processed strictly in enqueue order;
// events for different workflows proceed concurrently up to a global cap.
// Idle actors retire so a long-running process does not accumulate a
// goroutine per workflow ever seen.
//
// Handlers may synthesise follow-up events for the lane they run on. Those
// ride a reserved internal slot with priority over external intake, so a
// full queue cannot wedge a lane's own causal chain.
package serializer

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/arbiterhq/arbiter/internal/model"
)

var (
	// ErrBackpressure means the workflow's queue is full. The caller should
	// surface a retriable rejection rather than block ingress.
	ErrBackpressure = errors.New("serializer: queue full")
	// ErrStopped means the pool is not accepting events.
	ErrStopped = errors.New("serializer: stopped")
)

// Handler processes one event on its workflow's lane. A nil return means
// the event is fully handled (including terminal domain failures the
// handler absorbed); an error requests a retry.
type Handler func(ctx context.Context, ev model.Event) error

// DeadLetterFunc records an event that exhausted its retry budget.
type DeadLetterFunc func(ctx context.Context, ev model.Event, attempts int, lastErr error)

// Config bounds the pool. Zero fields get defaults.
type Config struct {
	QueueDepth  int           // per-workflow queue capacity
	IdleTTL     time.Duration // actor retirement after inactivity
	MaxActive   int64         // global concurrent handler executions
	EventBudget time.Duration // per-attempt deadline
	MaxAttempts int           // attempts before dead-lettering
	RetryBase   time.Duration // first retry delay, doubled per attempt
}

func (c Config) withDefaults() Config {
	if c.QueueDepth <= 0 {
		c.QueueDepth = 64
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = 2 * time.Minute
	}
	if c.MaxActive <= 0 {
		c.MaxActive = 128
	}
	if c.EventBudget <= 0 {
		c.EventBudget = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 100 * time.Millisecond
	}
	return c
}

const shardCount = 32

type shard struct {
	mu     sync.Mutex
	actors map[string]*actor
}

// internalSlots sizes the reserved follow-up channel. A transition
// synthesises at most one follow-up event, and the lane drains internal
// events before taking the next external one, so two slots never fill.
const internalSlots = 2

type actor struct {
	workflowID string
	queue      chan model.Event
	internal   chan model.Event
	// closed is guarded by the owning shard's mutex. Once set, the actor
	// accepts no more sends and a fresh actor replaces it in the map.
	closed bool
}

// Pool owns the actors.
type Pool struct {
	cfg        Config
	handler    Handler
	deadLetter DeadLetterFunc
	logger     *slog.Logger

	shards [shardCount]*shard
	sem    *semaphore.Weighted
	wg     sync.WaitGroup

	baseCtx context.Context
	started atomic.Bool
	stopped atomic.Bool
	quit    chan struct{}

	active atomic.Int64 // live actors, for observability
}

// NewPool creates a pool. Call Start before Enqueue.
func NewPool(cfg Config, handler Handler, deadLetter DeadLetterFunc, logger *slog.Logger) *Pool {
	cfg = cfg.withDefaults()
	p := &Pool{
		cfg:        cfg,
		handler:    handler,
		deadLetter: deadLetter,
		logger:     logger,
		sem:        semaphore.NewWeighted(cfg.MaxActive),
		quit:       make(chan struct{}),
	}
	for i := range p.shards {
		p.shards[i] = &shard{actors: make(map[string]*actor)}
	}
	return p
}

// Start begins accepting events. ctx bounds handler execution and should
// outlive the drain (cancel it after Drain returns).
func (p *Pool) Start(ctx context.Context) {
	if p.started.CompareAndSwap(false, true) {
		p.baseCtx = ctx
	}
}

// Enqueue places ev on its workflow's lane. Returns ErrBackpressure when
// the lane is full and ErrStopped after Drain began.
func (p *Pool) Enqueue(ev model.Event) error {
	if !p.started.Load() || p.stopped.Load() {
		return ErrStopped
	}

	sh := p.shardFor(ev.WorkflowID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	// Re-check under the lock: Drain fences through the shard mutexes, so a
	// positive check here guarantees the actor's wg.Add lands before Wait.
	if p.stopped.Load() {
		return ErrStopped
	}

	a := sh.actors[ev.WorkflowID]
	if a == nil || a.closed {
		a = &actor{
			workflowID: ev.WorkflowID,
			queue:      make(chan model.Event, p.cfg.QueueDepth),
			internal:   make(chan model.Event, internalSlots),
		}
		sh.actors[ev.WorkflowID] = a
		p.wg.Add(1)
		p.active.Add(1)
		go p.run(sh, a)
	}

	select {
	case a.queue <- ev:
		return nil
	default:
		return ErrBackpressure
	}
}

// EnqueueInternal places a follow-up event synthesised by the handler on
// its own lane's reserved slot. Unlike Enqueue it stays open during drain:
// the lane that calls it is still running, and stopping the handoff would
// strand a recorded event mid-chain.
func (p *Pool) EnqueueInternal(ev model.Event) error {
	if !p.started.Load() {
		return ErrStopped
	}

	sh := p.shardFor(ev.WorkflowID)
	sh.mu.Lock()
	a := sh.actors[ev.WorkflowID]
	sh.mu.Unlock()
	if a == nil || a.closed {
		// Only a running lane calls this, and a lane outlives its own
		// handler invocations.
		return ErrStopped
	}

	select {
	case a.internal <- ev:
		return nil
	default:
		return ErrBackpressure
	}
}

// ActiveActors returns the number of live workflow lanes.
func (p *Pool) ActiveActors() int64 { return p.active.Load() }

// Drain stops intake and waits for queued events to finish processing.
// ctx bounds the wait.
func (p *Pool) Drain(ctx context.Context) error {
	if !p.stopped.CompareAndSwap(false, true) {
		return nil
	}
	// Fence in-flight Enqueues: once every shard lock has been cycled, no
	// goroutine can still be between the stopped check and wg.Add.
	for _, sh := range p.shards {
		sh.mu.Lock()
	}
	close(p.quit)
	for _, sh := range p.shards {
		sh.mu.Unlock()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) shardFor(workflowID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(workflowID))
	return p.shards[h.Sum32()%shardCount]
}

func (p *Pool) run(sh *shard, a *actor) {
	defer p.wg.Done()
	defer p.active.Add(-1)

	idle := time.NewTimer(p.cfg.IdleTTL)
	defer idle.Stop()
	resetIdle := func() {
		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(p.cfg.IdleTTL)
	}

	for {
		// Follow-ups first: the lane's own chain precedes queued work.
		select {
		case ev := <-a.internal:
			p.process(ev)
			resetIdle()
			continue
		default:
		}

		select {
		case ev := <-a.internal:
			p.process(ev)
			resetIdle()

		case ev := <-a.queue:
			p.process(ev)
			resetIdle()

		case <-idle.C:
			if p.retire(sh, a) {
				return
			}
			idle.Reset(p.cfg.IdleTTL)

		case <-p.quit:
			p.drainQueue(sh, a)
			return
		}
	}
}

// retire removes the actor if both its queues are empty. The shard lock
// makes retirement atomic with respect to Enqueue, so no event lands on a
// lane nobody reads.
func (p *Pool) retire(sh *shard, a *actor) bool {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if len(a.queue) > 0 || len(a.internal) > 0 {
		return false
	}
	a.closed = true
	delete(sh.actors, a.workflowID)
	return true
}

// drainQueue processes whatever is already queued plus the follow-ups that
// processing synthesises, then retires the actor. External intake is
// stopped by the time this runs; the actor stays in the map until the end
// so EnqueueInternal keeps working for its own handler.
func (p *Pool) drainQueue(sh *shard, a *actor) {
	for {
		select {
		case ev := <-a.internal:
			p.process(ev)
			continue
		default:
		}
		select {
		case ev := <-a.queue:
			p.process(ev)
		default:
			sh.mu.Lock()
			a.closed = true
			delete(sh.actors, a.workflowID)
			sh.mu.Unlock()
			return
		}
	}
}

// process runs the handler with retries. Terminal domain outcomes are the
// handler's job; an error here means infrastructure trouble, retried with
// jittered exponential backoff until the attempt budget dead-letters it.
func (p *Pool) process(ev model.Event) {
	delay := p.cfg.RetryBase
	var err error
	for attempt := 1; ; attempt++ {
		err = p.attempt(ev)
		if err == nil {
			return
		}
		if errors.Is(err, context.Canceled) {
			p.logger.Warn("event processing canceled",
				"workflow_id", ev.WorkflowID, "event_id", ev.EventID)
			return
		}
		if attempt >= p.cfg.MaxAttempts {
			break
		}
		p.logger.Warn("event processing failed, retrying",
			"workflow_id", ev.WorkflowID, "event_id", ev.EventID,
			"attempt", attempt, "error", err)
		jitter := time.Duration(rand.Int64N(int64(delay)))
		select {
		case <-time.After(delay + jitter):
		case <-p.baseCtx.Done():
			return
		}
		delay *= 2
	}

	p.logger.Error("event processing exhausted retries",
		"workflow_id", ev.WorkflowID, "event_id", ev.EventID,
		"attempts", p.cfg.MaxAttempts, "error", err)
	if p.deadLetter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		p.deadLetter(ctx, ev, p.cfg.MaxAttempts, err)
	}
}

func (p *Pool) attempt(ev model.Event) error {
	if err := p.sem.Acquire(context.Background(), 1); err != nil {
		return err
	}
	defer p.sem.Release(1)

	ctx, cancel := context.WithTimeout(p.baseCtx, p.cfg.EventBudget)
	defer cancel()
	return p.handler(ctx, ev)
}
