// Package queue runs the durable-queue workers: the inbound-message worker
// and the hook-outbox drainer. Both share the claim/ack discipline
// (at-least-once delivery, exponential backoff, terminal states excluded
// from claims) and serialize dispatch per session to preserve FIFO.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/teleclaude/teleclaude/internal/config"
	"github.com/teleclaude/teleclaude/internal/engine"
	"github.com/teleclaude/teleclaude/internal/store"
	"github.com/teleclaude/teleclaude/internal/telemetry"
)

// InboundDispatch handles one claimed inbound entry. A nil return acks the
// entry; error kinds decide retry vs terminal.
type InboundDispatch func(ctx context.Context, e *store.InboundEntry) error

// InboundWorker claims inbound-queue entries and dispatches them with
// per-session FIFO ordering.
type InboundWorker struct {
	queue    store.InboundQueueStore
	tuning   config.QueueTuning
	dispatch InboundDispatch

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Per-session pending runs: claimed entries are appended in claim
	// order; one drainer goroutine per session works them off serially.
	mu      sync.Mutex
	pending map[string][]*store.InboundEntry
	active  map[string]bool
}

// NewInboundWorker creates a worker over the inbound queue.
func NewInboundWorker(queue store.InboundQueueStore, tuning config.QueueTuning, dispatch InboundDispatch) *InboundWorker {
	return &InboundWorker{
		queue:    queue,
		tuning:   tuning,
		dispatch: dispatch,
		stopCh:   make(chan struct{}),
		pending:  make(map[string][]*store.InboundEntry),
		active:   make(map[string]bool),
	}
}

// Start begins the claim loop in a goroutine.
func (w *InboundWorker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker and waits for in-flight dispatches to settle.
// Safe to call multiple times.
func (w *InboundWorker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

func (w *InboundWorker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker", "inbound")
	log.Info("inbound worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("inbound worker shutting down")
			return
		case <-ctx.Done():
			return
		default:
		}

		n, err := w.ClaimOnce(ctx)
		if err != nil {
			log.Error("claim failed", "error", err)
			w.sleep(time.Second)
			continue
		}
		if n == 0 {
			w.sleep(PollJitter(w.tuning.PollInterval))
		}
	}
}

// ClaimOnce claims one batch and hands each entry to its session drainer.
// Returns the number of entries claimed. Exposed for tests.
func (w *InboundWorker) ClaimOnce(ctx context.Context) (int, error) {
	claimed, err := w.queue.ClaimBatch(ctx, w.tuning.BatchSize, w.tuning.MaxAttempts, w.tuning.LockTimeout)
	if err != nil {
		return 0, err
	}
	for _, e := range claimed {
		w.enqueueRun(ctx, e)
	}
	return len(claimed), nil
}

func (w *InboundWorker) enqueueRun(ctx context.Context, e *store.InboundEntry) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[e.SessionID] = append(w.pending[e.SessionID], e)
	if !w.active[e.SessionID] {
		w.active[e.SessionID] = true
		w.wg.Add(1)
		go w.drainSession(ctx, e.SessionID)
	}
}

// drainSession works off one session's pending entries in order, exiting
// when the run is empty. Emptiness check and removal happen under the same
// lock, so a concurrent append either lands before the check or spawns a
// fresh drainer.
func (w *InboundWorker) drainSession(ctx context.Context, sessionID string) {
	defer w.wg.Done()
	for {
		w.mu.Lock()
		run := w.pending[sessionID]
		if len(run) == 0 {
			delete(w.pending, sessionID)
			delete(w.active, sessionID)
			w.mu.Unlock()
			return
		}
		e := run[0]
		w.pending[sessionID] = run[1:]
		w.mu.Unlock()

		w.processOne(ctx, e)
	}
}

func (w *InboundWorker) processOne(ctx context.Context, e *store.InboundEntry) {
	ctx, span := telemetry.Tracer("teleclaude-queue").Start(ctx, "inbound.dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("session_id", e.SessionID),
		attribute.String("origin", e.Origin),
		attribute.Int("attempt", e.AttemptCount),
	)

	log := slog.With("entry_id", e.ID, "session_id", e.SessionID, "lane", e.Origin)
	err := w.safeDispatch(ctx, e)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	Settle(log, w.tuning, e.ID, e.AttemptCount, err, Marks{
		Delivered: w.queue.MarkDelivered,
		Failed:    w.queue.MarkFailed,
		Expired:   w.queue.MarkExpired,
	})
}

// safeDispatch wraps the handler in a recover boundary: a handler bug
// fails the envelope, never the worker.
func (w *InboundWorker) safeDispatch(ctx context.Context, e *store.InboundEntry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = engine.E(engine.KindInternal, e.SessionID, e.Origin, fmt.Errorf("dispatch panic: %v", r))
		}
	}()
	return w.dispatch(ctx, e)
}

func (w *InboundWorker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// Marks are the store transitions a settle decision can take. Every outbox
// store exposes this triple, so the discipline is shared across workers.
type Marks struct {
	Delivered func(ctx context.Context, id string) error
	Failed    func(ctx context.Context, id, errMsg string, nextAt time.Time) error
	Expired   func(ctx context.Context, id, errMsg string) error
}

// Settle commits the outcome of one dispatch. Store writes use a fresh
// context: the dispatch context may already be cancelled, and losing the
// ack would redeliver the envelope on restart.
func Settle(log *slog.Logger, tuning config.QueueTuning, id string, attempt int, dispatchErr error, m Marks) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch {
	case dispatchErr == nil:
		if err := m.Delivered(ctx, id); err != nil {
			log.Error("mark delivered failed", "error", err)
		}
	case !engine.KindOf(dispatchErr).Retryable():
		log.Warn("envelope terminal", "kind", engine.KindOf(dispatchErr).String(), "error", dispatchErr)
		if err := m.Expired(ctx, id, dispatchErr.Error()); err != nil {
			log.Error("mark expired failed", "error", err)
		}
	case attempt >= tuning.MaxAttempts:
		log.Error("envelope exhausted retries", "attempts", attempt, "error", dispatchErr)
		if err := m.Expired(ctx, id, dispatchErr.Error()); err != nil {
			log.Error("mark expired failed", "error", err)
		}
	default:
		delay := RetryDelay(attempt, tuning.BackoffFloor, tuning.BackoffCeiling)
		log.Warn("envelope retry scheduled", "attempt", attempt, "delay", delay, "error", dispatchErr)
		if err := m.Failed(ctx, id, dispatchErr.Error(), time.Now().UTC().Add(delay)); err != nil {
			log.Error("mark failed failed", "error", err)
		}
	}
}
