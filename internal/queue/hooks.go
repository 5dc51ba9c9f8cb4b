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

// HookDispatch handles one claimed hook envelope.
type HookDispatch func(ctx context.Context, e *store.HookEntry) error

// HookDrainer claims hook-outbox envelopes written by short-lived hook
// processes and dispatches them into the engine, FIFO per session.
type HookDrainer struct {
	outbox   store.HookOutboxStore
	tuning   config.QueueTuning
	dispatch HookDispatch

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu      sync.Mutex
	pending map[string][]*store.HookEntry
	active  map[string]bool
}

// NewHookDrainer creates a drainer over the hook outbox.
func NewHookDrainer(outbox store.HookOutboxStore, tuning config.QueueTuning, dispatch HookDispatch) *HookDrainer {
	return &HookDrainer{
		outbox:   outbox,
		tuning:   tuning,
		dispatch: dispatch,
		stopCh:   make(chan struct{}),
		pending:  make(map[string][]*store.HookEntry),
		active:   make(map[string]bool),
	}
}

// Start begins the drain loop in a goroutine.
func (d *HookDrainer) Start(ctx context.Context) {
	d.wg.Add(1)
	go d.run(ctx)
}

// Stop signals the drainer and waits for in-flight dispatches to settle.
func (d *HookDrainer) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.wg.Wait()
}

func (d *HookDrainer) run(ctx context.Context) {
	defer d.wg.Done()

	log := slog.With("worker", "hooks")
	log.Info("hook drainer started")

	for {
		select {
		case <-d.stopCh:
			log.Info("hook drainer shutting down")
			return
		case <-ctx.Done():
			return
		default:
		}

		n, err := d.ClaimOnce(ctx)
		if err != nil {
			log.Error("claim failed", "error", err)
			d.sleep(time.Second)
			continue
		}
		if n == 0 {
			d.sleep(PollJitter(d.tuning.PollInterval))
		}
	}
}

// ClaimOnce claims one batch and hands envelopes to their session
// drainers. Exposed for tests.
func (d *HookDrainer) ClaimOnce(ctx context.Context) (int, error) {
	claimed, err := d.outbox.ClaimBatch(ctx, d.tuning.BatchSize, d.tuning.MaxAttempts, d.tuning.LockTimeout)
	if err != nil {
		return 0, err
	}
	for _, e := range claimed {
		d.enqueueRun(ctx, e)
	}
	return len(claimed), nil
}

func (d *HookDrainer) enqueueRun(ctx context.Context, e *store.HookEntry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending[e.SessionID] = append(d.pending[e.SessionID], e)
	if !d.active[e.SessionID] {
		d.active[e.SessionID] = true
		d.wg.Add(1)
		go d.drainSession(ctx, e.SessionID)
	}
}

func (d *HookDrainer) drainSession(ctx context.Context, sessionID string) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		run := d.pending[sessionID]
		if len(run) == 0 {
			delete(d.pending, sessionID)
			delete(d.active, sessionID)
			d.mu.Unlock()
			return
		}
		e := run[0]
		d.pending[sessionID] = run[1:]
		d.mu.Unlock()

		d.processOne(ctx, e)
	}
}

func (d *HookDrainer) processOne(ctx context.Context, e *store.HookEntry) {
	ctx, span := telemetry.Tracer("teleclaude-queue").Start(ctx, "hook.dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("session_id", e.SessionID),
		attribute.String("event_type", e.EventType),
		attribute.Int("attempt", e.AttemptCount),
	)

	log := slog.With("entry_id", e.ID, "session_id", e.SessionID, "lane", "hook", "event", e.EventType)
	err := d.safeDispatch(ctx, e)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	Settle(log, d.tuning, e.ID, e.AttemptCount, err, Marks{
		Delivered: d.outbox.MarkDelivered,
		Failed:    d.outbox.MarkFailed,
		Expired:   d.outbox.MarkExpired,
	})
}

func (d *HookDrainer) safeDispatch(ctx context.Context, e *store.HookEntry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = engine.E(engine.KindInternal, e.SessionID, "hook", fmt.Errorf("dispatch panic: %v", r))
		}
	}()
	return d.dispatch(ctx, e)
}

func (d *HookDrainer) sleep(wait time.Duration) {
	select {
	case <-d.stopCh:
	case <-time.After(wait):
	}
}
