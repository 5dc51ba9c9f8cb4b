package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/teleclaude/teleclaude/internal/config"
	"github.com/teleclaude/teleclaude/internal/engine"
	"github.com/teleclaude/teleclaude/internal/providers"
	"github.com/teleclaude/teleclaude/internal/queue"
	"github.com/teleclaude/teleclaude/internal/store"
)

// NotificationWorker drains the notification outbox through the platform
// senders.
type NotificationWorker struct {
	outbox  store.NotificationStore
	tuning  config.QueueTuning
	senders map[string]Sender

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewNotificationWorker creates a worker over the notification outbox.
// senders maps adapter names to their direct-send implementations.
func NewNotificationWorker(outbox store.NotificationStore, tuning config.QueueTuning, senders map[string]Sender) *NotificationWorker {
	return &NotificationWorker{
		outbox:  outbox,
		tuning:  tuning,
		senders: senders,
		stopCh:  make(chan struct{}),
	}
}

// Start begins the claim loop in a goroutine.
func (w *NotificationWorker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker and waits for in-flight deliveries to settle.
func (w *NotificationWorker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

func (w *NotificationWorker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker", "notifications")
	log.Info("notification worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("notification worker shutting down")
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
			w.sleep(queue.PollJitter(w.tuning.PollInterval))
		}
	}
}

// ClaimOnce claims one batch and delivers each envelope. Exposed for
// tests.
func (w *NotificationWorker) ClaimOnce(ctx context.Context) (int, error) {
	claimed, err := w.outbox.ClaimBatch(ctx, w.tuning.BatchSize, w.tuning.MaxAttempts, w.tuning.LockTimeout)
	if err != nil {
		return 0, err
	}
	for _, e := range claimed {
		w.processOne(ctx, e)
	}
	return len(claimed), nil
}

func (w *NotificationWorker) processOne(ctx context.Context, e *store.NotificationEntry) {
	log := slog.With("entry_id", e.ID, "channel", e.Channel, "lane", e.Adapter)
	err := w.deliver(ctx, e)
	settleHTTP(log, w.tuning, e.ID, e.AttemptCount, err, queue.Marks{
		Delivered: w.outbox.MarkDelivered,
		Failed:    w.outbox.MarkFailed,
		Expired:   w.outbox.MarkExpired,
	})
}

func (w *NotificationWorker) deliver(ctx context.Context, e *store.NotificationEntry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = engine.E(engine.KindInternal, "", e.Adapter, fmt.Errorf("sender panic: %v", r))
		}
	}()

	sender, ok := w.senders[e.Adapter]
	if !ok {
		return engine.E(engine.KindContractViolation, "", e.Adapter, fmt.Errorf("no sender for adapter %q", e.Adapter))
	}
	return classify(e.Adapter, sender.SendDirect(ctx, e.Recipient, e.Subject, e.Body))
}

// classify maps platform HTTP rejections onto error kinds: a 4xx that is
// not a rate limit will never succeed on retry.
func classify(lane string, err error) error {
	var httpErr *providers.HTTPError
	if errors.As(err, &httpErr) && !httpErr.Retryable() {
		return engine.E(engine.KindPlatformConstraint, "", lane, err)
	}
	return err
}

// settleHTTP is queue.Settle plus the Retry-After override: a rate-limited
// envelope waits exactly as long as the platform asked.
func settleHTTP(log *slog.Logger, tuning config.QueueTuning, id string, attempt int, dispatchErr error, m queue.Marks) {
	var httpErr *providers.HTTPError
	if errors.As(dispatchErr, &httpErr) &&
		httpErr.Status == 429 && httpErr.RetryAfter > 0 &&
		attempt < tuning.MaxAttempts {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		log.Warn("envelope rate limited", "attempt", attempt, "retry_after", httpErr.RetryAfter)
		if err := m.Failed(ctx, id, dispatchErr.Error(), time.Now().UTC().Add(httpErr.RetryAfter)); err != nil {
			log.Error("mark failed failed", "error", err)
		}
		return
	}
	queue.Settle(log, tuning, id, attempt, dispatchErr, m)
}

func (w *NotificationWorker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}
