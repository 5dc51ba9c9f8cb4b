package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/teleclaude/teleclaude/internal/bus"
	"github.com/teleclaude/teleclaude/internal/config"
	"github.com/teleclaude/teleclaude/internal/providers"
	"github.com/teleclaude/teleclaude/internal/queue"
	"github.com/teleclaude/teleclaude/internal/store"
	"github.com/teleclaude/teleclaude/pkg/protocol"
)

// signatureHeader carries the HMAC-SHA256 of the payload, hex encoded
// with a "sha256=" prefix, when the target has a secret configured.
const signatureHeader = "X-TeleClaude-Signature-256"

// TapWebhooks subscribes to the event bus and records one durable webhook
// envelope per configured target per matching event. Delivery is the
// webhook worker's job.
func TapWebhooks(events bus.Publisher, outbox store.WebhookStore, cfg *config.Config) {
	events.Subscribe("webhook-tap", func(ev protocol.WSEvent) {
		if len(cfg.Webhooks) == 0 {
			return
		}
		payload, err := json.Marshal(ev)
		if err != nil {
			return
		}
		// Bus handlers must not block; the store write happens off-thread.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			for _, target := range cfg.Webhooks {
				if !wants(target, ev.Type) {
					continue
				}
				_, err := outbox.Enqueue(ctx, &store.WebhookEntry{
					URL:         target.URL,
					Secret:      target.Secret,
					EventType:   ev.Type,
					PayloadJSON: string(payload),
				})
				if err != nil {
					slog.Error("webhook enqueue failed", "url", target.URL, "event", ev.Type, "error", err)
				}
			}
		}()
	})
}

func wants(t config.WebhookTarget, eventType string) bool {
	if len(t.Events) == 0 {
		return true
	}
	for _, e := range t.Events {
		if e == eventType {
			return true
		}
	}
	return false
}

// WebhookWorker drains the webhook outbox: signed JSON POSTs with the
// shared retry discipline.
type WebhookWorker struct {
	outbox store.WebhookStore
	tuning config.QueueTuning
	client *http.Client

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWebhookWorker creates a worker over the webhook outbox.
func NewWebhookWorker(outbox store.WebhookStore, tuning config.QueueTuning) *WebhookWorker {
	return &WebhookWorker{
		outbox: outbox,
		tuning: tuning,
		client: &http.Client{Timeout: 30 * time.Second},
		stopCh: make(chan struct{}),
	}
}

// Start begins the claim loop in a goroutine.
func (w *WebhookWorker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker and waits for in-flight posts to settle.
func (w *WebhookWorker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

func (w *WebhookWorker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker", "webhooks")
	log.Info("webhook worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("webhook worker shutting down")
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

// ClaimOnce claims one batch and posts each envelope. Exposed for tests.
func (w *WebhookWorker) ClaimOnce(ctx context.Context) (int, error) {
	claimed, err := w.outbox.ClaimBatch(ctx, w.tuning.BatchSize, w.tuning.MaxAttempts, w.tuning.LockTimeout)
	if err != nil {
		return 0, err
	}
	for _, e := range claimed {
		log := slog.With("entry_id", e.ID, "url", e.URL, "event", e.EventType)
		err := classify("webhook", w.post(ctx, e))
		settleHTTP(log, w.tuning, e.ID, e.AttemptCount, err, queue.Marks{
			Delivered: w.outbox.MarkDelivered,
			Failed:    w.outbox.MarkFailed,
			Expired:   w.outbox.MarkExpired,
		})
	}
	return len(claimed), nil
}

func (w *WebhookWorker) post(ctx context.Context, e *store.WebhookEntry) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.URL, strings.NewReader(e.PayloadJSON))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-TeleClaude-Event", e.EventType)
	if e.Secret != "" {
		req.Header.Set(signatureHeader, Sign(e.Secret, []byte(e.PayloadJSON)))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	httpErr := &providers.HTTPError{Status: resp.StatusCode, Body: string(body)}
	if resp.StatusCode == http.StatusTooManyRequests {
		httpErr.RetryAfter = providers.ParseRetryAfter(resp.Header.Get("Retry-After"))
	}
	return httpErr
}

// Sign computes the payload signature a webhook consumer verifies.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (w *WebhookWorker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}
