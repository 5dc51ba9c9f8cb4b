package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/teleclaude/teleclaude/internal/bus"
	"github.com/teleclaude/teleclaude/internal/config"
	"github.com/teleclaude/teleclaude/internal/providers"
	"github.com/teleclaude/teleclaude/internal/store"
	"github.com/teleclaude/teleclaude/pkg/protocol"
)

// notifyOutbox is an in-memory store.NotificationStore: it serves one
// pre-loaded claim batch and records every settle transition.
type notifyOutbox struct {
	mu        sync.Mutex
	claims    []*store.NotificationEntry
	enqueued  []*store.NotificationEntry
	delivered []string
	failedAt  map[string]time.Time
	expired   []string
}

func newNotifyOutbox(claims ...*store.NotificationEntry) *notifyOutbox {
	return &notifyOutbox{claims: claims, failedAt: make(map[string]time.Time)}
}

func (o *notifyOutbox) Enqueue(_ context.Context, e *store.NotificationEntry) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.enqueued = append(o.enqueued, e)
	return fmt.Sprintf("n-%d", len(o.enqueued)), nil
}

func (o *notifyOutbox) ClaimBatch(context.Context, int, int, time.Duration) ([]*store.NotificationEntry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	batch := o.claims
	o.claims = nil
	return batch, nil
}

func (o *notifyOutbox) MarkDelivered(_ context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.delivered = append(o.delivered, id)
	return nil
}

func (o *notifyOutbox) MarkFailed(_ context.Context, id, _ string, nextAt time.Time) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failedAt[id] = nextAt
	return nil
}

func (o *notifyOutbox) MarkExpired(_ context.Context, id, _ string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.expired = append(o.expired, id)
	return nil
}

func (o *notifyOutbox) PurgeDelivered(context.Context, time.Time) (int64, error) { return 0, nil }

// webhookOutbox mirrors notifyOutbox for store.WebhookStore. When notify
// is non-nil, every Enqueue signals it; the tap test waits on that.
type webhookOutbox struct {
	mu        sync.Mutex
	claims    []*store.WebhookEntry
	enqueued  []*store.WebhookEntry
	delivered []string
	failedAt  map[string]time.Time
	expired   []string
	notify    chan struct{}
}

func newWebhookOutbox(claims ...*store.WebhookEntry) *webhookOutbox {
	return &webhookOutbox{claims: claims, failedAt: make(map[string]time.Time)}
}

func (o *webhookOutbox) Enqueue(_ context.Context, e *store.WebhookEntry) (string, error) {
	o.mu.Lock()
	o.enqueued = append(o.enqueued, e)
	n := len(o.enqueued)
	o.mu.Unlock()
	if o.notify != nil {
		o.notify <- struct{}{}
	}
	return fmt.Sprintf("w-%d", n), nil
}

func (o *webhookOutbox) ClaimBatch(context.Context, int, int, time.Duration) ([]*store.WebhookEntry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	batch := o.claims
	o.claims = nil
	return batch, nil
}

func (o *webhookOutbox) MarkDelivered(_ context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.delivered = append(o.delivered, id)
	return nil
}

func (o *webhookOutbox) MarkFailed(_ context.Context, id, _ string, nextAt time.Time) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failedAt[id] = nextAt
	return nil
}

func (o *webhookOutbox) MarkExpired(_ context.Context, id, _ string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.expired = append(o.expired, id)
	return nil
}

func (o *webhookOutbox) PurgeDelivered(context.Context, time.Time) (int64, error) { return 0, nil }

func (o *webhookOutbox) all() []*store.WebhookEntry {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*store.WebhookEntry(nil), o.enqueued...)
}

type directSend struct {
	recipient, subject, body string
}

type directSender struct {
	mu   sync.Mutex
	sent []directSend
	fail error
	boom bool
}

func (s *directSender) SendDirect(_ context.Context, recipient, subject, body string) error {
	if s.boom {
		panic("sender exploded")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, directSend{recipient, subject, body})
	return s.fail
}

func testTuning() config.QueueTuning {
	return config.QueueTuning{
		MaxAttempts:    5,
		LockTimeout:    time.Minute,
		BackoffFloor:   time.Second,
		BackoffCeiling: time.Minute,
		PollInterval:   time.Second,
		BatchSize:      10,
	}
}

func notifyConfig() *config.Config {
	return &config.Config{
		People: map[string]config.Person{
			"ana@example.com":     {Name: "Ana", TelegramChatID: 4242},
			"bo@example.com":      {Name: "Bo", WhatsAppPhone: "+15550100"},
			"offgrid@example.com": {Name: "Off Grid"},
		},
		Notifications: config.NotificationsConfig{
			Channels: map[string]config.NotificationChannel{
				"deploys": {Subscribers: []string{
					"ana@example.com", "ghost@example.com", "offgrid@example.com", "bo@example.com",
				}},
				AgentAttentionChannel: {Subscribers: []string{"ana@example.com"}},
				"dormant":             {},
			},
		},
	}
}

func TestRouteLanePrecedence(t *testing.T) {
	tests := []struct {
		name      string
		person    config.Person
		adapter   string
		recipient string
	}{
		{"telegram only", config.Person{TelegramChatID: 99}, protocol.AdapterTelegram, "99"},
		{"telegram wins over whatsapp", config.Person{TelegramChatID: 7, WhatsAppPhone: "+15550100"}, protocol.AdapterTelegram, "7"},
		{"whatsapp fallback", config.Person{WhatsAppPhone: "+15550100"}, protocol.AdapterWhatsApp, "+15550100"},
		{"unreachable", config.Person{Name: "Nobody"}, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter, recipient := route(tt.person)
			if adapter != tt.adapter || recipient != tt.recipient {
				t.Errorf("route = (%q, %q), want (%q, %q)", adapter, recipient, tt.adapter, tt.recipient)
			}
		})
	}
}

func TestNotifyFansOutPerReachableSubscriber(t *testing.T) {
	outbox := newNotifyOutbox()
	r := NewRouter(notifyConfig(), outbox)

	n, err := r.Notify(context.Background(), "deploys", "Deploy done", "v1.2.3 is live")
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if n != 2 {
		t.Fatalf("enqueued %d envelopes, want 2", n)
	}
	if len(outbox.enqueued) != 2 {
		t.Fatalf("outbox holds %d entries, want 2", len(outbox.enqueued))
	}

	ana := outbox.enqueued[0]
	if ana.Adapter != protocol.AdapterTelegram || ana.Recipient != "4242" {
		t.Errorf("first envelope routed to (%s, %s)", ana.Adapter, ana.Recipient)
	}
	if ana.Channel != "deploys" || ana.Subject != "Deploy done" || ana.Body != "v1.2.3 is live" {
		t.Errorf("envelope content = %+v", ana)
	}
	bo := outbox.enqueued[1]
	if bo.Adapter != protocol.AdapterWhatsApp || bo.Recipient != "+15550100" {
		t.Errorf("second envelope routed to (%s, %s)", bo.Adapter, bo.Recipient)
	}
}

func TestNotifyUnknownChannel(t *testing.T) {
	outbox := newNotifyOutbox()
	r := NewRouter(notifyConfig(), outbox)

	n, err := r.Notify(context.Background(), "no-such-channel", "s", "b")
	if err == nil {
		t.Fatal("expected error for unknown channel")
	}
	if n != 0 || len(outbox.enqueued) != 0 {
		t.Errorf("unknown channel enqueued %d envelopes", len(outbox.enqueued))
	}
}

func TestConfigured(t *testing.T) {
	r := NewRouter(notifyConfig(), newNotifyOutbox())

	tests := []struct {
		channel string
		want    bool
	}{
		{"deploys", true},
		{AgentAttentionChannel, true},
		{"dormant", false},
		{"missing", false},
	}
	for _, tt := range tests {
		if got := r.Configured(tt.channel); got != tt.want {
			t.Errorf("Configured(%q) = %v, want %v", tt.channel, got, tt.want)
		}
	}
}

func TestNotifyAttention(t *testing.T) {
	t.Run("routes to the attention channel", func(t *testing.T) {
		outbox := newNotifyOutbox()
		r := NewRouter(notifyConfig(), outbox)

		if err := r.NotifyAttention(context.Background(), "Deploy", "Permission needed"); err != nil {
			t.Fatalf("NotifyAttention: %v", err)
		}
		if len(outbox.enqueued) != 1 {
			t.Fatalf("enqueued %d envelopes, want 1", len(outbox.enqueued))
		}
		if got := outbox.enqueued[0].Channel; got != AgentAttentionChannel {
			t.Errorf("channel = %q", got)
		}
	})

	t.Run("silent without the channel", func(t *testing.T) {
		outbox := newNotifyOutbox()
		r := NewRouter(&config.Config{}, outbox)

		if err := r.NotifyAttention(context.Background(), "Deploy", "Permission needed"); err != nil {
			t.Fatalf("NotifyAttention: %v", err)
		}
		if len(outbox.enqueued) != 0 {
			t.Errorf("unconfigured host enqueued %d envelopes", len(outbox.enqueued))
		}
	})
}

func TestSign(t *testing.T) {
	payload := []byte(`{"type":"session_updated"}`)

	tests := []struct {
		secret string
		want   string
	}{
		{"whsec_test", "sha256=59b91339cfe7fb528917389db0fc8744c22642203dd822cad7b334dfcd473443"},
		{"other", "sha256=69a30b1311caf540222d76d79ac09371fa74317e70fc46c9ee460d6fa483c57c"},
	}
	for _, tt := range tests {
		if got := Sign(tt.secret, payload); got != tt.want {
			t.Errorf("Sign(%q) = %q, want %q", tt.secret, got, tt.want)
		}
	}
}

func TestNotificationWorkerDelivers(t *testing.T) {
	sender := &directSender{}
	outbox := newNotifyOutbox(&store.NotificationEntry{
		ID:           "n-1",
		Channel:      "deploys",
		Adapter:      protocol.AdapterTelegram,
		Recipient:    "4242",
		Subject:      "Deploy done",
		Body:         "v1.2.3 is live",
		AttemptCount: 1,
	})
	w := NewNotificationWorker(outbox, testTuning(), map[string]Sender{
		protocol.AdapterTelegram: sender,
	})

	n, err := w.ClaimOnce(context.Background())
	if err != nil {
		t.Fatalf("ClaimOnce: %v", err)
	}
	if n != 1 {
		t.Fatalf("claimed %d, want 1", n)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("sender got %d sends, want 1", len(sender.sent))
	}
	got := sender.sent[0]
	if got.recipient != "4242" || got.subject != "Deploy done" || got.body != "v1.2.3 is live" {
		t.Errorf("SendDirect got %+v", got)
	}
	if len(outbox.delivered) != 1 || outbox.delivered[0] != "n-1" {
		t.Errorf("delivered = %v", outbox.delivered)
	}
}

func TestNotificationWorkerNoSenderIsTerminal(t *testing.T) {
	outbox := newNotifyOutbox(&store.NotificationEntry{
		ID:           "n-1",
		Adapter:      "smoke-signal",
		Recipient:    "hilltop",
		AttemptCount: 1,
	})
	w := NewNotificationWorker(outbox, testTuning(), nil)

	if _, err := w.ClaimOnce(context.Background()); err != nil {
		t.Fatalf("ClaimOnce: %v", err)
	}
	if len(outbox.expired) != 1 || outbox.expired[0] != "n-1" {
		t.Errorf("expired = %v, want the unroutable envelope expired", outbox.expired)
	}
	if len(outbox.failedAt) != 0 {
		t.Errorf("unroutable envelope scheduled for retry: %v", outbox.failedAt)
	}
}

func TestNotificationWorkerRecoversSenderPanic(t *testing.T) {
	sender := &directSender{boom: true}
	outbox := newNotifyOutbox(&store.NotificationEntry{
		ID:           "n-1",
		Adapter:      protocol.AdapterTelegram,
		Recipient:    "4242",
		AttemptCount: 1,
	})
	w := NewNotificationWorker(outbox, testTuning(), map[string]Sender{
		protocol.AdapterTelegram: sender,
	})

	if _, err := w.ClaimOnce(context.Background()); err != nil {
		t.Fatalf("ClaimOnce: %v", err)
	}
	if _, ok := outbox.failedAt["n-1"]; !ok {
		t.Errorf("panicking sender should schedule a retry, marks: expired=%v", outbox.expired)
	}
}

func TestNotificationWorkerHonorsRetryAfter(t *testing.T) {
	sender := &directSender{fail: &providers.HTTPError{
		Status:     http.StatusTooManyRequests,
		Body:       "slow down",
		RetryAfter: 7 * time.Second,
	}}
	outbox := newNotifyOutbox(&store.NotificationEntry{
		ID:           "n-1",
		Adapter:      protocol.AdapterTelegram,
		Recipient:    "4242",
		AttemptCount: 1,
	})
	w := NewNotificationWorker(outbox, testTuning(), map[string]Sender{
		protocol.AdapterTelegram: sender,
	})

	lo := time.Now().UTC().Add(6 * time.Second)
	if _, err := w.ClaimOnce(context.Background()); err != nil {
		t.Fatalf("ClaimOnce: %v", err)
	}
	hi := time.Now().UTC().Add(8 * time.Second)

	next, ok := outbox.failedAt["n-1"]
	if !ok {
		t.Fatalf("rate-limited envelope not rescheduled, marks: delivered=%v expired=%v", outbox.delivered, outbox.expired)
	}
	if next.Before(lo) || next.After(hi) {
		t.Errorf("next attempt %v outside the platform's Retry-After window [%v, %v]", next, lo, hi)
	}
}

func TestNotificationWorkerPlatformRejectIsTerminal(t *testing.T) {
	sender := &directSender{fail: &providers.HTTPError{Status: http.StatusForbidden, Body: "forbidden"}}
	outbox := newNotifyOutbox(&store.NotificationEntry{
		ID:           "n-1",
		Adapter:      protocol.AdapterTelegram,
		Recipient:    "4242",
		AttemptCount: 1,
	})
	w := NewNotificationWorker(outbox, testTuning(), map[string]Sender{
		protocol.AdapterTelegram: sender,
	})

	if _, err := w.ClaimOnce(context.Background()); err != nil {
		t.Fatalf("ClaimOnce: %v", err)
	}
	if len(outbox.expired) != 1 {
		t.Errorf("4xx reject should expire the envelope, marks: failed=%v", outbox.failedAt)
	}
}

func TestWebhookWorkerPostsSignedPayloads(t *testing.T) {
	payload := `{"type":"session_updated"}`

	type recordedPost struct {
		sig, event, body string
	}
	var (
		mu    sync.Mutex
		posts []recordedPost
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		posts = append(posts, recordedPost{
			sig:   r.Header.Get("X-TeleClaude-Signature-256"),
			event: r.Header.Get("X-TeleClaude-Event"),
			body:  string(b),
		})
		mu.Unlock()
	}))
	defer srv.Close()

	outbox := newWebhookOutbox(
		&store.WebhookEntry{ID: "w-1", URL: srv.URL, Secret: "whsec_test", EventType: protocol.EventSessionUpdated, PayloadJSON: payload, AttemptCount: 1},
		&store.WebhookEntry{ID: "w-2", URL: srv.URL, EventType: protocol.EventSessionUpdated, PayloadJSON: payload, AttemptCount: 1},
	)
	w := NewWebhookWorker(outbox, testTuning())

	n, err := w.ClaimOnce(context.Background())
	if err != nil {
		t.Fatalf("ClaimOnce: %v", err)
	}
	if n != 2 {
		t.Fatalf("claimed %d, want 2", n)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(posts) != 2 {
		t.Fatalf("server saw %d posts, want 2", len(posts))
	}
	if posts[0].body != payload || posts[0].event != protocol.EventSessionUpdated {
		t.Errorf("post = %+v", posts[0])
	}
	if want := Sign("whsec_test", []byte(payload)); posts[0].sig != want {
		t.Errorf("signature = %q, want %q", posts[0].sig, want)
	}
	if posts[1].sig != "" {
		t.Errorf("secretless target got signature %q", posts[1].sig)
	}
	if len(outbox.delivered) != 2 {
		t.Errorf("delivered = %v", outbox.delivered)
	}
}

func TestWebhookWorkerHonorsRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	outbox := newWebhookOutbox(&store.WebhookEntry{
		ID: "w-1", URL: srv.URL, EventType: protocol.EventSessionClosed, PayloadJSON: "{}", AttemptCount: 1,
	})
	w := NewWebhookWorker(outbox, testTuning())

	lo := time.Now().UTC().Add(6 * time.Second)
	if _, err := w.ClaimOnce(context.Background()); err != nil {
		t.Fatalf("ClaimOnce: %v", err)
	}
	hi := time.Now().UTC().Add(8 * time.Second)

	next, ok := outbox.failedAt["w-1"]
	if !ok {
		t.Fatalf("rate-limited post not rescheduled, marks: delivered=%v expired=%v", outbox.delivered, outbox.expired)
	}
	if next.Before(lo) || next.After(hi) {
		t.Errorf("next attempt %v outside the Retry-After window [%v, %v]", next, lo, hi)
	}
}

func TestWebhookWorkerGoneIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer srv.Close()

	outbox := newWebhookOutbox(&store.WebhookEntry{
		ID: "w-1", URL: srv.URL, EventType: protocol.EventSessionClosed, PayloadJSON: "{}", AttemptCount: 1,
	})
	w := NewWebhookWorker(outbox, testTuning())

	if _, err := w.ClaimOnce(context.Background()); err != nil {
		t.Fatalf("ClaimOnce: %v", err)
	}
	if len(outbox.expired) != 1 || outbox.expired[0] != "w-1" {
		t.Errorf("410 should expire the envelope, marks: failed=%v", outbox.failedAt)
	}
}

func TestWants(t *testing.T) {
	tests := []struct {
		name   string
		target config.WebhookTarget
		event  string
		want   bool
	}{
		{"no filter matches all", config.WebhookTarget{}, protocol.EventSessionUpdated, true},
		{"filter match", config.WebhookTarget{Events: []string{protocol.EventSessionClosed}}, protocol.EventSessionClosed, true},
		{"filter miss", config.WebhookTarget{Events: []string{protocol.EventSessionClosed}}, protocol.EventSessionUpdated, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := wants(tt.target, tt.event); got != tt.want {
				t.Errorf("wants = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTapWebhooksFiltersByEventType(t *testing.T) {
	outbox := newWebhookOutbox()
	outbox.notify = make(chan struct{}, 8)

	events := bus.New()
	cfg := &config.Config{Webhooks: []config.WebhookTarget{
		{URL: "https://one.example/hook", Events: []string{protocol.EventSessionClosed}},
		{URL: "https://two.example/hook"},
	}}
	TapWebhooks(events, outbox, cfg)

	waitEnqueues := func(n int) {
		t.Helper()
		for i := 0; i < n; i++ {
			select {
			case <-outbox.notify:
			case <-time.After(2 * time.Second):
				t.Fatalf("timed out waiting for enqueue %d of %d", i+1, n)
			}
		}
	}

	events.Broadcast(protocol.WSEvent{Type: protocol.EventSessionUpdated, Timestamp: time.Now()})
	waitEnqueues(1)

	got := outbox.all()
	if len(got) != 1 {
		t.Fatalf("update event enqueued %d envelopes, want 1", len(got))
	}
	if got[0].URL != "https://two.example/hook" || got[0].EventType != protocol.EventSessionUpdated {
		t.Errorf("envelope = %+v", got[0])
	}
	if !strings.Contains(got[0].PayloadJSON, `"type":"session_updated"`) {
		t.Errorf("payload = %s", got[0].PayloadJSON)
	}

	events.Broadcast(protocol.WSEvent{Type: protocol.EventSessionClosed, Timestamp: time.Now()})
	waitEnqueues(2)

	if got := outbox.all(); len(got) != 3 {
		t.Errorf("close event should reach both targets, total = %d", len(got))
	}
}
