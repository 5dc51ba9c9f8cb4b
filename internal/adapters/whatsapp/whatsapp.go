// Package whatsapp binds help-desk sessions to WhatsApp conversations
// through the Meta Cloud API. Inbound arrives on a webhook receiver;
// outbound goes through the Graph send endpoint, honoring the 24h
// customer service window with a template fallback.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/teleclaude/teleclaude/internal/adapters"
	"github.com/teleclaude/teleclaude/internal/config"
	"github.com/teleclaude/teleclaude/internal/identity"
	"github.com/teleclaude/teleclaude/internal/sessions"
	"github.com/teleclaude/teleclaude/internal/store"
	"github.com/teleclaude/teleclaude/pkg/protocol"
)

const (
	// maxMessageLength is the Cloud API text body cap.
	maxMessageLength = 4096

	graphBaseURL = "https://graph.facebook.com/v21.0"

	// webhookPath is where Meta delivers verification and events.
	webhookPath = "/webhook/whatsapp"

	defaultListenAddr = ":8093"

	// serviceWindow is how long after a customer's last message the
	// business may send free-form text.
	serviceWindow = 24 * time.Hour

	// liveQuiet is the stillness needed before buffered in-place output is
	// flushed as one message. WhatsApp cannot edit sent messages, so live
	// frames coalesce instead.
	liveQuiet = 2500 * time.Millisecond
)

// Adapter connects sessions to WhatsApp conversations keyed by phone.
type Adapter struct {
	adapters.BaseAdapter

	cfg     config.WhatsAppConfig
	ident   *identity.Resolver
	client  *http.Client
	server  *http.Server
	limiter *adapters.WebhookRateLimiter
	live    *liveBuffer

	// templateSent tracks the last re-engagement template per phone so a
	// closed window cannot trigger one per queued delivery.
	templateSent sync.Map
}

// New creates the WhatsApp adapter.
func New(cfg *config.Config, registry *sessions.Registry, inbound store.InboundQueueStore, ident *identity.Resolver) *Adapter {
	wa := cfg.Adapters.WhatsApp
	a := &Adapter{
		BaseAdapter: adapters.NewBaseAdapter(protocol.AdapterWhatsApp, maxMessageLength, registry, inbound),
		cfg:         wa,
		ident:       ident,
		client:      &http.Client{Timeout: 30 * time.Second},
		limiter:     adapters.NewWebhookRateLimiter(wa.WebhookBurst),
	}
	a.live = newLiveBuffer(a.flushLive)
	return a
}

// Enabled reports whether the adapter is configured to run.
func (a *Adapter) Enabled() bool {
	return a.cfg.Enabled && a.cfg.AccessToken != "" && a.cfg.PhoneNumberID != ""
}

// Start brings the webhook receiver up. Outbound works as soon as this
// returns; inbound depends on Meta reaching ListenAddr.
func (a *Adapter) Start(_ context.Context) error {
	addr := a.cfg.ListenAddr
	if addr == "" {
		addr = defaultListenAddr
	}
	if a.cfg.AppSecret == "" {
		slog.Warn("whatsapp webhook signature validation disabled (no app secret)")
	}

	mux := http.NewServeMux()
	mux.HandleFunc(webhookPath, a.handleWebhook)

	a.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("whatsapp webhook listening", "addr", addr, "path", webhookPath)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("whatsapp webhook server failed", "error", err)
		}
	}()

	a.SetRunning(true)
	return nil
}

// Stop flushes buffered output and shuts the webhook receiver down.
func (a *Adapter) Stop(ctx context.Context) error {
	a.SetRunning(false)
	a.live.drain()

	if a.server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown whatsapp webhook: %w", err)
	}
	return nil
}

// EnsureChannel is a no-op: a WhatsApp conversation exists the moment the
// customer writes, and the inbound path binds it to the session.
func (a *Adapter) EnsureChannel(_ context.Context, _ *store.Session) error { return nil }

// TypingIndicator is a no-op; the Cloud API has no typing affordance.
func (a *Adapter) TypingIndicator(_ context.Context, _ *store.Session, _ bool) error { return nil }

// UpdateTitle is a no-op; conversations have no business-settable title.
func (a *Adapter) UpdateTitle(_ context.Context, _ *store.Session, _ string) error { return nil }

// CloseChannel releases the session's buffered output. The conversation
// itself stays in the customer's app.
func (a *Adapter) CloseChannel(_ context.Context, sess *store.Session) error {
	a.live.forget(sess.SessionID)
	return nil
}

// DeleteChannel behaves like CloseChannel; sent messages cannot be
// withdrawn.
func (a *Adapter) DeleteChannel(ctx context.Context, sess *store.Session) error {
	return a.CloseChannel(ctx, sess)
}

// Broadcast is a no-op: WhatsApp has no home surface, only per-customer
// conversations, and unsolicited bulk sends violate platform policy.
func (a *Adapter) Broadcast(_ context.Context, _ string) error { return nil }

// flushLive delivers one coalesced live turn. Prefixes already flushed
// mid-turn are trimmed so a pause never repeats earlier text.
func (a *Adapter) flushLive(sessionID, phone, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.sendText(ctx, phone, text); err != nil {
		slog.Error("whatsapp live flush failed", "session_id", sessionID, "error", err)
	}
}

// liveBuffer coalesces in-place output frames into one message per quiet
// period. Each frame carries the whole turn so far; a frame resets the
// session's timer, and only the text standing when the timer fires is
// sent, minus whatever an earlier flush of the same turn already carried.
type liveBuffer struct {
	mu      sync.Mutex
	flush   func(sessionID, phone, text string)
	pending map[string]*liveEntry
	flushed map[string]string // session id -> text already sent this turn
}

type liveEntry struct {
	phone string
	text  string
	timer *time.Timer
}

func newLiveBuffer(flush func(sessionID, phone, text string)) *liveBuffer {
	return &liveBuffer{
		flush:   flush,
		pending: make(map[string]*liveEntry),
		flushed: make(map[string]string),
	}
}

func (b *liveBuffer) put(sessionID, phone, text string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if e, ok := b.pending[sessionID]; ok {
		e.phone = phone
		e.text = text
		e.timer.Reset(liveQuiet)
		return
	}
	e := &liveEntry{phone: phone, text: text}
	e.timer = time.AfterFunc(liveQuiet, func() { b.fire(sessionID) })
	b.pending[sessionID] = e
}

func (b *liveBuffer) fire(sessionID string) {
	b.mu.Lock()
	e, ok := b.pending[sessionID]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.pending, sessionID)

	text := e.text
	switch prev := b.flushed[sessionID]; {
	case prev != "" && text == prev:
		// Already delivered in full.
		text = ""
	case prev != "" && len(text) > len(prev) && text[:len(prev)] == prev:
		// The turn grew; send only the new tail.
		b.flushed[sessionID] = text
		text = text[len(prev):]
	default:
		b.flushed[sessionID] = text
	}
	phone := e.phone
	b.mu.Unlock()

	if text != "" {
		b.flush(sessionID, phone, text)
	}
}

// drain flushes everything pending immediately.
func (b *liveBuffer) drain() {
	b.mu.Lock()
	ids := make([]string, 0, len(b.pending))
	for id, e := range b.pending {
		e.timer.Stop()
		ids = append(ids, id)
	}
	b.mu.Unlock()

	for _, id := range ids {
		b.fire(id)
	}
}

// forget drops a session's buffered state without sending.
func (b *liveBuffer) forget(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.pending[sessionID]; ok {
		e.timer.Stop()
		delete(b.pending, sessionID)
	}
	delete(b.flushed, sessionID)
}
