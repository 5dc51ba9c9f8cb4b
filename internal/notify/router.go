// Package notify fans events out to humans and external systems. The
// router resolves a channel name to its subscribed people and records one
// durable envelope per person; outbox workers drain notifications and
// webhooks with the shared claim/ack retry discipline.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/teleclaude/teleclaude/internal/config"
	"github.com/teleclaude/teleclaude/internal/store"
	"github.com/teleclaude/teleclaude/pkg/protocol"
)

// Sender delivers one direct notification on a platform, outside any
// session channel. The concrete adapters implement it.
type Sender interface {
	SendDirect(ctx context.Context, recipient, subject, body string) error
}

// AgentAttentionChannel is the well-known channel for agent attention
// pings (permission prompts, nudges). Operators subscribe people to it
// under notifications.channels in the config.
const AgentAttentionChannel = "agent_attention"

// Router enqueues per-person notification envelopes for a named channel.
type Router struct {
	cfg    *config.Config
	outbox store.NotificationStore
}

// NewRouter creates the notification router.
func NewRouter(cfg *config.Config, outbox store.NotificationStore) *Router {
	return &Router{cfg: cfg, outbox: outbox}
}

// Configured reports whether channel exists and has subscribers.
func (r *Router) Configured(channel string) bool {
	ch, ok := r.cfg.Notifications.Channels[channel]
	return ok && len(ch.Subscribers) > 0
}

// NotifyAttention routes an agent attention ping to the well-known
// channel. A host without the channel configured drops it silently; the
// origin adapter already carried the message in-session.
func (r *Router) NotifyAttention(ctx context.Context, subject, body string) error {
	if !r.Configured(AgentAttentionChannel) {
		return nil
	}
	_, err := r.Notify(ctx, AgentAttentionChannel, subject, body)
	return err
}

// Notify resolves channel to its subscribers and enqueues one envelope
// per reachable person. Returns the number enqueued; an unknown channel
// is an error, an unreachable subscriber only a warning.
func (r *Router) Notify(ctx context.Context, channel, subject, body string) (int, error) {
	ch, ok := r.cfg.Notifications.Channels[channel]
	if !ok {
		return 0, fmt.Errorf("unknown notification channel %q", channel)
	}

	enqueued := 0
	for _, key := range ch.Subscribers {
		person, ok := r.cfg.People[key]
		if !ok {
			slog.Warn("notification subscriber not configured", "channel", channel, "person", key)
			continue
		}
		adapter, recipient := route(person)
		if adapter == "" {
			slog.Warn("notification subscriber unreachable", "channel", channel, "person", key)
			continue
		}
		_, err := r.outbox.Enqueue(ctx, &store.NotificationEntry{
			Channel:   channel,
			Adapter:   adapter,
			Recipient: recipient,
			Subject:   subject,
			Body:      body,
		})
		if err != nil {
			return enqueued, fmt.Errorf("enqueue notification for %s: %w", key, err)
		}
		enqueued++
	}
	return enqueued, nil
}

// route picks the person's notification lane. Telegram wins when both are
// configured: free-form sends are never window-restricted there.
func route(p config.Person) (adapter, recipient string) {
	if p.TelegramChatID != 0 {
		return protocol.AdapterTelegram, strconv.FormatInt(p.TelegramChatID, 10)
	}
	if p.WhatsAppPhone != "" {
		return protocol.AdapterWhatsApp, p.WhatsAppPhone
	}
	return "", ""
}
