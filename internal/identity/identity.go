// Package identity resolves adapter-level actors (a Telegram chat id, a
// Discord user id, a WhatsApp phone) to configured people, and owns the
// customer-session fallback for senders nobody configured.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/teleclaude/teleclaude/internal/config"
	"github.com/teleclaude/teleclaude/internal/sessions"
	"github.com/teleclaude/teleclaude/internal/store"
	"github.com/teleclaude/teleclaude/pkg/protocol"
)

// ErrNoHelpDesk reports that a customer message arrived while
// adapters.help_desk_project is unset, so no session can serve it.
var ErrNoHelpDesk = errors.New("help desk project not configured")

// Person is a configured human plus the email that keys them.
type Person struct {
	Email string
	config.Person
}

// Resolver maps actor identifiers to people and customer sessions.
type Resolver struct {
	cfg      *config.Config
	registry *sessions.Registry
}

// NewResolver wires the resolver.
func NewResolver(cfg *config.Config, registry *sessions.Registry) *Resolver {
	return &Resolver{cfg: cfg, registry: registry}
}

// Resolve returns the configured person behind an adapter actor id, or
// false when the sender is unknown.
func (r *Resolver) Resolve(origin, actorID string) (*Person, bool) {
	if actorID == "" {
		return nil, false
	}
	for email, p := range r.cfg.People {
		var match bool
		switch origin {
		case protocol.AdapterTelegram:
			match = p.TelegramChatID != 0 && fmt.Sprintf("%d", p.TelegramChatID) == actorID
		case protocol.AdapterDiscord:
			match = p.DiscordUserID != "" && p.DiscordUserID == actorID
		case protocol.AdapterWhatsApp:
			match = p.WhatsAppPhone != "" && NormalizePhone(p.WhatsAppPhone) == NormalizePhone(actorID)
		default:
			// Web/TUI and MCP actors authenticate by email directly.
			match = strings.EqualFold(email, actorID)
		}
		if match {
			person := p
			return &Person{Email: email, Person: person}, true
		}
	}
	return nil, false
}

// RoleFor returns the configured role of the actor, or customer for
// senders nobody configured.
func (r *Resolver) RoleFor(origin, actorID string) string {
	if p, ok := r.Resolve(origin, actorID); ok && p.Role != "" {
		return p.Role
	}
	return store.RoleCustomer
}

// CustomerSession returns the active session serving this customer
// identifier, creating a fresh one when none exists. The created bool
// reports whether a new session was minted. New customer sessions carry
// role customer and an adapter sub-record binding the identifier, so
// later messages from the same sender land in the same session.
func (r *Resolver) CustomerSession(ctx context.Context, origin, identifier, actorName string) (*store.Session, bool, error) {
	sess, err := r.registry.FindCustomer(ctx, origin, identifier)
	if err == nil {
		return sess, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}
	if r.cfg.Adapters.HelpDeskProject == "" {
		return nil, false, ErrNoHelpDesk
	}

	title := actorName
	if title == "" {
		title = "Customer " + identifier
	}
	sess, err = r.registry.Create(ctx, protocol.CreateSessionRequest{
		Title:       title,
		ProjectPath: r.cfg.Adapters.HelpDeskProject,
		Origin:      origin,
		HumanRole:   store.RoleCustomer,
	})
	if err != nil {
		return nil, false, err
	}

	now := time.Now().UTC()
	meta := &store.AdapterMeta{
		SessionID:             sess.SessionID,
		Adapter:               origin,
		LastCustomerMessageAt: &now,
	}
	if origin == protocol.AdapterWhatsApp {
		meta.Phone = NormalizePhone(identifier)
	} else {
		meta.ChatID = identifier
	}
	if err := r.registry.UpsertAdapterMeta(ctx, meta); err != nil {
		return nil, false, fmt.Errorf("bind customer identifier: %w", err)
	}
	return sess, true, nil
}

// PersonByEmail looks a person up by their configured email key.
func (r *Resolver) PersonByEmail(email string) (*Person, bool) {
	p, ok := r.cfg.PersonByEmail(email)
	if !ok {
		return nil, false
	}
	return &Person{Email: email, Person: p}, true
}

// NormalizePhone strips formatting so +49 171 1234 and 491711234 compare
// equal the way the WhatsApp API reports them.
func NormalizePhone(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
