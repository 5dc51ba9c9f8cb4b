// Package links manages conversation links: the peer containers that let
// one session's stop output flow into other sessions' terminals.
package links

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/teleclaude/teleclaude/internal/store"
)

// Participant roles within a link.
const (
	RoleInitiator = "initiator"
	RolePeer      = "peer"
)

// Registry is the conversation-link service. All state lives in the
// store; the registry adds pair semantics on top.
type Registry struct {
	links store.LinkStore
}

// NewRegistry wires the registry.
func NewRegistry(links store.LinkStore) *Registry {
	return &Registry{links: links}
}

// EstablishDirect returns the active direct link between the two sessions,
// creating one if none exists. Idempotent by member pair: re-handshaking an
// already linked pair reuses the existing link. The returned bool reports
// whether a new link was minted.
func (r *Registry) EstablishDirect(ctx context.Context, initiator, peer *store.Session) (*store.Link, bool, error) {
	existing, err := r.links.ActiveLinkBetween(ctx, initiator.SessionID, peer.SessionID, store.LinkDirect)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}

	now := time.Now().UTC()
	link := &store.Link{
		LinkID:           uuid.Must(uuid.NewV7()).String(),
		Mode:             store.LinkDirect,
		Status:           store.LinkActive,
		CreatedBySession: initiator.SessionID,
		MetadataJSON:     "{}",
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	members := []*store.LinkMember{
		member(link.LinkID, initiator, 1, RoleInitiator, now),
		member(link.LinkID, peer, 2, RolePeer, now),
	}
	if err := r.links.CreateLink(ctx, link, members); err != nil {
		return nil, false, err
	}
	return link, true, nil
}

func member(linkID string, s *store.Session, number int, role string, at time.Time) *store.LinkMember {
	name := s.Title
	if name == "" {
		name = s.ActiveAgent
	}
	return &store.LinkMember{
		LinkID:            linkID,
		SessionID:         s.SessionID,
		ParticipantName:   name,
		ParticipantNumber: number,
		ParticipantRole:   role,
		ComputerName:      s.ComputerName,
		JoinedAt:          at,
	}
}

// ActiveBetween returns the active direct link shared by exactly {a, b},
// or store.ErrNotFound.
func (r *Registry) ActiveBetween(ctx context.Context, a, b string) (*store.Link, error) {
	return r.links.ActiveLinkBetween(ctx, a, b, store.LinkDirect)
}

// For returns every active link the session belongs to.
func (r *Registry) For(ctx context.Context, sessionID string) ([]*store.Link, error) {
	return r.links.ActiveLinksForSession(ctx, sessionID)
}

// PeerMembers returns the link's members excluding the given session.
// Fan-out never echoes the sender back to itself.
func (r *Registry) PeerMembers(ctx context.Context, linkID, excluding string) ([]*store.LinkMember, error) {
	all, err := r.links.Members(ctx, linkID)
	if err != nil {
		return nil, err
	}
	peers := make([]*store.LinkMember, 0, len(all))
	for _, m := range all {
		if m.SessionID == excluding {
			continue
		}
		peers = append(peers, m)
	}
	return peers, nil
}

// Join adds a session to an existing link.
func (r *Registry) Join(ctx context.Context, link *store.Link, s *store.Session, number int, role string) error {
	if role == "" {
		role = RolePeer
	}
	return r.links.AddMember(ctx, member(link.LinkID, s, number, role, time.Now().UTC()))
}

// Leave removes a session from a link. A link that drops below two
// members cannot carry a conversation and is closed.
func (r *Registry) Leave(ctx context.Context, linkID, sessionID string) error {
	remaining, err := r.links.RemoveMember(ctx, linkID, sessionID)
	if err != nil {
		return err
	}
	if remaining < 2 {
		return r.links.CloseLink(ctx, linkID)
	}
	return nil
}

// CloseForMember severs the caller's links. With a target it closes only
// the link shared with that exact target: when no such link exists it
// returns nil closed ids and touches nothing else the caller belongs to.
// Without a target it closes every active link of the caller.
func (r *Registry) CloseForMember(ctx context.Context, sessionID, targetSessionID string) ([]string, error) {
	if targetSessionID != "" {
		link, err := r.links.ActiveLinkBetween(ctx, sessionID, targetSessionID, store.LinkDirect)
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if err := r.links.CloseLink(ctx, link.LinkID); err != nil {
			return nil, err
		}
		return []string{link.LinkID}, nil
	}

	active, err := r.links.ActiveLinksForSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	closed := make([]string, 0, len(active))
	for _, l := range active {
		if err := r.links.CloseLink(ctx, l.LinkID); err != nil {
			return closed, err
		}
		closed = append(closed, l.LinkID)
	}
	return closed, nil
}

// CleanupForSession severs the session from every active link it belongs
// to. Called on session end. Per-link failures are logged and skipped so
// one bad row cannot strand the rest.
func (r *Registry) CleanupForSession(ctx context.Context, sessionID string) {
	active, err := r.links.ActiveLinksForSession(ctx, sessionID)
	if err != nil {
		slog.Warn("link cleanup lookup failed", "session_id", sessionID, "error", err)
		return
	}
	for _, l := range active {
		if err := r.Leave(ctx, l.LinkID, sessionID); err != nil {
			slog.Warn("link cleanup failed", "session_id", sessionID, "link_id", l.LinkID, "error", err)
		}
	}
}
